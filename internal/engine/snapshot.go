package engine

import "encoding/json"

// Snapshot is a session's full mutable state: opaque credentials plus a
// two-level key store (spec §3). Creds and per-key values are treated as
// opaque JSON by the engine; only the Codec and the caller interpret their
// contents.
type Snapshot struct {
	Creds    json.RawMessage                      `json:"creds,omitempty"`
	Keys     map[string]map[string]json.RawMessage `json:"keys,omitempty"`
	AppState json.RawMessage                      `json:"appState,omitempty"`
}

// Patch is a partial Snapshot. A nil Keys[type][id] (JSON null) denotes
// deletion of that entry on merge.
type Patch struct {
	Creds       json.RawMessage                       `json:"creds,omitempty"`
	Keys        map[string]map[string]json.RawMessage `json:"keys,omitempty"`
	AppState    json.RawMessage                       `json:"appState,omitempty"`
	HasAppState bool                                  `json:"-"`
}

func isJSONNull(v json.RawMessage) bool {
	return v == nil || string(v) == "null"
}

// Merge applies p onto s per spec §3: creds replaces wholesale when
// present, keys merge key-by-key with null entries deleting, and appState
// replaces wholesale when present.
func Merge(s Snapshot, p Patch) Snapshot {
	out := Snapshot{
		Creds:    s.Creds,
		AppState: s.AppState,
	}
	if len(p.Creds) > 0 {
		out.Creds = p.Creds
	}

	out.Keys = make(map[string]map[string]json.RawMessage, len(s.Keys))
	for typ, ids := range s.Keys {
		copied := make(map[string]json.RawMessage, len(ids))
		for id, v := range ids {
			copied[id] = v
		}
		out.Keys[typ] = copied
	}

	for typ, ids := range p.Keys {
		bucket, ok := out.Keys[typ]
		if !ok {
			bucket = make(map[string]json.RawMessage)
			out.Keys[typ] = bucket
		}
		for id, v := range ids {
			if isJSONNull(v) {
				delete(bucket, id)
				continue
			}
			bucket[id] = v
		}
		if len(bucket) == 0 {
			delete(out.Keys, typ)
		}
	}

	if p.HasAppState {
		out.AppState = p.AppState
	}
	return out
}

// MergePatches folds p2 onto p1 following the same rules Merge uses,
// satisfying the merge-associativity law: Merge(Merge(s,p1),p2) equals
// Merge(s, MergePatches(p1,p2)).
func MergePatches(p1, p2 Patch) Patch {
	out := Patch{Creds: p1.Creds, AppState: p1.AppState, HasAppState: p1.HasAppState}
	if len(p2.Creds) > 0 {
		out.Creds = p2.Creds
	}
	if p2.HasAppState {
		out.AppState = p2.AppState
		out.HasAppState = true
	}

	out.Keys = make(map[string]map[string]json.RawMessage, len(p1.Keys))
	for typ, ids := range p1.Keys {
		copied := make(map[string]json.RawMessage, len(ids))
		for id, v := range ids {
			copied[id] = v
		}
		out.Keys[typ] = copied
	}
	for typ, ids := range p2.Keys {
		bucket, ok := out.Keys[typ]
		if !ok {
			bucket = make(map[string]json.RawMessage)
			out.Keys[typ] = bucket
		}
		for id, v := range ids {
			bucket[id] = v
		}
	}
	return out
}

func marshalSnapshot(s Snapshot) ([]byte, error) {
	return json.Marshal(s)
}

func unmarshalSnapshot(blob []byte) (Snapshot, error) {
	var s Snapshot
	if len(blob) == 0 {
		return s, nil
	}
	if err := json.Unmarshal(blob, &s); err != nil {
		return Snapshot{}, err
	}
	return s, nil
}

package engine

import (
	"context"
	"encoding/json"
	"sync"
)

// KeyType enumerates the fixed set of Signal-protocol key namespaces a
// Snapshot's key store may hold (spec §3).
type KeyType string

const (
	KeyTypePreKey              KeyType = "pre-key"
	KeyTypeSession             KeyType = "session"
	KeyTypeSenderKey           KeyType = "sender-key"
	KeyTypeAppStateSyncKey     KeyType = "app-state-sync-key"
	KeyTypeAppStateSyncVersion KeyType = "app-state-sync-version"
	KeyTypeSenderKeyMemory     KeyType = "sender-key-memory"
)

// AuthState is the session-provider façade the messaging client consumes
// (spec §6): `state.creds`, `state.keys.get/set`, `saveCreds()`. It is a
// thin, typed wrapper over Engine.Get/Set that caches the last-read creds
// so the client can mutate them freely between saves, per spec §6's
// "mutable by the client between saves" note; the engine itself never
// sees those mutations until SaveCreds is called.
type AuthState struct {
	mu sync.Mutex

	engine    *Engine
	sessionID string
	creds     json.RawMessage
	version   uint64
}

// LoadAuthState resolves sessionID's current creds through engine.Get and
// returns a façade ready for the client to read/mutate/save. An unknown
// session yields an AuthState with nil creds rather than an error,
// matching Get's own "unknown session returns null" contract (spec §8).
func LoadAuthState(ctx context.Context, e *Engine, sessionID string) (*AuthState, error) {
	vs, err := e.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	a := &AuthState{engine: e, sessionID: sessionID}
	if vs != nil {
		a.creds = vs.Snapshot.Creds
		a.version = vs.Version
	}
	return a, nil
}

// Creds returns the cached credentials blob. Callers decode/mutate it as
// their own Credentials type; the engine treats it as opaque (spec §3).
func (a *AuthState) Creds() json.RawMessage {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.creds
}

// SetCreds replaces the cached credentials in place, without touching
// storage. Call SaveCreds to persist the change.
func (a *AuthState) SetCreds(creds json.RawMessage) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.creds = creds
}

// SaveCreds flushes the currently-cached creds through the engine as a
// `{creds}` patch, per spec §6.
func (a *AuthState) SaveCreds(ctx context.Context) (VersionedResult, error) {
	a.mu.Lock()
	creds := a.creds
	a.mu.Unlock()

	res, err := a.engine.Set(ctx, a.sessionID, Patch{Creds: creds}, nil, nil)
	if err != nil {
		return VersionedResult{}, err
	}
	a.mu.Lock()
	a.version = res.Version
	a.mu.Unlock()
	return res, nil
}

// GetKeys returns only the ids present under typ, per spec §6 ("missing
// ids are omitted"). It always re-reads through the engine rather than
// the cached snapshot, since keys are updated far more often than creds
// and the client expects read-your-writes on them.
func (a *AuthState) GetKeys(ctx context.Context, typ KeyType, ids []string) (map[string]json.RawMessage, error) {
	vs, err := a.engine.Get(ctx, a.sessionID)
	if err != nil {
		return nil, err
	}
	out := make(map[string]json.RawMessage, len(ids))
	if vs == nil {
		return out, nil
	}
	bucket := vs.Snapshot.Keys[string(typ)]
	for _, id := range ids {
		if v, ok := bucket[id]; ok {
			out[id] = v
		}
	}
	return out, nil
}

// SetKeys merges data into the session's key store: a nil value at
// data[type][id] deletes that entry (spec §3/§6). It is a thin wrapper
// that folds the two-level map into a Patch and calls through Engine.Set.
func (a *AuthState) SetKeys(ctx context.Context, data map[KeyType]map[string]json.RawMessage) (VersionedResult, error) {
	patch := Patch{Keys: make(map[string]map[string]json.RawMessage, len(data))}
	for typ, ids := range data {
		bucket := make(map[string]json.RawMessage, len(ids))
		for id, v := range ids {
			bucket[id] = v
		}
		patch.Keys[string(typ)] = bucket
	}
	res, err := a.engine.Set(ctx, a.sessionID, patch, nil, nil)
	if err != nil {
		return VersionedResult{}, err
	}
	a.mu.Lock()
	a.version = res.Version
	a.mu.Unlock()
	return res, nil
}

// Version returns the last version this façade observed, either from
// LoadAuthState or the most recent SaveCreds/SetKeys.
func (a *AuthState) Version() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.version
}

package engine

import (
	"context"

	"github.com/nyxstate/hybridauth/internal/coldstore"
	"github.com/nyxstate/hybridauth/internal/outbox"
)

// reconcilerColdWriter adapts ColdStore.ConditionalPut's
// (coldstore.ConditionalPutResult, error) return shape to the narrower
// (bool, *outbox.ColdRecord, error) shape outbox.ColdWriter requires. The
// outbox package deliberately defines its own minimal ColdRecord type
// rather than importing coldstore, so this adapter is the one place that
// bridges the two.
type reconcilerColdWriter struct {
	cold *coldstore.ColdStore
}

func (a *reconcilerColdWriter) ConditionalPut(ctx context.Context, sessionID string, patch []byte, version uint64, fencingToken uint64) (bool, *outbox.ColdRecord, error) {
	res, err := a.cold.ConditionalPut(ctx, sessionID, patch, version, fencingToken)
	if err != nil {
		return false, nil, err
	}
	var current *outbox.ColdRecord
	if res.Current != nil {
		current = &outbox.ColdRecord{Version: res.Current.Version, FencingToken: res.Current.FencingToken}
	}
	return res.Applied, current, nil
}

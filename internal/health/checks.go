package health

import (
	"context"
	"errors"
	"fmt"

	"github.com/vocoach/vocoach/internal/kv"
	"github.com/vocoach/vocoach/internal/store"
)

// probeSessionID is a session ID that is never created; a clean ErrNotFound
// proves the store round-trip works.
const probeSessionID = "healthcheck-probe"

// StoreChecker probes the session store with a lookup of a session that is
// known not to exist. [store.ErrNotFound] counts as healthy; any other error
// (connection refused, timeout) fails the check.
func StoreChecker(st store.Store) Checker {
	return Checker{
		Name: "store",
		Check: func(ctx context.Context) error {
			_, err := st.GetSession(ctx, probeSessionID)
			if err != nil && !errors.Is(err, store.ErrNotFound) {
				return fmt.Errorf("health: store probe: %w", err)
			}
			return nil
		},
	}
}

// KVChecker probes the key-value backend with a read of an absent key.
// [kv.ErrNotFound] counts as healthy.
func KVChecker(s kv.Store) Checker {
	return Checker{
		Name: "kv",
		Check: func(ctx context.Context) error {
			_, err := s.Get(ctx, "health:probe")
			if err != nil && !errors.Is(err, kv.ErrNotFound) {
				return fmt.Errorf("health: kv probe: %w", err)
			}
			return nil
		},
	}
}

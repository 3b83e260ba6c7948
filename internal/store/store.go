package store

import (
	"context"
	"errors"
)

var ErrEmptyKey = errors.New("key cannot be empty")

// Store is a key-value store that survives process restarts. Values are
// strings; a key that was never set or was deleted is absent from Get's
// result.
type Store interface {
	Get(ctx context.Context, keys ...string) (map[string]string, error)
	// Update sets and deletes keys in one step
	Update(ctx context.Context, set map[string]string, del []string) error
}

func validateKeys(set map[string]string, del []string) error {
	for k := range set {
		if k == "" {
			return ErrEmptyKey
		}
	}
	for _, k := range del {
		if k == "" {
			return ErrEmptyKey
		}
	}
	return nil
}

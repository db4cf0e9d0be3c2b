package common

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/samber/do/v2"
)

const (
	StatsKey       = "stats"
	WinMetadataKey = "winMetadata"
)

var ErrUnknownStore = errors.New("unknown store backend")

// Store is a flat key/value blob store. Get returns nil for absent keys.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Remove(ctx context.Context, key string) error
}

// NewStore picks the persistence backend named by the "store" value.
func NewStore(i do.Injector) (Store, error) {
	backend := do.MustInvokeNamed[string](i, "store")

	switch backend {
	case "bolt", "":
		store, err := do.Invoke[*BoltStore](i)
		if err != nil {
			return nil, fmt.Errorf("failed to create bolt store: %w", err)
		}

		return store, nil
	case "valkey":
		store, err := do.Invoke[*ValkeyStore](i)
		if err != nil {
			return nil, fmt.Errorf("failed to create valkey store: %w", err)
		}

		return store, nil
	}

	return nil, fmt.Errorf("%w: %s", ErrUnknownStore, backend)
}

// LoadJSON decodes the value at key into v and reports whether it existed.
func LoadJSON(ctx context.Context, store Store, key string, v any) (bool, error) {
	data, err := store.Get(ctx, key)
	if err != nil {
		return false, fmt.Errorf("failed to get %s: %w", key, err)
	}

	if data == nil {
		return false, nil
	}

	err = json.Unmarshal(data, v)
	if err != nil {
		return false, fmt.Errorf("failed to unmarshal %s: %w", key, err)
	}

	return true, nil
}

func SaveJSON(ctx context.Context, store Store, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", key, err)
	}

	err = store.Set(ctx, key, data)
	if err != nil {
		return fmt.Errorf("failed to set %s: %w", key, err)
	}

	return nil
}

package common

import (
	"context"
	"fmt"

	"github.com/samber/do/v2"
	"github.com/valkey-io/valkey-go"
)

const valkeyKeyPrefix = "prisoners:"

type ValkeyStore struct {
	Client valkey.Client
}

func NewValkeyStore(i do.Injector) (*ValkeyStore, error) {
	addr := do.MustInvokeNamed[string](i, "valkey-addr")

	client, err := valkey.NewClient(valkey.ClientOption{
		InitAddress: []string{addr},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to valkey at %s: %w", addr, err)
	}

	return &ValkeyStore{
		Client: client,
	}, nil
}

func (s *ValkeyStore) Get(ctx context.Context, key string) ([]byte, error) {
	cmd := s.Client.B().Get().Key(valkeyKeyPrefix + key).Build()

	value, err := s.Client.Do(ctx, cmd).AsBytes()
	if valkey.IsValkeyNil(err) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", key, err)
	}

	return value, nil
}

func (s *ValkeyStore) Set(ctx context.Context, key string, value []byte) error {
	cmd := s.Client.B().Set().Key(valkeyKeyPrefix + key).Value(valkey.BinaryString(value)).Build()

	err := s.Client.Do(ctx, cmd).Error()
	if err != nil {
		return fmt.Errorf("failed to write %s: %w", key, err)
	}

	return nil
}

func (s *ValkeyStore) Remove(ctx context.Context, key string) error {
	cmd := s.Client.B().Del().Key(valkeyKeyPrefix + key).Build()

	err := s.Client.Do(ctx, cmd).Error()
	if err != nil {
		return fmt.Errorf("failed to delete %s: %w", key, err)
	}

	return nil
}

func (s *ValkeyStore) Shutdown() error {
	s.Client.Close()

	return nil
}

package common

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"time"

	"github.com/samber/do/v2"
	bolt "go.etcd.io/bbolt"
)

const KVBucket = "prisoners:kv"

var ErrKVBucketNotFound = errors.New("kv bucket doesn't exist")

type BoltStore struct {
	DB *bolt.DB
}

func NewBoltStore(i do.Injector) (*BoltStore, error) {
	dataDir := do.MustInvokeNamed[string](i, "data-dir")

	return OpenBoltStore(dataDir)
}

func OpenBoltStore(dataDir string) (*BoltStore, error) {
	err := os.MkdirAll(dataDir, 0750)
	if err != nil {
		return nil, fmt.Errorf("failed to create database path: %w", err)
	}

	dbPath := path.Join(dataDir, "prisoners.db")

	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(KVBucket))
		if err != nil {
			return fmt.Errorf("failed to create %s bucket: %w", KVBucket, err)
		}

		return nil
	})
	if err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("failed to initialize database buckets: %w", err)
	}

	return &BoltStore{
		DB: db,
	}, nil
}

func (s *BoltStore) Get(ctx context.Context, key string) ([]byte, error) {
	err := ctx.Err()
	if err != nil {
		//nolint:wrapcheck
		return nil, err
	}

	var result []byte

	err = s.DB.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(KVBucket))
		if bucket == nil {
			return ErrKVBucketNotFound
		}

		// values are only valid for the life of the transaction
		if value := bucket.Get([]byte(key)); value != nil {
			result = bytes.Clone(value)
		}

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", key, err)
	}

	return result, nil
}

func (s *BoltStore) Set(ctx context.Context, key string, value []byte) error {
	err := ctx.Err()
	if err != nil {
		//nolint:wrapcheck
		return err
	}

	//nolint:wrapcheck
	return s.DB.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(KVBucket))
		if bucket == nil {
			return ErrKVBucketNotFound
		}

		err := bucket.Put([]byte(key), value)
		if err != nil {
			return fmt.Errorf("failed to put %s: %w", key, err)
		}

		return nil
	})
}

func (s *BoltStore) Remove(ctx context.Context, key string) error {
	err := ctx.Err()
	if err != nil {
		//nolint:wrapcheck
		return err
	}

	//nolint:wrapcheck
	return s.DB.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(KVBucket))
		if bucket == nil {
			return ErrKVBucketNotFound
		}

		err := bucket.Delete([]byte(key))
		if err != nil {
			return fmt.Errorf("failed to delete %s: %w", key, err)
		}

		return nil
	})
}

func (s *BoltStore) Shutdown() error {
	//nolint:wrapcheck
	return s.DB.Close()
}

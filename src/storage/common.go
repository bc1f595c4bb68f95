package storage

import (
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v2"
	"github.com/vmihailenco/msgpack/v4"

	"github.com/stake-plus/murmur-protocol/src/types"
)

// ErrAlreadyExists is returned by insert when the key is taken.
var ErrAlreadyExists = errors.New("key already exists")

func encode(entity interface{}) ([]byte, error) {
	val, err := msgpack.Marshal(entity)
	if err != nil {
		return nil, fmt.Errorf("could not encode entity: %w", err)
	}
	return val, nil
}

func decode(val []byte, entity interface{}) error {
	if err := msgpack.Unmarshal(val, entity); err != nil {
		return fmt.Errorf("could not decode entity: %w", err)
	}
	return nil
}

// insert encodes the entity and stores it under key. It errors if the key exists.
func insert(key []byte, entity interface{}) func(*badger.Txn) error {
	return func(tx *badger.Txn) error {
		_, err := tx.Get(key)
		if err == nil {
			return ErrAlreadyExists
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("could not check key: %w", err)
		}
		val, err := encode(entity)
		if err != nil {
			return err
		}
		if err := tx.Set(key, val); err != nil {
			return fmt.Errorf("could not store data: %w", err)
		}
		return nil
	}
}

// upsert encodes the entity and stores it under key, replacing any previous value.
func upsert(key []byte, entity interface{}) func(*badger.Txn) error {
	return func(tx *badger.Txn) error {
		val, err := encode(entity)
		if err != nil {
			return err
		}
		if err := tx.Set(key, val); err != nil {
			return fmt.Errorf("could not store data: %w", err)
		}
		return nil
	}
}

// retrieve decodes the value under key into entity, returning types.ErrNotFound when absent.
func retrieve(key []byte, entity interface{}) func(*badger.Txn) error {
	return func(tx *badger.Txn) error {
		item, err := tx.Get(key)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return types.ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("could not load data: %w", err)
		}
		return item.Value(func(val []byte) error {
			return decode(val, entity)
		})
	}
}

func exists(key []byte, found *bool) func(*badger.Txn) error {
	return func(tx *badger.Txn) error {
		_, err := tx.Get(key)
		if errors.Is(err, badger.ErrKeyNotFound) {
			*found = false
			return nil
		}
		if err != nil {
			return fmt.Errorf("could not check existence: %w", err)
		}
		*found = true
		return nil
	}
}

func remove(key []byte) func(*badger.Txn) error {
	return func(tx *badger.Txn) error {
		if err := tx.Delete(key); err != nil {
			return fmt.Errorf("could not delete key %x: %w", key, err)
		}
		return nil
	}
}

// iterate walks every key under prefix in ascending order. create returns the
// decode target for the next value; handle is called after it was decoded.
func iterate(prefix []byte, create func() interface{}, handle func(key []byte) error) func(*badger.Txn) error {
	return func(tx *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := tx.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			key := item.KeyCopy(nil)
			entity := create()
			if entity != nil {
				err := item.Value(func(val []byte) error {
					return decode(val, entity)
				})
				if err != nil {
					return err
				}
			}
			if err := handle(key); err != nil {
				return err
			}
		}
		return nil
	}
}

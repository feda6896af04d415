// Package kv provides a fast key-value store with persistence using BadgerDB.
// The orchestrator keeps checkpoint snapshots and scratch progress here so a
// restart does not lose paid progress.
package kv

import (
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"
)

type KV struct {
	db       *badger.DB
	opts     badger.Options
	closed   bool
	closedMu sync.RWMutex
}

// Options for KV store
type Options struct {
	Dir           string // Data directory
	SyncWrites    bool   // Sync writes to disk
	Compression   bool   // Enable compression
	MemoryMode    bool   // In-memory only (no persistence)
	ValueLogMaxMB int64  // Max value log size in MB
}

// DefaultOptions returns default options
func DefaultOptions(dir string) Options {
	return Options{
		Dir:           dir,
		SyncWrites:    true, // snapshots must survive a crash
		Compression:   true,
		MemoryMode:    false,
		ValueLogMaxMB: 256,
	}
}

// Open opens a KV store
func Open(opt Options) (*KV, error) {
	if !opt.MemoryMode && opt.Dir == "" {
		opt.Dir = filepath.Join(os.TempDir(), "taskpilot-kv")
	}

	opts := badger.DefaultOptions(opt.Dir)
	opts.SyncWrites = opt.SyncWrites
	opts.Logger = nil

	if opt.Compression && !opt.MemoryMode {
		opts.Compression = options.ZSTD
	}
	if !opt.MemoryMode && opt.ValueLogMaxMB > 0 {
		opts.ValueLogFileSize = opt.ValueLogMaxMB * 1024 * 1024
	}
	if opt.MemoryMode {
		opts.InMemory = true
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger failed: %w", err)
	}

	kv := &KV{db: db, opts: opts}
	log.Printf("[KV] Opened: %s (memory: %v)", opt.Dir, opt.MemoryMode)
	return kv, nil
}

// OpenMemory opens an in-memory store, used in tests.
func OpenMemory() (*KV, error) {
	return Open(Options{MemoryMode: true})
}

// Close closes the KV store
func (k *KV) Close() error {
	k.closedMu.Lock()
	defer k.closedMu.Unlock()

	if k.closed {
		return nil
	}
	k.closed = true
	return k.db.Close()
}

// IsNotFound reports whether an error is a missing-key error.
func IsNotFound(err error) bool {
	return errors.Is(err, badger.ErrKeyNotFound)
}

// Set sets a key-value pair
func (k *KV) Set(key, value string) error {
	k.closedMu.RLock()
	defer k.closedMu.RUnlock()

	if k.closed {
		return fmt.Errorf("KV is closed")
	}
	return k.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), []byte(value))
	})
}

// SetWithTTL sets a key-value pair with TTL
func (k *KV) SetWithTTL(key, value string, ttl time.Duration) error {
	k.closedMu.RLock()
	defer k.closedMu.RUnlock()

	if k.closed {
		return fmt.Errorf("KV is closed")
	}
	return k.db.Update(func(txn *badger.Txn) error {
		e := badger.NewEntry([]byte(key), []byte(value)).WithTTL(ttl)
		return txn.SetEntry(e)
	})
}

// Get gets a value by key
func (k *KV) Get(key string) (string, error) {
	k.closedMu.RLock()
	defer k.closedMu.RUnlock()

	if k.closed {
		return "", fmt.Errorf("KV is closed")
	}

	var result string
	err := k.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		val, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		result = string(val)
		return nil
	})
	return result, err
}

// Delete deletes a key
func (k *KV) Delete(key string) error {
	k.closedMu.RLock()
	defer k.closedMu.RUnlock()

	if k.closed {
		return fmt.Errorf("KV is closed")
	}
	return k.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	})
}

// Exists checks if a key exists
func (k *KV) Exists(key string) (bool, error) {
	k.closedMu.RLock()
	defer k.closedMu.RUnlock()

	if k.closed {
		return false, fmt.Errorf("KV is closed")
	}

	exists := false
	err := k.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get([]byte(key))
		if err == badger.ErrKeyNotFound {
			exists = false
			return nil
		}
		exists = err == nil
		return err
	})
	return exists, err
}

// Iterate iterates over keys with given prefix
func (k *KV) Iterate(prefix string, fn func(key, value string) bool) error {
	k.closedMu.RLock()
	defer k.closedMu.RUnlock()

	if k.closed {
		return fmt.Errorf("KV is closed")
	}

	return k.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefix)
		opts.PrefetchValues = true

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek([]byte(prefix)); it.ValidForPrefix([]byte(prefix)); it.Next() {
			item := it.Item()
			val, err := item.ValueCopy(nil)
			if err != nil {
				continue
			}
			if !fn(string(item.Key()), string(val)) {
				break
			}
		}
		return nil
	})
}

// Keys returns all keys matching prefix
func (k *KV) Keys(prefix string) ([]string, error) {
	var keys []string
	err := k.Iterate(prefix, func(key, _ string) bool {
		keys = append(keys, key)
		return true
	})
	return keys, err
}

// DeletePrefix deletes all keys with given prefix
func (k *KV) DeletePrefix(prefix string) error {
	keys, err := k.Keys(prefix)
	if err != nil {
		return err
	}

	k.closedMu.RLock()
	defer k.closedMu.RUnlock()
	if k.closed {
		return fmt.Errorf("KV is closed")
	}

	return k.db.Update(func(txn *badger.Txn) error {
		for _, key := range keys {
			if err := txn.Delete([]byte(key)); err != nil {
				log.Printf("[KV] Delete %s failed: %v", key, err)
			}
		}
		return nil
	})
}

// ===== Task helpers =====

// Key prefixes
const (
	PrefixSnapshot = "snapshot:"
	PrefixProgress = "progress:"
)

// SaveSnapshot persists a serialized checkpoint snapshot for a task.
func (k *KV) SaveSnapshot(taskID, payload string) error {
	return k.Set(PrefixSnapshot+taskID, payload)
}

// LoadSnapshot returns a task's checkpoint snapshot.
func (k *KV) LoadSnapshot(taskID string) (string, error) {
	return k.Get(PrefixSnapshot + taskID)
}

// DeleteSnapshot removes a task's checkpoint snapshot.
func (k *KV) DeleteSnapshot(taskID string) error {
	return k.Delete(PrefixSnapshot + taskID)
}

// SnapshotTaskIDs lists the tasks with a stored snapshot.
func (k *KV) SnapshotTaskIDs() ([]string, error) {
	keys, err := k.Keys(PrefixSnapshot)
	if err != nil {
		return nil, err
	}
	ids := make([]string, len(keys))
	for i, key := range keys {
		ids[i] = key[len(PrefixSnapshot):]
	}
	return ids, nil
}

// SetProgress stores a short-lived progress note for a task.
func (k *KV) SetProgress(taskID, note string) error {
	return k.SetWithTTL(PrefixProgress+taskID, note, 10*time.Minute)
}

// GetProgress returns the last progress note for a task.
func (k *KV) GetProgress(taskID string) (string, error) {
	return k.Get(PrefixProgress + taskID)
}

// Flush forces flush to disk
func (k *KV) Flush() error {
	return k.db.Sync()
}

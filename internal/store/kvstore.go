// Package store provides the file-backed idempotency key/value store and
// trade-record ledger named in §6's external interfaces: "Idempotency
// store (consumed)" and "Position store for user analytics (produced)".
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
)

// entry is one SETNX'd value with its expiry.
type entry struct {
	Value   string    `json:"value"`
	Expires time.Time `json:"expires"`
}

// KVStore implements SETNX/GET/DEL with TTL semantics, linearizable per
// key within this process. It persists to a single JSON file on every
// mutation, mirroring the teacher's file-backed Store pattern but keyed
// by opaque strings instead of symbol+timeframe.
type KVStore struct {
	mu       sync.Mutex
	logger   *zap.Logger
	path     string
	entries  map[string]entry
}

// NewKVStore opens (or creates) the idempotency store under dataDir.
func NewKVStore(logger *zap.Logger, dataDir string) (*KVStore, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating kv store directory: %w", err)
	}
	kv := &KVStore{
		logger:  logger.Named("store.kv"),
		path:    filepath.Join(dataDir, "idempotency.json"),
		entries: make(map[string]entry),
	}
	if err := kv.load(); err != nil {
		kv.logger.Warn("failed to load existing idempotency store, starting empty", zap.Error(err))
	}
	return kv, nil
}

func (kv *KVStore) load() error {
	data, err := os.ReadFile(kv.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	var raw map[string]entry
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	kv.entries = raw
	return nil
}

func (kv *KVStore) persist() error {
	data, err := json.MarshalIndent(kv.entries, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(kv.path, data, 0o644)
}

// SetNX sets key to value with the given TTL only if it does not already
// hold an unexpired value. Returns true if the set took effect.
func (kv *KVStore) SetNX(key, value string, ttl time.Duration) (bool, error) {
	kv.mu.Lock()
	defer kv.mu.Unlock()

	if e, ok := kv.entries[key]; ok && time.Now().Before(e.Expires) {
		return false, nil
	}
	kv.entries[key] = entry{Value: value, Expires: time.Now().Add(ttl)}
	return true, kv.persist()
}

// Get returns the value for key and whether it was present and unexpired.
func (kv *KVStore) Get(key string) (string, bool) {
	kv.mu.Lock()
	defer kv.mu.Unlock()

	e, ok := kv.entries[key]
	if !ok || time.Now().After(e.Expires) {
		return "", false
	}
	return e.Value, true
}

// Del removes key unconditionally.
func (kv *KVStore) Del(key string) error {
	kv.mu.Lock()
	defer kv.mu.Unlock()

	delete(kv.entries, key)
	return kv.persist()
}

// Sweep drops expired entries; call periodically to bound file growth.
func (kv *KVStore) Sweep() int {
	kv.mu.Lock()
	defer kv.mu.Unlock()

	now := time.Now()
	removed := 0
	for k, e := range kv.entries {
		if now.After(e.Expires) {
			delete(kv.entries, k)
			removed++
		}
	}
	if removed > 0 {
		if err := kv.persist(); err != nil {
			kv.logger.Warn("failed to persist after sweep", zap.Error(err))
		}
	}
	return removed
}

// LocalFallback is an in-memory-only KVStore used when the primary store
// is unreachable; SignalDeduplicator degrades to this rather than stall
// the pipeline (§4.7 Failures).
type LocalFallback struct {
	mu      sync.Mutex
	entries map[string]entry
}

// NewLocalFallback creates an unpersisted, process-local KV store.
func NewLocalFallback() *LocalFallback {
	return &LocalFallback{entries: make(map[string]entry)}
}

// SetNX mirrors KVStore.SetNX without touching disk.
func (lf *LocalFallback) SetNX(key, value string, ttl time.Duration) bool {
	lf.mu.Lock()
	defer lf.mu.Unlock()
	if e, ok := lf.entries[key]; ok && time.Now().Before(e.Expires) {
		return false
	}
	lf.entries[key] = entry{Value: value, Expires: time.Now().Add(ttl)}
	return true
}

// Get mirrors KVStore.Get without touching disk.
func (lf *LocalFallback) Get(key string) (string, bool) {
	lf.mu.Lock()
	defer lf.mu.Unlock()
	e, ok := lf.entries[key]
	if !ok || time.Now().After(e.Expires) {
		return "", false
	}
	return e.Value, true
}

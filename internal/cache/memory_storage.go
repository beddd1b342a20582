package cache

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/2beens/offlinecache/internal/resource"
)

// budgets below this are raised to it
const minMemoryBudget = 512 * 1024

var _ Storage = (*MemoryStorage)(nil)

// MemoryStorage keeps encoded records in process memory under a fixed byte
// budget. Entries leave only with their namespace; a write that does not fit
// in the remaining budget fails with ErrQuotaExceeded.
type MemoryStorage struct {
	mu         sync.RWMutex
	budget     int64
	used       int64
	namespaces []string
	entries    map[string]map[string][]byte
	now        func() time.Time

	hits   atomic.Int64
	misses atomic.Int64
}

func NewMemoryStorage(budgetBytes int) *MemoryStorage {
	if budgetBytes < minMemoryBudget {
		budgetBytes = minMemoryBudget
	}
	return &MemoryStorage{
		budget:  int64(budgetBytes),
		entries: make(map[string]map[string][]byte),
		now:     time.Now,
	}
}

func entrySize(key string, value []byte) int64 {
	return int64(len(key) + len(value))
}

// openLocked must be called with mu held for writing.
func (ms *MemoryStorage) openLocked(namespace string) bool {
	if _, ok := ms.entries[namespace]; ok {
		return false
	}
	ms.entries[namespace] = make(map[string][]byte)
	ms.namespaces = append(ms.namespaces, namespace)
	return true
}

// reserveLocked checks that growing the store by delta bytes fits the budget.
// largest is the biggest single entry of the write.
func (ms *MemoryStorage) reserveLocked(delta, largest int64) error {
	if largest > ms.budget {
		return fmt.Errorf("%w: %d bytes, budget is %d", ErrEntryTooLarge, largest, ms.budget)
	}
	if ms.used+delta > ms.budget {
		return fmt.Errorf("%w: %d of %d bytes used, %d more needed", ErrQuotaExceeded, ms.used, ms.budget, delta)
	}
	return nil
}

func (ms *MemoryStorage) Open(_ context.Context, namespace string) (bool, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return ms.openLocked(namespace), nil
}

func (ms *MemoryStorage) Put(_ context.Context, namespace, key string, resp *resource.Response) error {
	value, err := encodeRecord(resp, ms.now())
	if err != nil {
		return err
	}
	size := entrySize(key, value)

	ms.mu.Lock()
	defer ms.mu.Unlock()

	delta := size
	if old, ok := ms.entries[namespace][key]; ok {
		delta -= entrySize(key, old)
	}
	if err := ms.reserveLocked(delta, size); err != nil {
		return err
	}

	ms.openLocked(namespace)
	ms.entries[namespace][key] = value
	ms.used += delta
	return nil
}

func (ms *MemoryStorage) PutAll(_ context.Context, namespace string, entries []Entry) error {
	values := make(map[string][]byte, len(entries))
	for _, e := range entries {
		v, err := encodeRecord(e.Response, ms.now())
		if err != nil {
			return fmt.Errorf("encode %s: %w", e.Key, err)
		}
		// a repeated key keeps its last value, as sequential writes would
		values[e.Key] = v
	}

	ms.mu.Lock()
	defer ms.mu.Unlock()

	var delta, largest int64
	existing := ms.entries[namespace]
	for k, v := range values {
		size := entrySize(k, v)
		largest = max(largest, size)
		delta += size
		if old, ok := existing[k]; ok {
			delta -= entrySize(k, old)
		}
	}
	// the whole batch is checked before the first write, so nothing lands on failure
	if err := ms.reserveLocked(delta, largest); err != nil {
		return err
	}

	ms.openLocked(namespace)
	for k, v := range values {
		ms.entries[namespace][k] = v
	}
	ms.used += delta
	return nil
}

func (ms *MemoryStorage) Match(_ context.Context, namespace, key string) (*resource.Response, bool, error) {
	ms.mu.RLock()
	value, ok := ms.entries[namespace][key]
	ms.mu.RUnlock()

	if !ok {
		ms.misses.Add(1)
		return nil, false, nil
	}
	ms.hits.Add(1)

	// stored values are never mutated in place, so decoding outside the lock is safe
	resp, err := decodeRecord(value)
	if err != nil {
		return nil, false, err
	}
	return resp, true, nil
}

func (ms *MemoryStorage) Keys(_ context.Context, namespace string) ([]string, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	keys := make([]string, 0, len(ms.entries[namespace]))
	for k := range ms.entries[namespace] {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

func (ms *MemoryStorage) Namespaces(_ context.Context) ([]string, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	namespaces := make([]string, len(ms.namespaces))
	copy(namespaces, ms.namespaces)
	return namespaces, nil
}

func (ms *MemoryStorage) Delete(_ context.Context, namespace string) (bool, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	entries, ok := ms.entries[namespace]
	if !ok {
		return false, nil
	}
	for k, v := range entries {
		ms.used -= entrySize(k, v)
	}
	delete(ms.entries, namespace)

	for i, ns := range ms.namespaces {
		if ns == namespace {
			ms.namespaces = append(ms.namespaces[:i], ms.namespaces[i+1:]...)
			break
		}
	}
	return true, nil
}

// StorageStats is a point in time view of an in-process store.
type StorageStats struct {
	Entries       int64
	UsedBytes     int64
	CapacityBytes int64
	Evacuated     int64
	HitRate       float64
}

func hitRate(hits, misses int64) float64 {
	if hits+misses == 0 {
		return 0
	}
	return float64(hits) / float64(hits+misses)
}

func (ms *MemoryStorage) Stats() StorageStats {
	ms.mu.RLock()
	var entries int64
	for _, ns := range ms.entries {
		entries += int64(len(ns))
	}
	used := ms.used
	ms.mu.RUnlock()

	return StorageStats{
		Entries:       entries,
		UsedBytes:     used,
		CapacityBytes: ms.budget,
		HitRate:       hitRate(ms.hits.Load(), ms.misses.Load()),
	}
}

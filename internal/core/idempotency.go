package core

import (
	"container/list"
	"sync"

	"FlashLever/internal/observability"

	"github.com/rs/zerolog"
)

// DBIdempotencyChecker looks up keys that have already been committed to the
// event log.
type DBIdempotencyChecker interface {
	IsDuplicate(eventType string, idempotencyKey string) (bool, error)
}

// IdempotencyChecker deduplicates externally keyed operations (wallet
// deposits and withdrawals delivered at least once over NATS). Tier 1 is an
// in-memory LRU, tier 2 the persisted event log.
type IdempotencyChecker struct {
	mu        sync.Mutex
	lru       *IdempotencyLRU
	dbChecker DBIdempotencyChecker
	metrics   *observability.Metrics
	logger    zerolog.Logger
}

func NewIdempotencyChecker(capacity int, dbChecker DBIdempotencyChecker, metrics *observability.Metrics) *IdempotencyChecker {
	return &IdempotencyChecker{
		lru:       NewIdempotencyLRU(capacity),
		dbChecker: dbChecker,
		metrics:   metrics,
		logger:    observability.NewLogger("idempotency"),
	}
}

func compositeKey(eventType, key string) string {
	return eventType + ":" + key
}

// IsDuplicate reports whether (eventType, key) was already processed
func (ic *IdempotencyChecker) IsDuplicate(eventType string, key string) bool {
	ck := compositeKey(eventType, key)

	ic.mu.Lock()
	hit := ic.lru.Contains(ck)
	ic.mu.Unlock()
	if hit {
		ic.record(eventType, "lru")
		return true
	}

	if ic.dbChecker == nil {
		return false
	}

	dup, err := ic.dbChecker.IsDuplicate(eventType, key)
	if err != nil {
		// A lookup failure must not block processing; the unique index on
		// the event log is the last line.
		ic.logger.Warn().Err(err).Str("event_type", eventType).Msg("tier-2 idempotency lookup failed")
		ic.record(eventType, "error")
		return false
	}
	if dup {
		ic.record(eventType, "postgres")
		ic.mu.Lock()
		ic.lru.Add(ck)
		ic.mu.Unlock()
	}
	return dup
}

// MarkProcessed records a committed key
func (ic *IdempotencyChecker) MarkProcessed(eventType string, key string) {
	ic.mu.Lock()
	defer ic.mu.Unlock()
	ic.lru.Add(compositeKey(eventType, key))
}

// Warm loads recently committed keys, oldest first
func (ic *IdempotencyChecker) Warm(keys [][2]string) {
	ic.mu.Lock()
	defer ic.mu.Unlock()
	for _, k := range keys {
		ic.lru.Add(compositeKey(k[0], k[1]))
	}
}

func (ic *IdempotencyChecker) record(eventType, tier string) {
	if ic.metrics != nil {
		ic.metrics.Duplicates.WithLabelValues(eventType, tier).Inc()
	}
}

// IdempotencyLRU is a bounded set of keys with least-recently-used eviction.
// Not safe for concurrent use.
type IdempotencyLRU struct {
	capacity  int
	cache     map[string]*list.Element
	lruList   *list.List
	evictions int64
}

func NewIdempotencyLRU(capacity int) *IdempotencyLRU {
	if capacity <= 0 {
		capacity = 1
	}
	return &IdempotencyLRU{
		capacity: capacity,
		cache:    make(map[string]*list.Element, capacity),
		lruList:  list.New(),
	}
}

// Contains checks for key and promotes it on a hit
func (lru *IdempotencyLRU) Contains(key string) bool {
	elem, ok := lru.cache[key]
	if ok {
		lru.lruList.MoveToFront(elem)
	}
	return ok
}

// Add inserts or promotes key, evicting the oldest entry over capacity
func (lru *IdempotencyLRU) Add(key string) {
	if elem, ok := lru.cache[key]; ok {
		lru.lruList.MoveToFront(elem)
		return
	}
	lru.cache[key] = lru.lruList.PushFront(key)
	if lru.lruList.Len() > lru.capacity {
		oldest := lru.lruList.Back()
		lru.lruList.Remove(oldest)
		delete(lru.cache, oldest.Value.(string))
		lru.evictions++
	}
}

func (lru *IdempotencyLRU) Size() int {
	return lru.lruList.Len()
}

func (lru *IdempotencyLRU) Evictions() int64 {
	return lru.evictions
}

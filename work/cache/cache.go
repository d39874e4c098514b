package cache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/maypok86/otter/v2"
	"golang.org/x/sync/singleflight"

	"github.com/tonywagner/milbserver/work/logger"
	"github.com/tonywagner/milbserver/work/metrics"
)

// Never is the expiry of entries that can no longer change. It is far enough
// out to be permanent without overflowing duration arithmetic.
var Never = time.Date(9999, time.December, 31, 0, 0, 0, 0, time.UTC)

// FlightTimeout bounds a fetch shared by concurrent misses once it no longer
// follows the cancellation of the caller that started it.
const FlightTimeout = 30 * time.Second

// maxTTL caps what is handed to otter; Get still honours the entry's own expiry.
const maxTTL = 10 * 365 * 24 * time.Hour

// IsForever reports whether an expiry marks immutable history.
func IsForever(expiry time.Time) bool {
	return !expiry.Before(Never)
}

// Entry is a cached value with the expiry computed when it was written.
type Entry[T any] struct {
	Value       T         `json:"value"`
	Expiry      time.Time `json:"expiry"`
	LastUpdated time.Time `json:"lastUpdated"`
}

// Policy computes an entry's expiry at write time.
type Policy[T any] func(key string, value T, now time.Time) time.Time

// Fixed returns a policy with a constant time to live.
func Fixed[T any](ttl time.Duration) Policy[T] {
	return func(_ string, _ T, now time.Time) time.Time {
		return now.Add(ttl)
	}
}

// Archive persists entries that never expire so they survive a restart.
type Archive interface {
	Load(namespace, key string) ([]byte, bool, error)
	Save(namespace, key string, payload []byte) error
	Delete(namespace, key string) error
	Clear(namespace string) error
}

// Store is one cache namespace. Reads of different keys never wait on each
// other; writes to the same key are last-writer-wins.
type Store[T any] struct {
	name    string
	policy  Policy[T]
	now     func() time.Time
	archive Archive
	entries *otter.Cache[string, Entry[T]]
	group   singleflight.Group
}

// NewStore creates a namespace and registers it with reg.
func NewStore[T any](reg *Registry, name string, policy Policy[T]) *Store[T] {
	s := &Store[T]{
		name:    name,
		policy:  policy,
		now:     reg.now,
		archive: reg.archive,
	}

	s.entries = otter.Must(&otter.Options[string, Entry[T]]{
		MaximumSize: reg.maxEntries,
		ExpiryCalculator: otter.ExpiryWritingFunc(func(e otter.Entry[string, Entry[T]]) time.Duration {
			ttl := e.Value.Expiry.Sub(s.now())
			if ttl > maxTTL {
				return maxTTL
			}
			return ttl
		}),
	})

	reg.register(s)
	return s
}

// Name of the namespace
func (s *Store[T]) Name() string {
	return s.name
}

// Get returns the value for key only while now is before its expiry. On a
// memory miss the archive is consulted.
func (s *Store[T]) Get(key string) (T, bool) {
	e, ok := s.entries.GetIfPresent(key)
	if ok {
		if s.now().Before(e.Expiry) {
			metrics.CacheLookups.WithLabelValues(s.name, "hit").Inc()
			return e.Value, true
		}
		metrics.CacheLookups.WithLabelValues(s.name, "expired").Inc()
		var zero T
		return zero, false
	}

	if v, ok := s.fromArchive(key); ok {
		metrics.CacheLookups.WithLabelValues(s.name, "archive").Inc()
		return v, true
	}

	metrics.CacheLookups.WithLabelValues(s.name, "miss").Inc()
	var zero T
	return zero, false
}

// Entry returns the raw entry including its expiry, valid or not.
func (s *Store[T]) Entry(key string) (Entry[T], bool) {
	return s.entries.GetIfPresent(key)
}

// Put stores value with the namespace policy's expiry.
func (s *Store[T]) Put(key string, value T) Entry[T] {
	now := s.now()
	return s.PutUntil(key, value, s.policy(key, value, now))
}

// PutUntil stores value with an explicit expiry.
func (s *Store[T]) PutUntil(key string, value T, expiry time.Time) Entry[T] {
	e := Entry[T]{Value: value, Expiry: expiry, LastUpdated: s.now()}
	if !s.now().Before(expiry) {
		logger.Debug("{cache/cache - PutUntil} %s/%s already expired, not stored", s.name, key)
		return e
	}

	s.entries.Set(key, e)

	if IsForever(expiry) && s.archive != nil {
		payload, err := json.Marshal(value)
		if err != nil {
			logger.Warn("{cache/cache - PutUntil} encoding %s/%s for archive: %v", s.name, key, err)
			return e
		}
		if err := s.archive.Save(s.name, key, payload); err != nil {
			logger.Warn("{cache/cache - PutUntil} archiving %s/%s: %v", s.name, key, err)
		}
	}

	return e
}

// GetOrFetch serves key from the cache or calls fetch. The previous entry is
// only replaced once fetch succeeds; concurrent misses share one fetch. The
// shared fetch outlives any single caller's cancellation, bounded by
// FlightTimeout, and each caller stops waiting when its own ctx is done.
func (s *Store[T]) GetOrFetch(ctx context.Context, key string, fetch func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if v, ok := s.Get(key); ok {
		return v, nil
	}

	ch := s.group.DoChan(key, func() (any, error) {
		if v, ok := s.Get(key); ok {
			return v, nil
		}

		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), FlightTimeout)
		defer cancel()

		fresh, err := fetch(fctx)
		if err != nil {
			return nil, err
		}
		s.Put(key, fresh)
		return fresh, nil
	})

	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return zero, res.Err
		}
		return res.Val.(T), nil
	}
}

// Delete drops key from memory and the archive.
func (s *Store[T]) Delete(key string) {
	s.entries.Invalidate(key)
	if s.archive != nil {
		if err := s.archive.Delete(s.name, key); err != nil {
			logger.Warn("{cache/cache - Delete} %s/%s: %v", s.name, key, err)
		}
	}
}

// Clear empties the namespace, archived history included.
func (s *Store[T]) Clear() {
	s.entries.InvalidateAll()
	if s.archive != nil {
		if err := s.archive.Clear(s.name); err != nil {
			logger.Warn("{cache/cache - Clear} %s: %v", s.name, err)
		}
	}
	logger.Info("{cache/cache - Clear} cleared namespace %s", s.name)
}

// Len is the approximate number of entries held in memory.
func (s *Store[T]) Len() int {
	return s.entries.EstimatedSize()
}

func (s *Store[T]) fromArchive(key string) (T, bool) {
	var zero T
	if s.archive == nil {
		return zero, false
	}

	payload, ok, err := s.archive.Load(s.name, key)
	if err != nil {
		logger.Warn("{cache/cache - fromArchive} %s/%s: %v", s.name, key, err)
		return zero, false
	}
	if !ok {
		return zero, false
	}

	var v T
	if err := json.Unmarshal(payload, &v); err != nil {
		logger.Warn("{cache/cache - fromArchive} decoding %s/%s: %v", s.name, key, err)
		return zero, false
	}

	s.entries.Set(key, Entry[T]{Value: v, Expiry: Never, LastUpdated: s.now()})
	return v, true
}

package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock is a settable clock shared by a registry and its policies.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Now()}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// memArchive is an in-memory Archive.
type memArchive struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newMemArchive() *memArchive {
	return &memArchive{data: map[string][]byte{}}
}

func (a *memArchive) Load(ns, key string) ([]byte, bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	b, ok := a.data[ns+"/"+key]
	return b, ok, nil
}

func (a *memArchive) Save(ns, key string, payload []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.data[ns+"/"+key] = payload
	return nil
}

func (a *memArchive) Delete(ns, key string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.data, ns+"/"+key)
	return nil
}

func (a *memArchive) Clear(ns string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	for k := range a.data {
		if len(k) > len(ns) && k[:len(ns)+1] == ns+"/" {
			delete(a.data, k)
		}
	}
	return nil
}

func TestStore_ExpiryIsCheckedOnRead(t *testing.T) {
	clock := newFakeClock()
	reg := NewRegistry(Options{Clock: clock.Now})
	s := NewStore(reg, "stream", Fixed[string](time.Minute))

	e := s.Put("745612", "https://cdn.example/master.m3u8")
	assert.Equal(t, clock.Now().Add(time.Minute), e.Expiry)
	assert.Equal(t, clock.Now(), e.LastUpdated)

	v, ok := s.Get("745612")
	require.True(t, ok)
	assert.Equal(t, "https://cdn.example/master.m3u8", v)

	clock.Advance(59 * time.Second)
	_, ok = s.Get("745612")
	assert.True(t, ok)

	clock.Advance(time.Second)
	_, ok = s.Get("745612")
	assert.False(t, ok, "an entry is invalid once now reaches its expiry")
}

func TestStore_PutUntilPastIsNotStored(t *testing.T) {
	clock := newFakeClock()
	s := NewStore(NewRegistry(Options{Clock: clock.Now}), "day", Fixed[int](time.Hour))

	s.PutUntil("k", 1, clock.Now().Add(-time.Second))
	_, ok := s.Get("k")
	assert.False(t, ok)
}

func TestStore_GetOrFetchKeepsOldValueOnFailure(t *testing.T) {
	clock := newFakeClock()
	s := NewStore(NewRegistry(Options{Clock: clock.Now}), "game", Fixed[string](time.Hour))

	v, err := s.GetOrFetch(context.Background(), "1", func(context.Context) (string, error) {
		return "first", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "first", v)

	clock.Advance(2 * time.Hour)
	_, err = s.GetOrFetch(context.Background(), "1", func(context.Context) (string, error) {
		return "", errors.New("boom")
	})
	assert.Error(t, err)

	e, ok := s.Entry("1")
	require.True(t, ok)
	assert.Equal(t, "first", e.Value)

	v, err = s.GetOrFetch(context.Background(), "1", func(context.Context) (string, error) {
		return "second", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "second", v)
}

func TestStore_GetOrFetchServesFromCache(t *testing.T) {
	s := NewStore(NewRegistry(Options{}), "game", Fixed[int](time.Hour))

	var calls atomic.Int32
	fetch := func(context.Context) (int, error) {
		calls.Add(1)
		return 42, nil
	}

	for i := 0; i < 3; i++ {
		v, err := s.GetOrFetch(context.Background(), "k", fetch)
		require.NoError(t, err)
		assert.Equal(t, 42, v)
	}
	assert.Equal(t, int32(1), calls.Load())
}

func TestStore_GetOrFetchSurvivesFirstCallerCancel(t *testing.T) {
	s := NewStore(NewRegistry(Options{}), "stream", Fixed[string](time.Minute))

	started := make(chan struct{})
	release := make(chan struct{})
	var calls atomic.Int32
	fetch := func(ctx context.Context) (string, error) {
		if calls.Add(1) == 1 {
			close(started)
		}
		select {
		case <-release:
			return "https://cdn.example/master.m3u8", nil
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}

	ctxA, cancelA := context.WithCancel(context.Background())
	errA := make(chan error, 1)
	go func() {
		_, err := s.GetOrFetch(ctxA, "745612", fetch)
		errA <- err
	}()
	<-started

	type result struct {
		v   string
		err error
	}
	resB := make(chan result, 1)
	go func() {
		v, err := s.GetOrFetch(context.Background(), "745612", fetch)
		resB <- result{v, err}
	}()

	cancelA()
	assert.ErrorIs(t, <-errA, context.Canceled)

	close(release)
	b := <-resB
	require.NoError(t, b.err)
	assert.Equal(t, "https://cdn.example/master.m3u8", b.v)
	assert.Equal(t, int32(1), calls.Load())

	v, ok := s.Get("745612")
	require.True(t, ok)
	assert.Equal(t, "https://cdn.example/master.m3u8", v)
}

func TestStore_ForeverEntriesAreArchived(t *testing.T) {
	archive := newMemArchive()
	clock := newFakeClock()
	never := func(string, []string, time.Time) time.Time { return Never }

	reg := NewRegistry(Options{Clock: clock.Now, Archive: archive})
	s := NewStore(reg, "day", Policy[[]string](never))
	s.Put("2023-05-01", []string{"a", "b"})

	// a fresh process only has the archive
	reg2 := NewRegistry(Options{Clock: clock.Now, Archive: archive})
	s2 := NewStore(reg2, "day", Policy[[]string](never))

	v, ok := s2.Get("2023-05-01")
	require.True(t, ok)
	assert.Equal(t, []string{"a", "b"}, v)

	e, ok := s2.Entry("2023-05-01")
	require.True(t, ok)
	assert.True(t, IsForever(e.Expiry))
}

func TestStore_ShortLivedEntriesAreNotArchived(t *testing.T) {
	archive := newMemArchive()
	s := NewStore(NewRegistry(Options{Archive: archive}), "stream", Fixed[string](time.Minute))
	s.Put("k", "v")

	_, ok, _ := archive.Load("stream", "k")
	assert.False(t, ok)
}

func TestRegistry_StatsAndClear(t *testing.T) {
	archive := newMemArchive()
	reg := NewRegistry(Options{Archive: archive})
	day := NewStore[int](reg, "day", func(string, int, time.Time) time.Time { return Never })
	game := NewStore(reg, "game", Fixed[int](time.Hour))

	day.Put("a", 1)
	game.Put("b", 2)

	stats := reg.Stats()
	require.Len(t, stats, 2)
	assert.Equal(t, "day", stats[0].Name)
	assert.Equal(t, "game", stats[1].Name)

	assert.False(t, reg.Clear("nope"))
	assert.True(t, reg.Clear("day"))

	_, ok := day.Get("a")
	assert.False(t, ok, "clearing removes archived history too")
	_, ok = game.Get("b")
	assert.True(t, ok)

	assert.True(t, reg.Clear(""))
	_, ok = game.Get("b")
	assert.False(t, ok)
}

package cache

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeShared struct {
	mu      sync.Mutex
	data    map[string][]byte
	getErr  error
	deleted []string
}

func newFakeShared() *fakeShared {
	return &fakeShared{data: map[string][]byte{}}
}

func (f *fakeShared) Get(_ context.Context, key string) ([]byte, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErr != nil {
		return nil, false, f.getErr
	}
	v, ok := f.data[key]
	return v, ok, nil
}

func (f *fakeShared) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data[key] = value
	return nil
}

func (f *fakeShared) Delete(_ context.Context, keys ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, k := range keys {
		delete(f.data, k)
		f.deleted = append(f.deleted, k)
	}
	return nil
}

type fakeNotifier struct {
	published []string
	ch        chan string
}

func (f *fakeNotifier) Publish(_ context.Context, _ string, message string) error {
	f.published = append(f.published, message)
	return nil
}

func (f *fakeNotifier) Subscribe(context.Context, string) (<-chan string, error) {
	return f.ch, nil
}

type routine struct {
	ID     string `json:"id"`
	Source string `json:"source"`
}

func TestLocal_Expiry(t *testing.T) {
	l, err := NewLocal(10)
	require.NoError(t, err)

	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }

	l.Set("a", 1, time.Minute)
	v, ok := l.Get("a")
	require.True(t, ok)
	assert.Equal(t, 1, v)

	now = now.Add(time.Minute)
	_, ok = l.Get("a")
	assert.False(t, ok, "entry should expire at its TTL")
	assert.Equal(t, 0, l.Len())
}

func TestLocal_SizeBound(t *testing.T) {
	l, err := NewLocal(2)
	require.NoError(t, err)

	l.Set("a", 1, 0)
	l.Set("b", 2, 0)
	l.Set("c", 3, 0)

	_, ok := l.Get("a")
	assert.False(t, ok, "least recently used entry should be evicted")
}

func TestFetch_ReadThrough(t *testing.T) {
	shared := newFakeShared()
	c, err := NewTiered(Config{Name: "test", LocalTTL: time.Minute, SharedTTL: time.Hour, Shared: shared})
	require.NoError(t, err)

	loads := 0
	load := func(context.Context) (routine, bool, error) {
		loads++
		return routine{ID: "p1", Source: "function decode(){}"}, true, nil
	}

	ctx := context.Background()
	v, ok, err := Fetch(ctx, c, "decoder:p1", load)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "p1", v.ID)
	assert.Contains(t, shared.data, "decoder:p1")

	_, _, err = Fetch(ctx, c, "decoder:p1", load)
	require.NoError(t, err)
	assert.Equal(t, 1, loads, "local hit should not reach the store")

	c.Evict("decoder:p1")
	v, ok, err = Fetch(ctx, c, "decoder:p1", load)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "function decode(){}", v.Source)
	assert.Equal(t, 1, loads, "shared hit should not reach the store")
}

func TestFetch_NotFoundIsNotCached(t *testing.T) {
	c, err := NewTiered(Config{Name: "test", LocalTTL: time.Minute})
	require.NoError(t, err)

	loads := 0
	load := func(context.Context) (routine, bool, error) {
		loads++
		return routine{}, false, nil
	}
	for i := 0; i < 2; i++ {
		_, ok, err := Fetch(context.Background(), c, "k", load)
		require.NoError(t, err)
		assert.False(t, ok)
	}
	assert.Equal(t, 2, loads)
}

func TestFetch_SharedFailureFallsThrough(t *testing.T) {
	shared := newFakeShared()
	shared.getErr = errors.New("connection refused")
	c, err := NewTiered(Config{Name: "test", LocalTTL: time.Minute, Shared: shared})
	require.NoError(t, err)

	v, ok, err := Fetch(context.Background(), c, "k", func(context.Context) (routine, bool, error) {
		return routine{ID: "from-store"}, true, nil
	})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "from-store", v.ID)
}

func TestFetch_LoadError(t *testing.T) {
	c, err := NewTiered(Config{Name: "test"})
	require.NoError(t, err)

	boom := errors.New("store down")
	_, _, err = Fetch(context.Background(), c, "k", func(context.Context) (routine, bool, error) {
		return routine{}, false, boom
	})
	assert.ErrorIs(t, err, boom)
}

func TestInvalidate(t *testing.T) {
	shared := newFakeShared()
	notifier := &fakeNotifier{}
	c, err := NewTiered(Config{Name: "test", LocalTTL: time.Minute, Shared: shared, Notifier: notifier})
	require.NoError(t, err)

	ctx := context.Background()
	_, _, err = Fetch(ctx, c, "k", func(context.Context) (routine, bool, error) { return routine{ID: "1"}, true, nil })
	require.NoError(t, err)

	require.NoError(t, c.Invalidate(ctx, "k"))
	_, ok := c.local.Get("k")
	assert.False(t, ok)
	assert.Equal(t, []string{"k"}, shared.deleted)
	assert.Equal(t, []string{"k"}, notifier.published)
}

func TestListen_EvictsLocalCopies(t *testing.T) {
	notifier := &fakeNotifier{ch: make(chan string)}
	c, err := NewTiered(Config{Name: "test", LocalTTL: time.Minute})
	require.NoError(t, err)
	c.local.Set("device:LORAWAN:aa", "x", time.Minute)

	require.NoError(t, Listen(context.Background(), notifier, zap.NewNop(), c))
	notifier.ch <- "device:LORAWAN:aa"
	close(notifier.ch)

	assert.Eventually(t, func() bool {
		_, ok := c.local.Get("device:LORAWAN:aa")
		return !ok
	}, time.Second, 10*time.Millisecond)
}

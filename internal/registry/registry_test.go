package registry_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"codeberg.org/mutker/spacenose/internal/cache"
	"codeberg.org/mutker/spacenose/internal/errors"
	"codeberg.org/mutker/spacenose/internal/logger"
	"codeberg.org/mutker/spacenose/internal/reading"
	"codeberg.org/mutker/spacenose/internal/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errChannelClosed = fmt.Errorf("channel closed")

type fakeChannel struct {
	mu     sync.Mutex
	got    []string
	fail   bool
	hang   bool
	closed bool
}

func (f *fakeChannel) Send(ctx context.Context, payload []byte) error {
	f.mu.Lock()
	if f.closed || f.fail {
		f.mu.Unlock()
		return errChannelClosed
	}
	if f.hang {
		f.mu.Unlock()
		<-ctx.Done()
		return ctx.Err()
	}
	f.got = append(f.got, string(payload))
	f.mu.Unlock()
	return nil
}

func (f *fakeChannel) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeChannel) received() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.got...)
}

func (f *fakeChannel) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func newRegistry(latest registry.Source, timeout time.Duration) *registry.Registry {
	return registry.New(latest, registry.Config{WriteTimeout: timeout}, logger.Nop())
}

func TestRegisterWithEmptyCacheSendsNothing(t *testing.T) {
	reg := newRegistry(cache.New(), time.Second)
	ch := &fakeChannel{}

	id, err := reg.Register(context.Background(), ch)
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	assert.Empty(t, ch.received())
	assert.Equal(t, 1, reg.Len())
}

func TestLateJoinerGetsLatestOnce(t *testing.T) {
	latest := cache.New()
	latest.Store(reading.Reading{Counter: 4}, []byte(`{"counter":4}`))
	reg := newRegistry(latest, time.Second)

	ch := &fakeChannel{}
	_, err := reg.Register(context.Background(), ch)
	require.NoError(t, err)

	assert.Equal(t, []string{`{"counter":4}`}, ch.received())

	reg.Broadcast(context.Background(), []byte(`{"counter":5}`))
	assert.Equal(t, []string{`{"counter":4}`, `{"counter":5}`}, ch.received())
}

func TestInitialPushFailureRejectsSubscriber(t *testing.T) {
	latest := cache.New()
	latest.Store(reading.Reading{}, []byte("x"))
	reg := newRegistry(latest, time.Second)

	ch := &fakeChannel{fail: true}
	_, err := reg.Register(context.Background(), ch)

	require.Error(t, err)
	assert.True(t, errors.HasCode(err, registry.ErrInitialPush))
	assert.True(t, ch.isClosed())
	assert.Equal(t, 0, reg.Len())
}

func TestRegisterNilChannel(t *testing.T) {
	_, err := newRegistry(nil, time.Second).Register(context.Background(), nil)
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, registry.ErrNilChannel))
}

func TestBroadcastEvictsClosedSubscriber(t *testing.T) {
	reg := newRegistry(nil, time.Second)

	const n = 5
	channels := make([]*fakeChannel, n)
	for i := range channels {
		channels[i] = &fakeChannel{}
		_, err := reg.Register(context.Background(), channels[i])
		require.NoError(t, err)
	}

	require.NoError(t, channels[2].Close())

	assert.Equal(t, n-1, reg.Broadcast(context.Background(), []byte("first")))
	assert.Equal(t, n-1, reg.Len())

	assert.Equal(t, n-1, reg.Broadcast(context.Background(), []byte("second")))
	for i, ch := range channels {
		if i == 2 {
			assert.Empty(t, ch.received())
			continue
		}
		assert.Equal(t, []string{"first", "second"}, ch.received())
	}

	stats := reg.Stats()
	assert.Equal(t, uint64(1), stats.Evicted)
	assert.Equal(t, uint64(n), stats.Registered)
	assert.Equal(t, uint64(2*(n-1)), stats.Delivered)
}

func TestHungSubscriberIsEvictedWithinTimeout(t *testing.T) {
	reg := newRegistry(nil, 50*time.Millisecond)

	healthy := &fakeChannel{}
	hung := &fakeChannel{hang: true}
	_, err := reg.Register(context.Background(), healthy)
	require.NoError(t, err)
	_, err = reg.Register(context.Background(), hung)
	require.NoError(t, err)

	start := time.Now()
	delivered := reg.Broadcast(context.Background(), []byte("payload"))

	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, 1, delivered)
	assert.Equal(t, 1, reg.Len())
	assert.True(t, hung.isClosed())
	assert.Equal(t, []string{"payload"}, healthy.received())
}

type ignoringChannel struct {
	release chan struct{}
}

func (c *ignoringChannel) Send(context.Context, []byte) error {
	<-c.release
	return nil
}

func (c *ignoringChannel) Close() error { return nil }

func TestSendIgnoringContextIsStillBounded(t *testing.T) {
	reg := newRegistry(nil, 50*time.Millisecond)
	ch := &ignoringChannel{release: make(chan struct{})}
	defer close(ch.release)

	_, err := reg.Register(context.Background(), ch)
	require.NoError(t, err)

	start := time.Now()
	assert.Equal(t, 0, reg.Broadcast(context.Background(), []byte("x")))
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, 0, reg.Len())
}

func TestUnregisterIsIdempotent(t *testing.T) {
	reg := newRegistry(nil, time.Second)
	ch := &fakeChannel{}

	id, err := reg.Register(context.Background(), ch)
	require.NoError(t, err)

	reg.Unregister(id)
	assert.True(t, ch.isClosed())
	assert.Equal(t, 0, reg.Len())

	assert.NotPanics(t, func() {
		reg.Unregister(id)
		reg.Unregister("never-registered")
	})
	assert.Equal(t, 0, reg.Broadcast(context.Background(), []byte("x")))
}

func TestCloseRejectsNewSubscribers(t *testing.T) {
	reg := newRegistry(nil, time.Second)
	first := &fakeChannel{}
	_, err := reg.Register(context.Background(), first)
	require.NoError(t, err)

	reg.Close()
	assert.True(t, first.isClosed())

	second := &fakeChannel{}
	_, err = reg.Register(context.Background(), second)
	require.Error(t, err)
	assert.True(t, second.isClosed())
}

func TestBroadcastPreservesOrder(t *testing.T) {
	reg := newRegistry(nil, time.Second)
	ch := &fakeChannel{}
	_, err := reg.Register(context.Background(), ch)
	require.NoError(t, err)

	want := make([]string, 0, 50)
	for i := 0; i < 50; i++ {
		p := fmt.Sprintf("%d", i)
		want = append(want, p)
		reg.Broadcast(context.Background(), []byte(p))
	}

	assert.Equal(t, want, ch.received())
}

func TestConcurrentRegisterUnregisterBroadcast(t *testing.T) {
	latest := cache.New()
	latest.Store(reading.Reading{}, []byte("seed"))
	reg := newRegistry(latest, time.Second)

	ctx := context.Background()
	var wg sync.WaitGroup

	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				ch := &fakeChannel{fail: w == 0 && i%5 == 0}
				id, err := reg.Register(ctx, ch)
				if err != nil {
					continue
				}
				if i%2 == 0 {
					reg.Unregister(id)
				}
			}
		}(w)
	}

	for b := 0; b < 4; b++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				delivered := reg.Broadcast(ctx, []byte("tick"))
				assert.GreaterOrEqual(t, delivered, 0)
			}
		}()
	}

	wg.Wait()

	stats := reg.Stats()
	assert.Equal(t, reg.Len(), stats.Active)
	assert.LessOrEqual(t, uint64(reg.Len()), stats.Registered)
	// worker 0 fails its initial push on every fifth attempt
	assert.Equal(t, 8*50-10, int(stats.Registered))
}

func TestSlowJoinerDelaysBroadcastByAtMostOneTimeout(t *testing.T) {
	latest := cache.New()
	latest.Store(reading.Reading{Counter: 1}, []byte("old"))
	reg := newRegistry(latest, 100*time.Millisecond)

	healthy := &fakeChannel{}
	_, err := reg.Register(context.Background(), healthy)
	require.NoError(t, err)

	joined := make(chan error, 1)
	go func() {
		_, err := reg.Register(context.Background(), &fakeChannel{hang: true})
		joined <- err
	}()

	// Let the hung joiner take the send lock before broadcasting.
	time.Sleep(20 * time.Millisecond)

	start := time.Now()
	assert.Equal(t, 1, reg.Broadcast(context.Background(), []byte("new")))
	assert.Less(t, time.Since(start), time.Second)

	err = <-joined
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, registry.ErrInitialPush))
	assert.Equal(t, []string{"old", "new"}, healthy.received())
	assert.Equal(t, 1, reg.Len())
}

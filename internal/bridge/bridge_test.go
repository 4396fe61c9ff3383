package bridge_test

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"codeberg.org/mutker/spacenose/internal/bridge"
	"codeberg.org/mutker/spacenose/internal/cache"
	"codeberg.org/mutker/spacenose/internal/errors"
	"codeberg.org/mutker/spacenose/internal/logger"
	"codeberg.org/mutker/spacenose/internal/reading"
	"codeberg.org/mutker/spacenose/internal/registry"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type doneToken struct {
	err  error
	done chan struct{}
}

func newToken(err error) *doneToken {
	t := &doneToken{err: err, done: make(chan struct{})}
	close(t.done)
	return t
}

func (t *doneToken) Wait() bool                     { <-t.done; return true }
func (t *doneToken) WaitTimeout(time.Duration) bool { return true }
func (t *doneToken) Done() <-chan struct{}          { return t.done }
func (t *doneToken) Error() error                   { return t.err }

type fakePublisher struct {
	mu        sync.Mutex
	messages  []string
	topics    []string
	connected atomic.Bool
	failNext  atomic.Bool
}

func (p *fakePublisher) Publish(topic string, _ byte, _ bool, payload interface{}) mqtt.Token {
	if p.failNext.CompareAndSwap(true, false) {
		return newToken(fmt.Errorf("broker rejected publish"))
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.topics = append(p.topics, topic)
	p.messages = append(p.messages, string(payload.([]byte)))
	return newToken(nil)
}

func (p *fakePublisher) IsConnectionOpen() bool { return p.connected.Load() }

func (p *fakePublisher) received() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.messages...)
}

func TestConnectRequiresBroker(t *testing.T) {
	_, err := bridge.Connect(bridge.Config{}, logger.Nop())
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, bridge.ErrInvalidConfig))
}

func TestBridgeRepublishesBroadcasts(t *testing.T) {
	latest := cache.New()
	latest.Store(reading.Reading{Counter: 1}, []byte(`{"counter":1}`))
	reg := registry.New(latest, registry.Config{WriteTimeout: time.Second}, logger.Nop())

	pub := &fakePublisher{}
	pub.connected.Store(true)
	b := bridge.New(pub, bridge.Config{Topic: "lab/voltage", RetryInterval: 10 * time.Millisecond}, logger.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		b.Run(ctx, reg)
		close(done)
	}()

	require.Eventually(t, func() bool { return reg.Len() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{`{"counter":1}`}, pub.received())

	reg.Broadcast(context.Background(), []byte(`{"counter":2}`))
	assert.Equal(t, []string{`{"counter":1}`, `{"counter":2}`}, pub.received())

	cancel()
	<-done
	assert.Equal(t, 0, reg.Len())
	assert.Equal(t, uint64(2), b.Stats().Published)
}

func TestBridgeReregistersAfterEviction(t *testing.T) {
	latest := cache.New()
	reg := registry.New(latest, registry.Config{WriteTimeout: time.Second}, logger.Nop())

	pub := &fakePublisher{}
	pub.connected.Store(true)
	b := bridge.New(pub, bridge.Config{RetryInterval: 10 * time.Millisecond}, logger.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.Run(ctx, reg)

	require.Eventually(t, func() bool { return reg.Len() == 1 }, time.Second, 5*time.Millisecond)

	pub.failNext.Store(true)
	latest.Store(reading.Reading{Counter: 5}, []byte(`{"counter":5}`))
	assert.Equal(t, 0, reg.Broadcast(context.Background(), []byte(`{"counter":5}`)))

	// The fresh registration replays the latest payload that failed.
	require.Eventually(t, func() bool {
		return reg.Len() == 1 && len(pub.received()) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{`{"counter":5}`}, pub.received())
	assert.Equal(t, uint64(2), b.Stats().Registrations)
	assert.Equal(t, uint64(1), b.Stats().Failed)
}

func TestBridgeRetriesWhileDisconnected(t *testing.T) {
	latest := cache.New()
	latest.Store(reading.Reading{Counter: 1}, []byte(`{"counter":1}`))
	reg := registry.New(latest, registry.Config{WriteTimeout: time.Second}, logger.Nop())

	pub := &fakePublisher{}
	b := bridge.New(pub, bridge.Config{RetryInterval: 10 * time.Millisecond}, logger.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.Run(ctx, reg)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, reg.Len())

	pub.connected.Store(true)
	assert.Eventually(t, func() bool { return reg.Len() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{`{"counter":1}`}, pub.received())
}

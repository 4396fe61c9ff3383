// Package registry tracks live subscribers and fans payloads out to them.
//
// Membership is guarded by mu. Broadcasts and the initial push made by
// Register are additionally serialized by sendMu, so a subscriber always sees
// payloads in the order they were broadcast and never an older payload after
// a newer one. Sends to different subscribers within one broadcast run
// concurrently, each bounded by the configured write timeout.
//
// Holding sendMu across the initial push means a slow joiner can delay the
// next broadcast by at most one write timeout; that is the price of never
// delivering a stale reading after a fresh one.
package registry

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"codeberg.org/mutker/spacenose/internal/errors"
	"codeberg.org/mutker/spacenose/internal/logger"
	"codeberg.org/mutker/spacenose/internal/metrics"
	"github.com/google/uuid"
)

const defaultWriteTimeout = time.Second

// Channel is a live duplex connection able to accept one payload per call.
// Send must respect ctx; Close must be safe to call more than once.
type Channel interface {
	Send(ctx context.Context, payload []byte) error
	Close() error
}

// Source supplies the payload pushed to a subscriber when it registers.
type Source interface {
	Payload() ([]byte, bool)
}

type Config struct {
	WriteTimeout time.Duration
}

// Stats are lifetime counters.
type Stats struct {
	Active     int
	Registered uint64
	Evicted    uint64
	Delivered  uint64
}

type member struct {
	id        string
	ch        Channel
	closeOnce sync.Once
}

func (m *member) close() {
	m.closeOnce.Do(func() {
		_ = m.ch.Close()
	})
}

type Registry struct {
	cfg    Config
	latest Source
	log    logger.Logger

	mu      sync.RWMutex
	members map[string]*member
	closed  bool

	sendMu sync.Mutex

	registered atomic.Uint64
	evicted    atomic.Uint64
	delivered  atomic.Uint64
}

// New creates a registry. latest may be nil, in which case new subscribers
// receive nothing until the next broadcast.
func New(latest Source, cfg Config, log logger.Logger) *Registry {
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	if log == nil {
		log = logger.Default()
	}

	return &Registry{
		cfg:     cfg,
		latest:  latest,
		log:     log,
		members: make(map[string]*member),
	}
}

// Register adds ch and, if a reading is cached, pushes it to ch before
// returning. If that push fails ch is closed and not registered.
func (r *Registry) Register(ctx context.Context, ch Channel) (string, error) {
	errFactory := errors.New()

	if ch == nil {
		return "", errFactory.New(ErrNilChannel)
	}

	r.sendMu.Lock()
	defer r.sendMu.Unlock()

	if r.isClosed() {
		_ = ch.Close()
		return "", errFactory.New(ErrRegistryDown)
	}

	if r.latest != nil {
		if payload, ok := r.latest.Payload(); ok {
			if err := r.deliver(ctx, ch, payload); err != nil {
				_ = ch.Close()
				return "", errFactory.Wrap(ErrInitialPush, err)
			}
			r.delivered.Add(1)
		}
	}

	m := &member{id: uuid.NewString(), ch: ch}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		_ = ch.Close()
		return "", errFactory.New(ErrRegistryDown)
	}
	r.members[m.id] = m
	active := len(r.members)
	r.mu.Unlock()

	r.registered.Add(1)
	metrics.Subscribers.Set(float64(active))
	r.log.Debug().Str("subscription", m.id).Int("subscribers", active).Msg("Subscriber registered")

	return m.id, nil
}

// Unregister removes and closes the subscriber. Unknown ids are ignored.
func (r *Registry) Unregister(id string) {
	if r.remove(id) {
		r.log.Debug().Str("subscription", id).Msg("Subscriber unregistered")
	}
}

// Broadcast sends payload to every current member and returns the number of
// successful deliveries. Members whose send fails or times out are evicted.
func (r *Registry) Broadcast(ctx context.Context, payload []byte) int {
	r.sendMu.Lock()
	defer r.sendMu.Unlock()

	snapshot := r.snapshot()
	if len(snapshot) == 0 {
		return 0
	}

	start := time.Now()
	errs := make([]error, len(snapshot))

	var wg sync.WaitGroup
	for i, m := range snapshot {
		wg.Add(1)
		go func(i int, m *member) {
			defer wg.Done()
			errs[i] = r.deliver(ctx, m.ch, payload)
		}(i, m)
	}
	wg.Wait()

	delivered := 0
	for i, err := range errs {
		if err == nil {
			delivered++
			continue
		}
		r.evict(snapshot[i].id, err)
	}

	r.delivered.Add(uint64(delivered))
	metrics.BroadcastDuration.Observe(time.Since(start).Seconds())

	return delivered
}

// Len returns the number of registered subscribers.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.members)
}

func (r *Registry) Stats() Stats {
	return Stats{
		Active:     r.Len(),
		Registered: r.registered.Load(),
		Evicted:    r.evicted.Load(),
		Delivered:  r.delivered.Load(),
	}
}

// Close unregisters every subscriber and rejects further registrations.
func (r *Registry) Close() {
	r.mu.Lock()
	r.closed = true
	members := r.members
	r.members = make(map[string]*member)
	r.mu.Unlock()

	for _, m := range members {
		m.close()
	}
	metrics.Subscribers.Set(0)
}

func (r *Registry) isClosed() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.closed
}

func (r *Registry) snapshot() []*member {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*member, 0, len(r.members))
	for _, m := range r.members {
		out = append(out, m)
	}
	return out
}

func (r *Registry) remove(id string) bool {
	r.mu.Lock()
	m, ok := r.members[id]
	if ok {
		delete(r.members, id)
	}
	active := len(r.members)
	r.mu.Unlock()

	if !ok {
		return false
	}

	m.close()
	metrics.Subscribers.Set(float64(active))
	return true
}

func (r *Registry) evict(id string, cause error) {
	if !r.remove(id) {
		return
	}
	r.evicted.Add(1)
	metrics.SubscriberEvictions.Inc()
	r.log.Warn().Err(cause).Str("subscription", id).Msg("Evicted subscriber after failed write")
}

// deliver bounds a single send by the write timeout even if the channel
// ignores its context; a send still running when the timeout fires is left to
// finish against the closed channel once the member is evicted.
func (r *Registry) deliver(ctx context.Context, ch Channel, payload []byte) error {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.WriteTimeout)
	defer cancel()

	result := make(chan error, 1)
	go func() {
		result <- ch.Send(ctx, payload)
	}()

	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return errors.New().Wrap(ErrSendTimeout, ctx.Err())
	}
}

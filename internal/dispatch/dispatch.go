// Package dispatch routes each accepted reading to the latest-value cache,
// the persistence gateway and the subscriber registry.
//
// The cache is updated synchronously. Persistence and broadcast each have
// their own bounded queue drained by a single worker, so a slow gateway never
// delays subscribers and a slow subscriber never delays the next datagram.
// Readings are broadcast in the order Dispatch was called.
package dispatch

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"codeberg.org/mutker/spacenose/internal/errors"
	"codeberg.org/mutker/spacenose/internal/logger"
	"codeberg.org/mutker/spacenose/internal/metrics"
	"codeberg.org/mutker/spacenose/internal/reading"
)

const (
	defaultPersistQueue   = 256
	defaultBroadcastQueue = 64
	defaultWriteTimeout   = 2 * time.Second
)

// Gateway persists readings. Implementations must honour ctx.
type Gateway interface {
	Write(ctx context.Context, r reading.Reading) error
}

// Broadcaster delivers an encoded payload to every live subscriber.
type Broadcaster interface {
	Broadcast(ctx context.Context, payload []byte) int
}

// Cache receives every reading together with its encoded payload.
type Cache interface {
	Store(r reading.Reading, payload []byte)
}

type Config struct {
	PersistQueue   int
	BroadcastQueue int
	WriteTimeout   time.Duration
}

func DefaultConfig() Config {
	return Config{
		PersistQueue:   defaultPersistQueue,
		BroadcastQueue: defaultBroadcastQueue,
		WriteTimeout:   defaultWriteTimeout,
	}
}

type Stats struct {
	Dispatched       uint64
	PersistDropped   uint64
	PersistFailed    uint64
	BroadcastDropped uint64
}

type Dispatcher struct {
	cfg         Config
	cache       Cache
	broadcaster Broadcaster
	gateway     Gateway
	log         logger.Logger

	persistQ   chan reading.Reading
	broadcastQ chan []byte

	// ctx is cancelled when Close gives up draining.
	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.RWMutex
	closed    bool
	startOnce sync.Once
	wg        sync.WaitGroup

	dispatched       atomic.Uint64
	persistDropped   atomic.Uint64
	persistFailed    atomic.Uint64
	broadcastDropped atomic.Uint64
}

// New builds a dispatcher. A nil gateway disables persistence and a nil
// broadcaster disables fan-out; the cache is required.
func New(c Cache, b Broadcaster, g Gateway, cfg Config, log logger.Logger) (*Dispatcher, error) {
	if c == nil {
		return nil, errors.New().WithData(ErrInvalidConfig, "dispatcher requires a cache")
	}

	defaults := DefaultConfig()
	if cfg.PersistQueue <= 0 {
		cfg.PersistQueue = defaults.PersistQueue
	}
	if cfg.BroadcastQueue <= 0 {
		cfg.BroadcastQueue = defaults.BroadcastQueue
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaults.WriteTimeout
	}
	if log == nil {
		log = logger.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Dispatcher{
		cfg:         cfg,
		cache:       c,
		broadcaster: b,
		gateway:     g,
		log:         log,
		persistQ:    make(chan reading.Reading, cfg.PersistQueue),
		broadcastQ:  make(chan []byte, cfg.BroadcastQueue),
		ctx:         ctx,
		cancel:      cancel,
	}, nil
}

// Start launches the persistence and broadcast workers. Readings dispatched
// before Start wait in their queues.
func (d *Dispatcher) Start() {
	d.startOnce.Do(func() {
		d.wg.Add(2)
		go d.persistLoop()
		go d.broadcastLoop()
	})
}

// Dispatch hands one reading to every consumer without blocking on any of
// them. It fails only after Close or when the reading cannot be encoded, in
// which case the cache is left untouched.
func (d *Dispatcher) Dispatch(r reading.Reading) error {
	errFactory := errors.New()

	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		return errFactory.New(ErrClosed)
	}

	payload, err := reading.Encode(r)
	if err != nil {
		d.log.Warn().Err(err).Int64("counter", r.Counter).Msg("Dropping reading that cannot be encoded")
		return errFactory.Wrap(ErrEncode, err)
	}

	d.cache.Store(r, payload)
	d.dispatched.Add(1)
	metrics.ObserveDispatch(r.Timestamp)

	if d.gateway != nil {
		select {
		case d.persistQ <- r:
		default:
			d.persistDropped.Add(1)
			metrics.PersistDropped.Inc()
			d.log.Warn().Int64("counter", r.Counter).Msg("Persistence queue full, reading not stored")
		}
	}

	if d.broadcaster != nil {
		select {
		case d.broadcastQ <- payload:
		default:
			d.broadcastDropped.Add(1)
			metrics.BroadcastDropped.Inc()
			d.log.Warn().Int64("counter", r.Counter).Msg("Broadcast queue full, reading not sent")
		}
	}

	return nil
}

// Close stops accepting readings and waits for the queues to drain. If ctx
// expires first, pending work is abandoned and ErrDrainTimeout is returned.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	close(d.persistQ)
	close(d.broadcastQ)
	d.mu.Unlock()

	// Workers must run to drain even if Start was never called.
	d.Start()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.cancel()
		return nil
	case <-ctx.Done():
		d.cancel()
		<-done
		return errors.New().Wrap(ErrDrainTimeout, ctx.Err())
	}
}

func (d *Dispatcher) Stats() Stats {
	return Stats{
		Dispatched:       d.dispatched.Load(),
		PersistDropped:   d.persistDropped.Load(),
		PersistFailed:    d.persistFailed.Load(),
		BroadcastDropped: d.broadcastDropped.Load(),
	}
}

func (d *Dispatcher) persistLoop() {
	defer d.wg.Done()

	for r := range d.persistQ {
		if d.ctx.Err() != nil {
			continue
		}

		ctx, cancel := context.WithTimeout(d.ctx, d.cfg.WriteTimeout)
		start := time.Now()
		err := d.gateway.Write(ctx, r)
		cancel()

		metrics.ObservePersist(time.Since(start), err)
		if err != nil {
			d.persistFailed.Add(1)
			d.log.Warn().Err(err).Int64("counter", r.Counter).Msg("Failed to persist reading")
		}
	}
}

func (d *Dispatcher) broadcastLoop() {
	defer d.wg.Done()

	for payload := range d.broadcastQ {
		if d.ctx.Err() != nil {
			continue
		}
		d.broadcaster.Broadcast(d.ctx, payload)
	}
}

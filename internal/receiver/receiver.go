// Package receiver reads telemetry datagrams from a UDP socket and hands each
// decoded reading to a handler.
package receiver

import (
	"context"
	"net"
	"strconv"
	"sync"
	"time"

	"codeberg.org/mutker/spacenose/internal/errors"
	"codeberg.org/mutker/spacenose/internal/logger"
	"codeberg.org/mutker/spacenose/internal/metrics"
	"codeberg.org/mutker/spacenose/internal/reading"
)

const (
	defaultBufferSize   = 1024
	defaultPollInterval = 10 * time.Millisecond
)

type Config struct {
	Host         string
	Port         int
	BufferSize   int
	PollInterval time.Duration
}

// Handler receives every reading in arrival order, on the receive goroutine.
type Handler func(reading.Reading)

type Receiver struct {
	cfg  Config
	conn *net.UDPConn
	log  logger.Logger

	closeOnce sync.Once
	closeErr  error
}

// Listen binds the socket. A bind failure is the only error a running daemon
// cannot recover from.
func Listen(cfg Config, log logger.Logger) (*Receiver, error) {
	errFactory := errors.New()

	if cfg.BufferSize <= 0 {
		cfg.BufferSize = defaultBufferSize
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.Port < 0 || cfg.Port > 65535 {
		return nil, errFactory.WithData(ErrInvalidConfig, cfg.Port)
	}
	if log == nil {
		log = logger.Default()
	}

	address := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
	addr, err := net.ResolveUDPAddr("udp", address)
	if err != nil {
		return nil, errFactory.Wrap(ErrResolve, err)
	}

	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		log.Error().Err(err).Str("address", address).Msg("Failed to bind datagram socket")
		return nil, errFactory.Wrap(ErrBind, err)
	}

	log.Info().
		Str("address", conn.LocalAddr().String()).
		Int("buffer_size", cfg.BufferSize).
		Dur("poll_interval", cfg.PollInterval).
		Msg("Listening for datagrams")

	return &Receiver{cfg: cfg, conn: conn, log: log}, nil
}

// LocalAddr returns the bound address, useful when Port was 0.
func (r *Receiver) LocalAddr() *net.UDPAddr {
	return r.conn.LocalAddr().(*net.UDPAddr)
}

// Run reads until ctx is done or the socket is closed, then closes the
// socket. Malformed datagrams are logged and skipped.
func (r *Receiver) Run(ctx context.Context, handle Handler) error {
	defer r.Close()

	buf := make([]byte, r.cfg.BufferSize)

	for {
		if ctx.Err() != nil {
			return nil
		}

		if err := r.conn.SetReadDeadline(time.Now().Add(r.cfg.PollInterval)); err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			r.log.Warn().Err(err).Msg("Failed to set read deadline")
		}

		n, addr, err := r.conn.ReadFromUDP(buf)
		if err != nil {
			var netErr net.Error
			switch {
			case errors.As(err, &netErr) && netErr.Timeout():
				continue
			case errors.Is(err, net.ErrClosed):
				return nil
			}

			metrics.DatagramsDropped.WithLabelValues(metrics.ReasonRead).Inc()
			r.log.Warn().Err(err).Msg("Failed to read datagram")
			r.pause(ctx)
			continue
		}

		metrics.ObserveDatagram(n)

		source := ""
		if addr != nil {
			source = addr.String()
		}

		rd, err := reading.Decode(buf[:n], time.Now(), source)
		if err != nil {
			metrics.DatagramsDropped.WithLabelValues(metrics.ReasonDecode).Inc()
			r.log.Warn().
				Err(err).
				Str("source", source).
				Int("bytes", n).
				Msg("Dropping malformed datagram")
			continue
		}

		r.log.Debug().
			Int64("counter", rd.Counter).
			Int64("adc", rd.ADC).
			Float64("voltage", rd.Voltage).
			Str("source", source).
			Msg("Received reading")

		handle(rd)
	}
}

// Close releases the socket. It is safe to call more than once.
func (r *Receiver) Close() error {
	r.closeOnce.Do(func() {
		if err := r.conn.Close(); err != nil {
			r.closeErr = errors.New().Wrap(errors.ErrShutdownFailed, err)
		}
	})
	return r.closeErr
}

// pause yields for one poll interval after a hard read error so a broken
// socket does not spin.
func (r *Receiver) pause(ctx context.Context) {
	t := time.NewTimer(r.cfg.PollInterval)
	defer t.Stop()

	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

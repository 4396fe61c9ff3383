package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"codeberg.org/mutker/spacenose/internal/bridge"
	"codeberg.org/mutker/spacenose/internal/cache"
	"codeberg.org/mutker/spacenose/internal/config"
	"codeberg.org/mutker/spacenose/internal/dispatch"
	"codeberg.org/mutker/spacenose/internal/errors"
	"codeberg.org/mutker/spacenose/internal/httpapi"
	"codeberg.org/mutker/spacenose/internal/logger"
	"codeberg.org/mutker/spacenose/internal/pid"
	"codeberg.org/mutker/spacenose/internal/reading"
	"codeberg.org/mutker/spacenose/internal/receiver"
	"codeberg.org/mutker/spacenose/internal/registry"
	"codeberg.org/mutker/spacenose/internal/storage"
	"github.com/spf13/pflag"
)

const (
	shutdownTimeout   = 5 * time.Second
	retentionInterval = time.Hour
)

var cfg *config.Config

// daemon holds everything cleanup has to release.
type daemon struct {
	rcv        *receiver.Receiver
	store      *storage.Store
	gateway    dispatch.Gateway
	latest     *cache.Latest
	registry   *registry.Registry
	dispatcher *dispatch.Dispatcher
	http       *httpapi.Server
	bridge     *bridge.Bridge
	wg         sync.WaitGroup
}

func init() {
	var err error
	cfg, err = config.Load(os.Args[1:])
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	level, err := logger.ParseLevel(cfg.Log.Level)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid log level: %v\n", err)
		os.Exit(1)
	}
	logger.Init(level, logger.Format(cfg.Log.Format), logger.IsService())
	logger.Debug().Msg("Config loaded")
}

func main() {
	if err := pid.Write(cfg.PIDFile); err != nil {
		logger.Fatal().Err(err).Msg("Failed to write pid file")
	}

	d, err := setup()
	if err != nil {
		_ = pid.Remove(cfg.PIDFile)
		var appErr errors.Error
		if errors.As(err, &appErr) {
			logger.FatalWithCode(appErr).Msg("Failed to start")
		}
		logger.Fatal().Err(err).Msg("Failed to start")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go handleSignals(cancel)

	d.run(ctx, cancel)
	<-ctx.Done()

	d.cleanup()
	if err := pid.Remove(cfg.PIDFile); err != nil {
		logger.Error().Err(err).Msg("Failed to remove pid file")
	}
	logger.Info().Msg("Exiting...")
}

// setup binds the socket first so a port clash fails before anything else
// is opened.
func setup() (*daemon, error) {
	d := &daemon{latest: cache.New()}

	rcv, err := receiver.Listen(receiver.Config{
		Host:         cfg.UDP.Host,
		Port:         cfg.UDP.Port,
		BufferSize:   cfg.UDP.BufferSize,
		PollInterval: cfg.UDP.PollInterval,
	}, logger.Default())
	if err != nil {
		return nil, err
	}
	d.rcv = rcv

	d.gateway = storage.Noop{}
	if cfg.Storage.Enabled {
		store, err := storage.Open(storage.Config{
			DBPath:        cfg.Storage.Path,
			BatchSize:     cfg.Storage.BatchSize,
			BatchTimeout:  cfg.Storage.BatchTimeout,
			RetentionDays: cfg.Storage.RetentionDays,
			Enabled:       true,
		}, logger.Default())
		if err != nil {
			_ = rcv.Close()
			return nil, err
		}
		d.store = store
		d.gateway = store
	} else {
		logger.Info().Msg("Persistence disabled, readings are not stored")
	}

	d.registry = registry.New(d.latest, registry.Config{WriteTimeout: cfg.Registry.WriteTimeout}, logger.Default())

	d.dispatcher, err = dispatch.New(d.latest, d.registry, d.gateway, dispatch.Config{
		PersistQueue:   cfg.Persist.QueueSize,
		BroadcastQueue: cfg.Broadcast.QueueSize,
		WriteTimeout:   cfg.Persist.WriteTimeout,
	}, logger.Default())
	if err != nil {
		d.closeStorage()
		_ = rcv.Close()
		return nil, err
	}

	opts := httpapi.Options{
		Latest:        d.latest,
		Subscriptions: d.registry,
		Log:           logger.Default(),
	}
	if d.store != nil {
		opts.History = d.store
	}
	d.http = httpapi.NewServer(opts)

	if cfg.MQTT.Broker != "" {
		b, err := bridge.Connect(bridge.Config{
			Broker:   cfg.MQTT.Broker,
			Topic:    cfg.MQTT.Topic,
			ClientID: cfg.MQTT.ClientID,
			QoS:      byte(cfg.MQTT.QoS),
		}, logger.Default())
		if err != nil {
			// The bridge is optional; the daemon runs without it.
			logger.Error().Err(err).Msg("MQTT bridge disabled")
		} else {
			d.bridge = b
		}
	}

	return d, nil
}

func (d *daemon) run(ctx context.Context, cancel context.CancelFunc) {
	d.dispatcher.Start()

	d.goRun(func() {
		err := d.rcv.Run(ctx, func(r reading.Reading) {
			if err := d.dispatcher.Dispatch(r); err != nil {
				logger.Debug().Err(err).Int64("counter", r.Counter).Msg("Reading not dispatched")
			}
		})
		if err != nil {
			logger.Error().Err(err).Msg("Receiver stopped")
			cancel()
		}
	})

	d.goRun(func() {
		if err := d.http.ListenAndServe(cfg.HTTPAddr()); err != nil {
			logger.Error().Err(err).Msg("HTTP server stopped")
			cancel()
		}
	})

	if d.store != nil {
		d.goRun(func() { d.store.RunRetention(ctx, retentionInterval) })
	}

	if d.bridge != nil {
		d.goRun(func() { d.bridge.Run(ctx, d.registry) })
	}

	logger.Info().
		Str("udp", d.rcv.LocalAddr().String()).
		Str("http", cfg.HTTPAddr()).
		Bool("storage", d.store != nil).
		Bool("mqtt", d.bridge != nil).
		Msg("spacenosed started")
}

func (d *daemon) goRun(fn func()) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		fn()
	}()
}

func handleSignals(cancel context.CancelFunc) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	<-sigs
	logger.Info().Msg("Received termination signal.")
	cancel()
}

// cleanup stops intake first, then drains the dispatcher so pending readings
// reach storage before it closes.
func (d *daemon) cleanup() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := d.rcv.Close(); err != nil {
		logger.Error().Err(err).Msg("Failed to close receiver")
	}
	if err := d.http.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("Failed to shut down HTTP server")
	}
	if err := d.dispatcher.Close(ctx); err != nil {
		logger.Warn().Err(err).Msg("Dispatcher did not drain before timeout")
	}

	d.registry.Close()
	if d.bridge != nil {
		d.bridge.Close()
	}

	d.wg.Wait()
	d.closeStorage()
}

// closeStorage closes whichever gateway setup chose, Store or Noop.
func (d *daemon) closeStorage() {
	closer, ok := d.gateway.(io.Closer)
	if !ok {
		return
	}
	if err := closer.Close(); err != nil {
		var appErr errors.Error
		if errors.As(err, &appErr) {
			logger.ErrorWithCode(appErr).Msg("Failed to close storage")
			return
		}
		logger.Error().Err(err).Msg("Failed to close storage")
	}
}

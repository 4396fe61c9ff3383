// Package bridge republishes every broadcast payload to an MQTT topic. The
// bridge is an ordinary registry subscriber: when a publish fails it is
// evicted like any other, and its supervisor registers a fresh channel once
// the broker is reachable again.
package bridge

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"codeberg.org/mutker/spacenose/internal/errors"
	"codeberg.org/mutker/spacenose/internal/logger"
	"codeberg.org/mutker/spacenose/internal/registry"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
)

const (
	defaultTopic          = "spacenose/readings"
	defaultConnectTimeout = 5 * time.Second
	defaultRetryInterval  = 2 * time.Second
	disconnectQuiesce     = 250 // milliseconds
)

// Publisher is the subset of mqtt.Client the bridge needs.
type Publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	IsConnectionOpen() bool
}

// Registrar is the registry as seen by the bridge supervisor.
type Registrar interface {
	Register(ctx context.Context, ch registry.Channel) (string, error)
	Unregister(id string)
}

type Config struct {
	Broker         string
	Topic          string
	ClientID       string
	QoS            byte
	ConnectTimeout time.Duration
	RetryInterval  time.Duration
}

func (c *Config) applyDefaults() {
	if c.Topic == "" {
		c.Topic = defaultTopic
	}
	if c.ClientID == "" {
		c.ClientID = "spacenose-" + uuid.NewString()[:8]
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = defaultConnectTimeout
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = defaultRetryInterval
	}
}

type Stats struct {
	Published     uint64
	Failed        uint64
	Registrations uint64
}

type Bridge struct {
	cfg    Config
	pub    Publisher
	client mqtt.Client
	log    logger.Logger

	published     atomic.Uint64
	failed        atomic.Uint64
	registrations atomic.Uint64
}

// Connect dials the broker. The paho client reconnects on its own after a
// lost connection; publishes fail fast while it is down.
func Connect(cfg Config, log logger.Logger) (*Bridge, error) {
	errFactory := errors.New()

	if cfg.Broker == "" {
		return nil, errFactory.WithData(ErrInvalidConfig, "mqtt.broker is empty")
	}
	if cfg.QoS > 2 {
		return nil, errFactory.WithData(ErrInvalidConfig, "mqtt.qos must be 0, 1 or 2")
	}
	cfg.applyDefaults()
	if log == nil {
		log = logger.Default()
	}

	broker := cfg.Broker
	if !strings.Contains(broker, "://") {
		broker = "tcp://" + broker
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(broker)
	opts.SetClientID(cfg.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(cfg.RetryInterval)
	opts.SetMaxReconnectInterval(30 * time.Second)

	opts.OnConnect = func(mqtt.Client) {
		log.Info().Str("broker", broker).Str("client_id", cfg.ClientID).Msg("MQTT connection established")
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		log.Warn().Err(err).Str("broker", broker).Msg("MQTT connection lost, reconnecting")
	}

	client := mqtt.NewClient(opts)

	token := client.Connect()
	if !token.WaitTimeout(cfg.ConnectTimeout) {
		client.Disconnect(disconnectQuiesce)
		return nil, errFactory.WithData(ErrConnectTimeout, broker)
	}
	if err := token.Error(); err != nil {
		return nil, errFactory.Wrap(ErrConnect, err)
	}

	b := New(client, cfg, log)
	b.client = client
	return b, nil
}

// New builds a bridge over an existing publisher.
func New(pub Publisher, cfg Config, log logger.Logger) *Bridge {
	cfg.applyDefaults()
	if log == nil {
		log = logger.Default()
	}
	return &Bridge{cfg: cfg, pub: pub, log: log}
}

// Run keeps one bridge channel registered until ctx is done. After an
// eviction or a failed registration it waits RetryInterval and registers
// again, which also replays the latest reading.
func (b *Bridge) Run(ctx context.Context, reg Registrar) {
	for {
		ch := &channel{bridge: b, done: make(chan struct{})}

		id, err := reg.Register(ctx, ch)
		if err != nil {
			b.log.Warn().Err(err).Str("topic", b.cfg.Topic).Msg("MQTT bridge registration failed")
		} else {
			b.registrations.Add(1)
			b.log.Debug().Str("subscription", id).Str("topic", b.cfg.Topic).Msg("MQTT bridge subscribed")

			select {
			case <-ctx.Done():
				reg.Unregister(id)
				return
			case <-ch.done:
				b.log.Warn().Str("subscription", id).Msg("MQTT bridge evicted")
			}
		}

		timer := time.NewTimer(b.cfg.RetryInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// Close disconnects from the broker if Connect opened the connection.
func (b *Bridge) Close() {
	if b.client != nil {
		b.client.Disconnect(disconnectQuiesce)
		b.log.Info().Msg("MQTT disconnected")
	}
}

func (b *Bridge) Stats() Stats {
	return Stats{
		Published:     b.published.Load(),
		Failed:        b.failed.Load(),
		Registrations: b.registrations.Load(),
	}
}

func (b *Bridge) publish(ctx context.Context, payload []byte) error {
	errFactory := errors.New()

	if !b.pub.IsConnectionOpen() {
		b.failed.Add(1)
		return errFactory.New(ErrNotConnected)
	}

	token := b.pub.Publish(b.cfg.Topic, b.cfg.QoS, false, payload)
	select {
	case <-token.Done():
		if err := token.Error(); err != nil {
			b.failed.Add(1)
			return errFactory.Wrap(ErrPublish, err)
		}
	case <-ctx.Done():
		b.failed.Add(1)
		return errFactory.Wrap(ErrPublish, ctx.Err())
	}

	b.published.Add(1)
	return nil
}

// channel is one registration of the bridge. Close is called by the registry
// on eviction and signals the supervisor.
type channel struct {
	bridge *Bridge
	done   chan struct{}
	once   sync.Once
}

func (c *channel) Send(ctx context.Context, payload []byte) error {
	return c.bridge.publish(ctx, payload)
}

func (c *channel) Close() error {
	c.once.Do(func() { close(c.done) })
	return nil
}

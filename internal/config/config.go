package config

import (
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"codeberg.org/mutker/spacenose/internal/errors"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	DefaultConfigPath = "/etc/spacenose/spacenose.toml"
	DefaultLogLevel   = "info"
	EnvPrefix         = "SPACENOSE"

	maxPort = 65535
)

type Config struct {
	UDP       UDPConfig       `mapstructure:"udp"`
	HTTP      HTTPConfig      `mapstructure:"http"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Persist   PersistConfig   `mapstructure:"persist"`
	Broadcast BroadcastConfig `mapstructure:"broadcast"`
	Registry  RegistryConfig  `mapstructure:"registry"`
	MQTT      MQTTConfig      `mapstructure:"mqtt"`
	Log       LogConfig       `mapstructure:"log"`
	PIDFile   string          `mapstructure:"pid_file"`
}

type UDPConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	BufferSize   int           `mapstructure:"buffer_size"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
}

type HTTPConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

type StorageConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	Path          string        `mapstructure:"path"`
	BatchSize     int           `mapstructure:"batch_size"`
	BatchTimeout  time.Duration `mapstructure:"batch_timeout"`
	RetentionDays int           `mapstructure:"retention_days"`
}

type PersistConfig struct {
	QueueSize    int           `mapstructure:"queue_size"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

type BroadcastConfig struct {
	QueueSize int `mapstructure:"queue_size"`
}

type RegistryConfig struct {
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

type MQTTConfig struct {
	Broker   string `mapstructure:"broker"`
	Topic    string `mapstructure:"topic"`
	ClientID string `mapstructure:"client_id"`
	QoS      int    `mapstructure:"qos"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// UDPAddr returns the datagram bind address.
func (c *Config) UDPAddr() string {
	return fmt.Sprintf("%s:%d", c.UDP.Host, c.UDP.Port)
}

// HTTPAddr returns the HTTP listen address.
func (c *Config) HTTPAddr() string {
	return fmt.Sprintf("%s:%d", c.HTTP.Host, c.HTTP.Port)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("udp.host", "0.0.0.0")
	v.SetDefault("udp.port", 8888)
	v.SetDefault("udp.buffer_size", 1024)
	v.SetDefault("udp.poll_interval", 10*time.Millisecond)
	v.SetDefault("http.host", "0.0.0.0")
	v.SetDefault("http.port", 8000)
	v.SetDefault("storage.enabled", true)
	v.SetDefault("storage.path", "/var/lib/spacenose/readings.db")
	v.SetDefault("storage.batch_size", 1)
	v.SetDefault("storage.batch_timeout", time.Second)
	v.SetDefault("storage.retention_days", 30)
	v.SetDefault("persist.queue_size", 256)
	v.SetDefault("persist.write_timeout", 2*time.Second)
	v.SetDefault("broadcast.queue_size", 64)
	v.SetDefault("registry.write_timeout", time.Second)
	v.SetDefault("mqtt.broker", "")
	v.SetDefault("mqtt.topic", "spacenose/readings")
	v.SetDefault("mqtt.client_id", "spacenosed")
	v.SetDefault("mqtt.qos", 0)
	v.SetDefault("log.level", DefaultLogLevel)
	v.SetDefault("log.format", "console")
	v.SetDefault("pid_file", "")
}

func newFlagSet() *pflag.FlagSet {
	flags := pflag.NewFlagSet("spacenosed", pflag.ContinueOnError)
	flags.String("config", "", "Path to the TOML configuration file")
	flags.String("udp-host", "", "Datagram bind host")
	flags.Int("udp-port", 0, "Datagram bind port")
	flags.String("http-host", "", "HTTP listen host")
	flags.Int("http-port", 0, "HTTP listen port")
	flags.String("db", "", "Path to the readings database")
	flags.Bool("no-storage", false, "Disable persistence")
	flags.String("mqtt-broker", "", "MQTT broker host:port to mirror readings to")
	flags.String("log-level", "", "Log level: debug, info, warning, error")
	flags.Bool("debug", false, "Shorthand for --log-level=debug")
	return flags
}

// flagKeys maps flag names onto configuration keys.
var flagKeys = map[string]string{
	"udp-host":    "udp.host",
	"udp-port":    "udp.port",
	"http-host":   "http.host",
	"http-port":   "http.port",
	"db":          "storage.path",
	"mqtt-broker": "mqtt.broker",
	"log-level":   "log.level",
}

// Load builds the configuration from defaults, the config file, SPACENOSE_*
// environment variables and finally args, in increasing precedence.
func Load(args []string) (*Config, error) {
	errFactory := errors.New()

	flags := newFlagSet()
	if err := flags.Parse(args); err != nil {
		return nil, errFactory.Wrap(errors.ErrBindFlags, err)
	}

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := readConfigFile(v, flags); err != nil {
		return nil, err
	}

	for name, key := range flagKeys {
		if err := v.BindPFlag(key, flags.Lookup(name)); err != nil {
			return nil, errFactory.Wrap(errors.ErrBindFlags, err)
		}
	}
	if noStorage, _ := flags.GetBool("no-storage"); noStorage {
		v.Set("storage.enabled", false)
	}
	if debug, _ := flags.GetBool("debug"); debug {
		v.Set("log.level", "debug")
	}

	config := &Config{}
	if err := v.Unmarshal(config); err != nil {
		return nil, errFactory.Wrap(errors.ErrReadConfig, err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

func readConfigFile(v *viper.Viper, flags *pflag.FlagSet) error {
	errFactory := errors.New()

	path, _ := flags.GetString("config")
	explicit := path != ""
	if !explicit {
		path = os.Getenv(EnvPrefix + "_CONFIG")
		explicit = path != ""
	}
	if !explicit {
		path = DefaultConfigPath
	}

	v.SetConfigFile(path)
	v.SetConfigType("toml")

	if err := v.ReadInConfig(); err != nil {
		// The default location is optional, an explicitly named file is not.
		if !explicit && errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return errFactory.Wrap(errors.ErrReadConfig, err)
	}

	return nil
}

// Validate checks value ranges that would otherwise fail late at bind time.
func (c *Config) Validate() error {
	errFactory := errors.New()

	switch {
	case c.UDP.Port < 0 || c.UDP.Port > maxPort:
		return errFactory.WithData(errors.ErrInvalidConfig, fmt.Sprintf("udp.port %d out of range", c.UDP.Port))
	case c.HTTP.Port < 0 || c.HTTP.Port > maxPort:
		return errFactory.WithData(errors.ErrInvalidConfig, fmt.Sprintf("http.port %d out of range", c.HTTP.Port))
	case c.UDP.BufferSize <= 0:
		return errFactory.WithData(errors.ErrInvalidConfig, "udp.buffer_size must be positive")
	case c.UDP.PollInterval <= 0:
		return errFactory.WithData(errors.ErrInvalidConfig, "udp.poll_interval must be positive")
	case c.Storage.Enabled && c.Storage.Path == "":
		return errFactory.WithData(errors.ErrInvalidConfig, "storage.path is required when storage is enabled")
	case c.Storage.BatchSize <= 0:
		return errFactory.WithData(errors.ErrInvalidConfig, "storage.batch_size must be positive")
	case c.Storage.RetentionDays < 0:
		return errFactory.WithData(errors.ErrInvalidConfig, "storage.retention_days must not be negative")
	case c.Persist.QueueSize <= 0 || c.Broadcast.QueueSize <= 0:
		return errFactory.WithData(errors.ErrInvalidConfig, "queue sizes must be positive")
	case c.Persist.WriteTimeout <= 0 || c.Registry.WriteTimeout <= 0:
		return errFactory.WithData(errors.ErrInvalidConfig, "write timeouts must be positive")
	case c.MQTT.QoS < 0 || c.MQTT.QoS > 2:
		return errFactory.WithData(errors.ErrInvalidConfig, fmt.Sprintf("mqtt.qos %d not in 0..2", c.MQTT.QoS))
	case c.Log.Format != "console" && c.Log.Format != "json":
		return errFactory.WithData(errors.ErrInvalidConfig, fmt.Sprintf("log.format %q", c.Log.Format))
	}

	if !LogLevel(c.Log.Level).IsValid() {
		return errFactory.WithData(errors.ErrInvalidLogLevel, c.Log.Level)
	}

	return nil
}

// LogLevel represents valid logging levels
type LogLevel string

const (
	LogLevelDebug   LogLevel = "debug"
	LogLevelInfo    LogLevel = "info"
	LogLevelWarning LogLevel = "warning"
	LogLevelError   LogLevel = "error"
)

// IsValid returns whether the log level is valid
func (l LogLevel) IsValid() bool {
	switch l {
	case LogLevelDebug, LogLevelInfo, LogLevelWarning, LogLevelError:
		return true
	default:
		return false
	}
}

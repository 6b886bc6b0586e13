// Copyright (c) 2021 Nutanix, Inc.

// Package config resolves the ncmqtt settings from command line flags, NCMQTT_* environment
// variables and an optional config file, in that order of precedence.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nutanix/ncmqtt/frame"
	"github.com/nutanix/ncmqtt/progress"
	"github.com/nutanix/ncmqtt/session"
	"github.com/nutanix/ncmqtt/transport"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment variable read by Load
const EnvPrefix = "NCMQTT"

const (
	DefaultTopic  = "nc_channel_pub"
	DefaultServer = "test.mosquitto.org"
)

// disconnectTimeout bounds the flush of pending publishes on exit
const disconnectTimeout = 10 * time.Second

// ErrInvalidConfig is returned for settings that cannot be used
var ErrInvalidConfig = errors.New("config: invalid")

// Config holds every setting of one ncmqtt run
type Config struct {
	Listen         bool          `mapstructure:"listen"`
	Topic          string        `mapstructure:"topic"`
	Server         string        `mapstructure:"server"`
	Port           int           `mapstructure:"port"`
	Auth           string        `mapstructure:"auth"`
	Transport      string        `mapstructure:"transport"`
	Wire           string        `mapstructure:"wire"`
	ChunkSize      int           `mapstructure:"chunk-size"`
	QoS            int           `mapstructure:"qos"`
	ConfirmTimeout time.Duration `mapstructure:"confirm-timeout"`
	ConfirmRetries uint64        `mapstructure:"confirm-retries"`
	Timeout        time.Duration `mapstructure:"timeout"`
	Compress       bool          `mapstructure:"compress"`
	Progress       string        `mapstructure:"progress"`
	Pushgateway    string        `mapstructure:"pushgateway"`
	Verbosity      int           `mapstructure:"verbosity"`
}

// RegisterFlags adds the ncmqtt flags to fs
func RegisterFlags(fs *pflag.FlagSet) {
	fs.BoolP("listen", "l", false, "receive a stream and write it to stdout")
	fs.StringP("topic", "T", DefaultTopic, "topic shared by sender and receiver")
	fs.StringP("server", "S", DefaultServer, "broker host")
	fs.IntP("port", "P", 0, "broker port (default 1883 for mqtt, 4222 for nats)")
	fs.StringP("auth", "A", "", "broker credentials as user,password")
	fs.String("transport", transport.MQTT, "broker protocol: mqtt or nats")
	fs.String("wire", frame.TaggedName, "frame format: tagged or legacy")
	fs.Int("chunk-size", frame.DefaultCapacity, "largest number of stream bytes per frame")
	fs.Int("qos", 0, "mqtt quality of service (0, 1 or 2)")
	fs.Duration("confirm-timeout", session.DefaultConfirmTimeout, "wait for each publish confirmation")
	fs.Uint64("confirm-retries", session.DefaultConfirmRetries, "extra waits for a timed out publish confirmation")
	fs.Duration("timeout", 0, "give up when the peer stays silent this long (0 waits forever)")
	fs.Bool("compress", false, "snappy-compress data frames (tagged wire only)")
	fs.String("progress", "auto", "progress bar on stderr: auto, always or never")
	fs.String("pushgateway", "", "push transfer metrics to this prometheus pushgateway")
	fs.String("config", "", "config file")
	fs.Int("verbosity", 0, "log verbosity")
}

// Load resolves the settings for the flags registered on fs
func Load(fs *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if err := v.BindPFlags(fs); err != nil {
		return nil, err
	}

	if file := v.GetString("config"); file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("%w: reading %s: %v", ErrInvalidConfig, file, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the settings against each other
func (c *Config) Validate() error {
	switch {
	case c.Topic == "":
		return invalid("topic is empty")
	case c.Server == "":
		return invalid("server is empty")
	case c.Port < 0 || c.Port > 65535:
		return invalid("port %d out of range", c.Port)
	case c.Transport != transport.MQTT && c.Transport != transport.NATS:
		return invalid("unknown transport %q", c.Transport)
	case c.Wire != frame.LegacyName && c.Wire != frame.TaggedName:
		return invalid("unknown wire format %q", c.Wire)
	case c.Compress && c.Wire == frame.LegacyName:
		return invalid("compression needs the tagged wire format")
	case c.ChunkSize <= 0 || c.ChunkSize > frame.MaxCapacity:
		return invalid("chunk size %d out of range 1..%d", c.ChunkSize, frame.MaxCapacity)
	case c.QoS < 0 || c.QoS > 2:
		return invalid("qos %d out of range 0..2", c.QoS)
	case c.ConfirmTimeout <= 0:
		return invalid("confirm timeout must be positive")
	case c.Timeout < 0:
		return invalid("timeout must not be negative")
	}
	if _, err := progress.ParseMode(c.Progress); err != nil {
		return invalid("%v", err)
	}
	return nil
}

// Credentials splits Auth at its first comma. Without a comma the password is empty.
func (c *Config) Credentials() (user, password string) {
	user, password, _ = strings.Cut(c.Auth, ",")
	return user, password
}

// TransportConfig returns the broker settings
func (c *Config) TransportConfig() transport.Config {
	user, password := c.Credentials()
	return transport.Config{
		Kind:     c.Transport,
		Host:     c.Server,
		Port:     c.Port,
		ClientID: transport.NewClientID(c.Listen),
		Username: user,
		Password: password,
		QoS:      byte(c.QoS),

		DisconnectTimeout: disconnectTimeout,
	}
}

// SessionOptions returns the sender and receiver settings
func (c *Config) SessionOptions() ([]session.Option, error) {
	codec, err := frame.NewCodec(c.Wire, c.Compress)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return []session.Option{
		session.WithCodec(codec),
		session.WithCapacity(c.ChunkSize),
		session.WithConfirmTimeout(c.ConfirmTimeout),
		session.WithConfirmRetries(c.ConfirmRetries),
		session.WithIdleTimeout(c.Timeout),
	}, nil
}

func invalid(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalidConfig, fmt.Sprintf(format, args...))
}

// Package config loads obsbridge settings from defaults, a YAML file and the environment.
package config

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/sethvargo/go-envconfig"
	"gopkg.in/yaml.v3"

	"github.com/dratasich/obsbridge"
	"github.com/dratasich/obsbridge/observation"
	"github.com/dratasich/obsbridge/transport"
)

const (
	EnvConfigPath = "OBSBRIDGE_CONFIG"
	EnvPrefix     = "OBSBRIDGE_"

	DefaultAddress = "mqtt://localhost:1883/gym/observation"
)

type Config struct {
	Publisher  obsbridge.PublisherConfig  `yaml:"publisher" env:", prefix=PUBLISHER_"`
	Subscriber obsbridge.SubscriberConfig `yaml:"subscriber" env:", prefix=SUBSCRIBER_"`
	Signal     observation.SignalParams   `yaml:"signal" env:", prefix=SIGNAL_"`
	ZMQ        transport.ZMQConfig        `yaml:"zmq" env:", prefix=ZMQ_"`
	MQTT       transport.MQTTConfig       `yaml:"mqtt" env:", prefix=MQTT_"`
	Libp2p     transport.Libp2pOptions    `yaml:"libp2p" env:", prefix=LIBP2P_"`
	Log        LogConfig                  `yaml:"log" env:", prefix=LOG_"`
	Metrics    MetricsConfig              `yaml:"metrics" env:", prefix=METRICS_"`
	History    HistoryConfig              `yaml:"history" env:", prefix=HISTORY_"`
}

type LogConfig struct {
	Level  string `yaml:"level" env:"LEVEL, overwrite"`
	Format string `yaml:"format" env:"FORMAT, overwrite"` // console or json
}

type MetricsConfig struct {
	// address of the /metrics endpoint, empty disables it
	Addr string `yaml:"addr" env:"ADDR, overwrite"`
}

type HistoryConfig struct {
	// sqlite database the received history is appended to, empty disables it
	DB string `yaml:"db" env:"DB, overwrite"`
}

// Default settings mirror the classic sender/receiver scripts:
// 10 s at 10 ms ticks, 1 s receive timeout.
func Default() Config {
	return Config{
		Publisher: obsbridge.PublisherConfig{
			BindAddress: DefaultAddress,
			TMax:        10 * time.Second,
			Dt:          10 * time.Millisecond,
		},
		Subscriber: obsbridge.SubscriberConfig{
			ConnectAddress: DefaultAddress,
			TMax:           10 * time.Second,
			Dt:             10 * time.Millisecond,
			ReceiveTimeout: time.Second,
			OnTimeout:      obsbridge.AdvanceOnTimeout,
		},
		Signal: observation.SignalParams{
			Name:      "sine",
			Min:       -1,
			Max:       1,
			Frequency: 1,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// Load the defaults, overlaid by the YAML file at path (if not empty)
// and then by OBSBRIDGE_* environment variables
func Load(ctx context.Context, path string) (Config, error) {
	return load(ctx, path, envconfig.PrefixLookuper(EnvPrefix, envconfig.OsLookuper()))
}

// LoadFromEnv is Load with the file named by OBSBRIDGE_CONFIG
func LoadFromEnv(ctx context.Context) (Config, error) {
	return Load(ctx, os.Getenv(EnvConfigPath))
}

func load(ctx context.Context, path string, lookuper envconfig.Lookuper) (Config, error) {
	cfg := Default()

	if path != "" {
		f, err := os.Open(filepath.Clean(path))
		if err != nil {
			return cfg, fmt.Errorf("open config %q: %w", path, err)
		}
		defer f.Close()

		data, err := io.ReadAll(f)
		if err != nil {
			return cfg, fmt.Errorf("read config %q: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %q: %w", path, err)
		}
	}

	if err := envconfig.ProcessWith(ctx, &envconfig.Config{
		Target:   &cfg,
		Lookuper: lookuper,
	}); err != nil {
		return cfg, fmt.Errorf("parse environment: %w", err)
	}

	return cfg, nil
}

// Validate the settings used by both ends of the bridge
func (c Config) Validate() error {
	var errs []error
	if err := c.Publisher.Validate(); err != nil {
		errs = append(errs, err)
	}
	if err := c.Subscriber.Validate(); err != nil {
		errs = append(errs, err)
	}
	if _, err := observation.SignalByName(c.Signal); err != nil {
		errs = append(errs, fmt.Errorf("signal: %w", err))
	}
	switch c.Log.Format {
	case "", "console", "json":
	default:
		errs = append(errs, fmt.Errorf("log: unknown format %q", c.Log.Format))
	}
	return errors.Join(errs...)
}

// Registry of all transports configured by c, sharing mem for mem:// addresses
func (c Config) Registry(mem *transport.Memory) *transport.Registry {
	if mem == nil {
		mem = transport.NewMemory(0)
	}
	return &transport.Registry{
		Memory: mem,
		ZMQ:    transport.NewZMQ(c.ZMQ),
		MQTT:   transport.NewMQTT(c.MQTT),
		Libp2p: transport.NewLibp2p(c.Libp2p),
	}
}

// Package config loads mmate-rpc settings from the environment.
package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
	amqp "github.com/rabbitmq/amqp091-go"
)

type (
	Config struct {
		Broker   BrokerConfig   `json:"broker"`
		RPC      RPCConfig      `json:"rpc"`
		Consumer ConsumerConfig `json:"consumer"`
		Identity IdentityConfig `json:"identity"`
		Logging  LoggingConfig  `json:"logging"`
		Metrics  MetricsConfig  `json:"metrics"`
	}

	BrokerConfig struct {
		Scheme         string        `envconfig:"RABBITMQ_SCHEME" default:"amqp" json:"scheme"`
		Host           string        `envconfig:"RABBITMQ_HOST" default:"localhost" json:"host"`
		Port           int           `envconfig:"RABBITMQ_PORT" default:"5672" json:"port"`
		Username       string        `envconfig:"RABBITMQ_USERNAME" default:"guest" json:"username"`
		Password       string        `envconfig:"RABBITMQ_PASSWORD" default:"guest" json:"password,omitempty"`
		VirtualHost    string        `envconfig:"RABBITMQ_VHOST" default:"/" json:"virtual_host"`
		ConnectTimeout time.Duration `envconfig:"RABBITMQ_CONNECT_TIMEOUT" default:"30s" json:"connect_timeout"`
		PublishTimeout time.Duration `envconfig:"RABBITMQ_PUBLISH_TIMEOUT" default:"10s" json:"publish_timeout"`
		ChannelWait    time.Duration `envconfig:"RABBITMQ_CHANNEL_WAIT_TIMEOUT" default:"5s" json:"channel_wait_timeout"`
	}

	RPCConfig struct {
		Timeout time.Duration `envconfig:"RPC_TIMEOUT" default:"30s" json:"timeout"`
	}

	ConsumerConfig struct {
		Prefetch int `envconfig:"CONSUMER_PREFETCH" default:"1" json:"prefetch"`
	}

	IdentityConfig struct {
		// Prefix is prepended to the full and log names of process identities
		Prefix string `envconfig:"IDENTITY_PREFIX" default:"" json:"prefix"`
	}

	LoggingConfig struct {
		Level  string `envconfig:"LOGGING_LEVEL" default:"info" json:"level"`
		Format string `envconfig:"LOGGING_FORMAT" default:"json" json:"format"`
	}

	MetricsConfig struct {
		Enabled bool `envconfig:"METRICS_ENABLED" default:"false" json:"enabled"`
	}
)

// Load reads the configuration from the environment
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks values envconfig cannot
func (c *Config) Validate() error {
	switch {
	case c.Broker.Scheme != "amqp" && c.Broker.Scheme != "amqps":
		return fmt.Errorf("invalid config: RABBITMQ_SCHEME must be amqp or amqps, got %q", c.Broker.Scheme)
	case c.Broker.Port <= 0 || c.Broker.Port > 65535:
		return fmt.Errorf("invalid config: RABBITMQ_PORT out of range: %d", c.Broker.Port)
	case c.Broker.PublishTimeout <= 0:
		return fmt.Errorf("invalid config: RABBITMQ_PUBLISH_TIMEOUT must be positive, got %s", c.Broker.PublishTimeout)
	case c.Broker.ChannelWait <= 0:
		return fmt.Errorf("invalid config: RABBITMQ_CHANNEL_WAIT_TIMEOUT must be positive, got %s", c.Broker.ChannelWait)
	case c.RPC.Timeout <= 0:
		return fmt.Errorf("invalid config: RPC_TIMEOUT must be positive, got %s", c.RPC.Timeout)
	case c.Consumer.Prefetch < 1:
		return fmt.Errorf("invalid config: CONSUMER_PREFETCH must be at least 1, got %d", c.Consumer.Prefetch)
	}
	return nil
}

// URL returns the AMQP URL of the broker
func (b BrokerConfig) URL() string {
	return amqp.URI{
		Scheme:   b.Scheme,
		Host:     b.Host,
		Port:     b.Port,
		Username: b.Username,
		Password: b.Password,
		Vhost:    b.VirtualHost,
	}.String()
}

// Package config loads the outbox relay settings from an optional YAML file
// (outbox-relay.yaml) and OUTBOX_* environment variables.
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/3rs4lg4d0/gtbx-relay/gtbx"
	"github.com/3rs4lg4d0/gtbx-relay/snowflake"
	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

const (
	configName = "outbox-relay"
	envPrefix  = "OUTBOX"
)

type Settings struct {
	Snowflake     SnowflakeSettings        `mapstructure:"snowflake"`
	Dispatcher    DispatcherSettings       `mapstructure:"dispatcher"`
	Database      DatabaseSettings         `mapstructure:"database"`
	Broker        BrokerSettings           `mapstructure:"broker"`
	Log           LogSettings              `mapstructure:"log"`
	Observability ObservabilitySettings    `mapstructure:"observability"`
	Topics        map[string]RouteSettings `mapstructure:"topics" validate:"dive"` // replaces the default routes when set
}

type SnowflakeSettings struct {
	Epoch        int64 `mapstructure:"epoch" validate:"min=0"`
	DatacenterId int64 `mapstructure:"datacenter_id" validate:"min=0,max=31"`
	WorkerId     int64 `mapstructure:"worker_id" validate:"min=0,max=31"`
}

type DispatcherSettings struct {
	Enabled        bool          `mapstructure:"enabled"`
	Interval       time.Duration `mapstructure:"interval" validate:"gt=0"`
	BatchSize      int           `mapstructure:"batch_size" validate:"min=1,max=10000"`
	MaxRetries     int           `mapstructure:"max_retries" validate:"min=1"`
	SendTimeout    time.Duration `mapstructure:"send_timeout" validate:"gt=0"`
	ClaimTTL       time.Duration `mapstructure:"claim_ttl" validate:"gte=0"` // 0 = derived
	Retention      time.Duration `mapstructure:"retention" validate:"gt=0"`
	PurgeBatchSize int           `mapstructure:"purge_batch_size" validate:"min=1"`
}

type DatabaseSettings struct {
	Driver string `mapstructure:"driver" validate:"oneof=pgx sql gorm"`
	DSN    string `mapstructure:"dsn" validate:"required"`
}

type BrokerSettings struct {
	Type      string `mapstructure:"type" validate:"oneof=kafka rabbitmq pubsub"`
	Brokers   string `mapstructure:"brokers" validate:"required_if=Type kafka"` // kafka bootstrap servers
	ClientId  string `mapstructure:"client_id"`
	URL       string `mapstructure:"url" validate:"required_if=Type rabbitmq"`
	Exchange  string `mapstructure:"exchange" validate:"required_if=Type rabbitmq"`
	ProjectId string `mapstructure:"project_id" validate:"required_if=Type pubsub"`
}

type LogSettings struct {
	Level  string `mapstructure:"level" validate:"oneof=trace debug info warn error"`
	Format string `mapstructure:"format" validate:"oneof=json console"`
}

type ObservabilitySettings struct {
	ServiceName     string        `mapstructure:"service_name" validate:"required"`
	TracingURL      string        `mapstructure:"tracing_url" validate:"omitempty,url"` // OTLP/HTTP endpoint, tracing is off when empty
	MetricsInterval time.Duration `mapstructure:"metrics_interval" validate:"gt=0"`
}

type RouteSettings struct {
	Topic         string `mapstructure:"topic" validate:"required"`
	AggregateType string `mapstructure:"aggregate_type" validate:"required"`
}

var defaults = map[string]any{
	"snowflake.epoch":                snowflake.DefaultEpoch,
	"snowflake.datacenter_id":        0,
	"snowflake.worker_id":            0,
	"dispatcher.enabled":             true,
	"dispatcher.interval":            "5s",
	"dispatcher.batch_size":          100,
	"dispatcher.max_retries":         3,
	"dispatcher.send_timeout":        "10s",
	"dispatcher.claim_ttl":           "0s",
	"dispatcher.retention":           "168h",
	"dispatcher.purge_batch_size":    1000,
	"database.driver":                "pgx",
	"database.dsn":                   "",
	"broker.type":                    "kafka",
	"broker.brokers":                 "",
	"broker.client_id":               "outbox-relay",
	"broker.url":                     "",
	"broker.exchange":                "outbox",
	"broker.project_id":              "",
	"log.level":                      "info",
	"log.format":                     "json",
	"observability.service_name":     "outbox-relay",
	"observability.tracing_url":      "",
	"observability.metrics_interval": "30s",
}

// Load reads the settings. path is either a YAML file, which must exist, or
// a directory searched for outbox-relay.yaml (the working directory when
// empty). Environment variables win over the file: OUTBOX_DISPATCHER_BATCH_SIZE
// overrides dispatcher.batch_size.
func Load(path string) (*Settings, error) {
	v := viper.New()
	for k, d := range defaults {
		v.SetDefault(k, d)
	}

	v.SetConfigType("yaml")
	if filepath.Ext(path) != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName(configName)
		if path != "" {
			v.AddConfigPath(path)
		}
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("could not read the configuration: %w", err)
		}
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	s := &Settings{}
	if err := v.Unmarshal(s); err != nil {
		return nil, fmt.Errorf("could not decode the configuration: %w", err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Settings) Validate() error {
	if err := validator.New().Struct(s); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// OutboxSettings returns the library settings of the relay.
func (s *Settings) OutboxSettings() gtbx.Settings {
	return gtbx.Settings{
		EnableDispatcher: s.Dispatcher.Enabled,
		PollingInterval:  s.Dispatcher.Interval,
		BatchSize:        s.Dispatcher.BatchSize,
		MaxRetries:       s.Dispatcher.MaxRetries,
		SendTimeout:      s.Dispatcher.SendTimeout,
		ClaimTTL:         s.Dispatcher.ClaimTTL,
	}
}

// SnowflakeConfig returns the identity of the id generator.
func (s *Settings) SnowflakeConfig() snowflake.Config {
	return snowflake.Config{
		Epoch:        s.Snowflake.Epoch,
		DatacenterId: s.Snowflake.DatacenterId,
		WorkerId:     s.Snowflake.WorkerId,
	}
}

// OutboxTopics returns the configured routes, or nil to keep the defaults.
// Keys come lowercased from the YAML decoding and are normalized here.
func (s *Settings) OutboxTopics() gtbx.Topics {
	if len(s.Topics) == 0 {
		return nil
	}
	t := make(gtbx.Topics, len(s.Topics))
	for eventType, r := range s.Topics {
		t[gtbx.NormalizeEventType(eventType)] = gtbx.Route{Topic: r.Topic, AggregateType: r.AggregateType}
	}
	return t
}

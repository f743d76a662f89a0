package main

import (
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

type (
	ServiceConfig struct {
		Environment string `env:"SENTRY_ENVIRONMENT" env-default:"development"`
		Port        string `env:"PORT" env-default:"8080"`
		LogLevel    string `env:"LOG_LEVEL" env-default:"info"`

		SentryDSN string `env:"SENTRY_DSN"`

		LayoutFile string `env:"CALLSTACK_LAYOUT_FILE"`
		MaxDepth   int    `env:"CALLSTACK_MAX_DEPTH" env-default:"0"`

		// StorageBackend is one of gcs, blob or badger.
		StorageBackend  string        `env:"CALLSTACK_STORAGE_BACKEND" env-default:"blob"`
		SnapshotsBucket string        `env:"CALLSTACK_SNAPSHOTS_BUCKET" env-default:"mem://"`
		StorageEndpoint string        `env:"CALLSTACK_STORAGE_ENDPOINT"`
		BadgerPath      string        `env:"CALLSTACK_BADGER_PATH"`
		BadgerTTL       time.Duration `env:"CALLSTACK_BADGER_TTL" env-default:"0s"`

		KafkaBrokers          []string `env:"CALLSTACK_KAFKA_BROKERS" env-separator:","`
		EventsConsumerGroup   string   `env:"CALLSTACK_EVENTS_CONSUMER_GROUP" env-default:"callstack"`
		DiagnosticsKafkaTopic string   `env:"CALLSTACK_DIAGNOSTICS_TOPIC" env-default:"callstack-diagnostics"`

		BigQueryProject string `env:"CALLSTACK_BIGQUERY_PROJECT"`
		BigQueryDataset string `env:"CALLSTACK_BIGQUERY_DATASET" env-default:"callstack"`
		BigQueryTable   string `env:"CALLSTACK_BIGQUERY_TABLE" env-default:"diagnostics"`

		RemoteTimeout time.Duration `env:"CALLSTACK_REMOTE_TIMEOUT" env-default:"30s"`
	}
)

func newServiceConfig() (ServiceConfig, error) {
	var c ServiceConfig
	err := cleanenv.ReadEnv(&c)
	return c, err
}

package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

const (
	configName = "locus-sync"
	envPrefix  = "LOCUS"
)

type Settings struct {
	Database        DbSettings       `mapstructure:"database"`
	Broker          BrokerSettings   `mapstructure:"broker"`
	Search          SearchSettings   `mapstructure:"search"`
	Consumer        ConsumerSettings `mapstructure:"consumer"`
	Lock            LockSettings     `mapstructure:"lock"`
	PollInterval    time.Duration    `mapstructure:"poll_interval" validate:"gt=0"`
	BatchSize       int              `mapstructure:"batch_size" validate:"gt=0"`
	MaxRetries      int              `mapstructure:"max_retries" validate:"gt=1"` // the first failure must not be final
	PublishTimeout  time.Duration    `mapstructure:"publish_timeout" validate:"gt=0"`
	DeadLetterTopic string           `mapstructure:"dead_letter_topic"`
	Log             LogSettings      `mapstructure:"log"`
	Observability   Observability    `mapstructure:"observability"` // Observability settings
}

func (c *Settings) Validate() error {
	validate := validator.New()
	return validate.Struct(c)
}

// SetDefaults registers the values used when neither a config file nor the environment sets a key.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("poll_interval", 5*time.Second)
	v.SetDefault("batch_size", 100)
	v.SetDefault("max_retries", 5)
	v.SetDefault("publish_timeout", 5*time.Second)
	v.SetDefault("dead_letter_topic", "record-sync.dlx")
	v.SetDefault("broker.type", "rabbitmq")
	v.SetDefault("broker.exchange", "locus.events")
	v.SetDefault("broker.pool_size", 4)
	v.SetDefault("database.type", "postgres")
	v.SetDefault("database.collection", "outbox")
	v.SetDefault("search.type", "elasticsearch")
	v.SetDefault("search.alias", "records")
	v.SetDefault("search.index", "records_v2")
	v.SetDefault("search.backfill_batch_size", 100)
	v.SetDefault("consumer.queue", "record-sync")
	v.SetDefault("consumer.concurrency", 4)
	v.SetDefault("consumer.max_deliveries", 0)
	v.SetDefault("lock.key", "locus:outbox-publisher")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.env", "prod")
	v.SetDefault("observability.service_name", "locus-sync")
}

// LoadFromFile reads locus-sync.yaml from filePath, merges the environment specific
// locus-sync.<ENVIRONMENT>.yaml on top, then applies LOCUS_* environment variables.
func LoadFromFile(filePath string) (*Settings, error) {
	env := getEnvWithDefaultLookup("ENVIRONMENT", "development")

	v := viper.GetViper()
	SetDefaults(v)
	v.SetConfigType("yaml")
	v.SetConfigName(configName)
	v.AddConfigPath(filePath)
	v.AddConfigPath(".")

	if err := v.ReadInConfig(); err != nil {
		log.Printf("No config file found or read error: %v (will rely on env)", err)
	}

	if err := mergeConfig(v, filePath, configName+"."+env); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("merge %s config: %w", env, err)
		}
	}

	cfg := &Settings{}
	if err := cfg.LoadFromEnv(); err != nil {
		return nil, fmt.Errorf("failed to load from env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func (c *Settings) LoadFromEnv() error {
	v := viper.GetViper()
	v.AutomaticEnv()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_")) // env vars like LOCUS_DATABASE_TYPE

	// Unmarshal only sees keys viper already knows about, so every key is bound explicitly.
	for _, key := range []string{
		"database.type",
		"database.dsn",
		"database.uri",
		"database.db_name",
		"database.collection",
		"broker.type",
		"broker.url",
		"broker.exchange",
		"broker.project_id",
		"broker.pool_size",
		"search.type",
		"search.addresses",
		"search.username",
		"search.password",
		"search.alias",
		"search.index",
		"search.backfill_batch_size",
		"consumer.queue",
		"consumer.subscription",
		"consumer.concurrency",
		"consumer.max_deliveries",
		"lock.enabled",
		"lock.redis_addr",
		"lock.key",
		"poll_interval",
		"batch_size",
		"max_retries",
		"publish_timeout",
		"dead_letter_topic",
		"log.level",
		"log.env",
		"observability.service_name",
		"observability.tracing_url",
	} {
		if err := v.BindEnv(key); err != nil {
			return err
		}
	}

	return v.Unmarshal(c)
}

func mergeConfig(v *viper.Viper, path string, name string) error {
	v.SetConfigName(name)
	v.AddConfigPath(path)
	return v.MergeInConfig()
}

func getEnvWithDefaultLookup(key, defaultValue string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return defaultValue
}

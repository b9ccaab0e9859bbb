package config

// SearchSettings configures the search engine and index lifecycle.
type SearchSettings struct {
	Type              string   `mapstructure:"type" validate:"required,oneof=elasticsearch memory"`
	Addresses         []string `mapstructure:"addresses" validate:"required_if=Type elasticsearch,dive,url"`
	Username          string   `mapstructure:"username"`
	Password          string   `mapstructure:"password"`
	Alias             string   `mapstructure:"alias" validate:"required"`
	Index             string   `mapstructure:"index" validate:"required"`
	BackfillBatchSize int      `mapstructure:"backfill_batch_size" validate:"gt=0"`
}

// ConsumerSettings configures the sync consumer side of the broker.
type ConsumerSettings struct {
	Queue         string `mapstructure:"queue" validate:"required"`
	Subscription  string `mapstructure:"subscription"`
	Concurrency   int    `mapstructure:"concurrency" validate:"gt=0"`
	MaxDeliveries int    `mapstructure:"max_deliveries" validate:"gte=0"`
}

// LockSettings enables the cross-instance publisher lock.
type LockSettings struct {
	Enabled   bool   `mapstructure:"enabled"`
	RedisAddr string `mapstructure:"redis_addr" validate:"required_if=Enabled true"`
	Key       string `mapstructure:"key"`
}

package config

// DbSettings selects the store that holds the outbox table and the records used for backfill.
type DbSettings struct {
	Type       string `mapstructure:"type" validate:"required,oneof=postgres mongo spanner"`
	DSN        string `mapstructure:"dsn" validate:"required_if=Type postgres"`
	URI        string `mapstructure:"uri" validate:"required_if=Type mongo,required_if=Type spanner"`
	DBName     string `mapstructure:"db_name" validate:"required_if=Type mongo"`
	Collection string `mapstructure:"collection"`
}

package config

type Observability struct {
	ServiceName string `mapstructure:"service_name" validate:"required"`
	TracingURL  string `mapstructure:"tracing_url" validate:"omitempty,hostname_port|url"`
}

type LogSettings struct {
	Level string `mapstructure:"level" validate:"omitempty,oneof=debug info warn error"`
	Env   string `mapstructure:"env" validate:"omitempty,oneof=dev prod"`
}

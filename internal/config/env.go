package config

import (
	"fmt"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

// Env holds process settings read from the environment. Command-line flags
// take precedence over these values.
type Env struct {
	LogLevel string `env:"SIRA_LOG_LEVEL" env-default:""`

	HTTPTimeout  time.Duration `env:"SIRA_HTTP_TIMEOUT" env-default:"30s"`
	HTTPRetries  int           `env:"SIRA_HTTP_RETRIES" env-default:"3"`
	HTTPInsecure bool          `env:"SIRA_HTTP_INSECURE" env-default:"false"`

	MetricsBackend string `env:"METRICS_BACKEND" env-default:"none"`
	PushgatewayURL string `env:"PUSHGATEWAY_URL" env-default:"http://localhost:9091"`
	DatadogAddr    string `env:"DD_AGENT_ADDR" env-default:"127.0.0.1:8125"`
}

// LoadEnv reads Env from the process environment, applying defaults.
func LoadEnv() (Env, error) {
	var e Env
	if err := cleanenv.ReadEnv(&e); err != nil {
		return Env{}, fmt.Errorf("read environment: %w", err)
	}
	return e, nil
}

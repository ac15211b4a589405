package mlambda

import (
	"github.com/caarlos0/env/v11"
)

// Config is the process-wide configuration for the runtime client,
// populated once from the environment at startup. In local mode the
// entrypoint then points RuntimeAPIEndpoint at the local server before
// constructing the loop; nothing changes it after that.
type Config struct {
	RuntimeAPIEndpoint string `env:"AWS_LAMBDA_RUNTIME_API" envDefault:"127.0.0.1:7000"`
	LogLevel           string `env:"LOG_LEVEL" envDefault:"info"`
	MaxInvocations     int    `env:"MAX_INVOCATIONS" envDefault:"0"`
	LocalModeEnabled   bool   `env:"LOCAL_LAMBDA_SERVER_ENABLED" envDefault:"false"`
	Host               string `env:"HOST" envDefault:"127.0.0.1"`
	Port               string `env:"PORT" envDefault:"7000"`
	Mode               string `env:"MODE" envDefault:""`
}

// LoadConfig reads Config from the process environment, applying the
// defaults documented on the struct tags.
func LoadConfig() (Config, error) {
	var c Config
	if err := env.Parse(&c); err != nil {
		return Config{}, newRuntimeError(KindInit, err)
	}
	return c, nil
}

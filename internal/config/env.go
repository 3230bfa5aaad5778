package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// ServeConfig holds process settings for pf serve.
type ServeConfig struct {
	Addr              string        `env:"PURCHASEFLOW_ADDR"                envDefault:"127.0.0.1:8080"`
	BasePath          string        `env:"PURCHASEFLOW_BASE_PATH"           envDefault:"/v0"`
	JWTSecret         string        `env:"PURCHASEFLOW_JWT_SECRET"`
	AllowActorHeader  bool          `env:"PURCHASEFLOW_ALLOW_ACTOR_HEADER"  envDefault:"false"`
	ReadHeaderTimeout time.Duration `env:"PURCHASEFLOW_READ_HEADER_TIMEOUT" envDefault:"10s"`
	ShutdownTimeout   time.Duration `env:"PURCHASEFLOW_SHUTDOWN_TIMEOUT"    envDefault:"5s"`
}

// ParseEnv loads configuration from environment variables.
func ParseEnv(target any) error {
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// LoadServeConfig parses ServeConfig and checks the settings serve cannot run without.
func LoadServeConfig() (ServeConfig, error) {
	var cfg ServeConfig
	if err := ParseEnv(&cfg); err != nil {
		return cfg, err
	}
	if cfg.JWTSecret == "" {
		return cfg, fmt.Errorf("PURCHASEFLOW_JWT_SECRET is required")
	}
	return cfg, nil
}

// Package config holds the immutable settings shared by both roles of a node.
package config

import (
	"fmt"
	"os"

	"github.com/Netflix/go-env"
	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// Config is built once at startup and passed by value afterwards.
type Config struct {
	// ServerAddr is the local address the acceptor binds.
	ServerAddr string `env:"CHAT_SERVER_ADDR,default=127.0.0.1:8080" validate:"required,hostname_port"`
	// PeerAddr is the remote address the connector dials.
	PeerAddr string `env:"CHAT_PEER_ADDR,default=127.0.0.1:8081" validate:"required,hostname_port"`
	// Token is the shared secret both nodes must agree on.
	Token    string `env:"CHAT_TOKEN,default=default_token" validate:"required"`
	Username string `env:"CHAT_USERNAME,default=Anonymous" validate:"required"`
	LogLevel string `env:"CHAT_LOG_LEVEL,default=INFO" validate:"required,oneof=DEBUG INFO WARN ERROR"`
}

// Load reads the configuration from the process environment.
func Load() (Config, error) {
	es, err := env.EnvironToEnvSet(os.Environ())
	if err != nil {
		return Config{}, fmt.Errorf("failed to read environment: %w", err)
	}
	return FromEnvSet(es)
}

// FromEnvSet reads the configuration from es, applying defaults for missing keys.
func FromEnvSet(es env.EnvSet) (Config, error) {
	var cfg Config
	if err := env.Unmarshal(es, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

// Validate reports the first invalid field.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// String implements fmt.Stringer without leaking the token.
func (c Config) String() string {
	return fmt.Sprintf("server=%s peer=%s username=%s token=%s",
		c.ServerAddr, c.PeerAddr, c.Username, redact(c.Token))
}

func redact(secret string) string {
	if secret == "" {
		return ""
	}
	return "***"
}

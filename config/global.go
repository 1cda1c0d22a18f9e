package config

import (
	"fmt"
	"os"
	"strings"
)

const (
	// EnvEnvironment overrides Observability.Environment.
	EnvEnvironment = "FORECHAIN_ENV"
	// DefaultSecretEnv names the variable holding the JWT HMAC secret when
	// Auth.HMACSecretEnv is unset.
	DefaultSecretEnv = "FORECHAIN_JWT_SECRET"
)

type lookupFunc func(string) (string, bool)

func (cfg *Config) applyEnv(lookup lookupFunc) {
	if lookup == nil {
		return
	}
	if env, ok := lookup(EnvEnvironment); ok && strings.TrimSpace(env) != "" {
		cfg.Observability.Environment = strings.TrimSpace(env)
	}
	if endpoint, ok := lookup("OTEL_EXPORTER_OTLP_ENDPOINT"); ok && strings.TrimSpace(endpoint) != "" {
		cfg.Observability.OTLPEndpoint = strings.TrimSpace(endpoint)
	}
	if insecure, ok := lookup("OTEL_EXPORTER_OTLP_INSECURE"); ok {
		cfg.Observability.OTLPInsecure = strings.EqualFold(strings.TrimSpace(insecure), "true")
	}
}

// HMACSecret resolves the JWT signing secret from the configured environment
// variable.
func (a Auth) HMACSecret() (string, error) {
	name := strings.TrimSpace(a.HMACSecretEnv)
	if name == "" {
		name = DefaultSecretEnv
	}
	secret := strings.TrimSpace(os.Getenv(name))
	if secret == "" {
		return "", fmt.Errorf("auth: environment variable %s is empty", name)
	}
	return secret, nil
}

// IsProduction reports whether the deployment environment is production-like.
func (o Observability) IsProduction() bool {
	switch strings.ToLower(strings.TrimSpace(o.Environment)) {
	case "prod", "production", "mainnet":
		return true
	default:
		return false
	}
}

package config

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// MaxFeeBps is the upper bound of the platform fee rate in basis points.
const MaxFeeBps = 10_000

// Validate checks the configuration for values the daemon cannot run with.
func (cfg *Config) Validate() error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	if admin := strings.TrimSpace(cfg.Administrator); admin != "" {
		if !common.IsHexAddress(admin) {
			return fmt.Errorf("administrator: %q is not a hex address", admin)
		}
		if common.HexToAddress(admin) == (common.Address{}) {
			return fmt.Errorf("administrator: zero address")
		}
	}
	if cfg.InitialFeeBps > MaxFeeBps {
		return fmt.Errorf("initialFeeBps: %d exceeds %d", cfg.InitialFeeBps, MaxFeeBps)
	}
	switch cfg.Storage {
	case StorageLevelDB, StorageMemory:
	default:
		return fmt.Errorf("storage: unknown backend %q", cfg.Storage)
	}
	if cfg.RateLimit.Burst < 0 || cfg.RateLimit.RequestsPerMinute < 0 {
		return fmt.Errorf("rateLimit: values must not be negative")
	}
	if cfg.Logging.File != "" && cfg.Logging.MaxSizeMB <= 0 {
		return fmt.Errorf("logging: maxSizeMB must be positive when a file is set")
	}
	if cfg.Auth.Enabled && cfg.Observability.IsProduction() && strings.TrimSpace(cfg.Auth.Issuer) == "" {
		return fmt.Errorf("auth: issuer required in production")
	}
	return nil
}

// AdministratorAddress returns the configured administrator, or the zero
// address when none is set.
func (cfg *Config) AdministratorAddress() common.Address {
	if cfg == nil || strings.TrimSpace(cfg.Administrator) == "" {
		return common.Address{}
	}
	return common.HexToAddress(strings.TrimSpace(cfg.Administrator))
}

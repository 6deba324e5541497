// Package policy loads the static security configuration: the command
// whitelist, sandbox budgets, keyring and ledger locations, pipeline
// tuning, and the module catalogs a run applies. The result is plain
// data; constructing components from it is the caller's business, and
// nothing here watches or reloads files after Load returns.
package policy

import (
	"strings"

	"github.com/zeromicro/go-zero/core/conf"

	"syscraft/internal/guard"
	"syscraft/internal/hooks"
	"syscraft/internal/pipeline"
	appErr "syscraft/pkg/errors"
	"syscraft/pkg/utils/logger"
)

// Ledger storage backends.
const (
	LedgerBackendFile  = "file"
	LedgerBackendRedis = "redis"
)

// KeyringConfig locates the trust material: the authorized-keys style
// keyring and, for ledgers that append, the signing key.
type KeyringConfig struct {
	Path           string `json:"path"`
	SigningKeyPath string `json:"signingKeyPath,optional"`
	KeyID          string `json:"keyID,optional"`
}

// RedisConfig holds the redis ledger store settings.
type RedisConfig struct {
	Addr     string `json:"addr,optional"`
	Password string `json:"password,optional"`
	DB       int    `json:"db,optional"`
	Key      string `json:"key,optional"`
}

// LedgerConfig selects and locates the audit ledger store.
type LedgerConfig struct {
	Backend string      `json:"backend,optional"`
	Path    string      `json:"path,optional"`
	Redis   RedisConfig `json:"redis,optional"`
}

// PipelineConfig tunes the module engine.
type PipelineConfig struct {
	Workers       int    `json:"workers,optional"`
	PackageHelper string `json:"packageHelper,optional"`
	ModulesPath   string `json:"modulesPath,optional"`
}

// Config is the full static policy. The whitelist key must be present even
// when empty: an empty table rejects every command, and an operator states
// that intent explicitly rather than by omission. Hooks.EnvPassthrough is
// not defaulted: absent means hook scripts see no environment at all.
type Config struct {
	Logger    logger.Config          `json:"logger,optional"`
	Whitelist []guard.WhitelistEntry `json:"whitelist"`
	Gateway   guard.GatewayConfig    `json:"gateway,optional"`
	Hooks     hooks.Policy           `json:"hooks,optional"`
	Keyring   KeyringConfig          `json:"keyring"`
	Ledger    LedgerConfig           `json:"ledger,optional"`
	Pipeline  PipelineConfig         `json:"pipeline,optional"`
}

// Load reads and validates the policy file.
func Load(path string) (Config, error) {
	var c Config
	if err := conf.Load(path, &c); err != nil {
		return Config{}, appErr.Wrapf(err, appErr.ConfigLoadFailed, "load policy file failed").
			WithDetail("path", path)
	}
	applyDefaults(&c)
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

func applyDefaults(c *Config) {
	if c.Ledger.Backend == "" {
		c.Ledger.Backend = LedgerBackendFile
	}
	if c.Pipeline.Workers <= 0 {
		c.Pipeline.Workers = 1
	}
	if c.Pipeline.PackageHelper == "" {
		c.Pipeline.PackageHelper = pipeline.HelperPacman
	}
	defaults := hooks.DefaultPolicy()
	if c.Hooks.MemoryLimitBytes <= 0 {
		c.Hooks.MemoryLimitBytes = defaults.MemoryLimitBytes
	}
	if c.Hooks.Timeout <= 0 {
		c.Hooks.Timeout = defaults.Timeout
	}
}

// Validate rejects configurations that cannot express a working core. It
// also covers Config values assembled in code rather than loaded from a
// file.
func (c Config) Validate() error {
	switch c.Ledger.Backend {
	case LedgerBackendFile:
		if c.Ledger.Path == "" {
			return appErr.New(appErr.ConfigInvalid).WithMessage("ledger.path is required for the file backend")
		}
	case LedgerBackendRedis:
		if c.Ledger.Redis.Addr == "" {
			return appErr.New(appErr.ConfigInvalid).WithMessage("ledger.redis.addr is required for the redis backend")
		}
	default:
		return appErr.Newf(appErr.ConfigInvalid, "unknown ledger backend %q", c.Ledger.Backend)
	}

	if c.Keyring.Path == "" {
		return appErr.New(appErr.ConfigInvalid).WithMessage("keyring.path is required")
	}

	switch c.Pipeline.PackageHelper {
	case pipeline.HelperPacman, pipeline.HelperParu, pipeline.HelperYay:
	default:
		return appErr.Newf(appErr.ConfigInvalid, "unknown package helper %q", c.Pipeline.PackageHelper)
	}

	for i, entry := range c.Whitelist {
		if strings.TrimSpace(entry.Name) == "" {
			return appErr.Newf(appErr.ConfigInvalid, "whitelist entry %d has no name", i)
		}
	}
	return nil
}

package config

import (
	"fmt"
	"strings"

	"github.com/caarlos0/env/v11"
)

// envOverrides are deploy-time values that should not live in the config file.
type envOverrides struct {
	TelegramToken string `env:"RELAYBOT_TELEGRAM_TOKEN"`
	CatalogURL    string `env:"RELAYBOT_CATALOG_URL"`
	StoragePath   string `env:"RELAYBOT_STORAGE_PATH"`
	LogLevel      string `env:"RELAYBOT_LOG_LEVEL"`
}

// applyEnv overlays non-empty environment values onto cfg.
func applyEnv(cfg *Config) error {
	var o envOverrides
	if err := env.Parse(&o); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	if v := strings.TrimSpace(o.TelegramToken); v != "" {
		cfg.Telegram.Token = v
	}
	if v := strings.TrimSpace(o.CatalogURL); v != "" {
		cfg.Catalog.URL = v
	}
	if v := strings.TrimSpace(o.StoragePath); v != "" {
		if cfg.Storage == nil {
			cfg.Storage = &StorageConfig{Driver: "sqlite"}
		}
		cfg.Storage.Path = v
	}
	if v := strings.TrimSpace(o.LogLevel); v != "" {
		cfg.Logging.Level = v
	}
	return nil
}

package config

import (
	"context"
	"fmt"
	"strings"
)

// Validate rejects configs that parse but cannot run: unknown drivers,
// malformed duration fields, channel sections missing their credentials.
// The manager runs it on the initial load and before committing a reload,
// so a bad edit never reaches the running services.
func Validate(_ context.Context, cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)) {
	case "", "memory":
	case "sqlite", "sqlite3":
		if strings.TrimSpace(cfg.Storage.Path) == "" {
			return fmt.Errorf("storage.path is required for the sqlite driver")
		}
	default:
		return fmt.Errorf("unknown storage driver %q", cfg.Storage.Driver)
	}

	durations := map[string]string{
		"storage.busy_timeout": cfg.Storage.BusyTimeout,
		"scanner.interval":     cfg.Scanner.Interval,
		"scanner.horizon":      cfg.Scanner.Horizon,
	}
	if cfg.Engine != nil {
		durations["engine.default_timeout"] = cfg.Engine.DefaultTimeout
	}
	if cfg.Ops != nil {
		durations["ops.read_timeout"] = cfg.Ops.ReadTimeout
		durations["ops.write_timeout"] = cfg.Ops.WriteTimeout
		durations["ops.idle_timeout"] = cfg.Ops.IdleTimeout
	}
	for path, raw := range durations {
		if _, err := ParseDurationField(path, raw); err != nil {
			return err
		}
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Generator.Driver)) {
	case "", "openai":
		if strings.TrimSpace(cfg.Generator.APIKey) == "" {
			return fmt.Errorf("generator.api_key is required for the openai driver")
		}
	case "static":
	default:
		return fmt.Errorf("unknown generator driver %q", cfg.Generator.Driver)
	}

	if cfg.Telegram != nil && strings.TrimSpace(cfg.Telegram.Token) == "" {
		return fmt.Errorf("telegram.token is required when the telegram section is present")
	}
	return nil
}

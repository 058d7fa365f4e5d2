package config

import (
	"reflect"
	"sort"
	"strings"

	logx "jotchain/pkg/logx"
)

// SummarizeConfigChange returns (1) a compact list of changed sections and
// (2) safe structured attrs for logging. Secrets (API keys, SMTP passwords,
// bot tokens) are never included, only whether they are set.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 20)

	// Logging
	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logx.level", newCfg.Logging.Level),
			logx.Bool("logx.console", newCfg.Logging.Console),
			logx.Bool("logx.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	// Storage
	if strings.TrimSpace(oldCfg.Storage.Driver) != strings.TrimSpace(newCfg.Storage.Driver) ||
		strings.TrimSpace(oldCfg.Storage.Path) != strings.TrimSpace(newCfg.Storage.Path) ||
		strings.TrimSpace(oldCfg.Storage.BusyTimeout) != strings.TrimSpace(newCfg.Storage.BusyTimeout) {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(newCfg.Storage.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(newCfg.Storage.Path) != ""),
		)
	}

	// Scanner
	if !reflect.DeepEqual(oldCfg.Scanner, newCfg.Scanner) {
		changed = append(changed, "scanner")
		attrs = append(attrs,
			logx.Bool("scanner.enabled", newCfg.Scanner.Enabled),
			logx.String("scanner.interval", strings.TrimSpace(newCfg.Scanner.Interval)),
			logx.String("scanner.horizon", strings.TrimSpace(newCfg.Scanner.Horizon)),
			logx.Int("scanner.max_per_schedule", newCfg.Scanner.MaxPerSchedule),
		)
	}

	// Engine (section may be omitted)
	oE := derefEngine(oldCfg.Engine)
	nE := derefEngine(newCfg.Engine)
	if (oldCfg.Engine != nil) != (newCfg.Engine != nil) || !reflect.DeepEqual(oE, nE) {
		changed = append(changed, "engine")
		attrs = append(attrs,
			logx.Int("engine.workers", nE.Workers),
			logx.Int("engine.queue_size", nE.QueueSize),
			logx.String("engine.default_timeout", strings.TrimSpace(nE.DefaultTimeout)),
			logx.Int("engine.retry_max", nE.RetryMax),
		)
	}

	// Generator (never log the API key)
	if oldCfg.Generator.Driver != newCfg.Generator.Driver ||
		strings.TrimSpace(oldCfg.Generator.BaseURL) != strings.TrimSpace(newCfg.Generator.BaseURL) ||
		strings.TrimSpace(oldCfg.Generator.Model) != strings.TrimSpace(newCfg.Generator.Model) ||
		(strings.TrimSpace(oldCfg.Generator.APIKey) != "") != (strings.TrimSpace(newCfg.Generator.APIKey) != "") {
		changed = append(changed, "generator")
		attrs = append(attrs,
			logx.String("generator.driver", newCfg.Generator.Driver),
			logx.String("generator.model", strings.TrimSpace(newCfg.Generator.Model)),
			logx.Bool("generator.api_key_set", strings.TrimSpace(newCfg.Generator.APIKey) != ""),
		)
	}

	// Email channel (never log credentials)
	if emailChanged(oldCfg.Email, newCfg.Email) {
		changed = append(changed, "email")
		attrs = append(attrs,
			logx.Bool("email.present", newCfg.Email != nil),
		)
		if newCfg.Email != nil {
			attrs = append(attrs,
				logx.String("email.host", strings.TrimSpace(newCfg.Email.Host)),
				logx.Int("email.port", newCfg.Email.Port),
			)
		}
	}

	// Telegram channel (never log the token)
	if telegramChanged(oldCfg.Telegram, newCfg.Telegram) {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.Bool("telegram.present", newCfg.Telegram != nil),
		)
		if newCfg.Telegram != nil {
			attrs = append(attrs,
				logx.Bool("telegram.token_set", strings.TrimSpace(newCfg.Telegram.Token) != ""),
			)
		}
	}

	// Ops server (never log the token)
	if opsChanged(oldCfg.Ops, newCfg.Ops) {
		changed = append(changed, "ops")
		attrs = append(attrs, logx.Bool("ops.present", newCfg.Ops != nil))
		if newCfg.Ops != nil {
			attrs = append(attrs,
				logx.Bool("ops.enabled", newCfg.Ops.Enabled),
				logx.String("ops.addr", strings.TrimSpace(newCfg.Ops.Addr)),
				logx.Bool("ops.token_set", strings.TrimSpace(newCfg.Ops.Token) != ""),
			)
		}
	}

	// Recipients (count only; addresses are personal data)
	if !reflect.DeepEqual(oldCfg.Recipients, newCfg.Recipients) {
		changed = append(changed, "recipients")
		attrs = append(attrs,
			logx.Int("recipients.count", len(newCfg.Recipients)),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}

func derefEngine(e *EngineConfig) EngineConfig {
	if e == nil {
		return EngineConfig{}
	}
	return *e
}

func emailChanged(o, n *EmailConfig) bool {
	if (o == nil) != (n == nil) {
		return true
	}
	if o == nil {
		return false
	}
	return !reflect.DeepEqual(*o, *n)
}

func opsChanged(o, n *OpsConfig) bool {
	if (o == nil) != (n == nil) {
		return true
	}
	if o == nil {
		return false
	}
	return !reflect.DeepEqual(*o, *n)
}

func telegramChanged(o, n *TelegramConfig) bool {
	if (o == nil) != (n == nil) {
		return true
	}
	if o == nil {
		return false
	}
	return !reflect.DeepEqual(*o, *n)
}

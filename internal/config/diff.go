package config

import (
	"reflect"
	"strings"

	logx "clientpulse/pkg/logx"
)

// Sections that only take effect after a restart.
var restartSections = map[string]bool{
	"storage":     true,
	"gateway":     true,
	"task_engine": true,
	"alert":       true,
}

// SummarizeConfigChange returns the changed top-level sections and safe
// structured fields for logging. Secrets (tokens, API keys, DSNs) are only
// reported as set/unset.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	changed := make([]string, 0, 4)
	attrs := make([]logx.Field, 0, 16)

	if !reflect.DeepEqual(oldCfg.HTTP, newCfg.HTTP) {
		changed = append(changed, "http")
		attrs = append(attrs,
			logx.String("http.addr", strings.TrimSpace(newCfg.HTTP.Addr)),
			logx.Bool("http.pprof", newCfg.HTTP.Pprof.Enabled),
		)
	}
	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}
	if !reflect.DeepEqual(oldCfg.Alert, newCfg.Alert) {
		changed = append(changed, "alert")
		attrs = append(attrs,
			logx.Bool("alert.telegram_enabled", newCfg.Alert.Telegram.Enabled),
			logx.Bool("alert.telegram_token_set", newCfg.Alert.Telegram.Token != ""),
			logx.String("alert.min_level", newCfg.Alert.Telegram.MinLevel),
		)
	}
	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", newCfg.Storage.Driver),
			logx.Bool("storage.dsn_set", newCfg.Storage.DSN != ""),
		)
	}
	if !reflect.DeepEqual(oldCfg.Gateway, newCfg.Gateway) {
		changed = append(changed, "gateway")
		attrs = append(attrs,
			logx.String("gateway.driver", newCfg.Gateway.Driver),
			logx.Bool("gateway.sendgrid_key_set", newCfg.Gateway.SendGrid.APIKey != ""),
			logx.Bool("gateway.twilio_token_set", newCfg.Gateway.Twilio.AuthToken != ""),
		)
	}
	if oldCfg.Scheduler != newCfg.Scheduler {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.String("scheduler.horizon", newCfg.Scheduler.Horizon),
			logx.String("scheduler.fire_timeout", newCfg.Scheduler.FireTimeout),
		)
	}
	if !reflect.DeepEqual(oldCfg.Poller, newCfg.Poller) {
		changed = append(changed, "poller")
		attrs = append(attrs,
			logx.String("poller.interval", newCfg.Poller.Interval),
			logx.Bool("poller.catch_up", CatchUp(newCfg.Poller)),
		)
	}
	if oldCfg.Delivery != newCfg.Delivery {
		changed = append(changed, "delivery")
		attrs = append(attrs, logx.String("delivery.send_timeout", newCfg.Delivery.SendTimeout))
	}
	if oldCfg.TaskEngine != newCfg.TaskEngine {
		changed = append(changed, "task_engine")
		attrs = append(attrs,
			logx.Int("task_engine.workers", newCfg.TaskEngine.Workers),
			logx.Int("task_engine.queue_size", newCfg.TaskEngine.QueueSize),
		)
	}
	if oldCfg.Service != newCfg.Service {
		changed = append(changed, "service")
		attrs = append(attrs, logx.String("service.max_future", newCfg.Service.MaxFuture))
	}
	return changed, attrs
}

// RestartRequired filters sections to those a hot reload cannot apply.
func RestartRequired(sections []string) []string {
	var out []string
	for _, s := range sections {
		if restartSections[s] {
			out = append(out, s)
		}
	}
	return out
}

// CatchUp resolves the poller catch_up flag, which defaults to true.
func CatchUp(p PollerConfig) bool {
	return p.CatchUp == nil || *p.CatchUp
}

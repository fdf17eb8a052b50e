package app

import (
	"fmt"
	"strings"
	"time"

	"clientpulse/internal/alert/telegram"
	"clientpulse/internal/config"
	"clientpulse/internal/delivery"
	"clientpulse/internal/gateway"
	"clientpulse/internal/httpapi"
	"clientpulse/internal/poller"
	"clientpulse/internal/service"
	"clientpulse/internal/storage"
	"clientpulse/internal/task/engine"
	"clientpulse/internal/task/scheduler"
	logx "clientpulse/pkg/logx"
)

// settings is a config file mapped onto component configs. Building it
// parses every duration, so a config that maps cleanly is safe to apply.
type settings struct {
	HTTP      httpapi.Config
	Logging   logx.Config
	Telegram  telegram.Config
	Storage   storage.Config
	Gateway   gateway.Config
	Engine    engine.Config
	Scheduler scheduler.Config
	Poller    poller.Config
	Delivery  delivery.Config
	Service   service.Config
}

func mapConfig(cfg *config.Config) (settings, error) {
	if cfg == nil {
		cfg = &config.Config{}
	}
	var (
		s   settings
		err error
	)
	if s.HTTP, err = mapHTTPConfig(cfg.HTTP); err != nil {
		return settings{}, err
	}
	s.Logging, s.Telegram, err = mapLoggingConfig(cfg)
	if err != nil {
		return settings{}, err
	}
	if s.Storage, err = mapStorageConfig(cfg.Storage); err != nil {
		return settings{}, err
	}
	if s.Gateway, err = mapGatewayConfig(cfg.Gateway); err != nil {
		return settings{}, err
	}
	if s.Engine, err = mapTaskEngineConfig(cfg.TaskEngine); err != nil {
		return settings{}, err
	}

	horizon, err := config.ParseDurationOrDefault("scheduler.horizon", cfg.Scheduler.Horizon, scheduler.DefaultHorizon)
	if err != nil {
		return settings{}, err
	}
	fireTimeout, err := config.ParseDurationField("scheduler.fire_timeout", cfg.Scheduler.FireTimeout)
	if err != nil {
		return settings{}, err
	}
	s.Scheduler = scheduler.Config{Horizon: horizon, FireTimeout: fireTimeout}

	if s.Poller, err = mapPollerConfig(cfg.Poller, horizon); err != nil {
		return settings{}, err
	}

	sendTimeout, err := config.ParseDurationField("delivery.send_timeout", cfg.Delivery.SendTimeout)
	if err != nil {
		return settings{}, err
	}
	auditTimeout, err := config.ParseDurationField("delivery.audit_timeout", cfg.Delivery.AuditTimeout)
	if err != nil {
		return settings{}, err
	}
	s.Delivery = delivery.Config{SendTimeout: sendTimeout, AuditTimeout: auditTimeout}

	maxFuture, err := config.ParseDurationField("service.max_future", cfg.Service.MaxFuture)
	if err != nil {
		return settings{}, err
	}
	s.Service = service.Config{MaxFuture: maxFuture}
	return s, nil
}

func mapHTTPConfig(hc config.HTTPConfig) (httpapi.Config, error) {
	read, err := config.ParseDurationOrDefault("http.read_timeout", hc.ReadTimeout, 10*time.Second)
	if err != nil {
		return httpapi.Config{}, err
	}
	write, err := config.ParseDurationField("http.write_timeout", hc.WriteTimeout)
	if err != nil {
		return httpapi.Config{}, err
	}
	idle, err := config.ParseDurationOrDefault("http.idle_timeout", hc.IdleTimeout, 60*time.Second)
	if err != nil {
		return httpapi.Config{}, err
	}
	return httpapi.Config{
		Addr:         strings.TrimSpace(hc.Addr),
		ReadTimeout:  read,
		WriteTimeout: write,
		IdleTimeout:  idle,
		Pprof: httpapi.PprofConfig{
			Enabled:       hc.Pprof.Enabled,
			Prefix:        hc.Pprof.Prefix,
			AllowInsecure: hc.Pprof.AllowInsecure,
		},
	}, nil
}

func mapLoggingConfig(cfg *config.Config) (logx.Config, telegram.Config, error) {
	tg := cfg.Alert.Telegram
	timeout, err := config.ParseDurationField("alert.telegram.timeout", tg.Timeout)
	if err != nil {
		return logx.Config{}, telegram.Config{}, err
	}
	lc := logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Alert: logx.AlertConfig{
			Enabled:    tg.Enabled,
			MinLevel:   tg.MinLevel,
			RatePerSec: tg.RatePerSec,
		},
	}
	return lc, telegram.Config{Token: tg.Token, ChatID: tg.ChatID, ThreadID: tg.ThreadID, Timeout: timeout}, nil
}

func mapStorageConfig(sc config.StorageConfig) (storage.Config, error) {
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	switch driver {
	case "", "memory":
		return storage.Config{Driver: "memory"}, nil
	case "file":
		return storage.Config{Driver: driver, Path: strings.TrimSpace(sc.Path)}, nil
	case "sqlite", "sqlite3":
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, err
		}
		return storage.Config{Driver: "sqlite", Path: strings.TrimSpace(sc.Path), BusyTimeout: busy}, nil
	case "postgres":
		return storage.Config{Driver: driver, DSN: strings.TrimSpace(sc.DSN), MaxConns: sc.MaxConns}, nil
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

func mapGatewayConfig(gc config.GatewayConfig) (gateway.Config, error) {
	timeout, err := config.ParseDurationField("gateway.sendgrid.timeout", gc.SendGrid.Timeout)
	if err != nil {
		return gateway.Config{}, err
	}
	minWait, err := config.ParseDurationField("gateway.sendgrid.min_wait", gc.SendGrid.MinWait)
	if err != nil {
		return gateway.Config{}, err
	}
	maxWait, err := config.ParseDurationField("gateway.sendgrid.max_wait", gc.SendGrid.MaxWait)
	if err != nil {
		return gateway.Config{}, err
	}
	twFrom := gc.Twilio.From
	if strings.TrimSpace(twFrom) == "" {
		twFrom = gc.From
	}
	return gateway.Config{
		Driver:     strings.ToLower(strings.TrimSpace(gc.Driver)),
		From:       gc.From,
		FromName:   gc.FromName,
		RatePerSec: gc.RatePerSec,
		Burst:      gc.Burst,
		SendGrid: gateway.SendGridConfig{
			APIKey:     gc.SendGrid.APIKey,
			BaseURL:    gc.SendGrid.BaseURL,
			Timeout:    timeout,
			MaxRetries: gc.SendGrid.MaxRetries,
			MinWait:    minWait,
			MaxWait:    maxWait,
		},
		Twilio: gateway.TwilioConfig{
			AccountSID: gc.Twilio.AccountSID,
			AuthToken:  gc.Twilio.AuthToken,
			From:       twFrom,
		},
	}, nil
}

func mapTaskEngineConfig(tc config.TaskEngineConfig) (engine.Config, error) {
	defTimeout, err := config.ParseDurationField("task_engine.default_timeout", tc.DefaultTimeout)
	if err != nil {
		return engine.Config{}, err
	}
	maxQueueDelay, err := config.ParseDurationField("task_engine.max_queue_delay", tc.MaxQueueDelay)
	if err != nil {
		return engine.Config{}, err
	}
	retryBase, err := config.ParseDurationOrDefault("task_engine.retry_base", tc.RetryBase, time.Second)
	if err != nil {
		return engine.Config{}, err
	}
	retryMax := tc.RetryMax
	if retryMax == 0 {
		retryMax = 3
	}
	return engine.Config{
		Workers:        tc.Workers,
		QueueSize:      tc.QueueSize,
		DefaultTimeout: defTimeout,
		MaxQueueDelay:  maxQueueDelay,
		HistorySize:    tc.HistorySize,
		RetryMax:       retryMax,
		RetryBase:      retryBase,
	}, nil
}

func mapPollerConfig(pc config.PollerConfig, schedHorizon time.Duration) (poller.Config, error) {
	interval, err := config.ParseDurationField("poller.interval", pc.Interval)
	if err != nil {
		return poller.Config{}, err
	}
	window, err := config.ParseDurationField("poller.due_window", pc.DueWindow)
	if err != nil {
		return poller.Config{}, err
	}
	horizon, err := config.ParseDurationOrDefault("poller.horizon", pc.Horizon, schedHorizon)
	if err != nil {
		return poller.Config{}, err
	}
	return poller.Config{
		Interval:  interval,
		DueWindow: window,
		Horizon:   horizon,
		CatchUp:   config.CatchUp(pc),
	}, nil
}

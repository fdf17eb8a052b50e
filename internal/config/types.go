package config

// Config is the on-disk configuration (JSON or YAML).
//
// All durations are Go duration strings (e.g. "500ms", "20s", "24h"). Omitted
// or zero values fall back to the component defaults.
type Config struct {
	HTTP       HTTPConfig       `json:"http"`
	Logging    LoggingConfig    `json:"logging"`
	Alert      AlertConfig      `json:"alert"`
	Storage    StorageConfig    `json:"storage"`
	Gateway    GatewayConfig    `json:"gateway"`
	Scheduler  SchedulerConfig  `json:"scheduler"`
	Poller     PollerConfig     `json:"poller"`
	Delivery   DeliveryConfig   `json:"delivery"`
	TaskEngine TaskEngineConfig `json:"task_engine"`
	Service    ServiceConfig    `json:"service"`
}

// HTTPConfig controls the API listener.
//
// WriteTimeout defaults to 0 (disabled) so pprof /profile works when mounted.
type HTTPConfig struct {
	Addr         string      `json:"addr,omitempty"` // default: "127.0.0.1:8080"
	ReadTimeout  string      `json:"read_timeout,omitempty"`
	WriteTimeout string      `json:"write_timeout,omitempty"`
	IdleTimeout  string      `json:"idle_timeout,omitempty"`
	Pprof        PprofConfig `json:"pprof,omitempty"`
}

// PprofConfig mounts net/http/pprof on the API listener.
//
// Security note: only served on a loopback addr unless allow_insecure is set.
type PprofConfig struct {
	Enabled       bool   `json:"enabled"`
	Prefix        string `json:"prefix,omitempty"` // default: "/debug/pprof/"
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level" validate:"omitempty,oneofci=trace debug info warn error"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path" validate:"required_if=Enabled true"`
}

// AlertConfig forwards high-severity log records to an operator channel.
type AlertConfig struct {
	Telegram TelegramAlert `json:"telegram"`
}

type TelegramAlert struct {
	Enabled    bool   `json:"enabled"`
	Token      string `json:"token,omitempty" validate:"required_if=Enabled true"` // do not log
	ChatID     int64  `json:"chat_id,omitempty" validate:"required_if=Enabled true"`
	ThreadID   int    `json:"thread_id,omitempty"`
	MinLevel   string `json:"min_level,omitempty" validate:"omitempty,oneofci=warn error"`
	RatePerSec int    `json:"rate_per_sec,omitempty" validate:"gte=0"`
	Timeout    string `json:"timeout,omitempty"`
}

// StorageConfig selects the persistence backend.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./clientpulse.db" }
type StorageConfig struct {
	Driver      string `json:"driver" validate:"omitempty,oneofci=memory file sqlite sqlite3 postgres"`
	Path        string `json:"path,omitempty"`
	DSN         string `json:"dsn,omitempty"` // do not log
	BusyTimeout string `json:"busy_timeout,omitempty"`
	MaxConns    int32  `json:"max_conns,omitempty" validate:"gte=0"`
}

// GatewayConfig selects how reminders reach clients.
type GatewayConfig struct {
	Driver     string         `json:"driver" validate:"omitempty,oneofci=log sendgrid twilio"`
	From       string         `json:"from,omitempty"`
	FromName   string         `json:"from_name,omitempty"`
	RatePerSec float64        `json:"rate_per_sec,omitempty" validate:"gte=0"`
	Burst      int            `json:"burst,omitempty" validate:"gte=0"`
	SendGrid   SendGridConfig `json:"sendgrid"`
	Twilio     TwilioConfig   `json:"twilio"`
}

type SendGridConfig struct {
	APIKey     string `json:"api_key,omitempty"` // do not log
	BaseURL    string `json:"base_url,omitempty" validate:"omitempty,url"`
	Timeout    string `json:"timeout,omitempty"`
	MaxRetries int    `json:"max_retries,omitempty" validate:"gte=0"`
	MinWait    string `json:"min_wait,omitempty"`
	MaxWait    string `json:"max_wait,omitempty"`
}

type TwilioConfig struct {
	AccountSID string `json:"account_sid,omitempty"`
	AuthToken  string `json:"auth_token,omitempty"` // do not log
	From       string `json:"from,omitempty"`
}

// SchedulerConfig controls in-process wake-up timers.
type SchedulerConfig struct {
	// Horizon is the look-ahead window for arming timers (default 24h).
	Horizon     string `json:"horizon,omitempty"`
	FireTimeout string `json:"fire_timeout,omitempty"`
}

// PollerConfig controls the periodic store reconciliation.
//
// Reminders due within DueWindow are fired and those within Horizon are
// armed. CatchUp additionally fires reminders overdue by more than
// DueWindow (missed during downtime); set it to false to leave them alone.
// CatchUp is a pointer so an omitted key keeps the default (true).
type PollerConfig struct {
	Interval  string `json:"interval,omitempty"` // clamped to [5s, 5m], default 20s
	DueWindow string `json:"due_window,omitempty"`
	Horizon   string `json:"horizon,omitempty"` // defaults to scheduler.horizon
	CatchUp   *bool  `json:"catch_up,omitempty"`
}

type DeliveryConfig struct {
	SendTimeout  string `json:"send_timeout,omitempty"`
	AuditTimeout string `json:"audit_timeout,omitempty"`
}

// TaskEngineConfig controls the worker pool that runs fire tasks.
//
// Defaults (when fields are omitted/zero):
//   - workers: 4
//   - queue_size: 256
//   - default_timeout: "0s" (disabled)
//   - max_queue_delay: "0s" (disabled)
//   - history_size: 200
//   - retry_max: 3
//   - retry_base: "1s"
type TaskEngineConfig struct {
	Workers        int    `json:"workers,omitempty" validate:"gte=0"`
	QueueSize      int    `json:"queue_size,omitempty" validate:"gte=0"`
	DefaultTimeout string `json:"default_timeout,omitempty"`
	MaxQueueDelay  string `json:"max_queue_delay,omitempty"`
	HistorySize    int    `json:"history_size,omitempty" validate:"gte=0"`
	RetryMax       int    `json:"retry_max,omitempty" validate:"gte=0"`
	RetryBase      string `json:"retry_base,omitempty"`
}

type ServiceConfig struct {
	// MaxFuture rejects reminders further ahead than this. Empty means unlimited.
	MaxFuture string `json:"max_future,omitempty"`
}

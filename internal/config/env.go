package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// EnvPrefix namespaces environment overrides (CLIENTPULSE_HTTP_ADDR, ...).
const EnvPrefix = "CLIENTPULSE"

// envOverrides are applied on top of the file after every parse, so secrets
// can stay out of the config file.
type envOverrides struct {
	HTTPAddr         string `envconfig:"HTTP_ADDR"`
	LogLevel         string `envconfig:"LOG_LEVEL"`
	StorageDriver    string `envconfig:"STORAGE_DRIVER"`
	StoragePath      string `envconfig:"STORAGE_PATH"`
	StorageDSN       string `envconfig:"STORAGE_DSN"`
	GatewayDriver    string `envconfig:"GATEWAY_DRIVER"`
	GatewayFrom      string `envconfig:"GATEWAY_FROM"`
	SendGridAPIKey   string `envconfig:"SENDGRID_API_KEY"`
	TwilioAccountSID string `envconfig:"TWILIO_ACCOUNT_SID"`
	TwilioAuthToken  string `envconfig:"TWILIO_AUTH_TOKEN"`
	TwilioFrom       string `envconfig:"TWILIO_FROM"`
	TelegramToken    string `envconfig:"ALERT_TELEGRAM_TOKEN"`
	TelegramChatID   int64  `envconfig:"ALERT_TELEGRAM_CHAT_ID"`
}

// LoadDotenv loads KEY=VALUE pairs from path into the process environment.
// A missing file is not an error and existing variables are never replaced.
func LoadDotenv(path string) error {
	if strings.TrimSpace(path) == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

func applyEnv(cfg *Config) error {
	var env envOverrides
	if err := envconfig.Process(EnvPrefix, &env); err != nil {
		return fmt.Errorf("env overrides: %w", err)
	}
	set := func(dst *string, v string) {
		if v = strings.TrimSpace(v); v != "" {
			*dst = v
		}
	}
	set(&cfg.HTTP.Addr, env.HTTPAddr)
	set(&cfg.Logging.Level, env.LogLevel)
	set(&cfg.Storage.Driver, env.StorageDriver)
	set(&cfg.Storage.Path, env.StoragePath)
	set(&cfg.Storage.DSN, env.StorageDSN)
	set(&cfg.Gateway.Driver, env.GatewayDriver)
	set(&cfg.Gateway.From, env.GatewayFrom)
	set(&cfg.Gateway.SendGrid.APIKey, env.SendGridAPIKey)
	set(&cfg.Gateway.Twilio.AccountSID, env.TwilioAccountSID)
	set(&cfg.Gateway.Twilio.AuthToken, env.TwilioAuthToken)
	set(&cfg.Gateway.Twilio.From, env.TwilioFrom)
	set(&cfg.Alert.Telegram.Token, env.TelegramToken)
	if env.TelegramChatID != 0 {
		cfg.Alert.Telegram.ChatID = env.TelegramChatID
	}
	return nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks struct-level constraints and driver-specific requirements.
// Duration strings are checked where they are mapped to component configs.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	if err := validate.Struct(cfg); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)) {
	case "file", "sqlite", "sqlite3":
		if strings.TrimSpace(cfg.Storage.Path) == "" {
			return fmt.Errorf("storage.path is required when storage.driver=%s", cfg.Storage.Driver)
		}
	case "postgres":
		if strings.TrimSpace(cfg.Storage.DSN) == "" {
			return errors.New("storage.dsn is required when storage.driver=postgres")
		}
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Gateway.Driver)) {
	case "sendgrid":
		if cfg.Gateway.SendGrid.APIKey == "" || strings.TrimSpace(cfg.Gateway.From) == "" {
			return errors.New("gateway.sendgrid.api_key and gateway.from are required when gateway.driver=sendgrid")
		}
	case "twilio":
		tw := cfg.Gateway.Twilio
		if tw.AccountSID == "" || tw.AuthToken == "" || strings.TrimSpace(firstNonEmpty(tw.From, cfg.Gateway.From)) == "" {
			return errors.New("gateway.twilio account_sid, auth_token and from are required when gateway.driver=twilio")
		}
	}
	return nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

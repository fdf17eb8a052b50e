package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	logx "clientpulse/pkg/logx"
)

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
		t.Fatalf("write %s: %v", p, err)
	}
	return p
}

const sampleYAML = `
http:
  addr: "127.0.0.1:9090"
logging:
  level: debug
  console: true
storage:
  driver: sqlite
  path: ./data.db
  busy_timeout: 2s
gateway:
  driver: log
poller:
  interval: 30s
  catch_up: false
service:
  max_future: 8760h
`

func TestParseYAML(t *testing.T) {
	t.Parallel()
	p := writeFile(t, t.TempDir(), "config.yaml", sampleYAML)
	cfg, err := NewManager(p).Parse()
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.HTTP.Addr != "127.0.0.1:9090" || cfg.Storage.Driver != "sqlite" || cfg.Poller.Interval != "30s" {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	if CatchUp(cfg.Poller) {
		t.Fatalf("catch_up=false was not honored")
	}
	if err := Validate(cfg); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestParseJSONStrict(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	cases := map[string]string{
		"unknown.json":  `{"http":{"addr":":1"},"plugins":{}}`,
		"trailing.json": `{"http":{}}{"http":{}}`,
		"unknown.yaml":  "poller:\n  intervall: 10s\n",
		"multi.yaml":    "http: {}\n---\nhttp: {}\n",
	}
	for name, body := range cases {
		p := writeFile(t, dir, name, body)
		if _, err := NewManager(p).Parse(); err == nil {
			t.Fatalf("%s: expected parse error", name)
		}
	}
}

func TestEmptyYAMLIsDefaults(t *testing.T) {
	t.Parallel()
	p := writeFile(t, t.TempDir(), "empty.yml", "")
	cfg, err := NewManager(p).Parse()
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if !CatchUp(cfg.Poller) {
		t.Fatalf("catch_up should default to true")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("CLIENTPULSE_HTTP_ADDR", "0.0.0.0:7000")
	t.Setenv("CLIENTPULSE_STORAGE_DRIVER", "postgres")
	t.Setenv("CLIENTPULSE_STORAGE_DSN", "postgres://u:p@localhost/db")
	t.Setenv("CLIENTPULSE_SENDGRID_API_KEY", "SG.secret")
	t.Setenv("CLIENTPULSE_ALERT_TELEGRAM_CHAT_ID", "-100123")

	p := writeFile(t, t.TempDir(), "config.json", `{"http":{"addr":"127.0.0.1:1"},"storage":{"driver":"memory"}}`)
	cfg, err := NewManager(p).Parse()
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.HTTP.Addr != "0.0.0.0:7000" {
		t.Fatalf("addr = %q", cfg.HTTP.Addr)
	}
	if cfg.Storage.Driver != "postgres" || cfg.Storage.DSN == "" {
		t.Fatalf("storage = %+v", cfg.Storage)
	}
	if cfg.Gateway.SendGrid.APIKey != "SG.secret" || cfg.Alert.Telegram.ChatID != -100123 {
		t.Fatalf("secrets not applied: %+v %+v", cfg.Gateway.SendGrid, cfg.Alert.Telegram)
	}
}

func TestEnvOnlyWithoutFile(t *testing.T) {
	t.Setenv("CLIENTPULSE_LOG_LEVEL", "warn")
	cfg, err := NewManager("").Load(context.Background())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Logging.Level != "warn" {
		t.Fatalf("level = %q", cfg.Logging.Level)
	}
}

func TestLoadDotenv(t *testing.T) {
	p := writeFile(t, t.TempDir(), ".env", "CLIENTPULSE_TEST_DOTENV=from-file\n")
	t.Setenv("CLIENTPULSE_TEST_DOTENV", "")
	os.Unsetenv("CLIENTPULSE_TEST_DOTENV")
	if err := LoadDotenv(p); err != nil {
		t.Fatalf("LoadDotenv: %v", err)
	}
	if got := os.Getenv("CLIENTPULSE_TEST_DOTENV"); got != "from-file" {
		t.Fatalf("env = %q", got)
	}
	if err := LoadDotenv(filepath.Join(t.TempDir(), "missing.env")); err != nil {
		t.Fatalf("missing file should be ignored: %v", err)
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name string
		cfg  Config
		ok   bool
	}{
		{"zero", Config{}, true},
		{"bad driver", Config{Storage: StorageConfig{Driver: "mongo"}}, false},
		{"sqlite without path", Config{Storage: StorageConfig{Driver: "sqlite"}}, false},
		{"postgres without dsn", Config{Storage: StorageConfig{Driver: "postgres"}}, false},
		{"sendgrid without key", Config{Gateway: GatewayConfig{Driver: "sendgrid", From: "a@b.c"}}, false},
		{"twilio complete", Config{Gateway: GatewayConfig{Driver: "twilio", Twilio: TwilioConfig{AccountSID: "AC1", AuthToken: "t", From: "+15550001"}}}, true},
		{"telegram without chat", Config{Alert: AlertConfig{Telegram: TelegramAlert{Enabled: true, Token: "1:a"}}}, false},
		{"file log without path", Config{Logging: LoggingConfig{File: LoggingFile{Enabled: true}}}, false},
		{"level case-insensitive", Config{Logging: LoggingConfig{Level: "DEBUG"}}, true},
		{"negative workers", Config{TaskEngine: TaskEngineConfig{Workers: -1}}, false},
	}
	for _, tc := range cases {
		err := Validate(&tc.cfg)
		if (err == nil) != tc.ok {
			t.Fatalf("%s: Validate = %v, want ok=%v", tc.name, err, tc.ok)
		}
	}
}

func TestParseDurationOrDefault(t *testing.T) {
	t.Parallel()
	if d, err := ParseDurationOrDefault("x", "", 5*time.Second); err != nil || d != 5*time.Second {
		t.Fatalf("empty: %v %v", d, err)
	}
	if d, err := ParseDurationOrDefault("x", "0s", 5*time.Second); err != nil || d != 5*time.Second {
		t.Fatalf("zero: %v %v", d, err)
	}
	if d, err := ParseDurationOrDefault("x", "90s", 5*time.Second); err != nil || d != 90*time.Second {
		t.Fatalf("set: %v %v", d, err)
	}
	if _, err := ParseDurationOrDefault("poller.interval", "soon", 0); err == nil || !strings.Contains(err.Error(), "poller.interval") {
		t.Fatalf("bad duration error = %v", err)
	}
	if _, err := ParseDurationField("x", "-1s"); err == nil {
		t.Fatalf("negative duration accepted")
	}
}

func TestSummarizeHidesSecrets(t *testing.T) {
	t.Parallel()
	oldCfg := &Config{}
	newCfg := &Config{
		Storage: StorageConfig{Driver: "postgres", DSN: "postgres://user:hunter2@db/x"},
		Poller:  PollerConfig{Interval: "10s"},
	}
	sections, fields := SummarizeConfigChange(oldCfg, newCfg)
	if strings.Join(sections, ",") != "storage,poller" {
		t.Fatalf("sections = %v", sections)
	}
	if got := RestartRequired(sections); len(got) != 1 || got[0] != "storage" {
		t.Fatalf("restart required = %v", got)
	}

	var buf strings.Builder
	logx.NewWriter(&buf, "debug").Info("summary", fields...)
	if strings.Contains(buf.String(), "hunter2") {
		t.Fatalf("secret leaked: %s", buf.String())
	}
}

func TestWatchPublishesValidReload(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	p := writeFile(t, dir, "config.json", `{"poller":{"interval":"20s"}}`)
	m := NewManager(p)
	if _, err := m.Load(context.Background()); err != nil {
		t.Fatalf("Load: %v", err)
	}
	sub := m.Subscribe(1)
	defer m.Unsubscribe(sub)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = m.Watch(ctx)
	}()
	// Give the watcher a moment to register the directory.
	time.Sleep(100 * time.Millisecond)

	writeFile(t, dir, "config.json", `{"storage":{"driver":"mongo"}}`)
	select {
	case cfg := <-sub:
		t.Fatalf("invalid config published: %+v", cfg)
	case <-time.After(600 * time.Millisecond):
	}

	writeFile(t, dir, "config.json", `{"poller":{"interval":"40s"}}`)
	select {
	case cfg := <-sub:
		if cfg.Poller.Interval != "40s" {
			t.Fatalf("interval = %q", cfg.Poller.Interval)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("reload not published")
	}
	if m.Get().Poller.Interval != "40s" {
		t.Fatalf("Get() not committed")
	}
	cancel()
	<-done
}

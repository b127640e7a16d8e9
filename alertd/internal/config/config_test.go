package config

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestParseOverDefaults(t *testing.T) {
	cfg, err := Parse([]byte(`
database:
  url: postgres://localhost/opsduty
scheduler:
  interval: 30s
  types: [ping, url]
influx:
  url: http://influx:8086/query
  database: autointelli
notify:
  dry_run: true
`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Scheduler.Interval != 30*time.Second {
		t.Errorf("Interval = %v, want 30s", cfg.Scheduler.Interval)
	}
	if cfg.Scheduler.Concurrency != DefaultConcurrency {
		t.Errorf("Concurrency = %d, want default", cfg.Scheduler.Concurrency)
	}
	if len(cfg.Scheduler.Types) != 2 {
		t.Errorf("Types = %v", cfg.Scheduler.Types)
	}
	if !cfg.Notify.DryRun || !cfg.Notify.HTML {
		t.Errorf("Notify = %+v, want dry run with html default", cfg.Notify)
	}
	if cfg.Handlers.StaleSeconds != DefaultStaleSeconds || cfg.Handlers.TenantLabel != DefaultTenantLabel {
		t.Errorf("Handlers = %+v", cfg.Handlers)
	}
	if cfg.Fortigate.Database != DefaultFortigateDatabase || cfg.Fortigate.URL != "" {
		t.Errorf("Fortigate = %+v, want inherited url with default database", cfg.Fortigate)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestParseRejectsBadYAML(t *testing.T) {
	if _, err := Parse([]byte("scheduler: [")); err == nil {
		t.Fatal("expected error")
	}
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		c := DefaultConfig()
		c.Database.URL = "postgres://x"
		return c
	}
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"valid", func(*Config) {}, false},
		{"no database", func(c *Config) { c.Database.URL = "" }, true},
		{"interval too short", func(c *Config) { c.Scheduler.Interval = time.Second }, true},
		{"zero concurrency", func(c *Config) { c.Scheduler.Concurrency = 0 }, true},
		{"huge concurrency", func(c *Config) { c.Scheduler.Concurrency = MaxConcurrency + 1 }, true},
		{"no workers", func(c *Config) { c.Notify.Workers = 0 }, true},
		{"influx without db", func(c *Config) { c.Influx.URL = "http://influx" }, true},
		{"file secrets without dir", func(c *Config) { c.Secrets.Backend = "file" }, true},
		{"file secrets with dir", func(c *Config) { c.Secrets.Backend = "file"; c.Secrets.Dir = "/run/secrets" }, false},
		{"unknown secrets backend", func(c *Config) { c.Secrets.Backend = "vault" }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mutate(c)
			err := c.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestApplyEnvOverrides(t *testing.T) {
	t.Setenv("ALERTD_DATABASE_URL", "postgres://env/db")
	t.Setenv("ALERTD_SCHEDULER_INTERVAL", "45s")
	t.Setenv("ALERTD_SCHEDULER_CONCURRENCY", "8")
	t.Setenv("ALERTD_SCHEDULER_TYPES", "ping, server ,")
	t.Setenv("ALERTD_NOTIFY_DRY_RUN", "true")
	t.Setenv("OP_CONNECT_HOST", "http://op:8080")
	t.Setenv("ALERTD_FORTIGATE_DATABASE", "fw")

	c := DefaultConfig()
	if err := c.ApplyEnvOverrides(); err != nil {
		t.Fatalf("ApplyEnvOverrides: %v", err)
	}
	if c.Database.URL != "postgres://env/db" {
		t.Errorf("Database.URL = %q", c.Database.URL)
	}
	if c.Scheduler.Interval != 45*time.Second || c.Scheduler.Concurrency != 8 {
		t.Errorf("Scheduler = %+v", c.Scheduler)
	}
	if len(c.Scheduler.Types) != 2 || c.Scheduler.Types[1] != "server" {
		t.Errorf("Types = %v", c.Scheduler.Types)
	}
	if !c.Notify.DryRun {
		t.Error("DryRun not applied")
	}
	if c.Secrets.OnePassword.Host != "http://op:8080" {
		t.Errorf("OnePassword.Host = %q", c.Secrets.OnePassword.Host)
	}
	if c.Fortigate.Database != "fw" {
		t.Errorf("Fortigate.Database = %q", c.Fortigate.Database)
	}
}

func TestApplyEnvOverridesBadValues(t *testing.T) {
	for _, name := range []string{"ALERTD_SCHEDULER_INTERVAL", "ALERTD_SCHEDULER_CONCURRENCY", "ALERTD_NOTIFY_DRY_RUN"} {
		t.Run(name, func(t *testing.T) {
			t.Setenv(name, "not-a-value")
			if err := DefaultConfig().ApplyEnvOverrides(); err == nil {
				t.Errorf("expected error for %s", name)
			}
		})
	}
}

func TestIsReloadEvent(t *testing.T) {
	path := "/etc/alertd/alertd.yaml"
	tests := []struct {
		ev   fsnotify.Event
		want bool
	}{
		{fsnotify.Event{Name: path, Op: fsnotify.Write}, true},
		{fsnotify.Event{Name: path, Op: fsnotify.Create}, true},
		{fsnotify.Event{Name: path, Op: fsnotify.Chmod}, false},
		{fsnotify.Event{Name: path, Op: fsnotify.Remove}, false},
		{fsnotify.Event{Name: "/etc/alertd/other.yaml", Op: fsnotify.Write}, false},
	}
	for _, tt := range tests {
		if got := isReloadEvent(tt.ev, path); got != tt.want {
			t.Errorf("isReloadEvent(%v) = %v, want %v", tt.ev, got, tt.want)
		}
	}
}

func TestWatchReloads(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "alertd.yaml")
	write := func(body string) {
		if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
			t.Fatal(err)
		}
	}
	write("database:\n  url: postgres://x\n")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan *Config, 4)
	done := make(chan error, 1)
	go func() {
		done <- Watch(ctx, path, testLogger(), func(c *Config) { got <- c })
	}()

	// Give the watcher time to register before writing.
	time.Sleep(100 * time.Millisecond)
	write("database:\n  url: postgres://x\nscheduler:\n  interval: 20s\n")

	select {
	case c := <-got:
		if c.Scheduler.Interval != 20*time.Second {
			t.Errorf("Interval = %v, want 20s", c.Scheduler.Interval)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no reload observed")
	}

	cancel()
	if err := <-done; err != nil {
		t.Errorf("Watch returned %v", err)
	}
}

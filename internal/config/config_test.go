package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	c, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if c.ListenAddr != ":4122" || c.IdleTimeout != 600*time.Second || c.WaitTimeout != time.Minute {
		t.Fatalf("unexpected defaults %+v", c)
	}
	if c.MaxPending != 1024 || c.MinMoveDegrees != 0.01 || c.Timezone != "Europe/Amsterdam" {
		t.Fatalf("unexpected defaults %+v", c)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("TK103_LISTEN_ADDR", ":9999")
	t.Setenv("TK103_IDLE_TIMEOUT", "30s")
	t.Setenv("TK103_MIN_MOVE_DEGREES", "0.05")
	t.Setenv("TK103_MOCK_STORE", "true")
	c, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if c.ListenAddr != ":9999" || c.IdleTimeout != 30*time.Second || c.MinMoveDegrees != 0.05 || !c.MockStore {
		t.Fatalf("env not applied %+v", c)
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tk103.yaml")
	body := "listen_addr: \":5000\"\ntimezone: UTC\nnats_url: nats://localhost:4222\nwrite_timeout: 2s\n"
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	t.Setenv("TK103_LISTEN_ADDR", ":6000")
	c, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if c.ListenAddr != ":6000" {
		t.Fatalf("env must win over file, got %s", c.ListenAddr)
	}
	if c.NatsUrl != "nats://localhost:4222" || c.WriteTimeout != 2*time.Second || c.Timezone != "UTC" {
		t.Fatalf("file not applied %+v", c)
	}

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("explicit missing file must fail")
	}
}

func TestLoadBadTimezone(t *testing.T) {
	t.Setenv("TK103_TIMEZONE", "Mars/Olympus")
	if _, err := Load(""); err == nil {
		t.Fatalf("unknown timezone must fail")
	}
}

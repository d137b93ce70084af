package config

import (
	"testing"
	"time"
)

func TestLoadRequiresDatabaseURL(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	if _, err := Load(); err == nil {
		t.Fatalf("expected error without DATABASE_URL")
	}
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/pgflow")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Queue != "default" {
		t.Fatalf("queue default: %s", cfg.Queue)
	}
	if cfg.LeaseSeconds != 10 {
		t.Fatalf("lease default: %d", cfg.LeaseSeconds)
	}
	if cfg.ReapInterval != time.Second {
		t.Fatalf("reap interval default: %s", cfg.ReapInterval)
	}
	if cfg.MaintenanceInterval != time.Minute {
		t.Fatalf("maintenance interval default: %s", cfg.MaintenanceInterval)
	}
	if cfg.ArchiveSucceededAfter != 7*24*time.Hour {
		t.Fatalf("archive cutoff default: %s", cfg.ArchiveSucceededAfter)
	}
	if cfg.WorkerID == "" {
		t.Fatalf("worker id should fall back to hostname or pid")
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/pgflow")
	t.Setenv("QUEUE", "emails")
	t.Setenv("LEASE_SECONDS", "30")
	t.Setenv("MAX_PAYLOAD_BYTES", "1024")
	t.Setenv("MAX_ENQUEUE_PER_MINUTE", "100")
	t.Setenv("MIGRATE_ON_STARTUP", "true")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Queue != "emails" || cfg.LeaseSeconds != 30 {
		t.Fatalf("overrides not applied: %+v", cfg)
	}
	if cfg.MaxPayloadBytes != 1024 || cfg.MaxEnqueuePerMinute != 100 {
		t.Fatalf("guard overrides not applied: %+v", cfg)
	}
	if !cfg.MigrateOnStartup {
		t.Fatalf("migrate_on_startup not applied")
	}
}

func TestAdminAddrOff(t *testing.T) {
	for _, v := range []string{"off", "OFF", "0", "false", "none"} {
		t.Setenv("DATABASE_URL", "postgres://localhost/pgflow")
		t.Setenv("ADMIN_ADDR", v)
		cfg, err := Load()
		if err != nil {
			t.Fatalf("load: %v", err)
		}
		if cfg.AdminAddr != "" {
			t.Fatalf("%q should disable the admin addr, got %q", v, cfg.AdminAddr)
		}
	}
}

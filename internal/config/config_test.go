package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Render.Width != 720 || cfg.Render.Height != 1280 || cfg.Render.FPS != 30 {
		t.Fatalf("unexpected surface %dx%d@%d", cfg.Render.Width, cfg.Render.Height, cfg.Render.FPS)
	}
	if cfg.Schedule.ChapterWaitTimeout != 90*time.Second {
		t.Fatalf("wait timeout=%s", cfg.Schedule.ChapterWaitTimeout)
	}
}

func TestLoadYAMLThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reelcast.yaml")
	body := []byte("render:\n  fps: 24\n  encoder: avi\nschedule:\n  cooldown: 2s\ncache:\n  capacity_bytes: 1024\n")
	if err := os.WriteFile(path, body, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	t.Setenv("REELCAST_RENDER_FPS", "25")
	t.Setenv("REELCAST_OWNER_KEYS", "alice=$2a$hash, bob=$2a$other")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Render.FPS != 25 {
		t.Fatalf("env should override yaml fps, got %d", cfg.Render.FPS)
	}
	if cfg.Render.Encoder != "avi" {
		t.Fatalf("encoder=%q", cfg.Render.Encoder)
	}
	if cfg.Schedule.Cooldown != 2*time.Second {
		t.Fatalf("cooldown=%s", cfg.Schedule.Cooldown)
	}
	if cfg.Cache.CapacityBytes != 1024 {
		t.Fatalf("capacity=%d", cfg.Cache.CapacityBytes)
	}
	if cfg.Server.OwnerKeys["alice"] != "$2a$hash" || cfg.Server.OwnerKeys["bob"] != "$2a$other" {
		t.Fatalf("owner keys=%v", cfg.Server.OwnerKeys)
	}
}

func TestValidateRejectsUnknownEncoder(t *testing.T) {
	cfg := Default()
	cfg.Render.Encoder = "gif"
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected error for unknown encoder")
	}
}

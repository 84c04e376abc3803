package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
)

func TestDefaults(t *testing.T) {
	cfg := FromEnv()
	if cfg.Port != 9000 {
		t.Fatalf("port = %d", cfg.Port)
	}
	if cfg.APSSID != "PoetCam" || cfg.Iface != "wlan0" {
		t.Fatalf("wifi defaults: %+v", cfg)
	}
	if cfg.ProfilesPath() != "/var/lib/camd/profiles.json" {
		t.Fatalf("profiles path = %s", cfg.ProfilesPath())
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("CAMD_PORT", "8080")
	t.Setenv("CAMD_AP_SSID", "MyCam")
	t.Setenv("CAMD_LOG", "debug")

	cfg := FromEnv()
	if cfg.Port != 8080 {
		t.Fatalf("port = %d", cfg.Port)
	}
	if cfg.APSSID != "MyCam" || cfg.APConnection != "MyCam" {
		t.Fatalf("AP ssid should rename the connection too: %+v", cfg)
	}
	if cfg.LogLevel != zerolog.DebugLevel {
		t.Fatalf("log level = %v", cfg.LogLevel)
	}
}

func TestFileOverlayEnvWins(t *testing.T) {
	path := filepath.Join(t.TempDir(), "camd.yaml")
	doc := "port: 7000\nwifi:\n  iface: wlan1\n"
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("CAMD_CONFIG", path)
	t.Setenv("CAMD_PORT", "8080")

	cfg := FromEnv()
	if cfg.Port != 8080 {
		t.Fatalf("env should win over file: port = %d", cfg.Port)
	}
	if cfg.Iface != "wlan1" {
		t.Fatalf("file value not applied: iface = %s", cfg.Iface)
	}
}

func TestBadFileIgnored(t *testing.T) {
	path := filepath.Join(t.TempDir(), "camd.yaml")
	if err := os.WriteFile(path, []byte("{not yaml"), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("CAMD_CONFIG", path)

	cfg := FromEnv()
	if cfg.Port != 9000 {
		t.Fatalf("bad file must leave defaults intact: %+v", cfg)
	}
}

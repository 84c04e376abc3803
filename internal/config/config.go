package config

import (
	"os"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// Config carries everything camd needs at runtime. Values come from the
// environment with an optional YAML overlay (CAMD_CONFIG); env wins.
type Config struct {
	Port     int
	LogLevel zerolog.Level

	// Durable state (network profiles) lives under StateDir.
	StateDir string

	// Wireless settings.
	Iface        string
	APSSID       string
	APSecret     string
	APConnection string

	// Update channel: a git checkout tracking Remote/Branch.
	RepoDir       string
	Remote        string
	Branch        string
	SelfCheckCmd  []string
	AutoCheckCron string

	// Reboot behavior.
	RebootDelay time.Duration
	RebootCmd   []string

	// Subprocess budgets.
	ScanTimeout    time.Duration
	ConnectTimeout time.Duration
	FetchTimeout   time.Duration
	ApplyTimeout   time.Duration

	CORSOrigins []string
}

type fileConfig struct {
	Port     *int   `yaml:"port"`
	LogLevel string `yaml:"log_level"`
	StateDir string `yaml:"state_dir"`
	Wifi     struct {
		Iface        string `yaml:"iface"`
		APSSID       string `yaml:"ap_ssid"`
		APSecret     string `yaml:"ap_secret"`
		APConnection string `yaml:"ap_connection"`
	} `yaml:"wifi"`
	Updates struct {
		RepoDir       string   `yaml:"repo_dir"`
		Remote        string   `yaml:"remote"`
		Branch        string   `yaml:"branch"`
		SelfCheckCmd  []string `yaml:"self_check_cmd"`
		AutoCheckCron string   `yaml:"auto_check_cron"`
	} `yaml:"updates"`
	CORSOrigins []string `yaml:"cors_origins"`
}

// Defaults mirror the device image layout.
func defaults() Config {
	return Config{
		Port:           9000,
		LogLevel:       zerolog.InfoLevel,
		StateDir:       "/var/lib/camd",
		Iface:          "wlan0",
		APSSID:         "PoetCam",
		APSecret:       "poetcam-setup",
		APConnection:   "PoetCam",
		RepoDir:        "/opt/poetcam",
		Remote:         "origin",
		Branch:         "main",
		SelfCheckCmd:   []string{"git", "fsck", "--no-progress"},
		RebootDelay:    2 * time.Second,
		RebootCmd:      []string{"shutdown", "-r", "now"},
		ScanTimeout:    30 * time.Second,
		ConnectTimeout: 60 * time.Second,
		FetchTimeout:   60 * time.Second,
		ApplyTimeout:   2 * time.Minute,
		CORSOrigins:    []string{"http://localhost:5173", "http://127.0.0.1:5173"},
	}
}

// FromEnv builds the runtime configuration.
func FromEnv() Config {
	cfg := defaults()

	if path := os.Getenv("CAMD_CONFIG"); path != "" {
		applyFile(&cfg, path)
	}

	if v := os.Getenv("CAMD_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil && p > 0 {
			cfg.Port = p
		}
	}
	if v := os.Getenv("CAMD_LOG"); v != "" {
		if l, err := zerolog.ParseLevel(v); err == nil {
			cfg.LogLevel = l
		}
	}
	if v := os.Getenv("CAMD_STATE_DIR"); v != "" {
		cfg.StateDir = v
	}
	if v := os.Getenv("CAMD_IFACE"); v != "" {
		cfg.Iface = v
	}
	if v := os.Getenv("CAMD_AP_SSID"); v != "" {
		cfg.APSSID = v
		if os.Getenv("CAMD_AP_CONNECTION") == "" {
			cfg.APConnection = v
		}
	}
	if v := os.Getenv("CAMD_AP_SECRET"); v != "" {
		cfg.APSecret = v
	}
	if v := os.Getenv("CAMD_AP_CONNECTION"); v != "" {
		cfg.APConnection = v
	}
	if v := os.Getenv("CAMD_REPO_DIR"); v != "" {
		cfg.RepoDir = v
	}
	if v := os.Getenv("CAMD_BRANCH"); v != "" {
		cfg.Branch = v
	}
	if v := os.Getenv("CAMD_REMOTE"); v != "" {
		cfg.Remote = v
	}
	if v := os.Getenv("CAMD_AUTO_CHECK_CRON"); v != "" {
		cfg.AutoCheckCron = v
	}
	if v := os.Getenv("CAMD_REBOOT_DELAY"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d >= 0 {
			cfg.RebootDelay = d
		}
	}
	return cfg
}

func applyFile(cfg *Config, path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return
	}
	if fc.Port != nil && *fc.Port > 0 {
		cfg.Port = *fc.Port
	}
	if fc.LogLevel != "" {
		if l, err := zerolog.ParseLevel(fc.LogLevel); err == nil {
			cfg.LogLevel = l
		}
	}
	if fc.StateDir != "" {
		cfg.StateDir = fc.StateDir
	}
	if fc.Wifi.Iface != "" {
		cfg.Iface = fc.Wifi.Iface
	}
	if fc.Wifi.APSSID != "" {
		cfg.APSSID = fc.Wifi.APSSID
		cfg.APConnection = fc.Wifi.APSSID
	}
	if fc.Wifi.APSecret != "" {
		cfg.APSecret = fc.Wifi.APSecret
	}
	if fc.Wifi.APConnection != "" {
		cfg.APConnection = fc.Wifi.APConnection
	}
	if fc.Updates.RepoDir != "" {
		cfg.RepoDir = fc.Updates.RepoDir
	}
	if fc.Updates.Remote != "" {
		cfg.Remote = fc.Updates.Remote
	}
	if fc.Updates.Branch != "" {
		cfg.Branch = fc.Updates.Branch
	}
	if len(fc.Updates.SelfCheckCmd) > 0 {
		cfg.SelfCheckCmd = fc.Updates.SelfCheckCmd
	}
	if fc.Updates.AutoCheckCron != "" {
		cfg.AutoCheckCron = fc.Updates.AutoCheckCron
	}
	if len(fc.CORSOrigins) > 0 {
		cfg.CORSOrigins = fc.CORSOrigins
	}
}

// ProfilesPath is where the credential store document lives.
func (c Config) ProfilesPath() string {
	return c.StateDir + "/profiles.json"
}

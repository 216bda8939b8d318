package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all flowrun server configuration.
// Priority: env vars > settings file > defaults.
type Config struct {
	ListenAddr        string        `json:"listen_addr" yaml:"listen_addr"`
	BaseURL           string        `json:"base_url" yaml:"base_url"`
	DBPath            string        `json:"db_path" yaml:"db_path"`
	LogLevel          string        `json:"log_level" yaml:"log_level"`
	LogFormat         string        `json:"log_format" yaml:"log_format"`
	PoolSize          int           `json:"pool_size" yaml:"pool_size"`
	WebhookURL        string        `json:"webhook_url" yaml:"webhook_url"`
	InvoiceAPIURL     string        `json:"invoice_api_url" yaml:"invoice_api_url"`
	InvoiceToken      string        `json:"invoice_token" yaml:"invoice_token"`
	SchedulerInterval time.Duration `json:"scheduler_interval" yaml:"scheduler_interval"`
}

func defaultConfig() Config {
	return Config{
		ListenAddr:        ":4100",
		DBPath:            filepath.Join(flowrunDir(), "flowrun.db"),
		LogLevel:          "info",
		LogFormat:         "json",
		PoolSize:          16,
		SchedulerInterval: time.Minute,
	}
}

func flowrunDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".flowrun"
	}
	return filepath.Join(home, ".flowrun")
}

// settingsPath returns FLOWRUN_CONFIG, or the first of settings.yaml,
// settings.yml and settings.json that exists under ~/.flowrun.
func settingsPath() string {
	if p := os.Getenv("FLOWRUN_CONFIG"); p != "" {
		return p
	}
	for _, name := range []string{"settings.yaml", "settings.yml"} {
		p := filepath.Join(flowrunDir(), name)
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return filepath.Join(flowrunDir(), "settings.json")
}

// fileConfig mirrors Config with the interval as a string, so settings
// files can say "30s".
type fileConfig struct {
	ListenAddr        *string `json:"listen_addr" yaml:"listen_addr"`
	BaseURL           *string `json:"base_url" yaml:"base_url"`
	DBPath            *string `json:"db_path" yaml:"db_path"`
	LogLevel          *string `json:"log_level" yaml:"log_level"`
	LogFormat         *string `json:"log_format" yaml:"log_format"`
	PoolSize          *int    `json:"pool_size" yaml:"pool_size"`
	WebhookURL        *string `json:"webhook_url" yaml:"webhook_url"`
	InvoiceAPIURL     *string `json:"invoice_api_url" yaml:"invoice_api_url"`
	InvoiceToken      *string `json:"invoice_token" yaml:"invoice_token"`
	SchedulerInterval *string `json:"scheduler_interval" yaml:"scheduler_interval"`
}

// loadConfig layers defaults, the settings file at path (ignored if missing)
// and FLOWRUN_* environment variables.
func loadConfig(path string) (Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := applyFile(&cfg, path, data); err != nil {
			return cfg, err
		}
	case !os.IsNotExist(err):
		return cfg, fmt.Errorf("read settings %s: %w", path, err)
	}

	if err := applyEnv(&cfg); err != nil {
		return cfg, err
	}

	// Derive base_url from listen_addr if empty.
	if cfg.BaseURL == "" {
		cfg.BaseURL = "http://localhost" + cfg.ListenAddr
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return cfg, nil
}

func applyFile(cfg *Config, path string, data []byte) error {
	var fc fileConfig
	ext := strings.ToLower(filepath.Ext(path))
	if ext == ".yaml" || ext == ".yml" {
		if err := yaml.Unmarshal(data, &fc); err != nil {
			return fmt.Errorf("parse settings %s: %w", path, err)
		}
	} else if err := json.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("parse settings %s: %w", path, err)
	}

	setString(&cfg.ListenAddr, fc.ListenAddr)
	setString(&cfg.BaseURL, fc.BaseURL)
	setString(&cfg.DBPath, fc.DBPath)
	setString(&cfg.LogLevel, fc.LogLevel)
	setString(&cfg.LogFormat, fc.LogFormat)
	setString(&cfg.WebhookURL, fc.WebhookURL)
	setString(&cfg.InvoiceAPIURL, fc.InvoiceAPIURL)
	setString(&cfg.InvoiceToken, fc.InvoiceToken)
	if fc.PoolSize != nil {
		cfg.PoolSize = *fc.PoolSize
	}
	if fc.SchedulerInterval != nil {
		d, err := time.ParseDuration(*fc.SchedulerInterval)
		if err != nil {
			return fmt.Errorf("settings scheduler_interval: %w", err)
		}
		cfg.SchedulerInterval = d
	}
	return nil
}

func applyEnv(cfg *Config) error {
	strs := map[string]*string{
		"FLOWRUN_LISTEN_ADDR":     &cfg.ListenAddr,
		"FLOWRUN_BASE_URL":        &cfg.BaseURL,
		"FLOWRUN_DB_PATH":         &cfg.DBPath,
		"FLOWRUN_LOG_LEVEL":       &cfg.LogLevel,
		"FLOWRUN_LOG_FORMAT":      &cfg.LogFormat,
		"FLOWRUN_WEBHOOK_URL":     &cfg.WebhookURL,
		"FLOWRUN_INVOICE_API_URL": &cfg.InvoiceAPIURL,
		"FLOWRUN_INVOICE_TOKEN":   &cfg.InvoiceToken,
	}
	for key, dst := range strs {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	if v := os.Getenv("FLOWRUN_POOL_SIZE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("FLOWRUN_POOL_SIZE: %w", err)
		}
		cfg.PoolSize = n
	}
	if v := os.Getenv("FLOWRUN_SCHEDULER_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("FLOWRUN_SCHEDULER_INTERVAL: %w", err)
		}
		cfg.SchedulerInterval = d
	}
	return nil
}

func setString(dst *string, v *string) {
	if v != nil {
		*dst = *v
	}
}

// dbURI turns a filesystem path into the file: URI libsql expects.
func dbURI(path string) string {
	if strings.HasPrefix(path, "file:") || strings.Contains(path, "://") {
		return path
	}
	return "file:" + path
}

// configDiff describes what changed between two configurations.
type configDiff struct {
	LogLevelChanged bool
	RestartNeeded   []string // fields that require a server restart
}

func diffConfigs(old, new Config) configDiff {
	var d configDiff
	if old.LogLevel != new.LogLevel {
		d.LogLevelChanged = true
	}
	fields := []struct {
		name    string
		changed bool
	}{
		{"listen_addr", old.ListenAddr != new.ListenAddr},
		{"base_url", old.BaseURL != new.BaseURL},
		{"db_path", old.DBPath != new.DBPath},
		{"log_format", old.LogFormat != new.LogFormat},
		{"pool_size", old.PoolSize != new.PoolSize},
		{"webhook_url", old.WebhookURL != new.WebhookURL},
		{"invoice_api_url", old.InvoiceAPIURL != new.InvoiceAPIURL},
		{"invoice_token", old.InvoiceToken != new.InvoiceToken},
		{"scheduler_interval", old.SchedulerInterval != new.SchedulerInterval},
	}
	for _, f := range fields {
		if f.changed {
			d.RestartNeeded = append(d.RestartNeeded, f.name)
		}
	}
	return d
}

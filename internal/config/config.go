// Package config loads and hot-reloads the proxy's YAML configuration:
// listen addresses, the main/other backend servers, and the diff-router
// tunables, the way the teacher's config package handles per-tenant pool
// settings.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/dbdiffproxy/dbdiffproxy/internal/diff"
)

// Config is the top-level configuration for the diff proxy.
type Config struct {
	Listen   ListenConfig   `yaml:"listen"`
	Backends BackendsConfig `yaml:"backends"`
	Diff     DiffConfig     `yaml:"diff"`
}

// ListenConfig defines the ports and bind addresses the proxy listens on.
type ListenConfig struct {
	MySQLPort int    `yaml:"mysql_port"`
	APIPort   int    `yaml:"api_port"`
	APIBind   string `yaml:"api_bind"`
	APIKey    string `yaml:"api_key"`
	TLSCert   string `yaml:"tls_cert"`
	TLSKey    string `yaml:"tls_key"`
}

// TLSEnabled returns true if both TLS cert and key paths are configured.
func (lc ListenConfig) TLSEnabled() bool {
	return lc.TLSCert != "" && lc.TLSKey != ""
}

// ServerConfig is one backend server's connection details.
type ServerConfig struct {
	Name          string   `yaml:"name"`
	Address       string   `yaml:"address"`
	Username      string   `yaml:"username"`
	Password      string   `yaml:"password"`
	AuthPlugin    string   `yaml:"auth_plugin"`
	ProxyProtocol bool     `yaml:"proxy_protocol"`
	InitSQL       []string `yaml:"init_sql"`
}

// Redacted returns a copy with the password masked, for diagnostics/API output.
func (s ServerConfig) Redacted() ServerConfig {
	c := s
	if c.Password != "" {
		c.Password = "***REDACTED***"
	}
	return c
}

// BackendsConfig names the one main server and the other servers compared
// against it.
type BackendsConfig struct {
	Main   ServerConfig   `yaml:"main"`
	Others []ServerConfig `yaml:"others"`
}

// DiffConfig mirrors internal/diff.Config in YAML form.
type DiffConfig struct {
	Entries                    int     `yaml:"entries"`
	Explain                    string  `yaml:"explain"` // none | other | both
	MaxExecutionTimeDifference int     `yaml:"max_execution_time_difference"`
	MaxRequestLag              int64   `yaml:"max_request_lag"`
	OnError                    string  `yaml:"on_error"` // ignore | close
	Percentile                 float64 `yaml:"percentile"`
	Period                     string  `yaml:"period"` // e.g. "1h"
	Report                     string  `yaml:"report"` // always | on_discrepancy
	ResetReplication           bool    `yaml:"reset_replication"`
	RetainFasterStatements     int     `yaml:"retain_faster_statements"`
	RetainSlowerStatements     int     `yaml:"retain_slower_statements"`
	Samples                    int     `yaml:"samples"`
	ReplicaServer              string  `yaml:"replica_server"`
	ExportPath                 string  `yaml:"export_path"`
}

// PeriodDuration parses Period, defaulting to one hour if unset/invalid.
func (d DiffConfig) PeriodDuration() time.Duration {
	if d.Period == "" {
		return time.Hour
	}
	dur, err := time.ParseDuration(d.Period)
	if err != nil {
		return time.Hour
	}
	return dur
}

// ToDiffConfig converts the YAML-shaped tunables into internal/diff's
// native Config, translating the string-valued enums (Explain, OnError,
// Report) into their typed equivalents.
func (d DiffConfig) ToDiffConfig() diff.Config {
	explain := diff.ExplainNone
	switch d.Explain {
	case "other":
		explain = diff.ExplainOther
	case "both":
		explain = diff.ExplainBoth
	}
	onError := diff.OnErrorIgnore
	if d.OnError == "close" {
		onError = diff.OnErrorClose
	}
	report := diff.ReportOnDiscrepancy
	if d.Report == "always" {
		report = diff.ReportAlways
	}
	return diff.Config{
		Entries:                    d.Entries,
		Explain:                    explain,
		MaxExecutionTimeDifference: d.MaxExecutionTimeDifference,
		MaxRequestLag:              d.MaxRequestLag,
		OnError:                    onError,
		Percentile:                 d.Percentile,
		Period:                     d.PeriodDuration(),
		Report:                     report,
		ResetReplication:           d.ResetReplication,
		RetainFasterStatements:     d.RetainFasterStatements,
		RetainSlowerStatements:     d.RetainSlowerStatements,
		Samples:                    d.Samples,
	}
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// substituteEnvVars replaces ${VAR_NAME} patterns with environment variable values.
func substituteEnvVars(data []byte) []byte {
	return envVarPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		varName := envVarPattern.FindSubmatch(match)[1]
		if val, ok := os.LookupEnv(string(varName)); ok {
			return []byte(val)
		}
		return match
	})
}

// Load reads and parses a YAML config file with env var substitution.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	data = substituteEnvVars(data)

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	applyDefaults(cfg)
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Listen.MySQLPort == 0 {
		cfg.Listen.MySQLPort = 3307
	}
	if cfg.Listen.APIPort == 0 {
		cfg.Listen.APIPort = 8080
	}
	if cfg.Listen.APIBind == "" {
		cfg.Listen.APIBind = "127.0.0.1"
	}
	if cfg.Diff.Entries == 0 {
		cfg.Diff.Entries = 1000
	}
	if cfg.Diff.Explain == "" {
		cfg.Diff.Explain = "none"
	}
	if cfg.Diff.MaxExecutionTimeDifference == 0 {
		cfg.Diff.MaxExecutionTimeDifference = 20
	}
	if cfg.Diff.MaxRequestLag == 0 {
		cfg.Diff.MaxRequestLag = 10
	}
	if cfg.Diff.OnError == "" {
		cfg.Diff.OnError = "ignore"
	}
	if cfg.Diff.Percentile == 0 {
		cfg.Diff.Percentile = 0.99
	}
	if cfg.Diff.Period == "" {
		cfg.Diff.Period = "1h"
	}
	if cfg.Diff.Report == "" {
		cfg.Diff.Report = "on_discrepancy"
	}
	for i := range cfg.Backends.Others {
		if cfg.Backends.Others[i].AuthPlugin == "" {
			cfg.Backends.Others[i].AuthPlugin = "mysql_native_password"
		}
	}
	if cfg.Backends.Main.AuthPlugin == "" {
		cfg.Backends.Main.AuthPlugin = "mysql_native_password"
	}
}

func validate(cfg *Config) error {
	if cfg.Backends.Main.Address == "" {
		return fmt.Errorf("backends.main.address is required")
	}
	if cfg.Backends.Main.Username == "" {
		return fmt.Errorf("backends.main.username is required")
	}
	for i, o := range cfg.Backends.Others {
		if o.Name == "" {
			return fmt.Errorf("backends.others[%d]: name is required", i)
		}
		if o.Address == "" {
			return fmt.Errorf("backends.others[%d] (%s): address is required", i, o.Name)
		}
	}
	switch cfg.Diff.Explain {
	case "", "none", "other", "both":
	default:
		return fmt.Errorf("diff.explain: unsupported value %q (must be none, other, or both)", cfg.Diff.Explain)
	}
	switch cfg.Diff.OnError {
	case "", "ignore", "close":
	default:
		return fmt.Errorf("diff.on_error: unsupported value %q (must be ignore or close)", cfg.Diff.OnError)
	}
	switch cfg.Diff.Report {
	case "", "always", "on_discrepancy":
	default:
		return fmt.Errorf("diff.report: unsupported value %q (must be always or on_discrepancy)", cfg.Diff.Report)
	}
	return nil
}

// Watcher watches a config file for changes and calls the callback with the new config.
type Watcher struct {
	path     string
	callback func(*Config)
	watcher  *fsnotify.Watcher
	mu       sync.Mutex
	stopCh   chan struct{}
}

// NewWatcher creates a new config file watcher.
func NewWatcher(path string, callback func(*Config)) (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating file watcher: %w", err)
	}

	if err := w.Add(path); err != nil {
		w.Close()
		return nil, fmt.Errorf("watching config file: %w", err)
	}

	cw := &Watcher{
		path:     path,
		callback: callback,
		watcher:  w,
		stopCh:   make(chan struct{}),
	}

	go cw.run()
	return cw, nil
}

func (cw *Watcher) run() {
	var debounce *time.Timer
	for {
		select {
		case event, ok := <-cw.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(500*time.Millisecond, func() {
					cw.reload()
				})
			}
		case err, ok := <-cw.watcher.Errors:
			if !ok {
				return
			}
			slog.Error("config watcher error", "error", err)
		case <-cw.stopCh:
			return
		}
	}
}

func (cw *Watcher) reload() {
	cw.mu.Lock()
	defer cw.mu.Unlock()

	cfg, err := Load(cw.path)
	if err != nil {
		slog.Error("config hot-reload failed", "path", cw.path, "error", err)
		return
	}

	slog.Info("configuration reloaded", "path", cw.path)
	cw.callback(cfg)
}

// Stop stops the config watcher.
func (cw *Watcher) Stop() error {
	close(cw.stopCh)
	return cw.watcher.Close()
}

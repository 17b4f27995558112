package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoad(t *testing.T) {
	yaml := `
listen:
  mysql_port: 3307
  api_port: 8080

backends:
  main:
    name: primary
    address: 10.0.0.1:3306
    username: proxyuser
    password: proxypass
  others:
    - name: candidate
      address: 10.0.0.2:3306
      username: proxyuser
      password: proxypass

diff:
  max_execution_time_difference: 25
  max_request_lag: 15
  report: always
`
	path := writeTemp(t, yaml)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Listen.MySQLPort != 3307 {
		t.Errorf("expected mysql port 3307, got %d", cfg.Listen.MySQLPort)
	}
	if cfg.Backends.Main.Address != "10.0.0.1:3306" {
		t.Errorf("expected main address 10.0.0.1:3306, got %s", cfg.Backends.Main.Address)
	}
	if len(cfg.Backends.Others) != 1 || cfg.Backends.Others[0].Name != "candidate" {
		t.Fatalf("expected one other backend named candidate, got %+v", cfg.Backends.Others)
	}
	if cfg.Diff.MaxExecutionTimeDifference != 25 {
		t.Errorf("expected max_execution_time_difference 25, got %d", cfg.Diff.MaxExecutionTimeDifference)
	}
	if cfg.Diff.Report != "always" {
		t.Errorf("expected report always, got %s", cfg.Diff.Report)
	}
}

func TestLoadEnvSubstitution(t *testing.T) {
	os.Setenv("TEST_DB_PASSWORD", "secret123")
	defer os.Unsetenv("TEST_DB_PASSWORD")

	yaml := `
backends:
  main:
    name: primary
    address: localhost:3306
    username: user
    password: ${TEST_DB_PASSWORD}
`
	path := writeTemp(t, yaml)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Backends.Main.Password != "secret123" {
		t.Errorf("expected password secret123, got %s", cfg.Backends.Main.Password)
	}
}

func TestLoadValidationErrors(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{
			name: "missing main address",
			yaml: `
backends:
  main:
    name: primary
    username: user
`,
		},
		{
			name: "missing main username",
			yaml: `
backends:
  main:
    name: primary
    address: localhost:3306
`,
		},
		{
			name: "other backend missing name",
			yaml: `
backends:
  main:
    name: primary
    address: localhost:3306
    username: user
  others:
    - address: localhost:3307
`,
		},
		{
			name: "other backend missing address",
			yaml: `
backends:
  main:
    name: primary
    address: localhost:3306
    username: user
  others:
    - name: candidate
`,
		},
		{
			name: "invalid explain mode",
			yaml: `
backends:
  main:
    name: primary
    address: localhost:3306
    username: user
diff:
  explain: sometimes
`,
		},
		{
			name: "invalid on_error mode",
			yaml: `
backends:
  main:
    name: primary
    address: localhost:3306
    username: user
diff:
  on_error: retry
`,
		},
		{
			name: "invalid report mode",
			yaml: `
backends:
  main:
    name: primary
    address: localhost:3306
    username: user
diff:
  report: sometimes
`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeTemp(t, tt.yaml)
			_, err := Load(path)
			if err == nil {
				t.Error("expected validation error, got nil")
			}
		})
	}
}

func TestApplyDefaults(t *testing.T) {
	yaml := `
backends:
  main:
    name: primary
    address: localhost:3306
    username: user
`
	path := writeTemp(t, yaml)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Listen.MySQLPort != 3307 {
		t.Errorf("expected default mysql port 3307, got %d", cfg.Listen.MySQLPort)
	}
	if cfg.Listen.APIPort != 8080 {
		t.Errorf("expected default api port 8080, got %d", cfg.Listen.APIPort)
	}
	if cfg.Listen.APIBind != "127.0.0.1" {
		t.Errorf("expected default api bind 127.0.0.1, got %s", cfg.Listen.APIBind)
	}
	if cfg.Diff.Entries != 1000 {
		t.Errorf("expected default entries 1000, got %d", cfg.Diff.Entries)
	}
	if cfg.Diff.Explain != "none" {
		t.Errorf("expected default explain none, got %s", cfg.Diff.Explain)
	}
	if cfg.Diff.MaxExecutionTimeDifference != 20 {
		t.Errorf("expected default max_execution_time_difference 20, got %d", cfg.Diff.MaxExecutionTimeDifference)
	}
	if cfg.Diff.MaxRequestLag != 10 {
		t.Errorf("expected default max_request_lag 10, got %d", cfg.Diff.MaxRequestLag)
	}
	if cfg.Diff.OnError != "ignore" {
		t.Errorf("expected default on_error ignore, got %s", cfg.Diff.OnError)
	}
	if cfg.Diff.Percentile != 0.99 {
		t.Errorf("expected default percentile 0.99, got %v", cfg.Diff.Percentile)
	}
	if cfg.Diff.Report != "on_discrepancy" {
		t.Errorf("expected default report on_discrepancy, got %s", cfg.Diff.Report)
	}
	if cfg.Backends.Main.AuthPlugin != "mysql_native_password" {
		t.Errorf("expected default auth plugin mysql_native_password, got %s", cfg.Backends.Main.AuthPlugin)
	}
}

func TestPeriodDuration(t *testing.T) {
	d := DiffConfig{}
	if d.PeriodDuration().String() != "1h0m0s" {
		t.Errorf("expected default period 1h, got %v", d.PeriodDuration())
	}

	d.Period = "30m"
	if d.PeriodDuration().String() != "30m0s" {
		t.Errorf("expected parsed period 30m, got %v", d.PeriodDuration())
	}

	d.Period = "not-a-duration"
	if d.PeriodDuration().String() != "1h0m0s" {
		t.Errorf("expected fallback to 1h on invalid period, got %v", d.PeriodDuration())
	}
}

func TestServerConfigRedacted(t *testing.T) {
	sc := ServerConfig{Name: "primary", Address: "localhost:3306", Username: "u", Password: "secret"}
	r := sc.Redacted()
	if r.Password == "secret" {
		t.Error("expected password to be redacted")
	}
	if sc.Password != "secret" {
		t.Error("Redacted must not mutate the original")
	}
}

func TestOthersDefaultAuthPlugin(t *testing.T) {
	yaml := `
backends:
  main:
    name: primary
    address: localhost:3306
    username: user
  others:
    - name: candidate
      address: localhost:3307
`
	path := writeTemp(t, yaml)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Backends.Others[0].AuthPlugin != "mysql_native_password" {
		t.Errorf("expected default auth plugin for others, got %s", cfg.Backends.Others[0].AuthPlugin)
	}
}

func writeTemp(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("writing temp file: %v", err)
	}
	return path
}

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_AppliesDefaultsAndOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ditto.yaml")
	yamlBody := `
server:
  addr: ":9090"
admin:
  token: s3cret
backends:
  - name: primary
    kind: proxy
    base_url: https://api.openai.com
`
	if err := os.WriteFile(path, []byte(yamlBody), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Server.Addr != ":9090" {
		t.Fatalf("Server.Addr = %q, want :9090 (overridden)", cfg.Server.Addr)
	}
	if cfg.Server.ReadTimeout != 30*time.Second {
		t.Fatalf("Server.ReadTimeout = %v, want the default 30s (not overridden)", cfg.Server.ReadTimeout)
	}
	if cfg.Cache.MaxEntries != 10000 || !cfg.Cache.Enabled {
		t.Fatalf("Cache defaults not applied: %+v", cfg.Cache)
	}
	if cfg.Admin.Token != "s3cret" {
		t.Fatalf("Admin.Token = %q, want s3cret", cfg.Admin.Token)
	}
	if len(cfg.Backends) != 1 || cfg.Backends[0].Name != "primary" {
		t.Fatalf("Backends = %+v", cfg.Backends)
	}
}

func TestLoad_ExpandsEnvironmentVariables(t *testing.T) {
	t.Setenv("DITTO_ADMIN_TOKEN", "from-env")

	dir := t.TempDir()
	path := filepath.Join(dir, "ditto.yaml")
	yamlBody := "admin:\n  token: ${DITTO_ADMIN_TOKEN}\n"
	if err := os.WriteFile(path, []byte(yamlBody), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Admin.Token != "from-env" {
		t.Fatalf("Admin.Token = %q, want from-env", cfg.Admin.Token)
	}
}

func TestLoad_UnsetEnvVarLeftVerbatim(t *testing.T) {
	os.Unsetenv("DITTO_UNSET_VAR")

	dir := t.TempDir()
	path := filepath.Join(dir, "ditto.yaml")
	yamlBody := "admin:\n  token: \"${DITTO_UNSET_VAR}\"\n"
	if err := os.WriteFile(path, []byte(yamlBody), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Admin.Token != "${DITTO_UNSET_VAR}" {
		t.Fatalf("Admin.Token = %q, want the placeholder left verbatim", cfg.Admin.Token)
	}
}

func TestLoad_MissingFileErrors(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected an error for a missing config file")
	}
}

func TestExpandEnv(t *testing.T) {
	t.Setenv("FOO", "bar")
	got := expandEnv([]byte("value: ${FOO}-${FOO}"))
	if string(got) != "value: bar-bar" {
		t.Fatalf("expandEnv = %q", got)
	}
}

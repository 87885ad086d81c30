package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Port != 7433 {
		t.Errorf("Port = %d, want 7433", cfg.Port)
	}
	if cfg.DefaultRows != 24 || cfg.DefaultCols != 80 {
		t.Errorf("default size = %dx%d, want 80x24", cfg.DefaultCols, cfg.DefaultRows)
	}
	if cfg.AgentCommand != "claude-code-acp" {
		t.Errorf("AgentCommand = %q", cfg.AgentCommand)
	}
}

func TestLoad_YAMLFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "benchd.yaml")
	data := `
host: 0.0.0.0
port: 9000
defaultShell: /bin/sh
promptTimeout: 5m
agentArgs: ["--verbose"]
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Host != "0.0.0.0" {
		t.Errorf("Host = %q", cfg.Host)
	}
	if cfg.Port != 9000 {
		t.Errorf("Port = %d, want 9000", cfg.Port)
	}
	if cfg.DefaultShell != "/bin/sh" {
		t.Errorf("DefaultShell = %q", cfg.DefaultShell)
	}
	if cfg.PromptTimeout != 5*time.Minute {
		t.Errorf("PromptTimeout = %v, want 5m", cfg.PromptTimeout)
	}
	if len(cfg.AgentArgs) != 1 || cfg.AgentArgs[0] != "--verbose" {
		t.Errorf("AgentArgs = %v", cfg.AgentArgs)
	}
	// Fields absent from the file keep defaults.
	if cfg.DefaultRows != 24 {
		t.Errorf("DefaultRows = %d, want 24", cfg.DefaultRows)
	}
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "benchd.yaml")
	if err := os.WriteFile(path, []byte("port: 9000\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	t.Setenv("BENCHD_PORT", "9100")
	t.Setenv("BENCHD_AGENT_ARGS", "--a, --b")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Port != 9100 {
		t.Errorf("Port = %d, want env override 9100", cfg.Port)
	}
	if len(cfg.AgentArgs) != 2 || cfg.AgentArgs[0] != "--a" || cfg.AgentArgs[1] != "--b" {
		t.Errorf("AgentArgs = %v", cfg.AgentArgs)
	}
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	if _, err := Load("/nonexistent/benchd.yaml"); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestLoad_InvalidSize(t *testing.T) {
	t.Setenv("BENCHD_ROWS", "-1")
	if _, err := Load(""); err == nil {
		t.Fatal("expected error for negative rows")
	}
}

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.LLM.Model != "gpt-4o-mini" {
		t.Errorf("expected default model gpt-4o-mini, got %s", cfg.LLM.Model)
	}
	if cfg.LLM.Timeout != 3*time.Minute {
		t.Errorf("expected default LLM timeout 3m, got %v", cfg.LLM.Timeout)
	}
	if cfg.Examples.MaxAttempts != 3 {
		t.Errorf("expected 3 generation attempts, got %d", cfg.Examples.MaxAttempts)
	}
	if cfg.Timeouts.Execution != 60*time.Second || cfg.Timeouts.Installation != 600*time.Second {
		t.Errorf("unexpected default timeouts %+v", cfg.Timeouts)
	}
	if !cfg.Run.RemoveCache {
		t.Error("expected cache removal by default")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config is invalid: %v", err)
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr string
	}{
		{
			name:   "valid default config",
			modify: func(c *Config) {},
		},
		{
			name:    "missing output",
			modify:  func(c *Config) { c.Output = "" },
			wantErr: "Config.Output",
		},
		{
			name:    "unknown provider",
			modify:  func(c *Config) { c.LLM.Provider = "bard" },
			wantErr: "Config.LLM.Provider",
		},
		{
			name:    "temperature too high",
			modify:  func(c *Config) { c.LLM.Temperature = 2.5 },
			wantErr: "Config.LLM.Temperature",
		},
		{
			name:    "zero attempts",
			modify:  func(c *Config) { c.Examples.MaxAttempts = 0 },
			wantErr: "Config.Examples.MaxAttempts",
		},
		{
			name:    "short commit",
			modify:  func(c *Config) { c.GroundTruth.Commit = "3b48ce3" },
			wantErr: "Config.GroundTruth.Commit",
		},
		{
			name:    "negative window",
			modify:  func(c *Config) { c.Sweep.Start = -1 },
			wantErr: "Config.Sweep.Start",
		},
		{
			name:    "bad log level",
			modify:  func(c *Config) { c.Log.Level = "verbose" },
			wantErr: "Config.Log.Level",
		},
		{
			name:    "cache without directory",
			modify:  func(c *Config) { c.LLM.Cache = true; c.LLM.CacheDir = "" },
			wantErr: "Config.LLM.CacheDir",
		},
		{
			name:    "bad metrics address",
			modify:  func(c *Config) { c.Metrics.Listen = "not an address" },
			wantErr: "Config.Metrics.Listen",
		},
		{
			name:   "metrics on all interfaces",
			modify: func(c *Config) { c.Metrics.Listen = ":9464" },
		},
		{
			name:    "declarations without tools",
			modify:  func(c *Config) { c.Tools.RuntimeInfo = nil },
			wantErr: "tools.runtime_info",
		},
		{
			name:   "tools not needed without declarations",
			modify: func(c *Config) { c.Tools.RuntimeInfo = nil; c.Stages.Declarations = false },
		},
		{
			name:    "combined only without combine",
			modify:  func(c *Config) { c.Examples.CombinedOnly = true; c.Examples.Combine = false },
			wantErr: "combined_only",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() error = %v, want nil", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %v, want mention of %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoadFromFile(t *testing.T) {
	// Create temp file with config
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	content := `
output: results
llm:
  provider: anthropic
  model: "claude-test"
  temperature: 0.5
  timeout: 10m
stages:
  comparisons: false
tools:
  runtime_info: ["bin/rti.sh", "--fast"]
  comparator: ["npx", "tsx", "compare.ts"]
nats:
  url: "nats://test:4222"
`
	if err := os.WriteFile(configPath, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	cfg, err := LoadFromFile(configPath)
	if err != nil {
		t.Fatalf("LoadFromFile() error = %v", err)
	}

	if cfg.LLM.Provider != "anthropic" || cfg.LLM.Model != "claude-test" {
		t.Errorf("expected anthropic/claude-test, got %s/%s", cfg.LLM.Provider, cfg.LLM.Model)
	}
	if cfg.LLM.Temperature != 0.5 {
		t.Errorf("expected temperature 0.5, got %f", cfg.LLM.Temperature)
	}
	if cfg.LLM.Timeout != 10*time.Minute {
		t.Errorf("expected timeout 10m, got %v", cfg.LLM.Timeout)
	}
	// Keys absent from the file keep their defaults
	if cfg.LLM.APIKeyEnv != "OPENAI_API_KEY" {
		t.Errorf("expected default api key env, got %s", cfg.LLM.APIKeyEnv)
	}
	if cfg.Stages.Comparisons {
		t.Error("expected comparisons disabled")
	}
	if !cfg.Stages.Declarations {
		t.Error("expected declarations to stay enabled")
	}
	if cfg.NATS.URL != "nats://test:4222" {
		t.Errorf("expected NATS URL nats://test:4222, got %s", cfg.NATS.URL)
	}

	// Paths set by the file are relative to the file
	if want := filepath.Join(tmpDir, "results"); cfg.Output != want {
		t.Errorf("expected output %s, got %s", want, cfg.Output)
	}
	if want := []string{filepath.Join(tmpDir, "bin/rti.sh"), "--fast"}; strings.Join(cfg.Tools.RuntimeInfo, " ") != strings.Join(want, " ") {
		t.Errorf("expected runtime info %v, got %v", want, cfg.Tools.RuntimeInfo)
	}
	if strings.Join(cfg.Tools.Comparator, " ") != "npx tsx compare.ts" {
		t.Errorf("comparator must not be resolved, got %v", cfg.Tools.Comparator)
	}
	// Paths the file did not set stay relative until the loader resolves them
	if cfg.GroundTruth.Path != "output/DefinitelyTyped" {
		t.Errorf("expected default ground truth path, got %s", cfg.GroundTruth.Path)
	}
}

func TestLoadFromFile_Errors(t *testing.T) {
	tmpDir := t.TempDir()

	if _, err := LoadFromFile(filepath.Join(tmpDir, "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}

	bad := filepath.Join(tmpDir, "bad.yaml")
	if err := os.WriteFile(bad, []byte("llm: [unclosed"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadFromFile(bad); err == nil {
		t.Error("expected error for malformed file")
	}
}

func TestConfigSaveToFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "subdir", "config.yaml")

	cfg := DefaultConfig()
	cfg.LLM.Model = "saved-model"
	cfg.Timeouts.Comparison = 90 * time.Second

	if err := cfg.SaveToFile(configPath); err != nil {
		t.Fatalf("SaveToFile() error = %v", err)
	}

	// Verify file was created
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		t.Error("config file was not created")
	}

	// Load and verify
	loaded, err := LoadFromFile(configPath)
	if err != nil {
		t.Fatalf("failed to load saved config: %v", err)
	}
	if loaded.LLM.Model != "saved-model" {
		t.Errorf("expected model saved-model, got %s", loaded.LLM.Model)
	}
	if loaded.Timeouts.Comparison != 90*time.Second {
		t.Errorf("expected comparison timeout 90s, got %v", loaded.Timeouts.Comparison)
	}
}

func TestLoaderPrecedence(t *testing.T) {
	home := t.TempDir()
	project := t.TempDir()
	work := filepath.Join(project, "nested", "dir")
	if err := os.MkdirAll(work, 0755); err != nil {
		t.Fatal(err)
	}

	write := func(path, content string) {
		t.Helper()
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, []byte(content), 0644); err != nil {
			t.Fatal(err)
		}
	}
	write(filepath.Join(home, UserConfigDir, UserConfigFile), "llm:\n  model: user-model\n  max_tokens: 100\nlog:\n  level: debug\n")
	write(filepath.Join(project, ProjectConfigFile), "llm:\n  model: project-model\nsweep:\n  length: 10\n")
	explicit := filepath.Join(t.TempDir(), "run.yaml")
	write(explicit, "sweep:\n  start: 5\n")
	write(filepath.Join(work, EnvFile), "DTSEVAL_NATS_URL=nats://from-env:4222\n")
	t.Setenv("DTSEVAL_NATS_URL", "")
	os.Unsetenv("DTSEVAL_NATS_URL")
	t.Setenv("DTSEVAL_LOG_LEVEL", "warn")

	l := NewLoader(nil)
	l.homeDir = home
	l.workDir = work

	cfg, err := l.Load(explicit)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.LLM.Model != "project-model" {
		t.Errorf("project config must override user config, got %s", cfg.LLM.Model)
	}
	if cfg.LLM.MaxTokens != 100 {
		t.Errorf("user config value lost, got %d", cfg.LLM.MaxTokens)
	}
	if cfg.Sweep.Length != 10 || cfg.Sweep.Start != 5 {
		t.Errorf("expected window 5+10, got %d+%d", cfg.Sweep.Start, cfg.Sweep.Length)
	}
	if cfg.Log.Level != "warn" {
		t.Errorf("environment must override files, got %s", cfg.Log.Level)
	}
	if cfg.NATS.URL != "nats://from-env:4222" {
		t.Errorf("expected NATS URL from .env, got %q", cfg.NATS.URL)
	}
	if want := filepath.Join(work, "output/DefinitelyTyped"); cfg.GroundTruth.Path != want {
		t.Errorf("expected defaults resolved against working dir %s, got %s", want, cfg.GroundTruth.Path)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("loaded config is invalid: %v", err)
	}
}

func TestEnsureUserConfig(t *testing.T) {
	l := NewLoader(nil)
	l.homeDir = t.TempDir()

	if err := l.EnsureUserConfig(); err != nil {
		t.Fatalf("EnsureUserConfig() error = %v", err)
	}
	path := filepath.Join(l.homeDir, UserConfigDir, UserConfigFile)
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("user config not created: %v", err)
	}

	// An existing file is left alone
	if err := os.WriteFile(path, []byte("llm:\n  model: mine\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := l.EnsureUserConfig(); err != nil {
		t.Fatal(err)
	}
	cfg, err := LoadFromFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.LLM.Model != "mine" {
		t.Errorf("existing user config was overwritten")
	}
}

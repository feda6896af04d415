package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultValidates(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Budget.TaskCeilingUSD != 0.75 {
		t.Errorf("task ceiling = %v, want 0.75", cfg.Budget.TaskCeilingUSD)
	}
	if cfg.Loop.MaxSteps != 10 {
		t.Errorf("max steps = %d, want 10", cfg.Loop.MaxSteps)
	}
	if cfg.Tiers[TierDeep].Model == "" {
		t.Error("deep tier has no model")
	}
}

func TestCheckpointStep(t *testing.T) {
	cases := []struct {
		maxSteps int
		ratio    float64
		want     int
	}{
		{10, 0.7, 7},
		{10, 0.75, 8},
		{3, 0.7, 3},
		{1, 0.7, 1},
	}
	for _, tc := range cases {
		cfg := Default()
		cfg.Loop.MaxSteps = tc.maxSteps
		cfg.Loop.CheckpointRatio = tc.ratio
		if got := cfg.CheckpointStep(); got != tc.want {
			t.Errorf("CheckpointStep(%d, %v) = %d, want %d", tc.maxSteps, tc.ratio, got, tc.want)
		}
	}
}

func TestLoadFileOverlay(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "taskpilot.yaml")
	data := `
budget:
  taskCeilingUSD: 1.50
loop:
  maxSteps: 20
tools:
  timeout: 10s
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg := Default()
	if err := cfg.LoadFile(path, false); err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if cfg.Budget.TaskCeilingUSD != 1.50 {
		t.Errorf("task ceiling = %v, want 1.50", cfg.Budget.TaskCeilingUSD)
	}
	if cfg.Loop.MaxSteps != 20 {
		t.Errorf("max steps = %d, want 20", cfg.Loop.MaxSteps)
	}
	if cfg.Tools.Timeout != 10*time.Second {
		t.Errorf("tool timeout = %v, want 10s", cfg.Tools.Timeout)
	}
	// untouched fields keep defaults
	if cfg.Budget.DailyCeilingUSD != 2.00 {
		t.Errorf("daily ceiling = %v, want 2.00", cfg.Budget.DailyCeilingUSD)
	}
}

func TestLoadFileMissingOptional(t *testing.T) {
	cfg := Default()
	if err := cfg.LoadFile("/nonexistent/taskpilot.yaml", true); err != nil {
		t.Errorf("optional missing file should not error, got %v", err)
	}
	if err := cfg.LoadFile("/nonexistent/taskpilot.yaml", false); err == nil {
		t.Error("required missing file should error")
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("TASKPILOT_PORT", "9999")
	t.Setenv("TASKPILOT_TASK_CEILING", "0.25")
	t.Setenv("TASKPILOT_MAX_STEPS", "5")
	t.Setenv("ANTHROPIC_API_KEY", "sk-test")

	cfg := Default()
	cfg.LoadFromEnv()

	if cfg.Gateway.Port != 9999 {
		t.Errorf("port = %d, want 9999", cfg.Gateway.Port)
	}
	if cfg.Budget.TaskCeilingUSD != 0.25 {
		t.Errorf("task ceiling = %v, want 0.25", cfg.Budget.TaskCeilingUSD)
	}
	if cfg.Loop.MaxSteps != 5 {
		t.Errorf("max steps = %d, want 5", cfg.Loop.MaxSteps)
	}
	if cfg.Providers["anthropic"].APIKey != "sk-test" {
		t.Errorf("anthropic key not picked up from env")
	}
}

func TestLoadFromEnvBadValuesKeepDefaults(t *testing.T) {
	t.Setenv("TASKPILOT_PORT", "not-a-number")
	cfg := Default()
	cfg.LoadFromEnv()
	if cfg.Gateway.Port != 55010 {
		t.Errorf("port = %d, want default 55010", cfg.Gateway.Port)
	}
}

func TestValidateRejectsBadConfig(t *testing.T) {
	cfg := Default()
	cfg.Loop.CheckpointRatio = 1.5
	if err := cfg.Validate(); err == nil {
		t.Error("ratio > 1 should fail validation")
	}

	cfg = Default()
	delete(cfg.Tiers, TierDeep)
	if err := cfg.Validate(); err == nil {
		t.Error("missing deep tier should fail validation")
	}

	cfg = Default()
	cfg.Budget.TaskCeilingUSD = 0
	if err := cfg.Validate(); err == nil {
		t.Error("zero task ceiling should fail validation")
	}
}

// Package config provides configuration types and defaults for taskpilot services
// Centralized management of all constants and default values
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Tier names. "fast" is the cheap classification-oriented tier, "deep" the
// capable execution-oriented tier. "route" is the internal budget used for
// the router's own classification call.
const (
	TierFast  = "fast"
	TierDeep  = "deep"
	TierRoute = "route"
)

// TierConfig describes one model tier: which provider/model serves it,
// what it costs, and the token budgets for a single call.
type TierConfig struct {
	Provider        string  `yaml:"provider"`        // anthropic, openai, google
	Model           string  `yaml:"model"`           // provider model name
	InputPerMTok    float64 `yaml:"inputPerMTok"`    // USD per million input tokens
	OutputPerMTok   float64 `yaml:"outputPerMTok"`   // USD per million output tokens
	MaxInputTokens  int     `yaml:"maxInputTokens"`  // prompt budget per call
	MaxOutputTokens int     `yaml:"maxOutputTokens"` // completion budget per call
}

// BudgetConfig holds the spend ceilings enforced by the ledger.
// Each ceiling is independent; breaching any one blocks the next call.
type BudgetConfig struct {
	TaskCeilingUSD    float64 `yaml:"taskCeilingUSD"`
	DailyCeilingUSD   float64 `yaml:"dailyCeilingUSD"`
	MonthlyCeilingUSD float64 `yaml:"monthlyCeilingUSD"`
}

// LoopConfig holds the orchestrator step loop limits.
type LoopConfig struct {
	MaxSteps        int     `yaml:"maxSteps"`
	CheckpointRatio float64 `yaml:"checkpointRatio"` // checkpoint at this fraction of MaxSteps
}

// MemoryConfig holds memory injection limits for the context builder.
type MemoryConfig struct {
	SessionInject  int     `yaml:"sessionInject"`  // max session items injected
	LongTermInject int     `yaml:"longTermInject"` // max long-term items injected
	SearchInject   int     `yaml:"searchInject"`   // max keyword-search hits injected
	BudgetFraction float64 `yaml:"budgetFraction"` // fraction of tier input budget for memory
}

// ToolsConfig holds tool dispatch limits and policy.
type ToolsConfig struct {
	Timeout        time.Duration `yaml:"timeout"`
	MaxResultBytes int           `yaml:"maxResultBytes"`
	Allow          []string      `yaml:"allow"` // empty = all
	Deny           []string      `yaml:"deny"`
	WorkspaceDir   string        `yaml:"workspaceDir"`
	ScriptDir      string        `yaml:"scriptDir"`
}

// StorageConfig holds SQLite and KV storage configuration.
type StorageConfig struct {
	DBPath          string        `yaml:"dbPath"`
	KVDir           string        `yaml:"kvDir"`
	MaxOpenConns    int           `yaml:"maxOpenConns"`
	MaxIdleConns    int           `yaml:"maxIdleConns"`
	ConnMaxLifetime time.Duration `yaml:"connMaxLifetime"`
	WalMode         bool          `yaml:"walMode"`
	SyncMode        string        `yaml:"syncMode"`
}

// GatewayConfig holds the HTTP/WebSocket transport surface configuration.
type GatewayConfig struct {
	Host         string        `yaml:"host"`
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"readTimeout"`
	WriteTimeout time.Duration `yaml:"writeTimeout"`
	IdleTimeout  time.Duration `yaml:"idleTimeout"`
	MaxBodyTask  int64         `yaml:"maxBodyTask"`
}

// ProviderConfig holds credentials for one model provider.
type ProviderConfig struct {
	APIKey  string `yaml:"apiKey"`
	BaseURL string `yaml:"baseUrl"`
	Timeout int    `yaml:"timeout"` // seconds
}

// Config is the root configuration for all taskpilot components.
type Config struct {
	Tiers     map[string]TierConfig     `yaml:"tiers"`
	Budget    BudgetConfig              `yaml:"budget"`
	Loop      LoopConfig                `yaml:"loop"`
	Memory    MemoryConfig              `yaml:"memory"`
	Tools     ToolsConfig               `yaml:"tools"`
	Storage   StorageConfig             `yaml:"storage"`
	Gateway   GatewayConfig             `yaml:"gateway"`
	Providers map[string]ProviderConfig `yaml:"providers"`
}

// DefaultDataDir returns the default data directory
func DefaultDataDir() string {
	if d := os.Getenv("TASKPILOT_DATA_DIR"); d != "" {
		return d
	}
	exe, _ := os.Executable()
	return filepath.Join(filepath.Dir(exe), "data")
}

// DefaultDBPath returns the default database path
func DefaultDBPath() string {
	return filepath.Join(DefaultDataDir(), "taskpilot.db")
}

// DefaultKVDir returns the default KV directory
func DefaultKVDir() string {
	return filepath.Join(DefaultDataDir(), "kv")
}

// DefaultWorkspaceDir returns the workspace directory file tools are jailed to
func DefaultWorkspaceDir() string {
	if d := os.Getenv("TASKPILOT_WORKSPACE"); d != "" {
		return d
	}
	exe, _ := os.Executable()
	return filepath.Join(filepath.Dir(exe), "workspace")
}

// Default returns the complete default configuration.
// Pricing and ceilings follow the shipped tier table; override via YAML or env.
func Default() *Config {
	return &Config{
		Tiers: map[string]TierConfig{
			TierRoute: {
				Provider:        "anthropic",
				Model:           "claude-haiku-4-5-20251001",
				InputPerMTok:    0.80,
				OutputPerMTok:   4.00,
				MaxInputTokens:  500,
				MaxOutputTokens: 100,
			},
			TierFast: {
				Provider:        "anthropic",
				Model:           "claude-haiku-4-5-20251001",
				InputPerMTok:    0.80,
				OutputPerMTok:   4.00,
				MaxInputTokens:  2000,
				MaxOutputTokens: 500,
			},
			TierDeep: {
				Provider:        "anthropic",
				Model:           "claude-sonnet-4-5-20250929",
				InputPerMTok:    3.00,
				OutputPerMTok:   15.00,
				MaxInputTokens:  12000,
				MaxOutputTokens: 4000,
			},
		},
		Budget: BudgetConfig{
			TaskCeilingUSD:    0.75,
			DailyCeilingUSD:   2.00,
			MonthlyCeilingUSD: 30.00,
		},
		Loop: LoopConfig{
			MaxSteps:        10,
			CheckpointRatio: 0.7,
		},
		Memory: MemoryConfig{
			SessionInject:  8,
			LongTermInject: 3,
			SearchInject:   3,
			BudgetFraction: 0.4,
		},
		Tools: ToolsConfig{
			Timeout:        30 * time.Second,
			MaxResultBytes: 15000,
			WorkspaceDir:   DefaultWorkspaceDir(),
			ScriptDir:      filepath.Join(DefaultWorkspaceDir(), "scripts"),
		},
		Storage: StorageConfig{
			DBPath:          DefaultDBPath(),
			KVDir:           DefaultKVDir(),
			MaxOpenConns:    4,
			MaxIdleConns:    4,
			ConnMaxLifetime: 5 * time.Minute,
			WalMode:         true,
			SyncMode:        "NORMAL",
		},
		Gateway: GatewayConfig{
			Host:         "0.0.0.0",
			Port:         55010,
			ReadTimeout:  120 * time.Second,
			WriteTimeout: 180 * time.Second,
			IdleTimeout:  300 * time.Second,
			MaxBodyTask:  256 * 1024,
		},
		Providers: map[string]ProviderConfig{
			"anthropic": {BaseURL: "https://api.anthropic.com/v1", Timeout: 120},
			"openai":    {BaseURL: "https://api.openai.com/v1", Timeout: 120},
			"google":    {Timeout: 120},
		},
	}
}

// LoadFile overlays a YAML config file onto c. Missing file is not an error
// when optional is true (first start with defaults only).
func (c *Config) LoadFile(path string, optional bool) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if optional && os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return c.Validate()
}

// LoadFromEnv overrides configuration with TASKPILOT_* environment variables.
func (c *Config) LoadFromEnv() {
	if v := os.Getenv("TASKPILOT_PORT"); v != "" {
		c.Gateway.Port = parseInt(v, c.Gateway.Port)
	}
	if v := os.Getenv("TASKPILOT_HOST"); v != "" {
		c.Gateway.Host = v
	}
	if v := os.Getenv("TASKPILOT_DB_PATH"); v != "" {
		c.Storage.DBPath = v
	}
	if v := os.Getenv("TASKPILOT_KV_DIR"); v != "" {
		c.Storage.KVDir = v
	}
	if v := os.Getenv("TASKPILOT_WORKSPACE"); v != "" {
		c.Tools.WorkspaceDir = v
	}
	if v := os.Getenv("TASKPILOT_TASK_CEILING"); v != "" {
		c.Budget.TaskCeilingUSD = parseFloat(v, c.Budget.TaskCeilingUSD)
	}
	if v := os.Getenv("TASKPILOT_DAILY_CEILING"); v != "" {
		c.Budget.DailyCeilingUSD = parseFloat(v, c.Budget.DailyCeilingUSD)
	}
	if v := os.Getenv("TASKPILOT_MONTHLY_CEILING"); v != "" {
		c.Budget.MonthlyCeilingUSD = parseFloat(v, c.Budget.MonthlyCeilingUSD)
	}
	if v := os.Getenv("TASKPILOT_MAX_STEPS"); v != "" {
		c.Loop.MaxSteps = parseInt(v, c.Loop.MaxSteps)
	}

	// Provider API keys come from the conventional env vars
	for name, envKey := range map[string]string{
		"anthropic": "ANTHROPIC_API_KEY",
		"openai":    "OPENAI_API_KEY",
		"google":    "GOOGLE_API_KEY",
	} {
		if v := os.Getenv(envKey); v != "" {
			p := c.Providers[name]
			p.APIKey = v
			c.Providers[name] = p
		}
	}
}

// Validate checks cross-field consistency after loading.
func (c *Config) Validate() error {
	for _, name := range []string{TierRoute, TierFast, TierDeep} {
		t, ok := c.Tiers[name]
		if !ok {
			return fmt.Errorf("missing tier %q", name)
		}
		if t.Model == "" {
			return fmt.Errorf("tier %q: model required", name)
		}
		if t.MaxInputTokens <= 0 || t.MaxOutputTokens <= 0 {
			return fmt.Errorf("tier %q: token budgets must be positive", name)
		}
	}
	if c.Loop.MaxSteps <= 0 {
		return fmt.Errorf("loop.maxSteps must be positive")
	}
	if c.Loop.CheckpointRatio <= 0 || c.Loop.CheckpointRatio > 1 {
		return fmt.Errorf("loop.checkpointRatio must be in (0,1]")
	}
	if c.Budget.TaskCeilingUSD <= 0 {
		return fmt.Errorf("budget.taskCeilingUSD must be positive")
	}
	if c.Memory.BudgetFraction <= 0 || c.Memory.BudgetFraction >= 1 {
		return fmt.Errorf("memory.budgetFraction must be in (0,1)")
	}
	return nil
}

// CheckpointStep returns the step index at which the loop pauses for
// confirmation: ceil(ratio * maxSteps).
func (c *Config) CheckpointStep() int {
	step := int(c.Loop.CheckpointRatio * float64(c.Loop.MaxSteps))
	if float64(step) < c.Loop.CheckpointRatio*float64(c.Loop.MaxSteps) {
		step++
	}
	return step
}

func parseInt(s string, defaultVal int) int {
	n, err := strconv.Atoi(s)
	if err != nil {
		return defaultVal
	}
	return n
}

func parseFloat(s string, defaultVal float64) float64 {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return defaultVal
	}
	return f
}

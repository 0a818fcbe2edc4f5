package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"

	"github.com/hochfrequenz/node-sizer/internal/domain"
	"github.com/hochfrequenz/node-sizer/internal/retrain"
	"github.com/hochfrequenz/node-sizer/internal/tier"
)

// LocalConfigName is the per-repository config file searched for upwards
// from the working directory
const LocalConfigName = ".node-sizer.toml"

// Config holds all application configuration
type Config struct {
	General       GeneralConfig       `toml:"general"`
	Model         ModelConfig         `toml:"model"`
	Corpus        CorpusConfig        `toml:"corpus"`
	Retrain       RetrainConfig       `toml:"retrain"`
	Monitor       MonitorConfig       `toml:"monitor"`
	History       HistoryConfig       `toml:"history"`
	Tiers         TiersConfig         `toml:"tiers"`
	Notifications NotificationsConfig `toml:"notifications"`
	Web           WebConfig           `toml:"web"`
	Log           LogConfig           `toml:"log"`
}

// GeneralConfig holds general settings
type GeneralConfig struct {
	BuildType string `toml:"build_type"`
	RepoDir   string `toml:"repo_dir"`
	Shell     string `toml:"shell"`
}

// ModelConfig locates the serving model and the program that evaluates it
type ModelConfig struct {
	Path           string   `toml:"path"`
	PredictCommand []string `toml:"predict_command"`
	TimeoutSecs    int      `toml:"timeout_secs"`
}

// CorpusConfig locates the training corpus
type CorpusConfig struct {
	Path string `toml:"path"`
}

// RetrainConfig holds the retraining policy. AfterBuild lets `run` train
// once min_records new records have accumulated; otherwise only the serve
// schedule and the retrain command train.
type RetrainConfig struct {
	MinRecords   int      `toml:"min_records"`
	TrainCommand []string `toml:"train_command"`
	TimeoutSecs  int      `toml:"timeout_secs"`
	Schedule     string   `toml:"schedule"`
	AfterBuild   bool     `toml:"after_build"`
}

// MonitorConfig holds sampling settings
type MonitorConfig struct {
	IntervalSecs    int `toml:"interval_secs"`
	StopTimeoutSecs int `toml:"stop_timeout_secs"`
}

// HistoryConfig locates the decision ledger
type HistoryConfig struct {
	DatabasePath string `toml:"database_path"`
}

// TiersConfig overrides the canonical tier table
type TiersConfig struct {
	Default string        `toml:"default"`
	Tier    []domain.Tier `toml:"tier"`
}

// NotificationsConfig holds notification settings
type NotificationsConfig struct {
	SlackWebhook string `toml:"slack_webhook"`
}

// WebConfig holds HTTP API settings
type WebConfig struct {
	Port int    `toml:"port"`
	Host string `toml:"host"`
}

// LogConfig holds logging settings
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// Default returns a Config with sensible defaults
func Default() *Config {
	home, _ := os.UserHomeDir()
	base := filepath.Join(home, ".node-sizer")
	return &Config{
		General: GeneralConfig{
			BuildType: string(domain.DefaultBuildType),
			Shell:     "sh",
		},
		Model: ModelConfig{
			Path:           filepath.Join(base, "models", "model.pkl"),
			PredictCommand: []string{"python3", "predict.py"},
			TimeoutSecs:    30,
		},
		Corpus: CorpusConfig{
			Path: filepath.Join(base, "training_data.csv"),
		},
		Retrain: RetrainConfig{
			MinRecords:   retrain.DefaultMinRecords,
			TrainCommand: []string{"python3", "train_model.py"},
			TimeoutSecs:  1800,
			Schedule:     "@daily",
			AfterBuild:   true,
		},
		Monitor: MonitorConfig{
			IntervalSecs:    5,
			StopTimeoutSecs: 2,
		},
		History: HistoryConfig{
			DatabasePath: filepath.Join(base, "history.db"),
		},
		Tiers: TiersConfig{
			Default: tier.DefaultTierName,
		},
		Web: WebConfig{
			Port: 8080,
			Host: "127.0.0.1",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads configuration from a TOML file, falling back to defaults
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}

	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	// Expand paths
	cfg.General.RepoDir = ExpandPath(cfg.General.RepoDir)
	cfg.Model.Path = ExpandPath(cfg.Model.Path)
	cfg.Corpus.Path = ExpandPath(cfg.Corpus.Path)
	cfg.History.DatabasePath = ExpandPath(cfg.History.DatabasePath)

	return cfg, nil
}

// LoadWithLocalFallback loads path when given, else the nearest
// LocalConfigName, else the user config
func LoadWithLocalFallback(path string) (*Config, error) {
	if path != "" {
		return Load(path)
	}
	if local := FindLocalConfig(); local != "" {
		return Load(local)
	}
	return Load(DefaultConfigPath())
}

// FindLocalConfig walks up from the working directory looking for
// LocalConfigName. It returns "" when none is found.
func FindLocalConfig() string {
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}
	for {
		candidate := filepath.Join(dir, LocalConfigName)
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}

// Validate rejects settings the sizing loop cannot run with
func (c *Config) Validate() error {
	if c.Retrain.MinRecords <= 0 {
		return fmt.Errorf("retrain.min_records must be positive, got %d", c.Retrain.MinRecords)
	}
	if c.Monitor.IntervalSecs <= 0 {
		return fmt.Errorf("monitor.interval_secs must be positive, got %d", c.Monitor.IntervalSecs)
	}
	if c.Monitor.StopTimeoutSecs <= 0 {
		return fmt.Errorf("monitor.stop_timeout_secs must be positive, got %d", c.Monitor.StopTimeoutSecs)
	}
	if c.Model.TimeoutSecs < 0 || c.Retrain.TimeoutSecs < 0 {
		return fmt.Errorf("timeouts must not be negative")
	}
	if c.Model.Path == "" {
		return fmt.Errorf("model.path is required")
	}
	if c.Corpus.Path == "" {
		return fmt.Errorf("corpus.path is required")
	}
	if c.Retrain.Schedule != "" {
		if _, err := retrain.ParseSchedule(c.Retrain.Schedule); err != nil {
			return fmt.Errorf("retrain.schedule: %w", err)
		}
	}
	if _, err := c.TierTable(); err != nil {
		return err
	}
	return nil
}

// TierTable builds the configured tier table, the canonical one when no
// tiers are configured
func (c *Config) TierTable() (*tier.Table, error) {
	tiers := c.Tiers.Tier
	if len(tiers) == 0 {
		tiers = tier.DefaultTiers()
	}
	name := c.Tiers.Default
	if name == "" {
		name = tier.DefaultTierName
	}
	t, err := tier.NewTable(tiers, name)
	if err != nil {
		return nil, fmt.Errorf("tiers: %w", err)
	}
	return t, nil
}

// BuildType returns the configured build flavour
func (c *Config) BuildType() domain.BuildType {
	if c.General.BuildType == "" {
		return domain.DefaultBuildType
	}
	return domain.BuildType(c.General.BuildType)
}

// MonitorInterval returns the sampling interval
func (c *Config) MonitorInterval() time.Duration {
	return time.Duration(c.Monitor.IntervalSecs) * time.Second
}

// MonitorStopTimeout returns the bound on Stop's final wait
func (c *Config) MonitorStopTimeout() time.Duration {
	return time.Duration(c.Monitor.StopTimeoutSecs) * time.Second
}

// PredictTimeout returns the per-prediction timeout, zero for none
func (c *Config) PredictTimeout() time.Duration {
	return time.Duration(c.Model.TimeoutSecs) * time.Second
}

// TrainTimeout returns the training timeout, zero for none
func (c *Config) TrainTimeout() time.Duration {
	return time.Duration(c.Retrain.TimeoutSecs) * time.Second
}

// ExpandPath expands ~ to the user's home directory
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[2:])
	}
	return path
}

// DefaultConfigPath returns the default config file location
func DefaultConfigPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "node-sizer", "config.toml")
}

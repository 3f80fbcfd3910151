package answerbench

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/sethvargo/go-envconfig"
	"gopkg.in/yaml.v3"

	"github.com/haulstack/answerbench/assistant"
	"github.com/haulstack/answerbench/metrics"
)

// Config holds all configuration for the evaluation harness.
type Config struct {
	// DBPath is the full path to the SQLite database file.
	// If empty, defaults to ~/.answerbench/<DBName>.db
	DBPath string `json:"db_path" yaml:"db_path" env:"DB_PATH"`

	// DBName is the name for the database (used when DBPath is empty).
	// Defaults to "answerbench". The file will be <DBName>.db inside the
	// storage directory (~/.answerbench/ or working dir).
	DBName string `json:"db_name" yaml:"db_name" env:"DB_NAME"`

	// StorageDir controls where the database is created when DBPath
	// is not explicitly set. Options: "home" (default) uses ~/.answerbench/,
	// "local" uses the current working directory.
	StorageDir string `json:"storage_dir" yaml:"storage_dir" env:"STORAGE_DIR"`

	// Assistant configures the AI assistant under evaluation.
	Assistant assistant.Config `json:"assistant" yaml:"assistant" env:", prefix=ASSISTANT_"`

	// BatchSize is how many questions each run step evaluates (default 15).
	BatchSize int `json:"batch_size" yaml:"batch_size" env:"BATCH_SIZE"`

	// MaxAttempts bounds step retries before the step and its run are
	// failed (default 3).
	MaxAttempts int `json:"max_attempts" yaml:"max_attempts" env:"MAX_ATTEMPTS"`

	// RatePerSecond caps assistant requests per second. Zero disables
	// pacing.
	RatePerSecond float64 `json:"rate_per_second" yaml:"rate_per_second" env:"RATE_PER_SECOND"`

	// NegationRules is an optional path to a YAML rule-set file replacing
	// the built-in negation rules. The file's version is recorded on every
	// run it scores.
	NegationRules string `json:"negation_rules" yaml:"negation_rules" env:"NEGATION_RULES"`

	// Metrics receives harness observations when non-nil. Wired by the
	// embedding process, never from files or environment.
	Metrics *metrics.Metrics `json:"-" yaml:"-"`
}

// DefaultConfig returns a Config with sensible defaults for evaluating a
// locally served assistant. Database is stored in
// ~/.answerbench/answerbench.db by default.
func DefaultConfig() Config {
	return Config{
		DBName:     "answerbench",
		StorageDir: "home",
		Assistant: assistant.Config{
			Provider: "http",
			Model:    "llama3.1:8b",
			BaseURL:  "http://localhost:11434",
		},
		BatchSize:   15,
		MaxAttempts: 3,
	}
}

// LoadConfig builds a Config in ascending precedence: defaults, then an
// optional YAML file, then environment variables.
func LoadConfig(ctx context.Context, path string) (Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}

	if err := envconfig.Process(ctx, &cfg); err != nil {
		return cfg, fmt.Errorf("applying environment config: %w", err)
	}
	return cfg, nil
}

// resolveDBPath computes the final database path from config fields.
func (c *Config) resolveDBPath() string {
	if c.DBPath != "" {
		return c.DBPath
	}

	name := c.DBName
	if name == "" {
		name = "answerbench"
	}

	switch c.StorageDir {
	case "local", "cwd":
		return name + ".db"
	default: // "home" or empty
		home, err := os.UserHomeDir()
		if err != nil {
			return name + ".db" // fallback to cwd
		}
		dir := filepath.Join(home, ".answerbench")
		return filepath.Join(dir, name+".db")
	}
}

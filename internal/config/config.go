package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Settings are the engine-level knobs, resolved from flags, environment,
// an optional .env file and defaults, in that order.
type Settings struct {
	// StateDir holds per-job checkpoints, DLQ files, locks and event logs.
	StateDir string `mapstructure:"state_dir"`
	// BaseRepo is the shared base repository workspaces branch from.
	BaseRepo string `mapstructure:"base_repo"`
	// WorkspaceRoot holds per-agent isolated workspaces.
	WorkspaceRoot string `mapstructure:"workspace_root"`
	// StepTimeout is the default per-step timeout.
	StepTimeout time.Duration `mapstructure:"step_timeout"`
	// MergeStrategy names the workspace conflict strategy (fail, prefer_newest).
	MergeStrategy string `mapstructure:"merge_strategy"`
	// PostgresDSN switches job state from file storage to Postgres when set.
	PostgresDSN string `mapstructure:"postgres_dsn"`
}

// Load resolves settings. A missing .env file is not an error.
func Load() (Settings, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return Settings{}, err
	}

	v := viper.New()
	v.SetEnvPrefix("MAPFLOW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	cwd, err := os.Getwd()
	if err != nil {
		cwd = "."
	}

	v.SetDefault("state_dir", filepath.Join(home, ".mapflow"))
	v.SetDefault("base_repo", cwd)
	v.SetDefault("workspace_root", "")
	v.SetDefault("step_timeout", "5m")
	v.SetDefault("merge_strategy", "fail")
	v.SetDefault("postgres_dsn", "")

	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return Settings{}, err
	}
	if s.WorkspaceRoot == "" {
		s.WorkspaceRoot = filepath.Join(s.StateDir, "workspaces")
	}
	return s, nil
}

// LockDir is where per-job resume locks live.
func (s Settings) LockDir() string {
	return filepath.Join(s.StateDir, "locks")
}

// JobsDir is the file store root.
func (s Settings) JobsDir() string {
	return filepath.Join(s.StateDir, "jobs")
}

// EventsDir holds per-job event logs.
func (s Settings) EventsDir() string {
	return filepath.Join(s.StateDir, "events")
}

package config

import (
	"path/filepath"
	"time"

	"github.com/mattjoyce/lbsync/internal/block"
)

// Config represents the complete lbsync configuration.
type Config struct {
	Log       LogConfig       `yaml:"log"`
	Store     StoreConfig     `yaml:"store"`
	Block     block.Markers   `yaml:"block"`
	Process   ProcessConfig   `yaml:"process"`
	WorkDir   string          `yaml:"work_dir"`
	Workspace WorkspaceConfig `yaml:"workspace"`
	Journal   JournalConfig   `yaml:"journal"`
	Metrics   MetricsConfig   `yaml:"metrics"`

	// SourceFile is the file the config was loaded from, empty for defaults.
	SourceFile string `yaml:"-"`
}

// LogConfig defines logger settings.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// StoreConfig identifies the ConfigMap holding the haproxy document.
type StoreConfig struct {
	Kubectl        string        `yaml:"kubectl"` // command prefix, shell-word quoted
	Namespace      string        `yaml:"namespace"`
	ConfigMap      string        `yaml:"configmap"`
	DataKey        string        `yaml:"data_key"`
	FetchTimeout   time.Duration `yaml:"fetch_timeout"`
	PublishTimeout time.Duration `yaml:"publish_timeout"`
}

// ProcessConfig defines external process handling.
type ProcessConfig struct {
	GracePeriod time.Duration `yaml:"grace_period"`
}

// WorkspaceConfig defines staging directory retention.
type WorkspaceConfig struct {
	Retention time.Duration `yaml:"retention"`
}

// JournalConfig defines the sync run journal.
type JournalConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// MetricsConfig defines metrics export. An empty Textfile disables it.
type MetricsConfig struct {
	Textfile string `yaml:"textfile"`
}

// Defaults returns the default configuration.
func Defaults() *Config {
	return &Config{
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Store: StoreConfig{
			Kubectl:        "kubectl",
			Namespace:      "kube-system",
			ConfigMap:      "cluster-info-smartkube",
			DataKey:        "haproxy",
			FetchTimeout:   60 * time.Second,
			PublishTimeout: 60 * time.Second,
		},
		Block: block.DefaultMarkers(),
		Process: ProcessConfig{
			GracePeriod: 5 * time.Second,
		},
		WorkDir: ".lbsync",
		Workspace: WorkspaceConfig{
			Retention: 7 * 24 * time.Hour,
		},
		Journal: JournalConfig{
			Enabled: true,
		},
	}
}

// RunsDir is where per-run staging workspaces live.
func (c *Config) RunsDir() string {
	return filepath.Join(c.WorkDir, "runs")
}

// LockPath is the single-instance lock file.
func (c *Config) LockPath() string {
	return filepath.Join(c.WorkDir, "lbsync.lock")
}

// JournalPath returns the journal database path.
func (c *Config) JournalPath() string {
	if c.Journal.Path != "" {
		return c.Journal.Path
	}
	return filepath.Join(c.WorkDir, "journal.db")
}

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/mattjoyce/lbsync/internal/process"
)

// DefaultFile is read when no --config flag is given and it exists.
const DefaultFile = "lbsync.yaml"

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads configuration from path and validates it.
func Load(path string) (*Config, error) {
	cfg, err := Read(path)
	if err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Read parses path on top of Defaults without validating. A .env file next
// to the config is loaded into the environment first; variables already set
// win. ${VAR} references are interpolated before YAML parsing.
func Read(path string) (*Config, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path %q: %w", path, err)
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("config file not found: %s\n"+
			"Hint: Check the path or run with --config flag", absPath)
	}

	envFile := filepath.Join(filepath.Dir(absPath), ".env")
	if _, err := os.Stat(envFile); err == nil {
		if err := godotenv.Load(envFile); err != nil {
			return nil, fmt.Errorf("load %s: %w", envFile, err)
		}
	}

	cfg := Defaults()
	if err := yaml.Unmarshal([]byte(interpolateEnv(string(data))), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML in %s: %w", absPath, err)
	}
	cfg.SourceFile = absPath
	return cfg, nil
}

// LoadOrDefault loads path when it exists. A missing file is an error only
// when required is set; otherwise Defaults are returned.
func LoadOrDefault(path string, required bool) (*Config, error) {
	cfg, err := ReadOrDefault(path, required)
	if err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// ReadOrDefault is LoadOrDefault without validation.
func ReadOrDefault(path string, required bool) (*Config, error) {
	if _, err := os.Stat(path); err != nil {
		if required || !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("config file not found: %s", path)
		}
		return Defaults(), nil
	}
	return Read(path)
}

func interpolateEnv(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		// Extract variable name from ${VAR}
		varName := envVarPattern.FindStringSubmatch(match)[1]

		if value, exists := os.LookupEnv(varName); exists {
			return value
		}

		// If not found, leave the placeholder (will fail validation if required)
		return match
	})
}

// Validate reports every problem in cfg at once.
func Validate(cfg *Config) error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[strings.ToLower(cfg.Log.Level)] {
		add("log.level must be one of: debug, info, warn, error (got %q)", cfg.Log.Level)
	}
	if f := strings.ToLower(cfg.Log.Format); f != "json" && f != "text" {
		add("log.format must be json or text (got %q)", cfg.Log.Format)
	}

	if _, err := process.Split(cfg.Store.Kubectl); err != nil {
		add("store.kubectl: %v", err)
	}
	if cfg.Store.Namespace == "" {
		add("store.namespace is required")
	}
	if cfg.Store.ConfigMap == "" {
		add("store.configmap is required")
	}
	if cfg.Store.DataKey == "" {
		add("store.data_key is required")
	}
	if cfg.Store.FetchTimeout <= 0 {
		add("store.fetch_timeout must be positive")
	}
	if cfg.Store.PublishTimeout <= 0 {
		add("store.publish_timeout must be positive")
	}

	if err := cfg.Block.Validate(); err != nil {
		add("block: %v", err)
	}
	if cfg.Process.GracePeriod <= 0 {
		add("process.grace_period must be positive")
	}
	if cfg.WorkDir == "" {
		add("work_dir is required")
	}
	if cfg.Workspace.Retention < 0 {
		add("workspace.retention must not be negative")
	}

	for field, value := range map[string]string{
		"store.kubectl":    cfg.Store.Kubectl,
		"store.namespace":  cfg.Store.Namespace,
		"store.configmap":  cfg.Store.ConfigMap,
		"work_dir":         cfg.WorkDir,
		"journal.path":     cfg.Journal.Path,
		"metrics.textfile": cfg.Metrics.Textfile,
	} {
		if m := envVarPattern.FindStringSubmatch(value); m != nil {
			add("%s: environment variable ${%s} is not set", field, m[1])
		}
	}

	return errors.Join(errs...)
}

// KubectlCommand returns the kubectl argument prefix.
func (c *Config) KubectlCommand() ([]string, error) {
	return process.Split(c.Store.Kubectl)
}

// Package kube reads and replaces a ConfigMap through the kubectl CLI.
package kube

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/mattjoyce/lbsync/internal/process"
)

//go:generate mockgen -destination=mocks/mock_runner.go -package=mocks github.com/mattjoyce/lbsync/internal/kube Runner

// Runner executes kubectl invocations.
type Runner interface {
	Run(ctx context.Context, inv process.Invocation) (process.Result, error)
	RunToFile(ctx context.Context, inv process.Invocation, path string) (process.Result, error)
}

// StoreConfig identifies the ConfigMap and how to reach it.
type StoreConfig struct {
	// Command is the kubectl argument prefix, e.g. ["kubectl", "--context", "prod"].
	Command        []string
	Namespace      string
	Name           string
	FetchTimeout   time.Duration
	PublishTimeout time.Duration
}

// ConfigMapStore dumps and replaces one ConfigMap.
type ConfigMapStore struct {
	runner Runner
	cfg    StoreConfig
	logger *slog.Logger
}

// NewConfigMapStore validates cfg and returns a store using runner.
func NewConfigMapStore(runner Runner, cfg StoreConfig, logger *slog.Logger) (*ConfigMapStore, error) {
	if runner == nil {
		return nil, fmt.Errorf("runner is nil")
	}
	if len(cfg.Command) == 0 || cfg.Command[0] == "" {
		return nil, fmt.Errorf("kubectl command is empty")
	}
	if cfg.Namespace == "" || cfg.Name == "" {
		return nil, fmt.Errorf("configmap namespace and name are required")
	}
	return &ConfigMapStore{
		runner: runner,
		cfg:    cfg,
		logger: logger.With("configmap", cfg.Namespace+"/"+cfg.Name),
	}, nil
}

// Ref returns namespace/name of the ConfigMap.
func (s *ConfigMapStore) Ref() string {
	return s.cfg.Namespace + "/" + s.cfg.Name
}

// Dump writes the ConfigMap as JSON to outPath.
func (s *ConfigMapStore) Dump(ctx context.Context, outPath string) error {
	inv := s.invocation(s.cfg.FetchTimeout, "get", "configmap", s.cfg.Name, "-n", s.cfg.Namespace, "-o", "json")
	if _, err := s.runner.RunToFile(ctx, inv, outPath); err != nil {
		s.logger.Error("dump config map failed", "error", err)
		return fmt.Errorf("dump configmap %s: %w", s.Ref(), err)
	}
	s.logger.Info("dump config map success", "path", outPath)
	return nil
}

// Replace replaces the ConfigMap with the JSON document at inPath.
func (s *ConfigMapStore) Replace(ctx context.Context, inPath string) error {
	inv := s.invocation(s.cfg.PublishTimeout, "replace", "-f", inPath)
	res, err := s.runner.Run(ctx, inv)
	if err != nil {
		s.logger.Error("update config map failed", "error", err)
		return fmt.Errorf("replace configmap %s: %w", s.Ref(), err)
	}
	s.logger.Info("update config map success", "path", inPath, "output", res.Output)
	return nil
}

func (s *ConfigMapStore) invocation(timeout time.Duration, args ...string) process.Invocation {
	argv := make([]string, 0, len(s.cfg.Command)-1+len(args))
	argv = append(argv, s.cfg.Command[1:]...)
	argv = append(argv, args...)
	return process.Invocation{
		Name:    s.cfg.Command[0],
		Args:    argv,
		Timeout: timeout,
	}
}

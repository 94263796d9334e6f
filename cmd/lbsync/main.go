package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/mattjoyce/lbsync/internal/config"
	"github.com/mattjoyce/lbsync/internal/log"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

// run executes the CLI and returns the process exit code.
func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	root := newRootCmd(stdout, stderr)
	root.SetArgs(args)
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(stderr, "lbsync: %v\n", err)
		return 1
	}
	return 0
}

// globalOptions are the persistent flags shared by every command.
type globalOptions struct {
	configPath string
	logLevel   string
	logFormat  string

	stdout io.Writer
	stderr io.Writer
}

// loadConfig resolves the config file and applies flag overrides. An explicit
// --config must exist; the default file is optional.
func (o *globalOptions) loadConfig(validate bool) (*config.Config, error) {
	path, required := o.configPath, true
	if path == "" {
		path, required = config.DefaultFile, false
	}
	cfg, err := config.ReadOrDefault(path, required)
	if err != nil {
		return nil, err
	}
	if o.logLevel != "" {
		cfg.Log.Level = o.logLevel
	}
	if o.logFormat != "" {
		cfg.Log.Format = o.logFormat
	}
	if validate {
		if err := config.Validate(cfg); err != nil {
			return nil, fmt.Errorf("invalid configuration: %w", err)
		}
	}
	return cfg, nil
}

func (o *globalOptions) logger(cfg *config.Config) *slog.Logger {
	return log.New(o.stderr, cfg.Log.Level, cfg.Log.Format)
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	opts := &globalOptions{stdout: stdout, stderr: stderr}

	root := &cobra.Command{
		Use:   "lbsync",
		Short: "Install per-namespace haproxy blocks into the cluster load balancer ConfigMap",
		Long: strings.TrimSpace(`
lbsync keeps one frontend/backend pair per namespace inside the haproxy
document of a ConfigMap. Each update fetches the ConfigMap with kubectl,
replaces the namespace's marked block and publishes the result.`),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(stdout)
	root.SetErr(stderr)

	root.PersistentFlags().StringVar(&opts.configPath, "config", "", "Path to config file (default "+config.DefaultFile+" if present)")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "Log level: debug|info|warn|error")
	root.PersistentFlags().StringVar(&opts.logFormat, "log-format", "", "Log format: json|text")

	root.AddCommand(
		newUpdateCmd(opts),
		newShowCmd(opts),
		newHistoryCmd(opts),
		newInspectCmd(opts),
		newDoctorCmd(opts),
		newVersionCmd(opts),
	)
	return root
}

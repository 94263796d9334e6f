package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/mattjoyce/lbsync/internal/doctor"
	"github.com/mattjoyce/lbsync/internal/haproxy"
	"github.com/mattjoyce/lbsync/internal/inspect"
	"github.com/mattjoyce/lbsync/internal/journal"
	"github.com/mattjoyce/lbsync/internal/lock"
	"github.com/mattjoyce/lbsync/internal/reconcile"
	"github.com/mattjoyce/lbsync/internal/workspace"
)

func newUpdateCmd(opts *globalOptions) *cobra.Command {
	var (
		namespace    string
		frontendIP   string
		frontendPort int
		backendIP    string
		backendPort  int
		addressType  string
	)

	cmd := &cobra.Command{
		Use:   "update",
		Short: "Install or replace the haproxy block for a namespace",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			at, err := haproxy.ParseAddressType(addressType)
			if err != nil {
				return err
			}
			spec := haproxy.BlockSpec{
				Namespace:   namespace,
				Frontend:    haproxy.Endpoint{Host: frontendIP, Port: frontendPort},
				Backend:     haproxy.Endpoint{Host: backendIP, Port: backendPort},
				AddressType: at,
			}
			if err := spec.Validate(); err != nil {
				return err
			}

			cfg, err := opts.loadConfig(true)
			if err != nil {
				return err
			}
			logger := opts.logger(cfg)

			lk, err := lock.Acquire(cfg.LockPath())
			if err != nil {
				return err
			}
			defer func() { _ = lk.Release() }()

			ctx := cmd.Context()
			a, err := newApp(ctx, cfg, logger, true)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			a.cleanupWorkspaces(ctx)
			report, err := a.syncer.SyncBlock(ctx, reconcile.Request{Spec: spec})
			a.writeMetrics()
			if err != nil {
				return err
			}

			state := "unchanged"
			if report.Changed {
				state = "changed"
			}
			fmt.Fprintf(opts.stdout, "updated %s block in %s (%s, run %s)\n", namespace, a.store.Ref(), state, report.RunID)
			return nil
		},
	}

	f := cmd.Flags()
	f.StringVarP(&namespace, "namespace", "n", "", "Namespace whose block is installed")
	f.StringVarP(&frontendIP, "frontend-ip", "f", "", "Frontend bind IP")
	f.IntVarP(&frontendPort, "frontend-port", "p", 0, "Frontend bind port")
	f.StringVarP(&backendIP, "backend-ip", "b", "", "Backend server IP")
	f.IntVarP(&backendPort, "backend-port", "P", haproxy.DefaultBackendPort, "Backend server port")
	f.StringVarP(&addressType, "address-type", "a", string(haproxy.AddressManagement), "Address type: management|business")
	for _, name := range []string{"namespace", "frontend-ip", "frontend-port", "backend-ip"} {
		_ = cmd.MarkFlagRequired(name)
	}
	return cmd
}

func newShowCmd(opts *globalOptions) *cobra.Command {
	var namespace string

	cmd := &cobra.Command{
		Use:   "show",
		Short: "Print the current haproxy block for a namespace",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig(true)
			if err != nil {
				return err
			}
			a, err := newApp(cmd.Context(), cfg, opts.logger(cfg), false)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			body, found, err := a.syncer.ShowBlock(cmd.Context(), namespace)
			if err != nil {
				return err
			}
			if !found {
				return fmt.Errorf("no block for namespace %q in %s", namespace, a.store.Ref())
			}
			for _, line := range body {
				fmt.Fprintln(opts.stdout, line)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&namespace, "namespace", "n", "", "Namespace to show")
	_ = cmd.MarkFlagRequired("namespace")
	return cmd
}

func newHistoryCmd(opts *globalOptions) *cobra.Command {
	var (
		namespace string
		limit     int
		jsonOut   bool
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recent sync runs from the local journal",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig(true)
			if err != nil {
				return err
			}
			if !cfg.Journal.Enabled {
				return errors.New("journal is disabled (journal.enabled: false)")
			}
			j, err := journal.Open(cmd.Context(), cfg.JournalPath())
			if err != nil {
				return fmt.Errorf("open journal: %w", err)
			}
			defer func() { _ = j.Close() }()

			runs, err := j.Recent(cmd.Context(), namespace, limit)
			if err != nil {
				return err
			}
			if jsonOut {
				return printRunsJSON(opts, runs)
			}
			printRunsTable(opts, runs)
			return nil
		},
	}
	cmd.Flags().StringVarP(&namespace, "namespace", "n", "", "Only show runs for this namespace")
	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum number of runs")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Output as JSON")
	return cmd
}

type runView struct {
	ID           string `json:"id"`
	Namespace    string `json:"namespace"`
	AddressType  string `json:"address_type"`
	Frontend     string `json:"frontend"`
	Backend      string `json:"backend"`
	ConfigMap    string `json:"configmap"`
	Status       string `json:"status"`
	Stage        string `json:"stage,omitempty"`
	Error        string `json:"error,omitempty"`
	Changed      bool   `json:"changed"`
	BeforeDigest string `json:"before_digest,omitempty"`
	AfterDigest  string `json:"after_digest,omitempty"`
	StartedAt    string `json:"started_at"`
	DurationMS   int64  `json:"duration_ms"`
}

func printRunsJSON(opts *globalOptions, runs []journal.Run) error {
	views := make([]runView, 0, len(runs))
	for _, r := range runs {
		views = append(views, runView{
			ID:           r.ID,
			Namespace:    r.Namespace,
			AddressType:  r.AddressType,
			Frontend:     r.Frontend,
			Backend:      r.Backend,
			ConfigMap:    r.ConfigMap,
			Status:       string(r.Status),
			Stage:        r.Stage,
			Error:        r.LastError,
			Changed:      r.Changed,
			BeforeDigest: r.BeforeDigest,
			AfterDigest:  r.AfterDigest,
			StartedAt:    r.StartedAt.UTC().Format(time.RFC3339),
			DurationMS:   r.CompletedAt.Sub(r.StartedAt).Milliseconds(),
		})
	}
	data, err := json.MarshalIndent(views, "", "  ")
	if err != nil {
		return fmt.Errorf("render history JSON: %w", err)
	}
	fmt.Fprintln(opts.stdout, string(data))
	return nil
}

func printRunsTable(opts *globalOptions, runs []journal.Run) {
	if len(runs) == 0 {
		fmt.Fprintln(opts.stdout, "No runs recorded.")
		return
	}
	tw := tabwriter.NewWriter(opts.stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "STARTED\tRUN\tNAMESPACE\tSTATUS\tCHANGED\tDETAIL")
	for _, r := range runs {
		detail := r.Frontend + " -> " + r.Backend
		if r.Status == journal.StatusFailed {
			detail = r.Stage + ": " + firstLine(r.LastError)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%t\t%s\n",
			r.StartedAt.UTC().Format(time.RFC3339), r.ID, r.Namespace, r.Status, r.Changed, detail)
	}
	_ = tw.Flush()
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

func newDoctorCmd(opts *globalOptions) *cobra.Command {
	var jsonOut bool

	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Check configuration, kubectl and the work directory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig(false)
			if err != nil {
				return err
			}
			r := doctor.New(cfg).Validate()

			if jsonOut {
				out, err := doctor.FormatJSON(r)
				if err != nil {
					return fmt.Errorf("render doctor JSON: %w", err)
				}
				fmt.Fprintln(opts.stdout, out)
			} else {
				fmt.Fprint(opts.stdout, doctor.FormatHuman(r))
			}

			if !r.Valid {
				return fmt.Errorf("doctor found %d error(s)", len(r.Errors))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Output as JSON")
	return cmd
}

func newInspectCmd(opts *globalOptions) *cobra.Command {
	var jsonOut bool

	cmd := &cobra.Command{
		Use:   "inspect RUN_ID",
		Short: "Show a journalled run with its workspace documents",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig(true)
			if err != nil {
				return err
			}
			if !cfg.Journal.Enabled {
				return errors.New("journal is disabled (journal.enabled: false)")
			}
			j, err := journal.Open(cmd.Context(), cfg.JournalPath())
			if err != nil {
				return fmt.Errorf("open journal: %w", err)
			}
			defer func() { _ = j.Close() }()
			mgr, err := workspace.NewManager(cfg.RunsDir())
			if err != nil {
				return err
			}

			src := inspect.Source{Journal: j, Workspaces: mgr, Markers: cfg.Block, DataKey: cfg.Store.DataKey}
			var out string
			if jsonOut {
				out, err = inspect.BuildJSONReport(cmd.Context(), src, args[0])
				out += "\n"
			} else {
				out, err = inspect.BuildReport(cmd.Context(), src, args[0])
			}
			if err != nil {
				return err
			}
			fmt.Fprint(opts.stdout, out)
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Output as JSON")
	return cmd
}

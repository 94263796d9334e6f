// Package inspect renders a report for one journalled sync run, combining the
// journal row with the documents left in the run workspace.
package inspect

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/mattjoyce/lbsync/internal/block"
	"github.com/mattjoyce/lbsync/internal/configmap"
	"github.com/mattjoyce/lbsync/internal/journal"
	"github.com/mattjoyce/lbsync/internal/workspace"
)

// RunGetter looks up journalled runs.
type RunGetter interface {
	Get(ctx context.Context, id string) (journal.Run, error)
}

// Source is where report data comes from.
type Source struct {
	Journal    RunGetter
	Workspaces *workspace.Manager
	Markers    block.Markers
	DataKey    string
}

// Report is the structured JSON representation of a run report.
type Report struct {
	RunID         string   `json:"run_id"`
	Namespace     string   `json:"namespace"`
	AddressType   string   `json:"address_type"`
	Frontend      string   `json:"frontend"`
	Backend       string   `json:"backend"`
	ConfigMap     string   `json:"configmap"`
	Status        string   `json:"status"`
	Stage         string   `json:"stage,omitempty"`
	Error         string   `json:"error,omitempty"`
	Changed       bool     `json:"changed"`
	BeforeDigest  string   `json:"before_digest,omitempty"`
	AfterDigest   string   `json:"after_digest,omitempty"`
	StartedAt     string   `json:"started_at"`
	Duration      string   `json:"duration"`
	WorkspacePath string   `json:"workspace_path,omitempty"`
	Artifacts     []string `json:"artifacts,omitempty"`
	// Block is the namespace block from the staged document, or from the
	// fetched one when nothing was staged.
	Block       []string `json:"block,omitempty"`
	BlockSource string   `json:"block_source,omitempty"`
}

// BuildReport renders a terminal-friendly report for a run.
func BuildReport(ctx context.Context, src Source, runID string) (string, error) {
	report, err := gatherReportData(ctx, src, runID)
	if err != nil {
		return "", err
	}

	var out strings.Builder
	fmt.Fprintf(&out, "Sync Run Report\n")
	fmt.Fprintf(&out, "Run ID      : %s\n", report.RunID)
	fmt.Fprintf(&out, "Namespace   : %s\n", report.Namespace)
	fmt.Fprintf(&out, "Address     : %s\n", report.AddressType)
	fmt.Fprintf(&out, "Frontend    : %s\n", report.Frontend)
	fmt.Fprintf(&out, "Backend     : %s\n", report.Backend)
	fmt.Fprintf(&out, "ConfigMap   : %s\n", renderUnset(report.ConfigMap, "<unknown>"))
	fmt.Fprintf(&out, "Status      : %s\n", report.Status)
	if report.Stage != "" {
		fmt.Fprintf(&out, "Failed at   : %s\n", report.Stage)
		fmt.Fprintf(&out, "Error       : %s\n", report.Error)
	}
	fmt.Fprintf(&out, "Changed     : %t\n", report.Changed)
	fmt.Fprintf(&out, "Started     : %s (%s)\n", report.StartedAt, report.Duration)
	fmt.Fprintf(&out, "Digests     : %s -> %s\n",
		renderUnset(shortDigest(report.BeforeDigest), "<none>"), renderUnset(shortDigest(report.AfterDigest), "<none>"))
	fmt.Fprintf(&out, "\n")

	fmt.Fprintf(&out, "workspace  : %s\n", renderUnset(report.WorkspacePath, "<removed>"))
	if len(report.Artifacts) == 0 {
		fmt.Fprintf(&out, "artifacts  : <none>\n")
	} else {
		fmt.Fprintf(&out, "artifacts  :\n")
		for _, artifact := range report.Artifacts {
			fmt.Fprintf(&out, "  - %s\n", artifact)
		}
	}

	if report.BlockSource == "" {
		fmt.Fprintf(&out, "block      : <unavailable>\n")
	} else {
		fmt.Fprintf(&out, "block (%s):\n", report.BlockSource)
		for _, line := range report.Block {
			fmt.Fprintf(&out, "  %s\n", line)
		}
	}

	return strings.TrimRight(out.String(), "\n") + "\n", nil
}

// BuildJSONReport returns the machine-readable JSON run report.
func BuildJSONReport(ctx context.Context, src Source, runID string) (string, error) {
	report, err := gatherReportData(ctx, src, runID)
	if err != nil {
		return "", err
	}

	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal json report: %w", err)
	}
	return string(data), nil
}

func gatherReportData(ctx context.Context, src Source, runID string) (*Report, error) {
	if strings.TrimSpace(runID) == "" {
		return nil, fmt.Errorf("run_id is required")
	}

	run, err := src.Journal.Get(ctx, runID)
	if err != nil {
		return nil, err
	}

	report := &Report{
		RunID:        run.ID,
		Namespace:    run.Namespace,
		AddressType:  run.AddressType,
		Frontend:     run.Frontend,
		Backend:      run.Backend,
		ConfigMap:    run.ConfigMap,
		Status:       string(run.Status),
		Stage:        run.Stage,
		Error:        run.LastError,
		Changed:      run.Changed,
		BeforeDigest: run.BeforeDigest,
		AfterDigest:  run.AfterDigest,
		StartedAt:    run.StartedAt.UTC().Format(time.RFC3339),
		Duration:     run.CompletedAt.Sub(run.StartedAt).Round(time.Millisecond).String(),
	}

	if src.Workspaces == nil {
		return report, nil
	}
	ws, err := src.Workspaces.Open(ctx, run.ID)
	if err != nil {
		// Cleaned up or never created.
		return report, nil
	}
	report.WorkspacePath = ws.Dir
	report.Artifacts, _ = listArtifacts(ws.Dir)

	for _, name := range []string{workspace.UpdatedFile, workspace.OriginalFile} {
		body, ok := readBlock(ws.Path(name), src, run.Namespace)
		if ok {
			report.Block = body
			report.BlockSource = name
			break
		}
	}
	return report, nil
}

// readBlock extracts the namespace block from a staged ConfigMap document.
func readBlock(path string, src Source, namespace string) ([]string, bool) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, false
	}
	text, err := configmap.Extract(raw, src.DataKey)
	if err != nil {
		return nil, false
	}
	body, found, err := block.Extract(block.ParseDocument(text), src.Markers, namespace)
	if err != nil || !found {
		return nil, false
	}
	return body, true
}

func listArtifacts(workspaceDir string) ([]string, error) {
	entries, err := os.ReadDir(workspaceDir)
	if err != nil {
		return nil, err
	}
	artifacts := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			return nil, err
		}
		artifacts = append(artifacts, fmt.Sprintf("%s (%d bytes)", filepath.Base(e.Name()), info.Size()))
	}
	sort.Strings(artifacts)
	return artifacts, nil
}

func shortDigest(d string) string {
	if len(d) <= 12 {
		return d
	}
	return d[:12]
}

func renderUnset(v, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}

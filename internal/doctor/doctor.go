// Package doctor checks an lbsync installation before it touches a cluster.
package doctor

import (
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/mattjoyce/lbsync/internal/config"
)

// Result holds the outcome of a validation run.
type Result struct {
	Valid    bool    `json:"valid"`
	Errors   []Issue `json:"errors,omitempty"`
	Warnings []Issue `json:"warnings,omitempty"`
}

// Issue describes a single validation error or warning.
type Issue struct {
	Category string `json:"category"`
	Message  string `json:"message"`
	Field    string `json:"field,omitempty"`
}

// Doctor validates a loaded configuration and the local environment.
type Doctor struct {
	cfg      *config.Config
	lookPath func(string) (string, error)
}

// New creates a Doctor for cfg.
func New(cfg *config.Config) *Doctor {
	return &Doctor{cfg: cfg, lookPath: exec.LookPath}
}

// Validate runs all checks and returns a result.
func (d *Doctor) Validate() *Result {
	r := &Result{Valid: true}

	d.validateConfig(r)
	d.validateKubectl(r)
	d.validateWorkDir(r)
	d.warnMarkers(r)
	d.warnRetention(r)
	d.warnJournal(r)
	d.warnMetrics(r)

	r.Valid = len(r.Errors) == 0
	return r
}

func (d *Doctor) addError(r *Result, category, field, msg string) {
	r.Errors = append(r.Errors, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) addWarning(r *Result, category, field, msg string) {
	r.Warnings = append(r.Warnings, Issue{Category: category, Field: field, Message: msg})
}

// validateConfig reports each configuration problem separately.
func (d *Doctor) validateConfig(r *Result) {
	err := config.Validate(d.cfg)
	if err == nil {
		return
	}
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		for _, e := range joined.Unwrap() {
			d.addError(r, "config", "", e.Error())
		}
		return
	}
	d.addError(r, "config", "", err.Error())
}

// validateKubectl checks that the kubectl binary resolves.
func (d *Doctor) validateKubectl(r *Result) {
	argv, err := d.cfg.KubectlCommand()
	if err != nil {
		// Already reported by validateConfig.
		return
	}
	if _, err := d.lookPath(argv[0]); err != nil {
		d.addError(r, "kubectl", "store.kubectl", fmt.Sprintf("%s not usable: %v", argv[0], err))
	}
}

// validateWorkDir checks that run workspaces can be created.
func (d *Doctor) validateWorkDir(r *Result) {
	if d.cfg.WorkDir == "" {
		return
	}
	if err := os.MkdirAll(d.cfg.WorkDir, 0o755); err != nil {
		d.addError(r, "work_dir", "work_dir", fmt.Sprintf("cannot create %s: %v", d.cfg.WorkDir, err))
		return
	}
	f, err := os.CreateTemp(d.cfg.WorkDir, ".doctor-*")
	if err != nil {
		d.addError(r, "work_dir", "work_dir", fmt.Sprintf("%s is not writable: %v", d.cfg.WorkDir, err))
		return
	}
	name := f.Name()
	_ = f.Close()
	_ = os.Remove(name)
}

// warnMarkers flags markers HAProxy would not read as comments.
func (d *Doctor) warnMarkers(r *Result) {
	if err := d.cfg.Block.Validate(); err != nil {
		return
	}
	for field, tmpl := range map[string]string{
		"block.begin_marker": d.cfg.Block.Begin,
		"block.end_marker":   d.cfg.Block.End,
	} {
		if !strings.HasPrefix(tmpl, "#") {
			d.addWarning(r, "markers", field,
				fmt.Sprintf("marker %q is not an haproxy comment and will be parsed as a directive", tmpl))
		}
	}
}

func (d *Doctor) warnRetention(r *Result) {
	if d.cfg.Workspace.Retention == 0 {
		d.addWarning(r, "workspace", "workspace.retention",
			"retention is 0; run workspaces are never cleaned up")
	}
}

func (d *Doctor) warnJournal(r *Result) {
	if !d.cfg.Journal.Enabled {
		d.addWarning(r, "journal", "journal.enabled", "journal disabled; history will be empty")
	}
}

func (d *Doctor) warnMetrics(r *Result) {
	if d.cfg.Metrics.Textfile == "" {
		return
	}
	dir := filepath.Dir(d.cfg.Metrics.Textfile)
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		d.addWarning(r, "metrics", "metrics.textfile",
			fmt.Sprintf("directory %s does not exist; it will be created on first write", dir))
	}
}

// FormatHuman returns a human-readable summary of the result.
func FormatHuman(r *Result) string {
	var b strings.Builder

	if r.Valid && len(r.Warnings) == 0 {
		b.WriteString("Configuration valid.\n")
		return b.String()
	}

	if r.Valid {
		fmt.Fprintf(&b, "Configuration valid (%d warning(s))\n", len(r.Warnings))
	} else {
		fmt.Fprintf(&b, "Configuration invalid (%d error(s), %d warning(s))\n", len(r.Errors), len(r.Warnings))
	}

	for _, e := range r.Errors {
		writeIssue(&b, "ERROR", e)
	}
	for _, w := range r.Warnings {
		writeIssue(&b, "WARN ", w)
	}

	return b.String()
}

func writeIssue(b *strings.Builder, level string, i Issue) {
	if i.Field != "" {
		fmt.Fprintf(b, "  %s [%s] %s: %s\n", level, i.Category, i.Field, i.Message)
		return
	}
	fmt.Fprintf(b, "  %s [%s] %s\n", level, i.Category, i.Message)
}

// FormatJSON returns the result as indented JSON.
func FormatJSON(r *Result) (string, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}

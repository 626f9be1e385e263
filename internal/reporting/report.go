// Package reporting writes a JSON record of every run so relocations can
// be audited after the fact.
package reporting

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"relocare/internal/config"
)

const Version = "1.0.0"

// Step statuses.
const (
	StatusCompleted = "completed"
	StatusSkipped   = "skipped"
	StatusFailed    = "failed"
	StatusWarning   = "warning"
)

// Report is the JSON record of one run.
type Report struct {
	RunID     string        `json:"run_id"`
	Version   string        `json:"version"`
	Hostname  string        `json:"hostname"`
	Timestamp time.Time     `json:"timestamp"`
	Branch    string        `json:"branch"`
	DryRun    bool          `json:"dry_run"`
	Steps     []StepReport  `json:"steps"`
	Recovery  RecoveryState `json:"recovery"`
	ExitCode  int           `json:"exit_code"`
	Duration  string        `json:"duration"`

	start time.Time
}

// StepReport records one engine step.
type StepReport struct {
	Name   string    `json:"name"`
	Status string    `json:"status"`
	Time   time.Time `json:"time"`
	Detail string    `json:"detail,omitempty"`
	Error  string    `json:"error,omitempty"`
}

// RecoveryState is the final state of the recovery environment and its
// relocated partition.
type RecoveryState struct {
	Enabled        bool   `json:"enabled"`
	Location       string `json:"location,omitempty"`
	BCDIdentifier  string `json:"bcd_identifier,omitempty"`
	DriveLetter    string `json:"drive_letter,omitempty"`
	PartitionSize  int64  `json:"partition_size,omitempty"`
	BackupPath     string `json:"backup_path,omitempty"`
	BackupDigest   string `json:"backup_digest,omitempty"`
	RestoredDigest string `json:"restored_digest,omitempty"`
	ImageVersion   string `json:"image_version,omitempty"`
}

// NewReport starts a run record.
func NewReport(dryRun bool) *Report {
	hostname, _ := os.Hostname()
	now := time.Now()
	return &Report{
		RunID:     uuid.NewString(),
		Version:   Version,
		Hostname:  hostname,
		Timestamp: now,
		DryRun:    dryRun,
		start:     now,
	}
}

// Step appends a step record.
func (r *Report) Step(name, status, detail string) {
	r.Steps = append(r.Steps, StepReport{
		Name:   name,
		Status: status,
		Time:   time.Now(),
		Detail: detail,
	})
}

// StepError appends a failed step record.
func (r *Report) StepError(name string, err error) {
	r.Steps = append(r.Steps, StepReport{
		Name:   name,
		Status: StatusFailed,
		Time:   time.Now(),
		Error:  err.Error(),
	})
}

// Finish stamps the exit code and total duration.
func (r *Report) Finish(exitCode int) {
	r.ExitCode = exitCode
	r.Duration = time.Since(r.start).String()
}

// Save writes the report under the configured report directory. Disabled
// reporting is not an error.
func Save(report *Report, cfg *config.Config) (string, error) {
	if !cfg.Reporting.Enabled {
		return "", nil
	}

	if err := os.MkdirAll(cfg.Reporting.LocalPath, 0755); err != nil {
		return "", fmt.Errorf("cannot create report directory: %w", err)
	}

	filename := fmt.Sprintf("relocare_report_%s.json", report.Timestamp.Format("20060102_150405"))
	path := filepath.Join(cfg.Reporting.LocalPath, filename)

	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return "", fmt.Errorf("cannot serialize report: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", fmt.Errorf("cannot write report: %w", err)
	}
	return path, nil
}

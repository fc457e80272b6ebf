package runner

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Job status values for progress records.
const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusError     = "error"
)

// Progress is the persisted state of a background job. The runner
// rewrites the whole record on every output line, so the file is
// always a complete, independently parseable snapshot. Writes go
// through a temp file and atomic rename; pollers never see a torn
// read.
type Progress struct {
	Status     string     `json:"status"`
	Output     []string   `json:"output"`
	ExitCode   *int       `json:"exit_code,omitempty"`
	Error      string     `json:"error,omitempty"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// ProgressPath derives the record location for a job id.
func ProgressPath(dir, jobID string) string {
	return filepath.Join(dir, fmt.Sprintf("job_%s.json", jobID))
}

// ReadProgress loads a progress record. Pollers are read-only: only
// the runner process ever writes the file.
func ReadProgress(path string) (Progress, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Progress{}, err
	}
	var p Progress
	if err := json.Unmarshal(b, &p); err != nil {
		return Progress{}, fmt.Errorf("progress record %s: %w", path, err)
	}
	return p, nil
}

func writeProgress(path string, p Progress) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return err
	}
	b, err := json.Marshal(p)
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".progress-*")
	if err != nil {
		return err
	}
	name := tmp.Name()
	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		_ = os.Remove(name)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(name)
		return err
	}
	return os.Rename(name, path)
}

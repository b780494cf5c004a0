package models

import (
	"encoding/json"
	"time"

	"github.com/guregu/null/v6"
)

type ExecutionStatus string

const (
	StatusUploaded  ExecutionStatus = "UPLOADED"
	StatusRunning   ExecutionStatus = "RUNNING"
	StatusCompleted ExecutionStatus = "COMPLETED"
	StatusFailed    ExecutionStatus = "FAILED"
	StatusCancelled ExecutionStatus = "CANCELLED"
)

// IsTerminal reports whether the status ends an execution attempt
func (s ExecutionStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

func (s ExecutionStatus) Valid() bool {
	return s == StatusUploaded || s == StatusRunning || s.IsTerminal()
}

// Execution is a model representing the `executions` table. One row exists per uploaded
// script and is reused by every run of that script.
type Execution struct {
	ID              int64           `db:"id" json:"id"`
	Owner           string          `db:"owner" json:"owner"`
	ScriptPath      string          `db:"script_path" json:"scriptPath"`
	Status          ExecutionStatus `db:"status" json:"status"`
	Logs            string          `db:"logs" json:"logs"`
	ErrorMessage    null.String     `db:"error_message" json:"errorMessage"`
	ExitCode        null.Int        `db:"exit_code" json:"exitCode"`
	StartedAt       null.Time       `db:"started_at" json:"startedAt"`
	CompletedAt     null.Time       `db:"completed_at" json:"completedAt"`
	ExecutionHandle null.String     `db:"execution_handle" json:"executionHandle"`
	WorkerID        null.String     `db:"worker_id" json:"workerId"`
	HeartbeatAt     null.Time       `db:"heartbeat_at" json:"heartbeatAt"`
	Progress        null.String     `db:"progress" json:"-"`
	CreatedAt       time.Time       `db:"created_at" json:"createdAt"`
}

// DecodeProgress returns the progress metadata of the last flush, if any
func (e *Execution) DecodeProgress() (*Progress, error) {
	if !e.Progress.Valid || e.Progress.String == "" {
		return nil, nil
	}
	var p Progress
	if err := json.Unmarshal([]byte(e.Progress.String), &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// Progress is the observer-facing snapshot written alongside the logs on every flush
type Progress struct {
	Tail            []string `json:"tail"`
	LineCount       int      `json:"lineCount"`
	ElapsedSeconds  float64  `json:"elapsedSeconds"`
	TimeoutFraction float64  `json:"timeoutFraction"`
	Message         string   `json:"message,omitempty"`
}

func (p Progress) Encode() null.String {
	data, err := json.Marshal(p)
	if err != nil {
		return null.String{}
	}
	return null.StringFrom(string(data))
}

// Terminal describes the final state a supervisor persists for a run
type Terminal struct {
	Status       ExecutionStatus
	ErrorMessage null.String
	ExitCode     null.Int
	Logs         string
}

package api

import (
	"errors"
	"path/filepath"
	"strings"
	"time"

	"github.com/guregu/null/v6"
	"scriptrunner/internal/models"
)

type CreateExecutionRequest struct {
	Owner      string `json:"owner"`
	ScriptPath string `json:"scriptPath"`
}

func (c *CreateExecutionRequest) Validate() error {
	var errs []error

	c.Owner = strings.TrimSpace(c.Owner)
	if c.Owner == "" {
		errs = append(errs, errors.New("owner is empty"))
	}

	c.ScriptPath = strings.TrimSpace(c.ScriptPath)
	switch {
	case c.ScriptPath == "":
		errs = append(errs, errors.New("scriptPath is empty"))
	case !filepath.IsAbs(c.ScriptPath):
		errs = append(errs, errors.New("scriptPath must be an absolute path"))
	}

	return errors.Join(errs...)
}

// StatusView is the read model of an execution served to clients
type StatusView struct {
	ID           int64                  `json:"id"`
	Status       models.ExecutionStatus `json:"status"`
	Logs         string                 `json:"logs"`
	ErrorMessage null.String            `json:"errorMessage"`
	ExitCode     null.Int               `json:"exitCode"`
	StartedAt    null.Time              `json:"startedAt"`
	CompletedAt  null.Time              `json:"completedAt"`
	Progress     *models.Progress       `json:"progress"`
}

func NewStatusView(e *models.Execution) StatusView {
	view := StatusView{
		ID:           e.ID,
		Status:       e.Status,
		Logs:         e.Logs,
		ErrorMessage: e.ErrorMessage,
		ExitCode:     e.ExitCode,
		StartedAt:    e.StartedAt,
		CompletedAt:  e.CompletedAt,
	}
	// progress is advisory, a record with unreadable progress is still served
	if p, err := e.DecodeProgress(); err == nil {
		view.Progress = p
	}
	return view
}

type CancelResponse struct {
	ExecutionID int64     `json:"executionId"`
	RequestedAt time.Time `json:"requestedAt"`
}

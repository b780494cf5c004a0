package models_test

import (
	"testing"

	"github.com/guregu/null/v6"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"scriptrunner/internal/models"
)

func TestExecutionStatus_IsTerminal(t *testing.T) {
	tests := []struct {
		status   models.ExecutionStatus
		terminal bool
		valid    bool
	}{
		{models.StatusUploaded, false, true},
		{models.StatusRunning, false, true},
		{models.StatusCompleted, true, true},
		{models.StatusFailed, true, true},
		{models.StatusCancelled, true, true},
		{models.ExecutionStatus("PAUSED"), false, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			assert.Equal(t, tt.terminal, tt.status.IsTerminal())
			assert.Equal(t, tt.valid, tt.status.Valid())
		})
	}
}

func TestExecution_DecodeProgress(t *testing.T) {
	t.Run("no progress yet", func(t *testing.T) {
		e := models.Execution{}
		p, err := e.DecodeProgress()
		assert.NoError(t, err)
		assert.Nil(t, p)
	})

	t.Run("encoded progress", func(t *testing.T) {
		e := models.Execution{Progress: models.Progress{
			Tail:            []string{"Line 1", "Line 2"},
			LineCount:       2,
			ElapsedSeconds:  1.5,
			TimeoutFraction: 0.25,
		}.Encode()}

		p, err := e.DecodeProgress()
		require.NoError(t, err)
		assert.Equal(t, []string{"Line 1", "Line 2"}, p.Tail)
		assert.Equal(t, 2, p.LineCount)
		assert.Equal(t, 0.25, p.TimeoutFraction)
	})

	t.Run("corrupt progress", func(t *testing.T) {
		e := models.Execution{Progress: null.StringFrom("{")}
		_, err := e.DecodeProgress()
		assert.Error(t, err)
	})
}

package api_test

import (
	"testing"

	"github.com/guregu/null/v6"
	"github.com/stretchr/testify/assert"

	"scriptrunner/internal/api"
	"scriptrunner/internal/models"
)

func TestCreateExecutionRequest_Validate(t *testing.T) {
	tests := []struct {
		name    string
		request api.CreateExecutionRequest
		wantErr bool
		errMsgs []string
	}{
		{
			name:    "valid request",
			request: api.CreateExecutionRequest{Owner: "ann", ScriptPath: "/srv/scripts/a.py"},
		},
		{
			name:    "whitespace is trimmed",
			request: api.CreateExecutionRequest{Owner: " ann ", ScriptPath: " /srv/scripts/a.py "},
		},
		{
			name:    "empty owner",
			request: api.CreateExecutionRequest{Owner: "  ", ScriptPath: "/srv/a.py"},
			wantErr: true,
			errMsgs: []string{"owner is empty"},
		},
		{
			name:    "relative script path",
			request: api.CreateExecutionRequest{Owner: "ann", ScriptPath: "scripts/a.py"},
			wantErr: true,
			errMsgs: []string{"scriptPath must be an absolute path"},
		},
		{
			name:    "everything missing",
			request: api.CreateExecutionRequest{},
			wantErr: true,
			errMsgs: []string{"owner is empty", "scriptPath is empty"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.request.Validate()
			if !tt.wantErr {
				assert.NoError(t, err)
				assert.Equal(t, "ann", tt.request.Owner)
				assert.Equal(t, "/srv/scripts/a.py", tt.request.ScriptPath)
				return
			}

			assert.Error(t, err)
			for _, msg := range tt.errMsgs {
				assert.Contains(t, err.Error(), msg)
			}
		})
	}
}

func TestNewStatusView(t *testing.T) {
	e := &models.Execution{
		ID:           3,
		Status:       models.StatusRunning,
		Logs:         "a\nb\n",
		ErrorMessage: null.String{},
		Progress:     models.Progress{Tail: []string{"b"}, LineCount: 2}.Encode(),
	}

	view := api.NewStatusView(e)
	assert.Equal(t, int64(3), view.ID)
	assert.Equal(t, models.StatusRunning, view.Status)
	assert.Equal(t, "a\nb\n", view.Logs)
	if assert.NotNil(t, view.Progress) {
		assert.Equal(t, 2, view.Progress.LineCount)
		assert.Equal(t, []string{"b"}, view.Progress.Tail)
	}

	e.Progress = null.StringFrom("{not json")
	assert.Nil(t, api.NewStatusView(e).Progress)
}

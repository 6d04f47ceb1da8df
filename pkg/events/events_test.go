package events

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pieceflow/pieceflow/pkg/models"
)

func TestEventTypes(t *testing.T) {
	t.Parallel()

	assert.Equal(t, RunQueuedEvent, RunQueued{}.GetType())
	assert.Equal(t, RunStartedEvent, RunStarted{}.GetType())
	assert.Equal(t, RunFinishedEvent, RunFinished{}.GetType())
	assert.Equal(t, StepStartedEvent, StepStarted{}.GetType())
	assert.Equal(t, StepFinishedEvent, StepFinished{}.GetType())
}

func TestNewBaseEvent(t *testing.T) {
	t.Parallel()

	base := NewBaseEvent(RunStartedEvent, "run-1")

	assert.NotEmpty(t, base.ID)
	assert.Equal(t, RunStartedEvent, base.Type)
	assert.Equal(t, "run-1", base.RunID)
	assert.WithinDuration(t, time.Now().UTC(), base.Timestamp, time.Minute)
}

func TestRunFinishedSerialization(t *testing.T) {
	t.Parallel()

	original := &RunFinished{
		BaseEvent:     NewBaseEvent(RunFinishedEvent, "run-1"),
		FlowVersionID: "fv-1",
		ProjectID:     "project-1",
		Status:        models.RunStatusFailed,
		Error: &models.StepError{
			Code:    models.ErrCodePieceRuntime,
			Message: "connection refused",
			StepID:  "notify",
		},
		StepsExecuted: 3,
		Duration:      1500 * time.Millisecond,
	}

	data, err := json.Marshal(original)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"type":"run.finished"`)
	assert.Contains(t, string(data), `"status":"FAILED"`)
	assert.Contains(t, string(data), `"step_id":"notify"`)

	var decoded RunFinished

	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, original.RunID, decoded.RunID)
	assert.Equal(t, original.Status, decoded.Status)
	assert.Equal(t, original.Error.Code, decoded.Error.Code)
	assert.Equal(t, original.Duration, decoded.Duration)
}

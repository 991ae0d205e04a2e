package models

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeTask(t *testing.T) {
	tests := []struct {
		name       string
		data       string
		expectedID string
		wantErr    bool
	}{
		{
			name:       "valid task",
			data:       `{"task_id":"t1","worker":"w1","description":"echo hi"}`,
			expectedID: "t1",
		},
		{
			name:       "mismatched task_id",
			data:       `{"task_id":"t1","worker":"w1","description":"echo hi"}`,
			expectedID: "t2",
			wantErr:    true,
		},
		{
			name:       "missing task_id",
			data:       `{"worker":"w1","description":"echo hi"}`,
			expectedID: "",
			wantErr:    true,
		},
		{
			name:       "missing worker",
			data:       `{"task_id":"t1","description":"echo hi"}`,
			expectedID: "t1",
			wantErr:    true,
		},
		{
			name:       "malformed json",
			data:       `{not json`,
			expectedID: "t1",
			wantErr:    true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			task, err := DecodeTask([]byte(tt.data), tt.expectedID)
			if tt.wantErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, ErrInvalidPayload)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "t1", task.TaskID)
		})
	}
}

func TestTask_UnmarshalJSON_PreservesExtraFields(t *testing.T) {
	data := []byte(`{"task_id":"t1","worker":"w1","description":"echo hi","priority":"high","callback_url":"https://example.com/hook"}`)

	task, err := DecodeTask(data, "t1")
	require.NoError(t, err)
	require.Len(t, task.Extra, 2)
	assert.JSONEq(t, `"high"`, string(task.Extra["priority"]))
	assert.JSONEq(t, `"https://example.com/hook"`, string(task.Extra["callback_url"]))

	out, err := json.Marshal(task)
	require.NoError(t, err)

	var roundTripped map[string]interface{}
	require.NoError(t, json.Unmarshal(out, &roundTripped))
	assert.Equal(t, "high", roundTripped["priority"])
	assert.Equal(t, "https://example.com/hook", roundTripped["callback_url"])
}

func TestTaskResult_MarshalJSON_CarriesExtraFieldsVerbatim(t *testing.T) {
	result := TaskResult{
		TaskID:      "t1",
		Worker:      "w1",
		FinalStatus: FinalCompleted,
		Extra: map[string]json.RawMessage{
			"priority": json.RawMessage(`"high"`),
		},
	}

	data, err := json.Marshal(result)
	require.NoError(t, err)

	var decoded TaskResult
	require.NoError(t, json.Unmarshal(data, &decoded))
	require.Len(t, decoded.Extra, 1)
	assert.JSONEq(t, `"high"`, string(decoded.Extra["priority"]))
}

func TestExitStatus_Retriable(t *testing.T) {
	assert.True(t, ExitFailed.Retriable())
	assert.True(t, ExitTimeout.Retriable())
	assert.False(t, ExitInvalidPayload.Retriable())
	assert.False(t, ExitCircuitOpen.Retriable())
	assert.False(t, ExitLockConflict.Retriable())
}

func TestExitStatus_CountsAsFailure(t *testing.T) {
	assert.True(t, ExitFailed.CountsAsFailure())
	assert.True(t, ExitTimeout.CountsAsFailure())
	assert.True(t, ExitInvalidPayload.CountsAsFailure())
	assert.False(t, ExitCircuitOpen.CountsAsFailure())
	assert.False(t, ExitLockConflict.CountsAsFailure())
}

func TestHeartbeat_Stale(t *testing.T) {
	now := time.Now()
	interval := 10 * time.Second

	fresh := Heartbeat{Timestamp: now.Add(-5 * time.Second)}
	assert.False(t, fresh.Stale(now, interval))

	stale := Heartbeat{Timestamp: now.Add(-31 * time.Second)}
	assert.True(t, stale.Stale(now, interval))
}

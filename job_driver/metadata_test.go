package jobdriver

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const describeJSON = `{
  "reference": {"jobId": "8f1c2b", "projectId": "proj"},
  "placement": {"clusterName": "cluster"},
  "status": {"state": "DONE", "stateStartTime": "2025-04-20T18:05:13.250000Z"},
  "statusHistory": [
    {"state": "PENDING", "stateStartTime": "2025-04-20T18:03:00.000000Z"},
    {"state": "SETUP_DONE", "stateStartTime": "2025-04-20T18:03:00.500000Z"},
    {"state": "RUNNING", "details": "Agent reported job success", "stateStartTime": "2025-04-20T18:03:01.000000Z"}
  ]
}`

func ts(t *testing.T, s string) *time.Time {
	t.Helper()
	v, err := time.Parse(time.RFC3339Nano, s)
	require.NoError(t, err)
	v = v.UTC()
	return &v
}

func TestParseDescribeOutput(t *testing.T) {
	meta, err := ParseDescribeOutput([]byte(describeJSON))
	require.NoError(t, err)
	assert.Equal(t, "8f1c2b", meta.JobID)
	assert.Equal(t, StateDone, meta.Status.State)
	require.Len(t, meta.History, 3)
	assert.Equal(t, StateRunning, meta.History[2].State)
	assert.Equal(t, "Agent reported job success", meta.History[2].Details)

	elapsed, err := meta.Elapsed()
	require.NoError(t, err)
	assert.InDelta(t, 132.25, elapsed, 1e-9)
}

func TestElapsedIsEndMinusFirstRunning(t *testing.T) {
	meta := &JobMetadata{
		Status: StateTransition{State: StateDone, StateStartTime: ts(t, "2025-01-01T00:02:10Z")},
		History: []StateTransition{
			{State: StatePending, StateStartTime: ts(t, "2025-01-01T00:00:00Z")},
			{State: StateRunning, StateStartTime: ts(t, "2025-01-01T00:00:10Z")},
			{State: StateRunning, StateStartTime: ts(t, "2025-01-01T00:01:00Z")},
			// the last history entry is not the end
			{State: StateSetupDone, StateStartTime: ts(t, "2025-01-01T00:09:00Z")},
		},
	}
	elapsed, err := meta.Elapsed()
	require.NoError(t, err)
	assert.Equal(t, 120.0, elapsed)
}

func TestElapsedNormalisesTimeZones(t *testing.T) {
	meta, err := ParseDescribeOutput([]byte(`{
		"status": {"state": "DONE", "stateStartTime": "2025-01-01T02:00:30+02:00"},
		"statusHistory": [{"state": "RUNNING", "stateStartTime": "2025-01-01T00:00:00Z"}]
	}`))
	require.NoError(t, err)

	elapsed, err := meta.Elapsed()
	require.NoError(t, err)
	assert.Equal(t, 30.0, elapsed)
	assert.Equal(t, time.UTC, meta.Status.StateStartTime.Location())
}

func TestElapsedWithoutRunningEntry(t *testing.T) {
	meta := &JobMetadata{
		JobID:  "j",
		Status: StateTransition{State: StateDone, StateStartTime: ts(t, "2025-01-01T00:02:10Z")},
		History: []StateTransition{
			{State: StatePending, StateStartTime: ts(t, "2025-01-01T00:00:00Z")},
		},
	}
	_, err := meta.Elapsed()
	assert.ErrorIs(t, err, ErrTimestampResolution)

	var tsErr *TimestampResolutionError
	require.True(t, errors.As(err, &tsErr))
	assert.Equal(t, "j", tsErr.JobID)
	assert.Contains(t, tsErr.Reason, "RUNNING")
}

func TestElapsedFirstRunningEntryWithoutTimestamp(t *testing.T) {
	meta := &JobMetadata{
		Status: StateTransition{State: StateDone, StateStartTime: ts(t, "2025-01-01T00:02:10Z")},
		History: []StateTransition{
			{State: StateRunning},
			{State: StateRunning, StateStartTime: ts(t, "2025-01-01T00:00:00Z")},
		},
	}
	_, err := meta.Elapsed()
	assert.ErrorIs(t, err, ErrTimestampResolution)
}

func TestElapsedWithoutStatusTimestamp(t *testing.T) {
	meta, err := ParseDescribeOutput([]byte(`{
		"status": {"state": "DONE"},
		"statusHistory": [{"state": "RUNNING", "stateStartTime": "2025-01-01T00:00:00Z"}]
	}`))
	require.NoError(t, err)
	_, err = meta.Elapsed()
	assert.ErrorIs(t, err, ErrTimestampResolution)
	assert.Contains(t, err.Error(), "could not parse start/completion timestamps")
}

func TestParseDescribeOutputBadTimestamp(t *testing.T) {
	_, err := ParseDescribeOutput([]byte(`{"status": {"state": "DONE", "stateStartTime": "yesterday"}}`))
	assert.ErrorIs(t, err, ErrTimestampResolution)
}

func TestParseDescribeOutputBadJSON(t *testing.T) {
	_, err := ParseDescribeOutput([]byte(`not json`))
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrTimestampResolution)
}

func TestIsTerminalState(t *testing.T) {
	assert.True(t, IsTerminalState(StateDone))
	assert.True(t, IsTerminalState(StateError))
	assert.True(t, IsTerminalState(StateCancelled))
	assert.False(t, IsTerminalState(StateRunning))
	assert.False(t, IsTerminalState(StatePending))
}

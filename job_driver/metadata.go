package jobdriver

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Job lifecycle states as reported by Dataproc. The local job service uses the same names.
const (
	StatePending   = "PENDING"
	StateSetupDone = "SETUP_DONE"
	StateRunning   = "RUNNING"
	StateDone      = "DONE"
	StateError     = "ERROR"
	StateCancelled = "CANCELLED"
)

func IsTerminalState(state string) bool {
	switch state {
	case StateDone, StateError, StateCancelled:
		return true
	}
	return false
}

type StateTransition struct {
	State          string
	StateStartTime *time.Time // nil when the service did not report one
	Details        string
}

// JobMetadata is what the job service reports about a finished job.
type JobMetadata struct {
	JobID   string
	Status  StateTransition   // the terminal state
	History []StateTransition // earlier states in the order they were entered
}

var ErrTimestampResolution = errors.New("could not parse start/completion timestamps")

// TimestampResolutionError means the job finished but its metadata lacks the timestamps needed to time it.
type TimestampResolutionError struct {
	JobID  string
	Reason string
}

func (e *TimestampResolutionError) Error() string {
	return fmt.Sprintf("%s: %s", ErrTimestampResolution, e.Reason)
}

func (e *TimestampResolutionError) Is(target error) bool {
	return target == ErrTimestampResolution
}

// Returns when the job first entered RUNNING and when it entered its terminal status.
func (m *JobMetadata) Resolve() (start time.Time, end time.Time, err error) {
	var reasons []string
	var startTS *time.Time
	for _, rec := range m.History {
		if rec.State == StateRunning {
			startTS = rec.StateStartTime
			break
		}
	}
	if startTS == nil {
		reasons = append(reasons, "no RUNNING entry with a timestamp in the status history")
	}
	if m.Status.StateStartTime == nil {
		reasons = append(reasons, fmt.Sprintf("status %q has no timestamp", m.Status.State))
	}
	if len(reasons) > 0 {
		return time.Time{}, time.Time{}, &TimestampResolutionError{JobID: m.JobID, Reason: strings.Join(reasons, ", ")}
	}
	return startTS.UTC(), m.Status.StateStartTime.UTC(), nil
}

// Seconds between entering RUNNING and entering the terminal status.
func (m *JobMetadata) Elapsed() (float64, error) {
	start, end, err := m.Resolve()
	if err != nil {
		return 0, err
	}
	return end.Sub(start).Seconds(), nil
}

type describeStatus struct {
	State          string `json:"state"`
	StateStartTime string `json:"stateStartTime"`
	Details        string `json:"details"`
}

type describeOutput struct {
	Reference struct {
		JobID string `json:"jobId"`
	} `json:"reference"`
	Status        describeStatus   `json:"status"`
	StatusHistory []describeStatus `json:"statusHistory"`
}

// Parses the JSON printed by `gcloud dataproc jobs describe --format=json`.
func ParseDescribeOutput(buf []byte) (*JobMetadata, error) {
	raw := describeOutput{}
	err := json.Unmarshal(buf, &raw)
	if err != nil {
		return nil, fmt.Errorf("unmarshalling job description failed: %w", err)
	}

	meta := &JobMetadata{JobID: raw.Reference.JobID}
	meta.Status, err = parseStatus(meta.JobID, raw.Status)
	if err != nil {
		return nil, err
	}
	for _, rec := range raw.StatusHistory {
		st, err := parseStatus(meta.JobID, rec)
		if err != nil {
			return nil, err
		}
		meta.History = append(meta.History, st)
	}
	return meta, nil
}

func parseStatus(jobID string, raw describeStatus) (StateTransition, error) {
	st := StateTransition{State: raw.State, Details: raw.Details}
	if raw.StateStartTime == "" {
		return st, nil
	}
	// Zone suffixes (Z or +hh:mm) are honoured, everything is compared in UTC
	ts, err := time.Parse(time.RFC3339Nano, raw.StateStartTime)
	if err != nil {
		return st, &TimestampResolutionError{JobID: jobID, Reason: fmt.Sprintf("bad %s timestamp %q: %v", raw.State, raw.StateStartTime, err)}
	}
	ts = ts.UTC()
	st.StateStartTime = &ts
	return st, nil
}

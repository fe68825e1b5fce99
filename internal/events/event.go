package events

import (
	"errors"
	"fmt"
	"time"
)

// Stage denotes the lifecycle milestone represented by an Event.
type Stage string

// Supported lifecycle stages.
const (
	StageUploaded      Stage = "UPLOADED"
	StageForwarded     Stage = "FORWARDED"
	StageForwardFailed Stage = "FORWARD_FAILED"
	StageResolved      Stage = "RESOLVED"
	StagePollTimeout   Stage = "POLL_TIMEOUT"
)

// Event captures a single step in a job's life.
type Event struct {
	// JobID is the relay job identifier.
	JobID string `json:"job_id"`
	// TS is the UTC timestamp recorded by the emitter.
	TS time.Time `json:"ts"`
	// Stage denotes which milestone occurred.
	Stage Stage `json:"stage"`
	// Files is the number of uploaded files, set on upload and forward events.
	Files int `json:"files,omitempty"`
	// Bytes is the combined upload size.
	Bytes int64 `json:"bytes,omitempty"`
	// Waiters counts the polls released by a resolution.
	Waiters int `json:"waiters,omitempty"`
	// Dur captures forward latency or poll wait time.
	Dur time.Duration `json:"dur,omitempty"`
	// Note carries low-volume context such as error text.
	Note string `json:"note,omitempty"`
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.JobID == "" {
		return errors.New("job id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageUploaded, StageForwarded, StageResolved, StagePollTimeout:
	case StageForwardFailed:
		if e.Note == "" {
			return errors.New("forward failure requires note")
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

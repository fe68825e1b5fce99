package relay

import (
	"encoding/json"
	"errors"
	"time"
)

var (
	// ErrNotFound signals that no result has been stored for a job.
	ErrNotFound = errors.New("result not found")
	// ErrTimeout is returned when no callback arrives within the poll timeout.
	ErrTimeout = errors.New("timed out waiting for job result")
	// ErrQueueClosed is returned once the forward queue stops accepting work.
	ErrQueueClosed = errors.New("queue closed")
)

// StatusForwardFailed marks results synthesized after a failed forward.
const StatusForwardFailed = "forward_failed"

// File is one uploaded file held in memory until it is forwarded.
type File struct {
	Name        string
	ContentType string
	Data        []byte
}

// ForwardTask wraps an upload waiting to be relayed to the webhook.
type ForwardTask struct {
	JobID     string
	Files     []File
	Submitted time.Time
}

// Bytes returns the combined size of the task's files.
func (t ForwardTask) Bytes() int64 {
	var n int64
	for _, f := range t.Files {
		n += int64(len(f.Data))
	}
	return n
}

// Result is the payload delivered for a job.
type Result struct {
	// JobID is the identifier handed out by the upload handler.
	JobID string `json:"job_id"`
	// Payload is the callback body stored verbatim.
	Payload json.RawMessage `json:"payload"`
	// Failed is set when the relay resolved the job itself after a forward error.
	Failed bool `json:"failed"`
	// ReceivedAt is used for TTL eviction.
	ReceivedAt time.Time `json:"received_at"`
}

// Expired reports whether the result is older than ttl at now. A zero ttl never expires.
func (r Result) Expired(now time.Time, ttl time.Duration) bool {
	if ttl <= 0 {
		return false
	}
	return now.Sub(r.ReceivedAt) > ttl
}

type failurePayload struct {
	Error  string `json:"error"`
	Status string `json:"status"`
}

// FailurePayload renders the JSON body stored for a job whose forward failed.
func FailurePayload(cause error) json.RawMessage {
	msg := "forward failed"
	if cause != nil {
		msg = "forward failed: " + cause.Error()
	}
	data, err := json.Marshal(failurePayload{Error: msg, Status: StatusForwardFailed})
	if err != nil {
		return json.RawMessage(`{"error":"forward failed","status":"forward_failed"}`)
	}
	return data
}

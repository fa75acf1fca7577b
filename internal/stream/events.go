package stream

import (
	"encoding/json"

	"github.com/planproof/planproof/internal/compliance"
)

// State of a followed task. A task is CONNECTING from Follow until the socket
// is open, STREAMING while frames arrive, and ends in exactly one terminal
// state.
type State string

const (
	StateConnecting State = "CONNECTING"
	StateStreaming  State = "STREAMING"
	StateCompleted  State = "COMPLETED"
	StateFailed     State = "FAILED"
	// StateClosed is the server closing the socket cleanly without a
	// completion frame. Not a failure; no caches are invalidated.
	StateClosed State = "CLOSED"
)

// frame is one inbound websocket message from the analysis pipeline. The
// backend discriminates on event or status depending on version; the client
// accepts either and tolerates missing fields.
type frame struct {
	TaskID       string          `json:"task_id"`
	Event        string          `json:"event,omitempty"`
	Status       string          `json:"status"`
	Step         string          `json:"step"`
	Progress     float64         `json:"progress"`
	Message      string          `json:"message,omitempty"`
	Error        string          `json:"error,omitempty"`
	ComplianceID int64           `json:"compliance_id,omitempty"`
	ProjectID    int64           `json:"project_id,omitempty"`
	Result       json.RawMessage `json:"result,omitempty"`
}

func (f *frame) completed() bool {
	return f.Event == "completed" || f.Status == "completed" || len(f.Result) > 0
}

func (f *frame) failed() bool {
	switch {
	case f.Event == "failed" || f.Event == "error":
		return true
	case f.Status == "failed" || f.Status == "error":
		return true
	}
	return f.Error != ""
}

// Update is a state change published to subscribers. Result is set on
// COMPLETED only; Err on FAILED only.
type Update struct {
	TaskID       string
	ProjectID    int64
	ComplianceID int64
	State        State
	Progress     compliance.Progress
	Result       *compliance.Result
	Err          error
}

// Terminal reports whether no further updates will follow for the task.
func (u Update) Terminal() bool {
	return u.State == StateCompleted || u.State == StateFailed || u.State == StateClosed
}

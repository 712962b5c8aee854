// Package tasks tracks asynchronous synthesis jobs from submission through
// completion, failure, or cancellation.
package tasks

import (
	"errors"
	"time"
)

var (
	ErrNotFound      = errors.New("task not found")
	ErrNotCancelable = errors.New("task is not pending")
)

// Status is the lifecycle state of a task. Transitions only move forward:
// pending to processing to one of the terminal states, or pending straight
// to failed on cancellation.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Request carries the caller's synthesis parameters. VoiceID names either a
// pretrained speaker or a registered cloned voice.
type Request struct {
	Text         string  `json:"text"`
	VoiceID      string  `json:"voice_id"`
	PromptText   string  `json:"prompt_text,omitempty"`
	InstructText string  `json:"instruct_text,omitempty"`
	Format       string  `json:"format,omitempty"`
	Speed        float64 `json:"speed,omitempty"`
	Stream       bool    `json:"stream,omitempty"`
	CallbackURL  string  `json:"callback_url,omitempty"`
}

// Result is the output of a completed task.
type Result struct {
	Filename         string  `json:"filename"`
	FilePath         string  `json:"-"`
	Mode             string  `json:"mode"`
	SampleRate       int     `json:"sample_rate"`
	DurationSeconds  float64 `json:"duration_seconds"`
	SynthesisSeconds float64 `json:"synthesis_seconds"`
}

// Task is one tracked synthesis job. Accessors on the registry hand out
// copies, never the live record.
type Task struct {
	ID            string    `json:"task_id"`
	Status        Status    `json:"status"`
	Progress      float64   `json:"progress"`
	Message       string    `json:"message,omitempty"`
	Request       Request   `json:"request"`
	Result        *Result   `json:"result,omitempty"`
	Error         string    `json:"error,omitempty"`
	EstimatedTime float64   `json:"estimated_time"`
	CreatedAt     time.Time `json:"created_at"`
	StartedAt     time.Time `json:"started_at,omitempty"`
	UpdatedAt     time.Time `json:"updated_at"`
	CompletedAt   time.Time `json:"completed_at,omitempty"`
}

func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	cp := *t
	if t.Result != nil {
		r := *t.Result
		cp.Result = &r
	}
	return &cp
}

// EstimateSeconds is the advertised completion estimate for a text of the
// given length, floored at five seconds.
func EstimateSeconds(textLen int) float64 {
	est := 0.1 * float64(textLen)
	if est < 5 {
		return 5
	}
	return est
}

// Event is one progress notification published to task subscribers.
type Event struct {
	TaskID   string  `json:"task_id"`
	Status   Status  `json:"status"`
	Progress float64 `json:"progress"`
	Message  string  `json:"message,omitempty"`
	Error    string  `json:"error,omitempty"`
}

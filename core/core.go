package core

import (
	"time"

	"github.com/google/uuid"
)

// NewID generates a globally unique identifier for workers and tool servers.
func NewID() string { return uuid.NewString() }

// WorkerSnapshot is the externally observable view of a single worker. It is
// a value copy: mutating it has no effect on the live handle.
type WorkerSnapshot struct {
	ID            string      `json:"id"`
	Type          WorkerType  `json:"type"`
	State         WorkerState `json:"state"`
	CreatedAt     time.Time   `json:"created_at"`
	LastActivity  time.Time   `json:"last_activity"`
	MessagesCount int         `json:"messages_count"`
	Recoveries    int         `json:"recoveries"`
}

// ServerSnapshot is the externally observable view of a single tool server.
type ServerSnapshot struct {
	ID              string     `json:"id"`
	Capability      Capability `json:"capability"`
	Status          string     `json:"status"`
	CreatedAt       time.Time  `json:"created_at"`
	AttachmentCount int        `json:"attachment_count"`
	Attachments     []string   `json:"attachments,omitempty"`
	IdleSince       *time.Time `json:"idle_since,omitempty"`
}

// Exchange records one completed request/response pair in a worker's
// transcript.
type Exchange struct {
	User      string    `json:"user"`
	Assistant string    `json:"assistant"`
	Timestamp time.Time `json:"timestamp"`
}

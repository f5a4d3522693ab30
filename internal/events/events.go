// Package events is the transparency event bus: every stage of request
// processing appends events here, and clients follow along over a live
// subscription or a poll cursor.
package events

import (
	"context"
	"time"
)

// Kind classifies a transparency event.
type Kind string

const (
	KindReceived Kind = "received"
	KindThinking Kind = "thinking"
	KindDecision Kind = "decision"
	KindAction   Kind = "action"
	KindResult   Kind = "result"
	KindError    Kind = "error"
)

// OrchestratorName is the capability name the orchestrator emits under. A
// result or error event from it marks the session's workflow as complete.
const OrchestratorName = "orchestrator"

// Event is one transparency record. ID and StepNumber are assigned by the
// bus on append; step numbers count per (session, capability) from 1 with
// no gaps.
type Event struct {
	ID         string                 `json:"id"`
	SessionID  string                 `json:"session_id"`
	Capability string                 `json:"capability_name"`
	Kind       Kind                   `json:"kind"`
	Title      string                 `json:"title"`
	Details    map[string]interface{} `json:"details,omitempty"`
	StepNumber int                    `json:"step_number"`
	CreatedAt  time.Time              `json:"created_at"`
	DurationMS int64                  `json:"duration_ms,omitempty"`
}

// IsTerminal reports whether e completes its session's workflow.
func IsTerminal(e Event) bool {
	return e.Capability == OrchestratorName &&
		(e.Kind == KindResult || e.Kind == KindError) &&
		e.StepNumber > 0
}

// Sink is the append side of the bus.
type Sink interface {
	// Append assigns the event's ID and step number and stores it. The
	// stored event is returned. Delivery downstream is at-least-once.
	Append(ctx context.Context, e Event) (Event, error)
}

// Source is the read side of the bus.
type Source interface {
	// Subscribe streams the session's events in order, replaying history
	// first. The channel closes after a terminal event is delivered, the
	// context is done, or the inactivity timeout elapses with no new
	// events.
	Subscribe(ctx context.Context, sessionID string) (<-chan Event, error)
	// Poll returns events after sinceID (all events when sinceID is
	// empty) plus a flag that is true while the workflow is still
	// running.
	Poll(ctx context.Context, sessionID, sinceID string) ([]Event, bool, error)
}

// Bus is a full event bus.
type Bus interface {
	Sink
	Source
}

// Options tune bus delivery behavior.
type Options struct {
	// PollInterval is how often the redis subscriber checks for new
	// entries.
	PollInterval time.Duration
	// InactivityTimeout closes a subscription that sees no new events for
	// this long.
	InactivityTimeout time.Duration
	// TTL bounds how long a session's events are retained.
	TTL time.Duration
}

func (o Options) withDefaults() Options {
	if o.PollInterval <= 0 {
		o.PollInterval = 250 * time.Millisecond
	}
	if o.InactivityTimeout <= 0 {
		o.InactivityTimeout = 5 * time.Minute
	}
	if o.TTL <= 0 {
		o.TTL = 24 * time.Hour
	}
	return o
}

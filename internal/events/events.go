// Package events publishes a session's lifecycle as it happens.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

type Type string

const (
	SessionStarted    Type = "session.started"
	SessionFinished   Type = "session.finished"
	SessionPaused     Type = "session.paused"
	SessionResumed    Type = "session.resumed"
	StepStarted       Type = "step.started"
	StepFinished      Type = "step.finished"
	StepRetrying      Type = "step.retrying"
	GuardDenied       Type = "guard.denied"
	CheckpointCreated Type = "checkpoint.created"
	WorkspaceRestored Type = "workspace.restored"
	BranchForked      Type = "branch.forked"
)

type Event struct {
	Type       Type           `json:"type"`
	SessionID  string         `json:"session_id"`
	StepID     string         `json:"step_id,omitempty"`
	Checkpoint string         `json:"checkpoint,omitempty"`
	Status     string         `json:"status,omitempty"`
	Message    string         `json:"message,omitempty"`
	Data       map[string]any `json:"data,omitempty"`
	Time       time.Time      `json:"time"`
}

// Sink receives events. Publishing must not block execution for long;
// failures are reported to the caller, which only logs them.
type Sink interface {
	Publish(ctx context.Context, e Event) error
	Close() error
}

type Noop struct{}

func (Noop) Publish(context.Context, Event) error { return nil }
func (Noop) Close() error                         { return nil }

// Memory records events in order. It is safe for concurrent use.
type Memory struct {
	mu     sync.Mutex
	events []Event
}

func (m *Memory) Publish(_ context.Context, e Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, e)
	return nil
}

func (m *Memory) Close() error { return nil }

func (m *Memory) Events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Event(nil), m.events...)
}

// Types lists the recorded event types, optionally only those of one step.
func (m *Memory) Types(stepID string) []Type {
	var out []Type
	for _, e := range m.Events() {
		if stepID == "" || e.StepID == stepID {
			out = append(out, e.Type)
		}
	}
	return out
}

const DefaultPrefix = "agentic"

// NATS publishes each event as JSON on <prefix>.<session>.<type>.
type NATS struct {
	conn   *nats.Conn
	prefix string
}

// Dial connects to a NATS server.
func Dial(url, prefix string, opts ...nats.Option) (*NATS, error) {
	opts = append([]nats.Option{nats.Name("agentic-cli")}, opts...)
	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect nats %s: %w", url, err)
	}
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &NATS{conn: nc, prefix: prefix}, nil
}

func (n *NATS) Publish(_ context.Context, e Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	return n.conn.Publish(Subject(n.prefix, e), data)
}

// Close flushes pending messages before disconnecting.
func (n *NATS) Close() error {
	return n.conn.Drain()
}

// Subject is the NATS subject an event is published on. Dots in the session
// id would add subject tokens, so they are replaced.
func Subject(prefix string, e Event) string {
	session := strings.NewReplacer(".", "_", " ", "_", "*", "_", ">", "_").Replace(e.SessionID)
	if session == "" {
		session = "_"
	}
	return prefix + "." + session + "." + string(e.Type)
}

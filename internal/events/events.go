// Package events relays orchestration state transitions to NATS.
package events

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/aparcar/asu/buildfix/internal/logfields"
	"github.com/aparcar/asu/buildfix/internal/models"
	"github.com/nats-io/nats.go"
)

// Transition is one state change of an orchestration run.
type Transition struct {
	Project string               `json:"project"`
	RunID   string               `json:"run_id"`
	State   string               `json:"state"`
	Attempt int                  `json:"attempt"`
	Mode    string               `json:"mode,omitempty"`
	Reason  models.FailureReason `json:"reason,omitempty"`
	Time    time.Time            `json:"time"`
}

// Result is published once when a run reaches a terminal state.
type Result struct {
	Project string              `json:"project"`
	RunID   string              `json:"run_id"`
	Result  *models.BuildResult `json:"buildResult"`
	Time    time.Time           `json:"time"`
}

// Publisher receives lifecycle events. Implementations must not block the
// caller for long and never fail the run.
type Publisher interface {
	PublishTransition(t Transition)
	PublishResult(r Result)
}

// NoopPublisher drops every event.
type NoopPublisher struct{}

func (NoopPublisher) PublishTransition(Transition) {}
func (NoopPublisher) PublishResult(Result)         {}

// NATSPublisher publishes JSON events on <prefix>.<project>.state and
// <prefix>.<project>.result.
type NATSPublisher struct {
	conn   *nats.Conn
	prefix string
}

// NewNATSPublisher connects to url.
func NewNATSPublisher(url, prefix string) (*NATSPublisher, error) {
	conn, err := nats.Connect(url, nats.Name("buildfix"))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	slog.Info("NATS event relay connected", logfields.URL(url), "prefix", prefix)
	return &NATSPublisher{conn: conn, prefix: prefix}, nil
}

// Close drains pending messages and closes the connection.
func (p *NATSPublisher) Close() error {
	return p.conn.Drain()
}

// StateSubject returns the subject for a project's transitions.
func StateSubject(prefix, project string) string {
	return prefix + "." + project + ".state"
}

// ResultSubject returns the subject for a project's terminal results.
func ResultSubject(prefix, project string) string {
	return prefix + "." + project + ".result"
}

func (p *NATSPublisher) PublishTransition(t Transition) {
	p.publish(StateSubject(p.prefix, t.Project), t)
}

func (p *NATSPublisher) PublishResult(r Result) {
	p.publish(ResultSubject(p.prefix, r.Project), r)
}

func (p *NATSPublisher) publish(subject string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		slog.Warn("Failed to marshal event", "subject", subject, logfields.Error(err))
		return
	}
	if err := p.conn.Publish(subject, data); err != nil {
		slog.Warn("Failed to publish event", "subject", subject, logfields.Error(err))
	}
}

// MemoryPublisher keeps events in memory.
type MemoryPublisher struct {
	mu          sync.Mutex
	transitions []Transition
	results     []Result
}

func (m *MemoryPublisher) PublishTransition(t Transition) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.transitions = append(m.transitions, t)
}

func (m *MemoryPublisher) PublishResult(r Result) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.results = append(m.results, r)
}

// Transitions returns a copy of the recorded transitions.
func (m *MemoryPublisher) Transitions() []Transition {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Transition(nil), m.transitions...)
}

// Results returns a copy of the recorded results.
func (m *MemoryPublisher) Results() []Result {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Result(nil), m.results...)
}

// Package events publishes package outcomes to NATS so that long sweeps can
// be followed from outside the process.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/c360studio/dtseval/terminal"
)

// DefaultSubjectPrefix is prepended to every outcome subject.
const DefaultSubjectPrefix = "dtseval.package"

// Outcome is the terminal result of one package run.
type Outcome struct {
	RunID    string          `json:"run_id"`
	Package  string          `json:"package"`
	Terminal terminal.Marker `json:"terminal"`
	Message  string          `json:"message,omitempty"`
	Duration time.Duration   `json:"duration_ns"`
	At       time.Time       `json:"at"`
}

// Publisher delivers outcomes.
type Publisher interface {
	Publish(ctx context.Context, outcome Outcome) error
	Close() error
}

// Nop discards every outcome.
type Nop struct{}

func (Nop) Publish(context.Context, Outcome) error { return nil }
func (Nop) Close() error                           { return nil }

// conn is the part of *nats.Conn the publisher needs.
type conn interface {
	Publish(subject string, data []byte) error
	FlushWithContext(ctx context.Context) error
	Drain() error
}

// NATSPublisher publishes outcomes as JSON on
// "<prefix>.<terminal marker>".
type NATSPublisher struct {
	conn   conn
	prefix string
	logger *slog.Logger
}

// Connect dials url and returns a publisher on it.
func Connect(url, prefix string, logger *slog.Logger) (*NATSPublisher, error) {
	nc, err := nats.Connect(url,
		nats.Name("dtseval"),
		nats.MaxReconnects(5),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	return newNATSPublisher(nc, prefix, logger), nil
}

func newNATSPublisher(c conn, prefix string, logger *slog.Logger) *NATSPublisher {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &NATSPublisher{conn: c, prefix: prefix, logger: logger}
}

// Subject returns the subject an outcome is published on.
func (p *NATSPublisher) Subject(outcome Outcome) string {
	return p.prefix + "." + string(outcome.Terminal)
}

// Publish sends outcome and waits for the server to acknowledge the flush.
func (p *NATSPublisher) Publish(ctx context.Context, outcome Outcome) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context cancelled before publish: %w", err)
	}
	data, err := json.Marshal(outcome)
	if err != nil {
		return fmt.Errorf("marshal outcome: %w", err)
	}
	subject := p.Subject(outcome)
	if err := p.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}

	flushCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := p.conn.FlushWithContext(flushCtx); err != nil {
		return fmt.Errorf("flush %s: %w", subject, err)
	}
	p.logger.Debug("Published package outcome", "subject", subject, "package", outcome.Package)
	return nil
}

// Close drains the connection.
func (p *NATSPublisher) Close() error {
	return p.conn.Drain()
}

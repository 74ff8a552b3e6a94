package analytics

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go"
)

// DefaultSubject is used when no subject is configured.
const DefaultSubject = "tool_orchestrator.usage"

// Publisher is the part of *nats.Conn the reporter needs.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// NATSReporter publishes one JSON message per usage event.
type NATSReporter struct {
	pub     Publisher
	subject string
	closeFn func()
}

// NewNATSReporter wraps an existing publisher.
func NewNATSReporter(pub Publisher, subject string) *NATSReporter {
	if subject == "" {
		subject = DefaultSubject
	}
	return &NATSReporter{pub: pub, subject: subject}
}

// ConnectNATS dials url and returns a reporter owning the connection.
func ConnectNATS(url, subject string, logger *slog.Logger) (*NATSReporter, error) {
	nc, err := nats.Connect(url, nats.Name("tool-orchestrator"))
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	if logger != nil {
		logger.Info("nats connected", "url", url, "subject", subject)
	}
	r := NewNATSReporter(nc, subject)
	r.closeFn = nc.Close
	return r, nil
}

// Report publishes events in order and stops at the first failure.
func (r *NATSReporter) Report(ctx context.Context, events []UsageEvent) error {
	for _, event := range events {
		if err := ctx.Err(); err != nil {
			return err
		}
		data, err := json.Marshal(event)
		if err != nil {
			return fmt.Errorf("encode usage event: %w", err)
		}
		if err := r.pub.Publish(r.subject, data); err != nil {
			return fmt.Errorf("nats publish %s: %w", r.subject, err)
		}
	}
	return nil
}

// Close closes the owned connection, if any.
func (r *NATSReporter) Close() error {
	if r.closeFn != nil {
		r.closeFn()
	}
	return nil
}

// Package events publishes the pipeline's domain events to an AMQP exchange
// for downstream subscribers (dashboards, audit sinks). Publishing is
// best-effort: a publish failure is logged and swallowed, never propagated
// back to fail the primary operation that triggered the event.
package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/streadway/amqp"

	eve "github.com/rajawajahat/opsrunbook-copilot/common"
	"github.com/rajawajahat/opsrunbook-copilot/queue"
)

// EventType enumerates the domain events the pipeline emits.
type EventType string

const (
	EvidenceCollected        EventType = "evidence.collected"
	EvidenceSnapshotPersisted EventType = "evidence.snapshot.persisted"
	IncidentAnalyzed         EventType = "incident.analyzed"
	ActionCompleted          EventType = "action.completed"
	ReviewCycleCompleted     EventType = "review_cycle.completed"
)

const source = "opsrunbook-copilot"

// Event is the envelope published for every domain event.
type Event struct {
	Type       EventType   `json:"type"`
	Source     string      `json:"source"`
	IncidentID string      `json:"incident_id"`
	RunID      string      `json:"run_id,omitempty"`
	OccurredAt time.Time   `json:"occurred_at"`
	Payload    interface{} `json:"payload,omitempty"`
}

// Config configures the AMQP connection backing Bus.
type Config struct {
	URL       string
	QueueName string // defaults to "opsrunbook.events"
}

// Bus publishes Events to a durable AMQP queue.
type Bus struct {
	connection queue.AMQPConnection
	channel    queue.AMQPChannel
	config     Config
}

// NewBus dials AMQP and declares the durable events queue.
func NewBus(config Config) (*Bus, error) {
	return NewBusWithDialer(config, &queue.RealAMQPDialer{})
}

// NewBusWithDialer allows injecting a fake dialer in tests.
func NewBusWithDialer(config Config, dialer queue.AMQPDialer) (*Bus, error) {
	if config.QueueName == "" {
		config.QueueName = "opsrunbook.events"
	}

	conn, err := dialer.Dial(config.URL)
	if err != nil {
		return nil, fmt.Errorf("connect to amqp: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}

	_, err = ch.QueueDeclare(config.QueueName, true, false, false, false, nil)
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("declare queue %s: %w", config.QueueName, err)
	}

	return &Bus{connection: conn, channel: ch, config: config}, nil
}

// Close releases the channel and connection.
func (b *Bus) Close() error {
	if b.channel != nil {
		b.channel.Close()
	}
	if b.connection != nil {
		b.connection.Close()
	}
	return nil
}

// Publish sends evt to the events queue. Errors are returned to the caller,
// which by contract must log and discard them rather than fail the
// triggering operation — see PublishBestEffort for that wrapper.
func (b *Bus) Publish(evt Event) error {
	evt.Source = source
	if evt.OccurredAt.IsZero() {
		evt.OccurredAt = time.Now().UTC()
	}
	body, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event %s: %w", evt.Type, err)
	}
	err = b.channel.Publish("", b.config.QueueName, false, false, amqp.Publishing{
		ContentType: "application/json",
		Body:        body,
		Timestamp:   evt.OccurredAt,
	})
	if err != nil {
		return fmt.Errorf("publish event %s: %w", evt.Type, err)
	}
	return nil
}

// PublishBestEffort publishes evt and logs, rather than returns, any error.
func (b *Bus) PublishBestEffort(evt Event) {
	if err := b.Publish(evt); err != nil {
		eve.Logger.WithField("event_type", string(evt.Type)).
			WithField("incident_id", evt.IncidentID).
			WithError(err).Warn("failed to publish domain event")
	}
}

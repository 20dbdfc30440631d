package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/streadway/amqp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rajawajahat/opsrunbook-copilot/events"
)

// fakeAuditStore is an in-memory auditStore recording every Put call.
type fakeAuditStore struct {
	docs    map[string]interface{}
	putErr  error
	putCall int
}

func newFakeAuditStore() *fakeAuditStore {
	return &fakeAuditStore{docs: map[string]interface{}{}}
}

func (f *fakeAuditStore) Put(ctx context.Context, docID string, doc interface{}) (string, error) {
	f.putCall++
	if f.putErr != nil {
		return "", f.putErr
	}
	f.docs[docID] = doc
	return fmt.Sprintf("1-%d", f.putCall), nil
}

type mockAcknowledger struct{}

func (m *mockAcknowledger) Ack(tag uint64, multiple bool) error           { return nil }
func (m *mockAcknowledger) Nack(tag uint64, multiple, requeue bool) error { return nil }
func (m *mockAcknowledger) Reject(tag uint64, requeue bool) error         { return nil }

func deliveryFor(t *testing.T, evt events.Event) amqp.Delivery {
	t.Helper()
	body, err := json.Marshal(evt)
	require.NoError(t, err)
	return amqp.Delivery{Body: body, Acknowledger: &mockAcknowledger{}}
}

func TestAuditConsumer_ProcessMessage_PersistsRecord(t *testing.T) {
	store := newFakeAuditStore()
	consumer := &AuditConsumer{db: store}

	evt := events.Event{
		Type:       events.IncidentAnalyzed,
		Source:     "opsrunbook-copilot",
		IncidentID: "inc-1",
		RunID:      "run-1",
		OccurredAt: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		Payload:    map[string]interface{}{"owners": []string{"team-checkout"}},
	}

	err := consumer.processMessage(context.Background(), deliveryFor(t, evt))
	require.NoError(t, err)
	assert.Equal(t, 1, store.putCall)

	doc, ok := store.docs[auditDocID(evt)]
	require.True(t, ok)
	record := doc.(AuditRecord)
	assert.Equal(t, "inc-1", record.IncidentID)
	assert.Equal(t, "run-1", record.RunID)
	assert.Equal(t, string(events.IncidentAnalyzed), record.Type)
}

func TestAuditConsumer_ProcessMessage_RejectsInvalidJSON(t *testing.T) {
	consumer := &AuditConsumer{db: newFakeAuditStore()}

	delivery := amqp.Delivery{Body: []byte(`{"invalid": json}`), Acknowledger: &mockAcknowledger{}}
	err := consumer.processMessage(context.Background(), delivery)

	assert.Error(t, err)
	assert.Contains(t, err.Error(), "failed to unmarshal event")
}

func TestAuditConsumer_ProcessMessage_RequiresIncidentID(t *testing.T) {
	consumer := &AuditConsumer{db: newFakeAuditStore()}

	evt := events.Event{Type: events.ActionCompleted, OccurredAt: time.Now()}
	err := consumer.processMessage(context.Background(), deliveryFor(t, evt))

	assert.Error(t, err)
	assert.Contains(t, err.Error(), "incident_id is required")
}

func TestAuditConsumer_ProcessMessage_PropagatesStoreError(t *testing.T) {
	store := newFakeAuditStore()
	store.putErr = fmt.Errorf("connection refused")
	consumer := &AuditConsumer{db: store}

	evt := events.Event{Type: events.ActionCompleted, IncidentID: "inc-2", OccurredAt: time.Now()}
	err := consumer.processMessage(context.Background(), deliveryFor(t, evt))

	assert.Error(t, err)
	assert.Contains(t, err.Error(), "failed to save audit record")
}

func TestAuditDocID_DeterministicPerEvent(t *testing.T) {
	evt := events.Event{
		Type:       events.ActionCompleted,
		IncidentID: "inc-3",
		RunID:      "run-3",
		OccurredAt: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}

	id1 := auditDocID(evt)
	id2 := auditDocID(evt)
	assert.Equal(t, id1, id2)

	evt.RunID = "run-4"
	assert.NotEqual(t, id1, auditDocID(evt))
}

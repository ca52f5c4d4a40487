package nats

import (
	"encoding/json"
	"testing"

	"go.flowcatalyst.tech/internal/queue"
	"go.flowcatalyst.tech/internal/router/model"
)

// TestEnvelopeRoundTrip verifies the broker envelope survives JSON
// encoding and decoding intact.
func TestEnvelopeRoundTrip(t *testing.T) {
	original := model.MessagePointer{
		ID:              "job-123",
		PoolCode:        "DISPATCH-POOL",
		AuthToken:       "tok-abc",
		MediationType:   model.MediationTypeHTTP,
		MediationTarget: "https://example.com/webhook",
		MessageGroupID:  "order-42",
	}

	data, err := json.Marshal(&original)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}

	var decoded model.MessagePointer
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}

	if decoded != original {
		t.Errorf("Round trip mismatch: got %+v, want %+v", decoded, original)
	}
}

// TestEnvelopeBatchIDNullOnPublish verifies batchId serializes as null on
// the publish side; the router assigns it after consumption.
func TestEnvelopeBatchIDNullOnPublish(t *testing.T) {
	envelope := model.MessagePointer{
		ID:              "job-1",
		PoolCode:        "DISPATCH-POOL",
		MediationType:   model.MediationTypeHTTP,
		MediationTarget: "https://example.com/hook",
	}

	data, err := json.Marshal(&envelope)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}

	batchID, present := raw["batchId"]
	if !present {
		t.Fatal("batchId field missing from wire envelope")
	}
	if string(batchID) != "null" {
		t.Errorf("Expected batchId null on publish, got %s", batchID)
	}
}

func TestNewPublisher(t *testing.T) {
	// A nil JetStream handle is enough to verify construction.
	publisher := NewPublisher(nil, "TEST")

	if publisher == nil {
		t.Fatal("NewPublisher returned nil")
	}
	if publisher.stream != "TEST" {
		t.Errorf("Expected stream 'TEST', got '%s'", publisher.stream)
	}
}

func TestNewConsumer(t *testing.T) {
	consumer := NewConsumer(nil, "test-consumer")

	if consumer == nil {
		t.Fatal("NewConsumer returned nil")
	}
	if consumer.name != "test-consumer" {
		t.Errorf("Expected name 'test-consumer', got '%s'", consumer.name)
	}
}

func TestPublisherClose(t *testing.T) {
	publisher := NewPublisher(nil, "TEST")

	if err := publisher.Close(); err != nil {
		t.Errorf("Close returned error: %v", err)
	}
}

func TestConsumerClose(t *testing.T) {
	consumer := NewConsumer(nil, "test-consumer")

	if err := consumer.Close(); err != nil {
		t.Errorf("Close returned error: %v", err)
	}
}

func TestMessageBuilder(t *testing.T) {
	builder := queue.NewMessageBuilder("dispatch.jobs").
		WithData([]byte(`{"event": "test"}`)).
		WithMessageGroup("group-1").
		WithDeduplicationID("dedup-123").
		WithMetadata("priority", "high")

	if builder.Subject() != "dispatch.jobs" {
		t.Errorf("Expected subject 'dispatch.jobs', got '%s'", builder.Subject())
	}
	if builder.MessageGroup() != "group-1" {
		t.Errorf("Expected message group 'group-1', got '%s'", builder.MessageGroup())
	}
	if builder.DeduplicationID() != "dedup-123" {
		t.Errorf("Expected deduplication ID 'dedup-123', got '%s'", builder.DeduplicationID())
	}
	if builder.Metadata()["priority"] != "high" {
		t.Errorf("Expected priority 'high', got '%s'", builder.Metadata()["priority"])
	}
}

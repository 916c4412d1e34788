package conversation

import (
	"context"
	"testing"
	"time"

	"github.com/aqilrvsb/dev-muse-automaton-sub005/pkg/logging"
)

func TestPublisherEnqueueInbound(t *testing.T) {
	queue := &stubQueue{}
	publisher := NewPublisher(queue, logging.Default())

	msg := InboundMessage{
		Provider:   "gateway",
		DeviceID:   "dev1",
		Phone:      "+60123",
		Body:       "hello",
		ReceivedAt: time.Now(),
	}
	if err := publisher.EnqueueInbound(context.Background(), msg); err != nil {
		t.Fatalf("enqueue returned error: %v", err)
	}
	if len(queue.sent) != 1 {
		t.Fatalf("expected 1 message, got %d", len(queue.sent))
	}

	payload := queue.sent[0]
	if payload.Kind != jobTypeInbound {
		t.Fatalf("expected inbound job, got %s", payload.Kind)
	}
	if payload.ID == "" {
		t.Fatalf("expected generated job id")
	}
	if payload.Inbound == nil || payload.Inbound.Body != "hello" {
		t.Fatalf("unexpected inbound payload: %+v", payload.Inbound)
	}
}

func TestPublisherEnqueueCommand(t *testing.T) {
	queue := &stubQueue{}
	publisher := NewPublisher(queue, logging.Default())

	cmd := CommandRequest{Name: "cancel", DeviceID: "dev1", Phone: "+60123"}
	if err := publisher.EnqueueCommand(context.Background(), cmd); err != nil {
		t.Fatalf("enqueue returned error: %v", err)
	}

	payload := queue.sent[0]
	if payload.Kind != jobTypeCommand {
		t.Fatalf("expected command job, got %s", payload.Kind)
	}
	if payload.Command == nil || payload.Command.Name != "cancel" {
		t.Fatalf("unexpected command payload: %+v", payload.Command)
	}
}

type stubQueue struct {
	sent []queuePayload
}

func (s *stubQueue) Send(ctx context.Context, payload queuePayload) error {
	s.sent = append(s.sent, payload)
	return nil
}

func (s *stubQueue) Receive(ctx context.Context, maxMessages int, waitSeconds int) ([]queueMessage, error) {
	return nil, context.Canceled
}

func (s *stubQueue) Delete(ctx context.Context, receiptHandle string) error {
	return nil
}

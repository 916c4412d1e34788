package conversation

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/aqilrvsb/dev-muse-automaton-sub005/pkg/logging"
)

// Publisher enqueues inbound messages and operator commands for
// asynchronous processing by the worker.
type Publisher struct {
	queue  queueClient
	logger *logging.Logger
}

// NewPublisher creates a queue-backed publisher.
func NewPublisher(queue queueClient, logger *logging.Logger) *Publisher {
	if queue == nil {
		panic("conversation: queue cannot be nil")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Publisher{
		queue:  queue,
		logger: logger,
	}
}

// EnqueueInbound publishes a normalized inbound message job.
func (p *Publisher) EnqueueInbound(ctx context.Context, msg InboundMessage) error {
	return p.enqueue(ctx, queuePayload{Kind: jobTypeInbound, Inbound: &msg})
}

// EnqueueCommand publishes an operator command job.
func (p *Publisher) EnqueueCommand(ctx context.Context, cmd CommandRequest) error {
	return p.enqueue(ctx, queuePayload{Kind: jobTypeCommand, Command: &cmd})
}

func (p *Publisher) enqueue(ctx context.Context, payload queuePayload) error {
	if ctx == nil {
		ctx = context.Background()
	}

	payload.ID = uuid.NewString()
	if err := p.queue.Send(ctx, payload); err != nil {
		return fmt.Errorf("conversation: failed to enqueue job: %w", err)
	}

	p.logger.Debug("conversation job enqueued", "job_id", payload.ID, "kind", payload.Kind)
	return nil
}

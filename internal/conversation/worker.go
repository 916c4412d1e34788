package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/aqilrvsb/dev-muse-automaton-sub005/internal/debounce"
	"github.com/aqilrvsb/dev-muse-automaton-sub005/pkg/logging"
)

var workerTracer = otel.Tracer("internal/conversation/worker")

// Buffer staged inbound messages rather than running a turn per message:
// prospects send bursts, and the engine should answer the burst once.
type debounceBuffer interface {
	Enqueue(ctx context.Context, key debounce.Key, payload string) error
}

// Worker consumes conversation jobs from the queue. Inbound messages are
// staged in the debounce buffer; operator commands are applied immediately.
type Worker struct {
	service  *Service
	queue    queueClient
	debounce debounceBuffer
	logger   *logging.Logger
	cfg      workerConfig
	wg       sync.WaitGroup
}

type workerConfig struct {
	workers          int
	receiveBatchSize int
	receiveWaitSecs  int
}

// WorkerOption customises worker behaviour.
type WorkerOption func(*workerConfig)

// WithWorkerCount sets how many consumer goroutines run.
func WithWorkerCount(n int) WorkerOption {
	return func(cfg *workerConfig) {
		if n > 0 {
			cfg.workers = n
		}
	}
}

// WithReceiveBatchSize sets how many jobs are pulled per receive.
func WithReceiveBatchSize(n int) WorkerOption {
	return func(cfg *workerConfig) {
		if n > 0 {
			cfg.receiveBatchSize = n
		}
	}
}

// WithReceiveWaitSeconds sets the long-poll interval for receives.
func WithReceiveWaitSeconds(n int) WorkerOption {
	return func(cfg *workerConfig) {
		if n >= 0 {
			cfg.receiveWaitSecs = n
		}
	}
}

// NewWorker builds a queue consumer. Service, queue, and debounce buffer are
// required.
func NewWorker(service *Service, queue queueClient, buf debounceBuffer, logger *logging.Logger, opts ...WorkerOption) *Worker {
	if service == nil {
		panic("conversation: service is required")
	}
	if queue == nil {
		panic("conversation: queue client is required")
	}
	if buf == nil {
		panic("conversation: debounce buffer is required")
	}
	if logger == nil {
		logger = logging.Default()
	}

	cfg := workerConfig{
		workers:          4,
		receiveBatchSize: 10,
		receiveWaitSecs:  20,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	return &Worker{
		service:  service,
		queue:    queue,
		debounce: buf,
		logger:   logger,
		cfg:      cfg,
	}
}

// Start launches worker goroutines until ctx is cancelled.
func (w *Worker) Start(ctx context.Context) {
	for i := 0; i < w.cfg.workers; i++ {
		w.wg.Add(1)
		go w.run(ctx, i+1)
	}
}

// Wait blocks until all worker goroutines exit.
func (w *Worker) Wait() {
	w.wg.Wait()
}

func (w *Worker) run(ctx context.Context, workerID int) {
	defer w.wg.Done()
	w.logger.Debug("conversation worker started", "worker_id", workerID)

	backoff := time.Second

	for {
		select {
		case <-ctx.Done():
			w.logger.Debug("conversation worker stopping", "worker_id", workerID)
			return
		default:
		}

		messages, err := w.queue.Receive(ctx, w.cfg.receiveBatchSize, w.cfg.receiveWaitSecs)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			w.logger.Error("failed to receive conversation jobs", "error", err, "worker_id", workerID)
			time.Sleep(backoff)
			if backoff < 5*time.Second {
				backoff *= 2
			}
			continue
		}
		backoff = time.Second

		for _, msg := range messages {
			w.handleMessage(ctx, msg)
		}
	}
}

func (w *Worker) handleMessage(ctx context.Context, msg queueMessage) {
	var payload queuePayload
	if err := json.Unmarshal([]byte(msg.Body), &payload); err != nil {
		w.logger.Error("failed to decode conversation job", "error", err)
		w.deleteMessage(context.Background(), msg.ReceiptHandle)
		return
	}

	ctx, span := workerTracer.Start(ctx, "conversation.handleJob",
		trace.WithAttributes(
			attribute.String("job_id", payload.ID),
			attribute.String("kind", string(payload.Kind)),
		))
	defer span.End()

	var err error
	switch payload.Kind {
	case jobTypeInbound:
		err = w.stageInbound(ctx, payload)
	case jobTypeCommand:
		if payload.Command == nil {
			w.logger.Error("command job missing payload", "job_id", payload.ID)
		} else {
			err = w.service.HandleCommand(ctx, *payload.Command)
		}
	default:
		w.logger.Error("unknown conversation job kind", "kind", payload.Kind, "job_id", payload.ID)
	}

	if err != nil {
		span.RecordError(err)
		w.logger.Error("conversation job failed", "error", err, "kind", payload.Kind, "job_id", payload.ID)
		// Leave the message on the queue so it redelivers after the
		// visibility timeout.
		return
	}

	w.deleteMessage(context.Background(), msg.ReceiptHandle)
}

// stageInbound parks the message in the debounce buffer keyed by
// conversation. The coordinator flushes the accumulated burst into
// Service.ProcessBatch once the prospect goes quiet.
func (w *Worker) stageInbound(ctx context.Context, payload queuePayload) error {
	if payload.Inbound == nil {
		w.logger.Error("inbound job missing payload", "job_id", payload.ID)
		return nil
	}

	raw, err := json.Marshal(payload.Inbound)
	if err != nil {
		return err
	}
	key := debounce.Key{DeviceID: payload.Inbound.DeviceID, Phone: payload.Inbound.Phone}
	return w.debounce.Enqueue(ctx, key, string(raw))
}

func (w *Worker) deleteMessage(ctx context.Context, receiptHandle string) {
	if err := w.queue.Delete(ctx, receiptHandle); err != nil {
		w.logger.Error("failed to delete conversation job", "error", err)
	}
}

// FlushHandler adapts the Service to the debounce coordinator's callback:
// it decodes the buffered payloads back into inbound messages and runs a
// single turn over the batch.
func FlushHandler(service *Service, logger *logging.Logger) debounce.FlushFunc {
	if logger == nil {
		logger = logging.Default()
	}
	return func(ctx context.Context, key debounce.Key, payloads []string) {
		msgs := make([]InboundMessage, 0, len(payloads))
		for _, raw := range payloads {
			var msg InboundMessage
			if err := json.Unmarshal([]byte(raw), &msg); err != nil {
				logger.Error("failed to decode buffered message", "error", err, "key", key.String())
				continue
			}
			msgs = append(msgs, msg)
		}
		if len(msgs) == 0 {
			return
		}
		if err := service.ProcessBatch(ctx, key.DeviceID, key.Phone, msgs); err != nil {
			logger.Error("failed to process batch", "error", err, "key", key.String())
		}
	}
}

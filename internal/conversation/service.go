package conversation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/aqilrvsb/dev-muse-automaton-sub005/internal/observability/metrics"
	"github.com/aqilrvsb/dev-muse-automaton-sub005/pkg/logging"
	"github.com/aqilrvsb/dev-muse-automaton-sub005/internal/sequence"
	"github.com/aqilrvsb/dev-muse-automaton-sub005/internal/transport"
)

var serviceTracer = otel.Tracer("internal/conversation/service")

// transcriptWindow bounds how much history is rendered into the model prompt.
const transcriptWindow = 20

// Dispatcher delivers outbound segments to the prospect.
type Dispatcher interface {
	SendText(ctx context.Context, deviceID, to, body string) error
	SendMedia(ctx context.Context, deviceID, to, url string, kind transport.MediaKind) error
}

// SequenceScheduler reacts to stage transitions by managing drip enrollments.
type SequenceScheduler interface {
	HandleStageChange(ctx context.Context, change sequence.StageChange) error
	CancelAll(ctx context.Context, conversationID string) error
	Purge(ctx context.Context, conversationID string) error
}

// Service owns the per-conversation turn: it serialises processing behind a
// Redis lease, asks the engine for a reply, delivers the segments, and keeps
// the durable conversation row and transcript in step.
type Service struct {
	store       *Store
	transcripts *TranscriptStore
	engine      *Engine
	lock        *ProcessingLock
	sender      Dispatcher
	scheduler   SequenceScheduler
	spacing     time.Duration
	logger      *logging.Logger
	metrics     *metrics.PipelineMetrics
	sleep       func(ctx context.Context, d time.Duration) error
}

// ServiceOption customises Service construction.
type ServiceOption func(*Service)

// WithSendSpacing sets the pause between consecutive outbound segments.
func WithSendSpacing(d time.Duration) ServiceOption {
	return func(s *Service) {
		if d >= 0 {
			s.spacing = d
		}
	}
}

// WithServiceMetrics attaches pipeline metrics.
func WithServiceMetrics(m *metrics.PipelineMetrics) ServiceOption {
	return func(s *Service) { s.metrics = m }
}

// WithScheduler attaches a sequence scheduler; without one stage changes
// only update the conversation row.
func WithScheduler(sched SequenceScheduler) ServiceOption {
	return func(s *Service) { s.scheduler = sched }
}

func withServiceSleep(fn func(ctx context.Context, d time.Duration) error) ServiceOption {
	return func(s *Service) { s.sleep = fn }
}

// NewService builds a Service. Store, transcripts, engine, lock, and sender
// are required.
func NewService(store *Store, transcripts *TranscriptStore, engine *Engine, lock *ProcessingLock, sender Dispatcher, logger *logging.Logger, opts ...ServiceOption) *Service {
	if store == nil {
		panic("conversation: store is required")
	}
	if transcripts == nil {
		panic("conversation: transcript store is required")
	}
	if engine == nil {
		panic("conversation: engine is required")
	}
	if lock == nil {
		panic("conversation: processing lock is required")
	}
	if sender == nil {
		panic("conversation: dispatcher is required")
	}
	if logger == nil {
		logger = logging.Default()
	}

	s := &Service{
		store:       store,
		transcripts: transcripts,
		engine:      engine,
		lock:        lock,
		sender:      sender,
		spacing:     1500 * time.Millisecond,
		logger:      logger,
		sleep:       sleepContext,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ProcessBatch runs one AI turn for a debounced batch of inbound messages.
// The batch is joined into a single prospect utterance; if another turn holds
// the conversation lock the batch is dropped, because its messages will be
// folded into the follow-up flush.
func (s *Service) ProcessBatch(ctx context.Context, deviceID, phone string, msgs []InboundMessage) error {
	if len(msgs) == 0 {
		return nil
	}

	ctx, span := serviceTracer.Start(ctx, "conversation.ProcessBatch",
		trace.WithAttributes(
			attribute.String("device_id", deviceID),
			attribute.Int("batch_size", len(msgs)),
		))
	defer span.End()

	device, err := s.store.GetDevice(ctx, deviceID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			s.logger.Warn("dropping batch for unknown device", "device_id", deviceID, "phone", phone)
			return nil
		}
		span.RecordError(err)
		return fmt.Errorf("conversation: load device: %w", err)
	}

	displayName := ""
	for _, m := range msgs {
		if m.DisplayName != "" {
			displayName = m.DisplayName
			break
		}
	}

	conv, err := s.store.GetOrCreateConversation(ctx, deviceID, phone, displayName)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("conversation: load conversation: %w", err)
	}

	bodies := make([]string, 0, len(msgs))
	for _, m := range msgs {
		if m.Body != "" {
			bodies = append(bodies, m.Body)
		}
	}
	if len(bodies) == 0 {
		return nil
	}
	combined := JoinBodies(bodies)

	if !conv.AIEnabled {
		// Record what the prospect said so a human taking over has context.
		for _, body := range bodies {
			if err := s.transcripts.Append(ctx, conv.ID, TranscriptMessage{Role: ChatRoleUser, Body: body, Timestamp: time.Now().UTC()}); err != nil {
				s.logger.Warn("failed to append transcript while AI disabled", "error", err, "conversation_id", conv.ID)
			}
		}
		s.logger.Debug("AI disabled, skipping turn", "conversation_id", conv.ID)
		return nil
	}

	token, acquired, err := s.lock.Acquire(ctx, deviceID, phone)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("conversation: acquire lock: %w", err)
	}
	if !acquired {
		s.metrics.ObserveLockContention()
		s.logger.Info("conversation busy, dropping batch", "conversation_id", conv.ID, "batch_size", len(msgs))
		return nil
	}
	defer func() {
		if err := s.lock.Release(context.Background(), deviceID, phone, token); err != nil {
			s.logger.Warn("failed to release conversation lock", "error", err, "conversation_id", conv.ID)
		}
	}()

	return s.runTurn(ctx, device, conv, bodies, combined)
}

func (s *Service) runTurn(ctx context.Context, device *Device, conv *Conversation, bodies []string, combined string) error {
	if err := s.store.SetConvCurrent(ctx, conv.ID, combined); err != nil {
		s.logger.Warn("failed to record in-flight message", "error", err, "conversation_id", conv.ID)
	}

	transcript, err := s.transcripts.RenderPrompt(ctx, conv.ID, transcriptWindow)
	if err != nil {
		s.logger.Warn("failed to render transcript", "error", err, "conversation_id", conv.ID)
		transcript = ""
	}

	result := s.engine.Respond(ctx, EngineInput{
		CombinedMessage: combined,
		Transcript:      transcript,
		CurrentStage:    conv.Stage,
		OperatorPrompt:  device.Prompt,
		ProspectName:    conv.ProspectName,
		Niche:           device.Niche,
	})

	sent := s.dispatchSegments(ctx, device.ID, conv, result.Segments)

	now := time.Now().UTC()
	for _, body := range bodies {
		if err := s.transcripts.Append(ctx, conv.ID, TranscriptMessage{Role: ChatRoleUser, Body: body, Timestamp: now}); err != nil {
			s.logger.Warn("failed to append user transcript", "error", err, "conversation_id", conv.ID)
		}
	}
	for _, seg := range sent {
		body := seg.Text
		if seg.Kind != SegmentText {
			body = seg.URL
		}
		if err := s.transcripts.Append(ctx, conv.ID, TranscriptMessage{Role: ChatRoleAssistant, Body: body, Timestamp: now}); err != nil {
			s.logger.Warn("failed to append assistant transcript", "error", err, "conversation_id", conv.ID)
		}
	}

	turnLog := renderTurnLog(bodies, sent)
	if err := s.store.FinalizeTurn(ctx, conv.ID, result.Stage, result.Detail, turnLog); err != nil {
		s.logger.Error("failed to finalize turn", "error", err, "conversation_id", conv.ID)
		// Clear the in-flight marker so the conversation does not appear
		// stuck. The turn's ctx may already be cancelled or expired, which
		// is often why the finalize failed, so use a fresh one.
		clearCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if clearErr := s.store.ClearConvCurrent(clearCtx, conv.ID); clearErr != nil {
			s.logger.Error("failed to clear in-flight message", "error", clearErr, "conversation_id", conv.ID)
		}
		return fmt.Errorf("conversation: finalize turn: %w", err)
	}

	if len(sent) > 0 {
		if err := s.transcripts.SetLastReply(ctx, conv.ID, sent); err != nil {
			s.logger.Warn("failed to cache last reply", "error", err, "conversation_id", conv.ID)
		}
	}

	if s.scheduler != nil && result.Stage != "" && result.Stage != conv.Stage {
		change := sequence.StageChange{
			ConversationID: conv.ID,
			DeviceID:       device.ID,
			Phone:          conv.ProspectPhone,
			NewStage:       result.Stage,
			EnrolledStage:  conv.SequenceStage,
		}
		if err := s.scheduler.HandleStageChange(ctx, change); err != nil {
			s.logger.Error("failed to apply stage change", "error", err, "conversation_id", conv.ID, "stage", result.Stage)
		}
	}

	return nil
}

// dispatchSegments delivers segments in order with a spacing pause between
// them. A failed segment is logged and skipped; the rest still go out.
func (s *Service) dispatchSegments(ctx context.Context, deviceID string, conv *Conversation, segments []Segment) []Segment {
	sent := make([]Segment, 0, len(segments))
	for i, seg := range segments {
		if i > 0 && s.spacing > 0 {
			if err := s.sleep(ctx, s.spacing); err != nil {
				return sent
			}
		}

		var err error
		switch seg.Kind {
		case SegmentText:
			err = s.sender.SendText(ctx, deviceID, conv.ProspectPhone, seg.Text)
		case SegmentImage:
			err = s.sender.SendMedia(ctx, deviceID, conv.ProspectPhone, seg.URL, transport.MediaImage)
		case SegmentVideo:
			err = s.sender.SendMedia(ctx, deviceID, conv.ProspectPhone, seg.URL, transport.MediaVideo)
		case SegmentAudio:
			err = s.sender.SendMedia(ctx, deviceID, conv.ProspectPhone, seg.URL, transport.MediaAudio)
		default:
			s.logger.Warn("skipping segment with unknown kind", "kind", seg.Kind, "conversation_id", conv.ID)
			continue
		}
		if err != nil {
			s.metrics.ObserveSend("whatsapp", "error")
			s.logger.Error("failed to send segment", "error", err, "kind", seg.Kind, "conversation_id", conv.ID)
			continue
		}
		s.metrics.ObserveSend("whatsapp", "ok")
		sent = append(sent, seg)
	}
	return sent
}

// renderTurnLog produces the text appended to the conversation's durable
// history: the prospect's lines followed by the bot's.
func renderTurnLog(userBodies []string, sent []Segment) string {
	var b strings.Builder
	for _, body := range userBodies {
		b.WriteString("user: ")
		b.WriteString(body)
		b.WriteString("\n")
	}
	for _, seg := range sent {
		b.WriteString("bot: ")
		if seg.Kind == SegmentText {
			b.WriteString(seg.Text)
		} else {
			b.WriteString(seg.URL)
		}
		b.WriteString("\n")
	}
	return b.String()
}

// Command names accepted by HandleCommand.
const (
	CommandOff    = "off"
	CommandOn     = "on"
	CommandCancel = "cancel"
	CommandResend = "resend"
	CommandWipe   = "wipe"
)

// HandleCommand applies an operator command to a conversation. Commands
// arrive from the device owner's own messages and never go through the AI.
func (s *Service) HandleCommand(ctx context.Context, cmd CommandRequest) error {
	ctx, span := serviceTracer.Start(ctx, "conversation.HandleCommand",
		trace.WithAttributes(
			attribute.String("command", cmd.Name),
			attribute.String("device_id", cmd.DeviceID),
		))
	defer span.End()

	conv, err := s.store.GetConversation(ctx, cmd.DeviceID, cmd.Phone)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			s.logger.Info("command for unknown conversation", "command", cmd.Name, "device_id", cmd.DeviceID, "phone", cmd.Phone)
			return nil
		}
		span.RecordError(err)
		return fmt.Errorf("conversation: load conversation: %w", err)
	}

	switch cmd.Name {
	case CommandOff:
		return s.store.SetAIEnabled(ctx, conv.DeviceID, conv.ProspectPhone, false)
	case CommandOn:
		return s.store.SetAIEnabled(ctx, conv.DeviceID, conv.ProspectPhone, true)
	case CommandCancel:
		if s.scheduler == nil {
			return nil
		}
		return s.scheduler.CancelAll(ctx, conv.ID)
	case CommandResend:
		return s.resendLastReply(ctx, conv)
	case CommandWipe:
		return s.wipe(ctx, conv)
	default:
		s.logger.Warn("unknown command", "command", cmd.Name, "conversation_id", conv.ID)
		return nil
	}
}

func (s *Service) resendLastReply(ctx context.Context, conv *Conversation) error {
	segments, err := s.transcripts.LastReply(ctx, conv.ID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			s.logger.Info("no reply cached to resend", "conversation_id", conv.ID)
			return nil
		}
		return fmt.Errorf("conversation: load last reply: %w", err)
	}
	s.dispatchSegments(ctx, conv.DeviceID, conv, segments)
	return nil
}

func (s *Service) wipe(ctx context.Context, conv *Conversation) error {
	if s.scheduler != nil {
		// Purge, not just cancel: enrollment and scheduled-send rows are
		// keyed by the conversation id and would otherwise outlive it.
		if err := s.scheduler.Purge(ctx, conv.ID); err != nil {
			s.logger.Warn("failed to purge enrollments during wipe", "error", err, "conversation_id", conv.ID)
		}
	}
	if err := s.transcripts.Wipe(ctx, conv.ID); err != nil {
		s.logger.Warn("failed to wipe transcript", "error", err, "conversation_id", conv.ID)
	}
	if err := s.store.DeleteConversation(ctx, conv.DeviceID, conv.ProspectPhone); err != nil {
		return fmt.Errorf("conversation: delete conversation: %w", err)
	}
	s.logger.Info("conversation wiped", "conversation_id", conv.ID)
	return nil
}

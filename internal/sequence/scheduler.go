package sequence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/aqilrvsb/dev-muse-automaton-sub005/internal/observability/metrics"
	"github.com/aqilrvsb/dev-muse-automaton-sub005/internal/transport"
	"github.com/aqilrvsb/dev-muse-automaton-sub005/pkg/logging"
)

var tracer = otel.Tracer("internal/sequence")

// repository is the persistence surface the scheduler needs.
type repository interface {
	ActiveSequenceForStage(ctx context.Context, deviceID, stage string) (*Definition, error)
	ActiveEnrollment(ctx context.Context, conversationID string) (*Enrollment, error)
	CreateEnrollment(ctx context.Context, sequenceID, conversationID, deviceID, phone string) (*Enrollment, error)
	CloseEnrollment(ctx context.Context, enrollmentID string) error
	InsertScheduledSend(ctx context.Context, send ScheduledSend) error
	ListScheduledSends(ctx context.Context, conversationID string) ([]ScheduledSend, error)
	MarkSendCancelled(ctx context.Context, sendID string) error
	PurgeConversation(ctx context.Context, conversationID string) error
}

// stageRecorder persists the stage snapshot that triggered the current
// enrollment.
type stageRecorder interface {
	SetSequenceStage(ctx context.Context, conversationID, stage string) error
}

// StageChange describes the outcome of one AI turn for the scheduler.
type StageChange struct {
	ConversationID string
	DeviceID       string
	Phone          string
	NewStage       string
	// EnrolledStage is the stage snapshot from the last enrollment,
	// empty if the prospect was never enrolled.
	EnrolledStage string
}

// Scheduler enrolls prospects into drip sequences on stage transitions
// and cancels stale scheduled sends when the stage moves on.
type Scheduler struct {
	repo     repository
	provider transport.Scheduler
	stages   stageRecorder
	loc      *time.Location
	quiet    QuietWindow
	logger   *logging.Logger
	metrics  *metrics.PipelineMetrics
	now      func() time.Time
}

// SchedulerOption configures a Scheduler.
type SchedulerOption func(*Scheduler)

func WithSchedulerMetrics(m *metrics.PipelineMetrics) SchedulerOption {
	return func(s *Scheduler) { s.metrics = m }
}

// WithQuietWindow overrides the default 21:00-09:00 local quiet window.
func WithQuietWindow(w QuietWindow) SchedulerOption {
	return func(s *Scheduler) { s.quiet = w }
}

func withSchedulerNow(now func() time.Time) SchedulerOption {
	return func(s *Scheduler) { s.now = now }
}

// NewScheduler builds a scheduler. loc is the destination timezone used
// when computing absolute send times; pass time.UTC when unconfigured.
func NewScheduler(repo repository, provider transport.Scheduler, stages stageRecorder, loc *time.Location, logger *logging.Logger, opts ...SchedulerOption) *Scheduler {
	if repo == nil {
		panic("sequence: repository is required")
	}
	if provider == nil {
		panic("sequence: transport scheduler is required")
	}
	if loc == nil {
		loc = time.UTC
	}
	if logger == nil {
		logger = logging.Default()
	}
	s := &Scheduler{
		repo:     repo,
		provider: provider,
		stages:   stages,
		loc:      loc,
		quiet:    DefaultQuietWindow(),
		logger:   logger,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// HandleStageChange runs the per-turn state machine:
//   - not enrolled + stage triggers a sequence: enroll
//   - enrolled at the same stage: no-op
//   - enrolled at a different stage: cancel everything, then re-enroll
//     if the new stage triggers a sequence
func (s *Scheduler) HandleStageChange(ctx context.Context, change StageChange) error {
	ctx, span := tracer.Start(ctx, "sequence.HandleStageChange")
	defer span.End()

	if change.NewStage == "" {
		return nil
	}

	enrollment, err := s.repo.ActiveEnrollment(ctx, change.ConversationID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		span.RecordError(err)
		return err
	}

	if enrollment != nil {
		if change.EnrolledStage == change.NewStage {
			s.metrics.ObserveEnrollment("noop")
			return nil
		}
		if err := s.cancelEnrollment(ctx, change.ConversationID, enrollment); err != nil {
			span.RecordError(err)
			return err
		}
	}

	return s.enroll(ctx, change)
}

// CancelAll cancels every scheduled send and closes the enrollment
// without re-enrolling. Used by the operator cancel command.
func (s *Scheduler) CancelAll(ctx context.Context, conversationID string) error {
	ctx, span := tracer.Start(ctx, "sequence.CancelAll")
	defer span.End()

	enrollment, err := s.repo.ActiveEnrollment(ctx, conversationID)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		span.RecordError(err)
		return err
	}
	if err := s.cancelEnrollment(ctx, conversationID, enrollment); err != nil {
		span.RecordError(err)
		return err
	}
	s.metrics.ObserveEnrollment("cancelled")
	return nil
}

// Purge cancels any active enrollment and then deletes every enrollment
// and scheduled-send row for the conversation. Used by the operator wipe
// command so no sequence state outlives the conversation.
func (s *Scheduler) Purge(ctx context.Context, conversationID string) error {
	ctx, span := tracer.Start(ctx, "sequence.Purge")
	defer span.End()

	if err := s.CancelAll(ctx, conversationID); err != nil {
		span.RecordError(err)
		return err
	}
	if err := s.repo.PurgeConversation(ctx, conversationID); err != nil {
		span.RecordError(err)
		return err
	}
	s.logger.Info("purged sequence state", "conversation_id", conversationID)
	return nil
}

func (s *Scheduler) enroll(ctx context.Context, change StageChange) error {
	def, err := s.repo.ActiveSequenceForStage(ctx, change.DeviceID, change.NewStage)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if len(def.Steps) == 0 {
		s.logger.Warn("sequence has no steps, skipping enrollment", "sequence_id", def.ID)
		return nil
	}

	enrollment, err := s.repo.CreateEnrollment(ctx, def.ID, change.ConversationID, change.DeviceID, change.Phone)
	if err != nil {
		return err
	}

	// Delay hours accumulate: each step's send time is relative to the
	// previous step. Steps landing in the destination's quiet hours are
	// pushed to the next window end before the next delay is added.
	sendAt := s.now().In(s.loc)
	for _, step := range def.Steps {
		sendAt = s.quiet.Defer(sendAt.Add(time.Duration(step.DelayHours) * time.Hour).In(s.loc))
		externalID, err := s.provider.ScheduleSend(ctx, change.DeviceID, change.Phone, step.Message, step.MediaRef, sendAt.UTC())
		if err != nil {
			return fmt.Errorf("sequence: schedule step %d: %w", step.StepOrder, err)
		}
		if err := s.repo.InsertScheduledSend(ctx, ScheduledSend{
			EnrollmentID:  enrollment.ID,
			StepOrder:     step.StepOrder,
			ExternalID:    externalID,
			ScheduledTime: sendAt.UTC(),
			Status:        SendScheduled,
		}); err != nil {
			return err
		}
	}

	if s.stages != nil {
		if err := s.stages.SetSequenceStage(ctx, change.ConversationID, change.NewStage); err != nil {
			s.logger.Error("failed to record sequence stage snapshot", "conversation_id", change.ConversationID, "error", err)
		}
	}
	s.metrics.ObserveEnrollment("enrolled")
	s.logger.Info("prospect enrolled in sequence",
		"sequence_id", def.ID,
		"conversation_id", change.ConversationID,
		"stage", change.NewStage,
		"steps", len(def.Steps),
	)
	return nil
}

// cancelEnrollment cancels all scheduled sends best-effort, then closes
// the enrollment. One failed provider cancel is logged and skipped so
// the rest still get cancelled.
func (s *Scheduler) cancelEnrollment(ctx context.Context, conversationID string, enrollment *Enrollment) error {
	sends, err := s.repo.ListScheduledSends(ctx, conversationID)
	if err != nil {
		return err
	}
	for _, send := range sends {
		if err := s.provider.CancelScheduled(ctx, enrollment.DeviceID, send.ExternalID); err != nil {
			s.logger.Error("failed to cancel scheduled send, continuing",
				"send_id", send.ID,
				"external_id", send.ExternalID,
				"error", err,
			)
		}
		if err := s.repo.MarkSendCancelled(ctx, send.ID); err != nil {
			return err
		}
	}
	return s.repo.CloseEnrollment(ctx, enrollment.ID)
}

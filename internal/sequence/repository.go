package sequence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

type rowQuerier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Repository persists sequence definitions, enrollments and scheduled
// sends.
type Repository struct {
	pool rowQuerier
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	if pool == nil {
		panic("sequence: pgx pool required")
	}
	return &Repository{pool: pool}
}

func newRepositoryWithExec(exec rowQuerier) *Repository {
	if exec == nil {
		panic("sequence: exec required")
	}
	return &Repository{pool: exec}
}

// ActiveSequenceForStage returns the active sequence whose trigger
// matches the stage, with steps in order, or ErrNotFound.
func (r *Repository) ActiveSequenceForStage(ctx context.Context, deviceID, stage string) (*Definition, error) {
	var def Definition
	err := r.pool.QueryRow(ctx, `
		SELECT id, device_id, name, trigger_stage, active
		FROM sequences
		WHERE device_id = $1 AND trigger_stage = $2 AND active = TRUE
	`, deviceID, stage).Scan(&def.ID, &def.DeviceID, &def.Name, &def.TriggerStage, &def.Active)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sequence: load sequence: %w", err)
	}

	rows, err := r.pool.Query(ctx, `
		SELECT id, sequence_id, step_order, message, COALESCE(media_ref, ''), delay_hours
		FROM sequence_steps
		WHERE sequence_id = $1
		ORDER BY step_order
	`, def.ID)
	if err != nil {
		return nil, fmt.Errorf("sequence: load steps: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var step Step
		if err := rows.Scan(&step.ID, &step.SequenceID, &step.StepOrder, &step.Message, &step.MediaRef, &step.DelayHours); err != nil {
			return nil, fmt.Errorf("sequence: scan step: %w", err)
		}
		def.Steps = append(def.Steps, step)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sequence: iterate steps: %w", err)
	}
	return &def, nil
}

// ActiveEnrollment returns the prospect's active enrollment, or
// ErrNotFound.
func (r *Repository) ActiveEnrollment(ctx context.Context, conversationID string) (*Enrollment, error) {
	var e Enrollment
	err := r.pool.QueryRow(ctx, `
		SELECT id, sequence_id, conversation_id, device_id, phone, status, enrolled_at
		FROM enrollments
		WHERE conversation_id = $1 AND status = $2
	`, conversationID, StatusActive).Scan(
		&e.ID, &e.SequenceID, &e.ConversationID, &e.DeviceID, &e.Phone, &e.Status, &e.EnrolledAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sequence: load enrollment: %w", err)
	}
	return &e, nil
}

// CreateEnrollment inserts an active enrollment and returns it.
func (r *Repository) CreateEnrollment(ctx context.Context, sequenceID, conversationID, deviceID, phone string) (*Enrollment, error) {
	e := &Enrollment{
		ID:             uuid.NewString(),
		SequenceID:     sequenceID,
		ConversationID: conversationID,
		DeviceID:       deviceID,
		Phone:          phone,
		Status:         StatusActive,
		EnrolledAt:     time.Now().UTC(),
	}
	_, err := r.pool.Exec(ctx, `
		INSERT INTO enrollments (id, sequence_id, conversation_id, device_id, phone, status, enrolled_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, e.ID, e.SequenceID, e.ConversationID, e.DeviceID, e.Phone, e.Status, e.EnrolledAt)
	if err != nil {
		return nil, fmt.Errorf("sequence: create enrollment: %w", err)
	}
	return e, nil
}

// CloseEnrollment marks an enrollment cancelled.
func (r *Repository) CloseEnrollment(ctx context.Context, enrollmentID string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE enrollments SET status = $1, closed_at = $2 WHERE id = $3
	`, StatusCancelled, time.Now().UTC(), enrollmentID)
	if err != nil {
		return fmt.Errorf("sequence: close enrollment: %w", err)
	}
	return nil
}

// InsertScheduledSend records a provider-side scheduled message.
func (r *Repository) InsertScheduledSend(ctx context.Context, send ScheduledSend) error {
	if send.ID == "" {
		send.ID = uuid.NewString()
	}
	_, err := r.pool.Exec(ctx, `
		INSERT INTO scheduled_sends (id, enrollment_id, step_order, external_id, scheduled_time, status)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, send.ID, send.EnrollmentID, send.StepOrder, send.ExternalID, send.ScheduledTime, send.Status)
	if err != nil {
		return fmt.Errorf("sequence: insert scheduled send: %w", err)
	}
	return nil
}

// ListScheduledSends returns every still-scheduled send for a
// prospect's conversation, oldest first.
func (r *Repository) ListScheduledSends(ctx context.Context, conversationID string) ([]ScheduledSend, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT s.id, s.enrollment_id, s.step_order, s.external_id, s.scheduled_time, s.status
		FROM scheduled_sends s
		JOIN enrollments e ON e.id = s.enrollment_id
		WHERE e.conversation_id = $1 AND s.status = $2
		ORDER BY s.scheduled_time
	`, conversationID, SendScheduled)
	if err != nil {
		return nil, fmt.Errorf("sequence: list scheduled sends: %w", err)
	}
	defer rows.Close()

	var sends []ScheduledSend
	for rows.Next() {
		var s ScheduledSend
		if err := rows.Scan(&s.ID, &s.EnrollmentID, &s.StepOrder, &s.ExternalID, &s.ScheduledTime, &s.Status); err != nil {
			return nil, fmt.Errorf("sequence: scan scheduled send: %w", err)
		}
		sends = append(sends, s)
	}
	return sends, rows.Err()
}

// PurgeConversation deletes every enrollment and scheduled-send row for
// a conversation. The conversations table has no cascade into these
// tables, so a wipe has to remove them explicitly.
func (r *Repository) PurgeConversation(ctx context.Context, conversationID string) error {
	_, err := r.pool.Exec(ctx, `
		DELETE FROM scheduled_sends
		WHERE enrollment_id IN (SELECT id FROM enrollments WHERE conversation_id = $1)
	`, conversationID)
	if err != nil {
		return fmt.Errorf("sequence: purge scheduled sends: %w", err)
	}
	_, err = r.pool.Exec(ctx, `
		DELETE FROM enrollments WHERE conversation_id = $1
	`, conversationID)
	if err != nil {
		return fmt.Errorf("sequence: purge enrollments: %w", err)
	}
	return nil
}

// MarkSendCancelled flips a scheduled send to cancelled.
func (r *Repository) MarkSendCancelled(ctx context.Context, sendID string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE scheduled_sends SET status = $1 WHERE id = $2
	`, SendCancelled, sendID)
	if err != nil {
		return fmt.Errorf("sequence: mark send cancelled: %w", err)
	}
	return nil
}

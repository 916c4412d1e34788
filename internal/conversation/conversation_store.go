package conversation

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Store persists conversations and devices to PostgreSQL.
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	if db == nil {
		panic("conversation: db is required")
	}
	return &Store{db: db}
}

// GetDevice looks up a sender device by id.
func (s *Store) GetDevice(ctx context.Context, deviceID string) (*Device, error) {
	var d Device
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, phone, COALESCE(niche, ''), COALESCE(prompt, ''), status, created_at, updated_at
		FROM devices
		WHERE id = $1
	`, deviceID).Scan(&d.ID, &d.Name, &d.Phone, &d.Niche, &d.Prompt, &d.Status, &d.CreatedAt, &d.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("conversation: get device: %w", err)
	}
	return &d, nil
}

// GetConversation fetches the conversation for a device/phone pair.
func (s *Store) GetConversation(ctx context.Context, deviceID, phone string) (*Conversation, error) {
	var c Conversation
	var stage, convCurrent, convLast, details, seqStage sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT id, device_id, prospect_phone, COALESCE(prospect_name, ''), COALESCE(niche, ''),
			   stage, ai_enabled, conv_current, conv_last, captured_details, sequence_stage,
			   created_at, updated_at
		FROM conversations
		WHERE device_id = $1 AND prospect_phone = $2
	`, deviceID, phone).Scan(
		&c.ID, &c.DeviceID, &c.ProspectPhone, &c.ProspectName, &c.Niche,
		&stage, &c.AIEnabled, &convCurrent, &convLast, &details, &seqStage,
		&c.CreatedAt, &c.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("conversation: get conversation: %w", err)
	}
	c.Stage = stage.String
	c.ConvCurrent = convCurrent.String
	c.ConvLast = convLast.String
	c.CapturedDetails = details.String
	c.SequenceStage = seqStage.String
	return &c, nil
}

// GetOrCreateConversation returns the existing conversation for the
// pair, creating it on first contact. A duplicate-key error means
// another worker won the insert race, so we re-read.
func (s *Store) GetOrCreateConversation(ctx context.Context, deviceID, phone, displayName string) (*Conversation, error) {
	conv, err := s.GetConversation(ctx, deviceID, phone)
	if err == nil {
		return conv, nil
	}
	if err != ErrNotFound {
		return nil, err
	}

	now := time.Now()
	newID := uuid.NewString()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO conversations (
			id, device_id, prospect_phone, prospect_name, ai_enabled, created_at, updated_at
		) VALUES ($1, $2, $3, $4, TRUE, $5, $5)
	`, newID, deviceID, phone, displayName, now)
	if err != nil {
		if strings.Contains(err.Error(), "duplicate key") {
			return s.GetConversation(ctx, deviceID, phone)
		}
		return nil, fmt.Errorf("conversation: create conversation: %w", err)
	}

	return &Conversation{
		ID:            newID,
		DeviceID:      deviceID,
		ProspectPhone: phone,
		ProspectName:  displayName,
		AIEnabled:     true,
		CreatedAt:     now,
		UpdatedAt:     now,
	}, nil
}

// SetConvCurrent records the batch being processed by the current turn.
func (s *Store) SetConvCurrent(ctx context.Context, conversationID, text string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE conversations SET conv_current = $1, updated_at = $2 WHERE id = $3
	`, text, time.Now(), conversationID)
	if err != nil {
		return fmt.Errorf("conversation: set conv_current: %w", err)
	}
	return nil
}

// ClearConvCurrent empties the pending buffer. Called on every turn exit
// path so a poisoned buffer can never be re-processed.
func (s *Store) ClearConvCurrent(ctx context.Context, conversationID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE conversations SET conv_current = '', updated_at = $1 WHERE id = $2
	`, time.Now(), conversationID)
	if err != nil {
		return fmt.Errorf("conversation: clear conv_current: %w", err)
	}
	return nil
}

// FinalizeTurn persists the outcome of one AI turn: the transcript lines
// are appended to conv_last, stage and captured details are updated, and
// conv_current is cleared, all in one statement.
func (s *Store) FinalizeTurn(ctx context.Context, conversationID, stage, details, transcriptLines string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE conversations SET
			conv_last = COALESCE(conv_last, '') || $1,
			stage = $2,
			captured_details = CASE WHEN $3 <> '' THEN $3 ELSE captured_details END,
			conv_current = '',
			updated_at = $4
		WHERE id = $5
	`, transcriptLines, stage, details, time.Now(), conversationID)
	if err != nil {
		return fmt.Errorf("conversation: finalize turn: %w", err)
	}
	return nil
}

// SetSequenceStage records the stage snapshot that last triggered a
// sequence enrollment.
func (s *Store) SetSequenceStage(ctx context.Context, conversationID, stage string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE conversations SET sequence_stage = $1, updated_at = $2 WHERE id = $3
	`, stage, time.Now(), conversationID)
	if err != nil {
		return fmt.Errorf("conversation: set sequence_stage: %w", err)
	}
	return nil
}

// SetAIEnabled toggles human takeover for a conversation.
func (s *Store) SetAIEnabled(ctx context.Context, deviceID, phone string, enabled bool) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE conversations SET ai_enabled = $1, updated_at = $2
		WHERE device_id = $3 AND prospect_phone = $4
	`, enabled, time.Now(), deviceID, phone)
	if err != nil {
		return fmt.Errorf("conversation: set ai_enabled: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("conversation: set ai_enabled result: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteConversation removes a conversation entirely. Used by the
// operator wipe command.
func (s *Store) DeleteConversation(ctx context.Context, deviceID, phone string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM conversations WHERE device_id = $1 AND prospect_phone = $2
	`, deviceID, phone)
	if err != nil {
		return fmt.Errorf("conversation: delete conversation: %w", err)
	}
	return nil
}

package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const (
	transcriptKeyPrefix = "wa_transcript:"
	lastReplyKeyPrefix  = "wa_last_reply:"

	transcriptTTL = 30 * 24 * time.Hour
	lastReplyTTL  = 24 * time.Hour
)

// TranscriptMessage is one cached turn line, kept in Redis for fast
// prompt assembly alongside the durable conv_last column.
type TranscriptMessage struct {
	ID        string    `json:"id"`
	Role      string    `json:"role"` // "user" or "assistant"
	Body      string    `json:"body"`
	Timestamp time.Time `json:"timestamp"`
}

// TranscriptStore caches recent conversation history and the last
// outbound reply per conversation.
type TranscriptStore struct {
	redis       *redis.Client
	tracer      trace.Tracer
	maxMessages int64
}

func NewTranscriptStore(redisClient *redis.Client) *TranscriptStore {
	if redisClient == nil {
		return nil
	}
	return &TranscriptStore{
		redis:       redisClient,
		tracer:      otel.Tracer("internal.conversation.transcript"),
		maxMessages: 250,
	}
}

func (s *TranscriptStore) Append(ctx context.Context, conversationID string, msg TranscriptMessage) error {
	if s == nil || s.redis == nil {
		return nil
	}
	if conversationID == "" {
		return errors.New("conversation: transcript conversationID required")
	}

	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("conversation: marshal transcript message: %w", err)
	}

	ctx, span := s.tracer.Start(ctx, "conversation.transcript.append")
	defer span.End()

	key := transcriptKeyPrefix + conversationID
	pipe := s.redis.TxPipeline()
	pipe.RPush(ctx, key, data)
	pipe.Expire(ctx, key, transcriptTTL)
	if s.maxMessages > 0 {
		pipe.LTrim(ctx, key, -s.maxMessages, -1)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		span.RecordError(err)
		return fmt.Errorf("conversation: append transcript message: %w", err)
	}
	return nil
}

// List returns up to limit of the most recent transcript messages in
// chronological order. limit <= 0 returns everything cached.
func (s *TranscriptStore) List(ctx context.Context, conversationID string, limit int64) ([]TranscriptMessage, error) {
	if s == nil || s.redis == nil {
		return nil, nil
	}
	if conversationID == "" {
		return nil, errors.New("conversation: transcript conversationID required")
	}

	ctx, span := s.tracer.Start(ctx, "conversation.transcript.list")
	defer span.End()

	start := int64(0)
	if limit > 0 {
		start = -limit
	}

	raw, err := s.redis.LRange(ctx, transcriptKeyPrefix+conversationID, start, -1).Result()
	if err != nil {
		if err == redis.Nil {
			return []TranscriptMessage{}, nil
		}
		span.RecordError(err)
		return nil, fmt.Errorf("conversation: list transcript: %w", err)
	}

	out := make([]TranscriptMessage, 0, len(raw))
	for _, item := range raw {
		var msg TranscriptMessage
		if err := json.Unmarshal([]byte(item), &msg); err != nil {
			span.RecordError(err)
			continue
		}
		out = append(out, msg)
	}
	return out, nil
}

// RenderPrompt flattens recent history into the line format the engine
// embeds into the system prompt.
func (s *TranscriptStore) RenderPrompt(ctx context.Context, conversationID string, limit int64) (string, error) {
	messages, err := s.List(ctx, conversationID, limit)
	if err != nil {
		return "", err
	}
	var b []byte
	for _, msg := range messages {
		prefix := "user: "
		if msg.Role == "assistant" {
			prefix = "bot: "
		}
		b = append(b, prefix...)
		b = append(b, msg.Body...)
		b = append(b, '\n')
	}
	return string(b), nil
}

// SetLastReply caches the segments of the most recent outbound reply so
// the operator resend command can replay them verbatim.
func (s *TranscriptStore) SetLastReply(ctx context.Context, conversationID string, segments []Segment) error {
	if s == nil || s.redis == nil {
		return nil
	}
	data, err := json.Marshal(segments)
	if err != nil {
		return fmt.Errorf("conversation: marshal last reply: %w", err)
	}
	if err := s.redis.Set(ctx, lastReplyKeyPrefix+conversationID, data, lastReplyTTL).Err(); err != nil {
		return fmt.Errorf("conversation: cache last reply: %w", err)
	}
	return nil
}

// LastReply returns the cached reply segments, or ErrNotFound when none
// are cached.
func (s *TranscriptStore) LastReply(ctx context.Context, conversationID string) ([]Segment, error) {
	if s == nil || s.redis == nil {
		return nil, ErrNotFound
	}
	data, err := s.redis.Get(ctx, lastReplyKeyPrefix+conversationID).Bytes()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("conversation: load last reply: %w", err)
	}
	var segments []Segment
	if err := json.Unmarshal(data, &segments); err != nil {
		return nil, fmt.Errorf("conversation: decode last reply: %w", err)
	}
	return segments, nil
}

// Wipe removes all cached state for a conversation.
func (s *TranscriptStore) Wipe(ctx context.Context, conversationID string) error {
	if s == nil || s.redis == nil {
		return nil
	}
	if err := s.redis.Del(ctx, transcriptKeyPrefix+conversationID, lastReplyKeyPrefix+conversationID).Err(); err != nil {
		return fmt.Errorf("conversation: wipe transcript: %w", err)
	}
	return nil
}

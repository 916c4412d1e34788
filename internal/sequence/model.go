package sequence

import (
	"errors"
	"time"
)

// ErrNotFound is returned when no matching sequence row exists.
var ErrNotFound = errors.New("sequence: not found")

// Enrollment statuses.
const (
	StatusActive    = "active"
	StatusCancelled = "cancelled"
)

// ScheduledSend statuses.
const (
	SendScheduled = "scheduled"
	SendSent      = "sent"
	SendCancelled = "cancelled"
)

// Definition is an operator-authored drip campaign triggered by a
// conversation reaching its trigger stage.
type Definition struct {
	ID           string
	DeviceID     string
	Name         string
	TriggerStage string
	Active       bool
	Steps        []Step
}

// Step is one delayed follow-up message. DelayHours counts from the
// previous step's send time, not from enrollment.
type Step struct {
	ID         string
	SequenceID string
	StepOrder  int
	Message    string
	MediaRef   string
	DelayHours int
}

// Enrollment is a prospect's active membership in a sequence.
type Enrollment struct {
	ID             string
	SequenceID     string
	ConversationID string
	DeviceID       string
	Phone          string
	Status         string
	EnrolledAt     time.Time
	ClosedAt       *time.Time
}

// ScheduledSend is one provider-scheduled future message.
type ScheduledSend struct {
	ID            string
	EnrollmentID  string
	StepOrder     int
	ExternalID    string
	ScheduledTime time.Time
	Status        string
}

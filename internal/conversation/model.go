package conversation

import (
	"errors"
	"strings"
	"time"
)

// ErrNotFound is returned when a device or conversation does not exist.
var ErrNotFound = errors.New("conversation: not found")

// InboundMessage is the normalized envelope produced by webhook ingress
// and carried through the queue and debounce buffer.
type InboundMessage struct {
	Provider    string    `json:"provider"`
	DeviceID    string    `json:"device_id"`
	Phone       string    `json:"phone"`
	DisplayName string    `json:"display_name,omitempty"`
	Body        string    `json:"body"`
	FromOwner   bool      `json:"from_owner,omitempty"`
	ReceivedAt  time.Time `json:"received_at"`
}

// Conversation is the persistent state of one prospect thread.
type Conversation struct {
	ID              string
	DeviceID        string
	ProspectPhone   string
	ProspectName    string
	Niche           string
	Stage           string
	AIEnabled       bool
	ConvCurrent     string
	ConvLast        string
	CapturedDetails string
	SequenceStage   string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Device is a registered WhatsApp sender identity.
type Device struct {
	ID        string
	Name      string
	Phone     string
	Niche     string
	Prompt    string
	Status    string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// SegmentKind enumerates outbound reply segment types.
type SegmentKind string

const (
	SegmentText  SegmentKind = "text"
	SegmentImage SegmentKind = "image"
	SegmentVideo SegmentKind = "video"
	SegmentAudio SegmentKind = "audio"
)

// Segment is one outbound message bubble.
type Segment struct {
	Kind SegmentKind `json:"type"`
	Text string      `json:"text,omitempty"`
	URL  string      `json:"url,omitempty"`
}

// TurnResult is the engine's decision for one AI turn.
type TurnResult struct {
	Stage          string
	Detail         string
	Segments       []Segment
	HadStageMarker bool
}

// JoinBodies merges a debounced burst into one logical message,
// preserving arrival order.
func JoinBodies(bodies []string) string {
	return strings.Join(bodies, "\n")
}

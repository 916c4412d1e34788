package transport

import (
	"context"
	"time"
)

// MediaKind enumerates media payload types a provider can deliver.
type MediaKind string

const (
	MediaImage MediaKind = "image"
	MediaVideo MediaKind = "video"
	MediaAudio MediaKind = "audio"
)

// Provider is the outbound WhatsApp contract. Implementations wrap a
// hosted gateway or a direct whatsmeow session.
type Provider interface {
	SendText(ctx context.Context, deviceID, to, body string) error
	SendMedia(ctx context.Context, deviceID, to, url string, kind MediaKind) error
}

// Scheduler extends Provider with delayed sends used by drip sequences.
// The returned external id is the gateway's handle for later
// cancellation.
type Scheduler interface {
	ScheduleSend(ctx context.Context, deviceID, to, body, mediaURL string, whenUTC time.Time) (string, error)
	CancelScheduled(ctx context.Context, deviceID, externalID string) error
}

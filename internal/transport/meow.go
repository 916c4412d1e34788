package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/skip2/go-qrcode"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/proto"

	_ "modernc.org/sqlite"
)

// InboundFunc receives messages arriving on the direct WhatsApp session.
type InboundFunc func(from types.JID, displayName, body string)

// MeowSender is a Provider backed by a direct whatsmeow session instead
// of a hosted gateway. Scheduling is not supported on this path; drip
// sends go through the gateway.
type MeowSender struct {
	client  *whatsmeow.Client
	logger  *slog.Logger
	inbound InboundFunc
}

// NewMeowSender opens the whatsmeow session store at dbPath and builds
// a client for its first stored device.
func NewMeowSender(ctx context.Context, dbPath string, logger *slog.Logger) (*MeowSender, error) {
	if logger == nil {
		logger = slog.Default()
	}
	dbLog := waLog.Stdout("meow-db", "WARN", false)
	container, err := sqlstore.New(ctx, "sqlite", fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=busy_timeout(10000)", dbPath), dbLog)
	if err != nil {
		return nil, fmt.Errorf("transport: open session store: %w", err)
	}
	device, err := container.GetFirstDevice(ctx)
	if err != nil {
		return nil, fmt.Errorf("transport: load device: %w", err)
	}
	client := whatsmeow.NewClient(device, waLog.Stdout("meow", "WARN", false))
	return &MeowSender{client: client, logger: logger}, nil
}

// OnInbound registers a callback for inbound messages. Must be called
// before Connect.
func (m *MeowSender) OnInbound(fn InboundFunc) {
	m.inbound = fn
}

// Connect brings the session online. A fresh session writes a pairing
// QR code to qrPath and blocks until the phone scans it.
func (m *MeowSender) Connect(ctx context.Context, qrPath string) error {
	m.client.AddEventHandler(m.handleEvent)

	if m.client.Store.ID == nil {
		qrChan, err := m.client.GetQRChannel(ctx)
		if err != nil {
			return fmt.Errorf("transport: qr channel: %w", err)
		}
		if err := m.client.Connect(); err != nil {
			return fmt.Errorf("transport: connect: %w", err)
		}
		for evt := range qrChan {
			switch evt.Event {
			case "code":
				if err := qrcode.WriteFile(evt.Code, qrcode.Medium, 256, qrPath); err != nil {
					m.logger.Error("failed to write pairing QR code", "error", err)
				} else {
					m.logger.Info("pairing QR code written, scan with WhatsApp", "path", qrPath)
				}
			case "success":
				m.logger.Info("WhatsApp pairing complete")
			}
		}
		return nil
	}

	if err := m.client.Connect(); err != nil {
		return fmt.Errorf("transport: connect: %w", err)
	}
	return nil
}

// Disconnect closes the session.
func (m *MeowSender) Disconnect() {
	m.client.Disconnect()
}

func (m *MeowSender) handleEvent(evt interface{}) {
	switch v := evt.(type) {
	case *events.Message:
		if m.inbound == nil || v.Info.IsFromMe || v.Info.IsGroup {
			return
		}
		body := extractText(v.Message)
		if body == "" {
			return
		}
		m.inbound(v.Info.Sender, v.Info.PushName, body)
	}
}

func extractText(msg *waE2E.Message) string {
	if msg == nil {
		return ""
	}
	if text := msg.GetConversation(); text != "" {
		return text
	}
	if ext := msg.GetExtendedTextMessage(); ext != nil {
		return ext.GetText()
	}
	return ""
}

// SendText delivers a plain text message. deviceID is ignored: a
// MeowSender is bound to one session.
func (m *MeowSender) SendText(ctx context.Context, _ string, to, body string) error {
	jid, err := parseJID(to)
	if err != nil {
		return err
	}
	_, err = m.client.SendMessage(ctx, jid, &waE2E.Message{
		Conversation: proto.String(body),
	})
	if err != nil {
		return fmt.Errorf("transport: send text: %w", err)
	}
	return nil
}

// SendMedia delivers media by URL. Images are uploaded and sent
// natively; video and audio fall back to a link message.
func (m *MeowSender) SendMedia(ctx context.Context, _ string, to, mediaURL string, kind MediaKind) error {
	jid, err := parseJID(to)
	if err != nil {
		return err
	}
	if kind != MediaImage {
		_, err = m.client.SendMessage(ctx, jid, &waE2E.Message{
			Conversation: proto.String(mediaURL),
		})
		if err != nil {
			return fmt.Errorf("transport: send media link: %w", err)
		}
		return nil
	}

	data, mimeType, err := fetchMedia(ctx, mediaURL)
	if err != nil {
		return err
	}
	uploaded, err := m.client.Upload(ctx, data, whatsmeow.MediaImage)
	if err != nil {
		return fmt.Errorf("transport: upload image: %w", err)
	}
	_, err = m.client.SendMessage(ctx, jid, &waE2E.Message{
		ImageMessage: &waE2E.ImageMessage{
			URL:           proto.String(uploaded.URL),
			DirectPath:    proto.String(uploaded.DirectPath),
			MediaKey:      uploaded.MediaKey,
			Mimetype:      proto.String(mimeType),
			FileEncSHA256: uploaded.FileEncSHA256,
			FileSHA256:    uploaded.FileSHA256,
			FileLength:    proto.Uint64(uploaded.FileLength),
		},
	})
	if err != nil {
		return fmt.Errorf("transport: send image: %w", err)
	}
	return nil
}

func parseJID(to string) (types.JID, error) {
	trimmed := strings.TrimSpace(strings.TrimPrefix(to, "+"))
	if trimmed == "" {
		return types.JID{}, errors.New("transport: recipient required")
	}
	if strings.Contains(trimmed, "@") {
		jid, err := types.ParseJID(trimmed)
		if err != nil {
			return types.JID{}, fmt.Errorf("transport: parse jid: %w", err)
		}
		return jid, nil
	}
	return types.NewJID(trimmed, types.DefaultUserServer), nil
}

func fetchMedia(ctx context.Context, mediaURL string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, mediaURL, nil)
	if err != nil {
		return nil, "", fmt.Errorf("transport: build media request: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("transport: fetch media: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("transport: fetch media: http status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, "", fmt.Errorf("transport: read media: %w", err)
	}
	mimeType := resp.Header.Get("Content-Type")
	if mimeType == "" {
		mimeType = "image/jpeg"
	}
	return data, mimeType, nil
}

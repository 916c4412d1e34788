package ingress

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/aqilrvsb/dev-muse-automaton-sub005/internal/conversation"
	"github.com/aqilrvsb/dev-muse-automaton-sub005/internal/observability/metrics"
	"github.com/aqilrvsb/dev-muse-automaton-sub005/pkg/logging"
)

// Inbound webhook headers carrying the HMAC signature.
const (
	headerTimestamp = "X-Gateway-Timestamp"
	headerSignature = "X-Gateway-Signature"
)

var errMissingFields = errors.New("ingress: payload missing device_id or from")

type publisher interface {
	EnqueueInbound(ctx context.Context, msg conversation.InboundMessage) error
	EnqueueCommand(ctx context.Context, cmd conversation.CommandRequest) error
}

type signatureVerifier interface {
	VerifyWebhookSignature(timestamp, signature string, payload []byte) error
}

// WebhookHandler accepts provider webhooks, normalizes them, and routes
// owner commands directly while prospect messages go to the queue.
type WebhookHandler struct {
	publisher publisher
	verifier  signatureVerifier
	logger    *logging.Logger
	metrics   *metrics.PipelineMetrics
}

// WebhookConfig wires a WebhookHandler.
type WebhookConfig struct {
	Publisher publisher
	Verifier  signatureVerifier
	Logger    *logging.Logger
	Metrics   *metrics.PipelineMetrics
}

func NewWebhookHandler(cfg WebhookConfig) *WebhookHandler {
	if cfg.Publisher == nil {
		panic("ingress: publisher is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Default()
	}
	return &WebhookHandler{
		publisher: cfg.Publisher,
		verifier:  cfg.Verifier,
		logger:    cfg.Logger,
		metrics:   cfg.Metrics,
	}
}

// HandleInbound processes POST /webhook/{provider}. Malformed payloads are
// acknowledged with a 400 and dropped; nothing from here should bounce back
// to the sending gateway as a retry storm.
func (h *WebhookHandler) HandleInbound(w http.ResponseWriter, r *http.Request) {
	provider := chi.URLParam(r, "provider")

	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}

	if h.verifier != nil {
		if err := h.verifier.VerifyWebhookSignature(r.Header.Get(headerTimestamp), r.Header.Get(headerSignature), body); err != nil {
			h.logger.Warn("invalid webhook signature", "error", err, "provider", provider)
			h.metrics.ObserveInbound(provider, "bad_signature")
			http.Error(w, "invalid signature", http.StatusUnauthorized)
			return
		}
	}

	var msg conversation.InboundMessage
	switch provider {
	case "gateway":
		msg, err = decodeGatewayJSON(body)
	case "form":
		msg, err = decodeGatewayForm(body)
	default:
		http.Error(w, "unknown provider", http.StatusNotFound)
		return
	}
	if err != nil {
		h.logger.Warn("dropping malformed webhook payload", "error", err, "provider", provider)
		h.metrics.ObserveInbound(provider, "malformed")
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	msg.Provider = provider
	if msg.ReceivedAt.IsZero() {
		msg.ReceivedAt = time.Now().UTC()
	}

	if msg.FromOwner {
		h.handleOwnerMessage(r.Context(), w, provider, msg)
		return
	}

	if err := h.publisher.EnqueueInbound(r.Context(), msg); err != nil {
		h.logger.Error("failed to enqueue inbound message", "error", err, "provider", provider)
		h.metrics.ObserveInbound(provider, "error")
		http.Error(w, "server error", http.StatusInternalServerError)
		return
	}
	h.metrics.ObserveInbound(provider, "ok")
	w.WriteHeader(http.StatusOK)
}

// handleOwnerMessage interprets sigil commands from the device owner. Owner
// messages that are not commands are acknowledged and dropped: the bot never
// answers its own operator.
func (h *WebhookHandler) handleOwnerMessage(ctx context.Context, w http.ResponseWriter, provider string, msg conversation.InboundMessage) {
	name, ok := ParseCommand(msg.Body)
	if !ok {
		h.metrics.ObserveInbound(provider, "owner_ignored")
		w.WriteHeader(http.StatusOK)
		return
	}

	cmd := conversation.CommandRequest{Name: name, DeviceID: msg.DeviceID, Phone: msg.Phone}
	if err := h.publisher.EnqueueCommand(ctx, cmd); err != nil {
		h.logger.Error("failed to enqueue command", "error", err, "command", name)
		h.metrics.ObserveInbound(provider, "error")
		http.Error(w, "server error", http.StatusInternalServerError)
		return
	}
	h.metrics.ObserveInbound(provider, "command")
	w.WriteHeader(http.StatusOK)
}

// ParseCommand maps an owner sigil message onto a command name.
func ParseCommand(body string) (string, bool) {
	trimmed := strings.TrimSpace(body)
	if !strings.HasPrefix(trimmed, "!") {
		return "", false
	}
	switch strings.ToLower(trimmed) {
	case "!off":
		return conversation.CommandOff, true
	case "!on":
		return conversation.CommandOn, true
	case "!cancel":
		return conversation.CommandCancel, true
	case "!resend":
		return conversation.CommandResend, true
	case "!wipe":
		return conversation.CommandWipe, true
	default:
		return "", false
	}
}

type gatewayInbound struct {
	DeviceID    string `json:"device_id"`
	From        string `json:"from"`
	Body        string `json:"body"`
	DisplayName string `json:"display_name"`
	FromOwner   bool   `json:"from_owner"`
	Timestamp   int64  `json:"timestamp"`
}

func decodeGatewayJSON(body []byte) (conversation.InboundMessage, error) {
	var in gatewayInbound
	if err := json.Unmarshal(body, &in); err != nil {
		return conversation.InboundMessage{}, err
	}
	msg, err := normalizeInbound(in)
	if err != nil {
		return conversation.InboundMessage{}, err
	}
	return msg, nil
}

func decodeGatewayForm(body []byte) (conversation.InboundMessage, error) {
	values, err := url.ParseQuery(string(body))
	if err != nil {
		return conversation.InboundMessage{}, err
	}
	in := gatewayInbound{
		DeviceID:    values.Get("device_id"),
		From:        values.Get("from"),
		Body:        values.Get("body"),
		DisplayName: values.Get("display_name"),
		FromOwner:   values.Get("from_owner") == "true" || values.Get("from_owner") == "1",
	}
	return normalizeInbound(in)
}

func normalizeInbound(in gatewayInbound) (conversation.InboundMessage, error) {
	if in.DeviceID == "" || in.From == "" {
		return conversation.InboundMessage{}, errMissingFields
	}
	msg := conversation.InboundMessage{
		DeviceID:    in.DeviceID,
		Phone:       normalizePhone(in.From),
		Body:        in.Body,
		DisplayName: in.DisplayName,
		FromOwner:   in.FromOwner,
	}
	if in.Timestamp > 0 {
		msg.ReceivedAt = time.UnixMilli(in.Timestamp).UTC()
	}
	return msg, nil
}

// normalizePhone strips formatting noise and guarantees a leading plus so
// the same prospect always maps to the same debounce bucket.
func normalizePhone(raw string) string {
	var b strings.Builder
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	digits := b.String()
	if digits == "" {
		return raw
	}
	return "+" + digits
}

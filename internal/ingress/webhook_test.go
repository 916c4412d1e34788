package ingress

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/aqilrvsb/dev-muse-automaton-sub005/internal/conversation"
	"github.com/aqilrvsb/dev-muse-automaton-sub005/pkg/logging"
)

type stubPublisher struct {
	inbound  []conversation.InboundMessage
	commands []conversation.CommandRequest
	err      error
}

func (p *stubPublisher) EnqueueInbound(_ context.Context, msg conversation.InboundMessage) error {
	if p.err != nil {
		return p.err
	}
	p.inbound = append(p.inbound, msg)
	return nil
}

func (p *stubPublisher) EnqueueCommand(_ context.Context, cmd conversation.CommandRequest) error {
	if p.err != nil {
		return p.err
	}
	p.commands = append(p.commands, cmd)
	return nil
}

type hmacVerifier struct {
	secret string
}

func (v *hmacVerifier) VerifyWebhookSignature(timestamp, signature string, payload []byte) error {
	mac := hmac.New(sha256.New, []byte(v.secret))
	fmt.Fprintf(mac, "%s.%s", timestamp, payload)
	expected := hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return errors.New("signature mismatch")
	}
	return nil
}

func newTestRouter(h *WebhookHandler) http.Handler {
	r := chi.NewRouter()
	r.Post("/webhook/{provider}", h.HandleInbound)
	return r
}

func postWebhook(t *testing.T, router http.Handler, provider, contentType, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/webhook/"+provider, strings.NewReader(body))
	req.Header.Set("Content-Type", contentType)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestWebhookEnqueuesInbound(t *testing.T) {
	pub := &stubPublisher{}
	h := NewWebhookHandler(WebhookConfig{Publisher: pub, Logger: logging.Default()})
	router := newTestRouter(h)

	body := `{"device_id":"dev1","from":"+60 12-345 678","body":"hello","display_name":"Ali"}`
	rec := postWebhook(t, router, "gateway", "application/json", body, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	if len(pub.inbound) != 1 {
		t.Fatalf("expected 1 inbound message, got %d", len(pub.inbound))
	}
	msg := pub.inbound[0]
	if msg.Phone != "+6012345678" {
		t.Fatalf("expected normalized phone, got %q", msg.Phone)
	}
	if msg.Provider != "gateway" || msg.Body != "hello" || msg.DisplayName != "Ali" {
		t.Fatalf("unexpected message: %+v", msg)
	}
	if msg.ReceivedAt.IsZero() {
		t.Fatal("expected received_at to be stamped")
	}
}

func TestWebhookFormProvider(t *testing.T) {
	pub := &stubPublisher{}
	h := NewWebhookHandler(WebhookConfig{Publisher: pub, Logger: logging.Default()})
	router := newTestRouter(h)

	body := "device_id=dev1&from=%2B60123&body=need+info"
	rec := postWebhook(t, router, "form", "application/x-www-form-urlencoded", body, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if len(pub.inbound) != 1 || pub.inbound[0].Body != "need info" {
		t.Fatalf("unexpected inbound: %+v", pub.inbound)
	}
}

func TestWebhookUnknownProvider(t *testing.T) {
	pub := &stubPublisher{}
	h := NewWebhookHandler(WebhookConfig{Publisher: pub, Logger: logging.Default()})
	router := newTestRouter(h)

	rec := postWebhook(t, router, "carrierpigeon", "application/json", `{}`, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestWebhookMalformedPayloadIsDropped(t *testing.T) {
	pub := &stubPublisher{}
	h := NewWebhookHandler(WebhookConfig{Publisher: pub, Logger: logging.Default()})
	router := newTestRouter(h)

	rec := postWebhook(t, router, "gateway", "application/json", `{"from":"+60123"}`, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if len(pub.inbound) != 0 {
		t.Fatal("malformed payload must not be enqueued")
	}
}

func TestWebhookSignatureVerification(t *testing.T) {
	pub := &stubPublisher{}
	verifier := &hmacVerifier{secret: "shh"}
	h := NewWebhookHandler(WebhookConfig{Publisher: pub, Verifier: verifier, Logger: logging.Default()})
	router := newTestRouter(h)

	body := `{"device_id":"dev1","from":"+60123","body":"hello"}`
	ts := strconv.FormatInt(time.Now().Unix(), 10)

	mac := hmac.New(sha256.New, []byte("shh"))
	fmt.Fprintf(mac, "%s.%s", ts, body)
	sig := hex.EncodeToString(mac.Sum(nil))

	rec := postWebhook(t, router, "gateway", "application/json", body, map[string]string{
		headerTimestamp: ts,
		headerSignature: sig,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for valid signature, got %d", rec.Code)
	}

	rec = postWebhook(t, router, "gateway", "application/json", body, map[string]string{
		headerTimestamp: ts,
		headerSignature: "deadbeef",
	})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad signature, got %d", rec.Code)
	}
	if len(pub.inbound) != 1 {
		t.Fatalf("expected only the signed message, got %d", len(pub.inbound))
	}
}

func TestWebhookOwnerCommand(t *testing.T) {
	pub := &stubPublisher{}
	h := NewWebhookHandler(WebhookConfig{Publisher: pub, Logger: logging.Default()})
	router := newTestRouter(h)

	body := `{"device_id":"dev1","from":"+60123","body":"!off","from_owner":true}`
	rec := postWebhook(t, router, "gateway", "application/json", body, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	if len(pub.inbound) != 0 {
		t.Fatal("commands must not reach the message queue path")
	}
	if len(pub.commands) != 1 || pub.commands[0].Name != conversation.CommandOff {
		t.Fatalf("unexpected commands: %+v", pub.commands)
	}
}

func TestWebhookOwnerChatterIsIgnored(t *testing.T) {
	pub := &stubPublisher{}
	h := NewWebhookHandler(WebhookConfig{Publisher: pub, Logger: logging.Default()})
	router := newTestRouter(h)

	body := `{"device_id":"dev1","from":"+60123","body":"remember to follow up","from_owner":true}`
	rec := postWebhook(t, router, "gateway", "application/json", body, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if len(pub.inbound) != 0 || len(pub.commands) != 0 {
		t.Fatal("owner chatter must be dropped")
	}
}

func TestParseCommand(t *testing.T) {
	cases := map[string]struct {
		name string
		ok   bool
	}{
		"!off":     {conversation.CommandOff, true},
		" !ON ":    {conversation.CommandOn, true},
		"!cancel":  {conversation.CommandCancel, true},
		"!resend":  {conversation.CommandResend, true},
		"!wipe":    {conversation.CommandWipe, true},
		"!unknown": {"", false},
		"hello":    {"", false},
	}
	for input, want := range cases {
		name, ok := ParseCommand(input)
		if ok != want.ok || name != want.name {
			t.Fatalf("ParseCommand(%q) = (%q, %v), want (%q, %v)", input, name, ok, want.name, want.ok)
		}
	}
}

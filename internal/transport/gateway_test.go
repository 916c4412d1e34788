package transport

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"
)

func newTestClient(t *testing.T, handler http.Handler) *GatewayClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	client, err := NewGatewayClient(Config{
		BaseURL:       srv.URL,
		APIKey:        "test-key",
		WebhookSecret: "hook-secret",
		MaxRetries:    2,
		Backoff:       time.Millisecond,
	})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return client
}

func TestSendText(t *testing.T) {
	var gotAuth string
	var gotBody map[string]string
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/messages/text" || r.Method != http.MethodPost {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		gotAuth = r.Header.Get("Authorization")
		json.NewDecoder(r.Body).Decode(&gotBody)
		w.WriteHeader(http.StatusOK)
	}))

	if err := client.SendText(context.Background(), "dev1", "+60123", "hello"); err != nil {
		t.Fatalf("send text: %v", err)
	}
	if gotAuth != "Bearer test-key" {
		t.Fatalf("expected bearer auth, got %q", gotAuth)
	}
	if gotBody["device_id"] != "dev1" || gotBody["to"] != "+60123" || gotBody["body"] != "hello" {
		t.Fatalf("unexpected body: %v", gotBody)
	}
}

func TestSendTextRetriesOnServerError(t *testing.T) {
	var calls int32
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))

	if err := client.SendText(context.Background(), "dev1", "+60123", "hello"); err != nil {
		t.Fatalf("expected retry to succeed, got %v", err)
	}
	if atomic.LoadInt32(&calls) != 2 {
		t.Fatalf("expected 2 attempts, got %d", calls)
	}
}

func TestSendTextDoesNotRetryClientError(t *testing.T) {
	var calls int32
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusUnprocessableEntity)
		fmt.Fprint(w, `{"title":"invalid recipient"}`)
	}))

	err := client.SendText(context.Background(), "dev1", "bad", "hello")
	if err == nil {
		t.Fatalf("expected error")
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("expected single attempt for 4xx, got %d", calls)
	}
}

func TestScheduleSendReturnsExternalID(t *testing.T) {
	var gotBody map[string]string
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/messages/scheduled" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		json.NewDecoder(r.Body).Decode(&gotBody)
		fmt.Fprint(w, `{"data":{"id":"sched-42","status":"scheduled"}}`)
	}))

	id, err := client.ScheduleSend(context.Background(), "dev1", "+60123", "follow up", "", time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if id != "sched-42" {
		t.Fatalf("expected schedule id, got %q", id)
	}
	if _, ok := gotBody["media_url"]; ok {
		t.Fatalf("expected media_url omitted for text-only step, got %v", gotBody)
	}
}

func TestScheduleSendCarriesMediaURL(t *testing.T) {
	var gotBody map[string]string
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&gotBody)
		fmt.Fprint(w, `{"data":{"id":"sched-43","status":"scheduled"}}`)
	}))

	_, err := client.ScheduleSend(context.Background(), "dev1", "+60123", "see attached", "https://cdn.example.com/promo.jpg", time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if gotBody["media_url"] != "https://cdn.example.com/promo.jpg" {
		t.Fatalf("expected media url in payload, got %v", gotBody)
	}
}

func TestCancelScheduled(t *testing.T) {
	var gotPath string
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		if r.Method != http.MethodDelete {
			t.Errorf("expected DELETE, got %s", r.Method)
		}
		w.WriteHeader(http.StatusOK)
	}))

	if err := client.CancelScheduled(context.Background(), "dev1", "sched-42"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if gotPath != "/messages/scheduled/sched-42" {
		t.Fatalf("unexpected path %q", gotPath)
	}
}

func TestVerifyWebhookSignature(t *testing.T) {
	client := newTestClient(t, http.NewServeMux())
	payload := []byte(`{"device_id":"dev1"}`)
	ts := strconv.FormatInt(time.Now().Unix(), 10)

	mac := hmac.New(sha256.New, []byte("hook-secret"))
	mac.Write([]byte(ts + "." + string(payload)))
	sig := hex.EncodeToString(mac.Sum(nil))

	if err := client.VerifyWebhookSignature(ts, sig, payload); err != nil {
		t.Fatalf("expected valid signature, got %v", err)
	}
	if err := client.VerifyWebhookSignature(ts, "deadbeef", payload); err == nil {
		t.Fatalf("expected signature mismatch")
	}
	stale := strconv.FormatInt(time.Now().Add(-time.Hour).Unix(), 10)
	if err := client.VerifyWebhookSignature(stale, sig, payload); err == nil {
		t.Fatalf("expected stale timestamp rejection")
	}
}

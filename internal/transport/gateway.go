package transport

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const defaultUserAgent = "automaton-transport/0.1"

// Config controls how the gateway client behaves.
type Config struct {
	BaseURL       string
	APIKey        string
	WebhookSecret string
	Timeout       time.Duration
	MaxRetries    int
	Backoff       time.Duration
	MaxSkew       time.Duration
	HTTPClient    *http.Client
	Logger        *slog.Logger
	UserAgent     string
}

// GatewayClient wraps the hosted WhatsApp gateway's REST endpoints.
type GatewayClient struct {
	apiKey        string
	baseURL       string
	webhookSecret string
	httpClient    *http.Client
	maxRetries    int
	backoff       time.Duration
	maxSkew       time.Duration
	logger        *slog.Logger
	userAgent     string
}

// NewGatewayClient creates a configured client with sane defaults.
func NewGatewayClient(cfg Config) (*GatewayClient, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("transport: gateway API key is required")
	}
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, errors.New("transport: gateway base URL is required")
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	maxRetries := cfg.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}
	backoff := cfg.Backoff
	if backoff <= 0 {
		backoff = 250 * time.Millisecond
	}
	maxSkew := cfg.MaxSkew
	if maxSkew <= 0 {
		maxSkew = 5 * time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	userAgent := strings.TrimSpace(cfg.UserAgent)
	if userAgent == "" {
		userAgent = defaultUserAgent
	}
	return &GatewayClient{
		apiKey:        cfg.APIKey,
		baseURL:       baseURL,
		webhookSecret: cfg.WebhookSecret,
		httpClient:    httpClient,
		maxRetries:    maxRetries,
		backoff:       backoff,
		maxSkew:       maxSkew,
		logger:        logger,
		userAgent:     userAgent,
	}, nil
}

// SendText delivers a plain text message immediately.
func (c *GatewayClient) SendText(ctx context.Context, deviceID, to, body string) error {
	if strings.TrimSpace(deviceID) == "" || strings.TrimSpace(to) == "" {
		return errors.New("transport: device id and recipient required")
	}
	payload, err := json.Marshal(struct {
		DeviceID string `json:"device_id"`
		To       string `json:"to"`
		Body     string `json:"body"`
	}{deviceID, to, body})
	if err != nil {
		return fmt.Errorf("transport: marshal text send: %w", err)
	}
	_, err = c.invoke(ctx, http.MethodPost, "/messages/text", nil, payload)
	return err
}

// SendMedia delivers an image, video or audio message by URL.
func (c *GatewayClient) SendMedia(ctx context.Context, deviceID, to, mediaURL string, kind MediaKind) error {
	if strings.TrimSpace(deviceID) == "" || strings.TrimSpace(to) == "" {
		return errors.New("transport: device id and recipient required")
	}
	if strings.TrimSpace(mediaURL) == "" {
		return errors.New("transport: media url required")
	}
	payload, err := json.Marshal(struct {
		DeviceID string `json:"device_id"`
		To       string `json:"to"`
		URL      string `json:"url"`
		Kind     string `json:"kind"`
	}{deviceID, to, mediaURL, string(kind)})
	if err != nil {
		return fmt.Errorf("transport: marshal media send: %w", err)
	}
	_, err = c.invoke(ctx, http.MethodPost, "/messages/media", nil, payload)
	return err
}

// ScheduleSend registers a delayed send, optionally with an attachment,
// and returns the gateway's schedule id.
func (c *GatewayClient) ScheduleSend(ctx context.Context, deviceID, to, body, mediaURL string, whenUTC time.Time) (string, error) {
	if strings.TrimSpace(deviceID) == "" || strings.TrimSpace(to) == "" {
		return "", errors.New("transport: device id and recipient required")
	}
	if whenUTC.IsZero() {
		return "", errors.New("transport: schedule time required")
	}
	payload, err := json.Marshal(struct {
		DeviceID string `json:"device_id"`
		To       string `json:"to"`
		Body     string `json:"body"`
		MediaURL string `json:"media_url,omitempty"`
		SendAt   string `json:"send_at"`
	}{deviceID, to, body, mediaURL, whenUTC.UTC().Format(time.RFC3339)})
	if err != nil {
		return "", fmt.Errorf("transport: marshal scheduled send: %w", err)
	}
	data, err := c.invoke(ctx, http.MethodPost, "/messages/scheduled", nil, payload)
	if err != nil {
		return "", err
	}
	resp, err := decodeDataWrapper[scheduledSendResponse](data)
	if err != nil {
		return "", err
	}
	if resp.ID == "" {
		return "", errors.New("transport: gateway returned no schedule id")
	}
	return resp.ID, nil
}

// CancelScheduled removes a pending scheduled send.
func (c *GatewayClient) CancelScheduled(ctx context.Context, deviceID, externalID string) error {
	if strings.TrimSpace(externalID) == "" {
		return errors.New("transport: schedule id required")
	}
	q := url.Values{}
	q.Set("device_id", deviceID)
	_, err := c.invoke(ctx, http.MethodDelete, "/messages/scheduled/"+url.PathEscape(externalID), q, nil)
	return err
}

type scheduledSendResponse struct {
	ID     string `json:"id"`
	SendAt string `json:"send_at"`
	Status string `json:"status"`
}

// VerifyWebhookSignature validates the gateway's inbound webhook
// signature: HMAC-SHA256 over "<timestamp>.<payload>" with the shared
// secret, rejected outside the allowed clock skew.
func (c *GatewayClient) VerifyWebhookSignature(timestamp, signature string, payload []byte) error {
	if c.webhookSecret == "" {
		return errors.New("transport: webhook secret not configured")
	}
	ts := strings.TrimSpace(timestamp)
	if ts == "" {
		return errors.New("transport: missing signature timestamp")
	}
	sec, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return fmt.Errorf("transport: invalid signature timestamp: %w", err)
	}
	sentAt := time.Unix(sec, 0)
	if diff := time.Since(sentAt); diff > c.maxSkew || diff < -c.maxSkew {
		return fmt.Errorf("transport: signature timestamp skew %s exceeds limit", diff)
	}
	unsigned := ts + "." + string(payload)
	mac := hmac.New(sha256.New, []byte(c.webhookSecret))
	mac.Write([]byte(unsigned))
	expected := hex.EncodeToString(mac.Sum(nil))
	actual := strings.ToLower(strings.TrimSpace(signature))
	if actual == "" {
		return errors.New("transport: missing signature header")
	}
	if !hmac.Equal([]byte(expected), []byte(actual)) {
		return errors.New("transport: signature mismatch")
	}
	return nil
}

func (c *GatewayClient) invoke(ctx context.Context, method, path string, query url.Values, body []byte) ([]byte, error) {
	fullURL := c.buildURL(path, query)
	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		var bodyReader io.Reader
		if body != nil {
			bodyReader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, fullURL, bodyReader)
		if err != nil {
			return nil, fmt.Errorf("transport: build request: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
		req.Header.Set("User-Agent", c.userAgent)
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if !shouldRetry(0, err) || attempt == c.maxRetries {
				return nil, fmt.Errorf("transport: http error: %w", err)
			}
			lastErr = err
			c.logRetry(path, attempt, 0, err)
			if sleepErr := c.sleep(ctx, attempt); sleepErr != nil {
				return nil, sleepErr
			}
			continue
		}
		data, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		if readErr != nil {
			return nil, fmt.Errorf("transport: read response: %w", readErr)
		}
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return data, nil
		}
		apiErr := decodeAPIError(resp.StatusCode, data)
		if attempt < c.maxRetries && shouldRetry(resp.StatusCode, nil) {
			lastErr = apiErr
			c.logRetry(path, attempt, resp.StatusCode, apiErr)
			if sleepErr := c.sleep(ctx, attempt); sleepErr != nil {
				return nil, sleepErr
			}
			continue
		}
		return nil, apiErr
	}
	if lastErr != nil {
		return nil, lastErr
	}
	return nil, errors.New("transport: request failed without response")
}

func (c *GatewayClient) buildURL(path string, query url.Values) string {
	full := c.baseURL + "/" + strings.TrimLeft(path, "/")
	if len(query) > 0 {
		full = full + "?" + query.Encode()
	}
	return full
}

func (c *GatewayClient) sleep(ctx context.Context, attempt int) error {
	delay := c.backoff * time.Duration(1<<attempt)
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (c *GatewayClient) logRetry(path string, attempt int, status int, err error) {
	if c.logger == nil {
		return
	}
	c.logger.Warn("gateway retry",
		"path", path,
		"attempt", attempt+1,
		"status", status,
		"error", err,
	)
}

func shouldRetry(status int, err error) bool {
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return true
		}
		return !errors.Is(err, context.Canceled)
	}
	if status == http.StatusTooManyRequests {
		return true
	}
	if status >= 500 && status <= 599 {
		return true
	}
	return false
}

type apiError struct {
	StatusCode int             `json:"-"`
	Title      string          `json:"title,omitempty"`
	Detail     string          `json:"detail,omitempty"`
	Errors     json.RawMessage `json:"errors,omitempty"`
}

func (e *apiError) Error() string {
	if e.Title != "" {
		return fmt.Sprintf("transport: %s (status=%d)", e.Title, e.StatusCode)
	}
	if e.Detail != "" {
		return fmt.Sprintf("transport: %s (status=%d)", e.Detail, e.StatusCode)
	}
	return fmt.Sprintf("transport: http status %d", e.StatusCode)
}

func decodeAPIError(status int, body []byte) error {
	var parsed apiError
	if err := json.Unmarshal(body, &parsed); err != nil {
		return &apiError{StatusCode: status, Detail: string(body)}
	}
	parsed.StatusCode = status
	return &parsed
}

func decodeDataWrapper[T any](body []byte) (*T, error) {
	var wrapper struct {
		Data T `json:"data"`
	}
	if err := json.Unmarshal(body, &wrapper); err != nil {
		return nil, fmt.Errorf("transport: decode response: %w", err)
	}
	return &wrapper.Data, nil
}

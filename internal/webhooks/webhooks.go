// Package webhooks delivers notifications to an operator-configured HTTP
// endpoint. Each POST carries an HMAC-SHA256 signature of the body so the
// receiver can verify it came from this service.
package webhooks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/mbd888/cardescrow/internal/circuitbreaker"
	"github.com/mbd888/cardescrow/internal/notify"
	"github.com/mbd888/cardescrow/internal/retry"
)

const (
	HeaderEvent     = "X-Cardescrow-Event"
	HeaderTimestamp = "X-Cardescrow-Timestamp"
	HeaderSignature = "X-Cardescrow-Signature"
)

// Sink posts notifications to a single webhook URL.
type Sink struct {
	url     string
	host    string
	secret  string
	client  *http.Client
	breaker *circuitbreaker.Breaker
}

// NewSink creates a webhook sink. An empty secret sends unsigned requests.
func NewSink(endpoint, secret string) *Sink {
	host := endpoint
	if u, err := url.Parse(endpoint); err == nil && u.Host != "" {
		host = u.Host
	}
	return &Sink{
		url:    endpoint,
		host:   host,
		secret: secret,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// WithBreaker stops deliveries while the endpoint keeps failing. Rejections
// (permanent errors) do not count as failures.
func (s *Sink) WithBreaker(b *circuitbreaker.Breaker) *Sink {
	b.CountFailures(func(err error) bool { return err != nil && !retry.IsPermanent(err) })
	s.breaker = b
	return s
}

func (s *Sink) Name() string { return "webhook" }

// Deliver posts n as JSON. 4xx responses other than 408 and 429 are
// permanent failures; everything else may be retried.
func (s *Sink) Deliver(ctx context.Context, n *notify.Notification) error {
	if s.breaker == nil {
		return s.post(ctx, n)
	}
	return s.breaker.Do(s.host, func() error { return s.post(ctx, n) })
}

func (s *Sink) post(ctx context.Context, n *notify.Notification) error {
	payload, err := json.Marshal(n)
	if err != nil {
		return retry.Permanent(fmt.Errorf("encode notification: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(payload))
	if err != nil {
		return retry.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderEvent, string(n.Type))
	req.Header.Set(HeaderTimestamp, fmt.Sprintf("%d", n.CreatedAt.Unix()))
	if s.secret != "" {
		req.Header.Set(HeaderSignature, Sign(payload, s.secret))
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusRequestTimeout, resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("webhook returned %d", resp.StatusCode)
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return retry.Permanent(fmt.Errorf("webhook rejected notification: %d", resp.StatusCode))
	default:
		return fmt.Errorf("webhook returned %d", resp.StatusCode)
	}
}

// Sign returns the hex HMAC-SHA256 of payload under secret, prefixed "sha256=".
func Sign(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

var _ notify.Sink = (*Sink)(nil)

package push

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	webpush "github.com/SherClockHolmes/webpush-go"
)

// Sender is the pluggable transport boundary. Implementations return
// nil on success, *PermanentError when retrying can never help, and
// *TransientError (or any other error) when a later attempt may
// succeed.
type Sender interface {
	Send(ctx context.Context, sub Subscription, payload Payload) error
}

// SenderFunc adapts a function to the Sender interface.
type SenderFunc func(ctx context.Context, sub Subscription, payload Payload) error

func (f SenderFunc) Send(ctx context.Context, sub Subscription, payload Payload) error {
	return f(ctx, sub, payload)
}

// WebPushSender delivers payloads over the web-push protocol with VAPID
// signing. The push service's HTTP status decides the failure class:
// 404 and 410 confirm the endpoint is gone (permanent, deactivate the
// subscription), other 4xx responses reject this message (permanent,
// keep the subscription), and everything else, including missing VAPID
// configuration, is transient.
type WebPushSender struct {
	client     *http.Client
	publicKey  string
	privateKey string
	subject    string
	ttl        int
}

// WebPushOption configures a WebPushSender.
type WebPushOption func(*WebPushSender)

// WithHTTPClient sets a custom HTTP client, useful for tests and custom
// transports.
func WithHTTPClient(client *http.Client) WebPushOption {
	return func(s *WebPushSender) {
		if client != nil {
			s.client = client
		}
	}
}

// WithTTL sets how long the push service may hold an undelivered
// message, in seconds.
func WithTTL(seconds int) WebPushOption {
	return func(s *WebPushSender) {
		if seconds > 0 {
			s.ttl = seconds
		}
	}
}

// NewWebPushSender creates the default sender with the service-wide
// VAPID credentials.
func NewWebPushSender(publicKey, privateKey, subject string, opts ...WebPushOption) *WebPushSender {
	s := &WebPushSender{
		client:     &http.Client{Timeout: 10 * time.Second},
		publicKey:  strings.TrimSpace(publicKey),
		privateKey: strings.TrimSpace(privateKey),
		subject:    strings.TrimSpace(subject),
		ttl:        24 * 60 * 60,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Send implements Sender.
func (s *WebPushSender) Send(ctx context.Context, sub Subscription, payload Payload) error {
	if s.privateKey == "" || s.subject == "" {
		return &TransientError{Reason: "missing vapid configuration"}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return &PermanentError{Reason: "failed to marshal payload", Err: err}
	}

	resp, err := webpush.SendNotificationWithContext(ctx, body, &webpush.Subscription{
		Endpoint: sub.Endpoint,
		Keys: webpush.Keys{
			P256dh: sub.P256dh,
			Auth:   sub.Auth,
		},
	}, &webpush.Options{
		HTTPClient:      s.client,
		Subscriber:      s.subject,
		VAPIDPublicKey:  s.publicKey,
		VAPIDPrivateKey: s.privateKey,
		TTL:             s.ttl,
	})
	if err != nil {
		return &TransientError{Reason: "webpush request failed", Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	reason := fmt.Sprintf("push service returned status %d", resp.StatusCode)
	if snippet := readBodySnippet(resp.Body); snippet != "" {
		reason += ": " + snippet
	}

	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return &PermanentError{Reason: reason, DeactivateSubscription: true}
	case isPermanentStatus(resp.StatusCode):
		return &PermanentError{Reason: reason}
	default:
		return &TransientError{Reason: reason}
	}
}

// isPermanentStatus reports whether the status code rejects this
// message for good. A few 4xx codes represent rate limiting or timing
// issues that may resolve on retry.
func isPermanentStatus(statusCode int) bool {
	if statusCode < 400 || statusCode >= 500 {
		return false
	}
	switch statusCode {
	case http.StatusRequestTimeout, http.StatusTooEarly, http.StatusTooManyRequests:
		return false
	}
	return true
}

// readBodySnippet returns a bounded, single-line prefix of the response
// body for error context.
func readBodySnippet(r io.Reader) string {
	body, _ := io.ReadAll(io.LimitReader(r, 4*1024))
	s := strings.ReplaceAll(strings.TrimSpace(string(body)), "\n", " ")
	if len(s) > 200 {
		s = s[:200] + "..."
	}
	return s
}

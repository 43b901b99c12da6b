package push_test

import (
	"context"
	"crypto/ecdh"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	webpush "github.com/SherClockHolmes/webpush-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3jakoa/bonibuddy-push/pkg/push"
)

// newBrowserSubscription generates a subscription with real P-256 keys
// so the web-push payload encryption succeeds against a test server.
func newBrowserSubscription(t *testing.T, endpoint string) push.Subscription {
	t.Helper()

	priv, err := ecdh.P256().GenerateKey(rand.Reader)
	require.NoError(t, err)

	auth := make([]byte, 16)
	_, err = rand.Read(auth)
	require.NoError(t, err)

	return push.Subscription{
		Endpoint: endpoint,
		P256dh:   base64.RawURLEncoding.EncodeToString(priv.PublicKey().Bytes()),
		Auth:     base64.RawURLEncoding.EncodeToString(auth),
	}
}

func newVAPIDSender(t *testing.T, opts ...push.WebPushOption) *push.WebPushSender {
	t.Helper()

	privateKey, publicKey, err := webpush.GenerateVAPIDKeys()
	require.NoError(t, err)

	return push.NewWebPushSender(publicKey, privateKey, "mailto:ops@bonibuddy.app", opts...)
}

func testPayload() push.Payload {
	return push.BuildSlotPayload("marjetica", "12:00")
}

func TestWebPushSenderMissingVAPID(t *testing.T) {
	t.Parallel()

	sender := push.NewWebPushSender("", "", "")
	sub := newBrowserSubscription(t, "https://push.example.com/ep-1")

	err := sender.Send(context.Background(), sub, testPayload())

	var transient *push.TransientError
	require.ErrorAs(t, err, &transient)
	assert.Contains(t, transient.Reason, "vapid")
}

func TestWebPushSenderClassification(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		status     int
		wantNil    bool
		permanent  bool
		deactivate bool
	}{
		{name: "created", status: http.StatusCreated, wantNil: true},
		{name: "ok", status: http.StatusOK, wantNil: true},
		{name: "not found", status: http.StatusNotFound, permanent: true, deactivate: true},
		{name: "gone", status: http.StatusGone, permanent: true, deactivate: true},
		{name: "bad request", status: http.StatusBadRequest, permanent: true},
		{name: "payload too large", status: http.StatusRequestEntityTooLarge, permanent: true},
		{name: "request timeout", status: http.StatusRequestTimeout},
		{name: "too early", status: http.StatusTooEarly},
		{name: "rate limited", status: http.StatusTooManyRequests},
		{name: "server error", status: http.StatusInternalServerError},
		{name: "service unavailable", status: http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			sender := newVAPIDSender(t, push.WithHTTPClient(srv.Client()))
			sub := newBrowserSubscription(t, srv.URL)

			err := sender.Send(context.Background(), sub, testPayload())

			if tt.wantNil {
				assert.NoError(t, err)
				return
			}

			if tt.permanent {
				var perm *push.PermanentError
				require.ErrorAs(t, err, &perm)
				assert.Equal(t, tt.deactivate, perm.DeactivateSubscription)
				return
			}

			var transient *push.TransientError
			assert.ErrorAs(t, err, &transient)
		})
	}
}

func TestWebPushSenderIncludesBodySnippet(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusGone)
		_, _ = w.Write([]byte("subscription expired"))
	}))
	defer srv.Close()

	sender := newVAPIDSender(t, push.WithHTTPClient(srv.Client()))
	sub := newBrowserSubscription(t, srv.URL)

	err := sender.Send(context.Background(), sub, testPayload())

	var perm *push.PermanentError
	require.ErrorAs(t, err, &perm)
	assert.Contains(t, perm.Reason, "410")
	assert.Contains(t, perm.Reason, "subscription expired")
}

func TestWebPushSenderUnreachableEndpoint(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	endpoint := srv.URL
	srv.Close()

	sender := newVAPIDSender(t)
	sub := newBrowserSubscription(t, endpoint)

	err := sender.Send(context.Background(), sub, testPayload())

	var transient *push.TransientError
	assert.ErrorAs(t, err, &transient)
}

func TestSenderFunc(t *testing.T) {
	t.Parallel()

	want := errors.New("boom")
	sender := push.SenderFunc(func(ctx context.Context, sub push.Subscription, payload push.Payload) error {
		return want
	})

	err := sender.Send(context.Background(), push.Subscription{}, push.Payload{})
	assert.ErrorIs(t, err, want)
}

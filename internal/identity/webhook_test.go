package identity

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"log/slog"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/netmapper/fabric/internal/domain/model"
)

var testWebhookSecret = "whsec_" + base64.StdEncoding.EncodeToString([]byte("test-secret-material"))

func newDelivery(secret string, body []byte, at time.Time) (id, ts, sig string) {
	id = "msg_2x9"
	ts = strconv.FormatInt(at.Unix(), 10)
	key, _ := base64.StdEncoding.DecodeString(secret[len("whsec_"):])
	mac := hmac.New(sha256.New, key)
	fmt.Fprintf(mac, "%s.%s.", id, ts)
	mac.Write(body)
	sig = "v1," + base64.StdEncoding.EncodeToString(mac.Sum(nil))
	return id, ts, sig
}

func TestWebhookVerifierAcceptsValidDelivery(t *testing.T) {
	v := NewWebhookVerifier(testWebhookSecret, slog.Default())
	require.True(t, v.Armed())

	body := []byte(`{"type":"user.created","data":{"id":"user_1"}}`)
	id, ts, sig := newDelivery(testWebhookSecret, body, time.Now())

	r := httptest.NewRequest("POST", "/api/webhooks/clerk", bytes.NewReader(body))
	r.Header.Set("svix-id", id)
	r.Header.Set("svix-timestamp", ts)
	r.Header.Set("svix-signature", sig)

	res, err := v.Handle(r)
	require.NoError(t, err)
	assert.True(t, res.Received)
	assert.Equal(t, "user.created", res.Type)
	assert.Equal(t, "user_1", res.Data["id"])
}

func TestWebhookVerifierAcceptsRotatedSignatureList(t *testing.T) {
	v := NewWebhookVerifier(testWebhookSecret, slog.Default())
	body := []byte(`{"type":"user.updated","data":{}}`)
	id, ts, sig := newDelivery(testWebhookSecret, body, time.Now())

	r := httptest.NewRequest("POST", "/", bytes.NewReader(body))
	r.Header.Set("svix-id", id)
	r.Header.Set("svix-timestamp", ts)
	r.Header.Set("svix-signature", "v1,bm90LXRoaXMtb25l "+sig)

	_, err := v.Handle(r)
	assert.NoError(t, err)
}

func TestWebhookVerifierRejectsTamperedBody(t *testing.T) {
	v := NewWebhookVerifier(testWebhookSecret, slog.Default())
	body := []byte(`{"type":"user.created","data":{}}`)
	id, ts, sig := newDelivery(testWebhookSecret, body, time.Now())

	r := httptest.NewRequest("POST", "/", bytes.NewReader([]byte(`{"type":"user.deleted","data":{}}`)))
	r.Header.Set("svix-id", id)
	r.Header.Set("svix-timestamp", ts)
	r.Header.Set("svix-signature", sig)

	_, err := v.Handle(r)
	assert.ErrorIs(t, err, model.ErrUnauthenticated)
}

func TestWebhookVerifierRejectsStaleTimestamp(t *testing.T) {
	v := NewWebhookVerifier(testWebhookSecret, slog.Default())
	body := []byte(`{"type":"user.created","data":{}}`)
	id, ts, sig := newDelivery(testWebhookSecret, body, time.Now().Add(-10*time.Minute))

	r := httptest.NewRequest("POST", "/", bytes.NewReader(body))
	r.Header.Set("svix-id", id)
	r.Header.Set("svix-timestamp", ts)
	r.Header.Set("svix-signature", sig)

	_, err := v.Handle(r)
	assert.ErrorIs(t, err, model.ErrUnauthenticated)
}

func TestWebhookVerifierRejectsMissingHeaders(t *testing.T) {
	v := NewWebhookVerifier(testWebhookSecret, slog.Default())
	r := httptest.NewRequest("POST", "/", bytes.NewReader([]byte(`{}`)))
	_, err := v.Handle(r)
	assert.ErrorIs(t, err, model.ErrUnauthenticated)
}

func TestWebhookVerifierUnconfiguredSecret(t *testing.T) {
	v := NewWebhookVerifier("", slog.Default())
	assert.False(t, v.Armed())

	r := httptest.NewRequest("POST", "/", bytes.NewReader([]byte(`{}`)))
	_, err := v.Handle(r)
	assert.ErrorIs(t, err, model.ErrMisconfiguration)
}

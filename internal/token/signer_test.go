package token

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSignVerifyRoundTrip(t *testing.T) {
	s := NewSigner("shared-secret")
	body := []byte(`{"name":"test"}`)

	sig, ts := s.SignRequest("POST", "/api/networks", body, time.Now())
	assert.True(t, s.VerifySignature("POST", "/api/networks", sig, ts, body, DefaultSignatureMaxAge))
}

func TestVerifyRejectsTamperedBody(t *testing.T) {
	s := NewSigner("shared-secret")
	sig, ts := s.SignRequest("POST", "/api/networks", []byte(`{"a":1}`), time.Now())
	assert.False(t, s.VerifySignature("POST", "/api/networks", sig, ts, []byte(`{"a":2}`), DefaultSignatureMaxAge))
}

func TestVerifyRejectsMethodAndPathChanges(t *testing.T) {
	s := NewSigner("shared-secret")
	body := []byte("x")
	sig, ts := s.SignRequest("PUT", "/api/a", body, time.Now())

	assert.False(t, s.VerifySignature("POST", "/api/a", sig, ts, body, DefaultSignatureMaxAge))
	assert.False(t, s.VerifySignature("PUT", "/api/b", sig, ts, body, DefaultSignatureMaxAge))
}

func TestVerifyRejectsStaleTimestamp(t *testing.T) {
	s := NewSigner("shared-secret")
	body := []byte("x")
	sig, ts := s.SignRequest("GET", "/api/a", body, time.Now().Add(-10*time.Minute))
	assert.False(t, s.VerifySignature("GET", "/api/a", sig, ts, body, DefaultSignatureMaxAge))

	// Inside the window it still verifies.
	sig, ts = s.SignRequest("GET", "/api/a", body, time.Now().Add(-4*time.Minute))
	assert.True(t, s.VerifySignature("GET", "/api/a", sig, ts, body, DefaultSignatureMaxAge))
}

func TestVerifyRejectsGarbageTimestamp(t *testing.T) {
	s := NewSigner("shared-secret")
	assert.False(t, s.VerifySignature("GET", "/", "00", "not-a-number", nil, DefaultSignatureMaxAge))
}

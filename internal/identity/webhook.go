package identity

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/netmapper/fabric/internal/domain/model"
)

const (
	webhookSecretPrefix = "whsec_"
	webhookTolerance    = 5 * time.Minute
	webhookMaxBody      = 1 << 20
)

// WebhookVerifier checks provider webhook deliveries signed over
// "id.timestamp.body" with a shared secret.
type WebhookVerifier struct {
	secret []byte
	logger *slog.Logger
}

// NewWebhookVerifier decodes the base64 secret. An empty or undecodable
// secret leaves the verifier disarmed; Handle then refuses everything.
func NewWebhookVerifier(secret string, logger *slog.Logger) *WebhookVerifier {
	v := &WebhookVerifier{logger: logger}
	raw := strings.TrimPrefix(secret, webhookSecretPrefix)
	if raw == "" {
		return v
	}
	key, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		logger.Error("webhook secret is not valid base64, webhooks disabled")
		return v
	}
	v.secret = key
	return v
}

// Armed reports whether a usable secret is configured.
func (v *WebhookVerifier) Armed() bool { return len(v.secret) > 0 }

// Handle verifies the delivery and parses its envelope. It returns
// model.ErrMisconfiguration when no secret is configured and
// model.ErrUnauthenticated for any signature problem; callers map those to
// status codes without exposing detail.
func (v *WebhookVerifier) Handle(r *http.Request) (*WebhookResult, error) {
	if !v.Armed() {
		return nil, fmt.Errorf("webhook secret not configured: %w", model.ErrMisconfiguration)
	}

	id := firstHeader(r, "svix-id", "webhook-id")
	ts := firstHeader(r, "svix-timestamp", "webhook-timestamp")
	sigs := firstHeader(r, "svix-signature", "webhook-signature")
	if id == "" || ts == "" || sigs == "" {
		return nil, model.ErrUnauthenticated
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, webhookMaxBody))
	if err != nil {
		return nil, fmt.Errorf("read webhook body: %w", err)
	}

	if err := v.verify(id, ts, sigs, body); err != nil {
		v.logger.Warn("webhook signature rejected", "webhook_id", id)
		return nil, err
	}

	var envelope struct {
		Type string         `json:"type"`
		Data map[string]any `json:"data"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("malformed webhook payload: %w", model.ErrValidation)
	}
	return &WebhookResult{Received: true, Type: envelope.Type, Data: envelope.Data}, nil
}

func (v *WebhookVerifier) verify(id, ts, sigHeader string, body []byte) error {
	unix, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return model.ErrUnauthenticated
	}
	if d := time.Since(time.Unix(unix, 0)); d > webhookTolerance || d < -webhookTolerance {
		return model.ErrUnauthenticated
	}

	mac := hmac.New(sha256.New, v.secret)
	fmt.Fprintf(mac, "%s.%s.", id, ts)
	mac.Write(body)
	want := mac.Sum(nil)

	// The header may carry several space-separated "v1,<base64>" entries
	// during secret rotation; any match accepts.
	for _, entry := range strings.Fields(sigHeader) {
		_, b64, found := strings.Cut(entry, ",")
		if !found {
			b64 = entry
		}
		got, err := base64.StdEncoding.DecodeString(b64)
		if err != nil {
			continue
		}
		if hmac.Equal(got, want) {
			return nil
		}
	}
	return model.ErrUnauthenticated
}

// Sign produces the "v1,<base64>" signature for outbound test deliveries.
func (v *WebhookVerifier) Sign(id, ts string, body []byte) string {
	mac := hmac.New(sha256.New, v.secret)
	fmt.Fprintf(mac, "%s.%s.", id, ts)
	mac.Write(body)
	return "v1," + base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func firstHeader(r *http.Request, names ...string) string {
	for _, n := range names {
		if val := r.Header.Get(n); val != "" {
			return val
		}
	}
	return ""
}

// Package events emits domain events at the collaborator boundary. The
// engine never sends user-facing messages itself; an external dispatcher
// subscribes to these events and turns them into alerts.
package events

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Event types emitted by the claims engine.
const (
	TypeBatchSubmitted  = "batch.submitted"
	TypeBatchClosed     = "batch.closed"
	TypeDenialRateHigh  = "batch.denial_rate_high"
	TypeReturnCompleted = "return.completed"
	TypeReturnFailed    = "return.failed"
)

// Event is one domain event.
type Event struct {
	ID         string                 `json:"id"`
	Type       string                 `json:"type"`
	ClinicID   uuid.UUID              `json:"clinic_id"`
	ResourceID uuid.UUID              `json:"resource_id"`
	Payload    map[string]interface{} `json:"payload,omitempty"`
	Timestamp  time.Time              `json:"timestamp"`
}

// Publisher delivers events. Implementations must be safe for concurrent use.
type Publisher interface {
	Publish(ctx context.Context, evt Event)
}

// New builds an Event with id and timestamp filled in.
func New(evtType string, clinicID, resourceID uuid.UUID, payload map[string]interface{}) Event {
	return Event{
		ID:         uuid.New().String(),
		Type:       evtType,
		ClinicID:   clinicID,
		ResourceID: resourceID,
		Payload:    payload,
		Timestamp:  time.Now().UTC(),
	}
}

// LogPublisher writes every event to the structured log. Always active, so
// the event stream is reconstructable from logs even without a webhook.
type LogPublisher struct {
	Logger zerolog.Logger
}

func (p *LogPublisher) Publish(_ context.Context, evt Event) {
	p.Logger.Info().
		Str("type", "domain_event").
		Str("event", evt.Type).
		Str("event_id", evt.ID).
		Str("clinic_id", evt.ClinicID.String()).
		Str("resource_id", evt.ResourceID.String()).
		Interface("payload", evt.Payload).
		Msg("event")
}

// WebhookPublisher POSTs events to a configured endpoint, signed with
// HMAC-SHA256 so the dispatcher can verify origin. Delivery is best-effort:
// a failed POST is logged, never retried here, and never blocks the caller's
// state change.
type WebhookPublisher struct {
	URL    string
	Secret string
	Client *http.Client
	Logger zerolog.Logger
}

func NewWebhookPublisher(url, secret string, logger zerolog.Logger) *WebhookPublisher {
	return &WebhookPublisher{
		URL:    url,
		Secret: secret,
		Client: &http.Client{Timeout: 10 * time.Second},
		Logger: logger,
	}
}

func (p *WebhookPublisher) Publish(ctx context.Context, evt Event) {
	body, err := json.Marshal(evt)
	if err != nil {
		p.Logger.Error().Err(err).Str("event", evt.Type).Msg("marshal event")
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.URL, bytes.NewReader(body))
	if err != nil {
		p.Logger.Error().Err(err).Str("event", evt.Type).Msg("build webhook request")
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Event-Type", evt.Type)
	req.Header.Set("X-Signature", Sign(p.Secret, body))

	resp, err := p.Client.Do(req)
	if err != nil {
		p.Logger.Warn().Err(err).Str("event", evt.Type).Msg("webhook delivery failed")
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		p.Logger.Warn().
			Int("status", resp.StatusCode).
			Str("event", evt.Type).
			Msg("webhook endpoint rejected event")
	}
}

// Sign computes the hex HMAC-SHA256 signature for a payload.
func Sign(secret string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a signature produced by Sign.
func VerifySignature(secret string, payload []byte, signature string) bool {
	return hmac.Equal([]byte(Sign(secret, payload)), []byte(signature))
}

// Fanout publishes to several publishers in order.
type Fanout []Publisher

func (f Fanout) Publish(ctx context.Context, evt Event) {
	for _, p := range f {
		p.Publish(ctx, evt)
	}
}

// Recorder captures events for tests.
type Recorder struct {
	Events []Event
}

func (r *Recorder) Publish(_ context.Context, evt Event) {
	r.Events = append(r.Events, evt)
}

// String renders an event for log or error contexts.
func (e Event) String() string {
	return fmt.Sprintf("%s(%s)", e.Type, e.ResourceID)
}

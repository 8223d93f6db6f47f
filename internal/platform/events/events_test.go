package events

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

func TestSignAndVerify(t *testing.T) {
	payload := []byte(`{"type":"batch.submitted"}`)
	sig := Sign("topsecret", payload)

	if !VerifySignature("topsecret", payload, sig) {
		t.Error("valid signature rejected")
	}
	if VerifySignature("wrong", payload, sig) {
		t.Error("signature verified with the wrong secret")
	}
	if VerifySignature("topsecret", []byte("tampered"), sig) {
		t.Error("signature verified for tampered payload")
	}
}

func TestFanoutDeliversInOrder(t *testing.T) {
	a := &Recorder{}
	b := &Recorder{}
	evt := New(TypeBatchClosed, uuid.New(), uuid.New(), nil)

	Fanout{a, b}.Publish(context.Background(), evt)

	if len(a.Events) != 1 || len(b.Events) != 1 {
		t.Fatalf("recorder counts = %d/%d", len(a.Events), len(b.Events))
	}
	if a.Events[0].ID != evt.ID || b.Events[0].ID != evt.ID {
		t.Error("fanout delivered a different event")
	}
}

func TestWebhookPublisherSignsDelivery(t *testing.T) {
	var gotSig, gotType string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSig = r.Header.Get("X-Signature")
		gotType = r.Header.Get("X-Event-Type")
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	p := NewWebhookPublisher(srv.URL, "topsecret", zerolog.Nop())
	evt := New(TypeReturnCompleted, uuid.New(), uuid.New(), map[string]interface{}{"total": 3})
	p.Publish(context.Background(), evt)

	if gotType != TypeReturnCompleted {
		t.Errorf("X-Event-Type = %q", gotType)
	}
	if !VerifySignature("topsecret", gotBody, gotSig) {
		t.Error("delivered signature does not verify against the body")
	}
	var decoded Event
	if err := json.Unmarshal(gotBody, &decoded); err != nil {
		t.Fatalf("unmarshal body: %v", err)
	}
	if decoded.ID != evt.ID {
		t.Errorf("delivered id = %s, want %s", decoded.ID, evt.ID)
	}
}

func TestWebhookPublisherSurvivesDeadEndpoint(t *testing.T) {
	p := NewWebhookPublisher("http://127.0.0.1:1/hook", "s", zerolog.Nop())
	// Must not panic or block; delivery is best-effort.
	p.Publish(context.Background(), New(TypeReturnFailed, uuid.New(), uuid.New(), nil))
}

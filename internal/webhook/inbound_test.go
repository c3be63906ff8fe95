package webhook

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/nexuscomm/webhooks/internal/models"
	"pgregory.net/rapid"
)

func inboundFixture(t *testing.T, handler InboundHandler) (*InboundVerifier, *models.WebhookEndpoint, *MemoryStore) {
	t.Helper()
	store := NewMemoryStore()
	reg := NewRegistry(store, nil)
	ep, err := reg.Create(context.Background(), "user-1", &CreateEndpointRequest{
		URL:    "https://example.com/hook",
		Events: []string{models.EventMessageReceived},
	})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	return NewInboundVerifier(store, handler), ep, store
}

func signRaw(t *testing.T, secret, raw string) string {
	t.Helper()
	canonical, err := CanonicalizeJSON([]byte(raw))
	if err != nil {
		t.Fatalf("CanonicalizeJSON() error = %v", err)
	}
	sig, err := SignBytes(secret, canonical)
	if err != nil {
		t.Fatalf("SignBytes() error = %v", err)
	}
	return sig
}

func TestVerifyInbound_AcceptsValidSignature(t *testing.T) {
	var handled *InboundMessage
	v, ep, _ := inboundFixture(t, InboundHandlerFunc(func(ctx context.Context, msg *InboundMessage) error {
		handled = msg
		return nil
	}))

	raw := `{"event":"message_received","data":{"text":"hi","from":"+100"}}`
	msg, err := v.VerifyInbound(context.Background(), "user-1", ep.ID.String(), []byte(raw), signRaw(t, ep.Secret, raw))
	if err != nil {
		t.Fatalf("VerifyInbound() error = %v", err)
	}
	if msg.EventType != models.EventMessageReceived || !msg.Signed {
		t.Errorf("message = %+v", msg)
	}
	if handled != msg {
		t.Error("handler was not called with the accepted message")
	}
}

func TestVerifyInbound_Rejections(t *testing.T) {
	v, ep, _ := inboundFixture(t, nil)
	raw := `{"action":"status","id":1}`
	good := signRaw(t, ep.Secret, raw)
	flipped := []byte(good)
	if flipped[len(flipped)-1] == 'a' {
		flipped[len(flipped)-1] = 'b'
	} else {
		flipped[len(flipped)-1] = 'a'
	}

	tests := []struct {
		name      string
		userID    string
		webhookID string
		raw       string
		sig       string
		want      error
	}{
		{"flipped byte", "user-1", ep.ID.String(), raw, string(flipped), ErrSignatureMismatch},
		{"missing signature", "user-1", ep.ID.String(), raw, "", ErrSignatureMissing},
		{"unknown webhook", "user-1", uuid.NewString(), raw, good, ErrEndpointNotFound},
		{"malformed webhook id", "user-1", "not-a-uuid", raw, good, ErrEndpointNotFound},
		{"other user", "user-2", ep.ID.String(), raw, good, ErrEndpointNotFound},
		{"array body", "user-1", ep.ID.String(), `[1,2]`, good, ErrInvalidPayload},
		{"broken json", "user-1", ep.ID.String(), `{"a":`, good, ErrInvalidPayload},
		{"trailing data", "user-1", ep.ID.String(), `{"a":1} x`, good, ErrInvalidPayload},
		{"trailing brace", "user-1", ep.ID.String(), `{"event":"x"}}`, good, ErrInvalidPayload},
		{"trailing bracket", "user-1", ep.ID.String(), `{"event":"x"}]`, good, ErrInvalidPayload},
		{"second object", "user-1", ep.ID.String(), `{"a":1}{"b":2}`, good, ErrInvalidPayload},
		{"null body", "user-1", ep.ID.String(), `null`, good, ErrInvalidPayload},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := v.VerifyInbound(context.Background(), tt.userID, tt.webhookID, []byte(tt.raw), tt.sig)
			if !errors.Is(err, tt.want) {
				t.Errorf("VerifyInbound() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestVerifyInbound_BodySignatureField(t *testing.T) {
	v, ep, _ := inboundFixture(t, nil)

	unsigned := `{"action":"delivered","id":"m-9"}`
	sig := signRaw(t, ep.Secret, unsigned)
	withSig := `{"action":"delivered","id":"m-9","signature":"` + sig + `"}`

	msg, err := v.VerifyInbound(context.Background(), "user-1", ep.ID.String(), []byte(withSig), "")
	if err != nil {
		t.Fatalf("VerifyInbound() error = %v", err)
	}
	if msg.EventType != "delivered" {
		t.Errorf("EventType = %q, want delivered", msg.EventType)
	}
	if string(msg.Payload) != `{"action":"delivered","id":"m-9"}` {
		t.Errorf("payload still carries the signature: %s", msg.Payload)
	}
}

func TestVerifyInbound_UnsignedEndpointAcceptsAnything(t *testing.T) {
	v, ep, store := inboundFixture(t, nil)
	ep.Secret = ""
	if err := store.Update(context.Background(), ep); err != nil {
		t.Fatalf("Update() error = %v", err)
	}

	msg, err := v.VerifyInbound(context.Background(), "user-1", ep.ID.String(), []byte(`{"x":1}`), "")
	if err != nil {
		t.Fatalf("VerifyInbound() error = %v", err)
	}
	if msg.EventType != models.InboundUnknownEventLabel || msg.Signed {
		t.Errorf("message = %+v", msg)
	}
}

func TestVerifyInbound_HandlerErrorSurfaces(t *testing.T) {
	boom := errors.New("downstream unavailable")
	v, ep, _ := inboundFixture(t, InboundHandlerFunc(func(context.Context, *InboundMessage) error { return boom }))

	raw := `{"event":"x"}`
	if _, err := v.VerifyInbound(context.Background(), "user-1", ep.ID.String(), []byte(raw), signRaw(t, ep.Secret, raw)); !errors.Is(err, boom) {
		t.Errorf("VerifyInbound() error = %v, want %v", err, boom)
	}
}

// TestProperty6_InboundAcceptsOwnSignatures checks any JSON object signed with
// the endpoint secret verifies regardless of key order in transit.
func TestProperty6_InboundAcceptsOwnSignatures(t *testing.T) {
	v, ep, _ := inboundFixture(t, nil)

	rapid.Check(t, func(rt *rapid.T) {
		env := envelopeGen().Draw(rt, "envelope")
		canonical, err := Canonicalize(env)
		if err != nil {
			rt.Fatalf("Canonicalize() error = %v", err)
		}
		sig, _ := SignBytes(ep.Secret, canonical)

		// reorder keys the way a foreign encoder might
		reordered := `{"userId":` + quote(env.UserID) + `,"timestamp":` + quote(env.Timestamp) +
			`,"data":` + string(env.Data) + `,"event":` + quote(env.Event) + `}`

		if _, err := v.VerifyInbound(context.Background(), "user-1", ep.ID.String(), []byte(reordered), sig); err != nil {
			rt.Fatalf("PROPERTY VIOLATION: own signature rejected: %v", err)
		}
	})
}

func quote(s string) string {
	b, _ := encodeCanonical(s)
	return string(b)
}

func TestDecodeObject_AgreesWithCanonicalizer(t *testing.T) {
	bodies := []string{
		`{"event":"x"}`,
		"{\"event\":\"x\"}\n",
		`{"event":"x"}}`,
		`{"event":"x"}]`,
		`{"event":"x"} 1`,
		`{"a":1}{"b":2}`,
	}
	for _, body := range bodies {
		_, objErr := decodeObject([]byte(body))
		_, canonErr := CanonicalizeJSON([]byte(body))
		if (objErr == nil) != (canonErr == nil) {
			t.Errorf("%q: decodeObject error = %v, CanonicalizeJSON error = %v", body, objErr, canonErr)
		}
	}
}

package webhook

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/nexuscomm/webhooks/internal/models"
)

// SignatureHeader carries the hex HMAC-SHA256 of the request body
const SignatureHeader = "X-Signature"

// Envelope is the signed and transmitted body of every outbound delivery
type Envelope struct {
	Event     string          `json:"event"`
	Timestamp string          `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
	UserID    string          `json:"userId"`
}

// NewEnvelope builds the envelope for an event. The timestamp is the event's
// creation time in RFC 3339 UTC with nanoseconds, so redelivery after a restart
// produces identical bytes.
func NewEnvelope(ev *models.IntegrationEvent) Envelope {
	data := ev.Payload
	if len(data) == 0 {
		data = json.RawMessage("{}")
	}
	return Envelope{
		Event:     ev.EventType,
		Timestamp: ev.CreatedAt.UTC().Format(time.RFC3339Nano),
		Data:      data,
		UserID:    ev.UserID,
	}
}

// Canonicalize returns the canonical bytes of an envelope
func Canonicalize(env Envelope) ([]byte, error) {
	raw, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal envelope: %w", err)
	}
	return CanonicalizeJSON(raw)
}

// CanonicalizeJSON re-encodes a JSON document in canonical form: object keys
// sorted at every depth, numbers kept verbatim, no insignificant whitespace,
// no HTML escaping. Outbound signing and inbound verification both go through
// this function.
func CanonicalizeJSON(raw []byte) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: trailing data after JSON value", ErrInvalidPayload)
	}

	return encodeCanonical(v)
}

// encodeCanonical relies on encoding/json sorting map keys
func encodeCanonical(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, fmt.Errorf("failed to encode canonical JSON: %w", err)
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

// Sign computes the hex HMAC-SHA256 of the canonical envelope.
// Signing with an empty secret is a programming error.
func Sign(secret string, env Envelope) (string, error) {
	if secret == "" {
		return "", ErrMissingSecret
	}
	canonical, err := Canonicalize(env)
	if err != nil {
		return "", err
	}
	return SignBytes(secret, canonical)
}

// SignBytes computes the hex HMAC-SHA256 of already canonical bytes
func SignBytes(secret string, canonical []byte) (string, error) {
	if secret == "" {
		return "", ErrMissingSecret
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(canonical)
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// Verify recomputes the signature of env and compares it in constant time.
// A missing secret or candidate never verifies.
func Verify(secret string, env Envelope, candidate string) bool {
	canonical, err := Canonicalize(env)
	if err != nil {
		return false
	}
	return VerifyBytes(secret, canonical, candidate)
}

// VerifyBytes is Verify over already canonical bytes
func VerifyBytes(secret string, canonical []byte, candidate string) bool {
	if secret == "" || candidate == "" {
		return false
	}
	expected, err := SignBytes(secret, canonical)
	if err != nil {
		return false
	}
	return hmac.Equal([]byte(expected), []byte(candidate))
}

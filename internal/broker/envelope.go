package broker

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nerrad567/gray-logic-ble/internal/message"
)

// Envelope is the JSON wire form of a bus message.
//
// Content is base64 encoded by encoding/json.
type Envelope struct {
	ID         string            `json:"id"`
	Timestamp  time.Time         `json:"timestamp"`
	Properties map[string]string `json:"properties,omitempty"`
	Content    []byte            `json:"content"`
}

// NewEnvelope wraps msg with a fresh ID.
func NewEnvelope(msg *message.Message, now time.Time) Envelope {
	return Envelope{
		ID:         uuid.NewString(),
		Timestamp:  now.UTC(),
		Properties: msg.Properties().Mutable(),
		Content:    msg.Content(),
	}
}

// Marshal encodes the envelope as JSON.
func (e Envelope) Marshal() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encoding envelope: %w", err)
	}
	return data, nil
}

// ParseEnvelope decodes a JSON envelope.
func ParseEnvelope(data []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return Envelope{}, fmt.Errorf("%w: %w", ErrInvalidEnvelope, err)
	}
	return e, nil
}

// Message converts the envelope back to a bus message.
func (e Envelope) Message() (*message.Message, error) {
	msg, err := message.NewWithProperties(e.Content, e.Properties)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidEnvelope, err)
	}
	return msg, nil
}

// macFromSegment turns a topic device segment ("aabbccddeeff") back into
// colon-hex form. It returns false for segments of the wrong length.
func macFromSegment(seg string) (string, bool) {
	const hexDigits = 12
	if len(seg) != hexDigits {
		return "", false
	}
	var b strings.Builder
	for i := 0; i < hexDigits; i += 2 {
		if i > 0 {
			b.WriteByte(':')
		}
		b.WriteString(strings.ToUpper(seg[i : i+2]))
	}
	return b.String(), true
}

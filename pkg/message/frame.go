package message

import (
	"bytes"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
)

var ErrMalformedFrame = errors.New("malformed frame")

type FrameType string

const (
	FrameMessage FrameType = "message"
	FrameHealth  FrameType = "health"
)

// Frame is the push transport envelope.
type Frame struct {
	Type    FrameType       `json:"type"`
	Topic   TopicKey        `json:"topic,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type HealthPayload struct {
	ServerTimeMs int64 `json:"serverTime"`
}

func DecodeFrame(raw []byte) (Frame, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return Frame{}, errors.Wrap(ErrMalformedFrame, "empty frame")
	}
	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return Frame{}, errors.Wrapf(ErrMalformedFrame, "decode envelope: %v", err)
	}
	switch f.Type {
	case FrameMessage, FrameHealth:
	case "":
		return Frame{}, errors.Wrap(ErrMalformedFrame, "missing type")
	default:
		return Frame{}, errors.Wrapf(ErrMalformedFrame, "unknown type %q", f.Type)
	}
	return f, nil
}

// Message decodes and validates the payload of a message frame. A payload
// without a topicKey inherits the envelope topic; a conflicting one is
// rejected.
func (f Frame) Message() (Message, error) {
	if f.Type != FrameMessage {
		return Message{}, errors.Wrapf(ErrMalformedFrame, "frame type %q carries no message", f.Type)
	}
	if len(f.Payload) == 0 {
		return Message{}, errors.Wrap(ErrMalformedFrame, "missing payload")
	}
	var m Message
	if err := json.Unmarshal(f.Payload, &m); err != nil {
		return Message{}, errors.Wrapf(ErrMalformedFrame, "decode payload: %v", err)
	}
	if m.TopicKey == "" {
		m.TopicKey = f.Topic
	}
	if f.Topic != "" && m.TopicKey != f.Topic {
		return Message{}, errors.Wrapf(ErrMalformedFrame, "payload topic %q does not match frame topic %q", m.TopicKey, f.Topic)
	}
	if err := m.Validate(); err != nil {
		return Message{}, errors.Wrapf(ErrMalformedFrame, "%v", err)
	}
	return m, nil
}

func EncodeMessageFrame(m Message) ([]byte, error) {
	payload, err := json.Marshal(m)
	if err != nil {
		return nil, errors.Wrap(err, "encode message payload")
	}
	return json.Marshal(Frame{Type: FrameMessage, Topic: m.TopicKey, Payload: payload})
}

func EncodeHealthFrame(now time.Time) ([]byte, error) {
	payload, err := json.Marshal(HealthPayload{ServerTimeMs: now.UnixMilli()})
	if err != nil {
		return nil, errors.Wrap(err, "encode health payload")
	}
	return json.Marshal(Frame{Type: FrameHealth, Payload: payload})
}

package message

import (
	"encoding/json"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

var ErrInvalidMessage = errors.New("invalid message")

// RichContent is the rendered body of a message. Doc holds an editor document
// when the sender produced one; Text is its plain-text fallback.
type RichContent struct {
	Text string          `json:"text,omitempty"`
	Doc  json.RawMessage `json:"doc,omitempty"`
}

type Attachment struct {
	ID       string `json:"id"`
	Filename string `json:"filename,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
	URL      string `json:"url,omitempty"`
	Size     int64  `json:"size,omitempty"`
}

// Message is immutable once created. Ordering is by CreatedAt with ID as the
// tie-break.
type Message struct {
	ID          string       `json:"id"`
	TopicKey    TopicKey     `json:"topicKey"`
	SenderID    string       `json:"senderId"`
	CreatedAt   time.Time    `json:"createdAt"`
	Body        RichContent  `json:"body"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

// NewID returns a time-ordered message id.
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

func (m Message) Validate() error {
	if strings.TrimSpace(m.ID) == "" {
		return errors.Wrap(ErrInvalidMessage, "missing id")
	}
	if !m.TopicKey.Valid() {
		return errors.Wrapf(ErrInvalidMessage, "message %s: bad topic key %q", m.ID, m.TopicKey)
	}
	if strings.TrimSpace(m.SenderID) == "" {
		return errors.Wrapf(ErrInvalidMessage, "message %s: missing senderId", m.ID)
	}
	if m.CreatedAt.IsZero() {
		return errors.Wrapf(ErrInvalidMessage, "message %s: missing createdAt", m.ID)
	}
	return nil
}

// Less orders a before b by CreatedAt, then ID.
func Less(a, b Message) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

// SortAscending sorts msgs oldest first in place.
func SortAscending(msgs []Message) {
	sort.SliceStable(msgs, func(i, j int) bool { return Less(msgs[i], msgs[j]) })
}

// IDs is a convenience for logs and tests.
func IDs(msgs []Message) []string {
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.ID)
	}
	return out
}

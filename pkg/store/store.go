package store

import (
	"context"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/go-go-golems/chatsync/pkg/message"
)

var (
	ErrNotFound      = errors.New("message not found")
	ErrDuplicate     = errors.New("message id already exists")
	ErrInvalidCursor = errors.New("invalid cursor")
)

const (
	DefaultPageSize = 50
	MaxPageSize     = 200
)

// FindQuery selects one backward page of a topic. A nil Cursor starts at the
// most recent message.
type FindQuery struct {
	Topic  message.TopicKey
	Cursor *message.Cursor
	Limit  int
}

// Update replaces the mutable parts of a message. Nil fields are left as is.
type Update struct {
	Body        *message.RichContent
	Attachments []message.Attachment
}

// MessageStore is the system of record for messages.
type MessageStore interface {
	Create(ctx context.Context, m message.Message) (message.Message, error)
	Get(ctx context.Context, id string) (message.Message, error)
	Find(ctx context.Context, q FindQuery) (message.Page, error)
	Update(ctx context.Context, id string, u Update) (message.Message, error)
	Close() error
}

// prepareCreate fills in id and timestamp and validates the result.
func prepareCreate(m message.Message, now time.Time) (message.Message, error) {
	if strings.TrimSpace(m.ID) == "" {
		m.ID = message.NewID()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	m.CreatedAt = m.CreatedAt.UTC()
	if err := m.Validate(); err != nil {
		return message.Message{}, err
	}
	return m, nil
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return DefaultPageSize
	}
	if limit > MaxPageSize {
		return MaxPageSize
	}
	return limit
}

func validateQuery(q FindQuery) error {
	if !q.Topic.Valid() {
		return errors.Wrapf(message.ErrInvalidTopic, "find: %q", q.Topic)
	}
	return nil
}

// buildPage turns a descending slice of up to limit+1 rows into an ascending
// page with a cursor when more rows exist.
func buildPage(desc []message.Message, limit int) message.Page {
	more := len(desc) > limit
	if more {
		desc = desc[:limit]
	}
	items := make([]message.Message, len(desc))
	for i, m := range desc {
		items[len(desc)-1-i] = m
	}
	page := message.Page{Items: items}
	if more && len(items) > 0 {
		page.NextCursor = message.CursorPtr(EncodeCursor(items[0]))
	}
	return page
}

package store

import (
	"encoding/base64"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/go-go-golems/chatsync/pkg/message"
)

type position struct {
	createdAt time.Time
	id        string
}

// EncodeCursor produces an opaque token meaning "older than m".
func EncodeCursor(m message.Message) message.Cursor {
	raw := strconv.FormatInt(m.CreatedAt.UnixNano(), 10) + ":" + m.ID
	return message.Cursor(base64.RawURLEncoding.EncodeToString([]byte(raw)))
}

func decodeCursor(c message.Cursor) (position, error) {
	raw, err := base64.RawURLEncoding.DecodeString(string(c))
	if err != nil {
		return position{}, errors.Wrapf(ErrInvalidCursor, "decode: %v", err)
	}
	ts, id, ok := strings.Cut(string(raw), ":")
	if !ok || id == "" {
		return position{}, errors.Wrap(ErrInvalidCursor, "missing id")
	}
	ns, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return position{}, errors.Wrapf(ErrInvalidCursor, "timestamp: %v", err)
	}
	return position{createdAt: time.Unix(0, ns).UTC(), id: id}, nil
}

// admits reports whether m lies strictly before the cursor position.
func (p position) admits(m message.Message) bool {
	return message.Less(m, message.Message{ID: p.id, CreatedAt: p.createdAt})
}

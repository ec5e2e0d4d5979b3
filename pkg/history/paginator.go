package history

import (
	"context"
	"fmt"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/chatsync/pkg/message"
)

// ErrBusy is returned when FetchNext is called while a previous call on the
// same paginator is still pending. It is not a network failure and should not
// be retried as one.
var ErrBusy = errors.New("history: fetch already in flight")

var ErrMalformedPage = errors.New("history: malformed page")

const DefaultPageSize = 50

// Fetcher loads one page of history older than cursor. A nil cursor asks for
// the most recent page.
type Fetcher interface {
	FetchPage(ctx context.Context, topic message.TopicKey, cursor *message.Cursor, limit int) (message.Page, error)
}

type FetcherFunc func(ctx context.Context, topic message.TopicKey, cursor *message.Cursor, limit int) (message.Page, error)

func (f FetcherFunc) FetchPage(ctx context.Context, topic message.TopicKey, cursor *message.Cursor, limit int) (message.Page, error) {
	return f(ctx, topic, cursor, limit)
}

// FetchError wraps a failed page request. The paginator cursor is unchanged,
// so retrying re-requests the same page.
type FetchError struct {
	Topic  message.TopicKey
	Cursor *message.Cursor
	Err    error
}

func (e *FetchError) Error() string {
	cur := "<latest>"
	if e.Cursor != nil {
		cur = string(*e.Cursor)
	}
	return fmt.Sprintf("history fetch %s at %s: %v", e.Topic, cur, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

type Option func(*Paginator)

func WithPageSize(n int) Option {
	return func(p *Paginator) {
		if n > 0 {
			p.pageSize = n
		}
	}
}

func WithLogger(l zerolog.Logger) Option {
	return func(p *Paginator) { p.logger = l }
}

// Paginator walks a topic's history backwards, one page per FetchNext call.
// Each instance keeps its own cursor.
type Paginator struct {
	fetcher  Fetcher
	topic    message.TopicKey
	pageSize int
	logger   zerolog.Logger

	mu         sync.Mutex
	inFlight   bool
	generation uint64
	cursor     *message.Cursor
	exhausted  bool
	oldest     *message.Message
}

func NewPaginator(f Fetcher, topic message.TopicKey, opts ...Option) (*Paginator, error) {
	if f == nil {
		return nil, errors.New("history paginator: fetcher is nil")
	}
	if !topic.Valid() {
		return nil, errors.Wrapf(message.ErrInvalidTopic, "history paginator: %q", topic)
	}
	p := &Paginator{
		fetcher:  f,
		topic:    topic,
		pageSize: DefaultPageSize,
		logger:   log.With().Str("component", "history").Str("topic", topic.String()).Logger(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

func (p *Paginator) Topic() message.TopicKey { return p.topic }

func (p *Paginator) Exhausted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exhausted
}

// Reset restarts the sequence from the most recent page. A call pending
// across the reset still returns its page but no longer moves the cursor.
func (p *Paginator) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.generation++
	p.inFlight = false
	p.cursor = nil
	p.exhausted = false
	p.oldest = nil
}

// FetchNext returns the next older page. After the sequence is exhausted it
// keeps returning an empty page with a nil cursor.
func (p *Paginator) FetchNext(ctx context.Context) (message.Page, error) {
	p.mu.Lock()
	if p.inFlight {
		p.mu.Unlock()
		return message.Page{}, ErrBusy
	}
	if p.exhausted {
		p.mu.Unlock()
		return message.EmptyPage(), nil
	}
	p.inFlight = true
	gen := p.generation
	var cursor *message.Cursor
	if p.cursor != nil {
		cursor = message.CursorPtr(*p.cursor)
	}
	p.mu.Unlock()

	page, err := p.fetcher.FetchPage(ctx, p.topic, cursor, p.pageSize)
	if err == nil {
		err = p.validate(page)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if gen != p.generation {
		if err != nil {
			return message.Page{}, &FetchError{Topic: p.topic, Cursor: cursor, Err: err}
		}
		return page, nil
	}
	p.inFlight = false
	if err != nil {
		p.logger.Warn().Err(err).Msg("history fetch failed")
		return message.Page{}, &FetchError{Topic: p.topic, Cursor: cursor, Err: err}
	}

	items := p.olderThanSeenLocked(page.Items)
	message.SortAscending(items)
	page.Items = items
	if len(items) > 0 {
		oldest := items[0]
		p.oldest = &oldest
	}
	p.cursor = page.NextCursor
	if page.NextCursor == nil {
		p.exhausted = true
	}
	p.logger.Debug().Int("items", len(items)).Bool("exhausted", p.exhausted).Msg("history page fetched")
	return page, nil
}

func (p *Paginator) validate(page message.Page) error {
	for _, m := range page.Items {
		if err := m.Validate(); err != nil {
			return errors.Wrapf(ErrMalformedPage, "%v", err)
		}
		if m.TopicKey != p.topic {
			return errors.Wrapf(ErrMalformedPage, "message %s belongs to %q", m.ID, m.TopicKey)
		}
	}
	if page.NextCursor != nil && *page.NextCursor == "" {
		return errors.Wrap(ErrMalformedPage, "empty next cursor")
	}
	return nil
}

// olderThanSeenLocked drops items that overlap pages already returned.
func (p *Paginator) olderThanSeenLocked(items []message.Message) []message.Message {
	out := make([]message.Message, 0, len(items))
	for _, m := range items {
		if p.oldest != nil && !message.Less(m, *p.oldest) {
			p.logger.Debug().Str("message_id", m.ID).Msg("dropping overlapping history item")
			continue
		}
		out = append(out, m)
	}
	return out
}

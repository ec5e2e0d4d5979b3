package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/go-go-golems/chatsync/pkg/message"
)

// MemoryStore keeps messages in process. Ordering matches SQLiteStore.
type MemoryStore struct {
	mu     sync.Mutex
	byID   map[string]message.Message
	topics map[message.TopicKey][]string
	now    func() time.Time
}

var _ MessageStore = &MemoryStore{}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:   map[string]message.Message{},
		topics: map[message.TopicKey][]string{},
		now:    time.Now,
	}
}

func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) Create(_ context.Context, m message.Message) (message.Message, error) {
	m, err := prepareCreate(m, s.now())
	if err != nil {
		return message.Message{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[m.ID]; ok {
		return message.Message{}, errors.Wrapf(ErrDuplicate, "create %s", m.ID)
	}
	m.Attachments = append([]message.Attachment(nil), m.Attachments...)
	s.byID[m.ID] = m
	ids := append(s.topics[m.TopicKey], m.ID)
	sort.SliceStable(ids, func(i, j int) bool { return message.Less(s.byID[ids[i]], s.byID[ids[j]]) })
	s.topics[m.TopicKey] = ids
	return m, nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (message.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.byID[id]
	if !ok {
		return message.Message{}, errors.Wrapf(ErrNotFound, "get %s", id)
	}
	return m, nil
}

func (s *MemoryStore) Find(_ context.Context, q FindQuery) (message.Page, error) {
	if err := validateQuery(q); err != nil {
		return message.Page{}, err
	}
	var pos *position
	if q.Cursor != nil {
		p, err := decodeCursor(*q.Cursor)
		if err != nil {
			return message.Page{}, err
		}
		pos = &p
	}
	limit := normalizeLimit(q.Limit)

	s.mu.Lock()
	defer s.mu.Unlock()
	ids := s.topics[q.Topic]
	desc := make([]message.Message, 0, limit+1)
	for i := len(ids) - 1; i >= 0 && len(desc) <= limit; i-- {
		m := s.byID[ids[i]]
		if pos != nil && !pos.admits(m) {
			continue
		}
		desc = append(desc, m)
	}
	return buildPage(desc, limit), nil
}

func (s *MemoryStore) Update(_ context.Context, id string, u Update) (message.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.byID[id]
	if !ok {
		return message.Message{}, errors.Wrapf(ErrNotFound, "update %s", id)
	}
	if u.Body != nil {
		m.Body = *u.Body
	}
	if u.Attachments != nil {
		m.Attachments = append([]message.Attachment(nil), u.Attachments...)
	}
	s.byID[id] = m
	return m, nil
}

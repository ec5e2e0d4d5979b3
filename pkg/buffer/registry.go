package buffer

import (
	"sync"

	"github.com/go-go-golems/chatsync/pkg/message"
)

// Handler receives every message enqueued for the topic it is registered on.
// Handlers must be idempotent on message id: redelivery after a reconnect
// reaches them again. A handler must not call Enqueue or Ingest on the
// buffer that dispatched it.
type Handler func(message.Message)

// Registry maps topic keys to handlers in registration order.
type Registry struct {
	mu     sync.Mutex
	nextID uint64
	topics map[message.TopicKey][]registration
}

type registration struct {
	id      uint64
	handler Handler
}

// Subscription is the capability returned by Add. Unsubscribe is idempotent.
type Subscription struct {
	id    uint64
	topic message.TopicKey
	reg   *Registry
	once  sync.Once
}

func NewRegistry() *Registry {
	return &Registry{topics: map[message.TopicKey][]registration{}}
}

func (r *Registry) Add(topic message.TopicKey, h Handler) *Subscription {
	if h == nil {
		return &Subscription{topic: topic}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	id := r.nextID
	r.topics[topic] = append(r.topics[topic], registration{id: id, handler: h})
	return &Subscription{id: id, topic: topic, reg: r}
}

func (r *Registry) remove(topic message.TopicKey, id uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	regs := r.topics[topic]
	for i, reg := range regs {
		if reg.id != id {
			continue
		}
		next := make([]registration, 0, len(regs)-1)
		next = append(next, regs[:i]...)
		next = append(next, regs[i+1:]...)
		if len(next) == 0 {
			delete(r.topics, topic)
		} else {
			r.topics[topic] = next
		}
		return true
	}
	return false
}

// Handlers returns a snapshot of the topic's handlers in registration order.
func (r *Registry) Handlers(topic message.TopicKey) []Handler {
	r.mu.Lock()
	defer r.mu.Unlock()
	regs := r.topics[topic]
	out := make([]Handler, 0, len(regs))
	for _, reg := range regs {
		out = append(out, reg.handler)
	}
	return out
}

func (r *Registry) Count(topic message.TopicKey) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.topics[topic])
}

// Topics returns how many topics currently have at least one handler.
func (r *Registry) Topics() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.topics)
}

func (s *Subscription) Topic() message.TopicKey {
	if s == nil {
		return ""
	}
	return s.topic
}

func (s *Subscription) Unsubscribe() {
	if s == nil || s.reg == nil {
		return
	}
	s.once.Do(func() {
		s.reg.remove(s.topic, s.id)
	})
}

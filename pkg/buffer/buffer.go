package buffer

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/chatsync/pkg/message"
)

const (
	DefaultMaxSize       = 100
	DefaultMaxAge        = 5 * time.Minute
	DefaultSweepInterval = 60 * time.Second
)

type Options struct {
	// MaxSize caps the number of entries across all topics.
	MaxSize int
	// MaxAge is how long an entry survives after arrival.
	MaxAge time.Duration
	// SweepInterval is the period of the age sweep. Negative disables the loop.
	SweepInterval time.Duration
	Now           func() time.Time
}

func (o Options) withDefaults() Options {
	if o.MaxSize <= 0 {
		o.MaxSize = DefaultMaxSize
	}
	if o.MaxAge <= 0 {
		o.MaxAge = DefaultMaxAge
	}
	if o.SweepInterval == 0 {
		o.SweepInterval = DefaultSweepInterval
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// Entry is a buffered message tagged with its arrival time.
type Entry struct {
	Topic      message.TopicKey
	Message    message.Message
	ReceivedAt time.Time
}

type entryKey struct {
	topic message.TopicKey
	id    string
}

// Buffer is a short-horizon cache of recently pushed messages with multicast
// notification per topic. It is not a system of record: entries leave on age
// or size pressure regardless of who has seen them.
type Buffer struct {
	opts     Options
	registry *Registry
	logger   zerolog.Logger

	// dispatchMu serializes enqueue+notify so handlers of one topic observe
	// enqueue order.
	dispatchMu sync.Mutex

	mu      sync.Mutex
	entries []Entry
	stored  map[entryKey]struct{}

	cancel context.CancelFunc
	done   chan struct{}
}

// New builds a buffer and starts its sweep loop, which runs until ctx is done
// or Close is called.
func New(ctx context.Context, opts Options) *Buffer {
	opts = opts.withDefaults()
	b := &Buffer{
		opts:     opts,
		registry: NewRegistry(),
		logger:   log.With().Str("component", "buffer").Logger(),
		entries:  make([]Entry, 0, opts.MaxSize),
		stored:   map[entryKey]struct{}{},
	}
	if opts.SweepInterval > 0 {
		if ctx == nil {
			ctx = context.Background()
		}
		runCtx, cancel := context.WithCancel(ctx)
		b.cancel = cancel
		b.done = make(chan struct{})
		go b.runSweepLoop(runCtx, opts.SweepInterval)
	}
	return b
}

// Close stops the sweep loop. Buffered entries stay readable.
func (b *Buffer) Close() {
	if b == nil || b.cancel == nil {
		return
	}
	b.cancel()
	<-b.done
}

func (b *Buffer) Registry() *Registry { return b.registry }

// Enqueue stores msg under topic and synchronously notifies the topic's
// handlers in registration order. A repeated id is not stored twice but is
// still delivered. It reports whether the message was newly stored.
//
// Handlers must not call Enqueue.
func (b *Buffer) Enqueue(topic message.TopicKey, msg message.Message) bool {
	if b == nil {
		return false
	}
	b.dispatchMu.Lock()
	defer b.dispatchMu.Unlock()

	now := b.opts.Now()
	key := entryKey{topic: topic, id: msg.ID}

	b.mu.Lock()
	_, dup := b.stored[key]
	if !dup {
		b.entries = append(b.entries, Entry{Topic: topic, Message: msg, ReceivedAt: now})
		b.stored[key] = struct{}{}
		b.enforceMaxSizeLocked()
	}
	b.mu.Unlock()

	if dup {
		b.logger.Debug().Str("topic", topic.String()).Str("message_id", msg.ID).Msg("duplicate enqueue, notifying only")
	}

	for _, h := range b.registry.Handlers(topic) {
		b.notify(topic, h, msg)
	}
	return !dup
}

// Ingest enqueues msg under its own topic key. It matches the transport
// message callback signature.
func (b *Buffer) Ingest(msg message.Message) {
	b.Enqueue(msg.TopicKey, msg)
}

func (b *Buffer) notify(topic message.TopicKey, h Handler, msg message.Message) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error().Interface("panic", r).Str("topic", topic.String()).Str("message_id", msg.ID).Msg("subscriber panicked")
		}
	}()
	h(msg)
}

func (b *Buffer) enforceMaxSizeLocked() {
	if len(b.entries) <= b.opts.MaxSize {
		return
	}
	drop := len(b.entries) - b.opts.MaxSize
	for _, e := range b.entries[:drop] {
		delete(b.stored, entryKey{topic: e.Topic, id: e.Message.ID})
	}
	b.entries = append([]Entry(nil), b.entries[drop:]...)
}

// Subscribe registers h for topic. Topics need not have entries.
func (b *Buffer) Subscribe(topic message.TopicKey, h Handler) *Subscription {
	return b.registry.Add(topic, h)
}

// Unsubscribe removes the registration behind sub. Entries of the topic are
// kept until they are evicted.
func (b *Buffer) Unsubscribe(sub *Subscription) {
	sub.Unsubscribe()
}

// GetSince returns the topic's messages in arrival order, limited to those
// received strictly after since when since is non-zero.
func (b *Buffer) GetSince(topic message.TopicKey, since time.Time) []message.Message {
	if b == nil {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]message.Message, 0)
	for _, e := range b.entries {
		if e.Topic != topic {
			continue
		}
		if !since.IsZero() && !e.ReceivedAt.After(since) {
			continue
		}
		out = append(out, e.Message)
	}
	return out
}

// Lookup returns the buffered copy of id on topic.
func (b *Buffer) Lookup(topic message.TopicKey, id string) (message.Message, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.stored[entryKey{topic: topic, id: id}]; !ok {
		return message.Message{}, false
	}
	for _, e := range b.entries {
		if e.Topic == topic && e.Message.ID == id {
			return e.Message, true
		}
	}
	return message.Message{}, false
}

func (b *Buffer) Len() int {
	if b == nil {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}

func (b *Buffer) runSweepLoop(ctx context.Context, interval time.Duration) {
	defer close(b.done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := b.Sweep(); n > 0 {
				b.logger.Debug().Int("evicted", n).Msg("buffer sweep")
			}
		}
	}
}

// Sweep drops entries older than MaxAge and returns how many were removed.
func (b *Buffer) Sweep() int {
	if b == nil {
		return 0
	}
	now := b.opts.Now()
	b.mu.Lock()
	defer b.mu.Unlock()
	kept := b.entries[:0]
	evicted := 0
	for _, e := range b.entries {
		if now.Sub(e.ReceivedAt) > b.opts.MaxAge {
			delete(b.stored, entryKey{topic: e.Topic, id: e.Message.ID})
			evicted++
			continue
		}
		kept = append(kept, e)
	}
	b.entries = kept
	return evicted
}

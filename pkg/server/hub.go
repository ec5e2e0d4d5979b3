package server

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	wmessage "github.com/ThreeDotsLabs/watermill/message"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/go-go-golems/chatsync/pkg/buffer"
	"github.com/go-go-golems/chatsync/pkg/message"
)

type HubOptions struct {
	Subscriber wmessage.Subscriber
	// Recent, when set, keeps the last few minutes of every topic so a
	// reconnecting client can ask for what it missed.
	Recent *buffer.Buffer
	// IdleTimeout stops a topic's forwarder once its last client left.
	IdleTimeout time.Duration
	// PrepareTopic runs before a topic's forwarder subscribes. It runs
	// outside the hub lock, and concurrent attaches to a new topic share one
	// call.
	PrepareTopic func(ctx context.Context, busTopic string) error
	Now          func() time.Time
}

// Hub owns one connection pool and one bus forwarder per topic with at least
// one attached client.
type Hub struct {
	baseCtx context.Context
	opts    HubOptions
	prepare singleflight.Group

	mu     sync.Mutex
	topics map[message.TopicKey]*topicState
}

type topicState struct {
	pool *ConnectionPool
	fwd  *Forwarder
}

func NewHub(ctx context.Context, opts HubOptions) (*Hub, error) {
	if ctx == nil {
		return nil, errors.New("hub base context is nil")
	}
	if opts.Subscriber == nil {
		return nil, errors.New("hub subscriber is nil")
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Hub{
		baseCtx: ctx,
		opts:    opts,
		topics:  map[message.TopicKey]*topicState{},
	}, nil
}

// Attach adds conn to topic's pool, sends it a health frame and any buffered
// messages received after since, then reads from it until it closes.
func (h *Hub) Attach(topic message.TopicKey, conn *websocket.Conn, since time.Time) error {
	if conn == nil {
		return errors.New("websocket connection is nil")
	}
	if !topic.Valid() {
		return errors.Wrapf(message.ErrInvalidTopic, "attach %q", topic)
	}

	if err := h.prepareTopic(topic); err != nil {
		return err
	}
	h.mu.Lock()
	ts, err := h.ensureLocked(topic)
	if err != nil {
		h.mu.Unlock()
		return err
	}
	ts.pool.Add(conn)
	h.mu.Unlock()

	wsLog := log.With().
		Str("component", "server").
		Str("remote", conn.RemoteAddr().String()).
		Str("topic", topic.String()).
		Logger()
	wsLog.Info().Msg("ws connected")

	if hb, err := message.EncodeHealthFrame(h.opts.Now()); err == nil {
		ts.pool.SendToOne(conn, hb)
	}
	if h.opts.Recent != nil && !since.IsZero() {
		for _, m := range h.opts.Recent.GetSince(topic, since) {
			raw, err := message.EncodeMessageFrame(m)
			if err != nil {
				continue
			}
			ts.pool.SendToOne(conn, raw)
		}
	}

	go func() {
		defer ts.pool.Remove(conn)
		defer wsLog.Info().Msg("ws disconnected")
		for {
			msgType, data, err := conn.ReadMessage()
			if err != nil {
				wsLog.Debug().Err(err).Msg("ws read loop end")
				return
			}
			if msgType == websocket.TextMessage && isPing(data) {
				if hb, err := message.EncodeHealthFrame(h.opts.Now()); err == nil {
					ts.pool.SendToOne(conn, hb)
				}
			}
		}
	}()
	return nil
}

// isPing accepts a bare "ping" or a {"type":"ping"} frame.
func isPing(data []byte) bool {
	text := strings.TrimSpace(strings.ToLower(string(data)))
	if text == "ping" {
		return true
	}
	var v struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &v); err != nil {
		return false
	}
	return strings.EqualFold(v.Type, "ping")
}

// prepareTopic runs PrepareTopic for a topic that has no live pool yet.
func (h *Hub) prepareTopic(topic message.TopicKey) error {
	if h.opts.PrepareTopic == nil {
		return nil
	}
	h.mu.Lock()
	_, live := h.topics[topic]
	h.mu.Unlock()
	if live {
		return nil
	}
	busTopic := BusTopic(topic)
	_, err, _ := h.prepare.Do(busTopic, func() (interface{}, error) {
		return nil, h.opts.PrepareTopic(h.baseCtx, busTopic)
	})
	return errors.Wrapf(err, "prepare %s", busTopic)
}

func (h *Hub) ensureLocked(topic message.TopicKey) (*topicState, error) {
	if ts, ok := h.topics[topic]; ok {
		return ts, nil
	}
	ts := &topicState{}
	ts.pool = NewConnectionPool(topic, h.opts.IdleTimeout, func() { h.evict(topic, ts) })
	ts.fwd = NewForwarder(topic, h.opts.Subscriber, func(f message.Frame, raw []byte) {
		if h.opts.Recent != nil && f.Type == message.FrameMessage {
			if m, err := f.Message(); err == nil {
				h.opts.Recent.Enqueue(topic, m)
			}
		}
		ts.pool.Broadcast(raw)
	})
	if err := ts.fwd.Start(h.baseCtx); err != nil {
		return nil, err
	}
	h.topics[topic] = ts
	return ts, nil
}

func (h *Hub) evict(topic message.TopicKey, ts *topicState) {
	h.mu.Lock()
	if h.topics[topic] != ts || !ts.pool.IsEmpty() {
		h.mu.Unlock()
		return
	}
	delete(h.topics, topic)
	h.mu.Unlock()
	ts.fwd.Stop()
	log.Debug().Str("component", "server").Str("topic", topic.String()).Msg("topic idle, forwarder stopped")
}

// Heartbeat sends one health frame to every attached client and returns the
// number of topics it reached.
func (h *Hub) Heartbeat() int {
	hb, err := message.EncodeHealthFrame(h.opts.Now())
	if err != nil {
		return 0
	}
	h.mu.Lock()
	pools := make([]*ConnectionPool, 0, len(h.topics))
	for _, ts := range h.topics {
		pools = append(pools, ts.pool)
	}
	h.mu.Unlock()
	for _, p := range pools {
		p.Broadcast(hb)
	}
	return len(pools)
}

// RunHeartbeat broadcasts health frames every interval until ctx is done.
func (h *Hub) RunHeartbeat(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return errors.New("heartbeat interval must be positive")
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			h.Heartbeat()
		}
	}
}

// Count returns the number of clients attached to topic.
func (h *Hub) Count(topic message.TopicKey) int {
	h.mu.Lock()
	ts, ok := h.topics[topic]
	h.mu.Unlock()
	if !ok {
		return 0
	}
	return ts.pool.Count()
}

// Topics returns the number of topics with a live pool.
func (h *Hub) Topics() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.topics)
}

// Close drops every client and stops every forwarder.
func (h *Hub) Close() {
	h.mu.Lock()
	states := h.topics
	h.topics = map[message.TopicKey]*topicState{}
	h.mu.Unlock()
	for _, ts := range states {
		ts.pool.CloseAll()
		ts.fwd.Stop()
	}
}

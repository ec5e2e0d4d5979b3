package server

import (
	"context"
	"sync"

	wmessage "github.com/ThreeDotsLabs/watermill/message"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/chatsync/pkg/message"
)

// BusTopic is the watermill topic a chat topic fans out through.
func BusTopic(topic message.TopicKey) string {
	return "chat." + string(topic)
}

// Forwarder consumes one topic's bus stream and hands every valid frame to
// onFrame in delivery order.
type Forwarder struct {
	topic      message.TopicKey
	subscriber wmessage.Subscriber
	onFrame    func(message.Frame, []byte)
	logger     zerolog.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
}

func NewForwarder(topic message.TopicKey, subscriber wmessage.Subscriber, onFrame func(message.Frame, []byte)) *Forwarder {
	return &Forwarder{
		topic:      topic,
		subscriber: subscriber,
		onFrame:    onFrame,
		logger:     log.With().Str("component", "forwarder").Str("topic", topic.String()).Logger(),
	}
}

// Start subscribes before returning so nothing published afterwards is
// missed. Calling Start on a running forwarder is a no-op.
func (f *Forwarder) Start(ctx context.Context) error {
	if f == nil || f.subscriber == nil {
		return errors.New("forwarder: subscriber is nil")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.running {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	runCtx, cancel := context.WithCancel(ctx)
	ch, err := f.subscriber.Subscribe(runCtx, BusTopic(f.topic))
	if err != nil {
		cancel()
		return errors.Wrapf(err, "forwarder: subscribe %s", BusTopic(f.topic))
	}
	f.cancel = cancel
	f.done = make(chan struct{})
	f.running = true
	go f.consume(ch, f.done)
	f.logger.Debug().Msg("forwarder started")
	return nil
}

func (f *Forwarder) Stop() {
	if f == nil {
		return
	}
	f.mu.Lock()
	cancel, done := f.cancel, f.done
	f.cancel = nil
	f.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}

func (f *Forwarder) IsRunning() bool {
	if f == nil {
		return false
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running
}

func (f *Forwarder) consume(ch <-chan *wmessage.Message, done chan struct{}) {
	defer close(done)
	for msg := range ch {
		frame, err := message.DecodeFrame(msg.Payload)
		if err == nil && frame.Type == message.FrameMessage {
			_, err = frame.Message()
		}
		if err != nil {
			f.logger.Warn().Err(err).Str("uuid", msg.UUID).Msg("dropping malformed bus frame")
			msg.Ack()
			continue
		}
		if f.onFrame != nil {
			f.onFrame(frame, msg.Payload)
		}
		msg.Ack()
	}
	f.logger.Debug().Msg("forwarder stopped")
	f.mu.Lock()
	f.running = false
	f.cancel = nil
	f.mu.Unlock()
}

package server

import (
	"context"

	wmessage "github.com/ThreeDotsLabs/watermill/message"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/chatsync/pkg/message"
	"github.com/go-go-golems/chatsync/pkg/store"
)

// MessageService is the write path: persist first, then fan out.
type MessageService struct {
	store     store.MessageStore
	publisher wmessage.Publisher
}

func NewMessageService(st store.MessageStore, pub wmessage.Publisher) (*MessageService, error) {
	if st == nil {
		return nil, errors.New("message service: store is nil")
	}
	if pub == nil {
		return nil, errors.New("message service: publisher is nil")
	}
	return &MessageService{store: st, publisher: pub}, nil
}

// Create stores m and publishes it on its topic's bus stream. A publish
// failure is logged; the message is stored and reachable through history.
func (s *MessageService) Create(ctx context.Context, m message.Message) (message.Message, error) {
	created, err := s.store.Create(ctx, m)
	if err != nil {
		return message.Message{}, err
	}
	if err := s.publish(created); err != nil {
		log.Error().Err(err).Str("component", "server").Str("topic", created.TopicKey.String()).
			Str("message_id", created.ID).Msg("publish failed")
	}
	return created, nil
}

func (s *MessageService) publish(m message.Message) error {
	raw, err := message.EncodeMessageFrame(m)
	if err != nil {
		return err
	}
	wm := wmessage.NewMessage(uuid.NewString(), raw)
	wm.Metadata.Set("topic", m.TopicKey.String())
	wm.Metadata.Set("message_id", m.ID)
	return errors.Wrap(s.publisher.Publish(BusTopic(m.TopicKey), wm), "publish")
}

// Update edits a stored message. Edits are not pushed to live clients.
func (s *MessageService) Update(ctx context.Context, id string, u store.Update) (message.Message, error) {
	return s.store.Update(ctx, id, u)
}

func (s *MessageService) Get(ctx context.Context, id string) (message.Message, error) {
	return s.store.Get(ctx, id)
}

func (s *MessageService) Find(ctx context.Context, q store.FindQuery) (message.Page, error) {
	return s.store.Find(ctx, q)
}

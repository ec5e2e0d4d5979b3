package server

import (
	"context"
	"net/http"
	"strings"
	"time"

	wmessage "github.com/ThreeDotsLabs/watermill/message"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/chatsync/pkg/buffer"
	"github.com/go-go-golems/chatsync/pkg/store"
)

const DefaultHeartbeatInterval = 15 * time.Second

type Options struct {
	Store      store.MessageStore
	Publisher  wmessage.Publisher
	Subscriber wmessage.Subscriber
	// Recent is optional; see HubOptions.Recent.
	Recent            *buffer.Buffer
	BasePath          string
	HeartbeatInterval time.Duration
	IdleTimeout       time.Duration
	PrepareTopic      func(ctx context.Context, busTopic string) error
	Now               func() time.Time
}

// Server mounts the push, probe and history endpoints on one mux and drives
// the heartbeat.
type Server struct {
	opts   Options
	hub    *Hub
	svc    *MessageService
	mux    *http.ServeMux
	logger zerolog.Logger
}

func New(ctx context.Context, opts Options) (*Server, error) {
	if ctx == nil {
		return nil, errors.New("ctx is nil")
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	opts.BasePath = strings.TrimRight(opts.BasePath, "/")

	hub, err := NewHub(ctx, HubOptions{
		Subscriber:   opts.Subscriber,
		Recent:       opts.Recent,
		IdleTimeout:  opts.IdleTimeout,
		PrepareTopic: opts.PrepareTopic,
		Now:          opts.Now,
	})
	if err != nil {
		return nil, err
	}
	svc, err := NewMessageService(opts.Store, opts.Publisher)
	if err != nil {
		return nil, err
	}

	s := &Server{
		opts:   opts,
		hub:    hub,
		svc:    svc,
		mux:    http.NewServeMux(),
		logger: log.With().Str("component", "server").Logger(),
	}
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	base := opts.BasePath
	s.mux.Handle(base+"/ws", NewWSHandler(hub, upgrader))
	s.mux.Handle(base+"/health", NewHealthHandler(upgrader, opts.Now, s.logger))
	s.mux.Handle(base+"/api/messages", NewMessagesHandler(svc, s.logger))
	s.mux.Handle(base+"/api/messages/{id}", NewMessageHandler(svc, s.logger))
	return s, nil
}

func (s *Server) Handler() http.Handler { return s.mux }

func (s *Server) Hub() *Hub { return s.hub }

func (s *Server) Messages() *MessageService { return s.svc }

// Run drives the heartbeat until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	s.logger.Info().Dur("interval", s.opts.HeartbeatInterval).Msg("heartbeat started")
	return s.hub.RunHeartbeat(ctx, s.opts.HeartbeatInterval)
}

// Close drops all clients and stops all forwarders. The store and bus belong
// to the caller.
func (s *Server) Close() {
	s.hub.Close()
}

package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/go-go-golems/chatsync/pkg/message"
	"github.com/go-go-golems/chatsync/pkg/store"
)

var ErrTopicRequired = errors.New("channelId or conversationId is required")

// topicFromQuery reads the mutually exclusive topic parameters.
func topicFromQuery(req *http.Request) (message.TopicKey, error) {
	q := req.URL.Query()
	ch := strings.TrimSpace(q.Get(message.ChannelParam))
	conv := strings.TrimSpace(q.Get(message.ConversationParam))
	if ch == "" && conv == "" {
		return "", ErrTopicRequired
	}
	return message.NewTopicKey(ch, conv)
}

func writeJSON(w http.ResponseWriter, logger zerolog.Logger, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Warn().Err(err).Msg("response write failed")
	}
}

// NewWSHandler upgrades GET /ws?channelId=..|conversationId=.. and attaches
// the connection to the topic's pool. An optional since (unix ms) replays
// buffered messages received after it.
func NewWSHandler(hub *Hub, upgrader websocket.Upgrader) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		if hub == nil {
			http.Error(w, "stream hub not initialized", http.StatusServiceUnavailable)
			return
		}
		topic, err := topicFromQuery(req)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		var since time.Time
		if s := strings.TrimSpace(req.URL.Query().Get("since")); s != "" {
			ms, err := strconv.ParseInt(s, 10, 64)
			if err != nil {
				http.Error(w, "invalid since", http.StatusBadRequest)
				return
			}
			since = time.UnixMilli(ms)
		}

		conn, err := upgrader.Upgrade(w, req, nil)
		if err != nil {
			return
		}
		if err := hub.Attach(topic, conn, since); err != nil {
			_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"error":"failed to attach websocket"}`))
			_ = conn.Close()
		}
	}
}

// NewHealthHandler answers a websocket probe with one health frame and a
// close. A plain GET gets {"status":"ok"}.
func NewHealthHandler(upgrader websocket.Upgrader, now func() time.Time, logger zerolog.Logger) http.HandlerFunc {
	if now == nil {
		now = time.Now
	}
	return func(w http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if !websocket.IsWebSocketUpgrade(req) {
			writeJSON(w, logger, http.StatusOK, map[string]string{"status": "ok"})
			return
		}
		conn, err := upgrader.Upgrade(w, req, nil)
		if err != nil {
			return
		}
		defer func() { _ = conn.Close() }()
		hb, err := message.EncodeHealthFrame(now())
		if err != nil {
			return
		}
		_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := conn.WriteMessage(websocket.TextMessage, hb); err != nil {
			logger.Debug().Err(err).Msg("health probe write failed")
			return
		}
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	}
}

type createMessageRequest struct {
	ID             string               `json:"id,omitempty"`
	ChannelID      string               `json:"channelId,omitempty"`
	ConversationID string               `json:"conversationId,omitempty"`
	SenderID       string               `json:"senderId"`
	Body           message.RichContent  `json:"body"`
	Attachments    []message.Attachment `json:"attachments,omitempty"`
}

type updateMessageRequest struct {
	Body        *message.RichContent `json:"body,omitempty"`
	Attachments []message.Attachment `json:"attachments,omitempty"`
}

// NewMessagesHandler serves GET (history page) and POST (create) on the
// messages collection.
func NewMessagesHandler(svc *MessageService, logger zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		if svc == nil {
			http.Error(w, "message service not initialized", http.StatusServiceUnavailable)
			return
		}
		switch req.Method {
		case http.MethodGet:
			handleFind(w, req, svc, logger)
		case http.MethodPost:
			handleCreate(w, req, svc, logger)
		default:
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
	}
}

func handleFind(w http.ResponseWriter, req *http.Request, svc *MessageService, logger zerolog.Logger) {
	topic, err := topicFromQuery(req)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	q := store.FindQuery{Topic: topic}
	if c := strings.TrimSpace(req.URL.Query().Get("cursor")); c != "" {
		q.Cursor = message.CursorPtr(message.Cursor(c))
	}
	if s := strings.TrimSpace(req.URL.Query().Get("limit")); s != "" {
		v, err := strconv.Atoi(s)
		if err != nil || v < 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		q.Limit = v
	}

	page, err := svc.Find(req.Context(), q)
	if err != nil {
		if errors.Is(err, store.ErrInvalidCursor) {
			http.Error(w, "invalid cursor", http.StatusBadRequest)
			return
		}
		logger.Error().Err(err).Str("topic", topic.String()).Msg("history find failed")
		http.Error(w, "history lookup failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, logger, http.StatusOK, page)
}

func handleCreate(w http.ResponseWriter, req *http.Request, svc *MessageService, logger zerolog.Logger) {
	var body createMessageRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, req.Body, 1<<20)).Decode(&body); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(body.ChannelID) == "" && strings.TrimSpace(body.ConversationID) == "" {
		http.Error(w, ErrTopicRequired.Error(), http.StatusBadRequest)
		return
	}
	topic, err := message.NewTopicKey(body.ChannelID, body.ConversationID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	idemKey := idempotencyKeyFromRequest(req)
	id := strings.TrimSpace(body.ID)
	if id == "" {
		id = idemKey
	}
	created, err := svc.Create(req.Context(), message.Message{
		ID:          id,
		TopicKey:    topic,
		SenderID:    body.SenderID,
		Body:        body.Body,
		Attachments: body.Attachments,
	})
	switch {
	case err == nil:
		writeJSON(w, logger, http.StatusCreated, created)
	case errors.Is(err, message.ErrInvalidMessage):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, store.ErrDuplicate):
		if idemKey != "" && id == idemKey {
			existing, gerr := svc.Get(req.Context(), id)
			if gerr == nil && existing.TopicKey == topic && existing.SenderID == body.SenderID {
				writeJSON(w, logger, http.StatusOK, existing)
				return
			}
		}
		http.Error(w, "message already exists", http.StatusConflict)
	default:
		logger.Error().Err(err).Str("topic", topic.String()).Msg("message create failed")
		http.Error(w, "message create failed", http.StatusInternalServerError)
	}
}

// NewMessageHandler serves PATCH on a single message, identified by the {id}
// path value.
func NewMessageHandler(svc *MessageService, logger zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodPatch {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if svc == nil {
			http.Error(w, "message service not initialized", http.StatusServiceUnavailable)
			return
		}
		id := strings.TrimSpace(req.PathValue("id"))
		if id == "" {
			http.Error(w, "missing message id", http.StatusBadRequest)
			return
		}
		var body updateMessageRequest
		if err := json.NewDecoder(http.MaxBytesReader(w, req.Body, 1<<20)).Decode(&body); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}
		updated, err := svc.Update(req.Context(), id, store.Update{Body: body.Body, Attachments: body.Attachments})
		switch {
		case err == nil:
			writeJSON(w, logger, http.StatusOK, updated)
		case errors.Is(err, store.ErrNotFound):
			http.Error(w, "message not found", http.StatusNotFound)
		default:
			logger.Error().Err(err).Str("message_id", id).Msg("message update failed")
			http.Error(w, "message update failed", http.StatusInternalServerError)
		}
	}
}

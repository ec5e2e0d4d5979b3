package transport

import "github.com/go-go-golems/chatsync/pkg/message"

// Sink accepts decoded messages keyed by their own topic. buffer.Buffer
// implements it.
type Sink interface {
	Ingest(msg message.Message)
}

// Bind feeds every message the session decodes into sink.
func Bind(s *Session, sink Sink) {
	s.OnMessage(sink.Ingest)
}

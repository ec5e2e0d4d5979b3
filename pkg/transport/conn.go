package transport

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
)

// Conn is one established push connection yielding raw frames.
type Conn interface {
	ReadFrame(ctx context.Context) ([]byte, error)
	Close() error
}

type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
}

// ResumingDialer is a Dialer that can ask the server to replay what it
// buffered after since. Session uses it on re-dials once it knows the
// server's clock.
type ResumingDialer interface {
	Dialer
	DialSince(ctx context.Context, since time.Time) (Conn, error)
}

type DialerFunc func(ctx context.Context) (Conn, error)

func (f DialerFunc) Dial(ctx context.Context) (Conn, error) { return f(ctx) }

// WebSocketDialer connects to a websocket push endpoint.
type WebSocketDialer struct {
	URL    string
	Header http.Header
	Dialer *websocket.Dialer
}

func (d *WebSocketDialer) Dial(ctx context.Context) (Conn, error) {
	return d.DialSince(ctx, time.Time{})
}

// DialSince adds since (unix ms) to the push URL so the server replays its
// recent messages for the topic. A zero since dials the plain URL.
func (d *WebSocketDialer) DialSince(ctx context.Context, since time.Time) (Conn, error) {
	if d == nil || d.URL == "" {
		return nil, errors.New("websocket dialer: empty url")
	}
	target := d.URL
	if !since.IsZero() {
		u, err := url.Parse(d.URL)
		if err != nil {
			return nil, errors.Wrapf(err, "parse %s", d.URL)
		}
		q := u.Query()
		q.Set("since", strconv.FormatInt(since.UnixMilli(), 10))
		u.RawQuery = q.Encode()
		target = u.String()
	}
	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, resp, err := dialer.DialContext(ctx, target, d.Header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, errors.Wrapf(err, "dial %s", target)
	}
	return &wsConn{conn: conn}, nil
}

type wsConn struct {
	conn *websocket.Conn
	once sync.Once
}

func (c *wsConn) ReadFrame(_ context.Context) ([]byte, error) {
	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		if msgType == websocket.TextMessage || msgType == websocket.BinaryMessage {
			return data, nil
		}
	}
}

func (c *wsConn) Close() error {
	var err error
	c.once.Do(func() {
		_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadlineSoon())
		err = c.conn.Close()
	})
	return err
}

// WatermillDialer reads frames from a watermill subscriber topic. It serves
// event-stream transports such as Redis Streams where each watermill message
// payload is one encoded frame.
type WatermillDialer struct {
	Subscriber message.Subscriber
	Topic      string
}

func (d *WatermillDialer) Dial(ctx context.Context) (Conn, error) {
	if d == nil || d.Subscriber == nil {
		return nil, errors.New("watermill dialer: nil subscriber")
	}
	if d.Topic == "" {
		return nil, errors.New("watermill dialer: empty topic")
	}
	subCtx, cancel := context.WithCancel(ctx)
	ch, err := d.Subscriber.Subscribe(subCtx, d.Topic)
	if err != nil {
		cancel()
		return nil, errors.Wrapf(err, "subscribe %s", d.Topic)
	}
	return &watermillConn{ch: ch, cancel: cancel}, nil
}

type watermillConn struct {
	ch     <-chan *message.Message
	cancel context.CancelFunc
}

func (c *watermillConn) ReadFrame(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case msg, ok := <-c.ch:
		if !ok {
			return nil, io.EOF
		}
		msg.Ack()
		return msg.Payload, nil
	}
}

func (c *watermillConn) Close() error {
	c.cancel()
	return nil
}

func deadlineSoon() time.Time {
	return time.Now().Add(time.Second)
}

package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/chatsync/pkg/buffer"
	"github.com/go-go-golems/chatsync/pkg/message"
	"github.com/go-go-golems/chatsync/pkg/store"
	"github.com/go-go-golems/chatsync/pkg/transport"
)

var fixedNow = time.UnixMilli(1_700_000_000_000)

type testEnv struct {
	srv    *Server
	http   *httptest.Server
	recent *buffer.Buffer
}

func newTestEnv(t *testing.T, idle time.Duration, mutators ...func(*Options)) *testEnv {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	pubSub := gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 16}, watermill.NopLogger{})
	recent := buffer.New(ctx, buffer.Options{SweepInterval: -1})

	opts := Options{
		Store:       store.NewMemoryStore(),
		Publisher:   pubSub,
		Subscriber:  pubSub,
		Recent:      recent,
		IdleTimeout: idle,
		Now:         func() time.Time { return fixedNow },
	}
	for _, m := range mutators {
		m(&opts)
	}
	srv, err := New(ctx, opts)
	require.NoError(t, err)
	hs := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		hs.Close()
		srv.Close()
		recent.Close()
		_ = pubSub.Close()
		cancel()
	})
	return &testEnv{srv: srv, http: hs, recent: recent}
}

func (e *testEnv) wsURL(path string) string {
	return "ws" + strings.TrimPrefix(e.http.URL, "http") + path
}

func (e *testEnv) dial(t *testing.T, query string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(e.wsURL("/ws?"+query), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	f := readFrame(t, conn)
	require.Equal(t, message.FrameHealth, f.Type)
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) message.Frame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)
	f, err := message.DecodeFrame(raw)
	require.NoError(t, err)
	return f
}

func (e *testEnv) post(t *testing.T, body string) (*http.Response, message.Message) {
	t.Helper()
	resp, err := http.Post(e.http.URL+"/api/messages", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	var m message.Message
	if resp.StatusCode == http.StatusCreated {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&m))
	}
	return resp, m
}

func (e *testEnv) getPage(t *testing.T, query string) message.Page {
	t.Helper()
	resp, err := http.Get(e.http.URL + "/api/messages?" + query)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var p message.Page
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&p))
	return p
}

func TestPostedMessageIsPushedToTopicClients(t *testing.T) {
	env := newTestEnv(t, 0)
	c1 := env.dial(t, "channelId=c1")
	other := env.dial(t, "conversationId=d1")

	resp, created := env.post(t, `{"channelId":"c1","senderId":"u1","body":{"text":"hello"}}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	require.Equal(t, message.ChannelTopic("c1"), created.TopicKey)

	f := readFrame(t, c1)
	require.Equal(t, message.FrameMessage, f.Type)
	m, err := f.Message()
	require.NoError(t, err)
	require.Equal(t, created.ID, m.ID)
	require.Equal(t, "hello", m.Body.Text)

	require.NoError(t, other.SetReadDeadline(time.Now().Add(100*time.Millisecond)))
	_, _, err = other.ReadMessage()
	require.Error(t, err)

	require.Eventually(t, func() bool {
		_, ok := env.recent.Lookup(created.TopicKey, created.ID)
		return ok
	}, time.Second, time.Millisecond)
}

func TestHistoryEndpointPagesBackward(t *testing.T) {
	env := newTestEnv(t, 0)
	for i, text := range []string{"a", "b", "c"} {
		body := `{"id":"m` + string(rune('1'+i)) + `","channelId":"c1","senderId":"u1","body":{"text":"` + text + `"}}`
		resp, _ := env.post(t, body)
		require.Equal(t, http.StatusCreated, resp.StatusCode)
		time.Sleep(2 * time.Millisecond)
	}

	p1 := env.getPage(t, "channelId=c1&limit=2")
	require.Equal(t, []string{"m2", "m3"}, message.IDs(p1.Items))
	require.NotNil(t, p1.NextCursor)

	p2 := env.getPage(t, "channelId=c1&limit=2&cursor="+string(*p1.NextCursor))
	require.Equal(t, []string{"m1"}, message.IDs(p2.Items))
	require.Nil(t, p2.NextCursor)

	empty := env.getPage(t, "conversationId=nobody")
	require.Empty(t, empty.Items)
	require.Nil(t, empty.NextCursor)
}

func TestMessagesEndpointRejectsBadRequests(t *testing.T) {
	env := newTestEnv(t, 0)
	cases := []struct {
		method, path, body string
		status             int
	}{
		{http.MethodGet, "/api/messages", "", http.StatusBadRequest},
		{http.MethodGet, "/api/messages?channelId=c1&conversationId=d1", "", http.StatusBadRequest},
		{http.MethodGet, "/api/messages?channelId=c1&cursor=%21%21", "", http.StatusBadRequest},
		{http.MethodGet, "/api/messages?channelId=c1&limit=x", "", http.StatusBadRequest},
		{http.MethodDelete, "/api/messages", "", http.StatusMethodNotAllowed},
		{http.MethodPost, "/api/messages", `{"senderId":"u1"}`, http.StatusBadRequest},
		{http.MethodPost, "/api/messages", `{"channelId":"c1"}`, http.StatusBadRequest},
		{http.MethodPost, "/api/messages", `not json`, http.StatusBadRequest},
		{http.MethodPatch, "/api/messages/missing", `{"body":{"text":"x"}}`, http.StatusNotFound},
		{http.MethodGet, "/ws", "", http.StatusBadRequest},
	}
	for _, tc := range cases {
		req, err := http.NewRequest(tc.method, env.http.URL+tc.path, bytes.NewBufferString(tc.body))
		require.NoError(t, err)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		_ = resp.Body.Close()
		require.Equal(t, tc.status, resp.StatusCode, "%s %s", tc.method, tc.path)
	}
}

func TestPatchUpdatesStoredMessage(t *testing.T) {
	env := newTestEnv(t, 0)
	_, created := env.post(t, `{"channelId":"c1","senderId":"u1","body":{"text":"draft"}}`)

	req, err := http.NewRequest(http.MethodPatch, env.http.URL+"/api/messages/"+created.ID,
		strings.NewReader(`{"attachments":[{"id":"a1","filename":"f.txt"}]}`))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var updated message.Message
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&updated))
	require.Equal(t, "draft", updated.Body.Text)
	require.Len(t, updated.Attachments, 1)

	page := env.getPage(t, "channelId=c1")
	require.Len(t, page.Items, 1)
	require.Equal(t, "f.txt", page.Items[0].Attachments[0].Filename)
}

func TestHealthEndpoint(t *testing.T) {
	env := newTestEnv(t, 0)

	resp, err := http.Get(env.http.URL + "/health")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Equal(t, "ok", body["status"])

	hp, err := transport.Probe(context.Background(), &transport.WebSocketDialer{URL: env.wsURL("/health")})
	require.NoError(t, err)
	require.Equal(t, fixedNow.UnixMilli(), hp.ServerTimeMs)
}

func TestHeartbeatAndPingReachClients(t *testing.T) {
	env := newTestEnv(t, 0)
	conn := env.dial(t, "channelId=c1")

	require.Equal(t, 1, env.srv.Hub().Heartbeat())
	require.Equal(t, message.FrameHealth, readFrame(t, conn).Type)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("ping")))
	require.Equal(t, message.FrameHealth, readFrame(t, conn).Type)
}

func TestReconnectingClientReplaysRecentMessages(t *testing.T) {
	env := newTestEnv(t, 0)
	first := env.dial(t, "channelId=c1")
	_, created := env.post(t, `{"channelId":"c1","senderId":"u1","body":{"text":"missed"}}`)
	require.Equal(t, message.FrameMessage, readFrame(t, first).Type)
	require.Eventually(t, func() bool { return env.recent.Len() == 1 }, time.Second, time.Millisecond)

	second, _, err := websocket.DefaultDialer.Dial(env.wsURL("/ws?channelId=c1&since=1"), nil)
	require.NoError(t, err)
	defer func() { _ = second.Close() }()
	require.Equal(t, message.FrameHealth, readFrame(t, second).Type)
	f := readFrame(t, second)
	m, err := f.Message()
	require.NoError(t, err)
	require.Equal(t, created.ID, m.ID)
}

func TestIdleTopicStopsForwarder(t *testing.T) {
	env := newTestEnv(t, 20*time.Millisecond)
	conn := env.dial(t, "channelId=c1")
	require.Equal(t, 1, env.srv.Hub().Topics())
	require.Eventually(t, func() bool { return env.srv.Hub().Count(message.ChannelTopic("c1")) == 1 }, time.Second, time.Millisecond)

	_ = conn.Close()
	require.Eventually(t, func() bool { return env.srv.Hub().Topics() == 0 }, 2*time.Second, 5*time.Millisecond)
}

func TestPrepareTopicRunsOncePerTopic(t *testing.T) {
	prepared := make(chan string, 4)
	env := newTestEnv(t, 0, func(o *Options) {
		o.PrepareTopic = func(_ context.Context, busTopic string) error {
			prepared <- busTopic
			return nil
		}
	})
	env.dial(t, "channelId=c1")
	env.dial(t, "channelId=c1")
	require.Len(t, prepared, 1)
	require.Equal(t, "chat.c1-", <-prepared)
}

func TestCreateWithIdempotencyKeyIsReplayed(t *testing.T) {
	env := newTestEnv(t, 0)
	conn := env.dial(t, "channelId=c1")

	send := func() (*http.Response, message.Message) {
		req, err := http.NewRequest(http.MethodPost, env.http.URL+"/api/messages",
			strings.NewReader(`{"channelId":"c1","senderId":"u1","body":{"text":"once"}}`))
		require.NoError(t, err)
		req.Header.Set("Idempotency-Key", "retry-1")
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		defer func() { _ = resp.Body.Close() }()
		var m message.Message
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&m))
		return resp, m
	}

	resp, first := send()
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	require.Equal(t, "retry-1", first.ID)
	resp, again := send()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, first.ID, again.ID)

	require.Equal(t, message.FrameMessage, readFrame(t, conn).Type)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(100*time.Millisecond)))
	_, _, err := conn.ReadMessage()
	require.Error(t, err)
	require.Len(t, env.getPage(t, "channelId=c1").Items, 1)
}

// gatedDialer lets the first dial through and holds later ones until open is
// closed. It keeps every connection so a test can drop it.
type gatedDialer struct {
	ws     *transport.WebSocketDialer
	open   chan struct{}
	mu     sync.Mutex
	conns  []transport.Conn
	sinces []time.Time
}

func (d *gatedDialer) Dial(ctx context.Context) (transport.Conn, error) {
	return d.DialSince(ctx, time.Time{})
}

func (d *gatedDialer) DialSince(ctx context.Context, since time.Time) (transport.Conn, error) {
	d.mu.Lock()
	first := len(d.conns) == 0
	d.sinces = append(d.sinces, since)
	d.mu.Unlock()
	if !first {
		select {
		case <-d.open:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	conn, err := d.ws.DialSince(ctx, since)
	if err != nil {
		return nil, err
	}
	d.mu.Lock()
	d.conns = append(d.conns, conn)
	d.mu.Unlock()
	return conn, nil
}

func (d *gatedDialer) first() transport.Conn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.conns[0]
}

func TestSessionCatchesUpAfterReconnect(t *testing.T) {
	env := newTestEnv(t, 0, func(o *Options) { o.Now = time.Now })
	d := &gatedDialer{
		ws:   &transport.WebSocketDialer{URL: env.wsURL("/ws?channelId=c1")},
		open: make(chan struct{}),
	}
	s, err := transport.NewSession(transport.Options{
		Dialer:     d,
		BackoffMin: 5 * time.Millisecond,
		BackoffMax: 20 * time.Millisecond,
		StaleAfter: 5 * time.Second,
	})
	require.NoError(t, err)
	t.Cleanup(s.Stop)

	client := buffer.New(context.Background(), buffer.Options{SweepInterval: -1})
	t.Cleanup(client.Close)
	transport.Bind(s, client)
	s.Start(context.Background())

	require.Eventually(t, func() bool { return !s.ResumePoint().IsZero() }, 2*time.Second, time.Millisecond)
	require.Eventually(t, func() bool { return env.srv.Hub().Count(message.ChannelTopic("c1")) == 1 }, time.Second, time.Millisecond)

	_ = d.first().Close()
	require.Eventually(t, func() bool { return s.State() == transport.StateReconnecting }, 2*time.Second, time.Millisecond)

	resp, created := env.post(t, `{"channelId":"c1","senderId":"u1","body":{"text":"while away"}}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	require.Eventually(t, func() bool {
		_, ok := env.recent.Lookup(created.TopicKey, created.ID)
		return ok
	}, time.Second, time.Millisecond)
	_, seen := client.Lookup(created.TopicKey, created.ID)
	require.False(t, seen)

	close(d.open)
	require.Eventually(t, func() bool {
		_, ok := client.Lookup(created.TopicKey, created.ID)
		return ok
	}, 2*time.Second, 5*time.Millisecond)

	d.mu.Lock()
	defer d.mu.Unlock()
	require.True(t, d.sinces[0].IsZero())
	require.False(t, d.sinces[len(d.sinces)-1].IsZero())
}

func TestSlowPrepareDoesNotBlockOtherTopics(t *testing.T) {
	unblock := make(chan struct{})
	var once sync.Once
	t.Cleanup(func() { once.Do(func() { close(unblock) }) })
	env := newTestEnv(t, 0, func(o *Options) {
		o.PrepareTopic = func(ctx context.Context, busTopic string) error {
			if busTopic != "chat.c1-" {
				return nil
			}
			select {
			case <-unblock:
			case <-ctx.Done():
			}
			return nil
		}
	})

	slow, _, err := websocket.DefaultDialer.Dial(env.wsURL("/ws?channelId=c1"), nil)
	require.NoError(t, err)
	defer func() { _ = slow.Close() }()

	env.dial(t, "conversationId=d1")
	require.Equal(t, 1, env.srv.Hub().Heartbeat())

	once.Do(func() { close(unblock) })
	require.Equal(t, message.FrameHealth, readFrame(t, slow).Type)
	require.Eventually(t, func() bool { return env.srv.Hub().Topics() == 2 }, time.Second, time.Millisecond)
}

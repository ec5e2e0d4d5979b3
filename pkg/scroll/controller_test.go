package scroll

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/chatsync/pkg/buffer"
	"github.com/go-go-golems/chatsync/pkg/history"
	"github.com/go-go-golems/chatsync/pkg/message"
)

var topic = message.ChannelTopic("c1")

func msgAt(i int, sender string) message.Message {
	return message.Message{
		ID:        fmt.Sprintf("m%03d", i),
		TopicKey:  topic,
		SenderID:  sender,
		CreatedAt: time.Unix(int64(i), 0).UTC(),
		Body:      message.RichContent{Text: fmt.Sprintf("message %d", i)},
	}
}

func span(lo, hi int) []message.Message {
	out := []message.Message{}
	for i := lo; i <= hi; i++ {
		out = append(out, msgAt(i, "u2"))
	}
	return out
}

// gatedPager hands out scripted pages, each one only after release is sent.
type gatedPager struct {
	mu        sync.Mutex
	pages     []message.Page
	errs      []error
	calls     atomic.Int32
	resets    atomic.Int32
	release   chan struct{}
	exhausted bool
}

func newGatedPager(pages ...message.Page) *gatedPager {
	return &gatedPager{pages: pages, release: make(chan struct{}, 8)}
}

func (p *gatedPager) FetchNext(ctx context.Context) (message.Page, error) {
	p.calls.Add(1)
	select {
	case <-p.release:
	case <-ctx.Done():
		return message.Page{}, ctx.Err()
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.errs) > 0 {
		err := p.errs[0]
		p.errs = p.errs[1:]
		if err != nil {
			return message.Page{}, err
		}
	}
	if len(p.pages) == 0 {
		p.exhausted = true
		return message.EmptyPage(), nil
	}
	page := p.pages[0]
	p.pages = p.pages[1:]
	if page.NextCursor == nil {
		p.exhausted = true
	}
	return page, nil
}

func (p *gatedPager) Exhausted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exhausted
}

func (p *gatedPager) Reset() { p.resets.Add(1) }

type countingSession struct {
	refs atomic.Int32
}

func (s *countingSession) Retain(context.Context) func() {
	s.refs.Add(1)
	var once sync.Once
	return func() { once.Do(func() { s.refs.Add(-1) }) }
}

func newBuffer(t *testing.T) *buffer.Buffer {
	t.Helper()
	b := buffer.New(context.Background(), buffer.Options{SweepInterval: -1})
	t.Cleanup(b.Close)
	return b
}

func newController(t *testing.T, pager Pager, live LiveSource, opts Options) *Controller {
	t.Helper()
	opts.Topic = topic
	opts.Pager = pager
	opts.Live = live
	if opts.Layout == nil {
		opts.Layout = FixedRows(10)
	}
	if opts.ViewportHeight == 0 {
		opts.ViewportHeight = 50
	}
	c, err := NewController(opts)
	require.NoError(t, err)
	return c
}

func TestSentinelWhileInFlightIssuesNoExtraFetch(t *testing.T) {
	pager := newGatedPager(message.Page{Items: span(1, 5), NextCursor: message.CursorPtr("cur")})
	c := newController(t, pager, newBuffer(t), Options{})
	ctx := context.Background()
	c.Mount(ctx)
	defer c.Unmount()

	require.True(t, c.SentinelVisible(ctx))
	require.False(t, c.SentinelVisible(ctx))
	require.False(t, c.SentinelVisible(ctx))
	require.True(t, c.Snapshot().Loading)

	pager.release <- struct{}{}
	c.Wait()
	require.Equal(t, int32(1), pager.calls.Load())
	require.False(t, c.Snapshot().Loading)
	require.Len(t, c.Snapshot().Items, 5)
}

func TestHistoryMergeDeduplicatesAgainstLiveBuffer(t *testing.T) {
	buf := newBuffer(t)
	live := msgAt(10, "u2")
	live.Body.Text = "live copy"
	buf.Enqueue(topic, live)

	pageItems := span(6, 10)
	pager := newGatedPager(message.Page{Items: pageItems, NextCursor: message.CursorPtr("cur")})
	c := newController(t, pager, buf, Options{})
	ctx := context.Background()
	c.Mount(ctx)
	defer c.Unmount()
	require.Len(t, c.Snapshot().Items, 1)

	require.True(t, c.SentinelVisible(ctx))
	pager.release <- struct{}{}
	c.Wait()

	items := c.Snapshot().Items
	require.Equal(t, []string{"m006", "m007", "m008", "m009", "m010"}, message.IDs(items))
	require.Equal(t, "live copy", items[4].Body.Text)
}

func TestPrependKeepsTopAnchor(t *testing.T) {
	pager := newGatedPager(
		message.Page{Items: span(11, 20), NextCursor: message.CursorPtr("a")},
		message.Page{Items: span(1, 10), NextCursor: nil},
	)
	c := newController(t, pager, newBuffer(t), Options{})
	ctx := context.Background()
	c.Mount(ctx)
	defer c.Unmount()

	require.True(t, c.SentinelVisible(ctx))
	pager.release <- struct{}{}
	c.Wait()
	// First page lands scrolled to the bottom: 10 rows * 10 - 50.
	require.Equal(t, 50.0, c.Snapshot().ScrollTop)

	// Reader scrolls up; m011 now starts 7px above the viewport top.
	c.ScrollTo(7)
	require.True(t, c.SentinelVisible(ctx))
	pager.release <- struct{}{}
	c.Wait()

	snap := c.Snapshot()
	require.Len(t, snap.Items, 20)
	require.Equal(t, 107.0, snap.ScrollTop)
	require.True(t, snap.Exhausted)
	require.False(t, c.SentinelVisible(ctx))
}

func TestLiveAppendScrollsOnlyForLocalSender(t *testing.T) {
	buf := newBuffer(t)
	pager := newGatedPager(message.Page{Items: span(1, 10), NextCursor: message.CursorPtr("a")})
	c := newController(t, pager, buf, Options{LocalUserID: "me"})
	ctx := context.Background()
	c.Mount(ctx)
	defer c.Unmount()

	require.True(t, c.SentinelVisible(ctx))
	pager.release <- struct{}{}
	c.Wait()
	c.ScrollTo(0)

	buf.Enqueue(topic, msgAt(11, "u2"))
	require.Equal(t, 0.0, c.Snapshot().ScrollTop)

	buf.Enqueue(topic, msgAt(12, "me"))
	snap := c.Snapshot()
	require.Len(t, snap.Items, 12)
	require.Equal(t, 70.0, snap.ScrollTop)

	// Redelivery after a reconnect does not duplicate the row.
	buf.Enqueue(topic, msgAt(12, "me"))
	require.Len(t, c.Snapshot().Items, 12)
}

func TestLoadFailureIsRetryable(t *testing.T) {
	pager := newGatedPager(message.Page{Items: span(1, 3), NextCursor: message.CursorPtr("a")})
	pager.errs = []error{errors.New("network down"), nil}
	c := newController(t, pager, newBuffer(t), Options{})
	ctx := context.Background()
	c.Mount(ctx)
	defer c.Unmount()

	require.True(t, c.SentinelVisible(ctx))
	pager.release <- struct{}{}
	c.Wait()
	require.ErrorContains(t, c.Snapshot().LoadFailed, "network down")
	require.Empty(t, c.Snapshot().Items)

	require.True(t, c.Retry(ctx))
	pager.release <- struct{}{}
	c.Wait()
	require.NoError(t, c.Snapshot().LoadFailed)
	require.Len(t, c.Snapshot().Items, 3)
}

func TestBusyIsNotSurfacedAsFailure(t *testing.T) {
	busy := history.FetcherFunc(func(context.Context, message.TopicKey, *message.Cursor, int) (message.Page, error) {
		return message.Page{}, nil
	})
	p, err := history.NewPaginator(busy, topic)
	require.NoError(t, err)

	pager := &busyPager{Paginator: p}
	c := newController(t, pager, newBuffer(t), Options{})
	ctx := context.Background()
	c.Mount(ctx)
	defer c.Unmount()

	require.True(t, c.SentinelVisible(ctx))
	c.Wait()
	require.NoError(t, c.Snapshot().LoadFailed)
	require.False(t, c.Snapshot().Loading)
}

type busyPager struct {
	*history.Paginator
}

func (b *busyPager) FetchNext(context.Context) (message.Page, error) {
	return message.Page{}, history.ErrBusy
}

func TestUnmountDiscardsInFlightResultAndReleases(t *testing.T) {
	buf := newBuffer(t)
	session := &countingSession{}
	pager := newGatedPager(message.Page{Items: span(1, 5), NextCursor: message.CursorPtr("a")})

	changes := atomic.Int32{}
	c := newController(t, pager, buf, Options{
		Session:  session,
		OnChange: func(Snapshot) { changes.Add(1) },
	})
	ctx := context.Background()
	c.Mount(ctx)
	require.Equal(t, int32(1), session.refs.Load())
	require.Equal(t, 1, buf.Registry().Count(topic))

	require.True(t, c.SentinelVisible(ctx))
	before := changes.Load()
	c.Unmount()
	require.Equal(t, int32(0), session.refs.Load())
	require.Equal(t, 0, buf.Registry().Count(topic))

	pager.release <- struct{}{}
	c.Wait()
	buf.Enqueue(topic, msgAt(9, "u2"))

	require.Empty(t, c.Snapshot().Items)
	require.Equal(t, before, changes.Load())
	require.False(t, c.SentinelVisible(ctx))
	require.Equal(t, int32(1), pager.resets.Load())
}

func TestRemountRefetchesPageAbandonedOnUnmount(t *testing.T) {
	release := make(chan struct{}, 4)
	pages := map[string]message.Page{
		"":      {Items: span(11, 20), NextCursor: message.CursorPtr("cur-A")},
		"cur-A": {Items: span(1, 10)},
	}
	fetcher := history.FetcherFunc(func(ctx context.Context, _ message.TopicKey, cursor *message.Cursor, _ int) (message.Page, error) {
		select {
		case <-release:
		case <-ctx.Done():
			return message.Page{}, ctx.Err()
		}
		key := ""
		if cursor != nil {
			key = string(*cursor)
		}
		return pages[key], nil
	})
	p, err := history.NewPaginator(fetcher, topic)
	require.NoError(t, err)
	c := newController(t, p, newBuffer(t), Options{})
	ctx := context.Background()

	c.Mount(ctx)
	require.True(t, c.SentinelVisible(ctx))
	c.Unmount()
	release <- struct{}{}
	c.Wait()
	require.Empty(t, c.Snapshot().Items)

	c.Mount(ctx)
	defer c.Unmount()
	require.True(t, c.SentinelVisible(ctx))
	release <- struct{}{}
	c.Wait()
	require.Equal(t, message.IDs(span(11, 20)), message.IDs(c.Snapshot().Items))
	require.False(t, c.Snapshot().Exhausted)

	require.True(t, c.SentinelVisible(ctx))
	release <- struct{}{}
	c.Wait()
	snap := c.Snapshot()
	require.Equal(t, message.IDs(span(1, 20)), message.IDs(snap.Items))
	require.True(t, snap.Exhausted)
}

func TestReconcile(t *testing.T) {
	rendered := []message.Message{msgAt(5, "u"), msgAt(6, "u")}
	liveCopy := msgAt(4, "u")
	liveCopy.Body.Text = "fresh"
	page := []message.Message{msgAt(3, "u"), msgAt(4, "u"), msgAt(5, "u")}

	m := Reconcile(rendered, page, []message.Message{liveCopy})
	require.Equal(t, []string{"m003", "m004", "m005", "m006"}, message.IDs(m.Items))
	require.Equal(t, []string{"m003", "m004"}, message.IDs(m.Added))
	require.Equal(t, "fresh", m.Items[1].Body.Text)

	// The tail of the page is the live message: still exactly one copy.
	m = Reconcile(nil, []message.Message{msgAt(1, "u"), liveCopy}, []message.Message{liveCopy})
	require.Equal(t, []string{"m001", "m004"}, message.IDs(m.Items))
}

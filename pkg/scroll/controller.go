package scroll

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/chatsync/pkg/buffer"
	"github.com/go-go-golems/chatsync/pkg/history"
	"github.com/go-go-golems/chatsync/pkg/message"
)

// Pager is the part of history.Paginator the controller drives. Reset must
// keep a call pending across it from moving the cursor.
type Pager interface {
	FetchNext(ctx context.Context) (message.Page, error)
	Exhausted() bool
	Reset()
}

// LiveSource is the part of buffer.Buffer the controller reads.
type LiveSource interface {
	GetSince(topic message.TopicKey, since time.Time) []message.Message
	Subscribe(topic message.TopicKey, h buffer.Handler) *buffer.Subscription
}

// SessionRetainer keeps the push transport alive while a view is mounted.
type SessionRetainer interface {
	Retain(ctx context.Context) (release func())
}

// Layout reports the rendered height of a message row.
type Layout interface {
	Height(m message.Message) float64
}

type LayoutFunc func(m message.Message) float64

func (f LayoutFunc) Height(m message.Message) float64 { return f(m) }

// FixedRows lays every message out at the same height.
type FixedRows float64

func (h FixedRows) Height(message.Message) float64 { return float64(h) }

type Options struct {
	Topic          message.TopicKey
	Pager          Pager
	Live           LiveSource
	Session        SessionRetainer
	LocalUserID    string
	Layout         Layout
	ViewportHeight float64
	// OnChange receives a snapshot after every visible change. It must not
	// call back into the controller.
	OnChange func(Snapshot)
}

// Snapshot is what a view renders.
type Snapshot struct {
	Version    uint64
	Items      []message.Message
	ScrollTop  float64
	Loading    bool
	LoadFailed error
	Exhausted  bool
}

// Controller binds one topic view to the live buffer and to history
// backfill. A sentinel visibility event starts at most one fetch; the
// element at the top of the viewport keeps its offset when older pages are
// prepended.
type Controller struct {
	opts   Options
	logger zerolog.Logger

	emitMu      sync.Mutex
	lastEmitted uint64

	mu        sync.Mutex
	mounted   bool
	mountGen  uint64
	items     []message.Message
	scrollTop float64
	loading   bool
	loadErr   error
	version   uint64
	sub       *buffer.Subscription
	release   func()

	wg sync.WaitGroup
}

func NewController(opts Options) (*Controller, error) {
	if !opts.Topic.Valid() {
		return nil, errors.Wrapf(message.ErrInvalidTopic, "scroll controller: %q", opts.Topic)
	}
	if opts.Pager == nil {
		return nil, errors.New("scroll controller: pager is nil")
	}
	if opts.Live == nil {
		return nil, errors.New("scroll controller: live source is nil")
	}
	if opts.Layout == nil {
		opts.Layout = FixedRows(1)
	}
	return &Controller{
		opts:   opts,
		logger: log.With().Str("component", "scroll").Str("topic", opts.Topic.String()).Logger(),
	}, nil
}

// Mount subscribes to live messages, retains the transport session and
// renders whatever the buffer already holds, scrolled to the bottom.
func (c *Controller) Mount(ctx context.Context) {
	c.mu.Lock()
	if c.mounted {
		c.mu.Unlock()
		return
	}
	c.mounted = true
	c.mountGen++
	c.mu.Unlock()

	sub := c.opts.Live.Subscribe(c.opts.Topic, c.onLive)
	var release func()
	if c.opts.Session != nil {
		release = c.opts.Session.Retain(ctx)
	}

	c.mu.Lock()
	c.sub = sub
	c.release = release
	for _, m := range c.opts.Live.GetSince(c.opts.Topic, time.Time{}) {
		c.items, _ = upsertLive(c.items, m)
	}
	c.scrollToBottomLocked()
	snap := c.bumpLocked()
	c.mu.Unlock()
	c.emit(snap)
}

// Unmount drops the live subscription and the session reference. A fetch
// still in flight is left to finish but its result is discarded, and the
// pager restarts so a later mount asks for that page again.
func (c *Controller) Unmount() {
	c.mu.Lock()
	if !c.mounted {
		c.mu.Unlock()
		return
	}
	c.mounted = false
	c.mountGen++
	abandoned := c.loading
	c.loading = false
	sub, release := c.sub, c.release
	c.sub, c.release = nil, nil
	c.mu.Unlock()

	if abandoned {
		c.opts.Pager.Reset()
	}
	sub.Unsubscribe()
	if release != nil {
		release()
	}
}

// SentinelVisible handles the top sentinel entering the viewport. It
// reports whether a fetch was started.
func (c *Controller) SentinelVisible(ctx context.Context) bool {
	c.mu.Lock()
	if !c.mounted || c.loading || c.opts.Pager.Exhausted() {
		c.mu.Unlock()
		return false
	}
	c.loading = true
	c.loadErr = nil
	gen := c.mountGen
	snap := c.bumpLocked()
	c.mu.Unlock()
	c.emit(snap)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		page, err := c.opts.Pager.FetchNext(ctx)
		c.applyPage(gen, page, err)
	}()
	return true
}

// Retry re-requests the page that last failed.
func (c *Controller) Retry(ctx context.Context) bool {
	return c.SentinelVisible(ctx)
}

// Wait blocks until no fetch started by this controller is running.
func (c *Controller) Wait() {
	c.wg.Wait()
}

// ScrollTo records a user scroll.
func (c *Controller) ScrollTo(top float64) {
	c.mu.Lock()
	c.scrollTop = c.clampLocked(top)
	c.mu.Unlock()
}

func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

func (c *Controller) applyPage(gen uint64, page message.Page, err error) {
	c.mu.Lock()
	if !c.mounted || gen != c.mountGen {
		c.mu.Unlock()
		c.logger.Debug().Msg("discarding history page for unmounted view")
		return
	}
	c.loading = false
	if err != nil {
		if errors.Is(err, history.ErrBusy) {
			c.logger.Debug().Msg("history fetch already in flight")
		} else {
			c.loadErr = err
			c.logger.Warn().Err(err).Msg("history load failed")
		}
		snap := c.bumpLocked()
		c.mu.Unlock()
		c.emit(snap)
		return
	}

	wasEmpty := len(c.items) == 0
	anchorID, anchorOffset, hasAnchor := c.anchorLocked()
	merged := Reconcile(c.items, page.Items, c.opts.Live.GetSince(c.opts.Topic, time.Time{}))
	c.items = merged.Items

	switch {
	case wasEmpty:
		c.scrollToBottomLocked()
	case hasAnchor:
		if top, ok := c.topOfLocked(anchorID); ok {
			c.scrollTop = c.clampLocked(top - anchorOffset)
		}
	}
	c.logger.Debug().Int("added", len(merged.Added)).Int("rendered", len(c.items)).Msg("history page merged")
	snap := c.bumpLocked()
	c.mu.Unlock()
	c.emit(snap)
}

func (c *Controller) onLive(m message.Message) {
	c.mu.Lock()
	if !c.mounted {
		c.mu.Unlock()
		return
	}
	var grew bool
	c.items, grew = upsertLive(c.items, m)
	if grew && c.isLatestLocked(m) && c.opts.LocalUserID != "" && m.SenderID == c.opts.LocalUserID {
		c.scrollToBottomLocked()
	}
	snap := c.bumpLocked()
	c.mu.Unlock()
	c.emit(snap)
}

func (c *Controller) isLatestLocked(m message.Message) bool {
	return len(c.items) > 0 && c.items[len(c.items)-1].ID == m.ID
}

// anchorLocked finds the first row intersecting the viewport top and its
// offset from the top edge.
func (c *Controller) anchorLocked() (string, float64, bool) {
	y := 0.0
	for _, m := range c.items {
		h := c.opts.Layout.Height(m)
		if y+h > c.scrollTop {
			return m.ID, y - c.scrollTop, true
		}
		y += h
	}
	return "", 0, false
}

func (c *Controller) topOfLocked(id string) (float64, bool) {
	y := 0.0
	for _, m := range c.items {
		if m.ID == id {
			return y, true
		}
		y += c.opts.Layout.Height(m)
	}
	return 0, false
}

func (c *Controller) contentHeightLocked() float64 {
	total := 0.0
	for _, m := range c.items {
		total += c.opts.Layout.Height(m)
	}
	return total
}

func (c *Controller) maxScrollLocked() float64 {
	limit := c.contentHeightLocked() - c.opts.ViewportHeight
	if limit < 0 {
		return 0
	}
	return limit
}

func (c *Controller) clampLocked(top float64) float64 {
	if top < 0 {
		return 0
	}
	if limit := c.maxScrollLocked(); top > limit {
		return limit
	}
	return top
}

func (c *Controller) scrollToBottomLocked() {
	c.scrollTop = c.maxScrollLocked()
}

func (c *Controller) bumpLocked() Snapshot {
	c.version++
	return c.snapshotLocked()
}

func (c *Controller) snapshotLocked() Snapshot {
	return Snapshot{
		Version:    c.version,
		Items:      append([]message.Message(nil), c.items...),
		ScrollTop:  c.scrollTop,
		Loading:    c.loading,
		LoadFailed: c.loadErr,
		Exhausted:  c.opts.Pager.Exhausted(),
	}
}

func (c *Controller) emit(snap Snapshot) {
	if c.opts.OnChange == nil {
		return
	}
	c.emitMu.Lock()
	defer c.emitMu.Unlock()
	if snap.Version <= c.lastEmitted {
		return
	}
	c.lastEmitted = snap.Version
	c.opts.OnChange(snap)
}

package transport

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/chatsync/pkg/message"
)

const (
	DefaultBackoffMin = 1 * time.Second
	DefaultBackoffMax = 5 * time.Second
	DefaultStaleAfter = 45 * time.Second

	// resumeSlack widens the replay window past the last health frame so a
	// message buffered just before it is not skipped.
	resumeSlack = 2 * time.Second
)

var errStale = errors.New("no heartbeat within stale threshold")

type Options struct {
	Dialer     Dialer
	BackoffMin time.Duration
	BackoffMax time.Duration
	// StaleAfter forces a reconnect when no frame arrived for this long.
	StaleAfter time.Duration
	// OnStateChange runs synchronously on every transition. It must not call
	// Start, Stop, Retain or release funcs.
	OnStateChange func(from, to State)
	// OnDecodeError receives frames that were dropped as malformed.
	OnDecodeError func(raw []byte, err error)
	Logger        *zerolog.Logger
}

// Session owns one logical push connection. It decodes frames into messages,
// reconnects with backoff and treats a missing heartbeat as a dead link.
type Session struct {
	opts   Options
	logger zerolog.Logger

	// notifyMu keeps state callbacks in transition order.
	notifyMu sync.Mutex
	// retainMu makes a refcount change and the Start or Stop it implies one
	// step.
	retainMu sync.Mutex

	mu         sync.Mutex
	state      State
	run        *sessionRun
	handlers   []func(message.Message)
	refs       int
	serverTime time.Time
}

type sessionRun struct {
	cancel context.CancelFunc
	done   chan struct{}
	conn   Conn
}

func NewSession(opts Options) (*Session, error) {
	if opts.Dialer == nil {
		return nil, errors.New("transport session: dialer is nil")
	}
	if opts.BackoffMin <= 0 {
		opts.BackoffMin = DefaultBackoffMin
	}
	if opts.BackoffMax <= 0 {
		opts.BackoffMax = DefaultBackoffMax
	}
	if opts.BackoffMax < opts.BackoffMin {
		opts.BackoffMax = opts.BackoffMin
	}
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = DefaultStaleAfter
	}
	logger := log.With().Str("component", "transport").Logger()
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	return &Session{
		opts:   opts,
		logger: logger,
		state:  StateClosed,
	}, nil
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// OnMessage registers h for every decoded inbound message. Handlers run on
// the session goroutine in arrival order.
func (s *Session) OnMessage(h func(message.Message)) {
	if h == nil {
		return
	}
	s.mu.Lock()
	s.handlers = append(s.handlers, h)
	s.mu.Unlock()
}

// Start begins connecting. It is a no-op while the session is active.
func (s *Session) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()

	s.mu.Lock()
	if s.state.Active() {
		s.mu.Unlock()
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	run := &sessionRun{cancel: cancel, done: make(chan struct{})}
	s.run = run
	from := s.state
	s.state = StateConnecting
	s.mu.Unlock()

	s.emit(from, StateConnecting)
	go s.loop(runCtx, run)
}

// Stop moves to closed, releases the connection and cancels any pending
// reconnect. Closed is terminal until Start is called again.
func (s *Session) Stop() {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()

	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	run := s.run
	s.run = nil
	from := s.state
	s.state = StateClosed
	var conn Conn
	if run != nil {
		run.cancel()
		conn = run.conn
		run.conn = nil
	}
	s.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	s.emit(from, StateClosed)
}

// Wait blocks until the current run loop has exited or ctx is done.
func (s *Session) Wait(ctx context.Context) error {
	s.mu.Lock()
	run := s.run
	s.mu.Unlock()
	if run == nil {
		return nil
	}
	select {
	case <-run.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Retain keeps the session running for as long as the returned release func
// has not been called. The first retain starts the session and the last
// release stops it.
func (s *Session) Retain(ctx context.Context) (release func()) {
	s.retainMu.Lock()
	s.mu.Lock()
	s.refs++
	first := s.refs == 1
	s.mu.Unlock()
	if first {
		s.Start(ctx)
	}
	s.retainMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.retainMu.Lock()
			defer s.retainMu.Unlock()
			s.mu.Lock()
			s.refs--
			last := s.refs == 0
			s.mu.Unlock()
			if last {
				s.Stop()
			}
		})
	}
}

func (s *Session) Refs() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refs
}

// ResumePoint is the server time a re-dial asks the server to replay from.
// It is zero until a health frame carrying a server time has arrived.
func (s *Session) ResumePoint() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.serverTime.IsZero() {
		return time.Time{}
	}
	return s.serverTime.Add(-resumeSlack)
}

func (s *Session) dial(ctx context.Context) (Conn, error) {
	if rd, ok := s.opts.Dialer.(ResumingDialer); ok {
		if since := s.ResumePoint(); !since.IsZero() {
			return rd.DialSince(ctx, since)
		}
	}
	return s.opts.Dialer.Dial(ctx)
}

// transition applies a state change requested by run. Requests from a run
// that is no longer current are dropped.
func (s *Session) transition(run *sessionRun, to State) bool {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()

	s.mu.Lock()
	if s.run != run || s.state == to {
		current := s.run == run
		s.mu.Unlock()
		return current
	}
	from := s.state
	s.state = to
	s.mu.Unlock()

	s.emit(from, to)
	return true
}

func (s *Session) emit(from, to State) {
	s.logger.Info().Str("from", from.String()).Str("state", to.String()).Msg("transport state change")
	if s.opts.OnStateChange != nil {
		s.opts.OnStateChange(from, to)
	}
}

func (s *Session) newBackoff() backoff.BackOff {
	bo := &backoff.ExponentialBackOff{
		InitialInterval:     s.opts.BackoffMin,
		RandomizationFactor: 0.2,
		Multiplier:          2,
		MaxInterval:         s.opts.BackoffMax,
		MaxElapsedTime:      0,
		Stop:                backoff.Stop,
		Clock:               backoff.SystemClock,
	}
	bo.Reset()
	return bo
}

func (s *Session) nextDelay(bo backoff.BackOff) time.Duration {
	d := bo.NextBackOff()
	if d < s.opts.BackoffMin {
		d = s.opts.BackoffMin
	}
	if d > s.opts.BackoffMax {
		d = s.opts.BackoffMax
	}
	return d
}

func (s *Session) loop(ctx context.Context, run *sessionRun) {
	defer close(run.done)
	bo := s.newBackoff()
	attempt := 0

	for {
		attempt++
		conn, err := s.dial(ctx)
		if ctx.Err() != nil {
			if conn != nil {
				_ = conn.Close()
			}
			return
		}
		if err != nil {
			s.logger.Warn().Err(err).Int("attempt", attempt).Msg("transport dial failed")
		} else {
			if !s.attach(run, conn) {
				_ = conn.Close()
				return
			}
			bo.Reset()
			attempt = 0
			err = s.readLoop(ctx, conn)
			s.detach(run)
			_ = conn.Close()
			if ctx.Err() != nil {
				return
			}
			s.logger.Warn().Err(err).Msg("transport connection lost")
		}

		if !s.transition(run, StateReconnecting) {
			return
		}
		delay := s.nextDelay(bo)
		s.logger.Debug().Dur("delay", delay).Int("attempt", attempt).Msg("transport reconnect scheduled")
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

func (s *Session) attach(run *sessionRun, conn Conn) bool {
	s.mu.Lock()
	if s.run != run {
		s.mu.Unlock()
		return false
	}
	run.conn = conn
	s.mu.Unlock()
	return s.transition(run, StateOpen)
}

func (s *Session) detach(run *sessionRun) {
	s.mu.Lock()
	run.conn = nil
	s.mu.Unlock()
}

type readResult struct {
	raw []byte
	err error
}

// readLoop pumps frames until the connection fails, goes stale or ctx ends.
func (s *Session) readLoop(ctx context.Context, conn Conn) error {
	readCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make(chan readResult)
	go func() {
		for {
			raw, err := conn.ReadFrame(readCtx)
			select {
			case results <- readResult{raw: raw, err: err}:
			case <-readCtx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()

	stale := time.NewTimer(s.opts.StaleAfter)
	defer stale.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stale.C:
			return errStale
		case res := <-results:
			if res.err != nil {
				return res.err
			}
			if !stale.Stop() {
				select {
				case <-stale.C:
				default:
				}
			}
			stale.Reset(s.opts.StaleAfter)
			s.handleFrame(ctx, res.raw)
		}
	}
}

func (s *Session) handleFrame(ctx context.Context, raw []byte) {
	frame, err := message.DecodeFrame(raw)
	if err == nil && frame.Type == message.FrameHealth {
		s.noteServerTime(frame)
		return
	}
	var msg message.Message
	if err == nil {
		msg, err = frame.Message()
	}
	if err != nil {
		s.logger.Warn().Err(err).Int("bytes", len(raw)).Msg("dropping malformed frame")
		if s.opts.OnDecodeError != nil {
			s.opts.OnDecodeError(raw, err)
		}
		return
	}
	if ctx.Err() != nil {
		return
	}

	s.mu.Lock()
	handlers := append([]func(message.Message){}, s.handlers...)
	s.mu.Unlock()
	for _, h := range handlers {
		h(msg)
	}
}

func (s *Session) noteServerTime(frame message.Frame) {
	if len(frame.Payload) == 0 {
		return
	}
	var hp message.HealthPayload
	if err := json.Unmarshal(frame.Payload, &hp); err != nil || hp.ServerTimeMs <= 0 {
		return
	}
	t := time.UnixMilli(hp.ServerTimeMs)
	s.mu.Lock()
	if t.After(s.serverTime) {
		s.serverTime = t
	}
	s.mu.Unlock()
}

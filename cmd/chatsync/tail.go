package main

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/chatsync/pkg/buffer"
	"github.com/go-go-golems/chatsync/pkg/config"
	"github.com/go-go-golems/chatsync/pkg/history"
	"github.com/go-go-golems/chatsync/pkg/message"
	"github.com/go-go-golems/chatsync/pkg/redisstream"
	"github.com/go-go-golems/chatsync/pkg/scroll"
	"github.com/go-go-golems/chatsync/pkg/server"
	"github.com/go-go-golems/chatsync/pkg/transport"
)

type topicFlags struct {
	channel      string
	conversation string
}

func (f *topicFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.channel, "channel", "", "Channel id")
	cmd.Flags().StringVar(&f.conversation, "conversation", "", "Direct conversation id")
}

func (f *topicFlags) topic() (message.TopicKey, error) {
	return message.NewTopicKey(f.channel, f.conversation)
}

type tailFlags struct {
	topicFlags
	user       string
	url        string
	historyURL string
	pages      int
	viaBus     bool
}

func newTailCommand(root *rootFlags) *cobra.Command {
	flags := &tailFlags{}
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Print a topic's recent history and follow live messages",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd, root)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("url") {
				cfg.Transport.URL = flags.url
			}
			if cmd.Flags().Changed("history-url") {
				cfg.History.BaseURL = flags.historyURL
			}
			topic, err := flags.topic()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runTail(ctx, cfg, tailOptions{
				topic:  topic,
				user:   flags.user,
				pages:  flags.pages,
				viaBus: flags.viaBus,
				out:    cmd.OutOrStdout(),
			})
		},
	}
	flags.register(cmd)
	cmd.Flags().StringVar(&flags.user, "user", "", "Local user id; own messages scroll the view to the bottom")
	cmd.Flags().StringVar(&flags.url, "url", "", "Websocket push endpoint")
	cmd.Flags().StringVar(&flags.historyURL, "history-url", "", "History endpoint")
	cmd.Flags().IntVar(&flags.pages, "pages", 1, "History pages to load before following")
	cmd.Flags().BoolVar(&flags.viaBus, "bus", false, "Follow the Redis stream directly instead of the websocket endpoint")
	return cmd
}

type tailOptions struct {
	topic  message.TopicKey
	user   string
	pages  int
	viaBus bool
	out    io.Writer
}

func runTail(ctx context.Context, cfg *config.Config, o tailOptions) error {
	buf := buffer.New(ctx, buffer.Options{
		MaxSize:       cfg.Buffer.MaxSize,
		MaxAge:        cfg.Buffer.MaxAge,
		SweepInterval: cfg.Buffer.SweepInterval,
	})
	defer buf.Close()

	dialer, cleanup, err := tailDialer(cfg, o)
	if err != nil {
		return err
	}
	defer cleanup()

	session, err := transport.NewSession(transport.Options{
		Dialer:     dialer,
		BackoffMin: cfg.Transport.BackoffMin,
		BackoffMax: cfg.Transport.BackoffMax,
		StaleAfter: cfg.Transport.StaleAfter,
		OnStateChange: func(_, to transport.State) {
			_, _ = fmt.Fprintf(o.out, "-- %s\n", to)
		},
	})
	if err != nil {
		return err
	}
	transport.Bind(session, buf)

	pager, err := history.NewPaginator(history.NewHTTPFetcher(cfg.History.BaseURL), o.topic,
		history.WithPageSize(cfg.History.PageSize))
	if err != nil {
		return err
	}

	p := newPrinter(o.out)
	ctrl, err := scroll.NewController(scroll.Options{
		Topic:          o.topic,
		Pager:          pager,
		Live:           buf,
		Session:        session,
		LocalUserID:    o.user,
		Layout:         scroll.LayoutFunc(messageRows),
		ViewportHeight: 40,
		OnChange:       p.onChange,
	})
	if err != nil {
		return err
	}

	ctrl.Mount(ctx)
	defer ctrl.Unmount()

	for i := 0; i < o.pages; i++ {
		if !ctrl.SentinelVisible(ctx) {
			break
		}
		ctrl.Wait()
		if snap := ctrl.Snapshot(); snap.LoadFailed != nil {
			log.Warn().Err(snap.LoadFailed).Msg("history load failed")
			break
		}
	}
	p.follow(ctrl.Snapshot())

	<-ctx.Done()
	return nil
}

// tailDialer picks the websocket endpoint, or the Redis stream when --bus is
// set. The stream is read through a private consumer group so this tail sees
// every message.
func tailDialer(cfg *config.Config, o tailOptions) (transport.Dialer, func(), error) {
	if !o.viaBus {
		u, err := topicURL(cfg.Transport.URL, o.topic)
		if err != nil {
			return nil, nil, err
		}
		return &transport.WebSocketDialer{URL: u}, func() {}, nil
	}
	if !cfg.Redis.Enabled {
		return nil, nil, errors.New("--bus requires redis.enabled")
	}
	settings := cfg.Redis
	settings.Group = cfg.Redis.Group + "-tail-" + uuid.NewString()
	settings.Consumer = "tail"
	bus, err := redisstream.BuildBus(settings)
	if err != nil {
		return nil, nil, err
	}
	cleanup := func() { _ = bus.Close() }
	return &transport.WatermillDialer{Subscriber: bus.Subscriber, Topic: server.BusTopic(o.topic)}, cleanup, nil
}

// topicURL adds the topic query parameter to the push endpoint.
func topicURL(base string, topic message.TopicKey) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", errors.Wrap(err, "parse transport url")
	}
	name, value, err := topic.QueryParam()
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set(name, value)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// printer writes the backfilled list once, then every message that arrives
// after it.
type printer struct {
	mu        sync.Mutex
	out       io.Writer
	following bool
	printed   map[string]struct{}
}

func newPrinter(out io.Writer) *printer {
	return &printer{out: out, printed: map[string]struct{}{}}
}

func (p *printer) follow(snap scroll.Snapshot) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.following = true
	p.printLocked(snap.Items)
}

func (p *printer) onChange(snap scroll.Snapshot) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.following {
		return
	}
	p.printLocked(snap.Items)
}

func (p *printer) printLocked(items []message.Message) {
	for _, m := range items {
		if _, ok := p.printed[m.ID]; ok {
			continue
		}
		p.printed[m.ID] = struct{}{}
		_, _ = fmt.Fprintln(p.out, formatMessage(m))
	}
}

func formatMessage(m message.Message) string {
	text := strings.TrimSpace(m.Body.Text)
	if text == "" && len(m.Body.Doc) > 0 {
		text = "[rich content]"
	}
	line := fmt.Sprintf("%s  %-12s %s", m.CreatedAt.Local().Format(time.TimeOnly), m.SenderID, text)
	for _, a := range m.Attachments {
		line += fmt.Sprintf("\n%24s [%s %s]", "", a.Filename, a.MimeType)
	}
	return line
}

// messageRows is the number of terminal lines formatMessage prints for m.
func messageRows(m message.Message) float64 {
	return float64(1 + strings.Count(formatMessage(m), "\n"))
}

package history

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/go-go-golems/chatsync/pkg/message"
)

// HTTPFetcher reads pages from the history endpoint:
//
//	GET <BaseURL>?cursor=<c>&channelId=<id>|conversationId=<id>&limit=<n>
type HTTPFetcher struct {
	BaseURL string
	Client  *http.Client
	Header  http.Header
}

func NewHTTPFetcher(baseURL string) *HTTPFetcher {
	return &HTTPFetcher{
		BaseURL: baseURL,
		Client:  &http.Client{Timeout: 15 * time.Second},
	}
}

func (f *HTTPFetcher) FetchPage(ctx context.Context, topic message.TopicKey, cursor *message.Cursor, limit int) (message.Page, error) {
	u, err := url.Parse(f.BaseURL)
	if err != nil {
		return message.Page{}, errors.Wrap(err, "parse history base url")
	}
	name, value, err := topic.QueryParam()
	if err != nil {
		return message.Page{}, err
	}
	q := u.Query()
	q.Set(name, value)
	if cursor != nil {
		q.Set("cursor", string(*cursor))
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return message.Page{}, errors.Wrap(err, "build history request")
	}
	for k, vs := range f.Header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Accept", "application/json")

	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return message.Page{}, errors.Wrap(err, "history request")
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return message.Page{}, errors.Errorf("history request: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var page message.Page
	dec := json.NewDecoder(resp.Body)
	if err := dec.Decode(&page); err != nil {
		return message.Page{}, errors.Wrapf(ErrMalformedPage, "decode: %v", err)
	}
	if page.Items == nil {
		page.Items = []message.Message{}
	}
	return page, nil
}

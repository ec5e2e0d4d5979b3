package scroll

import (
	"github.com/go-go-golems/chatsync/pkg/message"
)

// Merge is the outcome of folding a history page into the rendered list.
type Merge struct {
	// Items is the new rendered list, ascending and unique by id.
	Items []message.Message
	// Added holds the page items that were not rendered before.
	Added []message.Message
}

// Reconcile unions the rendered list, a history page and the live buffer
// tail by message id. When an id is known from the live buffer, its copy is
// used; otherwise the rendered copy beats the page copy.
func Reconcile(rendered, page, live []message.Message) Merge {
	liveByID := make(map[string]message.Message, len(live))
	for _, m := range live {
		liveByID[m.ID] = m
	}
	pick := func(m message.Message) message.Message {
		if l, ok := liveByID[m.ID]; ok {
			return l
		}
		return m
	}

	seen := make(map[string]struct{}, len(rendered)+len(page))
	items := make([]message.Message, 0, len(rendered)+len(page))
	for _, m := range rendered {
		if _, ok := seen[m.ID]; ok {
			continue
		}
		seen[m.ID] = struct{}{}
		items = append(items, pick(m))
	}

	added := make([]message.Message, 0, len(page))
	for _, m := range page {
		if _, ok := seen[m.ID]; ok {
			continue
		}
		seen[m.ID] = struct{}{}
		m = pick(m)
		items = append(items, m)
		added = append(added, m)
	}

	message.SortAscending(items)
	message.SortAscending(added)
	return Merge{Items: items, Added: added}
}

// upsertLive places a live message into an ascending list, replacing a
// rendered copy with the same id. It reports whether the list grew.
func upsertLive(items []message.Message, m message.Message) ([]message.Message, bool) {
	for i := range items {
		if items[i].ID == m.ID {
			items[i] = m
			return items, false
		}
	}
	pos := len(items)
	for pos > 0 && message.Less(m, items[pos-1]) {
		pos--
	}
	items = append(items, message.Message{})
	copy(items[pos+1:], items[pos:])
	items[pos] = m
	return items, true
}

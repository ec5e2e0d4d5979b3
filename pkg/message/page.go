package message

// Cursor is an opaque "older than" token handed out by the history endpoint.
type Cursor string

// Page is one backward history slice. Items are ascending by CreatedAt. A nil
// NextCursor means there is no older history.
type Page struct {
	Items      []Message `json:"items"`
	NextCursor *Cursor   `json:"nextCursor"`
}

func CursorPtr(c Cursor) *Cursor {
	return &c
}

func (p Page) Exhausted() bool {
	return p.NextCursor == nil
}

// EmptyPage is what an exhausted sequence keeps returning.
func EmptyPage() Page {
	return Page{Items: []Message{}}
}

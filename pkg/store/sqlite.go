package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	sqlite3 "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"

	"github.com/go-go-golems/chatsync/pkg/message"
)

type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

var _ MessageStore = &SQLiteStore{}

func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	if dsn == "" {
		return nil, errors.New("sqlite message store: empty dsn")
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}
	s := &SQLiteStore{db: db, now: time.Now}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// SQLiteDSNForFile returns a DSN with WAL and a busy timeout enabled.
func SQLiteDSNForFile(path string) (string, error) {
	if path == "" {
		return "", errors.New("sqlite message store: empty path")
	}
	return fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on", path), nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS messages (
		  id TEXT PRIMARY KEY,
		  topic_key TEXT NOT NULL,
		  sender_id TEXT NOT NULL,
		  created_at_ns INTEGER NOT NULL,
		  updated_at_ms INTEGER NOT NULL,
		  body_json TEXT NOT NULL,
		  attachments_json TEXT NOT NULL DEFAULT '[]'
		);`,
		`CREATE INDEX IF NOT EXISTS messages_by_topic_created
		  ON messages(topic_key, created_at_ns, id);`,
	}
	for _, st := range stmts {
		if _, err := s.db.Exec(st); err != nil {
			return errors.Wrap(err, "sqlite message store: migrate")
		}
	}
	return nil
}

func (s *SQLiteStore) Create(ctx context.Context, m message.Message) (message.Message, error) {
	if s == nil || s.db == nil {
		return message.Message{}, errors.New("sqlite message store: db is nil")
	}
	m, err := prepareCreate(m, s.now())
	if err != nil {
		return message.Message{}, err
	}
	body, attachments, err := encodeColumns(m.Body, m.Attachments)
	if err != nil {
		return message.Message{}, err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO messages (id, topic_key, sender_id, created_at_ns, updated_at_ms, body_json, attachments_json)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, m.ID, string(m.TopicKey), m.SenderID, m.CreatedAt.UnixNano(), s.now().UnixMilli(), body, attachments)
	if err != nil {
		var se sqlite3.Error
		if errors.As(err, &se) && se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey {
			return message.Message{}, errors.Wrapf(ErrDuplicate, "create %s", m.ID)
		}
		return message.Message{}, errors.Wrap(err, "sqlite message store: insert")
	}
	return m, nil
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (message.Message, error) {
	if s == nil || s.db == nil {
		return message.Message{}, errors.New("sqlite message store: db is nil")
	}
	row := s.db.QueryRowContext(ctx, `
		SELECT id, topic_key, sender_id, created_at_ns, body_json, attachments_json
		FROM messages WHERE id = ?
	`, id)
	m, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return message.Message{}, errors.Wrapf(ErrNotFound, "get %s", id)
	}
	return m, err
}

func (s *SQLiteStore) Find(ctx context.Context, q FindQuery) (message.Page, error) {
	if s == nil || s.db == nil {
		return message.Page{}, errors.New("sqlite message store: db is nil")
	}
	if err := validateQuery(q); err != nil {
		return message.Page{}, err
	}
	limit := normalizeLimit(q.Limit)

	query := `
		SELECT id, topic_key, sender_id, created_at_ns, body_json, attachments_json
		FROM messages
		WHERE topic_key = ?
	`
	args := []any{string(q.Topic)}
	if q.Cursor != nil {
		pos, err := decodeCursor(*q.Cursor)
		if err != nil {
			return message.Page{}, err
		}
		ns := pos.createdAt.UnixNano()
		query += ` AND (created_at_ns < ? OR (created_at_ns = ? AND id < ?))`
		args = append(args, ns, ns, pos.id)
	}
	query += ` ORDER BY created_at_ns DESC, id DESC LIMIT ?`
	args = append(args, limit+1)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return message.Page{}, errors.Wrap(err, "sqlite message store: find")
	}
	defer func() { _ = rows.Close() }()

	desc := make([]message.Message, 0, limit+1)
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return message.Page{}, err
		}
		desc = append(desc, m)
	}
	if err := rows.Err(); err != nil {
		return message.Page{}, errors.Wrap(err, "sqlite message store: find rows")
	}
	return buildPage(desc, limit), nil
}

func (s *SQLiteStore) Update(ctx context.Context, id string, u Update) (message.Message, error) {
	if s == nil || s.db == nil {
		return message.Message{}, errors.New("sqlite message store: db is nil")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return message.Message{}, errors.Wrap(err, "sqlite message store: begin")
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `
		SELECT id, topic_key, sender_id, created_at_ns, body_json, attachments_json
		FROM messages WHERE id = ?
	`, id)
	m, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return message.Message{}, errors.Wrapf(ErrNotFound, "update %s", id)
	}
	if err != nil {
		return message.Message{}, err
	}
	if u.Body != nil {
		m.Body = *u.Body
	}
	if u.Attachments != nil {
		m.Attachments = u.Attachments
	}
	body, attachments, err := encodeColumns(m.Body, m.Attachments)
	if err != nil {
		return message.Message{}, err
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE messages SET body_json = ?, attachments_json = ?, updated_at_ms = ? WHERE id = ?
	`, body, attachments, s.now().UnixMilli(), id); err != nil {
		return message.Message{}, errors.Wrap(err, "sqlite message store: update")
	}
	if err := tx.Commit(); err != nil {
		return message.Message{}, errors.Wrap(err, "sqlite message store: commit")
	}
	return m, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(r rowScanner) (message.Message, error) {
	var (
		m           message.Message
		topic       string
		createdAtNs int64
		body        string
		attachments string
	)
	if err := r.Scan(&m.ID, &topic, &m.SenderID, &createdAtNs, &body, &attachments); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return message.Message{}, err
		}
		return message.Message{}, errors.Wrap(err, "sqlite message store: scan")
	}
	m.TopicKey = message.TopicKey(topic)
	m.CreatedAt = time.Unix(0, createdAtNs).UTC()
	if err := json.Unmarshal([]byte(body), &m.Body); err != nil {
		return message.Message{}, errors.Wrapf(err, "sqlite message store: decode body of %s", m.ID)
	}
	if strings.TrimSpace(attachments) != "" {
		if err := json.Unmarshal([]byte(attachments), &m.Attachments); err != nil {
			return message.Message{}, errors.Wrapf(err, "sqlite message store: decode attachments of %s", m.ID)
		}
	}
	if len(m.Attachments) == 0 {
		m.Attachments = nil
	}
	return m, nil
}

func encodeColumns(body message.RichContent, attachments []message.Attachment) (string, string, error) {
	b, err := json.Marshal(body)
	if err != nil {
		return "", "", errors.Wrap(err, "encode body")
	}
	if attachments == nil {
		attachments = []message.Attachment{}
	}
	a, err := json.Marshal(attachments)
	if err != nil {
		return "", "", errors.Wrap(err, "encode attachments")
	}
	return string(b), string(a), nil
}

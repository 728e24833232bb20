package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	logx "gatebot/pkg/logx"
)

//go:embed schema.sql
var schemaSQL string

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	// Basic pragmas.
	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if _, err := db.ExecContext(context.Background(), schemaSQL); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) PutVerification(ctx context.Context, r VerificationRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO verifications(user_id, chat_id, chat_name, first_name, last_name, username, code, issued_at, attempts)
		 VALUES(?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(user_id) DO UPDATE SET
		   chat_id=excluded.chat_id, chat_name=excluded.chat_name,
		   first_name=excluded.first_name, last_name=excluded.last_name, username=excluded.username,
		   code=excluded.code, issued_at=excluded.issued_at, attempts=excluded.attempts`,
		r.UserID, r.ChatID, r.ChatName, r.FirstName, r.LastName, r.Username,
		r.Code, r.IssuedAt.Format(time.RFC3339Nano), r.Attempts,
	)
	return err
}

func (s *sqliteStore) DeleteVerification(ctx context.Context, userID int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM verifications WHERE user_id = ?`, userID)
	return err
}

func (s *sqliteStore) ListVerifications(ctx context.Context) ([]VerificationRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id, chat_id, chat_name, first_name, last_name, username, code, issued_at, attempts
		 FROM verifications ORDER BY issued_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []VerificationRecord
	for rows.Next() {
		var r VerificationRecord
		var issued string
		if err := rows.Scan(&r.UserID, &r.ChatID, &r.ChatName, &r.FirstName, &r.LastName, &r.Username,
			&r.Code, &issued, &r.Attempts); err != nil {
			return nil, err
		}
		r.IssuedAt, _ = time.Parse(time.RFC3339Nano, issued)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *sqliteStore) PutBlock(ctx context.Context, userID int64) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO blocks(user_id, blocked_at) VALUES(?,?)
		 ON CONFLICT(user_id) DO NOTHING`,
		userID, time.Now().Format(time.RFC3339Nano),
	)
	return err
}

func (s *sqliteStore) DeleteBlock(ctx context.Context, userID int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM blocks WHERE user_id = ?`, userID)
	return err
}

func (s *sqliteStore) ListBlocks(ctx context.Context) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT user_id FROM blocks ORDER BY user_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (s *sqliteStore) PutVerifiedChat(ctx context.Context, r VerifiedChatRecord) error {
	at := r.At
	if at.IsZero() {
		at = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO verified_chats(user_id, chat_id, verified_at) VALUES(?,?,?)
		 ON CONFLICT(user_id, chat_id) DO NOTHING`,
		r.UserID, r.ChatID, at.Format(time.RFC3339Nano),
	)
	return err
}

func (s *sqliteStore) ListVerifiedChats(ctx context.Context) ([]VerifiedChatRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id, chat_id, verified_at FROM verified_chats ORDER BY user_id, chat_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []VerifiedChatRecord
	for rows.Next() {
		var r VerifiedChatRecord
		var at string
		if err := rows.Scan(&r.UserID, &r.ChatID, &at); err != nil {
			return nil, err
		}
		r.At, _ = time.Parse(time.RFC3339Nano, at)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *sqliteStore) PutChannel(ctx context.Context, r ChannelRecord) error {
	added := r.AddedAt
	if added.IsZero() {
		added = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO channels(chat_id, title, username, bulk_approve, autopost_every_ms, added_at)
		 VALUES(?,?,?,?,?,?)
		 ON CONFLICT(chat_id) DO UPDATE SET
		   title=excluded.title, username=excluded.username,
		   bulk_approve=excluded.bulk_approve, autopost_every_ms=excluded.autopost_every_ms`,
		r.ChatID, r.Title, nullStr(r.Username), boolInt(r.BulkApprove),
		r.AutopostEvery.Milliseconds(), added.Format(time.RFC3339Nano),
	)
	return err
}

func (s *sqliteStore) DeleteChannel(ctx context.Context, chatID int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM channels WHERE chat_id = ?`, chatID)
	return err
}

func (s *sqliteStore) ListChannels(ctx context.Context) ([]ChannelRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT chat_id, title, COALESCE(username, ''), bulk_approve, autopost_every_ms, added_at
		 FROM channels ORDER BY chat_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ChannelRecord
	for rows.Next() {
		var r ChannelRecord
		var bulk int
		var everyMS int64
		var added string
		if err := rows.Scan(&r.ChatID, &r.Title, &r.Username, &bulk, &everyMS, &added); err != nil {
			return nil, err
		}
		r.BulkApprove = bulk != 0
		r.AutopostEvery = time.Duration(everyMS) * time.Millisecond
		r.AddedAt, _ = time.Parse(time.RFC3339Nano, added)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *sqliteStore) AppendPost(ctx context.Context, r PostRecord) (int64, error) {
	added := r.AddedAt
	if added.IsZero() {
		added = time.Now()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO posts(text, photo_file_id, caption, added_at) VALUES(?,?,?,?)`,
		nullStr(r.Text), nullStr(r.PhotoFileID), nullStr(r.Caption), added.Format(time.RFC3339Nano),
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (s *sqliteStore) DeletePost(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM posts WHERE id = ?`, id)
	return err
}

func (s *sqliteStore) ListPosts(ctx context.Context) ([]PostRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, COALESCE(text,''), COALESCE(photo_file_id,''), COALESCE(caption,''), added_at
		 FROM posts ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []PostRecord
	for rows.Next() {
		var r PostRecord
		var added string
		if err := rows.Scan(&r.ID, &r.Text, &r.PhotoFileID, &r.Caption, &added); err != nil {
			return nil, err
		}
		r.AddedAt, _ = time.Parse(time.RFC3339Nano, added)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *sqliteStore) PutCursor(ctx context.Context, key string, v int64) error {
	if strings.TrimSpace(key) == "" {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO cursors(key, value) VALUES(?,?)
		 ON CONFLICT(key) DO UPDATE SET value=excluded.value`,
		key, v,
	)
	return err
}

func (s *sqliteStore) GetCursor(ctx context.Context, key string) (int64, bool, error) {
	var v int64
	err := s.db.QueryRowContext(ctx, `SELECT value FROM cursors WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return v, true, nil
}

func (s *sqliteStore) AppendActivity(ctx context.Context, r ActivityRecord) error {
	if r.At.IsZero() {
		r.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO activity(at, user_id, username, first_name, last_name, chat_id, action) VALUES(?,?,?,?,?,?,?)`,
		r.At.Format(time.RFC3339Nano), r.UserID, r.Username, r.FirstName, r.LastName, r.ChatID, r.Action,
	)
	return err
}

func (s *sqliteStore) ListActivity(ctx context.Context, chatID int64, since time.Time) ([]ActivityRecord, error) {
	q := `SELECT at, user_id, username, first_name, last_name, chat_id, action FROM activity`
	var args []any
	var conds []string
	if chatID != 0 {
		conds = append(conds, "chat_id = ?")
		args = append(args, chatID)
	}
	if !since.IsZero() {
		conds = append(conds, "at >= ?")
		args = append(args, since.Format(time.RFC3339Nano))
	}
	if len(conds) > 0 {
		q += " WHERE " + strings.Join(conds, " AND ")
	}
	q += " ORDER BY at"

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ActivityRecord
	for rows.Next() {
		var r ActivityRecord
		var at string
		if err := rows.Scan(&at, &r.UserID, &r.Username, &r.FirstName, &r.LastName, &r.ChatID, &r.Action); err != nil {
			return nil, err
		}
		r.At, _ = time.Parse(time.RFC3339Nano, at)
		out = append(out, r)
	}
	return out, rows.Err()
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func boolInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

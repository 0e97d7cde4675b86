package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a record id does not exist.
var ErrNotFound = errors.New("store: record not found")

// Record is one logged message. The id is assigned by the store and is
// strictly increasing with no gaps, which is what lets clients page with
// an offset cursor.
type Record struct {
	ID        int64     `json:"id"`
	RemoteID  string    `json:"remote_id,omitempty"`
	Kind      string    `json:"kind"`
	Text      string    `json:"text,omitempty"`
	FileName  string    `json:"file_name,omitempty"`
	FilePath  string    `json:"file_path,omitempty"`
	FileSize  int64     `json:"file_size,omitempty"`
	ThumbPath string    `json:"thumb_path,omitempty"`
	IsSelf    bool      `json:"is_self"`
	ReplyToID int64     `json:"reply_to_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Stats summarizes the log for the diagnostics endpoint.
type Stats struct {
	Count     int64            `json:"count"`
	MaxID     int64            `json:"max_id"`
	ByKind    map[string]int64 `json:"by_kind"`
	FileBytes int64            `json:"file_bytes"`
	KVEntries int64            `json:"kv_entries"`
}

// Options tunes query paging.
type Options struct {
	DefaultLimit int
	MaxLimit     int
}

// Store is the durable message log plus a small key-value area for plugins.
// A single connection keeps appends serialized so ids stay gapless.
type Store struct {
	db           *sql.DB
	defaultLimit int
	maxLimit     int
}

const schema = `
CREATE TABLE IF NOT EXISTS messages (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	remote_id   TEXT,
	kind        TEXT NOT NULL,
	text        TEXT NOT NULL DEFAULT '',
	file_name   TEXT NOT NULL DEFAULT '',
	file_path   TEXT NOT NULL DEFAULT '',
	file_size   INTEGER NOT NULL DEFAULT 0,
	thumb_path  TEXT NOT NULL DEFAULT '',
	is_self     INTEGER NOT NULL DEFAULT 0,
	reply_to_id INTEGER NOT NULL DEFAULT 0,
	created_at  INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_remote ON messages(remote_id);
CREATE INDEX IF NOT EXISTS idx_messages_created ON messages(created_at);

CREATE TABLE IF NOT EXISTS kv (
	key        TEXT PRIMARY KEY,
	value      TEXT NOT NULL,
	updated_at INTEGER NOT NULL
);
`

// Open opens or creates the log database at path.
func Open(path string, opts Options) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("store: create dir: %w", err)
	}

	dsn := "file:" + path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open database: %w", err)
	}
	// modernc sqlite handles one writer; a single connection also keeps
	// AUTOINCREMENT assignment strictly ordered.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: database ping failed: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: apply schema: %w", err)
	}
	// Databases created before the reply column existed need it added;
	// on a current schema the statement fails and that is fine.
	db.Exec(`ALTER TABLE messages ADD COLUMN reply_to_id INTEGER NOT NULL DEFAULT 0`)

	if opts.DefaultLimit <= 0 {
		opts.DefaultLimit = 100
	}
	if opts.MaxLimit <= 0 {
		opts.MaxLimit = 1000
	}
	return &Store{db: db, defaultLimit: opts.DefaultLimit, maxLimit: opts.MaxLimit}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// Append writes one record and returns its assigned id.
func (s *Store) Append(ctx context.Context, r Record) (int64, error) {
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (remote_id, kind, text, file_name, file_path, file_size, thumb_path, is_self, reply_to_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.RemoteID, r.Kind, r.Text, r.FileName, r.FilePath, r.FileSize, r.ThumbPath,
		boolInt(r.IsSelf), r.ReplyToID, r.CreatedAt.Unix())
	if err != nil {
		return 0, fmt.Errorf("store: append: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("store: append: %w", err)
	}
	return id, nil
}

// Get returns the record with the given id.
func (s *Store) Get(ctx context.Context, id int64) (*Record, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, remote_id, kind, text, file_name, file_path, file_size, thumb_path, is_self, reply_to_id, created_at
		 FROM messages WHERE id = ?`, id)
	rec, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: get %d: %w", id, err)
	}
	return rec, nil
}

// GetByRemoteID returns the most recent record carrying the given remote id.
func (s *Store) GetByRemoteID(ctx context.Context, remoteID string) (*Record, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, remote_id, kind, text, file_name, file_path, file_size, thumb_path, is_self, reply_to_id, created_at
		 FROM messages WHERE remote_id = ? ORDER BY id DESC LIMIT 1`, remoteID)
	rec, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: get remote %s: %w", remoteID, err)
	}
	return rec, nil
}

// Query returns records with id strictly greater than afterID, in id order.
// limit <= 0 applies the configured default; limits above the configured
// maximum are clamped.
func (s *Store) Query(ctx context.Context, afterID int64, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = s.defaultLimit
	}
	if limit > s.maxLimit {
		limit = s.maxLimit
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, remote_id, kind, text, file_name, file_path, file_size, thumb_path, is_self, reply_to_id, created_at
		 FROM messages WHERE id > ? ORDER BY id ASC LIMIT ?`, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("store: query after %d: %w", afterID, err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("store: query scan: %w", err)
		}
		out = append(out, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: query rows: %w", err)
	}
	return out, nil
}

// AttachFile records where a downloaded payload landed on disk.
func (s *Store) AttachFile(ctx context.Context, id int64, path string, size int64, thumbPath string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE messages SET file_path = ?, file_size = ?, thumb_path = ? WHERE id = ?`,
		path, size, thumbPath, id)
	if err != nil {
		return fmt.Errorf("store: attach file to %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete removes one record. The id sequence is never reused.
func (s *Store) Delete(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("store: delete %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// PurgeOlderThan removes records created before the cutoff and returns both
// the deleted records (so callers can unlink their files) and the count.
func (s *Store) PurgeOlderThan(ctx context.Context, cutoff time.Time) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, remote_id, kind, text, file_name, file_path, file_size, thumb_path, is_self, reply_to_id, created_at
		 FROM messages WHERE created_at < ?`, cutoff.Unix())
	if err != nil {
		return nil, fmt.Errorf("store: purge select: %w", err)
	}
	var victims []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("store: purge scan: %w", err)
		}
		victims = append(victims, *rec)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("store: purge rows: %w", err)
	}
	rows.Close()

	if len(victims) == 0 {
		return nil, nil
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE created_at < ?`, cutoff.Unix()); err != nil {
		return nil, fmt.Errorf("store: purge delete: %w", err)
	}
	return victims, nil
}

// MaxID returns the highest assigned id, 0 when the log is empty.
func (s *Store) MaxID(ctx context.Context) (int64, error) {
	var max sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT MAX(id) FROM messages`).Scan(&max); err != nil {
		return 0, fmt.Errorf("store: max id: %w", err)
	}
	return max.Int64, nil
}

// Stats summarizes the log.
func (s *Store) Stats(ctx context.Context) (*Stats, error) {
	st := &Stats{ByKind: make(map[string]int64)}

	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(MAX(id), 0), COALESCE(SUM(file_size), 0) FROM messages`).
		Scan(&st.Count, &st.MaxID, &st.FileBytes); err != nil {
		return nil, fmt.Errorf("store: stats: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `SELECT kind, COUNT(*) FROM messages GROUP BY kind`)
	if err != nil {
		return nil, fmt.Errorf("store: stats by kind: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var kind string
		var n int64
		if err := rows.Scan(&kind, &n); err != nil {
			return nil, fmt.Errorf("store: stats scan: %w", err)
		}
		st.ByKind[kind] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: stats rows: %w", err)
	}

	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM kv`).Scan(&st.KVEntries); err != nil {
		return nil, fmt.Errorf("store: stats kv: %w", err)
	}
	return st, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (*Record, error) {
	var r Record
	var isSelf int
	var created int64
	if err := row.Scan(&r.ID, &r.RemoteID, &r.Kind, &r.Text, &r.FileName,
		&r.FilePath, &r.FileSize, &r.ThumbPath, &isSelf, &r.ReplyToID, &created); err != nil {
		return nil, err
	}
	r.IsSelf = isSelf != 0
	r.CreatedAt = time.Unix(created, 0).UTC()
	return &r, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

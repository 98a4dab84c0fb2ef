package checkpoint

import (
	"bytes"
	"compress/gzip"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"

	"github.com/nugget/scout/internal/llm"
)

// SQLite driver names understood by [OpenSQLite]. The binary registers
// both: github.com/mattn/go-sqlite3 as "sqlite3" and the cgo-free
// modernc.org/sqlite as "sqlite".
const (
	DriverCGO  = "sqlite3"
	DriverPure = "sqlite"
)

// SQLiteSaver stores gzip-compressed JSON snapshots in SQLite. The
// caller registers the driver.
type SQLiteSaver struct {
	db     *sql.DB
	ownsDB bool
}

// OpenSQLite opens (creating if needed) a checkpoint database at path
// with the named driver, [DriverCGO] when empty. The returned saver closes
// the database on Close.
func OpenSQLite(driver, path string) (*SQLiteSaver, error) {
	if driver == "" {
		driver = DriverCGO
	}
	db, err := sql.Open(driver, path)
	if err != nil {
		return nil, fmt.Errorf("open checkpoint db: %w", err)
	}
	s, err := NewSQLiteSaver(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	s.ownsDB = true
	return s, nil
}

// NewSQLiteSaver creates a checkpoint store using the given database.
func NewSQLiteSaver(db *sql.DB) (*SQLiteSaver, error) {
	s := &SQLiteSaver{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *SQLiteSaver) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS checkpoints (
			id TEXT PRIMARY KEY,
			thread_id TEXT NOT NULL,
			created_at TEXT NOT NULL,
			trigger TEXT NOT NULL,
			messages_gz BLOB NOT NULL,
			byte_size INTEGER NOT NULL,
			message_count INTEGER NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_checkpoints_thread
			ON checkpoints(thread_id, id DESC);
	`)
	return err
}

// Save implements [Saver].
func (s *SQLiteSaver) Save(ctx context.Context, threadID string, trigger Trigger, messages []llm.Message) (*Checkpoint, error) {
	id, err := newID()
	if err != nil {
		return nil, fmt.Errorf("generate id: %w", err)
	}

	compressed, err := compress(messages)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()

	cp := &Checkpoint{
		ID:           id,
		ThreadID:     threadID,
		CreatedAt:    now,
		Trigger:      trigger,
		Messages:     snapshot(messages),
		ByteSize:     int64(len(compressed)),
		MessageCount: len(messages),
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO checkpoints (id, thread_id, created_at, trigger, messages_gz, byte_size, message_count)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, id.String(), threadID, now.Format(time.RFC3339Nano), string(trigger), compressed, len(compressed), len(messages))
	if err != nil {
		return nil, fmt.Errorf("insert: %w", err)
	}
	return cp, nil
}

// Latest implements [Saver]. UUIDv7 ids sort by creation time, so the
// highest id is the newest snapshot.
func (s *SQLiteSaver) Latest(ctx context.Context, threadID string) (*Checkpoint, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, thread_id, created_at, trigger, messages_gz, byte_size, message_count
		FROM checkpoints
		WHERE thread_id = ?
		ORDER BY id DESC
		LIMIT 1
	`, threadID)

	cp, err := scanFull(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return cp, err
}

// Get retrieves a checkpoint by ID, including its messages.
func (s *SQLiteSaver) Get(ctx context.Context, id uuid.UUID) (*Checkpoint, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, thread_id, created_at, trigger, messages_gz, byte_size, message_count
		FROM checkpoints WHERE id = ?
	`, id.String())
	return scanFull(row)
}

// List implements [Saver].
func (s *SQLiteSaver) List(ctx context.Context, threadID string, limit int) ([]*Checkpoint, error) {
	if limit <= 0 {
		limit = 20
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, thread_id, created_at, trigger, byte_size, message_count
		FROM checkpoints
		WHERE thread_id = ?
		ORDER BY id DESC
		LIMIT ?
	`, threadID, limit)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	var checkpoints []*Checkpoint
	for rows.Next() {
		var cp Checkpoint
		var idStr, createdStr, triggerStr string
		if err := rows.Scan(&idStr, &cp.ThreadID, &createdStr, &triggerStr, &cp.ByteSize, &cp.MessageCount); err != nil {
			return nil, err
		}
		fillMeta(&cp, idStr, createdStr, triggerStr)
		checkpoints = append(checkpoints, &cp)
	}
	return checkpoints, rows.Err()
}

// Prune deletes all but the newest keep checkpoints of threadID and
// returns how many were removed.
func (s *SQLiteSaver) Prune(ctx context.Context, threadID string, keep int) (int, error) {
	if keep < 1 {
		keep = 1
	}
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM checkpoints
		WHERE thread_id = ? AND id NOT IN (
			SELECT id FROM checkpoints
			WHERE thread_id = ?
			ORDER BY id DESC
			LIMIT ?
		)
	`, threadID, threadID, keep)
	if err != nil {
		return 0, fmt.Errorf("delete: %w", err)
	}
	deleted, _ := result.RowsAffected()
	return int(deleted), nil
}

// DB returns the underlying database so related tables can share it.
func (s *SQLiteSaver) DB() *sql.DB { return s.db }

// Close implements [Saver]. A database passed to NewSQLiteSaver is left
// open for its owner.
func (s *SQLiteSaver) Close() error {
	if s.ownsDB {
		return s.db.Close()
	}
	return nil
}

func compress(messages []llm.Message) ([]byte, error) {
	data, err := json.Marshal(messages)
	if err != nil {
		return nil, fmt.Errorf("marshal messages: %w", err)
	}

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write(data); err != nil {
		return nil, fmt.Errorf("compress: %w", err)
	}
	if err := gz.Close(); err != nil {
		return nil, fmt.Errorf("close gzip: %w", err)
	}
	return buf.Bytes(), nil
}

func decompress(data []byte) ([]llm.Message, error) {
	gr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("gzip reader: %w", err)
	}
	defer gr.Close()

	raw, err := io.ReadAll(gr)
	if err != nil {
		return nil, fmt.Errorf("decompress: %w", err)
	}
	var messages []llm.Message
	if err := json.Unmarshal(raw, &messages); err != nil {
		return nil, fmt.Errorf("unmarshal messages: %w", err)
	}
	return messages, nil
}

func scanFull(row *sql.Row) (*Checkpoint, error) {
	var cp Checkpoint
	var idStr, createdStr, triggerStr string
	var gz []byte

	if err := row.Scan(&idStr, &cp.ThreadID, &createdStr, &triggerStr, &gz, &cp.ByteSize, &cp.MessageCount); err != nil {
		return nil, err
	}
	fillMeta(&cp, idStr, createdStr, triggerStr)

	messages, err := decompress(gz)
	if err != nil {
		return nil, err
	}
	cp.Messages = messages
	return &cp, nil
}

func fillMeta(cp *Checkpoint, idStr, createdStr, triggerStr string) {
	cp.ID, _ = uuid.Parse(idStr)
	cp.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdStr)
	cp.Trigger = Trigger(triggerStr)
}

package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	_ "modernc.org/sqlite"

	"knowbot/internal/domain"
	"knowbot/internal/security"
)

// SQLiteMemory implements domain.MemoryProvider on a local SQLite database.
// When a SecretBox is supplied, entry content is encrypted at rest.
type SQLiteMemory struct {
	db     *sql.DB
	box    *security.SecretBox
	logger *slog.Logger
}

// NewSQLiteMemory opens (or creates) the database at path and runs the
// schema migration. box may be nil to store content in plaintext.
func NewSQLiteMemory(path string, box *security.SecretBox, logger *slog.Logger) (*SQLiteMemory, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open memory db: %w", err)
	}
	// modernc sqlite serializes writes; a single connection avoids
	// SQLITE_BUSY under concurrent access.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate memory db: %w", err)
	}

	return &SQLiteMemory{db: db, box: box, logger: logger}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS memories (
			id         TEXT PRIMARY KEY,
			session_id TEXT NOT NULL DEFAULT '',
			role       TEXT NOT NULL DEFAULT '',
			content    TEXT NOT NULL,
			metadata   TEXT NOT NULL DEFAULT '{}',
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_memories_session ON memories(session_id, created_at);
	`)
	return err
}

// Close closes the underlying database connection.
func (m *SQLiteMemory) Close() error {
	return m.db.Close()
}

func (m *SQLiteMemory) Name() string { return "sqlite" }

func (m *SQLiteMemory) IsAvailable() bool {
	return m.db.Ping() == nil
}

// Store inserts or updates one entry. A missing ID gets a fresh ULID;
// missing timestamps default to now.
func (m *SQLiteMemory) Store(ctx context.Context, entry domain.MemoryEntry) error {
	now := time.Now().UTC()
	if entry.ID == "" {
		entry.ID = newEntryID(now)
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = now
	}
	entry.UpdatedAt = now

	content := entry.Content
	if m.box != nil {
		enc, err := m.box.Encrypt(content)
		if err != nil {
			return domain.WrapOp("memory.store", fmt.Errorf("%w: %v", domain.ErrEncryption, err))
		}
		content = enc
	}

	metaJSON := "{}"
	if len(entry.Metadata) > 0 {
		data, err := json.Marshal(entry.Metadata)
		if err != nil {
			return domain.WrapOp("memory.store", err)
		}
		metaJSON = string(data)
	}

	_, err := m.db.ExecContext(ctx, `
		INSERT INTO memories (id, session_id, role, content, metadata, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			session_id = excluded.session_id,
			role       = excluded.role,
			content    = excluded.content,
			metadata   = excluded.metadata,
			updated_at = excluded.updated_at`,
		entry.ID, entry.SessionID, entry.Role, content, metaJSON,
		entry.CreatedAt.Format(time.RFC3339Nano), entry.UpdatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return domain.WrapOp("memory.store", fmt.Errorf("%w: %v", domain.ErrMemoryStore, err))
	}
	return nil
}

// Query returns up to limit entries whose content matches the query terms,
// newest first. Matching happens after decryption, so it works the same with
// encryption enabled.
func (m *SQLiteMemory) Query(ctx context.Context, query string, limit int) ([]domain.MemoryEntry, error) {
	if limit <= 0 {
		limit = 5
	}

	// Scan a bounded window of recent entries and filter in process;
	// content may be encrypted, so SQL LIKE cannot see it.
	const scanWindow = 500
	entries, err := m.scan(ctx,
		"SELECT id, session_id, role, content, metadata, created_at, updated_at FROM memories ORDER BY created_at DESC LIMIT ?",
		scanWindow)
	if err != nil {
		return nil, domain.WrapOp("memory.query", err)
	}

	terms := queryTerms(query)
	var out []domain.MemoryEntry
	for _, e := range entries {
		if len(out) >= limit {
			break
		}
		if matchesTerms(e.Content, terms) {
			out = append(out, e)
		}
	}
	return out, nil
}

// Recent returns the session's last entries in chronological order.
func (m *SQLiteMemory) Recent(ctx context.Context, sessionID string, limit int) ([]domain.MemoryEntry, error) {
	if limit <= 0 {
		limit = 10
	}
	entries, err := m.scan(ctx,
		"SELECT id, session_id, role, content, metadata, created_at, updated_at FROM memories WHERE session_id = ? ORDER BY created_at DESC LIMIT ?",
		sessionID, limit)
	if err != nil {
		return nil, domain.WrapOp("memory.recent", err)
	}

	// Reverse: the query fetched newest-first.
	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}
	return entries, nil
}

func (m *SQLiteMemory) Delete(ctx context.Context, id string) error {
	res, err := m.db.ExecContext(ctx, "DELETE FROM memories WHERE id = ?", id)
	if err != nil {
		return domain.WrapOp("memory.delete", fmt.Errorf("%w: %v", domain.ErrMemoryDelete, err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.NewDomainError("memory.delete", domain.ErrNotFound, id)
	}
	return nil
}

// Clear removes every entry belonging to the session.
func (m *SQLiteMemory) Clear(ctx context.Context, sessionID string) error {
	_, err := m.db.ExecContext(ctx, "DELETE FROM memories WHERE session_id = ?", sessionID)
	if err != nil {
		return domain.WrapOp("memory.clear", fmt.Errorf("%w: %v", domain.ErrMemoryDelete, err))
	}
	return nil
}

func (m *SQLiteMemory) scan(ctx context.Context, query string, args ...any) ([]domain.MemoryEntry, error) {
	rows, err := m.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []domain.MemoryEntry
	for rows.Next() {
		var e domain.MemoryEntry
		var metaJSON, createdAt, updatedAt string
		if err := rows.Scan(&e.ID, &e.SessionID, &e.Role, &e.Content, &metaJSON, &createdAt, &updatedAt); err != nil {
			return nil, err
		}

		if m.box != nil && m.box.IsEncrypted(e.Content) {
			plain, err := m.box.Decrypt(e.Content)
			if err != nil {
				m.logger.Warn("skipping undecryptable memory entry", "id", e.ID, "error", err)
				continue
			}
			e.Content = plain
		}

		if metaJSON != "" && metaJSON != "{}" {
			if err := json.Unmarshal([]byte(metaJSON), &e.Metadata); err != nil {
				m.logger.Warn("invalid memory metadata", "id", e.ID, "error", err)
			}
		}
		e.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		e.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// queryTerms extracts lowercase search terms, skipping short stop-ish words.
func queryTerms(query string) []string {
	var terms []string
	for _, w := range strings.Fields(strings.ToLower(query)) {
		if len(w) >= 3 {
			terms = append(terms, w)
		}
	}
	return terms
}

func matchesTerms(content string, terms []string) bool {
	if len(terms) == 0 {
		return true
	}
	lower := strings.ToLower(content)
	for _, t := range terms {
		if strings.Contains(lower, t) {
			return true
		}
	}
	return false
}

func newEntryID(t time.Time) string {
	entropy := ulid.Monotonic(rand.New(rand.NewSource(t.UnixNano())), 0)
	return ulid.MustNew(ulid.Timestamp(t), entropy).String()
}

var _ domain.MemoryProvider = (*SQLiteMemory)(nil)

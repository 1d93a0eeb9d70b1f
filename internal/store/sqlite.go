package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ashureev/kefu-relay/internal/domain"
	"github.com/ashureev/kefu-relay/internal/shared"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Repository using a pure-Go SQLite driver, carrying
// the teacher's WAL-mode, pooled-connection, ON CONFLICT upsert and
// busy-retry idioms from internal/store/sqlite.go.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens (creating if necessary) a WAL-mode SQLite database and
// initializes its schema.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS messages (
		message_id TEXT PRIMARY KEY,
		pair_a TEXT NOT NULL,
		pair_b TEXT NOT NULL,
		from_user_id TEXT NOT NULL,
		to_user_id TEXT,
		content TEXT NOT NULL,
		content_kind TEXT NOT NULL,
		filename TEXT,
		duration_ms INTEGER DEFAULT 0,
		timestamp INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_messages_pair ON messages(pair_a, pair_b, timestamp, message_id);

	CREATE TABLE IF NOT EXISTS sessions (
		customer_id TEXT NOT NULL,
		agent_id TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		closed_at INTEGER,
		status TEXT NOT NULL,
		message_count INTEGER DEFAULT 0,
		last_message_preview TEXT,
		transfer_history_json TEXT,
		PRIMARY KEY (customer_id, agent_id)
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_agent ON sessions(agent_id, status);

	CREATE TABLE IF NOT EXISTS agents (
		agent_id TEXT PRIMARY KEY,
		username TEXT UNIQUE NOT NULL,
		password_hash TEXT NOT NULL,
		display_name TEXT NOT NULL,
		department TEXT,
		is_active INTEGER DEFAULT 1,
		max_concurrent_customers INTEGER DEFAULT 5
	);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// AppendMessage persists a message. Idempotent on MessageID: a re-delivery
// of the same id is silently ignored rather than erroring, matching
// spec.md's at-least-once delivery guarantee.
func (s *SQLiteStore) AppendMessage(ctx context.Context, m *domain.Message) error {
	return s.appendMessageWithRetry(ctx, m, DefaultRetry)
}

func (s *SQLiteStore) appendMessageWithRetry(ctx context.Context, m *domain.Message, retry RetryConfig) error {
	var lastErr error
	for i := 0; i < retry.MaxAttempts; i++ {
		err := s.appendMessageOnce(ctx, m)
		if err == nil {
			return nil
		}
		lastErr = err
		if !shared.IsSQLiteConflictError(err) {
			return err
		}
		if i < retry.MaxAttempts-1 {
			delay := retry.BaseDelay * time.Duration(1<<i)
			slog.Debug("AppendMessage busy, retrying", "message_id", m.MessageID, "attempt", i+1, "delay", delay)
			time.Sleep(delay)
		}
	}
	return fmt.Errorf("append message %s after %d attempts: %w", m.MessageID, retry.MaxAttempts, lastErr)
}

func (s *SQLiteStore) appendMessageOnce(ctx context.Context, m *domain.Message) error {
	a, b := domain.PairKey(m.FromUserID, m.ToUserID)
	query := `
	INSERT INTO messages (message_id, pair_a, pair_b, from_user_id, to_user_id, content, content_kind, filename, duration_ms, timestamp)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(message_id) DO NOTHING`
	_, err := s.db.ExecContext(ctx, query,
		m.MessageID, a, b, m.FromUserID, m.ToUserID, m.Content, string(m.ContentKind),
		m.Filename, m.DurationMs, m.Timestamp.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("append message: %w", err)
	}
	return nil
}

// RecentMessages returns up to limit messages for the pair (a,b),
// most-recent-first, ordered by (timestamp, message_id) for a stable tie
// break across same-millisecond writes.
func (s *SQLiteStore) RecentMessages(ctx context.Context, a, b string, limit int) ([]domain.Message, error) {
	if limit <= 0 {
		limit = 50
	}
	pairA, pairB := domain.PairKey(a, b)
	query := `
	SELECT message_id, from_user_id, to_user_id, content, content_kind, filename, duration_ms, timestamp
	FROM messages WHERE pair_a = ? AND pair_b = ?
	ORDER BY timestamp DESC, message_id DESC LIMIT ?`

	rows, err := s.db.QueryContext(ctx, query, pairA, pairB, limit)
	if err != nil {
		return nil, fmt.Errorf("query recent messages: %w", err)
	}
	defer rows.Close()

	var out []domain.Message
	for rows.Next() {
		var m domain.Message
		var toUserID, filename sql.NullString
		var kind string
		var ts int64
		if err := rows.Scan(&m.MessageID, &m.FromUserID, &toUserID, &m.Content, &kind, &filename, &m.DurationMs, &ts); err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		m.ToUserID = toUserID.String
		m.Filename = filename.String
		m.ContentKind = domain.ContentKind(kind)
		m.Timestamp = time.UnixMilli(ts)
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return out, nil
}

// GetMessage retrieves a single message by id.
func (s *SQLiteStore) GetMessage(ctx context.Context, messageID string) (*domain.Message, error) {
	query := `
	SELECT message_id, from_user_id, to_user_id, content, content_kind, filename, duration_ms, timestamp
	FROM messages WHERE message_id = ?`
	row := s.db.QueryRowContext(ctx, query, messageID)

	var m domain.Message
	var toUserID, filename sql.NullString
	var kind string
	var ts int64
	err := row.Scan(&m.MessageID, &m.FromUserID, &toUserID, &m.Content, &kind, &filename, &m.DurationMs, &ts)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan message: %w", err)
	}
	m.ToUserID = toUserID.String
	m.Filename = filename.String
	m.ContentKind = domain.ContentKind(kind)
	m.Timestamp = time.UnixMilli(ts)
	return &m, nil
}

// GetSession retrieves a session by its (customer,agent) key.
func (s *SQLiteStore) GetSession(ctx context.Context, customerID, agentID string) (*domain.Session, error) {
	query := `
	SELECT customer_id, agent_id, created_at, closed_at, status, message_count, last_message_preview, transfer_history_json
	FROM sessions WHERE customer_id = ? AND agent_id = ?`
	row := s.db.QueryRowContext(ctx, query, customerID, agentID)
	return scanSession(row)
}

func scanSession(row *sql.Row) (*domain.Session, error) {
	var sess domain.Session
	var createdAt int64
	var closedAt sql.NullInt64
	var status string
	var transferJSON sql.NullString

	err := row.Scan(&sess.CustomerID, &sess.AgentID, &createdAt, &closedAt, &status, &sess.MessageCount, &sess.LastMessagePreview, &transferJSON)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan session: %w", err)
	}
	sess.Status = domain.SessionStatus(status)
	sess.CreatedAt = time.UnixMilli(createdAt)
	if closedAt.Valid {
		t := time.UnixMilli(closedAt.Int64)
		sess.ClosedAt = &t
	}
	if transferJSON.Valid && transferJSON.String != "" {
		if err := json.Unmarshal([]byte(transferJSON.String), &sess.TransferHistory); err != nil {
			return nil, fmt.Errorf("decode transfer history: %w", err)
		}
	}
	return &sess, nil
}

// PutSession creates or updates a session record. Status transitions are
// forward-only in practice (enforced by the assignment engine); PutSession
// itself performs an unconditional upsert.
func (s *SQLiteStore) PutSession(ctx context.Context, sess *domain.Session) error {
	transferJSON, err := json.Marshal(sess.TransferHistory)
	if err != nil {
		return fmt.Errorf("encode transfer history: %w", err)
	}

	var closedAt interface{}
	if sess.ClosedAt != nil {
		closedAt = sess.ClosedAt.UnixMilli()
	}

	query := `
	INSERT INTO sessions (customer_id, agent_id, created_at, closed_at, status, message_count, last_message_preview, transfer_history_json)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(customer_id, agent_id) DO UPDATE SET
		closed_at = excluded.closed_at,
		status = excluded.status,
		message_count = excluded.message_count,
		last_message_preview = excluded.last_message_preview,
		transfer_history_json = excluded.transfer_history_json`

	_, err = s.db.ExecContext(ctx, query,
		sess.CustomerID, sess.AgentID, sess.CreatedAt.UnixMilli(), closedAt,
		string(sess.Status), sess.MessageCount, sess.LastMessagePreview, string(transferJSON),
	)
	if err != nil {
		return fmt.Errorf("put session: %w", err)
	}
	return nil
}

// ListSessions returns a filtered, paged slice plus the total matching count.
func (s *SQLiteStore) ListSessions(ctx context.Context, filter SessionFilter, page Page) ([]domain.Session, int, error) {
	var where []string
	var args []interface{}
	if filter.AgentID != "" {
		where = append(where, "agent_id = ?")
		args = append(args, filter.AgentID)
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}
	whereClause := ""
	if len(where) > 0 {
		whereClause = "WHERE " + strings.Join(where, " AND ")
	}

	var total int
	countQuery := "SELECT COUNT(*) FROM sessions " + whereClause
	if err := s.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count sessions: %w", err)
	}

	limit := page.Limit
	if limit <= 0 {
		limit = 20
	}
	offset := 0
	if page.Page > 0 {
		offset = page.Page * limit
	}

	listQuery := fmt.Sprintf(`
	SELECT customer_id, agent_id, created_at, closed_at, status, message_count, last_message_preview, transfer_history_json
	FROM sessions %s ORDER BY created_at DESC LIMIT ? OFFSET ?`, whereClause)
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, listQuery, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []domain.Session
	for rows.Next() {
		var sess domain.Session
		var createdAt int64
		var closedAt sql.NullInt64
		var status string
		var transferJSON sql.NullString

		if err := rows.Scan(&sess.CustomerID, &sess.AgentID, &createdAt, &closedAt, &status, &sess.MessageCount, &sess.LastMessagePreview, &transferJSON); err != nil {
			return nil, 0, fmt.Errorf("scan session row: %w", err)
		}
		sess.Status = domain.SessionStatus(status)
		sess.CreatedAt = time.UnixMilli(createdAt)
		if closedAt.Valid {
			t := time.UnixMilli(closedAt.Int64)
			sess.ClosedAt = &t
		}
		if transferJSON.Valid && transferJSON.String != "" {
			if err := json.Unmarshal([]byte(transferJSON.String), &sess.TransferHistory); err != nil {
				return nil, 0, fmt.Errorf("decode transfer history: %w", err)
			}
		}
		out = append(out, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate sessions: %w", err)
	}
	return out, total, nil
}

// GetAgentByUsername retrieves an agent record for credential checks.
func (s *SQLiteStore) GetAgentByUsername(ctx context.Context, username string) (*domain.Agent, error) {
	query := `
	SELECT agent_id, username, password_hash, display_name, department, is_active, max_concurrent_customers
	FROM agents WHERE username = ?`
	return scanAgent(s.db.QueryRowContext(ctx, query, username))
}

// GetAgent retrieves an agent record by id.
func (s *SQLiteStore) GetAgent(ctx context.Context, agentID string) (*domain.Agent, error) {
	query := `
	SELECT agent_id, username, password_hash, display_name, department, is_active, max_concurrent_customers
	FROM agents WHERE agent_id = ?`
	return scanAgent(s.db.QueryRowContext(ctx, query, agentID))
}

func scanAgent(row *sql.Row) (*domain.Agent, error) {
	var a domain.Agent
	var isActive int
	err := row.Scan(&a.AgentID, &a.Username, &a.PasswordHash, &a.DisplayName, &a.Department, &isActive, &a.MaxConcurrentCustomers)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan agent: %w", err)
	}
	a.IsActive = isActive != 0
	return &a, nil
}

// PutAgent creates or updates an agent record.
func (s *SQLiteStore) PutAgent(ctx context.Context, a *domain.Agent) error {
	maxCustomers := a.MaxConcurrentCustomers
	if maxCustomers <= 0 {
		maxCustomers = domain.DefaultMaxConcurrentCustomers
	}
	query := `
	INSERT INTO agents (agent_id, username, password_hash, display_name, department, is_active, max_concurrent_customers)
	VALUES (?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(agent_id) DO UPDATE SET
		username = excluded.username,
		password_hash = excluded.password_hash,
		display_name = excluded.display_name,
		department = excluded.department,
		is_active = excluded.is_active,
		max_concurrent_customers = excluded.max_concurrent_customers`

	isActive := 0
	if a.IsActive {
		isActive = 1
	}
	_, err := s.db.ExecContext(ctx, query, a.AgentID, a.Username, a.PasswordHash, a.DisplayName, a.Department, isActive, maxCustomers)
	if err != nil {
		return fmt.Errorf("put agent: %w", err)
	}
	return nil
}

// Package store implements the Durable Store (C2): append-only persistence
// for messages, session records, and agent credentials, grounded on the
// teacher's internal/store/sqlite.go (WAL mode, ON CONFLICT upserts,
// busy-retry helpers).
package store

import (
	"context"
	"time"

	"github.com/ashureev/kefu-relay/internal/domain"
)

// SessionFilter narrows the result of ListSessions.
type SessionFilter struct {
	AgentID string
	Status  domain.SessionStatus
}

// Page bounds a paginated query.
type Page struct {
	Page  int
	Limit int
}

// Repository is the durable persistence surface used by the router, the
// assignment engine, and the REST query surface.
type Repository interface {
	// AppendMessage persists a message. Idempotent on MessageID.
	AppendMessage(ctx context.Context, m *domain.Message) error
	// RecentMessages returns up to limit messages for the pair (a,b),
	// most-recent-first, stable ordering by (timestamp, message_id).
	RecentMessages(ctx context.Context, a, b string, limit int) ([]domain.Message, error)
	// GetMessage retrieves a single message by id.
	GetMessage(ctx context.Context, messageID string) (*domain.Message, error)

	// GetSession retrieves a session by its (customer,agent) key, or nil
	// if it has never been created.
	GetSession(ctx context.Context, customerID, agentID string) (*domain.Session, error)
	// PutSession creates or updates a session record.
	PutSession(ctx context.Context, s *domain.Session) error
	// ListSessions returns a filtered, paged slice plus the total count.
	ListSessions(ctx context.Context, filter SessionFilter, page Page) ([]domain.Session, int, error)

	// GetAgentByUsername retrieves an agent record for credential checks.
	GetAgentByUsername(ctx context.Context, username string) (*domain.Agent, error)
	// GetAgent retrieves an agent record by id.
	GetAgent(ctx context.Context, agentID string) (*domain.Agent, error)
	// PutAgent creates or updates an agent record (administrative).
	PutAgent(ctx context.Context, a *domain.Agent) error

	// Ping verifies connectivity.
	Ping(ctx context.Context) error
	// Close releases the underlying connection.
	Close() error
}

// RetryConfig bounds the exponential-backoff retry used for durable writes,
// mirroring the teacher's container/ttl.go retry helpers.
type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
}

// DefaultRetry bounds SQLiteStore.AppendMessage's retry loop: up to N=3
// attempts with exponential backoff. When a message still cannot be
// persisted, the router replies to the sender with a DURABLE_UNAVAILABLE
// System frame and does not deliver the message; nothing queues it for a
// later dead-letter retry.
var DefaultRetry = RetryConfig{MaxAttempts: 3, BaseDelay: 50 * time.Millisecond}

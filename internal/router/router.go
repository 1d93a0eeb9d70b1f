// Package router implements the Message Router (C7): typed-frame parsing,
// validation, and dispatch over the transport the Connection Registry
// manages. The per-connection token-bucket throttle is new to this domain
// (the teacher has no rate limiting of its own) and is built on
// golang.org/x/time/rate, a dependency carried from the rest of the
// example pack's idiomatic Go ecosystem rather than a hand-rolled counter.
package router

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/kefu-relay/internal/apperr"
	"github.com/ashureev/kefu-relay/internal/assignment"
	"github.com/ashureev/kefu-relay/internal/domain"
	"github.com/ashureev/kefu-relay/internal/presence"
	"github.com/ashureev/kefu-relay/internal/protocol"
	"github.com/ashureev/kefu-relay/internal/registry"
	"github.com/ashureev/kefu-relay/internal/store"
	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

const (
	// MaxMessageSize bounds a Chat frame's content payload, spec.md §4.7.
	// Voice and HtmlTemplate frames are not checked against it.
	MaxMessageSize = 1 << 20

	// DefaultHistoryLimit / MaxHistoryLimit bound HistoryRequest.Limit.
	DefaultHistoryLimit = 50
	MaxHistoryLimit     = 500

	rateLimitFrames = 50
	rateLimitWindow = 60 * time.Second

	maxStrikes     = 3
	strikeWindow   = 10 * time.Second
)

// ConnState is the per-connection mutable state the router needs: a token
// bucket for rate limiting and a strike counter for malformed-frame
// disconnection, per spec.md §7's "three strikes within 10s" policy.
type ConnState struct {
	Identity domain.Identity
	limiter  *rate.Limiter

	mu           sync.Mutex
	strikes      int
	firstStrikeAt time.Time
}

// NewConnState constructs per-connection router state for identity.
func NewConnState(identity domain.Identity) *ConnState {
	return &ConnState{
		Identity: identity,
		limiter:  rate.NewLimiter(rate.Limit(float64(rateLimitFrames)/rateLimitWindow.Seconds()), rateLimitFrames),
	}
}

// Strike records a malformed frame at the transport level (e.g. invalid
// JSON the router never sees as a Frame) against the same three-strikes
// policy Dispatch enforces for malformed frame kinds.
func (c *ConnState) Strike() bool { return c.strike() }

// strike records a malformed/invalid frame; returns true once the
// connection has accumulated three strikes within the window and should be
// closed with 4500.
func (c *ConnState) strike() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	if c.strikes == 0 || now.Sub(c.firstStrikeAt) > strikeWindow {
		c.strikes = 1
		c.firstStrikeAt = now
		return false
	}
	c.strikes++
	return c.strikes >= maxStrikes
}

// Router dispatches validated frames to their handlers.
type Router struct {
	registry   *registry.Registry
	presence   *presence.Tracker
	assignment *assignment.Engine
	repo       store.Repository

	historyN int

	pendingMu sync.Mutex
	pending   map[string][]protocol.ChatFrame // customer_id -> queued Chat frames awaiting a binding
}

// NewRouter constructs a Router over the registry, presence tracker,
// assignment engine, and durable store.
func NewRouter(reg *registry.Registry, presenceTracker *presence.Tracker, assignmentEngine *assignment.Engine, repo store.Repository) *Router {
	return &Router{
		registry:   reg,
		presence:   presenceTracker,
		assignment: assignmentEngine,
		repo:       repo,
		historyN:   20,
		pending:    make(map[string][]protocol.ChatFrame),
	}
}

// Fatal wraps an error that must terminate the connection (three-strikes
// exceeded, or a structural handshake-level failure).
type Fatal struct{ Err error }

func (f *Fatal) Error() string { return f.Err.Error() }
func (f *Fatal) Unwrap() error { return f.Err }

// Dispatch validates and applies frame, returning zero or more reply
// frames the caller should enqueue back to the sender via the registry.
// A *Fatal error means the caller must close the connection with 4500.
func (r *Router) Dispatch(ctx context.Context, state *ConnState, frame protocol.Frame) ([]protocol.Frame, error) {
	if !state.limiter.Allow() {
		return []protocol.Frame{protocol.NewSystem(protocol.LevelWarning, string(apperr.CodeRateLimited), "rate limit exceeded, frame dropped")}, nil
	}

	switch frame.Type {
	case protocol.KindChat:
		return r.handleChat(ctx, state, frame)
	case protocol.KindTyping:
		return r.handleTyping(state, frame)
	case protocol.KindHeartbeat:
		return r.handleHeartbeat(ctx, state)
	case protocol.KindHistoryRequest:
		return r.handleHistoryRequest(ctx, state, frame)
	case protocol.KindGetOnlineUsers:
		return r.handleGetOnlineUsers(ctx, state)
	case protocol.KindHtmlTemplate:
		return r.handleHtmlTemplate(ctx, state, frame)
	case protocol.KindHtmlCallback:
		return r.handleHtmlCallback(ctx, frame)
	case protocol.KindVoice:
		return r.handleVoice(ctx, state, frame)
	default:
		if state.strike() {
			return nil, &Fatal{Err: fmt.Errorf("too many malformed frames from %s", state.Identity)}
		}
		return []protocol.Frame{protocol.NewSystem(protocol.LevelError, string(apperr.CodeUnknownFrame), "unknown frame")}, nil
	}
}

func (r *Router) handleTyping(state *ConnState, frame protocol.Frame) ([]protocol.Frame, error) {
	if frame.Typing == nil || frame.Typing.To == "" {
		if state.strike() {
			return nil, &Fatal{Err: fmt.Errorf("malformed Typing frame from %s", state.Identity)}
		}
		return []protocol.Frame{protocol.NewSystem(protocol.LevelError, string(apperr.CodeMalformedHandshake), "malformed Typing frame")}, nil
	}
	to := peerIdentity(state.Identity, frame.Typing.To)
	r.registry.SendTo(to, frame)
	return nil, nil
}

func (r *Router) handleHeartbeat(ctx context.Context, state *ConnState) ([]protocol.Frame, error) {
	if err := r.presence.MarkOnline(ctx, string(state.Identity.ID), state.Identity.Kind); err != nil {
		slog.Warn("heartbeat mark_online failed", "identity", state.Identity.String(), "error", err)
	}
	return []protocol.Frame{{Type: protocol.KindHeartbeat, Timestamp: time.Now(), Heartbeat: &protocol.HeartbeatFrame{}}}, nil
}

func (r *Router) handleGetOnlineUsers(ctx context.Context, state *ConnState) ([]protocol.Frame, error) {
	if state.Identity.Kind != domain.KindAgent {
		return []protocol.Frame{protocol.NewSystem(protocol.LevelError, string(apperr.CodeUnknownFrame), "GetOnlineUsers is agent-only")}, nil
	}
	agents, err := r.presence.Online(ctx, domain.KindAgent)
	if err != nil {
		return []protocol.Frame{protocol.NewSystem(protocol.LevelError, string(apperr.CodeCacheUnavailable), "presence unavailable")}, nil
	}
	customers, err := r.presence.Online(ctx, domain.KindCustomer)
	if err != nil {
		return []protocol.Frame{protocol.NewSystem(protocol.LevelError, string(apperr.CodeCacheUnavailable), "presence unavailable")}, nil
	}
	return []protocol.Frame{{
		Type:      protocol.KindOnlineUsers,
		Timestamp: time.Now(),
		OnlineUsers: &protocol.OnlineUsersFrame{
			Agents:    toUsers(agents, domain.KindAgent),
			Customers: toUsers(customers, domain.KindCustomer),
		},
	}}, nil
}

func toUsers(ids []string, kind domain.UserKind) []protocol.User {
	out := make([]protocol.User, 0, len(ids))
	for _, id := range ids {
		out = append(out, protocol.User{UserID: id, Kind: string(kind)})
	}
	return out
}

func (r *Router) handleHistoryRequest(ctx context.Context, state *ConnState, frame protocol.Frame) ([]protocol.Frame, error) {
	if frame.HistoryRequest == nil {
		return []protocol.Frame{protocol.NewSystem(protocol.LevelError, string(apperr.CodeMalformedHandshake), "malformed HistoryRequest frame")}, nil
	}
	limit := frame.HistoryRequest.Limit
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	if limit > MaxHistoryLimit {
		limit = MaxHistoryLimit
	}

	peer := frame.HistoryRequest.CustomerID
	if peer == "" {
		bound, err := r.peerForIdentity(ctx, state.Identity)
		if err != nil {
			return []protocol.Frame{protocol.NewSystem(protocol.LevelError, string(apperr.CodeNoRecipient), "no bound peer for history")}, nil
		}
		peer = bound
	}

	messages, err := r.repo.RecentMessages(ctx, string(state.Identity.ID), peer, limit)
	if err != nil {
		return []protocol.Frame{protocol.NewSystem(protocol.LevelError, string(apperr.CodeDurableUnavailable), "history unavailable")}, nil
	}

	return []protocol.Frame{historyFrame(messages)}, nil
}

// historyFrame converts RecentMessages' most-recent-first result into an
// oldest-first History frame, per spec.md Scenario E's ordered delivery
// requirement.
func historyFrame(messages []domain.Message) protocol.Frame {
	out := make([]protocol.Message, 0, len(messages))
	for i := len(messages) - 1; i >= 0; i-- {
		m := messages[i]
		out = append(out, protocol.Message{
			MessageID:   m.MessageID,
			From:        m.FromUserID,
			To:          m.ToUserID,
			Content:     m.Content,
			ContentType: string(m.ContentKind),
			Filename:    m.Filename,
			Timestamp:   m.Timestamp,
		})
	}
	return protocol.Frame{Type: protocol.KindHistory, Timestamp: time.Now(), History: &protocol.HistoryFrame{Messages: out}}
}

// WelcomeHistory builds the oldest-first History frame of the most recent
// historyN messages between customerID and agentID, for delivery right
// after a binding is established at connect time (spec.md §4.6 steps 5-6).
func (r *Router) WelcomeHistory(ctx context.Context, customerID, agentID string) (protocol.Frame, error) {
	messages, err := r.repo.RecentMessages(ctx, customerID, agentID, r.historyN)
	if err != nil {
		return protocol.Frame{}, err
	}
	return historyFrame(messages), nil
}

func (r *Router) peerForIdentity(ctx context.Context, identity domain.Identity) (string, error) {
	if identity.Kind == domain.KindCustomer {
		return r.assignment.CurrentBinding(ctx, string(identity.ID))
	}
	return "", fmt.Errorf("agent history requests must specify customer_id")
}

func peerIdentity(from domain.Identity, to string) domain.Identity {
	kind := domain.KindCustomer
	if from.Kind == domain.KindCustomer {
		kind = domain.KindAgent
	}
	return domain.Identity{Kind: kind, ID: domain.UserID(to)}
}

func (r *Router) handleHtmlTemplate(ctx context.Context, state *ConnState, frame protocol.Frame) ([]protocol.Frame, error) {
	if frame.HtmlTemplate == nil || frame.HtmlTemplate.To == "" {
		return []protocol.Frame{protocol.NewSystem(protocol.LevelError, string(apperr.CodeMalformedHandshake), "malformed HtmlTemplate frame")}, nil
	}
	t := frame.HtmlTemplate
	m := &domain.Message{
		MessageID:   uuid.NewString(),
		FromUserID:  t.From,
		ToUserID:    t.To,
		Content:     t.RenderedHTML,
		ContentKind: domain.ContentHTMLTemplate,
		Timestamp:   time.Now(),
	}
	if err := r.persistWithRetry(ctx, m); err != nil {
		return []protocol.Frame{protocol.NewSystem(protocol.LevelError, string(apperr.CodeDurableUnavailable), "failed to persist template message")}, nil
	}
	to := peerIdentity(state.Identity, t.To)
	r.registry.SendTo(to, frame)
	return nil, nil
}

func (r *Router) handleHtmlCallback(ctx context.Context, frame protocol.Frame) ([]protocol.Frame, error) {
	if frame.HtmlCallback == nil {
		return []protocol.Frame{protocol.NewSystem(protocol.LevelError, string(apperr.CodeMalformedHandshake), "malformed HtmlCallback frame")}, nil
	}
	c := frame.HtmlCallback
	m := &domain.Message{
		MessageID:   uuid.NewString(),
		FromUserID:  c.UserID,
		ToUserID:    c.TemplateID,
		Content:     fmt.Sprintf("%s:%s", c.Action, c.ElementID),
		ContentKind: domain.ContentHTMLTemplate,
		Timestamp:   time.Now(),
	}
	if err := r.persistWithRetry(ctx, m); err != nil {
		return []protocol.Frame{protocol.NewSystem(protocol.LevelError, string(apperr.CodeDurableUnavailable), "failed to persist callback")}, nil
	}
	return nil, nil
}

func (r *Router) handleVoice(ctx context.Context, state *ConnState, frame protocol.Frame) ([]protocol.Frame, error) {
	if frame.Voice == nil || frame.Voice.To == "" {
		return []protocol.Frame{protocol.NewSystem(protocol.LevelError, string(apperr.CodeMalformedHandshake), "malformed Voice frame")}, nil
	}
	v := frame.Voice
	m := &domain.Message{
		MessageID:   uuid.NewString(),
		FromUserID:  v.From,
		ToUserID:    v.To,
		Content:     v.URL,
		ContentKind: domain.ContentVoice,
		DurationMs:  v.DurationMs,
		Timestamp:   time.Now(),
	}
	if err := r.persistWithRetry(ctx, m); err != nil {
		return []protocol.Frame{protocol.NewSystem(protocol.LevelError, string(apperr.CodeDurableUnavailable), "failed to persist voice message")}, nil
	}
	to := peerIdentity(state.Identity, v.To)
	outcome := r.registry.SendTo(to, frame)
	return []protocol.Frame{ackFor(m.MessageID, outcome)}, nil
}

func ackFor(messageID string, outcome domain.DeliveryOutcome) protocol.Frame {
	state := protocol.AckBuffered
	if outcome == domain.Delivered {
		state = protocol.AckDelivered
	}
	return protocol.NewStatusAck(messageID, state)
}

func (r *Router) persistWithRetry(ctx context.Context, m *domain.Message) error {
	const attempts = 3
	var lastErr error
	for i := 0; i < attempts; i++ {
		err := r.repo.AppendMessage(ctx, m)
		if err == nil {
			return nil
		}
		lastErr = err
		time.Sleep(time.Duration(1<<i) * 20 * time.Millisecond)
	}
	return lastErr
}

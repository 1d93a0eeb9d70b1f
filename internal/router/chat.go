package router

import (
	"context"
	"time"

	"github.com/ashureev/kefu-relay/internal/apperr"
	"github.com/ashureev/kefu-relay/internal/domain"
	"github.com/ashureev/kefu-relay/internal/protocol"
	"github.com/google/uuid"
)

// handleChat implements the Chat frame catalogue entry: validate, resolve
// recipient, persist, deliver, and ack, per spec.md §4.7's Accepted ->
// Persisted -> {Delivered|Buffered} delivery state machine.
func (r *Router) handleChat(ctx context.Context, state *ConnState, frame protocol.Frame) ([]protocol.Frame, error) {
	c := frame.Chat
	if c == nil || c.From == "" || c.Content == "" {
		if state.strike() {
			return nil, &Fatal{Err: errMalformed("Chat", state.Identity)}
		}
		return []protocol.Frame{protocol.NewSystem(protocol.LevelError, string(apperr.CodeMalformedHandshake), "malformed Chat frame")}, nil
	}
	if c.From != string(state.Identity.ID) {
		if state.strike() {
			return nil, &Fatal{Err: errMalformed("Chat (identity mismatch)", state.Identity)}
		}
		return []protocol.Frame{protocol.NewSystem(protocol.LevelError, string(apperr.CodeMalformedHandshake), "from does not match connection identity")}, nil
	}
	if len(c.Content) > MaxMessageSize {
		return []protocol.Frame{protocol.NewSystem(protocol.LevelError, string(apperr.CodeFrameTooLarge), "message exceeds max size")}, nil
	}

	to := c.To
	if to == "" {
		bound, err := r.peerForIdentity(ctx, state.Identity)
		if err != nil || bound == "" {
			if state.Identity.Kind == domain.KindCustomer {
				return r.assignAndQueue(ctx, state, c)
			}
			return []protocol.Frame{protocol.NewSystem(protocol.LevelError, string(apperr.CodeNoRecipient), "no recipient resolved")}, nil
		}
		to = bound
	}

	messageID := c.ID
	if messageID == "" {
		messageID = uuid.NewString()
	}

	m := &domain.Message{
		MessageID:   messageID,
		FromUserID:  c.From,
		ToUserID:    to,
		Content:     c.Content,
		ContentKind: domain.ContentKind(c.ContentType),
		Filename:    c.Filename,
		Timestamp:   time.Now(),
	}
	if err := r.persistWithRetry(ctx, m); err != nil {
		return []protocol.Frame{protocol.NewSystem(protocol.LevelError, string(apperr.CodeDurableUnavailable), "failed to persist message")}, nil
	}

	recipient := peerIdentity(state.Identity, to)
	outcome := r.registry.SendTo(recipient, frame)
	return []protocol.Frame{ackFor(messageID, outcome)}, nil
}

// assignAndQueue implements the at-most-one-binding rule: a Chat from a
// customer without a current binding triggers a just-in-time assign; on
// failure the message is queued until a binding exists.
func (r *Router) assignAndQueue(ctx context.Context, state *ConnState, c *protocol.ChatFrame) ([]protocol.Frame, error) {
	customerID := string(state.Identity.ID)
	agentID, err := r.assignment.Assign(ctx, customerID, "")
	if err != nil {
		r.queuePending(customerID, *c)
		return []protocol.Frame{protocol.NewSystem(protocol.LevelWarning, string(apperr.CodeNoAgentAvailable), "no agent available, message queued")}, nil
	}
	r.registry.SendTo(domain.Identity{Kind: domain.KindCustomer, ID: domain.UserID(customerID)},
		protocol.NewSystem(protocol.LevelInfo, "AgentAssigned", "an agent has been assigned to your conversation"))

	messageID := c.ID
	if messageID == "" {
		messageID = uuid.NewString()
	}
	m := &domain.Message{
		MessageID:   messageID,
		FromUserID:  customerID,
		ToUserID:    agentID,
		Content:     c.Content,
		ContentKind: domain.ContentKind(c.ContentType),
		Filename:    c.Filename,
		Timestamp:   time.Now(),
	}
	if err := r.persistWithRetry(ctx, m); err != nil {
		return []protocol.Frame{protocol.NewSystem(protocol.LevelError, string(apperr.CodeDurableUnavailable), "failed to persist message")}, nil
	}
	outcome := r.registry.SendTo(domain.Identity{Kind: domain.KindAgent, ID: domain.UserID(agentID)}, wrapChat(m))
	return []protocol.Frame{ackFor(messageID, outcome)}, nil
}

func wrapChat(m *domain.Message) protocol.Frame {
	return protocol.Frame{
		Type:      protocol.KindChat,
		Timestamp: m.Timestamp,
		Chat: &protocol.ChatFrame{
			ID:          m.MessageID,
			From:        m.FromUserID,
			To:          m.ToUserID,
			Content:     m.Content,
			ContentType: protocol.ContentType(m.ContentKind),
			Filename:    m.Filename,
		},
	}
}

func (r *Router) queuePending(customerID string, c protocol.ChatFrame) {
	r.pendingMu.Lock()
	defer r.pendingMu.Unlock()
	r.pending[customerID] = append(r.pending[customerID], c)
}

// FlushPending delivers every Chat frame queued for customerID once a
// binding exists, in original arrival order. Intended to be called by the
// Scheduler (C9) waiting-queue drain loop after an assignment succeeds.
func (r *Router) FlushPending(ctx context.Context, customerID string) error {
	r.pendingMu.Lock()
	queued := r.pending[customerID]
	delete(r.pending, customerID)
	r.pendingMu.Unlock()

	if len(queued) == 0 {
		return nil
	}

	agentID, err := r.assignment.CurrentBinding(ctx, customerID)
	if err != nil || agentID == "" {
		r.pendingMu.Lock()
		r.pending[customerID] = append(queued, r.pending[customerID]...)
		r.pendingMu.Unlock()
		return err
	}

	for _, c := range queued {
		messageID := c.ID
		if messageID == "" {
			messageID = uuid.NewString()
		}
		m := &domain.Message{
			MessageID:   messageID,
			FromUserID:  customerID,
			ToUserID:    agentID,
			Content:     c.Content,
			ContentKind: domain.ContentKind(c.ContentType),
			Filename:    c.Filename,
			Timestamp:   time.Now(),
		}
		if err := r.persistWithRetry(ctx, m); err != nil {
			continue
		}
		r.registry.SendTo(domain.Identity{Kind: domain.KindAgent, ID: domain.UserID(agentID)}, wrapChat(m))
	}
	return nil
}

func errMalformed(kind string, identity domain.Identity) error {
	return apperr.Newf(apperr.CodeMalformedHandshake, "malformed %s frame from %s", kind, identity.String())
}

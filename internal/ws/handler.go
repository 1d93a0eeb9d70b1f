// Package ws implements the WebSocket upgrade handler: handshake admission
// (C9) and the per-connection read/write loop pair that bridges the wire
// to the Message Router (C7) and Connection Registry (C6). Grounded on the
// teacher's internal/terminal/websocket.go, generalized from a single
// container-attach session to the relay's two populations and typed frame
// protocol.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/ashureev/kefu-relay/internal/apperr"
	"github.com/ashureev/kefu-relay/internal/assignment"
	"github.com/ashureev/kefu-relay/internal/auth"
	"github.com/ashureev/kefu-relay/internal/domain"
	"github.com/ashureev/kefu-relay/internal/presence"
	"github.com/ashureev/kefu-relay/internal/protocol"
	"github.com/ashureev/kefu-relay/internal/registry"
	"github.com/ashureev/kefu-relay/internal/router"
	"github.com/coder/websocket"
)

// Close codes, per spec.md §7 ("Boundary behaviours" / handshake table).
const (
	CloseAuthRequired    = websocket.StatusCode(4401)
	CloseIdle            = websocket.StatusCode(4408)
	CloseSuperseded      = websocket.StatusCode(4409)
	CloseRateLimited     = websocket.StatusCode(4429)
	CloseServerError     = websocket.StatusCode(4500)
	CloseNormal          = websocket.StatusNormalClosure
	handshakeTimeout     = 10 * time.Second
	idleTimeout          = 90 * time.Second
	writeTimeout         = 10 * time.Second
)

// Handler upgrades HTTP requests to the persistent bidirectional protocol
// connection and wires each one to the registry and router.
type Handler struct {
	registry      *registry.Registry
	router        *router.Router
	presence      *presence.Tracker
	auth          *auth.Service
	assignment    *assignment.Engine
	allowedOrigin string
	isDev         bool
}

// NewHandler constructs a ws.Handler over the already-wired domain
// components.
func NewHandler(reg *registry.Registry, rt *router.Router, presenceTracker *presence.Tracker, authSvc *auth.Service, assignmentEngine *assignment.Engine, allowedOrigin string, isDev bool) *Handler {
	return &Handler{
		registry:      reg,
		router:        rt,
		presence:      presenceTracker,
		auth:          authSvc,
		assignment:    assignmentEngine,
		allowedOrigin: allowedOrigin,
		isDev:         isDev,
	}
}

// handshakeParams is the parsed and validated query-string handshake,
// spec.md §6: user_id, user_type, user_name, session_token (agents only),
// timestamp.
type handshakeParams struct {
	identity domain.Identity
	name     string
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	if h.isDev {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" || h.allowedOrigin == "*" {
		return true
	}
	if origin == h.allowedOrigin {
		return true
	}
	slog.Warn("websocket origin rejected", "origin", origin, "allowed", h.allowedOrigin)
	return false
}

// parseHandshake validates the wire's (user_id, user_type, [session_token])
// triple. user_type is kefu (agent) or kehu (customer); agents additionally
// require a valid bearer session_token.
func (h *Handler) parseHandshake(ctx context.Context, r *http.Request) (*handshakeParams, error) {
	q := r.URL.Query()
	userID := q.Get("user_id")
	userType := q.Get("user_type")
	name := q.Get("user_name")

	if userID == "" || (userType != "kefu" && userType != "kehu") {
		return nil, apperr.New(apperr.CodeMalformedHandshake, "unknown or missing user_type")
	}

	kind := domain.KindCustomer
	if userType == "kefu" {
		kind = domain.KindAgent
		token := q.Get("session_token")
		if token == "" {
			return nil, apperr.New(apperr.CodeBadCredentials, "agent handshake requires session_token")
		}
		st, err := h.auth.Validate(ctx, token)
		if err != nil {
			return nil, err
		}
		if st.AgentID != userID {
			return nil, apperr.New(apperr.CodeBadCredentials, "session_token does not match user_id")
		}
	}

	if name == "" {
		name = userID
	}
	return &handshakeParams{identity: domain.Identity{Kind: kind, ID: domain.UserID(userID)}, name: name}, nil
}

// ServeHTTP implements http.Handler for the protocol upgrade.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	handshakeCtx, cancel := context.WithTimeout(r.Context(), handshakeTimeout)
	params, err := h.parseHandshake(handshakeCtx, r)
	cancel()
	if err != nil {
		appErr := apperr.Wrap(err, apperr.CodeMalformedHandshake)
		slog.Warn("handshake rejected", "error", appErr, "remote", r.RemoteAddr)
		http.Error(w, appErr.Message, appErr.StatusCode())
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
	if err != nil {
		slog.Error("failed to accept websocket", "error", err, "identity", params.identity.String())
		return
	}

	identity := params.identity
	handle := h.registry.Register(identity, params.name)

	if err := h.presence.MarkOnline(r.Context(), string(identity.ID), identity.Kind); err != nil {
		slog.Warn("mark_online failed on connect", "identity", identity.String(), "error", err)
	}

	if identity.Kind == domain.KindCustomer {
		h.assignAndWelcome(r.Context(), identity)
	}

	ctx, cancelConn := context.WithCancel(r.Context())
	defer cancelConn()

	state := router.NewConnState(identity)

	var closeOnce bool
	closeConn := func(code websocket.StatusCode, reason string) {
		if closeOnce {
			return
		}
		closeOnce = true
		if closeErr := conn.Close(code, reason); closeErr != nil {
			slog.Debug("websocket close error", "identity", identity.String(), "error", closeErr)
		}
	}
	defer func() {
		h.registry.Disconnect(context.Background(), handle)
		closeConn(CloseNormal, "connection ended")
	}()

	done := make(chan struct{})
	go func() {
		defer close(done)
		h.writeLoop(ctx, conn, handle)
	}()

	h.readLoop(ctx, conn, handle, state, closeConn)
	cancelConn()
	<-done
}

// assignAndWelcome implements spec.md §4.6 steps 5-6: a newly-connected
// customer with no existing binding is assigned an agent (or enqueued), and
// on success the last N messages are pushed as a welcome History frame.
func (h *Handler) assignAndWelcome(ctx context.Context, customerID domain.Identity) {
	agentID, err := h.assignment.Assign(ctx, string(customerID.ID), "")
	if err != nil {
		slog.Info("customer connected with no agent available, enqueued", "identity", customerID.String())
		return
	}

	frame, err := h.router.WelcomeHistory(ctx, string(customerID.ID), agentID)
	if err != nil {
		slog.Warn("failed to load welcome history", "identity", customerID.String(), "error", err)
		return
	}
	h.registry.SendTo(customerID, frame)
}

// writeLoop drains handle's outbound channel to the wire until the
// connection is closed or superseded.
func (h *Handler) writeLoop(ctx context.Context, conn *websocket.Conn, handle *registry.Handle) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-handle.Closed():
			// The registry closes a handle while it is still served here
			// only when a newer connection for the same identity supersedes it.
			if ctx.Err() == nil {
				_ = conn.Close(CloseSuperseded, "superseded by a newer connection")
			}
			return
		case frame, ok := <-handle.Outbound():
			if !ok {
				return
			}
			data, err := json.Marshal(frame)
			if err != nil {
				slog.Error("failed to marshal outbound frame", "error", err)
				continue
			}
			writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
			err = conn.Write(writeCtx, websocket.MessageText, data)
			cancel()
			if err != nil {
				if ctx.Err() == nil {
					slog.Debug("websocket write error", "identity", handle.Identity.String(), "error", err)
				}
				return
			}
		}
	}
}

// readLoop reads frames off the wire, dispatches them through the router,
// and relays any reply frames back to the sender. Idle and malformed-frame
// closes are enforced here.
func (h *Handler) readLoop(ctx context.Context, conn *websocket.Conn, handle *registry.Handle, state *router.ConnState, closeConn func(websocket.StatusCode, string)) {
	for {
		readCtx, cancel := context.WithTimeout(ctx, idleTimeout)
		_, data, err := conn.Read(readCtx)
		cancel()
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				closeConn(CloseIdle, "idle timeout")
				return
			}
			if websocket.CloseStatus(err) != -1 {
				slog.Debug("websocket closed by peer", "identity", handle.Identity.String())
			} else if ctx.Err() == nil {
				slog.Warn("websocket read error", "identity", handle.Identity.String(), "error", err)
			}
			return
		}

		var frame protocol.Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			if state.Strike() {
				closeConn(CloseServerError, "malformed frame")
				return
			}
			h.sendInline(handle.Identity, protocol.NewSystem(protocol.LevelError, string(apperr.CodeMalformedHandshake), "malformed frame"))
			continue
		}

		replies, err := h.router.Dispatch(ctx, state, frame)
		if err != nil {
			var fatal *router.Fatal
			if errors.As(err, &fatal) {
				slog.Warn("connection closed after repeated malformed frames", "identity", handle.Identity.String(), "error", err)
				closeConn(CloseServerError, "too many malformed frames")
				return
			}
			slog.Error("dispatch error", "identity", handle.Identity.String(), "error", err)
			continue
		}
		for _, reply := range replies {
			h.sendInline(handle.Identity, reply)
		}
	}
}

// sendInline delivers a reply frame back to its own sender through the
// registry rather than writing to handle.outbound directly (an
// unexported, receive-only-from-here field), so it goes through the same
// offline-buffering fallback as any other routed frame.
func (h *Handler) sendInline(identity domain.Identity, frame protocol.Frame) {
	h.registry.SendTo(identity, frame)
}

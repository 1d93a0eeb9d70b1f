// Package registry implements the Connection Registry (C6): the
// authoritative in-memory table of live bidirectional sessions. Grounded
// on the teacher's internal/terminal.SessionManager (a mutex-guarded
// map-of-maps of live *websocket.Conn, with supersede-on-reconnect), here
// generalized from (user_id, tab_session_id) keys to the single (kind, id)
// Identity key the relay's two populations use, and from a raw connection
// handle to a richer per-connection Handle carrying a bounded outbound
// channel and an offline frame buffer.
package registry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/kefu-relay/internal/assignment"
	"github.com/ashureev/kefu-relay/internal/domain"
	"github.com/ashureev/kefu-relay/internal/presence"
	"github.com/ashureev/kefu-relay/internal/protocol"
)

// outboundCapacity bounds each connection's outbound channel, per
// spec.md §4.6.
const outboundCapacity = 256

// offlineBufferCapacity bounds the per-user frame ring used while a user
// is briefly disconnected.
const offlineBufferCapacity = 256

// Handle is one live connection's registry-owned state: the bounded
// outbound channel a write task drains, plus bookkeeping used on
// supersede/disconnect.
type Handle struct {
	Identity    domain.Identity
	Name        string
	ConnectedAt time.Time
	EnqueuedAt  time.Time

	outbound chan protocol.Frame
	closed   chan struct{}
	once     sync.Once
}

// Outbound exposes the channel a connection's write task should drain.
func (h *Handle) Outbound() <-chan protocol.Frame { return h.outbound }

// Closed reports whether the handle has been superseded or deregistered.
func (h *Handle) Closed() <-chan struct{} { return h.closed }

// close marks the handle dead; idempotent.
func (h *Handle) close() {
	h.once.Do(func() { close(h.closed) })
}

// Registry is the authoritative live-connection table.
type Registry struct {
	mu      sync.RWMutex
	handles map[domain.Identity]*Handle
	buffers map[domain.Identity]*frameRing

	presence   *presence.Tracker
	assignment *assignment.Engine
}

// NewRegistry constructs an empty Registry.
func NewRegistry(presenceTracker *presence.Tracker, assignmentEngine *assignment.Engine) *Registry {
	return &Registry{
		handles:    make(map[domain.Identity]*Handle),
		buffers:    make(map[domain.Identity]*frameRing),
		presence:   presenceTracker,
		assignment: assignmentEngine,
	}
}

// Register admits a new connection for identity, superseding any prior
// connection for the same identity (single-active-session per identity,
// spec.md §4.6 step 3: close the prior connection with code 4409 before
// proceeding).
func (r *Registry) Register(identity domain.Identity, name string) *Handle {
	r.mu.Lock()
	if prev, ok := r.handles[identity]; ok {
		prev.close()
		delete(r.handles, identity)
	}

	now := time.Now()
	h := &Handle{
		Identity:    identity,
		Name:        name,
		ConnectedAt: now,
		// EnqueuedAt anchors this identity's original arrival time, used
		// to preserve fairness ordering if a bound customer is later
		// requeued after their agent disconnects (Disconnect below).
		EnqueuedAt: now,
		outbound:   make(chan protocol.Frame, outboundCapacity),
		closed:     make(chan struct{}),
	}
	r.handles[identity] = h

	if buf, ok := r.buffers[identity]; ok {
		for _, f := range buf.Drain() {
			select {
			case h.outbound <- f:
			default:
			}
		}
	}
	r.mu.Unlock()

	slog.Info("connection registered", "identity", identity.String())
	return h
}

// Unregister removes handle if it is still the current registration for
// its identity (a handle superseded by a later Register must not remove
// the newer one).
func (r *Registry) Unregister(h *Handle) {
	r.mu.Lock()
	if current, ok := r.handles[h.Identity]; ok && current == h {
		delete(r.handles, h.Identity)
	}
	r.mu.Unlock()
	h.close()
}

// SendTo enqueues frame to userID's outbound channel. If the user is not
// currently registered, the frame is buffered in a drop-oldest ring for
// delivery on reconnect.
func (r *Registry) SendTo(identity domain.Identity, frame protocol.Frame) domain.DeliveryOutcome {
	r.mu.RLock()
	h, ok := r.handles[identity]
	r.mu.RUnlock()

	if !ok {
		r.bufferOffline(identity, frame)
		return domain.NotRegistered
	}

	select {
	case h.outbound <- frame:
		return domain.Delivered
	default:
		// Outbound channel saturated: fall back to the offline ring so the
		// frame is not silently dropped.
		r.bufferOffline(identity, frame)
		return domain.BufferedOffline
	}
}

// Broadcast delivers frame to every currently-registered connection,
// e.g. the shutdown notice sent before the listener closes (spec.md §4.9).
// Offline users are not buffered for it: a broadcast is a point-in-time
// notice, not a message owed to a specific recipient.
func (r *Registry) Broadcast(frame protocol.Frame) {
	r.mu.RLock()
	handles := make([]*Handle, 0, len(r.handles))
	for _, h := range r.handles {
		handles = append(handles, h)
	}
	r.mu.RUnlock()

	for _, h := range handles {
		select {
		case h.outbound <- frame:
		default:
			slog.Warn("broadcast dropped, outbound channel saturated", "identity", h.Identity.String())
		}
	}
}

func (r *Registry) bufferOffline(identity domain.Identity, frame protocol.Frame) {
	r.mu.Lock()
	buf, ok := r.buffers[identity]
	if !ok {
		buf = newFrameRing(offlineBufferCapacity)
		r.buffers[identity] = buf
	}
	r.mu.Unlock()
	buf.Push(frame)
}

// Lookup returns the live handle for identity, if any.
func (r *Registry) Lookup(identity domain.Identity) (*Handle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handles[identity]
	return h, ok
}

// Disconnect runs the full disconnect path for identity (spec.md §4.6):
// deregister, mark offline, and for agents release every bound customer
// back to the head of the waiting queue (preserving their original
// enqueue order for fairness); for customers, release their own binding.
func (r *Registry) Disconnect(ctx context.Context, h *Handle) {
	r.Unregister(h)
	if current, ok := r.Lookup(h.Identity); ok && current != h {
		// Superseded: presence and bindings now belong to the newer
		// connection for this identity.
		slog.Info("superseded connection closed", "identity", h.Identity.String())
		return
	}

	if err := r.presence.MarkOffline(ctx, string(h.Identity.ID), h.Identity.Kind); err != nil {
		slog.Warn("mark offline failed", "identity", h.Identity.String(), "error", err)
	}

	switch h.Identity.Kind {
	case domain.KindCustomer:
		if err := r.assignment.Release(ctx, string(h.Identity.ID)); err != nil {
			slog.Warn("release binding failed", "identity", h.Identity.String(), "error", err)
		}
	case domain.KindAgent:
		customers, err := r.assignment.AgentCustomers(ctx, string(h.Identity.ID))
		if err != nil {
			slog.Warn("list agent customers failed", "identity", h.Identity.String(), "error", err)
			return
		}
		for _, customerID := range customers {
			originalEnqueuedAt := time.Now()
			if customerHandle, ok := r.Lookup(domain.Identity{Kind: domain.KindCustomer, ID: domain.UserID(customerID)}); ok {
				originalEnqueuedAt = customerHandle.EnqueuedAt
			}
			if err := r.assignment.Requeue(ctx, customerID, originalEnqueuedAt); err != nil {
				slog.Warn("requeue customer failed", "customer_id", customerID, "error", err)
				continue
			}
			r.SendTo(domain.Identity{Kind: domain.KindCustomer, ID: domain.UserID(customerID)},
				protocol.NewSystem(protocol.LevelWarning, "AgentDisconnected", "your agent disconnected; waiting for reassignment"))
		}
	}

	slog.Info("connection disconnected", "identity", h.Identity.String())
}

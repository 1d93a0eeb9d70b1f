package domain

import "time"

// DeliveryOutcome reports what happened to a frame enqueued for delivery.
type DeliveryOutcome string

const (
	Delivered       DeliveryOutcome = "Delivered"
	BufferedOffline DeliveryOutcome = "BufferedOffline"
	NotRegistered   DeliveryOutcome = "NotRegistered"
)

// ConnectionInfo is a read-only snapshot of a live connection's identity
// and timestamps. No package in the relay builds or reads it; the registry
// exposes live connections as *registry.Handle.
type ConnectionInfo struct {
	UserID       string
	Kind         UserKind
	ConnectedAt  time.Time
	LastActivity time.Time
}

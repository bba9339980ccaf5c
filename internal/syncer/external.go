package syncer

import (
	"context"
	"time"
)

// ExternalMessage is one row observed in the external message store.
// StableID may be empty when the backing store exposes no durable key.
type ExternalMessage struct {
	ChangeID    int64
	StableID    string
	Destination string
	Body        string
	Inbound     bool
	Status      string
	OccurredAt  time.Time
	DeliveredAt time.Time
	ErrorCode   string
}

// ExternalStore is the read-only view of the device-side message database.
//
// ChangedSince returns rows with a change id greater than sinceID plus the
// highest change id seen, so the caller can persist the marker. All streams
// the entire store for a full pass.
type ExternalStore interface {
	ChangedSince(ctx context.Context, sinceID int64) ([]ExternalMessage, int64, error)
	All(ctx context.Context) ([]ExternalMessage, int64, error)
}

// ChangeFeed is implemented by external stores that can push change
// notifications. The reconciler registers its debounced handler on Start and
// releases it on Stop; stores without a feed fall back to the periodic full
// pass alone.
type ChangeFeed interface {
	WatchChanges(fn func(changeID int64)) (stop func())
}

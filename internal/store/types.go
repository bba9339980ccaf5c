package store

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a row lookup matches nothing.
var ErrNotFound = errors.New("store: not found")

// Status is the queue item lifecycle state.
//
// PENDING → PROCESSING → {PENDING(retry), FAILED, EXHAUSTED, SENT};
// SENT → {DELIVERED, DELIVERY_FAILED, DELIVERY_EXPIRED}.
type Status string

const (
	StatusPending         Status = "PENDING"
	StatusProcessing      Status = "PROCESSING"
	StatusSent            Status = "SENT"
	StatusFailed          Status = "FAILED"
	StatusExhausted       Status = "EXHAUSTED"
	StatusDelivered       Status = "DELIVERED"
	StatusDeliveryFailed  Status = "DELIVERY_FAILED"
	StatusDeliveryExpired Status = "DELIVERY_EXPIRED"
)

// Terminal reports whether a queue item in this status will never change again.
func (s Status) Terminal() bool {
	switch s {
	case StatusFailed, StatusExhausted, StatusDelivered, StatusDeliveryFailed, StatusDeliveryExpired:
		return true
	}
	return false
}

// Message record direction and status values.
const (
	DirectionIn  = "IN"
	DirectionOut = "OUT"

	MessagePending   = "PENDING"
	MessageSending   = "SENDING"
	MessageSent      = "SENT"
	MessageDelivered = "DELIVERED"
	MessageFailed    = "FAILED"
	MessageReceived  = "RECEIVED"
)

// Well-known error codes persisted on terminal failures.
const (
	ErrCodeOptedOut  = "OPTED_OUT"
	ErrCodeExhausted = "RETRY_BUDGET_EXHAUSTED"
)

// CampaignStatus is the scheduled campaign lifecycle state.
type CampaignStatus string

const (
	CampaignScheduled CampaignStatus = "SCHEDULED"
	CampaignExecuting CampaignStatus = "EXECUTING"
	CampaignCompleted CampaignStatus = "COMPLETED"
	CampaignFailed    CampaignStatus = "FAILED"
	CampaignCancelled CampaignStatus = "CANCELLED"
)

// QueueItem is one attempt-tracked unit of outbound work.
//
// OriginSMSID is a weak reference to the message_records row this item
// reports into; the record stays valid after the item is pruned.
type QueueItem struct {
	ID            int64
	CorrelationID string
	Destination   string
	Payload       string
	Status        Status
	AttemptCount  int
	NextAttemptAt time.Time
	CreatedAt     time.Time
	ClaimedAt     time.Time
	SentAt        time.Time
	LastFailureAt time.Time
	ErrorCode     string
	OriginSMSID   int64
}

// MessageRecord is the durable log entry for one message, either direction.
type MessageRecord struct {
	ID          int64
	ExternalID  string
	Destination string
	Body        string
	Direction   string
	Status      string
	CreatedAt   time.Time
	SentAt      time.Time
	DeliveredAt time.Time
	ErrorCode   string
}

// Campaign is a plan (one-off or recurring) to populate the queue later.
type Campaign struct {
	ID              int64
	CampaignID      string
	Name            string
	Status          CampaignStatus
	IsRecurring     bool
	Recurrence      string
	NextExecutionAt time.Time
	LastExecutionAt time.Time
	Occurrences     int
	IsActive        bool
	CreatedAt       time.Time
}

// Conversation is one row of the per-destination index.
type Conversation struct {
	Destination   string
	LastMessageAt time.Time
	LastBody      string
	MessageCount  int
}

// OptOut mirrors the compliance collaborator's record.
type OptOut struct {
	Destination string
	Active      bool
	Source      string
	OptedOutAt  time.Time
}

func msOrNil(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UnixMilli()
}

func msToTime(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

func nullStr(v string) any {
	if v == "" {
		return nil
	}
	return v
}

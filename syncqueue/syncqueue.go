// Package syncqueue holds the durable per-user log of mutations made while a
// client was offline, waiting to be replayed against the downstream services.
package syncqueue

import (
	"context"
	"errors"
	"time"
)

// Operation is the kind of mutation a queue item carries.
type Operation string

const (
	OpCreate Operation = "CREATE"
	OpUpdate Operation = "UPDATE"
	OpDelete Operation = "DELETE"
)

// Item status values. PENDING and IN_PROGRESS are live; COMPLETED and FAILED
// are terminal.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusInProgress Status = "IN_PROGRESS"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
)

// Terminal returns true for statuses that an item can never leave.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// ErrUnknownUser is returned when an operation names an empty or otherwise
// unusable user identifier.
var ErrUnknownUser = errors.New("unknown user")

// ErrItemNotFound is returned for transitions on a queue item id that does not exist.
var ErrItemNotFound = errors.New("queue item not found")

// ErrInvalidTransition is returned when a status transition is requested on an
// item whose current status does not permit it (e.g. completing an item that
// was never marked in progress).
var ErrInvalidTransition = errors.New("invalid queue item status transition")

// Item is a single queued mutation. Items for one user are replayed strictly
// in CreatedAt order; a requeued item keeps its original CreatedAt so a retry
// never changes its position.
type Item struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	CreatedAt time.Time `gorm:"index" json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`

	UserID     string    `gorm:"index" json:"userId"`
	EntityType string    `json:"entityType"`
	EntityID   string    `json:"entityId"`
	Operation  Operation `json:"operationType"`

	// Payload is the serialized mutation body. The queue does not interpret it.
	Payload string `gorm:"type:text" json:"payload"`

	// ExpectedVersion is the remote entity version this mutation was based on.
	ExpectedVersion int64 `json:"expectedVersion"`

	// ClientTimestamp is when the client made the edit, used as the local side
	// of conflict arbitration. Defaults to enqueue time.
	ClientTimestamp time.Time `json:"clientTimestamp"`

	Status      Status     `gorm:"index" json:"status"`
	RetryCount  int        `json:"retryCount"`
	LastError   string     `json:"lastError,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}

func (Item) TableName() string {
	return "sync_queue_items"
}

// EnqueueParams are the caller-supplied fields of a new queue item.
type EnqueueParams struct {
	EntityType      string
	EntityID        string
	Operation       Operation
	Payload         string
	ExpectedVersion int64
	ClientTimestamp time.Time
}

// Counts is a per-status breakdown of one user's queue.
type Counts struct {
	Pending    int64
	InProgress int64
	Completed  int64
	Failed     int64
}

// Live is the number of items not in a terminal status.
func (c Counts) Live() int64 {
	return c.Pending + c.InProgress
}

// Total is the number of items in any status.
func (c Counts) Total() int64 {
	return c.Pending + c.InProgress + c.Completed + c.Failed
}

// Store is the queue contract. Each Mark*/Requeue call is a single atomic
// transition; implementations must reject transitions from the wrong current
// status with ErrInvalidTransition and unknown ids with ErrItemNotFound.
type Store interface {
	// Enqueue appends a new PENDING item for the user.
	Enqueue(ctx context.Context, userID string, params EnqueueParams) (*Item, error)

	// GetItem returns a single item by id.
	GetItem(ctx context.Context, id uint) (*Item, error)

	// ListPending returns the user's PENDING items in FIFO order (ascending
	// CreatedAt, id as tiebreak). The result is a snapshot, not a live stream.
	ListPending(ctx context.Context, userID string) ([]*Item, error)

	// MarkInProgress transitions PENDING -> IN_PROGRESS.
	MarkInProgress(ctx context.Context, id uint) error

	// MarkCompleted transitions IN_PROGRESS -> COMPLETED.
	MarkCompleted(ctx context.Context, id uint, at time.Time) error

	// Requeue transitions IN_PROGRESS -> PENDING with the new retry count,
	// recording the error that caused the attempt to fail. CreatedAt is left
	// untouched so the item keeps its place in FIFO order.
	Requeue(ctx context.Context, id uint, retryCount int, lastError string) error

	// MarkFailed transitions IN_PROGRESS -> FAILED permanently.
	MarkFailed(ctx context.Context, id uint, retryCount int, lastError string, at time.Time) error

	// PurgeCompleted deletes the user's COMPLETED items and returns how many
	// were removed. Calling it again immediately returns 0.
	PurgeCompleted(ctx context.Context, userID string) (int64, error)

	// CancelPending deletes the user's PENDING items (abandoning offline
	// edits). IN_PROGRESS items are not touched.
	CancelPending(ctx context.Context, userID string) (int64, error)

	// CountLive returns the number of non-terminal items for the user.
	CountLive(ctx context.Context, userID string) (int64, error)

	// CountByStatus returns the user's per-status item counts.
	CountByStatus(ctx context.Context, userID string) (Counts, error)
}

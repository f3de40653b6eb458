// Package status tracks each user's connectivity and sync state. The state
// machine is OFFLINE / IDLE / PENDING_SYNC / SYNCING; entry into SYNCING is a
// compare-and-set on the status row, which is what enforces the one active
// sync run per user invariant.
package status

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/gorm"

	"github.com/kisan-sahayak/syncd/syncqueue"
)

const (
	StateIdle        = "IDLE"
	StateOffline     = "OFFLINE"
	StatePendingSync = "PENDING_SYNC"
	StateSyncing     = "SYNCING"
)

// ErrAlreadySyncing is returned when a sync run is requested for a user whose
// status row is already SYNCING. Not an alarm condition; the caller should
// simply try again later.
var ErrAlreadySyncing = errors.New("sync already in progress for user")

// ErrUserOffline is returned when a sync run is requested while the user is
// still marked OFFLINE.
var ErrUserOffline = errors.New("user is offline")

// UserStatus is the per-user sync status row. Created lazily on first
// interaction, never deleted.
type UserStatus struct {
	ID        uint      `gorm:"primarykey" json:"-"`
	CreatedAt time.Time `json:"-"`
	UpdatedAt time.Time `json:"-"`

	UserID string `gorm:"uniqueIndex" json:"userId"`
	State  string `gorm:"index" json:"syncState"`

	// PendingChanges mirrors the queue's live item count. It is recomputed
	// from the queue on every transition rather than maintained independently.
	PendingChanges int64 `json:"pendingChanges"`

	LastSyncAt   *time.Time `json:"lastSyncAt,omitempty"`
	OfflineSince *time.Time `json:"offlineSince,omitempty"`
	LastError    string     `json:"lastError,omitempty"`

	DeviceID   string `json:"deviceId,omitempty"`
	AppVersion string `json:"appVersion,omitempty"`
}

func (UserStatus) TableName() string {
	return "sync_statuses"
}

// Tracker owns the per-user status rows. Pending counts are read from the
// queue store so the two can never drift.
type Tracker struct {
	db    *gorm.DB
	queue syncqueue.Store
}

func NewTracker(db *gorm.DB, queue syncqueue.Store) (*Tracker, error) {
	if err := db.AutoMigrate(&UserStatus{}); err != nil {
		return nil, err
	}
	return &Tracker{db: db, queue: queue}, nil
}

// GetOrCreate returns the user's status row, creating an IDLE one on first
// contact.
func (t *Tracker) GetOrCreate(ctx context.Context, userID string) (*UserStatus, error) {
	if userID == "" {
		return nil, syncqueue.ErrUnknownUser
	}

	var st UserStatus
	if err := t.db.WithContext(ctx).Find(&st, "user_id = ?", userID).Error; err != nil {
		return nil, err
	}
	if st.ID != 0 {
		return &st, nil
	}

	st = UserStatus{UserID: userID, State: StateIdle}
	if err := t.db.WithContext(ctx).Create(&st).Error; err != nil {
		// Lost a create race; the row exists now.
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			var exist UserStatus
			if ferr := t.db.WithContext(ctx).First(&exist, "user_id = ?", userID).Error; ferr != nil {
				return nil, ferr
			}
			return &exist, nil
		}
		return nil, err
	}
	slog.Info("created sync status", "source", "status_tracker", "user", userID)
	return &st, nil
}

// EnterOffline moves the user to OFFLINE from any state, recording when the
// connection dropped.
func (t *Tracker) EnterOffline(ctx context.Context, userID string) (*UserStatus, error) {
	st, err := t.GetOrCreate(ctx, userID)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	updates := map[string]any{
		"state":         StateOffline,
		"offline_since": now,
	}
	if err := t.db.WithContext(ctx).Model(st).Updates(updates).Error; err != nil {
		return nil, err
	}
	stateTransitions.WithLabelValues(StateOffline).Inc()
	slog.Info("user entered offline mode", "source", "status_tracker", "user", userID)

	st.State = StateOffline
	st.OfflineSince = &now
	return st, nil
}

// ExitOffline moves the user out of OFFLINE: to PENDING_SYNC when queued
// items are waiting, straight to IDLE otherwise. The returned state tells the
// caller whether to kick off a sync run.
func (t *Tracker) ExitOffline(ctx context.Context, userID string) (*UserStatus, error) {
	st, err := t.GetOrCreate(ctx, userID)
	if err != nil {
		return nil, err
	}

	pending, err := t.queue.CountLive(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to count pending items: %w", err)
	}

	next := StateIdle
	if pending > 0 {
		next = StatePendingSync
	}

	updates := map[string]any{
		"state":           next,
		"offline_since":   nil,
		"pending_changes": pending,
	}
	if err := t.db.WithContext(ctx).Model(st).Updates(updates).Error; err != nil {
		return nil, err
	}
	stateTransitions.WithLabelValues(next).Inc()
	slog.Info("user exited offline mode", "source", "status_tracker", "user", userID, "state", next, "pending", pending)

	st.State = next
	st.OfflineSince = nil
	st.PendingChanges = pending
	return st, nil
}

// BeginSync transitions IDLE or PENDING_SYNC to SYNCING and records the sync
// start time. The transition is a guarded update on the current state, so of
// two concurrent callers exactly one wins; the loser gets ErrAlreadySyncing.
func (t *Tracker) BeginSync(ctx context.Context, userID string) error {
	if _, err := t.GetOrCreate(ctx, userID); err != nil {
		return err
	}

	now := time.Now()
	res := t.db.WithContext(ctx).Model(&UserStatus{}).
		Where("user_id = ? AND state IN ?", userID, []string{StateIdle, StatePendingSync}).
		Updates(map[string]any{
			"state":        StateSyncing,
			"last_sync_at": now,
			"last_error":   "",
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		var st UserStatus
		if err := t.db.WithContext(ctx).First(&st, "user_id = ?", userID).Error; err != nil {
			return err
		}
		if st.State == StateOffline {
			return ErrUserOffline
		}
		return ErrAlreadySyncing
	}
	stateTransitions.WithLabelValues(StateSyncing).Inc()
	return nil
}

// FinishSync releases SYNCING, landing on IDLE when the queue drained and
// PENDING_SYNC when live items remain (still retrying, or enqueued during
// the run).
func (t *Tracker) FinishSync(ctx context.Context, userID string) (*UserStatus, error) {
	pending, err := t.queue.CountLive(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to count pending items: %w", err)
	}

	next := StateIdle
	if pending > 0 {
		next = StatePendingSync
	}

	res := t.db.WithContext(ctx).Model(&UserStatus{}).
		Where("user_id = ? AND state = ?", userID, StateSyncing).
		Updates(map[string]any{
			"state":           next,
			"pending_changes": pending,
		})
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, fmt.Errorf("finish sync for user %s: %w", userID, syncqueue.ErrInvalidTransition)
	}
	stateTransitions.WithLabelValues(next).Inc()

	var st UserStatus
	if err := t.db.WithContext(ctx).First(&st, "user_id = ?", userID).Error; err != nil {
		return nil, err
	}
	return &st, nil
}

// Reconcile recomputes the pending count after queue-side bulk operations
// (cancel, purge). It flips IDLE <-> PENDING_SYNC to match, but never touches
// an active SYNCING run or an OFFLINE user.
func (t *Tracker) Reconcile(ctx context.Context, userID string) error {
	pending, err := t.queue.CountLive(ctx, userID)
	if err != nil {
		return err
	}

	next := StateIdle
	if pending > 0 {
		next = StatePendingSync
	}

	return t.db.WithContext(ctx).Model(&UserStatus{}).
		Where("user_id = ? AND state IN ?", userID, []string{StateIdle, StatePendingSync}).
		Updates(map[string]any{
			"state":           next,
			"pending_changes": pending,
		}).Error
}

// UpdateDeviceInfo records client metadata. No state-machine effect.
func (t *Tracker) UpdateDeviceInfo(ctx context.Context, userID, deviceID, appVersion string) error {
	st, err := t.GetOrCreate(ctx, userID)
	if err != nil {
		return err
	}
	return t.db.WithContext(ctx).Model(st).Updates(map[string]any{
		"device_id":   deviceID,
		"app_version": appVersion,
	}).Error
}

// SetLastError records a run-level sync error on the status row.
func (t *Tracker) SetLastError(ctx context.Context, userID, msg string) error {
	return t.db.WithContext(ctx).Model(&UserStatus{}).
		Where("user_id = ?", userID).
		Update("last_error", msg).Error
}

// IsOffline reports whether the user is currently in offline mode.
func (t *Tracker) IsOffline(ctx context.Context, userID string) (bool, error) {
	var st UserStatus
	if err := t.db.WithContext(ctx).Find(&st, "user_id = ?", userID).Error; err != nil {
		return false, err
	}
	return st.ID != 0 && st.State == StateOffline, nil
}

// Message renders the user-facing description of a status row. When a run is
// active, processed/total describe its live progress.
func Message(st *UserStatus, processed, total int) string {
	switch st.State {
	case StateSyncing:
		return fmt.Sprintf("Syncing %d of %d items...", processed, total)
	case StatePendingSync:
		return fmt.Sprintf("%d changes pending sync.", st.PendingChanges)
	case StateOffline:
		return "You are offline. Changes will sync when connection is restored."
	default:
		return "All data is synced."
	}
}

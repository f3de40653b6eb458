// Package conflict records divergent local/remote versions of an entity
// discovered during replay and arbitrates between them. The automatic policy
// is last-writer-wins on timestamps, with the remote side winning exact ties
// (the server is the tie-break authority).
package conflict

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"gorm.io/gorm"
)

const (
	// StrategyTimestampAuto marks a conflict resolved by the automatic
	// last-writer-wins policy.
	StrategyTimestampAuto = "TIMESTAMP_AUTO"
	// StrategyManual marks a conflict resolved by a caller-supplied value.
	StrategyManual = "MANUAL"
)

// ErrNotFound is returned for operations on a conflict id that does not exist.
var ErrNotFound = errors.New("conflict not found")

// ErrResolved is returned when resolving a conflict that is already resolved.
// Resolved records are immutable.
var ErrResolved = errors.New("conflict already resolved")

// Record is one detected divergence between a queued local mutation and the
// authoritative remote state of the same entity.
type Record struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	CreatedAt time.Time `gorm:"index" json:"detectedAt"`
	UpdatedAt time.Time `json:"-"`

	UserID     string `gorm:"index" json:"userId"`
	EntityType string `json:"entityType"`
	EntityID   string `json:"entityId"`

	LocalValue      string    `gorm:"type:text" json:"localValue"`
	LocalTimestamp  time.Time `json:"localTimestamp"`
	RemoteValue     string    `gorm:"type:text" json:"remoteValue"`
	RemoteTimestamp time.Time `json:"remoteTimestamp"`
	RemoteDeviceID  string    `json:"remoteDeviceId,omitempty"`

	Strategy      string     `json:"resolutionStrategy,omitempty"`
	Resolved      bool       `gorm:"index" json:"resolved"`
	ResolvedValue string     `gorm:"type:text" json:"resolvedValue,omitempty"`
	ResolvedAt    *time.Time `json:"resolvedAt,omitempty"`
	ResolvedBy    string     `json:"resolvedBy,omitempty"`
}

func (Record) TableName() string {
	return "sync_conflicts"
}

// LocalWins reports whether the local value wins timestamp arbitration. The
// local side must be strictly newer; on equal timestamps the remote wins.
func (r *Record) LocalWins() bool {
	return r.LocalTimestamp.After(r.RemoteTimestamp)
}

// SuggestedResolution names the side timestamp arbitration would pick.
func (r *Record) SuggestedResolution() string {
	if r.LocalWins() {
		return "local"
	}
	return "remote"
}

// DetectParams describe a divergence reported by a downstream replay call.
type DetectParams struct {
	UserID          string
	EntityType      string
	EntityID        string
	LocalValue      string
	LocalTimestamp  time.Time
	RemoteValue     string
	RemoteTimestamp time.Time
	RemoteDeviceID  string
}

// Resolver owns the conflict records.
type Resolver struct {
	db *gorm.DB
}

func NewResolver(db *gorm.DB) (*Resolver, error) {
	if err := db.AutoMigrate(&Record{}); err != nil {
		return nil, err
	}
	return &Resolver{db: db}, nil
}

// Detect records a divergence, deduplicating on (user, entityType, entityID):
// if an unresolved record for the same entity already exists it is returned
// as-is.
func (r *Resolver) Detect(ctx context.Context, params DetectParams) (*Record, error) {
	var existing Record
	err := r.db.WithContext(ctx).
		Find(&existing, "user_id = ? AND entity_type = ? AND entity_id = ? AND resolved = ?",
			params.UserID, params.EntityType, params.EntityID, false).Error
	if err != nil {
		return nil, err
	}
	if existing.ID != 0 {
		return &existing, nil
	}

	rec := &Record{
		UserID:          params.UserID,
		EntityType:      params.EntityType,
		EntityID:        params.EntityID,
		LocalValue:      params.LocalValue,
		LocalTimestamp:  params.LocalTimestamp,
		RemoteValue:     params.RemoteValue,
		RemoteTimestamp: params.RemoteTimestamp,
		RemoteDeviceID:  params.RemoteDeviceID,
	}
	if err := r.db.WithContext(ctx).Create(rec).Error; err != nil {
		return nil, err
	}

	conflictsDetected.WithLabelValues(params.EntityType).Inc()
	slog.Info("detected sync conflict", "source", "conflict_resolver",
		"conflict", rec.ID, "user", params.UserID,
		"entityType", params.EntityType, "entityId", params.EntityID)
	return rec, nil
}

// Get returns a single conflict record by id.
func (r *Resolver) Get(ctx context.Context, id uint) (*Record, error) {
	var rec Record
	if err := r.db.WithContext(ctx).First(&rec, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &rec, nil
}

// ResolveByTimestamp applies last-writer-wins: the side with the later
// timestamp provides the resolved value, remote winning ties.
func (r *Resolver) ResolveByTimestamp(ctx context.Context, id uint) (*Record, error) {
	rec, err := r.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.Resolved {
		return nil, ErrResolved
	}

	winner := rec.RemoteValue
	if rec.LocalWins() {
		winner = rec.LocalValue
	}
	if err := r.resolve(ctx, rec, StrategyTimestampAuto, winner, "system"); err != nil {
		return nil, err
	}

	slog.Info("resolved conflict by timestamp", "source", "conflict_resolver",
		"conflict", rec.ID, "winner", rec.SuggestedResolution())
	return rec, nil
}

// ResolveManually records a caller-supplied resolution.
func (r *Resolver) ResolveManually(ctx context.Context, id uint, chosenValue, resolvedBy string) (*Record, error) {
	rec, err := r.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.Resolved {
		return nil, ErrResolved
	}

	if err := r.resolve(ctx, rec, StrategyManual, chosenValue, resolvedBy); err != nil {
		return nil, err
	}

	slog.Info("manually resolved conflict", "source", "conflict_resolver",
		"conflict", rec.ID, "resolvedBy", resolvedBy)
	return rec, nil
}

func (r *Resolver) resolve(ctx context.Context, rec *Record, strategy, value, by string) error {
	now := time.Now()

	// Guarded on resolved=false so a concurrent resolver cannot overwrite an
	// already-resolved record.
	res := r.db.WithContext(ctx).Model(&Record{}).
		Where("id = ? AND resolved = ?", rec.ID, false).
		Updates(map[string]any{
			"resolved":       true,
			"strategy":       strategy,
			"resolved_value": value,
			"resolved_at":    now,
			"resolved_by":    by,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrResolved
	}

	rec.Resolved = true
	rec.Strategy = strategy
	rec.ResolvedValue = value
	rec.ResolvedAt = &now
	rec.ResolvedBy = by

	conflictsResolved.WithLabelValues(strategy).Inc()
	return nil
}

// AutoResolveAll applies timestamp resolution to every unresolved conflict
// for the user, returning how many were resolved.
func (r *Resolver) AutoResolveAll(ctx context.Context, userID string) (int, error) {
	pending, err := r.ListPending(ctx, userID)
	if err != nil {
		return 0, err
	}

	resolved := 0
	for _, rec := range pending {
		if _, err := r.ResolveByTimestamp(ctx, rec.ID); err != nil {
			slog.Error("failed to auto-resolve conflict", "source", "conflict_resolver",
				"conflict", rec.ID, "err", err)
			continue
		}
		resolved++
	}
	return resolved, nil
}

// ListPending returns the user's unresolved conflicts, newest first.
func (r *Resolver) ListPending(ctx context.Context, userID string) ([]*Record, error) {
	var recs []*Record
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND resolved = ?", userID, false).
		Order("created_at desc").
		Find(&recs).Error
	if err != nil {
		return nil, err
	}
	return recs, nil
}

// ListAll returns all of the user's conflicts, newest first.
func (r *Resolver) ListAll(ctx context.Context, userID string) ([]*Record, error) {
	var recs []*Record
	err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at desc").
		Find(&recs).Error
	if err != nil {
		return nil, err
	}
	return recs, nil
}

// PendingCount returns the number of unresolved conflicts for the user.
func (r *Resolver) PendingCount(ctx context.Context, userID string) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&Record{}).
		Where("user_id = ? AND resolved = ?", userID, false).
		Count(&count).Error
	return count, err
}

// PurgeResolved deletes the user's resolved conflict records.
func (r *Resolver) PurgeResolved(ctx context.Context, userID string) (int64, error) {
	res := r.db.WithContext(ctx).
		Where("user_id = ? AND resolved = ?", userID, true).
		Delete(&Record{})
	return res.RowsAffected, res.Error
}

package syncqueue

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
)

// Gormstore is a gorm-backed implementation of the queue Store interface.
// Every status transition runs as one guarded UPDATE inside a transaction, so
// concurrent callers cannot move an item out of order.
type Gormstore struct {
	db *gorm.DB
}

func NewGormstore(db *gorm.DB) (*Gormstore, error) {
	if err := db.AutoMigrate(&Item{}); err != nil {
		return nil, err
	}
	return &Gormstore{db: db}, nil
}

func (s *Gormstore) Enqueue(ctx context.Context, userID string, params EnqueueParams) (*Item, error) {
	if userID == "" {
		return nil, ErrUnknownUser
	}

	now := time.Now()
	clientTS := params.ClientTimestamp
	if clientTS.IsZero() {
		clientTS = now
	}

	item := &Item{
		UserID:          userID,
		EntityType:      params.EntityType,
		EntityID:        params.EntityID,
		Operation:       params.Operation,
		Payload:         params.Payload,
		ExpectedVersion: params.ExpectedVersion,
		ClientTimestamp: clientTS,
		Status:          StatusPending,
		CreatedAt:       now,
	}
	if err := s.db.WithContext(ctx).Create(item).Error; err != nil {
		return nil, err
	}

	itemsEnqueued.WithLabelValues(string(params.Operation)).Inc()
	return item, nil
}

func (s *Gormstore) GetItem(ctx context.Context, id uint) (*Item, error) {
	var item Item
	if err := s.db.WithContext(ctx).First(&item, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrItemNotFound
		}
		return nil, err
	}
	return &item, nil
}

func (s *Gormstore) ListPending(ctx context.Context, userID string) ([]*Item, error) {
	if userID == "" {
		return nil, ErrUnknownUser
	}

	var items []*Item
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND status = ?", userID, StatusPending).
		Order("created_at asc, id asc").
		Find(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (s *Gormstore) MarkInProgress(ctx context.Context, id uint) error {
	return s.transition(ctx, id, StatusPending, map[string]any{
		"status": StatusInProgress,
	})
}

func (s *Gormstore) MarkCompleted(ctx context.Context, id uint, at time.Time) error {
	return s.transition(ctx, id, StatusInProgress, map[string]any{
		"status":       StatusCompleted,
		"completed_at": at,
		"last_error":   "",
	})
}

func (s *Gormstore) Requeue(ctx context.Context, id uint, retryCount int, lastError string) error {
	return s.transition(ctx, id, StatusInProgress, map[string]any{
		"status":      StatusPending,
		"retry_count": retryCount,
		"last_error":  lastError,
	})
}

func (s *Gormstore) MarkFailed(ctx context.Context, id uint, retryCount int, lastError string, at time.Time) error {
	return s.transition(ctx, id, StatusInProgress, map[string]any{
		"status":       StatusFailed,
		"retry_count":  retryCount,
		"last_error":   lastError,
		"completed_at": at,
	})
}

// transition applies a single status transition as a guarded update. The
// WHERE clause carries the required current status, so a concurrent or stale
// caller affects zero rows and gets ErrInvalidTransition instead of
// clobbering the item.
func (s *Gormstore) transition(ctx context.Context, id uint, from Status, updates map[string]any) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&Item{}).
			Where("id = ? AND status = ?", id, from).
			Updates(updates)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			var count int64
			if err := tx.Model(&Item{}).Where("id = ?", id).Count(&count).Error; err != nil {
				return err
			}
			if count == 0 {
				return ErrItemNotFound
			}
			return ErrInvalidTransition
		}
		if next, ok := updates["status"].(Status); ok {
			itemTransitions.WithLabelValues(string(next)).Inc()
		}
		return nil
	})
}

func (s *Gormstore) PurgeCompleted(ctx context.Context, userID string) (int64, error) {
	if userID == "" {
		return 0, ErrUnknownUser
	}

	res := s.db.WithContext(ctx).
		Where("user_id = ? AND status = ?", userID, StatusCompleted).
		Delete(&Item{})
	if res.Error != nil {
		return 0, res.Error
	}
	itemsPurged.Add(float64(res.RowsAffected))
	return res.RowsAffected, nil
}

func (s *Gormstore) CancelPending(ctx context.Context, userID string) (int64, error) {
	if userID == "" {
		return 0, ErrUnknownUser
	}

	res := s.db.WithContext(ctx).
		Where("user_id = ? AND status = ?", userID, StatusPending).
		Delete(&Item{})
	if res.Error != nil {
		return 0, res.Error
	}
	itemsCancelled.Add(float64(res.RowsAffected))
	return res.RowsAffected, nil
}

func (s *Gormstore) CountLive(ctx context.Context, userID string) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&Item{}).
		Where("user_id = ? AND status IN ?", userID, []Status{StatusPending, StatusInProgress}).
		Count(&count).Error
	if err != nil {
		return 0, err
	}
	return count, nil
}

func (s *Gormstore) CountByStatus(ctx context.Context, userID string) (Counts, error) {
	var rows []struct {
		Status Status
		N      int64
	}
	err := s.db.WithContext(ctx).Model(&Item{}).
		Select("status, count(*) as n").
		Where("user_id = ?", userID).
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return Counts{}, err
	}

	var c Counts
	for _, row := range rows {
		switch row.Status {
		case StatusPending:
			c.Pending = row.N
		case StatusInProgress:
			c.InProgress = row.N
		case StatusCompleted:
			c.Completed = row.N
		case StatusFailed:
			c.Failed = row.N
		}
	}
	return c, nil
}

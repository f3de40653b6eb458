package syncqueue

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Memstore is a simple in-memory implementation of the queue Store interface,
// used by tests and single-process setups.
type Memstore struct {
	lk     sync.Mutex
	nextID uint
	items  map[uint]*Item
}

func NewMemstore() *Memstore {
	return &Memstore{
		nextID: 1,
		items:  make(map[uint]*Item),
	}
}

func (s *Memstore) Enqueue(ctx context.Context, userID string, params EnqueueParams) (*Item, error) {
	if userID == "" {
		return nil, ErrUnknownUser
	}

	s.lk.Lock()
	defer s.lk.Unlock()

	now := time.Now()
	clientTS := params.ClientTimestamp
	if clientTS.IsZero() {
		clientTS = now
	}

	item := &Item{
		ID:              s.nextID,
		CreatedAt:       now,
		UpdatedAt:       now,
		UserID:          userID,
		EntityType:      params.EntityType,
		EntityID:        params.EntityID,
		Operation:       params.Operation,
		Payload:         params.Payload,
		ExpectedVersion: params.ExpectedVersion,
		ClientTimestamp: clientTS,
		Status:          StatusPending,
	}
	s.nextID++
	s.items[item.ID] = item

	itemsEnqueued.WithLabelValues(string(params.Operation)).Inc()

	cp := *item
	return &cp, nil
}

func (s *Memstore) GetItem(ctx context.Context, id uint) (*Item, error) {
	s.lk.Lock()
	defer s.lk.Unlock()

	item, ok := s.items[id]
	if !ok {
		return nil, ErrItemNotFound
	}
	cp := *item
	return &cp, nil
}

func (s *Memstore) ListPending(ctx context.Context, userID string) ([]*Item, error) {
	if userID == "" {
		return nil, ErrUnknownUser
	}

	s.lk.Lock()
	defer s.lk.Unlock()

	var out []*Item
	for _, item := range s.items {
		if item.UserID == userID && item.Status == StatusPending {
			cp := *item
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *Memstore) transition(id uint, from Status, apply func(*Item)) error {
	s.lk.Lock()
	defer s.lk.Unlock()

	item, ok := s.items[id]
	if !ok {
		return ErrItemNotFound
	}
	if item.Status != from {
		return ErrInvalidTransition
	}
	apply(item)
	item.UpdatedAt = time.Now()
	itemTransitions.WithLabelValues(string(item.Status)).Inc()
	return nil
}

func (s *Memstore) MarkInProgress(ctx context.Context, id uint) error {
	return s.transition(id, StatusPending, func(item *Item) {
		item.Status = StatusInProgress
	})
}

func (s *Memstore) MarkCompleted(ctx context.Context, id uint, at time.Time) error {
	return s.transition(id, StatusInProgress, func(item *Item) {
		item.Status = StatusCompleted
		item.CompletedAt = &at
		item.LastError = ""
	})
}

func (s *Memstore) Requeue(ctx context.Context, id uint, retryCount int, lastError string) error {
	return s.transition(id, StatusInProgress, func(item *Item) {
		item.Status = StatusPending
		item.RetryCount = retryCount
		item.LastError = lastError
	})
}

func (s *Memstore) MarkFailed(ctx context.Context, id uint, retryCount int, lastError string, at time.Time) error {
	return s.transition(id, StatusInProgress, func(item *Item) {
		item.Status = StatusFailed
		item.RetryCount = retryCount
		item.LastError = lastError
		item.CompletedAt = &at
	})
}

func (s *Memstore) deleteWhere(userID string, status Status) int64 {
	s.lk.Lock()
	defer s.lk.Unlock()

	var n int64
	for id, item := range s.items {
		if item.UserID == userID && item.Status == status {
			delete(s.items, id)
			n++
		}
	}
	return n
}

func (s *Memstore) PurgeCompleted(ctx context.Context, userID string) (int64, error) {
	if userID == "" {
		return 0, ErrUnknownUser
	}
	n := s.deleteWhere(userID, StatusCompleted)
	itemsPurged.Add(float64(n))
	return n, nil
}

func (s *Memstore) CancelPending(ctx context.Context, userID string) (int64, error) {
	if userID == "" {
		return 0, ErrUnknownUser
	}
	n := s.deleteWhere(userID, StatusPending)
	itemsCancelled.Add(float64(n))
	return n, nil
}

func (s *Memstore) CountLive(ctx context.Context, userID string) (int64, error) {
	c, err := s.CountByStatus(ctx, userID)
	if err != nil {
		return 0, err
	}
	return c.Live(), nil
}

func (s *Memstore) CountByStatus(ctx context.Context, userID string) (Counts, error) {
	s.lk.Lock()
	defer s.lk.Unlock()

	var c Counts
	for _, item := range s.items {
		if item.UserID != userID {
			continue
		}
		switch item.Status {
		case StatusPending:
			c.Pending++
		case StatusInProgress:
			c.InProgress++
		case StatusCompleted:
			c.Completed++
		case StatusFailed:
			c.Failed++
		}
	}
	return c, nil
}

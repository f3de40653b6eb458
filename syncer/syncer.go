// Package syncer drives the replay cycle: it takes a user from PENDING_SYNC
// into SYNCING, walks their queued mutations in FIFO order, delegates each to
// the downstream replayer, and routes failures through the retry policy and
// conflicts through the resolver.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/puzpuzpuz/xsync/v3"
	"go.opentelemetry.io/otel"
	"golang.org/x/sync/semaphore"

	"github.com/kisan-sahayak/syncd/conflict"
	"github.com/kisan-sahayak/syncd/replay"
	"github.com/kisan-sahayak/syncd/retry"
	"github.com/kisan-sahayak/syncd/status"
	"github.com/kisan-sahayak/syncd/syncqueue"
)

var tracer = otel.Tracer("syncer")

// Run summary status values.
const (
	RunCompleted      = "COMPLETED"
	RunPartial        = "PARTIAL"
	RunNoPendingItems = "NO_PENDING_ITEMS"
)

// Progress is the summary of one sync run for a user.
type Progress struct {
	UserID          string    `json:"userId"`
	TotalItems      int       `json:"totalItems"`
	ProcessedItems  int       `json:"processedItems"`
	FailedItems     int       `json:"failedItems"`
	PendingItems    int64     `json:"pendingItems"`
	InProgressItems int64     `json:"inProgressItems"`
	ProgressPercent int       `json:"progressPercent"`
	Status          string    `json:"status"`
	StartedAt       time.Time `json:"startedAt"`
	FinishedAt      time.Time `json:"finishedAt,omitempty"`
}

// liveRun is the mutable state of an in-flight run. The run goroutine writes
// it while status handlers read it concurrently, so all access goes through
// the mutex and readers only ever get a copy.
type liveRun struct {
	lk   sync.Mutex
	prog Progress
}

func (r *liveRun) update(fn func(*Progress)) {
	r.lk.Lock()
	defer r.lk.Unlock()
	fn(&r.prog)
}

func (r *liveRun) snapshot() *Progress {
	r.lk.Lock()
	defer r.lk.Unlock()
	cp := r.prog
	return &cp
}

type Options struct {
	// ParallelUsers bounds how many users' runs the trigger loop processes at
	// once. Runs for different users never share queue state.
	ParallelUsers int
	// HistorySize / HistoryTTL bound the retained per-user summaries of
	// recent runs.
	HistorySize int
	HistoryTTL  time.Duration
}

func DefaultOptions() *Options {
	return &Options{
		ParallelUsers: 10,
		HistorySize:   10_000,
		HistoryTTL:    time.Hour,
	}
}

// Syncer is the sync orchestrator.
type Syncer struct {
	store    syncqueue.Store
	tracker  *status.Tracker
	resolver *conflict.Resolver
	replayer replay.Replayer
	policy   retry.Policy

	parallelUsers int

	active  *xsync.MapOf[string, *liveRun]
	history *expirable.LRU[string, *Progress]

	trigger chan string
	stop    chan chan struct{}
}

func New(store syncqueue.Store, tracker *status.Tracker, resolver *conflict.Resolver, replayer replay.Replayer, policy retry.Policy, opts *Options) *Syncer {
	if opts == nil {
		opts = DefaultOptions()
	}

	return &Syncer{
		store:         store,
		tracker:       tracker,
		resolver:      resolver,
		replayer:      replayer,
		policy:        policy,
		parallelUsers: opts.ParallelUsers,
		active:        xsync.NewMapOf[string, *liveRun](),
		history:       expirable.NewLRU[string, *Progress](opts.HistorySize, nil, opts.HistoryTTL),
		trigger:       make(chan string, 1024),
		stop:          make(chan chan struct{}, 1),
	}
}

// Sync runs one full replay cycle for the user and returns its summary.
// Returns status.ErrAlreadySyncing when a run is already in flight.
func (s *Syncer) Sync(ctx context.Context, userID string) (*Progress, error) {
	ctx, span := tracer.Start(ctx, "Sync")
	defer span.End()

	log := slog.With("source", "syncer", "user", userID)

	if err := s.tracker.BeginSync(ctx, userID); err != nil {
		return nil, err
	}
	syncRunsStarted.Inc()

	run := &liveRun{prog: Progress{
		UserID:    userID,
		StartedAt: time.Now(),
	}}
	s.active.Store(userID, run)
	defer s.active.Delete(userID)

	// One snapshot up front: items enqueued during the run wait for the next
	// trigger, which bounds run duration and keeps the FIFO window simple.
	items, err := s.store.ListPending(ctx, userID)
	if err != nil {
		s.failRun(ctx, userID, err)
		return nil, fmt.Errorf("failed to list pending items: %w", err)
	}

	run.update(func(p *Progress) { p.TotalItems = len(items) })
	log.Info("starting sync run", "items", len(items))

	for _, item := range items {
		s.processItem(ctx, item, run)
		run.update(func(p *Progress) { p.ProgressPercent = percent(p.ProcessedItems, p.TotalItems) })
	}

	st, err := s.tracker.FinishSync(ctx, userID)
	if err != nil {
		s.failRun(ctx, userID, err)
		return nil, fmt.Errorf("failed to finalize sync run: %w", err)
	}

	counts, err := s.store.CountByStatus(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to count queue items: %w", err)
	}

	prog := run.snapshot()
	prog.PendingItems = counts.Pending
	prog.InProgressItems = counts.InProgress
	prog.ProgressPercent = percent(prog.ProcessedItems, prog.TotalItems)
	prog.FinishedAt = time.Now()

	switch {
	case prog.TotalItems == 0:
		prog.Status = RunNoPendingItems
	case prog.ProcessedItems == prog.TotalItems:
		prog.Status = RunCompleted
	default:
		prog.Status = RunPartial
	}

	s.history.Add(userID, prog)
	syncRunsFinished.WithLabelValues(prog.Status).Inc()

	log.Info("sync run complete",
		"processed", prog.ProcessedItems,
		"failed", prog.FailedItems,
		"total", prog.TotalItems,
		"state", st.State,
		"duration", prog.FinishedAt.Sub(prog.StartedAt),
	)
	return prog, nil
}

// failRun releases the SYNCING state after a run-level fault so the user is
// not wedged; the fault itself is surfaced to the caller.
func (s *Syncer) failRun(ctx context.Context, userID string, cause error) {
	if err := s.tracker.SetLastError(ctx, userID, cause.Error()); err != nil {
		slog.Error("failed to record sync run error", "source", "syncer", "user", userID, "err", err)
	}
	if _, err := s.tracker.FinishSync(ctx, userID); err != nil {
		slog.Error("failed to release syncing state", "source", "syncer", "user", userID, "err", err)
	}
}

// processItem attempts one queued mutation. Failures are recorded on the item
// and never abort the run.
func (s *Syncer) processItem(ctx context.Context, item *syncqueue.Item, run *liveRun) {
	log := slog.With("source", "syncer", "user", item.UserID, "item", item.ID,
		"entityType", item.EntityType, "operation", item.Operation)
	if item.RetryCount > 0 {
		log = log.With("retry_count", item.RetryCount)
	}

	if err := s.store.MarkInProgress(ctx, item.ID); err != nil {
		// Item was cancelled or already moved on; skip it and keep the run going.
		log.Error("failed to mark item in progress", "err", err)
		return
	}

	res, err := s.replayer.Replay(ctx, requestFor(item))
	if err != nil {
		s.handleFailure(ctx, item, item.RetryCount, err, run, log)
		return
	}

	if res.Conflict != nil {
		s.handleConflict(ctx, item, res.Conflict, run, log)
		return
	}

	s.complete(ctx, item, run, log)
}

// handleConflict records the divergence, resolves it by timestamp, and
// re-attempts the replay once with the resolved value against the remote
// version. The re-attempt does not consume the item's retry budget; only a
// transient failure inside it does.
func (s *Syncer) handleConflict(ctx context.Context, item *syncqueue.Item, snap *replay.RemoteSnapshot, run *liveRun, log *slog.Logger) {
	itemConflicts.Inc()

	rec, err := s.resolver.Detect(ctx, conflict.DetectParams{
		UserID:          item.UserID,
		EntityType:      item.EntityType,
		EntityID:        item.EntityID,
		LocalValue:      item.Payload,
		LocalTimestamp:  item.ClientTimestamp,
		RemoteValue:     snap.Value,
		RemoteTimestamp: snap.Timestamp,
		RemoteDeviceID:  snap.DeviceID,
	})
	if err != nil {
		s.fail(ctx, item, item.RetryCount, fmt.Errorf("failed to record conflict: %w", err), run, log)
		return
	}

	resolved := rec
	if !rec.Resolved {
		resolved, err = s.resolver.ResolveByTimestamp(ctx, rec.ID)
		if err != nil {
			s.fail(ctx, item, item.RetryCount, fmt.Errorf("failed to resolve conflict %d: %w", rec.ID, err), run, log)
			return
		}
	}

	req := requestFor(item)
	req.Payload = resolved.ResolvedValue
	req.ExpectedVersion = snap.Version

	res, err := s.replayer.Replay(ctx, req)
	if err != nil {
		s.handleFailure(ctx, item, item.RetryCount, err, run, log)
		return
	}
	if res.Conflict != nil {
		// The entity moved again between resolution and re-attempt. Give up on
		// this item rather than chasing the remote state in a loop.
		s.fail(ctx, item, item.RetryCount, errors.New("conflict re-attempt conflicted again"), run, log)
		return
	}

	log.Info("replayed item with resolved conflict value", "conflict", resolved.ID, "winner", resolved.SuggestedResolution())
	s.complete(ctx, item, run, log)
}

// handleFailure routes a failed attempt: permanent errors fail the item
// outright without touching the budget, transient ones consume one attempt
// and requeue while the budget lasts.
func (s *Syncer) handleFailure(ctx context.Context, item *syncqueue.Item, budgetUsed int, cause error, run *liveRun, log *slog.Logger) {
	if replay.IsPermanent(cause) {
		log.Warn("item failed permanently", "err", cause)
		s.fail(ctx, item, budgetUsed, cause, run, log)
		return
	}

	failures := budgetUsed + 1
	if s.policy.ShouldRetry(failures) {
		log.Warn("item failed, will retry on next sync", "err", cause,
			"failures", failures, "backoff", s.policy.DelayForAttempt(failures))
		if err := s.store.Requeue(ctx, item.ID, failures, cause.Error()); err != nil {
			log.Error("failed to requeue item", "err", err)
		}
		itemsRequeued.Inc()
		return
	}

	log.Warn("item exhausted retry budget", "err", cause, "failures", failures)
	s.fail(ctx, item, failures, cause, run, log)
}

func (s *Syncer) fail(ctx context.Context, item *syncqueue.Item, retryCount int, cause error, run *liveRun, log *slog.Logger) {
	if err := s.store.MarkFailed(ctx, item.ID, retryCount, cause.Error(), time.Now()); err != nil {
		log.Error("failed to mark item failed", "err", err)
		return
	}
	run.update(func(p *Progress) { p.FailedItems++ })
	itemsFailed.Inc()
}

func (s *Syncer) complete(ctx context.Context, item *syncqueue.Item, run *liveRun, log *slog.Logger) {
	if err := s.store.MarkCompleted(ctx, item.ID, time.Now()); err != nil {
		log.Error("failed to mark item completed", "err", err)
		return
	}
	run.update(func(p *Progress) { p.ProcessedItems++ })
	itemsProcessed.Inc()
}

func requestFor(item *syncqueue.Item) replay.Request {
	return replay.Request{
		UserID:          item.UserID,
		EntityType:      item.EntityType,
		EntityID:        item.EntityID,
		Operation:       string(item.Operation),
		Payload:         item.Payload,
		ExpectedVersion: item.ExpectedVersion,
	}
}

func percent(processed, total int) int {
	if total == 0 {
		return 100
	}
	return processed * 100 / total
}

// ActiveProgress returns a point-in-time copy of the progress of an in-flight
// run.
func (s *Syncer) ActiveProgress(userID string) (*Progress, bool) {
	run, ok := s.active.Load(userID)
	if !ok {
		return nil, false
	}
	return run.snapshot(), true
}

// LastRun returns the summary of the user's most recent finished run, if it
// is still within the history window.
func (s *Syncer) LastRun(userID string) (*Progress, bool) {
	return s.history.Get(userID)
}

// CancelPending removes the user's queued-but-unstarted items and reconciles
// the status row. An item already inside a replay call finishes its attempt.
func (s *Syncer) CancelPending(ctx context.Context, userID string) (int64, error) {
	n, err := s.store.CancelPending(ctx, userID)
	if err != nil {
		return 0, err
	}
	if err := s.tracker.Reconcile(ctx, userID); err != nil {
		return n, err
	}
	return n, nil
}

// Trigger requests a sync run for the user from the background loop. Safe to
// call from request handlers; duplicate triggers collapse into the
// already-syncing guard.
func (s *Syncer) Trigger(userID string) {
	select {
	case s.trigger <- userID:
	default:
		slog.Warn("sync trigger queue full, dropping trigger", "source", "syncer", "user", userID)
	}
}

// Start runs the trigger loop, processing sync runs for up to ParallelUsers
// users at a time. Blocks until Stop is called.
func (s *Syncer) Start() {
	ctx := context.Background()

	log := slog.With("source", "syncer")
	log.Info("starting sync processor")

	sem := semaphore.NewWeighted(int64(s.parallelUsers))

	for {
		select {
		case stopped := <-s.stop:
			log.Info("stopping sync processor")
			// ctx is never cancelled, so this only returns once every
			// in-flight run has released its slot.
			_ = sem.Acquire(ctx, int64(s.parallelUsers))
			close(stopped)
			return
		case userID := <-s.trigger:
			_ = sem.Acquire(ctx, 1)
			go func(uid string) {
				defer sem.Release(1)
				if _, err := s.Sync(ctx, uid); err != nil {
					if errors.Is(err, status.ErrAlreadySyncing) || errors.Is(err, status.ErrUserOffline) {
						log.Debug("skipping triggered sync", "user", uid, "reason", err)
						return
					}
					log.Error("sync run failed", "user", uid, "err", err)
				}
			}(userID)
		}
	}
}

// Stop drains the trigger loop, waiting for in-flight runs to finish.
func (s *Syncer) Stop(ctx context.Context) error {
	log := slog.With("source", "syncer")
	log.Info("stopping sync processor")
	stopped := make(chan struct{})
	s.stop <- stopped
	select {
	case <-stopped:
		log.Info("sync processor stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

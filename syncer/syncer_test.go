package syncer_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kisan-sahayak/syncd/conflict"
	"github.com/kisan-sahayak/syncd/replay"
	"github.com/kisan-sahayak/syncd/retry"
	"github.com/kisan-sahayak/syncd/status"
	"github.com/kisan-sahayak/syncd/syncer"
	"github.com/kisan-sahayak/syncd/syncqueue"
	"github.com/kisan-sahayak/syncd/util/cliutil"
)

// fakeReplayer records every replay request and delegates outcomes to a
// per-test handler. The default outcome is success.
type fakeReplayer struct {
	lk     sync.Mutex
	calls  []replay.Request
	handle func(req replay.Request) (*replay.Result, error)
}

func (f *fakeReplayer) Replay(ctx context.Context, req replay.Request) (*replay.Result, error) {
	f.lk.Lock()
	f.calls = append(f.calls, req)
	f.lk.Unlock()

	if f.handle != nil {
		return f.handle(req)
	}
	return &replay.Result{NewVersion: req.ExpectedVersion + 1}, nil
}

func (f *fakeReplayer) recorded() []replay.Request {
	f.lk.Lock()
	defer f.lk.Unlock()
	out := make([]replay.Request, len(f.calls))
	copy(out, f.calls)
	return out
}

type fixture struct {
	store    *syncqueue.Memstore
	tracker  *status.Tracker
	resolver *conflict.Resolver
	replayer *fakeReplayer
	syncer   *syncer.Syncer
}

func setup(t *testing.T) *fixture {
	t.Helper()

	db, err := cliutil.SetupDatabase("sqlite://:memory:", 1)
	require.NoError(t, err)

	store := syncqueue.NewMemstore()
	tracker, err := status.NewTracker(db, store)
	require.NoError(t, err)
	resolver, err := conflict.NewResolver(db)
	require.NoError(t, err)

	fr := &fakeReplayer{}
	sc := syncer.New(store, tracker, resolver, fr, retry.DefaultPolicy(), nil)

	return &fixture{
		store:    store,
		tracker:  tracker,
		resolver: resolver,
		replayer: fr,
		syncer:   sc,
	}
}

func (f *fixture) enqueue(t *testing.T, userID, entityID string, params ...syncqueue.EnqueueParams) *syncqueue.Item {
	t.Helper()

	p := syncqueue.EnqueueParams{
		EntityType: "CROP",
		EntityID:   entityID,
		Operation:  syncqueue.OpUpdate,
		Payload:    fmt.Sprintf(`{"entity":%q}`, entityID),
	}
	if len(params) > 0 {
		p = params[0]
	}
	item, err := f.store.Enqueue(context.Background(), userID, p)
	require.NoError(t, err)
	return item
}

// Enqueue while offline, reconnect, sync: everything completes and the user
// lands back on IDLE with nothing pending.
func TestSyncDrainsQueueInOrder(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	_, err := f.tracker.EnterOffline(ctx, "user-1")
	require.NoError(t, err)

	f.enqueue(t, "user-1", "a")
	f.enqueue(t, "user-1", "b")
	f.enqueue(t, "user-1", "c")

	st, err := f.tracker.ExitOffline(ctx, "user-1")
	require.NoError(t, err)
	require.Equal(t, status.StatePendingSync, st.State)

	prog, err := f.syncer.Sync(ctx, "user-1")
	require.NoError(t, err)

	assert.Equal(t, 3, prog.TotalItems)
	assert.Equal(t, 3, prog.ProcessedItems)
	assert.Equal(t, 0, prog.FailedItems)
	assert.Equal(t, 100, prog.ProgressPercent)
	assert.Equal(t, syncer.RunCompleted, prog.Status)

	calls := f.replayer.recorded()
	require.Len(t, calls, 3)
	assert.Equal(t, "a", calls[0].EntityID)
	assert.Equal(t, "b", calls[1].EntityID)
	assert.Equal(t, "c", calls[2].EntityID)

	st, err = f.tracker.GetOrCreate(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, status.StateIdle, st.State)
	assert.Equal(t, int64(0), st.PendingChanges)
}

func TestSyncEmptyQueue(t *testing.T) {
	f := setup(t)

	prog, err := f.syncer.Sync(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Equal(t, syncer.RunNoPendingItems, prog.Status)
	assert.Equal(t, 0, prog.TotalItems)
	assert.Equal(t, 100, prog.ProgressPercent)
	assert.Empty(t, f.replayer.recorded())
}

// An item that keeps failing transiently consumes one attempt per sync run,
// then fails permanently once the budget is gone and is never attempted again.
func TestTransientFailureRetryBound(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	f.replayer.handle = func(req replay.Request) (*replay.Result, error) {
		return nil, errors.New("downstream timeout")
	}

	item := f.enqueue(t, "user-1", "a")

	for attempt := 1; attempt <= 2; attempt++ {
		prog, err := f.syncer.Sync(ctx, "user-1")
		require.NoError(t, err)
		assert.Equal(t, syncer.RunPartial, prog.Status)

		got, err := f.store.GetItem(ctx, item.ID)
		require.NoError(t, err)
		assert.Equal(t, syncqueue.StatusPending, got.Status)
		assert.Equal(t, attempt, got.RetryCount)
		assert.Equal(t, "downstream timeout", got.LastError)

		st, err := f.tracker.GetOrCreate(ctx, "user-1")
		require.NoError(t, err)
		assert.Equal(t, status.StatePendingSync, st.State)
	}

	// Third failure exhausts the budget.
	_, err := f.syncer.Sync(ctx, "user-1")
	require.NoError(t, err)

	got, err := f.store.GetItem(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, syncqueue.StatusFailed, got.Status)
	assert.Equal(t, 3, got.RetryCount)

	// Terminal items are left alone by later runs.
	calls := len(f.replayer.recorded())
	prog, err := f.syncer.Sync(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, syncer.RunNoPendingItems, prog.Status)
	assert.Len(t, f.replayer.recorded(), calls)
}

func TestPermanentFailureSkipsRetryBudget(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	f.replayer.handle = func(req replay.Request) (*replay.Result, error) {
		return nil, replay.Permanent(errors.New("payload rejected"))
	}

	item := f.enqueue(t, "user-1", "a")

	prog, err := f.syncer.Sync(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, 1, prog.FailedItems)

	got, err := f.store.GetItem(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, syncqueue.StatusFailed, got.Status)
	assert.Equal(t, 0, got.RetryCount)
	require.Len(t, f.replayer.recorded(), 1)
}

// One item failing permanently never stops the items behind it.
func TestPartialFailureIsolation(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	f.replayer.handle = func(req replay.Request) (*replay.Result, error) {
		if req.EntityID == "b" {
			return nil, replay.Permanent(errors.New("payload rejected"))
		}
		return &replay.Result{NewVersion: 1}, nil
	}

	f.enqueue(t, "user-1", "a")
	f.enqueue(t, "user-1", "b")
	f.enqueue(t, "user-1", "c")
	f.enqueue(t, "user-1", "d")

	prog, err := f.syncer.Sync(ctx, "user-1")
	require.NoError(t, err)

	assert.Equal(t, 3, prog.ProcessedItems)
	assert.Equal(t, 1, prog.FailedItems)
	assert.Equal(t, syncer.RunPartial, prog.Status)

	calls := f.replayer.recorded()
	require.Len(t, calls, 4)
	assert.Equal(t, "d", calls[3].EntityID)
}

// A transiently failing item keeps its original queue position on the next
// run: replay order is by enqueue time, not requeue time.
func TestRequeuedItemKeepsFIFOPosition(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	first := true
	f.replayer.handle = func(req replay.Request) (*replay.Result, error) {
		if req.EntityID == "a" && first {
			first = false
			return nil, errors.New("downstream timeout")
		}
		return &replay.Result{NewVersion: 1}, nil
	}

	f.enqueue(t, "user-1", "a")
	f.enqueue(t, "user-1", "b")

	_, err := f.syncer.Sync(ctx, "user-1")
	require.NoError(t, err)

	// Second run: only "a" is left, and it still replays first (trivially) —
	// the important part is the first run attempted a before b despite the
	// failure.
	_, err = f.syncer.Sync(ctx, "user-1")
	require.NoError(t, err)

	calls := f.replayer.recorded()
	require.Len(t, calls, 3)
	assert.Equal(t, "a", calls[0].EntityID)
	assert.Equal(t, "b", calls[1].EntityID)
	assert.Equal(t, "a", calls[2].EntityID)
}

// Remote is newer: resolution picks the remote value and the re-attempt
// carries it with the remote version. No retry budget is consumed.
func TestConflictResolvedRemoteWins(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	localTS := time.Now().Add(-time.Hour)
	remoteTS := time.Now()

	f.replayer.handle = func(req replay.Request) (*replay.Result, error) {
		if req.ExpectedVersion == 1 {
			return &replay.Result{Conflict: &replay.RemoteSnapshot{
				Value:     `{"yield":20}`,
				Timestamp: remoteTS,
				Version:   2,
				DeviceID:  "device-2",
			}}, nil
		}
		return &replay.Result{NewVersion: req.ExpectedVersion + 1}, nil
	}

	item := f.enqueue(t, "user-1", "crop-1", syncqueue.EnqueueParams{
		EntityType:      "CROP",
		EntityID:        "crop-1",
		Operation:       syncqueue.OpUpdate,
		Payload:         `{"yield":10}`,
		ExpectedVersion: 1,
		ClientTimestamp: localTS,
	})

	prog, err := f.syncer.Sync(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, 1, prog.ProcessedItems)
	assert.Equal(t, syncer.RunCompleted, prog.Status)

	calls := f.replayer.recorded()
	require.Len(t, calls, 2)
	assert.Equal(t, `{"yield":20}`, calls[1].Payload)
	assert.Equal(t, int64(2), calls[1].ExpectedVersion)

	got, err := f.store.GetItem(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, syncqueue.StatusCompleted, got.Status)
	assert.Equal(t, 0, got.RetryCount)

	recs, err := f.resolver.ListAll(ctx, "user-1")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.True(t, recs[0].Resolved)
	assert.Equal(t, conflict.StrategyTimestampAuto, recs[0].Strategy)
	assert.Equal(t, `{"yield":20}`, recs[0].ResolvedValue)
}

func TestConflictResolvedLocalWins(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	localTS := time.Now()
	remoteTS := time.Now().Add(-time.Hour)

	f.replayer.handle = func(req replay.Request) (*replay.Result, error) {
		if req.ExpectedVersion == 1 {
			return &replay.Result{Conflict: &replay.RemoteSnapshot{
				Value:     `{"yield":20}`,
				Timestamp: remoteTS,
				Version:   2,
			}}, nil
		}
		return &replay.Result{NewVersion: req.ExpectedVersion + 1}, nil
	}

	f.enqueue(t, "user-1", "crop-1", syncqueue.EnqueueParams{
		EntityType:      "CROP",
		EntityID:        "crop-1",
		Operation:       syncqueue.OpUpdate,
		Payload:         `{"yield":10}`,
		ExpectedVersion: 1,
		ClientTimestamp: localTS,
	})

	_, err := f.syncer.Sync(ctx, "user-1")
	require.NoError(t, err)

	calls := f.replayer.recorded()
	require.Len(t, calls, 2)
	assert.Equal(t, `{"yield":10}`, calls[1].Payload)
}

// The remote entity moving again between resolution and re-attempt fails the
// item rather than looping.
func TestConflictOnReattemptFailsItem(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	f.replayer.handle = func(req replay.Request) (*replay.Result, error) {
		return &replay.Result{Conflict: &replay.RemoteSnapshot{
			Value:     `{"yield":20}`,
			Timestamp: time.Now(),
			Version:   2,
		}}, nil
	}

	item := f.enqueue(t, "user-1", "crop-1")

	prog, err := f.syncer.Sync(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, 1, prog.FailedItems)

	got, err := f.store.GetItem(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, syncqueue.StatusFailed, got.Status)
	assert.Equal(t, 0, got.RetryCount)
	require.Len(t, f.replayer.recorded(), 2)
}

func TestSecondSyncRejectedWhileRunning(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	require.NoError(t, f.tracker.BeginSync(ctx, "user-1"))

	_, err := f.syncer.Sync(ctx, "user-1")
	assert.ErrorIs(t, err, status.ErrAlreadySyncing)
}

func TestSyncRejectedWhileOffline(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	_, err := f.tracker.EnterOffline(ctx, "user-1")
	require.NoError(t, err)

	_, err = f.syncer.Sync(ctx, "user-1")
	assert.ErrorIs(t, err, status.ErrUserOffline)
}

// Items enqueued mid-run are outside the run's snapshot; they wait for the
// next trigger and leave the user on PENDING_SYNC.
func TestItemsEnqueuedDuringRunWaitForNextCycle(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	enqueued := false
	f.replayer.handle = func(req replay.Request) (*replay.Result, error) {
		if !enqueued {
			enqueued = true
			f.enqueue(t, "user-1", "late")
		}
		return &replay.Result{NewVersion: 1}, nil
	}

	f.enqueue(t, "user-1", "a")

	prog, err := f.syncer.Sync(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, 1, prog.TotalItems)
	assert.Equal(t, syncer.RunCompleted, prog.Status)
	assert.Equal(t, int64(1), prog.PendingItems)

	st, err := f.tracker.GetOrCreate(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, status.StatePendingSync, st.State)
}

func TestLastRunHistory(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	f.enqueue(t, "user-1", "a")

	_, ok := f.syncer.LastRun("user-1")
	assert.False(t, ok)

	prog, err := f.syncer.Sync(ctx, "user-1")
	require.NoError(t, err)

	last, ok := f.syncer.LastRun("user-1")
	require.True(t, ok)
	assert.Equal(t, prog, last)

	_, ok = f.syncer.ActiveProgress("user-1")
	assert.False(t, ok)
}

// Status handlers read live progress while the run goroutine updates it; the
// reads must be race-free and see consistent snapshots.
func TestActiveProgressConcurrentWithRun(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	const n = 20
	for i := 0; i < n; i++ {
		f.enqueue(t, "user-1", fmt.Sprintf("crop-%d", i))
	}

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			if prog, ok := f.syncer.ActiveProgress("user-1"); ok {
				assert.LessOrEqual(t, prog.ProcessedItems, n)
				assert.LessOrEqual(t, prog.ProgressPercent, 100)
			}
		}
	}()

	prog, err := f.syncer.Sync(ctx, "user-1")
	close(stop)
	wg.Wait()

	require.NoError(t, err)
	assert.Equal(t, n, prog.ProcessedItems)
	assert.Equal(t, syncer.RunCompleted, prog.Status)

	_, ok := f.syncer.ActiveProgress("user-1")
	assert.False(t, ok)
}

// ActiveProgress hands out a point-in-time copy, not the run's own struct.
func TestActiveProgressReturnsCopy(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	var fromRun *syncer.Progress
	f.replayer.handle = func(req replay.Request) (*replay.Result, error) {
		prog, ok := f.syncer.ActiveProgress("user-1")
		require.True(t, ok)
		assert.Equal(t, 2, prog.TotalItems)
		prog.ProcessedItems = 99
		fromRun = prog
		return &replay.Result{NewVersion: 1}, nil
	}

	f.enqueue(t, "user-1", "a")
	f.enqueue(t, "user-1", "b")

	prog, err := f.syncer.Sync(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, 2, prog.ProcessedItems)
	require.NotNil(t, fromRun)
	assert.Equal(t, 99, fromRun.ProcessedItems)
}

// A run whose finalize step fails (the status row was moved out of SYNCING
// behind the run's back) surfaces the error and records it on the status row
// instead of leaving the user wedged in SYNCING.
func TestSyncFinalizeFailureReleasesRun(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	f.replayer.handle = func(req replay.Request) (*replay.Result, error) {
		_, err := f.tracker.FinishSync(ctx, "user-1")
		require.NoError(t, err)
		return &replay.Result{NewVersion: 1}, nil
	}

	f.enqueue(t, "user-1", "a")

	_, err := f.syncer.Sync(ctx, "user-1")
	require.Error(t, err)
	assert.ErrorIs(t, err, syncqueue.ErrInvalidTransition)

	st, err := f.tracker.GetOrCreate(ctx, "user-1")
	require.NoError(t, err)
	assert.NotEqual(t, status.StateSyncing, st.State)
	assert.NotEmpty(t, st.LastError)
}

func TestTriggerLoopProcessesAndStops(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	f.enqueue(t, "user-1", "a")

	go f.syncer.Start()
	f.syncer.Trigger("user-1")

	require.Eventually(t, func() bool {
		_, ok := f.syncer.LastRun("user-1")
		return ok
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, f.syncer.Stop(ctx))

	st, err := f.tracker.GetOrCreate(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, status.StateIdle, st.State)
}

func TestCancelPendingReconcilesStatus(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	f.enqueue(t, "user-1", "a")
	f.enqueue(t, "user-1", "b")

	_, err := f.tracker.EnterOffline(ctx, "user-1")
	require.NoError(t, err)
	st, err := f.tracker.ExitOffline(ctx, "user-1")
	require.NoError(t, err)
	require.Equal(t, status.StatePendingSync, st.State)

	n, err := f.syncer.CancelPending(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	st, err = f.tracker.GetOrCreate(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, status.StateIdle, st.State)
	assert.Equal(t, int64(0), st.PendingChanges)
}

package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arctek/clawban/board"
)

var (
	me       = board.Actor{ID: "u-1", Username: "kanban-worker", Name: "Kanban Worker"}
	somebody = board.Actor{ID: "u-2", Username: "colleague"}
)

func tickNow() time.Time {
	return time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
}

func minutesAgo(now time.Time, m int) *time.Time {
	t := now.Add(-time.Duration(m) * time.Minute)
	return &t
}

func runTick(t *testing.T, f *fakeAdapter, now time.Time, opts Options) *Outcome {
	t.Helper()
	lock := &noopLock{}
	opts.AcquireLock = testLock(lock)
	outcome, err := RunTick(context.Background(), f, now, opts)
	require.NoError(t, err)
	require.True(t, lock.released, "lock released on success path")
	return outcome
}

func TestTickIdlePick(t *testing.T) {
	f := newFakeAdapter(me)
	f.addItem("B", "next up", board.StageTodo, nil, me)
	f.addItem("C", "later", board.StageTodo, nil, me)

	outcome := runTick(t, f, tickNow(), Options{})
	assert.Equal(t, KindStarted, outcome.Kind)
	assert.Equal(t, "B", outcome.ID)
	assert.Equal(t, ReasonStartNextBacklog, outcome.ReasonCode)
	assert.Empty(t, f.stageCalls, "engine itself never performs the start transition")
}

func TestTickSelfAssignmentFilter(t *testing.T) {
	f := newFakeAdapter(me)
	f.addItem("A", "not mine", board.StageInProgress, nil, somebody)
	f.addItem("B", "mine", board.StageTodo, nil, me)
	f.addItem("C", "also mine", board.StageTodo, nil, me)

	outcome := runTick(t, f, tickNow(), Options{})
	assert.Equal(t, KindStarted, outcome.Kind)
	assert.Equal(t, "B", outcome.ID)
	assert.Empty(t, f.stageCalls)
}

func TestTickNoBacklog(t *testing.T) {
	f := newFakeAdapter(me)
	outcome := runTick(t, f, tickNow(), Options{})
	assert.Equal(t, KindNoWork, outcome.Kind)
	assert.Equal(t, ReasonNoBacklogAssigned, outcome.ReasonCode)
}

func TestTickNextNotMine(t *testing.T) {
	f := newFakeAdapter(me)
	f.addItem("B", "someone else's", board.StageTodo, nil, somebody)

	outcome := runTick(t, f, tickNow(), Options{})
	assert.Equal(t, KindNoWork, outcome.Kind)
	assert.Equal(t, ReasonNextNotAssignedToMe, outcome.ReasonCode)
}

func TestTickHealExtras(t *testing.T) {
	now := tickNow()
	f := newFakeAdapter(me)
	f.addItem("A", "older", board.StageInProgress, minutesAgo(now, 60), me)
	f.addItem("B", "newer", board.StageInProgress, minutesAgo(now, 10), me)
	f.addItem("C", "theirs", board.StageInProgress, minutesAgo(now, 5), somebody)

	outcome := runTick(t, f, now, Options{})
	assert.Equal(t, KindInProgress, outcome.Kind)
	assert.Equal(t, "A", outcome.ID)
	assert.Equal(t, []string{"A"}, outcome.InProgressIDs)

	require.Len(t, f.stageCalls, 1)
	assert.Equal(t, stageCall{ID: "B", Stage: board.StageTodo}, f.stageCalls[0])

	require.Len(t, f.commentCalls, 1)
	assert.Equal(t, "B", f.commentCalls[0].ID)
	assert.True(t, len(f.commentCalls[0].Body) > 0)
	assert.Contains(t, f.commentCalls[0].Body, "Moved back to Backlog automatically")

	// Heal safety: exactly one of mine remains in progress.
	remaining := 0
	for _, item := range f.items {
		if item.Stage == board.StageInProgress {
			for _, a := range item.Assignees {
				if me.Matches(a) {
					remaining++
				}
			}
		}
	}
	assert.Equal(t, 1, remaining)
}

func TestTickCompletionSignal(t *testing.T) {
	now := tickNow()
	f := newFakeAdapter(me)
	f.addItem("A", "almost done", board.StageInProgress, minutesAgo(now, 3), me)
	f.addComment("A", "c1", "Completed: shipped and verified", me)

	outcome := runTick(t, f, now, Options{})
	assert.Equal(t, KindCompleted, outcome.Kind)
	assert.Equal(t, "A", outcome.ID)
	assert.Equal(t, ReasonCompletionSignalStrong, outcome.ReasonCode)
	require.NotNil(t, outcome.Evidence)
	assert.Equal(t, "completed:", outcome.Evidence.MatchedSignal)
	assert.Empty(t, f.stageCalls, "engine emits evidence; orchestration performs the transition")
}

func TestTickBlockedByStaleWithSignal(t *testing.T) {
	now := tickNow()
	f := newFakeAdapter(me)
	f.addItem("A", "stuck", board.StageInProgress, minutesAgo(now, 20), me)
	f.addComment("A", "c1", "Still waiting on API credential, blocked here.", me)

	outcome := runTick(t, f, now, Options{})
	assert.Equal(t, KindBlocked, outcome.Kind)
	assert.Equal(t, "A", outcome.ID)
	assert.Equal(t, 20, outcome.MinutesStale)
	assert.Equal(t, ReasonStaleWithBlockerSignal, outcome.ReasonCode)
	require.NotNil(t, outcome.Evidence)
	assert.Equal(t, "waiting on", outcome.Evidence.MatchedSignal)
	assert.NotEmpty(t, outcome.Reason)
}

func TestTickBlockerSignalButFresh(t *testing.T) {
	now := tickNow()
	f := newFakeAdapter(me)
	f.addItem("A", "recently active", board.StageInProgress, minutesAgo(now, 5), me)
	f.addComment("A", "c1", "waiting on CI", me)

	outcome := runTick(t, f, now, Options{})
	assert.Equal(t, KindInProgress, outcome.Kind)
	assert.Equal(t, []string{"A"}, outcome.InProgressIDs)
}

func TestTickInProgressNoSignals(t *testing.T) {
	now := tickNow()
	f := newFakeAdapter(me)
	f.addItem("A", "humming along", board.StageInProgress, minutesAgo(now, 30), me)
	f.addComment("A", "c1", "making steady progress", me)

	outcome := runTick(t, f, now, Options{})
	assert.Equal(t, KindInProgress, outcome.Kind)
	assert.Equal(t, "A", outcome.ID)
}

func TestTickCompletionBeatsBlocker(t *testing.T) {
	now := tickNow()
	f := newFakeAdapter(me)
	f.addItem("A", "done despite noise", board.StageInProgress, minutesAgo(now, 60), me)
	f.addComment("A", "c1", "was waiting on review, now done and verified", me)

	outcome := runTick(t, f, now, Options{})
	assert.Equal(t, KindCompleted, outcome.Kind)
}

func TestTickCustomSignals(t *testing.T) {
	now := tickNow()
	f := newFakeAdapter(me)
	f.addItem("A", "custom", board.StageInProgress, minutesAgo(now, 30), me)
	f.addComment("A", "c1", "FERTIG: alles erledigt", me)

	outcome := runTick(t, f, now, Options{CompletionSignals: []string{"fertig:"}})
	assert.Equal(t, KindCompleted, outcome.Kind)
	assert.Equal(t, "fertig:", outcome.Evidence.MatchedSignal)
}

func TestTickReconcilerCalledAndNonFatal(t *testing.T) {
	f := newFakeAdapter(me)
	f.addItem("B", "mine", board.StageTodo, nil, me)
	r := &reconcilingFake{fakeAdapter: f, reconcileErr: errors.New("flaky backend")}

	lock := &noopLock{}
	outcome, err := RunTick(context.Background(), r, tickNow(), Options{AcquireLock: testLock(lock)})
	require.NoError(t, err, "reconcile failures are swallowed")
	assert.Equal(t, 1, r.reconcileCalls)
	assert.Equal(t, KindStarted, outcome.Kind)
}

func TestTickLockErrorSurfaced(t *testing.T) {
	f := newFakeAdapter(me)
	wantErr := errors.New("lock already held")
	_, err := RunTick(context.Background(), f, tickNow(), Options{
		AcquireLock: func(string, time.Time, time.Duration) (Lock, error) {
			return nil, wantErr
		},
	})
	assert.ErrorIs(t, err, wantErr)
}

func TestTickLockReleasedOnAdapterError(t *testing.T) {
	f := newFakeAdapter(me)
	f.failures["whoami"] = errors.New("auth expired")

	lock := &noopLock{}
	_, err := RunTick(context.Background(), f, tickNow(), Options{AcquireLock: testLock(lock)})
	require.Error(t, err)
	assert.True(t, lock.released, "lock released on error path")
}

// Decision exclusivity: inProgressIds is always a subset of the adapter's
// in-progress listing.
func TestTickInProgressIDsSubset(t *testing.T) {
	now := tickNow()
	f := newFakeAdapter(me)
	f.addItem("A", "mine", board.StageInProgress, minutesAgo(now, 1), me)
	f.addItem("X", "theirs", board.StageInProgress, minutesAgo(now, 1), somebody)

	outcome := runTick(t, f, now, Options{})
	listed, err := f.ListIDsByStage(context.Background(), board.StageInProgress)
	require.NoError(t, err)

	set := map[string]bool{}
	for _, id := range listed {
		set[id] = true
	}
	for _, id := range outcome.InProgressIDs {
		assert.True(t, set[id])
	}
}

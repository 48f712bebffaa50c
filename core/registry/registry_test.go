package registry

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"transcribe-orchestrator/core/models"
)

func newTestRegistry(t *testing.T) *Registry {
	return New(zaptest.NewLogger(t).Sugar())
}

func addReady(t *testing.T, r *Registry, name string) models.Worker {
	w := r.Add(name)
	require.NoError(t, r.SetAddr(w.ID, "10.0.0.1"))
	require.NoError(t, r.Transition(w.ID, models.WorkerAwaitingReady))
	require.NoError(t, r.Transition(w.ID, models.WorkerReady))
	got, ok := r.Get(w.ID)
	require.True(t, ok)
	return got
}

func TestClaimIdlePicksOldestID(t *testing.T) {
	r := newTestRegistry(t)
	first := addReady(t, r, "cmpaaaa1111")
	addReady(t, r, "cmpbbbb2222")

	claimed, ok := r.ClaimIdle("job-1")
	require.True(t, ok)
	assert.Equal(t, first.ID, claimed.ID)
	assert.Equal(t, models.WorkerBusy, claimed.State)
	assert.Equal(t, "job-1", claimed.AssignedJob)
}

func TestClaimIdleEmptyPool(t *testing.T) {
	r := newTestRegistry(t)

	_, ok := r.ClaimIdle("job-1")
	assert.False(t, ok)

	w := r.Add("cmp00000000")
	_, ok = r.ClaimIdle("job-1")
	assert.False(t, ok, "provisioning worker %s must not be claimable", w.ID)
}

func TestClaimIdleNeverDoubleAssigns(t *testing.T) {
	r := newTestRegistry(t)
	addReady(t, r, "cmp00000001")

	var claims int
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, ok := r.ClaimIdle("job-x"); ok {
				mu.Lock()
				claims++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, claims)
}

func TestBusyRequiresAssignment(t *testing.T) {
	r := newTestRegistry(t)
	w := addReady(t, r, "cmp00000001")

	err := r.Transition(w.ID, models.WorkerBusy)
	require.Error(t, err)

	require.NoError(t, r.MarkBusy(w.ID, "job-1"))
	got, _ := r.Get(w.ID)
	assert.Equal(t, models.WorkerBusy, got.State)
	assert.Equal(t, "job-1", got.AssignedJob)

	// second claim of the same worker must fail
	require.Error(t, r.MarkBusy(w.ID, "job-2"))
}

func TestAssignmentSurvivesTeardownOnly(t *testing.T) {
	r := newTestRegistry(t)
	w := addReady(t, r, "cmp00000001")
	require.NoError(t, r.MarkBusy(w.ID, "job-1"))

	require.NoError(t, r.Transition(w.ID, models.WorkerTearingDown))
	got, _ := r.Get(w.ID)
	assert.Equal(t, "job-1", got.AssignedJob, "assignment stays visible during teardown")

	require.NoError(t, r.Transition(w.ID, models.WorkerDead))
	got, _ = r.Get(w.ID)
	assert.Empty(t, got.AssignedJob)
}

func TestReleaseToIdleClearsAssignment(t *testing.T) {
	r := newTestRegistry(t)
	w := addReady(t, r, "cmp00000001")
	require.NoError(t, r.MarkBusy(w.ID, "job-1"))

	require.NoError(t, r.ReleaseToIdle(w.ID))
	got, _ := r.Get(w.ID)
	assert.Equal(t, models.WorkerReady, got.State)
	assert.Empty(t, got.AssignedJob)

	claimed, ok := r.ClaimIdle("job-2")
	require.True(t, ok)
	assert.Equal(t, w.ID, claimed.ID)
}

func TestInvalidTransitionRejected(t *testing.T) {
	r := newTestRegistry(t)
	w := r.Add("cmp00000001")

	require.Error(t, r.Transition(w.ID, models.WorkerReady), "provisioning cannot jump straight to ready")
	require.NoError(t, r.Transition(w.ID, models.WorkerDead))
	require.Error(t, r.Transition(w.ID, models.WorkerProvisioning), "dead is terminal")
}

func TestSnapshotIsACopy(t *testing.T) {
	r := newTestRegistry(t)
	w := addReady(t, r, "cmp00000001")

	snap := r.Snapshot()
	require.Len(t, snap, 1)
	snap[0].State = models.WorkerDead

	got, _ := r.Get(w.ID)
	assert.Equal(t, models.WorkerReady, got.State)
}

func TestStats(t *testing.T) {
	r := newTestRegistry(t)
	addReady(t, r, "cmp00000001")
	w2 := addReady(t, r, "cmp00000002")
	require.NoError(t, r.MarkBusy(w2.ID, "job-1"))
	r.Add("cmp00000003")

	stats := r.Stats()
	assert.Equal(t, 3, stats["total"])
	assert.Equal(t, 1, stats["ready"])
	assert.Equal(t, 1, stats["busy"])
	assert.Equal(t, 1, stats["provisioning"])
}

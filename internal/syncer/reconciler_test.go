package syncer

import (
	"context"
	"errors"
	"testing"
	"time"

	"invitesync/internal/models"
	"invitesync/internal/state"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 10, 19, 9, 0, 0, 0, time.UTC)

func invitation(key, subject string, start time.Time) models.ClassifiedEvent {
	return models.ClassifiedEvent{
		SourceEvent: models.SourceEvent{
			Key:       key,
			Subject:   subject,
			Start:     start,
			End:       start.Add(time.Hour),
			Organizer: "boss@example.com",
			Calendar:  "Work",
		},
		IsInvitation: true,
	}
}

func newTestReconciler(remote RemoteClient, store *memStore) *Reconciler {
	return NewReconciler(testLogger(), remote, store, ReconcilerOptions{CalendarID: "primary"})
}

func TestReconcile_CreatesNewInvitation(t *testing.T) {
	remote := newFakeRemote()
	store := newMemStore()
	r := newTestReconciler(remote, store)

	events := []models.ClassifiedEvent{invitation("A", "Invitation: Sync", t0)}
	st := store.Load()
	report, err := r.Reconcile(context.Background(), events, st)
	require.NoError(t, err)

	assert.Equal(t, 1, remote.createCalls)
	assert.Equal(t, 1, report.Created)
	rec := st.Get("A")
	require.NotNil(t, rec)
	assert.Equal(t, state.StateSynced, rec.State)
	assert.Equal(t, "evt-1", rec.RemoteEventID)
	assert.Equal(t, "Invitation: Sync", rec.SubjectSnapshot)
	assert.False(t, rec.LastSyncedAt.IsZero())

	persisted := store.Load().Get("A")
	require.NotNil(t, persisted)
	assert.Equal(t, "evt-1", persisted.RemoteEventID)

	created := remote.events["evt-1"]
	assert.Equal(t, "A", created.SourceKey)
	assert.Contains(t, created.Description, "Organizer: boss@example.com")

	// Same input again: no remote calls at all.
	before := remote.calls()
	report, err = r.Reconcile(context.Background(), events, store.Load())
	require.NoError(t, err)
	assert.Equal(t, before, remote.calls())
	assert.Equal(t, 1, report.Unchanged)
	assert.Equal(t, 0, report.Changes())
}

func TestReconcile_Idempotent(t *testing.T) {
	remote := newFakeRemote()
	store := newMemStore()
	r := newTestReconciler(remote, store)

	events := []models.ClassifiedEvent{
		invitation("A", "Invitation: Sync", t0),
		invitation("B", "Design review", t0.Add(2*time.Hour)),
	}
	first, err := r.Reconcile(context.Background(), events, store.Load())
	require.NoError(t, err)
	assert.Equal(t, 2, first.Created)

	second, err := r.Reconcile(context.Background(), events, store.Load())
	require.NoError(t, err)
	assert.Equal(t, 0, second.Created)
	assert.Equal(t, 0, second.Deleted)
	assert.Equal(t, 2, second.Unchanged)
	assert.Len(t, remote.events, 2)
}

func TestReconcile_AdoptsExistingRemoteEvent(t *testing.T) {
	remote := newFakeRemote()
	remote.put("existing-1", "Invitation: Sync", t0.Add(3*time.Minute))
	store := newMemStore()
	r := newTestReconciler(remote, store)

	st := store.Load()
	report, err := r.Reconcile(context.Background(), []models.ClassifiedEvent{invitation("A", "Invitation: Sync", t0)}, st)
	require.NoError(t, err)

	assert.Equal(t, 0, remote.createCalls, "a matching remote event must not be duplicated")
	assert.Equal(t, 1, report.Matched)
	assert.Equal(t, "existing-1", st.Get("A").RemoteEventID)
	assert.Equal(t, state.StateSynced, st.Get("A").State)
}

func TestReconcile_OutsideToleranceCreates(t *testing.T) {
	remote := newFakeRemote()
	remote.put("existing-1", "Invitation: Sync", t0.Add(10*time.Minute))
	store := newMemStore()
	r := newTestReconciler(remote, store)

	report, err := r.Reconcile(context.Background(), []models.ClassifiedEvent{invitation("A", "Invitation: Sync", t0)}, store.Load())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Created)
	assert.Equal(t, 1, remote.createCalls)
}

func TestReconcile_RecoversFromCrashBeforeSave(t *testing.T) {
	remote := newFakeRemote()
	store := newMemStore()
	store.saveErr = errors.New("disk full")
	r := newTestReconciler(remote, store)

	events := []models.ClassifiedEvent{invitation("A", "Invitation: Sync", t0)}
	_, err := r.Reconcile(context.Background(), events, store.Load())
	require.Error(t, err, "failed save must surface")
	require.Equal(t, 1, remote.createCalls)
	require.Equal(t, 0, store.Load().Len(), "nothing was persisted")

	store.saveErr = nil
	st := store.Load()
	report, err := r.Reconcile(context.Background(), events, st)
	require.NoError(t, err)

	assert.Equal(t, 1, remote.createCalls, "the orphaned remote event is adopted, not recreated")
	assert.Equal(t, 1, report.Matched)
	assert.Equal(t, "evt-1", st.Get("A").RemoteEventID)
	assert.Len(t, remote.events, 1)
}

func TestReconcile_DeletesVanishedInvitation(t *testing.T) {
	remote := newFakeRemote()
	remote.put("evt-9", "Old meeting", t0)
	store := newMemStore()
	require.NoError(t, store.saved.Upsert(&state.SyncRecord{
		SourceKey: "B", RemoteEventID: "evt-9", SubjectSnapshot: "Old meeting", StartSnapshot: t0, State: state.StateSynced,
	}))
	r := newTestReconciler(remote, store)

	st := store.Load()
	report, err := r.Reconcile(context.Background(), nil, st)
	require.NoError(t, err)

	assert.Equal(t, []string{"evt-9"}, remote.deleteCalls)
	assert.Equal(t, 1, report.Deleted)
	assert.Nil(t, st.Get("B"))
	assert.Equal(t, 0, store.Load().Len())
}

func TestReconcile_DeleteNotFoundIsSuccess(t *testing.T) {
	remote := newFakeRemote()
	store := newMemStore()
	require.NoError(t, store.saved.Upsert(&state.SyncRecord{
		SourceKey: "B", RemoteEventID: "gone", SubjectSnapshot: "Old", StartSnapshot: t0, State: state.StateSynced,
	}))
	r := newTestReconciler(remote, store)

	st := store.Load()
	report, err := r.Reconcile(context.Background(), nil, st)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Deleted)
	assert.Equal(t, 0, report.Failed)
	assert.Nil(t, st.Get("B"))
}

func TestReconcile_FailedDeleteOrphansAndRetriesNextCycle(t *testing.T) {
	remote := newFakeRemote()
	remote.put("evt-9", "Old meeting", t0)
	remote.deleteErr["evt-9"] = &RemoteAPIError{Op: "delete", StatusCode: 500, Err: errors.New("backend error")}
	store := newMemStore()
	require.NoError(t, store.saved.Upsert(&state.SyncRecord{
		SourceKey: "B", RemoteEventID: "evt-9", SubjectSnapshot: "Old meeting", StartSnapshot: t0, State: state.StateSynced,
	}))
	r := newTestReconciler(remote, store)

	report, err := r.Reconcile(context.Background(), nil, store.Load())
	require.NoError(t, err, "per-event failures are reported, not returned")
	assert.Len(t, remote.deleteCalls, 1, "no retry within the same cycle")
	assert.Equal(t, 1, report.Failed)
	require.Len(t, report.Failures, 1)
	assert.Equal(t, OpDelete, report.Failures[0].Op)

	rec := store.Load().Get("B")
	require.NotNil(t, rec)
	assert.Equal(t, state.StateOrphaned, rec.State)
	assert.Equal(t, "evt-9", rec.RemoteEventID)

	delete(remote.deleteErr, "evt-9")
	report, err = r.Reconcile(context.Background(), nil, store.Load())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Deleted)
	assert.Len(t, remote.deleteCalls, 2)
	assert.Equal(t, 0, store.Load().Len())
}

func TestReconcile_FailedCreateStaysPending(t *testing.T) {
	remote := newFakeRemote()
	remote.createErr = &RemoteAPIError{Op: "create", StatusCode: 503, Err: errors.New("unavailable")}
	store := newMemStore()
	r := newTestReconciler(remote, store)

	events := []models.ClassifiedEvent{
		invitation("A", "Invitation: Sync", t0),
		invitation("B", "Invitation: Other", t0.Add(time.Hour)),
	}
	report, err := r.Reconcile(context.Background(), events, store.Load())
	require.NoError(t, err)
	assert.Equal(t, 2, report.Failed, "one failure does not stop the other event")
	assert.Equal(t, 2, remote.createCalls)

	saved := store.Load()
	assert.Equal(t, state.StatePending, saved.Get("A").State)
	assert.Empty(t, saved.Get("A").RemoteEventID)

	remote.createErr = nil
	report, err = r.Reconcile(context.Background(), events, store.Load())
	require.NoError(t, err)
	assert.Equal(t, 2, report.Created)
	assert.Equal(t, state.StateSynced, store.Load().Get("A").State)
}

func TestReconcile_FindFailureStaysPending(t *testing.T) {
	remote := newFakeRemote()
	remote.findErr = &RemoteAPIError{Op: "find", Err: errors.New("timeout")}
	store := newMemStore()
	r := newTestReconciler(remote, store)

	report, err := r.Reconcile(context.Background(), []models.ClassifiedEvent{invitation("A", "Invitation: Sync", t0)}, store.Load())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Failed)
	assert.Equal(t, 0, remote.createCalls)
	assert.Equal(t, state.StatePending, store.Load().Get("A").State)
}

func TestReconcile_OrphanReappearsBecomesSynced(t *testing.T) {
	remote := newFakeRemote()
	remote.put("evt-9", "Invitation: Sync", t0)
	store := newMemStore()
	require.NoError(t, store.saved.Upsert(&state.SyncRecord{
		SourceKey: "A", RemoteEventID: "evt-9", SubjectSnapshot: "Invitation: Sync", StartSnapshot: t0, State: state.StateOrphaned,
	}))
	r := newTestReconciler(remote, store)

	report, err := r.Reconcile(context.Background(), []models.ClassifiedEvent{invitation("A", "Invitation: Sync", t0)}, store.Load())
	require.NoError(t, err)
	assert.Equal(t, 0, remote.calls())
	assert.Equal(t, 1, report.Unchanged)
	assert.Equal(t, state.StateSynced, store.Load().Get("A").State)
}

func TestReconcile_SyncedRemoteIDNeverOverwritten(t *testing.T) {
	remote := newFakeRemote()
	remote.put("other", "Rescheduled", t0.Add(time.Hour))
	store := newMemStore()
	require.NoError(t, store.saved.Upsert(&state.SyncRecord{
		SourceKey: "A", RemoteEventID: "evt-1", SubjectSnapshot: "Original", StartSnapshot: t0, State: state.StateSynced,
	}))
	r := newTestReconciler(remote, store)

	_, err := r.Reconcile(context.Background(), []models.ClassifiedEvent{invitation("A", "Rescheduled", t0.Add(time.Hour))}, store.Load())
	require.NoError(t, err)
	assert.Equal(t, 0, remote.calls())
	assert.Equal(t, "evt-1", store.Load().Get("A").RemoteEventID)
}

func TestReconcile_VanishedPendingWithRemoteCopyIsDeleted(t *testing.T) {
	remote := newFakeRemote()
	remote.put("evt-5", "Invitation: Sync", t0)
	store := newMemStore()
	require.NoError(t, store.saved.Upsert(&state.SyncRecord{
		SourceKey: "A", SubjectSnapshot: "Invitation: Sync", StartSnapshot: t0, State: state.StatePending,
	}))
	r := newTestReconciler(remote, store)

	report, err := r.Reconcile(context.Background(), nil, store.Load())
	require.NoError(t, err)
	assert.Equal(t, []string{"evt-5"}, remote.deleteCalls)
	assert.Equal(t, 1, report.Deleted)
	assert.Equal(t, 0, store.Load().Len())
}

func TestReconcile_VanishedPendingWithoutRemoteCopyIsDiscarded(t *testing.T) {
	remote := newFakeRemote()
	store := newMemStore()
	require.NoError(t, store.saved.Upsert(&state.SyncRecord{
		SourceKey: "A", SubjectSnapshot: "Invitation: Sync", StartSnapshot: t0, State: state.StatePending,
	}))
	r := newTestReconciler(remote, store)

	report, err := r.Reconcile(context.Background(), nil, store.Load())
	require.NoError(t, err)
	assert.Empty(t, remote.deleteCalls)
	assert.Equal(t, 1, report.Discarded)
	assert.Equal(t, 0, store.Load().Len())
}

func TestReconcile_RemoteClaimedByLiveInvitationIsNotShared(t *testing.T) {
	remote := newFakeRemote()
	remote.put("evt-1", "Standup", t0)
	store := newMemStore()
	require.NoError(t, store.saved.Upsert(&state.SyncRecord{
		SourceKey: "A", RemoteEventID: "evt-1", SubjectSnapshot: "Standup", StartSnapshot: t0, State: state.StateSynced,
	}))
	r := newTestReconciler(remote, store)

	events := []models.ClassifiedEvent{
		invitation("A", "Standup", t0),
		invitation("B", "Standup", t0),
	}
	report, err := r.Reconcile(context.Background(), events, store.Load())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Created)
	saved := store.Load()
	assert.Equal(t, "evt-1", saved.Get("A").RemoteEventID)
	assert.NotEqual(t, "evt-1", saved.Get("B").RemoteEventID)
}

func TestReconcile_RemoteOfVanishedKeyMovesToNewKey(t *testing.T) {
	remote := newFakeRemote()
	remote.put("g-1", "Invitation: Sync", t0)
	store := newMemStore()
	require.NoError(t, store.saved.Upsert(&state.SyncRecord{
		SourceKey: "outlook-old", RemoteEventID: "g-1", SubjectSnapshot: "Invitation: Sync", StartSnapshot: t0, State: state.StateSynced,
	}))
	r := newTestReconciler(remote, store)

	report, err := r.Reconcile(context.Background(), []models.ClassifiedEvent{invitation("src-new", "Invitation: Sync", t0)}, store.Load())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Matched)
	assert.Equal(t, 0, report.Deleted)
	assert.Empty(t, remote.deleteCalls)
	assert.Equal(t, 0, remote.createCalls)

	saved := store.Load()
	assert.Nil(t, saved.Get("outlook-old"))
	assert.Equal(t, "g-1", saved.Get("src-new").RemoteEventID)
}

func TestReconcile_RetiresRecordsOutsideReadWindow(t *testing.T) {
	remote := newFakeRemote()
	store := newMemStore()
	now := t0
	require.NoError(t, store.saved.Upsert(&state.SyncRecord{
		SourceKey: "past", RemoteEventID: "evt-1", SubjectSnapshot: "Last week", StartSnapshot: now.Add(-72 * time.Hour), State: state.StateSynced,
	}))
	require.NoError(t, store.saved.Upsert(&state.SyncRecord{
		SourceKey: "recent", RemoteEventID: "evt-2", SubjectSnapshot: "Cancelled", StartSnapshot: now.Add(2 * time.Hour), State: state.StateSynced,
	}))
	r := NewReconciler(testLogger(), remote, store, ReconcilerOptions{CalendarID: "primary", Lookback: 24 * time.Hour})
	r.now = func() time.Time { return now }

	report, err := r.Reconcile(context.Background(), nil, store.Load())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Retired)
	assert.Equal(t, 1, report.Deleted)
	assert.Equal(t, []string{"evt-2"}, remote.deleteCalls)
	assert.Equal(t, 0, store.Load().Len())
}

func TestReconcile_OrphanOutsideReadWindowIsStillDeleted(t *testing.T) {
	remote := newFakeRemote()
	remote.put("evt-1", "Last week", t0.Add(-48*time.Hour))
	store := newMemStore()
	require.NoError(t, store.saved.Upsert(&state.SyncRecord{
		SourceKey: "A", RemoteEventID: "evt-1", SubjectSnapshot: "Last week", StartSnapshot: t0.Add(-48 * time.Hour), State: state.StateOrphaned,
	}))
	r := NewReconciler(testLogger(), remote, store, ReconcilerOptions{CalendarID: "primary", Lookback: 24 * time.Hour})
	r.now = func() time.Time { return t0 }

	report, err := r.Reconcile(context.Background(), nil, store.Load())
	require.NoError(t, err)
	assert.Equal(t, 0, report.Retired)
	assert.Equal(t, 1, report.Deleted)
	assert.Equal(t, []string{"evt-1"}, remote.deleteCalls)
	assert.NotContains(t, remote.events, "evt-1")
	assert.Equal(t, 0, store.Load().Len())
}

func TestReconcile_FailingOrphanOutsideReadWindowIsKept(t *testing.T) {
	remote := newFakeRemote()
	remote.put("evt-1", "Last week", t0.Add(-48*time.Hour))
	remote.deleteErr["evt-1"] = &RemoteAPIError{Op: "delete", StatusCode: 503, Err: errors.New("unavailable")}
	store := newMemStore()
	require.NoError(t, store.saved.Upsert(&state.SyncRecord{
		SourceKey: "A", RemoteEventID: "evt-1", SubjectSnapshot: "Last week", StartSnapshot: t0.Add(-48 * time.Hour), State: state.StateOrphaned,
	}))
	r := NewReconciler(testLogger(), remote, store, ReconcilerOptions{CalendarID: "primary", Lookback: 24 * time.Hour})
	r.now = func() time.Time { return t0 }

	report, err := r.Reconcile(context.Background(), nil, store.Load())
	require.NoError(t, err)
	assert.Equal(t, 0, report.Retired)
	assert.Equal(t, 1, report.Failed)
	rec := store.Load().Get("A")
	require.NotNil(t, rec)
	assert.Equal(t, state.StateOrphaned, rec.State)
}

func TestReconcile_DryRunTouchesNothing(t *testing.T) {
	remote := newFakeRemote()
	store := newMemStore()
	require.NoError(t, store.saved.Upsert(&state.SyncRecord{
		SourceKey: "B", RemoteEventID: "evt-9", SubjectSnapshot: "Old", StartSnapshot: t0, State: state.StateSynced,
	}))
	r := NewReconciler(testLogger(), remote, store, ReconcilerOptions{CalendarID: "primary", DryRun: true})

	st := store.Load()
	report, err := r.Reconcile(context.Background(), []models.ClassifiedEvent{invitation("A", "Invitation: Sync", t0)}, st)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Created)
	assert.Equal(t, 1, report.Deleted)
	assert.Equal(t, 0, remote.createCalls)
	assert.Empty(t, remote.deleteCalls)
	assert.Equal(t, 0, store.saves)
	assert.Nil(t, st.Get("A"))
	assert.NotNil(t, st.Get("B"))
}

func TestReconcile_CredentialErrorAborts(t *testing.T) {
	remote := newFakeRemote()
	remote.createErr = &CredentialError{Service: "Google", Err: errors.New("invalid_grant")}
	store := newMemStore()
	r := newTestReconciler(remote, store)

	events := []models.ClassifiedEvent{
		invitation("A", "Invitation: One", t0),
		invitation("B", "Invitation: Two", t0.Add(time.Hour)),
	}
	_, err := r.Reconcile(context.Background(), events, store.Load())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrCredentials))
	assert.Equal(t, 1, remote.createCalls, "no further remote calls after a credential error")
	assert.Equal(t, state.StatePending, store.Load().Get("A").State, "state so far is persisted")
}

func TestReconcile_SkipsNonInvitations(t *testing.T) {
	remote := newFakeRemote()
	store := newMemStore()
	r := newTestReconciler(remote, store)

	self := invitation("S", "Focus time", t0)
	self.IsInvitation = false
	report, err := r.Reconcile(context.Background(), []models.ClassifiedEvent{self}, store.Load())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Skipped)
	assert.Equal(t, 0, remote.calls())
}

func TestReconcile_CancelledContextPersistsAndReturns(t *testing.T) {
	remote := newFakeRemote()
	store := newMemStore()
	r := newTestReconciler(remote, store)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := r.Reconcile(ctx, []models.ClassifiedEvent{invitation("A", "Invitation: Sync", t0)}, store.Load())
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, remote.calls())
	assert.Equal(t, 1, store.saves)
}

func TestReconcile_NilState(t *testing.T) {
	r := newTestReconciler(newFakeRemote(), newMemStore())
	_, err := r.Reconcile(context.Background(), nil, nil)
	assert.Error(t, err)
}

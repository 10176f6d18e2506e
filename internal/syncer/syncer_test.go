package syncer

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"invitesync/internal/classifier"
	"invitesync/internal/models"
	"invitesync/internal/state"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSyncer(source SourceReader, store *memStore, remote RemoteClient) *Syncer {
	cls := classifier.New([]string{"me@example.com"}, nil)
	return NewSyncer(testLogger(), source, cls, store, remote, ReconcilerOptions{CalendarID: "primary"})
}

func TestSyncer_Sync(t *testing.T) {
	source := &fakeSource{events: []models.RawEvent{
		{NativeID: "A", Subject: "Invitation: Sync", Start: t0, End: t0.Add(time.Hour), Organizer: "boss@example.com"},
		{NativeID: "B", Subject: "Focus time", Start: t0, End: t0.Add(time.Hour), Organizer: "mailto:ME@example.com"},
		{NativeID: "C", Subject: "Broken", Start: t0, End: t0.Add(-time.Hour), Organizer: "boss@example.com"},
	}}
	store := newMemStore()
	remote := newFakeRemote()
	s := newTestSyncer(source, store, remote)

	report, err := s.Sync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Created)
	assert.Equal(t, 1, report.Skipped)
	assert.Equal(t, 1, report.Malformed)
	assert.False(t, report.HasFailures())

	rec := store.Load().Get("src-A")
	require.NotNil(t, rec)
	assert.Equal(t, state.StateSynced, rec.State)
	assert.Nil(t, store.Load().Get("src-B"))
}

func TestSyncer_SourceUnavailableLeavesStateUntouched(t *testing.T) {
	store := newMemStore()
	require.NoError(t, store.saved.Upsert(&state.SyncRecord{
		SourceKey: "src-A", RemoteEventID: "evt-1", SubjectSnapshot: "Invitation: Sync", StartSnapshot: t0, State: state.StateSynced,
	}))
	source := &fakeSource{err: fmt.Errorf("calendar export missing: %w", ErrSourceUnavailable)}
	remote := newFakeRemote()
	s := newTestSyncer(source, store, remote)

	_, err := s.Sync(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSourceUnavailable)
	assert.Equal(t, 0, remote.calls(), "an unreadable source must not be treated as empty")
	assert.Equal(t, 0, store.saves)
	assert.NotNil(t, store.Load().Get("src-A"))
}

func TestSyncer_VanishedInvitationIsDeletedNextCycle(t *testing.T) {
	source := &fakeSource{events: []models.RawEvent{
		{NativeID: "A", Subject: "Invitation: Sync", Start: t0, End: t0.Add(time.Hour), Organizer: "boss@example.com"},
	}}
	store := newMemStore()
	remote := newFakeRemote()
	s := newTestSyncer(source, store, remote)

	_, err := s.Sync(context.Background())
	require.NoError(t, err)
	require.Len(t, remote.events, 1)

	source.events = nil
	report, err := s.Sync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Deleted)
	assert.Empty(t, remote.events)
	assert.Equal(t, 0, store.Load().Len())
}

func TestSyncer_CredentialErrorPropagates(t *testing.T) {
	source := &fakeSource{events: []models.RawEvent{
		{NativeID: "A", Subject: "Invitation: Sync", Start: t0, End: t0.Add(time.Hour), Organizer: "boss@example.com"},
	}}
	remote := newFakeRemote()
	remote.findErr = &CredentialError{Service: "Google", Hint: "run auth", Err: errors.New("token expired")}
	s := newTestSyncer(source, newMemStore(), remote)

	_, err := s.Sync(context.Background())
	assert.ErrorIs(t, err, ErrCredentials)
}

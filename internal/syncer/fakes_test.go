package syncer

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"time"

	"invitesync/internal/models"
	"invitesync/internal/state"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeRemote is an in-memory RemoteClient that records every call.
type fakeRemote struct {
	events map[string]models.NewEvent
	nextID int

	findCalls   int
	createCalls int
	deleteCalls []string

	findErr   error
	createErr error
	deleteErr map[string]error
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{
		events:    make(map[string]models.NewEvent),
		deleteErr: make(map[string]error),
	}
}

func (f *fakeRemote) put(id, subject string, start time.Time) {
	f.events[id] = models.NewEvent{Subject: subject, Start: start, End: start.Add(time.Hour)}
}

func (f *fakeRemote) calls() int {
	return f.findCalls + f.createCalls + len(f.deleteCalls)
}

func (f *fakeRemote) FindMatching(ctx context.Context, calendarID, subject string, start time.Time, tolerance time.Duration) (string, bool, error) {
	f.findCalls++
	if f.findErr != nil {
		return "", false, f.findErr
	}
	ids := make([]string, 0, len(f.events))
	for id := range f.events {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		ev := f.events[id]
		diff := ev.Start.Sub(start)
		if diff < 0 {
			diff = -diff
		}
		if ev.Subject == subject && diff <= tolerance {
			return id, true, nil
		}
	}
	return "", false, nil
}

func (f *fakeRemote) Create(ctx context.Context, calendarID string, event models.NewEvent) (string, error) {
	f.createCalls++
	if f.createErr != nil {
		return "", f.createErr
	}
	var id string
	for {
		f.nextID++
		id = fmt.Sprintf("evt-%d", f.nextID)
		if _, taken := f.events[id]; !taken {
			break
		}
	}
	f.events[id] = event
	return id, nil
}

func (f *fakeRemote) Delete(ctx context.Context, calendarID, eventID string) error {
	f.deleteCalls = append(f.deleteCalls, eventID)
	if err, ok := f.deleteErr[eventID]; ok {
		return err
	}
	if _, ok := f.events[eventID]; !ok {
		return fmt.Errorf("delete %s: %w", eventID, ErrNotFound)
	}
	delete(f.events, eventID)
	return nil
}

// memStore keeps the last saved state as an independent copy, like a file would.
type memStore struct {
	saved   *state.State
	saves   int
	saveErr error
}

func newMemStore() *memStore {
	return &memStore{saved: state.New()}
}

func (m *memStore) Load() *state.State {
	return cloneState(m.saved)
}

func (m *memStore) Save(st *state.State) error {
	m.saves++
	if m.saveErr != nil {
		return m.saveErr
	}
	m.saved = cloneState(st)
	return nil
}

func cloneState(st *state.State) *state.State {
	out := state.New()
	for k, rec := range st.Records {
		cp := *rec
		out.Records[k] = &cp
	}
	return out
}

// fakeSource returns a fixed set of raw events, or an error.
type fakeSource struct {
	events []models.RawEvent
	err    error
	reads  int
}

func (f *fakeSource) ReadInvitationCandidates(ctx context.Context) ([]models.RawEvent, error) {
	f.reads++
	if f.err != nil {
		return nil, f.err
	}
	return f.events, nil
}

package syncer

import (
	"context"
	"time"

	"invitesync/internal/models"
	"invitesync/internal/state"
)

// SourceReader returns the raw events of the local calendar client.
// An unreachable client is reported with an error wrapping ErrSourceUnavailable.
type SourceReader interface {
	ReadInvitationCandidates(ctx context.Context) ([]models.RawEvent, error)
}

// RemoteClient mirrors events into a remote calendar.
type RemoteClient interface {
	// FindMatching looks for an event with the same subject starting within
	// tolerance of start.
	FindMatching(ctx context.Context, calendarID, subject string, start time.Time, tolerance time.Duration) (string, bool, error)
	// Create inserts an event and returns its confirmed remote id.
	Create(ctx context.Context, calendarID string, event models.NewEvent) (string, error)
	// Delete removes an event. A missing event yields an error wrapping ErrNotFound.
	Delete(ctx context.Context, calendarID, eventID string) error
}

// StateStore loads and persists the sync state.
type StateStore interface {
	Load() *state.State
	Save(st *state.State) error
}

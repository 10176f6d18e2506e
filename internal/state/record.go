package state

import (
	"errors"
	"fmt"
	"sort"
	"time"
)

// RecordState is the lifecycle state of a SyncRecord.
type RecordState string

const (
	// StatePending means the invitation was seen but no remote event is confirmed.
	StatePending RecordState = "PENDING"
	// StateSynced means RemoteEventID points at the mirrored remote event.
	StateSynced RecordState = "SYNCED"
	// StateOrphaned means the source event vanished and the remote delete failed.
	StateOrphaned RecordState = "ORPHANED"
)

// ErrMissingRemoteID is returned when a SYNCED record has no remote id.
var ErrMissingRemoteID = errors.New("synced record without remote event id")

// SyncRecord maps one source event to its remote copy.
type SyncRecord struct {
	SourceKey       string      `json:"source_key"`
	RemoteEventID   string      `json:"remote_event_id,omitempty"`
	SubjectSnapshot string      `json:"subject_snapshot"`
	StartSnapshot   time.Time   `json:"start_snapshot"`
	LastSyncedAt    time.Time   `json:"last_synced_at,omitzero"`
	State           RecordState `json:"state"`
}

// State is the in-memory source key to SyncRecord mapping.
type State struct {
	Records map[string]*SyncRecord `json:"records"`
}

// New returns an empty State.
func New() *State {
	return &State{Records: make(map[string]*SyncRecord)}
}

// Get returns the record for key, or nil.
func (s *State) Get(key string) *SyncRecord {
	return s.Records[key]
}

// Upsert stores rec under its SourceKey, replacing any previous record.
func (s *State) Upsert(rec *SyncRecord) error {
	if rec == nil || rec.SourceKey == "" {
		return fmt.Errorf("upsert: record has no source key")
	}
	if rec.State == StateSynced && rec.RemoteEventID == "" {
		return fmt.Errorf("upsert %s: %w", rec.SourceKey, ErrMissingRemoteID)
	}
	if s.Records == nil {
		s.Records = make(map[string]*SyncRecord)
	}
	s.Records[rec.SourceKey] = rec
	return nil
}

// Remove deletes the record for key, if any.
func (s *State) Remove(key string) {
	delete(s.Records, key)
}

// Keys returns all source keys in sorted order.
func (s *State) Keys() []string {
	keys := make([]string, 0, len(s.Records))
	for k := range s.Records {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Len returns the number of records.
func (s *State) Len() int {
	return len(s.Records)
}

// CountByState tallies records per lifecycle state.
func (s *State) CountByState() map[RecordState]int {
	counts := make(map[RecordState]int)
	for _, rec := range s.Records {
		counts[rec.State]++
	}
	return counts
}

// RemoteOwner returns the key of the record that holds remoteID, if any.
func (s *State) RemoteOwner(remoteID string) (string, bool) {
	if remoteID == "" {
		return "", false
	}
	for key, rec := range s.Records {
		if rec.RemoteEventID == remoteID && rec.State != StatePending {
			return key, true
		}
	}
	return "", false
}

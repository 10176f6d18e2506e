package state

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const documentVersion = 1

// ErrCorrupt describes a state file that could not be decoded.
var ErrCorrupt = errors.New("sync state corrupt")

// document is the on-disk layout. Unknown fields are ignored on decode so a
// file written by a newer version stays readable.
type document struct {
	Version int                    `json:"version"`
	Records map[string]*SyncRecord `json:"records"`
}

// legacyDocument is the layout written before records carried a state: a map of
// synced ids whose remote id could be null.
type legacyDocument struct {
	SyncedEvents map[string]legacyEntry `json:"synced_events"`
}

type legacyEntry struct {
	Title         string  `json:"title"`
	EventDate     string  `json:"event_date"`
	SyncedDate    string  `json:"synced_date"`
	GoogleEventID *string `json:"google_event_id"`
}

// Store persists State as a single JSON document.
type Store struct {
	path   string
	logger *slog.Logger
	now    func() time.Time
}

// NewStore creates a Store backed by the file at path.
func NewStore(path string, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{path: path, logger: logger, now: time.Now}
}

// Path returns the backing file path.
func (s *Store) Path() string {
	return s.path
}

// Load reads the state file. A missing or unreadable file yields an empty
// State; a corrupt file is moved aside and also yields an empty State, so the
// next cycle resyncs everything against the remote.
func (s *Store) Load() *State {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			s.logger.Info("No sync state file found, starting fresh.", "file", s.path)
		} else {
			s.logger.Warn("Could not read sync state, starting fresh.", "file", s.path, "error", err)
		}
		return New()
	}

	st, err := decode(data)
	if err != nil {
		s.quarantine(err)
		return New()
	}
	s.repair(st)
	s.logger.Debug("Loaded sync state.", "file", s.path, "records", st.Len())
	return st
}

// Peek reads the state file without touching it. A missing file yields an
// empty State; an unreadable document is reported as ErrCorrupt and left in
// place.
func (s *Store) Peek() (*State, error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return New(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read sync state: %w", err)
	}
	st, err := decode(data)
	if err != nil {
		return nil, err
	}
	s.repair(st)
	return st, nil
}

// Save atomically replaces the state file with st.
func (s *Store) Save(st *State) error {
	if st == nil {
		st = New()
	}
	records := st.Records
	if records == nil {
		records = map[string]*SyncRecord{}
	}
	data, err := json.MarshalIndent(document{Version: documentVersion, Records: records}, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal sync state: %w", err)
	}
	data = append(data, '\n')

	if dir := filepath.Dir(s.path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create state directory: %w", err)
		}
	}
	if err := writeFileAtomic(s.path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write sync state: %w", err)
	}
	return nil
}

func decode(data []byte) (*State, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, fmt.Errorf("%w: empty file", ErrCorrupt)
	}

	var keys map[string]json.RawMessage
	if err := json.Unmarshal(data, &keys); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}

	if _, ok := keys["records"]; ok {
		var doc document
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
		}
		st := New()
		for key, rec := range doc.Records {
			if rec == nil {
				continue
			}
			rec.SourceKey = key
			st.Records[key] = rec
		}
		return st, nil
	}

	if _, ok := keys["synced_events"]; ok {
		var legacy legacyDocument
		if err := json.Unmarshal(data, &legacy); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
		}
		return migrateLegacy(legacy), nil
	}

	return nil, fmt.Errorf("%w: unrecognized document", ErrCorrupt)
}

// migrateLegacy converts the old synced_events layout. Entries that never
// recorded a remote id become PENDING so the next cycle looks them up remotely.
func migrateLegacy(legacy legacyDocument) *State {
	st := New()
	for key, entry := range legacy.SyncedEvents {
		rec := &SyncRecord{
			SourceKey:       key,
			SubjectSnapshot: entry.Title,
			StartSnapshot:   parseLegacyTime(entry.EventDate),
			LastSyncedAt:    parseLegacyTime(entry.SyncedDate),
			State:           StatePending,
		}
		if entry.GoogleEventID != nil && *entry.GoogleEventID != "" {
			rec.RemoteEventID = *entry.GoogleEventID
			rec.State = StateSynced
		}
		st.Records[key] = rec
	}
	return st
}

func parseLegacyTime(v string) time.Time {
	v = strings.TrimSpace(v)
	if v == "" {
		return time.Time{}
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.999999", "2006-01-02T15:04:05"} {
		if t, err := time.ParseInLocation(layout, v, time.Local); err == nil {
			return t
		}
	}
	return time.Time{}
}

// repair drops records that break the store invariants.
func (s *Store) repair(st *State) {
	for key, rec := range st.Records {
		switch rec.State {
		case StateSynced, StateOrphaned:
			if rec.RemoteEventID == "" {
				s.logger.Warn("Record has no remote event id, marking pending.", "key", key, "state", rec.State)
				rec.State = StatePending
			}
		case StatePending:
		default:
			s.logger.Warn("Dropping record with unknown state.", "key", key, "state", rec.State)
			delete(st.Records, key)
		}
	}
}

func (s *Store) quarantine(cause error) {
	dest := fmt.Sprintf("%s.corrupt-%d", s.path, s.now().Unix())
	if err := os.Rename(s.path, dest); err != nil {
		s.logger.Warn("Sync state is corrupt, starting fresh.", "file", s.path, "error", cause, "moveError", err)
		return
	}
	s.logger.Warn("Sync state is corrupt, starting fresh.", "file", s.path, "error", cause, "preservedAs", dest)
}

func writeFileAtomic(path string, data []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	tmpFile, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmpFile.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()
	if _, err := tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Chmod(mode); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Sync(); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	committed = true
	return nil
}

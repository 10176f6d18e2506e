package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"invitesync/internal/models"
	"invitesync/internal/state"
)

// DefaultTolerance is the start-time window used to match remote events.
const DefaultTolerance = 5 * time.Minute

// ReconcilerOptions configures a Reconciler.
type ReconcilerOptions struct {
	CalendarID string        // Remote calendar that receives mirrored invitations
	Tolerance  time.Duration // Start-time window for matching; zero selects DefaultTolerance
	Lookback   time.Duration // Records older than now-Lookback that vanish are retired, not deleted; zero disables
	DryRun     bool          // Log decisions without touching the remote or the state file
}

// Reconciler computes and applies the creates and deletes that bring the
// remote calendar in line with the current invitations.
type Reconciler struct {
	logger     *slog.Logger
	remote     RemoteClient
	persist    interface{ Save(*state.State) error }
	calendarID string
	tolerance  time.Duration
	lookback   time.Duration
	dryRun     bool
	now        func() time.Time
}

// NewReconciler creates a Reconciler. persist may be nil, in which case the
// caller is responsible for saving the state.
func NewReconciler(logger *slog.Logger, remote RemoteClient, persist interface{ Save(*state.State) error }, opts ReconcilerOptions) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	tolerance := opts.Tolerance
	if tolerance <= 0 {
		tolerance = DefaultTolerance
	}
	return &Reconciler{
		logger:     logger,
		remote:     remote,
		persist:    persist,
		calendarID: opts.CalendarID,
		tolerance:  tolerance,
		lookback:   opts.Lookback,
		dryRun:     opts.DryRun,
		now:        time.Now,
	}
}

// Reconcile runs the creation pass, then the deletion pass, over st and
// persists it before returning. Per-event failures are recorded in the report
// and leave the record in place for the next cycle; only credential errors,
// cancellation and a failed save are returned.
func (r *Reconciler) Reconcile(ctx context.Context, events []models.ClassifiedEvent, st *state.State) (Report, error) {
	var report Report
	if st == nil {
		return report, errors.New("reconcile: nil state")
	}

	current := make(map[string]models.ClassifiedEvent, len(events))
	for _, ev := range events {
		if !ev.IsInvitation {
			report.Skipped++
			continue
		}
		if _, dup := current[ev.Key]; dup {
			r.logger.Debug("Duplicate source key in one read, keeping the first.", "key", ev.Key, "title", ev.Subject)
			continue
		}
		current[ev.Key] = ev
	}

	keys := make([]string, 0, len(current))
	for k := range current {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			return report, r.finish(st, err)
		}
		ev := current[key]
		rec := st.Get(key)

		switch {
		case rec == nil || rec.State == state.StatePending:
			if err := r.ensureRemote(ctx, st, ev, rec, current, &report); errors.Is(err, ErrCredentials) {
				return report, r.finish(st, err)
			}
		case rec.State == state.StateOrphaned:
			// The delete never went through, so the remote copy is still there.
			r.logger.Info("Orphaned event is back in the source, keeping its remote copy.", "title", ev.Subject, "key", key)
			if !r.dryRun {
				rec.State = state.StateSynced
			}
			report.Unchanged++
		default:
			if rec.SubjectSnapshot != ev.Subject || !rec.StartSnapshot.Equal(ev.Start) {
				r.logger.Info("Source event changed since it was synced; remote copy left as is.",
					"key", key, "title", ev.Subject, "syncedTitle", rec.SubjectSnapshot,
					"start", ev.Start, "syncedStart", rec.StartSnapshot)
			}
			report.Unchanged++
		}
	}

	var horizon time.Time
	if r.lookback > 0 {
		horizon = r.now().Add(-r.lookback)
	}

	for _, key := range st.Keys() {
		if _, ok := current[key]; ok {
			continue
		}
		if err := ctx.Err(); err != nil {
			return report, r.finish(st, err)
		}
		rec := st.Get(key)

		// ORPHANED records still own a remote copy and are only dropped once
		// their delete succeeds.
		if rec.State == state.StateSynced && !horizon.IsZero() && !rec.StartSnapshot.IsZero() && rec.StartSnapshot.Before(horizon) {
			r.logger.Debug("Retiring record outside the read window.", "key", key, "title", rec.SubjectSnapshot, "start", rec.StartSnapshot)
			if !r.dryRun {
				st.Remove(key)
			}
			report.Retired++
			continue
		}

		var err error
		switch rec.State {
		case state.StateSynced, state.StateOrphaned:
			err = r.deleteRemote(ctx, st, rec, &report)
		case state.StatePending:
			err = r.resolvePending(ctx, st, rec, &report)
		}
		if errors.Is(err, ErrCredentials) {
			return report, r.finish(st, err)
		}
	}

	return report, r.finish(st, nil)
}

// ensureRemote makes sure a new or pending invitation has exactly one remote
// copy: an existing match is adopted, otherwise one is created.
func (r *Reconciler) ensureRemote(ctx context.Context, st *state.State, ev models.ClassifiedEvent, rec *state.SyncRecord, current map[string]models.ClassifiedEvent, report *Report) error {
	if rec == nil {
		rec = &state.SyncRecord{SourceKey: ev.Key, State: state.StatePending}
	}
	if !r.dryRun {
		rec.SubjectSnapshot = ev.Subject
		rec.StartSnapshot = ev.Start
		if err := st.Upsert(rec); err != nil {
			report.fail(ev.Key, ev.Subject, OpCreate, err)
			return err
		}
	}

	id, found, err := r.remote.FindMatching(ctx, r.calendarID, ev.Subject, ev.Start, r.tolerance)
	if err != nil {
		r.logger.Error("Failed to look up remote event", "title", ev.Subject, "key", ev.Key, "error", err)
		report.fail(ev.Key, ev.Subject, OpFind, err)
		return err
	}

	if found {
		if owner, claimed := st.RemoteOwner(id); claimed && owner != ev.Key {
			if _, live := current[owner]; live {
				r.logger.Info("Matching remote event belongs to another invitation, creating a new one.",
					"title", ev.Subject, "key", ev.Key, "owner", owner, "remoteID", id)
				found = false
			} else {
				r.logger.Info("Source key changed, moving remote event to the new key.",
					"title", ev.Subject, "from", owner, "to", ev.Key, "remoteID", id)
				if !r.dryRun {
					st.Remove(owner)
				}
			}
		}
	}

	if found {
		if r.dryRun {
			r.logger.Info("[DRY RUN] Would adopt existing remote event", "title", ev.Subject, "remoteID", id)
			report.Matched++
			return nil
		}
		r.markSynced(st, rec, id)
		report.Matched++
		r.logger.Info("Event already exists remotely, adopted it.", "title", ev.Subject, "remoteID", id)
		r.checkpoint(st)
		return nil
	}

	if r.dryRun {
		r.logger.Info("[DRY RUN] Would create new remote event", "title", ev.Subject, "startTime", ev.Start)
		report.Created++
		return nil
	}

	id, err = r.remote.Create(ctx, r.calendarID, newRemoteEvent(ev))
	if err != nil {
		r.logger.Error("Failed to create remote event", "title", ev.Subject, "key", ev.Key, "error", err)
		report.fail(ev.Key, ev.Subject, OpCreate, err)
		return err
	}
	if id == "" {
		err := &RemoteAPIError{Op: string(OpCreate), Err: errors.New("no event id returned")}
		report.fail(ev.Key, ev.Subject, OpCreate, err)
		return err
	}

	r.markSynced(st, rec, id)
	report.Created++
	r.logger.Info("Created remote event.", "title", ev.Subject, "remoteID", id)
	r.checkpoint(st)
	return nil
}

// deleteRemote removes the remote copy of a vanished invitation. Failures
// leave the record ORPHANED for the next cycle.
func (r *Reconciler) deleteRemote(ctx context.Context, st *state.State, rec *state.SyncRecord, report *Report) error {
	if r.dryRun {
		r.logger.Info("[DRY RUN] Would delete remote event", "title", rec.SubjectSnapshot, "remoteID", rec.RemoteEventID)
		report.Deleted++
		return nil
	}

	err := r.remote.Delete(ctx, r.calendarID, rec.RemoteEventID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		r.logger.Error("Failed to delete remote event", "title", rec.SubjectSnapshot, "remoteID", rec.RemoteEventID, "error", err)
		rec.State = state.StateOrphaned
		report.fail(rec.SourceKey, rec.SubjectSnapshot, OpDelete, err)
		return err
	}
	if err != nil {
		r.logger.Info("Remote event was already gone.", "title", rec.SubjectSnapshot, "remoteID", rec.RemoteEventID)
	} else {
		r.logger.Info("Deleted remote event.", "title", rec.SubjectSnapshot, "remoteID", rec.RemoteEventID)
	}
	st.Remove(rec.SourceKey)
	report.Deleted++
	r.checkpoint(st)
	return nil
}

// resolvePending handles a record that vanished before it was confirmed. A
// previous cycle may have created the remote event without recording it, so
// the remote is searched before the record is dropped.
func (r *Reconciler) resolvePending(ctx context.Context, st *state.State, rec *state.SyncRecord, report *Report) error {
	if rec.SubjectSnapshot == "" || rec.StartSnapshot.IsZero() {
		r.discard(st, rec, report)
		return nil
	}

	id, found, err := r.remote.FindMatching(ctx, r.calendarID, rec.SubjectSnapshot, rec.StartSnapshot, r.tolerance)
	if err != nil {
		r.logger.Error("Failed to look up remote event", "title", rec.SubjectSnapshot, "key", rec.SourceKey, "error", err)
		report.fail(rec.SourceKey, rec.SubjectSnapshot, OpFind, err)
		return err
	}
	if !found {
		r.discard(st, rec, report)
		return nil
	}
	if owner, claimed := st.RemoteOwner(id); claimed && owner != rec.SourceKey {
		r.discard(st, rec, report)
		return nil
	}

	target := rec
	if r.dryRun {
		cp := *rec
		target = &cp
	}
	target.RemoteEventID = id
	target.State = state.StateSynced
	return r.deleteRemote(ctx, st, target, report)
}

func (r *Reconciler) discard(st *state.State, rec *state.SyncRecord, report *Report) {
	r.logger.Debug("Dropping pending record whose source vanished.", "key", rec.SourceKey, "title", rec.SubjectSnapshot)
	if !r.dryRun {
		st.Remove(rec.SourceKey)
	}
	report.Discarded++
}

func (r *Reconciler) markSynced(st *state.State, rec *state.SyncRecord, remoteID string) {
	rec.RemoteEventID = remoteID
	rec.State = state.StateSynced
	rec.LastSyncedAt = r.now().UTC()
	if err := st.Upsert(rec); err != nil {
		r.logger.Error("Failed to record synced event", "key", rec.SourceKey, "error", err)
	}
}

// checkpoint saves after a successful remote mutation so a crash loses at
// most the operation in flight.
func (r *Reconciler) checkpoint(st *state.State) {
	if r.dryRun || r.persist == nil {
		return
	}
	if err := r.persist.Save(st); err != nil {
		r.logger.Warn("Failed to checkpoint sync state", "error", err)
	}
}

func (r *Reconciler) finish(st *state.State, cause error) error {
	if r.dryRun || r.persist == nil {
		return cause
	}
	if err := r.persist.Save(st); err != nil {
		return errors.Join(cause, fmt.Errorf("failed to save sync state: %w", err))
	}
	return cause
}

func newRemoteEvent(ev models.ClassifiedEvent) models.NewEvent {
	var desc []string
	if ev.Calendar != "" {
		desc = append(desc, "Invitation mirrored from local calendar: "+ev.Calendar)
	} else {
		desc = append(desc, "Invitation mirrored from local calendar")
	}
	if ev.Organizer != "" {
		desc = append(desc, "Organizer: "+ev.Organizer)
	}
	end := ev.End
	if end.IsZero() {
		end = ev.Start.Add(30 * time.Minute)
	}
	return models.NewEvent{
		SourceKey:   ev.Key,
		Subject:     ev.Subject,
		Start:       ev.Start,
		End:         end,
		Organizer:   ev.Organizer,
		Location:    ev.Location,
		Description: strings.Join(desc, "\n"),
	}
}

package syncer

import (
	"context"
	"fmt"
	"log/slog"

	"invitesync/internal/classifier"
	"invitesync/internal/models"
)

// Syncer runs one full synchronization cycle: read the source, classify,
// load the state and reconcile it against the remote calendar.
type Syncer struct {
	logger     *slog.Logger
	source     SourceReader
	classifier *classifier.Classifier
	store      StateStore
	reconciler *Reconciler
}

// NewSyncer creates a new Syncer. The store is also used to checkpoint state
// after each successful remote operation.
func NewSyncer(logger *slog.Logger, source SourceReader, cls *classifier.Classifier, store StateStore, remote RemoteClient, opts ReconcilerOptions) *Syncer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Syncer{
		logger:     logger,
		source:     source,
		classifier: cls,
		store:      store,
		reconciler: NewReconciler(logger, remote, store, opts),
	}
}

// Sync performs a full synchronization cycle.
func (s *Syncer) Sync(ctx context.Context) (Report, error) {
	s.logger.Info("Starting sync cycle.")

	raws, err := s.source.ReadInvitationCandidates(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("failed to read source events: %w", err)
	}

	var skipped, malformed int
	events := make([]models.ClassifiedEvent, 0, len(raws))
	for _, raw := range raws {
		ev, err := s.classifier.Classify(raw)
		if err != nil {
			s.logger.Warn("Skipping malformed source event", "title", raw.Subject, "error", err)
			malformed++
			continue
		}
		if !ev.IsInvitation {
			skipped++
			continue
		}
		events = append(events, ev)
	}
	s.logger.Info("Read source events.", "total", len(raws), "invitations", len(events))

	st := s.store.Load()
	report, err := s.reconciler.Reconcile(ctx, events, st)
	report.Skipped += skipped
	report.Malformed += malformed

	for _, f := range report.Failures {
		s.logger.Warn("Event will be retried next cycle", "failure", f.String())
	}
	s.logger.Info("Sync cycle finished.", "report", report)
	return report, err
}

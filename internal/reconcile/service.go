package reconcile

import (
	"context"
	"encoding/json"

	"depscan-service/internal/config"
	"depscan-service/internal/db"
	"depscan-service/internal/logger"
	"depscan-service/internal/model"
	"depscan-service/internal/notify"
	"depscan-service/internal/rules"
	"depscan-service/internal/storage"

	"github.com/rs/zerolog"
)

// StatusAPI is the slice of the Debricked client the reconciler needs.
type StatusAPI interface {
	UploadStatus(ctx context.Context, ciUploadID int64) (*model.UploadStatusResponse, error)
}

// Service converges local scan state with the external service's view. One
// Sweep processes all non-terminal sessions holding a ci upload id, in
// fixed-size pages.
type Service struct {
	cfg        *config.Config
	repo       db.Repository
	api        StatusAPI
	storage    storage.Storage
	dispatcher *notify.Dispatcher
	engine     *rules.Engine
	log        zerolog.Logger
}

func NewService(
	cfg *config.Config,
	repo db.Repository,
	api StatusAPI,
	store storage.Storage,
	dispatcher *notify.Dispatcher,
	engine *rules.Engine,
) *Service {
	return &Service{
		cfg:        cfg,
		repo:       repo,
		api:        api,
		storage:    store,
		dispatcher: dispatcher,
		engine:     engine,
		log:        logger.Get(),
	}
}

// Sweep performs one bounded reconciliation pass. A failure inside one
// session is logged and never aborts the sweep.
func (s *Service) Sweep(ctx context.Context) error {
	pageSize := s.cfg.Workers.Reconcile.PageSize
	processed := 0

	// Keyset pagination: sessions completed during the page fall out of the
	// active predicate, so an offset cursor would slide past still-active
	// rows. Paging on the last seen id is immune to the set shrinking.
	var afterID int64

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		sessions, err := s.repo.ListActiveSessions(ctx, pageSize, afterID)
		if err != nil {
			s.log.Error().Err(err).Msg("Failed to list active sessions")
			return err
		}

		if len(sessions) == 0 {
			break
		}

		for i := range sessions {
			if err := s.reconcileSession(ctx, &sessions[i]); err != nil {
				s.log.Error().
					Err(err).
					Int64("session_id", sessions[i].ID).
					Msg("Failed to reconcile session")
			}
			processed++
		}

		afterID = sessions[len(sessions)-1].ID

		if len(sessions) < pageSize {
			break
		}
	}

	s.log.Info().Int("session_count", processed).Msg("Reconciliation sweep completed")
	return nil
}

func (s *Service) reconcileSession(ctx context.Context, session *model.ScanSession) error {
	log := logger.With(session.ID)

	files, err := s.repo.GetSessionFiles(ctx, session.ID)
	if err != nil {
		return err
	}

	updated := false
	for i := range files {
		file := &files[i]
		if file.CIUploadID == nil {
			continue
		}

		status, err := s.api.UploadStatus(ctx, *file.CIUploadID)
		if err != nil {
			// A per-file poll failure must not affect sibling files.
			log.Warn().
				Err(err).
				Int64("file_id", file.ID).
				Int64("ci_upload_id", *file.CIUploadID).
				Msg("Status poll failed, skipping file")
			continue
		}

		// Progress and vulnerability counts never regress locally, whatever
		// the service reports on a given poll.
		progress := file.Progress
		if status.Progress > progress {
			progress = status.Progress
		}
		vulnerabilities := file.VulnerabilitiesFound
		if status.VulnerabilitiesFound > vulnerabilities {
			vulnerabilities = status.VulnerabilitiesFound
		}

		if progress == file.Progress && vulnerabilities == file.VulnerabilitiesFound {
			continue
		}

		raw, _ := json.Marshal(status)
		if err := s.repo.UpdateFileScanResults(ctx, file.ID, progress, vulnerabilities, raw); err != nil {
			log.Error().Err(err).Int64("file_id", file.ID).Msg("Failed to persist file scan results")
			continue
		}

		file.Progress = progress
		file.VulnerabilitiesFound = vulnerabilities
		file.RawData = raw
		updated = true

		log.Debug().
			Int64("file_id", file.ID).
			Int("progress", progress).
			Int("vulnerabilities", vulnerabilities).
			Msg("File scan status updated")
	}

	totalVulnerabilities := 0
	totalProgress := 0
	completed := len(files) > 0
	for i := range files {
		totalVulnerabilities += files[i].VulnerabilitiesFound
		totalProgress += files[i].Progress
		if !files[i].Scanned() {
			completed = false
		}
	}

	sessionProgress := 0
	if len(files) > 0 {
		sessionProgress = totalProgress / len(files)
	}

	if err := s.repo.UpdateSessionScanResults(ctx, session.ID, sessionProgress, totalVulnerabilities); err != nil {
		return err
	}
	session.Progress = sessionProgress
	session.VulnerabilityCount = totalVulnerabilities

	if completed {
		if err := s.repo.UpdateSessionStatus(ctx, session.ID, model.SessionStatusCompleted, nil); err != nil {
			return err
		}
		session.Status = model.SessionStatusCompleted

		log.Info().Int("vulnerabilities", totalVulnerabilities).Msg("Scan completed")

		s.dispatcher.Dispatch(ctx, notify.ChannelMail, session.UserEmail,
			notify.ComposeCompleted(session, files))
		s.engine.Evaluate(ctx, session)

		s.cleanupStoredFiles(ctx, files, log)
	} else if updated {
		log.Info().Int("progress", sessionProgress).Msg("Scan still in progress")

		s.dispatcher.Dispatch(ctx, notify.ChannelMail, session.UserEmail,
			notify.ComposeInProgress(session, files))
	}

	// Side-channel summary goes out for every session the sweep reaches,
	// independent of the mail outcome.
	s.dispatcher.Dispatch(ctx, notify.ChannelChat, "", notify.ComposeSweepSummary(session))

	return nil
}

// cleanupStoredFiles drops the staged blobs once the scan is done with them.
// Failures are logged only; a leftover blob never blocks settlement.
func (s *Service) cleanupStoredFiles(ctx context.Context, files []model.DependencyFile, log zerolog.Logger) {
	for i := range files {
		if err := s.storage.Delete(ctx, files[i].Path); err != nil {
			log.Warn().Err(err).Str("path", files[i].Path).Msg("Failed to delete stored file")
		}
	}
}

package upload

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"depscan-service/internal/config"
	"depscan-service/internal/db"
	"depscan-service/internal/debricked"
	"depscan-service/internal/logger"
	"depscan-service/internal/model"
	"depscan-service/internal/notify"
	"depscan-service/internal/rules"
	"depscan-service/internal/storage"
	"depscan-service/pkg/errors"

	"github.com/rs/zerolog"
)

// ScanAPI is the slice of the Debricked client the coordinator needs.
type ScanAPI interface {
	UploadFile(ctx context.Context, upload debricked.UploadRequest) (int64, error)
	FinishUpload(ctx context.Context, ciUploadID int64) error
}

// Coordinator drives every file of one scan session through the Debricked
// upload endpoint concurrently and settles the session-level outcome.
type Coordinator struct {
	cfg        *config.Config
	repo       db.Repository
	storage    storage.Storage
	api        ScanAPI
	dispatcher *notify.Dispatcher
	engine     *rules.Engine
	log        zerolog.Logger
}

func NewCoordinator(
	cfg *config.Config,
	repo db.Repository,
	store storage.Storage,
	api ScanAPI,
	dispatcher *notify.Dispatcher,
	engine *rules.Engine,
) *Coordinator {
	return &Coordinator{
		cfg:        cfg,
		repo:       repo,
		storage:    store,
		api:        api,
		dispatcher: dispatcher,
		engine:     engine,
		log:        logger.Get(),
	}
}

// sessionScanID serializes access to the session's ci upload id for the
// duration of one Process call. The first uploader holds the lock across its
// whole upload so exactly one scan id is ever allocated; every later task
// reads the claimed id and attaches to the open scan.
type sessionScanID struct {
	mu sync.Mutex
	id *int64
}

type fileResult struct {
	file *model.DependencyFile
	err  error
}

// Process uploads every file of the session, claims the scan id on the first
// accepted upload, and enqueues the scan once all files settled successfully.
func (c *Coordinator) Process(ctx context.Context, sessionID int64) error {
	log := logger.With(sessionID)

	session, err := c.repo.GetSession(ctx, sessionID)
	if err != nil {
		log.Error().Err(err).Msg("Failed to load session")
		return err
	}

	if session.Status.Terminal() {
		log.Warn().Str("status", string(session.Status)).Msg("Session already settled, skipping upload")
		return nil
	}

	files, err := c.repo.GetSessionFiles(ctx, sessionID)
	if err != nil {
		log.Error().Err(err).Msg("Failed to load session files")
		return err
	}

	if len(files) == 0 {
		log.Warn().Msg("Session has no files to upload")
		return nil
	}

	log.Info().Int("file_count", len(files)).Msg("Starting session upload")

	scanID := &sessionScanID{id: session.CIUploadID}
	results := make([]fileResult, len(files))
	sem := make(chan struct{}, c.cfg.Workers.Upload.Concurrency)

	var wg sync.WaitGroup
	for i := range files {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			file := &files[i]
			results[i] = fileResult{
				file: file,
				err:  c.uploadOne(ctx, session, file, scanID),
			}
		}(i)
	}
	wg.Wait()

	var failed []fileResult
	succeeded := 0
	for _, result := range results {
		if result.err != nil {
			failed = append(failed, result)
			continue
		}
		succeeded++
	}

	for _, result := range failed {
		log.Error().
			Err(result.err).
			Int64("file_id", result.file.ID).
			Str("filename", result.file.Filename).
			Msg("File upload failed")
		c.dispatcher.Dispatch(ctx, notify.ChannelMail, session.UserEmail,
			notify.ComposeUploadFailed(session, result.file, result.err.Error()))
	}

	switch {
	case len(failed) == 0:
		return c.settleSuccess(ctx, session, scanID, log)
	case succeeded == 0:
		return c.settleFailure(ctx, session, failed, log)
	default:
		return c.settlePartial(ctx, session, failed, log)
	}
}

func (c *Coordinator) uploadOne(ctx context.Context, session *model.ScanSession, file *model.DependencyFile, scanID *sessionScanID) error {
	content, err := c.storage.Download(ctx, file.Path)
	if err != nil {
		return err
	}
	defer content.Close()

	request := debricked.UploadRequest{
		Filename:       file.Filename,
		Content:        content,
		CommitName:     session.CommitName,
		RepositoryName: session.RepositoryName,
	}

	scanID.mu.Lock()
	if scanID.id == nil {
		// First uploader: hold the lock across the upload so only one new
		// scan id is ever requested from the service.
		defer scanID.mu.Unlock()

		ciUploadID, err := c.api.UploadFile(ctx, request)
		if err != nil {
			return err
		}

		winner, err := c.repo.ClaimSessionCIUploadID(ctx, session.ID, ciUploadID)
		if err != nil {
			return fmt.Errorf("failed to claim ci upload id: %w", err)
		}
		scanID.id = &winner
		session.CIUploadID = &winner

		return c.repo.SetFileCIUploadID(ctx, file.ID, winner)
	}

	existing := *scanID.id
	scanID.mu.Unlock()

	request.CIUploadID = &existing
	if _, err := c.api.UploadFile(ctx, request); err != nil {
		return err
	}

	return c.repo.SetFileCIUploadID(ctx, file.ID, existing)
}

func (c *Coordinator) settleSuccess(ctx context.Context, session *model.ScanSession, scanID *sessionScanID, log zerolog.Logger) error {
	if scanID.id == nil {
		return fmt.Errorf("all uploads succeeded but no ci upload id was claimed")
	}

	if err := c.finishWithRetry(ctx, *scanID.id); err != nil {
		log.Error().Err(err).Int64("ci_upload_id", *scanID.id).Msg("Failed to enqueue scan")
		message := err.Error()
		if updateErr := c.repo.UpdateSessionStatus(ctx, session.ID, session.Status, &message); updateErr != nil {
			log.Error().Err(updateErr).Msg("Failed to record enqueue error")
		}
		return err
	}

	if err := c.repo.UpdateSessionStatus(ctx, session.ID, model.SessionStatusInProgress, nil); err != nil {
		log.Error().Err(err).Msg("Failed to transition session to in_progress")
		return err
	}
	session.Status = model.SessionStatusInProgress

	log.Info().Int64("ci_upload_id", *scanID.id).Msg("All files uploaded, scan enqueued")

	c.engine.Evaluate(ctx, session)
	return nil
}

func (c *Coordinator) settleFailure(ctx context.Context, session *model.ScanSession, failed []fileResult, log zerolog.Logger) error {
	message := failureMessage(failed)
	if err := c.repo.UpdateSessionStatus(ctx, session.ID, model.SessionStatusFailed, &message); err != nil {
		log.Error().Err(err).Msg("Failed to transition session to failed")
		return err
	}
	session.Status = model.SessionStatusFailed

	// The session is terminal, nothing will retry these uploads; drop the
	// staged blobs. Partial failures keep theirs so a retry can re-read them.
	for _, result := range failed {
		if err := c.storage.Delete(ctx, result.file.Path); err != nil {
			log.Warn().Err(err).Str("path", result.file.Path).Msg("Failed to delete stored file")
		}
	}

	log.Error().Int("failed_count", len(failed)).Msg("Every file upload failed, session failed")
	return nil
}

// settlePartial keeps the session non-terminal without enqueueing the scan:
// the succeeding files stay attached to the claimed scan id, but an incomplete
// file set is never handed to the scanner.
func (c *Coordinator) settlePartial(ctx context.Context, session *model.ScanSession, failed []fileResult, log zerolog.Logger) error {
	message := failureMessage(failed)
	if err := c.repo.UpdateSessionStatus(ctx, session.ID, session.Status, &message); err != nil {
		log.Error().Err(err).Msg("Failed to record partial upload failure")
		return err
	}

	log.Warn().
		Int("failed_count", len(failed)).
		Msg("Partial upload failure, session not enqueued for scanning")
	return nil
}

func (c *Coordinator) finishWithRetry(ctx context.Context, ciUploadID int64) error {
	attempts := c.cfg.Debricked.RetryAttempts
	if attempts <= 0 {
		attempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(c.cfg.Debricked.RetryDelay * time.Duration(attempt)):
			}
		}

		if lastErr = c.api.FinishUpload(ctx, ciUploadID); lastErr == nil {
			return nil
		}

		if !errors.IsRetryable(lastErr) {
			return lastErr
		}

		c.log.Warn().
			Err(lastErr).
			Int64("ci_upload_id", ciUploadID).
			Int("attempt", attempt+1).
			Msg("Scan enqueue failed, retrying")
	}

	return lastErr
}

func failureMessage(failed []fileResult) string {
	parts := make([]string, 0, len(failed))
	for _, result := range failed {
		parts = append(parts, fmt.Sprintf("%s: %v", result.file.Filename, result.err))
	}
	return "upload failed for " + strings.Join(parts, "; ")
}

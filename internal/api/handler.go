package api

import (
	"context"
	"fmt"
	"math/rand"
	"net/http"
	"path/filepath"
	"strconv"
	"time"

	"depscan-service/internal/config"
	"depscan-service/internal/db"
	"depscan-service/internal/logger"
	"depscan-service/internal/model"
	"depscan-service/internal/report"
	"depscan-service/internal/storage"
	"depscan-service/pkg/errors"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// UploadEnqueuer hands accepted sessions to the upload pipeline. Satisfied by
// queue.Producer.
type UploadEnqueuer interface {
	EnqueueUploadJob(ctx context.Context, job model.UploadJob) error
}

type Handler struct {
	repo     db.Repository
	producer UploadEnqueuer
	storage  storage.Storage
	matcher  *FormatMatcher
	reports  *report.Builder
	cfg      *config.Config
	log      zerolog.Logger
}

func NewHandler(
	repo db.Repository,
	producer UploadEnqueuer,
	store storage.Storage,
	matcher *FormatMatcher,
	cfg *config.Config,
) *Handler {
	return &Handler{
		repo:     repo,
		producer: producer,
		storage:  store,
		matcher:  matcher,
		reports:  report.NewBuilder(),
		cfg:      cfg,
		log:      logger.Get(),
	}
}

// CreateScan accepts a multipart batch of dependency files, persists the
// session and file records, stores the raw bytes, and enqueues the upload
// job. Authentication happens upstream; the gateway forwards the owner
// identity in headers.
func (h *Handler) CreateScan(c *gin.Context) {
	form, err := c.MultipartForm()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid multipart request"})
		return
	}

	files := form.File["files"]
	if len(files) == 0 {
		files = form.File["files[]"]
	}
	if len(files) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "At least one file is required"})
		return
	}

	commitName := c.PostForm("commit_name")
	repositoryName := c.PostForm("repository_name")
	if commitName == "" || repositoryName == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "commit_name and repository_name are required"})
		return
	}

	// The gateway authenticates upstream and forwards the owner identity.
	// Without it the session's notifications have no recipient, so the
	// request is rejected rather than creating an orphan session.
	userID, err := strconv.ParseInt(c.GetHeader("X-User-ID"), 10, 64)
	userEmail := c.GetHeader("X-User-Email")
	if err != nil || userEmail == "" {
		h.log.Warn().
			Str("user_id_header", c.GetHeader("X-User-ID")).
			Bool("email_present", userEmail != "").
			Msg("Upload rejected, identity headers missing or malformed")
		c.JSON(http.StatusBadRequest, gin.H{"error": "X-User-ID and X-User-Email headers are required"})
		return
	}

	for _, file := range files {
		if file.Size > h.cfg.Server.MaxUploadBytes {
			c.JSON(http.StatusUnprocessableEntity, gin.H{
				"error": fmt.Sprintf("The file %s exceeds the maximum upload size", file.Filename),
			})
			return
		}
		if !h.matcher.Matches(file.Filename) {
			c.JSON(http.StatusUnprocessableEntity, gin.H{
				"error": fmt.Sprintf("The file %s does not match any of the supported file formats", file.Filename),
			})
			return
		}
	}

	ctx := c.Request.Context()

	// Store bytes first so session creation never points at missing content.
	type stored struct {
		filename string
		key      string
	}
	storedFiles := make([]stored, 0, len(files))
	paths := make([]string, 0, len(files))

	for _, file := range files {
		key := storageKey(file.Filename)

		content, err := file.Open()
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to read uploaded file"})
			return
		}

		err = h.storage.Upload(ctx, key, content)
		content.Close()
		if err != nil {
			h.log.Error().Err(err).Str("filename", file.Filename).Msg("Failed to store uploaded file")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to store uploaded file"})
			return
		}

		storedFiles = append(storedFiles, stored{filename: file.Filename, key: key})
		paths = append(paths, key)
	}

	session := &model.ScanSession{
		UserID:         userID,
		UserEmail:      userEmail,
		RepositoryName: repositoryName,
		CommitName:     commitName,
		Status:         model.SessionStatusPending,
		FilePaths:      paths,
	}

	if err := h.repo.CreateSession(ctx, session); err != nil {
		h.log.Error().Err(err).Msg("Failed to create scan session")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create scan session"})
		return
	}

	filenames := make([]string, 0, len(storedFiles))
	for _, sf := range storedFiles {
		record := &model.DependencyFile{
			SessionID: session.ID,
			Filename:  sf.filename,
			Path:      sf.key,
		}
		if err := h.repo.CreateFile(ctx, record); err != nil {
			h.log.Error().Err(err).Int64("session_id", session.ID).Msg("Failed to create file record")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create file record"})
			return
		}
		filenames = append(filenames, sf.filename)
	}

	if err := h.producer.EnqueueUploadJob(ctx, model.UploadJob{SessionID: session.ID}); err != nil {
		h.log.Error().Err(err).Int64("session_id", session.ID).Msg("Failed to enqueue upload job")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to queue upload job"})
		return
	}

	h.log.Info().
		Int64("session_id", session.ID).
		Str("repository", repositoryName).
		Int("file_count", len(filenames)).
		Msg("Scan session created")

	c.JSON(http.StatusAccepted, model.UploadAcceptedResponse{
		SessionID:      session.ID,
		RepositoryName: repositoryName,
		CommitName:     commitName,
		Status:         string(session.Status),
		Files:          filenames,
	})
}

func (h *Handler) GetScanStatus(c *gin.Context) {
	sessionID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid session ID"})
		return
	}

	ctx := c.Request.Context()

	session, err := h.repo.GetSession(ctx, sessionID)
	if err != nil {
		if err == errors.ErrSessionNotFound {
			c.JSON(http.StatusNotFound, gin.H{"error": "Session not found"})
			return
		}
		h.log.Error().Err(err).Int64("session_id", sessionID).Msg("Failed to load session")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}

	files, err := h.repo.GetSessionFiles(ctx, sessionID)
	if err != nil {
		h.log.Error().Err(err).Int64("session_id", sessionID).Msg("Failed to load session files")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}

	lines := make([]model.FileStatusLine, 0, len(files))
	for _, file := range files {
		lines = append(lines, model.FileStatusLine{
			Filename:             file.Filename,
			Progress:             file.Progress,
			VulnerabilitiesFound: file.VulnerabilitiesFound,
		})
	}

	c.JSON(http.StatusOK, model.SessionStatusResponse{
		SessionID:          session.ID,
		RepositoryName:     session.RepositoryName,
		CommitName:         session.CommitName,
		Status:             string(session.Status),
		Progress:           session.Progress,
		VulnerabilityCount: session.VulnerabilityCount,
		Files:              lines,
		ErrorMessage:       session.ErrorMessage,
		UpdatedAt:          session.UpdatedAt,
	})
}

func (h *Handler) GetScanReport(c *gin.Context) {
	sessionID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid session ID"})
		return
	}

	ctx := c.Request.Context()

	session, err := h.repo.GetSession(ctx, sessionID)
	if err != nil {
		if err == errors.ErrSessionNotFound {
			c.JSON(http.StatusNotFound, gin.H{"error": "Session not found"})
			return
		}
		h.log.Error().Err(err).Int64("session_id", sessionID).Msg("Failed to load session")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}

	files, err := h.repo.GetSessionFiles(ctx, sessionID)
	if err != nil {
		h.log.Error().Err(err).Int64("session_id", sessionID).Msg("Failed to load session files")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}

	workbook, err := h.reports.Build(session, files)
	if err != nil {
		if err == errors.ErrReportNotReady {
			c.JSON(http.StatusConflict, gin.H{
				"error":  "Scan report is not ready",
				"status": session.Status,
			})
			return
		}
		h.log.Error().Err(err).Int64("session_id", sessionID).Msg("Failed to build scan report")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to build scan report"})
		return
	}

	filename := fmt.Sprintf("scan-report-%d.xlsx", session.ID)
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	c.Data(http.StatusOK, "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet", workbook)
}

func (h *Handler) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "healthy",
		"service": h.cfg.App.Name,
		"version": h.cfg.App.Version,
	})
}

const keyChars = "abcdefghijklmnopqrstuvwxyz0123456789"

func storageKey(filename string) string {
	suffix := make([]byte, 6)
	for i := range suffix {
		suffix[i] = keyChars[rand.Intn(len(keyChars))]
	}
	return fmt.Sprintf("dependencies/%d_%s_%s", time.Now().Unix(), suffix, filepath.Base(filename))
}

package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"depscan-service/internal/config"
	"depscan-service/internal/model"
	"depscan-service/pkg/errors"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRepo struct {
	mu       sync.Mutex
	nextID   int64
	sessions map[int64]*model.ScanSession
	files    map[int64]*model.DependencyFile
}

func newHandlerFakeRepo() *fakeRepo {
	return &fakeRepo{
		nextID:   1,
		sessions: make(map[int64]*model.ScanSession),
		files:    make(map[int64]*model.DependencyFile),
	}
}

func (r *fakeRepo) CreateSession(_ context.Context, session *model.ScanSession) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	session.ID = r.nextID
	r.nextID++
	r.sessions[session.ID] = session
	return nil
}

func (r *fakeRepo) GetSession(_ context.Context, sessionID int64) (*model.ScanSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	session, ok := r.sessions[sessionID]
	if !ok {
		return nil, errors.ErrSessionNotFound
	}
	return session, nil
}

func (r *fakeRepo) UpdateSessionStatus(_ context.Context, sessionID int64, status model.SessionStatus, errorMessage *string) error {
	r.sessions[sessionID].Status = status
	r.sessions[sessionID].ErrorMessage = errorMessage
	return nil
}

func (r *fakeRepo) UpdateSessionScanResults(_ context.Context, sessionID int64, progress, vulnerabilityCount int) error {
	return nil
}

func (r *fakeRepo) ClaimSessionCIUploadID(_ context.Context, _, ciUploadID int64) (int64, error) {
	return ciUploadID, nil
}

func (r *fakeRepo) ListActiveSessions(_ context.Context, _ int, _ int64) ([]model.ScanSession, error) {
	return nil, nil
}

func (r *fakeRepo) CreateFile(_ context.Context, file *model.DependencyFile) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	file.ID = r.nextID
	r.nextID++
	r.files[file.ID] = file
	return nil
}

func (r *fakeRepo) GetSessionFiles(_ context.Context, sessionID int64) ([]model.DependencyFile, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var files []model.DependencyFile
	for _, file := range r.files {
		if file.SessionID == sessionID {
			files = append(files, *file)
		}
	}
	return files, nil
}

func (r *fakeRepo) SetFileCIUploadID(_ context.Context, fileID, ciUploadID int64) error {
	id := ciUploadID
	r.files[fileID].CIUploadID = &id
	return nil
}

func (r *fakeRepo) UpdateFileScanResults(_ context.Context, fileID int64, progress, vulnerabilitiesFound int, rawData json.RawMessage) error {
	return nil
}

type fakeStorage struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func (s *fakeStorage) Upload(_ context.Context, key string, data io.Reader) error {
	content, err := io.ReadAll(data)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[key] = content
	return nil
}

func (s *fakeStorage) Download(_ context.Context, key string) (io.ReadCloser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.objects[key]
	if !ok {
		return nil, errors.ErrStorageUnavailable
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (s *fakeStorage) Delete(_ context.Context, key string) error {
	delete(s.objects, key)
	return nil
}

type fakeEnqueuer struct {
	jobs []model.UploadJob
	err  error
}

func (e *fakeEnqueuer) EnqueueUploadJob(_ context.Context, job model.UploadJob) error {
	if e.err != nil {
		return e.err
	}
	e.jobs = append(e.jobs, job)
	return nil
}

type handlerFixture struct {
	repo     *fakeRepo
	store    *fakeStorage
	enqueuer *fakeEnqueuer
	router   *gin.Engine
}

func newHandlerFixture(t *testing.T, patterns []string) *handlerFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg := &config.Config{
		App:    config.AppConfig{Name: "depscan-service", Version: "1.0.0"},
		Server: config.ServerConfig{MaxUploadBytes: 1 << 20},
	}

	repo := newHandlerFakeRepo()
	store := &fakeStorage{objects: make(map[string][]byte)}
	enqueuer := &fakeEnqueuer{}
	handler := NewHandler(repo, enqueuer, store, NewFormatMatcher(patterns), cfg)

	router := gin.New()
	SetupRoutes(router, handler)

	return &handlerFixture{repo: repo, store: store, enqueuer: enqueuer, router: router}
}

func multipartBody(t *testing.T, fields map[string]string, files map[string]string) (*bytes.Buffer, string) {
	t.Helper()
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	for name, value := range fields {
		require.NoError(t, writer.WriteField(name, value))
	}
	for filename, content := range files {
		part, err := writer.CreateFormFile("files", filename)
		require.NoError(t, err)
		_, err = part.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, writer.Close())
	return body, writer.FormDataContentType()
}

func TestCreateScan_AcceptsBatch(t *testing.T) {
	f := newHandlerFixture(t, nil)

	body, contentType := multipartBody(t,
		map[string]string{"commit_name": "abc123", "repository_name": "acme/shop"},
		map[string]string{"composer.lock": `{"packages":[]}`, "package-lock.json": `{}`},
	)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/scans", body)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("X-User-ID", "7")
	req.Header.Set("X-User-Email", "owner@example.com")

	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)

	require.Equal(t, http.StatusAccepted, w.Code)

	var resp model.UploadAcceptedResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "acme/shop", resp.RepositoryName)
	assert.Equal(t, "pending", resp.Status)
	assert.ElementsMatch(t, []string{"composer.lock", "package-lock.json"}, resp.Files)

	// Session, file records, stored objects, and the queue job all line up.
	session := f.repo.sessions[resp.SessionID]
	require.NotNil(t, session)
	assert.Equal(t, "owner@example.com", session.UserEmail)
	assert.Len(t, session.FilePaths, 2)
	assert.Len(t, f.repo.files, 2)
	assert.Len(t, f.store.objects, 2)
	require.Len(t, f.enqueuer.jobs, 1)
	assert.Equal(t, resp.SessionID, f.enqueuer.jobs[0].SessionID)
}

func TestCreateScan_RequiresFiles(t *testing.T) {
	f := newHandlerFixture(t, nil)

	body, contentType := multipartBody(t,
		map[string]string{"commit_name": "abc123", "repository_name": "acme/shop"},
		nil,
	)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/scans", body)
	req.Header.Set("Content-Type", contentType)

	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Empty(t, f.enqueuer.jobs)
}

func TestCreateScan_RequiresCommitAndRepository(t *testing.T) {
	f := newHandlerFixture(t, nil)

	body, contentType := multipartBody(t,
		map[string]string{"commit_name": "abc123"},
		map[string]string{"composer.lock": "{}"},
	)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/scans", body)
	req.Header.Set("Content-Type", contentType)

	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCreateScan_RejectsUnsupportedFormat(t *testing.T) {
	f := newHandlerFixture(t, []string{`composer\.lock`})

	body, contentType := multipartBody(t,
		map[string]string{"commit_name": "abc123", "repository_name": "acme/shop"},
		map[string]string{"main.go": "package main"},
	)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/scans", body)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("X-User-ID", "7")
	req.Header.Set("X-User-Email", "owner@example.com")

	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Contains(t, w.Body.String(), "does not match any of the supported file formats")
	assert.Empty(t, f.store.objects)
}

func TestCreateScan_QueueFailure(t *testing.T) {
	f := newHandlerFixture(t, nil)
	f.enqueuer.err = assert.AnError

	body, contentType := multipartBody(t,
		map[string]string{"commit_name": "abc123", "repository_name": "acme/shop"},
		map[string]string{"composer.lock": "{}"},
	)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/scans", body)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("X-User-ID", "7")
	req.Header.Set("X-User-Email", "owner@example.com")

	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestCreateScan_MissingIdentityHeaders(t *testing.T) {
	f := newHandlerFixture(t, nil)

	cases := map[string]map[string]string{
		"no headers": {},
		"no email":   {"X-User-ID": "7"},
		"garbage id": {"X-User-ID": "not-a-number", "X-User-Email": "owner@example.com"},
		"missing id": {"X-User-Email": "owner@example.com"},
	}

	for name, headers := range cases {
		t.Run(name, func(t *testing.T) {
			body, contentType := multipartBody(t,
				map[string]string{"commit_name": "abc123", "repository_name": "acme/shop"},
				map[string]string{"composer.lock": "{}"},
			)
			req := httptest.NewRequest(http.MethodPost, "/api/v1/scans", body)
			req.Header.Set("Content-Type", contentType)
			for key, value := range headers {
				req.Header.Set(key, value)
			}

			w := httptest.NewRecorder()
			f.router.ServeHTTP(w, req)

			assert.Equal(t, http.StatusBadRequest, w.Code)
			assert.Empty(t, f.enqueuer.jobs)
			assert.Empty(t, f.store.objects)
		})
	}
}

func TestGetScanStatus(t *testing.T) {
	f := newHandlerFixture(t, nil)
	f.repo.sessions[1] = &model.ScanSession{
		ID:                 1,
		RepositoryName:     "acme/shop",
		CommitName:         "abc123",
		Status:             model.SessionStatusInProgress,
		Progress:           50,
		VulnerabilityCount: 3,
	}
	f.repo.files[2] = &model.DependencyFile{
		ID: 2, SessionID: 1, Filename: "composer.lock", Progress: 50, VulnerabilitiesFound: 3,
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/scans/1", nil)
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)

	var resp model.SessionStatusResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "in_progress", resp.Status)
	assert.Equal(t, 50, resp.Progress)
	assert.Equal(t, 3, resp.VulnerabilityCount)
	require.Len(t, resp.Files, 1)
	assert.Equal(t, "composer.lock", resp.Files[0].Filename)
}

func TestGetScanStatus_NotFound(t *testing.T) {
	f := newHandlerFixture(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/scans/99", nil)
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestGetScanStatus_InvalidID(t *testing.T) {
	f := newHandlerFixture(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/scans/abc", nil)
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGetScanReport_Completed(t *testing.T) {
	f := newHandlerFixture(t, nil)
	f.repo.sessions[1] = &model.ScanSession{
		ID:             1,
		RepositoryName: "acme/shop",
		Status:         model.SessionStatusCompleted,
		Progress:       100,
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/scans/1/report", nil)
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get("Content-Disposition"), "scan-report-1.xlsx")
	assert.NotEmpty(t, w.Body.Bytes())
}

func TestGetScanReport_NotReady(t *testing.T) {
	f := newHandlerFixture(t, nil)
	f.repo.sessions[1] = &model.ScanSession{ID: 1, Status: model.SessionStatusInProgress}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/scans/1/report", nil)
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestHealthCheck(t *testing.T) {
	f := newHandlerFixture(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "healthy")
}

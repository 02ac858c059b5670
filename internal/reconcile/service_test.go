package reconcile

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"sync"
	"testing"

	"depscan-service/internal/config"
	"depscan-service/internal/model"
	"depscan-service/internal/notify"
	"depscan-service/internal/rules"
	"depscan-service/pkg/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRepo struct {
	mu       sync.Mutex
	sessions map[int64]*model.ScanSession
	files    map[int64]*model.DependencyFile
	listErr  error
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		sessions: make(map[int64]*model.ScanSession),
		files:    make(map[int64]*model.DependencyFile),
	}
}

func (r *fakeRepo) CreateSession(_ context.Context, session *model.ScanSession) error {
	r.sessions[session.ID] = session
	return nil
}

func (r *fakeRepo) GetSession(_ context.Context, sessionID int64) (*model.ScanSession, error) {
	session, ok := r.sessions[sessionID]
	if !ok {
		return nil, errors.ErrSessionNotFound
	}
	return session, nil
}

func (r *fakeRepo) UpdateSessionStatus(_ context.Context, sessionID int64, status model.SessionStatus, errorMessage *string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[sessionID].Status = status
	r.sessions[sessionID].ErrorMessage = errorMessage
	return nil
}

func (r *fakeRepo) UpdateSessionScanResults(_ context.Context, sessionID int64, progress, vulnerabilityCount int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[sessionID].Progress = progress
	r.sessions[sessionID].VulnerabilityCount = vulnerabilityCount
	return nil
}

func (r *fakeRepo) ClaimSessionCIUploadID(_ context.Context, sessionID, ciUploadID int64) (int64, error) {
	return ciUploadID, nil
}

func (r *fakeRepo) ListActiveSessions(_ context.Context, limit int, afterID int64) ([]model.ScanSession, error) {
	if r.listErr != nil {
		return nil, r.listErr
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	ids := make([]int64, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	var active []model.ScanSession
	for _, id := range ids {
		session := r.sessions[id]
		if id <= afterID || session.Status.Terminal() || session.CIUploadID == nil {
			continue
		}
		active = append(active, *session)
		if len(active) == limit {
			break
		}
	}
	return active, nil
}

func (r *fakeRepo) CreateFile(_ context.Context, file *model.DependencyFile) error {
	r.files[file.ID] = file
	return nil
}

func (r *fakeRepo) GetSessionFiles(_ context.Context, sessionID int64) ([]model.DependencyFile, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids := make([]int64, 0, len(r.files))
	for id := range r.files {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	var files []model.DependencyFile
	for _, id := range ids {
		if r.files[id].SessionID == sessionID {
			files = append(files, *r.files[id])
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
	r.mu.Lock()
	defer r.mu.Unlock()
	r.files[fileID].Progress = progress
	r.files[fileID].VulnerabilitiesFound = vulnerabilitiesFound
	r.files[fileID].RawData = rawData
	return nil
}

// fakeStorage only records deletions; the reconciler never reads blobs back.
type fakeStorage struct {
	mu      sync.Mutex
	deleted []string
}

func (s *fakeStorage) Download(_ context.Context, _ string) (io.ReadCloser, error) {
	return nil, errors.ErrStorageUnavailable
}

func (s *fakeStorage) Upload(_ context.Context, _ string, _ io.Reader) error {
	return nil
}

func (s *fakeStorage) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleted = append(s.deleted, key)
	return nil
}

// fakeStatusAPI answers status polls from a scripted table and counts polls.
type fakeStatusAPI struct {
	mu       sync.Mutex
	statuses map[int64]*model.UploadStatusResponse
	failures map[int64]error
	polls    int
}

func (a *fakeStatusAPI) UploadStatus(_ context.Context, ciUploadID int64) (*model.UploadStatusResponse, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.polls++
	if err := a.failures[ciUploadID]; err != nil {
		return nil, err
	}
	status, ok := a.statuses[ciUploadID]
	if !ok {
		return nil, errors.ErrScanIDMissing
	}
	return status, nil
}

type captureSender struct {
	mu       sync.Mutex
	messages []notify.Message
}

func (s *captureSender) Send(_ context.Context, _ string, msg notify.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, msg)
	return nil
}

func (s *captureSender) subjects() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	subjects := make([]string, 0, len(s.messages))
	for _, msg := range s.messages {
		subjects = append(subjects, msg.Subject)
	}
	return subjects
}

type fixture struct {
	repo    *fakeRepo
	api     *fakeStatusAPI
	store   *fakeStorage
	mail    *captureSender
	chat    *captureSender
	service *Service
}

func newFixture(t *testing.T, pageSize int) *fixture {
	t.Helper()

	cfg := &config.Config{
		Workers: config.WorkersConfig{
			Reconcile: config.ReconcileWorkerConfig{PageSize: pageSize},
		},
	}

	repo := newFakeRepo()
	api := &fakeStatusAPI{
		statuses: make(map[int64]*model.UploadStatusResponse),
		failures: make(map[int64]error),
	}
	store := &fakeStorage{}
	mail := &captureSender{}
	chat := &captureSender{}

	dispatcher := notify.NewDispatcher()
	dispatcher.Register(notify.ChannelMail, mail)
	dispatcher.Register(notify.ChannelChat, chat)

	return &fixture{
		repo:    repo,
		api:     api,
		store:   store,
		mail:    mail,
		chat:    chat,
		service: NewService(cfg, repo, api, store, dispatcher, rules.NewEngine(nil)),
	}
}

func (f *fixture) addSession(sessionID int64, status model.SessionStatus, fileScanIDs ...int64) {
	ciUploadID := sessionID * 1000
	f.repo.sessions[sessionID] = &model.ScanSession{
		ID:             sessionID,
		UserEmail:      "owner@example.com",
		RepositoryName: "acme/shop",
		CommitName:     "abc123",
		Status:         status,
		CIUploadID:     &ciUploadID,
	}
	for i, scanID := range fileScanIDs {
		fileID := sessionID*100 + int64(i)
		id := scanID
		f.repo.files[fileID] = &model.DependencyFile{
			ID:         fileID,
			SessionID:  sessionID,
			Filename:   "lock.json",
			Path:       fmt.Sprintf("dependencies/%d/lock-%d.json", sessionID, i),
			CIUploadID: &id,
		}
	}
}

func TestSweep_CompletesSessionWhenAllFilesScanned(t *testing.T) {
	f := newFixture(t, 10)
	f.addSession(1, model.SessionStatusInProgress, 111, 112)
	f.api.statuses[111] = &model.UploadStatusResponse{Progress: 100, VulnerabilitiesFound: 3}
	f.api.statuses[112] = &model.UploadStatusResponse{Progress: 100, VulnerabilitiesFound: 4}

	require.NoError(t, f.service.Sweep(context.Background()))

	session := f.repo.sessions[1]
	assert.Equal(t, model.SessionStatusCompleted, session.Status)
	assert.Equal(t, 100, session.Progress)
	assert.Equal(t, 7, session.VulnerabilityCount)

	subjects := f.mail.subjects()
	require.Len(t, subjects, 1)
	assert.Equal(t, "Scan Completed", subjects[0])

	require.Len(t, f.chat.subjects(), 1)
	assert.Contains(t, f.chat.messages[0].Lines[0], "Total vulnerabilities found: 7")

	// Staged blobs are released once the session is terminal.
	assert.ElementsMatch(t, []string{
		"dependencies/1/lock-0.json",
		"dependencies/1/lock-1.json",
	}, f.store.deleted)
}

func TestSweep_PartialProgressStaysInProgress(t *testing.T) {
	f := newFixture(t, 10)
	f.addSession(1, model.SessionStatusInProgress, 111, 112)
	f.api.statuses[111] = &model.UploadStatusResponse{Progress: 100, VulnerabilitiesFound: 2}
	f.api.statuses[112] = &model.UploadStatusResponse{Progress: 40, VulnerabilitiesFound: 1}

	require.NoError(t, f.service.Sweep(context.Background()))

	session := f.repo.sessions[1]
	assert.Equal(t, model.SessionStatusInProgress, session.Status)
	assert.Equal(t, 70, session.Progress)
	assert.Equal(t, 3, session.VulnerabilityCount)

	subjects := f.mail.subjects()
	require.Len(t, subjects, 1)
	assert.Equal(t, "Scan In Progress", subjects[0])

	// Blobs stay until the session settles.
	assert.Empty(t, f.store.deleted)
}

func TestSweep_ProgressNeverRegresses(t *testing.T) {
	f := newFixture(t, 10)
	f.addSession(1, model.SessionStatusInProgress, 111)
	f.repo.files[100].Progress = 80
	f.repo.files[100].VulnerabilitiesFound = 5
	f.api.statuses[111] = &model.UploadStatusResponse{Progress: 60, VulnerabilitiesFound: 2}

	require.NoError(t, f.service.Sweep(context.Background()))

	file := f.repo.files[100]
	assert.Equal(t, 80, file.Progress)
	assert.Equal(t, 5, file.VulnerabilitiesFound)

	// Nothing changed, so no progress mail goes out.
	assert.Empty(t, f.mail.subjects())
	assert.Len(t, f.chat.subjects(), 1)
}

func TestSweep_PollFailureSkipsFileOnly(t *testing.T) {
	f := newFixture(t, 10)
	f.addSession(1, model.SessionStatusInProgress, 111, 112)
	f.api.failures[111] = errors.NewAPIError("status", 503, "unavailable")
	f.api.statuses[112] = &model.UploadStatusResponse{Progress: 100, VulnerabilitiesFound: 1}

	require.NoError(t, f.service.Sweep(context.Background()))

	session := f.repo.sessions[1]
	assert.Equal(t, model.SessionStatusInProgress, session.Status)
	assert.Equal(t, 100, f.repo.files[101].Progress)
	assert.Equal(t, 0, f.repo.files[100].Progress)
}

func TestSweep_SessionFailureDoesNotAbortSweep(t *testing.T) {
	f := newFixture(t, 10)
	f.addSession(1, model.SessionStatusInProgress, 111)
	f.addSession(2, model.SessionStatusInProgress, 222)
	f.api.failures[111] = errors.ErrScanIDMissing
	f.api.statuses[222] = &model.UploadStatusResponse{Progress: 100, VulnerabilitiesFound: 0}

	require.NoError(t, f.service.Sweep(context.Background()))

	assert.Equal(t, model.SessionStatusCompleted, f.repo.sessions[2].Status)
	// Both sessions still get their side-channel summary.
	assert.Len(t, f.chat.subjects(), 2)
}

func TestSweep_PagesThroughAllSessions(t *testing.T) {
	f := newFixture(t, 2)
	for id := int64(1); id <= 5; id++ {
		f.addSession(id, model.SessionStatusInProgress, id*10)
		f.api.statuses[id*10] = &model.UploadStatusResponse{Progress: 50, VulnerabilitiesFound: 0}
	}

	require.NoError(t, f.service.Sweep(context.Background()))

	assert.Equal(t, 5, f.api.polls)
	assert.Len(t, f.chat.subjects(), 5)
}

func TestSweep_ReachesEverySessionWhenPagesTurnTerminal(t *testing.T) {
	// Every poll completes its session, shrinking the active set while the
	// sweep is still paging. Keyset pagination must still visit all of them.
	f := newFixture(t, 2)
	for id := int64(1); id <= 5; id++ {
		f.addSession(id, model.SessionStatusInProgress, id*10)
		f.api.statuses[id*10] = &model.UploadStatusResponse{Progress: 100, VulnerabilitiesFound: 1}
	}

	require.NoError(t, f.service.Sweep(context.Background()))

	assert.Equal(t, 5, f.api.polls)
	for id := int64(1); id <= 5; id++ {
		assert.Equal(t, model.SessionStatusCompleted, f.repo.sessions[id].Status,
			"session %d was not reconciled", id)
	}
	assert.Len(t, f.mail.subjects(), 5)
	assert.Len(t, f.chat.subjects(), 5)
}

func TestSweep_SkipsTerminalAndUnclaimedSessions(t *testing.T) {
	f := newFixture(t, 10)
	f.addSession(1, model.SessionStatusCompleted, 111)
	f.addSession(2, model.SessionStatusPending)
	f.repo.sessions[2].CIUploadID = nil

	require.NoError(t, f.service.Sweep(context.Background()))

	assert.Zero(t, f.api.polls)
	assert.Empty(t, f.chat.subjects())
}

func TestSweep_EmptySetIsNoop(t *testing.T) {
	f := newFixture(t, 10)
	require.NoError(t, f.service.Sweep(context.Background()))
	assert.Zero(t, f.api.polls)
}

func TestSweep_ListFailurePropagates(t *testing.T) {
	f := newFixture(t, 10)
	f.repo.listErr = errors.ErrSessionNotFound

	require.ErrorIs(t, f.service.Sweep(context.Background()), errors.ErrSessionNotFound)
}

func TestSweep_Idempotent(t *testing.T) {
	f := newFixture(t, 10)
	f.addSession(1, model.SessionStatusInProgress, 111)
	f.api.statuses[111] = &model.UploadStatusResponse{Progress: 100, VulnerabilitiesFound: 2}

	require.NoError(t, f.service.Sweep(context.Background()))
	require.NoError(t, f.service.Sweep(context.Background()))

	// A completed session leaves the active set, so the second sweep never
	// polls or mails again.
	assert.Equal(t, 1, f.api.polls)
	assert.Len(t, f.mail.subjects(), 1)
}

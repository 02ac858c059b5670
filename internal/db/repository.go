package db

import (
	"context"
	"database/sql"
	"encoding/json"

	"depscan-service/internal/model"
	"depscan-service/pkg/errors"
)

type Repository interface {
	CreateSession(ctx context.Context, session *model.ScanSession) error
	GetSession(ctx context.Context, sessionID int64) (*model.ScanSession, error)
	UpdateSessionStatus(ctx context.Context, sessionID int64, status model.SessionStatus, errorMessage *string) error
	UpdateSessionScanResults(ctx context.Context, sessionID int64, progress, vulnerabilityCount int) error
	ClaimSessionCIUploadID(ctx context.Context, sessionID, ciUploadID int64) (int64, error)
	ListActiveSessions(ctx context.Context, limit int, afterID int64) ([]model.ScanSession, error)

	CreateFile(ctx context.Context, file *model.DependencyFile) error
	GetSessionFiles(ctx context.Context, sessionID int64) ([]model.DependencyFile, error)
	SetFileCIUploadID(ctx context.Context, fileID, ciUploadID int64) error
	UpdateFileScanResults(ctx context.Context, fileID int64, progress, vulnerabilitiesFound int, rawData json.RawMessage) error
}

type repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) Repository {
	return &repository{db: db}
}

func (r *repository) CreateSession(ctx context.Context, session *model.ScanSession) error {
	paths, err := json.Marshal(session.FilePaths)
	if err != nil {
		return err
	}

	query := `INSERT INTO scan_sessions
		(user_id, user_email, repository_name, commit_name, status, progress, vulnerability_count, file_paths, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, NOW(), NOW())`

	result, err := r.db.ExecContext(ctx, query,
		session.UserID, session.UserEmail, session.RepositoryName, session.CommitName,
		session.Status, session.Progress, session.VulnerabilityCount, paths)
	if err != nil {
		return err
	}

	session.ID, err = result.LastInsertId()
	return err
}

func (r *repository) GetSession(ctx context.Context, sessionID int64) (*model.ScanSession, error) {
	query := `SELECT id, user_id, user_email, repository_name, commit_name, ci_upload_id,
		status, progress, vulnerability_count, file_paths, error_message, created_at, updated_at
		FROM scan_sessions WHERE id = ?`

	var session model.ScanSession
	var paths []byte
	err := r.db.QueryRowContext(ctx, query, sessionID).Scan(
		&session.ID, &session.UserID, &session.UserEmail, &session.RepositoryName,
		&session.CommitName, &session.CIUploadID, &session.Status, &session.Progress,
		&session.VulnerabilityCount, &paths, &session.ErrorMessage,
		&session.CreatedAt, &session.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, errors.ErrSessionNotFound
	}
	if err != nil {
		return nil, err
	}

	if len(paths) > 0 {
		if err := json.Unmarshal(paths, &session.FilePaths); err != nil {
			return nil, err
		}
	}

	return &session, nil
}

func (r *repository) UpdateSessionStatus(ctx context.Context, sessionID int64, status model.SessionStatus, errorMessage *string) error {
	query := `UPDATE scan_sessions SET status = ?, error_message = ?, updated_at = NOW() WHERE id = ?`
	_, err := r.db.ExecContext(ctx, query, status, errorMessage, sessionID)
	return err
}

func (r *repository) UpdateSessionScanResults(ctx context.Context, sessionID int64, progress, vulnerabilityCount int) error {
	query := `UPDATE scan_sessions SET progress = ?, vulnerability_count = ?, updated_at = NOW() WHERE id = ?`
	_, err := r.db.ExecContext(ctx, query, progress, vulnerabilityCount, sessionID)
	return err
}

// ClaimSessionCIUploadID sets the session's ci_upload_id only if it is still
// unset, then reads back whichever value won. Concurrent upload tasks all call
// this; exactly one write succeeds and every caller converges on the same id.
func (r *repository) ClaimSessionCIUploadID(ctx context.Context, sessionID, ciUploadID int64) (int64, error) {
	query := `UPDATE scan_sessions SET ci_upload_id = ?, updated_at = NOW() WHERE id = ? AND ci_upload_id IS NULL`
	if _, err := r.db.ExecContext(ctx, query, ciUploadID, sessionID); err != nil {
		return 0, err
	}

	var winner sql.NullInt64
	readBack := `SELECT ci_upload_id FROM scan_sessions WHERE id = ?`
	if err := r.db.QueryRowContext(ctx, readBack, sessionID).Scan(&winner); err != nil {
		if err == sql.ErrNoRows {
			return 0, errors.ErrSessionNotFound
		}
		return 0, err
	}

	if !winner.Valid {
		return 0, errors.ErrScanIDMissing
	}

	return winner.Int64, nil
}

// ListActiveSessions selects the reconciliation working set: sessions that are
// not terminal and already hold a ci upload id. Sessions still owned by the
// upload coordinator (no id yet) are skipped. Pagination is keyset on the id
// so sessions turning terminal mid-sweep never shift the cursor past
// still-active rows.
func (r *repository) ListActiveSessions(ctx context.Context, limit int, afterID int64) ([]model.ScanSession, error) {
	query := `SELECT id, user_id, user_email, repository_name, commit_name, ci_upload_id,
		status, progress, vulnerability_count, file_paths, error_message, created_at, updated_at
		FROM scan_sessions
		WHERE status NOT IN (?, ?) AND ci_upload_id IS NOT NULL AND id > ?
		ORDER BY id LIMIT ?`

	rows, err := r.db.QueryContext(ctx, query,
		model.SessionStatusCompleted, model.SessionStatusFailed, afterID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []model.ScanSession
	for rows.Next() {
		var session model.ScanSession
		var paths []byte
		err := rows.Scan(
			&session.ID, &session.UserID, &session.UserEmail, &session.RepositoryName,
			&session.CommitName, &session.CIUploadID, &session.Status, &session.Progress,
			&session.VulnerabilityCount, &paths, &session.ErrorMessage,
			&session.CreatedAt, &session.UpdatedAt,
		)
		if err != nil {
			return nil, err
		}
		if len(paths) > 0 {
			if err := json.Unmarshal(paths, &session.FilePaths); err != nil {
				return nil, err
			}
		}
		sessions = append(sessions, session)
	}

	return sessions, rows.Err()
}

func (r *repository) CreateFile(ctx context.Context, file *model.DependencyFile) error {
	query := `INSERT INTO dependency_files
		(session_id, filename, path, progress, vulnerabilities_found, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, NOW(), NOW())`

	result, err := r.db.ExecContext(ctx, query,
		file.SessionID, file.Filename, file.Path, file.Progress, file.VulnerabilitiesFound)
	if err != nil {
		return err
	}

	file.ID, err = result.LastInsertId()
	return err
}

func (r *repository) GetSessionFiles(ctx context.Context, sessionID int64) ([]model.DependencyFile, error) {
	query := `SELECT id, session_id, filename, path, ci_upload_id, progress, vulnerabilities_found, raw_data, created_at, updated_at
		FROM dependency_files WHERE session_id = ? ORDER BY id`

	rows, err := r.db.QueryContext(ctx, query, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var files []model.DependencyFile
	for rows.Next() {
		var file model.DependencyFile
		var raw []byte
		err := rows.Scan(&file.ID, &file.SessionID, &file.Filename, &file.Path,
			&file.CIUploadID, &file.Progress, &file.VulnerabilitiesFound, &raw,
			&file.CreatedAt, &file.UpdatedAt)
		if err != nil {
			return nil, err
		}
		file.RawData = raw
		files = append(files, file)
	}

	return files, rows.Err()
}

func (r *repository) SetFileCIUploadID(ctx context.Context, fileID, ciUploadID int64) error {
	query := `UPDATE dependency_files SET ci_upload_id = ?, updated_at = NOW() WHERE id = ?`
	_, err := r.db.ExecContext(ctx, query, ciUploadID, fileID)
	return err
}

func (r *repository) UpdateFileScanResults(ctx context.Context, fileID int64, progress, vulnerabilitiesFound int, rawData json.RawMessage) error {
	query := `UPDATE dependency_files SET progress = ?, vulnerabilities_found = ?, raw_data = ?, updated_at = NOW() WHERE id = ?`
	_, err := r.db.ExecContext(ctx, query, progress, vulnerabilitiesFound, []byte(rawData), fileID)
	return err
}

package model

import "time"

type SessionStatus string

const (
	SessionStatusPending    SessionStatus = "pending"
	SessionStatusInProgress SessionStatus = "in_progress"
	SessionStatusCompleted  SessionStatus = "completed"
	SessionStatusFailed     SessionStatus = "failed"
)

// Terminal reports whether the status can never change again. Terminal
// sessions are excluded from reconciliation sweeps.
func (s SessionStatus) Terminal() bool {
	return s == SessionStatusCompleted || s == SessionStatusFailed
}

// ScanSession is one user-initiated batch of dependency files sharing a
// repository/commit context. CIUploadID is assigned by Debricked on the first
// accepted file upload and is set at most once.
type ScanSession struct {
	ID                 int64         `json:"id" db:"id"`
	UserID             int64         `json:"user_id" db:"user_id"`
	UserEmail          string        `json:"user_email" db:"user_email"`
	RepositoryName     string        `json:"repository_name" db:"repository_name"`
	CommitName         string        `json:"commit_name" db:"commit_name"`
	CIUploadID         *int64        `json:"ci_upload_id,omitempty" db:"ci_upload_id"`
	Status             SessionStatus `json:"status" db:"status"`
	Progress           int           `json:"progress" db:"progress"`
	VulnerabilityCount int           `json:"vulnerability_count" db:"vulnerability_count"`
	FilePaths          []string      `json:"file_paths" db:"file_paths"`
	ErrorMessage       *string       `json:"error_message,omitempty" db:"error_message"`
	CreatedAt          time.Time     `json:"created_at" db:"created_at"`
	UpdatedAt          time.Time     `json:"updated_at" db:"updated_at"`
}

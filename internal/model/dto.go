package model

import "time"

// UploadJob is the queue payload handed from the API to the upload worker.
type UploadJob struct {
	SessionID int64 `json:"session_id"`
}

// FileFormat is one entry of the Debricked supported-formats payload.
type FileFormat struct {
	Regex            string   `json:"regex"`
	DocumentationURL string   `json:"documentationUrl,omitempty"`
	LockFileRegexes  []string `json:"lockFileRegexes"`
}

type AuthTokenResponse struct {
	Token string `json:"token"`
}

type UploadFileResponse struct {
	CIUploadID int64 `json:"ciUploadId"`
}

type UploadStatusResponse struct {
	Progress             int    `json:"progress"`
	VulnerabilitiesFound int    `json:"vulnerabilitiesFound"`
	AutomationsAction    string `json:"automationsAction,omitempty"`
}

// FileStatusLine is one per-file row in the session status API response and
// in notification bodies.
type FileStatusLine struct {
	Filename             string `json:"filename"`
	Progress             int    `json:"progress"`
	VulnerabilitiesFound int    `json:"vulnerabilities_found"`
}

type SessionStatusResponse struct {
	SessionID          int64            `json:"session_id"`
	RepositoryName     string           `json:"repository_name"`
	CommitName         string           `json:"commit_name"`
	Status             string           `json:"status"`
	Progress           int              `json:"progress"`
	VulnerabilityCount int              `json:"vulnerability_count"`
	Files              []FileStatusLine `json:"files"`
	ErrorMessage       *string          `json:"error_message,omitempty"`
	UpdatedAt          time.Time        `json:"updated_at"`
}

type UploadAcceptedResponse struct {
	SessionID      int64    `json:"session_id"`
	RepositoryName string   `json:"repository_name"`
	CommitName     string   `json:"commit_name"`
	Status         string   `json:"status"`
	Files          []string `json:"files"`
}

package model

import (
	"encoding/json"
	"time"
)

// DependencyFile is one manifest or lock file within a scan session. Progress
// is the scan completion percentage reported by Debricked and never moves
// backwards across reconciliation passes.
type DependencyFile struct {
	ID                   int64           `json:"id" db:"id"`
	SessionID            int64           `json:"session_id" db:"session_id"`
	Filename             string          `json:"filename" db:"filename"`
	Path                 string          `json:"path" db:"path"`
	CIUploadID           *int64          `json:"ci_upload_id,omitempty" db:"ci_upload_id"`
	Progress             int             `json:"progress" db:"progress"`
	VulnerabilitiesFound int             `json:"vulnerabilities_found" db:"vulnerabilities_found"`
	RawData              json.RawMessage `json:"raw_data,omitempty" db:"raw_data"`
	CreatedAt            time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt            time.Time       `json:"updated_at" db:"updated_at"`
}

// Scanned reports whether Debricked considers this file fully processed.
func (f *DependencyFile) Scanned() bool {
	return f.Progress >= 100
}

package models

import "io"

// UploadRequest describes a data file upload. Size is the number of bytes Body will yield; it is only
// used for progress reporting and may be zero when unknown.
type UploadRequest struct {
	BusinessProblem string
	Filename        string
	Body            io.Reader
	Size            int64
}

// UploadResult is the reply of a successful upload. SessionID identifies the notebook created for the
// uploaded file.
type UploadResult struct {
	SessionID string `json:"session_id"`
	Filename  string `json:"filename"`
	Message   string `json:"message"`
	AIInsight string `json:"ai_insight"`
}

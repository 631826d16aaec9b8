// Package export writes the outcome of an upload run for other tools to pick up.
package export

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/bitrise-io/go-utils/v2/fileutil"
	"github.com/bitrise-io/go-utils/v2/pathutil"
	"github.com/zaghamabbas786/worpress-uploader-plugin/upload/chunkuploader"
	"github.com/zaghamabbas786/worpress-uploader-plugin/upload/session"
)

// Entry is the report line of one file.
type Entry struct {
	Path           string  `json:"path"`
	FileName       string  `json:"file_name"`
	MIMEType       string  `json:"mime_type,omitempty"`
	Size           int64   `json:"size_bytes"`
	SessionID      string  `json:"session_id,omitempty"`
	FileID         string  `json:"file_id,omitempty"`
	Chunks         int     `json:"chunks"`
	Retries        int     `json:"retries"`
	TrustedWindows int     `json:"trusted_windows"`
	DurationS      float64 `json:"duration_s"`

	// Failure fields, empty for a successful upload.
	Step           string `json:"failed_step,omitempty"`
	Reason         string `json:"reason,omitempty"`
	ConfirmedBytes int64  `json:"confirmed_bytes,omitempty"`
	Error          string `json:"error,omitempty"`
}

// Succeeded ...
func (e Entry) Succeeded() bool {
	return e.Error == ""
}

// Report collects the entries of a run.
type Report struct {
	StartedAt time.Time `json:"started_at"`
	Uploads   []Entry   `json:"uploads"`
}

// NewReport ...
func NewReport(startedAt time.Time) *Report {
	return &Report{StartedAt: startedAt}
}

// Add records the outcome of Orchestrator.Upload for the file at path.
func (r *Report) Add(path string, result session.Result, err error) {
	entry := Entry{
		Path:           path,
		FileName:       result.FileName,
		MIMEType:       result.MIMEType,
		Size:           result.Size,
		SessionID:      result.SessionID,
		FileID:         result.FileID,
		Chunks:         result.Chunks,
		Retries:        result.Retries,
		TrustedWindows: result.TrustedWindows,
		DurationS:      result.Duration.Truncate(time.Millisecond).Seconds(),
	}
	if entry.FileName == "" {
		entry.FileName = filepath.Base(path)
	}

	if err != nil {
		entry.Error = err.Error()
		var sessionErr *session.Error
		if errors.As(err, &sessionErr) {
			entry.Step = string(sessionErr.Step)
			entry.ConfirmedBytes = sessionErr.ConfirmedBytes
			entry.Error = sessionErr.UserMessage()
		}
		var uploadErr *chunkuploader.UploadError
		if errors.As(err, &uploadErr) {
			entry.Reason = string(uploadErr.Reason)
		}
	}

	r.Uploads = append(r.Uploads, entry)
}

// Failed returns the number of failed uploads.
func (r *Report) Failed() int {
	failed := 0
	for _, entry := range r.Uploads {
		if !entry.Succeeded() {
			failed++
		}
	}
	return failed
}

// Exporter writes reports as JSON files.
type Exporter struct {
	fileManager  fileutil.FileManager
	pathModifier pathutil.PathModifier
}

// NewExporter ...
func NewExporter(fileManager fileutil.FileManager, pathModifier pathutil.PathModifier) Exporter {
	return Exporter{
		fileManager:  fileManager,
		pathModifier: pathModifier,
	}
}

// NewDefaultExporter ...
func NewDefaultExporter() Exporter {
	return NewExporter(fileutil.NewFileManager(), pathutil.NewPathModifier())
}

// ExportReport writes report to destinationPath and returns its absolute path.
func (e Exporter) ExportReport(report *Report, destinationPath string) (string, error) {
	absPath, err := e.pathModifier.AbsPath(destinationPath)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(absPath), 0755); err != nil {
		return "", fmt.Errorf("failed to create report directory: %w", err)
	}

	content, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to encode report: %w", err)
	}
	if err := e.fileManager.WriteBytes(absPath, content); err != nil {
		return "", fmt.Errorf("failed to write report: %w", err)
	}
	return absPath, nil
}

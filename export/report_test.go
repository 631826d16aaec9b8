package export

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zaghamabbas786/worpress-uploader-plugin/upload/chunkuploader"
	"github.com/zaghamabbas786/worpress-uploader-plugin/upload/session"
)

func TestReport_Add(t *testing.T) {
	report := NewReport(time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC))

	report.Add("/videos/a.mp4", session.Result{
		SessionID: "session-1",
		FileName:  "a.mp4",
		MIMEType:  "video/mp4",
		Size:      150_000_000,
		FileID:    "drive-file-1",
		Chunks:    3,
		Retries:   1,
		Duration:  42500 * time.Millisecond,
	}, nil)

	report.Add("/videos/b.mov", session.Result{SessionID: "session-2", Size: 786532}, &session.Error{
		Step:           session.StepUpload,
		FileName:       "b.mov",
		ConfirmedBytes: 524288,
		Err:            &chunkuploader.UploadError{Reason: chunkuploader.ReasonExpired, ConfirmedBytes: 524288},
	})

	report.Add("/videos/c.mp4", session.Result{}, errors.New("open file: permission denied"))

	require.Len(t, report.Uploads, 3)
	assert.Equal(t, 2, report.Failed())

	assert.Equal(t, Entry{
		Path:      "/videos/a.mp4",
		FileName:  "a.mp4",
		MIMEType:  "video/mp4",
		Size:      150_000_000,
		SessionID: "session-1",
		FileID:    "drive-file-1",
		Chunks:    3,
		Retries:   1,
		DurationS: 42.5,
	}, report.Uploads[0])
	assert.True(t, report.Uploads[0].Succeeded())

	failed := report.Uploads[1]
	assert.Equal(t, "b.mov", failed.FileName)
	assert.Equal(t, "upload", failed.Step)
	assert.Equal(t, "expired", failed.Reason)
	assert.Equal(t, int64(524288), failed.ConfirmedBytes)
	assert.Equal(t, "Upload session expired. Please start the upload again. (0.5MB uploaded before failure)", failed.Error)

	plain := report.Uploads[2]
	assert.Equal(t, "c.mp4", plain.FileName)
	assert.Empty(t, plain.Step)
	assert.Equal(t, "open file: permission denied", plain.Error)
}

func TestExporter_ExportReport(t *testing.T) {
	report := NewReport(time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC))
	report.Add("/videos/a.mp4", session.Result{FileName: "a.mp4", Size: 10, FileID: "id-1"}, nil)

	destination := filepath.Join(t.TempDir(), "reports", "uploads.json")
	pth, err := NewDefaultExporter().ExportReport(report, destination)
	require.NoError(t, err)
	assert.Equal(t, destination, pth)

	content, err := os.ReadFile(pth)
	require.NoError(t, err)

	var decoded Report
	require.NoError(t, json.Unmarshal(content, &decoded))
	assert.Equal(t, report.StartedAt, decoded.StartedAt)
	require.Len(t, decoded.Uploads, 1)
	assert.Equal(t, "id-1", decoded.Uploads[0].FileID)
	assert.NotContains(t, string(content), "failed_step")
}

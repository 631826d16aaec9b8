package session

import (
	"errors"
	"fmt"

	"github.com/zaghamabbas786/worpress-uploader-plugin/upload/chunkuploader"
)

// Step names the lifecycle phase an upload failed in.
type Step string

const (
	StepValidate Step = "validate"
	StepInit     Step = "init"
	StepUpload   Step = "upload"
	StepFinalize Step = "finalize"
)

// Error is returned by Orchestrator.Upload. It carries the bytes the server confirmed before the
// failure.
type Error struct {
	Step           Step
	FileName       string
	ConfirmedBytes int64
	Err            error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s %s: %s", e.Step, e.FileName, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// UserMessage renders the failure as a single line for the person running the upload.
func (e *Error) UserMessage() string {
	msg := userMessage(e.Step, e.Err)
	if e.ConfirmedBytes > 0 {
		msg += fmt.Sprintf(" (%.1fMB uploaded before failure)", float64(e.ConfirmedBytes)/chunkuploader.MiB)
	}
	return msg
}

func userMessage(step Step, err error) string {
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Message != "" {
		return apiErr.Message
	}

	var uploadErr *chunkuploader.UploadError
	if errors.As(err, &uploadErr) {
		switch uploadErr.Reason {
		case chunkuploader.ReasonExpired:
			return "Upload session expired. Please start the upload again."
		case chunkuploader.ReasonAuthFailed:
			return "Upload authorization expired. Please start the upload again."
		case chunkuploader.ReasonPermissionDenied:
			return "The storage account refused the upload."
		case chunkuploader.ReasonCancelled:
			return "Upload cancelled."
		}
		if uploadErr.Message != "" {
			return uploadErr.Message
		}
		return "Upload failed. Please try again."
	}

	switch {
	case errors.Is(err, ErrInvalidMIMEType):
		return "Invalid file type. Only MP4 and MOV videos are accepted."
	case errors.Is(err, ErrFileTooLarge):
		return "File exceeds maximum allowed size of 5GB."
	case errors.Is(err, ErrEmptyFile):
		return "The selected file is empty."
	}

	switch step {
	case StepInit:
		return "Failed to initialize upload"
	case StepFinalize:
		return "Failed to finalize upload"
	}
	return "Upload failed. Please try again."
}

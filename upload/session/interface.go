// Package session runs one upload lifecycle: pre-flight validation, session init, chunk
// sequencing and finalization.
package session

import (
	"context"

	"github.com/zaghamabbas786/worpress-uploader-plugin/upload/chunkuploader"
)

// InitRequest describes the file a resumable session is opened for.
type InitRequest struct {
	FileName string
	FileSize int64
	MIMEType string
	// Metadata is forwarded to the initiator as extra form fields.
	Metadata map[string]string
}

// Session is an opened resumable upload.
type Session struct {
	ID      string
	Target  chunkuploader.UploadTarget
	Message string
}

// Initiator opens resumable upload sessions.
type Initiator interface {
	InitUpload(ctx context.Context, req InitRequest) (Session, error)
}

// Finalizer marks a session complete once every byte is confirmed. It returns a human-readable
// completion message.
type Finalizer interface {
	FinalizeUpload(ctx context.Context, sessionID string) (string, error)
}

// CredentialInvalidator drops cached upload credentials after the storage endpoint answered 401.
type CredentialInvalidator interface {
	InvalidateCredentials()
}

// CredentialInvalidatorFunc adapts a function to CredentialInvalidator.
type CredentialInvalidatorFunc func()

// InvalidateCredentials ...
func (f CredentialInvalidatorFunc) InvalidateCredentials() {
	f()
}

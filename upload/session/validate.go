package session

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/zaghamabbas786/worpress-uploader-plugin/upload/chunkuploader"
)

// MaxFileSize is the largest file a session may be opened for.
const MaxFileSize int64 = 5 * 1024 * 1024 * 1024

const sniffLength = 3072

// AllowedMIMETypes lists the payload types the storage side accepts.
var AllowedMIMETypes = []string{"video/mp4", "video/quicktime"}

var (
	ErrInvalidMIMEType = errors.New("invalid file type")
	ErrFileTooLarge    = errors.New("file exceeds maximum allowed size of 5GB")
	ErrEmptyFile       = errors.New("file is empty")
)

// ValidateFile checks the declared size and type of a file before any network call is made.
func ValidateFile(size int64, mimeType string) error {
	if size <= 0 {
		return ErrEmptyFile
	}
	if size > MaxFileSize {
		return fmt.Errorf("%w (%d bytes)", ErrFileTooLarge, size)
	}
	if !isAllowedMIMEType(mimeType) {
		return fmt.Errorf("%w: %s (allowed: %s)", ErrInvalidMIMEType, mimeType, strings.Join(AllowedMIMETypes, ", "))
	}
	return nil
}

// DetectMIMEType sniffs the leading bytes of file.
func DetectMIMEType(file chunkuploader.FileHandle) (string, error) {
	n := file.Size()
	if n > sniffLength {
		n = sniffLength
	}
	mtype, err := mimetype.DetectReader(io.NewSectionReader(file, 0, n))
	if err != nil {
		return "", fmt.Errorf("detect file type: %w", err)
	}
	// Specific brands such as M4V are children of an allowed container type.
	for m := mtype; m != nil; m = m.Parent() {
		for _, allowed := range AllowedMIMETypes {
			if m.Is(allowed) {
				return allowed, nil
			}
		}
	}
	return mtype.String(), nil
}

func isAllowedMIMEType(mimeType string) bool {
	for _, allowed := range AllowedMIMETypes {
		if mimeType == allowed {
			return true
		}
	}
	return false
}

package chunkuploader

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// FileHandle is a read-only, randomly addressable view of the bytes being uploaded.
type FileHandle interface {
	io.ReaderAt

	// Name is the base name of the source, used for logging and session init.
	Name() string

	// Size is the fixed total size of the source in bytes.
	Size() int64
}

// FileSource reads windows from a file on disk.
type FileSource struct {
	file *os.File
	size int64
}

// OpenFileSource opens the file at path as a FileHandle.
func OpenFileSource(path string) (*FileSource, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open file: %w", err)
	}

	info, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("stat file: %w", err)
	}
	if info.IsDir() {
		_ = file.Close()
		return nil, fmt.Errorf("%s is a directory", path)
	}

	return &FileSource{file: file, size: info.Size()}, nil
}

// ReadAt ...
func (s *FileSource) ReadAt(p []byte, off int64) (int, error) {
	return s.file.ReadAt(p, off)
}

// Name ...
func (s *FileSource) Name() string {
	return filepath.Base(s.file.Name())
}

// Size ...
func (s *FileSource) Size() int64 {
	return s.size
}

// Close closes the underlying file.
func (s *FileSource) Close() error {
	if s.file != nil {
		return s.file.Close()
	}
	return nil
}

// ByteSource serves windows from memory.
type ByteSource struct {
	name   string
	reader *bytes.Reader
}

// NewByteSource ...
func NewByteSource(name string, data []byte) *ByteSource {
	return &ByteSource{name: name, reader: bytes.NewReader(data)}
}

// ReadAt ...
func (s *ByteSource) ReadAt(p []byte, off int64) (int, error) {
	return s.reader.ReadAt(p, off)
}

// Name ...
func (s *ByteSource) Name() string {
	return s.name
}

// Size ...
func (s *ByteSource) Size() int64 {
	return s.reader.Size()
}

// readWindow fills buf with the bytes of window w and returns the filled part.
func readWindow(h FileHandle, w TransferWindow, buf []byte) ([]byte, error) {
	size := w.Len()
	if int64(cap(buf)) < size {
		buf = make([]byte, size)
	}
	chunk := buf[:size]

	n, err := io.ReadFull(io.NewSectionReader(h, w.Start, size), chunk)
	if err != nil && err != io.ErrUnexpectedEOF {
		return nil, fmt.Errorf("read window %s: %w", w, err)
	}
	if int64(n) != size {
		return nil, fmt.Errorf("short read for window %s: got %d of %d bytes", w, n, size)
	}

	return chunk, nil
}

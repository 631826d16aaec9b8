// Package source turns the configured upload entries (paths, globs, file:// and http(s) URLs) into
// local files.
package source

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bitrise-io/go-utils/v2/filedownloader"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/pathutil"
	"github.com/bmatcuk/doublestar/v4"
)

const fileScheme = "file://"

// ErrNoFiles is returned when no entry resolves to an existing file.
var ErrNoFiles = errors.New("no files to upload")

// Resolver expands upload entries into absolute local file paths. Remote entries are downloaded to
// a temporary directory first.
type Resolver struct {
	downloader   filedownloader.Downloader
	pathProvider pathutil.PathProvider
	pathModifier pathutil.PathModifier
	pathChecker  pathutil.PathChecker
	logger       log.Logger
}

// NewResolver ...
func NewResolver(downloader filedownloader.Downloader, pathProvider pathutil.PathProvider, pathModifier pathutil.PathModifier, pathChecker pathutil.PathChecker, logger log.Logger) *Resolver {
	return &Resolver{
		downloader:   downloader,
		pathProvider: pathProvider,
		pathModifier: pathModifier,
		pathChecker:  pathChecker,
		logger:       logger,
	}
}

// NewDefaultResolver ...
func NewDefaultResolver(logger log.Logger) *Resolver {
	return NewResolver(
		filedownloader.NewDownloader(logger),
		pathutil.NewPathProvider(),
		pathutil.NewPathModifier(),
		pathutil.NewPathChecker(),
		logger,
	)
}

// Resolve returns the files behind entries in the order they were given, without duplicates.
// Entries that match nothing are logged and skipped; a failed download is an error.
func (r *Resolver) Resolve(ctx context.Context, entries []string) ([]string, error) {
	var expandedPaths []string
	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		switch {
		case entry == "":
			continue
		case isRemote(entry):
			localPath, err := r.download(ctx, entry)
			if err != nil {
				return nil, err
			}
			expandedPaths = append(expandedPaths, localPath)
		case strings.HasPrefix(entry, fileScheme):
			expandedPaths = append(expandedPaths, strings.TrimPrefix(entry, fileScheme))
		case strings.Contains(entry, "*"):
			expandedPaths = append(expandedPaths, r.glob(entry)...)
		default:
			expandedPaths = append(expandedPaths, entry)
		}
	}

	// Validate and sanitize paths
	seen := map[string]bool{}
	var finalPaths []string
	for _, path := range expandedPaths {
		absPath, err := r.pathModifier.AbsPath(path)
		if err != nil {
			r.logger.Warnf("Failed to parse path %s, error: %s", path, err)
			continue
		}
		if seen[absPath] {
			continue
		}

		exists, err := r.pathChecker.IsPathExists(absPath)
		if err != nil {
			r.logger.Warnf("Failed to check path %s, error: %s", absPath, err)
		}
		if !exists {
			r.logger.Warnf("File doesn't exist: %s", path)
			continue
		}
		if isDir, err := r.pathChecker.IsDirExists(absPath); err == nil && isDir {
			r.logger.Warnf("Skipping directory: %s", path)
			continue
		}

		seen[absPath] = true
		finalPaths = append(finalPaths, absPath)
	}

	if len(finalPaths) == 0 {
		return nil, ErrNoFiles
	}
	return finalPaths, nil
}

func (r *Resolver) glob(pattern string) []string {
	base, rest := doublestar.SplitPattern(pattern)
	absBase, err := r.pathModifier.AbsPath(base) // resolves ~/ and expands any envs
	if err != nil {
		r.logger.Warnf("Failed to parse path %s, error: %s", base, err)
		return nil
	}

	matches, err := doublestar.Glob(os.DirFS(absBase), rest, doublestar.WithNoFollow(), doublestar.WithFilesOnly())
	if err != nil {
		r.logger.Warnf("Error in path pattern '%s': %s", pattern, err)
		return nil
	}
	if len(matches) == 0 {
		r.logger.Warnf("No match for path pattern: %s", pattern)
		return nil
	}

	sort.Strings(matches)
	paths := make([]string, 0, len(matches))
	for _, match := range matches {
		paths = append(paths, filepath.Join(absBase, match))
	}
	return paths
}

// download fetches a remote entry into a fresh temporary directory, keeping its file name.
func (r *Resolver) download(ctx context.Context, rawURL string) (string, error) {
	parsedURL, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("failed to parse URL %s: %w", rawURL, err)
	}
	fileName := filepath.Base(parsedURL.Path)
	if fileName == "." || fileName == "/" {
		return "", fmt.Errorf("no file name in URL %s", rawURL)
	}

	tmpDir, err := r.pathProvider.CreateTempDir("uploader-source")
	if err != nil {
		return "", fmt.Errorf("failed to create temp directory: %w", err)
	}

	localPath := filepath.Join(tmpDir, fileName)
	r.logger.Infof("Downloading %s", rawURL)
	if err := r.downloader.Download(ctx, localPath, rawURL); err != nil {
		return "", fmt.Errorf("failed to download file from %s: %w", rawURL, err)
	}
	return localPath, nil
}

func isRemote(entry string) bool {
	return strings.HasPrefix(entry, "http://") || strings.HasPrefix(entry, "https://")
}

package source

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFiles(t *testing.T, dir string, names ...string) {
	for _, name := range names {
		pth := filepath.Join(dir, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(pth), 0755))
		require.NoError(t, os.WriteFile(pth, []byte(name), 0644))
	}
}

func TestResolver_Resolve_LocalEntries(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir, "a.mp4", "clips/b.mov", "clips/c.mp4", "clips/nested/d.mp4", "notes.txt")

	resolver := NewDefaultResolver(log.NewLogger())
	paths, err := resolver.Resolve(context.Background(), []string{
		filepath.Join(dir, "a.mp4"),
		"file://" + filepath.Join(dir, "notes.txt"),
		filepath.Join(dir, "clips", "**", "*.mp4"),
		"  ",
		filepath.Join(dir, "a.mp4"),
		filepath.Join(dir, "missing.mp4"),
		filepath.Join(dir, "clips"),
	})
	require.NoError(t, err)

	assert.Equal(t, []string{
		filepath.Join(dir, "a.mp4"),
		filepath.Join(dir, "notes.txt"),
		filepath.Join(dir, "clips", "c.mp4"),
		filepath.Join(dir, "clips", "nested", "d.mp4"),
	}, paths)
}

func TestResolver_Resolve_NoMatch(t *testing.T) {
	dir := t.TempDir()

	resolver := NewDefaultResolver(log.NewLogger())
	_, err := resolver.Resolve(context.Background(), []string{filepath.Join(dir, "*.mp4"), filepath.Join(dir, "x.mov")})
	assert.ErrorIs(t, err, ErrNoFiles)
}

func TestResolver_Resolve_Download(t *testing.T) {
	content := []byte("\x00\x00\x00\x18ftypisom")
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/media/clip.mp4", r.URL.Path)
		_, _ = w.Write(content)
	}))
	defer server.Close()

	resolver := NewDefaultResolver(log.NewLogger())
	paths, err := resolver.Resolve(context.Background(), []string{server.URL + "/media/clip.mp4"})
	require.NoError(t, err)
	require.Len(t, paths, 1)

	assert.True(t, filepath.IsAbs(paths[0]))
	assert.Equal(t, "clip.mp4", filepath.Base(paths[0]))
	downloaded, err := os.ReadFile(paths[0])
	require.NoError(t, err)
	assert.Equal(t, content, downloaded)
}

func TestResolver_Resolve_DownloadError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	resolver := NewDefaultResolver(log.NewLogger())
	_, err := resolver.Resolve(context.Background(), []string{server.URL + "/gone.mp4"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to download file from")
}

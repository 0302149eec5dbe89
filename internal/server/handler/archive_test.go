package handler

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/galleria-labs/galleria/internal/domain"
)

// memArchive serves canned blob objects.
type memArchive struct {
	objects map[string][]byte
}

func (m *memArchive) Get(_ context.Context, path string) (io.ReadCloser, error) {
	buf, ok := m.objects[path]
	if !ok {
		return nil, fmt.Errorf("blob: get %s: %w", path, domain.ErrNotFound)
	}
	return io.NopCloser(bytes.NewReader(buf)), nil
}

func (m *memArchive) List(_ context.Context, prefix string) ([]domain.BlobInfo, error) {
	var infos []domain.BlobInfo
	for path, buf := range m.objects {
		if strings.HasPrefix(path, prefix) {
			infos = append(infos, domain.BlobInfo{Path: path, Size: int64(len(buf))})
		}
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Path < infos[j].Path })
	return infos, nil
}

func (m *memArchive) Exists(_ context.Context, path string) (bool, error) {
	_, ok := m.objects[path]
	return ok, nil
}

var _ domain.BlobReader = (*memArchive)(nil)

func newArchiveMux(t *testing.T, blobs domain.BlobReader) *http.ServeMux {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := NewArchiveHandler(blobs, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/archives", h.ListArchives)
	mux.HandleFunc("GET /api/archives/{path...}", h.GetArchive)
	return mux
}

func TestListArchives(t *testing.T) {
	blobs := &memArchive{objects: map[string][]byte{
		"archive/activities/2026-02/000.jsonl": []byte("old\n"),
		"archive/activities/2026-03/000.jsonl": []byte("{\"ItemID\":0}\n"),
		"archive/activities/2026-03/001.jsonl": []byte("{\"ItemID\":1}\n"),
	}}
	mux := newArchiveMux(t, blobs)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/archives?prefix=activities/2026-03", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `"activities/2026-03/000.jsonl"`)
	assert.Contains(t, body, `"activities/2026-03/001.jsonl"`)
	assert.NotContains(t, body, "2026-02")
}

func TestGetArchiveStreamsObject(t *testing.T) {
	content := "{\"ItemID\":0}\n{\"ItemID\":1}\n"
	blobs := &memArchive{objects: map[string][]byte{
		"archive/activities/2026-03/000.jsonl": []byte(content),
	}}
	mux := newArchiveMux(t, blobs)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/archives/activities/2026-03/000.jsonl", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/x-ndjson", rec.Header().Get("Content-Type"))
	assert.Equal(t, content, rec.Body.String())
}

func TestGetArchiveUnknownPath(t *testing.T) {
	mux := newArchiveMux(t, &memArchive{objects: map[string][]byte{}})

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/archives/activities/2026-03/000.jsonl", nil))

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetArchiveRejectsTraversal(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := NewArchiveHandler(&memArchive{objects: map[string][]byte{}}, logger)

	req := httptest.NewRequest(http.MethodGet, "/api/archives/x", nil)
	req.SetPathValue("path", "../secrets.toml")
	rec := httptest.NewRecorder()
	h.GetArchive(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListArchivesRejectsTraversal(t *testing.T) {
	mux := newArchiveMux(t, &memArchive{objects: map[string][]byte{}})

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/archives?prefix=..%2Fsecrets", nil))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

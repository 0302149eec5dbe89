package handler

import (
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/galleria-labs/galleria/internal/domain"
)

// archivePrefix is where the archiver parks pruned activity history in
// blob storage. The handler never serves keys outside it.
const archivePrefix = "archive/"

// ArchiveHandler serves archived activity history out of blob storage.
type ArchiveHandler struct {
	blobs  domain.BlobReader
	logger *slog.Logger
}

// NewArchiveHandler creates an ArchiveHandler over the given blob reader.
func NewArchiveHandler(blobs domain.BlobReader, logger *slog.Logger) *ArchiveHandler {
	return &ArchiveHandler{
		blobs:  blobs,
		logger: logHandler(logger, "archive"),
	}
}

// archiveJSON is the wire shape for one archive object.
type archiveJSON struct {
	Path         string `json:"path"`
	Size         int64  `json:"size"`
	LastModified string `json:"last_modified,omitempty"`
}

// ListArchives lists archive objects, optionally narrowed by a prefix
// relative to the archive root.
// GET /api/archives?prefix=activities/2025-01
func (h *ArchiveHandler) ListArchives(w http.ResponseWriter, r *http.Request) {
	prefix := strings.TrimPrefix(r.URL.Query().Get("prefix"), "/")
	if strings.Contains(prefix, "..") {
		writeError(w, http.StatusBadRequest, "invalid prefix")
		return
	}

	infos, err := h.blobs.List(r.Context(), archivePrefix+prefix)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: list archives failed",
			slog.String("prefix", prefix),
			slog.String("error", err.Error()),
		)
		writeDomainError(w, err)
		return
	}

	out := make([]archiveJSON, 0, len(infos))
	for _, info := range infos {
		row := archiveJSON{
			Path: strings.TrimPrefix(info.Path, archivePrefix),
			Size: info.Size,
		}
		if !info.LastModified.IsZero() {
			row.LastModified = info.LastModified.UTC().Format(time.RFC3339)
		}
		out = append(out, row)
	}
	writeJSON(w, http.StatusOK, map[string]any{"archives": out})
}

// GetArchive streams one archive object. The path is relative to the
// archive root, e.g. activities/2025-01/000.jsonl.
// GET /api/archives/{path...}
func (h *ArchiveHandler) GetArchive(w http.ResponseWriter, r *http.Request) {
	p := pathParam(r, "path")
	if p == "" || strings.Contains(p, "..") {
		writeError(w, http.StatusBadRequest, "invalid archive path")
		return
	}

	rc, err := h.blobs.Get(r.Context(), archivePrefix+p)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", "application/x-ndjson")
	if _, err := io.Copy(w, rc); err != nil {
		h.logger.WarnContext(r.Context(), "handler: stream archive interrupted",
			slog.String("path", p),
			slog.String("error", err.Error()),
		)
	}
}

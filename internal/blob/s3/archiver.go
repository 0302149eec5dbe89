package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/galleria-labs/galleria/internal/domain"
)

// archivePageSize bounds how many activity rows are pulled from the
// store per upload.
const archivePageSize = 5000

// Archiver pages old activity rows out of the primary store, uploads
// them to blob storage as JSONL, and prunes the archived rows. Rows are
// only deleted after their archive upload succeeded.
type Archiver struct {
	writer     domain.BlobWriter
	reader     domain.BlobReader
	activities domain.ActivityStore
	log        *slog.Logger
}

// NewArchiver creates a new Archiver.
func NewArchiver(writer domain.BlobWriter, reader domain.BlobReader, activities domain.ActivityStore, logger *slog.Logger) *Archiver {
	return &Archiver{
		writer:     writer,
		reader:     reader,
		activities: activities,
		log:        logger.With("component", "archiver"),
	}
}

// ArchiveBefore moves all activity rows older than the cutoff into blob
// storage and returns how many rows were archived.
func (a *Archiver) ArchiveBefore(ctx context.Context, before time.Time) (int64, error) {
	start, err := a.firstFreePage(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("s3blob: find free archive page: %w", err)
	}

	var total int64
	for page := start; ; page++ {
		rows, err := a.activities.ListBefore(ctx, before, archivePageSize)
		if err != nil {
			return total, fmt.Errorf("s3blob: archive activities query: %w", err)
		}
		if len(rows) == 0 {
			return total, nil
		}

		buf, err := marshalJSONL(rows)
		if err != nil {
			return total, fmt.Errorf("s3blob: archive activities marshal: %w", err)
		}

		path := archivePath(before, page)
		if err := a.writer.Put(ctx, path, bytes.NewReader(buf), "application/x-ndjson"); err != nil {
			return total, fmt.Errorf("s3blob: archive activities upload: %w", err)
		}

		// Delete only what this page covered. The page is ordered oldest
		// first, so everything up to and including its last row is now
		// safely in blob storage.
		pageCutoff := rows[len(rows)-1].CreatedAt.Add(time.Nanosecond)
		if pageCutoff.After(before) {
			pageCutoff = before
		}
		deleted, err := a.activities.DeleteBefore(ctx, pageCutoff)
		if err != nil {
			return total, fmt.Errorf("s3blob: prune archived activities: %w", err)
		}

		total += int64(len(rows))
		a.log.Info("archived activities", "path", path, "rows", len(rows), "pruned", deleted)

		if len(rows) < archivePageSize {
			return total, nil
		}
	}
}

// firstFreePage finds the first unused page index in blob storage for
// the cutoff's month partition. Page numbers keep counting up across
// runs, so a rerun within the same month never overwrites pages an
// earlier run already uploaded.
func (a *Archiver) firstFreePage(ctx context.Context, before time.Time) (int, error) {
	for page := 0; ; page++ {
		exists, err := a.reader.Exists(ctx, archivePath(before, page))
		if err != nil {
			return 0, err
		}
		if !exists {
			return page, nil
		}
	}
}

// archivePath builds the blob key for an archive page, partitioned by
// the year-month of the cutoff time.
//
//	archive/activities/2025-01/000.jsonl
func archivePath(before time.Time, page int) string {
	return fmt.Sprintf("archive/activities/%s/%03d.jsonl", before.Format("2006-01"), page)
}

// marshalJSONL serialises a slice of values as newline-delimited JSON (JSONL).
// Each element is marshalled as a single compact JSON line followed by '\n'.
func marshalJSONL[T any](records []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)

	for i, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("jsonl encode record %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}

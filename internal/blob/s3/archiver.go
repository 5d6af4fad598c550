package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/openfutures/recorderbot/internal/domain"
)

// PositionArchiveStore lists closed positions older than a cutoff.
type PositionArchiveStore interface {
	ListClosedBefore(ctx context.Context, before time.Time) ([]domain.VirtualPosition, error)
}

// FillArchiveStore lists the fill trail of one position.
type FillArchiveStore interface {
	ListByPosition(ctx context.Context, positionID string) ([]domain.VirtualFill, error)
}

// archivedPosition is the JSONL record shape: one closed position with its
// full fill history inline, so an archive file is self-contained.
type archivedPosition struct {
	Position domain.VirtualPosition `json:"position"`
	Fills    []domain.VirtualFill   `json:"fills"`
}

// Archiver uploads closed positions as JSONL files to blob storage.
// Deleting archived rows from the primary store is intentionally not done
// here; that is a separate, explicit step after the archive is verified.
type Archiver struct {
	writer domain.BlobWriter
	store  PositionArchiveStore
	fills  FillArchiveStore
	audit  domain.AuditStore
	logger *slog.Logger

	prefix string
	// retention is how long closed positions stay out of the archive.
	retention time.Duration
	interval  time.Duration
}

// NewArchiver creates an Archiver. audit may be nil; prefix, when set, is
// prepended to every object key.
func NewArchiver(writer domain.BlobWriter, store PositionArchiveStore, fills FillArchiveStore, audit domain.AuditStore, prefix string, retention, interval time.Duration, logger *slog.Logger) *Archiver {
	if retention <= 0 {
		retention = 30 * 24 * time.Hour
	}
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return &Archiver{
		writer:    writer,
		store:     store,
		fills:     fills,
		audit:     audit,
		logger:    logger.With(slog.String("component", "archiver")),
		prefix:    prefix,
		retention: retention,
		interval:  interval,
	}
}

// Run archives on a fixed interval until the context is canceled. One pass
// runs immediately at startup so a crash-looping process still makes
// archival progress.
func (a *Archiver) Run(ctx context.Context) error {
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	for {
		if n, err := a.ArchiveClosed(ctx, time.Now().Add(-a.retention)); err != nil {
			a.logger.WarnContext(ctx, "archive pass failed", slog.String("error", err.Error()))
		} else if n > 0 {
			a.logger.InfoContext(ctx, "archive pass complete", slog.Int("positions", n))
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// ArchiveClosed uploads all positions closed before the cutoff to
// archive/positions/YYYY-MM-DD.jsonl and records the upload in the audit
// log. It returns the number of positions archived.
func (a *Archiver) ArchiveClosed(ctx context.Context, before time.Time) (int, error) {
	positions, err := a.store.ListClosedBefore(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive query: %w", err)
	}
	if len(positions) == 0 {
		return 0, nil
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, pos := range positions {
		fills, err := a.fills.ListByPosition(ctx, pos.ID)
		if err != nil {
			return 0, fmt.Errorf("s3blob: archive fills %s: %w", pos.ID, err)
		}
		if err := enc.Encode(archivedPosition{Position: pos, Fills: fills}); err != nil {
			return 0, fmt.Errorf("s3blob: archive marshal %s: %w", pos.ID, err)
		}
	}

	path := fmt.Sprintf("%sarchive/positions/%s.jsonl", a.prefix, before.UTC().Format("2006-01-02"))
	if err := a.writer.Put(ctx, path, bytes.NewReader(buf.Bytes()), "application/x-ndjson"); err != nil {
		return 0, fmt.Errorf("s3blob: archive upload: %w", err)
	}

	if a.audit != nil {
		detail := map[string]any{
			"path":      path,
			"positions": len(positions),
			"cutoff":    before.UTC().Format(time.RFC3339),
		}
		if err := a.audit.Log(ctx, "positions_archived", detail); err != nil {
			a.logger.WarnContext(ctx, "archive audit write failed", slog.String("error", err.Error()))
		}
	}
	return len(positions), nil
}

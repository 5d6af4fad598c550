package s3blob

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfutures/recorderbot/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type memWriter struct {
	paths        []string
	bodies       [][]byte
	contentTypes []string
	err          error
}

func (w *memWriter) Put(_ context.Context, path string, data io.Reader, contentType string) error {
	if w.err != nil {
		return w.err
	}
	body, err := io.ReadAll(data)
	if err != nil {
		return err
	}
	w.paths = append(w.paths, path)
	w.bodies = append(w.bodies, body)
	w.contentTypes = append(w.contentTypes, contentType)
	return nil
}

type memArchiveStore struct {
	closed []domain.VirtualPosition
	fills  map[string][]domain.VirtualFill
	err    error
}

func (s *memArchiveStore) ListClosedBefore(context.Context, time.Time) ([]domain.VirtualPosition, error) {
	return s.closed, s.err
}

func (s *memArchiveStore) ListByPosition(_ context.Context, id string) ([]domain.VirtualFill, error) {
	return s.fills[id], nil
}

type memAudit struct {
	events []string
}

func (a *memAudit) Log(_ context.Context, event string, _ map[string]any) error {
	a.events = append(a.events, event)
	return nil
}

func (a *memAudit) List(context.Context, domain.ListOpts) ([]domain.AuditEntry, error) {
	return nil, nil
}

func closedPosition(id string) domain.VirtualPosition {
	closedAt := time.Date(2026, 7, 1, 20, 0, 0, 0, time.UTC)
	return domain.VirtualPosition{
		ID: id, RecorderID: "rec-1", Ticker: "MNQZ5",
		Side: domain.SideLong, Status: domain.PositionStatusClosed,
		RealizedPnL: 60, ClosedAt: &closedAt,
		OpenedAt: closedAt.Add(-time.Hour),
	}
}

func TestArchiveClosedUploadsJSONL(t *testing.T) {
	writer := &memWriter{}
	store := &memArchiveStore{
		closed: []domain.VirtualPosition{closedPosition("p1"), closedPosition("p2")},
		fills: map[string][]domain.VirtualFill{
			"p1": {{ID: 1, PositionID: "p1", Action: domain.ActionBuy, QtyDelta: 1}},
		},
	}
	audit := &memAudit{}
	a := NewArchiver(writer, store, store, audit, "recorder", 0, 0, testLogger())

	cutoff := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	n, err := a.ArchiveClosed(context.Background(), cutoff)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	require.Len(t, writer.paths, 1)
	assert.Equal(t, "recorder/archive/positions/2026-08-01.jsonl", writer.paths[0])
	assert.Equal(t, "application/x-ndjson", writer.contentTypes[0])

	scanner := bufio.NewScanner(bytes.NewReader(writer.bodies[0]))
	var records []archivedPosition
	for scanner.Scan() {
		var rec archivedPosition
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &rec))
		records = append(records, rec)
	}
	require.Len(t, records, 2)
	assert.Equal(t, "p1", records[0].Position.ID)
	assert.Len(t, records[0].Fills, 1)
	assert.Empty(t, records[1].Fills)

	assert.Equal(t, []string{"positions_archived"}, audit.events)
}

func TestArchiveClosedNothingToDo(t *testing.T) {
	writer := &memWriter{}
	store := &memArchiveStore{}
	a := NewArchiver(writer, store, store, nil, "", 0, 0, testLogger())

	n, err := a.ArchiveClosed(context.Background(), time.Now())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, writer.paths)
}

func TestArchiveClosedPropagatesErrors(t *testing.T) {
	store := &memArchiveStore{err: errors.New("db down")}
	a := NewArchiver(&memWriter{}, store, store, nil, "", 0, 0, testLogger())
	_, err := a.ArchiveClosed(context.Background(), time.Now())
	assert.Error(t, err)

	okStore := &memArchiveStore{closed: []domain.VirtualPosition{closedPosition("p1")}}
	a = NewArchiver(&memWriter{err: errors.New("s3 down")}, okStore, okStore, nil, "", 0, 0, testLogger())
	_, err = a.ArchiveClosed(context.Background(), time.Now())
	assert.Error(t, err)
}

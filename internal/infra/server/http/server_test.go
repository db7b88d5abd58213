package httpserver

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/volsurface/errs"
	"github.com/coachpo/volsurface/internal/app/surface"
	"github.com/coachpo/volsurface/internal/app/viewer"
	"github.com/coachpo/volsurface/internal/domain/schema"
	"github.com/coachpo/volsurface/internal/domain/surfacestore"
)

type staticSource struct {
	snap schema.Snapshot
}

func (s staticSource) CurrentSurface() schema.Snapshot { return s.snap }

type memoryArchive struct {
	mu      sync.Mutex
	nextID  int64
	records map[int64]surfacestore.SnapshotRecord
}

func newMemoryArchive() *memoryArchive {
	return &memoryArchive{records: make(map[int64]surfacestore.SnapshotRecord)}
}

func (a *memoryArchive) SaveCurrent(_ context.Context, src surface.SurfaceSource, note *string) (surface.SaveResult, error) {
	snap := src.CurrentSurface()
	a.mu.Lock()
	defer a.mu.Unlock()
	a.nextID++
	a.records[a.nextID] = surfacestore.SnapshotRecord{
		ID:         a.nextID,
		Header:     surfacestore.Header{Symbol: snap.Symbol, Spot: snap.Spot, Note: note},
		PointCount: snap.Len(),
	}
	return surface.SaveResult{SnapshotID: a.nextID, Inserted: int64(snap.Len())}, nil
}

func (a *memoryArchive) Recent(_ context.Context, symbol string, limit int) ([]surfacestore.SnapshotRecord, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]surfacestore.SnapshotRecord, 0, len(a.records))
	for id := a.nextID; id > 0; id-- {
		record, ok := a.records[id]
		if !ok || (symbol != "" && record.Symbol != strings.ToUpper(symbol)) {
			continue
		}
		out = append(out, record)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (a *memoryArchive) Detail(_ context.Context, id int64) (surface.SnapshotDetail, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	record, ok := a.records[id]
	if !ok {
		return surface.SnapshotDetail{}, errs.New("test", errs.CodeNotFound, errs.WithMessage("snapshot not found"))
	}
	return surface.SnapshotDetail{SnapshotRecord: record}, nil
}

func (a *memoryArchive) UpdateNote(_ context.Context, id int64, note *string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	record, ok := a.records[id]
	if !ok {
		return errs.New("test", errs.CodeNotFound)
	}
	record.Note = note
	a.records[id] = record
	return nil
}

func (a *memoryArchive) Delete(_ context.Context, id int64) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.records[id]; !ok {
		return errs.New("test", errs.CodeNotFound)
	}
	delete(a.records, id)
	return nil
}

func testSurface(n int) schema.Snapshot {
	points := make([]schema.SnapshotPoint, 0, n)
	for i := 0; i < n; i++ {
		points = append(points, schema.SnapshotPoint{
			Key:        schema.ContractKey{Expiration: "20250110", Strike: float64(95 + i), Right: schema.Call},
			ImpliedVol: 0.2,
		})
	}
	return schema.Snapshot{Symbol: "SPY", Spot: 100, CapturedAt: time.Now().UTC(), Points: points}
}

func newTestHandler(t *testing.T, archive Archive) (http.Handler, *viewer.Viewer) {
	t.Helper()
	source := staticSource{snap: testSurface(12)}
	v := viewer.New(source, viewer.NewState(), viewer.Options{}, nil)
	return NewHandler(Dependencies{Symbol: "SPY", Source: source, Viewer: v, Archive: archive}), v
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestHealthAndSurface(t *testing.T) {
	h, _ := newTestHandler(t, nil)

	rec := do(t, h, http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, rec.Code)
	health := decode[map[string]any](t, rec)
	require.Equal(t, "ok", health["status"])
	require.Equal(t, false, health["persistence"])

	rec = do(t, h, http.MethodGet, "/surface", "")
	require.Equal(t, http.StatusOK, rec.Code)
	snap := decode[schema.Snapshot](t, rec)
	require.Equal(t, 12, snap.Len())
}

func TestFrameRequiresRefresh(t *testing.T) {
	h, v := newTestHandler(t, nil)

	rec := do(t, h, http.MethodGet, "/surface/frame", "")
	require.Equal(t, http.StatusNotFound, rec.Code)

	require.True(t, v.Refresh(context.Background()))
	rec = do(t, h, http.MethodGet, "/surface/frame", "")
	require.Equal(t, http.StatusOK, rec.Code)
	frame := decode[viewer.Frame](t, rec)
	require.Equal(t, 12, frame.Points)
	require.Equal(t, []string{"20250110"}, frame.Expirations)
}

func TestLockAndNote(t *testing.T) {
	h, v := newTestHandler(t, nil)

	rec := do(t, h, http.MethodPost, "/view/lock", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, map[string]bool{"locked": true}, decode[map[string]bool](t, rec))
	require.True(t, v.State().Locked())

	rec = do(t, h, http.MethodPost, "/view/lock", `{"locked":true}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.True(t, v.State().Locked())

	rec = do(t, h, http.MethodPost, "/view/lock", "")
	require.False(t, decode[map[string]bool](t, rec)["locked"])

	rec = do(t, h, http.MethodPut, "/view/note", `{"note":"  skew steepening "}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "skew steepening", v.State().Note())

	rec = do(t, h, http.MethodPut, "/view/note", "")
	require.Equal(t, http.StatusBadRequest, rec.Code)
	rec = do(t, h, http.MethodPut, "/view/note", `{"text":"x"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSnapshotsDisabledWithoutArchive(t *testing.T) {
	h, _ := newTestHandler(t, nil)
	rec := do(t, h, http.MethodPost, "/snapshots", "")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	rec = do(t, h, http.MethodGet, "/snapshots", "")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestSnapshotLifecycle(t *testing.T) {
	archive := newMemoryArchive()
	h, v := newTestHandler(t, archive)

	v.State().SetNote("from view")
	rec := do(t, h, http.MethodPost, "/snapshots", "")
	require.Equal(t, http.StatusCreated, rec.Code)
	saved := decode[surface.SaveResult](t, rec)
	require.Equal(t, int64(1), saved.SnapshotID)
	require.Equal(t, int64(12), saved.Inserted)
	require.Equal(t, "from view", *archive.records[1].Note)

	rec = do(t, h, http.MethodPost, "/snapshots", `{"note":"explicit"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	require.Equal(t, "explicit", *archive.records[2].Note)

	rec = do(t, h, http.MethodGet, "/snapshots?symbol=spy&limit=1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	listed := decode[map[string][]surfacestore.SnapshotRecord](t, rec)
	require.Len(t, listed["snapshots"], 1)
	require.Equal(t, int64(2), listed["snapshots"][0].ID)

	rec = do(t, h, http.MethodGet, "/snapshots?limit=zero", "")
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodGet, "/snapshots/1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	detail := decode[surface.SnapshotDetail](t, rec)
	require.Equal(t, 12, detail.PointCount)

	rec = do(t, h, http.MethodPatch, "/snapshots/1", `{"note":null}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Nil(t, archive.records[1].Note)

	rec = do(t, h, http.MethodDelete, "/snapshots/1", "")
	require.Equal(t, http.StatusNoContent, rec.Code)
	rec = do(t, h, http.MethodGet, "/snapshots/1", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
	rec = do(t, h, http.MethodDelete, "/snapshots/"+strconv.Itoa(99), "")
	require.Equal(t, http.StatusNotFound, rec.Code)
	rec = do(t, h, http.MethodGet, "/snapshots/abc", "")
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCORSPreflightAndMethodNotAllowed(t *testing.T) {
	h, _ := newTestHandler(t, nil)

	rec := do(t, h, http.MethodOptions, "/snapshots", "")
	require.Equal(t, http.StatusNoContent, rec.Code)
	require.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))

	rec = do(t, h, http.MethodDelete, "/surface", "")
	require.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

package surface

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/coachpo/volsurface/errs"
	"github.com/coachpo/volsurface/internal/domain/schema"
	"github.com/coachpo/volsurface/internal/domain/surfacestore"
)

// memorySnapshotStore stages writes per transaction and publishes them only on commit.
type memorySnapshotStore struct {
	mu        sync.Mutex
	nextID    int64
	headers   map[int64]surfacestore.Header
	points    map[int64][]surfacestore.DataPoint
	failAfter int
}

func newMemorySnapshotStore() *memorySnapshotStore {
	return &memorySnapshotStore{
		headers:   make(map[int64]surfacestore.Header),
		points:    make(map[int64][]surfacestore.DataPoint),
		failAfter: -1,
	}
}

type memoryTx struct {
	store   *memorySnapshotStore
	headers map[int64]surfacestore.Header
	points  map[int64][]surfacestore.DataPoint
}

func (m *memorySnapshotStore) WithTransaction(ctx context.Context, fn func(context.Context, surfacestore.Tx) error) error {
	tx := &memoryTx{store: m, headers: map[int64]surfacestore.Header{}, points: map[int64][]surfacestore.DataPoint{}}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, h := range tx.headers {
		m.headers[id] = h
	}
	for id, p := range tx.points {
		m.points[id] = append(m.points[id], p...)
	}
	return nil
}

func (tx *memoryTx) CreateSnapshot(_ context.Context, header surfacestore.Header) (int64, error) {
	tx.store.mu.Lock()
	tx.store.nextID++
	id := tx.store.nextID
	tx.store.mu.Unlock()
	tx.headers[id] = header
	return id, nil
}

func (tx *memoryTx) BulkInsertDataPoints(_ context.Context, snapshotID int64, points []surfacestore.DataPoint) (int64, error) {
	for i, p := range points {
		if tx.store.failAfter >= 0 && i == tx.store.failAfter {
			return int64(i), errors.New("constraint violation mid-batch")
		}
		tx.points[snapshotID] = append(tx.points[snapshotID], p)
	}
	return int64(len(points)), nil
}

func (m *memorySnapshotStore) GetSnapshot(_ context.Context, id int64) (surfacestore.SnapshotRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.headers[id]
	if !ok {
		return surfacestore.SnapshotRecord{}, errs.New("memory", errs.CodeNotFound)
	}
	return surfacestore.SnapshotRecord{ID: id, Header: h, PointCount: len(m.points[id])}, nil
}

func (m *memorySnapshotStore) RecentSnapshots(_ context.Context, symbol string, limit int) ([]surfacestore.SnapshotRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []surfacestore.SnapshotRecord{}
	for id, h := range m.headers {
		if h.Symbol == symbol {
			out = append(out, surfacestore.SnapshotRecord{ID: id, Header: h, PointCount: len(m.points[id])})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memorySnapshotStore) DataPoints(_ context.Context, snapshotID int64) ([]surfacestore.DataPoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]surfacestore.DataPoint(nil), m.points[snapshotID]...), nil
}

func (m *memorySnapshotStore) UpdateNote(_ context.Context, id int64, note *string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.headers[id]
	if !ok {
		return errs.New("memory", errs.CodeNotFound)
	}
	h.Note = note
	m.headers[id] = h
	return nil
}

func (m *memorySnapshotStore) DeleteSnapshot(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.headers[id]; !ok {
		return errs.New("memory", errs.CodeNotFound)
	}
	delete(m.headers, id)
	delete(m.points, id)
	return nil
}

func sampleSnapshot() schema.Snapshot {
	return schema.Snapshot{
		Symbol:     "SPY",
		ConID:      756733,
		Spot:       100,
		CapturedAt: time.Date(2024, 1, 3, 15, 0, 0, 0, time.UTC),
		Points: []schema.SnapshotPoint{
			{Key: schema.ContractKey{Expiration: "20240105", Strike: 99, Right: schema.Put}, ImpliedVol: 0.21},
			{Key: schema.ContractKey{Expiration: "20240105", Strike: 100, Right: schema.Call}, ImpliedVol: 0.2},
			{Key: schema.ContractKey{Expiration: "20240110", Strike: 101, Right: schema.Call}, ImpliedVol: 0.19},
		},
	}
}

func TestWriterSavePersistsHeaderAndPoints(t *testing.T) {
	store := newMemorySnapshotStore()
	writer := NewWriter(store, nil)
	note := "  pre-FOMC  "

	res, err := writer.Save(context.Background(), sampleSnapshot(), &note)
	require.NoError(t, err)
	require.Equal(t, int64(1), res.SnapshotID)
	require.Equal(t, int64(3), res.Inserted)

	detail, err := writer.Detail(context.Background(), res.SnapshotID)
	require.NoError(t, err)
	require.Equal(t, "SPY", detail.Symbol)
	require.Equal(t, 3, detail.PointCount)
	require.NotNil(t, detail.Note)
	require.Equal(t, "pre-FOMC", *detail.Note)
	require.Equal(t, time.Date(2024, 1, 5, 0, 0, 0, 0, time.UTC), detail.Points[0].Expiration)
	require.Equal(t, schema.Put, detail.Points[0].Right)
}

func TestWriterRollsBackMidBatchFailure(t *testing.T) {
	store := newMemorySnapshotStore()
	store.failAfter = 2
	writer := NewWriter(store, nil)

	_, err := writer.Save(context.Background(), sampleSnapshot(), nil)
	require.Error(t, err)
	require.True(t, errs.IsCode(err, errs.CodePersistence))

	records, err := writer.Recent(context.Background(), "SPY", 10)
	require.NoError(t, err)
	require.Empty(t, records)
	points, err := store.DataPoints(context.Background(), 1)
	require.NoError(t, err)
	require.Empty(t, points)
}

func TestWriterSaveCurrentLeavesLiveSurfaceUntouched(t *testing.T) {
	store := newMemorySnapshotStore()
	store.failAfter = 0
	writer := NewWriter(store, nil)

	session, err := NewSession(testSessionConfig(), &scriptedClient{}, nil)
	require.NoError(t, err)
	require.NoError(t, session.Registry().Assign(1000, schema.ContractKey{Expiration: "20240105", Strike: 100, Right: schema.Call}))
	session.Store().UpdateVol(1000, 0.25)
	session.Store().UpdateSpot(100)

	_, err = writer.SaveCurrent(context.Background(), session, nil)
	require.True(t, errs.IsCode(err, errs.CodePersistence))
	require.Equal(t, 0.25, session.CurrentSurface().Points[0].ImpliedVol)

	store.failAfter = -1
	res, err := writer.SaveCurrent(context.Background(), session, nil)
	require.NoError(t, err)
	require.Equal(t, int64(1), res.Inserted)
}

func TestWriterRejectsInvalidSnapshots(t *testing.T) {
	writer := NewWriter(newMemorySnapshotStore(), nil)

	_, err := writer.Save(context.Background(), schema.Snapshot{}, nil)
	require.True(t, errs.IsCode(err, errs.CodeInvalid))

	snap := sampleSnapshot()
	snap.Points[1].Key.Expiration = "2024-01-05"
	_, err = writer.Save(context.Background(), snap, nil)
	require.True(t, errs.IsCode(err, errs.CodeInvalid))

	_, err = NewWriter(nil, nil).Save(context.Background(), sampleSnapshot(), nil)
	require.True(t, errs.IsCode(err, errs.CodeUnavailable))
}

func TestWriterArchiveOperations(t *testing.T) {
	store := newMemorySnapshotStore()
	writer := NewWriter(store, nil)
	for i := 0; i < 3; i++ {
		_, err := writer.Save(context.Background(), sampleSnapshot(), nil)
		require.NoError(t, err)
	}

	recent, err := writer.Recent(context.Background(), " spy ", 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	require.Equal(t, int64(3), recent[0].ID)

	note := "rolled"
	require.NoError(t, writer.UpdateNote(context.Background(), 2, &note))
	detail, err := writer.Detail(context.Background(), 2)
	require.NoError(t, err)
	require.Equal(t, "rolled", *detail.Note)

	empty := "   "
	require.NoError(t, writer.UpdateNote(context.Background(), 2, &empty))
	detail, err = writer.Detail(context.Background(), 2)
	require.NoError(t, err)
	require.Nil(t, detail.Note)

	require.NoError(t, writer.Delete(context.Background(), 2))
	_, err = writer.Detail(context.Background(), 2)
	require.True(t, errs.IsCode(err, errs.CodeNotFound))
	require.Error(t, writer.Delete(context.Background(), 2))
}

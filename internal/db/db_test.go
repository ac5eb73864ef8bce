package db

import (
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/basestation/internal/geom"
	"github.com/banshee-data/basestation/internal/monitoring"
	"github.com/banshee-data/basestation/internal/protocol"
	"github.com/banshee-data/basestation/internal/session"
	"github.com/banshee-data/basestation/internal/world"
)

func TestMain(m *testing.M) {
	monitoring.SetLogger(nil)
	m.Run()
}

func newTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := NewDB(filepath.Join(t.TempDir(), "basestation.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestNewDB_MigratesToLatest(t *testing.T) {
	db := newTestDB(t)

	version, dirty, err := db.MigrateVersion()
	require.NoError(t, err)
	latest, err := LatestMigrationVersion()
	require.NoError(t, err)
	assert.Equal(t, uint(3), latest)
	assert.Equal(t, latest, version)
	assert.False(t, dirty)

	for _, table := range []string{"events", "world_snapshots", "robot_parameters"} {
		var n int
		require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&n))
		assert.Equal(t, 1, n, table)
	}
}

func TestNewDB_ReopenIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "basestation.db")
	db, err := NewDB(path)
	require.NoError(t, err)
	require.NoError(t, db.RecordEvent(session.Event{ID: uuid.New(), Time: time.Now(), Kind: session.KindLog, Message: "hello"}))
	require.NoError(t, db.Close())

	db, err = NewDB(path)
	require.NoError(t, err)
	defer db.Close()
	events, err := db.RecentEvents(10)
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestPragmasApplied(t *testing.T) {
	db := newTestDB(t)

	var journalMode string
	require.NoError(t, db.QueryRow("PRAGMA journal_mode").Scan(&journalMode))
	assert.Equal(t, "wal", journalMode)

	var busyTimeout int
	require.NoError(t, db.QueryRow("PRAGMA busy_timeout").Scan(&busyTimeout))
	assert.Equal(t, 5000, busyTimeout)
}

func TestMigrateDown(t *testing.T) {
	db := newTestDB(t)
	require.NoError(t, db.MigrateDown())

	version, _, err := db.MigrateVersion()
	require.NoError(t, err)
	assert.Equal(t, uint(2), version)

	var n int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='robot_parameters'`).Scan(&n))
	assert.Equal(t, 0, n)

	require.NoError(t, db.MigrateUp())
}

func TestEvents(t *testing.T) {
	db := newTestDB(t)
	base := time.Date(2025, 4, 1, 9, 0, 0, 0, time.UTC)

	first := session.Event{ID: uuid.New(), Time: base, Kind: session.KindRobotStatus, RobotID: "1", Message: "Player 1 connected"}
	second := session.Event{ID: uuid.New(), Time: base.Add(time.Second), Kind: session.KindRefBoxMessage, Message: "KICKOFF_BLUE"}
	require.NoError(t, db.RecordEvent(first))
	require.NoError(t, db.RecordEvent(second))
	require.NoError(t, db.RecordEvent(second), "duplicates are ignored")

	events, err := db.RecentEvents(0)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, second, events[0])
	assert.Equal(t, first, events[1])

	events, err = db.RecentEvents(1)
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestSnapshots(t *testing.T) {
	db := newTestDB(t)
	s := world.Snapshot{
		Field:        geom.Dimensions{Width: 12, Height: 9},
		Ball:         geom.Point{X: 2, Y: 2},
		Obstacles:    []geom.Point{{X: 1, Y: 1}, {X: 3, Y: 3}},
		Contributors: []string{"1", "2"},
		Seq:          42,
		FusedAt:      time.Date(2025, 4, 1, 9, 0, 0, 0, time.UTC),
	}
	require.NoError(t, db.RecordSnapshot(s))
	empty := world.Snapshot{Field: s.Field, Ball: geom.Point{X: 6, Y: 4.5}, Seq: 43, FusedAt: s.FusedAt.Add(time.Second)}
	require.NoError(t, db.RecordSnapshot(empty))

	got, err := db.RecentSnapshots(10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, uint64(43), got[0].Seq)
	assert.Empty(t, got[0].Obstacles)
	assert.Equal(t, s, got[1])
}

func TestParameters(t *testing.T) {
	db := newTestDB(t)

	empty, err := db.LoadParameters("1")
	require.NoError(t, err)
	assert.Empty(t, empty)

	require.NoError(t, db.SaveParameters("1", protocol.Parameters{
		"max_speed": protocol.Number(2),
		"role":      protocol.Text("keeper"),
	}))
	require.NoError(t, db.SaveParameters("1", protocol.Parameters{"max_speed": protocol.Number(3)}))
	require.NoError(t, db.SaveParameters("2", protocol.Parameters{"max_speed": protocol.Number(9)}))

	got, err := db.LoadParameters("1")
	require.NoError(t, err)
	assert.Equal(t, protocol.Parameters{
		"max_speed": protocol.Number(3),
		"role":      protocol.Text("keeper"),
	}, got)
}

func TestAttachAdminRoutes(t *testing.T) {
	db := newTestDB(t)
	mux := http.NewServeMux()
	require.NoError(t, db.AttachAdminRoutes(mux))

	for _, path := range []string{"/debug/tailsql/", "/debug/backup", "/debug/migrations"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		req.RemoteAddr = "127.0.0.1:40000"
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, req)
		assert.NotEqual(t, http.StatusNotFound, rec.Code, path)
	}
}

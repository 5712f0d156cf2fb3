package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openMemory(t *testing.T) *Store {
	t.Helper()
	s, err := Open(MemoryPath)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSaveAndListJobs(t *testing.T) {
	s := openMemory(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	for i, id := range []string{"a1", "b2", "c3"} {
		start := base.Add(time.Duration(i) * time.Minute)
		require.NoError(t, s.SaveJob(ctx, JobRecord{
			ID:          id,
			Title:       "checkout " + id,
			StartedAt:   start,
			FinishedAt:  start.Add(30 * time.Second),
			Tests:       4,
			Failed:      i,
			RequestList: json.RawMessage(`[{"requestType":"finished"},{"requestType":"failed"}]`),
		}))
	}

	jobs, err := s.ListJobs(ctx, 2)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, "c3", jobs[0].ID)
	assert.Equal(t, "b2", jobs[1].ID)
	assert.Equal(t, 2, jobs[0].Failed)
	assert.Equal(t, 2, jobs[0].Requests)
	assert.Equal(t, 30*time.Second, jobs[0].Duration())
	assert.True(t, jobs[0].StartedAt.Equal(base.Add(2*time.Minute)))
}

func TestSaveJobReplaces(t *testing.T) {
	s := openMemory(t)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, s.SaveJob(ctx, JobRecord{ID: "j", Title: "first", StartedAt: now, FinishedAt: now}))
	require.NoError(t, s.SaveJob(ctx, JobRecord{ID: "j", Title: "second", StartedAt: now, FinishedAt: now}))

	jobs, err := s.ListJobs(ctx, 0)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, "second", jobs[0].Title)
	assert.Equal(t, 0, jobs[0].Requests)
}

func TestSaveJobValidation(t *testing.T) {
	s := openMemory(t)
	ctx := context.Background()

	assert.Error(t, s.SaveJob(ctx, JobRecord{}))
	assert.Error(t, s.SaveJob(ctx, JobRecord{ID: "x", RequestList: json.RawMessage(`{"not":"a list"}`)}))
}

func TestLoadRequestListAndCoverage(t *testing.T) {
	s := openMemory(t)
	ctx := context.Background()
	now := time.Now()

	list := json.RawMessage(`[{"url":"https://x/api","status":{"code":500,"label":"500 Internal Server Error"}}]`)
	require.NoError(t, s.SaveJob(ctx, JobRecord{ID: "with", StartedAt: now, FinishedAt: now, RequestList: list, Coverage: json.RawMessage(`[{"name":"app.js"}]`)}))
	require.NoError(t, s.SaveJob(ctx, JobRecord{ID: "without", StartedAt: now, FinishedAt: now}))

	got, err := s.LoadRequestList(ctx, "with")
	require.NoError(t, err)
	assert.JSONEq(t, string(list), string(got))

	cov, err := s.LoadCoverage(ctx, "with")
	require.NoError(t, err)
	assert.JSONEq(t, `[{"name":"app.js"}]`, string(cov))

	cov, err = s.LoadCoverage(ctx, "without")
	require.NoError(t, err)
	assert.Nil(t, cov)

	_, err = s.LoadRequestList(ctx, "missing")
	assert.True(t, errors.Is(err, ErrJobNotFound))
}

func TestOpenMigratesOldArchive(t *testing.T) {
	path := filepath.Join(t.TempDir(), "old.db")

	db, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	_, err = db.Exec(`CREATE TABLE jobs (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		started_at DATETIME NOT NULL,
		finished_at DATETIME NOT NULL,
		tests INTEGER DEFAULT 0,
		failed INTEGER DEFAULT 0,
		request_count INTEGER DEFAULT 0,
		request_list TEXT DEFAULT '[]'
	)`)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	s, err := Open(path)
	require.NoError(t, err)
	defer s.Close()

	assert.True(t, columnExists(s.db, "jobs", "coverage"))
	assert.Equal(t, path, s.Path())

	now := time.Now()
	require.NoError(t, s.SaveJob(context.Background(), JobRecord{ID: "new", StartedAt: now, FinishedAt: now, Coverage: json.RawMessage(`[]`)}))
}

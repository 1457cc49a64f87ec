package history

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	s, err := OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func sampleRecord(id string, finished time.Time) Record {
	return Record{
		ID:         id,
		Branch:     "bugfix/login-crash",
		Category:   "feature",
		State:      "done",
		StartedAt:  finished.Add(-3 * time.Second),
		FinishedAt: finished,
		MergeRequests: []MergeRequest{
			{Kind: KindPrimary, IID: 42, Title: "Fix login crash", URL: "https://gitlab.example.com/app/-/merge_requests/42", TargetBranch: "develop"},
			{Kind: KindSync, IID: 43, Title: "[同步] Fix login crash", URL: "https://gitlab.example.com/app/-/merge_requests/43", TargetBranch: "internal"},
		},
	}
}

func TestSaveAndGet(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	finished := time.Date(2026, 3, 1, 10, 0, 0, 500, time.UTC)

	require.NoError(t, s.Save(ctx, sampleRecord("task-1", finished)))

	got, err := s.Get(ctx, "task-1")
	require.NoError(t, err)
	assert.Equal(t, "bugfix/login-crash", got.Branch)
	assert.True(t, got.FinishedAt.Equal(finished))
	require.Len(t, got.MergeRequests, 2)
	assert.Equal(t, KindPrimary, got.MergeRequests[0].Kind)
	assert.Equal(t, 43, got.MergeRequests[1].IID)
	assert.Equal(t, "internal", got.MergeRequests[1].TargetBranch)
}

func TestGetUnknown(t *testing.T) {
	s := newStore(t)
	_, err := s.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSaveReplacesExistingRecord(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	now := time.Now()

	rec := sampleRecord("task-1", now)
	require.NoError(t, s.Save(ctx, rec))

	rec.State = "failed"
	rec.Headline = "already exists"
	rec.Error = "create merge request: 409 Conflict"
	rec.MergeRequests = rec.MergeRequests[:1]
	require.NoError(t, s.Save(ctx, rec))

	got, err := s.Get(ctx, "task-1")
	require.NoError(t, err)
	assert.Equal(t, "failed", got.State)
	assert.Equal(t, "already exists", got.Headline)
	assert.Len(t, got.MergeRequests, 1)
}

func TestListNewestFirstWithLimit(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	require.NoError(t, s.Save(ctx, sampleRecord("old", base)))
	require.NoError(t, s.Save(ctx, sampleRecord("newest", base.Add(2*time.Hour))))
	require.NoError(t, s.Save(ctx, sampleRecord("middle", base.Add(500*time.Millisecond))))

	all, err := s.List(ctx, 0)
	require.NoError(t, err)
	ids := make([]string, 0, len(all))
	for _, r := range all {
		ids = append(ids, r.ID)
	}
	assert.Equal(t, []string{"newest", "middle", "old"}, ids)
	assert.Len(t, all[0].MergeRequests, 2)

	limited, err := s.List(ctx, 1)
	require.NoError(t, err)
	require.Len(t, limited, 1)
	assert.Equal(t, "newest", limited[0].ID)
}

func TestSaveRequiresID(t *testing.T) {
	s := newStore(t)
	assert.Error(t, s.Save(context.Background(), Record{}))
}

func TestOpenCreatesDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "history.db")
	s, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s.Save(context.Background(), sampleRecord("task-1", time.Now())))
	require.NoError(t, s.Close())

	reopened, err := Open(path)
	require.NoError(t, err)
	defer func() { _ = reopened.Close() }()

	records, err := reopened.List(context.Background(), 0)
	require.NoError(t, err)
	assert.Len(t, records, 1)
	assert.False(t, records[0].SyncDeclined)
}

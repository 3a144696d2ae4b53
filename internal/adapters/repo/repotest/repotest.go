// Package repotest is the behaviour every ports.Repository backend must
// share. Backends call Run from their own tests.
package repotest

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/bnema/datavault/internal/domain"
	"github.com/bnema/datavault/internal/ports"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Opener returns a repository over the same underlying store on every
// call. Backends holding exclusive handles close the previous one first.
type Opener func() ports.Repository

// Factory prepares a fresh, empty store for one subtest.
type Factory func(t *testing.T) Opener

func Run(t *testing.T, factory Factory) {
	t.Helper()

	tests := []struct {
		name string
		run  func(t *testing.T, open Opener)
	}{
		{name: "root session lifecycle", run: testRootSession},
		{name: "child sessions link under parent", run: testChildSessions},
		{name: "session names are escaped", run: testSessionNameEscaping},
		{name: "session tags and counter persist", run: testSaveSession},
		{name: "dataset metadata round trip", run: testDatasetMeta},
		{name: "rows keep order and exact values", run: testRows},
		{name: "parameters keep order and values", run: testParameters},
		{name: "comments keep order", run: testComments},
		{name: "missing entries report sentinels", run: testMissing},
		{name: "state survives reopen", run: testReopen},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.run(t, factory(t))
		})
	}
}

var (
	rootPath = domain.RootPath()
	runPath  = domain.RootPath().Child("run1")
)

func withRun(t *testing.T, repo ports.Repository) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, repo.CreateSession(ctx, domain.SessionState{Path: rootPath, Counter: 1}))
	require.NoError(t, repo.CreateSession(ctx, domain.SessionState{Path: runPath, Counter: 1}))
}

func scanMeta(number int) domain.DatasetMeta {
	return domain.DatasetMeta{
		Name:         domain.FormatDatasetName(number, "scan"),
		Title:        "scan",
		Number:       number,
		Independents: []domain.Independent{{Label: "V", Units: "V"}},
		Dependents:   []domain.Dependent{{Label: "I", Legend: "lockin", Units: "A"}},
		Created:      time.Date(2024, 5, 17, 9, 30, 0, 0, time.UTC),
	}
}

func testRootSession(t *testing.T, open Opener) {
	ctx := context.Background()
	repo := open()

	exists, err := repo.SessionExists(ctx, rootPath)
	require.NoError(t, err)
	assert.False(t, exists)

	require.NoError(t, repo.CreateSession(ctx, domain.SessionState{Path: rootPath}))

	exists, err = repo.SessionExists(ctx, rootPath)
	require.NoError(t, err)
	assert.True(t, exists)

	state, err := repo.LoadSession(ctx, rootPath)
	require.NoError(t, err)
	assert.True(t, state.Path.IsRoot())
	assert.Equal(t, 1, state.Counter)
	assert.Empty(t, state.Subdirs)
	assert.Empty(t, state.Datasets)
}

func testChildSessions(t *testing.T, open Opener) {
	ctx := context.Background()
	repo := open()
	withRun(t, repo)

	nested := runPath.Child("sweep")
	require.NoError(t, repo.CreateSession(ctx, domain.SessionState{Path: nested}))

	root, err := repo.LoadSession(ctx, rootPath)
	require.NoError(t, err)
	assert.Equal(t, []string{"run1"}, root.Subdirs)

	run, err := repo.LoadSession(ctx, runPath)
	require.NoError(t, err)
	assert.Equal(t, []string{"sweep"}, run.Subdirs)

	orphan := rootPath.Child("missing").Child("leaf")
	err = repo.CreateSession(ctx, domain.SessionState{Path: orphan})
	require.ErrorIs(t, err, domain.ErrSessionNotFound)

	paths, err := repo.ListSessions(ctx)
	require.NoError(t, err)
	var rendered []string
	for _, path := range paths {
		rendered = append(rendered, path.String())
	}
	assert.ElementsMatch(t, []string{"", "/run1", "/run1/sweep"}, rendered)
}

func testSessionNameEscaping(t *testing.T, open Opener) {
	ctx := context.Background()
	repo := open()
	withRun(t, repo)

	odd := runPath.Child("cool: 4K? *fast* <1%>")
	require.NoError(t, repo.CreateSession(ctx, domain.SessionState{Path: odd}))

	exists, err := repo.SessionExists(ctx, odd)
	require.NoError(t, err)
	assert.True(t, exists)

	run, err := repo.LoadSession(ctx, runPath)
	require.NoError(t, err)
	assert.Equal(t, []string{"cool: 4K? *fast* <1%>"}, run.Subdirs)

	meta := scanMeta(1)
	meta.Name = domain.FormatDatasetName(1, "a/b: c")
	require.NoError(t, repo.CreateDataset(ctx, odd, meta))
	state, err := repo.LoadDataset(ctx, odd, meta.Name)
	require.NoError(t, err)
	assert.Equal(t, meta.Name, state.Meta.Name)
}

func testSaveSession(t *testing.T, open Opener) {
	ctx := context.Background()
	repo := open()
	withRun(t, repo)
	require.NoError(t, repo.CreateSession(ctx, domain.SessionState{Path: runPath.Child("old")}))
	require.NoError(t, repo.CreateDataset(ctx, runPath, scanMeta(1)))

	require.NoError(t, repo.SaveSession(ctx, domain.SessionState{
		Path:        runPath,
		Counter:     4,
		DirTags:     map[string][]string{"old": {"trash"}},
		DatasetTags: map[string][]string{scanMeta(1).Name: {"good", "star"}},
	}))

	state, err := repo.LoadSession(ctx, runPath)
	require.NoError(t, err)
	assert.Equal(t, 4, state.Counter)
	assert.Equal(t, map[string][]string{"old": {"trash"}}, state.DirTags)
	assert.Equal(t, map[string][]string{scanMeta(1).Name: {"good", "star"}}, state.DatasetTags)

	require.NoError(t, repo.SaveSession(ctx, domain.SessionState{Path: runPath, Counter: 4}))
	state, err = repo.LoadSession(ctx, runPath)
	require.NoError(t, err)
	assert.Empty(t, state.DirTags)
	assert.Empty(t, state.DatasetTags)
}

func testDatasetMeta(t *testing.T, open Opener) {
	ctx := context.Background()
	repo := open()
	withRun(t, repo)

	meta := scanMeta(3)
	require.NoError(t, repo.CreateDataset(ctx, runPath, meta))

	session, err := repo.LoadSession(ctx, runPath)
	require.NoError(t, err)
	assert.Equal(t, []string{meta.Name}, session.Datasets)
	assert.GreaterOrEqual(t, session.Counter, 4, "creating a dataset advances the counter")

	state, err := repo.LoadDataset(ctx, runPath, meta.Name)
	require.NoError(t, err)
	assert.True(t, meta.Created.Equal(state.Meta.Created))
	state.Meta.Created = meta.Created
	assert.Equal(t, meta, state.Meta)
	assert.Empty(t, state.Rows)
	assert.Empty(t, state.Parameters)
	assert.Empty(t, state.Comments)
}

func testRows(t *testing.T, open Opener) {
	ctx := context.Background()
	repo := open()
	withRun(t, repo)
	meta := scanMeta(1)
	require.NoError(t, repo.CreateDataset(ctx, runPath, meta))

	first := []domain.Row{{0.1, 1.0 / 3.0}, {-2.5, math.MaxFloat64}}
	second := []domain.Row{{math.SmallestNonzeroFloat64, -1e-300}}
	require.NoError(t, repo.AppendRows(ctx, runPath, meta.Name, first))
	require.NoError(t, repo.AppendRows(ctx, runPath, meta.Name, second))

	state, err := repo.LoadDataset(ctx, runPath, meta.Name)
	require.NoError(t, err)
	assert.Equal(t, append(append([]domain.Row{}, first...), second...), state.Rows)
}

func testParameters(t *testing.T, open Opener) {
	ctx := context.Background()
	repo := open()
	withRun(t, repo)
	meta := scanMeta(1)
	require.NoError(t, repo.CreateDataset(ctx, runPath, meta))

	params := []domain.Parameter{
		{Name: "zeta", Value: 1.5},
		{Name: "alpha", Value: "on"},
		{Name: "sweep", Value: []any{0.0, 10.0, "mV"}},
		{Name: "flags", Value: map[string]any{"locked": true}},
	}
	require.NoError(t, repo.SaveParameters(ctx, runPath, meta.Name, params[:2]))
	require.NoError(t, repo.SaveParameters(ctx, runPath, meta.Name, params))

	state, err := repo.LoadDataset(ctx, runPath, meta.Name)
	require.NoError(t, err)
	assert.Equal(t, params, state.Parameters)
}

func testComments(t *testing.T, open Opener) {
	ctx := context.Background()
	repo := open()
	withRun(t, repo)
	meta := scanMeta(1)
	require.NoError(t, repo.CreateDataset(ctx, runPath, meta))

	base := time.Date(2024, 5, 17, 10, 0, 0, 0, time.UTC)
	comments := []domain.Comment{
		{Time: base, User: "ada", Text: "cooling down"},
		{Time: base.Add(90 * time.Second), User: "anonymous", Text: "base temp\nreached, \"stable\""},
	}
	for _, comment := range comments {
		require.NoError(t, repo.AppendComment(ctx, runPath, meta.Name, comment))
	}

	state, err := repo.LoadDataset(ctx, runPath, meta.Name)
	require.NoError(t, err)
	require.Len(t, state.Comments, len(comments))
	for i, want := range comments {
		got := state.Comments[i]
		assert.True(t, want.Time.Equal(got.Time), "comment %d time", i)
		assert.Equal(t, want.User, got.User)
		assert.Equal(t, want.Text, got.Text)
	}
}

func testMissing(t *testing.T, open Opener) {
	ctx := context.Background()
	repo := open()
	withRun(t, repo)

	_, err := repo.LoadSession(ctx, rootPath.Child("nope"))
	require.ErrorIs(t, err, domain.ErrSessionNotFound)

	_, err = repo.LoadDataset(ctx, runPath, "00009 - nope")
	require.ErrorIs(t, err, domain.ErrDatasetNotFound)

	err = repo.AppendRows(ctx, runPath, "00009 - nope", []domain.Row{{1, 2}})
	require.ErrorIs(t, err, domain.ErrDatasetNotFound)
}

func testReopen(t *testing.T, open Opener) {
	ctx := context.Background()
	repo := open()
	withRun(t, repo)
	meta := scanMeta(1)
	require.NoError(t, repo.CreateDataset(ctx, runPath, meta))
	require.NoError(t, repo.AppendRows(ctx, runPath, meta.Name, []domain.Row{{1, 2}}))
	require.NoError(t, repo.SaveParameters(ctx, runPath, meta.Name, []domain.Parameter{{Name: "T", Value: 4.2}}))
	require.NoError(t, repo.AppendComment(ctx, runPath, meta.Name, domain.Comment{Time: meta.Created, User: "u", Text: "t"}))

	reopened := open()
	session, err := reopened.LoadSession(ctx, runPath)
	require.NoError(t, err)
	assert.Equal(t, []string{meta.Name}, session.Datasets)

	state, err := reopened.LoadDataset(ctx, runPath, meta.Name)
	require.NoError(t, err)
	assert.Equal(t, []domain.Row{{1, 2}}, state.Rows)
	assert.Equal(t, []domain.Parameter{{Name: "T", Value: 4.2}}, state.Parameters)
	require.Len(t, state.Comments, 1)

	require.NoError(t, reopened.AppendRows(ctx, runPath, meta.Name, []domain.Row{{3, 4}}))
	state, err = reopened.LoadDataset(ctx, runPath, meta.Name)
	require.NoError(t, err)
	assert.Equal(t, []domain.Row{{1, 2}, {3, 4}}, state.Rows)
}

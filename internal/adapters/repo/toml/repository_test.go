package toml

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bnema/datavault/internal/adapters/repo/repotest"
	"github.com/bnema/datavault/internal/domain"
	"github.com/bnema/datavault/internal/ports"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var runPath = domain.RootPath().Child("run1")

func newRepo(t *testing.T, root string) *Repository {
	t.Helper()
	repo, err := NewRepository(root)
	require.NoError(t, err)
	return repo
}

func withRun(t *testing.T, repo *Repository) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, repo.CreateSession(ctx, domain.SessionState{Path: domain.RootPath()}))
	require.NoError(t, repo.CreateSession(ctx, domain.SessionState{Path: runPath}))
}

func scanMeta() domain.DatasetMeta {
	return domain.DatasetMeta{
		Name:         "00001 - scan",
		Title:        "scan",
		Number:       1,
		Independents: []domain.Independent{{Label: "V", Units: "V"}},
		Dependents:   []domain.Dependent{{Label: "I", Legend: "lockin", Units: "A"}},
		Created:      time.Date(2024, 5, 17, 9, 30, 0, 0, time.UTC),
	}
}

func TestRepositoryConformance(t *testing.T) {
	t.Parallel()

	repotest.Run(t, func(t *testing.T) repotest.Opener {
		root := t.TempDir()
		return func() ports.Repository {
			return newRepo(t, root)
		}
	})
}

func TestRepositoryLayoutOnDisk(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	repo := newRepo(t, root)
	withRun(t, repo)
	ctx := context.Background()

	meta := scanMeta()
	meta.Name = "00001 - a/b.c"
	require.NoError(t, repo.CreateDataset(ctx, runPath, meta))
	require.NoError(t, repo.AppendRows(ctx, runPath, meta.Name, []domain.Row{{0.1, -2}, {1e-300, 3}}))

	sessionDir := filepath.Join(root, "run1.dir")
	assert.FileExists(t, filepath.Join(root, sessionFile))
	assert.FileExists(t, filepath.Join(sessionDir, sessionFile))
	assert.FileExists(t, filepath.Join(sessionDir, "00001 - a%2Fb%2Ec.toml"))

	rows, err := os.ReadFile(filepath.Join(sessionDir, "00001 - a%2Fb%2Ec.csv"))
	require.NoError(t, err)
	assert.Equal(t, "0.1,-2\n1e-300,3\n", string(rows))

	info, err := os.Stat(filepath.Join(sessionDir, sessionFile))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(dataFileMode), info.Mode().Perm())
}

func TestRepositorySerializedTOMLIncludesVersion(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	repo := newRepo(t, root)
	withRun(t, repo)
	require.NoError(t, repo.CreateDataset(context.Background(), runPath, scanMeta()))

	data, err := os.ReadFile(filepath.Join(root, "run1.dir", sessionFile))
	require.NoError(t, err)
	assert.Contains(t, string(data), "version = 1")
	assert.Contains(t, string(data), "counter = 2")

	data, err = os.ReadFile(filepath.Join(root, "run1.dir", "00001 - scan.toml"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "version = 1")
	assert.Contains(t, string(data), "2024-05-17T09:30:00Z")
}

func TestRepositoryBackwardCompatibleWhenVersionMissing(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, sessionFile), []byte(strings.Join([]string{
		"[dataset_tags]",
		"'00001 - old' = ['star']",
		"",
	}, "\n")), 0o600))

	repo := newRepo(t, root)
	state, err := repo.LoadSession(context.Background(), domain.RootPath())
	require.NoError(t, err)
	assert.Equal(t, 1, state.Counter)
	assert.Equal(t, map[string][]string{"00001 - old": {"star"}}, state.DatasetTags)
}

func TestRepositoryFutureSchemaVersionReturnsError(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, sessionFile), []byte("version = 999\ncounter = 1\n"), 0o600))

	repo := newRepo(t, root)
	_, err := repo.LoadSession(context.Background(), domain.RootPath())
	require.Error(t, err)
	assert.ErrorContains(t, err, "unsupported session schema version")
}

func TestRepositoryMalformedTOMLReturnsError(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	repo := newRepo(t, root)
	withRun(t, repo)
	require.NoError(t, repo.CreateDataset(context.Background(), runPath, scanMeta()))
	require.NoError(t, os.WriteFile(filepath.Join(root, "run1.dir", "00001 - scan.toml"), []byte("parameter = ["), 0o600))

	_, err := repo.LoadDataset(context.Background(), runPath, scanMeta().Name)
	require.Error(t, err)
	assert.ErrorContains(t, err, "decode dataset file")
}

func TestRepositoryCorruptRowReportsPosition(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	repo := newRepo(t, root)
	withRun(t, repo)
	require.NoError(t, repo.CreateDataset(context.Background(), runPath, scanMeta()))
	require.NoError(t, os.WriteFile(filepath.Join(root, "run1.dir", "00001 - scan.csv"), []byte("1,2\n3,oops\n"), 0o600))

	_, err := repo.LoadDataset(context.Background(), runPath, scanMeta().Name)
	require.Error(t, err)
	assert.ErrorContains(t, err, "parse row 2")
}

func TestRepositoryCanceledContextReturnsContextError(t *testing.T) {
	t.Parallel()

	repo := newRepo(t, t.TempDir())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := repo.CreateSession(ctx, domain.SessionState{Path: domain.RootPath()})
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestRepositoryEmptyRootIsRejected(t *testing.T) {
	t.Parallel()

	_, err := NewRepository("  ")
	require.Error(t, err)
}

func TestRepositoryConcurrentAppendsAcrossInstancesKeepEveryRow(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	setup := newRepo(t, root)
	withRun(t, setup)
	meta := scanMeta()
	require.NoError(t, setup.CreateDataset(context.Background(), runPath, meta))

	repoA := newRepo(t, root)
	repoB := newRepo(t, root)

	const perRepoWrites = 100
	start := make(chan struct{})
	errCh := make(chan error, perRepoWrites*2)
	var wg sync.WaitGroup
	wg.Add(2)

	for offset, repo := range []*Repository{repoA, repoB} {
		go func() {
			defer wg.Done()
			<-start
			for i := 0; i < perRepoWrites; i++ {
				errCh <- repo.AppendRows(context.Background(), runPath, meta.Name, []domain.Row{{float64(offset), float64(i)}})
			}
		}()
	}

	close(start)
	wg.Wait()
	close(errCh)

	for err := range errCh {
		require.NoError(t, err)
	}

	state, err := repoA.LoadDataset(context.Background(), runPath, meta.Name)
	require.NoError(t, err)
	require.Len(t, state.Rows, perRepoWrites*2)

	next := map[float64]float64{}
	for _, row := range state.Rows {
		assert.Equal(t, next[row[0]], row[1], "rows of writer %s stay in order", strconv.FormatFloat(row[0], 'g', -1, 64))
		next[row[0]]++
	}
}

func TestEscapeRoundTrip(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		escaped string
	}{
		{name: "plain", escaped: "plain"},
		{name: "a.b", escaped: "a%2Eb"},
		{name: `x:y*z?"<>|\/`, escaped: `x%3Ay%2Az%3F%22%3C%3E%7C%5C%2F`},
		{name: "100%", escaped: "100%25"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			assert.Equal(t, tt.escaped, escape(tt.name))
			assert.Equal(t, tt.name, unescape(tt.escaped))
		})
	}
}

// shortFile accepts budget bytes and then fails every write.
type shortFile struct {
	*os.File
	budget int
}

func (f *shortFile) Write(p []byte) (int, error) {
	if len(p) <= f.budget {
		f.budget -= len(p)
		return f.File.Write(p)
	}
	n, _ := f.File.Write(p[:f.budget])
	f.budget = 0
	return n, errors.New("disk full")
}

func TestAppendRowsRollsBackFailedBatch(t *testing.T) {
	t.Parallel()

	target := filepath.Join(t.TempDir(), "rows.csv")
	require.NoError(t, os.WriteFile(target, []byte("1,2\n"), dataFileMode))

	file, err := os.OpenFile(target, os.O_APPEND|os.O_WRONLY, dataFileMode)
	require.NoError(t, err)
	t.Cleanup(func() { _ = file.Close() })

	rows := []domain.Row{{3, 4}, {5, 6}, {7, 8}}
	err = appendRows(&shortFile{File: file, budget: 5}, 4, rows)
	require.ErrorContains(t, err, "disk full")

	data, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, "1,2\n", string(data))

	// The file keeps accepting appends after a rollback.
	require.NoError(t, appendRows(file, 4, []domain.Row{{9, 10}}))
	data, err = os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, "1,2\n9,10\n", string(data))
}

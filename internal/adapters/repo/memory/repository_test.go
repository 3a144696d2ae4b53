package memory

import (
	"context"
	"testing"

	"github.com/bnema/datavault/internal/adapters/repo/repotest"
	"github.com/bnema/datavault/internal/domain"
	"github.com/bnema/datavault/internal/ports"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRepositoryConformance(t *testing.T) {
	repotest.Run(t, func(t *testing.T) repotest.Opener {
		repo := NewRepository()
		return func() ports.Repository { return repo }
	})
}

func TestCreateSessionTwiceFails(t *testing.T) {
	t.Parallel()

	repo := NewRepository()
	ctx := context.Background()
	require.NoError(t, repo.CreateSession(ctx, domain.SessionState{Path: domain.RootPath()}))

	err := repo.CreateSession(ctx, domain.SessionState{Path: domain.RootPath()})
	require.ErrorIs(t, err, domain.ErrDirectoryExists)
}

func TestLoadDatasetReturnsCopies(t *testing.T) {
	t.Parallel()

	repo := NewRepository()
	ctx := context.Background()
	root := domain.RootPath()
	require.NoError(t, repo.CreateSession(ctx, domain.SessionState{Path: root}))
	meta := domain.DatasetMeta{Name: "00001 - x", Number: 1, Independents: []domain.Independent{{Label: "x"}}}
	require.NoError(t, repo.CreateDataset(ctx, root, meta))
	require.NoError(t, repo.AppendRows(ctx, root, meta.Name, []domain.Row{{1}}))

	state, err := repo.LoadDataset(ctx, root, meta.Name)
	require.NoError(t, err)
	state.Rows[0][0] = 42

	again, err := repo.LoadDataset(ctx, root, meta.Name)
	require.NoError(t, err)
	assert.Equal(t, []domain.Row{{1}}, again.Rows)
}

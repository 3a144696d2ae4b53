package ports

import (
	"context"

	"github.com/bnema/datavault/internal/domain"
)

// Repository persists the session tree and the dataset logs. Rows and
// comments are append-only; parameters are rewritten as a whole list.
type Repository interface {
	SessionExists(ctx context.Context, path domain.Path) (bool, error)
	LoadSession(ctx context.Context, path domain.Path) (domain.SessionState, error)
	// CreateSession stores a new, empty session and links it under its
	// parent. The parent must already exist unless path is the root.
	CreateSession(ctx context.Context, state domain.SessionState) error
	// SaveSession rewrites the counter and tag index of an existing session.
	SaveSession(ctx context.Context, state domain.SessionState) error
	ListSessions(ctx context.Context) ([]domain.Path, error)

	// CreateDataset stores an empty dataset and advances the session
	// counter past meta.Number.
	CreateDataset(ctx context.Context, path domain.Path, meta domain.DatasetMeta) error
	LoadDataset(ctx context.Context, path domain.Path, name string) (domain.DatasetState, error)
	AppendRows(ctx context.Context, path domain.Path, name string, rows []domain.Row) error
	SaveParameters(ctx context.Context, path domain.Path, name string, params []domain.Parameter) error
	AppendComment(ctx context.Context, path domain.Path, name string, comment domain.Comment) error
}

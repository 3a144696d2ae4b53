package memory

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"

	"github.com/bnema/datavault/internal/domain"
	"github.com/bnema/datavault/internal/ports"
)

// Repository keeps everything in process memory. Nothing survives a
// restart; it backs tests and storage.backend = "memory".
type Repository struct {
	mu       sync.RWMutex
	sessions map[string]*sessionRecord
}

type sessionRecord struct {
	path        domain.Path
	counter     int
	subdirs     map[string]struct{}
	dirTags     map[string][]string
	datasetTags map[string][]string
	datasets    map[string]*domain.DatasetState
}

var _ ports.Repository = (*Repository)(nil)

func NewRepository() *Repository {
	return &Repository{sessions: map[string]*sessionRecord{}}
}

func (r *Repository) SessionExists(ctx context.Context, path domain.Path) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	_, ok := r.sessions[path.Key()]
	return ok, nil
}

func (r *Repository) LoadSession(ctx context.Context, path domain.Path) (domain.SessionState, error) {
	if err := ctx.Err(); err != nil {
		return domain.SessionState{}, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	record, err := r.session(path)
	if err != nil {
		return domain.SessionState{}, err
	}

	return domain.SessionState{
		Path:        record.path.Clone(),
		Counter:     record.counter,
		Subdirs:     slices.Sorted(maps.Keys(record.subdirs)),
		Datasets:    slices.Sorted(maps.Keys(record.datasets)),
		DirTags:     cloneTags(record.dirTags),
		DatasetTags: cloneTags(record.datasetTags),
	}, nil
}

func (r *Repository) CreateSession(ctx context.Context, state domain.SessionState) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	key := state.Path.Key()
	if _, ok := r.sessions[key]; ok {
		return fmt.Errorf("%w: %q", domain.ErrDirectoryExists, state.Path.String())
	}

	if !state.Path.IsRoot() {
		parent, err := r.session(state.Path.Parent())
		if err != nil {
			return err
		}
		parent.subdirs[state.Path.Name()] = struct{}{}
	}

	counter := state.Counter
	if counter < 1 {
		counter = 1
	}
	r.sessions[key] = &sessionRecord{
		path:        state.Path.Clone(),
		counter:     counter,
		subdirs:     map[string]struct{}{},
		dirTags:     cloneTags(state.DirTags),
		datasetTags: cloneTags(state.DatasetTags),
		datasets:    map[string]*domain.DatasetState{},
	}
	return nil
}

func (r *Repository) SaveSession(ctx context.Context, state domain.SessionState) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	record, err := r.session(state.Path)
	if err != nil {
		return err
	}
	record.counter = max(record.counter, state.Counter)
	record.dirTags = cloneTags(state.DirTags)
	record.datasetTags = cloneTags(state.DatasetTags)
	return nil
}

func (r *Repository) ListSessions(ctx context.Context) ([]domain.Path, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	paths := make([]domain.Path, 0, len(r.sessions))
	for _, record := range r.sessions {
		paths = append(paths, record.path.Clone())
	}
	slices.SortFunc(paths, func(a, b domain.Path) int {
		return strings.Compare(a.String(), b.String())
	})
	return paths, nil
}

func (r *Repository) CreateDataset(ctx context.Context, path domain.Path, meta domain.DatasetMeta) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	record, err := r.session(path)
	if err != nil {
		return err
	}
	if _, ok := record.datasets[meta.Name]; ok {
		return fmt.Errorf("%w: dataset %q already exists in %q", domain.ErrDatasetNameInvalid, meta.Name, path.String())
	}

	record.datasets[meta.Name] = &domain.DatasetState{Meta: cloneMeta(meta)}
	record.counter = max(record.counter, meta.Number+1)
	return nil
}

func (r *Repository) LoadDataset(ctx context.Context, path domain.Path, name string) (domain.DatasetState, error) {
	if err := ctx.Err(); err != nil {
		return domain.DatasetState{}, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	state, err := r.dataset(path, name)
	if err != nil {
		return domain.DatasetState{}, err
	}

	out := domain.DatasetState{
		Meta:       cloneMeta(state.Meta),
		Parameters: slices.Clone(state.Parameters),
		Comments:   slices.Clone(state.Comments),
	}
	for _, row := range state.Rows {
		out.Rows = append(out.Rows, slices.Clone(row))
	}
	return out, nil
}

func (r *Repository) AppendRows(ctx context.Context, path domain.Path, name string, rows []domain.Row) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	state, err := r.dataset(path, name)
	if err != nil {
		return err
	}
	for _, row := range rows {
		state.Rows = append(state.Rows, slices.Clone(row))
	}
	return nil
}

func (r *Repository) SaveParameters(ctx context.Context, path domain.Path, name string, params []domain.Parameter) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	state, err := r.dataset(path, name)
	if err != nil {
		return err
	}
	state.Parameters = slices.Clone(params)
	return nil
}

func (r *Repository) AppendComment(ctx context.Context, path domain.Path, name string, comment domain.Comment) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	state, err := r.dataset(path, name)
	if err != nil {
		return err
	}
	state.Comments = append(state.Comments, comment)
	return nil
}

func (r *Repository) session(path domain.Path) (*sessionRecord, error) {
	record, ok := r.sessions[path.Key()]
	if !ok {
		return nil, fmt.Errorf("%w: %q", domain.ErrSessionNotFound, path.String())
	}
	return record, nil
}

func (r *Repository) dataset(path domain.Path, name string) (*domain.DatasetState, error) {
	record, err := r.session(path)
	if err != nil {
		return nil, err
	}
	state, ok := record.datasets[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q in %q", domain.ErrDatasetNotFound, name, path.String())
	}
	return state, nil
}

func cloneTags(tags map[string][]string) map[string][]string {
	out := make(map[string][]string, len(tags))
	for name, values := range tags {
		out[name] = slices.Clone(values)
	}
	return out
}

func cloneMeta(meta domain.DatasetMeta) domain.DatasetMeta {
	meta.Independents = slices.Clone(meta.Independents)
	meta.Dependents = slices.Clone(meta.Dependents)
	return meta
}

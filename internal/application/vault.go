package application

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/bnema/datavault/internal/domain"
	"github.com/bnema/datavault/internal/logger"
	"github.com/bnema/datavault/internal/metrics"
	"github.com/bnema/datavault/internal/ports"
	"github.com/rs/zerolog"
)

type Options struct {
	Publisher ports.SignalPublisher
	Clock     ports.Clock
	Metrics   *metrics.Metrics
	Logger    zerolog.Logger
}

// Vault is the operation surface shared by every client context. A single
// mutex serializes all operations; repository writes happen inside it and
// before the in-memory state changes, so a failed write leaves nothing
// half-applied.
type Vault struct {
	mu       sync.Mutex
	repo     ports.Repository
	store    *SessionStore
	fanout   *Fanout
	contexts map[domain.ContextKey]*Context
	clock    ports.Clock
	metrics  *metrics.Metrics
	log      zerolog.Logger
}

// Listing is the result of Dir. The tag slices are filled only when tags
// were requested.
type Listing struct {
	Dirs        []string
	Datasets    []string
	DirTags     []domain.EntryTags
	DatasetTags []domain.EntryTags
}

func NewVault(ctx context.Context, repo ports.Repository, opts Options) (*Vault, error) {
	if opts.Clock == nil {
		opts.Clock = ports.SystemClock{}
	}

	fanout := NewFanout(opts.Publisher, opts.Metrics, opts.Logger)
	v := &Vault{
		repo:     repo,
		store:    NewSessionStore(repo, fanout, opts.Logger),
		fanout:   fanout,
		contexts: map[domain.ContextKey]*Context{},
		clock:    opts.Clock,
		metrics:  opts.Metrics,
		log:      logger.Component(opts.Logger, "vault"),
	}

	if _, err := v.store.Get(ctx, domain.RootPath()); err != nil {
		return nil, fmt.Errorf("open root session: %w", err)
	}
	v.metrics.SetSessions(v.store.Len())

	return v, nil
}

// OpenContext starts key in the root session. Opening a key that is
// already open only swaps its subscriber.
func (v *Vault) OpenContext(ctx context.Context, key domain.ContextKey, subscriber ports.Subscriber) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.fanout.Register(key, subscriber)
	if _, ok := v.contexts[key]; ok {
		return nil
	}

	root, err := v.store.Get(ctx, domain.RootPath())
	if err != nil {
		v.fanout.Unregister(key)
		return fmt.Errorf("open root session: %w", err)
	}
	v.contexts[key] = newContext(key, root)
	v.metrics.SetContexts(len(v.contexts))
	v.log.Debug().Str("context", key.String()).Msg("context opened")
	return nil
}

// ExpireContext removes key from every listener registry of every
// materialized session and dataset. Expiring an unknown key is a no-op.
func (v *Vault) ExpireContext(_ context.Context, key domain.ContextKey) {
	v.mu.Lock()
	defer v.mu.Unlock()

	for _, session := range v.store.All() {
		session.Unsubscribe(key)
		for _, dataset := range session.LoadedDatasets() {
			dataset.Unsubscribe(key)
		}
	}
	v.fanout.Unregister(key)

	if c, ok := v.contexts[key]; ok {
		c.expired = true
		c.dataset = nil
		delete(v.contexts, key)
		v.log.Debug().Str("context", key.String()).Msg("context expired")
	}
	v.metrics.SetContexts(len(v.contexts))
}

func (v *Vault) DumpExistingSessions(_ context.Context) []string {
	v.mu.Lock()
	defer v.mu.Unlock()

	sessions := v.store.All()
	paths := make([]string, 0, len(sessions))
	for _, session := range sessions {
		paths = append(paths, session.Path().String())
	}
	return paths
}

func (v *Vault) Dir(_ context.Context, key domain.ContextKey, filters []string, includeTags bool) (Listing, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	c, err := v.context(key)
	if err != nil {
		return Listing{}, err
	}
	if filters == nil {
		filters = domain.DefaultTagFilters()
	}

	var listing Listing
	listing.Dirs, listing.Datasets = c.session.ListContents(filters)
	if includeTags {
		listing.DirTags, listing.DatasetTags = c.session.Tags(listing.Dirs, listing.Datasets)
	}
	return listing, nil
}

// Cd changes directory. Every step of a segment walk must exist unless
// create is set; going up never creates anything.
func (v *Vault) Cd(ctx context.Context, key domain.ContextKey, spec domain.PathSpec, create bool) (domain.Path, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	c, err := v.context(key)
	if err != nil {
		return nil, err
	}
	if spec.IsCurrent() {
		return c.Path(), nil
	}
	if err := spec.Validate(); err != nil {
		return nil, err
	}

	visited := spec.Walk(c.path)
	if len(visited) == 0 {
		return c.Path(), nil
	}
	for _, step := range visited {
		exists, err := v.store.Exists(ctx, step)
		if err != nil {
			return nil, err
		}
		if !exists && !create {
			return nil, fmt.Errorf("%w: %q", domain.ErrDirectoryNotFound, step.String())
		}
		if _, err := v.store.Get(ctx, step); err != nil {
			return nil, fmt.Errorf("change directory: %w", err)
		}
	}
	v.metrics.SetSessions(v.store.Len())

	target := visited[len(visited)-1]
	if !target.Equal(c.path) {
		session, err := v.store.Get(ctx, target)
		if err != nil {
			return nil, fmt.Errorf("change directory: %w", err)
		}
		c.moveTo(session)
	}
	return c.Path(), nil
}

// Mkdir creates a child of the current directory without entering it.
func (v *Vault) Mkdir(ctx context.Context, key domain.ContextKey, name string) (domain.Path, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	c, err := v.context(key)
	if err != nil {
		return nil, err
	}
	if err := domain.ValidateDirName(name); err != nil {
		return nil, err
	}

	path := c.path.Child(name)
	exists, err := v.store.Exists(ctx, path)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, fmt.Errorf("%w: %q", domain.ErrDirectoryExists, path.String())
	}
	if _, err := v.store.Get(ctx, path); err != nil {
		return nil, fmt.Errorf("make directory: %w", err)
	}
	v.metrics.SetSessions(v.store.Len())
	return path, nil
}

// New creates a dataset in the current directory and binds it for writing.
func (v *Vault) New(ctx context.Context, key domain.ContextKey, title string, independents []domain.Independent, dependents []domain.Dependent) (domain.Path, string, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	c, err := v.context(key)
	if err != nil {
		return nil, "", err
	}

	session := c.session
	meta, err := session.PlanDataset(title, independents, dependents, v.clock.Now())
	if err != nil {
		return nil, "", err
	}
	if err := v.repo.CreateDataset(ctx, session.Path(), meta); err != nil {
		return nil, "", fmt.Errorf("create dataset %q: %w", meta.Name, err)
	}
	dataset, err := domain.NewDataset(meta)
	if err != nil {
		return nil, "", err
	}
	session.AddDataset(dataset)
	c.bind(dataset, session.Path(), true)

	v.deliver(ctx, domain.Signal{Kind: domain.SignalNewDataset, Path: session.Path(), Name: meta.Name}, session.Listeners())
	v.log.Debug().Str("path", session.Path().String()).Str("dataset", meta.Name).Msg("dataset created")
	return c.Path(), meta.Name, nil
}

// Open binds an existing dataset for reading and starts streaming it from
// the beginning.
func (v *Vault) Open(ctx context.Context, key domain.ContextKey, ref domain.DatasetRef) (domain.Path, string, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	c, err := v.context(key)
	if err != nil {
		return nil, "", err
	}

	session := c.session
	name, err := session.ResolveDataset(ref)
	if err != nil {
		return nil, "", err
	}
	dataset, err := v.loadDataset(ctx, session, name)
	if err != nil {
		return nil, "", err
	}
	c.bind(dataset, session.Path(), false)
	v.keepStreaming(c)
	v.keepStreamingComments(c)
	return c.Path(), name, nil
}

// Add appends rows to the bound dataset. The whole batch is validated
// before anything is written.
func (v *Vault) Add(ctx context.Context, key domain.ContextKey, rows []domain.Row) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	c, dataset, err := v.boundDataset(key)
	if err != nil {
		return err
	}
	if !c.writing {
		return fmt.Errorf("%w: %q", domain.ErrReadOnly, dataset.Name())
	}
	if err := dataset.ValidateRows(rows); err != nil {
		return err
	}
	if len(rows) == 0 {
		return nil
	}

	if err := v.repo.AppendRows(ctx, c.datasetPath, dataset.Name(), rows); err != nil {
		return fmt.Errorf("append rows to %q: %w", dataset.Name(), err)
	}
	notify, err := dataset.AppendRows(rows)
	if err != nil {
		return err
	}
	v.metrics.RowsAppended(len(rows))
	v.deliver(ctx, v.datasetSignal(c, domain.SignalDataAvailable), notify)
	return nil
}

// Get returns up to limit unread rows (all when limit is negative) and
// re-registers the context for the next data available signal.
func (v *Vault) Get(ctx context.Context, key domain.ContextKey, limit int, startOver bool) ([]domain.Row, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	c, dataset, err := v.boundDataset(key)
	if err != nil {
		return nil, err
	}
	if startOver {
		c.filePos = 0
	}
	rows, next := dataset.Rows(limit, c.filePos)
	c.filePos = next
	v.keepStreaming(c)
	return rows, nil
}

func (v *Vault) Variables(_ context.Context, key domain.ContextKey) ([]domain.Independent, []domain.Dependent, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	_, dataset, err := v.boundDataset(key)
	if err != nil {
		return nil, nil, err
	}
	return dataset.Independents(), dataset.Dependents(), nil
}

// Parameters lists parameter names and subscribes to new ones.
func (v *Vault) Parameters(_ context.Context, key domain.ContextKey) ([]string, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	c, dataset, err := v.boundDataset(key)
	if err != nil {
		return nil, err
	}
	dataset.SubscribeParameters(c.key)
	return dataset.ParameterNames(), nil
}

func (v *Vault) AddParameter(ctx context.Context, key domain.ContextKey, name string, value any) error {
	return v.AddParameters(ctx, key, []domain.Parameter{{Name: name, Value: value}})
}

// AddParameters merges params into the bound dataset. A name that already
// exists keeps its position and takes the new value.
func (v *Vault) AddParameters(ctx context.Context, key domain.ContextKey, params []domain.Parameter) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	c, dataset, err := v.boundDataset(key)
	if err != nil {
		return err
	}
	merged, err := dataset.PlanParameters(params)
	if err != nil {
		return err
	}
	if err := v.repo.SaveParameters(ctx, c.datasetPath, dataset.Name(), merged); err != nil {
		return fmt.Errorf("save parameters of %q: %w", dataset.Name(), err)
	}
	notify := dataset.ReplaceParameters(merged)
	v.deliver(ctx, v.datasetSignal(c, domain.SignalNewParameter), notify)
	return nil
}

func (v *Vault) GetName(_ context.Context, key domain.ContextKey) (string, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	_, dataset, err := v.boundDataset(key)
	if err != nil {
		return "", err
	}
	return dataset.Name(), nil
}

func (v *Vault) GetParameter(_ context.Context, key domain.ContextKey, name string, caseSensitive bool) (any, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	_, dataset, err := v.boundDataset(key)
	if err != nil {
		return nil, err
	}
	return dataset.Parameter(name, caseSensitive)
}

// GetParameters returns every parameter in insertion order and subscribes
// to new ones. A dataset without parameters yields nil.
func (v *Vault) GetParameters(_ context.Context, key domain.ContextKey) ([]domain.Parameter, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	c, dataset, err := v.boundDataset(key)
	if err != nil {
		return nil, err
	}
	dataset.SubscribeParameters(c.key)
	params := dataset.Parameters()
	if len(params) == 0 {
		return nil, nil
	}
	return params, nil
}

func (v *Vault) AddComment(ctx context.Context, key domain.ContextKey, user, text string) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	c, dataset, err := v.boundDataset(key)
	if err != nil {
		return err
	}
	if user == "" {
		user = domain.AnonymousUser
	}
	comment := domain.Comment{Time: v.clock.Now(), User: user, Text: text}
	if err := v.repo.AppendComment(ctx, c.datasetPath, dataset.Name(), comment); err != nil {
		return fmt.Errorf("append comment to %q: %w", dataset.Name(), err)
	}
	notify := dataset.AppendComment(comment)
	v.deliver(ctx, v.datasetSignal(c, domain.SignalCommentsAvailable), notify)
	return nil
}

func (v *Vault) GetComments(ctx context.Context, key domain.ContextKey, limit int, startOver bool) ([]domain.Comment, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	c, dataset, err := v.boundDataset(key)
	if err != nil {
		return nil, err
	}
	if startOver {
		c.commentPos = 0
	}
	comments, next := dataset.Comments(limit, c.commentPos)
	c.commentPos = next
	v.keepStreamingComments(c)
	return comments, nil
}

// UpdateTags applies tag tokens to entries of the current directory. A nil
// datasets list means the bound dataset.
func (v *Vault) UpdateTags(ctx context.Context, key domain.ContextKey, tokens, dirs, datasets []string) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	c, err := v.context(key)
	if err != nil {
		return err
	}
	if datasets == nil {
		dataset, err := c.requireDataset()
		if err != nil {
			return err
		}
		datasets = []string{dataset.Name()}
	}

	session := c.session
	update, err := session.PlanTagUpdate(tokens, dirs, datasets)
	if err != nil {
		return err
	}
	if !update.Changed() {
		return nil
	}
	if err := v.repo.SaveSession(ctx, session.StateWith(update)); err != nil {
		return fmt.Errorf("save tags of %q: %w", session.Path().String(), err)
	}
	session.ApplyTagUpdate(update)

	v.deliver(ctx, domain.Signal{
		Kind:     domain.SignalTagsUpdated,
		Path:     session.Path(),
		Dirs:     update.Dirs,
		Datasets: update.Datasets,
	}, session.Listeners())
	return nil
}

func (v *Vault) GetTags(_ context.Context, key domain.ContextKey, dirs, datasets []string) ([]domain.EntryTags, []domain.EntryTags, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	c, err := v.context(key)
	if err != nil {
		return nil, nil, err
	}
	dirTags, datasetTags := c.session.Tags(dirs, datasets)
	return dirTags, datasetTags, nil
}

func (v *Vault) context(key domain.ContextKey) (*Context, error) {
	c, ok := v.contexts[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrContextNotFound, key)
	}
	return c, nil
}

func (v *Vault) boundDataset(key domain.ContextKey) (*Context, *domain.Dataset, error) {
	c, err := v.context(key)
	if err != nil {
		return nil, nil, err
	}
	dataset, err := c.requireDataset()
	if err != nil {
		return nil, nil, err
	}
	return c, dataset, nil
}

func (v *Vault) loadDataset(ctx context.Context, session *domain.Session, name string) (*domain.Dataset, error) {
	if dataset, ok := session.Dataset(name); ok {
		return dataset, nil
	}

	state, err := v.repo.LoadDataset(ctx, session.Path(), name)
	if err != nil {
		return nil, fmt.Errorf("load dataset %q: %w", name, err)
	}
	dataset, err := domain.RestoreDataset(state)
	if err != nil {
		return nil, fmt.Errorf("restore dataset %q: %w", name, err)
	}
	session.Attach(dataset)
	return dataset, nil
}

// keepStreaming registers c at its data cursor, or signals it right away
// when rows past the cursor already exist.
func (v *Vault) keepStreaming(c *Context) {
	if c.dataset.KeepStreaming(c.key, c.filePos) {
		v.wake(c, domain.SignalDataAvailable)
	}
}

func (v *Vault) keepStreamingComments(c *Context) {
	if c.dataset.KeepStreamingComments(c.key, c.commentPos) {
		v.wake(c, domain.SignalCommentsAvailable)
	}
}

func (v *Vault) wake(c *Context, kind domain.SignalKind) {
	if err := v.fanout.Wake(v.datasetSignal(c, kind), c.key); err != nil {
		v.log.Debug().Err(err).Str("signal", string(kind)).Msg("signal delivery incomplete")
	}
}

func (v *Vault) datasetSignal(c *Context, kind domain.SignalKind) domain.Signal {
	return domain.Signal{Kind: kind, Path: c.datasetPath.Clone(), Name: c.dataset.Name()}
}

func (v *Vault) deliver(ctx context.Context, signal domain.Signal, keys []domain.ContextKey) {
	if err := v.fanout.Deliver(ctx, signal, keys); err != nil {
		v.log.Debug().Err(err).Str("signal", string(signal.Kind)).Msg("signal delivery incomplete")
	}
}

func isNotFound(err error) bool {
	return errors.Is(err, domain.ErrSessionNotFound)
}

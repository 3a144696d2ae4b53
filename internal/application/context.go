package application

import (
	"github.com/bnema/datavault/internal/domain"
)

// ContextState is the lifecycle stage of a client context.
type ContextState string

const (
	ContextIdle         ContextState = "idle"
	ContextDirectory    ContextState = "directory"
	ContextDatasetBound ContextState = "dataset"
	ContextExpired      ContextState = "expired"
)

// Context is the per-client cursor and subscription record. It references
// but never owns its session and dataset.
type Context struct {
	key     domain.ContextKey
	path    domain.Path
	session *domain.Session
	dataset *domain.Dataset
	// datasetPath is the session holding dataset, which differs from path
	// once the context changes directory after binding.
	datasetPath domain.Path
	filePos     int
	commentPos  int
	writing     bool
	expired     bool
}

func newContext(key domain.ContextKey, root *domain.Session) *Context {
	root.Subscribe(key)
	return &Context{key: key, path: root.Path(), session: root}
}

func (c *Context) Key() domain.ContextKey {
	return c.key
}

func (c *Context) Path() domain.Path {
	return c.path.Clone()
}

// DatasetName is empty while no dataset is bound.
func (c *Context) DatasetName() string {
	if c.dataset == nil {
		return ""
	}
	return c.dataset.Name()
}

func (c *Context) Cursors() (filePos, commentPos int) {
	return c.filePos, c.commentPos
}

func (c *Context) State() ContextState {
	switch {
	case c.expired:
		return ContextExpired
	case c.dataset != nil:
		return ContextDatasetBound
	case c.path.IsRoot():
		return ContextIdle
	default:
		return ContextDirectory
	}
}

// moveTo switches the context to session, moving its directory listener
// registration along. A bound dataset stays bound.
func (c *Context) moveTo(session *domain.Session) {
	if c.session != nil {
		c.session.Unsubscribe(c.key)
	}
	session.Subscribe(c.key)
	c.session = session
	c.path = session.Path()
}

func (c *Context) bind(dataset *domain.Dataset, path domain.Path, writing bool) {
	c.unbind()
	c.dataset = dataset
	c.datasetPath = path.Clone()
	c.writing = writing
	c.filePos = 0
	c.commentPos = 0
}

func (c *Context) unbind() {
	if c.dataset != nil {
		c.dataset.Unsubscribe(c.key)
	}
	c.dataset = nil
	c.datasetPath = nil
	c.writing = false
	c.filePos = 0
	c.commentPos = 0
}

func (c *Context) requireDataset() (*domain.Dataset, error) {
	if c.dataset == nil {
		return nil, domain.ErrNoDataset
	}
	return c.dataset, nil
}

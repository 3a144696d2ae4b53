package application

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/bnema/datavault/internal/domain"
	"github.com/bnema/datavault/internal/logger"
	"github.com/bnema/datavault/internal/ports"
	"github.com/rs/zerolog"
)

// SessionStore materializes sessions from the repository on first use and
// keeps them for the life of the process.
type SessionStore struct {
	repo     ports.Repository
	fanout   *Fanout
	sessions map[string]*domain.Session
	log      zerolog.Logger
}

func NewSessionStore(repo ports.Repository, fanout *Fanout, log zerolog.Logger) *SessionStore {
	return &SessionStore{
		repo:     repo,
		fanout:   fanout,
		sessions: map[string]*domain.Session{},
		log:      logger.Component(log, "sessions"),
	}
}

// Get returns the session at path, creating it and every missing ancestor.
// Each created session announces itself to its parent's listeners.
func (s *SessionStore) Get(ctx context.Context, path domain.Path) (*domain.Session, error) {
	root, err := s.load(ctx, domain.RootPath())
	if err != nil {
		return nil, err
	}

	current := root
	for _, name := range path.Segments() {
		next, err := s.child(ctx, current, name)
		if err != nil {
			return nil, err
		}
		current = next
	}
	return current, nil
}

// Exists reports whether a session is stored at path without creating it.
func (s *SessionStore) Exists(ctx context.Context, path domain.Path) (bool, error) {
	if _, ok := s.sessions[path.Key()]; ok {
		return true, nil
	}
	exists, err := s.repo.SessionExists(ctx, path)
	if err != nil {
		return false, fmt.Errorf("check session %q: %w", path.String(), err)
	}
	return exists, nil
}

// All returns every materialized session ordered by path.
func (s *SessionStore) All() []*domain.Session {
	out := make([]*domain.Session, 0, len(s.sessions))
	for _, session := range s.sessions {
		out = append(out, session)
	}
	slices.SortFunc(out, func(a, b *domain.Session) int {
		return strings.Compare(a.Path().String(), b.Path().String())
	})
	return out
}

func (s *SessionStore) Len() int {
	return len(s.sessions)
}

func (s *SessionStore) child(ctx context.Context, parent *domain.Session, name string) (*domain.Session, error) {
	path := parent.Path().Child(name)
	if session, ok := s.sessions[path.Key()]; ok {
		return session, nil
	}

	exists, err := s.repo.SessionExists(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("check session %q: %w", path.String(), err)
	}
	if exists {
		return s.load(ctx, path)
	}

	session := domain.NewSession(path)
	if err := s.repo.CreateSession(ctx, session.State()); err != nil {
		return nil, fmt.Errorf("create session %q: %w", path.String(), err)
	}
	parent.AddSubdir(name)
	s.sessions[path.Key()] = session
	s.log.Debug().Str("path", path.String()).Msg("session created")

	signal := domain.Signal{Kind: domain.SignalNewDir, Path: parent.Path(), Name: name}
	if err := s.fanout.Deliver(ctx, signal, parent.Listeners()); err != nil {
		s.log.Debug().Err(err).Msg("new dir delivery incomplete")
	}
	return session, nil
}

func (s *SessionStore) load(ctx context.Context, path domain.Path) (*domain.Session, error) {
	if session, ok := s.sessions[path.Key()]; ok {
		return session, nil
	}

	state, err := s.repo.LoadSession(ctx, path)
	if err == nil {
		session := domain.RestoreSession(state)
		s.sessions[path.Key()] = session
		return session, nil
	}
	if !path.IsRoot() || !isNotFound(err) {
		return nil, fmt.Errorf("load session %q: %w", path.String(), err)
	}

	root := domain.NewSession(path)
	if err := s.repo.CreateSession(ctx, root.State()); err != nil {
		return nil, fmt.Errorf("create root session: %w", err)
	}
	s.sessions[path.Key()] = root
	return root, nil
}

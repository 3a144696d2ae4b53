package application

import (
	"context"

	"github.com/bnema/datavault/internal/domain"
)

// ContextSnapshot is a read-only copy of a context's cursors and binding.
type ContextSnapshot struct {
	Key        domain.ContextKey
	State      ContextState
	Path       domain.Path
	Dataset    string
	FilePos    int
	CommentPos int
	Writing    bool
}

// Membership names one listener registry a context key is present in.
type Membership struct {
	Path     domain.Path
	Dataset  string
	Registry string
}

const (
	RegistrySession  = "session"
	RegistryData     = "data"
	RegistryParams   = "parameters"
	RegistryComments = "comments"
)

// SessionSummary describes one materialized session for diagnostics.
type SessionSummary struct {
	Path      string   `json:"path"`
	Subdirs   []string `json:"subdirs"`
	Datasets  []string `json:"datasets"`
	Loaded    int      `json:"loaded_datasets"`
	Listeners []string `json:"listeners"`
}

func (v *Vault) Inspect(key domain.ContextKey) (ContextSnapshot, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	c, err := v.context(key)
	if err != nil {
		return ContextSnapshot{}, err
	}
	return ContextSnapshot{
		Key:        c.key,
		State:      c.State(),
		Path:       c.Path(),
		Dataset:    c.DatasetName(),
		FilePos:    c.filePos,
		CommentPos: c.commentPos,
		Writing:    c.writing,
	}, nil
}

// Memberships lists every registry of every materialized session and
// dataset that still holds key.
func (v *Vault) Memberships(key domain.ContextKey) []Membership {
	v.mu.Lock()
	defer v.mu.Unlock()

	var out []Membership
	for _, session := range v.store.All() {
		if session.IsListening(key) {
			out = append(out, Membership{Path: session.Path(), Registry: RegistrySession})
		}
		for _, dataset := range session.LoadedDatasets() {
			data, params, comments := dataset.Subscriptions(key)
			for registry, present := range map[string]bool{
				RegistryData:     data,
				RegistryParams:   params,
				RegistryComments: comments,
			} {
				if present {
					out = append(out, Membership{Path: session.Path(), Dataset: dataset.Name(), Registry: registry})
				}
			}
		}
	}
	return out
}

func (v *Vault) ContextCount() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.contexts)
}

func (v *Vault) Sessions(_ context.Context) []SessionSummary {
	v.mu.Lock()
	defer v.mu.Unlock()

	sessions := v.store.All()
	out := make([]SessionSummary, 0, len(sessions))
	for _, session := range sessions {
		state := session.State()
		listeners := session.Listeners()
		names := make([]string, 0, len(listeners))
		for _, key := range listeners {
			names = append(names, key.String())
		}
		out = append(out, SessionSummary{
			Path:      state.Path.String(),
			Subdirs:   nonNil(state.Subdirs),
			Datasets:  nonNil(state.Datasets),
			Loaded:    len(session.LoadedDatasets()),
			Listeners: names,
		})
	}
	return out
}

func nonNil(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}

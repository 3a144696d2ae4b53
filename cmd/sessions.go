package cmd

import (
	"context"
	"fmt"

	"github.com/bnema/datavault/internal/adapters/render/listing"
	"github.com/bnema/datavault/internal/domain"
	"github.com/bnema/datavault/internal/ports"
	"github.com/spf13/cobra"
)

type sessionDocument struct {
	Path        string              `json:"path" yaml:"path"`
	Counter     int                 `json:"counter" yaml:"counter"`
	Subdirs     []string            `json:"subdirs" yaml:"subdirs"`
	Datasets    []string            `json:"datasets" yaml:"datasets"`
	DirTags     map[string][]string `json:"dir_tags,omitempty" yaml:"dir_tags,omitempty"`
	DatasetTags map[string][]string `json:"dataset_tags,omitempty" yaml:"dataset_tags,omitempty"`
}

func newSessionsCmd(opts *rootOptions) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "List the persisted sessions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := wireApp(opts.configPath)
			if err != nil {
				return err
			}
			defer func() { _ = app.Close() }()

			states, err := loadSessions(cmd.Context(), app.repo)
			if err != nil {
				return err
			}

			if asJSON {
				docs := make([]sessionDocument, 0, len(states))
				for _, state := range states {
					docs = append(docs, toSessionDocument(state))
				}
				return writeJSON(cmd.OutOrStdout(), docs)
			}

			_, err = fmt.Fprintln(cmd.OutOrStdout(), listing.RenderSessions(states))
			return err
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "print sessions as JSON")
	return cmd
}

func loadSessions(ctx context.Context, repo ports.Repository) ([]domain.SessionState, error) {
	paths, err := repo.ListSessions(ctx)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}

	states := make([]domain.SessionState, 0, len(paths))
	for _, path := range paths {
		state, err := repo.LoadSession(ctx, path)
		if err != nil {
			return nil, fmt.Errorf("load session %q: %w", path.String(), err)
		}
		states = append(states, state)
	}
	listing.SortSessions(states)
	return states, nil
}

func toSessionDocument(state domain.SessionState) sessionDocument {
	doc := sessionDocument{
		Path:        state.Path.String(),
		Counter:     state.Counter,
		Subdirs:     state.Subdirs,
		Datasets:    state.Datasets,
		DirTags:     state.DirTags,
		DatasetTags: state.DatasetTags,
	}
	if doc.Path == "" {
		doc.Path = "/"
	}
	if doc.Subdirs == nil {
		doc.Subdirs = []string{}
	}
	if doc.Datasets == nil {
		doc.Datasets = []string{}
	}
	return doc
}

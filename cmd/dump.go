package cmd

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/bnema/datavault/internal/adapters/render/listing"
	"github.com/bnema/datavault/internal/domain"
	"github.com/bnema/datavault/internal/ports"
	"github.com/bytedance/sonic"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

const (
	formatText = "text"
	formatJSON = "json"
	formatYAML = "yaml"
)

type datasetDocument struct {
	Path         string              `json:"path" yaml:"path"`
	Name         string              `json:"name" yaml:"name"`
	Title        string              `json:"title" yaml:"title"`
	Number       int                 `json:"number" yaml:"number"`
	Created      time.Time           `json:"created" yaml:"created"`
	Independents []string            `json:"independents" yaml:"independents"`
	Dependents   []string            `json:"dependents" yaml:"dependents"`
	Parameters   []parameterDocument `json:"parameters" yaml:"parameters"`
	Comments     []commentDocument   `json:"comments" yaml:"comments"`
	Rows         [][]float64         `json:"rows" yaml:"rows,flow"`
}

type parameterDocument struct {
	Name  string `json:"name" yaml:"name"`
	Value any    `json:"value" yaml:"value"`
}

type commentDocument struct {
	Time time.Time `json:"time" yaml:"time"`
	User string    `json:"user" yaml:"user"`
	Text string    `json:"text" yaml:"text"`
}

func newDumpCmd(opts *rootOptions) *cobra.Command {
	var (
		format  string
		maxRows int
	)

	cmd := &cobra.Command{
		Use:   "dump <path> <dataset>",
		Short: "Print a persisted dataset",
		Long:  "Print a persisted dataset. The dataset is selected by its full name or by its sequence number.",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			format = strings.ToLower(strings.TrimSpace(format))
			switch format {
			case formatText, formatJSON, formatYAML:
			default:
				return fmt.Errorf("unsupported format %q (want text, json or yaml)", format)
			}

			app, err := wireApp(opts.configPath)
			if err != nil {
				return err
			}
			defer func() { _ = app.Close() }()

			path, state, err := loadDataset(cmd.Context(), app.repo, args[0], args[1])
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			switch format {
			case formatJSON:
				return writeJSON(out, toDatasetDocument(path, state))
			case formatYAML:
				return writeYAML(out, toDatasetDocument(path, state))
			default:
				_, err = fmt.Fprintln(out, listing.RenderDataset(path, state, listing.DatasetOptions{MaxRows: maxRows}))
				return err
			}
		},
	}

	cmd.Flags().StringVar(&format, "format", formatText, "output format: text, json or yaml")
	cmd.Flags().IntVar(&maxRows, "rows", 0, "rows to print in text format (0 prints all)")
	return cmd
}

// loadDataset reads a dataset from the repository. rawDataset is either a
// full dataset name or a sequence number.
func loadDataset(ctx context.Context, repo ports.Repository, rawPath, rawDataset string) (domain.Path, domain.DatasetState, error) {
	path := domain.ParsePath(rawPath)
	sessionState, err := repo.LoadSession(ctx, path)
	if err != nil {
		return nil, domain.DatasetState{}, fmt.Errorf("load session %q: %w", path.String(), err)
	}

	ref := domain.DatasetByName(rawDataset)
	if number, err := strconv.Atoi(rawDataset); err == nil {
		ref = domain.DatasetByNumber(number)
	}
	name, err := domain.RestoreSession(sessionState).ResolveDataset(ref)
	if err != nil {
		return nil, domain.DatasetState{}, err
	}

	state, err := repo.LoadDataset(ctx, path, name)
	if err != nil {
		return nil, domain.DatasetState{}, fmt.Errorf("load dataset %q: %w", name, err)
	}
	return path, state, nil
}

func toDatasetDocument(path domain.Path, state domain.DatasetState) datasetDocument {
	meta := state.Meta
	doc := datasetDocument{
		Path:         path.String(),
		Name:         meta.Name,
		Title:        meta.Title,
		Number:       meta.Number,
		Created:      meta.Created.UTC(),
		Independents: make([]string, 0, len(meta.Independents)),
		Dependents:   make([]string, 0, len(meta.Dependents)),
		Parameters:   make([]parameterDocument, 0, len(state.Parameters)),
		Comments:     make([]commentDocument, 0, len(state.Comments)),
		Rows:         make([][]float64, 0, len(state.Rows)),
	}
	if doc.Path == "" {
		doc.Path = "/"
	}
	for _, v := range meta.Independents {
		doc.Independents = append(doc.Independents, v.String())
	}
	for _, v := range meta.Dependents {
		doc.Dependents = append(doc.Dependents, v.String())
	}
	for _, param := range state.Parameters {
		doc.Parameters = append(doc.Parameters, parameterDocument{Name: param.Name, Value: param.Value})
	}
	for _, comment := range state.Comments {
		doc.Comments = append(doc.Comments, commentDocument{Time: comment.Time.UTC(), User: comment.User, Text: comment.Text})
	}
	for _, row := range state.Rows {
		doc.Rows = append(doc.Rows, []float64(row))
	}
	return doc
}

func writeJSON(w io.Writer, value any) error {
	body, err := sonic.ConfigStd.MarshalIndent(value, "", "  ")
	if err != nil {
		return fmt.Errorf("encode json: %w", err)
	}
	_, err = fmt.Fprintln(w, string(body))
	return err
}

func writeYAML(w io.Writer, value any) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(value); err != nil {
		return fmt.Errorf("encode yaml: %w", err)
	}
	return enc.Close()
}

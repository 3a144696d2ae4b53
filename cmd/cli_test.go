package cmd

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	tomlrepo "github.com/bnema/datavault/internal/adapters/repo/toml"
	"github.com/bnema/datavault/internal/domain"
	"github.com/bytedance/sonic"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestVersionPrintsVersion(t *testing.T) {
	stdout, _, err := executeCLI(t, t.TempDir(), "version")
	require.NoError(t, err)
	assert.Equal(t, "dev\n", stdout)
}

func TestSessionsListsPersistedTree(t *testing.T) {
	home := t.TempDir()
	require.NoError(t, writeVaultFixture(home))

	stdout, _, err := executeCLI(t, home, "sessions")
	require.NoError(t, err)
	assert.Contains(t, stdout, "sessions: 2")
	assert.Contains(t, stdout, "/run1")
	assert.Contains(t, stdout, "00001 - iv")
	assert.Contains(t, stdout, "star")
}

func TestSessionsJSONOutput(t *testing.T) {
	home := t.TempDir()
	require.NoError(t, writeVaultFixture(home))

	stdout, _, err := executeCLI(t, home, "sessions", "--json")
	require.NoError(t, err)

	var docs []sessionDocument
	require.NoError(t, sonic.UnmarshalString(stdout, &docs))
	require.Len(t, docs, 2)
	assert.Equal(t, "/", docs[0].Path)
	assert.Equal(t, []string{"run1"}, docs[0].Subdirs)
	assert.Equal(t, "/run1", docs[1].Path)
	assert.Equal(t, []string{"00001 - iv"}, docs[1].Datasets)
	assert.Equal(t, []string{"star"}, docs[1].DatasetTags["00001 - iv"])
}

func TestSessionsOnEmptyStorage(t *testing.T) {
	stdout, _, err := executeCLI(t, t.TempDir(), "sessions")
	require.NoError(t, err)
	assert.Contains(t, stdout, "No sessions stored.")
}

func TestDumpText(t *testing.T) {
	home := t.TempDir()
	require.NoError(t, writeVaultFixture(home))

	tests := []struct {
		name    string
		dataset string
	}{
		{name: "by number", dataset: "1"},
		{name: "by name", dataset: "00001 - iv"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stdout, _, err := executeCLI(t, home, "dump", "/run1", tt.dataset)
			require.NoError(t, err)
			assert.Contains(t, stdout, "00001 - iv")
			assert.Contains(t, stdout, "bias [V]")
			assert.Contains(t, stdout, "gain = 100")
			assert.Contains(t, stdout, "ana: cooled down")
			assert.Contains(t, stdout, "2.5e-09")
		})
	}
}

func TestDumpTextLimitsRows(t *testing.T) {
	home := t.TempDir()
	require.NoError(t, writeVaultFixture(home))

	stdout, _, err := executeCLI(t, home, "dump", "run1", "1", "--rows", "1")
	require.NoError(t, err)
	assert.Contains(t, stdout, "... 1 more rows")
}

func TestDumpJSONOutput(t *testing.T) {
	home := t.TempDir()
	require.NoError(t, writeVaultFixture(home))

	stdout, _, err := executeCLI(t, home, "dump", "/run1", "1", "--format", "json")
	require.NoError(t, err)

	var doc datasetDocument
	require.NoError(t, sonic.UnmarshalString(stdout, &doc))
	assert.Equal(t, "/run1", doc.Path)
	assert.Equal(t, "00001 - iv", doc.Name)
	assert.Equal(t, []string{"bias [V]"}, doc.Independents)
	assert.Equal(t, []string{"current (lockin) [A]"}, doc.Dependents)
	assert.Equal(t, [][]float64{{0.1, 1e-9}, {0.2, 2.5e-9}}, doc.Rows)
	require.Len(t, doc.Parameters, 2)
	assert.Equal(t, "gain", doc.Parameters[0].Name)
	assert.Equal(t, float64(100), doc.Parameters[0].Value)
	require.Len(t, doc.Comments, 1)
	assert.Equal(t, "ana", doc.Comments[0].User)
}

func TestDumpYAMLOutput(t *testing.T) {
	home := t.TempDir()
	require.NoError(t, writeVaultFixture(home))

	stdout, _, err := executeCLI(t, home, "dump", "/run1", "1", "--format", "yaml")
	require.NoError(t, err)

	var doc datasetDocument
	require.NoError(t, yaml.Unmarshal([]byte(stdout), &doc))
	assert.Equal(t, "iv", doc.Title)
	assert.Equal(t, 1, doc.Number)
	assert.Len(t, doc.Rows, 2)
	assert.Equal(t, "mode", doc.Parameters[1].Name)
	assert.Equal(t, "fast", doc.Parameters[1].Value)
}

func TestDumpErrors(t *testing.T) {
	home := t.TempDir()
	require.NoError(t, writeVaultFixture(home))

	tests := []struct {
		name string
		args []string
		want string
	}{
		{name: "unknown format", args: []string{"dump", "/run1", "1", "--format", "csv"}, want: `unsupported format "csv"`},
		{name: "missing dataset", args: []string{"dump", "/run1", "7"}, want: "dataset not found"},
		{name: "missing session", args: []string{"dump", "/nope", "1"}, want: "load session"},
		{name: "missing args", args: []string{"dump", "/run1"}, want: "accepts 2 arg(s)"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := executeCLI(t, home, tt.args...)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestInvalidConfigFails(t *testing.T) {
	home := t.TempDir()
	configPath := filepath.Join(home, "dv.toml")
	require.NoError(t, os.WriteFile(configPath, []byte("[storage]\nbackend = \"sqlite\"\n"), 0o600))

	_, _, err := executeCLI(t, home, "--config", configPath, "sessions")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unsupported storage backend "sqlite"`)
}

func TestServeStopsOnCancel(t *testing.T) {
	home := t.TempDir()
	configPath := filepath.Join(home, "dv.toml")
	config := "[storage]\nbackend = \"memory\"\n\n[log]\nlevel = \"error\"\n"
	require.NoError(t, os.WriteFile(configPath, []byte(config), 0o600))
	t.Setenv("HOME", home)

	ctx, cancel := context.WithCancel(context.Background())
	root := newRootCmd()
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	root.SetArgs([]string{"--config", configPath, "serve", "--listen", "127.0.0.1:0", "--admin-listen", "127.0.0.1:0"})

	done := make(chan error, 1)
	go func() {
		done <- root.ExecuteContext(ctx)
	}()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("serve did not stop")
	}
}

func executeCLI(t *testing.T, home string, args ...string) (string, string, error) {
	t.Helper()
	t.Setenv("HOME", home)

	root := newRootCmd()
	stdout := &bytes.Buffer{}
	stderr := &bytes.Buffer{}
	root.SetOut(stdout)
	root.SetErr(stderr)
	root.SetArgs(args)

	err := root.Execute()
	return stdout.String(), stderr.String(), err
}

// writeVaultFixture stores /run1 with one dataset in the default file
// backend under home.
func writeVaultFixture(home string) error {
	ctx := context.Background()
	repo, err := tomlrepo.NewRepository(filepath.Join(home, ".datavault", "data"))
	if err != nil {
		return err
	}

	run := domain.ParsePath("/run1")
	if err := repo.CreateSession(ctx, domain.SessionState{Path: domain.RootPath()}); err != nil {
		return err
	}
	if err := repo.CreateSession(ctx, domain.SessionState{Path: run}); err != nil {
		return err
	}

	name := domain.FormatDatasetName(1, "iv")
	created := time.Date(2024, 5, 17, 9, 30, 0, 0, time.UTC)
	meta := domain.DatasetMeta{
		Name:         name,
		Title:        "iv",
		Number:       1,
		Independents: []domain.Independent{{Label: "bias", Units: "V"}},
		Dependents:   []domain.Dependent{{Label: "current", Legend: "lockin", Units: "A"}},
		Created:      created,
	}
	if err := repo.CreateDataset(ctx, run, meta); err != nil {
		return err
	}
	if err := repo.AppendRows(ctx, run, name, []domain.Row{{0.1, 1e-9}, {0.2, 2.5e-9}}); err != nil {
		return err
	}
	params := []domain.Parameter{{Name: "gain", Value: float64(100)}, {Name: "mode", Value: "fast"}}
	if err := repo.SaveParameters(ctx, run, name, params); err != nil {
		return err
	}
	comment := domain.Comment{Time: created.Add(time.Hour), User: "ana", Text: "cooled down"}
	if err := repo.AppendComment(ctx, run, name, comment); err != nil {
		return err
	}

	state, err := repo.LoadSession(ctx, run)
	if err != nil {
		return err
	}
	state.DatasetTags = map[string][]string{name: {"star"}}
	return repo.SaveSession(ctx, state)
}

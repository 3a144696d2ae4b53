package toml

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/bnema/datavault/internal/domain"
	"github.com/bnema/datavault/internal/ports"
	"github.com/bytedance/sonic"
	toml "github.com/pelletier/go-toml/v2"
)

const (
	dataFileMode    = 0o600
	dataDirMode     = 0o700
	sessionFile     = "session.toml"
	sessionDirExt   = ".dir"
	datasetExt      = ".toml"
	rowsExt         = ".csv"
	tempFilePattern = ".vault-*.toml.tmp"
	escapedChars    = `%/\:*?"<>|.`
)

// Repository stores each session as a directory under root. Metadata
// lives in TOML files rewritten atomically; rows go to an append-only CSV
// file next to their dataset.
type Repository struct {
	root string
	mu   *sync.RWMutex
}

var (
	lockRegistryMu sync.Mutex
	pathLockMap    = map[string]*sync.RWMutex{}
)

var _ ports.Repository = (*Repository)(nil)

func NewRepository(root string) (*Repository, error) {
	if strings.TrimSpace(root) == "" {
		return nil, errors.New("storage root is empty")
	}

	root, err := normalizeRoot(root)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(root, dataDirMode); err != nil {
		return nil, fmt.Errorf("create storage root: %w", err)
	}

	return &Repository{root: root, mu: lockForPath(root)}, nil
}

func (r *Repository) Root() string {
	return r.root
}

func (r *Repository) SessionExists(ctx context.Context, path domain.Path) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.sessionExists(path)
}

func (r *Repository) LoadSession(ctx context.Context, path domain.Path) (domain.SessionState, error) {
	if err := ctx.Err(); err != nil {
		return domain.SessionState{}, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	file, err := r.readSession(path)
	if err != nil {
		return domain.SessionState{}, err
	}

	entries, err := os.ReadDir(r.sessionDir(path))
	if err != nil {
		return domain.SessionState{}, fmt.Errorf("read session directory: %w", err)
	}

	state := domain.SessionState{
		Path:        path.Clone(),
		Counter:     file.Counter,
		DirTags:     file.DirTags,
		DatasetTags: file.DatasetTags,
	}
	for _, entry := range entries {
		name := entry.Name()
		switch {
		case entry.IsDir() && strings.HasSuffix(name, sessionDirExt):
			state.Subdirs = append(state.Subdirs, unescape(strings.TrimSuffix(name, sessionDirExt)))
		case !entry.IsDir() && name != sessionFile && strings.HasSuffix(name, datasetExt):
			state.Datasets = append(state.Datasets, unescape(strings.TrimSuffix(name, datasetExt)))
		}
	}
	slices.Sort(state.Subdirs)
	slices.Sort(state.Datasets)

	return state, nil
}

func (r *Repository) CreateSession(ctx context.Context, state domain.SessionState) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	exists, err := r.sessionExists(state.Path)
	if err != nil {
		return err
	}
	if exists {
		return fmt.Errorf("%w: %q", domain.ErrDirectoryExists, state.Path.String())
	}
	if !state.Path.IsRoot() {
		parent, err := r.sessionExists(state.Path.Parent())
		if err != nil {
			return err
		}
		if !parent {
			return fmt.Errorf("%w: %q", domain.ErrSessionNotFound, state.Path.Parent().String())
		}
	}

	if err := os.MkdirAll(r.sessionDir(state.Path), dataDirMode); err != nil {
		return fmt.Errorf("create session directory: %w", err)
	}

	file := sessionSchema{
		Counter:     state.Counter,
		DirTags:     state.DirTags,
		DatasetTags: state.DatasetTags,
	}
	return r.writeSession(state.Path, file)
}

func (r *Repository) SaveSession(ctx context.Context, state domain.SessionState) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	file, err := r.readSession(state.Path)
	if err != nil {
		return err
	}
	file.Counter = max(file.Counter, state.Counter)
	file.DirTags = nonEmptyTags(state.DirTags)
	file.DatasetTags = nonEmptyTags(state.DatasetTags)

	if err := ctx.Err(); err != nil {
		return err
	}

	return r.writeSession(state.Path, file)
}

func (r *Repository) ListSessions(ctx context.Context) ([]domain.Path, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	var paths []domain.Path
	err := filepath.WalkDir(r.root, func(current string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !entry.IsDir() {
			return nil
		}
		if current != r.root && !strings.HasSuffix(entry.Name(), sessionDirExt) {
			return fs.SkipDir
		}
		if _, err := os.Stat(filepath.Join(current, sessionFile)); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return nil
			}
			return err
		}

		rel, err := filepath.Rel(r.root, current)
		if err != nil {
			return err
		}
		paths = append(paths, pathFromRel(rel))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
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

	session, err := r.readSession(path)
	if err != nil {
		return err
	}

	metaPath := r.datasetFile(path, meta.Name, datasetExt)
	if _, err := os.Stat(metaPath); err == nil {
		return fmt.Errorf("%w: dataset %q already exists in %q", domain.ErrDatasetNameInvalid, meta.Name, path.String())
	}

	file := toDatasetSchema(meta)
	if err := r.writeTOML(metaPath, &file); err != nil {
		return err
	}

	rows, err := os.OpenFile(r.datasetFile(path, meta.Name, rowsExt), os.O_CREATE|os.O_WRONLY, dataFileMode)
	if err != nil {
		return fmt.Errorf("create rows file: %w", err)
	}
	if err := rows.Close(); err != nil {
		return fmt.Errorf("close rows file: %w", err)
	}

	if meta.Number >= session.Counter {
		session.Counter = meta.Number + 1
		return r.writeSession(path, session)
	}
	return nil
}

func (r *Repository) LoadDataset(ctx context.Context, path domain.Path, name string) (domain.DatasetState, error) {
	if err := ctx.Err(); err != nil {
		return domain.DatasetState{}, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	file, err := r.readDataset(path, name)
	if err != nil {
		return domain.DatasetState{}, err
	}

	state, err := fromDatasetSchema(file)
	if err != nil {
		return domain.DatasetState{}, err
	}
	state.Rows, err = r.readRows(path, name)
	if err != nil {
		return domain.DatasetState{}, err
	}

	return state, nil
}

func (r *Repository) AppendRows(ctx context.Context, path domain.Path, name string, rows []domain.Row) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, err := r.readDataset(path, name); err != nil {
		return err
	}

	file, err := os.OpenFile(r.datasetFile(path, name, rowsExt), os.O_APPEND|os.O_CREATE|os.O_WRONLY, dataFileMode)
	if err != nil {
		return fmt.Errorf("open rows file: %w", err)
	}
	info, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return fmt.Errorf("stat rows file: %w", err)
	}

	if err := appendRows(file, info.Size(), rows); err != nil {
		_ = file.Close()
		return err
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("close rows file: %w", err)
	}

	return nil
}

type rowsFile interface {
	io.Writer
	Truncate(size int64) error
	Sync() error
}

// appendRows writes rows after size bytes of file. On any failure the file
// is cut back to size so a batch is stored whole or not at all.
func appendRows(file rowsFile, size int64, rows []domain.Row) error {
	err := writeRows(file, rows)
	if err == nil {
		return nil
	}
	if truncErr := file.Truncate(size); truncErr != nil {
		return errors.Join(err, fmt.Errorf("roll back rows file: %w", truncErr))
	}
	return err
}

func writeRows(file rowsFile, rows []domain.Row) error {
	writer := csv.NewWriter(file)
	for _, row := range rows {
		if err := writer.Write(formatRow(row)); err != nil {
			return fmt.Errorf("write rows file: %w", err)
		}
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		return fmt.Errorf("flush rows file: %w", err)
	}
	if err := file.Sync(); err != nil {
		return fmt.Errorf("sync rows file: %w", err)
	}
	return nil
}

func (r *Repository) SaveParameters(ctx context.Context, path domain.Path, name string, params []domain.Parameter) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	file, err := r.readDataset(path, name)
	if err != nil {
		return err
	}

	file.Parameters = make([]parameterSchema, 0, len(params))
	for _, param := range params {
		encoded, err := sonic.MarshalString(param.Value)
		if err != nil {
			return fmt.Errorf("encode parameter %q: %w", param.Name, err)
		}
		file.Parameters = append(file.Parameters, parameterSchema{Name: param.Name, Value: encoded})
	}

	return r.writeTOML(r.datasetFile(path, name, datasetExt), &file)
}

func (r *Repository) AppendComment(ctx context.Context, path domain.Path, name string, comment domain.Comment) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	file, err := r.readDataset(path, name)
	if err != nil {
		return err
	}
	file.Comments = append(file.Comments, commentSchema{
		Time: formatTime(comment.Time),
		User: comment.User,
		Text: comment.Text,
	})

	return r.writeTOML(r.datasetFile(path, name, datasetExt), &file)
}

func (r *Repository) sessionExists(path domain.Path) (bool, error) {
	_, err := os.Stat(filepath.Join(r.sessionDir(path), sessionFile))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, fmt.Errorf("stat session file: %w", err)
}

func (r *Repository) readSession(path domain.Path) (sessionSchema, error) {
	data, err := os.ReadFile(filepath.Join(r.sessionDir(path), sessionFile))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return sessionSchema{}, fmt.Errorf("%w: %q", domain.ErrSessionNotFound, path.String())
		}
		return sessionSchema{}, fmt.Errorf("read session file: %w", err)
	}

	var file sessionSchema
	if err := toml.Unmarshal(data, &file); err != nil {
		return sessionSchema{}, fmt.Errorf("decode session file: %w", err)
	}
	if err := file.validateVersion(); err != nil {
		return sessionSchema{}, err
	}
	file.applyDefaults()

	return file, nil
}

func (r *Repository) writeSession(path domain.Path, file sessionSchema) error {
	file.applyDefaults()
	file.DirTags = nonEmptyTags(file.DirTags)
	file.DatasetTags = nonEmptyTags(file.DatasetTags)
	return r.writeTOML(filepath.Join(r.sessionDir(path), sessionFile), file)
}

func (r *Repository) readDataset(path domain.Path, name string) (datasetSchema, error) {
	data, err := os.ReadFile(r.datasetFile(path, name, datasetExt))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return datasetSchema{}, fmt.Errorf("%w: %q in %q", domain.ErrDatasetNotFound, name, path.String())
		}
		return datasetSchema{}, fmt.Errorf("read dataset file: %w", err)
	}

	var file datasetSchema
	if err := toml.Unmarshal(data, &file); err != nil {
		return datasetSchema{}, fmt.Errorf("decode dataset file: %w", err)
	}
	if err := file.validateVersion(); err != nil {
		return datasetSchema{}, err
	}
	file.applyDefaults()

	return file, nil
}

func (r *Repository) readRows(path domain.Path, name string) ([]domain.Row, error) {
	file, err := os.Open(r.datasetFile(path, name, rowsExt))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("open rows file: %w", err)
	}
	defer file.Close()

	reader := csv.NewReader(file)
	reader.FieldsPerRecord = -1
	reader.ReuseRecord = true

	var rows []domain.Row
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read rows file: %w", err)
		}
		row, err := parseRow(record)
		if err != nil {
			return nil, fmt.Errorf("parse row %d of %q: %w", len(rows)+1, name, err)
		}
		rows = append(rows, row)
	}

	return rows, nil
}

func (r *Repository) sessionDir(path domain.Path) string {
	parts := []string{r.root}
	for _, segment := range path.Segments() {
		parts = append(parts, escape(segment)+sessionDirExt)
	}
	return filepath.Join(parts...)
}

func (r *Repository) datasetFile(path domain.Path, name, ext string) string {
	return filepath.Join(r.sessionDir(path), escape(name)+ext)
}

func (r *Repository) writeTOML(target string, value any) error {
	data, err := toml.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %s: %w", filepath.Base(target), err)
	}

	return writeFileAtomic(target, data)
}

func writeFileAtomic(target string, data []byte) error {
	dir := filepath.Dir(target)
	if err := os.MkdirAll(dir, dataDirMode); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}

	tempFile, err := os.CreateTemp(dir, tempFilePattern)
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}

	tempName := tempFile.Name()
	cleanup := true
	defer func() {
		if cleanup {
			_ = os.Remove(tempName)
		}
	}()

	if _, err := tempFile.Write(data); err != nil {
		_ = tempFile.Close()
		return fmt.Errorf("write temp file: %w", err)
	}

	if err := tempFile.Chmod(dataFileMode); err != nil {
		_ = tempFile.Close()
		return fmt.Errorf("chmod temp file: %w", err)
	}

	if err := tempFile.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}

	if err := os.Rename(tempName, target); err != nil {
		return fmt.Errorf("replace %s: %w", filepath.Base(target), err)
	}

	cleanup = false
	return nil
}

func normalizeRoot(path string) (string, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("resolve storage root: %w", err)
	}

	return filepath.Clean(absPath), nil
}

func lockForPath(path string) *sync.RWMutex {
	lockRegistryMu.Lock()
	defer lockRegistryMu.Unlock()

	if mu, ok := pathLockMap[path]; ok {
		return mu
	}

	mu := &sync.RWMutex{}
	pathLockMap[path] = mu
	return mu
}

// escape percent-encodes the characters that are unsafe in file names, and
// the dot so escaped names never collide with the directory and file
// extensions.
func escape(name string) string {
	var b strings.Builder
	for i := 0; i < len(name); i++ {
		c := name[i]
		if strings.IndexByte(escapedChars, c) >= 0 {
			fmt.Fprintf(&b, "%%%02X", c)
			continue
		}
		b.WriteByte(c)
	}
	return b.String()
}

func unescape(name string) string {
	decoded, err := url.PathUnescape(name)
	if err != nil {
		return name
	}
	return decoded
}

func pathFromRel(rel string) domain.Path {
	path := domain.RootPath()
	if rel == "." {
		return path
	}
	for _, part := range strings.Split(filepath.ToSlash(rel), "/") {
		path = path.Child(unescape(strings.TrimSuffix(part, sessionDirExt)))
	}
	return path
}

func nonEmptyTags(tags map[string][]string) map[string][]string {
	if len(tags) == 0 {
		return nil
	}
	out := make(map[string][]string, len(tags))
	for name, values := range tags {
		if len(values) > 0 {
			out[name] = slices.Clone(values)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func formatRow(row domain.Row) []string {
	record := make([]string, len(row))
	for i, value := range row {
		record[i] = strconv.FormatFloat(value, 'g', -1, 64)
	}
	return record
}

func parseRow(record []string) (domain.Row, error) {
	row := make(domain.Row, len(record))
	for i, field := range record {
		value, err := strconv.ParseFloat(field, 64)
		if err != nil {
			return nil, err
		}
		row[i] = value
	}
	return row, nil
}

func toDatasetSchema(meta domain.DatasetMeta) datasetSchema {
	file := datasetSchema{
		Version: currentSchemaVersion,
		Name:    meta.Name,
		Title:   meta.Title,
		Number:  meta.Number,
		Created: formatTime(meta.Created),
	}
	for _, independent := range meta.Independents {
		file.Independents = append(file.Independents, independentSchema{Label: independent.Label, Units: independent.Units})
	}
	for _, dependent := range meta.Dependents {
		file.Dependents = append(file.Dependents, dependentSchema{
			Label:  dependent.Label,
			Legend: dependent.Legend,
			Units:  dependent.Units,
		})
	}
	return file
}

func fromDatasetSchema(file datasetSchema) (domain.DatasetState, error) {
	state := domain.DatasetState{
		Meta: domain.DatasetMeta{
			Name:    file.Name,
			Title:   file.Title,
			Number:  file.Number,
			Created: parseTime(file.Created),
		},
	}
	for _, independent := range file.Independents {
		state.Meta.Independents = append(state.Meta.Independents, domain.Independent{Label: independent.Label, Units: independent.Units})
	}
	for _, dependent := range file.Dependents {
		state.Meta.Dependents = append(state.Meta.Dependents, domain.Dependent{
			Label:  dependent.Label,
			Legend: dependent.Legend,
			Units:  dependent.Units,
		})
	}
	for _, param := range file.Parameters {
		var value any
		if err := sonic.UnmarshalString(param.Value, &value); err != nil {
			return domain.DatasetState{}, fmt.Errorf("decode parameter %q: %w", param.Name, err)
		}
		state.Parameters = append(state.Parameters, domain.Parameter{Name: param.Name, Value: value})
	}
	for _, comment := range file.Comments {
		state.Comments = append(state.Comments, domain.Comment{
			Time: parseTime(comment.Time),
			User: comment.User,
			Text: comment.Text,
		})
	}
	return state, nil
}

func parseTime(raw string) time.Time {
	if raw == "" {
		return time.Time{}
	}

	parsed, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}
	}

	return parsed
}

func formatTime(value time.Time) string {
	if value.IsZero() {
		return ""
	}

	return value.Format(time.RFC3339Nano)
}

package domain

import (
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"
)

// SessionState is everything persisted about a session.
type SessionState struct {
	Path        Path
	Counter     int
	Subdirs     []string
	Datasets    []string
	DirTags     map[string][]string
	DatasetTags map[string][]string
}

// Session is one directory node: its children, their tags and the
// contexts listening for new entries.
type Session struct {
	path        Path
	counter     int
	subdirs     map[string]struct{}
	names       map[string]struct{}
	datasets    map[string]*Dataset
	dirTags     map[string]TagSet
	datasetTags map[string]TagSet
	listeners   map[ContextKey]struct{}
}

func NewSession(path Path) *Session {
	return RestoreSession(SessionState{Path: path})
}

func RestoreSession(state SessionState) *Session {
	s := &Session{
		path:        state.Path.Clone(),
		counter:     state.Counter,
		subdirs:     map[string]struct{}{},
		names:       map[string]struct{}{},
		datasets:    map[string]*Dataset{},
		dirTags:     map[string]TagSet{},
		datasetTags: map[string]TagSet{},
		listeners:   map[ContextKey]struct{}{},
	}
	if s.counter < 1 {
		s.counter = 1
	}
	for _, name := range state.Subdirs {
		s.subdirs[name] = struct{}{}
	}
	for _, name := range state.Datasets {
		s.names[name] = struct{}{}
		if number, ok := DatasetNumber(name); ok && number >= s.counter {
			s.counter = number + 1
		}
	}
	for name, tags := range state.DirTags {
		s.dirTags[name] = NewTagSet(tags...)
	}
	for name, tags := range state.DatasetTags {
		s.datasetTags[name] = NewTagSet(tags...)
	}
	return s
}

func (s *Session) Path() Path {
	return s.path.Clone()
}

func (s *Session) State() SessionState {
	return SessionState{
		Path:        s.path.Clone(),
		Counter:     s.counter,
		Subdirs:     sortedKeys(s.subdirs),
		Datasets:    sortedKeys(s.names),
		DirTags:     flattenTags(s.dirTags),
		DatasetTags: flattenTags(s.datasetTags),
	}
}

func (s *Session) AddSubdir(name string) bool {
	if _, ok := s.subdirs[name]; ok {
		return false
	}
	s.subdirs[name] = struct{}{}
	return true
}

func (s *Session) HasSubdir(name string) bool {
	_, ok := s.subdirs[name]
	return ok
}

func (s *Session) HasDataset(name string) bool {
	_, ok := s.names[name]
	return ok
}

// ListContents returns the sorted subdirectories and datasets passing the
// tag filters.
func (s *Session) ListContents(filters []string) ([]string, []string) {
	filter := NewTagFilter(filters)
	return filterEntries(sortedKeys(s.subdirs), s.dirTags, filter),
		filterEntries(sortedKeys(s.names), s.datasetTags, filter)
}

func (s *Session) Tags(dirs, datasets []string) ([]EntryTags, []EntryTags) {
	return entryTags(dirs, s.dirTags), entryTags(datasets, s.datasetTags)
}

// TagUpdate is a computed but not yet applied tag change.
type TagUpdate struct {
	Dirs        []EntryTags
	Datasets    []EntryTags
	dirTags     map[string]TagSet
	datasetTags map[string]TagSet
}

func (u TagUpdate) Changed() bool {
	return len(u.Dirs)+len(u.Datasets) > 0
}

// PlanTagUpdate applies tokens to copies of the tag index. Every named
// entry must exist in this session.
func (s *Session) PlanTagUpdate(tokens, dirs, datasets []string) (TagUpdate, error) {
	for _, name := range dirs {
		if !s.HasSubdir(name) {
			return TagUpdate{}, fmt.Errorf("%w: directory %q in %q", ErrUnknownEntity, name, s.path.String())
		}
	}
	for _, name := range datasets {
		if !s.HasDataset(name) {
			return TagUpdate{}, fmt.Errorf("%w: dataset %q in %q", ErrUnknownEntity, name, s.path.String())
		}
	}

	update := TagUpdate{
		dirTags:     cloneTagIndex(s.dirTags),
		datasetTags: cloneTagIndex(s.datasetTags),
	}
	update.Dirs = applyTokens(update.dirTags, tokens, dirs)
	update.Datasets = applyTokens(update.datasetTags, tokens, datasets)
	return update, nil
}

// StateWith is the persisted state the session would have after update.
func (s *Session) StateWith(update TagUpdate) SessionState {
	state := s.State()
	state.DirTags = flattenTags(update.dirTags)
	state.DatasetTags = flattenTags(update.datasetTags)
	return state
}

func (s *Session) ApplyTagUpdate(update TagUpdate) {
	if update.dirTags != nil {
		s.dirTags = update.dirTags
	}
	if update.datasetTags != nil {
		s.datasetTags = update.datasetTags
	}
}

// PlanDataset names the next dataset without registering it.
func (s *Session) PlanDataset(title string, independents []Independent, dependents []Dependent, now time.Time) (DatasetMeta, error) {
	if strings.TrimSpace(title) == "" {
		title = UntitledDataset
	}
	meta := DatasetMeta{
		Name:         FormatDatasetName(s.counter, title),
		Title:        title,
		Number:       s.counter,
		Independents: slices.Clone(independents),
		Dependents:   slices.Clone(dependents),
		Created:      now,
	}
	if err := meta.Validate(); err != nil {
		return DatasetMeta{}, err
	}
	return meta, nil
}

// AddDataset registers a freshly created dataset and advances the counter.
func (s *Session) AddDataset(dataset *Dataset) {
	meta := dataset.Meta()
	s.names[meta.Name] = struct{}{}
	s.datasets[meta.Name] = dataset
	if meta.Number >= s.counter {
		s.counter = meta.Number + 1
	}
}

// Attach caches a dataset loaded from storage.
func (s *Session) Attach(dataset *Dataset) {
	s.names[dataset.Name()] = struct{}{}
	s.datasets[dataset.Name()] = dataset
}

func (s *Session) Dataset(name string) (*Dataset, bool) {
	dataset, ok := s.datasets[name]
	return dataset, ok
}

// LoadedDatasets lists the datasets currently held in memory.
func (s *Session) LoadedDatasets() []*Dataset {
	names := sortedKeys(s.datasets)
	out := make([]*Dataset, 0, len(names))
	for _, name := range names {
		out = append(out, s.datasets[name])
	}
	return out
}

// ResolveDataset finds the full name for a name or sequence number.
func (s *Session) ResolveDataset(ref DatasetRef) (string, error) {
	if !ref.ByNumber {
		if s.HasDataset(ref.Name) {
			return ref.Name, nil
		}
		return "", fmt.Errorf("%w: %q in %q", ErrDatasetNotFound, ref.Name, s.path.String())
	}

	for _, name := range sortedKeys(s.names) {
		if number, ok := DatasetNumber(name); ok && number == ref.Number {
			return name, nil
		}
	}
	return "", fmt.Errorf("%w: number %d in %q", ErrDatasetNotFound, ref.Number, s.path.String())
}

func (s *Session) Subscribe(key ContextKey) {
	s.listeners[key] = struct{}{}
}

func (s *Session) Unsubscribe(key ContextKey) {
	delete(s.listeners, key)
}

func (s *Session) IsListening(key ContextKey) bool {
	_, ok := s.listeners[key]
	return ok
}

func (s *Session) Listeners() []ContextKey {
	keys := slices.Collect(maps.Keys(s.listeners))
	sortKeys(keys)
	return keys
}

func filterEntries(names []string, index map[string]TagSet, filter TagFilter) []string {
	out := make([]string, 0, len(names))
	for _, name := range names {
		if filter.Match(index[name]) {
			out = append(out, name)
		}
	}
	return out
}

func entryTags(names []string, index map[string]TagSet) []EntryTags {
	out := make([]EntryTags, 0, len(names))
	for _, name := range names {
		out = append(out, EntryTags{Name: name, Tags: index[name].Sorted()})
	}
	return out
}

func applyTokens(index map[string]TagSet, tokens, names []string) []EntryTags {
	var updates []EntryTags
	for _, name := range names {
		set, ok := index[name]
		if !ok {
			set = TagSet{}
		}
		if set.Apply(tokens) {
			updates = append(updates, EntryTags{Name: name, Tags: set.Sorted()})
		}
		if len(set) == 0 {
			delete(index, name)
			continue
		}
		index[name] = set
	}
	return updates
}

func cloneTagIndex(index map[string]TagSet) map[string]TagSet {
	out := make(map[string]TagSet, len(index))
	for name, set := range index {
		out[name] = set.Clone()
	}
	return out
}

func flattenTags(index map[string]TagSet) map[string][]string {
	out := make(map[string][]string, len(index))
	for name, set := range index {
		if len(set) == 0 {
			continue
		}
		out[name] = set.Sorted()
	}
	return out
}

func sortedKeys[V any](m map[string]V) []string {
	keys := slices.Collect(maps.Keys(m))
	slices.Sort(keys)
	return keys
}

package domain

import (
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"
)

const (
	AnonymousUser    = "anonymous"
	UntitledDataset  = "untitled"
	NoLimit          = -1
	datasetNumberSep = " - "
)

type Row []float64

type Parameter struct {
	Name  string
	Value any
}

type Comment struct {
	Time time.Time
	User string
	Text string
}

// DatasetMeta is the part of a dataset fixed at creation.
type DatasetMeta struct {
	Name         string
	Title        string
	Number       int
	Independents []Independent
	Dependents   []Dependent
	Created      time.Time
}

func (m DatasetMeta) Width() int {
	return len(m.Independents) + len(m.Dependents)
}

func (m DatasetMeta) Validate() error {
	if strings.TrimSpace(m.Name) == "" {
		return fmt.Errorf("%w: dataset name", ErrEmptyName)
	}
	for _, independent := range m.Independents {
		if err := independent.Validate(); err != nil {
			return err
		}
	}
	for _, dependent := range m.Dependents {
		if err := dependent.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// DatasetState is everything persisted about a dataset.
type DatasetState struct {
	Meta       DatasetMeta
	Rows       []Row
	Parameters []Parameter
	Comments   []Comment
}

// FormatDatasetName prefixes the title with its zero-padded sequence number.
func FormatDatasetName(number int, title string) string {
	return fmt.Sprintf("%05d%s%s", number, datasetNumberSep, title)
}

// DatasetNumber extracts the sequence number prefix of a dataset name.
func DatasetNumber(name string) (int, bool) {
	prefix, _, found := strings.Cut(name, datasetNumberSep)
	if !found {
		return 0, false
	}
	number, err := strconv.Atoi(prefix)
	if err != nil {
		return 0, false
	}
	return number, true
}

// DatasetTitle strips the sequence number prefix.
func DatasetTitle(name string) string {
	if _, ok := DatasetNumber(name); !ok {
		return name
	}
	_, title, _ := strings.Cut(name, datasetNumberSep)
	return title
}

// DatasetRef selects a dataset by exact name or by sequence number.
type DatasetRef struct {
	Name     string
	Number   int
	ByNumber bool
}

func DatasetByName(name string) DatasetRef {
	return DatasetRef{Name: name}
}

func DatasetByNumber(number int) DatasetRef {
	return DatasetRef{Number: number, ByNumber: true}
}

func (r DatasetRef) String() string {
	if r.ByNumber {
		return strconv.Itoa(r.Number)
	}
	return r.Name
}

// Dataset holds the rows, parameters and comments of one dataset together
// with the contexts waiting to hear about additions.
type Dataset struct {
	meta        DatasetMeta
	rows        []Row
	params      []Parameter
	comments    []Comment
	dataWait    map[ContextKey]int
	paramWait   map[ContextKey]struct{}
	commentWait map[ContextKey]int
}

func NewDataset(meta DatasetMeta) (*Dataset, error) {
	return RestoreDataset(DatasetState{Meta: meta})
}

func RestoreDataset(state DatasetState) (*Dataset, error) {
	if err := state.Meta.Validate(); err != nil {
		return nil, err
	}

	d := &Dataset{
		meta:        cloneMeta(state.Meta),
		params:      slices.Clone(state.Parameters),
		comments:    slices.Clone(state.Comments),
		dataWait:    map[ContextKey]int{},
		paramWait:   map[ContextKey]struct{}{},
		commentWait: map[ContextKey]int{},
	}
	if err := d.ValidateRows(state.Rows); err != nil {
		return nil, err
	}
	d.rows = cloneRows(state.Rows)

	return d, nil
}

func (d *Dataset) Name() string {
	return d.meta.Name
}

func (d *Dataset) Meta() DatasetMeta {
	return cloneMeta(d.meta)
}

func (d *Dataset) Independents() []Independent {
	return slices.Clone(d.meta.Independents)
}

func (d *Dataset) Dependents() []Dependent {
	return slices.Clone(d.meta.Dependents)
}

func (d *Dataset) Len() int {
	return len(d.rows)
}

func (d *Dataset) CommentCount() int {
	return len(d.comments)
}

// ValidateRows checks every row against the width fixed at creation.
func (d *Dataset) ValidateRows(rows []Row) error {
	width := d.meta.Width()
	for i, row := range rows {
		if len(row) != width {
			return fmt.Errorf("%w: row %d has %d values, dataset %q expects %d", ErrInvalidRow, i, len(row), d.meta.Name, width)
		}
	}
	return nil
}

// AppendRows adds validated rows and returns the contexts to tell. Their
// registrations are consumed; a context registers again by reading.
func (d *Dataset) AppendRows(rows []Row) ([]ContextKey, error) {
	if err := d.ValidateRows(rows); err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}

	d.rows = append(d.rows, cloneRows(rows)...)
	return drainBehind(d.dataWait, len(d.rows)), nil
}

// Rows returns up to limit rows from start, all remaining rows when limit
// is negative, and the position after the last returned row.
func (d *Dataset) Rows(limit, start int) ([]Row, int) {
	lo, hi := window(len(d.rows), limit, start)
	return cloneRows(d.rows[lo:hi]), hi
}

// KeepStreaming registers key at pos. It reports true, without
// registering, when rows past pos already exist.
func (d *Dataset) KeepStreaming(key ContextKey, pos int) bool {
	if pos < len(d.rows) {
		delete(d.dataWait, key)
		return true
	}
	d.dataWait[key] = pos
	return false
}

// PlanParameters merges params into the current list without applying
// them. An existing name keeps its position and takes the new value.
func (d *Dataset) PlanParameters(params []Parameter) ([]Parameter, error) {
	merged := slices.Clone(d.params)
	for _, param := range params {
		if strings.TrimSpace(param.Name) == "" {
			return nil, fmt.Errorf("%w: parameter name", ErrEmptyName)
		}
		idx := slices.IndexFunc(merged, func(p Parameter) bool { return p.Name == param.Name })
		if idx >= 0 {
			merged[idx] = param
			continue
		}
		merged = append(merged, param)
	}
	return merged, nil
}

// ReplaceParameters installs a list built by PlanParameters and returns
// the contexts waiting for new parameters.
func (d *Dataset) ReplaceParameters(params []Parameter) []ContextKey {
	d.params = slices.Clone(params)
	keys := make([]ContextKey, 0, len(d.paramWait))
	for key := range d.paramWait {
		keys = append(keys, key)
	}
	clear(d.paramWait)
	sortKeys(keys)
	return keys
}

func (d *Dataset) Parameter(name string, caseSensitive bool) (any, error) {
	for _, param := range d.params {
		if param.Name == name || (!caseSensitive && strings.EqualFold(param.Name, name)) {
			return param.Value, nil
		}
	}
	return nil, fmt.Errorf("%w: %q", ErrParameterNotFound, name)
}

func (d *Dataset) Parameters() []Parameter {
	return slices.Clone(d.params)
}

func (d *Dataset) ParameterNames() []string {
	names := make([]string, 0, len(d.params))
	for _, param := range d.params {
		names = append(names, param.Name)
	}
	return names
}

func (d *Dataset) SubscribeParameters(key ContextKey) {
	d.paramWait[key] = struct{}{}
}

func (d *Dataset) AppendComment(comment Comment) []ContextKey {
	if strings.TrimSpace(comment.User) == "" {
		comment.User = AnonymousUser
	}
	d.comments = append(d.comments, comment)
	return drainBehind(d.commentWait, len(d.comments))
}

func (d *Dataset) Comments(limit, start int) ([]Comment, int) {
	lo, hi := window(len(d.comments), limit, start)
	return slices.Clone(d.comments[lo:hi]), hi
}

func (d *Dataset) KeepStreamingComments(key ContextKey, pos int) bool {
	if pos < len(d.comments) {
		delete(d.commentWait, key)
		return true
	}
	d.commentWait[key] = pos
	return false
}

// Unsubscribe drops key from all three registries.
func (d *Dataset) Unsubscribe(key ContextKey) {
	delete(d.dataWait, key)
	delete(d.paramWait, key)
	delete(d.commentWait, key)
}

// Subscriptions reports in which registries key is present.
func (d *Dataset) Subscriptions(key ContextKey) (data, params, comments bool) {
	_, data = d.dataWait[key]
	_, params = d.paramWait[key]
	_, comments = d.commentWait[key]
	return data, params, comments
}

func (d *Dataset) State() DatasetState {
	return DatasetState{
		Meta:       d.Meta(),
		Rows:       cloneRows(d.rows),
		Parameters: d.Parameters(),
		Comments:   slices.Clone(d.comments),
	}
}

func window(length, limit, start int) (int, int) {
	if start < 0 {
		start = 0
	}
	if start > length {
		return length, length
	}
	end := length
	if limit >= 0 && limit < length-start {
		end = start + limit
	}
	return start, end
}

func drainBehind(waiting map[ContextKey]int, length int) []ContextKey {
	var keys []ContextKey
	for key, pos := range waiting {
		if pos < length {
			keys = append(keys, key)
			delete(waiting, key)
		}
	}
	sortKeys(keys)
	return keys
}

func sortKeys(keys []ContextKey) {
	slices.SortFunc(keys, func(a, b ContextKey) int {
		if c := strings.Compare(a.Broker, b.Broker); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
}

func cloneRows(rows []Row) []Row {
	if rows == nil {
		return nil
	}
	out := make([]Row, len(rows))
	for i, row := range rows {
		out[i] = slices.Clone(row)
	}
	return out
}

func cloneMeta(meta DatasetMeta) DatasetMeta {
	meta.Independents = slices.Clone(meta.Independents)
	meta.Dependents = slices.Clone(meta.Dependents)
	return meta
}

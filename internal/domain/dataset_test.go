package domain

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDataset(t *testing.T) *Dataset {
	t.Helper()

	dataset, err := NewDataset(DatasetMeta{
		Name:         FormatDatasetName(1, "scan"),
		Title:        "scan",
		Number:       1,
		Independents: []Independent{{Label: "V", Units: "V"}},
		Dependents:   []Dependent{{Label: "I", Units: "A"}},
	})
	require.NoError(t, err)
	return dataset
}

func TestDatasetAppendRowsRejectsWrongWidth(t *testing.T) {
	d := newTestDataset(t)

	_, err := d.AppendRows([]Row{{1, 2}, {3}})
	require.ErrorIs(t, err, ErrInvalidRow)
	assert.Equal(t, 0, d.Len(), "a bad batch must not be partially applied")
}

func TestDatasetRowsWindow(t *testing.T) {
	d := newTestDataset(t)
	_, err := d.AppendRows([]Row{{0, 0}, {1, 10}, {2, 20}, {3, 30}})
	require.NoError(t, err)

	tests := []struct {
		name     string
		limit    int
		start    int
		want     []Row
		wantNext int
	}{
		{name: "all", limit: NoLimit, start: 0, want: []Row{{0, 0}, {1, 10}, {2, 20}, {3, 30}}, wantNext: 4},
		{name: "limited", limit: 2, start: 1, want: []Row{{1, 10}, {2, 20}}, wantNext: 3},
		{name: "limit past end", limit: 10, start: 3, want: []Row{{3, 30}}, wantNext: 4},
		{name: "at end", limit: NoLimit, start: 4, want: []Row{}, wantNext: 4},
		{name: "zero limit", limit: 0, start: 2, want: []Row{}, wantNext: 2},
		{name: "max limit after a partial read", limit: math.MaxInt, start: 1, want: []Row{{1, 10}, {2, 20}, {3, 30}}, wantNext: 4},
		{name: "max limit at end", limit: math.MaxInt, start: 4, want: []Row{}, wantNext: 4},
		{name: "start past end", limit: 1, start: 9, want: []Row{}, wantNext: 4},
		{name: "negative start", limit: 1, start: -3, want: []Row{{0, 0}}, wantNext: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rows, next := d.Rows(tt.limit, tt.start)
			assert.Equal(t, tt.want, rows)
			assert.Equal(t, tt.wantNext, next)
		})
	}
}

func TestDatasetRowsAreCopies(t *testing.T) {
	d := newTestDataset(t)
	input := []Row{{1, 2}}
	_, err := d.AppendRows(input)
	require.NoError(t, err)

	input[0][0] = 99
	rows, _ := d.Rows(NoLimit, 0)
	rows[0][1] = 99

	again, _ := d.Rows(NoLimit, 0)
	assert.Equal(t, []Row{{1, 2}}, again)
}

func TestDatasetDataListenersAreOneShot(t *testing.T) {
	d := newTestDataset(t)
	a := ContextKey{ID: "a"}
	b := ContextKey{ID: "b"}

	assert.False(t, d.KeepStreaming(a, 0))
	assert.False(t, d.KeepStreaming(b, 0))

	notified, err := d.AppendRows([]Row{{1, 1}})
	require.NoError(t, err)
	assert.Equal(t, []ContextKey{a, b}, notified)

	notified, err = d.AppendRows([]Row{{2, 2}})
	require.NoError(t, err)
	assert.Empty(t, notified, "listeners must re-register after a signal")

	// Already behind: reported immediately, not registered.
	assert.True(t, d.KeepStreaming(a, 1))
	data, _, _ := d.Subscriptions(a)
	assert.False(t, data)

	assert.False(t, d.KeepStreaming(a, 2))
	data, _, _ = d.Subscriptions(a)
	assert.True(t, data)
}

func TestDatasetEmptyAppendDoesNotSignal(t *testing.T) {
	d := newTestDataset(t)
	key := ContextKey{ID: "1"}
	d.KeepStreaming(key, 0)

	notified, err := d.AppendRows(nil)
	require.NoError(t, err)
	assert.Empty(t, notified)

	data, _, _ := d.Subscriptions(key)
	assert.True(t, data)
}

func TestDatasetParameters(t *testing.T) {
	d := newTestDataset(t)
	listener := ContextKey{ID: "p"}
	d.SubscribeParameters(listener)

	planned, err := d.PlanParameters([]Parameter{
		{Name: "Field", Value: 1.5},
		{Name: "gate", Value: "on"},
	})
	require.NoError(t, err)
	assert.Empty(t, d.Parameters(), "planning must not apply")

	assert.Equal(t, []ContextKey{listener}, d.ReplaceParameters(planned))
	assert.Equal(t, []string{"Field", "gate"}, d.ParameterNames())

	value, err := d.Parameter("field", false)
	require.NoError(t, err)
	assert.Equal(t, 1.5, value)

	_, err = d.Parameter("field", true)
	require.ErrorIs(t, err, ErrParameterNotFound)

	planned, err = d.PlanParameters([]Parameter{{Name: "Field", Value: 2.0}})
	require.NoError(t, err)
	assert.Empty(t, d.ReplaceParameters(planned), "parameter listeners are one-shot")
	assert.Equal(t, []Parameter{{Name: "Field", Value: 2.0}, {Name: "gate", Value: "on"}}, d.Parameters())

	_, err = d.PlanParameters([]Parameter{{Name: " "}})
	require.ErrorIs(t, err, ErrEmptyName)
}

func TestDatasetComments(t *testing.T) {
	d := newTestDataset(t)
	key := ContextKey{ID: "c"}
	assert.False(t, d.KeepStreamingComments(key, 0))

	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	notified := d.AppendComment(Comment{Time: now, Text: "cooldown done"})
	assert.Equal(t, []ContextKey{key}, notified)

	comments, next := d.Comments(NoLimit, 0)
	require.Len(t, comments, 1)
	assert.Equal(t, AnonymousUser, comments[0].User)
	assert.Equal(t, 1, next)

	assert.Empty(t, d.AppendComment(Comment{Time: now, User: "ada", Text: "again"}))
	assert.Equal(t, 2, d.CommentCount())
}

func TestDatasetUnsubscribe(t *testing.T) {
	d := newTestDataset(t)
	key := ContextKey{Broker: "b", ID: "1"}

	d.KeepStreaming(key, 0)
	d.SubscribeParameters(key)
	d.KeepStreamingComments(key, 0)

	data, params, comments := d.Subscriptions(key)
	assert.True(t, data && params && comments)

	d.Unsubscribe(key)
	data, params, comments = d.Subscriptions(key)
	assert.False(t, data || params || comments)
}

func TestRestoreDatasetRoundTrip(t *testing.T) {
	original := newTestDataset(t)
	_, err := original.AppendRows([]Row{{1, 2}, {3, 4}})
	require.NoError(t, err)
	planned, err := original.PlanParameters([]Parameter{{Name: "x", Value: int64(3)}})
	require.NoError(t, err)
	original.ReplaceParameters(planned)
	original.AppendComment(Comment{User: "u", Text: "t"})

	restored, err := RestoreDataset(original.State())
	require.NoError(t, err)
	assert.Equal(t, original.State(), restored.State())

	state := original.State()
	state.Rows = append(state.Rows, Row{1})
	_, err = RestoreDataset(state)
	require.ErrorIs(t, err, ErrInvalidRow)
}

func TestDatasetCommentsWindowWithMaxLimit(t *testing.T) {
	d := newTestDataset(t)
	for _, text := range []string{"a", "b"} {
		d.AppendComment(Comment{User: "ana", Text: text})
	}

	first, next := d.Comments(1, 0)
	require.Len(t, first, 1)
	assert.Equal(t, 1, next)

	rest, next := d.Comments(math.MaxInt, next)
	require.Len(t, rest, 1)
	assert.Equal(t, "b", rest[0].Text)
	assert.Equal(t, 2, next)
}

package rpc

import (
	"encoding/json"
	"fmt"
	"math"

	"github.com/bnema/datavault/internal/domain"
	"github.com/bytedance/sonic"
)

// envelope carries the fields every request may set. Context selects one
// of the connection's independent client contexts.
type envelope struct {
	Context uint64 `json:"context"`
}

type dirParams struct {
	TagFilters  any  `json:"tag_filters"`
	IncludeTags bool `json:"include_tags"`
}

type cdParams struct {
	Path   any  `json:"path"`
	Create bool `json:"create"`
}

type nameParams struct {
	Name string `json:"name"`
}

type newParams struct {
	Name         string `json:"name"`
	Independents []any  `json:"independents"`
	Dependents   []any  `json:"dependents"`
}

type openParams struct {
	Dataset any `json:"dataset"`
}

type addParams struct {
	Data any `json:"data"`
}

type readParams struct {
	Limit     *int `json:"limit"`
	StartOver bool `json:"start_over"`
}

type parameterParams struct {
	Name          string `json:"name"`
	Value         any    `json:"value"`
	CaseSensitive *bool  `json:"case_sensitive"`
}

type addParametersParams struct {
	Params []parameterParams `json:"params"`
}

type commentParams struct {
	Comment string `json:"comment"`
	User    string `json:"user"`
}

type tagsParams struct {
	Tags     any `json:"tags"`
	Dirs     any `json:"dirs"`
	Datasets any `json:"datasets"`
}

type echoParams struct {
	Data any `json:"data"`
}

type serverParams struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Password string `json:"password"`
}

func decodeParams(raw json.RawMessage, out any) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	if err := sonic.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%w: %v", errInvalidParams, err)
	}
	return nil
}

// stringList accepts a single string or a list of strings. Absent values
// stay nil so callers can tell them from an explicit empty list.
func stringList(field string, value any) ([]string, error) {
	switch v := value.(type) {
	case nil:
		return nil, nil
	case string:
		return []string{v}, nil
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("%w: %s must hold strings", errInvalidParams, field)
			}
			out = append(out, s)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: %s must be a string or a list of strings", errInvalidParams, field)
	}
}

// pathSpec reads a cd argument: absent stays, a string enters one child
// ("" is the root), a list walks segments and an integer goes up.
func pathSpec(value any) (domain.PathSpec, error) {
	switch v := value.(type) {
	case nil:
		return domain.CurrentPath(), nil
	case string:
		return domain.Segment(v), nil
	case []any:
		segments, err := stringList("path", v)
		if err != nil {
			return domain.PathSpec{}, err
		}
		return domain.Segments(segments...), nil
	case float64:
		levels, ok := wholeNumber(v)
		if !ok || levels < 0 {
			return domain.PathSpec{}, fmt.Errorf("%w: path levels must be a non-negative integer", errInvalidParams)
		}
		return domain.Up(uint(levels)), nil
	default:
		return domain.PathSpec{}, fmt.Errorf("%w: unsupported path %T", errInvalidParams, value)
	}
}

func datasetRef(value any) (domain.DatasetRef, error) {
	switch v := value.(type) {
	case string:
		return domain.DatasetByName(v), nil
	case float64:
		number, ok := wholeNumber(v)
		if !ok || number < 1 {
			return domain.DatasetRef{}, fmt.Errorf("%w: dataset number must be a positive integer", errInvalidParams)
		}
		return domain.DatasetByNumber(number), nil
	default:
		return domain.DatasetRef{}, fmt.Errorf("%w: dataset must be a name or a number", errInvalidParams)
	}
}

func independents(values []any) ([]domain.Independent, error) {
	out := make([]domain.Independent, 0, len(values))
	for _, value := range values {
		switch v := value.(type) {
		case string:
			parsed, err := domain.ParseIndependent(v)
			if err != nil {
				return nil, err
			}
			out = append(out, parsed)
		case map[string]any:
			independent := domain.Independent{Label: stringField(v, "label"), Units: stringField(v, "units")}
			if err := independent.Validate(); err != nil {
				return nil, err
			}
			out = append(out, independent)
		default:
			return nil, fmt.Errorf("%w: independent variable must be a string or a record", errInvalidParams)
		}
	}
	return out, nil
}

func dependents(values []any) ([]domain.Dependent, error) {
	out := make([]domain.Dependent, 0, len(values))
	for _, value := range values {
		switch v := value.(type) {
		case string:
			parsed, err := domain.ParseDependent(v)
			if err != nil {
				return nil, err
			}
			out = append(out, parsed)
		case map[string]any:
			dependent := domain.Dependent{
				Label:  stringField(v, "label"),
				Legend: stringField(v, "legend"),
				Units:  stringField(v, "units"),
			}
			if err := dependent.Validate(); err != nil {
				return nil, err
			}
			out = append(out, dependent)
		default:
			return nil, fmt.Errorf("%w: dependent variable must be a string or a record", errInvalidParams)
		}
	}
	return out, nil
}

// parseRows accepts one row (a list of numbers) or many (a list of lists).
func parseRows(value any) ([]domain.Row, error) {
	list, ok := value.([]any)
	if !ok {
		if value == nil {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: data must be a row or a list of rows", domain.ErrInvalidRow)
	}
	if len(list) == 0 {
		return nil, nil
	}

	if _, single := list[0].(float64); single {
		row, err := parseRow(list)
		if err != nil {
			return nil, err
		}
		return []domain.Row{row}, nil
	}

	out := make([]domain.Row, 0, len(list))
	for i, item := range list {
		values, ok := item.([]any)
		if !ok {
			return nil, fmt.Errorf("%w: row %d is not a list", domain.ErrInvalidRow, i)
		}
		row, err := parseRow(values)
		if err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, nil
}

func parseRow(values []any) (domain.Row, error) {
	out := make(domain.Row, 0, len(values))
	for _, value := range values {
		number, ok := value.(float64)
		if !ok {
			return nil, fmt.Errorf("%w: %v is not a number", domain.ErrInvalidRow, value)
		}
		out = append(out, number)
	}
	return out, nil
}

func stringField(record map[string]any, key string) string {
	s, _ := record[key].(string)
	return s
}

func wholeNumber(v float64) (int, bool) {
	if v != math.Trunc(v) || math.IsInf(v, 0) || v > math.MaxInt32 || v < math.MinInt32 {
		return 0, false
	}
	return int(v), true
}

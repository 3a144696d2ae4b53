package domain

import (
	"fmt"
	"regexp"
	"strings"
)

// Independent is an axis of a dataset.
type Independent struct {
	Label string
	Units string
}

// Dependent is a measured trace. Label is the axis category that several
// traces may share, Legend is unique to the trace.
type Dependent struct {
	Label  string
	Legend string
	Units  string
}

var (
	independentPattern = regexp.MustCompile(`^([^\[\]()]*?)\s*(?:\[([^\[\]]*)\])?$`)
	dependentPattern   = regexp.MustCompile(`^([^\[\]()]*?)\s*(?:\(([^()]*)\))?\s*(?:\[([^\[\]]*)\])?$`)
)

// ParseIndependent reads the compact "label [units]" form.
func ParseIndependent(raw string) (Independent, error) {
	match := independentPattern.FindStringSubmatch(strings.TrimSpace(raw))
	if match == nil || strings.TrimSpace(match[1]) == "" {
		return Independent{}, fmt.Errorf("%w: independent %q", ErrInvalidVariable, raw)
	}

	return Independent{
		Label: strings.TrimSpace(match[1]),
		Units: strings.TrimSpace(match[2]),
	}, nil
}

// ParseDependent reads the compact "label (legend) [units]" form.
func ParseDependent(raw string) (Dependent, error) {
	match := dependentPattern.FindStringSubmatch(strings.TrimSpace(raw))
	if match == nil || strings.TrimSpace(match[1]) == "" {
		return Dependent{}, fmt.Errorf("%w: dependent %q", ErrInvalidVariable, raw)
	}

	return Dependent{
		Label:  strings.TrimSpace(match[1]),
		Legend: strings.TrimSpace(match[2]),
		Units:  strings.TrimSpace(match[3]),
	}, nil
}

func (i Independent) Validate() error {
	if strings.TrimSpace(i.Label) == "" {
		return fmt.Errorf("%w: independent label is required", ErrInvalidVariable)
	}
	return nil
}

func (d Dependent) Validate() error {
	if strings.TrimSpace(d.Label) == "" {
		return fmt.Errorf("%w: dependent label is required", ErrInvalidVariable)
	}
	return nil
}

func (i Independent) String() string {
	if i.Units == "" {
		return i.Label
	}
	return fmt.Sprintf("%s [%s]", i.Label, i.Units)
}

func (d Dependent) String() string {
	out := d.Label
	if d.Legend != "" {
		out += fmt.Sprintf(" (%s)", d.Legend)
	}
	if d.Units != "" {
		out += fmt.Sprintf(" [%s]", d.Units)
	}
	return out
}

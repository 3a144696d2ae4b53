package domain

import (
	"fmt"
	"slices"
	"strings"
)

// Path addresses a session. The root is the single empty segment.
type Path []string

func RootPath() Path {
	return Path{""}
}

// ParsePath splits a slash-joined path as produced by Path.String.
func ParsePath(raw string) Path {
	trimmed := strings.Trim(strings.TrimSpace(raw), "/")
	if trimmed == "" {
		return RootPath()
	}

	path := RootPath()
	for _, segment := range strings.Split(trimmed, "/") {
		if segment == "" {
			continue
		}
		path = append(path, segment)
	}

	return path
}

func (p Path) IsRoot() bool {
	return len(p) <= 1
}

func (p Path) Child(name string) Path {
	child := make(Path, 0, len(p)+1)
	child = append(child, p...)
	return append(child, name)
}

func (p Path) Parent() Path {
	if p.IsRoot() {
		return RootPath()
	}
	return slices.Clone(p[:len(p)-1])
}

// Name is the last segment, empty for the root.
func (p Path) Name() string {
	if len(p) == 0 {
		return ""
	}
	return p[len(p)-1]
}

func (p Path) Equal(other Path) bool {
	return slices.Equal(p.normalized(), other.normalized())
}

func (p Path) Clone() Path {
	return slices.Clone(p.normalized())
}

// Segments returns the path without the root marker.
func (p Path) Segments() []string {
	n := p.normalized()
	return slices.Clone(n[1:])
}

// String joins the path with slashes, the root renders as "".
func (p Path) String() string {
	return strings.Join(p.normalized(), "/")
}

// Key is a map key unique per path.
func (p Path) Key() string {
	return strings.Join(p.normalized(), "\x00")
}

func (p Path) normalized() Path {
	if len(p) == 0 {
		return RootPath()
	}
	return p
}

type pathSpecKind int

const (
	pathSpecCurrent pathSpecKind = iota
	pathSpecSegments
	pathSpecUp
)

// PathSpec is the argument of a directory change: nothing (stay), one or
// more segments walked in order, or a number of levels to go up.
type PathSpec struct {
	kind     pathSpecKind
	segments []string
	up       uint
}

func CurrentPath() PathSpec {
	return PathSpec{kind: pathSpecCurrent}
}

// Segment walks into a single child. The empty segment jumps to the root.
func Segment(name string) PathSpec {
	return PathSpec{kind: pathSpecSegments, segments: []string{name}}
}

func Segments(names ...string) PathSpec {
	return PathSpec{kind: pathSpecSegments, segments: slices.Clone(names)}
}

func Up(levels uint) PathSpec {
	return PathSpec{kind: pathSpecUp, up: levels}
}

// ValidateDirName rejects names that cannot be a single path segment.
func ValidateDirName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: directory name", ErrEmptyName)
	}
	if strings.Contains(name, "/") {
		return fmt.Errorf("%w: %q contains '/'", ErrDirNameInvalid, name)
	}
	return nil
}

// Validate checks every segment the spec would enter. The empty segment
// is the root and always valid.
func (s PathSpec) Validate() error {
	for _, segment := range s.segments {
		if segment == "" {
			continue
		}
		if err := ValidateDirName(segment); err != nil {
			return err
		}
	}
	return nil
}

func (s PathSpec) IsCurrent() bool {
	return s.kind == pathSpecCurrent
}

// Walk resolves the spec against from and returns every path visited on
// the way, the target last. The result is empty for the current spec and
// for an empty segment list.
func (s PathSpec) Walk(from Path) []Path {
	switch s.kind {
	case pathSpecUp:
		target := from.Clone()
		if s.up > 0 {
			keep := len(target) - int(s.up)
			if keep < 1 {
				keep = 1
			}
			target = target[:keep]
		}
		return []Path{target}
	case pathSpecSegments:
		visited := make([]Path, 0, len(s.segments))
		current := from.Clone()
		for _, segment := range s.segments {
			if segment == "" {
				current = RootPath()
			} else {
				current = current.Child(segment)
			}
			visited = append(visited, current.Clone())
		}
		return visited
	default:
		return nil
	}
}

// Resolve returns the target of the spec without the intermediate steps.
func (s PathSpec) Resolve(from Path) Path {
	visited := s.Walk(from)
	if len(visited) == 0 {
		return from.Clone()
	}
	return visited[len(visited)-1]
}

package domain

import (
	"slices"
	"strings"
)

const (
	TrashTag = "trash"

	tagRemovePrefix = "-"
	tagTogglePrefix = "^"
)

// DefaultTagFilters hides trashed entries.
func DefaultTagFilters() []string {
	return []string{tagRemovePrefix + TrashTag}
}

// TagSet is the set of tags carried by one directory entry.
type TagSet map[string]struct{}

func NewTagSet(tags ...string) TagSet {
	set := make(TagSet, len(tags))
	for _, tag := range tags {
		set[tag] = struct{}{}
	}
	return set
}

func (s TagSet) Has(tag string) bool {
	_, ok := s[tag]
	return ok
}

func (s TagSet) Sorted() []string {
	tags := make([]string, 0, len(s))
	for tag := range s {
		tags = append(tags, tag)
	}
	slices.Sort(tags)
	return tags
}

func (s TagSet) Clone() TagSet {
	clone := make(TagSet, len(s))
	for tag := range s {
		clone[tag] = struct{}{}
	}
	return clone
}

// Apply runs every token against the set and reports whether it changed.
// "-tag" removes, "^tag" toggles, anything else adds.
func (s TagSet) Apply(tokens []string) bool {
	changed := false
	for _, token := range tokens {
		switch {
		case strings.HasPrefix(token, tagRemovePrefix):
			tag := token[len(tagRemovePrefix):]
			if s.Has(tag) {
				delete(s, tag)
				changed = true
			}
		case strings.HasPrefix(token, tagTogglePrefix):
			tag := token[len(tagTogglePrefix):]
			if s.Has(tag) {
				delete(s, tag)
			} else {
				s[tag] = struct{}{}
			}
			changed = true
		default:
			if !s.Has(token) {
				s[token] = struct{}{}
				changed = true
			}
		}
	}
	return changed
}

// TagFilter is a compiled list of listing filters.
type TagFilter struct {
	include []string
	exclude []string
}

func NewTagFilter(filters []string) TagFilter {
	var f TagFilter
	for _, filter := range filters {
		if strings.HasPrefix(filter, tagRemovePrefix) {
			f.exclude = append(f.exclude, filter[len(tagRemovePrefix):])
			continue
		}
		if filter == "" {
			continue
		}
		f.include = append(f.include, filter)
	}
	return f
}

// Match keeps entries carrying none of the excluded tags and, when any
// inclusion filter exists, at least one of the included tags.
func (f TagFilter) Match(tags TagSet) bool {
	for _, tag := range f.exclude {
		if tags.Has(tag) {
			return false
		}
	}
	if len(f.include) == 0 {
		return true
	}
	for _, tag := range f.include {
		if tags.Has(tag) {
			return true
		}
	}
	return false
}

// EntryTags pairs a directory entry with its sorted tags.
type EntryTags struct {
	Name string
	Tags []string
}

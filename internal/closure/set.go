package closure

import (
	"slices"
	"strings"
)

// Set is the closure of a node: its own ID followed by its ancestors in
// lexicographic order, without duplicates.
type Set []string

// NewSet builds the closure of self over the given ancestors. self is always
// a member, whether or not it is listed among the ancestors.
func NewSet(self string, ancestors ...string) Set {
	rest := make([]string, 0, len(ancestors))
	for _, a := range ancestors {
		if a != self && a != "" {
			rest = append(rest, a)
		}
	}
	slices.Sort(rest)
	rest = slices.Compact(rest)
	return append(Set{self}, rest...)
}

// Self returns the node the closure belongs to.
func (s Set) Self() string {
	if len(s) == 0 {
		return ""
	}
	return s[0]
}

// Ancestors returns the members other than the node itself.
func (s Set) Ancestors() []string {
	if len(s) < 2 {
		return nil
	}
	return s[1:]
}

func (s Set) Contains(id string) bool {
	return slices.Contains(s, id)
}

// Equal compares as sets, ignoring order.
func (s Set) Equal(other Set) bool {
	a := slices.Clone(s)
	b := slices.Clone(other)
	slices.Sort(a)
	slices.Sort(b)
	return slices.Equal(slices.Compact(a), slices.Compact(b))
}

// Join renders the set as a delimited string, the flat-file form.
func (s Set) Join(delim string) string {
	return strings.Join(s, delim)
}

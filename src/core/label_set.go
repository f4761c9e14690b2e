package core

import (
	"sort"
	"strings"
)

// A LabelSet is an unordered set of labels.
// The zero value is a usable empty set for reads; use NewLabelSet before adding to it.
type LabelSet map[Label]struct{}

// NewLabelSet returns a new set containing the given labels.
func NewLabelSet(labels ...Label) LabelSet {
	s := make(LabelSet, len(labels))
	for _, l := range labels {
		s[l] = struct{}{}
	}
	return s
}

// Add adds a label to this set.
func (s LabelSet) Add(label Label) {
	s[label] = struct{}{}
}

// AddAll adds all the labels in another set to this one.
func (s LabelSet) AddAll(other LabelSet) {
	for l := range other {
		s[l] = struct{}{}
	}
}

// Contains returns true if the set contains the given label.
func (s LabelSet) Contains(label Label) bool {
	_, present := s[label]
	return present
}

// Clone returns a copy of this set.
func (s LabelSet) Clone() LabelSet {
	ret := make(LabelSet, len(s))
	ret.AddAll(s)
	return ret
}

// Difference returns a new set of all the labels in this set that are not in the other.
func (s LabelSet) Difference(other LabelSet) LabelSet {
	ret := make(LabelSet, len(s))
	for l := range s {
		if !other.Contains(l) {
			ret[l] = struct{}{}
		}
	}
	return ret
}

// Intersect returns a new set of the labels present in both sets.
func (s LabelSet) Intersect(other LabelSet) LabelSet {
	if len(other) < len(s) {
		s, other = other, s
	}
	ret := make(LabelSet, len(s))
	for l := range s {
		if other.Contains(l) {
			ret[l] = struct{}{}
		}
	}
	return ret
}

// Equal returns true if the two sets contain exactly the same labels.
func (s LabelSet) Equal(other LabelSet) bool {
	if len(s) != len(other) {
		return false
	}
	for l := range s {
		if !other.Contains(l) {
			return false
		}
	}
	return true
}

// Sorted returns the contents of this set as a sorted slice.
func (s LabelSet) Sorted() []Label {
	ret := make([]Label, 0, len(s))
	for l := range s {
		ret = append(ret, l)
	}
	SortLabels(ret)
	return ret
}

// String implements the fmt.Stringer interface.
func (s LabelSet) String() string {
	labels := s.Sorted()
	strs := make([]string, len(labels))
	for i, l := range labels {
		strs[i] = l.String()
	}
	return "[" + strings.Join(strs, ", ") + "]"
}

// SortLabels sorts a slice of labels in place.
func SortLabels(labels []Label) {
	sort.Slice(labels, func(i, j int) bool { return labels[i].Less(labels[j]) })
}

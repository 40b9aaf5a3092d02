package extension

import (
	"fmt"
	"slices"
)

// SpliceKind classifies a Splice.
type SpliceKind int

const (
	// SpliceInsert adds items without removing any.
	SpliceInsert SpliceKind = iota
	// SpliceRemove removes a contiguous range without adding anything.
	SpliceRemove
	// SpliceReplace removes a contiguous range and inserts items in its place.
	SpliceReplace
)

// String returns a string representation of the kind.
func (k SpliceKind) String() string {
	switch k {
	case SpliceInsert:
		return "insert"
	case SpliceRemove:
		return "remove"
	case SpliceReplace:
		return "replace"
	default:
		return "unknown"
	}
}

// Splice describes a change to an ordered list of extensions: RemoveCount
// items are removed starting at Index, then Items are inserted at Index.
//
// Every list mutation a provider can make is one of three shapes (insert,
// remove, replace). Whole-list changes such as sorting or reversing carry no
// positional meaning and are expressed as a Reset.
type Splice struct {
	Index       int
	RemoveCount int
	Items       []any
}

// Insert returns a splice inserting items at index.
func Insert(index int, items ...any) Splice {
	return Splice{Index: index, Items: items}
}

// Remove returns a splice removing count items starting at index.
func Remove(index, count int) Splice {
	return Splice{Index: index, RemoveCount: count}
}

// Replace returns a splice replacing oldCount items starting at index with items.
func Replace(index, oldCount int, items ...any) Splice {
	return Splice{Index: index, RemoveCount: oldCount, Items: items}
}

// Reset returns a splice replacing an entire list of oldLen items with items.
func Reset(oldLen int, items ...any) Splice {
	return Replace(0, oldLen, items...)
}

// Kind reports the shape of the splice. A splice that neither removes nor
// inserts anything is reported as an insert.
func (s Splice) Kind() SpliceKind {
	switch {
	case s.RemoveCount == 0:
		return SpliceInsert
	case len(s.Items) == 0:
		return SpliceRemove
	default:
		return SpliceReplace
	}
}

// IsNoop reports whether applying the splice leaves any list unchanged.
func (s Splice) IsNoop() bool {
	return s.RemoveCount == 0 && len(s.Items) == 0
}

// Offset shifts the splice by n positions. It translates a splice relative to
// one provider's contributions into one relative to the concatenation of all
// providers' contributions.
func (s Splice) Offset(n int) Splice {
	s.Index += n
	return s
}

// Validate checks that the splice can be applied to a list of the given length.
func (s Splice) Validate(length int) error {
	if s.Index < 0 || s.RemoveCount < 0 {
		return fmt.Errorf("%w: index %d, remove %d", ErrSpliceOutOfRange, s.Index, s.RemoveCount)
	}
	if s.Index > length || s.Index+s.RemoveCount > length {
		return fmt.Errorf("%w: index %d, remove %d, length %d", ErrSpliceOutOfRange, s.Index, s.RemoveCount, length)
	}
	return nil
}

// Apply returns the result of applying the splice to list together with the
// removed items. list itself is never modified.
func (s Splice) Apply(list []any) (updated, removed []any, err error) {
	if err := s.Validate(len(list)); err != nil {
		return nil, nil, err
	}

	end := s.Index + s.RemoveCount
	if s.RemoveCount > 0 {
		removed = slices.Clone(list[s.Index:end])
	}

	updated = make([]any, 0, len(list)-s.RemoveCount+len(s.Items))
	updated = append(updated, list[:s.Index]...)
	updated = append(updated, s.Items...)
	updated = append(updated, list[end:]...)
	return updated, removed, nil
}

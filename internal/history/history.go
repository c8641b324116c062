// Package history keeps the navigable sequence of query states of a session.
package history

import "github.com/leapstack-labs/leapexplore/internal/query"

// Entry is one position in the history. The zero Entry is Empty.
type Entry struct {
	State query.State
}

// Empty is the entry selecting no query.
var Empty = Entry{}

// NewEntry wraps a query state.
func NewEntry(s query.State) Entry {
	return Entry{State: s}
}

// Equal reports whether two entries select the same query.
func (e Entry) Equal(o Entry) bool {
	return e.State.Equal(o.State)
}

// Stack is a linear undo/redo history. It starts as [Empty] with the
// cursor at 0, and the cursor always indexes an entry.
//
// Stack is not safe for concurrent use.
type Stack struct {
	entries []Entry
	cursor  int
}

// New returns a stack holding only Empty.
func New() *Stack {
	return &Stack{entries: []Entry{Empty}}
}

// Push makes e the current entry, dropping every entry after the cursor.
// Pushing an entry equal to the current one changes nothing and returns false.
func (s *Stack) Push(e Entry) bool {
	if s.Current().Equal(e) {
		return false
	}
	s.entries = append(s.entries[:s.cursor+1:s.cursor+1], e)
	s.cursor = len(s.entries) - 1
	return true
}

// Undo moves the cursor back one entry and returns the new current entry.
func (s *Stack) Undo() (Entry, bool) {
	if !s.CanUndo() {
		return s.Current(), false
	}
	s.cursor--
	return s.Current(), true
}

// Redo moves the cursor forward one entry and returns the new current entry.
func (s *Stack) Redo() (Entry, bool) {
	if !s.CanRedo() {
		return s.Current(), false
	}
	s.cursor++
	return s.Current(), true
}

// Replace swaps the current entry in place, keeping the cursor. Used to
// store the compiled form of an entry that was recorded as raw text.
func (s *Stack) Replace(e Entry) {
	s.entries[s.cursor] = e
}

// CanUndo reports whether an earlier entry exists.
func (s *Stack) CanUndo() bool { return s.cursor > 0 }

// CanRedo reports whether a later entry exists.
func (s *Stack) CanRedo() bool { return s.cursor < len(s.entries)-1 }

// Current returns the entry at the cursor.
func (s *Stack) Current() Entry { return s.entries[s.cursor] }

// Len returns the number of entries.
func (s *Stack) Len() int { return len(s.entries) }

// Cursor returns the index of the current entry.
func (s *Stack) Cursor() int { return s.cursor }

// Entries returns a copy of every entry.
func (s *Stack) Entries() []Entry {
	return append([]Entry(nil), s.entries...)
}

package canvas

import (
	"errors"
	"fmt"
	"sort"
)

var ErrInvalidSnapshot = errors.New("invalid snapshot")

// Log is the authoritative, append-only history of a room's canvas.
//
// Two undo mechanisms coexist. The global window (ActiveCount) hides the most
// recent operations from everyone regardless of author. The per-author mask
// hides individual operations that their own author undid. An operation at
// index i is visible iff i < ActiveCount and it is not masked.
//
// Every successful mutation bumps Revision by exactly one; no-ops leave it
// alone. Log is not safe for concurrent use; the owning room serializes
// access.
type Log struct {
	ops      []Operation
	active   int
	revision uint64

	// masked[i] mirrors membership of i in hidden[ops[i].AuthorID].
	masked []bool
	// Ascending log indices per author.
	authored map[string][]int
	hidden   map[string][]int
}

func NewLog() *Log {
	return &Log{
		authored: make(map[string][]int),
		hidden:   make(map[string][]int),
	}
}

func (l *Log) init() {
	if l.authored == nil {
		l.authored = make(map[string][]int)
	}
	if l.hidden == nil {
		l.hidden = make(map[string][]int)
	}
}

func (l *Log) Revision() uint64 { return l.revision }

func (l *Log) Len() int { return len(l.ops) }

func (l *Log) ActiveCount() int { return l.active }

// Append commits op. Any globally undone tail is discarded first, so global
// redo is no longer possible afterwards.
func (l *Log) Append(op Operation) {
	l.init()
	if l.active < len(l.ops) {
		l.truncate(l.active)
	}
	idx := len(l.ops)
	l.ops = append(l.ops, op)
	l.masked = append(l.masked, false)
	l.authored[op.AuthorID] = append(l.authored[op.AuthorID], idx)
	l.active = len(l.ops)
	l.revision++
}

// Drops every operation at index >= n along with any index bookkeeping
// pointing at them.
func (l *Log) truncate(n int) {
	touched := make(map[string]struct{})
	for _, op := range l.ops[n:] {
		touched[op.AuthorID] = struct{}{}
	}
	for author := range touched {
		l.authored[author] = cut(l.authored[author], n)
		if len(l.authored[author]) == 0 {
			delete(l.authored, author)
		}
		l.hidden[author] = cut(l.hidden[author], n)
		if len(l.hidden[author]) == 0 {
			delete(l.hidden, author)
		}
	}
	clear(l.ops[n:])
	l.ops = l.ops[:n]
	l.masked = l.masked[:n]
}

// cut keeps the entries of an ascending slice that are below n.
func cut(indices []int, n int) []int {
	return indices[:sort.SearchInts(indices, n)]
}

func (l *Log) UndoGlobal() bool {
	if l.active == 0 {
		return false
	}
	l.active--
	l.revision++
	return true
}

func (l *Log) RedoGlobal() bool {
	if l.active == len(l.ops) {
		return false
	}
	l.active++
	l.revision++
	return true
}

// UndoAuthor masks the most recent operation by author that is inside the
// active window and not already masked.
func (l *Log) UndoAuthor(author string) bool {
	l.init()
	own := l.authored[author]
	for j := sort.SearchInts(own, l.active) - 1; j >= 0; j-- {
		i := own[j]
		if l.masked[i] {
			continue
		}
		l.masked[i] = true
		l.hidden[author] = insertSorted(l.hidden[author], i)
		l.revision++
		return true
	}
	return false
}

// RedoAuthor unmasks the highest index the author has masked. The operation
// only becomes visible again if it is still inside the active window.
func (l *Log) RedoAuthor(author string) bool {
	h := l.hidden[author]
	if len(h) == 0 {
		return false
	}
	i := h[len(h)-1]
	if len(h) == 1 {
		delete(l.hidden, author)
	} else {
		l.hidden[author] = h[:len(h)-1]
	}
	l.masked[i] = false
	l.revision++
	return true
}

func insertSorted(s []int, v int) []int {
	i := sort.SearchInts(s, v)
	s = append(s, 0)
	copy(s[i+1:], s[i:])
	s[i] = v
	return s
}

func (l *Log) IsVisible(i int) bool {
	return i >= 0 && i < l.active && !l.masked[i]
}

// Visible returns the render set, in log order.
func (l *Log) Visible() []Operation {
	out := make([]Operation, 0, l.active)
	for i := 0; i < l.active; i++ {
		if !l.masked[i] {
			out = append(out, l.ops[i])
		}
	}
	return out
}

func (l *Log) VisibleCount() int {
	n := 0
	for i := 0; i < l.active; i++ {
		if !l.masked[i] {
			n++
		}
	}
	return n
}

// Hidden returns a copy of the indices author has masked, ascending.
func (l *Log) Hidden(author string) []int {
	return append([]int(nil), l.hidden[author]...)
}

// Snapshot is the full-state transfer form of a Log.
type Snapshot struct {
	Operations  []Operation      `json:"operations"`
	ActiveCount int              `json:"activeCount"`
	Hidden      map[string][]int `json:"hidden"`
}

func (l *Log) Snapshot() Snapshot {
	s := Snapshot{
		Operations:  append([]Operation{}, l.ops...),
		ActiveCount: l.active,
		Hidden:      make(map[string][]int, len(l.hidden)),
	}
	for author, idx := range l.hidden {
		s.Hidden[author] = append([]int(nil), idx...)
	}
	return s
}

// Restore replaces the log's state with s at the given revision.
func (l *Log) Restore(s Snapshot, revision uint64) error {
	if s.ActiveCount < 0 || s.ActiveCount > len(s.Operations) {
		return fmt.Errorf("%w: active count %d out of range [0,%d]",
			ErrInvalidSnapshot, s.ActiveCount, len(s.Operations))
	}

	masked := make([]bool, len(s.Operations))
	hidden := make(map[string][]int, len(s.Hidden))
	for author, indices := range s.Hidden {
		if len(indices) == 0 {
			continue
		}
		sorted := append([]int(nil), indices...)
		sort.Ints(sorted)
		for _, i := range sorted {
			if i < 0 || i >= len(s.Operations) {
				return fmt.Errorf("%w: hidden index %d out of range", ErrInvalidSnapshot, i)
			}
			if s.Operations[i].AuthorID != author {
				return fmt.Errorf("%w: index %d is not authored by %q", ErrInvalidSnapshot, i, author)
			}
			if masked[i] {
				return fmt.Errorf("%w: duplicate hidden index %d", ErrInvalidSnapshot, i)
			}
			masked[i] = true
		}
		hidden[author] = sorted
	}

	authored := make(map[string][]int)
	for i, op := range s.Operations {
		authored[op.AuthorID] = append(authored[op.AuthorID], i)
	}

	l.ops = append([]Operation{}, s.Operations...)
	l.active = s.ActiveCount
	l.masked = masked
	l.authored = authored
	l.hidden = hidden
	l.revision = revision
	return nil
}

package history

// Snapshot is a value copy of the store state.
// Mutating a Snapshot never affects the Store it came from.
type Snapshot struct {
	Committed []Stroke
	Undone    []Stroke
}

// Store owns the two stacks of a board.
//
// Concurrency: Store is NOT safe for concurrent use. It is owned by exactly
// one sync engine, which serializes every call.
//
// Invariants:
//   - a stroke is in at most one of committed/undone
//   - Commit empties undone
//   - Undo/Redo on an empty source stack are no-ops
type Store struct {
	committed []Stroke // oldest first
	undone    []Stroke // most recently undone last

	maxCommitted int
}

// Option configures a Store.
type Option func(*Store)

// WithMaxCommitted bounds the committed stack. When exceeded, the oldest
// strokes are evicted. n <= 0 means unbounded.
func WithMaxCommitted(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.maxCommitted = n
		}
	}
}

// NewStore constructs an empty Store.
func NewStore(opts ...Option) *Store {
	s := &Store{
		committed: make([]Stroke, 0, 64),
		undone:    make([]Stroke, 0, 16),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Commit appends stroke to committed and drops all redo history.
// The caller is responsible for validating the stroke first.
func (s *Store) Commit(stroke Stroke) {
	s.committed = append(s.committed, stroke)
	clear(s.undone)
	s.undone = s.undone[:0]

	if s.maxCommitted > 0 && len(s.committed) > s.maxCommitted {
		n := copy(s.committed, s.committed[len(s.committed)-s.maxCommitted:])
		clear(s.committed[n:])
		s.committed = s.committed[:n]
	}
}

// Undo moves the newest committed stroke onto undone.
// It reports whether anything changed.
func (s *Store) Undo() bool {
	n := len(s.committed)
	if n == 0 {
		return false
	}
	last := s.committed[n-1]
	s.committed[n-1] = Stroke{}
	s.committed = s.committed[:n-1]
	s.undone = append(s.undone, last)
	return true
}

// Redo moves the newest undone stroke back onto committed.
// It reports whether anything changed.
func (s *Store) Redo() bool {
	n := len(s.undone)
	if n == 0 {
		return false
	}
	last := s.undone[n-1]
	s.undone[n-1] = Stroke{}
	s.undone = s.undone[:n-1]
	s.committed = append(s.committed, last)
	return true
}

// Clear empties both stacks unconditionally.
func (s *Store) Clear() {
	clear(s.committed)
	clear(s.undone)
	s.committed = s.committed[:0]
	s.undone = s.undone[:0]
}

// Snapshot returns a value copy of both stacks.
// Strokes are immutable, so copying the stack slices is enough.
func (s *Store) Snapshot() Snapshot {
	return Snapshot{
		Committed: append(make([]Stroke, 0, len(s.committed)), s.committed...),
		Undone:    append(make([]Stroke, 0, len(s.undone)), s.undone...),
	}
}

// Len returns the sizes of the committed and undone stacks.
func (s *Store) Len() (committed, undone int) {
	return len(s.committed), len(s.undone)
}

package state

// Journal records undo closures for every mutation made inside an Atomic
// scope. Failing scopes replay their undo entries in reverse so callers only
// ever observe state from fully before or fully after a scope.
//
// Not thread-safe: every store sharing a journal is driven by one caller at a
// time (the core serializes commands).
type Journal struct {
	entries []func()
	depth   int
}

func NewJournal() *Journal {
	return &Journal{}
}

// Record registers an undo closure. Outside an Atomic scope mutations are
// final and nothing is recorded.
func (j *Journal) Record(undo func()) {
	if j.depth == 0 {
		return
	}
	j.entries = append(j.entries, undo)
}

// InScope reports whether an Atomic scope is open.
func (j *Journal) InScope() bool {
	return j.depth > 0
}

// Len returns the number of pending undo entries.
func (j *Journal) Len() int {
	return len(j.entries)
}

// Atomic runs fn as one all-or-nothing unit. Scopes nest: an inner failure
// rolls back only the inner scope's mutations, and the caller decides whether
// the outer scope fails too. Entries are discarded once the outermost scope
// commits.
func (j *Journal) Atomic(fn func() error) (err error) {
	mark := len(j.entries)
	j.depth++

	defer func() {
		j.depth--
		if r := recover(); r != nil {
			j.revertTo(mark)
			panic(r)
		}
		if err != nil {
			j.revertTo(mark)
			return
		}
		if j.depth == 0 {
			j.entries = j.entries[:0]
		}
	}()

	return fn()
}

func (j *Journal) revertTo(mark int) {
	for i := len(j.entries) - 1; i >= mark; i-- {
		j.entries[i]()
		j.entries[i] = nil
	}
	j.entries = j.entries[:mark]
}

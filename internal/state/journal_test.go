package state_test

import (
	"errors"
	"testing"

	"IsoLedger/internal/state"
)

type counter struct {
	j *state.Journal
	n int
}

func (c *counter) set(v int) {
	prev := c.n
	c.j.Record(func() { c.n = prev })
	c.n = v
}

var errBoom = errors.New("boom")

func TestJournal_CommitKeepsMutations(t *testing.T) {
	c := &counter{j: state.NewJournal()}

	err := c.j.Atomic(func() error {
		c.set(1)
		c.set(2)
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.n != 2 {
		t.Errorf("got %d, want 2", c.n)
	}
	if c.j.Len() != 0 {
		t.Errorf("committed journal should be empty, has %d entries", c.j.Len())
	}
}

func TestJournal_FailureRevertsEverything(t *testing.T) {
	c := &counter{j: state.NewJournal()}
	c.set(7) // outside a scope: final

	err := c.j.Atomic(func() error {
		c.set(8)
		c.set(9)
		return errBoom
	})
	if !errors.Is(err, errBoom) {
		t.Fatalf("got %v, want errBoom", err)
	}
	if c.n != 7 {
		t.Errorf("got %d, want 7", c.n)
	}
}

func TestJournal_InnerFailureRevertsInnerOnly(t *testing.T) {
	c := &counter{j: state.NewJournal()}

	err := c.j.Atomic(func() error {
		c.set(1)
		if err := c.j.Atomic(func() error {
			c.set(2)
			return errBoom
		}); err == nil {
			t.Error("inner scope should fail")
		}
		if c.n != 1 {
			t.Errorf("after inner revert: got %d, want 1", c.n)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.n != 1 {
		t.Errorf("got %d, want 1", c.n)
	}
}

func TestJournal_OuterFailureRevertsCommittedInner(t *testing.T) {
	c := &counter{j: state.NewJournal()}

	_ = c.j.Atomic(func() error {
		_ = c.j.Atomic(func() error {
			c.set(5)
			return nil
		})
		return errBoom
	})
	if c.n != 0 {
		t.Errorf("got %d, want 0", c.n)
	}
}

func TestJournal_PanicRevertsAndPropagates(t *testing.T) {
	c := &counter{j: state.NewJournal()}

	defer func() {
		if recover() == nil {
			t.Fatal("panic should propagate")
		}
		if c.n != 0 {
			t.Errorf("got %d, want 0", c.n)
		}
		if c.j.InScope() {
			t.Error("journal scope should be closed after panic")
		}
	}()

	_ = c.j.Atomic(func() error {
		c.set(3)
		panic("invariant violated")
	})
}

package clock

import "testing"

func TestLamportTickAndObserve(t *testing.T) {
	l := NewLamportWithReplicaID("replica-a")

	if got := l.Tick(); got != 1 {
		t.Fatalf("first tick = %d, want 1", got)
	}
	if got := l.Tick(); got != 2 {
		t.Fatalf("second tick = %d, want 2", got)
	}

	// Observing a remote timestamp ahead of us jumps past it.
	if got := l.Observe(10); got != 11 {
		t.Fatalf("observe(10) = %d, want 11", got)
	}

	// Observing a stale timestamp still advances by one.
	if got := l.Observe(3); got != 12 {
		t.Fatalf("observe(3) = %d, want 12", got)
	}

	if got := l.Now(); got != 12 {
		t.Fatalf("now = %d, want 12", got)
	}
}

func TestVectorCompare(t *testing.T) {
	tests := []struct {
		name string
		a, b Vector
		want Ordering
	}{
		{"both empty", Vector{}, Vector{}, OrderEqual},
		{"identical", Vector{"a": 2, "b": 1}, Vector{"a": 2, "b": 1}, OrderEqual},
		{"strictly before", Vector{"a": 1}, Vector{"a": 2}, OrderBefore},
		{"before with missing entry", Vector{"a": 1}, Vector{"a": 1, "b": 3}, OrderBefore},
		{"strictly after", Vector{"a": 2, "b": 1}, Vector{"a": 1}, OrderAfter},
		{"concurrent", Vector{"a": 2}, Vector{"b": 2}, OrderConcurrent},
		{"concurrent mixed", Vector{"a": 2, "b": 1}, Vector{"a": 1, "b": 2}, OrderConcurrent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.a.Compare(tt.b); got != tt.want {
				t.Fatalf("Compare = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestVectorCompareIsAntisymmetric(t *testing.T) {
	a := Vector{"a": 3, "b": 1}
	b := Vector{"a": 3, "b": 4}

	if a.Compare(b) != OrderBefore {
		t.Fatalf("a should happen before b")
	}
	if b.Compare(a) != OrderAfter {
		t.Fatalf("b should happen after a")
	}
}

func TestVectorMergeIsEntryWiseMax(t *testing.T) {
	a := Vector{"a": 3, "b": 1}
	b := Vector{"b": 5, "c": 2}

	m := a.Merged(b)
	want := Vector{"a": 3, "b": 5, "c": 2}
	for id, n := range want {
		if m[id] != n {
			t.Fatalf("merged[%s] = %d, want %d", id, m[id], n)
		}
	}

	// The receiver is untouched.
	if a["b"] != 1 {
		t.Fatalf("Merged mutated receiver")
	}

	// Merge is commutative.
	m2 := b.Merged(a)
	if m.Compare(m2) != OrderEqual {
		t.Fatalf("merge not commutative: %v vs %v", m, m2)
	}

	// And idempotent.
	m3 := m.Merged(m)
	if m.Compare(m3) != OrderEqual {
		t.Fatalf("merge not idempotent")
	}
}

func TestVectorDominates(t *testing.T) {
	a := Vector{"a": 3, "b": 2}

	if !a.Dominates(Vector{"a": 1}) {
		t.Fatalf("expected domination of subset clock")
	}
	if !a.Dominates(Vector{"a": 3, "b": 2}) {
		t.Fatalf("expected domination of equal clock")
	}
	if a.Dominates(Vector{"c": 1}) {
		t.Fatalf("should not dominate clock with unseen replica")
	}
}

func TestVectorTickAndClone(t *testing.T) {
	v := NewVector()
	v.Tick("a")
	v.Tick("a")
	v.Tick("b")

	c := v.Clone()
	c.Tick("a")

	if v.Get("a") != 2 {
		t.Fatalf("clone mutation leaked into original")
	}
	if c.Get("a") != 3 {
		t.Fatalf("clone tick = %d, want 3", c.Get("a"))
	}
}

package piecetable

import (
	"math/rand"
	"strings"
	"testing"
)

func TestEmptyTable(t *testing.T) {
	pt := New("")
	if pt.Len() != 0 {
		t.Fatalf("expected empty table, got length %d", pt.Len())
	}
	if pt.Text() != "" {
		t.Fatalf("expected empty text, got %q", pt.Text())
	}
	if err := pt.Insert(0, "hello"); err != nil {
		t.Fatalf("insert into empty table: %v", err)
	}
	if pt.Text() != "hello" {
		t.Fatalf("expected %q, got %q", "hello", pt.Text())
	}
}

func TestInsertSplitsPiece(t *testing.T) {
	pt := New("Hello world")
	if err := pt.Insert(5, ", cruel"); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if got := pt.Text(); got != "Hello, cruel world" {
		t.Fatalf("expected %q, got %q", "Hello, cruel world", got)
	}
	if err := pt.Insert(pt.Len(), "!"); err != nil {
		t.Fatalf("append insert: %v", err)
	}
	if got := pt.Text(); got != "Hello, cruel world!" {
		t.Fatalf("expected trailing insert, got %q", got)
	}
	if err := pt.Insert(0, ">> "); err != nil {
		t.Fatalf("prefix insert: %v", err)
	}
	if got := pt.Text(); got != ">> Hello, cruel world!" {
		t.Fatalf("expected prefix insert, got %q", got)
	}
}

func TestInsertOutOfBounds(t *testing.T) {
	pt := New("abc")
	if err := pt.Insert(4, "x"); err != ErrOutOfBounds {
		t.Fatalf("expected ErrOutOfBounds, got %v", err)
	}
	if err := pt.Insert(-1, "x"); err != ErrOutOfBounds {
		t.Fatalf("expected ErrOutOfBounds for negative pos, got %v", err)
	}
}

func TestDeleteSpanningPieces(t *testing.T) {
	pt := New("Hello world")
	if err := pt.Insert(5, " big"); err != nil {
		t.Fatalf("insert: %v", err)
	}
	// "Hello big world" across three pieces; delete " big wor".
	if err := pt.Delete(5, 8); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if got := pt.Text(); got != "Hellold" {
		t.Fatalf("expected %q, got %q", "Hellold", got)
	}
}

func TestDeleteClampsLength(t *testing.T) {
	pt := New("short")
	if err := pt.Delete(2, 100); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if got := pt.Text(); got != "sh" {
		t.Fatalf("expected clamped delete, got %q", got)
	}
}

func TestRange(t *testing.T) {
	pt := New("Hello")
	pt.Insert(5, " world")
	cases := []struct {
		start, n int
		want     string
	}{
		{0, 5, "Hello"},
		{3, 5, "lo wo"},
		{6, 100, "world"},
		{11, 5, ""},
		{-1, 5, ""},
	}
	for _, tc := range cases {
		if got := pt.Range(tc.start, tc.n); got != tc.want {
			t.Fatalf("Range(%d, %d): expected %q, got %q", tc.start, tc.n, got, tc.want)
		}
	}
}

func TestInsertDeleteRoundTrip(t *testing.T) {
	pt := New("The quick brown fox.")
	before := pt.Text()
	if err := pt.Insert(4, "very "); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := pt.Delete(4, len("very ")); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if got := pt.Text(); got != before {
		t.Fatalf("expected round trip to restore %q, got %q", before, got)
	}
}

func TestSnapshotRestore(t *testing.T) {
	pt := New("v1 content.")
	snap := pt.Snapshot()
	pt.Insert(0, "prefix ")
	pt.Delete(10, 4)
	pt.Insert(pt.Len(), " suffix")
	pt.Restore(snap)
	if got := pt.Text(); got != "v1 content." {
		t.Fatalf("expected snapshot restore, got %q", got)
	}
}

func TestOlderSnapshotsSurviveNewerEdits(t *testing.T) {
	pt := New("base")
	s1 := pt.Snapshot()
	pt.Insert(4, " one")
	s2 := pt.Snapshot()
	pt.Insert(8, " two")

	pt.Restore(s1)
	if got := pt.Text(); got != "base" {
		t.Fatalf("expected oldest snapshot, got %q", got)
	}
	pt.Restore(s2)
	if got := pt.Text(); got != "base one" {
		t.Fatalf("expected middle snapshot, got %q", got)
	}
}

// Mirrors edits against a flat buffer to check the table agrees with
// naive mutation for arbitrary operation sequences.
func TestAgainstFlatBuffer(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	pt := New("In the beginning. There was text!")
	flat := "In the beginning. There was text!"

	words := []string{"alpha ", "b", " gamma", "delta.", "?! "}
	for i := 0; i < 500; i++ {
		if rng.Intn(2) == 0 {
			pos := rng.Intn(len(flat) + 1)
			word := words[rng.Intn(len(words))]
			if err := pt.Insert(pos, word); err != nil {
				t.Fatalf("insert %d: %v", i, err)
			}
			flat = flat[:pos] + word + flat[pos:]
		} else if len(flat) > 0 {
			pos := rng.Intn(len(flat))
			n := rng.Intn(8) + 1
			if err := pt.Delete(pos, n); err != nil {
				t.Fatalf("delete %d: %v", i, err)
			}
			end := pos + n
			if end > len(flat) {
				end = len(flat)
			}
			flat = flat[:pos] + flat[end:]
		}
		if pt.Len() != len(flat) {
			t.Fatalf("iteration %d: length mismatch %d != %d", i, pt.Len(), len(flat))
		}
	}
	if got := pt.Text(); got != flat {
		t.Fatalf("divergence after edits:\n table: %q\n flat:  %q", got, flat)
	}
	if !strings.Contains(pt.Range(0, pt.Len()), pt.Range(0, 1)) && pt.Len() > 0 {
		t.Fatalf("range consistency check failed")
	}
}

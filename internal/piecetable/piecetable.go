// Package piecetable implements the append-only text buffer backing
// every open document. Content is an ordered sequence of pieces that
// reference two buffers: the immutable original content and an
// append-only add buffer. Edits never move existing bytes; they only
// rewrite the piece sequence, which makes snapshots cheap and keeps
// older snapshots restorable because the add buffer only grows.
package piecetable

import (
	"errors"
	"strings"
	"sync"
)

// ErrOutOfBounds reports an insert or delete position outside the
// current logical text.
var ErrOutOfBounds = errors.New("piecetable: position out of bounds")

type bufferKind uint8

const (
	bufOriginal bufferKind = iota
	bufAdd
)

type piece struct {
	buf    bufferKind
	start  int
	length int
}

// Table is a piece-table text buffer. Concurrent readers and a single
// writer are serialised by an internal reader/writer lock.
type Table struct {
	mu       sync.RWMutex
	original []byte
	add      []byte
	pieces   []piece
	length   int
}

// Snapshot captures the piece sequence and the add-buffer length at a
// point in time. Restoring it reinstates the sequence; the add buffer
// itself is never truncated, so any older snapshot stays valid.
type Snapshot struct {
	pieces []piece
	addLen int
}

// New builds a table holding the supplied initial content.
func New(content string) *Table {
	t := &Table{original: []byte(content)}
	if len(content) > 0 {
		t.pieces = []piece{{buf: bufOriginal, start: 0, length: len(content)}}
		t.length = len(content)
	}
	return t
}

// Len returns the number of bytes in the logical text.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.length
}

func (t *Table) bufferFor(p piece) []byte {
	if p.buf == bufAdd {
		return t.add[p.start : p.start+p.length]
	}
	return t.original[p.start : p.start+p.length]
}

// Text materialises the full logical text.
func (t *Table) Text() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.textLocked()
}

func (t *Table) textLocked() string {
	var sb strings.Builder
	sb.Grow(t.length)
	for _, p := range t.pieces {
		sb.Write(t.bufferFor(p))
	}
	return sb.String()
}

// Range returns up to n bytes of logical text starting at start. The
// count is clamped to the remaining text; a start beyond the end
// returns the empty string.
func (t *Table) Range(start, n int) string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if start < 0 || start >= t.length || n <= 0 {
		return ""
	}
	if start+n > t.length {
		n = t.length - start
	}
	var sb strings.Builder
	sb.Grow(n)
	pos := 0
	for _, p := range t.pieces {
		if n == 0 {
			break
		}
		end := pos + p.length
		if end <= start {
			pos = end
			continue
		}
		from := 0
		if start > pos {
			from = start - pos
		}
		take := p.length - from
		if take > n {
			take = n
		}
		sb.Write(t.bufferFor(p)[from : from+take])
		n -= take
		pos = end
	}
	return sb.String()
}

// Insert places text at logical position pos. A piece-interior insert
// splits the affected piece into left, new, and right.
func (t *Table) Insert(pos int, text string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if pos < 0 || pos > t.length {
		return ErrOutOfBounds
	}
	if text == "" {
		return nil
	}
	added := piece{buf: bufAdd, start: len(t.add), length: len(text)}
	t.add = append(t.add, text...)

	out := make([]piece, 0, len(t.pieces)+2)
	inserted := false
	cur := 0
	for _, p := range t.pieces {
		if inserted || pos > cur+p.length {
			out = append(out, p)
			cur += p.length
			continue
		}
		at := pos - cur
		if at > 0 {
			out = append(out, piece{buf: p.buf, start: p.start, length: at})
		}
		out = append(out, added)
		if at < p.length {
			out = append(out, piece{buf: p.buf, start: p.start + at, length: p.length - at})
		}
		inserted = true
		cur += p.length
	}
	if !inserted {
		// Empty table, or pos == length with no trailing piece matched.
		out = append(out, added)
	}
	t.pieces = out
	t.length += len(text)
	return nil
}

// Delete removes up to n bytes starting at pos, clamping n to the
// remaining text. A deletion spanning pieces leaves at most one left
// and one right remnant.
func (t *Table) Delete(pos, n int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if pos < 0 || pos > t.length {
		return ErrOutOfBounds
	}
	if n <= 0 || pos == t.length {
		return nil
	}
	if pos+n > t.length {
		n = t.length - pos
	}
	end := pos + n

	out := make([]piece, 0, len(t.pieces)+1)
	cur := 0
	for _, p := range t.pieces {
		pEnd := cur + p.length
		switch {
		case pEnd <= pos || cur >= end:
			out = append(out, p)
		default:
			if cur < pos {
				out = append(out, piece{buf: p.buf, start: p.start, length: pos - cur})
			}
			if pEnd > end {
				cut := end - cur
				out = append(out, piece{buf: p.buf, start: p.start + cut, length: p.length - cut})
			}
		}
		cur = pEnd
	}
	t.pieces = out
	t.length -= n
	return nil
}

// Snapshot captures the current piece sequence for later Restore.
func (t *Table) Snapshot() Snapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()
	pieces := make([]piece, len(t.pieces))
	copy(pieces, t.pieces)
	return Snapshot{pieces: pieces, addLen: len(t.add)}
}

// Restore reinstates a previously captured piece sequence. The add
// buffer is left intact, so snapshots taken after snap remain valid
// as well.
func (t *Table) Restore(snap Snapshot) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pieces = make([]piece, len(snap.pieces))
	copy(t.pieces, snap.pieces)
	length := 0
	for _, p := range t.pieces {
		length += p.length
	}
	t.length = length
}

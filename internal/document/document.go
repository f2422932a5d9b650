// Package document layers a sentence index with per-sentence write
// locks over a piece-table text buffer. Storage servers hold one
// Document per open file.
package document

import (
	"errors"
	"sync"

	"pkt.systems/scrivd/internal/piecetable"
)

var (
	// ErrSentenceNotFound reports a sentence id or index with no match.
	ErrSentenceNotFound = errors.New("document: no such sentence")
	// ErrSentenceLocked reports a lock attempt on a sentence held by
	// another user.
	ErrSentenceLocked = errors.New("document: sentence locked")
	// ErrNotLockHolder reports an unlock or edit by a user that does
	// not hold the sentence lock.
	ErrNotLockHolder = errors.New("document: lock not held by user")
	// ErrDocumentBusy reports a whole-document restore while any
	// sentence is locked.
	ErrDocumentBusy = errors.New("document: sentence locks outstanding")
)

// Sentence is one half-open interval of the materialised text. Start
// includes any whitespace lead inherited from the previous delimiter;
// TextStart is where the visible sentence begins. Each sentence owns
// the mutex guarding its lock state.
type Sentence struct {
	ID        int64
	Start     int
	TextStart int
	End       int

	mu       sync.Mutex
	locked   bool
	lockedBy string
}

// Document pairs a piece table with an ordered sentence index. The
// structural reader/writer lock protects the sentence slice; lock-state
// changes take only the per-sentence mutex.
type Document struct {
	mu        sync.RWMutex
	table     *piecetable.Table
	sentences []*Sentence
	nextID    int64
}

// Snapshot captures the full document state for undo.
type Snapshot struct {
	table piecetable.Snapshot
}

// Open builds a document around the supplied content.
func Open(content string) *Document {
	d := &Document{table: piecetable.New(content)}
	d.reparse(nil)
	return d
}

// Text materialises the full document.
func (d *Document) Text() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.table.Text()
}

// Len returns the logical text length in bytes.
func (d *Document) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.table.Len()
}

// SentenceCount returns the number of sentences in the index.
func (d *Document) SentenceCount() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.sentences)
}

// IDByIndex resolves the stable id of the i-th sentence.
func (d *Document) IDByIndex(i int) (int64, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if i < 0 || i >= len(d.sentences) {
		return 0, ErrSentenceNotFound
	}
	return d.sentences[i].ID, nil
}

// SentenceText returns the visible text of the identified sentence.
func (d *Document) SentenceText(id int64) (string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	s := d.byID(id)
	if s == nil {
		return "", ErrSentenceNotFound
	}
	return d.table.Range(s.TextStart, s.End-s.TextStart), nil
}

// Sentences returns the visible text of every sentence in order.
func (d *Document) Sentences() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]string, len(d.sentences))
	for i, s := range d.sentences {
		out[i] = d.table.Range(s.TextStart, s.End-s.TextStart)
	}
	return out
}

func (d *Document) byID(id int64) *Sentence {
	for _, s := range d.sentences {
		if s.ID == id {
			return s
		}
	}
	return nil
}

// Lock attempts to take the sentence lock for user. Re-locking a
// sentence already held by the same user is idempotent. The attempt
// never blocks: a sentence held by another user fails immediately with
// ErrSentenceLocked. The structural lock is held until the sentence
// lock is taken, so a concurrent Edit's reparse cannot discard the
// sentence between resolution and the state change.
func (d *Document) Lock(id int64, user string) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	s := d.byID(id)
	if s == nil {
		return ErrSentenceNotFound
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.locked && s.lockedBy != user {
		return ErrSentenceLocked
	}
	s.locked = true
	s.lockedBy = user
	return nil
}

// Unlock releases the sentence lock held by user.
func (d *Document) Unlock(id int64, user string) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	s := d.byID(id)
	if s == nil {
		return ErrSentenceNotFound
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.locked || s.lockedBy != user {
		return ErrNotLockHolder
	}
	s.locked = false
	s.lockedBy = ""
	return nil
}

// LockedBy reports the current holder of the sentence lock, if any.
func (d *Document) LockedBy(id int64) (string, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	s := d.byID(id)
	if s == nil {
		return "", false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.locked {
		return "", false
	}
	return s.lockedBy, true
}

// AnyLocked reports whether any sentence lock is outstanding.
func (d *Document) AnyLocked() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, s := range d.sentences {
		s.mu.Lock()
		locked := s.locked
		s.mu.Unlock()
		if locked {
			return true
		}
	}
	return false
}

// ReleaseAll drops every sentence lock held by user. Used when a write
// session's connection dies without an explicit unlock.
func (d *Document) ReleaseAll(user string) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, s := range d.sentences {
		s.mu.Lock()
		if s.locked && s.lockedBy == user {
			s.locked = false
			s.lockedBy = ""
		}
		s.mu.Unlock()
	}
}

// Edit replaces the visible text of the identified sentence and
// rebuilds the sentence index. The caller must hold the sentence lock.
// Every outstanding lock, held by this user or any other, carries over
// to the sentence occupying the same position in the rebuilt index, so
// concurrent sessions on other sentences keep their ids and holders.
func (d *Document) Edit(id int64, newText, user string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	s := d.byID(id)
	if s == nil {
		return ErrSentenceNotFound
	}
	s.mu.Lock()
	held := s.locked && s.lockedBy == user
	s.mu.Unlock()
	if !held {
		return ErrNotLockHolder
	}
	delta := len(newText) - (s.End - s.TextStart)
	var carries []carryLock
	for _, o := range d.sentences {
		o.mu.Lock()
		if o.locked {
			start := o.Start
			// Sentences beyond the edit shift by the length change.
			if o.Start > s.Start {
				start += delta
			}
			carries = append(carries, carryLock{id: o.ID, start: start, user: o.lockedBy})
		}
		o.mu.Unlock()
	}
	if err := d.table.Delete(s.TextStart, s.End-s.TextStart); err != nil {
		return err
	}
	if err := d.table.Insert(s.TextStart, newText); err != nil {
		return err
	}
	d.reparse(carries)
	return nil
}

// Snapshot captures the document for later Restore.
func (d *Document) Snapshot() Snapshot {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return Snapshot{table: d.table.Snapshot()}
}

// Restore reinstates a snapshot and rebuilds the sentence index. It
// fails while any sentence lock is outstanding.
func (d *Document) Restore(snap Snapshot) error {
	if d.AnyLocked() {
		return ErrDocumentBusy
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.table.Restore(snap.table)
	d.reparse(nil)
	return nil
}

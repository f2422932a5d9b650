package storageserver

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"pkt.systems/scrivd/api"
)

// WriteSession pins exactly one sentence of one file for one user for
// the duration of a LOCK..UNLOCK exchange. Sessions created on a
// client connection carry that connection's id and are torn down when
// it closes; sessions created by replication forwards have no
// connection binding and live until the replicated unlock arrives.
type WriteSession struct {
	ID            string
	File          string
	User          string
	SentenceID    int64
	SentenceIndex int32
	ConnID        string
	Started       time.Time

	// InitialText is the sentence's visible text at lock time; an
	// aborted or abandoned session rolls the sentence back to it.
	InitialText string
	// Dirty is set once the session has edited the sentence.
	Dirty bool
}

type sessionKey struct {
	file string
	user string
}

type sessionRegistry struct {
	mu       sync.Mutex
	sessions map[sessionKey]*WriteSession
}

func newSessionRegistry() *sessionRegistry {
	return &sessionRegistry{sessions: make(map[sessionKey]*WriteSession)}
}

// begin records a new session for (file, user). An existing session by
// the same user on the same file is replaced; the document layer's
// idempotent re-lock keeps that safe.
func (r *sessionRegistry) begin(file, user string, sentenceID int64, sentenceIdx int32, connID, initialText string, now time.Time) *WriteSession {
	sess := &WriteSession{
		ID:            uuid.NewString(),
		File:          file,
		User:          user,
		SentenceID:    sentenceID,
		SentenceIndex: sentenceIdx,
		ConnID:        connID,
		Started:       now,
		InitialText:   initialText,
	}
	r.mu.Lock()
	r.sessions[sessionKey{file, user}] = sess
	r.mu.Unlock()
	return sess
}

// lookup finds the active session for (file, user).
func (r *sessionRegistry) lookup(file, user string) (*WriteSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.sessions[sessionKey{file, user}]
	if !ok {
		return nil, api.Failf(api.ErrPermissionDenied, "no active write session for %s on %q", user, file)
	}
	return sess, nil
}

// markDirty records that the session for (file, user) has edited its
// sentence.
func (r *sessionRegistry) markDirty(file, user string) {
	r.mu.Lock()
	if sess, ok := r.sessions[sessionKey{file, user}]; ok {
		sess.Dirty = true
	}
	r.mu.Unlock()
}

// end removes the session for (file, user).
func (r *sessionRegistry) end(file, user string) {
	r.mu.Lock()
	delete(r.sessions, sessionKey{file, user})
	r.mu.Unlock()
}

// endConn removes and returns every session bound to the connection,
// so the caller can roll back the sentences and release their locks.
func (r *sessionRegistry) endConn(connID string) []*WriteSession {
	if connID == "" {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*WriteSession
	for key, sess := range r.sessions {
		if sess.ConnID == connID {
			out = append(out, sess)
			delete(r.sessions, key)
		}
	}
	return out
}

// activeOn reports whether any session currently pins the file.
func (r *sessionRegistry) activeOn(file string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for key := range r.sessions {
		if key.file == file {
			return true
		}
	}
	return false
}

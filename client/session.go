package client

import (
	"net"

	"pkt.systems/scrivd/api"
)

// EditSession is one LOCK -> WRITE_WORD* -> UNLOCK exchange. The
// sentence lock lives exactly as long as the underlying connection:
// committing persists the edits and releases the lock, closing the
// connection without committing abandons them on the server side.
type EditSession struct {
	conn     net.Conn
	user     string
	file     string
	sentence int32
	done     bool
}

// Edit asks the name server for a write referral, connects to the
// storage server, and locks the sentence at the given index. The
// returned session must be finished with Commit or Abort.
func (c *Client) Edit(file string, sentence int) (*EditSession, error) {
	addr, err := c.refer(api.OpWrite, file)
	if err != nil {
		return nil, err
	}
	conn, err := c.dialSS(addr)
	if err != nil {
		return nil, err
	}
	s := &EditSession{conn: conn, user: c.opts.Username, file: file, sentence: int32(sentence)}
	if _, err := s.exchange(api.Header{Op: api.OpSSWriteLock, SentenceIndex: s.sentence}, nil); err != nil {
		conn.Close()
		return nil, err
	}
	return s, nil
}

func (s *EditSession) exchange(h api.Header, payload []byte) (*api.Message, error) {
	h.Type = api.MsgRequest
	h.Username = s.user
	h.Filename = s.file
	if err := api.WriteMessage(s.conn, h, payload); err != nil {
		return nil, api.Failf(api.ErrNetworkError, "send edit: %v", err)
	}
	msg, err := api.ReadMessage(s.conn)
	if err != nil {
		return nil, api.Failf(api.ErrNetworkError, "read edit answer: %v", err)
	}
	if msg.Header.Type == api.MsgError {
		return nil, api.Failure{Code: msg.Header.ErrorCode, Detail: string(msg.Payload)}
	}
	return msg, nil
}

// ReplaceWord swaps the word at the given whitespace-split index
// within the locked sentence.
func (s *EditSession) ReplaceWord(wordIndex int, word string) error {
	_, err := s.exchange(api.Header{
		Op:            api.OpSSWriteWord,
		SentenceIndex: s.sentence,
		WordIndex:     int32(wordIndex),
	}, []byte(word))
	return err
}

// ReplaceSentence swaps the entire locked sentence's text.
func (s *EditSession) ReplaceSentence(text string) error {
	_, err := s.exchange(api.Header{
		Op:            api.OpSSWriteWord,
		SentenceIndex: s.sentence,
		WordIndex:     api.WholeSentence,
	}, []byte(text))
	return err
}

// Commit persists the edited document, releases the sentence lock,
// and closes the connection.
func (s *EditSession) Commit() error {
	if s.done {
		return nil
	}
	s.done = true
	_, err := s.exchange(api.Header{Op: api.OpSSWriteUnlock, SentenceIndex: s.sentence}, nil)
	s.conn.Close()
	return err
}

// Abort discards the session's edits: the storage server rolls the
// sentence back to its lock-time text and releases the lock. Closing
// the connection without committing has the same effect server-side,
// so the discard exchange is best effort.
func (s *EditSession) Abort() error {
	if s.done {
		return nil
	}
	s.done = true
	_, _ = s.exchange(api.Header{
		Op:            api.OpSSWriteUnlock,
		SentenceIndex: s.sentence,
		Flags:         api.FlagDiscard,
	}, nil)
	return s.conn.Close()
}

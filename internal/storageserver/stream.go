package storageserver

import (
	"errors"
	"io"
	"strings"
	"time"

	"pkt.systems/scrivd/api"
)

// streamPacing is the delay between emitted words, roughly 10 Hz.
const streamPacing = 100 * time.Millisecond

// handleStream tokenises the file on whitespace and emits one word per
// RESPONSE frame, paced, terminated by a STOP frame. Streaming is
// read-only and takes no document locks; the client cancels by closing
// the socket, which surfaces here as a write error.
func (s *Server) handleStream(conn io.Writer, h api.Header) error {
	data, err := s.store.Read(h.Filename)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return api.Failf(api.ErrFileNotFound, "%q not found", h.Filename)
		}
		return err
	}
	if len(data) == 0 {
		return api.Failf(api.ErrFileEmpty, "%q is empty", h.Filename)
	}
	words := strings.Fields(string(data))
	for i, word := range words {
		if err := api.WriteMessage(conn, api.Header{
			Type:     api.MsgResponse,
			Op:       h.Op,
			Filename: h.Filename,
		}, []byte(word)); err != nil {
			s.logger.Debug("stream.cancelled", "file", h.Filename, "at_word", i, "error", err)
			return nil
		}
		s.clock.Sleep(streamPacing)
	}
	_ = api.WriteMessage(conn, api.Header{Type: api.MsgStop, Op: h.Op, Filename: h.Filename}, nil)
	s.logger.Info("stream.complete", "file", h.Filename, "words", len(words))
	return nil
}

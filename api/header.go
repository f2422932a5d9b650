package api

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// Fixed field widths in the wire header.
const (
	UsernameLen   = 64
	FilenameLen   = 256
	FoldernameLen = 256
	TagLen        = 64

	// HeaderSize is the exact number of bytes every frame starts with.
	HeaderSize = 4 + 4 + UsernameLen + FilenameLen + FoldernameLen + TagLen + 4 + 4 + 4 + 4 + 4
)

// MaxPayload bounds a frame payload so a corrupt or hostile peer cannot
// make a reader allocate without limit.
const MaxPayload = 64 << 20

// Header is the fixed-size preamble shared by every message on every
// control channel. String fields travel as NUL-terminated fixed-width
// byte arrays; integers are little-endian at fixed offsets.
type Header struct {
	Type          MsgType
	Op            Op
	Username      string
	Filename      string
	Foldername    string
	CheckpointTag string
	DataLength    int32
	ErrorCode     ErrCode
	SentenceIndex int32
	WordIndex     int32
	Flags         int32
}

// Message pairs a decoded header with its payload.
type Message struct {
	Header  Header
	Payload []byte
}

func putString(dst []byte, s string) error {
	if len(s) >= len(dst) {
		return fmt.Errorf("api: string %q exceeds field width %d", s, len(dst))
	}
	copy(dst, s)
	for i := len(s); i < len(dst); i++ {
		dst[i] = 0
	}
	return nil
}

func getString(src []byte) string {
	if i := bytes.IndexByte(src, 0); i >= 0 {
		src = src[:i]
	}
	return string(src)
}

// Encode serialises the header into its fixed wire layout.
func (h *Header) Encode() ([]byte, error) {
	buf := make([]byte, HeaderSize)
	le := binary.LittleEndian

	le.PutUint32(buf[0:], uint32(h.Type))
	le.PutUint32(buf[4:], uint32(h.Op))
	off := 8
	if err := putString(buf[off:off+UsernameLen], h.Username); err != nil {
		return nil, err
	}
	off += UsernameLen
	if err := putString(buf[off:off+FilenameLen], h.Filename); err != nil {
		return nil, err
	}
	off += FilenameLen
	if err := putString(buf[off:off+FoldernameLen], h.Foldername); err != nil {
		return nil, err
	}
	off += FoldernameLen
	if err := putString(buf[off:off+TagLen], h.CheckpointTag); err != nil {
		return nil, err
	}
	off += TagLen
	le.PutUint32(buf[off:], uint32(h.DataLength))
	le.PutUint32(buf[off+4:], uint32(h.ErrorCode))
	le.PutUint32(buf[off+8:], uint32(h.SentenceIndex))
	le.PutUint32(buf[off+12:], uint32(h.WordIndex))
	le.PutUint32(buf[off+16:], uint32(h.Flags))
	return buf, nil
}

// DecodeHeader parses a fixed-size header from buf.
func DecodeHeader(buf []byte) (Header, error) {
	if len(buf) < HeaderSize {
		return Header{}, fmt.Errorf("api: short header: %d bytes", len(buf))
	}
	le := binary.LittleEndian
	var h Header
	h.Type = MsgType(int32(le.Uint32(buf[0:])))
	h.Op = Op(int32(le.Uint32(buf[4:])))
	off := 8
	h.Username = getString(buf[off : off+UsernameLen])
	off += UsernameLen
	h.Filename = getString(buf[off : off+FilenameLen])
	off += FilenameLen
	h.Foldername = getString(buf[off : off+FoldernameLen])
	off += FoldernameLen
	h.CheckpointTag = getString(buf[off : off+TagLen])
	off += TagLen
	h.DataLength = int32(le.Uint32(buf[off:]))
	h.ErrorCode = ErrCode(int32(le.Uint32(buf[off+4:])))
	h.SentenceIndex = int32(le.Uint32(buf[off+8:]))
	h.WordIndex = int32(le.Uint32(buf[off+12:]))
	h.Flags = int32(le.Uint32(buf[off+16:]))
	return h, nil
}

// WriteMessage frames the message onto w: header first, then exactly
// DataLength payload bytes. DataLength is forced to len(payload).
func WriteMessage(w io.Writer, h Header, payload []byte) error {
	if len(payload) > MaxPayload {
		return fmt.Errorf("api: payload of %d bytes exceeds limit", len(payload))
	}
	h.DataLength = int32(len(payload))
	buf, err := h.Encode()
	if err != nil {
		return err
	}
	if len(payload) > 0 {
		buf = append(buf, payload...)
	}
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("api: write frame: %w", err)
	}
	return nil
}

// ReadMessage reads exactly one frame from r: the fixed header plus
// DataLength payload bytes.
func ReadMessage(r io.Reader) (*Message, error) {
	hbuf := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, hbuf); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("api: read header: %w", err)
	}
	h, err := DecodeHeader(hbuf)
	if err != nil {
		return nil, err
	}
	if h.DataLength < 0 || h.DataLength > MaxPayload {
		return nil, fmt.Errorf("api: invalid payload length %d", h.DataLength)
	}
	msg := &Message{Header: h}
	if h.DataLength > 0 {
		msg.Payload = make([]byte, h.DataLength)
		if _, err := io.ReadFull(r, msg.Payload); err != nil {
			return nil, fmt.Errorf("api: read payload: %w", err)
		}
	}
	return msg, nil
}

// WriteError emits a MsgError frame answering the supplied request
// header, with detail as an optional human-readable payload.
func WriteError(w io.Writer, req Header, code ErrCode, detail string) error {
	h := Header{
		Type:      MsgError,
		Op:        req.Op,
		Username:  req.Username,
		Filename:  req.Filename,
		ErrorCode: code,
	}
	return WriteMessage(w, h, []byte(detail))
}

// WriteAck emits a MsgAck frame answering the supplied request header.
func WriteAck(w io.Writer, req Header, payload []byte) error {
	h := Header{
		Type:     MsgAck,
		Op:       req.Op,
		Username: req.Username,
		Filename: req.Filename,
	}
	return WriteMessage(w, h, payload)
}

// WriteResponse emits a MsgResponse frame answering the supplied
// request header.
func WriteResponse(w io.Writer, req Header, payload []byte) error {
	h := Header{
		Type:     MsgResponse,
		Op:       req.Op,
		Username: req.Username,
		Filename: req.Filename,
	}
	return WriteMessage(w, h, payload)
}

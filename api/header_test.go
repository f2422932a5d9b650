package api

import (
	"bytes"
	"io"
	"strings"
	"testing"
)

func TestHeaderRoundTrip(t *testing.T) {
	in := Header{
		Type:          MsgRequest,
		Op:            OpSSWriteWord,
		Username:      "alice",
		Filename:      "notes.txt",
		Foldername:    "projects/go",
		CheckpointTag: "v1",
		DataLength:    9,
		ErrorCode:     ErrNone,
		SentenceIndex: 3,
		WordIndex:     WholeSentence,
		Flags:         FlagReplica,
	}
	buf, err := in.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if len(buf) != HeaderSize {
		t.Fatalf("encoded %d bytes, want %d", len(buf), HeaderSize)
	}
	out, err := DecodeHeader(buf)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out != in {
		t.Fatalf("round trip mismatch: got %+v want %+v", out, in)
	}
}

func TestHeaderNegativeWordIndexSurvives(t *testing.T) {
	in := Header{Type: MsgRequest, Op: OpSSWriteWord, WordIndex: -1, SentenceIndex: -1}
	buf, err := in.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	out, err := DecodeHeader(buf)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.WordIndex != -1 || out.SentenceIndex != -1 {
		t.Fatalf("negative indices mangled: %+v", out)
	}
}

func TestHeaderFieldWidthEnforced(t *testing.T) {
	in := Header{Username: strings.Repeat("x", UsernameLen)}
	if _, err := in.Encode(); err == nil {
		t.Fatalf("expected error for username at field width")
	}
	in = Header{Username: strings.Repeat("x", UsernameLen-1)}
	if _, err := in.Encode(); err != nil {
		t.Fatalf("username one below field width should fit: %v", err)
	}
}

func TestWriteReadMessage(t *testing.T) {
	var buf bytes.Buffer
	h := Header{Type: MsgResponse, Op: OpSSRead, Username: "bob", Filename: "a.txt"}
	payload := []byte("First. Second.")
	if err := WriteMessage(&buf, h, payload); err != nil {
		t.Fatalf("write: %v", err)
	}
	msg, err := ReadMessage(&buf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if msg.Header.Op != OpSSRead || msg.Header.Username != "bob" {
		t.Fatalf("header mismatch: %+v", msg.Header)
	}
	if msg.Header.DataLength != int32(len(payload)) {
		t.Fatalf("data length %d, want %d", msg.Header.DataLength, len(payload))
	}
	if !bytes.Equal(msg.Payload, payload) {
		t.Fatalf("payload mismatch: %q", msg.Payload)
	}
}

func TestReadMessageEOFOnClosedStream(t *testing.T) {
	if _, err := ReadMessage(bytes.NewReader(nil)); err != io.EOF {
		t.Fatalf("want io.EOF, got %v", err)
	}
}

func TestReadMessageTruncatedHeader(t *testing.T) {
	if _, err := ReadMessage(bytes.NewReader(make([]byte, HeaderSize/2))); err != io.EOF {
		t.Fatalf("want io.EOF for truncated header, got %v", err)
	}
}

func TestWriteErrorFrame(t *testing.T) {
	var buf bytes.Buffer
	req := Header{Type: MsgRequest, Op: OpCreate, Username: "eve", Filename: "x"}
	if err := WriteError(&buf, req, ErrFileExists, "x exists"); err != nil {
		t.Fatalf("write error frame: %v", err)
	}
	msg, err := ReadMessage(&buf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if msg.Header.Type != MsgError || msg.Header.ErrorCode != ErrFileExists {
		t.Fatalf("unexpected frame: %+v", msg.Header)
	}
	if string(msg.Payload) != "x exists" {
		t.Fatalf("detail %q", msg.Payload)
	}
}

func TestFailureCodeOf(t *testing.T) {
	err := Failf(ErrSentenceLocked, "sentence 2 held by %s", "alice")
	if CodeOf(err) != ErrSentenceLocked {
		t.Fatalf("CodeOf failure = %v", CodeOf(err))
	}
	if CodeOf(io.ErrUnexpectedEOF) != ErrFileOperationFailed {
		t.Fatalf("non-failure errors must map to FileOperationFailed")
	}
	if CodeOf(nil) != ErrNone {
		t.Fatalf("nil must map to ErrNone")
	}
}

func TestControlPayloads(t *testing.T) {
	reg, err := ParseRegisterInfo(RegisterInfo{ServerID: 3, ControlPort: 9001, ClientPort: 9002}.Encode())
	if err != nil {
		t.Fatalf("parse register: %v", err)
	}
	if reg.ServerID != 3 || reg.ControlPort != 9001 || reg.ClientPort != 9002 {
		t.Fatalf("register mismatch: %+v", reg)
	}
	if _, err := ParseRegisterInfo([]byte("client_port:9\n")); err == nil {
		t.Fatalf("register without id must fail")
	}

	hb := ParseHeartbeatInfo(HeartbeatInfo{DiskTotal: 100, DiskFree: 42}.Encode())
	if hb.DiskTotal != 100 || hb.DiskFree != 42 {
		t.Fatalf("heartbeat mismatch: %+v", hb)
	}

	rep, ok := ParseReplicaInfo(ReplicaInfo{ID: 1, Addr: "10.0.0.2:9100", Active: true}.Encode())
	if !ok || rep.ID != 1 || rep.Addr != "10.0.0.2:9100" || !rep.Active {
		t.Fatalf("replica mismatch: %+v ok=%v", rep, ok)
	}
	if _, ok := ParseReplicaInfo(nil); ok {
		t.Fatalf("empty replica payload must report ok=false")
	}

	addr, ok := SyncDirective([]byte("SYNC 10.0.0.2:9100"))
	if !ok || addr != "10.0.0.2:9100" {
		t.Fatalf("sync directive mismatch: %q ok=%v", addr, ok)
	}
	if _, ok := SyncDirective(nil); ok {
		t.Fatalf("empty payload is not a sync directive")
	}
}

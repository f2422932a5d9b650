// Package client implements the scrivd wire protocol from the user's
// side: a persistent session against the name server for metadata
// operations, plus direct storage-server connections for the referred
// data-plane operations (read, write sessions, streaming, undo).
package client

import (
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"pkt.systems/pslog"
	"pkt.systems/scrivd/api"
)

// DefaultDialTimeout bounds connection attempts to either server kind.
const DefaultDialTimeout = 5 * time.Second

// Options configures a Client.
type Options struct {
	NMAddr      string
	Username    string
	DialTimeout time.Duration
	Logger      pslog.Logger
}

func (o *Options) normalize() error {
	if strings.TrimSpace(o.NMAddr) == "" {
		return fmt.Errorf("client: name server address required")
	}
	if strings.TrimSpace(o.Username) == "" {
		return fmt.Errorf("client: username required")
	}
	if o.DialTimeout <= 0 {
		o.DialTimeout = DefaultDialTimeout
	}
	if o.Logger == nil {
		o.Logger = pslog.NoopLogger()
	}
	return nil
}

// Client is one user's session. The name-server connection is shared
// and serialised by a mutex; data-plane connections are opened per
// operation.
type Client struct {
	opts   Options
	logger pslog.Logger

	mu   sync.Mutex
	conn net.Conn
}

// Connect dials the name server and binds the username to the
// connection. A username that is connected elsewhere is refused with
// UsernameTaken.
func Connect(opts Options) (*Client, error) {
	if err := opts.normalize(); err != nil {
		return nil, err
	}
	conn, err := net.DialTimeout("tcp", opts.NMAddr, opts.DialTimeout)
	if err != nil {
		return nil, fmt.Errorf("client: dial %s: %w", opts.NMAddr, err)
	}
	c := &Client{opts: opts, logger: opts.Logger.With("sys", "client", "user", opts.Username), conn: conn}
	if _, err := c.request(api.Header{Op: api.OpConnectClient}, nil); err != nil {
		conn.Close()
		return nil, err
	}
	return c, nil
}

// Username returns the identity this session is bound to.
func (c *Client) Username() string { return c.opts.Username }

// Close announces the disconnect and drops the connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	_, _ = c.roundTripLocked(api.Header{Op: api.OpDisconnect}, nil)
	err := c.conn.Close()
	c.conn = nil
	return err
}

// request performs one frame exchange on the name-server connection.
func (c *Client) request(h api.Header, payload []byte) (*api.Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil, fmt.Errorf("client: closed")
	}
	return c.roundTripLocked(h, payload)
}

func (c *Client) roundTripLocked(h api.Header, payload []byte) (*api.Message, error) {
	h.Type = api.MsgRequest
	h.Username = c.opts.Username
	if err := api.WriteMessage(c.conn, h, payload); err != nil {
		return nil, err
	}
	msg, err := api.ReadMessage(c.conn)
	if err != nil {
		return nil, fmt.Errorf("client: read answer: %w", err)
	}
	if msg.Header.Type == api.MsgError {
		return nil, api.Failure{Code: msg.Header.ErrorCode, Detail: string(msg.Payload)}
	}
	return msg, nil
}

// View lists readable files. all includes hidden (dot-prefixed) names;
// long selects the tab-separated long listing.
func (c *Client) View(all, long bool) (string, error) {
	var flags int32
	if all {
		flags |= api.FlagAll
	}
	if long {
		flags |= api.FlagLong
	}
	msg, err := c.request(api.Header{Op: api.OpView, Flags: flags}, nil)
	if err != nil {
		return "", err
	}
	return string(msg.Payload), nil
}

// ListUsers reports every known user with connection state.
func (c *Client) ListUsers() (string, error) {
	msg, err := c.request(api.Header{Op: api.OpList}, nil)
	if err != nil {
		return "", err
	}
	return string(msg.Payload), nil
}

// Info returns a file's metadata as key:value lines.
func (c *Client) Info(file string) (string, error) {
	msg, err := c.request(api.Header{Op: api.OpInfo, Filename: file}, nil)
	if err != nil {
		return "", err
	}
	return string(msg.Payload), nil
}

// Create makes a new file, optionally inside a folder, with the given
// initial content.
func (c *Client) Create(file, folder string, content []byte) error {
	_, err := c.request(api.Header{Op: api.OpCreate, Filename: file, Foldername: folder}, content)
	return err
}

// Delete removes a file. Owner only.
func (c *Client) Delete(file string) error {
	_, err := c.request(api.Header{Op: api.OpDelete, Filename: file}, nil)
	return err
}

// Move reassigns a file to another folder. Owner only.
func (c *Client) Move(file, folder string) error {
	_, err := c.request(api.Header{Op: api.OpMove, Filename: file, Foldername: folder}, nil)
	return err
}

// CreateFolder makes a folder; parents must already exist.
func (c *Client) CreateFolder(folder string) error {
	_, err := c.request(api.Header{Op: api.OpCreateFolder, Foldername: folder}, nil)
	return err
}

// ViewFolder lists a folder's subfolders and readable files.
func (c *Client) ViewFolder(folder string) (string, error) {
	msg, err := c.request(api.Header{Op: api.OpViewFolder, Foldername: folder}, nil)
	if err != nil {
		return "", err
	}
	return string(msg.Payload), nil
}

// Grant gives another user read and/or write on an owned file.
func (c *Client) Grant(file, user string, read, write bool) error {
	_, err := c.request(api.Header{Op: api.OpAddAccess, Filename: file, Flags: permFlags(read, write)}, []byte(user))
	return err
}

// Revoke removes another user's access to an owned file.
func (c *Client) Revoke(file, user string) error {
	_, err := c.request(api.Header{Op: api.OpRemAccess, Filename: file}, []byte(user))
	return err
}

// RequestAccess files a pending request with the file's owner.
func (c *Client) RequestAccess(file string, read, write bool) error {
	_, err := c.request(api.Header{Op: api.OpRequestAccess, Filename: file, Flags: permFlags(read, write)}, nil)
	return err
}

// ViewRequests lists pending requests against the caller's files.
func (c *Client) ViewRequests() (string, error) {
	msg, err := c.request(api.Header{Op: api.OpViewRequests}, nil)
	if err != nil {
		return "", err
	}
	return string(msg.Payload), nil
}

// Approve grants a pending request exactly as asked.
func (c *Client) Approve(file, requester string) error {
	_, err := c.request(api.Header{Op: api.OpApproveRequest, Filename: file}, []byte(requester))
	return err
}

// Deny drops a pending request.
func (c *Client) Deny(file, requester string) error {
	_, err := c.request(api.Header{Op: api.OpDenyRequest, Filename: file}, []byte(requester))
	return err
}

// Checkpoint snapshots a file's bytes under a tag.
func (c *Client) Checkpoint(file, tag string) error {
	_, err := c.request(api.Header{Op: api.OpCheckpoint, Filename: file, CheckpointTag: tag}, nil)
	return err
}

// ViewCheckpoint fetches a checkpoint's bytes without touching the
// live file.
func (c *Client) ViewCheckpoint(file, tag string) ([]byte, error) {
	msg, err := c.request(api.Header{Op: api.OpViewCheckpoint, Filename: file, CheckpointTag: tag}, nil)
	if err != nil {
		return nil, err
	}
	return msg.Payload, nil
}

// Revert restores a file to a checkpoint's bytes. The pre-revert state
// lands in the undo slot.
func (c *Client) Revert(file, tag string) error {
	_, err := c.request(api.Header{Op: api.OpRevert, Filename: file, CheckpointTag: tag}, nil)
	return err
}

// ListCheckpoints lists a file's checkpoint tags, oldest first.
func (c *Client) ListCheckpoints(file string) (string, error) {
	msg, err := c.request(api.Header{Op: api.OpListCheckpoints, Filename: file}, nil)
	if err != nil {
		return "", err
	}
	return string(msg.Payload), nil
}

// Exec runs the file through the name server's subshell and returns
// the captured stdout. Requires the deployment to enable exec.
func (c *Client) Exec(file string) ([]byte, error) {
	msg, err := c.request(api.Header{Op: api.OpExec, Filename: file}, nil)
	if err != nil {
		return nil, err
	}
	return msg.Payload, nil
}

func permFlags(read, write bool) int32 {
	var flags int32
	if read {
		flags |= api.FlagRead
	}
	if write {
		flags |= api.FlagWrite
	}
	return flags
}

// refer asks the name server which storage server currently serves the
// file for the given operation and returns its client data address.
func (c *Client) refer(op api.Op, file string) (string, error) {
	msg, err := c.request(api.Header{Op: op, Filename: file}, nil)
	if err != nil {
		return "", err
	}
	addr := strings.TrimSpace(string(msg.Payload))
	if addr == "" {
		return "", api.Failf(api.ErrSSUnavailable, "empty referral for %q", file)
	}
	return addr, nil
}

func (c *Client) dialSS(addr string) (net.Conn, error) {
	conn, err := net.DialTimeout("tcp", addr, c.opts.DialTimeout)
	if err != nil {
		return nil, api.Failf(api.ErrSSUnavailable, "storage server %s unreachable: %v", addr, err)
	}
	return conn, nil
}

// ssRoundTrip performs one transient exchange against a storage
// server's client data port.
func (c *Client) ssRoundTrip(addr string, h api.Header, payload []byte) (*api.Message, error) {
	conn, err := c.dialSS(addr)
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	h.Type = api.MsgRequest
	h.Username = c.opts.Username
	if err := api.WriteMessage(conn, h, payload); err != nil {
		return nil, err
	}
	msg, err := api.ReadMessage(conn)
	if err != nil {
		return nil, api.Failf(api.ErrNetworkError, "read from %s: %v", addr, err)
	}
	if msg.Header.Type == api.MsgError {
		return nil, api.Failure{Code: msg.Header.ErrorCode, Detail: string(msg.Payload)}
	}
	return msg, nil
}

// Read fetches the file's bytes from the storage server the name
// server refers us to.
func (c *Client) Read(file string) ([]byte, error) {
	addr, err := c.refer(api.OpRead, file)
	if err != nil {
		return nil, err
	}
	msg, err := c.ssRoundTrip(addr, api.Header{Op: api.OpSSRead, Filename: file}, nil)
	if err != nil {
		return nil, err
	}
	return msg.Payload, nil
}

// Undo restores the file to its last pre-write-session snapshot.
func (c *Client) Undo(file string) error {
	addr, err := c.refer(api.OpUndo, file)
	if err != nil {
		return err
	}
	_, err = c.ssRoundTrip(addr, api.Header{Op: api.OpSSUndo, Filename: file}, nil)
	return err
}

// Stream fetches the file word by word, invoking fn for each word as
// it arrives. Returning an error from fn stops the stream.
func (c *Client) Stream(file string, fn func(word string) error) error {
	addr, err := c.refer(api.OpStream, file)
	if err != nil {
		return err
	}
	conn, err := c.dialSS(addr)
	if err != nil {
		return err
	}
	defer conn.Close()
	req := api.Header{Type: api.MsgRequest, Op: api.OpSSStream, Username: c.opts.Username, Filename: file}
	if err := api.WriteMessage(conn, req, nil); err != nil {
		return err
	}
	for {
		msg, err := api.ReadMessage(conn)
		if err != nil {
			return api.Failf(api.ErrNetworkError, "stream from %s: %v", addr, err)
		}
		switch msg.Header.Type {
		case api.MsgResponse:
			if err := fn(string(msg.Payload)); err != nil {
				return err
			}
		case api.MsgStop:
			return nil
		case api.MsgError:
			return api.Failure{Code: msg.Header.ErrorCode, Detail: string(msg.Payload)}
		}
	}
}

package iiod

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/cenkalti/backoff"

	"github.com/rjboer/adiphaser/internal/logging"
)

// DefaultPort is the TCP port IIOD listens on.
const DefaultPort = 30431

const defaultTimeout = 5 * time.Second

// ErrNotConnected is returned when a command is issued on a closed client.
var ErrNotConnected = errors.New("iiod: not connected")

// ErrnoError is a negative status code returned by the server.
type ErrnoError struct {
	Op   string
	Code syscall.Errno
}

func (e *ErrnoError) Error() string {
	return fmt.Sprintf("iiod: %s: %v (errno %d)", e.Op, e.Code, int(e.Code))
}

func (e *ErrnoError) Unwrap() error { return e.Code }

func errnoFrom(op string, status int) error {
	if status >= 0 {
		return nil
	}
	return &ErrnoError{Op: op, Code: syscall.Errno(-status)}
}

// Option configures a Client.
type Option func(*Client)

// WithLogger attaches a logger to the client.
func WithLogger(l logging.Logger) Option {
	return func(c *Client) { c.log = l }
}

// WithTimeout sets the per-command I/O timeout used when the caller's context
// carries no deadline.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithDialRetries sets how many extra dial attempts Dial makes.
func WithDialRetries(n uint64) Option {
	return func(c *Client) { c.dialRetries = n }
}

// Client speaks the IIOD ASCII protocol over a single connection. Commands
// are serialized; only one is in flight at a time.
type Client struct {
	addr        string
	conn        net.Conn
	rd          *bufio.Reader
	mu          sync.Mutex
	timeout     time.Duration
	dialRetries uint64
	log         logging.Logger

	ctxMu  sync.Mutex
	cached *Context
}

// ParseURI converts libiio style URIs ("ip:192.168.2.1", "192.168.2.1",
// "host:1234") into a dialable host:port address.
func ParseURI(uri string) (string, error) {
	uri = strings.TrimSpace(uri)
	uri = strings.TrimPrefix(uri, "ip:")
	if uri == "" {
		return "", errors.New("iiod: empty uri")
	}
	if strings.HasPrefix(uri, "usb:") || strings.HasPrefix(uri, "local:") || strings.HasPrefix(uri, "serial:") {
		return "", fmt.Errorf("iiod: unsupported uri backend %q", uri)
	}
	if _, _, err := net.SplitHostPort(uri); err == nil {
		return uri, nil
	}
	return net.JoinHostPort(strings.Trim(uri, "[]"), strconv.Itoa(DefaultPort)), nil
}

// Dial connects to an IIOD server. addr may be any form accepted by ParseURI.
func Dial(ctx context.Context, addr string, opts ...Option) (*Client, error) {
	hostport, err := ParseURI(addr)
	if err != nil {
		return nil, err
	}
	c := newClient(hostport, opts...)

	var conn net.Conn
	var ctxErr error
	op := func() error {
		if err := ctx.Err(); err != nil {
			ctxErr = err
			return nil
		}
		d := net.Dialer{Timeout: c.timeout}
		cn, err := d.DialContext(ctx, "tcp", hostport)
		if err != nil {
			c.log.Debug("iiod dial attempt failed", logging.F("addr", hostport), logging.Err(err))
			return err
		}
		conn = cn
		return nil
	}
	policy := backoff.WithMaxRetries(backoff.NewConstantBackOff(250*time.Millisecond), c.dialRetries)
	if err := backoff.Retry(op, policy); err != nil {
		return nil, fmt.Errorf("connect to IIOD at %s: %w", hostport, err)
	}
	if ctxErr != nil {
		return nil, fmt.Errorf("connect to IIOD at %s: %w", hostport, ctxErr)
	}
	c.attach(conn)
	c.log.Info("iiod connected", logging.F("addr", hostport))
	return c, nil
}

// DialTimeout is Dial bounded by d. d also becomes the per command timeout.
func DialTimeout(ctx context.Context, addr string, d time.Duration, opts ...Option) (*Client, error) {
	ctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()
	return Dial(ctx, addr, append([]Option{WithTimeout(d)}, opts...)...)
}

// NewClient wraps an existing connection.
func NewClient(conn net.Conn, opts ...Option) *Client {
	addr := ""
	if conn != nil && conn.RemoteAddr() != nil {
		addr = conn.RemoteAddr().String()
	}
	c := newClient(addr, opts...)
	c.attach(conn)
	return c
}

func newClient(addr string, opts ...Option) *Client {
	c := &Client{addr: addr, timeout: defaultTimeout}
	for _, opt := range opts {
		opt(c)
	}
	c.log = logging.Or(c.log).With(logging.F("iiod", addr))
	return c
}

func (c *Client) attach(conn net.Conn) {
	c.conn = conn
	if conn != nil {
		c.rd = bufio.NewReader(conn)
	}
}

// Addr returns the server address.
func (c *Client) Addr() string { return c.addr }

// Close terminates the connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	c.rd = nil
	return err
}

// session holds the connection lock for the duration of one command and
// maps context cancellation onto the socket deadline.
type session struct {
	c    *Client
	stop func() bool
}

func (c *Client) begin(ctx context.Context) (*session, error) {
	c.mu.Lock()
	if c.conn == nil {
		c.mu.Unlock()
		return nil, ErrNotConnected
	}
	if err := ctx.Err(); err != nil {
		c.mu.Unlock()
		return nil, err
	}
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(c.timeout)
	}
	_ = c.conn.SetDeadline(deadline)
	conn := c.conn
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(time.Now())
	})
	return &session{c: c, stop: stop}, nil
}

func (s *session) end() {
	s.stop()
	s.c.mu.Unlock()
}

func (s *session) writeLine(cmd string) error {
	s.c.log.Debug("iiod command", logging.F("cmd", cmd))
	return s.writeAll([]byte(cmd + "\r\n"))
}

func (s *session) writeAll(p []byte) error {
	for len(p) > 0 {
		n, err := s.c.conn.Write(p)
		if err != nil {
			return fmt.Errorf("iiod write: %w", err)
		}
		p = p[n:]
	}
	return nil
}

// readInteger reads one ASCII integer terminated by '\n', skipping carriage
// returns, stray blank lines and padding bytes.
func (s *session) readInteger() (int, error) {
	var buf []byte
	for {
		b, err := s.c.rd.ReadByte()
		if err != nil {
			return 0, fmt.Errorf("iiod read status: %w", err)
		}
		if b == '\n' {
			if len(buf) > 0 {
				break
			}
			continue
		}
		if (b >= '0' && b <= '9') || (b == '-' && len(buf) == 0) {
			buf = append(buf, b)
		}
	}
	val, err := strconv.Atoi(string(buf))
	if err != nil {
		return 0, fmt.Errorf("iiod parse status %q: %w", string(buf), err)
	}
	return val, nil
}

func (s *session) readLine() (string, error) {
	line, err := s.c.rd.ReadString('\n')
	if err != nil {
		return "", fmt.Errorf("iiod read line: %w", err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func (s *session) readFull(n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(s.c.rd, buf); err != nil {
		return nil, fmt.Errorf("iiod short payload (want %d bytes): %w", n, err)
	}
	return buf, nil
}

// readPayload reads a length-prefixed response followed by its trailing newline.
func (s *session) readPayload(op string) ([]byte, error) {
	n, err := s.readInteger()
	if err != nil {
		return nil, err
	}
	if n < 0 {
		return nil, errnoFrom(op, n)
	}
	data, err := s.readFull(n)
	if err != nil {
		return nil, err
	}
	if b, err := s.c.rd.ReadByte(); err != nil {
		return nil, fmt.Errorf("iiod read terminator: %w", err)
	} else if b != '\n' {
		_ = s.c.rd.UnreadByte()
	}
	return data, nil
}

// exec sends a command line plus optional payload and returns the status.
func (c *Client) exec(ctx context.Context, cmd string, payload []byte) (int, error) {
	s, err := c.begin(ctx)
	if err != nil {
		return 0, err
	}
	defer s.end()
	if err := s.writeLine(cmd); err != nil {
		return 0, err
	}
	if len(payload) > 0 {
		if err := s.writeAll(payload); err != nil {
			return 0, err
		}
	}
	return s.readInteger()
}

// Version reports the server's libiio version.
func (c *Client) Version(ctx context.Context) (major, minor int, git string, err error) {
	s, err := c.begin(ctx)
	if err != nil {
		return 0, 0, "", err
	}
	defer s.end()
	if err := s.writeLine("VERSION"); err != nil {
		return 0, 0, "", err
	}
	line, err := s.readLine()
	if err != nil {
		return 0, 0, "", err
	}
	return parseVersion(line)
}

func parseVersion(line string) (int, int, string, error) {
	parts := strings.SplitN(strings.TrimSpace(line), ".", 3)
	if len(parts) < 2 {
		return 0, 0, "", fmt.Errorf("iiod: malformed version %q", line)
	}
	major, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, 0, "", fmt.Errorf("iiod: malformed version %q: %w", line, err)
	}
	minor, err := strconv.Atoi(parts[1])
	if err != nil {
		return 0, 0, "", fmt.Errorf("iiod: malformed version %q: %w", line, err)
	}
	git := ""
	if len(parts) == 3 {
		git = strings.TrimSpace(parts[2])
	}
	return major, minor, git, nil
}

// SetTimeout changes the server side I/O timeout. Once the server accepts
// it, d also becomes the client's own per command deadline.
func (c *Client) SetTimeout(ctx context.Context, d time.Duration) error {
	status, err := c.exec(ctx, fmt.Sprintf("TIMEOUT %d", d.Milliseconds()), nil)
	if err != nil {
		return err
	}
	if err := errnoFrom("TIMEOUT", status); err != nil {
		return err
	}
	if d > 0 {
		c.mu.Lock()
		c.timeout = d
		c.mu.Unlock()
	}
	return nil
}

// Context fetches and parses the server's XML description. The result is
// cached for the lifetime of the client.
func (c *Client) Context(ctx context.Context) (*Context, error) {
	c.ctxMu.Lock()
	defer c.ctxMu.Unlock()
	if c.cached != nil {
		return c.cached, nil
	}
	raw, err := c.ContextXML(ctx)
	if err != nil {
		return nil, err
	}
	parsed, err := ParseContext(raw)
	if err != nil {
		return nil, err
	}
	c.cached = parsed
	return parsed, nil
}

// ContextXML returns the raw PRINT output.
func (c *Client) ContextXML(ctx context.Context) ([]byte, error) {
	s, err := c.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer s.end()
	if err := s.writeLine("PRINT"); err != nil {
		return nil, err
	}
	data, err := s.readPayload("PRINT")
	if err != nil {
		return nil, fmt.Errorf("PRINT: %w", err)
	}
	return data, nil
}

// Package sshfs runs commands on an IIO target over SSH and writes sysfs
// attributes directly. It backs attribute writes older IIOD servers reject
// and the remote command fan-out of multi-chip sync.
package sshfs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/rjboer/adiphaser/internal/logging"
)

// DefaultSysfsRoot is where the kernel publishes IIO devices.
const DefaultSysfsRoot = "/sys/bus/iio/devices"

// Config describes how to reach the target.
type Config struct {
	Host      string        `json:"host"`
	User      string        `json:"user"`
	Password  string        `json:"password,omitempty"`
	KeyPath   string        `json:"key_path,omitempty"`
	Port      int           `json:"port"`
	SysfsRoot string        `json:"sysfs_root"`
	Timeout   time.Duration `json:"-"`
}

// Client holds one lazily dialled SSH connection.
type Client struct {
	mu     sync.Mutex
	cfg    Config
	client *ssh.Client
	log    logging.Logger
}

// ErrCommand wraps a non-zero remote exit.
type ErrCommand struct {
	Cmd    string
	Stderr string
	Err    error
}

func (e *ErrCommand) Error() string {
	return fmt.Sprintf("ssh %q: %v: %s", e.Cmd, e.Err, strings.TrimSpace(e.Stderr))
}

func (e *ErrCommand) Unwrap() error { return e.Err }

// New validates cfg and fills defaults. No connection is made until the
// first command.
func New(cfg Config, log logging.Logger) (*Client, error) {
	if cfg.Host == "" {
		return nil, errors.New("sshfs: host is required")
	}
	if cfg.User == "" {
		cfg.User = "root"
	}
	if cfg.Port == 0 {
		cfg.Port = 22
	}
	if cfg.SysfsRoot == "" {
		cfg.SysfsRoot = DefaultSysfsRoot
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	return &Client{cfg: cfg, log: logging.Or(log)}, nil
}

// Host returns the target host.
func (c *Client) Host() string { return c.cfg.Host }

func (c *Client) authMethods() ([]ssh.AuthMethod, error) {
	var auth []ssh.AuthMethod
	if c.cfg.Password != "" {
		auth = append(auth, ssh.Password(c.cfg.Password))
	}
	if c.cfg.KeyPath != "" {
		key, err := os.ReadFile(c.cfg.KeyPath)
		if err != nil {
			return nil, fmt.Errorf("read ssh key: %w", err)
		}
		signer, err := ssh.ParsePrivateKey(key)
		if err != nil {
			return nil, fmt.Errorf("parse ssh key: %w", err)
		}
		auth = append(auth, ssh.PublicKeys(signer))
	}
	if len(auth) == 0 {
		return nil, errors.New("sshfs: no password or key configured")
	}
	return auth, nil
}

func (c *Client) dial(ctx context.Context) (*ssh.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client != nil {
		return c.client, nil
	}
	auth, err := c.authMethods()
	if err != nil {
		return nil, err
	}
	config := &ssh.ClientConfig{
		User:            c.cfg.User,
		Auth:            auth,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         c.cfg.Timeout,
	}
	addr := net.JoinHostPort(c.cfg.Host, strconv.Itoa(c.cfg.Port))
	dialer := net.Dialer{Timeout: c.cfg.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial ssh: %w", err)
	}
	clientConn, chans, reqs, err := ssh.NewClientConn(conn, addr, config)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("create ssh client: %w", err)
	}
	c.client = ssh.NewClient(clientConn, chans, reqs)
	c.log.Debug("ssh connected", logging.F("addr", addr))
	return c.client, nil
}

// Run executes cmd and returns its stdout and stderr. Cancelling ctx
// closes the session.
func (c *Client) Run(ctx context.Context, cmd string) (stdout, stderr string, err error) {
	client, err := c.dial(ctx)
	if err != nil {
		return "", "", err
	}
	session, err := client.NewSession()
	if err != nil {
		return "", "", fmt.Errorf("create ssh session: %w", err)
	}
	defer session.Close()
	stop := context.AfterFunc(ctx, func() { _ = session.Close() })
	defer stop()

	var out, errOut bytes.Buffer
	session.Stdout = &out
	session.Stderr = &errOut
	if err := session.Run(cmd); err != nil {
		if ctx.Err() != nil {
			err = ctx.Err()
		}
		return out.String(), errOut.String(), &ErrCommand{Cmd: cmd, Stderr: errOut.String(), Err: err}
	}
	return out.String(), errOut.String(), nil
}

// AttributePath maps an IIO attribute onto its sysfs file. An empty channel
// addresses a device attribute.
func (c *Client) AttributePath(device, channel string, output bool, attr string) string {
	return AttributePath(c.cfg.SysfsRoot, device, channel, output, attr)
}

// AttributePath maps an IIO attribute below root onto its sysfs file.
func AttributePath(root, device, channel string, output bool, attr string) string {
	base := path.Join(root, device)
	if channel == "" {
		return path.Join(base, attr)
	}
	prefix := "in"
	if output {
		prefix = "out"
	}
	return path.Join(base, fmt.Sprintf("%s_%s_%s", prefix, channel, attr))
}

// WriteAttribute writes value to the sysfs file of an attribute.
func (c *Client) WriteAttribute(ctx context.Context, device, channel string, output bool, attr, value string) error {
	target := c.AttributePath(device, channel, output, attr)
	cmd := fmt.Sprintf("printf %s > %s", ShellQuote(value), ShellQuote(target))
	if _, _, err := c.Run(ctx, cmd); err != nil {
		return fmt.Errorf("write %s: %w", target, err)
	}
	return nil
}

// ReadAttribute reads the sysfs file of an attribute.
func (c *Client) ReadAttribute(ctx context.Context, device, channel string, output bool, attr string) (string, error) {
	target := c.AttributePath(device, channel, output, attr)
	out, _, err := c.Run(ctx, "cat "+ShellQuote(target))
	if err != nil {
		return "", fmt.Errorf("read %s: %w", target, err)
	}
	return strings.TrimSpace(out), nil
}

// Close drops the connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client == nil {
		return nil
	}
	err := c.client.Close()
	c.client = nil
	return err
}

// ShellQuote wraps value in single quotes, escaping embedded quotes.
func ShellQuote(value string) string {
	return "'" + strings.ReplaceAll(value, "'", `'\''`) + "'"
}

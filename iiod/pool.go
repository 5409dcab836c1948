package iiod

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ClientPool is a bounded pool of IIOD clients for one server.
//
// Clients are created lazily through the factory; at most size of them are
// kept idle, extras are closed on Put.
type ClientPool struct {
	factory func(ctx context.Context) (*Client, error)
	idle    chan *Client

	mu     sync.Mutex
	closed bool
}

// NewClientPool creates a pool with the given idle capacity.
func NewClientPool(size int, factory func(ctx context.Context) (*Client, error)) (*ClientPool, error) {
	if size <= 0 {
		return nil, fmt.Errorf("pool size must be positive")
	}
	if factory == nil {
		return nil, fmt.Errorf("factory is required")
	}
	return &ClientPool{factory: factory, idle: make(chan *Client, size)}, nil
}

// NewAddrPool returns a pool dialing addr.
func NewAddrPool(size int, addr string, opts ...Option) (*ClientPool, error) {
	return NewClientPool(size, func(ctx context.Context) (*Client, error) {
		return Dial(ctx, addr, opts...)
	})
}

// Get returns an idle client or dials a new one.
func (p *ClientPool) Get(ctx context.Context) (*Client, error) {
	if p == nil {
		return nil, errors.New("pool is nil")
	}
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return nil, errors.New("pool is closed")
	}
	select {
	case cli := <-p.idle:
		return cli, nil
	default:
	}
	return p.factory(ctx)
}

// Put returns a client to the pool or closes it when the pool is full.
func (p *ClientPool) Put(cli *Client) error {
	if p == nil {
		return errors.New("pool is nil")
	}
	if cli == nil {
		return errors.New("client is nil")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return cli.Close()
	}
	select {
	case p.idle <- cli:
		return nil
	default:
		return cli.Close()
	}
}

// Close closes every idle client. Later Gets fail.
func (p *ClientPool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	var errs []error
	for {
		select {
		case cli := <-p.idle:
			if err := cli.Close(); err != nil {
				errs = append(errs, err)
			}
		default:
			return errors.Join(errs...)
		}
	}
}

// Package mock provides test doubles for the live package interfaces.
//
// Provider records every Connect call and keeps the callbacks it was given so
// that a test can drive the connection lifecycle by hand:
//
//	p := &mock.Provider{}
//	conn, _ := p.Connect(ctx, cfg, cb)
//	p.Open()                          // fires cb.OnOpen
//	p.Message(&live.ServerMessage{})  // fires cb.OnMessage
//	p.Close(live.CloseEvent{Code: 1000})
//
// Conn records sent chunks and can be told to fail sends.
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/mirrorlive/pkg/provider/live"
)

// ConnectCall records a single invocation of Provider.Connect.
type ConnectCall struct {
	// Ctx is the context passed to Connect.
	Ctx context.Context
	// Cfg is the ConnectConfig passed to Connect.
	Cfg live.ConnectConfig
	// Callbacks are the callbacks passed to Connect.
	Callbacks live.Callbacks
}

// Provider is a mock implementation of live.Provider.
type Provider struct {
	mu sync.Mutex

	// Conn is returned by Connect. If nil, Connect returns a fresh *Conn.
	Conn live.Conn

	// ConnectErr, if non-nil, is returned as the error from Connect.
	ConnectErr error

	// Block, if non-nil, makes Connect wait until it is closed or ctx ends.
	Block chan struct{}

	// ConnectCalls records every call to Connect in order.
	ConnectCalls []ConnectCall

	// Conns records every Conn returned by Connect.
	Conns []live.Conn
}

// Connect records the call and returns Conn, ConnectErr.
func (p *Provider) Connect(ctx context.Context, cfg live.ConnectConfig, cb live.Callbacks) (live.Conn, error) {
	p.mu.Lock()
	block := p.Block
	p.ConnectCalls = append(p.ConnectCalls, ConnectCall{Ctx: ctx, Cfg: cfg, Callbacks: cb})
	p.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ConnectErr != nil {
		return nil, p.ConnectErr
	}
	conn := p.Conn
	if conn == nil {
		conn = &Conn{}
	}
	p.Conns = append(p.Conns, conn)
	return conn, nil
}

// CallCount returns the number of Connect calls so far.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.ConnectCalls)
}

// Last returns the most recent Connect call. It panics when there is none.
func (p *Provider) Last() ConnectCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ConnectCalls[len(p.ConnectCalls)-1]
}

// LastConn returns the most recently returned Conn as a *Conn, or nil.
func (p *Provider) LastConn() *Conn {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.Conns) == 0 {
		return nil
	}
	c, _ := p.Conns[len(p.Conns)-1].(*Conn)
	return c
}

// Open fires OnOpen of the most recent Connect call.
func (p *Provider) Open() {
	if cb := p.Last().Callbacks.OnOpen; cb != nil {
		cb()
	}
}

// Message fires OnMessage of the most recent Connect call.
func (p *Provider) Message(msg *live.ServerMessage) {
	if cb := p.Last().Callbacks.OnMessage; cb != nil {
		cb(msg)
	}
}

// Error fires OnError of the most recent Connect call.
func (p *Provider) Error(err error) {
	if cb := p.Last().Callbacks.OnError; cb != nil {
		cb(err)
	}
}

// Close fires OnClose of the most recent Connect call.
func (p *Provider) Close(ev live.CloseEvent) {
	if cb := p.Last().Callbacks.OnClose; cb != nil {
		cb(ev)
	}
}

// Conn is a mock implementation of live.Conn.
type Conn struct {
	mu sync.Mutex

	// SendErr, if non-nil, is returned by SendChunk.
	SendErr error

	// SendHook, if non-nil, is called for every SendChunk before SendErr is
	// consulted, without holding the Conn's lock. Returning a non-nil error
	// fails that send.
	SendHook func(ctx context.Context, b live.Blob) error

	// CloseErr, if non-nil, is returned by Close.
	CloseErr error

	// Sent records every blob passed to SendChunk that did not fail.
	Sent []live.Blob

	// SendCallCount is the number of SendChunk calls, failed ones included.
	SendCallCount int

	// CloseCallCount is the number of times Close was called.
	CloseCallCount int
}

// SendChunk records b and returns SendHook's or SendErr's result.
func (c *Conn) SendChunk(ctx context.Context, b live.Blob) error {
	c.mu.Lock()
	c.SendCallCount++
	hook := c.SendHook
	c.mu.Unlock()
	if hook != nil {
		if err := hook(ctx, b); err != nil {
			return err
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.SendErr != nil {
		return c.SendErr
	}
	c.Sent = append(c.Sent, b)
	return nil
}

// Close records the call and returns CloseErr.
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.CloseCallCount++
	return c.CloseErr
}

// SetSendErr replaces SendErr under the lock.
func (c *Conn) SetSendErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.SendErr = err
}

// SentCount returns the number of successfully sent blobs.
func (c *Conn) SentCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.Sent)
}

// Closes returns CloseCallCount under the lock.
func (c *Conn) Closes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.CloseCallCount
}

// SendCalls returns SendCallCount under the lock.
func (c *Conn) SendCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.SendCallCount
}

// Blobs returns a copy of the successfully sent blobs.
func (c *Conn) Blobs() []live.Blob {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]live.Blob(nil), c.Sent...)
}

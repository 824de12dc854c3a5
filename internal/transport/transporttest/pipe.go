// Package transporttest provides an in-memory Transport and Dialer for tests.
package transporttest

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/debugrelay/host/internal/transport"
)

// Pipe is an in-memory transport. Messages passed to Send are recorded;
// Deliver injects server messages.
type Pipe struct {
	mu       sync.Mutex
	sent     []string
	sendErr  error
	delay    time.Duration
	err      error
	closed   bool
	closedBy string

	incoming chan string
	done     chan struct{}
	sentCh   chan string
}

// NewPipe returns an open Pipe.
func NewPipe() *Pipe {
	return &Pipe{
		incoming: make(chan string, 64),
		done:     make(chan struct{}),
		sentCh:   make(chan string, 256),
	}
}

// Send implements transport.Transport.
func (p *Pipe) Send(_ context.Context, message string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return transport.ErrClosed
	}
	if p.sendErr != nil {
		return p.sendErr
	}
	if p.delay > 0 {
		time.Sleep(p.delay)
	}
	p.sent = append(p.sent, message)
	select {
	case p.sentCh <- message:
	default:
	}
	return nil
}

// Incoming implements transport.Transport.
func (p *Pipe) Incoming() <-chan string { return p.incoming }

// Done implements transport.Transport.
func (p *Pipe) Done() <-chan struct{} { return p.done }

// Err implements transport.Transport.
func (p *Pipe) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// Close implements transport.Transport.
func (p *Pipe) Close() error {
	p.shutdown(nil, "client")
	return nil
}

// Drop simulates the server side going away with err.
func (p *Pipe) Drop(err error) {
	p.shutdown(err, "server")
}

func (p *Pipe) shutdown(err error, by string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	p.closedBy = by
	p.err = err
	close(p.done)
	close(p.incoming)
}

// Deliver queues a message from the server. It reports false once closed.
func (p *Pipe) Deliver(message string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return false
	}
	p.incoming <- message
	return true
}

// FailSends makes subsequent Sends return err.
func (p *Pipe) FailSends(err error) {
	p.mu.Lock()
	p.sendErr = err
	p.mu.Unlock()
}

// SlowSends makes every subsequent Send take d, like a POST round trip.
func (p *Pipe) SlowSends(d time.Duration) {
	p.mu.Lock()
	p.delay = d
	p.mu.Unlock()
}

// Sent returns every message sent so far.
func (p *Pipe) Sent() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.sent...)
}

// SentCh yields each sent message as it is sent.
func (p *Pipe) SentCh() <-chan string { return p.sentCh }

// Closed reports whether the pipe is closed and whether the client closed it.
func (p *Pipe) Closed() (closed, byClient bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed, p.closedBy == "client"
}

// ErrDialRefused is returned by Dialer when it has no pipe to hand out.
var ErrDialRefused = errors.New("connection refused")

// Dialer hands out queued pipes, one per dial, and records the URLs.
type Dialer struct {
	mu    sync.Mutex
	pipes []*Pipe
	errs  []error
	urls  []string
	all   []*Pipe
}

// Queue adds pipes to hand out in order.
func (d *Dialer) Queue(pipes ...*Pipe) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pipes = append(d.pipes, pipes...)
}

// QueueErr makes the next dials fail with errs, before any queued pipe.
func (d *Dialer) QueueErr(errs ...error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.errs = append(d.errs, errs...)
}

// Dial matches transport.Dialer.
func (d *Dialer) Dial(_ context.Context, rawURL string) (transport.Transport, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.urls = append(d.urls, rawURL)
	if len(d.errs) > 0 {
		err := d.errs[0]
		d.errs = d.errs[1:]
		return nil, err
	}
	if len(d.pipes) == 0 {
		return nil, ErrDialRefused
	}
	p := d.pipes[0]
	d.pipes = d.pipes[1:]
	d.all = append(d.all, p)
	return p, nil
}

// URLs returns the dialed URLs.
func (d *Dialer) URLs() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.urls...)
}

// Dialed returns the pipes handed out so far.
func (d *Dialer) Dialed() []*Pipe {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*Pipe(nil), d.all...)
}

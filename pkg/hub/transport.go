package hub

import (
	"sync"

	"github.com/cuemby/colony/pkg/errdefs"
)

// Conn is one reliable, ordered, message-framed connection between an
// agent and the server. Implementations must allow one concurrent
// reader and one concurrent writer; the hub guarantees it never writes
// from two goroutines at once.
type Conn interface {
	ReadFrame() (*Frame, error)
	WriteFrame(f *Frame) error
	Close() error
	RemoteAddr() string
}

// pipeConn is the in-process transport used by tests and by the
// embedded agent: two crossed frame channels, no serialization.
type pipeConn struct {
	in   <-chan *Frame
	out  chan<- *Frame
	done chan struct{}
	once *sync.Once
}

// Pipe returns a connected pair of in-process conns. Closing either
// end unblocks both.
func Pipe() (Conn, Conn) {
	ab := make(chan *Frame, 64)
	ba := make(chan *Frame, 64)
	done := make(chan struct{})
	once := &sync.Once{}

	a := &pipeConn{in: ba, out: ab, done: done, once: once}
	b := &pipeConn{in: ab, out: ba, done: done, once: once}
	return a, b
}

func (p *pipeConn) ReadFrame() (*Frame, error) {
	select {
	case f := <-p.in:
		return f, nil
	case <-p.done:
		// Drain what the peer wrote before closing
		select {
		case f := <-p.in:
			return f, nil
		default:
			return nil, errdefs.ErrTransportClosed
		}
	}
}

func (p *pipeConn) WriteFrame(f *Frame) error {
	select {
	case p.out <- f:
		return nil
	case <-p.done:
		return errdefs.ErrTransportClosed
	}
}

func (p *pipeConn) Close() error {
	p.once.Do(func() { close(p.done) })
	return nil
}

func (p *pipeConn) RemoteAddr() string { return "pipe" }

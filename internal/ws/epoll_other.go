//go:build !linux

package ws

import (
	"bufio"
	"net"
	"sync"
)

// peekConn wraps a net.Conn in a buffered reader so the readiness monitor can
// detect pending data with Peek instead of consuming bytes the frame reader
// needs. Every read must go through the wrapper once installed; wrapConn
// installs it before the connection is registered anywhere.
type peekConn struct {
	net.Conn
	br       *bufio.Reader
	released chan struct{} // signaled when the server finishes a read pass
	stop     chan struct{}
	stopOnce sync.Once
}

func newPeekConn(conn net.Conn) *peekConn {
	return &peekConn{
		Conn:     conn,
		br:       bufio.NewReader(conn),
		released: make(chan struct{}, 1),
		stop:     make(chan struct{}),
	}
}

// Read serves from the buffered reader so bytes observed by Peek are not lost.
func (p *peekConn) Read(b []byte) (int, error) {
	return p.br.Read(b)
}

// readRelease tells the monitor the server finished its read pass and it is
// safe to Peek again. Signals are coalesced; the channel has capacity one.
func (p *peekConn) readRelease() {
	select {
	case p.released <- struct{}{}:
	default:
	}
}

func (p *peekConn) stopMonitor() {
	p.stopOnce.Do(func() { close(p.stop) })
}

// Epoll provides a goroutine-per-connection fallback for non-Linux platforms.
// On Linux, this is replaced by the real epoll implementation. This fallback
// allows developers on macOS/Windows to run the server without the epoll
// optimization.
type Epoll struct {
	mu      sync.RWMutex
	conns   map[net.Conn]struct{}
	readyCh chan net.Conn // channel that receives connections with pending data
	done    chan struct{}
}

// NewEpoll creates a new fallback epoll instance that uses goroutines to
// monitor each connection for incoming data.
func NewEpoll() (*Epoll, error) {
	return &Epoll{
		conns:   make(map[net.Conn]struct{}),
		readyCh: make(chan net.Conn, 128),
		done:    make(chan struct{}),
	}, nil
}

// Add registers a connection by spawning a goroutine that peeks for buffered
// data. When data arrives, the connection is sent to the ready channel for
// processing by Wait.
func (e *Epoll) Add(conn net.Conn) error {
	e.mu.Lock()
	e.conns[conn] = struct{}{}
	e.mu.Unlock()

	if pc, ok := conn.(*peekConn); ok {
		go e.monitor(pc)
	}
	return nil
}

// monitor blocks on Peek until at least one byte is buffered, signals
// readiness, then waits for the server to finish its read pass before peeking
// again. The handshake keeps the monitor and the frame reader from touching
// the buffered reader concurrently.
func (e *Epoll) monitor(pc *peekConn) {
	for {
		_, err := pc.br.Peek(1)
		if err != nil {
			// Connection closed or errored. Signal readiness so the
			// server's read path can detect the closure.
			select {
			case e.readyCh <- net.Conn(pc):
			case <-e.done:
			case <-pc.stop:
			}
			return
		}

		select {
		case e.readyCh <- net.Conn(pc):
		case <-e.done:
			return
		case <-pc.stop:
			return
		}

		// Wait for the read pass to drain the buffered frame; peeking
		// sooner would re-signal the same bytes.
		select {
		case <-pc.released:
		case <-e.done:
			return
		case <-pc.stop:
			return
		}
	}
}

// Remove unregisters a connection from the fallback epoll and stops its
// readiness monitor.
func (e *Epoll) Remove(conn net.Conn) error {
	if pc, ok := conn.(*peekConn); ok {
		pc.stopMonitor()
	}
	e.mu.Lock()
	delete(e.conns, conn)
	e.mu.Unlock()
	return nil
}

// Wait blocks until at least one connection is ready for reading. It
// collects all currently ready connections from the channel and returns them.
func (e *Epoll) Wait() ([]net.Conn, error) {
	// Block until at least one connection is ready.
	first, ok := <-e.readyCh
	if !ok {
		return nil, net.ErrClosed
	}

	conns := []net.Conn{first}

	// Drain any additional ready connections without blocking.
	for {
		select {
		case conn := <-e.readyCh:
			conns = append(conns, conn)
		default:
			return conns, nil
		}
	}
}

// Close shuts down the fallback epoll instance.
func (e *Epoll) Close() error {
	close(e.done)
	e.mu.Lock()
	e.conns = nil
	e.mu.Unlock()
	return nil
}

// wrapConn installs the peek wrapper so readiness detection never consumes
// frame bytes. The Linux implementation is a no-op.
func wrapConn(conn net.Conn) net.Conn {
	return newPeekConn(conn)
}

// socketFD is a no-op on non-Linux platforms since file descriptors are not
// needed for the goroutine-based fallback.
func socketFD(conn net.Conn) int {
	return -1
}

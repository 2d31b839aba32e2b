// Package splice copies bytes between two connected sockets until both directions finish.
package splice

import (
	"bufio"
	"io"
	"net"
	"sync"
	"sync/atomic"
)

// Stats holds the number of bytes copied in each direction.
type Stats struct {
	AToB int64
	BToA int64
}

type closeWriter interface {
	CloseWrite() error
}

// Pipe relays a<->b without transformation. EOF on one side is forwarded as a
// half-close to the other; an error in either direction closes both sockets.
// Both sockets are closed when Pipe returns.
func Pipe(a, b net.Conn) Stats {
	var (
		st   Stats
		wg   sync.WaitGroup
		once sync.Once
	)
	closeBoth := func() { _ = a.Close(); _ = b.Close() }
	copyFn := func(dst, src net.Conn, n *int64) {
		defer wg.Done()
		written, err := io.Copy(dst, src)
		atomic.AddInt64(n, written)
		if err != nil {
			once.Do(closeBoth)
			return
		}
		if cw, ok := dst.(closeWriter); ok {
			if cw.CloseWrite() == nil {
				return
			}
		}
		once.Do(closeBoth)
	}
	wg.Add(2)
	go copyFn(b, a, &st.AToB)
	go copyFn(a, b, &st.BToA)
	wg.Wait()
	once.Do(closeBoth)
	return st
}

// Buffered returns a net.Conn reading first from r, which must wrap c. Handshake
// readers hand over any bytes they buffered past the last line this way.
func Buffered(c net.Conn, r *bufio.Reader) net.Conn {
	return &bufferedConn{Conn: c, r: r}
}

type bufferedConn struct {
	net.Conn
	r *bufio.Reader
}

func (c *bufferedConn) Read(p []byte) (int, error) { return c.r.Read(p) }

// WriteTo lets io.Copy drain the buffer before falling back to the socket.
func (c *bufferedConn) WriteTo(w io.Writer) (int64, error) { return c.r.WriteTo(w) }

func (c *bufferedConn) CloseWrite() error {
	if cw, ok := c.Conn.(closeWriter); ok {
		return cw.CloseWrite()
	}
	return c.Conn.Close()
}

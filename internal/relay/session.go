package relay

import (
	"net"
	"sync"
	"time"

	"github.com/matst80/easytunnel/internal/proto"
)

// agentSession is the relay side of an agent control connection. Notifications for
// different inbound connections are written from different goroutines, so writes are
// serialized.
type agentSession struct {
	conn         net.Conn
	remote       string
	writeTimeout time.Duration

	mu        sync.Mutex
	closeOnce sync.Once
}

func newAgentSession(c net.Conn, writeTimeout time.Duration) *agentSession {
	return &agentSession{conn: c, remote: c.RemoteAddr().String(), writeTimeout: writeTimeout}
}

func (a *agentSession) send(msg string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.writeTimeout > 0 {
		_ = a.conn.SetWriteDeadline(time.Now().Add(a.writeTimeout))
		defer a.conn.SetWriteDeadline(time.Time{})
	}
	return proto.WriteMessage(a.conn, msg)
}

func (a *agentSession) close() {
	a.closeOnce.Do(func() { _ = a.conn.Close() })
}

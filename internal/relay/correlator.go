package relay

import (
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/matst80/easytunnel/internal/obs"
)

var (
	errReleased    = errors.New("correlation released")
	errBufferLimit = errors.New("pending buffer limit exceeded")
	aLongTimeAgo   = time.Unix(1, 0)
)

// Correlation is an inbound connection accepted on a registered port. It is pending until a
// forward client claims its id, then active until the splice ends.
type Correlation struct {
	ID      string
	Port    int
	Created time.Time

	inbound  net.Conn
	pumpDone chan struct{}

	// guarded by Correlator.mu
	claimed bool

	mu        sync.Mutex
	chunks    [][]byte
	size      int
	forward   net.Conn
	released  bool
	detaching bool
	// the external client finished sending before pairing
	halfClosed bool
	pumpErr   error
	closeOnce sync.Once
}

// Buffered returns the number of bytes held for the forward client.
func (c *Correlation) Buffered() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.size
}

// HalfClosed reports whether the external client closed its sending side while the
// correlation was pending. Its buffered bytes are still delivered.
func (c *Correlation) HalfClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.halfClosed
}

// attach records the forward socket so port teardown closes it too.
func (c *Correlation) attach(fwd net.Conn) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.released {
		return false
	}
	c.forward = fwd
	return true
}

// detach stops buffering and hands back every chunk read so far, in order.
// Afterwards the caller owns reads on the inbound socket.
func (c *Correlation) detach() ([][]byte, error) {
	c.mu.Lock()
	if c.released {
		c.mu.Unlock()
		return nil, errReleased
	}
	c.detaching = true
	c.mu.Unlock()

	_ = c.inbound.SetReadDeadline(aLongTimeAgo)
	<-c.pumpDone

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pumpErr != nil {
		return nil, c.pumpErr
	}
	if c.released {
		return nil, errReleased
	}
	_ = c.inbound.SetReadDeadline(time.Time{})
	chunks := c.chunks
	c.chunks = nil
	c.size = 0
	return chunks, nil
}

// close shuts both sockets exactly once.
func (c *Correlation) close(sockets bool) bool {
	first := false
	c.closeOnce.Do(func() {
		first = true
		c.mu.Lock()
		c.released = true
		c.chunks = nil
		fwd := c.forward
		c.mu.Unlock()
		if !sockets {
			return
		}
		_ = c.inbound.Close()
		if fwd != nil {
			_ = fwd.Close()
		}
	})
	return first
}

// Correlator owns the table of correlations keyed by id.
type Correlator struct {
	mu        sync.Mutex
	entries   map[string]*Correlation
	pending   int
	maxBuffer int
	newID     func() string
}

// NewCorrelator returns an empty table. maxBuffer caps the bytes held per pending
// correlation (0 = unlimited).
func NewCorrelator(maxBuffer int) *Correlator {
	return &Correlator{
		entries:   make(map[string]*Correlation),
		maxBuffer: maxBuffer,
		newID:     uuid.NewString,
	}
}

// Open registers inbound under a fresh id and starts buffering its bytes.
func (c *Correlator) Open(port int, inbound net.Conn) *Correlation {
	corr := &Correlation{Port: port, Created: time.Now(), inbound: inbound, pumpDone: make(chan struct{})}
	c.mu.Lock()
	for {
		id := c.newID()
		if _, taken := c.entries[id]; !taken {
			corr.ID = id
			break
		}
		obs.Warn("relay.correlation.id_collision", obs.Fields{"id": id})
	}
	c.entries[corr.ID] = corr
	c.pending++
	obs.PendingCorrelations.Set(float64(c.pending))
	c.mu.Unlock()
	go c.pump(corr)
	return corr
}

func (c *Correlator) pump(corr *Correlation) {
	defer obs.Recover("relay.correlation.pump")
	defer close(corr.pumpDone)
	buf := make([]byte, 32*1024)
	for {
		n, err := corr.inbound.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			corr.mu.Lock()
			corr.chunks = append(corr.chunks, chunk)
			corr.size += n
			over := c.maxBuffer > 0 && corr.size > c.maxBuffer
			if over {
				corr.pumpErr = errBufferLimit
			}
			corr.mu.Unlock()
			if over {
				obs.Warn("relay.correlation.buffer_limit", obs.Fields{"id": corr.ID, "port": corr.Port, "limit": c.maxBuffer})
				obs.ErrorsTotal.WithLabelValues("buffer_limit").Inc()
				c.Release(corr)
				return
			}
		}
		if err != nil {
			corr.mu.Lock()
			deliberate := corr.detaching && isTimeout(err)
			eof := !deliberate && errors.Is(err, io.EOF)
			if eof {
				corr.halfClosed = true
			} else if !deliberate {
				corr.pumpErr = err
			}
			corr.mu.Unlock()
			if eof {
				// The entry stays until claim or expiry; the splice carries the
				// half-close on after the buffered bytes.
				obs.Debug("relay.correlation.inbound_half_closed", obs.Fields{"id": corr.ID, "port": corr.Port})
			} else if !deliberate {
				obs.Debug("relay.correlation.inbound_closed", obs.Fields{"id": corr.ID, "port": corr.Port, "err": err})
				c.Release(corr)
			}
			return
		}
	}
}

// Claim moves a pending correlation to active. It fails for unknown or already claimed ids.
func (c *Correlator) Claim(id string) (*Correlation, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	corr, ok := c.entries[id]
	if !ok || corr.claimed {
		return nil, false
	}
	corr.claimed = true
	c.pending--
	obs.PendingCorrelations.Set(float64(c.pending))
	return corr, true
}

// Lookup returns the live correlation for id.
func (c *Correlator) Lookup(id string) (*Correlation, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	corr, ok := c.entries[id]
	return corr, ok
}

func (c *Correlator) remove(corr *Correlation) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cur, ok := c.entries[corr.ID]; ok && cur == corr {
		delete(c.entries, corr.ID)
		if !corr.claimed {
			c.pending--
			obs.PendingCorrelations.Set(float64(c.pending))
		}
	}
}

// Release closes both sockets of corr and erases its entry. Safe to call repeatedly;
// it reports whether this call did the teardown.
func (c *Correlator) Release(corr *Correlation) bool {
	c.remove(corr)
	return corr.close(true)
}

// forget erases corr after its sockets were closed elsewhere.
func (c *Correlator) forget(corr *Correlation) {
	c.remove(corr)
	corr.close(false)
}

// ReleasePort tears down every correlation, pending or active, accepted on port.
func (c *Correlator) ReleasePort(port int) int {
	return c.releaseWhere(func(corr *Correlation) bool { return corr.Port == port })
}

// ReleaseAll tears down every correlation.
func (c *Correlator) ReleaseAll() int {
	return c.releaseWhere(func(*Correlation) bool { return true })
}

// Expire tears down pending correlations older than maxAge.
func (c *Correlator) Expire(maxAge time.Duration) int {
	cutoff := time.Now().Add(-maxAge)
	return c.releaseWhere(func(corr *Correlation) bool {
		return !corr.claimed && corr.Created.Before(cutoff)
	})
}

func (c *Correlator) releaseWhere(match func(*Correlation) bool) int {
	var victims []*Correlation
	c.mu.Lock()
	for id, corr := range c.entries {
		if !match(corr) {
			continue
		}
		delete(c.entries, id)
		if !corr.claimed {
			c.pending--
		}
		victims = append(victims, corr)
	}
	obs.PendingCorrelations.Set(float64(c.pending))
	c.mu.Unlock()
	closed := 0
	for _, corr := range victims {
		if corr.close(true) {
			closed++
		}
	}
	return closed
}

// PendingBytes sums the bytes held for correlations no forward client has claimed yet.
func (c *Correlator) PendingBytes() int {
	c.mu.Lock()
	var waiting []*Correlation
	for _, corr := range c.entries {
		if !corr.claimed {
			waiting = append(waiting, corr)
		}
	}
	c.mu.Unlock()
	total := 0
	for _, corr := range waiting {
		total += corr.Buffered()
	}
	return total
}

// Counts returns the number of pending and active correlations.
func (c *Correlator) Counts() (pending, active int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pending, len(c.entries) - c.pending
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

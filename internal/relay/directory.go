package relay

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/matst80/easytunnel/internal/obs"
)

// PortRecord describes which relay instance currently serves a remote port.
type PortRecord struct {
	Port     int       `json:"port"`
	Instance string    `json:"instance"`
	Agent    string    `json:"agent"`
	Since    time.Time `json:"since"`
}

// Directory publishes the registrations of this relay. The in-memory backend only knows
// local ports; the Redis backend gives several relays a shared view.
type Directory interface {
	Announce(ctx context.Context, rec PortRecord) error
	Withdraw(ctx context.Context, port int) error
	List(ctx context.Context) ([]PortRecord, error)
	Close() error
}

// maintainer is implemented by directories that need a background refresh loop.
type maintainer interface {
	Maintain(ctx context.Context)
}

// NewDirectory creates either an in-memory or Redis-backed directory based on configuration.
func NewDirectory(redisAddr, redisPassword string, redisDB int) (Directory, error) {
	instance := fmt.Sprintf("easytunnel-%d", time.Now().UnixNano())
	if redisAddr == "" {
		obs.Info("directory.backend", obs.Fields{"type": "in-memory"})
		return NewMemoryDirectory(instance), nil
	}
	obs.Info("directory.backend", obs.Fields{"type": "redis", "addr": redisAddr})
	return newRedisDirectory(redisAddr, redisPassword, redisDB, instance)
}

type memoryDirectory struct {
	instance string
	mu       sync.Mutex
	records  map[int]PortRecord
}

// NewMemoryDirectory returns a process-local directory.
func NewMemoryDirectory(instance string) Directory {
	return &memoryDirectory{instance: instance, records: make(map[int]PortRecord)}
}

var _ Directory = (*memoryDirectory)(nil)

func (m *memoryDirectory) Announce(_ context.Context, rec PortRecord) error {
	rec.Instance = m.instance
	m.mu.Lock()
	m.records[rec.Port] = rec
	m.mu.Unlock()
	return nil
}

func (m *memoryDirectory) Withdraw(_ context.Context, port int) error {
	m.mu.Lock()
	delete(m.records, port)
	m.mu.Unlock()
	return nil
}

func (m *memoryDirectory) List(_ context.Context) ([]PortRecord, error) {
	m.mu.Lock()
	out := make([]PortRecord, 0, len(m.records))
	for _, rec := range m.records {
		out = append(out, rec)
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Port < out[j].Port })
	return out, nil
}

func (m *memoryDirectory) Close() error { return nil }

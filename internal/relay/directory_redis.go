package relay

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/matst80/easytunnel/internal/obs"
	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "easytunnel:port:"

// withdrawScript deletes a port record only while this instance still owns it.
var withdrawScript = redis.NewScript(`
if redis.call("HGET", KEYS[1], "instance") == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// redisDirectory stores one hash per registered port with a TTL that the owning
// instance refreshes while the registration lives.
type redisDirectory struct {
	client   *redis.Client
	instance string

	mu    sync.Mutex
	owned map[int]struct{}

	heartbeatInterval time.Duration
	keyTTL            time.Duration
}

func newRedisDirectory(addr, password string, db int, instance string) (*redisDirectory, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return &redisDirectory{
		client:            rdb,
		instance:          instance,
		owned:             make(map[int]struct{}),
		heartbeatInterval: 10 * time.Second,
		keyTTL:            30 * time.Second,
	}, nil
}

var (
	_ Directory  = (*redisDirectory)(nil)
	_ maintainer = (*redisDirectory)(nil)
)

func redisKey(port int) string { return redisKeyPrefix + strconv.Itoa(port) }

func (d *redisDirectory) Announce(ctx context.Context, rec PortRecord) error {
	key := redisKey(rec.Port)
	pipe := d.client.TxPipeline()
	pipe.Del(ctx, key)
	pipe.HSet(ctx, key, map[string]any{
		"instance": d.instance,
		"agent":    rec.Agent,
		"since":    rec.Since.UTC().Format(time.RFC3339Nano),
	})
	pipe.Expire(ctx, key, d.keyTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis announce port %d: %w", rec.Port, err)
	}
	d.mu.Lock()
	d.owned[rec.Port] = struct{}{}
	d.mu.Unlock()
	return nil
}

func (d *redisDirectory) Withdraw(ctx context.Context, port int) error {
	d.mu.Lock()
	delete(d.owned, port)
	d.mu.Unlock()
	if err := withdrawScript.Run(ctx, d.client, []string{redisKey(port)}, d.instance).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("redis withdraw port %d: %w", port, err)
	}
	return nil
}

func (d *redisDirectory) List(ctx context.Context) ([]PortRecord, error) {
	var out []PortRecord
	iter := d.client.Scan(ctx, 0, redisKeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		port, err := strconv.Atoi(strings.TrimPrefix(key, redisKeyPrefix))
		if err != nil {
			continue
		}
		fields, err := d.client.HGetAll(ctx, key).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			return nil, fmt.Errorf("redis read %s: %w", key, err)
		}
		if len(fields) == 0 {
			continue
		}
		rec := PortRecord{Port: port, Instance: fields["instance"], Agent: fields["agent"]}
		if ts, err := time.Parse(time.RFC3339Nano, fields["since"]); err == nil {
			rec.Since = ts
		}
		out = append(out, rec)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("redis scan: %w", err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Port < out[j].Port })
	return out, nil
}

// Maintain refreshes the TTL of locally owned records until ctx is done.
func (d *redisDirectory) Maintain(ctx context.Context) {
	ticker := time.NewTicker(d.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.heartbeat(ctx)
		}
	}
}

func (d *redisDirectory) heartbeat(ctx context.Context) {
	d.mu.Lock()
	ports := make([]int, 0, len(d.owned))
	for port := range d.owned {
		ports = append(ports, port)
	}
	d.mu.Unlock()
	for _, port := range ports {
		if err := d.client.Expire(ctx, redisKey(port), d.keyTTL).Err(); err != nil {
			obs.Error("redis.heartbeat.expire", obs.Fields{"err": err, "port": port})
		}
	}
}

func (d *redisDirectory) Close() error { return d.client.Close() }

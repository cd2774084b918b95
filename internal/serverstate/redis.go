package serverstate

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/gaspardpetit/protobridge/internal/logx"
)

// redisStore implements Store backed by a Redis instance.
type redisStore struct {
	client redis.UniversalClient
	key    string
	ctx    context.Context
}

// DefaultRedisKey is where the state document lives.
const DefaultRedisKey = "protobridge:state"

// NewRedisStore connects to the given Redis URL and returns a Store kept
// under key. A state left by a previous process keeps its phase but is
// reset to not_ready.
func NewRedisStore(ctx context.Context, addr, key string) (*redisStore, error) {
	opts, err := redisOptions(addr)
	if err != nil {
		return nil, err
	}
	if key == "" {
		key = DefaultRedisKey
	}
	c := redis.NewUniversalClient(opts)
	rs := &redisStore{client: c, key: key, ctx: ctx}
	if err := c.Ping(ctx).Err(); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	prev := rs.Load()
	b, _ := json.Marshal(State{Status: StatusNotReady, Phase: prev.Phase})
	if err := c.Set(ctx, key, b, 0).Err(); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("redis init: %w", err)
	}
	return rs, nil
}

// Close releases the Redis connection.
func (r *redisStore) Close() error { return r.client.Close() }

// redisOptions turns addr into client options. It accepts a plain
// host:port, redis:// and rediss:// URLs (a comma separated host list
// selects a cluster), and redis-sentinel:// or rediss-sentinel:// URLs whose
// path names the master.
func redisOptions(addr string) (*redis.UniversalOptions, error) {
	scheme, _, ok := strings.Cut(addr, "://")
	if !ok {
		return &redis.UniversalOptions{Addrs: []string{addr}}, nil
	}
	switch scheme {
	case "redis", "rediss":
		return directOptions(addr)
	case "redis-sentinel", "rediss-sentinel":
		return sentinelOptions(addr, scheme == "rediss-sentinel")
	}
	return nil, fmt.Errorf("redis: unsupported URL scheme %q", scheme)
}

func directOptions(addr string) (*redis.UniversalOptions, error) {
	u, err := url.Parse(addr)
	if err != nil {
		return nil, err
	}
	hosts := strings.Split(u.Host, ",")
	u.Host = hosts[0]
	o, err := redis.ParseURL(u.String())
	if err != nil {
		return nil, err
	}
	return &redis.UniversalOptions{
		Addrs:        hosts,
		Username:     o.Username,
		Password:     o.Password,
		DB:           o.DB,
		TLSConfig:    o.TLSConfig,
		DialTimeout:  o.DialTimeout,
		ReadTimeout:  o.ReadTimeout,
		WriteTimeout: o.WriteTimeout,
		PoolSize:     o.PoolSize,
	}, nil
}

func sentinelOptions(addr string, secure bool) (*redis.UniversalOptions, error) {
	u, err := url.Parse(addr)
	if err != nil {
		return nil, err
	}
	q := u.Query()
	o := &redis.UniversalOptions{
		Addrs:            strings.Split(u.Host, ","),
		MasterName:       strings.Trim(u.Path, "/"),
		SentinelUsername: q.Get("sentinel_username"),
		SentinelPassword: q.Get("sentinel_password"),
	}
	if o.MasterName == "" {
		return nil, errors.New("redis: sentinel URL has no master name")
	}
	if u.User != nil {
		o.Username = u.User.Username()
		o.Password, _ = u.User.Password()
	}
	if v := q.Get("db"); v != "" {
		db, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("redis: invalid db %q: %w", v, err)
		}
		o.DB = db
	}
	if secure {
		o.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	return o, nil
}

func (r *redisStore) Load() State {
	b, err := r.client.Get(r.ctx, r.key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return State{Status: StatusNotReady}
		}
		return State{Status: StatusUnknown}
	}
	var st State
	if err := json.Unmarshal(b, &st); err != nil {
		return State{Status: StatusUnknown}
	}
	return st
}

func (r *redisStore) Store(s State) {
	b, err := json.Marshal(s)
	if err != nil {
		return
	}
	if err := r.client.Set(r.ctx, r.key, b, 0).Err(); err != nil {
		logx.Log.Warn().Err(err).Str("key", r.key).Msg("persist server state")
	}
}

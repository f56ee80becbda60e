package checkpoint

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/agentstation/migrator/pkg/errors"
)

// DefaultKeyPrefix namespaces checkpoint keys in Redis.
const DefaultKeyPrefix = "migrator:checkpoint:"

// RedisConfig configures a Redis checkpoint store.
type RedisConfig struct {
	// URL is a redis:// URL; Addr is used when URL is empty.
	URL       string
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
}

// Redis stores one JSON checkpoint per source under KeyPrefix+source, so
// several migrator processes can share progress.
type Redis struct {
	client *redis.Client
	prefix string
	owned  bool
}

var _ Store = (*Redis)(nil)

// OpenRedis connects to Redis and pings it.
func OpenRedis(ctx context.Context, cfg RedisConfig) (*Redis, error) {
	var opt *redis.Options
	switch {
	case cfg.URL != "":
		var err error
		if opt, err = redis.ParseURL(cfg.URL); err != nil {
			return nil, errors.NewConfigError("checkpoint", "invalid redis url", err)
		}
	case cfg.Addr != "":
		opt = &redis.Options{Addr: cfg.Addr, Password: cfg.Password, DB: cfg.DB}
	default:
		return nil, errors.NewConfigError("checkpoint", "redis url or addr is required", nil)
	}
	client := redis.NewClient(opt)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, errors.WrapIO("connect", opt.Addr, err)
	}
	r := NewRedis(client, cfg.KeyPrefix)
	r.owned = true
	return r, nil
}

// NewRedis wraps an existing client. The caller keeps ownership of client.
func NewRedis(client *redis.Client, prefix string) *Redis {
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	return &Redis{client: client, prefix: prefix}
}

func (r *Redis) key(source string) string { return r.prefix + source }

// Load implements Store.
func (r *Redis) Load(ctx context.Context, source string) (Entry, bool, error) {
	data, err := r.client.Get(ctx, r.key(source)).Bytes()
	if stderrors.Is(err, redis.Nil) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, errors.WrapIO("read", r.key(source), err)
	}
	var e Entry
	if err := json.Unmarshal(data, &e); err != nil {
		return Entry{}, false, errors.WrapParse("json", r.key(source), err)
	}
	return e, true, nil
}

// Save implements Store.
func (r *Redis) Save(ctx context.Context, entry Entry) error {
	if err := validate(entry); err != nil {
		return err
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode checkpoint: %w", err)
	}
	if err := r.client.Set(ctx, r.key(entry.Source), data, 0).Err(); err != nil {
		return errors.WrapIO("write", r.key(entry.Source), err)
	}
	return nil
}

// List implements Store.
func (r *Redis) List(ctx context.Context) ([]Entry, error) {
	entries := make(map[string]Entry)
	iter := r.client.Scan(ctx, 0, r.prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		source := strings.TrimPrefix(iter.Val(), r.prefix)
		e, ok, err := r.Load(ctx, source)
		if err != nil {
			return nil, err
		}
		if ok {
			entries[source] = e
		}
	}
	if err := iter.Err(); err != nil {
		return nil, errors.WrapIO("scan", r.prefix, err)
	}
	return sorted(entries), nil
}

// Close implements Store.
func (r *Redis) Close() error {
	if !r.owned {
		return nil
	}
	return r.client.Close()
}

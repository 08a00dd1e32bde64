// Package hot is a typed wrapper over the shared in-memory datastore:
// geo sets, key/value with TTL, lists, hashes and pub/sub. Backed by
// Redis via go-redis.
package hot

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"slopestream-core/internal/apperrors"
)

// Client is shared by reference across every handler that touches HOT;
// it is configured once at process start and passed in explicitly — no
// global mutable singleton.
type Client struct {
	rdb     *redis.Client
	timeout time.Duration
}

// GeoMember is one result row of a GEORADIUS WITHDIST WITHCOORD query.
type GeoMember struct {
	Member    string
	DistanceM float64
	Lon       float64
	Lat       float64
}

// New dials the configured HOT endpoint.
func New(endpoint, password string, db int, timeout time.Duration) *Client {
	rdb := redis.NewClient(&redis.Options{
		Addr:     endpoint,
		Password: password,
		DB:       db,
	})
	return &Client{rdb: rdb, timeout: timeout}
}

// Close releases the underlying connection pool.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Ping verifies connectivity at process start.
func (c *Client) Ping(ctx context.Context) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	return c.rdb.Ping(ctx).Err()
}

func (c *Client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, c.timeout)
}

func wrap(op string, err error) error {
	if err == nil || err == redis.Nil {
		return nil
	}
	return apperrors.Transient("hot: "+op, err)
}

// SetEX sets a string value with a TTL.
func (c *Client) SetEX(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	return wrap("setex", c.rdb.Set(ctx, key, value, ttl).Err())
}

// Get fetches a string value; returns ("", false, nil) on miss.
func (c *Client) Get(ctx context.Context, key string) (string, bool, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	v, err := c.rdb.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, wrap("get", err)
	}
	return v, true, nil
}

// Del removes one or more keys.
func (c *Client) Del(ctx context.Context, keys ...string) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	return wrap("del", c.rdb.Del(ctx, keys...).Err())
}

// Expire refreshes a key's TTL.
func (c *Client) Expire(ctx context.Context, key string, ttl time.Duration) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	return wrap("expire", c.rdb.Expire(ctx, key, ttl).Err())
}

// HSet writes a hash in one call.
func (c *Client) HSet(ctx context.Context, key string, fields map[string]interface{}) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	return wrap("hset", c.rdb.HSet(ctx, key, fields).Err())
}

// HGetAll reads an entire hash.
func (c *Client) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	m, err := c.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, wrap("hgetall", err)
	}
	return m, nil
}

// LPush pushes one value onto the head of a list.
func (c *Client) LPush(ctx context.Context, key string, value interface{}) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	return wrap("lpush", c.rdb.LPush(ctx, key, value).Err())
}

// LTrim keeps only the given index range of a list.
func (c *Client) LTrim(ctx context.Context, key string, start, stop int64) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	return wrap("ltrim", c.rdb.LTrim(ctx, key, start, stop).Err())
}

// LRange reads a slice of a list (head-first, i.e. newest-first when
// populated via LPush).
func (c *Client) LRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	vals, err := c.rdb.LRange(ctx, key, start, stop).Result()
	if err != nil {
		return nil, wrap("lrange", err)
	}
	return vals, nil
}

// SAdd adds one member to a set.
func (c *Client) SAdd(ctx context.Context, key, member string) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	return wrap("sadd", c.rdb.SAdd(ctx, key, member).Err())
}

// SRem removes one member from a set.
func (c *Client) SRem(ctx context.Context, key, member string) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	return wrap("srem", c.rdb.SRem(ctx, key, member).Err())
}

// SMembers lists every member of a set.
func (c *Client) SMembers(ctx context.Context, key string) ([]string, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	vals, err := c.rdb.SMembers(ctx, key).Result()
	if err != nil {
		return nil, wrap("smembers", err)
	}
	return vals, nil
}

// SCard counts the members of a set.
func (c *Client) SCard(ctx context.Context, key string) (int64, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	n, err := c.rdb.SCard(ctx, key).Result()
	if err != nil {
		return 0, wrap("scard", err)
	}
	return n, nil
}

// GeoAdd records a member's position in a geo set.
func (c *Client) GeoAdd(ctx context.Context, key string, lon, lat float64, member string) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	return wrap("geoadd", c.rdb.GeoAdd(ctx, key, &redis.GeoLocation{
		Name:      member,
		Longitude: lon,
		Latitude:  lat,
	}).Err())
}

// GeoRadius returns every member within radiusM meters of (lon, lat),
// ordered by distance ascending (ties broken by member id by the caller,
// since Redis does not guarantee member-id tie-break order).
func (c *Client) GeoRadius(ctx context.Context, key string, lon, lat, radiusM float64) ([]GeoMember, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	res, err := c.rdb.GeoRadius(ctx, key, lon, lat, &redis.GeoRadiusQuery{
		Radius:    radiusM,
		Unit:      "m",
		WithCoord: true,
		WithDist:  true,
		Sort:      "ASC",
	}).Result()
	if err != nil {
		return nil, wrap("georadius", err)
	}
	out := make([]GeoMember, 0, len(res))
	for _, r := range res {
		out = append(out, GeoMember{
			Member:    r.Name,
			DistanceM: r.Dist,
			Lon:       r.Longitude,
			Lat:       r.Latitude,
		})
	}
	return out, nil
}

// GeoMembers lists every member currently stored in a geo set, regardless
// of position. Redis geo sets are sorted sets under the hood, so this is a
// plain ZRANGE over the full index.
func (c *Client) GeoMembers(ctx context.Context, key string) ([]string, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	vals, err := c.rdb.ZRange(ctx, key, 0, -1).Result()
	if err != nil {
		return nil, wrap("zrange", err)
	}
	return vals, nil
}

// Exists reports whether a key is currently present.
func (c *Client) Exists(ctx context.Context, key string) (bool, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	n, err := c.rdb.Exists(ctx, key).Result()
	if err != nil {
		return false, wrap("exists", err)
	}
	return n > 0, nil
}

// GeoPos returns the last known position of a member, if present.
func (c *Client) GeoPos(ctx context.Context, key, member string) (lon, lat float64, ok bool, err error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	res, rerr := c.rdb.GeoPos(ctx, key, member).Result()
	if rerr != nil {
		return 0, 0, false, wrap("geopos", rerr)
	}
	if len(res) == 0 || res[0] == nil {
		return 0, 0, false, nil
	}
	return res[0].Longitude, res[0].Latitude, true, nil
}

// Keys lists keys matching a bounded pattern. Callers MUST scope the
// pattern narrowly (e.g. "typing:{roomId}:*") — this is not meant for
// unbounded cluster scans.
func (c *Client) Keys(ctx context.Context, pattern string) ([]string, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	vals, err := c.rdb.Keys(ctx, pattern).Result()
	if err != nil {
		return nil, wrap("keys", err)
	}
	return vals, nil
}

// Publish broadcasts a framed message on a channel.
func (c *Client) Publish(ctx context.Context, channel string, payload []byte) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	return wrap("publish", c.rdb.Publish(ctx, channel, payload).Err())
}

// Subscribe opens a long-lived subscription to one channel. The caller
// owns the returned PubSub and must Close it on unsubscribe.
func (c *Client) Subscribe(ctx context.Context, channel string) *redis.PubSub {
	return c.rdb.Subscribe(ctx, channel)
}

// Raw exposes the underlying client for the job queue, which needs
// Streams commands this wrapper does not otherwise surface.
func (c *Client) Raw() *redis.Client {
	return c.rdb
}

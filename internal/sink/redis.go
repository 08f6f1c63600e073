package sink

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/srg/bmsd/internal/metric"
)

// RedisCmdable is the part of redis.Cmdable the sink needs
type RedisCmdable interface {
	HSet(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
	Expire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd
	Ping(ctx context.Context) *redis.StatusCmd
}

type RedisOptions struct {
	KeyPrefix string
	TTL       time.Duration // 0 keeps keys forever
	Names     metric.NameTable
}

// Redis keeps the latest value of every field in one hash per destination:
//
//	HSET <prefix>:<meter>:<name> <field> <value> ... ts <unix>
type Redis struct {
	base
	client RedisCmdable
	opts   RedisOptions
}

func NewRedis(c RedisCmdable, opts RedisOptions, logger *logrus.Logger) *Redis {
	return &Redis{base: newBase("redis", logger), client: c, opts: opts}
}

// Key returns the hash key for a meter and destination
func (s *Redis) Key(meter string, d metric.Destination) string {
	parts := make([]string, 0, 3)
	if s.opts.KeyPrefix != "" {
		parts = append(parts, s.opts.KeyPrefix)
	}
	parts = append(parts, meter, s.opts.Names.Name(d))
	return strings.Join(parts, ":")
}

func (s *Redis) Deliver(ctx context.Context, tuples []metric.Tuple) error {
	if !s.available(len(tuples)) {
		return nil
	}

	var errs []error
	order, groups := group(tuples)
	for _, d := range order {
		g := groups[d]
		if g[0].Meter == "" {
			errs = append(errs, permanent(s.name, string(d), errors.New("empty meter name in key")))
			continue
		}
		key := s.Key(g[0].Meter, d)

		values := make([]interface{}, 0, 2*len(g)+2)
		for _, t := range g {
			field := t.Field
			if field == "" {
				field = "value"
			}
			values = append(values, field, t.Value.String())
		}
		values = append(values, "ts", g[0].Time.Unix())

		if err := s.client.HSet(ctx, key, values...).Err(); err != nil {
			s.transportFailed(fmt.Errorf("hset %s: %w", key, err))
			return errors.Join(errs...)
		}
		if s.opts.TTL > 0 {
			if err := s.client.Expire(ctx, key, s.opts.TTL).Err(); err != nil {
				s.transportFailed(fmt.Errorf("expire %s: %w", key, err))
				return errors.Join(errs...)
			}
		}

		s.logger.WithField("key", key).Debug("Hash updated")
	}

	return errors.Join(errs...)
}

// RedisTransport pings the server for the supervisor
type RedisTransport struct {
	client RedisCmdable
}

func NewRedisTransport(c RedisCmdable) *RedisTransport {
	return &RedisTransport{client: c}
}

func (t *RedisTransport) Name() string { return "redis" }

func (t *RedisTransport) Connect(ctx context.Context) error {
	if err := t.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	return nil
}

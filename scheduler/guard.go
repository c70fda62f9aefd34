package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/tarancss/custody/lib/store"
)

// Guard grants the right to run a job body. The returned release func must be called when the body returns.
type Guard interface {
	Acquire(ctx context.Context, name string, ttl time.Duration) (release func(), ok bool, err error)
}

// LocalGuard always grants: the scheduler's own active flag is the only guard.
type LocalGuard struct{}

// Acquire implements Guard.
func (LocalGuard) Acquire(context.Context, string, time.Duration) (func(), bool, error) {
	return func() {}, true, nil
}

var (
	renewScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("pexpire", KEYS[1], ARGV[2])
end
return 0`)

	releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0`)
)

// RedisGuard holds a per-job lease in Redis (SET NX PX) so only one replica runs a job body at a time. The lease is
// renewed while the body runs and released, only by its owner, when it returns.
type RedisGuard struct {
	client *redis.Client
	prefix string
	log    *logrus.Entry
}

// NewRedisGuard connects to the Redis server at url (ie. redis://localhost:6379/0).
func NewRedisGuard(url string, log *logrus.Entry) (*RedisGuard, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}

	client := redis.NewClient(opts)
	if err = client.Ping(context.Background()).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}

	return &RedisGuard{client: client, prefix: "custody:job:", log: log}, nil
}

// Close closes the Redis client.
func (g *RedisGuard) Close() error {
	return g.client.Close()
}

// Acquire implements Guard.
func (g *RedisGuard) Acquire(ctx context.Context, name string, ttl time.Duration) (func(), bool, error) {
	key, token := g.prefix+name, store.NewID()

	ok, err := g.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil || !ok {
		return nil, false, err
	}

	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)

	go func() {
		defer wg.Done()

		t := time.NewTicker(ttl / 3)
		defer t.Stop()

		for {
			select {
			case <-done:
				return
			case <-t.C:
				n, err := renewScript.Run(context.Background(), g.client, []string{key}, token, ttl.Milliseconds()).Int()
				if err != nil || n == 0 {
					g.log.WithError(err).WithField("job", name).Warn("job lease lost")
					return
				}
			}
		}
	}()

	release := func() {
		close(done)
		wg.Wait()
		if err := releaseScript.Run(context.Background(), g.client, []string{key}, token).Err(); err != nil {
			g.log.WithError(err).WithField("job", name).Warn("releasing job lease")
		}
	}

	return release, true, nil
}

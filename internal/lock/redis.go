package lock

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"

	"rampdeploy/internal/deploy"
)

const (
	defaultTTL    = 60 * time.Second
	redisKeyspace = "rampdeploy:lock:"
)

var (
	releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0`)
	refreshScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("pexpire", KEYS[1], ARGV[2])
end
return 0`)
)

// Redis locks environments across processes. Leases expire after TTL unless
// refreshed, so a crashed holder cannot block an environment forever.
type Redis struct {
	client *redis.Client
	ttl    time.Duration
	logger *slog.Logger
}

type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	TTL      time.Duration
}

func NewRedis(ctx context.Context, opts RedisOptions, logger *slog.Logger) (*Redis, error) {
	if strings.TrimSpace(opts.Addr) == "" {
		return nil, errors.New("redis addr required")
	}
	client := redis.NewClient(&redis.Options{Addr: opts.Addr, Password: opts.Password, DB: opts.DB})
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, err
	}
	return newRedisWithClient(client, opts.TTL, logger), nil
}

func newRedisWithClient(client *redis.Client, ttl time.Duration, logger *slog.Logger) *Redis {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Redis{client: client, ttl: ttl, logger: logger}
}

func (r *Redis) Close() error {
	return r.client.Close()
}

func (r *Redis) Acquire(ctx context.Context, env, holder string) (Lease, error) {
	key := redisKeyspace + env
	token := holder + "|" + uuid.NewString()
	ok, err := r.client.SetNX(ctx, key, token, r.ttl).Result()
	if err != nil {
		return nil, err
	}
	if !ok {
		current, _ := r.client.Get(ctx, key).Result()
		h, _, _ := strings.Cut(current, "|")
		return nil, &deploy.AlreadyInProgressError{Environment: env, Holder: h}
	}
	lease := &redisLease{r: r, key: key, token: token, stop: make(chan struct{}), done: make(chan struct{}), lost: make(chan struct{})}
	go lease.refresh()
	return lease, nil
}

type redisLease struct {
	r     *Redis
	key   string
	token string
	stop  chan struct{}
	done  chan struct{}
	lost  chan struct{}
	once  sync.Once
}

func (l *redisLease) Done() <-chan struct{} { return l.lost }

func (l *redisLease) refresh() {
	defer close(l.done)
	ticker := time.NewTicker(l.r.ttl / 3)
	defer ticker.Stop()
	refreshed := time.Now()
	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), l.r.ttl/3)
			n, err := refreshScript.Run(ctx, l.r.client, []string{l.key}, l.token, l.r.ttl.Milliseconds()).Int()
			cancel()
			if err != nil {
				l.r.logger.Warn("lock refresh failed", "key", l.key, "error", err)
				if time.Since(refreshed) < l.r.ttl {
					continue
				}
				n = 0
			}
			if n == 0 {
				l.r.logger.Error("lock lost", "key", l.key)
				close(l.lost)
				return
			}
			refreshed = time.Now()
		}
	}
}

// Release deletes the key only while it still carries this lease's token.
func (l *redisLease) Release(ctx context.Context) error {
	var err error
	l.once.Do(func() {
		close(l.stop)
		<-l.done
		err = releaseScript.Run(ctx, l.r.client, []string{l.key}, l.token).Err()
		if errors.Is(err, redis.Nil) {
			err = nil
		}
	})
	return err
}

package locker

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	radix "github.com/mediocregopher/radix/v3"

	"github.com/iurnickita/voucherd/internal/locker/config"
)

const (
	defaultTTL      = 30 * time.Second
	defaultPoll     = 50 * time.Millisecond
	defaultPoolSize = 10
	keyPrefix       = "voucherd:lock:"
)

// снимаем блокировку, только если она все еще наша
var unlockScript = radix.NewEvalScript(1, `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// redisLocker - блокировки между экземплярами сервиса.
// Блокировка живет не дольше TTL: упавший экземпляр не держит ключ вечно.
type redisLocker struct {
	client radix.Client
	ttl    time.Duration
	poll   time.Duration
}

func NewRedisLocker(cfg config.Config) (Locker, error) {
	size := cfg.PoolSize
	if size <= 0 {
		size = defaultPoolSize
	}
	pool, err := radix.NewPool("tcp", cfg.RedisAddr, size)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLockUnavailable, err)
	}
	return newRedisLocker(pool, cfg), nil
}

func newRedisLocker(client radix.Client, cfg config.Config) *redisLocker {
	l := &redisLocker{client: client, ttl: cfg.TTL, poll: cfg.Poll}
	if l.ttl <= 0 {
		l.ttl = defaultTTL
	}
	if l.poll <= 0 {
		l.poll = defaultPoll
	}
	return l
}

func (l *redisLocker) TryLock(_ context.Context, key string) (Unlock, bool, error) {
	token := uuid.NewString()
	var reply string
	mn := radix.MaybeNil{Rcv: &reply}
	err := l.client.Do(radix.Cmd(&mn, "SET", keyPrefix+key, token,
		"NX", "PX", strconv.FormatInt(l.ttl.Milliseconds(), 10)))
	if err != nil {
		return nil, false, fmt.Errorf("%w: %v", ErrLockUnavailable, err)
	}
	if mn.Nil {
		return nil, false, nil
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			// ошибка не критична: ключ истечет по TTL
			_ = l.client.Do(unlockScript.Cmd(nil, keyPrefix+key, token))
		})
	}, true, nil
}

func (l *redisLocker) Lock(ctx context.Context, key string) (Unlock, error) {
	ticker := time.NewTicker(l.poll)
	defer ticker.Stop()
	for {
		unlock, ok, err := l.TryLock(ctx, key)
		if err != nil {
			return nil, err
		}
		if ok {
			return unlock, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (l *redisLocker) Close() error {
	return l.client.Close()
}

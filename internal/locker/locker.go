package locker

import (
	"context"
	"errors"
	"sync"

	"github.com/iurnickita/voucherd/internal/locker/config"
)

// Locker - именованные взаимоисключающие блокировки.
// Ключи: voucher:<code> на время выдачи учетных данных, sweep для обхода истекших ваучеров.
type Locker interface {
	// Lock ждет освобождения ключа или отмены ctx
	Lock(ctx context.Context, key string) (Unlock, error)
	// TryLock не ждет: ok=false, если ключ занят
	TryLock(ctx context.Context, key string) (unlock Unlock, ok bool, err error)
	Close() error
}

type Unlock func()

var ErrLockUnavailable = errors.New("lock backend unavailable")

func NewLocker(cfg config.Config) (Locker, error) {
	if cfg.RedisAddr == "" {
		return NewMemLocker(), nil
	}
	return NewRedisLocker(cfg)
}

// memLocker - блокировки в пределах процесса: на каждый ключ канал-семафор емкостью 1
type memLocker struct {
	mu   sync.Mutex
	keys map[string]*memKey
}

type memKey struct {
	sem  chan struct{}
	refs int
}

func NewMemLocker() Locker {
	return &memLocker{keys: make(map[string]*memKey)}
}

func (l *memLocker) acquire(key string) *memKey {
	l.mu.Lock()
	defer l.mu.Unlock()
	k, ok := l.keys[key]
	if !ok {
		k = &memKey{sem: make(chan struct{}, 1)}
		l.keys[key] = k
	}
	k.refs++
	return k
}

func (l *memLocker) release(key string, k *memKey) {
	l.mu.Lock()
	defer l.mu.Unlock()
	k.refs--
	if k.refs == 0 {
		delete(l.keys, key)
	}
}

func (l *memLocker) unlockFunc(key string, k *memKey) Unlock {
	var once sync.Once
	return func() {
		once.Do(func() {
			<-k.sem
			l.release(key, k)
		})
	}
}

func (l *memLocker) Lock(ctx context.Context, key string) (Unlock, error) {
	k := l.acquire(key)
	select {
	case k.sem <- struct{}{}:
		return l.unlockFunc(key, k), nil
	case <-ctx.Done():
		l.release(key, k)
		return nil, ctx.Err()
	}
}

func (l *memLocker) TryLock(_ context.Context, key string) (Unlock, bool, error) {
	k := l.acquire(key)
	select {
	case k.sem <- struct{}{}:
		return l.unlockFunc(key, k), true, nil
	default:
		l.release(key, k)
		return nil, false, nil
	}
}

func (l *memLocker) Close() error {
	return nil
}

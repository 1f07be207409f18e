package lock

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
	"github.com/renovolabs/renovo/internal/config"
)

const lockReleaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`

const keyExpansionRun = "expansion:run:lock:%s"

type Locker struct {
	client *redis.Client
	script *redis.Script
}

func NewLocker(client *redis.Client) *Locker {
	if client == nil {
		return nil
	}
	return &Locker{
		client: client,
		script: redis.NewScript(lockReleaseScript),
	}
}

func (l *Locker) TryLock(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	if l == nil || l.client == nil {
		return "", false, errors.New("lock client not configured")
	}
	if key == "" {
		return "", false, errors.New("lock key is empty")
	}
	if ttl <= 0 {
		return "", false, errors.New("lock ttl must be positive")
	}

	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return "", false, err
	}
	return token, ok, nil
}

func (l *Locker) Release(ctx context.Context, key, token string) error {
	if l == nil || l.client == nil {
		return nil
	}
	if key == "" || token == "" {
		return nil
	}
	return l.script.Run(ctx, l.client, []string{key}, token).Err()
}

// RunLock keeps at most one expansion run in flight across processes. With no
// Redis configured it degrades to a no-op and in-process single-flight is the
// only guard.
type RunLock struct {
	enabled bool

	locker *Locker
	ttl    time.Duration
}

func NewRunLock(cfg config.Config) *RunLock {
	addr := strings.TrimSpace(cfg.RedisAddr)
	if addr == "" {
		return nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: strings.TrimSpace(cfg.RedisPassword),
		DB:       cfg.RedisDB,
	})

	ttl := cfg.ExpandLockTTL
	if ttl <= 0 {
		ttl = cfg.ExpandTimeout + 5*time.Minute
	}

	return &RunLock{
		enabled: true,
		locker:  NewLocker(client),
		ttl:     ttl,
	}
}

func (l *RunLock) Enabled() bool {
	return l != nil && l.enabled
}

func (l *RunLock) TryLockRun(ctx context.Context, cursorType string) (string, bool, error) {
	if !l.Enabled() {
		return "", true, nil
	}
	return l.locker.TryLock(ctx, fmt.Sprintf(keyExpansionRun, strings.TrimSpace(cursorType)), l.ttl)
}

func (l *RunLock) ReleaseRun(ctx context.Context, cursorType, token string) error {
	if !l.Enabled() {
		return nil
	}
	return l.locker.Release(ctx, fmt.Sprintf(keyExpansionRun, strings.TrimSpace(cursorType)), token)
}

package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Lease 획득한 임대 (해제 시 소유자 토큰 확인)
type Lease struct {
	Key   string
	token string
}

// Locker 분산 임대 인터페이스
type Locker interface {
	// TryAcquire 임대 획득 시도 (다른 소유자가 있으면 nil, nil 반환)
	TryAcquire(ctx context.Context, key string, ttl time.Duration) (*Lease, error)
	// Release 자신이 소유한 임대만 해제
	Release(ctx context.Context, lease *Lease) error
}

// 소유자 토큰이 일치할 때만 삭제
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker Redis 기반 임대 저장소
type RedisLocker struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisLocker Redis 기반 임대 저장소 생성
func NewRedisLocker(client redis.UniversalClient, prefix string) *RedisLocker {
	return &RedisLocker{
		client: client,
		prefix: prefix,
	}
}

// TryAcquire 임대 획득 시도
func (l *RedisLocker) TryAcquire(ctx context.Context, key string, ttl time.Duration) (*Lease, error) {
	fullKey := l.getFullKey(key)
	token := uuid.New().String()

	ok, err := l.client.SetNX(ctx, fullKey, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire lease: %w", err)
	}
	if !ok {
		return nil, nil
	}
	return &Lease{Key: fullKey, token: token}, nil
}

// Release 임대 해제
func (l *RedisLocker) Release(ctx context.Context, lease *Lease) error {
	if lease == nil {
		return nil
	}
	if err := releaseScript.Run(ctx, l.client, []string{lease.Key}, lease.token).Err(); err != nil {
		return fmt.Errorf("failed to release lease: %w", err)
	}
	return nil
}

func (l *RedisLocker) getFullKey(key string) string {
	return fmt.Sprintf("%s:%s", l.prefix, key)
}

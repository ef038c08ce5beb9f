package lock

import (
	"context"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

// ============================================================================
// 分布式锁
// ============================================================================
//
// 加锁：SET key value NX PX ttl
// 释放：Lua 脚本比较 value 后再 DEL，避免误删别人的锁
//
// 账务数据的互斥由数据库行锁保证，这里的锁只用于后台任务（过期扫描、对账）
// 在多副本部署时只由一个实例执行。
// ============================================================================

const unlockScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
else
	return 0
end
`

// DistributedLock 分布式锁
type DistributedLock struct {
	client     *redis.Client
	key        string
	value      string
	expiration time.Duration
}

// NewDistributedLock 创建分布式锁
func NewDistributedLock(client *redis.Client, key, value string, expiration time.Duration) *DistributedLock {
	return &DistributedLock{
		client:     client,
		key:        key,
		value:      value,
		expiration: expiration,
	}
}

// TryLock 尝试获取锁（非阻塞）
func (l *DistributedLock) TryLock(ctx context.Context) (bool, error) {
	return l.client.SetNX(ctx, l.key, l.value, l.expiration).Result()
}

// Unlock 释放锁
func (l *DistributedLock) Unlock(ctx context.Context) error {
	return l.client.Eval(ctx, unlockScript, []string{l.key}, l.value).Err()
}

// ============================================================================
// 任务锁
// ============================================================================

// Locker 后台任务使用的互斥接口，便于测试替换
type Locker interface {
	// TryAcquire 获取成功时返回释放函数
	TryAcquire(ctx context.Context, key string, ttl time.Duration) (release func(), ok bool, err error)
}

// RedisLocker 基于 Redis 的 Locker 实现
type RedisLocker struct {
	client *redis.Client
	owner  string
}

// NewRedisLocker owner 为空时使用随机 ID 标识当前实例
func NewRedisLocker(client *redis.Client, owner string) *RedisLocker {
	if owner == "" {
		owner = uuid.NewString()
	}
	return &RedisLocker{client: client, owner: owner}
}

func (r *RedisLocker) TryAcquire(ctx context.Context, key string, ttl time.Duration) (func(), bool, error) {
	l := NewDistributedLock(r.client, key, r.owner+":"+uuid.NewString(), ttl)
	ok, err := l.TryLock(ctx)
	if err != nil || !ok {
		return nil, false, err
	}
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = l.Unlock(ctx)
	}, true, nil
}

// LocalLocker 单进程内按 key 互斥，未配置 Redis 时使用
type LocalLocker struct {
	mu   sync.Mutex
	held map[string]bool
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{held: make(map[string]bool)}
}

func (l *LocalLocker) TryAcquire(_ context.Context, key string, _ time.Duration) (func(), bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[key] {
		return nil, false, nil
	}
	l.held[key] = true
	return func() {
		l.mu.Lock()
		delete(l.held, key)
		l.mu.Unlock()
	}, true, nil
}

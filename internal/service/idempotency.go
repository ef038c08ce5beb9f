package service

import (
	"context"
	"errors"
	"time"

	"payledger/internal/model"
	"payledger/internal/repository"

	"gorm.io/gorm"
)

// Registration 幂等键登记结果
// New 为 false 时 TransactionID 是已登记的交易
type Registration struct {
	New           bool
	TransactionID string
}

// IdempotencyGuard 保证同一个键在有效期内只触发一次副作用
// 键和业务数据在同一个数据库事务中写入，事务回滚时键也一起回滚
type IdempotencyGuard struct {
	repo *repository.IdempotencyRepository
	ttl  time.Duration
	now  func() time.Time
}

func NewIdempotencyGuard(db *gorm.DB, ttl time.Duration) *IdempotencyGuard {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &IdempotencyGuard{
		repo: repository.NewIdempotencyRepository(db),
		ttl:  ttl,
		now:  time.Now,
	}
}

func (g *IdempotencyGuard) Register(ctx context.Context, tx *gorm.DB, key, transactionID string) (Registration, error) {
	now := g.now()
	row := &model.IdempotencyKey{
		Key:           key,
		TransactionID: transactionID,
		CreatedAt:     now,
		ExpiresAt:     now.Add(g.ttl),
	}
	inserted, err := g.repo.Insert(ctx, tx, row)
	if err != nil {
		return Registration{}, err
	}
	if inserted {
		return Registration{New: true, TransactionID: transactionID}, nil
	}

	existing, err := g.repo.Get(ctx, tx, key)
	if err != nil {
		return Registration{}, err
	}
	if !existing.Expired(now) {
		return Registration{New: false, TransactionID: existing.TransactionID}, nil
	}

	// 已过期的键允许被新的请求接管
	ok, err := g.repo.TakeOver(ctx, tx, key, transactionID, now, now.Add(g.ttl))
	if err != nil {
		return Registration{}, err
	}
	if ok {
		return Registration{New: true, TransactionID: transactionID}, nil
	}

	current, err := g.repo.Get(ctx, tx, key)
	if err != nil {
		return Registration{}, err
	}
	return Registration{New: false, TransactionID: current.TransactionID}, nil
}

// Lookup 查询未过期的键对应的交易，不存在返回空字符串
func (g *IdempotencyGuard) Lookup(ctx context.Context, key string) (string, error) {
	k, err := g.repo.Get(ctx, nil, key)
	if errors.Is(err, repository.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	if k.Expired(g.now()) {
		return "", nil
	}
	return k.TransactionID, nil
}

func (g *IdempotencyGuard) PurgeExpired(ctx context.Context, before time.Time) (int64, error) {
	return g.repo.PurgeExpired(ctx, before)
}

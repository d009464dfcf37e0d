package auth

import (
	"context"
	"sync"
	"time"
)

// TokenBlacklist 定义了已吊销令牌的存储接口，按 jti 记录，到原始过期时间后自动失效。
type TokenBlacklist interface {
	Add(ctx context.Context, jti string, originalTokenExpTime time.Time) error
	IsBlacklisted(ctx context.Context, jti string) (bool, error)
}

// MemoryBlacklist 是进程内的 TokenBlacklist，没有 Redis 时使用。
type MemoryBlacklist struct {
	mu      sync.Mutex
	entries map[string]time.Time
	now     func() time.Time
}

func NewMemoryBlacklist() *MemoryBlacklist {
	return &MemoryBlacklist{entries: make(map[string]time.Time), now: time.Now}
}

func (b *MemoryBlacklist) Add(ctx context.Context, jti string, originalTokenExpTime time.Time) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !originalTokenExpTime.After(b.now()) {
		return nil
	}
	b.entries[jti] = originalTokenExpTime
	return nil
}

func (b *MemoryBlacklist) IsBlacklisted(ctx context.Context, jti string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	exp, ok := b.entries[jti]
	if !ok {
		return false, nil
	}
	if !exp.After(b.now()) {
		delete(b.entries, jti)
		return false, nil
	}
	return true, nil
}

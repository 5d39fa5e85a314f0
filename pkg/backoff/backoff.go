// Package backoff 提供带随机抖动的指数退避
package backoff

import (
	"context"
	"math/rand"
	"time"
)

// Policy 退避策略
type Policy struct {
	Base       time.Duration // 首次等待
	Max        time.Duration // 单次等待上限
	MaxRetries int           // 最大重试次数，0 表示不限
}

// Default 默认策略：100ms 起步，上限 60s
func Default() *Policy {
	return &Policy{
		Base:       100 * time.Millisecond,
		Max:        60 * time.Second,
		MaxRetries: 5,
	}
}

// Next 计算第 attempt 次 (从 0 起) 重试的等待时间，full jitter
func (p *Policy) Next(attempt int) time.Duration {
	backoff := p.Base << uint(attempt)
	if backoff <= 0 || backoff > p.Max {
		backoff = p.Max
	}
	return time.Duration(rand.Int63n(int64(backoff) + 1))
}

// NextAt 返回第 attempt 次重试的绝对时间戳 (毫秒)，用于 outbox 调度
func (p *Policy) NextAt(attempt int, now time.Time) int64 {
	return now.Add(p.Next(attempt)).UnixMilli()
}

// Retry 按策略重试 fn，retryable 判定错误是否可重试。
// 不可重试错误与超出次数的最后一个错误原样返回。
func (p *Policy) Retry(ctx context.Context, fn func() error, retryable func(error) bool) error {
	var lastErr error
	for attempt := 0; p.MaxRetries == 0 || attempt < p.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if retryable != nil && !retryable(lastErr) {
			return lastErr
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(p.Next(attempt)):
		}
	}
	return lastErr
}

package ratelimit

import (
	"context"
	"sync"
	"time"
)

// RateLimiter 速率限制器接口
type RateLimiter interface {
	Wait(ctx context.Context) error
	Allow() bool
	AllowN(n int) bool
	GetRemaining() int
	GetResetTime() time.Time
}

// TokenBucket 令牌桶速率限制器（令牌即请求权重）
type TokenBucket struct {
	capacity   int           // 桶容量
	tokens     int           // 当前令牌数
	refillRate int           // 每秒补充的令牌数
	windowSize time.Duration // refillRate 为 0 时的等待窗口
	lastRefill time.Time     // 上次补充时间
	now        func() time.Time
	mu         sync.Mutex
}

// NewTokenBucket 创建新的令牌桶
func NewTokenBucket(capacity, refillRate int, windowSize time.Duration) *TokenBucket {
	return &TokenBucket{
		capacity:   capacity,
		tokens:     capacity,
		refillRate: refillRate,
		windowSize: windowSize,
		lastRefill: time.Now(),
		now:        time.Now,
	}
}

// WithClock 替换时钟（测试用）
func (tb *TokenBucket) WithClock(now func() time.Time) *TokenBucket {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	tb.now = now
	tb.lastRefill = now()
	return tb
}

// refill 补充令牌
func (tb *TokenBucket) refill() {
	now := tb.now()
	elapsed := now.Sub(tb.lastRefill)

	tokensToAdd := int(elapsed.Seconds()) * tb.refillRate
	if tokensToAdd > 0 {
		tb.tokens = min(tb.capacity, tb.tokens+tokensToAdd)
		tb.lastRefill = now
	}
}

// Allow 检查是否允许一次请求
func (tb *TokenBucket) Allow() bool {
	return tb.AllowN(1)
}

// AllowN 检查是否允许消耗 n 个令牌（权重为 n 的请求）
func (tb *TokenBucket) AllowN(n int) bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.refill()

	if n <= 0 {
		return true
	}
	if tb.tokens >= n {
		tb.tokens -= n
		return true
	}
	return false
}

// Wait 等待直到允许请求
func (tb *TokenBucket) Wait(ctx context.Context) error {
	for {
		if tb.Allow() {
			return nil
		}

		tb.mu.Lock()
		tb.refill()
		waitTime := tb.windowSize
		if tb.tokens == 0 && tb.refillRate > 0 {
			waitTime = time.Second / time.Duration(tb.refillRate)
		}
		tb.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(waitTime):
		}
	}
}

// GetRemaining 获取剩余令牌数
func (tb *TokenBucket) GetRemaining() int {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	tb.refill()
	return tb.tokens
}

// GetResetTime 获取桶被填满的时间
func (tb *TokenBucket) GetResetTime() time.Time {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	tb.refill()
	now := tb.now()
	if tb.tokens < tb.capacity && tb.refillRate > 0 {
		needed := tb.capacity - tb.tokens
		seconds := float64(needed) / float64(tb.refillRate)
		return now.Add(time.Duration(seconds * float64(time.Second)))
	}
	return now
}

// SlidingWindow 滑动窗口速率限制器
type SlidingWindow struct {
	limit      int           // 窗口内允许的权重总和
	windowSize time.Duration // 窗口大小
	requests   []slot        // 请求时间戳与权重
	now        func() time.Time
	mu         sync.Mutex
}

type slot struct {
	at     time.Time
	weight int
}

// NewSlidingWindow 创建新的滑动窗口速率限制器
func NewSlidingWindow(limit int, windowSize time.Duration) *SlidingWindow {
	return &SlidingWindow{
		limit:      limit,
		windowSize: windowSize,
		now:        time.Now,
	}
}

// WithClock 替换时钟（测试用）
func (sw *SlidingWindow) WithClock(now func() time.Time) *SlidingWindow {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	sw.now = now
	return sw
}

func (sw *SlidingWindow) evict(now time.Time) int {
	cutoff := now.Add(-sw.windowSize)
	valid := sw.requests[:0]
	used := 0
	for _, r := range sw.requests {
		if r.at.After(cutoff) {
			valid = append(valid, r)
			used += r.weight
		}
	}
	sw.requests = valid
	return used
}

// Allow 检查是否允许一次请求
func (sw *SlidingWindow) Allow() bool {
	return sw.AllowN(1)
}

// AllowN 检查是否允许权重为 n 的请求
func (sw *SlidingWindow) AllowN(n int) bool {
	sw.mu.Lock()
	defer sw.mu.Unlock()

	now := sw.now()
	used := sw.evict(now)
	if used+n > sw.limit {
		return false
	}
	sw.requests = append(sw.requests, slot{at: now, weight: n})
	return true
}

// Wait 等待直到允许请求
func (sw *SlidingWindow) Wait(ctx context.Context) error {
	for {
		if sw.Allow() {
			return nil
		}

		sw.mu.Lock()
		waitTime := 100 * time.Millisecond
		if len(sw.requests) > 0 {
			if w := sw.windowSize - sw.now().Sub(sw.requests[0].at); w > 0 {
				waitTime = w
			}
		}
		sw.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(waitTime):
		}
	}
}

// GetRemaining 获取剩余权重
func (sw *SlidingWindow) GetRemaining() int {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	return max(0, sw.limit-sw.evict(sw.now()))
}

// GetResetTime 最早一条记录滑出窗口的时间
func (sw *SlidingWindow) GetResetTime() time.Time {
	sw.mu.Lock()
	defer sw.mu.Unlock()

	if len(sw.requests) == 0 {
		return sw.now()
	}
	return sw.requests[0].at.Add(sw.windowSize)
}

// Limit 单个端点的限速配置
type Limit struct {
	Kind   string        `yaml:"kind"` // token_bucket | sliding_window
	Limit  int           `yaml:"limit"`
	Refill int           `yaml:"refill"` // 仅 token_bucket：每秒补充
	Window time.Duration `yaml:"window"`
}

// New 按配置创建限速器
func (l Limit) New() RateLimiter {
	window := l.Window
	if window <= 0 {
		window = 10 * time.Second
	}
	if l.Kind == "token_bucket" {
		return NewTokenBucket(l.Limit, l.Refill, window)
	}
	return NewSlidingWindow(l.Limit, window)
}

// RateLimitManager 按端点管理限速器
type RateLimitManager struct {
	limiters map[string]RateLimiter
	fallback RateLimiter
	mu       sync.RWMutex
}

// NewRateLimitManager 创建速率限制管理器；未配置的端点共用 fallback（5000/10s）
func NewRateLimitManager(limits map[string]Limit) *RateLimitManager {
	manager := &RateLimitManager{
		limiters: make(map[string]RateLimiter),
		fallback: NewSlidingWindow(5000, 10*time.Second),
	}
	for endpoint, l := range limits {
		manager.limiters[endpoint] = l.New()
	}
	return manager
}

// SetLimiter 设置指定端点的限速器
func (rlm *RateLimitManager) SetLimiter(endpoint string, l RateLimiter) {
	rlm.mu.Lock()
	defer rlm.mu.Unlock()
	rlm.limiters[endpoint] = l
}

// GetLimiter 获取指定端点的速率限制器
func (rlm *RateLimitManager) GetLimiter(endpoint string) RateLimiter {
	rlm.mu.RLock()
	defer rlm.mu.RUnlock()

	if limiter, exists := rlm.limiters[endpoint]; exists {
		return limiter
	}
	if limiter, exists := rlm.limiters["general"]; exists {
		return limiter
	}
	return rlm.fallback
}

// Wait 等待直到允许请求
func (rlm *RateLimitManager) Wait(ctx context.Context, endpoint string) error {
	return rlm.GetLimiter(endpoint).Wait(ctx)
}

// Allow 检查是否允许请求
func (rlm *RateLimitManager) Allow(endpoint string) bool {
	return rlm.GetLimiter(endpoint).Allow()
}

// AllowN 检查是否允许权重为 n 的请求
func (rlm *RateLimitManager) AllowN(endpoint string, n int) bool {
	return rlm.GetLimiter(endpoint).AllowN(n)
}

// GetRemaining 获取剩余请求数
func (rlm *RateLimitManager) GetRemaining(endpoint string) int {
	return rlm.GetLimiter(endpoint).GetRemaining()
}

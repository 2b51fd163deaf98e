package risk

import (
	"fmt"
	"sync/atomic"
)

// ErrCircuitBreakerOpen 表示断路器已打开，暂停新挂单。
var ErrCircuitBreakerOpen = fmt.Errorf("circuit breaker open")

// CircuitBreakerConfig 断路器配置。
// 约定：阈值 <= 0 表示关闭对应限制。
type CircuitBreakerConfig struct {
	// MaxConsecutiveRejects 连续被交易所拒绝（余额不足、参数非法等）的下单上限。
	MaxConsecutiveRejects int64
}

// CircuitBreaker 统计连续业务拒单；达到上限后梯子维护停止补单，直到人工恢复。
// 撤单、轮询不受影响。
type CircuitBreaker struct {
	halted atomic.Bool

	consecutiveRejects atomic.Int64
	totalRejects       atomic.Int64
	maxRejects         atomic.Int64
}

func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	cb := &CircuitBreaker{}
	cb.SetConfig(cfg)
	return cb
}

func (cb *CircuitBreaker) SetConfig(cfg CircuitBreakerConfig) {
	if cb == nil {
		return
	}
	cb.maxRejects.Store(cfg.MaxConsecutiveRejects)
}

// Halt 手动熔断
func (cb *CircuitBreaker) Halt() {
	if cb == nil {
		return
	}
	cb.halted.Store(true)
}

// Resume 手动恢复（同时清空连续拒单计数）
func (cb *CircuitBreaker) Resume() {
	if cb == nil {
		return
	}
	cb.halted.Store(false)
	cb.consecutiveRejects.Store(0)
}

// AllowPlacement 快路径检查是否允许新挂单
func (cb *CircuitBreaker) AllowPlacement() error {
	if cb == nil {
		return nil
	}
	if cb.halted.Load() {
		return ErrCircuitBreakerOpen
	}
	maxRej := cb.maxRejects.Load()
	if maxRej > 0 && cb.consecutiveRejects.Load() >= maxRej {
		cb.halted.Store(true)
		return ErrCircuitBreakerOpen
	}
	return nil
}

// Halted 是否处于熔断
func (cb *CircuitBreaker) Halted() bool {
	return cb != nil && cb.halted.Load()
}

// OnAccepted 下单被接受，清空连续拒单计数
func (cb *CircuitBreaker) OnAccepted() {
	if cb == nil {
		return
	}
	cb.consecutiveRejects.Store(0)
}

// OnRejected 下单被业务拒绝
func (cb *CircuitBreaker) OnRejected() {
	if cb == nil {
		return
	}
	cb.consecutiveRejects.Add(1)
	cb.totalRejects.Add(1)
}

// Rejects 返回 (连续拒单, 累计拒单)
func (cb *CircuitBreaker) Rejects() (int64, int64) {
	if cb == nil {
		return 0, 0
	}
	return cb.consecutiveRejects.Load(), cb.totalRejects.Load()
}

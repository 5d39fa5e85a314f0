// Package circuitbreaker 提供滑动窗口熔断器，用于外部推理调用降级
package circuitbreaker

import (
	"errors"
	"sync"
	"time"
)

var (
	// ErrCircuitOpen 熔断器打开
	ErrCircuitOpen = errors.New("circuit breaker is open")
)

// State 熔断器状态
type State int

const (
	// StateClosed 关闭状态 (正常)
	StateClosed State = iota
	// StateOpen 打开状态 (熔断)
	StateOpen
	// StateHalfOpen 半开状态 (尝试恢复)
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Config 熔断器配置
type Config struct {
	// 窗口内失败多少次后打开熔断器
	FailureThreshold int
	// 失败统计滑动窗口
	Window time.Duration
	// 熔断器打开后多久进入半开状态
	Cooldown time.Duration
	// 半开状态下连续成功多少次后关闭熔断器
	SuccessThreshold int
}

// DefaultConfig 默认配置
func DefaultConfig() *Config {
	return &Config{
		FailureThreshold: 5,
		Window:           60 * time.Second,
		Cooldown:         30 * time.Second,
		SuccessThreshold: 2,
	}
}

// CircuitBreaker 滑动窗口熔断器
type CircuitBreaker struct {
	config *Config

	mu              sync.Mutex
	state           State
	failureTimes    []time.Time
	successes       int
	lastFailureTime time.Time
	now             func() time.Time // 测试注入
}

// New 创建熔断器
func New(config *Config) *CircuitBreaker {
	if config == nil {
		config = DefaultConfig()
	}
	return &CircuitBreaker{
		config: config,
		state:  StateClosed,
		now:    time.Now,
	}
}

// State 获取当前状态
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.currentState()
}

// currentState 获取当前状态 (内部使用，不加锁)
func (cb *CircuitBreaker) currentState() State {
	if cb.state == StateOpen && cb.now().Sub(cb.lastFailureTime) >= cb.config.Cooldown {
		return StateHalfOpen
	}
	return cb.state
}

// Allow 检查是否允许请求通过
func (cb *CircuitBreaker) Allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.currentState() {
	case StateOpen:
		return ErrCircuitOpen
	case StateHalfOpen:
		if cb.state == StateOpen {
			cb.state = StateHalfOpen
			cb.successes = 0
		}
		return nil
	default:
		return nil
	}
}

// Success 记录成功
func (cb *CircuitBreaker) Success() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.currentState() {
	case StateClosed:
		cb.failureTimes = cb.failureTimes[:0]
	case StateHalfOpen:
		cb.successes++
		if cb.successes >= cb.config.SuccessThreshold {
			cb.state = StateClosed
			cb.failureTimes = cb.failureTimes[:0]
			cb.successes = 0
		}
	}
}

// Failure 记录失败
func (cb *CircuitBreaker) Failure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := cb.now()
	switch cb.currentState() {
	case StateClosed:
		cb.failureTimes = append(cb.failureTimes, now)
		cb.trimWindow(now)
		if len(cb.failureTimes) >= cb.config.FailureThreshold {
			cb.state = StateOpen
			cb.lastFailureTime = now
		}
	case StateHalfOpen:
		// 半开状态下失败，回到打开状态
		cb.state = StateOpen
		cb.lastFailureTime = now
		cb.successes = 0
	}
}

// trimWindow 丢弃窗口外的失败记录
func (cb *CircuitBreaker) trimWindow(now time.Time) {
	cutoff := now.Add(-cb.config.Window)
	i := 0
	for ; i < len(cb.failureTimes); i++ {
		if cb.failureTimes[i].After(cutoff) {
			break
		}
	}
	cb.failureTimes = cb.failureTimes[i:]
}

// Execute 执行函数并自动记录结果
func (cb *CircuitBreaker) Execute(fn func() error) error {
	if err := cb.Allow(); err != nil {
		return err
	}
	if err := fn(); err != nil {
		cb.Failure()
		return err
	}
	cb.Success()
	return nil
}

// Reset 重置熔断器
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = StateClosed
	cb.failureTimes = cb.failureTimes[:0]
	cb.successes = 0
}

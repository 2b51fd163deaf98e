package shutdown

import (
	"context"
	"sync"

	"github.com/tryphe/trader-sub000/pkg/logger"
)

// Handler 关闭处理函数，应在 ctx 结束前返回
type Handler func(ctx context.Context)

type namedHandler struct {
	name string
	fn   Handler
}

// Manager 优雅关闭管理器：按阶段顺序关闭，同一阶段内并发执行
type Manager struct {
	mu     sync.Mutex
	phases [][]namedHandler
}

// NewManager 创建新的关闭管理器
func NewManager() *Manager {
	return &Manager{}
}

// OnShutdown 注册关闭回调；phase 小的先执行（例如 0: 停止接入，1: 停引擎，2: 关存储）
func (m *Manager) OnShutdown(phase int, name string, handler Handler) {
	if phase < 0 || handler == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for len(m.phases) <= phase {
		m.phases = append(m.phases, nil)
	}
	m.phases[phase] = append(m.phases[phase], namedHandler{name: name, fn: handler})
}

// Shutdown 执行所有关闭回调（阻塞调用）
// ctx 应该是一个带超时的 context，避免无限等待
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	phases := m.phases
	m.phases = nil
	m.mu.Unlock()

	for i, handlers := range phases {
		if len(handlers) == 0 {
			continue
		}
		logger.Infof("🛑 关闭阶段 %d: %d 个回调", i, len(handlers))

		var wg sync.WaitGroup
		wg.Add(len(handlers))
		for _, h := range handlers {
			go func(h namedHandler) {
				defer wg.Done()
				h.fn(ctx)
				logger.Infof("✅ 已关闭 %s", h.name)
			}(h)
		}

		done := make(chan struct{})
		go func() {
			wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			logger.Warnf("关闭超时: %v", ctx.Err())
			return
		}
	}
	logger.Info("所有关闭回调已完成")
}

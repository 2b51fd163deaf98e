package syncgroup

import (
	"sync"

	"github.com/sirupsen/logrus"
)

// SyncGroup 按名称登记一组 goroutine，统一启动、等待，单个 goroutine 的 panic 不会拖垮进程
type SyncGroup struct {
	wg sync.WaitGroup

	mu      sync.Mutex
	pending []namedFunc
	running int
}

type namedFunc struct {
	name string
	fn   func()
}

// NewSyncGroup 创建新的 SyncGroup
func NewSyncGroup() *SyncGroup {
	return &SyncGroup{}
}

// Add 登记一个待启动的函数
func (g *SyncGroup) Add(fn func()) {
	g.AddNamed("", fn)
}

// AddNamed 登记一个带名称的函数（panic 日志中使用）
func (g *SyncGroup) AddNamed(name string, fn func()) {
	if fn == nil {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.pending = append(g.pending, namedFunc{name: name, fn: fn})
}

// Run 启动全部已登记的函数并清空登记列表；可多次调用
func (g *SyncGroup) Run() {
	g.mu.Lock()
	fns := g.pending
	g.pending = nil
	g.running += len(fns)
	g.mu.Unlock()

	for _, nf := range fns {
		g.wg.Add(1)
		go func(nf namedFunc) {
			defer func() {
				if r := recover(); r != nil {
					logrus.WithField("component", "syncgroup").Errorf("❌ goroutine %q panic: %v", nf.name, r)
				}
				g.mu.Lock()
				g.running--
				g.mu.Unlock()
				g.wg.Done()
			}()
			nf.fn()
		}(nf)
	}
}

// Running 当前仍在运行的 goroutine 数
func (g *SyncGroup) Running() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.running
}

// Wait 等待所有已启动的 goroutine 完成
func (g *SyncGroup) Wait() {
	g.wg.Wait()
}

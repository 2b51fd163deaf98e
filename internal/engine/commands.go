package engine

import (
	"errors"
	"sync/atomic"
	"time"

	"github.com/tryphe/trader-sub000/internal/domain"
	"github.com/tryphe/trader-sub000/internal/metrics"
)

// CommandType 命令类型
type CommandType string

const (
	CmdOpenOrders  CommandType = "open_orders"
	CmdTicker      CommandType = "ticker"
	CmdPlaced      CommandType = "placed"
	CmdCancelled   CommandType = "cancelled"
	CmdOrderStatus CommandType = "order_status"
	CmdFailure     CommandType = "failure"
	CmdOperator    CommandType = "operator"
)

type command interface {
	CommandType() CommandType
}

type openOrdersReport struct {
	requestID string
	orders    map[domain.Market][]domain.RemoteOrder
	ts        time.Time
}

type tickerReport struct {
	requestID string
	spreads   map[domain.Market]domain.Spread
	ts        time.Time
}

type placedReport struct {
	requestID string
	remoteID  string
	err       error
}

type cancelledReport struct {
	requestID string
	err       error
}

type orderStatusReport struct {
	remoteID string
	status   domain.OrderStatus
	ts       time.Time
}

type failureReport struct {
	requestID string
	err       error
}

// operatorCommand 在事件循环中执行任意闭包，done 在执行后关闭。
// claimed 由循环与超时的调用方竞争，只有一方能拿到：循环拿到才执行 fn，
// 调用方拿到则 fn 永不执行。
type operatorCommand struct {
	name    string
	fn      func()
	done    chan struct{}
	claimed atomic.Bool
}

func (openOrdersReport) CommandType() CommandType  { return CmdOpenOrders }
func (tickerReport) CommandType() CommandType      { return CmdTicker }
func (placedReport) CommandType() CommandType      { return CmdPlaced }
func (cancelledReport) CommandType() CommandType   { return CmdCancelled }
func (orderStatusReport) CommandType() CommandType { return CmdOrderStatus }
func (failureReport) CommandType() CommandType     { return CmdFailure }
func (*operatorCommand) CommandType() CommandType  { return CmdOperator }

// ErrEngineBusy 命令通道已满或等待超时
var ErrEngineBusy = errors.New("engine busy")

// ErrEngineStopped 事件循环已退出
var ErrEngineStopped = errors.New("engine stopped")

const (
	phaseIdle int32 = iota
	phaseRunning
	phaseStopped
)

// post 提交命令；事件循环启动前在调用方 goroutine 串行执行，退出后丢弃
func (e *Engine) post(cmd command) {
	switch e.phase.Load() {
	case phaseIdle:
		if e.runInline(cmd) {
			return
		}
	case phaseStopped:
		e.dropped.Add(1)
		e.log.Debugf("引擎已停止，丢弃回报: %s", cmd.CommandType())
		return
	}
	select {
	case e.cmdChan <- cmd:
	default:
		e.dropped.Add(1)
		metrics.EngineErrors.Add(1)
		e.log.Errorf("命令通道已满，命令被丢弃: %s", cmd.CommandType())
	}
}

// runInline 循环尚未启动时内联执行；返回 false 表示循环已接管
func (e *Engine) runInline(cmd command) bool {
	e.inline.Lock()
	defer e.inline.Unlock()
	if e.phase.Load() != phaseIdle {
		return false
	}
	e.handleCommand(cmd)
	return true
}

// exec 在事件循环中同步执行 fn（5 秒超时）；超时后 fn 不会再执行
func (e *Engine) exec(name string, fn func()) error {
	cmd := &operatorCommand{name: name, fn: fn, done: make(chan struct{})}
	switch e.phase.Load() {
	case phaseIdle:
		if e.runInline(cmd) {
			return nil
		}
	case phaseStopped:
		return ErrEngineStopped
	}
	select {
	case e.cmdChan <- cmd:
	default:
		return ErrEngineBusy
	}
	timeout := time.NewTimer(5 * time.Second)
	defer timeout.Stop()
	select {
	case <-cmd.done:
		return nil
	case <-timeout.C:
		if cmd.claimed.CompareAndSwap(false, true) {
			return ErrEngineBusy
		}
	case <-e.stopped:
		if cmd.claimed.CompareAndSwap(false, true) {
			return ErrEngineStopped
		}
	}
	// 循环已开始执行 fn，等它写完结果
	<-cmd.done
	return nil
}

// query 只读查询；失败时保持零值
func (e *Engine) query(fn func()) {
	_ = e.exec("query", fn)
}

// handleCommand 处理命令（顺序执行，无锁）
func (e *Engine) handleCommand(cmd command) {
	defer func() {
		if r := recover(); r != nil {
			e.stats.Errors++
			metrics.EngineErrors.Add(1)
			e.log.Errorf("❌ 处理命令时发生 panic: %v, 命令类型: %s", r, cmd.CommandType())
		}
	}()
	e.stats.Commands++

	switch c := cmd.(type) {
	case openOrdersReport:
		e.handleOpenOrders(c.requestID, c.orders, c.ts)
	case tickerReport:
		e.handleTicker(c.requestID, c.spreads, c.ts)
	case placedReport:
		e.handlePlaced(c.requestID, c.remoteID, c.err)
	case cancelledReport:
		e.handleCancelled(c.requestID, c.err)
	case orderStatusReport:
		e.handleOrderStatus(c.remoteID, c.status, c.ts)
	case failureReport:
		e.handleFailure(c.requestID, c.err)
	case *operatorCommand:
		defer close(c.done)
		if !c.claimed.CompareAndSwap(false, true) {
			return
		}
		c.fn()
	default:
		e.log.Errorf("未知命令类型: %s", cmd.CommandType())
	}
}

// ReportOpenOrders 全量挂单快照
func (e *Engine) ReportOpenOrders(requestID string, orders map[domain.Market][]domain.RemoteOrder, ts time.Time) {
	e.post(openOrdersReport{requestID: requestID, orders: orders, ts: ts})
}

// ReportTicker 盘口更新
func (e *Engine) ReportTicker(requestID string, spreads map[domain.Market]domain.Spread, ts time.Time) {
	e.post(tickerReport{requestID: requestID, spreads: spreads, ts: ts})
}

// ReportPlaced 下单结果
func (e *Engine) ReportPlaced(requestID string, remoteID string, err error) {
	e.post(placedReport{requestID: requestID, remoteID: remoteID, err: err})
}

// ReportCancelled 撤单结果
func (e *Engine) ReportCancelled(requestID string, err error) {
	e.post(cancelledReport{requestID: requestID, err: err})
}

// ReportOrderStatus 交易所推送的订单终态
func (e *Engine) ReportOrderStatus(remoteID string, status domain.OrderStatus, ts time.Time) {
	e.post(orderStatusReport{remoteID: remoteID, status: status, ts: ts})
}

// ReportFailure 任意请求的传输层失败
func (e *Engine) ReportFailure(requestID string, err error) {
	e.post(failureReport{requestID: requestID, err: err})
}

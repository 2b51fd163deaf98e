// Package engine 单个交易所的对账引擎：下单、三路成交识别、滑点修正、
// 合并/拆分周期与梯子维护都在同一个事件循环里执行，不需要锁。
package engine

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tryphe/trader-sub000/internal/domain"
	"github.com/tryphe/trader-sub000/internal/exchange"
	"github.com/tryphe/trader-sub000/internal/metrics"
	"github.com/tryphe/trader-sub000/internal/positions"
	"github.com/tryphe/trader-sub000/internal/risk"
	"github.com/tryphe/trader-sub000/internal/scheduler"
	"github.com/tryphe/trader-sub000/pkg/money"
	"github.com/tryphe/trader-sub000/pkg/persistence"
)

// Timing 周期任务与对账时间参数
type Timing struct {
	SendInterval          time.Duration // 发送队列出队间隔
	OrderBookPollInterval time.Duration // 挂单快照轮询
	TickerPollInterval    time.Duration
	SweepInterval         time.Duration // 超时扫描
	ConsolidateInterval   time.Duration
	MaintenanceInterval   time.Duration
	SaveInterval          time.Duration // 梯子状态落盘（0 关闭）

	SafetyDelay       time.Duration // 快照对比识别成交前，仓位需挂出的最短时间
	TickerSafetyDelay time.Duration // ticker 穿价识别成交前的最短时间
	SnapshotTolerance time.Duration // 快照最大允许延迟
	StrayGrace        time.Duration // 远端未知订单的宽限期

	SlippageTickStep int           // 多次 post-only 失败后每次额外后退的 tick 数
	SlippageMaxAge   time.Duration // 滑点重试的最长时间
	CancelRetry      time.Duration // 撤单长时间未确认时重新发出
}

func (t *Timing) applyDefaults() {
	def := func(d *time.Duration, v time.Duration) {
		if *d <= 0 {
			*d = v
		}
	}
	def(&t.SendInterval, 250*time.Millisecond)
	def(&t.OrderBookPollInterval, 3*time.Second)
	def(&t.TickerPollInterval, 2*time.Second)
	def(&t.SweepInterval, time.Second)
	def(&t.ConsolidateInterval, 5*time.Second)
	def(&t.MaintenanceInterval, time.Second)
	def(&t.SafetyDelay, 10*time.Second)
	def(&t.TickerSafetyDelay, 3*time.Second)
	def(&t.SnapshotTolerance, 30*time.Second)
	def(&t.StrayGrace, 15*time.Second)
	def(&t.SlippageMaxAge, 10*time.Minute)
	def(&t.CancelRetry, time.Minute)
	if t.SlippageTickStep <= 0 {
		t.SlippageTickStep = 1
	}
}

// Config 引擎配置（每个交易所实例一份）
type Config struct {
	Exchange  string
	Fee       money.Money // 单边手续费率
	Bias      money.Money // 情绪偏置，买单 size*(1+bias)，卖单 size*(1-bias)
	Scheduler scheduler.Config
	Timing    Timing
	Breaker   risk.CircuitBreakerConfig
}

// Journal 成交/撤单流水（可选）
type Journal interface {
	RecordFill(f domain.Fill)
	RecordCancel(exchange string, m domain.Market, remoteID string, reason domain.CancelReason, at time.Time)
}

// Stats 引擎计数快照
type Stats struct {
	Exchange      string
	Queued        int
	Active        int
	Cancelling    int
	Consolidating int
	Pending       int
	InFlight      int
	BookStale     bool
	LastBook      time.Time
	Halted        bool

	Dispatched        int64
	Resent            int64
	Dropped           int64
	FillsAck          int64
	FillsSnapshot     int64
	FillsTicker       int64
	Cancels           int64
	Rejects           int64
	PostOnlyRetries   int64
	StrayCancels      int64
	SnapshotsAccepted int64
	SnapshotsRejected int64
	UntrackedReplies  int64
	Converges         int64
	Diverges          int64
	Commands          int64
	Errors            int64
}

type strayInfo struct {
	order     domain.RemoteOrder
	firstSeen time.Time
	cancelled bool
}

// Engine 对账引擎（Actor 模型）
type Engine struct {
	cfg     Config
	log     *logrus.Entry
	adapter exchange.Adapter
	reg     *positions.Registry
	sched   *scheduler.Scheduler
	breaker *risk.CircuitBreaker
	journal Journal
	store   persistence.Store

	// 命令通道（唯一入口）
	cmdChan chan command
	phase   atomic.Int32
	inline  sync.Mutex // 事件循环启动前的内联执行互斥
	stopped chan struct{}
	dropped atomic.Int64 // 通道已满或已停止时丢弃的回报
	now     func() time.Time

	lastSnapshot  map[domain.Market]time.Time
	lastTicker    map[domain.Market]time.Time
	strays        map[string]*strayInfo
	ladderDirty   bool
	timingChanged bool

	stats Stats
}

// New 创建引擎；adapter 可稍后通过 SetAdapter 设置
func New(cfg Config, adapter exchange.Adapter) *Engine {
	cfg.Timing.applyDefaults()
	if cfg.Scheduler.BookPollInterval <= 0 {
		cfg.Scheduler.BookPollInterval = cfg.Timing.OrderBookPollInterval
	}
	e := &Engine{
		cfg:          cfg,
		log:          logrus.WithFields(logrus.Fields{"component": "engine", "exchange": cfg.Exchange}),
		adapter:      adapter,
		breaker:      risk.NewCircuitBreaker(cfg.Breaker),
		cmdChan:      make(chan command, 4096),
		stopped:      make(chan struct{}),
		now:          time.Now,
		lastSnapshot: make(map[domain.Market]time.Time),
		lastTicker:   make(map[domain.Market]time.Time),
		strays:       make(map[string]*strayInfo),
	}
	e.reg = positions.NewRegistry(cfg.Exchange, nil)
	e.sched = scheduler.New(cfg.Exchange, cfg.Scheduler, e.reg)
	e.reg.SetSink(e.sched)
	e.stats.Exchange = cfg.Exchange
	return e
}

// Name 交易所名称
func (e *Engine) Name() string { return e.cfg.Exchange }

// SetAdapter 设置交易所适配器（Run 之前调用）
func (e *Engine) SetAdapter(a exchange.Adapter) { e.adapter = a }

// SetJournal 设置成交流水
func (e *Engine) SetJournal(j Journal) { e.journal = j }

// SetStore 设置梯子状态存储
func (e *Engine) SetStore(s persistence.Store) { e.store = s }

// SetClock 替换时钟（测试用）
func (e *Engine) SetClock(now func() time.Time) {
	e.now = now
	e.sched.SetClock(now)
}

// Scheduler 调度器（只读查询用）
func (e *Engine) Scheduler() *scheduler.Scheduler { return e.sched }

// Registry 注册表（只读查询用）
func (e *Engine) Registry() *positions.Registry { return e.reg }

// AddMarket 注册交易对（Run 之前调用）
func (e *Engine) AddMarket(mi *domain.MarketInfo) error {
	if err := mi.Validate(); err != nil {
		return err
	}
	e.reg.AddMarket(mi)
	return nil
}

// PendingCount 流控查询：待发请求数
func (e *Engine) PendingCount() int {
	var n int
	e.query(func() { n = e.sched.PendingCount() })
	return n
}

// InFlightCount 流控查询：在途请求数
func (e *Engine) InFlightCount() int {
	var n int
	e.query(func() { n = e.sched.InFlightCount() })
	return n
}

// IsBookStale 流控查询：盘口是否过期
func (e *Engine) IsBookStale() bool {
	var stale bool
	e.query(func() { stale = e.sched.IsBookStale(e.now()) })
	return stale
}

// Run 启动事件循环（必须在独立 goroutine 中运行）
func (e *Engine) Run(ctx context.Context) {
	if e.adapter == nil {
		e.log.Error("❌ 未设置交易所适配器，引擎不启动")
		return
	}
	e.inline.Lock()
	if !e.phase.CompareAndSwap(phaseIdle, phaseRunning) {
		e.inline.Unlock()
		e.log.Error("❌ 引擎只能启动一次")
		return
	}
	e.inline.Unlock()

	t := e.cfg.Timing
	send := time.NewTicker(t.SendInterval)
	book := time.NewTicker(t.OrderBookPollInterval)
	ticker := time.NewTicker(t.TickerPollInterval)
	sweep := time.NewTicker(t.SweepInterval)
	consolidate := time.NewTicker(t.ConsolidateInterval)
	maintain := time.NewTicker(t.MaintenanceInterval)
	saveEvery := t.SaveInterval
	if saveEvery <= 0 {
		saveEvery = time.Hour
	}
	save := time.NewTicker(saveEvery)
	defer func() {
		for _, tk := range []*time.Ticker{send, book, ticker, sweep, consolidate, maintain, save} {
			tk.Stop()
		}
	}()

	e.log.Infof("🚀 引擎启动: 交易对=%d", len(e.reg.Markets()))
	e.pollBook()
	e.pollTicker()

	for {
		select {
		case cmd := <-e.cmdChan:
			e.handleCommand(cmd)
			if e.timingChanged {
				e.timingChanged = false
				t = e.cfg.Timing
				send.Reset(t.SendInterval)
				book.Reset(t.OrderBookPollInterval)
				ticker.Reset(t.TickerPollInterval)
				sweep.Reset(t.SweepInterval)
				consolidate.Reset(t.ConsolidateInterval)
				maintain.Reset(t.MaintenanceInterval)
			}
		case <-send.C:
			e.guard("send", e.sendTick)
		case <-book.C:
			e.guard("poll_book", e.pollBook)
		case <-ticker.C:
			e.guard("poll_ticker", e.pollTicker)
		case <-sweep.C:
			e.guard("sweep", e.sweepTick)
		case <-consolidate.C:
			e.guard("consolidate", e.consolidatePass)
		case <-maintain.C:
			e.guard("maintain", e.maintainTick)
		case <-save.C:
			if t.SaveInterval > 0 {
				e.guard("save", func() { _ = e.saveLadder(false) })
			}
		case <-ctx.Done():
			e.phase.Store(phaseStopped)
			close(e.stopped)
			e.drain()
			if err := e.saveLadder(true); err != nil {
				e.log.Warnf("⚠️ 退出时保存梯子失败: %v", err)
			}
			e.log.Info("🛑 引擎停止")
			return
		}
	}
}

// drain 退出前处理已到达的回报
func (e *Engine) drain() {
	for {
		select {
		case cmd := <-e.cmdChan:
			e.handleCommand(cmd)
		default:
			return
		}
	}
}

// guard 周期任务的 panic 保护
func (e *Engine) guard(name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			e.stats.Errors++
			metrics.EngineErrors.Add(1)
			e.log.Errorf("❌ 周期任务 %s panic: %v", name, r)
		}
	}()
	fn()
}

// sendTick 每个调度周期最多发出一个请求
func (e *Engine) sendTick() {
	now := e.now()
	req := e.sched.Tick(now)
	if req == nil {
		return
	}
	if !e.prepare(req, now) {
		e.sched.Complete(req.ID)
		return
	}
	e.stats.Dispatched++
	metrics.Dispatched.Add(1)
	e.log.Debugf("📤 发送 %s nonce=%d", req, req.Nonce)
	e.adapter.Submit(req)
}

func (e *Engine) pollBook() {
	if e.sched.HasOutstanding(domain.CmdOpenOrders, domain.Market{}) {
		return
	}
	if err := e.sched.EnqueuePoll(domain.CmdOpenOrders, domain.Market{}); err != nil {
		e.log.Debugf("挂单轮询未入队: %v", err)
	}
}

func (e *Engine) pollTicker() {
	if e.sched.HasOutstanding(domain.CmdTicker, domain.Market{}) {
		return
	}
	if err := e.sched.EnqueuePoll(domain.CmdTicker, domain.Market{}); err != nil {
		e.log.Debugf("ticker 轮询未入队: %v", err)
	}
}

func (e *Engine) sweepTick() {
	now := e.now()
	res := e.sched.Sweep(now)
	e.stats.Resent += int64(len(res.Resent))
	e.stats.Dropped += int64(len(res.Dropped))
	metrics.Resent.Add(int64(len(res.Resent)))
	metrics.Dropped.Add(int64(len(res.Dropped)))
	e.expireOneTime(now)
}

// expireOneTime 超过最长存活时间的一次性仓位发出撤单
func (e *Engine) expireOneTime(now time.Time) {
	for _, p := range e.reg.Positions(domain.Market{}) {
		if !p.IsOneTime || p.MaxAge.IsZero() || now.Before(p.MaxAge) {
			continue
		}
		if p.State == domain.StateActive || (p.State == domain.StateQueued && !e.reg.IsCancelDeferred(p.Handle)) {
			if out, err := e.reg.Cancel(p.Handle, domain.CancelMaxAge, now); err == nil {
				e.log.Infof("⌛ 一次性仓位超时撤单 %s (%s)", p, out)
			}
		}
	}
}

func (e *Engine) stateCounts() {
	c := e.reg.Counts()
	e.stats.Queued = c.Queued
	e.stats.Active = c.Active
	e.stats.Cancelling = c.Cancelling
	e.stats.Consolidating = c.Entries
	e.stats.Pending = e.sched.PendingCount()
	e.stats.InFlight = e.sched.InFlightCount()
	e.stats.BookStale = e.sched.IsBookStale(e.now())
	e.stats.LastBook = e.sched.LastBookUpdate()
	e.stats.Halted = e.breaker.Halted()
}

func (e *Engine) marketInfo(m domain.Market) (*domain.MarketInfo, error) {
	mi := e.reg.Market(m)
	if mi == nil {
		return nil, fmt.Errorf("%s: %w", m, positions.ErrUnknownMarket)
	}
	return mi, nil
}

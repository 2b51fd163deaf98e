// Package scheduler 单个交易所的出站请求调度：待发队列、在途表、优先级排序、
// 流控闸门、滞后闸门、nonce 与超时重发。只由所属交易所的事件循环调用。
package scheduler

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/tryphe/trader-sub000/internal/domain"
	"github.com/tryphe/trader-sub000/pkg/money"
	"github.com/tryphe/trader-sub000/pkg/ratelimit"
)

var schedulerLog = logrus.WithField("component", "request_scheduler")

// Config 调度参数
type Config struct {
	QueueLimit int // 待发数达到该值时调用方应让出
	SentLimit  int // 在途数达到该值时停止发送

	// LagMultiple × BookPollInterval 内没有新的挂单快照则视为盘口过期
	LagMultiple      int
	BookPollInterval time.Duration

	RequestTimeout time.Duration

	// CancelPriorityThreshold 某交易对本地挂单数超过该值时，其撤单优先发送
	CancelPriorityThreshold int

	// Weights 各类请求的权重（未配置为 1）
	Weights map[domain.Command]int

	// NonceBump nonce 错误后 nonce 前移的毫秒数
	NonceBump int64
}

func (c *Config) applyDefaults() {
	if c.QueueLimit <= 0 {
		c.QueueLimit = 20
	}
	if c.SentLimit <= 0 {
		c.SentLimit = 5
	}
	if c.LagMultiple <= 0 {
		c.LagMultiple = 4
	}
	if c.BookPollInterval <= 0 {
		c.BookPollInterval = 3 * time.Second
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 10 * time.Second
	}
	if c.CancelPriorityThreshold <= 0 {
		c.CancelPriorityThreshold = 100
	}
	if c.NonceBump <= 0 {
		c.NonceBump = 1000
	}
}

// Lookup 排序时查询仓位与交易对
type Lookup interface {
	Get(h domain.Handle) *domain.Position
	Market(m domain.Market) *domain.MarketInfo
}

// Scheduler 请求调度器
type Scheduler struct {
	exchange string
	cfg      Config
	lookup   Lookup
	budget   ratelimit.RateLimiter // 可选权重预算
	dedupe   *IntentDeduper

	pending  []*domain.Request
	inFlight map[string]*domain.Request

	lastNonce int64
	lastBook  time.Time
	now       func() time.Time

	dispatched int64
	resent     int64
	dropped    int64
}

// New 创建调度器
func New(exchange string, cfg Config, lookup Lookup) *Scheduler {
	cfg.applyDefaults()
	return &Scheduler{
		exchange: exchange,
		cfg:      cfg,
		lookup:   lookup,
		dedupe:   NewIntentDeduper(10*cfg.RequestTimeout, 16),
		inFlight: make(map[string]*domain.Request),
		now:      time.Now,
	}
}

// SetLookup 设置仓位查询
func (s *Scheduler) SetLookup(l Lookup) { s.lookup = l }

// SetBudget 设置权重预算（nil 关闭）
func (s *Scheduler) SetBudget(b ratelimit.RateLimiter) { s.budget = b }

// SetClock 替换时钟（入队时间、去重窗口）
func (s *Scheduler) SetClock(now func() time.Time) { s.now = now }

// Config 当前参数
func (s *Scheduler) Config() Config { return s.cfg }

// UpdateLimits 调整流控参数（零值表示不修改）
func (s *Scheduler) UpdateLimits(queueLimit, sentLimit, cancelThreshold int, timeout time.Duration) {
	if queueLimit > 0 {
		s.cfg.QueueLimit = queueLimit
	}
	if sentLimit > 0 {
		s.cfg.SentLimit = sentLimit
	}
	if cancelThreshold > 0 {
		s.cfg.CancelPriorityThreshold = cancelThreshold
	}
	if timeout > 0 {
		s.cfg.RequestTimeout = timeout
	}
}

// UpdateBookTiming 调整滞后闸门参数
func (s *Scheduler) UpdateBookTiming(pollInterval time.Duration, lagMultiple int) {
	if pollInterval > 0 {
		s.cfg.BookPollInterval = pollInterval
	}
	if lagMultiple > 0 {
		s.cfg.LagMultiple = lagMultiple
	}
}

func (s *Scheduler) weight(cmd domain.Command) int {
	if w, ok := s.cfg.Weights[cmd]; ok && w > 0 {
		return w
	}
	return 1
}

func (s *Scheduler) enqueue(req *domain.Request) error {
	now := s.now()
	if err := s.dedupe.TryAcquire(req.DedupeKey(), now); err != nil {
		return fmt.Errorf("%s: %w", req.DedupeKey(), err)
	}
	req.ID = uuid.NewString()
	req.Weight = s.weight(req.Command)
	req.QueuedAt = now
	s.pending = append(s.pending, req)
	return nil
}

// EnqueuePlace 下单意图；价格与数量在发送时由引擎确定
func (s *Scheduler) EnqueuePlace(p *domain.Position) error {
	return s.enqueue(&domain.Request{
		Command: domain.CommandForSide(p.Side),
		Market:  p.Market,
		Side:    p.Side,
		Handle:  p.Handle,
	})
}

// EnqueueCancel 撤销本地仓位
func (s *Scheduler) EnqueueCancel(p *domain.Position) error {
	return s.enqueue(&domain.Request{
		Command:  domain.CmdCancel,
		Market:   p.Market,
		Side:     p.Side,
		Price:    p.Price(),
		Handle:   p.Handle,
		RemoteID: p.RemoteID,
	})
}

// EnqueueCancelRemote 撤销远端未知订单
func (s *Scheduler) EnqueueCancelRemote(o domain.RemoteOrder) error {
	return s.enqueue(&domain.Request{
		Command:  domain.CmdCancel,
		Market:   o.Market,
		Side:     o.Side,
		Price:    o.Price,
		RemoteID: o.RemoteID,
	})
}

// EnqueuePoll 轮询请求（ticker / 挂单快照），同类请求未完成时不重复入队
func (s *Scheduler) EnqueuePoll(cmd domain.Command, m domain.Market) error {
	if !cmd.IsPolling() {
		return fmt.Errorf("not a polling command: %s", cmd)
	}
	return s.enqueue(&domain.Request{Command: cmd, Market: m})
}

// DropPending 移除尚未发出的请求
func (s *Scheduler) DropPending(h domain.Handle, cmd domain.Command) bool {
	for i, req := range s.pending {
		if req.Handle == h && req.Command == cmd {
			s.pending = append(s.pending[:i], s.pending[i+1:]...)
			s.dedupe.Release(req.DedupeKey())
			return true
		}
	}
	return false
}

// IsInFlight 指定仓位的某类请求是否在途
func (s *Scheduler) IsInFlight(h domain.Handle, cmd domain.Command) bool {
	for _, req := range s.inFlight {
		if req.Handle == h && req.Command == cmd {
			return true
		}
	}
	return false
}

// MarkBookUpdated 记录最近一次被接受的挂单快照时间
func (s *Scheduler) MarkBookUpdated(ts time.Time) {
	if ts.After(s.lastBook) {
		s.lastBook = ts
	}
}

// LastBookUpdate 最近一次挂单快照时间
func (s *Scheduler) LastBookUpdate() time.Time { return s.lastBook }

// IsBookStale 没有快照或快照早于 LagMultiple×BookPollInterval
func (s *Scheduler) IsBookStale(now time.Time) bool {
	if s.lastBook.IsZero() {
		return true
	}
	return now.Sub(s.lastBook) > time.Duration(s.cfg.LagMultiple)*s.cfg.BookPollInterval
}

// PendingCount 待发数
func (s *Scheduler) PendingCount() int { return len(s.pending) }

// InFlightCount 在途数
func (s *Scheduler) InFlightCount() int { return len(s.inFlight) }

// YieldToFlowControl 调用方在发起新工作前检查：待发或在途已满
func (s *Scheduler) YieldToFlowControl() bool {
	return len(s.pending) >= s.cfg.QueueLimit || len(s.inFlight) >= s.cfg.SentLimit
}

// HasOutstanding 某类请求是否在排队或在途
func (s *Scheduler) HasOutstanding(cmd domain.Command, m domain.Market) bool {
	for _, req := range s.pending {
		if req.Command == cmd && req.Market == m {
			return true
		}
	}
	for _, req := range s.inFlight {
		if req.Command == cmd && req.Market == m {
			return true
		}
	}
	return false
}

// rank 返回 (层级, 分数)：高优先撤单为层级 1；其余层级 0，
// 下单按单次利润打分，轮询、普通撤单与无仓位请求记 0。
func (s *Scheduler) rank(req *domain.Request) (int, money.Money) {
	switch req.Command {
	case domain.CmdCancel:
		if s.lookup != nil {
			if mi := s.lookup.Market(req.Market); mi != nil && mi.RestingCount() > s.cfg.CancelPriorityThreshold {
				return 1, money.Zero
			}
		}
		return 0, money.Zero
	case domain.CmdBuy, domain.CmdSell:
		if s.lookup != nil && req.Handle != 0 {
			if p := s.lookup.Get(req.Handle); p != nil && p.IsLive() {
				return 0, p.PerTradeProfit
			}
		}
	}
	return 0, money.Zero
}

// Tick 每个调度周期最多发出一个请求；在途已满、无可发请求或权重不足时返回 nil
func (s *Scheduler) Tick(now time.Time) *domain.Request {
	if len(s.inFlight) >= s.cfg.SentLimit {
		return nil
	}
	stale := s.IsBookStale(now)
	best := -1
	var bestTier int
	var bestScore money.Money
	for i, req := range s.pending {
		if stale && req.Command.IsPriceSensitive() {
			continue
		}
		tier, score := s.rank(req)
		if best < 0 || tier > bestTier || (tier == bestTier && score.GreaterThan(bestScore)) {
			best, bestTier, bestScore = i, tier, score
		}
	}
	if best < 0 {
		return nil
	}
	req := s.pending[best]
	if s.budget != nil && !s.budget.AllowN(req.Weight) {
		return nil
	}
	s.pending = append(s.pending[:best], s.pending[best+1:]...)

	nonce := now.UnixMilli()
	if nonce <= s.lastNonce {
		nonce = s.lastNonce + 1
	}
	s.lastNonce = nonce
	req.Nonce = nonce
	req.SentAt = now
	req.Attempts++
	s.inFlight[req.ID] = req
	s.dispatched++
	return req
}

// Complete 收到回复：从在途表移除并返回原请求；未知请求返回 false
func (s *Scheduler) Complete(id string) (*domain.Request, bool) {
	req, ok := s.inFlight[id]
	if !ok {
		return nil, false
	}
	delete(s.inFlight, id)
	s.dedupe.Release(req.DedupeKey())
	return req, true
}

// InFlight 查找在途请求
func (s *Scheduler) InFlight(id string) (*domain.Request, bool) {
	req, ok := s.inFlight[id]
	return req, ok
}

// Resend 把已完成（失败）的请求放回队首，保持原 ID；轮询请求直接丢弃
func (s *Scheduler) Resend(req *domain.Request) bool {
	if req.Command.IsPolling() {
		s.dropped++
		return false
	}
	if err := s.dedupe.TryAcquire(req.DedupeKey(), s.now()); err != nil {
		// 同一意图已重新入队
		return false
	}
	s.pending = append([]*domain.Request{req}, s.pending...)
	s.resent++
	return true
}

// BumpNonce nonce 过旧时前移
func (s *Scheduler) BumpNonce(now time.Time) {
	base := now.UnixMilli()
	if s.lastNonce > base {
		base = s.lastNonce
	}
	s.lastNonce = base + s.cfg.NonceBump
}

// LastNonce 最近一次使用的 nonce
func (s *Scheduler) LastNonce() int64 { return s.lastNonce }

// SweepResult 超时扫描结果
type SweepResult struct {
	Resent  []*domain.Request
	Dropped []*domain.Request
}

// Sweep 超时的在途请求：轮询类丢弃，其余放回队首重发
func (s *Scheduler) Sweep(now time.Time) SweepResult {
	var res SweepResult
	for id, req := range s.inFlight {
		if now.Sub(req.SentAt) <= s.cfg.RequestTimeout {
			continue
		}
		delete(s.inFlight, id)
		s.dedupe.Release(req.DedupeKey())
		if s.Resend(req) {
			res.Resent = append(res.Resent, req)
			schedulerLog.Warnf("⏱️ [%s] 请求超时，重发: %s", s.exchange, req)
		} else {
			res.Dropped = append(res.Dropped, req)
			schedulerLog.Debugf("⏱️ [%s] 轮询超时，丢弃: %s", s.exchange, req)
		}
	}
	return res
}

// Stats 计数快照
type Stats struct {
	Pending    int
	InFlight   int
	Dispatched int64
	Resent     int64
	Dropped    int64
	LastNonce  int64
	LastBook   time.Time
}

// Stats 返回计数
func (s *Scheduler) Stats() Stats {
	return Stats{
		Pending:    len(s.pending),
		InFlight:   len(s.inFlight),
		Dispatched: s.dispatched,
		Resent:     s.resent,
		Dropped:    s.dropped,
		LastNonce:  s.lastNonce,
		LastBook:   s.lastBook,
	}
}

// Pending 待发请求快照（按队列顺序）
func (s *Scheduler) Pending() []*domain.Request {
	return append([]*domain.Request(nil), s.pending...)
}

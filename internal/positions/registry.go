// Package positions 维护单个交易所的全部仓位：arena + 句柄、状态迁移、档位占用、
// 合并/拆分分组。只由所属交易所的事件循环调用，内部无锁。
package positions

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tryphe/trader-sub000/internal/domain"
	"github.com/tryphe/trader-sub000/pkg/money"
)

var registryLog = logrus.WithField("component", "position_registry")

var (
	ErrUnknownHandle     = errors.New("unknown position handle")
	ErrUnknownMarket     = errors.New("unknown market")
	ErrIllegalTransition = errors.New("illegal state transition")
	ErrSlotClaimed       = errors.New("slot already claimed")
	ErrSlotReserved      = errors.New("slot reserved by consolidation")
	ErrSlotOutOfRange    = errors.New("slot index out of range")
	ErrDuplicateRemoteID = errors.New("remote id already tracked")
	ErrInConsolidation   = errors.New("position already in consolidation group")
	ErrInvalidGroup      = errors.New("invalid consolidation group")
	ErrUnknownEntry      = errors.New("unknown consolidation entry")
)

// IntentSink 接收出站意图（由请求调度器实现）
type IntentSink interface {
	EnqueuePlace(p *domain.Position) error
	EnqueueCancel(p *domain.Position) error
	// DropPending 移除尚未发出的请求，返回是否移除成功
	DropPending(h domain.Handle, cmd domain.Command) bool
}

// CancelOutcome 撤单请求的处理结果
type CancelOutcome int

const (
	CancelRequested CancelOutcome = iota // 已发出撤单意图
	CancelRefreshed                      // 已在撤单中，仅刷新时间
	CancelDropped                        // 下单请求尚未发出，直接移除
	CancelDeferred                       // 下单请求在途，确认后立即撤单
)

func (o CancelOutcome) String() string {
	switch o {
	case CancelRequested:
		return "requested"
	case CancelRefreshed:
		return "refreshed"
	case CancelDropped:
		return "dropped"
	case CancelDeferred:
		return "deferred"
	}
	return "unknown"
}

// Counts 计数快照
type Counts struct {
	Queued     int
	Active     int
	Cancelling int
	Entries    int
}

// Registry 仓位注册表
type Registry struct {
	exchange string
	sink     IntentSink

	markets map[domain.Market]*domain.MarketInfo

	nextHandle domain.Handle
	nextEntry  uint64

	all      map[domain.Handle]*domain.Position
	byRemote map[string]domain.Handle

	claims   map[domain.Market]map[int]domain.Handle
	reserved map[domain.Market]map[int]uint64

	entries  map[uint64]*domain.ConsolidationEntry
	memberOf map[domain.Handle]uint64

	cancelAfterPlace map[domain.Handle]struct{}
}

// NewRegistry 创建注册表
func NewRegistry(exchange string, sink IntentSink) *Registry {
	return &Registry{
		exchange:         exchange,
		sink:             sink,
		markets:          make(map[domain.Market]*domain.MarketInfo),
		all:              make(map[domain.Handle]*domain.Position),
		byRemote:         make(map[string]domain.Handle),
		claims:           make(map[domain.Market]map[int]domain.Handle),
		reserved:         make(map[domain.Market]map[int]uint64),
		entries:          make(map[uint64]*domain.ConsolidationEntry),
		memberOf:         make(map[domain.Handle]uint64),
		cancelAfterPlace: make(map[domain.Handle]struct{}),
	}
}

// SetSink 设置意图接收方
func (r *Registry) SetSink(s IntentSink) { r.sink = s }

// AddMarket 注册交易对
func (r *Registry) AddMarket(mi *domain.MarketInfo) {
	r.markets[mi.Market] = mi
	if r.claims[mi.Market] == nil {
		r.claims[mi.Market] = make(map[int]domain.Handle)
	}
	if r.reserved[mi.Market] == nil {
		r.reserved[mi.Market] = make(map[int]uint64)
	}
}

// Market 获取交易对信息
func (r *Registry) Market(m domain.Market) *domain.MarketInfo {
	return r.markets[m]
}

// Markets 按名称排序返回全部交易对
func (r *Registry) Markets() []*domain.MarketInfo {
	out := make([]*domain.MarketInfo, 0, len(r.markets))
	for _, mi := range r.markets {
		out = append(out, mi)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Market.String() < out[j].Market.String() })
	return out
}

// Add 校验并登记新仓位（Queued），占用档位并发出下单意图
func (r *Registry) Add(p *domain.Position, now time.Time) (domain.Handle, error) {
	if p == nil {
		return 0, fmt.Errorf("add: nil position")
	}
	mi := r.markets[p.Market]
	if mi == nil {
		return 0, fmt.Errorf("add %s: %w", p.Market, ErrUnknownMarket)
	}
	if p.OriginalBuyPrice.IsZero() {
		p.OriginalBuyPrice = p.BuyPrice
	}
	if p.OriginalSellPrice.IsZero() {
		p.OriginalSellPrice = p.SellPrice
	}
	if err := p.Validate(); err != nil {
		return 0, err
	}
	for _, idx := range p.SlotIndices {
		if idx < 0 || idx >= len(mi.Ladder) {
			return 0, fmt.Errorf("add slot %d: %w", idx, ErrSlotOutOfRange)
		}
		if h, ok := r.claims[p.Market][idx]; ok {
			return 0, fmt.Errorf("add slot %d (owner #%d): %w", idx, h, ErrSlotClaimed)
		}
		if _, ok := r.reserved[p.Market][idx]; ok {
			return 0, fmt.Errorf("add slot %d: %w", idx, ErrSlotReserved)
		}
	}

	r.nextHandle++
	p.Handle = r.nextHandle
	p.State = domain.StateQueued
	p.RequestedAt = now
	p.RemoteID = ""
	r.all[p.Handle] = p
	for _, idx := range p.SlotIndices {
		r.claims[p.Market][idx] = p.Handle
	}
	mi.AddResting(p.Price())

	if r.sink != nil {
		if err := r.sink.EnqueuePlace(p); err != nil {
			r.release(p)
			delete(r.all, p.Handle)
			return 0, fmt.Errorf("enqueue place: %w", err)
		}
	}
	registryLog.Debugf("➕ [%s] 新仓位 %s", r.exchange, p)
	return p.Handle, nil
}

// Activate 下单确认：Queued -> Active
func (r *Registry) Activate(h domain.Handle, remoteID string, now time.Time) error {
	p := r.all[h]
	if p == nil {
		return ErrUnknownHandle
	}
	if p.State != domain.StateQueued {
		return fmt.Errorf("activate #%d from %s: %w", h, p.State, ErrIllegalTransition)
	}
	if remoteID == "" {
		return fmt.Errorf("activate #%d: empty remote id", h)
	}
	if other, ok := r.byRemote[remoteID]; ok && other != h {
		return fmt.Errorf("activate #%d remote=%s (owner #%d): %w", h, remoteID, other, ErrDuplicateRemoteID)
	}
	p.State = domain.StateActive
	p.RemoteID = remoteID
	p.SetAt = now
	r.byRemote[remoteID] = h

	if _, ok := r.cancelAfterPlace[h]; ok {
		delete(r.cancelAfterPlace, h)
		reason := p.CancelReason
		if reason == "" {
			reason = domain.CancelOperator
		}
		_, err := r.Cancel(h, reason, now)
		return err
	}
	return nil
}

// Cancel 请求撤单。对已在撤单中的仓位只刷新撤单时间。
func (r *Registry) Cancel(h domain.Handle, reason domain.CancelReason, now time.Time) (CancelOutcome, error) {
	p := r.all[h]
	if p == nil {
		return 0, ErrUnknownHandle
	}
	switch p.State {
	case domain.StateCancelling:
		p.CancelRequestedAt = now
		return CancelRefreshed, nil

	case domain.StateQueued:
		if r.sink != nil && r.sink.DropPending(h, domain.CommandForSide(p.Side)) {
			_, _, _ = r.Remove(h)
			return CancelDropped, nil
		}
		r.cancelAfterPlace[h] = struct{}{}
		p.CancelReason = reason
		p.CancelRequestedAt = now
		return CancelDeferred, nil

	case domain.StateActive:
		mi := r.markets[p.Market]
		p.State = domain.StateCancelling
		p.CancelReason = reason
		p.CancelRequestedAt = now
		if mi != nil {
			mi.RemoveResting(p.Price())
		}
		if r.sink != nil {
			if err := r.sink.EnqueueCancel(p); err != nil {
				registryLog.Warnf("⚠️ [%s] 撤单意图未入队 #%d: %v", r.exchange, h, err)
			}
		}
		return CancelRequested, nil
	}
	return 0, fmt.Errorf("cancel #%d from %s: %w", h, p.State, ErrIllegalTransition)
}

// IsCancelDeferred 仓位是否在等待下单确认后撤单
func (r *Registry) IsCancelDeferred(h domain.Handle) bool {
	_, ok := r.cancelAfterPlace[h]
	return ok
}

// Remove 终态：释放档位、挂单价格与索引，丢弃该仓位尚未发出的请求。
// 若该仓位是合并/拆分组的最后一个待确认成员，返回已完成的组。
func (r *Registry) Remove(h domain.Handle) (*domain.Position, *domain.ConsolidationEntry, error) {
	p := r.all[h]
	if p == nil {
		return nil, nil, ErrUnknownHandle
	}
	r.release(p)
	delete(r.all, h)
	delete(r.cancelAfterPlace, h)
	if p.RemoteID != "" && r.byRemote[p.RemoteID] == h {
		delete(r.byRemote, p.RemoteID)
	}
	if r.sink != nil {
		r.sink.DropPending(h, domain.CommandForSide(p.Side))
		r.sink.DropPending(h, domain.CmdCancel)
	}
	p.State = domain.StateRemoved
	return p, r.leaveGroup(h), nil
}

func (r *Registry) release(p *domain.Position) {
	if p.State == domain.StateQueued || p.State == domain.StateActive {
		if mi := r.markets[p.Market]; mi != nil {
			mi.RemoveResting(p.Price())
		}
	}
	for _, idx := range p.SlotIndices {
		if r.claims[p.Market][idx] == p.Handle {
			delete(r.claims[p.Market], idx)
		}
	}
}

// Reprice 修改仓位当前方向价格，同步挂单价格集合
func (r *Registry) Reprice(h domain.Handle, price money.Money) error {
	p := r.all[h]
	if p == nil {
		return ErrUnknownHandle
	}
	live := p.State == domain.StateQueued || p.State == domain.StateActive
	mi := r.markets[p.Market]
	if live && mi != nil {
		mi.RemoveResting(p.Price())
	}
	p.SetPrice(price)
	if live && mi != nil {
		mi.AddResting(p.Price())
	}
	return nil
}

// Get 按句柄查找
func (r *Registry) Get(h domain.Handle) *domain.Position {
	return r.all[h]
}

// ByRemoteID 按远端订单号查找
func (r *Registry) ByRemoteID(id string) *domain.Position {
	if h, ok := r.byRemote[id]; ok {
		return r.all[h]
	}
	return nil
}

// Positions 指定交易对的全部仓位（按句柄排序）；market 为零值时返回全部
func (r *Registry) Positions(m domain.Market) []*domain.Position {
	out := make([]*domain.Position, 0)
	for _, p := range r.all {
		if m.IsValid() && p.Market != m {
			continue
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Handle < out[j].Handle })
	return out
}

// InState 指定交易对中处于某状态的仓位
func (r *Registry) InState(m domain.Market, s domain.PositionState) []*domain.Position {
	var out []*domain.Position
	for _, p := range r.Positions(m) {
		if p.State == s {
			out = append(out, p)
		}
	}
	return out
}

// SlotOwner 档位当前的占用仓位
func (r *Registry) SlotOwner(m domain.Market, idx int) (domain.Handle, bool) {
	h, ok := r.claims[m][idx]
	return h, ok
}

// IsReserved 档位是否被合并/拆分组预留
func (r *Registry) IsReserved(m domain.Market, idx int) bool {
	_, ok := r.reserved[m][idx]
	return ok
}

// IsFree 档位既未被占用也未被预留
func (r *Registry) IsFree(m domain.Market, idx int) bool {
	_, c := r.claims[m][idx]
	_, rs := r.reserved[m][idx]
	return !c && !rs
}

// Counts 计数
func (r *Registry) Counts() Counts {
	var c Counts
	for _, p := range r.all {
		switch p.State {
		case domain.StateQueued:
			c.Queued++
		case domain.StateActive:
			c.Active++
		case domain.StateCancelling:
			c.Cancelling++
		}
	}
	c.Entries = len(r.entries)
	return c
}

// Len 仓位总数
func (r *Registry) Len() int { return len(r.all) }

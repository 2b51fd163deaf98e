package engine

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/tryphe/trader-sub000/internal/domain"
	"github.com/tryphe/trader-sub000/internal/positions"
	"github.com/tryphe/trader-sub000/pkg/money"
)

var (
	ErrSlotBusy       = errors.New("slot still has a live position")
	ErrInsideLandmark = errors.New("slot insertion inside a landmark or reserved span")
	ErrMarketBusy     = errors.New("market has live positions")
	ErrNothingToDo    = errors.New("no matching position")
)

// MarketLimits 梯子维护与合并参数
type MarketLimits struct {
	OrderMin               int `json:"order_min"`
	OrderMax               int `json:"order_max"`
	ConsolidationThreshold int `json:"consolidation_threshold"`
	LandmarkStart          int `json:"landmark_start"`
	LandmarkThresh         int `json:"landmark_thresh"`
}

func (e *Engine) scope(m domain.Market) ([]*domain.MarketInfo, error) {
	if !m.IsValid() {
		return e.reg.Markets(), nil
	}
	mi, err := e.marketInfo(m)
	if err != nil {
		return nil, err
	}
	return []*domain.MarketInfo{mi}, nil
}

// operatorCancel 撤单并把相关档位置为 ghost
func (e *Engine) operatorCancel(p *domain.Position, now time.Time) bool {
	mi := e.reg.Market(p.Market)
	if mi != nil {
		e.ghostSlots(mi, p.SlotIndices)
	}
	out, err := e.reg.Cancel(p.Handle, domain.CancelOperator, now)
	if err != nil {
		return false
	}
	e.log.Infof("✋ 人工撤单 %s (%s)", p, out)
	return true
}

// CancelLocal 撤掉本地跟踪的全部仓位（market 为零值时为全部交易对）
func (e *Engine) CancelLocal(m domain.Market) (int, error) {
	n := 0
	var opErr error
	err := e.exec("cancel_local", func() { n, opErr = e.cancelLocal(m) })
	if err != nil {
		return 0, err
	}
	return n, opErr
}

func (e *Engine) cancelLocal(m domain.Market) (int, error) {
	mis, err := e.scope(m)
	if err != nil {
		return 0, err
	}
	now := e.now()
	n := 0
	for _, mi := range mis {
		for _, entry := range e.reg.Entries(mi.Market) {
			_ = e.reg.AbortConsolidation(entry.ID)
		}
		for _, p := range e.reg.Positions(mi.Market) {
			switch p.State {
			case domain.StateQueued, domain.StateActive:
				if e.operatorCancel(p, now) {
					n++
				}
			case domain.StateCancelling:
				// 撤单已在途（改价、替换或中止的合并），确认后不得重新挂出
				e.ghostSlots(mi, p.SlotIndices)
			}
		}
	}
	return n, nil
}

// CancelAll 撤掉本地仓位以及交易所上的未知订单
func (e *Engine) CancelAll(m domain.Market) (int, error) {
	n := 0
	var opErr error
	err := e.exec("cancel_all", func() {
		n, opErr = e.cancelLocal(m)
		if opErr != nil {
			return
		}
		for _, s := range e.strays {
			if s.cancelled || (m.IsValid() && s.order.Market != m) {
				continue
			}
			s.cancelled = true
			e.cancelRemote(s.order)
			n++
		}
	})
	if err != nil {
		return 0, err
	}
	return n, opErr
}

// CancelHighest 撤掉价格最高的挂单
func (e *Engine) CancelHighest(m domain.Market) (*domain.Position, error) {
	return e.cancelExtreme(m, true)
}

// CancelLowest 撤掉价格最低的挂单
func (e *Engine) CancelLowest(m domain.Market) (*domain.Position, error) {
	return e.cancelExtreme(m, false)
}

func (e *Engine) cancelExtreme(m domain.Market, highest bool) (*domain.Position, error) {
	var (
		out   *domain.Position
		opErr error
	)
	err := e.exec("cancel_extreme", func() {
		if _, opErr = e.marketInfo(m); opErr != nil {
			return
		}
		var pick *domain.Position
		for _, p := range e.reg.Positions(m) {
			if p.State != domain.StateQueued && p.State != domain.StateActive {
				continue
			}
			if pick == nil ||
				(highest && p.Price().GreaterThan(pick.Price())) ||
				(!highest && p.Price().LessThan(pick.Price())) {
				pick = p
			}
		}
		if pick == nil {
			opErr = ErrNothingToDo
			return
		}
		if entry := e.reg.EntryOf(pick.Handle); entry != nil {
			_ = e.reg.AbortConsolidation(entry.ID)
		}
		e.operatorCancel(pick, e.now())
		out = pick.Clone()
	})
	if err != nil {
		return nil, err
	}
	return out, opErr
}

// SetSlot 插入或替换一档。替换时价格或方向变化会撤掉该档当前仓位。
func (e *Engine) SetSlot(ds domain.DumpedSlot) (int, error) {
	idx := -1
	var opErr error
	err := e.exec("set_slot", func() { idx, opErr = e.setSlot(ds) })
	if err != nil {
		return -1, err
	}
	return idx, opErr
}

func (e *Engine) setSlot(ds domain.DumpedSlot) (int, error) {
	mi, err := e.marketInfo(ds.Market)
	if err != nil {
		return -1, err
	}
	s := ds.LadderSlot
	if err := s.Validate(); err != nil {
		return -1, err
	}
	at := sort.Search(len(mi.Ladder), func(i int) bool {
		return mi.Ladder[i].BuyPrice.GreaterThanOrEqual(s.BuyPrice)
	})
	replace := at < len(mi.Ladder) && mi.Ladder[at].BuyPrice.Equal(s.BuyPrice)
	if !replace && at > 0 && at < len(mi.Ladder) && e.spanned(mi, at-1, at) {
		return -1, fmt.Errorf("%s slot at %d: %w", mi.Market, at, ErrInsideLandmark)
	}

	var prev domain.LadderSlot
	if replace {
		prev = mi.Ladder[at]
	}
	idx, inserted := mi.SetSlot(s)
	e.ladderDirty = true
	if inserted {
		e.reg.ShiftSlots(mi.Market, idx, 1)
		e.log.Infof("➕ 新增档位 %s", domain.FormatSlot(mi.Market, mi.Ladder[idx]))
		return idx, nil
	}

	changed := prev.Side != s.Side || !prev.SellPrice.Equal(s.SellPrice) || s.Ghost
	if h, ok := e.reg.SlotOwner(mi.Market, idx); ok && changed {
		if _, err := e.reg.Cancel(h, domain.CancelOperator, e.now()); err != nil {
			e.log.Warnf("⚠️ 替换档位撤单失败 #%d: %v", h, err)
		}
	}
	e.log.Infof("✏️ 替换档位 %s", domain.FormatSlot(mi.Market, mi.Ladder[idx]))
	return idx, nil
}

// spanned 两个相邻档位是否同属一个 landmark 或同一合并组
func (e *Engine) spanned(mi *domain.MarketInfo, a, b int) bool {
	ha, oka := e.reg.SlotOwner(mi.Market, a)
	hb, okb := e.reg.SlotOwner(mi.Market, b)
	if oka && okb && ha == hb {
		return true
	}
	return e.reg.IsReserved(mi.Market, a) && e.reg.IsReserved(mi.Market, b)
}

// ClearSlot 第一次调用把档位置为 ghost 并撤掉其仓位；档位已是 ghost 且空闲时将其删除。
// 返回是否已删除。
func (e *Engine) ClearSlot(m domain.Market, idx int) (bool, error) {
	removed := false
	var opErr error
	err := e.exec("clear_slot", func() {
		mi, err := e.marketInfo(m)
		if err != nil {
			opErr = err
			return
		}
		if idx < 0 || idx >= len(mi.Ladder) {
			opErr = positions.ErrSlotOutOfRange
			return
		}
		if !mi.Ladder[idx].Ghost {
			e.ghostSlots(mi, []int{idx})
			if h, ok := e.reg.SlotOwner(m, idx); ok {
				_, _ = e.reg.Cancel(h, domain.CancelOperator, e.now())
			}
			return
		}
		if !e.reg.IsFree(m, idx) {
			opErr = ErrSlotBusy
			return
		}
		mi.RemoveSlot(idx)
		e.reg.ShiftSlots(m, idx+1, -1)
		e.ladderDirty = true
		removed = true
		e.log.Infof("🗑️ 删除档位 %s #%d", m, idx)
	})
	if err != nil {
		return false, err
	}
	return removed, opErr
}

// SetMarketLimits 修改梯子维护与合并参数
func (e *Engine) SetMarketLimits(m domain.Market, l MarketLimits) error {
	var opErr error
	err := e.exec("set_limits", func() {
		mi, err := e.marketInfo(m)
		if err != nil {
			opErr = err
			return
		}
		old := *mi
		mi.OrderMin, mi.OrderMax = l.OrderMin, l.OrderMax
		mi.ConsolidationThreshold = l.ConsolidationThreshold
		mi.LandmarkStart, mi.LandmarkThresh = l.LandmarkStart, l.LandmarkThresh
		if err := mi.Validate(); err != nil {
			mi.OrderMin, mi.OrderMax = old.OrderMin, old.OrderMax
			mi.ConsolidationThreshold = old.ConsolidationThreshold
			mi.LandmarkStart, mi.LandmarkThresh = old.LandmarkStart, old.LandmarkThresh
			opErr = err
			return
		}
		e.log.Infof("⚙️ %s 参数更新 %+v", m, l)
	})
	if err != nil {
		return err
	}
	return opErr
}

// SetTiming 修改周期参数（事件循环的定时器随之重置）
func (e *Engine) SetTiming(t Timing) error {
	return e.exec("set_timing", func() {
		t.applyDefaults()
		e.cfg.Timing = t
		cfg := e.sched.Config()
		e.sched.UpdateBookTiming(t.OrderBookPollInterval, cfg.LagMultiple)
		e.timingChanged = true
		e.log.Infof("⚙️ 周期参数更新 %+v", t)
	})
}

// Timing 当前周期参数
func (e *Engine) Timing() Timing {
	var t Timing
	e.query(func() { t = e.cfg.Timing })
	return t
}

// SetSchedulerLimits 修改发送队列限制
func (e *Engine) SetSchedulerLimits(queueLimit, sentLimit, cancelThreshold int, timeout time.Duration) error {
	return e.exec("set_scheduler_limits", func() {
		e.sched.UpdateLimits(queueLimit, sentLimit, cancelThreshold, timeout)
	})
}

// PlaceOneTime 放置一次性挂单（不补单），maxAge 为零表示不限时
func (e *Engine) PlaceOneTime(m domain.Market, side domain.Side, price, size money.Money, maxAge time.Duration) (domain.Handle, error) {
	var (
		h     domain.Handle
		opErr error
	)
	err := e.exec("place_one_time", func() {
		mi, err := e.marketInfo(m)
		if err != nil {
			opErr = err
			return
		}
		p := &domain.Position{Market: m, Side: side, BaseSize: size, IsOneTime: true}
		p.SetPrice(price)
		if maxAge > 0 {
			p.MaxAge = e.now().Add(maxAge)
		}
		p.ApplyOffset(money.Zero, e.cfg.Fee, mi.QtyTick)
		h, opErr = e.reg.Add(p, e.now())
	})
	if err != nil {
		return 0, err
	}
	return h, opErr
}

// Stats 计数快照
func (e *Engine) Stats() Stats {
	var s Stats
	e.query(func() {
		e.stateCounts()
		s = e.stats
	})
	s.Errors += e.dropped.Load()
	return s
}

// Positions 仓位快照（副本）
func (e *Engine) Positions(m domain.Market) []*domain.Position {
	var out []*domain.Position
	e.query(func() {
		for _, p := range e.reg.Positions(m) {
			out = append(out, p.Clone())
		}
	})
	return out
}

// DumpLadder 导出梯子（market 为零值时导出全部交易对）
func (e *Engine) DumpLadder(m domain.Market, w io.Writer) error {
	var opErr error
	err := e.exec("dump_ladder", func() { opErr = e.dumpLadder(m, w) })
	if err != nil {
		return err
	}
	return opErr
}

func (e *Engine) dumpLadder(m domain.Market, w io.Writer) error {
	mis, err := e.scope(m)
	if err != nil {
		return err
	}
	for _, mi := range mis {
		if err := mi.DumpLadder(w); err != nil {
			return err
		}
	}
	return nil
}

// LoadLadder 载入梯子导出；涉及的交易对必须没有存活仓位
func (e *Engine) LoadLadder(r io.Reader) (int, error) {
	slots, err := domain.ParseLadderDump(r)
	if err != nil {
		return 0, err
	}
	n := 0
	var opErr error
	err = e.exec("load_ladder", func() { n, opErr = e.loadSlots(slots) })
	if err != nil {
		return 0, err
	}
	return n, opErr
}

func (e *Engine) loadSlots(slots []domain.DumpedSlot) (int, error) {
	byMarket := make(map[domain.Market][]domain.LadderSlot)
	for _, ds := range slots {
		byMarket[ds.Market] = append(byMarket[ds.Market], ds.LadderSlot)
	}
	for m := range byMarket {
		if _, err := e.marketInfo(m); err != nil {
			return 0, err
		}
		if len(e.reg.Positions(m)) > 0 {
			return 0, fmt.Errorf("load %s: %w", m, ErrMarketBusy)
		}
	}
	n := 0
	for m, ladder := range byMarket {
		mi := e.reg.Market(m)
		old := mi.Ladder
		mi.Ladder = nil
		for _, s := range ladder {
			mi.SetSlot(s)
		}
		if err := mi.Validate(); err != nil {
			mi.Ladder = old
			return n, err
		}
		n += len(mi.Ladder)
		e.log.Infof("📥 载入梯子 %s 档位=%d", m, len(mi.Ladder))
	}
	e.ladderDirty = true
	return n, nil
}

// ResumeBreaker 人工恢复下单熔断
func (e *Engine) ResumeBreaker() error {
	return e.exec("resume_breaker", func() {
		e.breaker.Resume()
		e.log.Info("✅ 熔断已人工恢复")
	})
}

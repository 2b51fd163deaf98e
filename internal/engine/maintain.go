package engine

import (
	"time"

	"github.com/tryphe/trader-sub000/internal/domain"
	"github.com/tryphe/trader-sub000/internal/positions"
)

// maintainTick 梯子维护：补挂空闲档位、重发长时间未确认的撤单、回撤已不穿价的滑点单
func (e *Engine) maintainTick() {
	now := e.now()
	e.retryCancels(now)
	e.repriceSlippage()

	if err := e.breaker.AllowPlacement(); err == nil {
		e.fillLadder()
	}
	if e.ladderDirty && e.cfg.Timing.SaveInterval > 0 {
		_ = e.saveLadder(false)
	}
}

func (e *Engine) fillLadder() {
	for _, mi := range e.reg.Markets() {
		if !mi.Spread.IsValid() {
			continue
		}
		for _, side := range []domain.Side{domain.SideBuy, domain.SideSell} {
			if e.sched.YieldToFlowControl() {
				return
			}
			live := e.liveOnSide(mi, side)
			for _, idx := range mi.SpreadOrder(side) {
				if mi.OrderMax > 0 && live >= mi.OrderMax {
					break
				}
				if mi.Ladder[idx].Ghost || !e.reg.IsFree(mi.Market, idx) {
					continue
				}
				p, err := positions.NewSlotPosition(mi, idx)
				if err != nil {
					continue
				}
				if e.place(mi, p) {
					live++
				}
				if e.sched.YieldToFlowControl() {
					return
				}
			}
		}
	}
}

// liveOnSide 维护出的同侧仓位数：landmark 计 1，进行中的合并组计 1，拆分组按目标档数计
func (e *Engine) liveOnSide(mi *domain.MarketInfo, side domain.Side) int {
	n := 0
	for _, p := range e.reg.Positions(mi.Market) {
		if p.IsOneTime || p.Side != side || e.reg.EntryOf(p.Handle) != nil {
			continue
		}
		if p.State == domain.StateQueued || p.State == domain.StateActive {
			n++
		}
	}
	for _, entry := range e.reg.Entries(mi.Market) {
		if entry.Side != side {
			continue
		}
		if entry.IsLandmark {
			n++
		} else {
			n += len(entry.TargetIndices)
		}
	}
	return n
}

// retryCancels 撤单长时间未确认且没有在途请求时重新发出
func (e *Engine) retryCancels(now time.Time) {
	for _, p := range e.reg.InState(domain.Market{}, domain.StateCancelling) {
		if now.Sub(p.CancelRequestedAt) < e.cfg.Timing.CancelRetry {
			continue
		}
		if e.sched.IsInFlight(p.Handle, domain.CmdCancel) {
			continue
		}
		if err := e.sched.EnqueueCancel(p); err != nil {
			continue
		}
		p.CancelRequestedAt = now
		e.log.Warnf("🔁 撤单长时间未确认，重新发出 %s", p)
	}
}

// repriceSlippage 滑点仓位的原始价格不再穿价时撤单，由梯子维护按原价重挂
func (e *Engine) repriceSlippage() {
	now := e.now()
	for _, p := range e.reg.InState(domain.Market{}, domain.StateActive) {
		if !p.IsSlippage || p.IsOneTime || e.reg.EntryOf(p.Handle) != nil {
			continue
		}
		mi := e.reg.Market(p.Market)
		if mi == nil || !mi.Spread.IsValid() {
			continue
		}
		orig := originalOrderPrice(p, mi.PriceTick)
		crosses := (p.Side == domain.SideBuy && !orig.LessThan(mi.Spread.Ask)) ||
			(p.Side == domain.SideSell && !orig.GreaterThan(mi.Spread.Bid))
		if crosses {
			continue
		}
		if _, err := e.reg.Cancel(p.Handle, domain.CancelReprice, now); err == nil {
			e.log.Infof("↗️ 原价已不穿价，撤单后按原价重挂 %s", p)
		}
	}
}

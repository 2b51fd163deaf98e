package engine

import (
	"time"

	"github.com/tryphe/trader-sub000/internal/domain"
	"github.com/tryphe/trader-sub000/internal/metrics"
)

// consolidatePass 每个交易对每轮最多开启一个新分组：先拆分回到阈值内的 landmark，
// 否则按离盘口由近到远扫描，合并第一段符合条件的连续档位。
func (e *Engine) consolidatePass() {
	if e.sched.YieldToFlowControl() {
		return
	}
	now := e.now()
	for _, mi := range e.reg.Markets() {
		if e.sched.YieldToFlowControl() {
			return
		}
		if e.tryDiverge(mi, now) {
			continue
		}
		if mi.ConsolidationThreshold < 2 {
			continue
		}
		for _, side := range []domain.Side{domain.SideBuy, domain.SideSell} {
			if e.tryConverge(mi, side, now) {
				break
			}
		}
	}
}

func (e *Engine) tryDiverge(mi *domain.MarketInfo, now time.Time) bool {
	for _, p := range e.reg.InState(mi.Market, domain.StateActive) {
		if !p.IsLandmark || e.reg.EntryOf(p.Handle) != nil {
			continue
		}
		if e.outerDistance(mi, p.SlotIndices) > mi.LandmarkThresh {
			continue
		}
		if _, err := e.reg.BeginDiverge(mi.Market, p.Handle, now); err != nil {
			e.log.Warnf("⚠️ 拆分失败 %s: %v", p, err)
			continue
		}
		e.stats.Diverges++
		metrics.Diverges.Add(1)
		return true
	}
	return false
}

func (e *Engine) tryConverge(mi *domain.MarketInfo, side domain.Side, now time.Time) bool {
	dc := mi.ConsolidationThreshold
	order := mi.SpreadOrder(side)
	for start := 0; start+dc <= len(order); start++ {
		window := order[start : start+dc]
		handles, ok := e.convergeRun(mi, window)
		if !ok {
			continue
		}
		if e.outerDistance(mi, window) <= mi.LandmarkThresh {
			continue
		}
		if _, err := e.reg.BeginConverge(mi.Market, handles, now); err != nil {
			e.log.Warnf("⚠️ 合并失败 %s %v: %v", mi.Market, window, err)
			return false
		}
		e.stats.Converges++
		metrics.Converges.Add(1)
		return true
	}
	return false
}

// convergeRun 检查一段档位：索引连续、每档恰好一个独立的普通挂单、没有 ghost 或预留、
// 且全部距盘口不少于 LandmarkStart
func (e *Engine) convergeRun(mi *domain.MarketInfo, window []int) ([]domain.Handle, bool) {
	handles := make([]domain.Handle, 0, len(window))
	for j, idx := range window {
		if j > 0 && abs(idx-window[j-1]) != 1 {
			return nil, false
		}
		if mi.Ladder[idx].Ghost || e.reg.IsReserved(mi.Market, idx) {
			return nil, false
		}
		if mi.Distance(idx) < mi.LandmarkStart {
			return nil, false
		}
		h, ok := e.reg.SlotOwner(mi.Market, idx)
		if !ok {
			return nil, false
		}
		p := e.reg.Get(h)
		if p == nil || p.State != domain.StateActive || p.IsLandmark || p.IsOneTime || len(p.SlotIndices) != 1 {
			return nil, false
		}
		if e.reg.EntryOf(h) != nil {
			return nil, false
		}
		handles = append(handles, h)
	}
	return handles, true
}

func (e *Engine) outerDistance(mi *domain.MarketInfo, indices []int) int {
	d := -1
	for _, idx := range indices {
		d = max(d, mi.Distance(idx))
	}
	return d
}

func abs(x int) int {
	if x < 0 {
		return -x
	}
	return x
}

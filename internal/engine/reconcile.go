package engine

import (
	"time"

	"github.com/tryphe/trader-sub000/internal/domain"
	"github.com/tryphe/trader-sub000/internal/metrics"
	"github.com/tryphe/trader-sub000/internal/positions"
	"github.com/tryphe/trader-sub000/pkg/money"
)

// reportScope 回报覆盖的交易对：已跟踪请求按请求范围，未跟踪的推送按回报中出现的交易对
func (e *Engine) reportScope(req *domain.Request, tracked bool, present []domain.Market) []domain.Market {
	if tracked && req.Market.IsValid() {
		return []domain.Market{req.Market}
	}
	if tracked {
		out := make([]domain.Market, 0, len(e.reg.Markets()))
		for _, mi := range e.reg.Markets() {
			out = append(out, mi.Market)
		}
		return out
	}
	return present
}

// handleOpenOrders 全量挂单快照：识别成交与孤儿单
func (e *Engine) handleOpenOrders(requestID string, orders map[domain.Market][]domain.RemoteOrder, ts time.Time) {
	req, tracked := e.sched.Complete(requestID)
	now := e.now()
	sentAt := ts
	if tracked {
		sentAt = req.SentAt
	}
	present := make([]domain.Market, 0, len(orders))
	for m := range orders {
		present = append(present, m)
	}

	accepted := false
	for _, m := range e.reportScope(req, tracked, present) {
		mi := e.reg.Market(m)
		if mi == nil {
			continue
		}
		last := e.lastSnapshot[m]
		if ts.Before(last) || sentAt.Before(last) || now.Sub(ts) > e.cfg.Timing.SnapshotTolerance {
			e.stats.SnapshotsRejected++
			metrics.SnapshotsRejected.Add(1)
			e.log.Debugf("丢弃过期快照 %s ts=%s last=%s", m, ts.Format(time.RFC3339Nano), last.Format(time.RFC3339Nano))
			continue
		}
		e.lastSnapshot[m] = ts
		e.stats.SnapshotsAccepted++
		metrics.SnapshotsAccepted.Add(1)
		accepted = true

		seen := make(map[string]struct{}, len(orders[m]))
		for _, o := range orders[m] {
			seen[o.RemoteID] = struct{}{}
		}

		var filled []*domain.Position
		for _, p := range e.reg.InState(m, domain.StateActive) {
			if _, ok := seen[p.RemoteID]; ok {
				continue
			}
			if p.SetAt.Add(e.cfg.Timing.SafetyDelay).After(now) || !p.SetAt.Before(sentAt) {
				continue
			}
			filled = append(filled, p)
		}
		e.reconcileFills(m, filled, domain.FillFromSnapshot, ts)
		e.trackStrays(mi, orders[m], seen, ts)
	}
	if accepted {
		e.sched.MarkBookUpdated(ts)
	}
}

// trackStrays 远端存在、本地未知的订单：首次出现只记录，超过宽限期后再次出现才撤一次
func (e *Engine) trackStrays(mi *domain.MarketInfo, orders []domain.RemoteOrder, seen map[string]struct{}, ts time.Time) {
	for id, s := range e.strays {
		if s.order.Market != mi.Market {
			continue
		}
		if _, ok := seen[id]; !ok {
			delete(e.strays, id)
		}
	}
	for _, o := range orders {
		if e.reg.ByRemoteID(o.RemoteID) != nil {
			continue
		}
		o.Market = mi.Market
		s := e.strays[o.RemoteID]
		if s == nil {
			if e.awaitingAck(mi, o) {
				continue
			}
			e.strays[o.RemoteID] = &strayInfo{order: o, firstSeen: ts}
			e.log.Infof("👀 发现未知远端订单 %s %s %s@%s", o.RemoteID, mi.Market, o.Side, o.Price)
			continue
		}
		if s.cancelled || ts.Sub(s.firstSeen) < e.cfg.Timing.StrayGrace {
			continue
		}
		s.cancelled = true
		e.log.Warnf("🧹 远端订单超过宽限期仍未认领，撤单 %s %s@%s", o.RemoteID, o.Side, o.Price)
		e.cancelRemote(o)
	}
}

// awaitingAck 同价位有等待下单确认的本地仓位时，该订单可能是确认尚未送达的自家订单
func (e *Engine) awaitingAck(mi *domain.MarketInfo, o domain.RemoteOrder) bool {
	for _, p := range e.reg.InState(mi.Market, domain.StateQueued) {
		if p.Side != o.Side || !e.sched.IsInFlight(p.Handle, domain.CommandForSide(p.Side)) {
			continue
		}
		if positions.OrderPrice(p, mi.PriceTick).Equal(o.Price) {
			return true
		}
	}
	return false
}

// handleTicker 盘口更新：刷新价差并按穿价识别成交
func (e *Engine) handleTicker(requestID string, spreads map[domain.Market]domain.Spread, ts time.Time) {
	req, tracked := e.sched.Complete(requestID)
	now := e.now()
	present := make([]domain.Market, 0, len(spreads))
	for m := range spreads {
		present = append(present, m)
	}
	for _, m := range e.reportScope(req, tracked, present) {
		sp, ok := spreads[m]
		mi := e.reg.Market(m)
		if !ok || mi == nil {
			continue
		}
		if ts.Before(e.lastTicker[m]) || now.Sub(ts) > e.cfg.Timing.SnapshotTolerance {
			continue
		}
		e.lastTicker[m] = ts
		if !sp.IsValid() {
			e.log.Warnf("⚠️ 无效盘口 %s bid=%s ask=%s", m, sp.Bid, sp.Ask)
			continue
		}
		mi.Spread = sp

		var filled []*domain.Position
		for _, p := range e.reg.InState(m, domain.StateActive) {
			if p.SetAt.Add(e.cfg.Timing.TickerSafetyDelay).After(now) {
				continue
			}
			price := positions.OrderPrice(p, mi.PriceTick)
			// 卖一压到买单价（或买一抬到卖单价）说明该价位已被吃掉
			if (p.Side == domain.SideBuy && !sp.Ask.GreaterThan(price)) ||
				(p.Side == domain.SideSell && !sp.Bid.LessThan(price)) {
				filled = append(filled, p)
			}
		}
		e.reconcileFills(m, filled, domain.FillFromTicker, ts)
	}
}

// reconcileFills 同一批次同一交易对的多笔成交统一按 (最低价+最高价)/2 记价
func (e *Engine) reconcileFills(m domain.Market, filled []*domain.Position, src domain.FillSource, ts time.Time) {
	if len(filled) == 0 {
		return
	}
	mi := e.reg.Market(m)
	if mi == nil {
		return
	}
	var batchPrice money.Money
	if len(filled) > 1 {
		lo := positions.OrderPrice(filled[0], mi.PriceTick)
		hi := lo
		for _, p := range filled[1:] {
			price := positions.OrderPrice(p, mi.PriceTick)
			lo = money.Min(lo, price)
			hi = money.Max(hi, price)
		}
		batchPrice = lo.Add(hi).Half().FloorToTick(mi.PriceTick)
	}
	for _, p := range filled {
		price := batchPrice
		if len(filled) == 1 {
			price = positions.OrderPrice(p, mi.PriceTick)
		}
		e.processFill(mi, p, price, src, ts)
	}
}

// processFill 记账、更新档位，并为 ping-pong 仓位在反方向补单
func (e *Engine) processFill(mi *domain.MarketInfo, p *domain.Position, price money.Money, src domain.FillSource, ts time.Time) {
	wasActive := p.State == domain.StateActive
	removed, done, err := e.reg.Remove(p.Handle)
	if err != nil {
		return
	}
	fill := domain.Fill{
		Exchange: e.cfg.Exchange,
		Market:   p.Market,
		Side:     p.Side,
		Price:    price,
		Quantity: removed.Quantity,
		RemoteID: removed.RemoteID,
		Source:   src,
		Landmark: removed.IsLandmark,
		At:       ts,
	}
	switch src {
	case domain.FillFromAck:
		e.stats.FillsAck++
	case domain.FillFromSnapshot:
		e.stats.FillsSnapshot++
	case domain.FillFromTicker:
		e.stats.FillsTicker++
	}
	metrics.Fills.Add(string(src), 1)
	if e.journal != nil {
		e.journal.RecordFill(fill)
	}
	e.log.Infof("💰 成交 [%s] %s %s %s@%s (%s)", src, p.Market, p.Side, fill.Quantity.Coin(), price, removed)

	flipped := p.Side.Flip()
	for _, idx := range removed.SlotIndices {
		if idx < 0 || idx >= len(mi.Ladder) {
			continue
		}
		mi.Ladder[idx].RecordFill()
		mi.Ladder[idx].Side = flipped
		e.ladderDirty = true
	}

	if wasActive && !removed.IsOneTime && !e.anyGhost(mi, removed.SlotIndices) {
		e.refill(mi, removed, price)
	}
	e.afterGroupDone(done)
}

// refill ping-pong 补单：反方向、模板价格、数量取档位当前值
func (e *Engine) refill(mi *domain.MarketInfo, filled *domain.Position, fillPrice money.Money) {
	var (
		n   *domain.Position
		err error
	)
	if filled.IsLandmark {
		n, err = positions.NewLandmarkPosition(mi, filled.Side.Flip(), filled.SlotIndices)
	} else if len(filled.SlotIndices) == 1 {
		n, err = positions.NewSlotPosition(mi, filled.SlotIndices[0])
	} else {
		n, err = filled.Flip()
	}
	if err != nil {
		e.log.Errorf("❌ 补单构造失败 %s: %v", filled, err)
		return
	}
	n.Side = filled.Side.Flip()
	n.StrategyTag = filled.StrategyTag
	n.IsTaker = filled.IsTaker
	n.LastFillPrice = fillPrice
	e.place(mi, n)
}

// place 计算数量与利润后登记仓位
func (e *Engine) place(mi *domain.MarketInfo, p *domain.Position) bool {
	p.ApplyOffset(e.cfg.Bias, e.cfg.Fee, mi.QtyTick)
	if _, err := e.reg.Add(p, e.now()); err != nil {
		e.log.Warnf("⚠️ 仓位登记失败 %s: %v", p, err)
		return false
	}
	return true
}

// afterGroupDone 合并组最后一个成员离场后放置目标仓位
func (e *Engine) afterGroupDone(entry *domain.ConsolidationEntry) {
	if entry == nil {
		return
	}
	mi := e.reg.Market(entry.Market)
	if mi == nil {
		return
	}
	free := make([]int, 0, len(entry.TargetIndices))
	sameSide := true
	for _, idx := range entry.TargetIndices {
		if idx < 0 || idx >= len(mi.Ladder) {
			continue
		}
		s := mi.Ladder[idx]
		if s.Ghost || !e.reg.IsFree(entry.Market, idx) {
			sameSide = false
			continue
		}
		if s.Side != entry.Side {
			sameSide = false
		}
		free = append(free, idx)
	}

	if entry.IsLandmark && sameSide && len(free) == len(entry.TargetIndices) {
		p, err := positions.NewLandmarkPosition(mi, entry.Side, free)
		if err == nil && e.place(mi, p) {
			e.log.Infof("🏔️ 合并完成 %s %s 档位=%v", entry.Market, entry.Side, free)
			return
		}
	}
	for _, idx := range free {
		p, err := positions.NewSlotPosition(mi, idx)
		if err != nil {
			continue
		}
		e.place(mi, p)
	}
	e.log.Infof("🔀 分组 %d 完成 %s，按档补单 %d", entry.ID, entry.Market, len(free))
}

func (e *Engine) anyGhost(mi *domain.MarketInfo, indices []int) bool {
	for _, idx := range indices {
		if idx >= 0 && idx < len(mi.Ladder) && mi.Ladder[idx].Ghost {
			return true
		}
	}
	return false
}

// ghostSlots 档位只保留模板，不再维护挂单
func (e *Engine) ghostSlots(mi *domain.MarketInfo, indices []int) {
	for _, idx := range indices {
		if idx >= 0 && idx < len(mi.Ladder) && !mi.Ladder[idx].Ghost {
			mi.Ladder[idx].Ghost = true
			e.ladderDirty = true
		}
	}
}

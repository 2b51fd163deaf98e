package engine

import (
	"time"

	"github.com/tryphe/trader-sub000/internal/domain"
	"github.com/tryphe/trader-sub000/internal/exchange"
	"github.com/tryphe/trader-sub000/internal/metrics"
	"github.com/tryphe/trader-sub000/internal/positions"
	"github.com/tryphe/trader-sub000/pkg/money"
)

// prepare 发送前补全请求。下单请求在此确定最终价格（post-only 主动修正、价格带限制）
// 与数量；关联仓位已不存在时返回 false。
func (e *Engine) prepare(req *domain.Request, now time.Time) bool {
	switch req.Command {
	case domain.CmdBuy, domain.CmdSell:
		p := e.reg.Get(req.Handle)
		if p == nil || p.State != domain.StateQueued {
			e.log.Debugf("丢弃下单请求，仓位已不存在: %s", req)
			return false
		}
		mi := e.reg.Market(p.Market)
		if mi == nil {
			return false
		}
		price := positions.OrderPrice(p, mi.PriceTick)
		if mi.PostOnly && mi.Spread.IsValid() {
			price = e.driftPrice(p, mi, price, false)
		}
		price = mi.ClampPercentPrice(price)
		if !p.IsOneTime && p.Side == domain.SideBuy && !price.LessThan(p.SellPrice) {
			price = p.SellPrice.Sub(mi.PriceTick)
		}
		if !p.IsOneTime && p.Side == domain.SideSell && !price.GreaterThan(p.BuyPrice) {
			price = p.BuyPrice.Add(mi.PriceTick)
		}
		if !price.Equal(p.Price()) {
			_ = e.reg.Reprice(p.Handle, price)
			p.IsSlippage = !price.Equal(originalOrderPrice(p, mi.PriceTick))
		}
		p.ApplyOffset(e.cfg.Bias, e.cfg.Fee, mi.QtyTick)
		if !p.Quantity.IsPositive() || !price.IsPositive() {
			e.log.Warnf("⚠️ 下单数量或价格无效，移除并置为 ghost: %s", p)
			e.ghostSlots(mi, p.SlotIndices)
			_, _, _ = e.reg.Remove(p.Handle)
			return false
		}
		req.Side = p.Side
		req.Price = price
		req.Quantity = p.Quantity
		req.PostOnly = mi.PostOnly
		return true

	case domain.CmdCancel:
		if req.Handle == 0 {
			return req.RemoteID != ""
		}
		p := e.reg.Get(req.Handle)
		if p == nil || p.State != domain.StateCancelling {
			return false
		}
		req.RemoteID = p.RemoteID
		return true
	}
	return true
}

// driftPrice post-only 价格修正：买单 min(原价, ask-k·tick)，卖单 max(原价, bid+k·tick)。
// afterReject 为 true 时以当前价与盘口中较靠内者为基准再后退，保证每次失败至少移动 k 个 tick。
func (e *Engine) driftPrice(p *domain.Position, mi *domain.MarketInfo, price money.Money, afterReject bool) money.Money {
	k := int64(1)
	if p.SlippageCount > 1 {
		k = 1 + int64(p.SlippageCount-1)*int64(e.cfg.Timing.SlippageTickStep)
	}
	step := mi.PriceTick.MulInt(k)
	orig := originalOrderPrice(p, mi.PriceTick)

	if p.Side == domain.SideBuy {
		ref := mi.Spread.Ask
		if afterReject {
			ref = money.Min(ref, price)
		} else if price.LessThan(ref) {
			return price
		}
		return money.Min(orig, ref.Sub(step))
	}
	ref := mi.Spread.Bid
	if afterReject {
		ref = money.Max(ref, price)
	} else if price.GreaterThan(ref) {
		return price
	}
	return money.Max(orig, ref.Add(step))
}

// originalOrderPrice 原始目标价取整到 tick 后的下单价
func originalOrderPrice(p *domain.Position, tick money.Money) money.Money {
	return positions.OrderPrice(&domain.Position{Side: p.Side, BuyPrice: p.OriginalBuyPrice, SellPrice: p.OriginalSellPrice}, tick)
}

// handlePlaced 下单回报
func (e *Engine) handlePlaced(requestID, remoteID string, err error) {
	req, ok := e.sched.Complete(requestID)
	if !ok {
		e.untracked("placed", requestID)
		if err == nil && remoteID != "" {
			if p := e.reg.ByRemoteID(remoteID); p == nil {
				e.log.Warnf("⚠️ 未跟踪的下单回报 remote=%s，交给孤儿单宽限处理", remoteID)
			}
		}
		return
	}
	now := e.now()
	if err != nil {
		e.placeFailed(req, err, now)
		return
	}
	e.breaker.OnAccepted()
	p := e.reg.Get(req.Handle)
	if p == nil {
		// 仓位在下单途中被移除：远端订单已成孤儿，直接撤掉
		e.log.Warnf("⚠️ 下单确认时仓位已不存在，撤销远端订单 %s", remoteID)
		e.cancelRemote(domain.RemoteOrder{RemoteID: remoteID, Market: req.Market, Side: req.Side, Price: req.Price})
		return
	}
	if aerr := e.reg.Activate(p.Handle, remoteID, now); aerr != nil {
		e.log.Errorf("❌ 激活仓位失败 %s: %v", p, aerr)
		return
	}
	delete(e.strays, remoteID)
	e.log.Debugf("✅ 挂单确认 %s", p)
}

func (e *Engine) placeFailed(req *domain.Request, err error, now time.Time) {
	p := e.reg.Get(req.Handle)
	kind := exchange.KindOf(err)
	switch kind {
	case exchange.KindTransient:
		e.log.Warnf("⚠️ 下单传输错误，重发 %s: %v", req, err)
		if e.sched.Resend(req) {
			e.stats.Resent++
			metrics.Resent.Add(1)
		}
		return
	case exchange.KindNonce:
		e.log.Warnf("⚠️ nonce 过旧，前移后重发 %s", req)
		e.sched.BumpNonce(now)
		e.sched.Resend(req)
		return
	case exchange.KindPostOnlyCross:
		if p == nil {
			return
		}
		e.stats.PostOnlyRetries++
		metrics.PostOnlyRetries.Add(1)
		p.SlippageCount++
		deadline := p.RequestedAt.Add(e.cfg.Timing.SlippageMaxAge)
		if !p.MaxAge.IsZero() && p.MaxAge.Before(deadline) {
			deadline = p.MaxAge
		}
		mi := e.reg.Market(p.Market)
		if !now.Before(deadline) || mi == nil {
			e.log.Warnf("⌛ post-only 重试超时，放弃 %s", p)
			_, done, _ := e.reg.Remove(p.Handle)
			e.afterGroupDone(done)
			return
		}
		price := e.driftPrice(p, mi, req.Price, true)
		if !price.IsPositive() {
			_, done, _ := e.reg.Remove(p.Handle)
			e.afterGroupDone(done)
			return
		}
		_ = e.reg.Reprice(p.Handle, price)
		p.IsSlippage = !price.Equal(originalOrderPrice(p, mi.PriceTick))
		e.log.Infof("↘️ post-only 穿价，第 %d 次修正 %s -> %s", p.SlippageCount, req.Price, price)
		e.sched.Resend(req)
		return
	}

	e.stats.Rejects++
	metrics.Rejects.Add(1)
	e.breaker.OnRejected()
	e.log.Errorf("❌ 下单被拒绝 %s: %v", req, err)
	if p != nil {
		_, done, _ := e.reg.Remove(p.Handle)
		e.afterGroupDone(done)
	}
}

// handleCancelled 撤单回报
func (e *Engine) handleCancelled(requestID string, err error) {
	req, ok := e.sched.Complete(requestID)
	if !ok {
		e.untracked("cancelled", requestID)
		return
	}
	now := e.now()
	if err != nil {
		switch exchange.KindOf(err) {
		case exchange.KindUnknownOrder:
			// 订单已不存在：视为已结算
		case exchange.KindNonce:
			e.sched.BumpNonce(now)
			e.sched.Resend(req)
			return
		case exchange.KindTransient:
			if e.sched.Resend(req) {
				e.stats.Resent++
				metrics.Resent.Add(1)
			}
			return
		default:
			e.log.Errorf("❌ 撤单被拒绝 %s: %v，等待重试", req, err)
			return
		}
	}
	e.confirmCancel(req.Handle, req.Market, req.RemoteID, now)
}

// confirmCancel 撤单已确认：移除仓位，必要时完成合并组
func (e *Engine) confirmCancel(h domain.Handle, m domain.Market, remoteID string, now time.Time) {
	e.stats.Cancels++
	metrics.Cancels.Add(1)
	if h == 0 {
		if s := e.strays[remoteID]; s != nil {
			s.cancelled = true
		}
		if e.journal != nil {
			e.journal.RecordCancel(e.cfg.Exchange, m, remoteID, "stray", now)
		}
		return
	}
	p := e.reg.Get(h)
	if p == nil {
		return
	}
	reason := p.CancelReason
	_, done, err := e.reg.Remove(h)
	if err != nil {
		return
	}
	if e.journal != nil {
		e.journal.RecordCancel(e.cfg.Exchange, p.Market, p.RemoteID, reason, now)
	}
	e.log.Debugf("🗑️ 撤单确认 %s (%s)", p, reason)
	e.afterGroupDone(done)
}

// handleOrderStatus 显式终态推送
func (e *Engine) handleOrderStatus(remoteID string, status domain.OrderStatus, ts time.Time) {
	p := e.reg.ByRemoteID(remoteID)
	if p == nil {
		return
	}
	switch status {
	case domain.OrderFilled:
		e.reconcileFills(p.Market, []*domain.Position{p}, domain.FillFromAck, ts)
	case domain.OrderCancelled:
		e.sched.DropPending(p.Handle, domain.CmdCancel)
		e.confirmCancel(p.Handle, p.Market, remoteID, e.now())
	}
}

// handleFailure 传输层失败：轮询直接丢弃，其余按命令类型处理
func (e *Engine) handleFailure(requestID string, err error) {
	req, ok := e.sched.InFlight(requestID)
	if !ok {
		e.untracked("failure", requestID)
		return
	}
	switch req.Command {
	case domain.CmdBuy, domain.CmdSell:
		e.handlePlaced(requestID, "", err)
	case domain.CmdCancel:
		e.handleCancelled(requestID, err)
	default:
		e.sched.Complete(requestID)
		e.stats.Dropped++
		metrics.Dropped.Add(1)
		e.log.Debugf("轮询失败，等待下个周期: %s: %v", req, err)
	}
}

func (e *Engine) cancelRemote(o domain.RemoteOrder) {
	if err := e.sched.EnqueueCancelRemote(o); err != nil {
		e.log.Debugf("远端撤单未入队 %s: %v", o.RemoteID, err)
		return
	}
	e.stats.StrayCancels++
	metrics.StrayCancels.Add(1)
}

func (e *Engine) untracked(kind, requestID string) {
	e.stats.UntrackedReplies++
	metrics.UntrackedReplies.Add(1)
	e.log.Warnf("⚠️ 未跟踪的回报 %s id=%s，忽略", kind, requestID)
}

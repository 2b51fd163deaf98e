package engine

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tryphe/trader-sub000/internal/domain"
	"github.com/tryphe/trader-sub000/internal/exchange"
	"github.com/tryphe/trader-sub000/internal/exchange/paper"
	"github.com/tryphe/trader-sub000/internal/risk"
	"github.com/tryphe/trader-sub000/pkg/money"
	"github.com/tryphe/trader-sub000/pkg/persistence"
)

var btc = domain.MustParseMarket("BTC-USDT")

type memJournal struct {
	fills   []domain.Fill
	cancels []domain.CancelReason
}

func (j *memJournal) RecordFill(f domain.Fill) { j.fills = append(j.fills, f) }

func (j *memJournal) RecordCancel(_ string, _ domain.Market, _ string, reason domain.CancelReason, _ time.Time) {
	j.cancels = append(j.cancels, reason)
}

type harness struct {
	t   *testing.T
	e   *Engine
	px  *paper.Exchange
	mi  *domain.MarketInfo
	j   *memJournal
	now time.Time
}

// newHarness 同步模拟交易所 + 固定时钟；事件循环不运行，回报在调用方内联处理
func newHarness(t *testing.T, setup func(mi *domain.MarketInfo), ladder ...string) *harness {
	t.Helper()
	h := &harness{t: t, j: &memJournal{}, now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	h.px = paper.New("sim", paper.Options{})
	h.e = New(Config{Exchange: "sim"}, h.px)
	h.px.SetReporter(h.e)
	h.e.SetClock(func() time.Time { return h.now })
	h.px.SetClock(func() time.Time { return h.now })
	h.e.SetJournal(h.j)

	h.mi = domain.NewMarketInfo(btc)
	h.mi.PriceTick = money.MustParse("0.01")
	h.mi.QtyTick = money.MustParse("0.00000001")
	for _, line := range ladder {
		ds, err := domain.ParseSlot(line)
		require.NoError(t, err)
		h.mi.SetSlot(ds.LadderSlot)
	}
	if setup != nil {
		setup(h.mi)
	}
	require.NoError(t, h.e.AddMarket(h.mi))
	return h
}

func (h *harness) advance(d time.Duration) { h.now = h.now.Add(d) }

// pump 把待发请求全部发出（同步回报随即处理）
func (h *harness) pump() {
	for i := 0; i < 100 && h.e.sched.PendingCount() > 0; i++ {
		dispatched, pending := h.e.stats.Dispatched, h.e.sched.PendingCount()
		h.e.sendTick()
		if h.e.stats.Dispatched == dispatched && h.e.sched.PendingCount() == pending {
			return
		}
	}
}

func (h *harness) syncBook() {
	h.e.pollBook()
	h.pump()
}

// setSpread 改变模拟盘口并让引擎轮询一次 ticker
func (h *harness) setSpread(bid, ask string) {
	h.px.SetSpread(btc, money.MustParse(bid), money.MustParse(ask))
	h.e.pollTicker()
	h.pump()
}

func (h *harness) positions() []*domain.Position { return h.e.reg.Positions(btc) }

func (h *harness) only() *domain.Position {
	h.t.Helper()
	ps := h.positions()
	require.Len(h.t, ps, 1)
	return ps[0]
}

// checkInvariants 注册表的全部不变式在流程结束时仍成立
func (h *harness) checkInvariants() {
	h.t.Helper()
	require.NoError(h.t, h.e.reg.CheckInvariants())
}

func (h *harness) sentCount(cmd domain.Command) int {
	n := 0
	for _, r := range h.px.Sent() {
		if r.Command == cmd {
			n++
		}
	}
	return n
}

func assertMoney(t *testing.T, want string, got money.Money) {
	t.Helper()
	assert.True(t, got.Equal(money.MustParse(want)), "want %s got %s", want, got)
}

func TestBookGateHoldsPlacements(t *testing.T) {
	h := newHarness(t, nil, "setorder BTC-USDT buy 83 84 10 active")
	h.setSpread("85", "86")
	h.e.maintainTick()
	require.Equal(t, 1, h.e.sched.PendingCount())

	// 尚无挂单快照：下单请求不发出
	h.e.sendTick()
	assert.Equal(t, 0, h.sentCount(domain.CmdBuy))
	assert.Equal(t, domain.StateQueued, h.only().State)

	h.syncBook()
	assert.Equal(t, 1, h.sentCount(domain.CmdBuy))
	assert.Equal(t, domain.StateActive, h.only().State)
	assert.False(t, h.e.IsBookStale())
}

func TestPingPongRefillAfterSnapshotFill(t *testing.T) {
	h := newHarness(t, nil, "setorder BTC-USDT buy 83 84 10 active")
	h.setSpread("85", "86")
	h.syncBook()
	h.e.maintainTick()
	h.pump()

	p := h.only()
	require.Equal(t, domain.StateActive, p.State)
	remoteID := p.RemoteID

	// 模拟盘口穿越买单，引擎只能通过快照发现
	filled := h.px.SetSpread(btc, money.MustParse("82"), money.MustParse("83"))
	require.Equal(t, []string{remoteID}, filled)

	// 安全延迟内的缺失不算成交
	h.advance(5 * time.Second)
	h.syncBook()
	assert.Equal(t, domain.StateActive, h.only().State)
	assert.Empty(t, h.j.fills)

	h.advance(6 * time.Second)
	h.syncBook()
	require.Len(t, h.j.fills, 1)
	f := h.j.fills[0]
	assert.Equal(t, domain.FillFromSnapshot, f.Source)
	assert.Equal(t, domain.SideBuy, f.Side)
	assertMoney(t, "83", f.Price)
	assert.Equal(t, remoteID, f.RemoteID)

	s := h.e.Stats()
	assert.EqualValues(t, 1, s.FillsSnapshot)

	refill := h.only()
	assert.Equal(t, domain.SideSell, refill.Side)
	assert.Equal(t, domain.StateActive, refill.State)
	assertMoney(t, "84", refill.SellPrice)
	assertMoney(t, "83", refill.LastFillPrice)
	assert.Equal(t, []int{0}, refill.SlotIndices)
	assert.Equal(t, domain.SideSell, h.mi.Ladder[0].Side)
	assert.Equal(t, 1, h.mi.Ladder[0].FillCount)
	h.checkInvariants()
}

func TestAlternateSizeAfterFirstFill(t *testing.T) {
	h := newHarness(t, nil, "setorder BTC-USDT buy 100 101 10/20 active")
	h.setSpread("102", "103")
	h.syncBook()
	h.e.maintainTick()
	h.pump()
	assertMoney(t, "10", h.only().BaseSize)

	h.advance(4 * time.Second)
	h.setSpread("98", "99")
	require.Len(t, h.j.fills, 1)
	assert.Equal(t, domain.FillFromTicker, h.j.fills[0].Source)

	refill := h.only()
	assertMoney(t, "20", refill.BaseSize)
	assert.True(t, h.mi.Ladder[0].AlternateSize.IsZero())
}

func TestTickerBatchFillsUseMidPrice(t *testing.T) {
	h := newHarness(t, nil,
		"setorder BTC-USDT buy 90 95 10 active",
		"setorder BTC-USDT buy 92 97 10 active",
	)
	h.setSpread("98", "99")
	h.syncBook()
	h.e.maintainTick()
	h.pump()
	require.Len(t, h.positions(), 2)

	// ticker 安全延迟内不识别
	h.advance(time.Second)
	h.setSpread("85", "86")
	assert.Empty(t, h.j.fills)

	h.advance(3 * time.Second)
	h.setSpread("84", "85")
	require.Len(t, h.j.fills, 2)
	for _, f := range h.j.fills {
		assert.Equal(t, domain.FillFromTicker, f.Source)
		assertMoney(t, "91", f.Price)
	}
	assert.EqualValues(t, 2, h.e.Stats().FillsTicker)

	ps := h.positions()
	require.Len(t, ps, 2)
	for _, p := range ps {
		assert.Equal(t, domain.SideSell, p.Side)
		assertMoney(t, "91", p.LastFillPrice)
	}
	h.checkInvariants()
}

func TestTickerFillWhenSpreadTouchesOrderPrice(t *testing.T) {
	h := newHarness(t, nil, "setorder BTC-USDT buy 83 84 10 active")
	h.setSpread("85", "86")
	h.syncBook()
	h.e.maintainTick()
	h.pump()
	require.Equal(t, domain.StateActive, h.only().State)

	// 卖一正好等于买单价
	h.advance(4 * time.Second)
	h.setSpread("82", "83")
	require.Len(t, h.j.fills, 1)
	assert.Equal(t, domain.FillFromTicker, h.j.fills[0].Source)
	assertMoney(t, "83", h.j.fills[0].Price)

	sell := h.only()
	require.Equal(t, domain.SideSell, sell.Side)
	require.Equal(t, domain.StateActive, sell.State)

	// 买一正好等于卖单价
	h.advance(4 * time.Second)
	h.setSpread("84", "85")
	require.Len(t, h.j.fills, 2)
	assert.Equal(t, domain.SideSell, h.j.fills[1].Side)
	assertMoney(t, "84", h.j.fills[1].Price)
	assert.EqualValues(t, 2, h.e.Stats().FillsTicker)
	h.checkInvariants()
}

func TestPostOnlyProactiveDrift(t *testing.T) {
	h := newHarness(t, func(mi *domain.MarketInfo) { mi.PostOnly = true },
		"setorder BTC-USDT buy 105 110 10 active")
	h.setSpread("95", "100")
	h.syncBook()
	h.e.maintainTick()
	h.pump()

	p := h.only()
	require.Equal(t, domain.StateActive, p.State)
	assertMoney(t, "99.99", p.BuyPrice)
	assert.True(t, p.IsSlippage)

	var buy *domain.Request
	for _, r := range h.px.Sent() {
		if r.Command == domain.CmdBuy {
			buy = r
		}
	}
	require.NotNil(t, buy)
	assert.True(t, buy.PostOnly)
	assertMoney(t, "99.99", buy.Price)
	h.checkInvariants()
}

func TestPostOnlyRejectDriftsAndReprices(t *testing.T) {
	h := newHarness(t, func(mi *domain.MarketInfo) { mi.PostOnly = true },
		"setorder BTC-USDT buy 105 110 10 active")
	h.setSpread("95", "100")
	h.syncBook()
	h.px.FailNext(domain.CmdBuy, exchange.NewError(exchange.KindPostOnlyCross, "post_only", "would match"))
	h.e.maintainTick()
	h.pump()

	p := h.only()
	require.Equal(t, domain.StateActive, p.State)
	assert.Equal(t, 1, p.SlippageCount)
	assertMoney(t, "99.98", p.BuyPrice)
	assert.EqualValues(t, 1, h.e.Stats().PostOnlyRetries)
	assert.Equal(t, 2, h.sentCount(domain.CmdBuy))

	// 原价不再穿价：撤单后按原价重挂
	h.advance(time.Second)
	h.setSpread("106", "107")
	h.e.maintainTick()
	h.pump()
	assert.Contains(t, h.j.cancels, domain.CancelReprice)

	h.e.maintainTick()
	h.pump()
	p = h.only()
	assert.Equal(t, domain.StateActive, p.State)
	assertMoney(t, "105", p.BuyPrice)
	assert.False(t, p.IsSlippage)
	h.checkInvariants()
}

func TestPostOnlyGivesUpAfterMaxAge(t *testing.T) {
	h := newHarness(t, func(mi *domain.MarketInfo) { mi.PostOnly = true },
		"setorder BTC-USDT buy 105 110 10 active")
	h.setSpread("95", "100")
	h.syncBook()
	h.e.maintainTick()

	// 请求排队超过最长滑点时间后才收到拒绝
	h.advance(11 * time.Minute)
	h.px.FailNext(domain.CmdBuy, exchange.NewError(exchange.KindPostOnlyCross, "post_only", "would match"))
	h.syncBook()
	assert.Equal(t, 1, h.sentCount(domain.CmdBuy))
	assert.Empty(t, h.positions())
}

func TestTransientPlaceErrorIsResent(t *testing.T) {
	h := newHarness(t, nil, "setorder BTC-USDT buy 83 84 10 active")
	h.setSpread("85", "86")
	h.syncBook()
	h.px.FailNext(domain.CmdBuy, exchange.NewError(exchange.KindTransient, "timeout", "gateway timeout"))
	h.e.maintainTick()
	h.pump()

	assert.Equal(t, domain.StateActive, h.only().State)
	assert.Equal(t, 2, h.sentCount(domain.CmdBuy))
	assert.GreaterOrEqual(t, h.e.Stats().Resent, int64(1))
}

func TestRejectedPlacementRemovesPosition(t *testing.T) {
	h := newHarness(t, nil, "setorder BTC-USDT buy 83 84 10 active")
	h.setSpread("85", "86")
	h.syncBook()
	h.px.FailNext(domain.CmdBuy, exchange.NewError(exchange.KindRejected, "balance", "insufficient funds"))
	h.e.maintainTick()
	h.pump()

	assert.Empty(t, h.positions())
	assert.EqualValues(t, 1, h.e.Stats().Rejects)
	assert.True(t, h.e.reg.IsFree(btc, 0))
}

func TestBreakerHaltsLadderUntilResumed(t *testing.T) {
	h := newHarness(t, nil,
		"setorder BTC-USDT buy 80 90 10 active",
		"setorder BTC-USDT buy 81 91 10 active",
	)
	h.e.breaker.SetConfig(risk.CircuitBreakerConfig{MaxConsecutiveRejects: 2})
	h.setSpread("85", "86")
	h.syncBook()
	for i := 0; i < 2; i++ {
		h.px.FailNext(domain.CmdBuy, exchange.NewError(exchange.KindRejected, "balance", "insufficient funds"))
	}
	h.e.maintainTick()
	h.pump()
	require.Empty(t, h.positions())

	h.e.maintainTick()
	assert.Equal(t, 0, h.e.sched.PendingCount())
	assert.True(t, h.e.Stats().Halted)

	require.NoError(t, h.e.ResumeBreaker())
	h.e.maintainTick()
	assert.Equal(t, 2, h.e.sched.PendingCount())
	assert.False(t, h.e.Stats().Halted)
}

func TestStrayCancelledOnceAfterGrace(t *testing.T) {
	h := newHarness(t, nil)
	h.setSpread("99", "100")
	h.px.InjectOrder(domain.RemoteOrder{
		RemoteID: "ext-1",
		Market:   btc,
		Side:     domain.SideBuy,
		Price:    money.MustParse("50"),
		Quantity: money.MustParse("1"),
	})

	h.syncBook()
	require.Contains(t, h.e.strays, "ext-1")
	h.advance(5 * time.Second)
	h.syncBook()
	assert.Equal(t, 0, h.sentCount(domain.CmdCancel))

	// 撤单被拒绝，订单仍在簿中
	h.px.FailNext(domain.CmdCancel, exchange.NewError(exchange.KindRejected, "busy", "try later"))
	h.advance(11 * time.Second)
	h.syncBook()
	assert.Equal(t, 1, h.sentCount(domain.CmdCancel))
	assert.EqualValues(t, 1, h.e.Stats().StrayCancels)

	h.advance(5 * time.Second)
	h.syncBook()
	h.advance(20 * time.Second)
	h.syncBook()
	assert.Equal(t, 1, h.sentCount(domain.CmdCancel))
	assert.Len(t, h.px.Orders(btc), 1)
}

func TestStrayDisappearingIsForgotten(t *testing.T) {
	h := newHarness(t, nil)
	h.setSpread("99", "100")
	o := domain.RemoteOrder{RemoteID: "ext-2", Market: btc, Side: domain.SideSell, Price: money.MustParse("150"), Quantity: money.MustParse("1")}
	h.px.InjectOrder(o)
	h.syncBook()
	require.Contains(t, h.e.strays, "ext-2")

	h.px.SetSpread(btc, money.MustParse("151"), money.MustParse("152"))
	h.advance(time.Second)
	h.syncBook()
	assert.NotContains(t, h.e.strays, "ext-2")
	assert.Equal(t, 0, h.sentCount(domain.CmdCancel))
}

func TestSnapshotRejectedWhenOutOfOrder(t *testing.T) {
	h := newHarness(t, nil, "setorder BTC-USDT buy 83 84 10 active")
	h.setSpread("85", "86")
	h.syncBook()
	h.e.maintainTick()
	h.pump()
	require.Equal(t, domain.StateActive, h.only().State)
	h.advance(20 * time.Second)
	h.syncBook()
	accepted := h.e.Stats().SnapshotsAccepted

	empty := map[domain.Market][]domain.RemoteOrder{btc: {}}
	// 早于最近一次被接受的快照
	h.e.ReportOpenOrders("late", empty, h.now.Add(-time.Second))
	// 超过最大允许延迟
	h.advance(40 * time.Second)
	h.e.ReportOpenOrders("old", empty, h.now.Add(-31*time.Second))

	s := h.e.Stats()
	assert.EqualValues(t, 2, s.SnapshotsRejected)
	assert.Equal(t, accepted, s.SnapshotsAccepted)
	assert.Equal(t, domain.StateActive, h.only().State)
	assert.Empty(t, h.j.fills)
}

func TestUntrackedPlacedReplyIsCounted(t *testing.T) {
	h := newHarness(t, nil)
	h.e.ReportPlaced("no-such-request", "sim-99", nil)
	h.e.ReportCancelled("no-such-request", nil)
	assert.EqualValues(t, 2, h.e.Stats().UntrackedReplies)
}

func TestOperatorCancelGhostsSlot(t *testing.T) {
	h := newHarness(t, nil,
		"setorder BTC-USDT buy 83 84 10 active",
		"setorder BTC-USDT sell 90 91 10 active",
	)
	h.setSpread("85", "86")
	h.syncBook()
	h.e.maintainTick()
	h.pump()
	require.Len(t, h.positions(), 2)

	n, err := h.e.CancelLocal(btc)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	h.pump()
	assert.Empty(t, h.positions())
	assert.True(t, h.mi.Ladder[0].Ghost)
	assert.True(t, h.mi.Ladder[1].Ghost)
	assert.Equal(t, []domain.CancelReason{domain.CancelOperator, domain.CancelOperator}, h.j.cancels)

	// ghost 档位不再补挂
	h.e.maintainTick()
	assert.Equal(t, 0, h.e.sched.PendingCount())

	_, err = h.e.CancelHighest(btc)
	assert.ErrorIs(t, err, ErrNothingToDo)
	h.checkInvariants()
}

func TestCancelLocalGhostsSlotWithCancelInFlight(t *testing.T) {
	h := newHarness(t, nil, "setorder BTC-USDT buy 83 84 10 active")
	h.setSpread("85", "86")
	h.syncBook()
	h.e.maintainTick()
	h.pump()
	p := h.only()

	// 改价撤单已发起但尚未发出
	_, err := h.e.reg.Cancel(p.Handle, domain.CancelReprice, h.now)
	require.NoError(t, err)
	require.Equal(t, domain.StateCancelling, p.State)

	n, err := h.e.CancelLocal(btc)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.True(t, h.mi.Ladder[0].Ghost)

	h.pump()
	assert.Empty(t, h.positions())

	h.e.maintainTick()
	h.pump()
	assert.Empty(t, h.positions())
	assert.Equal(t, 1, h.sentCount(domain.CmdBuy))
	h.checkInvariants()
}

func TestCancelAllGhostsAbortedConsolidationMembers(t *testing.T) {
	h := convergeHarness(t)
	h.e.consolidatePass()
	require.EqualValues(t, 1, h.e.Stats().Converges)

	n, err := h.e.CancelAll(btc)
	require.NoError(t, err)
	assert.Positive(t, n)
	assert.Empty(t, h.e.reg.Entries(btc))
	for i := range h.mi.Ladder {
		assert.True(t, h.mi.Ladder[i].Ghost, "slot %d", i)
	}

	h.pump()
	h.e.maintainTick()
	h.e.consolidatePass()
	h.pump()
	assert.Empty(t, h.positions())
	h.checkInvariants()
}

func TestCancelHighestPicksTopPrice(t *testing.T) {
	h := newHarness(t, nil,
		"setorder BTC-USDT buy 80 81 10 active",
		"setorder BTC-USDT buy 82 83 10 active",
	)
	h.setSpread("85", "86")
	h.syncBook()
	h.e.maintainTick()
	h.pump()

	p, err := h.e.CancelHighest(btc)
	require.NoError(t, err)
	assertMoney(t, "82", p.BuyPrice)
	h.pump()
	left := h.only()
	assertMoney(t, "80", left.BuyPrice)
	assert.True(t, h.mi.Ladder[1].Ghost)
	assert.False(t, h.mi.Ladder[0].Ghost)
	h.checkInvariants()
}

func TestClearSlotIsTwoStage(t *testing.T) {
	h := newHarness(t, nil,
		"setorder BTC-USDT buy 83 84 10 active",
		"setorder BTC-USDT buy 84 85 10 active",
	)
	h.setSpread("86", "87")
	h.syncBook()
	h.e.maintainTick()
	h.pump()

	removed, err := h.e.ClearSlot(btc, 0)
	require.NoError(t, err)
	assert.False(t, removed)
	assert.True(t, h.mi.Ladder[0].Ghost)

	// 撤单尚未确认
	_, err = h.e.ClearSlot(btc, 0)
	assert.ErrorIs(t, err, ErrSlotBusy)

	h.pump()
	removed, err = h.e.ClearSlot(btc, 0)
	require.NoError(t, err)
	assert.True(t, removed)
	require.Len(t, h.mi.Ladder, 1)
	assertMoney(t, "84", h.mi.Ladder[0].BuyPrice)

	// 剩余仓位的档位索引随之前移
	p := h.only()
	assert.Equal(t, []int{0}, p.SlotIndices)
	owner, ok := h.e.reg.SlotOwner(btc, 0)
	require.True(t, ok)
	assert.Equal(t, p.Handle, owner)
	h.checkInvariants()
}

func TestSetSlotReplacementCancelsLivePosition(t *testing.T) {
	h := newHarness(t, nil, "setorder BTC-USDT buy 83 84 10 active")
	h.setSpread("85", "86")
	h.syncBook()
	h.e.maintainTick()
	h.pump()

	ds, err := domain.ParseSlot("setorder BTC-USDT buy 83 84.5 10 active")
	require.NoError(t, err)
	idx, err := h.e.SetSlot(ds)
	require.NoError(t, err)
	assert.Equal(t, 0, idx)
	assert.Equal(t, domain.StateCancelling, h.only().State)

	h.pump()
	h.e.maintainTick()
	h.pump()
	assertMoney(t, "84.5", h.only().SellPrice)

	ds, err = domain.ParseSlot("setorder BTC-USDT buy 80 81 10 active")
	require.NoError(t, err)
	idx, err = h.e.SetSlot(ds)
	require.NoError(t, err)
	assert.Equal(t, 0, idx)
	assert.Equal(t, []int{1}, h.only().SlotIndices)
	h.checkInvariants()
}

func TestOneTimeOrderExpires(t *testing.T) {
	h := newHarness(t, nil)
	h.setSpread("99", "100")
	h.syncBook()

	hd, err := h.e.PlaceOneTime(btc, domain.SideBuy, money.MustParse("95"), money.MustParse("10"), time.Minute)
	require.NoError(t, err)
	h.pump()
	p := h.e.reg.Get(hd)
	require.NotNil(t, p)
	require.Equal(t, domain.StateActive, p.State)

	h.advance(30 * time.Second)
	h.e.sweepTick()
	assert.Equal(t, domain.StateActive, p.State)

	h.advance(31 * time.Second)
	h.e.sweepTick()
	h.pump()
	assert.Nil(t, h.e.reg.Get(hd))
	assert.Equal(t, []domain.CancelReason{domain.CancelMaxAge}, h.j.cancels)
	assert.Empty(t, h.px.Orders(btc))
}

func TestOneTimeFillDoesNotRefill(t *testing.T) {
	h := newHarness(t, nil)
	h.setSpread("99", "100")
	h.syncBook()
	_, err := h.e.PlaceOneTime(btc, domain.SideSell, money.MustParse("105"), money.MustParse("10"), 0)
	require.NoError(t, err)
	h.pump()

	h.advance(4 * time.Second)
	h.setSpread("106", "107")
	require.Len(t, h.j.fills, 1)
	assert.Empty(t, h.positions())
}

func convergeHarness(t *testing.T) *harness {
	h := newHarness(t, func(mi *domain.MarketInfo) {
		mi.ConsolidationThreshold = 2
		mi.LandmarkStart = 0
		mi.LandmarkThresh = 1
	},
		"setorder BTC-USDT buy 90 100 10 active",
		"setorder BTC-USDT buy 91 101 10 active",
		"setorder BTC-USDT buy 92 102 10 active",
		"setorder BTC-USDT buy 93 103 10 active",
	)
	h.setSpread("95", "96")
	h.syncBook()
	h.e.maintainTick()
	h.pump()
	require.Len(t, h.positions(), 4)
	return h
}

func landmarks(ps []*domain.Position) []*domain.Position {
	var out []*domain.Position
	for _, p := range ps {
		if p.IsLandmark {
			out = append(out, p)
		}
	}
	return out
}

func TestConvergeThenDiverge(t *testing.T) {
	h := convergeHarness(t)

	h.e.consolidatePass()
	assert.EqualValues(t, 1, h.e.Stats().Converges)
	assert.True(t, h.e.reg.IsReserved(btc, 1))
	assert.True(t, h.e.reg.IsReserved(btc, 2))

	// 分组进行中：梯子维护不得占用预留档位
	h.e.maintainTick()
	h.pump()

	lms := landmarks(h.positions())
	require.Len(t, lms, 1)
	lm := lms[0]
	assert.Equal(t, []int{1, 2}, lm.SlotIndices)
	assert.Equal(t, domain.StateActive, lm.State)
	assertMoney(t, "91.49", lm.BuyPrice)
	assertMoney(t, "20", lm.BaseSize)
	assert.False(t, lm.IsSlippage)
	assert.Len(t, h.positions(), 3)
	assert.False(t, h.e.reg.IsReserved(btc, 1))

	// 整数 tick 上的 landmark 不应被当成滑点反复撤单
	h.e.maintainTick()
	assert.Equal(t, domain.StateActive, lm.State)

	require.NoError(t, h.e.SetMarketLimits(btc, MarketLimits{ConsolidationThreshold: 2, LandmarkThresh: 2}))
	h.e.consolidatePass()
	assert.EqualValues(t, 1, h.e.Stats().Diverges)
	h.pump()

	ps := h.positions()
	assert.Len(t, ps, 4)
	assert.Empty(t, landmarks(ps))
	for _, idx := range []int{1, 2} {
		_, ok := h.e.reg.SlotOwner(btc, idx)
		assert.True(t, ok, "slot %d", idx)
	}
	h.checkInvariants()
}

func TestLandmarkFillRefillsAsLandmark(t *testing.T) {
	h := convergeHarness(t)
	h.e.consolidatePass()
	h.pump()
	lm := landmarks(h.positions())[0]

	// landmark 与最靠近盘口的 93 档同批成交
	h.advance(4 * time.Second)
	h.setSpread("91", "91.45")
	require.Len(t, h.j.fills, 2)
	assertMoney(t, "92.24", h.j.fills[0].Price)

	var fill *domain.Fill
	for i := range h.j.fills {
		if h.j.fills[i].RemoteID == lm.RemoteID {
			fill = &h.j.fills[i]
		}
	}
	require.NotNil(t, fill)
	assert.True(t, fill.Landmark)

	var sells []*domain.Position
	for _, p := range h.positions() {
		if p.Side == domain.SideSell {
			sells = append(sells, p)
		}
	}
	require.NotEmpty(t, sells)
	var lmSell *domain.Position
	for _, p := range sells {
		if p.IsLandmark {
			lmSell = p
		}
	}
	require.NotNil(t, lmSell)
	assert.Equal(t, []int{1, 2}, lmSell.SlotIndices)
	h.checkInvariants()
}

func TestOrderMaxLimitsLadderFill(t *testing.T) {
	h := newHarness(t, func(mi *domain.MarketInfo) { mi.OrderMax = 2 },
		"setorder BTC-USDT buy 80 90 10 active",
		"setorder BTC-USDT buy 81 91 10 active",
		"setorder BTC-USDT buy 82 92 10 active",
	)
	h.setSpread("85", "86")
	h.syncBook()
	h.e.maintainTick()
	h.pump()

	ps := h.positions()
	require.Len(t, ps, 2)
	// 离盘口最近的两档
	assert.True(t, h.e.reg.IsFree(btc, 0))
	assert.False(t, h.e.reg.IsFree(btc, 1))
	assert.False(t, h.e.reg.IsFree(btc, 2))
}

func TestSaveAndRestoreLadder(t *testing.T) {
	svc := persistence.NewMemoryService()

	h := newHarness(t, nil, "setorder BTC-USDT buy 83 84 10/5 active")
	h.e.SetStore(svc.NewStore("state", "sim", "ladder"))
	ds, err := domain.ParseSlot("setorder BTC-USDT sell 90 91 2 ghost")
	require.NoError(t, err)
	_, err = h.e.SetSlot(ds)
	require.NoError(t, err)
	require.NoError(t, h.e.saveLadder(false))
	assert.False(t, h.e.ladderDirty)

	restored := newHarness(t, nil)
	restored.e.SetStore(svc.NewStore("state", "sim", "ladder"))
	ok, err := restored.e.RestoreLadder()
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, restored.mi.Ladder, 2)
	assert.True(t, restored.mi.Ladder[0].Equivalent(h.mi.Ladder[0]))
	assert.True(t, restored.mi.Ladder[1].Ghost)

	fresh := newHarness(t, nil)
	fresh.e.SetStore(svc.NewStore("state", "other", "ladder"))
	ok, err = fresh.e.RestoreLadder()
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestLoadLadderRejectsBusyMarket(t *testing.T) {
	h := newHarness(t, nil, "setorder BTC-USDT buy 83 84 10 active")
	h.setSpread("85", "86")
	h.syncBook()
	h.e.maintainTick()

	_, err := h.e.LoadLadder(strings.NewReader("setorder BTC-USDT buy 70 71 1 active\n"))
	assert.ErrorIs(t, err, ErrMarketBusy)
}

func TestLateOperatorCommandIsSkipped(t *testing.T) {
	h := newHarness(t, nil)
	ran := false
	cmd := &operatorCommand{name: "late", fn: func() { ran = true }, done: make(chan struct{})}

	// 调用方已超时放弃
	require.True(t, cmd.claimed.CompareAndSwap(false, true))
	h.e.handleCommand(cmd)
	assert.False(t, ran)
	select {
	case <-cmd.done:
	default:
		t.Fatal("done not closed")
	}
}

func TestReportsDroppedAfterStop(t *testing.T) {
	h := newHarness(t, nil, "setorder BTC-USDT buy 83 84 10 active")
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.e.Run(ctx)
		close(done)
	}()
	require.Eventually(t, func() bool { return h.e.phase.Load() == phaseRunning }, time.Second, 5*time.Millisecond)

	_, err := h.e.CancelLocal(btc)
	require.NoError(t, err)

	cancel()
	<-done

	_, err = h.e.CancelLocal(btc)
	assert.ErrorIs(t, err, ErrEngineStopped)

	before := h.e.dropped.Load()
	h.e.ReportOrderStatus("sim-404", domain.OrderFilled, h.now)
	h.e.ReportPlaced("req-404", "sim-405", nil)
	assert.Equal(t, before+2, h.e.dropped.Load())
	assert.Equal(t, before+2, h.e.Stats().Errors)
}

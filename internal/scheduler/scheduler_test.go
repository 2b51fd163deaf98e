package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tryphe/trader-sub000/internal/domain"
	"github.com/tryphe/trader-sub000/pkg/money"
	"github.com/tryphe/trader-sub000/pkg/ratelimit"
)

type fakeLookup struct {
	positions map[domain.Handle]*domain.Position
	markets   map[domain.Market]*domain.MarketInfo
}

func (f *fakeLookup) Get(h domain.Handle) *domain.Position      { return f.positions[h] }
func (f *fakeLookup) Market(m domain.Market) *domain.MarketInfo { return f.markets[m] }

var mkt = domain.MustParseMarket("DOGE-BTC")

func newTestScheduler(cfg Config) (*Scheduler, *fakeLookup) {
	lk := &fakeLookup{
		positions: make(map[domain.Handle]*domain.Position),
		markets:   map[domain.Market]*domain.MarketInfo{mkt: domain.NewMarketInfo(mkt)},
	}
	s := New("test", cfg, lk)
	return s, lk
}

func (f *fakeLookup) add(h domain.Handle, side domain.Side, profit string) *domain.Position {
	p := &domain.Position{Handle: h, Market: mkt, Side: side, State: domain.StateQueued, PerTradeProfit: money.MustParse(profit)}
	f.positions[h] = p
	return p
}

var t0 = time.Unix(1_700_000_000, 0)

func TestTickRanksByProfit(t *testing.T) {
	s, lk := newTestScheduler(Config{SentLimit: 10})
	s.MarkBookUpdated(t0)

	require.NoError(t, s.EnqueuePlace(lk.add(1, domain.SideBuy, "0.1")))
	require.NoError(t, s.EnqueuePlace(lk.add(2, domain.SideSell, "0.5")))
	require.NoError(t, s.EnqueuePoll(domain.CmdTicker, domain.Market{}))
	require.NoError(t, s.EnqueuePlace(lk.add(3, domain.SideBuy, "0.5")))

	var order []domain.Handle
	var cmds []domain.Command
	for i := 0; i < 4; i++ {
		req := s.Tick(t0)
		require.NotNil(t, req)
		order = append(order, req.Handle)
		cmds = append(cmds, req.Command)
	}
	// 0.5 并列时先入队者优先；ticker 记 0，排在 0.1 之后
	assert.Equal(t, []domain.Handle{2, 3, 1, 0}, order)
	assert.Equal(t, domain.CmdTicker, cmds[3])
	assert.Nil(t, s.Tick(t0))
}

func TestFlowControlSentLimit(t *testing.T) {
	s, lk := newTestScheduler(Config{SentLimit: 2, QueueLimit: 3})
	s.MarkBookUpdated(t0)
	for h := domain.Handle(1); h <= 4; h++ {
		require.NoError(t, s.EnqueuePlace(lk.add(h, domain.SideBuy, "0")))
	}
	assert.True(t, s.YieldToFlowControl(), "待发达到 QueueLimit")

	first := s.Tick(t0)
	second := s.Tick(t0)
	require.NotNil(t, first)
	require.NotNil(t, second)
	assert.Equal(t, 2, s.InFlightCount())
	for i := 0; i < 5; i++ {
		assert.Nil(t, s.Tick(t0), "在途已满不再发送")
	}
	assert.True(t, s.YieldToFlowControl())

	_, ok := s.Complete(first.ID)
	require.True(t, ok)
	assert.NotNil(t, s.Tick(t0))
	_, ok = s.Complete("unknown")
	assert.False(t, ok)
}

func TestLagGateHoldsPriceSensitive(t *testing.T) {
	s, lk := newTestScheduler(Config{BookPollInterval: time.Second, LagMultiple: 3})
	require.NoError(t, s.EnqueuePlace(lk.add(1, domain.SideBuy, "1")))
	require.NoError(t, s.EnqueuePoll(domain.CmdOpenOrders, domain.Market{}))

	assert.True(t, s.IsBookStale(t0), "尚无快照")
	req := s.Tick(t0)
	require.NotNil(t, req)
	assert.Equal(t, domain.CmdOpenOrders, req.Command)
	assert.Nil(t, s.Tick(t0), "下单被滞后闸门挡住")

	s.MarkBookUpdated(t0)
	assert.False(t, s.IsBookStale(t0.Add(3*time.Second)))
	assert.True(t, s.IsBookStale(t0.Add(4*time.Second)))
	req = s.Tick(t0.Add(time.Second))
	require.NotNil(t, req)
	assert.Equal(t, domain.CmdBuy, req.Command)
}

func TestCancelPriorityWhenCrowded(t *testing.T) {
	s, lk := newTestScheduler(Config{CancelPriorityThreshold: 2, SentLimit: 10})
	s.MarkBookUpdated(t0)
	mi := lk.markets[mkt]

	require.NoError(t, s.EnqueuePlace(lk.add(1, domain.SideBuy, "5")))
	c := lk.add(2, domain.SideSell, "0")
	c.RemoteID = "r2"
	require.NoError(t, s.EnqueueCancel(c))

	req := s.Tick(t0)
	assert.Equal(t, domain.CmdBuy, req.Command, "未拥挤时撤单为中性")

	require.NoError(t, s.EnqueuePlace(lk.add(3, domain.SideBuy, "5")))
	for i := 0; i < 3; i++ {
		mi.AddResting(money.FromInt(int64(i + 1)))
	}
	req = s.Tick(t0)
	assert.Equal(t, domain.CmdCancel, req.Command, "拥挤时撤单优先")
}

func TestDedupeAndDrop(t *testing.T) {
	s, lk := newTestScheduler(Config{})
	p := lk.add(1, domain.SideBuy, "0")
	require.NoError(t, s.EnqueuePlace(p))
	assert.ErrorIs(t, s.EnqueuePlace(p), ErrDuplicateIntent)
	require.NoError(t, s.EnqueuePoll(domain.CmdTicker, domain.Market{}))
	assert.ErrorIs(t, s.EnqueuePoll(domain.CmdTicker, domain.Market{}), ErrDuplicateIntent)
	assert.Error(t, s.EnqueuePoll(domain.CmdBuy, mkt))

	assert.True(t, s.DropPending(1, domain.CmdBuy))
	assert.False(t, s.DropPending(1, domain.CmdBuy))
	require.NoError(t, s.EnqueuePlace(p), "移除后可重新入队")
}

func TestSweepResendsAndDropsPolls(t *testing.T) {
	s, lk := newTestScheduler(Config{RequestTimeout: 5 * time.Second, SentLimit: 10})
	s.MarkBookUpdated(t0)
	require.NoError(t, s.EnqueuePlace(lk.add(1, domain.SideBuy, "1")))
	require.NoError(t, s.EnqueuePoll(domain.CmdTicker, domain.Market{}))
	place := s.Tick(t0)
	poll := s.Tick(t0)
	require.NotNil(t, place)
	require.NotNil(t, poll)

	res := s.Sweep(t0.Add(5 * time.Second))
	assert.Empty(t, res.Resent)
	res = s.Sweep(t0.Add(6 * time.Second))
	require.Len(t, res.Resent, 1)
	require.Len(t, res.Dropped, 1)
	assert.Equal(t, place.ID, res.Resent[0].ID)
	assert.Equal(t, domain.CmdTicker, res.Dropped[0].Command)
	assert.Equal(t, 0, s.InFlightCount())
	assert.Equal(t, 1, s.PendingCount())

	again := s.Tick(t0.Add(6 * time.Second))
	require.NotNil(t, again)
	assert.Equal(t, place.ID, again.ID)
	assert.Equal(t, 2, again.Attempts)
}

func TestNonceMonotonic(t *testing.T) {
	s, _ := newTestScheduler(Config{SentLimit: 10})
	for _, c := range []domain.Command{domain.CmdTicker, domain.CmdOpenOrders} {
		require.NoError(t, s.EnqueuePoll(c, domain.Market{}))
	}
	a := s.Tick(t0)
	b := s.Tick(t0)
	assert.Equal(t, t0.UnixMilli(), a.Nonce)
	assert.Equal(t, t0.UnixMilli()+1, b.Nonce)

	s.BumpNonce(t0)
	assert.Equal(t, t0.UnixMilli()+1+1000, s.LastNonce())
}

func TestWeightBudget(t *testing.T) {
	s, _ := newTestScheduler(Config{SentLimit: 10, Weights: map[domain.Command]int{domain.CmdOpenOrders: 3}})
	s.SetBudget(ratelimit.NewTokenBucket(4, 0, time.Second))
	require.NoError(t, s.EnqueuePoll(domain.CmdOpenOrders, domain.Market{}))
	require.NoError(t, s.EnqueuePoll(domain.CmdTicker, domain.Market{}))
	first := s.Tick(t0)
	require.NotNil(t, first)
	assert.Equal(t, 3, first.Weight)
	second := s.Tick(t0)
	require.NotNil(t, second)
	assert.Equal(t, 1, second.Weight)
	require.NoError(t, s.EnqueuePoll(domain.CmdOpenOrders, mkt))
	assert.Nil(t, s.Tick(t0), "权重预算耗尽")
}

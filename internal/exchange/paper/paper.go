// Package paper 内存撮合的模拟交易所，用于 dry run 与引擎测试。
package paper

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tryphe/trader-sub000/internal/domain"
	"github.com/tryphe/trader-sub000/internal/exchange"
	"github.com/tryphe/trader-sub000/pkg/money"
)

// Options 模拟参数
type Options struct {
	// Async 为 true 时回报经由单个投递协程异步送达（需调用 Start）
	Async bool
	// PushStatus 成交时主动推送 ReportOrderStatus
	PushStatus bool
	// Buffer 异步投递队列长度
	Buffer int
}

type order struct {
	domain.RemoteOrder
	postOnly bool
}

// Exchange 模拟交易所
type Exchange struct {
	name string
	opts Options
	log  *logrus.Entry

	mu       sync.Mutex
	reporter exchange.Reporter
	now      func() time.Time
	nextID   int64
	spreads  map[domain.Market]domain.Spread
	orders   map[string]*order
	failNext map[domain.Command][]error
	sent     []*domain.Request

	queue chan func()
}

// New 创建模拟交易所
func New(name string, opts Options) *Exchange {
	if opts.Buffer <= 0 {
		opts.Buffer = 1024
	}
	return &Exchange{
		name:     name,
		opts:     opts,
		log:      logrus.WithFields(logrus.Fields{"component": "paper", "exchange": name}),
		now:      time.Now,
		spreads:  make(map[domain.Market]domain.Spread),
		orders:   make(map[string]*order),
		failNext: make(map[domain.Command][]error),
		queue:    make(chan func(), opts.Buffer),
	}
}

// Name 交易所名称
func (x *Exchange) Name() string { return x.name }

// SetReporter 设置回报接收方（通常是引擎）
func (x *Exchange) SetReporter(r exchange.Reporter) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.reporter = r
}

// SetClock 替换时钟（测试用）
func (x *Exchange) SetClock(now func() time.Time) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.now = now
}

// Start 启动异步投递协程，ctx 结束时退出
func (x *Exchange) Start(ctx context.Context) {
	for {
		select {
		case fn := <-x.queue:
			fn()
		case <-ctx.Done():
			return
		}
	}
}

func (x *Exchange) deliver(fn func()) {
	if !x.opts.Async {
		fn()
		return
	}
	select {
	case x.queue <- fn:
	default:
		x.log.Warn("⚠️ 投递队列已满，回报丢失")
	}
}

// FailNext 让下一个指定类型的请求返回 err
func (x *Exchange) FailNext(cmd domain.Command, err error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.failNext[cmd] = append(x.failNext[cmd], err)
}

// Submit 处理请求；回报经 Reporter 送达
func (x *Exchange) Submit(req *domain.Request) {
	x.mu.Lock()
	r := x.reporter
	cp := *req
	x.sent = append(x.sent, &cp)
	var injected error
	if errs := x.failNext[req.Command]; len(errs) > 0 {
		injected = errs[0]
		x.failNext[req.Command] = errs[1:]
	}
	x.mu.Unlock()
	if r == nil {
		return
	}

	switch req.Command {
	case domain.CmdBuy, domain.CmdSell:
		if injected != nil {
			x.deliver(func() { r.ReportPlaced(cp.ID, "", injected) })
			return
		}
		remoteID, filled, err := x.place(&cp)
		x.deliver(func() { r.ReportPlaced(cp.ID, remoteID, err) })
		if filled && x.opts.PushStatus {
			ts := x.clock()
			x.deliver(func() { r.ReportOrderStatus(remoteID, domain.OrderFilled, ts) })
		}

	case domain.CmdCancel:
		err := injected
		if err == nil {
			err = x.cancel(cp.RemoteID)
		}
		x.deliver(func() { r.ReportCancelled(cp.ID, err) })

	case domain.CmdOpenOrders:
		if injected != nil {
			x.deliver(func() { r.ReportFailure(cp.ID, injected) })
			return
		}
		snap, ts := x.snapshot(cp.Market)
		x.deliver(func() { r.ReportOpenOrders(cp.ID, snap, ts) })

	case domain.CmdTicker:
		if injected != nil {
			x.deliver(func() { r.ReportFailure(cp.ID, injected) })
			return
		}
		spreads, ts := x.ticker(cp.Market)
		x.deliver(func() { r.ReportTicker(cp.ID, spreads, ts) })
	}
}

func (x *Exchange) clock() time.Time {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.now()
}

func (x *Exchange) place(req *domain.Request) (string, bool, error) {
	x.mu.Lock()
	defer x.mu.Unlock()

	if !req.Price.IsPositive() || !req.Quantity.IsPositive() {
		return "", false, exchange.NewError(exchange.KindRejected, "invalid", fmt.Sprintf("price=%s qty=%s", req.Price, req.Quantity))
	}
	sp := x.spreads[req.Market]
	crosses := sp.IsValid() && ((req.Side == domain.SideBuy && !req.Price.LessThan(sp.Ask)) ||
		(req.Side == domain.SideSell && !req.Price.GreaterThan(sp.Bid)))
	if crosses && req.PostOnly {
		return "", false, exchange.NewError(exchange.KindPostOnlyCross, "post_only", "order would immediately match")
	}
	x.nextID++
	id := fmt.Sprintf("%s-%d", x.name, x.nextID)
	if crosses {
		x.log.Debugf("吃单成交 %s %s@%s", id, req.Side, req.Price)
		return id, true, nil
	}
	x.orders[id] = &order{
		RemoteOrder: domain.RemoteOrder{RemoteID: id, Market: req.Market, Side: req.Side, Price: req.Price, Quantity: req.Quantity},
		postOnly:    req.PostOnly,
	}
	return id, false, nil
}

func (x *Exchange) cancel(remoteID string) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if _, ok := x.orders[remoteID]; !ok {
		return exchange.NewError(exchange.KindUnknownOrder, "unknown_order", remoteID)
	}
	delete(x.orders, remoteID)
	return nil
}

func (x *Exchange) snapshot(m domain.Market) (map[domain.Market][]domain.RemoteOrder, time.Time) {
	x.mu.Lock()
	defer x.mu.Unlock()
	out := make(map[domain.Market][]domain.RemoteOrder)
	for sm := range x.spreads {
		if !m.IsValid() || sm == m {
			out[sm] = []domain.RemoteOrder{}
		}
	}
	for _, o := range x.orders {
		if m.IsValid() && o.Market != m {
			continue
		}
		out[o.Market] = append(out[o.Market], o.RemoteOrder)
	}
	for k := range out {
		sort.Slice(out[k], func(i, j int) bool { return out[k][i].RemoteID < out[k][j].RemoteID })
	}
	return out, x.now()
}

func (x *Exchange) ticker(m domain.Market) (map[domain.Market]domain.Spread, time.Time) {
	x.mu.Lock()
	defer x.mu.Unlock()
	out := make(map[domain.Market]domain.Spread)
	for sm, sp := range x.spreads {
		if !m.IsValid() || sm == m {
			out[sm] = sp
		}
	}
	return out, x.now()
}

// SetSpread 更新盘口；被穿越的挂单按挂单价成交并从簿中移除，返回成交的订单号
func (x *Exchange) SetSpread(m domain.Market, bid, ask money.Money) []string {
	x.mu.Lock()
	x.spreads[m] = domain.Spread{Bid: bid, Ask: ask}
	var filled []string
	for id, o := range x.orders {
		if o.Market != m {
			continue
		}
		if (o.Side == domain.SideBuy && !ask.GreaterThan(o.Price)) ||
			(o.Side == domain.SideSell && !bid.LessThan(o.Price)) {
			filled = append(filled, id)
			delete(x.orders, id)
		}
	}
	r := x.reporter
	ts := x.now()
	x.mu.Unlock()

	sort.Strings(filled)
	if x.opts.PushStatus && r != nil {
		for _, id := range filled {
			id := id
			x.deliver(func() { r.ReportOrderStatus(id, domain.OrderFilled, ts) })
		}
	}
	return filled
}

// InjectOrder 直接在簿中放一个订单（模拟外部或遗留订单）
func (x *Exchange) InjectOrder(o domain.RemoteOrder) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.orders[o.RemoteID] = &order{RemoteOrder: o}
}

// Orders 当前簿中的订单（按订单号排序）
func (x *Exchange) Orders(m domain.Market) []domain.RemoteOrder {
	snap, _ := x.snapshot(m)
	var out []domain.RemoteOrder
	for _, os := range snap {
		out = append(out, os...)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RemoteID < out[j].RemoteID })
	return out
}

// Sent 已收到的请求副本
func (x *Exchange) Sent() []*domain.Request {
	x.mu.Lock()
	defer x.mu.Unlock()
	return append([]*domain.Request(nil), x.sent...)
}

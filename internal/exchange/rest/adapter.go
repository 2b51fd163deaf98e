package rest

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tryphe/trader-sub000/internal/domain"
	"github.com/tryphe/trader-sub000/internal/exchange"
	"github.com/tryphe/trader-sub000/pkg/syncgroup"
)

// AdapterConfig 适配器配置
type AdapterConfig struct {
	Name           string
	Workers        int           // 并发请求数
	Queue          int           // 待执行请求缓冲
	RequestTimeout time.Duration // 单个 HTTP 请求超时
}

// Adapter 把调度器发出的请求交给 REST 客户端执行，结果回报给引擎
type Adapter struct {
	cfg      AdapterConfig
	client   *Client
	reporter exchange.Reporter
	jobs     chan *domain.Request
	log      *logrus.Entry
}

// NewAdapter 创建适配器；需调用 Start 启动工作协程
func NewAdapter(cfg AdapterConfig, client *Client, reporter exchange.Reporter) *Adapter {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.Queue <= 0 {
		cfg.Queue = 256
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 10 * time.Second
	}
	return &Adapter{
		cfg:      cfg,
		client:   client,
		reporter: reporter,
		jobs:     make(chan *domain.Request, cfg.Queue),
		log:      logrus.WithFields(logrus.Fields{"component": "rest", "exchange": cfg.Name}),
	}
}

// Name 交易所名称
func (a *Adapter) Name() string { return a.cfg.Name }

// SetReporter 设置回报接收方
func (a *Adapter) SetReporter(r exchange.Reporter) { a.reporter = r }

// Submit 入队后立即返回；队列满时以传输错误回报
func (a *Adapter) Submit(req *domain.Request) {
	cp := *req
	select {
	case a.jobs <- &cp:
	default:
		a.log.Warnf("⚠️ 请求队列已满，回报失败 %s", req)
		a.reporter.ReportFailure(req.ID, exchange.NewError(exchange.KindTransient, "queue_full", "adapter queue full"))
	}
}

// Start 启动工作协程，阻塞直到 ctx 结束且全部工作协程退出
func (a *Adapter) Start(ctx context.Context) {
	sg := syncgroup.NewSyncGroup()
	for i := 0; i < a.cfg.Workers; i++ {
		sg.Add(func() { a.worker(ctx) })
	}
	sg.Run()
	a.log.Infof("🔌 网关适配器启动 workers=%d", a.cfg.Workers)
	sg.Wait()
}

func (a *Adapter) worker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case req := <-a.jobs:
			a.execute(ctx, req)
		}
	}
}

func (a *Adapter) execute(parent context.Context, req *domain.Request) {
	ctx, cancel := context.WithTimeout(parent, a.cfg.RequestTimeout)
	defer cancel()

	switch req.Command {
	case domain.CmdBuy, domain.CmdSell:
		id, err := a.client.PlaceOrder(ctx, req)
		a.reporter.ReportPlaced(req.ID, id, err)
	case domain.CmdCancel:
		a.reporter.ReportCancelled(req.ID, a.client.CancelOrder(ctx, req.RemoteID, req.Nonce))
	case domain.CmdOpenOrders:
		orders, ts, err := a.client.OpenOrders(ctx, req.Market)
		if err != nil {
			a.reporter.ReportFailure(req.ID, err)
			return
		}
		a.reporter.ReportOpenOrders(req.ID, orders, ts)
	case domain.CmdTicker:
		spreads, ts, err := a.client.Ticker(ctx, req.Market)
		if err != nil {
			a.reporter.ReportFailure(req.ID, err)
			return
		}
		a.reporter.ReportTicker(req.ID, spreads, ts)
	default:
		a.log.Errorf("未知请求类型 %s", req.Command)
	}
}

package rest

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/tryphe/trader-sub000/internal/domain"
	"github.com/tryphe/trader-sub000/internal/exchange"
	"github.com/tryphe/trader-sub000/pkg/money"
	"github.com/tryphe/trader-sub000/pkg/sigchan"
)

// StreamConfig 推送流配置
type StreamConfig struct {
	URL               string
	APIKey            string
	PingInterval      time.Duration
	ReconnectDelay    time.Duration
	MaxReconnectDelay time.Duration
}

// streamMessage 推送消息：ticker 或 order
type streamMessage struct {
	Type   string      `json:"type"`
	Market string      `json:"market"`
	Bid    money.Money `json:"bid"`
	Ask    money.Money `json:"ask"`
	ID     string      `json:"id"`
	Status string      `json:"status"`
	TS     int64       `json:"ts"`
}

// Stream websocket 推送：盘口直接作为 ticker 回报，订单终态作为 ReportOrderStatus
type Stream struct {
	cfg       StreamConfig
	reporter  exchange.Reporter
	connected *sigchan.Chan
	log       *logrus.Entry
}

// NewStream 创建推送流
func NewStream(name string, cfg StreamConfig, reporter exchange.Reporter) *Stream {
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 15 * time.Second
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = time.Second
	}
	if cfg.MaxReconnectDelay <= 0 {
		cfg.MaxReconnectDelay = 30 * time.Second
	}
	return &Stream{
		cfg:       cfg,
		reporter:  reporter,
		connected: sigchan.New(1),
		log:       logrus.WithFields(logrus.Fields{"component": "stream", "exchange": name}),
	}
}

// Connected 每次连接成功发出一个信号
func (s *Stream) Connected() <-chan struct{} { return s.connected.C() }

// Run 连接并读取推送，断线按退避重连，直到 ctx 结束
func (s *Stream) Run(ctx context.Context) {
	attempts := 0
	for ctx.Err() == nil {
		err := s.session(ctx)
		if ctx.Err() != nil {
			return
		}
		attempts++
		delay := s.cfg.ReconnectDelay * time.Duration(attempts)
		if delay > s.cfg.MaxReconnectDelay {
			delay = s.cfg.MaxReconnectDelay
		}
		s.log.Warnf("⚠️ 推送流断开: %v，%v 后重连 (第 %d 次)", err, delay, attempts)
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

func (s *Stream) session(ctx context.Context) error {
	header := http.Header{}
	if s.cfg.APIKey != "" {
		header.Set("X-API-Key", s.cfg.APIKey)
	}
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, s.cfg.URL, header)
	if err != nil {
		return err
	}
	defer conn.Close()
	s.log.Info("🔗 推送流已连接")
	s.connected.Emit()

	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(s.cfg.PingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
				_ = conn.Close()
				return
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
					return
				}
			}
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		s.handle(data)
	}
}

func (s *Stream) handle(data []byte) {
	var msg streamMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		s.log.Debugf("忽略无法解析的推送: %v", err)
		return
	}
	ts := time.UnixMilli(msg.TS)
	if msg.TS == 0 {
		ts = time.Now()
	}
	switch msg.Type {
	case "ticker":
		m, err := domain.ParseMarket(msg.Market)
		if err != nil {
			return
		}
		s.reporter.ReportTicker("", map[domain.Market]domain.Spread{m: {Bid: msg.Bid, Ask: msg.Ask}}, ts)
	case "order":
		switch domain.OrderStatus(msg.Status) {
		case domain.OrderFilled, domain.OrderCancelled:
			s.reporter.ReportOrderStatus(msg.ID, domain.OrderStatus(msg.Status), ts)
		}
	}
}

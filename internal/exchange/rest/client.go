// Package rest 通用 JSON 网关适配器：REST 下单/撤单/轮询，可选 websocket 行情与订单推送。
package rest

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/tryphe/trader-sub000/internal/domain"
	"github.com/tryphe/trader-sub000/internal/exchange"
	"github.com/tryphe/trader-sub000/pkg/money"
	"github.com/tryphe/trader-sub000/pkg/ratelimit"
)

// 限速端点
const (
	EndpointOrders     = "orders"
	EndpointOpenOrders = "open_orders"
	EndpointTicker     = "ticker"
)

// ClientConfig 网关客户端配置
type ClientConfig struct {
	BaseURL    string
	APIKey     string
	Timeout    time.Duration
	RetryCount int
	Limits     map[string]ratelimit.Limit
}

// Client 网关 REST 客户端
type Client struct {
	client  *resty.Client
	apiKey  string
	limiter *ratelimit.RateLimitManager
}

// NewClient 创建客户端
func NewClient(cfg ClientConfig) *Client {
	host := strings.TrimSuffix(cfg.BaseURL, "/")
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	client := resty.New().
		SetBaseURL(host).
		SetTimeout(cfg.Timeout).
		SetRetryCount(cfg.RetryCount).
		SetRetryWaitTime(200 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(resp *resty.Response, err error) bool {
			// 只重试只读请求，下单/撤单交给调度器按错误分类处理
			if resp == nil || resp.Request == nil || resp.Request.Method != http.MethodGet {
				return false
			}
			return err != nil || resp.StatusCode() == http.StatusTooManyRequests || resp.StatusCode() >= 500
		}).
		SetRetryAfter(func(client *resty.Client, resp *resty.Response) (time.Duration, error) {
			// 如果遇到 429 限流，使用 Retry-After 头
			if resp != nil && resp.StatusCode() == http.StatusTooManyRequests {
				if retryAfter := resp.Header().Get("Retry-After"); retryAfter != "" {
					if seconds, err := strconv.Atoi(retryAfter); err == nil {
						return time.Duration(seconds) * time.Second, nil
					}
				}
				return 2 * time.Second, nil
			}
			return 0, nil
		})

	return &Client{
		client:  client,
		apiKey:  cfg.APIKey,
		limiter: ratelimit.NewRateLimitManager(cfg.Limits),
	}
}

func (c *Client) newRequest(ctx context.Context, endpoint string) (*resty.Request, error) {
	if err := c.limiter.Wait(ctx, endpoint); err != nil {
		return nil, exchange.NewError(exchange.KindTransient, "rate_limit", err.Error())
	}
	r := c.client.R().SetContext(ctx)
	r.SetHeader("Accept", "application/json")
	r.SetHeader("X-Request-ID", uuid.NewString())
	if c.apiKey != "" {
		r.SetHeader("X-API-Key", c.apiKey)
	}
	return r, nil
}

type errorBody struct {
	Error *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// classify 把传输层结果映射到错误分类
func classify(resp *resty.Response, err error) error {
	if err != nil {
		return errors.Wrap(exchange.NewError(exchange.KindTransient, "transport", err.Error()), "gateway request")
	}
	body := resp.Body()
	trimmed := strings.TrimSpace(string(body))
	if strings.HasPrefix(trimmed, "<") {
		return exchange.NewError(exchange.KindTransient, "html", fmt.Sprintf("http %d html body", resp.StatusCode()))
	}
	if resp.StatusCode() == http.StatusTooManyRequests || resp.StatusCode() >= 500 {
		return exchange.NewError(exchange.KindTransient, strconv.Itoa(resp.StatusCode()), trimmed)
	}
	if resp.IsSuccess() {
		if trimmed == "" {
			return exchange.NewError(exchange.KindTransient, "empty", "empty response body")
		}
		return nil
	}
	var eb errorBody
	if json.Unmarshal(body, &eb) != nil || eb.Error == nil {
		return exchange.NewError(exchange.KindTransient, "malformed", trimmed)
	}
	return exchange.NewError(kindForCode(eb.Error.Code), eb.Error.Code, eb.Error.Message)
}

func kindForCode(code string) exchange.ErrorKind {
	switch strings.ToLower(code) {
	case "post_only", "post_only_cross", "would_take":
		return exchange.KindPostOnlyCross
	case "unknown_order", "order_not_found", "not_found":
		return exchange.KindUnknownOrder
	case "nonce", "invalid_nonce", "nonce_too_low":
		return exchange.KindNonce
	case "busy", "overloaded", "timeout":
		return exchange.KindTransient
	}
	return exchange.KindRejected
}

type placeBody struct {
	ClientOrderID string      `json:"client_order_id"`
	Market        string      `json:"market"`
	Side          string      `json:"side"`
	Price         money.Money `json:"price"`
	Quantity      money.Money `json:"quantity"`
	PostOnly      bool        `json:"post_only"`
	Nonce         int64       `json:"nonce"`
}

type placeResult struct {
	ID string `json:"id"`
}

// PlaceOrder 下单，返回交易所订单号
func (c *Client) PlaceOrder(ctx context.Context, req *domain.Request) (string, error) {
	r, err := c.newRequest(ctx, EndpointOrders)
	if err != nil {
		return "", err
	}
	var out placeResult
	resp, err := r.SetHeader("Content-Type", "application/json").
		SetBody(placeBody{
			ClientOrderID: req.ID,
			Market:        req.Market.String(),
			Side:          string(req.Side),
			Price:         req.Price,
			Quantity:      req.Quantity,
			PostOnly:      req.PostOnly,
			Nonce:         req.Nonce,
		}).
		SetResult(&out).
		Post("/orders")
	if err := classify(resp, err); err != nil {
		return "", err
	}
	if out.ID == "" {
		return "", exchange.NewError(exchange.KindTransient, "malformed", "missing order id")
	}
	return out.ID, nil
}

// CancelOrder 撤单
func (c *Client) CancelOrder(ctx context.Context, remoteID string, nonce int64) error {
	r, err := c.newRequest(ctx, EndpointOrders)
	if err != nil {
		return err
	}
	resp, err := r.SetPathParam("id", remoteID).
		SetQueryParam("nonce", strconv.FormatInt(nonce, 10)).
		Delete("/orders/{id}")
	return classify(resp, err)
}

type wireOrder struct {
	ID       string      `json:"id"`
	Market   string      `json:"market"`
	Side     string      `json:"side"`
	Price    money.Money `json:"price"`
	Quantity money.Money `json:"quantity"`
}

type openOrdersResult struct {
	TS     int64       `json:"ts"`
	Orders []wireOrder `json:"orders"`
}

// OpenOrders 全量挂单快照；market 为零值时返回全部交易对
func (c *Client) OpenOrders(ctx context.Context, m domain.Market) (map[domain.Market][]domain.RemoteOrder, time.Time, error) {
	r, err := c.newRequest(ctx, EndpointOpenOrders)
	if err != nil {
		return nil, time.Time{}, err
	}
	if m.IsValid() {
		r.SetQueryParam("market", m.String())
	}
	var out openOrdersResult
	resp, err := r.SetResult(&out).Get("/orders/open")
	if err := classify(resp, err); err != nil {
		return nil, time.Time{}, err
	}
	if out.TS == 0 {
		return nil, time.Time{}, exchange.NewError(exchange.KindTransient, "malformed", "missing snapshot timestamp")
	}
	orders := make(map[domain.Market][]domain.RemoteOrder)
	if m.IsValid() {
		orders[m] = []domain.RemoteOrder{}
	}
	for _, o := range out.Orders {
		om, err := domain.ParseMarket(o.Market)
		if err != nil {
			return nil, time.Time{}, exchange.NewError(exchange.KindTransient, "malformed", err.Error())
		}
		side, err := domain.ParseSide(o.Side)
		if err != nil {
			return nil, time.Time{}, exchange.NewError(exchange.KindTransient, "malformed", err.Error())
		}
		orders[om] = append(orders[om], domain.RemoteOrder{
			RemoteID: o.ID, Market: om, Side: side, Price: o.Price, Quantity: o.Quantity,
		})
	}
	return orders, time.UnixMilli(out.TS), nil
}

type wireTicker struct {
	Market string      `json:"market"`
	Bid    money.Money `json:"bid"`
	Ask    money.Money `json:"ask"`
}

type tickerResult struct {
	TS      int64        `json:"ts"`
	Tickers []wireTicker `json:"tickers"`
}

// Ticker 盘口
func (c *Client) Ticker(ctx context.Context, m domain.Market) (map[domain.Market]domain.Spread, time.Time, error) {
	r, err := c.newRequest(ctx, EndpointTicker)
	if err != nil {
		return nil, time.Time{}, err
	}
	if m.IsValid() {
		r.SetQueryParam("market", m.String())
	}
	var out tickerResult
	resp, err := r.SetResult(&out).Get("/ticker")
	if err := classify(resp, err); err != nil {
		return nil, time.Time{}, err
	}
	spreads := make(map[domain.Market]domain.Spread, len(out.Tickers))
	for _, t := range out.Tickers {
		tm, err := domain.ParseMarket(t.Market)
		if err != nil {
			continue
		}
		spreads[tm] = domain.Spread{Bid: t.Bid, Ask: t.Ask}
	}
	return spreads, time.UnixMilli(out.TS), nil
}

// Package exchange 定义引擎与交易所适配器之间的窄接口。
package exchange

import (
	"errors"
	"fmt"
	"time"

	"github.com/tryphe/trader-sub000/internal/domain"
)

// Adapter 由每个交易所的传输层实现。Submit 立即返回，结果通过 Reporter 回调送达。
type Adapter interface {
	Name() string
	Submit(req *domain.Request)
}

// Reporter 由引擎实现，适配器在任意 goroutine 中调用
type Reporter interface {
	ReportOpenOrders(requestID string, orders map[domain.Market][]domain.RemoteOrder, ts time.Time)
	ReportTicker(requestID string, spreads map[domain.Market]domain.Spread, ts time.Time)
	ReportPlaced(requestID string, remoteID string, err error)
	ReportCancelled(requestID string, err error)
	ReportOrderStatus(remoteID string, status domain.OrderStatus, ts time.Time)
	ReportFailure(requestID string, err error)
}

// ErrorKind 错误分类
type ErrorKind string

const (
	// KindTransient 传输层错误：空响应、格式错误、HTML 错误页、限流
	KindTransient ErrorKind = "transient"
	// KindPostOnlyCross 只做 maker 的订单会立即成交
	KindPostOnlyCross ErrorKind = "post_only_cross"
	// KindUnknownOrder 订单不存在（撤单时视为已结算）
	KindUnknownOrder ErrorKind = "unknown_order"
	// KindNonce nonce 过旧
	KindNonce ErrorKind = "nonce"
	// KindRejected 其他业务拒绝（余额不足、参数非法等）
	KindRejected ErrorKind = "rejected"
)

// Error 交易所错误
type Error struct {
	Kind    ErrorKind
	Code    string
	Message string
}

func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s [%s]: %s", e.Kind, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// NewError 构造错误
func NewError(kind ErrorKind, code, msg string) *Error {
	return &Error{Kind: kind, Code: code, Message: msg}
}

// KindOf 对错误分类；非 *Error 的错误一律视为传输层错误
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindTransient
}

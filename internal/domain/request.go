package domain

import (
	"fmt"
	"time"

	"github.com/tryphe/trader-sub000/pkg/money"
)

// Command 出站请求类型
type Command string

const (
	CmdBuy        Command = "buy"
	CmdSell       Command = "sell"
	CmdCancel     Command = "cancel"
	CmdOpenOrders Command = "open_orders"
	CmdTicker     Command = "ticker"
)

// IsPriceSensitive 下单类请求受滞后闸门约束
func (c Command) IsPriceSensitive() bool {
	return c == CmdBuy || c == CmdSell
}

// IsPolling 高频轮询类请求，失败或超时直接丢弃
func (c Command) IsPolling() bool {
	return c == CmdOpenOrders || c == CmdTicker
}

// CommandForSide 下单方向对应的请求类型
func CommandForSide(s Side) Command {
	if s == SideBuy {
		return CmdBuy
	}
	return CmdSell
}

// Request 出站请求
type Request struct {
	ID       string
	Command  Command
	Market   Market // 轮询类请求可为空（全市场）
	Side     Side
	Price    money.Money
	Quantity money.Money
	PostOnly bool
	Handle   Handle // 关联仓位（0 表示无）
	RemoteID string // 撤单目标
	Weight   int

	Nonce    int64
	QueuedAt time.Time
	SentAt   time.Time
	Attempts int
}

// DedupeKey 同一意图的去重键
func (r *Request) DedupeKey() string {
	switch r.Command {
	case CmdCancel:
		if r.RemoteID != "" {
			return fmt.Sprintf("cancel:%s", r.RemoteID)
		}
		return fmt.Sprintf("cancel:h%d", r.Handle)
	case CmdBuy, CmdSell:
		return fmt.Sprintf("place:h%d", r.Handle)
	default:
		return fmt.Sprintf("%s:%s", r.Command, r.Market)
	}
}

func (r *Request) String() string {
	switch r.Command {
	case CmdBuy, CmdSell:
		return fmt.Sprintf("%s %s %s@%s h=%d id=%s", r.Command, r.Market, r.Quantity, r.Price, r.Handle, r.ID)
	case CmdCancel:
		return fmt.Sprintf("cancel %s remote=%s h=%d id=%s", r.Market, r.RemoteID, r.Handle, r.ID)
	}
	return fmt.Sprintf("%s %s id=%s", r.Command, r.Market, r.ID)
}

// RemoteOrder 交易所快照中的一个挂单
type RemoteOrder struct {
	RemoteID string
	Market   Market
	Side     Side
	Price    money.Money
	Quantity money.Money
}

// OrderStatus 交易所推送的终态
type OrderStatus string

const (
	OrderFilled    OrderStatus = "filled"
	OrderCancelled OrderStatus = "cancelled"
)

// FillSource 成交识别渠道
type FillSource string

const (
	FillFromAck      FillSource = "ack"
	FillFromSnapshot FillSource = "snapshot"
	FillFromTicker   FillSource = "ticker"
)

// Fill 一次已对账的成交
type Fill struct {
	Exchange string
	Market   Market
	Side     Side
	Price    money.Money
	Quantity money.Money
	RemoteID string
	Source   FillSource
	Landmark bool
	At       time.Time
}

// ConsolidationEntry 进行中的合并（converge）或拆分（diverge）组
type ConsolidationEntry struct {
	ID            uint64
	Market        Market
	Side          Side
	IsLandmark    bool // true: 完成后放置一个 landmark；false: 拆成逐档仓位
	Pending       map[Handle]struct{}
	TargetIndices []int
	CreatedAt     time.Time
}

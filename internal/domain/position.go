package domain

import (
	"errors"
	"fmt"
	"time"

	"github.com/tryphe/trader-sub000/pkg/money"
)

// Handle 仓位在注册表 arena 中的稳定句柄（0 为无效）
type Handle uint64

// PositionState 仓位状态
type PositionState string

const (
	StateQueued     PositionState = "queued"     // 本地已创建，尚无远端 id
	StateActive     PositionState = "active"     // 远端已确认挂单
	StateCancelling PositionState = "cancelling" // 已请求撤单，等待确认
	StateRemoved    PositionState = "removed"    // 终态
)

// CanTransition 状态只能前进；Cancelling -> Active 仅用于合并中止
func (s PositionState) CanTransition(to PositionState) bool {
	switch s {
	case StateQueued:
		return to == StateActive || to == StateCancelling || to == StateRemoved
	case StateActive:
		return to == StateCancelling || to == StateRemoved
	case StateCancelling:
		return to == StateRemoved || to == StateActive
	}
	return false
}

// CancelReason 撤单原因
type CancelReason string

const (
	CancelOperator    CancelReason = "operator"
	CancelConsolidate CancelReason = "consolidate"
	CancelMaxAge      CancelReason = "max_age"
	CancelReprice     CancelReason = "reprice"
	CancelShutdown    CancelReason = "shutdown"
)

// Position 一个被跟踪的挂单（ping-pong 时代表一对买卖模板）
type Position struct {
	Handle Handle
	Market Market
	Side   Side

	BuyPrice          money.Money
	SellPrice         money.Money
	OriginalBuyPrice  money.Money
	OriginalSellPrice money.Money

	BaseSize       money.Money // 模板数量（计价币）
	Size           money.Money // 情绪偏置后的数量（计价币）
	Quantity       money.Money // 下单数量（基础币）= Size/Price
	PerTradeProfit money.Money

	StrategyTag string
	SlotIndices []int

	IsLandmark    bool
	IsOneTime     bool
	IsTaker       bool
	IsSlippage    bool
	SlippageCount int

	State        PositionState
	RemoteID     string
	CancelReason CancelReason

	RequestedAt       time.Time
	SetAt             time.Time
	CancelRequestedAt time.Time
	MaxAge            time.Time // 零值表示不限

	LastFillPrice money.Money // 上一轮（反方向）成交价
}

var (
	ErrInvalidPrices = errors.New("position: sell price must exceed buy price")
	ErrInvalidSlots  = errors.New("position: slot indices must be non-empty, sorted and unique")
	ErrLandmarkSpan  = errors.New("position: landmark slots must be contiguous")
	ErrInvalidSize   = errors.New("position: size must be positive")
	ErrInvalidMarket = errors.New("position: invalid market")
	ErrNotPingPong   = errors.New("position: one-time position cannot flip")
)

// Price 当前方向的下单价格
func (p *Position) Price() money.Money {
	if p.Side == SideBuy {
		return p.BuyPrice
	}
	return p.SellPrice
}

// OriginalPrice 当前方向的原始目标价
func (p *Position) OriginalPrice() money.Money {
	if p.Side == SideBuy {
		return p.OriginalBuyPrice
	}
	return p.OriginalSellPrice
}

// SetPrice 修改当前方向价格（例如滑点修正）
func (p *Position) SetPrice(v money.Money) {
	if p.Side == SideBuy {
		p.BuyPrice = v
		return
	}
	p.SellPrice = v
}

// IsCancelling 是否处于撤单中
func (p *Position) IsCancelling() bool { return p.State == StateCancelling }

// IsLive 是否仍占用档位（排队、挂单、撤单中）
func (p *Position) IsLive() bool {
	return p.State == StateQueued || p.State == StateActive || p.State == StateCancelling
}

// Validate 检查不变量
func (p *Position) Validate() error {
	if !p.Market.IsValid() {
		return ErrInvalidMarket
	}
	if p.Side != SideBuy && p.Side != SideSell {
		return fmt.Errorf("position: invalid side %q", p.Side)
	}
	if !p.IsOneTime {
		if !p.BuyPrice.IsPositive() || !p.SellPrice.GreaterThan(p.BuyPrice) {
			return ErrInvalidPrices
		}
	} else if !p.Price().IsPositive() {
		return ErrInvalidPrices
	}
	if !p.BaseSize.IsPositive() {
		return ErrInvalidSize
	}
	if !p.IsOneTime || len(p.SlotIndices) > 0 {
		if len(p.SlotIndices) == 0 {
			return ErrInvalidSlots
		}
		for i := 1; i < len(p.SlotIndices); i++ {
			if p.SlotIndices[i] <= p.SlotIndices[i-1] {
				return ErrInvalidSlots
			}
			if p.IsLandmark && p.SlotIndices[i] != p.SlotIndices[i-1]+1 {
				return ErrLandmarkSpan
			}
		}
	}
	return nil
}

// ApplyOffset 根据情绪偏置与手续费重新计算数量与单次利润估计：
// 买单 size=base*(1+bias)，卖单 size=base*(1-bias)；quantity=size/price 按 qtyTick 向下取整；
// profit=quantity*(sell-buy) - fee*quantity*(buy+sell)
func (p *Position) ApplyOffset(bias, fee, qtyTick money.Money) {
	factor := money.One.Add(bias)
	if p.Side == SideSell {
		factor = money.One.Sub(bias)
	}
	size := p.BaseSize.Mul(factor)
	if size.IsNegative() {
		size = money.Zero
	}
	p.Size = size
	p.Quantity = size.Div(p.Price()).FloorToTick(qtyTick)
	if p.IsOneTime {
		p.PerTradeProfit = money.Zero
		return
	}
	gross := p.Quantity.Mul(p.SellPrice.Sub(p.BuyPrice))
	fees := fee.Mul(p.Quantity).Mul(p.BuyPrice.Add(p.SellPrice))
	p.PerTradeProfit = gross.Sub(fees)
}

// Flip 生成反方向的新仓位（模板价格，原对象不变），用于 ping-pong 成交后的补单
func (p *Position) Flip() (*Position, error) {
	if p.IsOneTime {
		return nil, ErrNotPingPong
	}
	n := &Position{
		Market:            p.Market,
		Side:              p.Side.Flip(),
		BuyPrice:          p.OriginalBuyPrice,
		SellPrice:         p.OriginalSellPrice,
		OriginalBuyPrice:  p.OriginalBuyPrice,
		OriginalSellPrice: p.OriginalSellPrice,
		BaseSize:          p.BaseSize,
		StrategyTag:       p.StrategyTag,
		SlotIndices:       append([]int(nil), p.SlotIndices...),
		IsLandmark:        p.IsLandmark,
		IsTaker:           p.IsTaker,
		State:             StateQueued,
	}
	return n, nil
}

// Clone 深拷贝（用于对外快照）
func (p *Position) Clone() *Position {
	c := *p
	c.SlotIndices = append([]int(nil), p.SlotIndices...)
	return &c
}

func (p *Position) String() string {
	kind := "slot"
	if p.IsLandmark {
		kind = "landmark"
	} else if p.IsOneTime {
		kind = "onetime"
	}
	return fmt.Sprintf("#%d %s %s %s %s@%s/%s slots=%v state=%s remote=%s",
		p.Handle, kind, p.Market, p.Side, p.Size, p.BuyPrice, p.SellPrice, p.SlotIndices, p.State, p.RemoteID)
}

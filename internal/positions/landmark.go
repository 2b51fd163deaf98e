package positions

import (
	"fmt"

	"github.com/tryphe/trader-sub000/internal/domain"
	"github.com/tryphe/trader-sub000/pkg/money"
)

// LandmarkPrices 按档位数量加权平均各档买卖价，分别向下取整到 tick，
// 再向外各推半个 tick（买价 -tick/2，卖价 +tick/2），保证聚合区间不自交。
// 返回 landmark 的买价、卖价与总数量。
func LandmarkPrices(mi *domain.MarketInfo, indices []int) (buy, sell, size money.Money, err error) {
	if len(indices) == 0 {
		return money.Zero, money.Zero, money.Zero, fmt.Errorf("landmark: no slots")
	}
	var wBuy, wSell money.Money
	for _, idx := range indices {
		if idx < 0 || idx >= len(mi.Ladder) {
			return money.Zero, money.Zero, money.Zero, fmt.Errorf("landmark slot %d: %w", idx, ErrSlotOutOfRange)
		}
		s := mi.Ladder[idx]
		size = size.Add(s.Size)
		wBuy = wBuy.Add(s.BuyPrice.Mul(s.Size))
		wSell = wSell.Add(s.SellPrice.Mul(s.Size))
	}
	if !size.IsPositive() {
		return money.Zero, money.Zero, money.Zero, fmt.Errorf("landmark: zero total size")
	}
	shim := mi.PriceTick.Half()
	buy = wBuy.Div(size).FloorToTick(mi.PriceTick).Sub(shim)
	sell = wSell.Div(size).FloorToTick(mi.PriceTick).Add(shim)
	return buy, sell, size, nil
}

// OrderPrice 实际下单价：卖单向上、买单向下取整到 tick
func OrderPrice(p *domain.Position, tick money.Money) money.Money {
	if p.Side == domain.SideSell {
		return p.Price().CeilToTick(tick)
	}
	return p.Price().FloorToTick(tick)
}

// NewSlotPosition 按单档模板构造仓位
func NewSlotPosition(mi *domain.MarketInfo, idx int) (*domain.Position, error) {
	if idx < 0 || idx >= len(mi.Ladder) {
		return nil, ErrSlotOutOfRange
	}
	s := mi.Ladder[idx]
	return &domain.Position{
		Market:            mi.Market,
		Side:              s.Side,
		BuyPrice:          s.BuyPrice,
		SellPrice:         s.SellPrice,
		OriginalBuyPrice:  s.BuyPrice,
		OriginalSellPrice: s.SellPrice,
		BaseSize:          s.Size,
		SlotIndices:       []int{idx},
	}, nil
}

// NewLandmarkPosition 按连续档位构造 landmark 仓位
func NewLandmarkPosition(mi *domain.MarketInfo, side domain.Side, indices []int) (*domain.Position, error) {
	buy, sell, size, err := LandmarkPrices(mi, indices)
	if err != nil {
		return nil, err
	}
	return &domain.Position{
		Market:            mi.Market,
		Side:              side,
		BuyPrice:          buy,
		SellPrice:         sell,
		OriginalBuyPrice:  buy,
		OriginalSellPrice: sell,
		BaseSize:          size,
		SlotIndices:       append([]int(nil), indices...),
		IsLandmark:        true,
	}, nil
}

package domain

import (
	"fmt"
	"strings"

	"github.com/tryphe/trader-sub000/pkg/money"
)

// Market 交易对（base, quote），统一为大写 BASE-QUOTE
type Market struct {
	Base  string
	Quote string
}

// ParseMarket 解析 "BASE-QUOTE" / "BASE_QUOTE" / "BASE/QUOTE"，大小写不敏感
func ParseMarket(s string) (Market, error) {
	s = strings.TrimSpace(s)
	sep := strings.IndexAny(s, "-_/")
	if sep <= 0 || sep == len(s)-1 {
		return Market{}, fmt.Errorf("invalid market %q", s)
	}
	base := strings.ToUpper(s[:sep])
	quote := strings.ToUpper(s[sep+1:])
	if strings.ContainsAny(quote, "-_/ ") || strings.Contains(base, " ") {
		return Market{}, fmt.Errorf("invalid market %q", s)
	}
	return Market{Base: base, Quote: quote}, nil
}

// MustParseMarket 仅用于测试与常量
func MustParseMarket(s string) Market {
	m, err := ParseMarket(s)
	if err != nil {
		panic(err)
	}
	return m
}

// IsValid 检查交易对是否有效
func (m Market) IsValid() bool {
	return m.Base != "" && m.Quote != ""
}

func (m Market) String() string {
	return m.Base + "-" + m.Quote
}

// Inverse 交换 base/quote
func (m Market) Inverse() Market {
	return Market{Base: m.Quote, Quote: m.Base}
}

// InversePrice 反向市场的价格：1/price（price 为零时返回零）
func InversePrice(p money.Money) money.Money {
	return money.One.Div(p)
}

func (m Market) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

func (m *Market) UnmarshalText(b []byte) error {
	v, err := ParseMarket(string(b))
	if err != nil {
		return err
	}
	*m = v
	return nil
}

// Side 订单方向
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// ParseSide 解析方向
func ParseSide(s string) (Side, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "buy", "bid":
		return SideBuy, nil
	case "sell", "ask":
		return SideSell, nil
	}
	return "", fmt.Errorf("invalid side %q", s)
}

// Flip 反向
func (s Side) Flip() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// Spread 最优买卖价
type Spread struct {
	Bid money.Money
	Ask money.Money
}

// IsValid 买卖价均为正且不交叉
func (s Spread) IsValid() bool {
	return s.Bid.IsPositive() && s.Ask.IsPositive() && s.Bid.LessThan(s.Ask)
}

// Mid (bid+ask)/2
func (s Spread) Mid() money.Money {
	return s.Bid.Add(s.Ask).Half()
}

// InverseQuote 把 (side, price) 换算到反向市场：方向互换，价格取倒数
func InverseQuote(side Side, price money.Money) (Side, money.Money) {
	return side.Flip(), InversePrice(price)
}

// Package money 提供定点小数金额类型。
//
// 所有价格、数量、权重都使用 Money 表示：加减精确，乘除在 Scale 位向零截断，
// 除以零返回零而不是 panic。内部基于 shopspring/decimal，不经过 float64。
package money

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

const (
	// CoinDecimals 币种精度（8 位）
	CoinDecimals = 8
	// Scale 内部运算精度：8 位币种精度 + 8 位扩展精度
	Scale = 16
)

// Money 定点小数
type Money struct {
	d decimal.Decimal
}

var (
	Zero = Money{}
	One  = FromInt(1)
	two  = decimal.NewFromInt(2)
)

// FromInt 从整数构造
func FromInt(v int64) Money {
	return Money{d: decimal.NewFromInt(v)}
}

// FromDecimal 从 decimal 构造（截断到 Scale）
func FromDecimal(d decimal.Decimal) Money {
	return Money{d: d.Truncate(Scale)}
}

// Parse 解析十进制字符串，超出 Scale 的部分向零截断
func Parse(s string) (Money, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Zero, fmt.Errorf("money: empty string")
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Zero, fmt.Errorf("money: parse %q: %w", s, err)
	}
	return Money{d: d.Truncate(Scale)}, nil
}

// MustParse 解析失败时 panic，仅用于常量与测试
func MustParse(s string) Money {
	m, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return m
}

func (m Money) Add(o Money) Money { return Money{d: m.d.Add(o.d)} }
func (m Money) Sub(o Money) Money { return Money{d: m.d.Sub(o.d)} }
func (m Money) Neg() Money        { return Money{d: m.d.Neg()} }
func (m Money) Abs() Money        { return Money{d: m.d.Abs()} }

// Mul 乘法，结果向零截断到 Scale
func (m Money) Mul(o Money) Money {
	return Money{d: m.d.Mul(o.d).Truncate(Scale)}
}

// MulInt 乘以整数
func (m Money) MulInt(n int64) Money {
	return Money{d: m.d.Mul(decimal.NewFromInt(n))}
}

// Div 除法，结果向零截断到 Scale；除数为零时返回零
func (m Money) Div(o Money) Money {
	if o.d.IsZero() {
		return Zero
	}
	q, _ := m.d.QuoRem(o.d, Scale)
	return Money{d: q}
}

// Half 返回 m/2
func (m Money) Half() Money {
	q, _ := m.d.QuoRem(two, Scale)
	return Money{d: q}
}

// FloorToTick 向下取整到 tick 的整数倍；tick 非正时原样返回
func (m Money) FloorToTick(tick Money) Money {
	if !tick.IsPositive() {
		return m
	}
	n := m.Div(tick).d.Floor()
	return Money{d: n.Mul(tick.d)}
}

// CeilToTick 向上取整到 tick 的整数倍；tick 非正时原样返回
func (m Money) CeilToTick(tick Money) Money {
	if !tick.IsPositive() {
		return m
	}
	n := m.Div(tick).d.Ceil()
	return Money{d: n.Mul(tick.d)}
}

// Ticks 返回 m 折合多少个 tick（向零截断到整数）
func (m Money) Ticks(tick Money) int64 {
	if !tick.IsPositive() {
		return 0
	}
	return m.Div(tick).d.Truncate(0).IntPart()
}

func (m Money) Cmp(o Money) int                 { return m.d.Cmp(o.d) }
func (m Money) Equal(o Money) bool              { return m.d.Equal(o.d) }
func (m Money) GreaterThan(o Money) bool        { return m.d.GreaterThan(o.d) }
func (m Money) GreaterThanOrEqual(o Money) bool { return m.d.GreaterThanOrEqual(o.d) }
func (m Money) LessThan(o Money) bool           { return m.d.LessThan(o.d) }
func (m Money) LessThanOrEqual(o Money) bool    { return m.d.LessThanOrEqual(o.d) }
func (m Money) IsZero() bool                    { return m.d.IsZero() }
func (m Money) IsPositive() bool                { return m.d.IsPositive() }
func (m Money) IsNegative() bool                { return m.d.IsNegative() }
func (m Money) Sign() int                       { return m.d.Sign() }

// Decimal 返回底层 decimal
func (m Money) Decimal() decimal.Decimal { return m.d }

// Float64 仅用于指标展示，不参与运算
func (m Money) Float64() float64 {
	f, _ := m.d.Float64()
	return f
}

// String 最短十进制表示
func (m Money) String() string { return m.d.String() }

// Coin 固定 8 位小数
func (m Money) Coin() string { return m.d.StringFixed(CoinDecimals) }

func (m Money) MarshalText() ([]byte, error) {
	return []byte(m.d.String()), nil
}

func (m *Money) UnmarshalText(b []byte) error {
	v, err := Parse(string(b))
	if err != nil {
		return err
	}
	*m = v
	return nil
}

// Min 较小值
func Min(a, b Money) Money {
	if a.LessThan(b) {
		return a
	}
	return b
}

// Max 较大值
func Max(a, b Money) Money {
	if a.GreaterThan(b) {
		return a
	}
	return b
}

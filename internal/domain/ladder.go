package domain

import (
	"bufio"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/tryphe/trader-sub000/pkg/money"
)

// LadderSlot 挂单梯子上的一档模板
type LadderSlot struct {
	Side          Side
	BuyPrice      money.Money
	SellPrice     money.Money
	Size          money.Money
	AlternateSize money.Money // 首次成交后切换到该数量，切换后清零
	FillCount     int
	Ghost         bool // 只保留模板，不维护挂单
}

// Price 当前方向的模板价格
func (s LadderSlot) Price() money.Money {
	if s.Side == SideBuy {
		return s.BuyPrice
	}
	return s.SellPrice
}

// RecordFill 记录一次成交；首次成交时切换到 AlternateSize
func (s *LadderSlot) RecordFill() {
	s.FillCount++
	if s.FillCount == 1 && s.AlternateSize.IsPositive() {
		s.Size = s.AlternateSize
		s.AlternateSize = money.Zero
	}
}

// Validate 检查模板价格
func (s LadderSlot) Validate() error {
	if s.Side != SideBuy && s.Side != SideSell {
		return fmt.Errorf("invalid side %q", s.Side)
	}
	if !s.BuyPrice.IsPositive() || !s.SellPrice.GreaterThan(s.BuyPrice) {
		return fmt.Errorf("invalid prices buy=%s sell=%s", s.BuyPrice, s.SellPrice)
	}
	if !s.Size.IsPositive() {
		return fmt.Errorf("invalid size %s", s.Size)
	}
	return nil
}

// Equivalent 比较模板内容（忽略成交计数）
func (s LadderSlot) Equivalent(o LadderSlot) bool {
	return s.Side == o.Side &&
		s.BuyPrice.Equal(o.BuyPrice) &&
		s.SellPrice.Equal(o.SellPrice) &&
		s.Size.Equal(o.Size) &&
		s.AlternateSize.Equal(o.AlternateSize) &&
		s.Ghost == o.Ghost
}

// DumpedSlot 梯子导出中的一行
type DumpedSlot struct {
	Market Market
	LadderSlot
}

// FormatSlot 格式化为
// setorder <market> <side> <buyPrice> <sellPrice> <size>[/<alternateSize>] <active|ghost>
func FormatSlot(m Market, s LadderSlot) string {
	size := s.Size.String()
	if s.AlternateSize.IsPositive() {
		size += "/" + s.AlternateSize.String()
	}
	state := "active"
	if s.Ghost {
		state = "ghost"
	}
	return fmt.Sprintf("setorder %s %s %s %s %s %s", m, s.Side, s.BuyPrice, s.SellPrice, size, state)
}

// ParseSlot 解析一行 setorder
func ParseSlot(line string) (DumpedSlot, error) {
	f := strings.Fields(line)
	if len(f) != 7 || f[0] != "setorder" {
		return DumpedSlot{}, fmt.Errorf("malformed setorder line %q", line)
	}
	var out DumpedSlot
	var err error
	if out.Market, err = ParseMarket(f[1]); err != nil {
		return DumpedSlot{}, err
	}
	if out.Side, err = ParseSide(f[2]); err != nil {
		return DumpedSlot{}, err
	}
	if out.BuyPrice, err = money.Parse(f[3]); err != nil {
		return DumpedSlot{}, err
	}
	if out.SellPrice, err = money.Parse(f[4]); err != nil {
		return DumpedSlot{}, err
	}
	size, alt, hasAlt := strings.Cut(f[5], "/")
	if out.Size, err = money.Parse(size); err != nil {
		return DumpedSlot{}, err
	}
	if hasAlt {
		if out.AlternateSize, err = money.Parse(alt); err != nil {
			return DumpedSlot{}, err
		}
	}
	switch f[6] {
	case "active":
	case "ghost":
		out.Ghost = true
	default:
		return DumpedSlot{}, fmt.Errorf("invalid slot state %q", f[6])
	}
	if err := out.LadderSlot.Validate(); err != nil {
		return DumpedSlot{}, err
	}
	return out, nil
}

// ParseLadderDump 逐行解析导出文本，忽略空行和 # 注释
func ParseLadderDump(r io.Reader) ([]DumpedSlot, error) {
	var out []DumpedSlot
	sc := bufio.NewScanner(r)
	n := 0
	for sc.Scan() {
		n++
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		s, err := ParseSlot(line)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", n, err)
		}
		out = append(out, s)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// MarketInfo 单个交易对的梯子与交易规则
type MarketInfo struct {
	Market Market
	Spread Spread
	Ladder []LadderSlot // 按 BuyPrice 升序

	PriceTick money.Money
	QtyTick   money.Money

	// OrderMin 每侧最靠近盘口、永不合并的档数
	OrderMin int
	// OrderMax 梯子维护时每侧最多挂单数
	OrderMax int
	// ConsolidationThreshold 合并为 landmark 的连续档数（dc）
	ConsolidationThreshold int
	// LandmarkStart landmark 内任一档距盘口的最小档距
	LandmarkStart int
	// LandmarkThresh 外缘档距超过该值时合并，回落到该值以内时拆分
	LandmarkThresh int

	PostOnly bool

	// PercentPriceUp/Down 交易所价格带过滤（例如 5 和 0.2），零值表示不启用
	PercentPriceUp   money.Money
	PercentPriceDown money.Money

	resting map[string]int
}

// NewMarketInfo 创建市场信息
func NewMarketInfo(m Market) *MarketInfo {
	return &MarketInfo{Market: m, resting: make(map[string]int)}
}

// Validate 检查交易规则
func (mi *MarketInfo) Validate() error {
	if !mi.Market.IsValid() {
		return fmt.Errorf("invalid market")
	}
	if !mi.PriceTick.IsPositive() {
		return fmt.Errorf("%s: price tick must be positive", mi.Market)
	}
	if mi.OrderMin < 0 || mi.OrderMax < 0 {
		return fmt.Errorf("%s: order min/max must be >= 0", mi.Market)
	}
	if mi.ConsolidationThreshold == 1 || mi.ConsolidationThreshold < 0 {
		return fmt.Errorf("%s: consolidation threshold must be 0 (disabled) or >= 2", mi.Market)
	}
	if mi.LandmarkStart < mi.OrderMin {
		mi.LandmarkStart = mi.OrderMin
	}
	for i, s := range mi.Ladder {
		if err := s.Validate(); err != nil {
			return fmt.Errorf("%s slot %d: %w", mi.Market, i, err)
		}
		if i > 0 && !s.BuyPrice.GreaterThan(mi.Ladder[i-1].BuyPrice) {
			return fmt.Errorf("%s slot %d: ladder must be strictly ascending by buy price", mi.Market, i)
		}
	}
	return nil
}

// SetSlot 按买价插入或替换一档，返回索引以及是否为新插入
func (mi *MarketInfo) SetSlot(s LadderSlot) (int, bool) {
	i := sort.Search(len(mi.Ladder), func(i int) bool {
		return mi.Ladder[i].BuyPrice.GreaterThanOrEqual(s.BuyPrice)
	})
	if i < len(mi.Ladder) && mi.Ladder[i].BuyPrice.Equal(s.BuyPrice) {
		s.FillCount = mi.Ladder[i].FillCount
		mi.Ladder[i] = s
		return i, false
	}
	mi.Ladder = append(mi.Ladder, LadderSlot{})
	copy(mi.Ladder[i+1:], mi.Ladder[i:])
	mi.Ladder[i] = s
	return i, true
}

// RemoveSlot 删除一档（调用方保证无仓位引用）
func (mi *MarketInfo) RemoveSlot(i int) bool {
	if i < 0 || i >= len(mi.Ladder) {
		return false
	}
	mi.Ladder = append(mi.Ladder[:i], mi.Ladder[i+1:]...)
	return true
}

// Distance 档距：该档与盘口之间同侧档数（最靠近盘口的一档为 0）
func (mi *MarketInfo) Distance(i int) int {
	if i < 0 || i >= len(mi.Ladder) {
		return -1
	}
	side := mi.Ladder[i].Side
	d := 0
	if side == SideBuy {
		for j := i + 1; j < len(mi.Ladder); j++ {
			if mi.Ladder[j].Side == SideBuy {
				d++
			}
		}
		return d
	}
	for j := 0; j < i; j++ {
		if mi.Ladder[j].Side == SideSell {
			d++
		}
	}
	return d
}

// SpreadOrder 指定方向按离盘口由近到远排列的档位索引
func (mi *MarketInfo) SpreadOrder(side Side) []int {
	var out []int
	if side == SideBuy {
		for i := len(mi.Ladder) - 1; i >= 0; i-- {
			if mi.Ladder[i].Side == SideBuy {
				out = append(out, i)
			}
		}
		return out
	}
	for i := range mi.Ladder {
		if mi.Ladder[i].Side == SideSell {
			out = append(out, i)
		}
	}
	return out
}

// AddResting 登记一个挂单价格
func (mi *MarketInfo) AddResting(p money.Money) {
	if mi.resting == nil {
		mi.resting = make(map[string]int)
	}
	mi.resting[p.String()]++
}

// RemoveResting 注销一个挂单价格
func (mi *MarketInfo) RemoveResting(p money.Money) {
	k := p.String()
	if mi.resting[k] <= 1 {
		delete(mi.resting, k)
		return
	}
	mi.resting[k]--
}

// HasResting 是否存在该价格的本地挂单
func (mi *MarketInfo) HasResting(p money.Money) bool {
	return mi.resting[p.String()] > 0
}

// RestingCount 本地挂单总数
func (mi *MarketInfo) RestingCount() int {
	n := 0
	for _, c := range mi.resting {
		n += c
	}
	return n
}

// RestingPrices 升序列出挂单价格（含重复）
func (mi *MarketInfo) RestingPrices() []money.Money {
	var out []money.Money
	for k, c := range mi.resting {
		p := money.MustParse(k)
		for i := 0; i < c; i++ {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LessThan(out[j]) })
	return out
}

var (
	percentBandInner = money.MustParse("0.2")
)

// ClampPercentPrice 把价格限制在交易所价格带的 80% 范围内：
// [mid*(down+(1-down)*0.2), mid*(up-(up-1)*0.2)]
func (mi *MarketInfo) ClampPercentPrice(p money.Money) money.Money {
	if !mi.PercentPriceUp.IsPositive() || !mi.PercentPriceDown.IsPositive() || !mi.Spread.IsValid() {
		return p
	}
	mid := mi.Spread.Mid()
	down := mi.PercentPriceDown.Add(money.One.Sub(mi.PercentPriceDown).Mul(percentBandInner))
	up := mi.PercentPriceUp.Sub(mi.PercentPriceUp.Sub(money.One).Mul(percentBandInner))
	lo := mid.Mul(down).CeilToTick(mi.PriceTick)
	hi := mid.Mul(up).FloorToTick(mi.PriceTick)
	if p.LessThan(lo) {
		return lo
	}
	if p.GreaterThan(hi) {
		return hi
	}
	return p
}

// DumpLadder 导出梯子
func (mi *MarketInfo) DumpLadder(w io.Writer) error {
	for _, s := range mi.Ladder {
		if _, err := fmt.Fprintln(w, FormatSlot(mi.Market, s)); err != nil {
			return err
		}
	}
	return nil
}

package money

import (
	"testing"

	"gopkg.in/yaml.v3"
)

func TestArithmetic(t *testing.T) {
	a := MustParse("0.1")
	b := MustParse("0.2")
	if got := a.Add(b); !got.Equal(MustParse("0.3")) {
		t.Fatalf("add got=%s want=0.3", got)
	}
	if got := a.Sub(b); !got.Equal(MustParse("-0.1")) {
		t.Fatalf("sub got=%s want=-0.1", got)
	}
	// 1/3 在 Scale 位向零截断
	third := One.Div(FromInt(3))
	if third.String() != "0.3333333333333333" {
		t.Fatalf("div got=%s", third)
	}
	// 负数同样向零截断
	if got := FromInt(-2).Div(FromInt(3)); got.String() != "-0.6666666666666666" {
		t.Fatalf("negative div got=%s", got)
	}
	if got := MustParse("0.00000000000000019").Mul(FromInt(1)); got.String() != "0.0000000000000001" {
		t.Fatalf("mul truncate got=%s", got)
	}
}

func TestDivByZero(t *testing.T) {
	if got := FromInt(5).Div(Zero); !got.IsZero() {
		t.Fatalf("div by zero got=%s want=0", got)
	}
}

func TestParseRoundTrip(t *testing.T) {
	for _, s := range []string{"0", "1", "0.00000001", "12345.6789", "-3.1415926535897932"} {
		m := MustParse(s)
		back := MustParse(m.String())
		if !back.Equal(m) {
			t.Fatalf("round trip %s -> %s -> %s", s, m, back)
		}
	}
	if _, err := Parse("abc"); err == nil {
		t.Fatalf("expected parse error")
	}
	if _, err := Parse(""); err == nil {
		t.Fatalf("expected empty error")
	}
}

func TestTickRounding(t *testing.T) {
	tick := MustParse("0.5")
	p := MustParse("63.7")
	if got := p.FloorToTick(tick); !got.Equal(MustParse("63.5")) {
		t.Fatalf("floor got=%s", got)
	}
	if got := p.CeilToTick(tick); !got.Equal(MustParse("64")) {
		t.Fatalf("ceil got=%s", got)
	}
	if got := MustParse("64").CeilToTick(tick); !got.Equal(MustParse("64")) {
		t.Fatalf("ceil exact got=%s", got)
	}
	if got := p.Ticks(tick); got != 127 {
		t.Fatalf("ticks got=%d", got)
	}
}

func TestCoinAndText(t *testing.T) {
	if got := MustParse("0.1").Coin(); got != "0.10000000" {
		t.Fatalf("coin got=%s", got)
	}
	var v struct {
		Price Money `yaml:"price"`
	}
	if err := yaml.Unmarshal([]byte("price: \"0.00012\"\n"), &v); err != nil {
		t.Fatalf("yaml: %v", err)
	}
	if !v.Price.Equal(MustParse("0.00012")) {
		t.Fatalf("yaml got=%s", v.Price)
	}
}

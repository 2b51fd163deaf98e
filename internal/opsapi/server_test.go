package opsapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tryphe/trader-sub000/internal/domain"
	"github.com/tryphe/trader-sub000/internal/engine"
	"github.com/tryphe/trader-sub000/internal/exchange/paper"
	"github.com/tryphe/trader-sub000/internal/journal"
	"github.com/tryphe/trader-sub000/pkg/money"
)

var btc = domain.MustParseMarket("BTC-USDT")

func newTestEngine(t *testing.T) *engine.Engine {
	t.Helper()
	px := paper.New("sim", paper.Options{})
	e := engine.New(engine.Config{Exchange: "sim"}, px)
	px.SetReporter(e)
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	e.SetClock(func() time.Time { return now })
	px.SetClock(func() time.Time { return now })

	mi := domain.NewMarketInfo(btc)
	mi.PriceTick = money.MustParse("0.01")
	mi.QtyTick = money.MustParse("0.00000001")
	require.NoError(t, e.AddMarket(mi))
	return e
}

func do(t *testing.T, h http.Handler, method, path, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	var out map[string]any
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	}
	return rec, out
}

func TestHealthAndExchanges(t *testing.T) {
	h := New([]Engine{newTestEngine(t)}, nil).Router()

	rec, _ := do(t, h, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec, body := do(t, h, http.MethodGet, "/api/exchanges", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []any{"sim"}, body["exchanges"])

	rec, _ = do(t, h, http.MethodGet, "/api/exchanges/nope/stats", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec, body = do(t, h, http.MethodGet, "/api/exchanges/sim/stats", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "sim", body["Exchange"])
}

func TestSlotsAndLadder(t *testing.T) {
	h := New([]Engine{newTestEngine(t)}, nil).Router()

	rec, body := do(t, h, http.MethodPost, "/api/exchanges/sim/slots",
		`{"line":"setorder BTC-USDT buy 100 101 10 active"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.EqualValues(t, 0, body["index"])

	rec, _ = do(t, h, http.MethodPost, "/api/exchanges/sim/slots", `{"line":"setorder BTC-USDT buy 101 100 10 active"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = do(t, h, http.MethodGet, "/api/exchanges/sim/ladder?market=BTC-USDT", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "setorder BTC-USDT buy 100")

	// 第一次删除只置为 ghost，第二次才真正移除
	rec, body = do(t, h, http.MethodDelete, "/api/exchanges/sim/slots/BTC-USDT/0", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, false, body["removed"])
	rec, body = do(t, h, http.MethodDelete, "/api/exchanges/sim/slots/BTC-USDT/0", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, body["removed"])

	rec, _ = do(t, h, http.MethodDelete, "/api/exchanges/sim/slots/BTC-USDT/0", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec, _ = do(t, h, http.MethodDelete, "/api/exchanges/sim/slots/BTC-USDT/x", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestOneTimeOrderAndCancel(t *testing.T) {
	h := New([]Engine{newTestEngine(t)}, nil).Router()

	rec, _ := do(t, h, http.MethodPost, "/api/exchanges/sim/orders",
		`{"market":"BTC-USDT","side":"buy","price":"95","size":"10","max_age":"1m"}`)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	rec, body := do(t, h, http.MethodGet, "/api/exchanges/sim/positions?market=BTC-USDT", "")
	require.Equal(t, http.StatusOK, rec.Code)
	ps := body["positions"].([]any)
	require.Len(t, ps, 1)
	assert.Equal(t, true, ps[0].(map[string]any)["one_time"])

	rec, _ = do(t, h, http.MethodPost, "/api/exchanges/sim/cancel", `{"mode":"sideways"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec, _ = do(t, h, http.MethodPost, "/api/exchanges/sim/cancel", `{"mode":"highest"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, body = do(t, h, http.MethodPost, "/api/exchanges/sim/cancel", `{"mode":"all","market":"BTC-USDT"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 1, body["cancelled"])

	rec, _ = do(t, h, http.MethodPost, "/api/exchanges/sim/cancel", `{"mode":"lowest","market":"ETH-USDT"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec, _ = do(t, h, http.MethodPost, "/api/exchanges/sim/orders", `{"market":"BTC-USDT","side":"buy","price":"0","size":"1"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestTimingAndLimits(t *testing.T) {
	h := New([]Engine{newTestEngine(t)}, nil).Router()

	rec, body := do(t, h, http.MethodPut, "/api/exchanges/sim/timing", `{"stray_grace":"30s","slippage_tick_step":3}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "30s", body["stray_grace"])
	assert.EqualValues(t, 3, body["slippage_tick_step"])

	rec, body = do(t, h, http.MethodGet, "/api/exchanges/sim/timing", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "30s", body["stray_grace"])

	rec, _ = do(t, h, http.MethodPut, "/api/exchanges/sim/timing", `{"warp_factor":"9s"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec, _ = do(t, h, http.MethodPut, "/api/exchanges/sim/timing", `{"stray_grace":"soon"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = do(t, h, http.MethodPut, "/api/exchanges/sim/markets/BTC-USDT/limits",
		`{"order_min":1,"order_max":6,"consolidation_threshold":3,"landmark_start":2,"landmark_thresh":4}`)
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec, _ = do(t, h, http.MethodPut, "/api/exchanges/sim/markets/BTC-USDT/limits", `{"consolidation_threshold":1}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = do(t, h, http.MethodPut, "/api/exchanges/sim/markets/ETH-USDT/limits", `{"order_max":1}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestFillsFromJournal(t *testing.T) {
	e := newTestEngine(t)

	rec, _ := do(t, New([]Engine{e}, nil).Router(), http.MethodGet, "/api/fills", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	j, err := journal.Open(filepath.Join(t.TempDir(), "journal.db"), 16)
	require.NoError(t, err)
	defer j.Close()

	j.RecordFill(domain.Fill{
		Exchange: "sim",
		Market:   btc,
		Side:     domain.SideBuy,
		Price:    money.MustParse("100"),
		Quantity: money.MustParse("0.1"),
		RemoteID: "r-1",
		Source:   domain.FillFromAck,
		At:       time.Now(),
	})
	require.NoError(t, j.Flush(context.Background()))

	h := New([]Engine{e}, j).Router()
	rec, body := do(t, h, http.MethodGet, "/api/fills?exchange=sim&limit=10", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	fills := body["fills"].([]any)
	require.Len(t, fills, 1)
	assert.Equal(t, "100", fills[0].(map[string]any)["price"])

	rec, _ = do(t, h, http.MethodGet, "/api/fills?limit=-1", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, body = do(t, h, http.MethodGet, "/api/cancels", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, body["cancels"])
}

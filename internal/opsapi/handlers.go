package opsapi

import (
	"bytes"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tryphe/trader-sub000/internal/domain"
	"github.com/tryphe/trader-sub000/internal/engine"
	"github.com/tryphe/trader-sub000/pkg/money"
)

type positionView struct {
	Handle       domain.Handle        `json:"handle"`
	Market       string               `json:"market"`
	Side         domain.Side          `json:"side"`
	State        domain.PositionState `json:"state"`
	BuyPrice     money.Money          `json:"buy_price"`
	SellPrice    money.Money          `json:"sell_price"`
	Size         money.Money          `json:"size"`
	Quantity     money.Money          `json:"quantity"`
	RemoteID     string               `json:"remote_id,omitempty"`
	Slots        []int                `json:"slots"`
	Landmark     bool                 `json:"landmark"`
	OneTime      bool                 `json:"one_time"`
	Slippage     int                  `json:"slippage_count"`
	CancelReason domain.CancelReason  `json:"cancel_reason,omitempty"`
	SetAt        *time.Time           `json:"set_at,omitempty"`
}

func newPositionView(p *domain.Position) positionView {
	v := positionView{
		Handle:       p.Handle,
		Market:       p.Market.String(),
		Side:         p.Side,
		State:        p.State,
		BuyPrice:     p.BuyPrice,
		SellPrice:    p.SellPrice,
		Size:         p.Size,
		Quantity:     p.Quantity,
		RemoteID:     p.RemoteID,
		Slots:        p.SlotIndices,
		Landmark:     p.IsLandmark,
		OneTime:      p.IsOneTime,
		Slippage:     p.SlippageCount,
		CancelReason: p.CancelReason,
	}
	if !p.SetAt.IsZero() {
		t := p.SetAt
		v.SetAt = &t
	}
	return v
}

func (s *Server) handleStats(c *gin.Context) {
	c.JSON(http.StatusOK, engineOf(c).Stats())
}

func (s *Server) handlePositions(c *gin.Context) {
	m, err := parseMarket(c.Query("market"))
	if err != nil {
		badRequest(c, err.Error())
		return
	}
	ps := engineOf(c).Positions(m)
	out := make([]positionView, 0, len(ps))
	for _, p := range ps {
		out = append(out, newPositionView(p))
	}
	c.JSON(http.StatusOK, gin.H{"positions": out})
}

func (s *Server) handleLadder(c *gin.Context) {
	m, err := parseMarket(c.Query("market"))
	if err != nil {
		badRequest(c, err.Error())
		return
	}
	var buf bytes.Buffer
	if err := engineOf(c).DumpLadder(m, &buf); err != nil {
		writeError(c, err)
		return
	}
	c.Data(http.StatusOK, "text/plain; charset=utf-8", buf.Bytes())
}

type cancelRequest struct {
	Mode   string `json:"mode" binding:"required"` // all | local | highest | lowest
	Market string `json:"market"`
}

func (s *Server) handleCancel(c *gin.Context) {
	var req cancelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid json body")
		return
	}
	m, err := parseMarket(req.Market)
	if err != nil {
		badRequest(c, err.Error())
		return
	}
	e := engineOf(c)
	switch req.Mode {
	case "all", "local":
		cancel := e.CancelAll
		if req.Mode == "local" {
			cancel = e.CancelLocal
		}
		n, err := cancel(m)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"cancelled": n})
	case "highest", "lowest":
		if !m.IsValid() {
			badRequest(c, "market is required")
			return
		}
		cancel := e.CancelHighest
		if req.Mode == "lowest" {
			cancel = e.CancelLowest
		}
		p, err := cancel(m)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"cancelled": 1, "position": newPositionView(p)})
	default:
		badRequest(c, fmt.Sprintf("unknown mode %q", req.Mode))
	}
}

type setSlotRequest struct {
	Line string `json:"line" binding:"required"` // setorder 行
}

func (s *Server) handleSetSlot(c *gin.Context) {
	var req setSlotRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid json body")
		return
	}
	ds, err := domain.ParseSlot(req.Line)
	if err != nil {
		badRequest(c, err.Error())
		return
	}
	idx, err := engineOf(c).SetSlot(ds)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"index": idx})
}

func (s *Server) handleClearSlot(c *gin.Context) {
	m, err := domain.ParseMarket(c.Param("market"))
	if err != nil {
		badRequest(c, err.Error())
		return
	}
	idx, err := strconv.Atoi(c.Param("index"))
	if err != nil || idx < 0 {
		badRequest(c, "invalid slot index")
		return
	}
	removed, err := engineOf(c).ClearSlot(m, idx)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"removed": removed})
}

func (s *Server) handleMarketLimits(c *gin.Context) {
	m, err := domain.ParseMarket(c.Param("market"))
	if err != nil {
		badRequest(c, err.Error())
		return
	}
	var l engine.MarketLimits
	if err := c.ShouldBindJSON(&l); err != nil {
		badRequest(c, "invalid json body")
		return
	}
	if err := engineOf(c).SetMarketLimits(m, l); err != nil {
		if isValidation(err) {
			badRequest(c, err.Error())
			return
		}
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, l)
}

// isValidation 参数校验失败（非已知哨兵错误）
func isValidation(err error) bool {
	return statusFor(err) == http.StatusInternalServerError
}

// timingFields 可调的周期参数（时长字符串，例如 "3s"）
var timingFields = map[string]func(t *engine.Timing) *time.Duration{
	"send_interval":            func(t *engine.Timing) *time.Duration { return &t.SendInterval },
	"order_book_poll_interval": func(t *engine.Timing) *time.Duration { return &t.OrderBookPollInterval },
	"ticker_poll_interval":     func(t *engine.Timing) *time.Duration { return &t.TickerPollInterval },
	"sweep_interval":           func(t *engine.Timing) *time.Duration { return &t.SweepInterval },
	"consolidate_interval":     func(t *engine.Timing) *time.Duration { return &t.ConsolidateInterval },
	"maintenance_interval":     func(t *engine.Timing) *time.Duration { return &t.MaintenanceInterval },
	"save_interval":            func(t *engine.Timing) *time.Duration { return &t.SaveInterval },
	"safety_delay":             func(t *engine.Timing) *time.Duration { return &t.SafetyDelay },
	"ticker_safety_delay":      func(t *engine.Timing) *time.Duration { return &t.TickerSafetyDelay },
	"snapshot_tolerance":       func(t *engine.Timing) *time.Duration { return &t.SnapshotTolerance },
	"stray_grace":              func(t *engine.Timing) *time.Duration { return &t.StrayGrace },
	"slippage_max_age":         func(t *engine.Timing) *time.Duration { return &t.SlippageMaxAge },
	"cancel_retry":             func(t *engine.Timing) *time.Duration { return &t.CancelRetry },
}

func timingView(t engine.Timing) gin.H {
	out := gin.H{"slippage_tick_step": t.SlippageTickStep}
	for name, field := range timingFields {
		out[name] = field(&t).String()
	}
	return out
}

func (s *Server) handleGetTiming(c *gin.Context) {
	c.JSON(http.StatusOK, timingView(engineOf(c).Timing()))
}

// handleSetTiming 只修改请求中出现的字段
func (s *Server) handleSetTiming(c *gin.Context) {
	var req map[string]any
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid json body")
		return
	}
	e := engineOf(c)
	t := e.Timing()
	for name, raw := range req {
		if name == "slippage_tick_step" {
			n, ok := raw.(float64)
			if !ok || n < 1 || n != float64(int(n)) {
				badRequest(c, "slippage_tick_step must be a positive integer")
				return
			}
			t.SlippageTickStep = int(n)
			continue
		}
		field, ok := timingFields[name]
		if !ok {
			badRequest(c, fmt.Sprintf("unknown timing field %q", name))
			return
		}
		str, ok := raw.(string)
		if !ok {
			badRequest(c, fmt.Sprintf("%s must be a duration string", name))
			return
		}
		d, err := time.ParseDuration(str)
		if err != nil || d < 0 {
			badRequest(c, fmt.Sprintf("invalid duration for %s", name))
			return
		}
		*field(&t) = d
	}
	if err := e.SetTiming(t); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, timingView(e.Timing()))
}

type oneTimeRequest struct {
	Market string      `json:"market" binding:"required"`
	Side   string      `json:"side" binding:"required"`
	Price  money.Money `json:"price"`
	Size   money.Money `json:"size"`
	MaxAge string      `json:"max_age"`
}

func (s *Server) handlePlaceOneTime(c *gin.Context) {
	var req oneTimeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid json body")
		return
	}
	m, err := domain.ParseMarket(req.Market)
	if err != nil {
		badRequest(c, err.Error())
		return
	}
	side, err := domain.ParseSide(req.Side)
	if err != nil {
		badRequest(c, err.Error())
		return
	}
	if !req.Price.IsPositive() || !req.Size.IsPositive() {
		badRequest(c, "price and size must be positive")
		return
	}
	var maxAge time.Duration
	if req.MaxAge != "" {
		if maxAge, err = time.ParseDuration(req.MaxAge); err != nil {
			badRequest(c, "invalid max_age")
			return
		}
	}
	h, err := engineOf(c).PlaceOneTime(m, side, req.Price, req.Size, maxAge)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"handle": h})
}

func (s *Server) handleResume(c *gin.Context) {
	if err := engineOf(c).ResumeBreaker(); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"halted": false})
}

func queryLimit(c *gin.Context) (int, bool) {
	limit := 100
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 10000 {
			badRequest(c, "invalid limit")
			return 0, false
		}
		limit = n
	}
	return limit, true
}

func (s *Server) handleFills(c *gin.Context) {
	if s.journal == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "journal disabled"})
		return
	}
	limit, ok := queryLimit(c)
	if !ok {
		return
	}
	rows, err := s.journal.Fills(c.Request.Context(), c.Query("exchange"), limit)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"fills": rows})
}

func (s *Server) handleCancels(c *gin.Context) {
	if s.journal == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "journal disabled"})
		return
	}
	limit, ok := queryLimit(c)
	if !ok {
		return
	}
	rows, err := s.journal.Cancels(c.Request.Context(), c.Query("exchange"), limit)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"cancels": rows})
}

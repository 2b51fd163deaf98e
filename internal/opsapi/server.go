// Package opsapi 运维命令 HTTP 接口：查询统计、仓位、梯子，执行撤单、改档与调参。
package opsapi

import (
	"context"
	"errors"
	"io"
	"net/http"
	"sort"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/tryphe/trader-sub000/internal/domain"
	"github.com/tryphe/trader-sub000/internal/engine"
	"github.com/tryphe/trader-sub000/internal/journal"
	"github.com/tryphe/trader-sub000/internal/positions"
	"github.com/tryphe/trader-sub000/pkg/money"
)

var log = logrus.WithField("component", "opsapi")

// Engine 运维接口需要的引擎能力
type Engine interface {
	Name() string
	Stats() engine.Stats
	Positions(m domain.Market) []*domain.Position
	DumpLadder(m domain.Market, w io.Writer) error
	CancelAll(m domain.Market) (int, error)
	CancelLocal(m domain.Market) (int, error)
	CancelHighest(m domain.Market) (*domain.Position, error)
	CancelLowest(m domain.Market) (*domain.Position, error)
	SetSlot(ds domain.DumpedSlot) (int, error)
	ClearSlot(m domain.Market, idx int) (bool, error)
	SetMarketLimits(m domain.Market, l engine.MarketLimits) error
	SetTiming(t engine.Timing) error
	Timing() engine.Timing
	PlaceOneTime(m domain.Market, side domain.Side, price, size money.Money, maxAge time.Duration) (domain.Handle, error)
	ResumeBreaker() error
}

// Journal 成交流水查询
type Journal interface {
	Fills(ctx context.Context, exchange string, limit int) ([]journal.FillRow, error)
	Cancels(ctx context.Context, exchange string, limit int) ([]journal.CancelRow, error)
}

// Server 运维接口
type Server struct {
	engines map[string]Engine
	journal Journal
}

// New 创建运维接口；journal 可为 nil
func New(engines []Engine, j Journal) *Server {
	s := &Server{engines: make(map[string]Engine, len(engines)), journal: j}
	for _, e := range engines {
		s.engines[e.Name()] = e
	}
	return s
}

// Router 构建 gin 路由
func (s *Server) Router() http.Handler {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), accessLog())

	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusOK) })

	api := r.Group("/api")
	api.GET("/exchanges", s.handleExchanges)
	api.GET("/fills", s.handleFills)
	api.GET("/cancels", s.handleCancels)

	ex := api.Group("/exchanges/:ex", s.withEngine)
	ex.GET("/stats", s.handleStats)
	ex.GET("/positions", s.handlePositions)
	ex.GET("/ladder", s.handleLadder)
	ex.POST("/cancel", s.handleCancel)
	ex.POST("/slots", s.handleSetSlot)
	ex.DELETE("/slots/:market/:index", s.handleClearSlot)
	ex.PUT("/markets/:market/limits", s.handleMarketLimits)
	ex.GET("/timing", s.handleGetTiming)
	ex.PUT("/timing", s.handleSetTiming)
	ex.POST("/orders", s.handlePlaceOneTime)
	ex.POST("/resume", s.handleResume)

	return r
}

// Serve 在 addr 上提供服务，ctx 结束时优雅关闭
func (s *Server) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Infof("🌐 运维接口监听 %s", addr)
		errCh <- srv.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.WithFields(logrus.Fields{
			"method":  c.Request.Method,
			"path":    c.FullPath(),
			"status":  c.Writer.Status(),
			"elapsed": time.Since(start),
		}).Debug("ops request")
	}
}

const engineKey = "engine"

func (s *Server) withEngine(c *gin.Context) {
	e, ok := s.engines[c.Param("ex")]
	if !ok {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "unknown exchange"})
		return
	}
	c.Set(engineKey, e)
	c.Next()
}

func engineOf(c *gin.Context) Engine {
	return c.MustGet(engineKey).(Engine)
}

// statusFor 按错误类型映射状态码
func statusFor(err error) int {
	switch {
	case errors.Is(err, positions.ErrUnknownMarket),
		errors.Is(err, positions.ErrSlotOutOfRange),
		errors.Is(err, engine.ErrNothingToDo):
		return http.StatusNotFound
	case errors.Is(err, engine.ErrSlotBusy),
		errors.Is(err, engine.ErrInsideLandmark),
		errors.Is(err, engine.ErrMarketBusy),
		errors.Is(err, positions.ErrSlotReserved),
		errors.Is(err, positions.ErrSlotClaimed):
		return http.StatusConflict
	case errors.Is(err, engine.ErrEngineBusy), errors.Is(err, engine.ErrEngineStopped):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func writeError(c *gin.Context, err error) {
	c.JSON(statusFor(err), gin.H{"error": err.Error()})
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, gin.H{"error": msg})
}

// parseMarket 空串表示全部交易对
func parseMarket(s string) (domain.Market, error) {
	if s == "" {
		return domain.Market{}, nil
	}
	return domain.ParseMarket(s)
}

func (s *Server) handleExchanges(c *gin.Context) {
	names := make([]string, 0, len(s.engines))
	for name := range s.engines {
		names = append(names, name)
	}
	sort.Strings(names)
	c.JSON(http.StatusOK, gin.H{"exchanges": names})
}

// Package journal 把已对账的成交与撤单异步写入 SQLite，供运维接口查询。
package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"

	"github.com/tryphe/trader-sub000/internal/domain"
	"github.com/tryphe/trader-sub000/pkg/money"
)

var log = logrus.WithField("component", "journal")

// ErrClosed 流水已关闭
var ErrClosed = errors.New("journal closed")

// FillRow 成交记录
type FillRow struct {
	ID       int64       `json:"id"`
	Exchange string      `json:"exchange"`
	Market   string      `json:"market"`
	Side     string      `json:"side"`
	Price    money.Money `json:"price"`
	Quantity money.Money `json:"quantity"`
	RemoteID string      `json:"remote_id"`
	Source   string      `json:"source"`
	Landmark bool        `json:"landmark"`
	At       time.Time   `json:"at"`
}

// CancelRow 撤单记录
type CancelRow struct {
	ID       int64     `json:"id"`
	Exchange string    `json:"exchange"`
	Market   string    `json:"market"`
	RemoteID string    `json:"remote_id"`
	Reason   string    `json:"reason"`
	At       time.Time `json:"at"`
}

type cancelEntry struct {
	exchange string
	market   domain.Market
	remoteID string
	reason   domain.CancelReason
	at       time.Time
}

type flushEntry struct {
	done chan struct{}
}

// Journal SQLite 流水（单写协程）
type Journal struct {
	db      *sql.DB
	ch      chan any
	wg      sync.WaitGroup
	mu      sync.RWMutex
	closed  bool
	dropped atomic.Int64
}

// Open 打开（必要时创建）数据库并启动写协程
func Open(path string, buffer int) (*Journal, error) {
	if path == "" {
		return nil, errors.New("journal path is required")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("mkdir journal dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1) // SQLite：单连接更稳定
	db.SetMaxIdleConns(1)

	if err := migrate(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if buffer <= 0 {
		buffer = 1024
	}
	j := &Journal{db: db, ch: make(chan any, buffer)}
	j.wg.Add(1)
	go j.writer()
	return j, nil
}

func migrate(db *sql.DB) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	stmts := []string{
		`PRAGMA journal_mode=WAL;`,
		`PRAGMA synchronous=NORMAL;`,
		`
CREATE TABLE IF NOT EXISTS fills (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  exchange TEXT NOT NULL,
  market TEXT NOT NULL,
  side TEXT NOT NULL,
  price TEXT NOT NULL,
  quantity TEXT NOT NULL,
  remote_id TEXT NOT NULL,
  source TEXT NOT NULL,
  landmark INTEGER NOT NULL DEFAULT 0,
  at TEXT NOT NULL
);`,
		`CREATE INDEX IF NOT EXISTS idx_fills_exchange_at ON fills(exchange, at DESC);`,
		`
CREATE TABLE IF NOT EXISTS cancels (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  exchange TEXT NOT NULL,
  market TEXT NOT NULL,
  remote_id TEXT NOT NULL,
  reason TEXT NOT NULL,
  at TEXT NOT NULL
);`,
		`CREATE INDEX IF NOT EXISTS idx_cancels_exchange_at ON cancels(exchange, at DESC);`,
	}
	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// RecordFill 异步记录成交（队列满时丢弃并计数）
func (j *Journal) RecordFill(f domain.Fill) {
	j.enqueue(f)
}

// RecordCancel 异步记录撤单
func (j *Journal) RecordCancel(exchange string, m domain.Market, remoteID string, reason domain.CancelReason, at time.Time) {
	j.enqueue(cancelEntry{exchange: exchange, market: m, remoteID: remoteID, reason: reason, at: at})
}

func (j *Journal) enqueue(v any) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	if j.closed {
		return
	}
	select {
	case j.ch <- v:
	default:
		n := j.dropped.Add(1)
		log.Warnf("⚠️ 流水队列已满，丢弃记录 (累计 %d)", n)
	}
}

// Flush 等待此前入队的记录全部写入
func (j *Journal) Flush(ctx context.Context) error {
	done := make(chan struct{})
	j.mu.RLock()
	if j.closed {
		j.mu.RUnlock()
		return ErrClosed
	}
	select {
	case j.ch <- flushEntry{done: done}:
	case <-ctx.Done():
		j.mu.RUnlock()
		return ctx.Err()
	}
	j.mu.RUnlock()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (j *Journal) writer() {
	defer j.wg.Done()
	for v := range j.ch {
		switch e := v.(type) {
		case domain.Fill:
			_, err := j.db.Exec(`INSERT INTO fills(exchange, market, side, price, quantity, remote_id, source, landmark, at) VALUES(?,?,?,?,?,?,?,?,?)`,
				e.Exchange, e.Market.String(), string(e.Side), e.Price.String(), e.Quantity.String(),
				e.RemoteID, string(e.Source), boolToInt(e.Landmark), e.At.UTC().Format(time.RFC3339Nano))
			if err != nil {
				log.Errorf("❌ 写入成交失败: %v", err)
			}
		case cancelEntry:
			_, err := j.db.Exec(`INSERT INTO cancels(exchange, market, remote_id, reason, at) VALUES(?,?,?,?,?)`,
				e.exchange, e.market.String(), e.remoteID, string(e.reason), e.at.UTC().Format(time.RFC3339Nano))
			if err != nil {
				log.Errorf("❌ 写入撤单失败: %v", err)
			}
		case flushEntry:
			close(e.done)
		}
	}
}

// Fills 最近的成交（exchange 为空时不过滤）
func (j *Journal) Fills(ctx context.Context, exchange string, limit int) ([]FillRow, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	rows, err := j.db.QueryContext(ctx, `
SELECT id, exchange, market, side, price, quantity, remote_id, source, landmark, at
FROM fills WHERE (? = '' OR exchange = ?) ORDER BY id DESC LIMIT ?`, exchange, exchange, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []FillRow
	for rows.Next() {
		var (
			r              FillRow
			price, qty, at string
			landmark       int
		)
		if err := rows.Scan(&r.ID, &r.Exchange, &r.Market, &r.Side, &price, &qty, &r.RemoteID, &r.Source, &landmark, &at); err != nil {
			return nil, err
		}
		if r.Price, err = money.Parse(price); err != nil {
			return nil, err
		}
		if r.Quantity, err = money.Parse(qty); err != nil {
			return nil, err
		}
		r.Landmark = landmark != 0
		r.At, _ = time.Parse(time.RFC3339Nano, at)
		out = append(out, r)
	}
	return out, rows.Err()
}

// Cancels 最近的撤单
func (j *Journal) Cancels(ctx context.Context, exchange string, limit int) ([]CancelRow, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	rows, err := j.db.QueryContext(ctx, `
SELECT id, exchange, market, remote_id, reason, at
FROM cancels WHERE (? = '' OR exchange = ?) ORDER BY id DESC LIMIT ?`, exchange, exchange, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []CancelRow
	for rows.Next() {
		var (
			r  CancelRow
			at string
		)
		if err := rows.Scan(&r.ID, &r.Exchange, &r.Market, &r.RemoteID, &r.Reason, &at); err != nil {
			return nil, err
		}
		r.At, _ = time.Parse(time.RFC3339Nano, at)
		out = append(out, r)
	}
	return out, rows.Err()
}

// Close 写完队列中的记录后关闭数据库
func (j *Journal) Close() error {
	j.mu.Lock()
	if j.closed {
		j.mu.Unlock()
		return nil
	}
	j.closed = true
	close(j.ch)
	j.mu.Unlock()
	j.wg.Wait()
	return j.db.Close()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

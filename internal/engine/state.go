package engine

import (
	"bytes"
	"errors"
	"strings"
	"time"

	"github.com/tryphe/trader-sub000/internal/domain"
	"github.com/tryphe/trader-sub000/internal/metrics"
	"github.com/tryphe/trader-sub000/pkg/persistence"
)

// LadderState 落盘的梯子状态
type LadderState struct {
	Exchange string    `json:"exchange"`
	SavedAt  time.Time `json:"saved_at"`
	Dump     []string  `json:"dump"`
}

// saveLadder 梯子有变化（或 force）时写入存储
func (e *Engine) saveLadder(force bool) error {
	if e.store == nil || (!e.ladderDirty && !force) {
		return nil
	}
	var buf bytes.Buffer
	if err := e.dumpLadder(domain.Market{}, &buf); err != nil {
		return err
	}
	st := LadderState{Exchange: e.cfg.Exchange, SavedAt: e.now()}
	for _, line := range strings.Split(buf.String(), "\n") {
		if line != "" {
			st.Dump = append(st.Dump, line)
		}
	}
	if err := e.store.Save(&st); err != nil {
		e.log.Warnf("⚠️ 保存梯子失败: %v", err)
		return err
	}
	e.ladderDirty = false
	metrics.StateSaves.Add(1)
	e.log.Debugf("💾 梯子已保存 档位=%d", len(st.Dump))
	return nil
}

// RestoreLadder 启动时从存储恢复梯子（Run 之前调用）。没有保存过的状态时返回 false。
func (e *Engine) RestoreLadder() (bool, error) {
	if e.store == nil {
		return false, nil
	}
	var st LadderState
	if err := e.store.Load(&st); err != nil {
		if errors.Is(err, persistence.ErrNotExists) {
			return false, nil
		}
		return false, err
	}
	if len(st.Dump) == 0 {
		return false, nil
	}
	slots, err := domain.ParseLadderDump(strings.NewReader(strings.Join(st.Dump, "\n")))
	if err != nil {
		return false, err
	}
	// 未配置的交易对直接忽略
	known := slots[:0]
	for _, ds := range slots {
		if e.reg.Market(ds.Market) != nil {
			known = append(known, ds)
		} else {
			e.log.Warnf("⚠️ 状态中的交易对 %s 未配置，忽略", ds.Market)
		}
	}
	var n int
	var opErr error
	if err := e.exec("restore_ladder", func() { n, opErr = e.loadSlots(known) }); err != nil {
		return false, err
	}
	if opErr != nil {
		return false, opErr
	}
	e.ladderDirty = false
	metrics.StateLoads.Add(1)
	e.log.Infof("📂 从状态恢复梯子 档位=%d (保存于 %s)", n, st.SavedAt.Format(time.RFC3339))
	return true, nil
}

package positions

import (
	"fmt"
	"sort"
	"time"

	"github.com/tryphe/trader-sub000/internal/domain"
)

// BeginConverge 开始合并：撤掉一段连续档位上的全部仓位，档位转入预留，
// 全部撤单确认后由调用方放置一个 landmark。
func (r *Registry) BeginConverge(m domain.Market, handles []domain.Handle, now time.Time) (*domain.ConsolidationEntry, error) {
	if len(handles) < 2 {
		return nil, fmt.Errorf("converge needs >= 2 positions: %w", ErrInvalidGroup)
	}
	var side domain.Side
	var indices []int
	for i, h := range handles {
		p := r.all[h]
		if p == nil {
			return nil, ErrUnknownHandle
		}
		if p.Market != m || p.State != domain.StateActive || p.IsLandmark || p.IsOneTime {
			return nil, fmt.Errorf("converge member %s: %w", p, ErrInvalidGroup)
		}
		if _, ok := r.memberOf[h]; ok {
			return nil, ErrInConsolidation
		}
		if i == 0 {
			side = p.Side
		} else if p.Side != side {
			return nil, fmt.Errorf("converge mixed sides: %w", ErrInvalidGroup)
		}
		indices = append(indices, p.SlotIndices...)
	}
	sort.Ints(indices)
	for i := 1; i < len(indices); i++ {
		if indices[i] != indices[i-1]+1 {
			return nil, fmt.Errorf("converge indices %v not contiguous: %w", indices, ErrInvalidGroup)
		}
	}
	return r.beginGroup(m, side, true, handles, indices, now), nil
}

// BeginDiverge 开始拆分：撤掉一个 landmark，确认后按档位逐个补单
func (r *Registry) BeginDiverge(m domain.Market, h domain.Handle, now time.Time) (*domain.ConsolidationEntry, error) {
	p := r.all[h]
	if p == nil {
		return nil, ErrUnknownHandle
	}
	if p.Market != m || !p.IsLandmark || p.State != domain.StateActive {
		return nil, fmt.Errorf("diverge %s: %w", p, ErrInvalidGroup)
	}
	if _, ok := r.memberOf[h]; ok {
		return nil, ErrInConsolidation
	}
	indices := append([]int(nil), p.SlotIndices...)
	return r.beginGroup(m, p.Side, false, []domain.Handle{h}, indices, now), nil
}

func (r *Registry) beginGroup(m domain.Market, side domain.Side, landmark bool, handles []domain.Handle, indices []int, now time.Time) *domain.ConsolidationEntry {
	r.nextEntry++
	e := &domain.ConsolidationEntry{
		ID:            r.nextEntry,
		Market:        m,
		Side:          side,
		IsLandmark:    landmark,
		Pending:       make(map[domain.Handle]struct{}, len(handles)),
		TargetIndices: indices,
		CreatedAt:     now,
	}
	r.entries[e.ID] = e
	for _, h := range handles {
		p := r.all[h]
		e.Pending[h] = struct{}{}
		r.memberOf[h] = e.ID
		for _, idx := range p.SlotIndices {
			if r.claims[m][idx] == h {
				delete(r.claims[m], idx)
			}
		}
	}
	for _, idx := range indices {
		r.reserved[m][idx] = e.ID
	}
	for _, h := range handles {
		if _, err := r.Cancel(h, domain.CancelConsolidate, now); err != nil {
			registryLog.Warnf("⚠️ [%s] 合并组 %d 撤单失败 #%d: %v", r.exchange, e.ID, h, err)
		}
	}
	kind := "diverge"
	if landmark {
		kind = "converge"
	}
	registryLog.Infof("🔀 [%s] %s %s %s 档位=%v 成员=%d", r.exchange, kind, m, side, indices, len(handles))
	return e
}

// leaveGroup 成员离开分组；最后一个成员离开时释放预留并返回该组
func (r *Registry) leaveGroup(h domain.Handle) *domain.ConsolidationEntry {
	id, ok := r.memberOf[h]
	if !ok {
		return nil
	}
	delete(r.memberOf, h)
	e := r.entries[id]
	if e == nil {
		return nil
	}
	delete(e.Pending, h)
	if len(e.Pending) > 0 {
		return nil
	}
	delete(r.entries, id)
	r.releaseReserved(e)
	return e
}

func (r *Registry) releaseReserved(e *domain.ConsolidationEntry) {
	for _, idx := range e.TargetIndices {
		if r.reserved[e.Market][idx] == e.ID {
			delete(r.reserved[e.Market], idx)
		}
	}
}

// AbortConsolidation 中止分组：撤单尚未发出的成员恢复为 Active，
// 撤单已在途的成员保持 Cancelling，预留全部释放。
func (r *Registry) AbortConsolidation(id uint64) error {
	e := r.entries[id]
	if e == nil {
		return ErrUnknownEntry
	}
	reverted := 0
	for h := range e.Pending {
		delete(r.memberOf, h)
		p := r.all[h]
		if p == nil {
			continue
		}
		if p.State == domain.StateCancelling && r.sink != nil && r.sink.DropPending(h, domain.CmdCancel) {
			p.State = domain.StateActive
			p.CancelReason = ""
			p.CancelRequestedAt = time.Time{}
			if mi := r.markets[p.Market]; mi != nil {
				mi.AddResting(p.Price())
			}
			reverted++
		}
		for _, idx := range p.SlotIndices {
			r.claims[p.Market][idx] = h
		}
	}
	delete(r.entries, id)
	r.releaseReserved(e)
	registryLog.Infof("↩️ [%s] 中止合并组 %d %s 恢复=%d", r.exchange, id, e.Market, reverted)
	return nil
}

// Entries 指定交易对进行中的分组（按 ID 排序）
func (r *Registry) Entries(m domain.Market) []*domain.ConsolidationEntry {
	var out []*domain.ConsolidationEntry
	for _, e := range r.entries {
		if !m.IsValid() || e.Market == m {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// EntryOf 仓位所属分组
func (r *Registry) EntryOf(h domain.Handle) *domain.ConsolidationEntry {
	if id, ok := r.memberOf[h]; ok {
		return r.entries[id]
	}
	return nil
}

// ShiftSlots 梯子插入/删除后平移 >= from 的档位索引
func (r *Registry) ShiftSlots(m domain.Market, from, delta int) {
	if delta == 0 {
		return
	}
	shift := func(i int) int {
		if i >= from {
			return i + delta
		}
		return i
	}
	for _, p := range r.all {
		if p.Market != m {
			continue
		}
		for i, idx := range p.SlotIndices {
			p.SlotIndices[i] = shift(idx)
		}
	}
	claims := make(map[int]domain.Handle, len(r.claims[m]))
	for idx, h := range r.claims[m] {
		claims[shift(idx)] = h
	}
	r.claims[m] = claims
	reserved := make(map[int]uint64, len(r.reserved[m]))
	for idx, id := range r.reserved[m] {
		reserved[shift(idx)] = id
	}
	r.reserved[m] = reserved
	for _, e := range r.entries {
		if e.Market != m {
			continue
		}
		for i, idx := range e.TargetIndices {
			e.TargetIndices[i] = shift(idx)
		}
	}
}

// CheckInvariants 校验档位唯一性与挂单价格集合
func (r *Registry) CheckInvariants() error {
	for m, mi := range r.markets {
		seen := make(map[int]domain.Handle)
		expected := make(map[string]int)
		for _, p := range r.all {
			if p.Market != m {
				continue
			}
			if p.State == domain.StateQueued || p.State == domain.StateActive {
				expected[p.Price().String()]++
				if !p.IsOneTime && !p.SellPrice.GreaterThan(p.BuyPrice) {
					return fmt.Errorf("%s: sell <= buy", p)
				}
			}
			if _, grouped := r.memberOf[p.Handle]; grouped {
				continue
			}
			for _, idx := range p.SlotIndices {
				if other, dup := seen[idx]; dup {
					return fmt.Errorf("%s slot %d claimed by #%d and #%d", m, idx, other, p.Handle)
				}
				seen[idx] = p.Handle
			}
		}
		for idx := range r.claims[m] {
			if _, ok := r.reserved[m][idx]; ok {
				return fmt.Errorf("%s slot %d both claimed and reserved", m, idx)
			}
		}
		for _, p := range mi.RestingPrices() {
			expected[p.String()]--
		}
		for k, v := range expected {
			if v != 0 {
				return fmt.Errorf("%s resting price %s mismatch %d", m, k, v)
			}
		}
	}
	return nil
}

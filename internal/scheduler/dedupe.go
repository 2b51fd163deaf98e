package scheduler

import (
	"fmt"
	"hash/fnv"
	"sync"
	"time"
)

// ErrDuplicateIntent 同一意图仍在排队或在途（或在 TTL 窗口内）
var ErrDuplicateIntent = fmt.Errorf("duplicate intent")

// IntentDeduper 短时间窗口内的确定性去重：同一 key 在释放或过期前只能获取一次。
// 分片 map + 惰性清理；TTL 兜底，防止异常路径遗漏 Release 造成永久阻塞。
type IntentDeduper struct {
	ttl    time.Duration
	shards []dedupeShard
}

type dedupeShard struct {
	mu sync.Mutex
	m  map[string]time.Time // key -> expiresAt
}

// NewIntentDeduper 创建去重器
func NewIntentDeduper(ttl time.Duration, shardCount int) *IntentDeduper {
	if ttl <= 0 {
		ttl = time.Minute
	}
	if shardCount <= 0 {
		shardCount = 16
	}
	shards := make([]dedupeShard, shardCount)
	for i := range shards {
		shards[i].m = make(map[string]time.Time)
	}
	return &IntentDeduper{ttl: ttl, shards: shards}
}

// TryAcquire 获取 key；已被占用时返回 ErrDuplicateIntent
func (d *IntentDeduper) TryAcquire(key string, now time.Time) error {
	if d == nil || key == "" {
		return nil
	}
	sh := d.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	for k, exp := range sh.m {
		if !exp.After(now) {
			delete(sh.m, k)
		}
	}

	if exp, ok := sh.m[key]; ok && exp.After(now) {
		return ErrDuplicateIntent
	}
	sh.m[key] = now.Add(d.ttl)
	return nil
}

// Release 释放 key
func (d *IntentDeduper) Release(key string) {
	if d == nil || key == "" {
		return
	}
	sh := d.shard(key)
	sh.mu.Lock()
	delete(sh.m, key)
	sh.mu.Unlock()
}

// Held key 是否仍被占用
func (d *IntentDeduper) Held(key string, now time.Time) bool {
	if d == nil || key == "" {
		return false
	}
	sh := d.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	exp, ok := sh.m[key]
	return ok && exp.After(now)
}

func (d *IntentDeduper) shard(key string) *dedupeShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	idx := int(h.Sum32() % uint32(len(d.shards)))
	return &d.shards[idx]
}

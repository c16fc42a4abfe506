package revgeo

import (
	"container/list"
	"context"
	"sync"
	"time"

	"subregion-map/internal/metrics"
)

// Cache：点查询候选缓存（geohash 单元 -> 与单元相交的要素名，按数据集顺序）
type Cache interface {
	Get(ctx context.Context, key string) ([]string, bool)
	Set(ctx context.Context, key string, names []string)
}

// 文档注释：本地 LRU 缓存（geohash 为键）
// 背景：悬停命中测试在短周期内集中于少量坐标，进程内缓存降低判定开销；TTL 可调。
// 约束：空结果同样缓存，避免对数据集外区域反复扫描。
type LRU struct {
	mu   sync.Mutex
	cap  int
	ttl  time.Duration
	lst  *list.List
	dict map[string]*list.Element
}

type entry struct {
	k   string
	v   []string
	exp time.Time
}

func NewLRU(capacity int, ttl time.Duration) *LRU {
	if capacity <= 0 {
		capacity = 4096
	}
	return &LRU{cap: capacity, ttl: ttl, lst: list.New(), dict: make(map[string]*list.Element)}
}

func (c *LRU) Get(_ context.Context, k string) ([]string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.dict[k]
	if !ok {
		return nil, false
	}
	it := e.Value.(entry)
	if time.Now().Before(it.exp) {
		c.lst.MoveToFront(e)
		return it.v, true
	}
	c.lst.Remove(e)
	delete(c.dict, k)
	return nil, false
}

func (c *LRU) Set(_ context.Context, k string, v []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	it := entry{k: k, v: v, exp: time.Now().Add(c.ttl)}
	if e, ok := c.dict[k]; ok {
		e.Value = it
		c.lst.MoveToFront(e)
		return
	}
	c.dict[k] = c.lst.PushFront(it)
	for c.lst.Len() > c.cap {
		back := c.lst.Back()
		delete(c.dict, back.Value.(entry).k)
		c.lst.Remove(back)
	}
}

func (c *LRU) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lst.Len()
}

// Tiered：先查 L1，未命中再查 L2 并回填 L1；写入两级
type Tiered struct {
	L1 Cache
	L2 Cache
}

func (t Tiered) Get(ctx context.Context, k string) ([]string, bool) {
	if t.L1 != nil {
		if v, ok := t.L1.Get(ctx, k); ok {
			metrics.RevgeoCacheHitsTotal.WithLabelValues("l1").Inc()
			return v, true
		}
	}
	if t.L2 != nil {
		if v, ok := t.L2.Get(ctx, k); ok {
			metrics.RevgeoCacheHitsTotal.WithLabelValues("l2").Inc()
			if t.L1 != nil {
				t.L1.Set(ctx, k, v)
			}
			return v, true
		}
	}
	metrics.RevgeoCacheMissesTotal.Inc()
	return nil, false
}

func (t Tiered) Set(ctx context.Context, k string, v []string) {
	if t.L1 != nil {
		t.L1.Set(ctx, k, v)
	}
	if t.L2 != nil {
		t.L2.Set(ctx, k, v)
	}
}

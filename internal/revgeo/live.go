package revgeo

import "sync/atomic"

// 文档注释：当前索引的原子持有者
// 背景：数据集刷新后整体替换索引，读路径无锁；新会话与 REST 查询立即使用新索引，已打开的会话保留创建时的索引。
// 约束：Store(nil) 之后 Load 返回 nil，调用方需按数据未就绪处理。
type Live struct {
	v atomic.Pointer[Index]
}

func NewLive(ix *Index) *Live {
	l := &Live{}
	l.v.Store(ix)
	return l
}

// Load：当前索引；l 为 nil 时返回 nil
func (l *Live) Load() *Index {
	if l == nil {
		return nil
	}
	return l.v.Load()
}

func (l *Live) Store(ix *Index) { l.v.Store(ix) }

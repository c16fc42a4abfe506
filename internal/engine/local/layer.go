// 包 local：进程内地图引擎；要素来自共享的区域空间索引，屏幕换算使用 Web 墨卡托
package local

import (
	"context"
	"sync"

	"subregion-map/internal/engine"
	"subregion-map/internal/renderer"
	"subregion-map/internal/revgeo"
)

// 文档注释：专题要素图层
// 背景：会话各自持有一个图层对象（呈现属性可变），底层索引在会话间共享且只读。
// 约束：Watch 回调在写入方 goroutine 中同步执行，回调内不得再写图层。
type Layer struct {
	id string

	mu       sync.RWMutex
	index    *revgeo.Index
	opacity  float64
	popup    bool
	spec     renderer.Spec
	watchers map[int]func(engine.LayerState)
	nextW    int

	loaded   chan struct{}
	loadOnce sync.Once
}

// NewLayer：index 非空时立即视为已加载
func NewLayer(id string, index *revgeo.Index) *Layer {
	l := &Layer{
		id:       id,
		opacity:  1,
		popup:    true,
		spec:     renderer.DefaultSpec(),
		watchers: make(map[int]func(engine.LayerState)),
		loaded:   make(chan struct{}),
	}
	if index != nil {
		l.Load(index)
	}
	return l
}

// Load：挂载索引并标记加载完成；只生效一次
func (l *Layer) Load(index *revgeo.Index) {
	l.loadOnce.Do(func() {
		l.mu.Lock()
		l.index = index
		l.mu.Unlock()
		close(l.loaded)
	})
}

func (l *Layer) Index() *revgeo.Index {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.index
}

func (l *Layer) ID() string { return l.id }

func (l *Layer) Opacity() float64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.opacity
}

func (l *Layer) SetOpacity(v float64) {
	l.mu.Lock()
	l.opacity = v
	l.mu.Unlock()
	l.notify()
}

func (l *Layer) PopupEnabled() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.popup
}

func (l *Layer) SetPopupEnabled(enabled bool) {
	l.mu.Lock()
	l.popup = enabled
	l.mu.Unlock()
	l.notify()
}

func (l *Layer) Renderer() renderer.Spec {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.spec
}

func (l *Layer) SetRenderer(spec renderer.Spec) {
	l.mu.Lock()
	l.spec = spec
	l.mu.Unlock()
	l.notify()
}

func (l *Layer) WhenLoaded(ctx context.Context) error {
	select {
	case <-l.loaded:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *Layer) Watch(fn func(engine.LayerState)) func() {
	l.mu.Lock()
	id := l.nextW
	l.nextW++
	l.watchers[id] = fn
	l.mu.Unlock()
	return func() {
		l.mu.Lock()
		delete(l.watchers, id)
		l.mu.Unlock()
	}
}

func (l *Layer) State() engine.LayerState {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return engine.LayerState{LayerID: l.id, Opacity: l.opacity, PopupEnabled: l.popup, Renderer: l.spec}
}

func (l *Layer) notify() {
	st := l.State()
	l.mu.RLock()
	fns := make([]func(engine.LayerState), 0, len(l.watchers))
	for _, fn := range l.watchers {
		fns = append(fns, fn)
	}
	l.mu.RUnlock()
	for _, fn := range fns {
		fn(st)
	}
}

package local

import (
	"context"
	"fmt"
	"sync"

	"subregion-map/internal/engine"
)

// Map：底图句柄；图层按添加顺序自下而上绘制
type Map struct {
	basemap string
	mu      sync.RWMutex
	layers  []engine.FeatureLayer
}

func (m *Map) Basemap() string { return m.basemap }

// Add：重复添加同一图层不产生第二份挂载
func (m *Map) Add(layer engine.FeatureLayer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, l := range m.layers {
		if l.ID() == layer.ID() {
			return
		}
	}
	m.layers = append(m.layers, layer)
}

func (m *Map) Remove(layer engine.FeatureLayer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, l := range m.layers {
		if l.ID() == layer.ID() {
			m.layers = append(m.layers[:i], m.layers[i+1:]...)
			return
		}
	}
}

func (m *Map) Layers() []engine.FeatureLayer {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]engine.FeatureLayer(nil), m.layers...)
}

// 文档注释：进程内引擎
// 背景：底图名称白名单来自配置；瓦片渲染由浏览器完成，这里仅保留底图身份。
type Engine struct {
	basemaps map[string]bool
}

// New：basemaps 为空时接受任意名称
func New(basemaps ...string) *Engine {
	e := &Engine{basemaps: make(map[string]bool)}
	for _, b := range basemaps {
		e.basemaps[b] = true
	}
	return e
}

func (e *Engine) CreateMap(basemap string) (engine.Map, error) {
	if len(e.basemaps) > 0 && !e.basemaps[basemap] {
		return nil, fmt.Errorf("local engine: unsupported basemap %q", basemap)
	}
	return &Map{basemap: basemap}, nil
}

func (e *Engine) CreateView(ctx context.Context, opts engine.Viewport, m engine.Map) (engine.View, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if opts.Width <= 0 {
		opts.Width = 1024
	}
	if opts.Height <= 0 {
		opts.Height = 768
	}
	return &View{vp: opts, m: m}, nil
}

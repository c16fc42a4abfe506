// 包 enginetest：测试用的内存地图引擎；所有写入都落在引擎侧对象上，断言直接针对这些句柄
package enginetest

import (
	"context"
	"sync"

	"subregion-map/internal/engine"
	"subregion-map/internal/renderer"
)

// 文档注释：记录型假引擎
// 背景：按底图名记录创建的 Map，只创建一个 View。
// 约束：HitFunc/QueryFunc 在 CreateView 返回前写入视图，避免与被测代码的首次查询竞争。
type Engine struct {
	mu   sync.Mutex
	Maps map[string]*Map
	View *View
	// ReadyGate 非空时交给创建的视图
	ReadyGate chan struct{}
	// 视图的命中测试与要素查询脚本
	HitFunc   func(ctx context.Context, p engine.ScreenPoint) ([]engine.Graphic, error)
	QueryFunc func(ctx context.Context, q engine.Query) ([]engine.Graphic, error)
}

func New() *Engine {
	return &Engine{Maps: make(map[string]*Map)}
}

func (e *Engine) CreateMap(basemap string) (engine.Map, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	m := &Map{name: basemap}
	e.Maps[basemap] = m
	return m, nil
}

func (e *Engine) CreateView(ctx context.Context, opts engine.Viewport, m engine.Map) (engine.View, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.View = &View{vp: opts, m: m, ReadyGate: e.ReadyGate, HitFunc: e.HitFunc, QueryFunc: e.QueryFunc}
	return e.View, nil
}

// MapFor：按底图名取已创建的假 Map
func (e *Engine) MapFor(basemap string) *Map {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.Maps[basemap]
}

// Map：记录挂载与卸载次数
type Map struct {
	name    string
	mu      sync.Mutex
	layers  []engine.FeatureLayer
	Adds    int
	Removes int
}

func (m *Map) Basemap() string { return m.name }

func (m *Map) Add(l engine.FeatureLayer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Adds++
	m.layers = append(m.layers, l)
}

func (m *Map) Remove(l engine.FeatureLayer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Removes++
	for i, cur := range m.layers {
		if cur == l {
			m.layers = append(m.layers[:i], m.layers[i+1:]...)
			return
		}
	}
}

func (m *Map) Layers() []engine.FeatureLayer {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]engine.FeatureLayer(nil), m.layers...)
}

// Counts：返回 (挂载次数, 卸载次数, 当前图层)
func (m *Map) Counts() (int, int, int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Adds, m.Removes, len(m.layers)
}

// Layer：加载完成时机由测试控制的假专题图层
type Layer struct {
	id           string
	mu           sync.Mutex
	opacity      float64
	popup        bool
	spec         renderer.Spec
	RendererSets int
	loaded       chan struct{}
	once         sync.Once
	watchers     []func(engine.LayerState)
}

// NewLayer：loaded 为 false 时 WhenLoaded 阻塞到 MarkLoaded
func NewLayer(id string, loaded bool) *Layer {
	l := &Layer{id: id, opacity: 1, popup: true, spec: renderer.DefaultSpec(), loaded: make(chan struct{})}
	if loaded {
		l.MarkLoaded()
	}
	return l
}

func (l *Layer) MarkLoaded() { l.once.Do(func() { close(l.loaded) }) }

func (l *Layer) ID() string { return l.id }

func (l *Layer) Opacity() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.opacity
}

func (l *Layer) SetOpacity(v float64) {
	l.mu.Lock()
	l.opacity = v
	l.mu.Unlock()
	l.notify()
}

func (l *Layer) PopupEnabled() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.popup
}

func (l *Layer) SetPopupEnabled(b bool) {
	l.mu.Lock()
	l.popup = b
	l.mu.Unlock()
	l.notify()
}

func (l *Layer) Renderer() renderer.Spec {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.spec
}

func (l *Layer) SetRenderer(s renderer.Spec) {
	l.mu.Lock()
	l.spec = s
	l.RendererSets++
	l.mu.Unlock()
	l.notify()
}

// RendererSetCount：SetRenderer 调用次数
func (l *Layer) RendererSetCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.RendererSets
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
	l.watchers = append(l.watchers, fn)
	l.mu.Unlock()
	return func() {}
}

func (l *Layer) notify() {
	l.mu.Lock()
	st := engine.LayerState{LayerID: l.id, Opacity: l.opacity, PopupEnabled: l.popup, Renderer: l.spec}
	ws := append([]func(engine.LayerState){}, l.watchers...)
	l.mu.Unlock()
	for _, w := range ws {
		w(st)
	}
}

// 文档注释：假视图
// 背景：坐标与屏幕点一一对应（X=经度，Y=纬度）；命中测试与要素查询交给 HitFunc/QueryFunc。
type View struct {
	mu       sync.Mutex
	vp       engine.Viewport
	m        engine.Map
	graphics []engine.Graphic

	// ReadyGate 非空时 SetMap 需收到一个值才返回
	ReadyGate   chan struct{}
	HitFunc     func(ctx context.Context, p engine.ScreenPoint) ([]engine.Graphic, error)
	QueryFunc   func(ctx context.Context, q engine.Query) ([]engine.Graphic, error)
	HitCalls    int
	SetMapCalls int
	Centers     []engine.Coordinate
}

func (v *View) Map() engine.Map {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.m
}

func (v *View) SetMap(ctx context.Context, m engine.Map) error {
	v.mu.Lock()
	v.SetMapCalls++
	gate := v.ReadyGate
	v.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	v.mu.Lock()
	v.m = m
	v.mu.Unlock()
	return nil
}

func (v *View) Viewport() engine.Viewport {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.vp
}

func (v *View) SetViewport(vp engine.Viewport) {
	v.mu.Lock()
	v.vp = vp
	v.mu.Unlock()
}

func (v *View) GoTo(c engine.Coordinate) {
	v.mu.Lock()
	v.vp.Center = c
	v.Centers = append(v.Centers, c)
	v.mu.Unlock()
}

func (v *View) ToScreen(c engine.Coordinate) engine.ScreenPoint {
	return engine.ScreenPoint{X: c.Lon, Y: c.Lat}
}

func (v *View) ToMap(p engine.ScreenPoint) engine.Coordinate {
	return engine.Coordinate{Lon: p.X, Lat: p.Y}
}

func (v *View) HitTest(ctx context.Context, p engine.ScreenPoint) ([]engine.Graphic, error) {
	v.mu.Lock()
	v.HitCalls++
	fn := v.HitFunc
	v.mu.Unlock()
	if fn == nil {
		return nil, nil
	}
	return fn(ctx, p)
}

// HitCount：HitTest 调用次数
func (v *View) HitCount() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.HitCalls
}

func (v *View) QueryFeatures(ctx context.Context, _ engine.FeatureLayer, q engine.Query) ([]engine.Graphic, error) {
	v.mu.Lock()
	fn := v.QueryFunc
	v.mu.Unlock()
	if fn == nil {
		return nil, nil
	}
	return fn(ctx, q)
}

func (v *View) AddGraphic(g engine.Graphic) {
	v.mu.Lock()
	defer v.mu.Unlock()
	g.LayerID = engine.GraphicsLayerID
	v.graphics = append(v.graphics, g)
}

func (v *View) RemoveGraphic(id string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	for i, g := range v.graphics {
		if g.ID == id {
			v.graphics = append(v.graphics[:i], v.graphics[i+1:]...)
			return
		}
	}
}

// Graphics：已添加到视图的图形
func (v *View) Graphics() []engine.Graphic {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]engine.Graphic(nil), v.graphics...)
}

func (v *View) Close() {}

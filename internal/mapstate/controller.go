// 包 mapstate：地图状态控制器；底图目录、共享专题图层与高亮规则的唯一写入方
package mapstate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync/atomic"
	"time"

	"subregion-map/internal/bus"
	"subregion-map/internal/engine"
	"subregion-map/internal/logger"
	"subregion-map/internal/metrics"
	"subregion-map/internal/renderer"
)

var (
	ErrUnknownBasemap     = errors.New("mapstate: unknown basemap")
	ErrStopped            = errors.New("mapstate: controller stopped")
	ErrStale              = errors.New("mapstate: stale highlight request")
	ErrAlreadyInitialized = errors.New("mapstate: already initialized")
)

// MapLoaded：底图与数据集均就绪的通知，每个就绪周期一次
type MapLoaded struct {
	Basemap string `json:"basemap"`
}

// Options：视图初始参数与日志器
type Options struct {
	Viewport     engine.Viewport
	ReadyTimeout time.Duration
	Logger       *slog.Logger
}

// Request：高亮请求；Highlight 为 nil 表示清除该槽位。Seq 为 0 的请求不参与过期判定
type Request struct {
	Slot      renderer.Slot
	Seq       uint64
	Highlight *renderer.Highlight
}

// Snapshot：控制器状态快照
type Snapshot struct {
	Basemap string            `json:"basemap"`
	Ready   bool              `json:"ready"`
	Layer   engine.LayerState `json:"layer"`
	Hover   string            `json:"hover,omitempty"`
	User    string            `json:"user,omitempty"`
}

type command struct {
	fn   func()
	done chan struct{}
}

type pendingSignal struct {
	kind  string
	apply func() error
}

// 文档注释：地图状态控制器
// 背景：专题图层由所有底图共享（切换时重新挂载而非复制），渲染器、透明度、弹窗开关的写入全部经由本控制器的单一 goroutine 串行执行。
// 约束：控制器不保存图层属性的影子副本，图层对象本身即状态；图层加载完成前到达的控件信号排队，加载后按序重放。
type Controller struct {
	eng   engine.Engine
	layer engine.FeatureLayer
	opts  Options
	log   *slog.Logger

	inbox   chan command
	ctx     context.Context
	cancel  context.CancelFunc
	stopped chan struct{}
	started atomic.Bool
	loaded  *bus.Topic[MapLoaded]
	subs    []func()

	// Initialize 之后只读
	catalog map[string]engine.Map
	names   []string
	view    engine.View

	// 以下字段仅由 run goroutine 访问
	active   string
	base     renderer.Spec
	hover    *renderer.Highlight
	user     *renderer.Highlight
	hoverSeq uint64
	userSeq  uint64
	ready    bool
	pending  []pendingSignal
}

func New(eng engine.Engine, layer engine.FeatureLayer, opts Options) *Controller {
	if opts.ReadyTimeout <= 0 {
		opts.ReadyTimeout = 30 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Controller{
		eng:     eng,
		layer:   layer,
		opts:    opts,
		log:     logger.Or(opts.Logger),
		inbox:   make(chan command, 64),
		ctx:     ctx,
		cancel:  cancel,
		stopped: make(chan struct{}),
		loaded:  bus.NewTopic[MapLoaded](),
		base:    layer.Renderer(),
	}
}

// 文档注释：初始化底图目录与视图
// 背景：为每个底图名称创建一个句柄（键集合此后不变），专题图层只挂到初始底图上；视图就绪后返回。
// 约束：图层加载完成后发出首个 MapLoaded；初始透明度立即写入图层。
func (c *Controller) Initialize(ctx context.Context, names []string, initial string, opacity float64) error {
	if c.started.Load() {
		return ErrAlreadyInitialized
	}
	if len(names) == 0 {
		return fmt.Errorf("%w: empty catalog", ErrUnknownBasemap)
	}
	catalog := make(map[string]engine.Map, len(names))
	for _, n := range names {
		if _, dup := catalog[n]; dup {
			continue
		}
		m, err := c.eng.CreateMap(n)
		if err != nil {
			return fmt.Errorf("create map %s: %w", n, err)
		}
		catalog[n] = m
		c.names = append(c.names, n)
	}
	m, ok := catalog[initial]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownBasemap, initial)
	}
	m.Add(c.layer)
	c.layer.SetOpacity(clamp(opacity))

	view, err := c.eng.CreateView(ctx, c.opts.Viewport, m)
	if err != nil {
		m.Remove(c.layer)
		return fmt.Errorf("create view: %w", err)
	}
	c.catalog = catalog
	c.active = initial
	c.view = view
	c.started.Store(true)
	go c.run()
	go c.awaitLayer()
	c.log.Info("mapstate_initialized", "basemap", initial, "basemaps", len(c.names), "layer", c.layer.ID())
	return nil
}

func (c *Controller) run() {
	defer close(c.stopped)
	for {
		select {
		case <-c.ctx.Done():
			return
		case cmd := <-c.inbox:
			cmd.fn()
			close(cmd.done)
		}
	}
}

func (c *Controller) awaitLayer() {
	if err := c.layer.WhenLoaded(c.ctx); err != nil {
		c.log.Warn("mapstate_layer_load_abort", "layer", c.layer.ID(), "err", err)
		return
	}
	if err := c.do(c.ctx, c.onLayerLoaded); err != nil && !errors.Is(err, ErrStopped) && c.ctx.Err() == nil {
		c.log.Warn("mapstate_layer_ready_fail", "err", err)
	}
}

// do：投递到控制器 goroutine 并等待执行完成
func (c *Controller) do(ctx context.Context, fn func()) error {
	if !c.started.Load() {
		return ErrStopped
	}
	cmd := command{fn: fn, done: make(chan struct{})}
	select {
	case c.inbox <- cmd:
	case <-c.stopped:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-cmd.done:
		return nil
	case <-c.stopped:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Controller) onLayerLoaded() {
	if c.ready {
		return
	}
	c.ready = true
	c.applyRenderer()
	c.loaded.Publish(MapLoaded{Basemap: c.active})
	c.log.Info("map_loaded", "basemap", c.active, "replay", len(c.pending))
	pending := c.pending
	c.pending = nil
	for _, p := range pending {
		c.apply(p.kind, p.apply)
	}
}

// control：图层未就绪时排队，否则立即执行
func (c *Controller) control(ctx context.Context, kind string, fn func() error) error {
	var err error
	derr := c.do(ctx, func() {
		if !c.ready {
			c.pending = append(c.pending, pendingSignal{kind: kind, apply: fn})
			metrics.ControlSignalsTotal.WithLabelValues(kind, "queued").Inc()
			c.log.Debug("control_signal_queued", "kind", kind, "pending", len(c.pending))
			return
		}
		err = c.apply(kind, fn)
	})
	if derr != nil {
		return derr
	}
	return err
}

func (c *Controller) apply(kind string, fn func() error) error {
	if err := fn(); err != nil {
		metrics.ControlSignalsTotal.WithLabelValues(kind, "failed").Inc()
		c.log.Warn("control_signal_fail", "kind", kind, "err", err)
		return err
	}
	metrics.ControlSignalsTotal.WithLabelValues(kind, "applied").Inc()
	return nil
}

// 文档注释：切换底图
// 背景：同名选择为空操作；未知名称记录后丢弃；否则从旧底图卸下图层、视图切到新底图并等待就绪、再挂载图层。
// 约束：切换会清除瞬时悬停高亮并重新应用渲染器（用户所在区域规则保留），随后发出 MapLoaded。
func (c *Controller) OnBasemapSelected(ctx context.Context, name string) error {
	if !c.started.Load() {
		return ErrStopped
	}
	if _, ok := c.catalog[name]; !ok {
		metrics.ControlSignalsTotal.WithLabelValues("basemap", "dropped").Inc()
		c.log.Warn("basemap_unknown", "name", name)
		return fmt.Errorf("%w: %s", ErrUnknownBasemap, name)
	}
	return c.control(ctx, "basemap", func() error { return c.switchBasemap(name) })
}

func (c *Controller) switchBasemap(name string) error {
	if name == c.active {
		c.log.Debug("basemap_switch_noop", "name", name)
		return nil
	}
	start := time.Now()
	prev := c.catalog[c.active]
	next := c.catalog[name]
	prev.Remove(c.layer)
	ctx, cancel := context.WithTimeout(c.ctx, c.opts.ReadyTimeout)
	defer cancel()
	if err := c.view.SetMap(ctx, next); err != nil {
		prev.Add(c.layer)
		return fmt.Errorf("switch basemap %s: %w", name, err)
	}
	next.Add(c.layer)
	c.active = name
	c.hover = nil
	c.applyRenderer()
	metrics.BasemapSwitchDurationMs.Observe(float64(time.Since(start).Milliseconds()))
	c.loaded.Publish(MapLoaded{Basemap: name})
	c.log.Info("basemap_switch_ok", "name", name, "ms", time.Since(start).Milliseconds())
	return nil
}

// OnOpacityChanged：截断到 [0,1] 后写入图层；渲染规则不变
func (c *Controller) OnOpacityChanged(ctx context.Context, v float64) error {
	return c.control(ctx, "opacity", func() error {
		c.layer.SetOpacity(clamp(v))
		return nil
	})
}

// OnOutlineColorChanged：只改默认符号的描边颜色
func (c *Controller) OnOutlineColorChanged(ctx context.Context, col renderer.Color) error {
	return c.control(ctx, "outline", func() error {
		c.base = c.base.WithOutline(col)
		c.applyRenderer()
		return nil
	})
}

func (c *Controller) OnPopupToggled(ctx context.Context, enabled bool) error {
	return c.control(ctx, "popup", func() error {
		c.layer.SetPopupEnabled(enabled)
		return nil
	})
}

// 文档注释：高亮请求
// 背景：悬停与用户所在区域各占一个槽位，各自记录最新序号；序号小于已见最新值的请求被丢弃并返回 ErrStale。
// 约束：渲染器总是按 Build(base, Compose(hover, user)) 整体重建后替换；图层未就绪时只记录，就绪时统一应用。
func (c *Controller) Highlight(ctx context.Context, req Request) error {
	var err error
	derr := c.do(ctx, func() {
		var latest *uint64
		var target **renderer.Highlight
		switch req.Slot {
		case renderer.SlotHover:
			latest, target = &c.hoverSeq, &c.hover
		case renderer.SlotUser:
			latest, target = &c.userSeq, &c.user
		default:
			err = fmt.Errorf("mapstate: unknown slot %q", req.Slot)
			return
		}
		if req.Seq != 0 {
			if req.Seq < *latest {
				metrics.HighlightStaleTotal.WithLabelValues(string(req.Slot)).Inc()
				c.log.Debug("highlight_stale_drop", "slot", req.Slot, "seq", req.Seq, "latest", *latest)
				err = ErrStale
				return
			}
			*latest = req.Seq
		}
		if req.Highlight != nil {
			h := *req.Highlight
			*target = &h
		} else {
			*target = nil
		}
		if c.ready {
			c.applyRenderer()
		}
	})
	if derr != nil {
		return derr
	}
	return err
}

// applyRenderer：整体重建并替换；不满足每槽位至多一条规则时保留图层现有渲染器
func (c *Controller) applyRenderer() {
	spec := renderer.Build(c.base, renderer.Compose(c.hover, c.user))
	if err := spec.Validate(); err != nil {
		c.log.Error("renderer_invalid", "err", err, "rules", len(spec.Rules))
		return
	}
	c.layer.SetRenderer(spec)
	metrics.RendererSwapsTotal.Inc()
	c.log.Debug("renderer_swap", "rules", len(spec.Rules))
}

// SetViewport：宿主 UI 的视图尺寸或范围变化
func (c *Controller) SetViewport(ctx context.Context, vp engine.Viewport) error {
	return c.do(ctx, func() { c.view.SetViewport(vp) })
}

// Snapshot：当前底图、就绪状态与图层呈现属性；未就绪时记录的高亮尚未写入图层，不会出现在快照中
func (c *Controller) Snapshot(ctx context.Context) (Snapshot, error) {
	var s Snapshot
	err := c.do(ctx, func() {
		spec := c.layer.Renderer()
		s = Snapshot{
			Basemap: c.active,
			Ready:   c.ready,
			Layer: engine.LayerState{
				LayerID:      c.layer.ID(),
				Opacity:      c.layer.Opacity(),
				PopupEnabled: c.layer.PopupEnabled(),
				Renderer:     spec,
			},
		}
		// 高亮以图层上实际生效的渲染器为准
		if r, ok := spec.RuleFor(renderer.SlotHover); ok {
			s.Hover = r.Value
		}
		if r, ok := spec.RuleFor(renderer.SlotUser); ok {
			s.User = r.Value
		}
	})
	return s, err
}

// Flush：等待此前投递的命令全部执行
func (c *Controller) Flush(ctx context.Context) error {
	return c.do(ctx, func() {})
}

// Subscribe：把控件通道接到控制器；Close 时自动退订
func (c *Controller) Subscribe(ctl *bus.Controls) {
	report := func(kind string, err error) {
		if err != nil && !errors.Is(err, ErrStopped) && !errors.Is(err, ErrUnknownBasemap) {
			c.log.Warn("control_signal_error", "kind", kind, "err", err)
		}
	}
	b := ctl.Basemap.Subscribe(func(name string) { report("basemap", c.OnBasemapSelected(c.ctx, name)) })
	o := ctl.Opacity.Subscribe(func(v float64) { report("opacity", c.OnOpacityChanged(c.ctx, v)) })
	l := ctl.Outline.Subscribe(func(col renderer.Color) { report("outline", c.OnOutlineColorChanged(c.ctx, col)) })
	p := ctl.Popup.Subscribe(func(v bool) { report("popup", c.OnPopupToggled(c.ctx, v)) })
	c.subs = append(c.subs, b.Unsubscribe, o.Unsubscribe, l.Unsubscribe, p.Unsubscribe)
}

// Loaded：MapLoaded 通知主题；不回放，需在 Initialize 前订阅才能收到首个通知
func (c *Controller) Loaded() *bus.Topic[MapLoaded] { return c.loaded }

// View：当前视图；Initialize 之后不变
func (c *Controller) View() engine.View { return c.view }

func (c *Controller) Layer() engine.FeatureLayer { return c.layer }

// Basemaps：目录中的底图名称，按初始化顺序
func (c *Controller) Basemaps() []string { return append([]string(nil), c.names...) }

func (c *Controller) Close() {
	for _, u := range c.subs {
		u()
	}
	c.cancel()
	if c.started.Load() {
		<-c.stopped
		c.view.Close()
	}
	c.loaded.Close()
}

func clamp(v float64) float64 {
	switch {
	case math.IsNaN(v):
		return 0
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}

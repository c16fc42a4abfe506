// 包 hittest：指针命中测试分发与结果列表选择
package hittest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"subregion-map/internal/dataset"
	"subregion-map/internal/engine"
	"subregion-map/internal/logger"
	"subregion-map/internal/mapstate"
	"subregion-map/internal/metrics"
	"subregion-map/internal/renderer"
)

var ErrRegionNotFound = errors.New("hittest: region not found")

type Kind int

const (
	Move Kind = iota
	Click
)

func (k Kind) String() string {
	if k == Click {
		return "click"
	}
	return "move"
}

// PointerEvent：视图像素坐标上的指针移动或点击
type PointerEvent struct {
	Kind  Kind
	Point engine.ScreenPoint
}

// PanelSink：详情面板（宿主 UI 提供）
type PanelSink interface {
	ShowRegion(attrs dataset.RegionAttributes)
}

// Target：命中测试依赖的视图、专题图层与高亮写入口（由 mapstate.Controller 实现）
type Target interface {
	View() engine.View
	Layer() engine.FeatureLayer
	Highlight(ctx context.Context, req mapstate.Request) error
}

type Options struct {
	Fields  dataset.FieldMap
	Fill    renderer.Color
	Outline renderer.Color
	Logger  *slog.Logger
}

// DefaultHoverFill：悬停区域填充色
var DefaultHoverFill = renderer.RGBA(255, 196, 0, 0.55)

// 文档注释：命中测试分发器
// 背景：每个指针事件分配递增序号并取消上一个未完成的查询；完成时若已有更新的事件则丢弃结果，保证最后发出的事件胜出。
// 约束：空结果不改动渲染器与面板；只认专题图层上的图形，忽略图形层（用户位置标记等）。
type Dispatcher struct {
	target Target
	panel  PanelSink
	opts   Options
	log    *slog.Logger

	seq      atomic.Uint64
	mu       sync.Mutex
	cancel   context.CancelFunc
	panelSeq uint64
}

func New(target Target, panel PanelSink, opts Options) *Dispatcher {
	if opts.Fields == (dataset.FieldMap{}) {
		opts.Fields = dataset.DefaultFieldMap()
	}
	if opts.Fill == (renderer.Color{}) {
		opts.Fill = DefaultHoverFill
	}
	if opts.Outline == (renderer.Color{}) {
		opts.Outline = renderer.RGBA(255, 255, 255, 1)
	}
	return &Dispatcher{target: target, panel: panel, opts: opts, log: logger.Or(opts.Logger)}
}

// OnPointerEvent：命中测试并高亮指针下的区域
func (d *Dispatcher) OnPointerEvent(ctx context.Context, ev PointerEvent) error {
	seq := d.seq.Add(1)
	qctx, cancel := context.WithCancel(ctx)
	defer cancel()
	d.mu.Lock()
	if d.cancel != nil {
		d.cancel()
	}
	d.cancel = cancel
	d.mu.Unlock()

	start := time.Now()
	hits, err := d.target.View().HitTest(qctx, ev.Point)
	metrics.HitTestDurationMs.Observe(float64(time.Since(start).Milliseconds()))
	if d.seq.Load() != seq {
		metrics.HitTestsTotal.WithLabelValues("superseded").Inc()
		d.log.Debug("hittest_stale_drop", "seq", seq, "kind", ev.Kind)
		return nil
	}
	if err != nil {
		metrics.HitTestsTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("hit-test: %w", err)
	}
	g, ok := OnLayer(hits, d.target.Layer().ID())
	if !ok {
		metrics.HitTestsTotal.WithLabelValues("empty").Inc()
		return nil
	}
	metrics.HitTestsTotal.WithLabelValues("found").Inc()
	return d.show(ctx, seq, g)
}

// OnLayer：返回第一个属于指定图层的图形
func OnLayer(hits []engine.Graphic, layerID string) (engine.Graphic, bool) {
	for _, g := range hits {
		if g.LayerID == layerID {
			return g, true
		}
	}
	return engine.Graphic{}, false
}

func (d *Dispatcher) show(ctx context.Context, seq uint64, g engine.Graphic) error {
	attrs := d.opts.Fields.Extract(g.Attributes)
	err := d.target.Highlight(ctx, mapstate.Request{
		Slot: renderer.SlotHover,
		Seq:  seq,
		Highlight: &renderer.Highlight{
			Field:   d.opts.Fields.Subregion,
			Value:   attrs.SubregionName,
			Fill:    d.opts.Fill,
			Outline: d.opts.Outline,
		},
	})
	if errors.Is(err, mapstate.ErrStale) {
		return nil
	}
	if err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if seq < d.panelSeq {
		return nil
	}
	d.panelSeq = seq
	if d.panel != nil {
		d.panel.ShowRegion(attrs)
	}
	return nil
}

// List：结果列表，全部区域按子区域名称排序
func (d *Dispatcher) List(ctx context.Context) ([]dataset.RegionAttributes, error) {
	gs, err := d.target.View().QueryFeatures(ctx, d.target.Layer(), engine.Query{})
	if err != nil {
		return nil, fmt.Errorf("query regions: %w", err)
	}
	out := make([]dataset.RegionAttributes, 0, len(gs))
	for _, g := range gs {
		out = append(out, d.opts.Fields.Extract(g.Attributes))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SubregionName < out[j].SubregionName })
	return out, nil
}

// Select：结果列表中选中一个区域，高亮、居中并推送面板
func (d *Dispatcher) Select(ctx context.Context, name string) (dataset.RegionAttributes, error) {
	view := d.target.View()
	gs, err := view.QueryFeatures(ctx, d.target.Layer(), engine.Query{Field: d.opts.Fields.Subregion, Value: name})
	if err != nil {
		return dataset.RegionAttributes{}, fmt.Errorf("query region %s: %w", name, err)
	}
	if len(gs) == 0 {
		return dataset.RegionAttributes{}, fmt.Errorf("%w: %s", ErrRegionNotFound, name)
	}
	g := gs[0]
	seq := d.seq.Add(1)
	if g.Geometry != nil {
		c := g.Geometry.Bound().Center()
		view.GoTo(engine.Coordinate{Lon: c.Lon(), Lat: c.Lat()})
	}
	if err := d.show(ctx, seq, g); err != nil {
		return dataset.RegionAttributes{}, err
	}
	return d.opts.Fields.Extract(g.Attributes), nil
}

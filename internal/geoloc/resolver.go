package geoloc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"subregion-map/internal/dataset"
	"subregion-map/internal/engine"
	"subregion-map/internal/logger"
	"subregion-map/internal/mapstate"
	"subregion-map/internal/metrics"
	"subregion-map/internal/renderer"
)

// MarkerID：用户位置标记图形的 ID
const MarkerID = "user-location"

type State int

const (
	Unrequested State = iota
	Requesting
	Resolved
	Failed
)

func (s State) String() string {
	switch s {
	case Unrequested:
		return "unrequested"
	case Requesting:
		return "requesting"
	case Resolved:
		return "resolved"
	}
	return "failed"
}

// UserFix：用户定位点；Resolved 在首次命中测试完成后置为 true，此后不再重算
type UserFix struct {
	Coordinate  engine.Coordinate         `json:"coordinate"`
	ScreenPoint engine.ScreenPoint        `json:"screenPoint"`
	Region      *dataset.RegionAttributes `json:"region,omitempty"`
	Resolved    bool                      `json:"resolved"`
}

// Target：解析器依赖的视图、专题图层与高亮写入口（由 mapstate.Controller 实现）
type Target interface {
	View() engine.View
	Layer() engine.FeatureLayer
	Highlight(ctx context.Context, req mapstate.Request) error
}

type ResolverOptions struct {
	Geo     Options
	Fields  dataset.FieldMap
	Fill    renderer.Color
	Outline renderer.Color
	Logger  *slog.Logger
}

// DefaultUserFill：用户所在区域填充色
var DefaultUserFill = renderer.RGBA(210, 105, 30, 0.45)

// 文档注释：定位到区域的解析器
// 背景：状态机 Unrequested → Requesting → Resolved | Failed，只解析一次；定位成功后加标记、居中、换算屏幕点并做一次命中测试，按图层身份而非结果下标选出所在区域。
// 约束：失败进入 Failed 并恰好发出一条用户消息，不自动重试；Resolved 之后的识别请求只重新应用缓存的高亮，不再命中测试。
type Resolver struct {
	target   Target
	locator  Locator
	notifier Notifier
	opts     ResolverOptions
	log      *slog.Logger

	mu        sync.Mutex
	state     State
	fix       *UserFix
	region    *dataset.RegionAttributes
	highlight *renderer.Highlight
	err       error
	done      chan struct{}
	seq       atomic.Uint64
}

func NewResolver(target Target, locator Locator, notifier Notifier, opts ResolverOptions) *Resolver {
	if opts.Geo == (Options{}) {
		opts.Geo = DefaultOptions()
	}
	if opts.Fields == (dataset.FieldMap{}) {
		opts.Fields = dataset.DefaultFieldMap()
	}
	if opts.Fill == (renderer.Color{}) {
		opts.Fill = DefaultUserFill
	}
	if opts.Outline == (renderer.Color{}) {
		opts.Outline = renderer.RGBA(210, 105, 30, 1)
	}
	return &Resolver{
		target:   target,
		locator:  locator,
		notifier: notifier,
		opts:     opts,
		log:      logger.Or(opts.Logger),
		done:     make(chan struct{}),
	}
}

// Start：地图就绪时触发一次解析；非 Unrequested 状态下直接返回
func (r *Resolver) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.state != Unrequested {
		r.mu.Unlock()
		return nil
	}
	r.state = Requesting
	r.mu.Unlock()
	r.log.Info("geoloc_requesting", "timeout_ms", r.opts.Geo.Timeout.Milliseconds(), "high_accuracy", r.opts.Geo.HighAccuracy)

	region, hl, err := r.resolve(ctx)
	r.finish(region, hl, err)
	return err
}

func (r *Resolver) resolve(ctx context.Context) (*dataset.RegionAttributes, *renderer.Highlight, error) {
	if r.locator == nil {
		return nil, nil, &PositionError{Kind: PositionUnavailable, Message: ErrNoLocator.Error()}
	}
	lctx := ctx
	if r.opts.Geo.Timeout > 0 {
		var cancel context.CancelFunc
		lctx, cancel = context.WithTimeout(ctx, r.opts.Geo.Timeout)
		defer cancel()
	}
	pos, err := r.locator.CurrentPosition(lctx, r.opts.Geo)
	if err != nil {
		return nil, nil, err
	}

	view := r.target.View()
	view.AddGraphic(engine.Graphic{
		ID:         MarkerID,
		Geometry:   pos.Coordinate.Point(),
		Attributes: engine.Attributes{"accuracy": pos.Accuracy},
	})
	view.GoTo(pos.Coordinate)
	sp := view.ToScreen(pos.Coordinate)
	r.mu.Lock()
	r.fix = &UserFix{Coordinate: pos.Coordinate, ScreenPoint: sp}
	r.mu.Unlock()

	hits, err := view.HitTest(ctx, sp)
	if err != nil {
		return nil, nil, fmt.Errorf("user region hit-test: %w", err)
	}
	layerID := r.target.Layer().ID()
	idx := -1
	for i, g := range hits {
		if g.LayerID == layerID {
			idx = i
			break
		}
	}
	if idx != 1 {
		r.log.Warn("geoloc_index_convention_mismatch", "region_index", idx, "hits", len(hits))
	}
	if idx < 0 {
		r.log.Info("geoloc_outside_dataset", "lon", pos.Coordinate.Lon, "lat", pos.Coordinate.Lat)
		return nil, nil, nil
	}
	attrs := r.opts.Fields.Extract(hits[idx].Attributes)
	hl := &renderer.Highlight{
		Field:   r.opts.Fields.Subregion,
		Value:   attrs.SubregionName,
		Fill:    r.opts.Fill,
		Outline: r.opts.Outline,
	}
	if err := r.apply(ctx, hl); err != nil {
		return nil, nil, err
	}
	return &attrs, hl, nil
}

func (r *Resolver) apply(ctx context.Context, hl *renderer.Highlight) error {
	return r.target.Highlight(ctx, mapstate.Request{Slot: renderer.SlotUser, Seq: r.seq.Add(1), Highlight: hl})
}

func (r *Resolver) finish(region *dataset.RegionAttributes, hl *renderer.Highlight, err error) {
	r.mu.Lock()
	if err != nil {
		r.state = Failed
		r.err = err
	} else {
		r.state = Resolved
		r.region = region
		r.highlight = hl
		if r.fix != nil {
			r.fix.Resolved = true
			r.fix.Region = region
		}
	}
	close(r.done)
	r.mu.Unlock()

	if errors.Is(err, context.Canceled) {
		// 会话关闭导致的取消：不提示用户，不计入失败
		r.log.Debug("geoloc_canceled")
		return
	}
	if err != nil {
		kind := KindOf(err)
		metrics.GeolocationTotal.WithLabelValues(Failed.String(), kind.String()).Inc()
		r.log.Warn("geoloc_failed", "kind", kind, "err", err)
		if r.notifier != nil {
			r.notifier.Notify(kind, Message(kind))
		}
		return
	}
	metrics.GeolocationTotal.WithLabelValues(Resolved.String(), KindNone.String()).Inc()
	if region != nil {
		r.log.Info("geoloc_resolved", "subregion", region.SubregionName, "region", region.RegionName)
	} else {
		r.log.Info("geoloc_resolved", "subregion", "")
	}
}

// 文档注释：识别用户所在区域（幂等入口）
// 背景：Unrequested 时发起解析；Requesting 时等待进行中的解析；Resolved 时重新应用缓存的高亮并返回缓存区域；Failed 时返回原失败。
// 约束：返回 nil 区域且无错误表示定位成功但不在任何区域内。
func (r *Resolver) IdentifyUserRegion(ctx context.Context) (*dataset.RegionAttributes, error) {
	r.mu.Lock()
	prev := r.state
	r.mu.Unlock()
	if prev == Unrequested {
		_ = r.Start(ctx)
	}
	select {
	case <-r.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	r.mu.Lock()
	state, region, hl, err := r.state, r.region, r.highlight, r.err
	r.mu.Unlock()
	if state == Failed {
		return nil, err
	}
	if prev == Resolved && hl != nil {
		if err := r.apply(ctx, hl); err != nil {
			return nil, err
		}
	}
	if region == nil {
		return nil, nil
	}
	out := *region
	return &out, nil
}

// UserRegion：缓存的所在区域；未解析或不在任何区域内时为 nil
func (r *Resolver) UserRegion() *dataset.RegionAttributes {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.region == nil {
		return nil
	}
	out := *r.region
	return &out
}

func (r *Resolver) State() (State, ErrorKind) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state, KindOf(r.err)
}

func (r *Resolver) Fix() (UserFix, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fix == nil {
		return UserFix{}, false
	}
	return *r.fix, true
}

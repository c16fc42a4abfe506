package local

import (
	"context"
	"math"
	"sync"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"
	"github.com/paulmach/orb/project"

	"subregion-map/internal/engine"
)

const (
	tileSize = 256.0
	// 赤道周长（米），Web 墨卡托
	earthCircumference = 2 * math.Pi * 6378137
	// 点图形命中半径（像素）
	markerTolerance = 8.0
)

// View：视图状态（视口、当前底图、图形层）
type View struct {
	mu       sync.RWMutex
	vp       engine.Viewport
	m        engine.Map
	graphics []engine.Graphic
	closed   bool
}

func (v *View) Map() engine.Map {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.m
}

// SetMap：本地引擎没有瓦片加载，切换后即就绪
func (v *View) SetMap(ctx context.Context, m engine.Map) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return engine.ErrViewClosed
	}
	v.m = m
	return nil
}

func (v *View) Viewport() engine.Viewport {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.vp
}

func (v *View) SetViewport(vp engine.Viewport) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if vp.Width <= 0 {
		vp.Width = v.vp.Width
	}
	if vp.Height <= 0 {
		vp.Height = v.vp.Height
	}
	v.vp = vp
}

func (v *View) GoTo(c engine.Coordinate) {
	v.mu.Lock()
	v.vp.Center = c
	v.mu.Unlock()
}

func resolution(zoom float64) float64 {
	return earthCircumference / (tileSize * math.Pow(2, zoom))
}

func (v *View) ToScreen(c engine.Coordinate) engine.ScreenPoint {
	vp := v.Viewport()
	res := resolution(vp.Zoom)
	center := project.WGS84.ToMercator(vp.Center.Point())
	p := project.WGS84.ToMercator(c.Point())
	return engine.ScreenPoint{
		X: (p[0]-center[0])/res + float64(vp.Width)/2,
		Y: (center[1]-p[1])/res + float64(vp.Height)/2,
	}
}

func (v *View) ToMap(sp engine.ScreenPoint) engine.Coordinate {
	vp := v.Viewport()
	res := resolution(vp.Zoom)
	center := project.WGS84.ToMercator(vp.Center.Point())
	m := orb.Point{
		center[0] + (sp.X-float64(vp.Width)/2)*res,
		center[1] - (sp.Y-float64(vp.Height)/2)*res,
	}
	ll := project.Mercator.ToWGS84(m)
	return engine.Coordinate{Lon: ll.Lon(), Lat: ll.Lat()}
}

// 文档注释：命中测试
// 背景：结果按绘制顺序自上而下返回：图形层（后加者在上）先于要素图层（后加者在上）；同一图层内数据集靠后的要素在上。
// 约束：点图形按像素半径命中，面图形与要素按点入多边形命中。
func (v *View) HitTest(ctx context.Context, sp engine.ScreenPoint) ([]engine.Graphic, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	v.mu.RLock()
	if v.closed {
		v.mu.RUnlock()
		return nil, engine.ErrViewClosed
	}
	graphics := append([]engine.Graphic(nil), v.graphics...)
	m := v.m
	v.mu.RUnlock()

	pt := v.ToMap(sp).Point()
	var out []engine.Graphic
	for i := len(graphics) - 1; i >= 0; i-- {
		if v.graphicHit(graphics[i], sp, pt) {
			out = append(out, graphics[i])
		}
	}
	if m == nil {
		return out, nil
	}
	layers := m.Layers()
	for i := len(layers) - 1; i >= 0; i-- {
		l, ok := layers[i].(*Layer)
		if !ok {
			continue
		}
		ix := l.Index()
		if ix == nil {
			continue
		}
		found := ix.Locate(ctx, pt)
		for j := len(found) - 1; j >= 0; j-- {
			f := found[j]
			out = append(out, engine.Graphic{ID: f.Name, LayerID: l.ID(), Geometry: f.Geometry, Attributes: f.Properties})
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (v *View) graphicHit(g engine.Graphic, sp engine.ScreenPoint, pt orb.Point) bool {
	switch geom := g.Geometry.(type) {
	case orb.Point:
		gp := v.ToScreen(engine.Coordinate{Lon: geom.Lon(), Lat: geom.Lat()})
		return math.Hypot(gp.X-sp.X, gp.Y-sp.Y) <= markerTolerance
	case orb.Polygon:
		return planar.PolygonContains(geom, pt)
	case orb.MultiPolygon:
		return planar.MultiPolygonContains(geom, pt)
	}
	return false
}

// QueryFeatures：图层须挂载在当前底图上
func (v *View) QueryFeatures(ctx context.Context, layer engine.FeatureLayer, q engine.Query) ([]engine.Graphic, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m := v.Map()
	onMap := false
	if m != nil {
		for _, l := range m.Layers() {
			if l.ID() == layer.ID() {
				onMap = true
				break
			}
		}
	}
	l, ok := layer.(*Layer)
	if !onMap || !ok || l.Index() == nil {
		return nil, engine.ErrUnknownLayer
	}
	ix := l.Index()
	var out []engine.Graphic
	if q.Field == ix.NameField() && q.Value != "" {
		if f, ok := ix.Feature(q.Value); ok {
			out = append(out, engine.Graphic{ID: f.Name, LayerID: l.ID(), Geometry: f.Geometry, Attributes: f.Properties})
		}
		return out, nil
	}
	for _, f := range ix.All() {
		if q.Field != "" && engine.Attributes(f.Properties).String(q.Field) != q.Value {
			continue
		}
		out = append(out, engine.Graphic{ID: f.Name, LayerID: l.ID(), Geometry: f.Geometry, Attributes: f.Properties})
	}
	return out, nil
}

// AddGraphic：同 ID 的图形被替换并移到最上层
func (v *View) AddGraphic(g engine.Graphic) {
	v.mu.Lock()
	defer v.mu.Unlock()
	g.LayerID = engine.GraphicsLayerID
	for i, cur := range v.graphics {
		if cur.ID == g.ID {
			v.graphics = append(v.graphics[:i], v.graphics[i+1:]...)
			break
		}
	}
	v.graphics = append(v.graphics, g)
}

func (v *View) RemoveGraphic(id string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	for i, cur := range v.graphics {
		if cur.ID == id {
			v.graphics = append(v.graphics[:i], v.graphics[i+1:]...)
			return
		}
	}
}

func (v *View) Close() {
	v.mu.Lock()
	v.closed = true
	v.graphics = nil
	v.mu.Unlock()
}

// 包 engine：地图引擎契约；渲染、投影与命中测试由实现方提供，核心只依赖本接口
package engine

import (
	"context"
	"errors"

	"github.com/paulmach/orb"

	"subregion-map/internal/renderer"
)

// GraphicsLayerID：视图图形层（用户位置标记等），绘制在所有要素图层之上
const GraphicsLayerID = "__graphics__"

var (
	ErrViewClosed   = errors.New("engine: view closed")
	ErrUnknownLayer = errors.New("engine: layer not on map")
)

// Coordinate：WGS84 经纬度
type Coordinate struct {
	Lon float64 `json:"lon"`
	Lat float64 `json:"lat"`
}

func (c Coordinate) Point() orb.Point { return orb.Point{c.Lon, c.Lat} }

// ScreenPoint：视图像素坐标，原点在左上角
type ScreenPoint struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Viewport：视图中心、缩放级别与像素尺寸
type Viewport struct {
	Center Coordinate `json:"center"`
	Zoom   float64    `json:"zoom"`
	Width  int        `json:"width"`
	Height int        `json:"height"`
}

type Attributes map[string]any

// String：按字段读取字符串属性
func (a Attributes) String(field string) string {
	if v, ok := a[field].(string); ok {
		return v
	}
	return ""
}

// 文档注释：命中测试/要素查询的结果项
// 背景：LayerID 标识来源图层，用于按图层身份筛选而非依赖结果下标。
type Graphic struct {
	ID         string
	LayerID    string
	Geometry   orb.Geometry
	Attributes Attributes
}

// LayerState：图层当前呈现属性快照
type LayerState struct {
	LayerID      string        `json:"layerId"`
	Opacity      float64       `json:"opacity"`
	PopupEnabled bool          `json:"popupEnabled"`
	Renderer     renderer.Spec `json:"renderer"`
}

// Query：按字段等值过滤；Field 为空时返回全部要素
type Query struct {
	Field string
	Value string
}

// FeatureLayer：共享专题图层；所有写入直接作用于引擎持有的对象
type FeatureLayer interface {
	ID() string
	Opacity() float64
	SetOpacity(v float64)
	PopupEnabled() bool
	SetPopupEnabled(enabled bool)
	Renderer() renderer.Spec
	SetRenderer(spec renderer.Spec)
	// WhenLoaded 阻塞到图层数据就绪或 ctx 结束
	WhenLoaded(ctx context.Context) error
	// Watch 在每次呈现属性变化后回调，返回取消函数
	Watch(fn func(LayerState)) func()
}

// Map：一个底图句柄及其挂载的图层
type Map interface {
	Basemap() string
	Add(layer FeatureLayer)
	Remove(layer FeatureLayer)
	Layers() []FeatureLayer
}

// View：呈现某个 Map 的视图
type View interface {
	Map() Map
	// SetMap 切换视图的底图并在新视图加载完成后返回
	SetMap(ctx context.Context, m Map) error
	Viewport() Viewport
	SetViewport(vp Viewport)
	GoTo(c Coordinate)
	ToScreen(c Coordinate) ScreenPoint
	ToMap(p ScreenPoint) Coordinate
	// HitTest 返回屏幕点下的图形，最上层在前
	HitTest(ctx context.Context, p ScreenPoint) ([]Graphic, error)
	QueryFeatures(ctx context.Context, layer FeatureLayer, q Query) ([]Graphic, error)
	AddGraphic(g Graphic)
	RemoveGraphic(id string)
	Close()
}

// Engine：创建底图与视图
type Engine interface {
	CreateMap(basemap string) (Map, error)
	// CreateView 在视图就绪后返回
	CreateView(ctx context.Context, opts Viewport, m Map) (View, error)
}

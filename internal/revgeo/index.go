package revgeo

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/paulmach/orb/planar"
)

var ErrNoNameField = errors.New("revgeo: feature is missing the name field")

// 文档注释：区域要素（只读）
// 背景：几何仅支持 Polygon/MultiPolygon；Bound 预先计算用于快速包围盒过滤。
type Feature struct {
	Name       string
	Properties map[string]any
	Geometry   orb.Geometry
	Bound      orb.Bound
}

// 文档注释：区域空间索引
// 背景：包围盒候选过滤后做点入多边形精确判定（含洞与多面）；结果按数据集顺序返回。
// 约束：构建后只读，可被多个会话并发查询；缓存可选。
type Index struct {
	features  []Feature
	byName    map[string]int
	nameField string
	bound     orb.Bound
	cache     Cache
}

type Option func(*Index)

// WithCache：挂载点查询缓存
func WithCache(c Cache) Option { return func(ix *Index) { ix.cache = c } }

// NewIndex：从要素集合构建索引；非面要素被跳过，名称缺失或重复视为数据错误
func NewIndex(fc *geojson.FeatureCollection, nameField string, opts ...Option) (*Index, error) {
	ix := &Index{byName: make(map[string]int), nameField: nameField}
	for _, o := range opts {
		o(ix)
	}
	if fc == nil {
		return ix, nil
	}
	first := true
	for i, f := range fc.Features {
		if f == nil || f.Geometry == nil {
			continue
		}
		switch f.Geometry.(type) {
		case orb.Polygon, orb.MultiPolygon:
		default:
			continue
		}
		name, _ := f.Properties[nameField].(string)
		name = strings.TrimSpace(name)
		if name == "" {
			return nil, fmt.Errorf("%w: feature %d (%s)", ErrNoNameField, i, nameField)
		}
		if _, dup := ix.byName[name]; dup {
			return nil, fmt.Errorf("revgeo: duplicate feature name %q", name)
		}
		b := f.Geometry.Bound()
		ix.byName[name] = len(ix.features)
		ix.features = append(ix.features, Feature{
			Name:       name,
			Properties: map[string]any(f.Properties),
			Geometry:   f.Geometry,
			Bound:      b,
		})
		if first {
			ix.bound = b
			first = false
		} else {
			ix.bound = ix.bound.Union(b)
		}
	}
	return ix, nil
}

func (ix *Index) NameField() string { return ix.nameField }
func (ix *Index) Len() int          { return len(ix.features) }
func (ix *Index) Bound() orb.Bound  { return ix.bound }

// All：按数据集顺序返回全部要素
func (ix *Index) All() []Feature { return append([]Feature(nil), ix.features...) }

func (ix *Index) Feature(name string) (Feature, bool) {
	i, ok := ix.byName[name]
	if !ok {
		return Feature{}, false
	}
	return ix.features[i], true
}

// 文档注释：点查询
// 背景：返回所有包含该点的要素（数据集重叠时可能多个）；候选集合先查缓存，再逐个做点入多边形判定。
// 约束：缓存只缩小候选范围，结果始终由精确判定给出；边界上的点依赖 planar 判定的数值行为。
func (ix *Index) Locate(ctx context.Context, pt orb.Point) []Feature {
	var out []Feature
	for _, f := range ix.candidates(ctx, pt) {
		if f.Bound.Contains(pt) && contains(f.Geometry, pt) {
			out = append(out, f)
		}
	}
	return out
}

// candidates：包围盒与点所在 geohash 单元相交的要素，按单元缓存名称
// 约束：单元内任意点的所属要素都在该集合内；缓存中出现未知名称时视为未命中重新计算
func (ix *Index) candidates(ctx context.Context, pt orb.Point) []Feature {
	if ix.cache == nil {
		if !ix.bound.Contains(pt) {
			return nil
		}
		return ix.features
	}
	key, cell := geohashCell(pt, cachePrecision)
	if names, ok := ix.cache.Get(ctx, key); ok {
		if out, complete := ix.byNames(names); complete {
			return out
		}
	}
	var out []Feature
	var names []string
	if ix.bound.Intersects(cell) {
		for _, f := range ix.features {
			if f.Bound.Intersects(cell) {
				out = append(out, f)
				names = append(names, f.Name)
			}
		}
	}
	ix.cache.Set(ctx, key, names)
	return out
}

func (ix *Index) byNames(names []string) ([]Feature, bool) {
	out := make([]Feature, 0, len(names))
	for _, n := range names {
		f, ok := ix.Feature(n)
		if !ok {
			return nil, false
		}
		out = append(out, f)
	}
	return out, true
}

func contains(g orb.Geometry, pt orb.Point) bool {
	switch geom := g.(type) {
	case orb.Polygon:
		return planar.PolygonContains(geom, pt)
	case orb.MultiPolygon:
		return planar.MultiPolygonContains(geom, pt)
	}
	return false
}

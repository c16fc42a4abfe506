package local

import (
	"context"
	"testing"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/stretchr/testify/suite"

	"subregion-map/internal/engine"
	"subregion-map/internal/renderer"
	"subregion-map/internal/revgeo"
)

type EngineSuite struct {
	suite.Suite
	ctx   context.Context
	eng   *Engine
	layer *Layer
	m     engine.Map
	view  engine.View
}

func TestEngineSuite(t *testing.T) {
	suite.Run(t, new(EngineSuite))
}

func testIndex() (*revgeo.Index, error) {
	fc := geojson.NewFeatureCollection()
	f := geojson.NewFeature(orb.Polygon{{{150, -34}, {151, -34}, {151, -33}, {150, -33}, {150, -34}}})
	f.Properties["SUB_NAME_7"] = "Cumberland"
	f.Properties["REG_NAME_7"] = "Sydney Basin"
	fc.Append(f)
	g := geojson.NewFeature(orb.Polygon{{{151, -34}, {152, -34}, {152, -33}, {151, -33}, {151, -34}}})
	g.Properties["SUB_NAME_7"] = "Pittwater"
	g.Properties["REG_NAME_7"] = "Sydney Basin"
	fc.Append(g)
	return revgeo.NewIndex(fc, "SUB_NAME_7")
}

func (s *EngineSuite) SetupTest() {
	s.ctx = context.Background()
	ix, err := testIndex()
	s.Require().NoError(err)
	s.eng = New("topo", "streets")
	s.layer = NewLayer("subregions", ix)
	s.m, err = s.eng.CreateMap("streets")
	s.Require().NoError(err)
	s.m.Add(s.layer)
	s.view, err = s.eng.CreateView(s.ctx, engine.Viewport{Center: engine.Coordinate{Lon: 150.5, Lat: -33.5}, Zoom: 8, Width: 800, Height: 600}, s.m)
	s.Require().NoError(err)
}

func (s *EngineSuite) TestCreateMapRejectsUnknownBasemap() {
	_, err := s.eng.CreateMap("hybrid")
	s.Error(err)
}

func (s *EngineSuite) TestMapAddIsIdempotent() {
	s.m.Add(s.layer)
	s.Len(s.m.Layers(), 1)
	s.m.Remove(s.layer)
	s.Empty(s.m.Layers())
}

func (s *EngineSuite) TestScreenConversion() {
	center := s.view.ToScreen(engine.Coordinate{Lon: 150.5, Lat: -33.5})
	s.InDelta(400, center.X, 1e-6)
	s.InDelta(300, center.Y, 1e-6)

	east := s.view.ToScreen(engine.Coordinate{Lon: 151, Lat: -33.5})
	s.Greater(east.X, center.X)
	north := s.view.ToScreen(engine.Coordinate{Lon: 150.5, Lat: -33})
	s.Less(north.Y, center.Y)

	back := s.view.ToMap(east)
	s.InDelta(151, back.Lon, 1e-9)
	s.InDelta(-33.5, back.Lat, 1e-9)
}

func (s *EngineSuite) TestHitTestOrdersGraphicsAboveFeatures() {
	user := engine.Coordinate{Lon: 150.5, Lat: -33.5}
	s.view.AddGraphic(engine.Graphic{ID: "user-location", Geometry: user.Point()})

	got, err := s.view.HitTest(s.ctx, s.view.ToScreen(user))
	s.Require().NoError(err)
	s.Require().Len(got, 2)
	s.Equal(engine.GraphicsLayerID, got[0].LayerID)
	s.Equal("subregions", got[1].LayerID)
	s.Equal("Cumberland", got[1].Attributes.String("SUB_NAME_7"))
}

func (s *EngineSuite) TestHitTestEmptySpace() {
	got, err := s.view.HitTest(s.ctx, s.view.ToScreen(engine.Coordinate{Lon: 140, Lat: -33.5}))
	s.Require().NoError(err)
	s.Empty(got)
}

func (s *EngineSuite) TestHitTestCancelled() {
	ctx, cancel := context.WithCancel(s.ctx)
	cancel()
	_, err := s.view.HitTest(ctx, engine.ScreenPoint{X: 1, Y: 1})
	s.ErrorIs(err, context.Canceled)
}

func (s *EngineSuite) TestQueryFeatures() {
	all, err := s.view.QueryFeatures(s.ctx, s.layer, engine.Query{})
	s.Require().NoError(err)
	s.Len(all, 2)

	one, err := s.view.QueryFeatures(s.ctx, s.layer, engine.Query{Field: "SUB_NAME_7", Value: "Pittwater"})
	s.Require().NoError(err)
	s.Require().Len(one, 1)
	s.Equal("Pittwater", one[0].ID)

	byRegion, err := s.view.QueryFeatures(s.ctx, s.layer, engine.Query{Field: "REG_NAME_7", Value: "Sydney Basin"})
	s.Require().NoError(err)
	s.Len(byRegion, 2)

	s.m.Remove(s.layer)
	_, err = s.view.QueryFeatures(s.ctx, s.layer, engine.Query{})
	s.ErrorIs(err, engine.ErrUnknownLayer)
}

func (s *EngineSuite) TestLayerWatchAndLoad() {
	var states []engine.LayerState
	cancel := s.layer.Watch(func(st engine.LayerState) { states = append(states, st) })
	s.layer.SetOpacity(0.3)
	s.layer.SetRenderer(renderer.Build(renderer.DefaultSpec(), nil))
	cancel()
	s.layer.SetPopupEnabled(false)

	s.Require().Len(states, 2)
	s.Equal(0.3, states[0].Opacity)
	s.Equal(0.3, states[1].Opacity)

	pending := NewLayer("later", nil)
	ctx, done := context.WithCancel(s.ctx)
	done()
	s.ErrorIs(pending.WhenLoaded(ctx), context.Canceled)
	ix, err := testIndex()
	s.Require().NoError(err)
	pending.Load(ix)
	s.NoError(pending.WhenLoaded(s.ctx))
}

package session

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"subregion-map/internal/dataset"
	"subregion-map/internal/engine"
	"subregion-map/internal/engine/enginetest"
	"subregion-map/internal/geoloc"
	"subregion-map/internal/logger"
	"subregion-map/internal/renderer"
)

func TestDecode(t *testing.T) {
	env, err := Decode([]byte(`{"type":"opacity","data":{"value":0.4}}`))
	require.NoError(t, err)
	assert.Equal(t, TypeOpacity, env.Type)
	var p OpacityPayload
	require.NoError(t, env.decode(&p))
	assert.Equal(t, 0.4, p.Value)

	_, err = Decode([]byte(`{"type":"teleport"}`))
	assert.ErrorIs(t, err, ErrUnknownMessage)
	_, err = Decode([]byte(`{"type":`))
	assert.Error(t, err)
	assert.Error(t, Envelope{Type: TypeBasemap}.decode(&BasemapPayload{}))
}

type recordingSender struct {
	mu   sync.Mutex
	msgs []Outbound
}

func (r *recordingSender) Send(m Outbound) error {
	r.mu.Lock()
	r.msgs = append(r.msgs, m)
	r.mu.Unlock()
	return nil
}

func (r *recordingSender) ofType(typ string) []Outbound {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Outbound
	for _, m := range r.msgs {
		if m.Type == typ {
			out = append(out, m)
		}
	}
	return out
}

func raw(t string, v any) Envelope {
	b, _ := json.Marshal(v)
	return Envelope{Type: t, Data: b}
}

func regionGraphic(name string) engine.Graphic {
	return engine.Graphic{
		ID:         name,
		LayerID:    "subregions",
		Geometry:   orb.Polygon{{{150, -34}, {151, -34}, {151, -33}, {150, -33}, {150, -34}}},
		Attributes: engine.Attributes{"SUB_NAME_7": name, "REG_NAME_7": "Sydney Basin", "STA_CODE": "NSW"},
	}
}

type SessionSuite struct {
	suite.Suite
	ctx   context.Context
	eng   *enginetest.Engine
	layer *enginetest.Layer
	out   *recordingSender
	s     *Session
}

func TestSessionSuite(t *testing.T) {
	suite.Run(t, new(SessionSuite))
}

func (s *SessionSuite) SetupTest() {
	s.ctx = context.Background()
	s.eng = enginetest.New()
	s.out = &recordingSender{}
	cfg := Config{
		Engine: s.eng,
		NewLayer: func(string) engine.FeatureLayer {
			s.layer = enginetest.NewLayer("subregions", true)
			return s.layer
		},
		Basemaps:       []string{"topo", "streets"},
		DefaultBasemap: "topo",
		Opacity:        1,
		Fields:         dataset.DefaultFieldMap(),
		Geo:            geoloc.DefaultOptions(),
		Locator:        LocatorClient,
		Logger:         logger.Discard(),
	}
	s.eng.HitFunc = func(context.Context, engine.ScreenPoint) ([]engine.Graphic, error) {
		return []engine.Graphic{{ID: geoloc.MarkerID, LayerID: engine.GraphicsLayerID}, regionGraphic("Cumberland")}, nil
	}
	s.eng.QueryFunc = func(_ context.Context, q engine.Query) ([]engine.Graphic, error) {
		all := []engine.Graphic{regionGraphic("Pittwater"), regionGraphic("Cumberland")}
		if q.Field == "" {
			return all, nil
		}
		for _, g := range all {
			if g.Attributes.String(q.Field) == q.Value {
				return []engine.Graphic{g}, nil
			}
		}
		return nil, nil
	}
	var err error
	s.s, err = New(s.ctx, "test", cfg, s.out, "203.0.113.7")
	s.Require().NoError(err)
}

func (s *SessionSuite) TearDownTest() {
	s.s.Close()
}

func (s *SessionSuite) waitFor(typ string, n int) []Outbound {
	s.Require().Eventually(func() bool { return len(s.out.ofType(typ)) >= n }, 2*time.Second, 5*time.Millisecond, typ)
	return s.out.ofType(typ)
}

func (s *SessionSuite) TestMapLoadedAndGeolocation() {
	loaded := s.waitFor(TypeMapLoaded, 1)
	s.Equal(MapLoadedPayload{Basemap: "topo"}, loaded[0].Data)

	req := s.waitFor(TypeGeolocate, 1)[0].Data.(geoloc.GeolocateRequest)
	s.Equal(int64(40000), req.TimeoutMs)

	s.Require().NoError(s.s.Handle(s.ctx, raw(TypePosition, PositionPayload{ID: req.ID, Lon: 150.5, Lat: -33.5, Accuracy: 20})))
	ur := s.waitFor(TypeUserRegion, 1)[0].Data.(UserRegionPayload)
	s.Require().NotNil(ur.Region)
	s.Equal("Cumberland", ur.Region.SubregionName)
	s.True(ur.Fix.Resolved)

	r, ok := s.layer.Renderer().RuleFor(renderer.SlotUser)
	s.Require().True(ok)
	s.Equal("Cumberland", r.Value)

	regions := s.waitFor(TypeRegions, 1)[0].Data.([]dataset.RegionAttributes)
	s.Require().Len(regions, 2)
	s.Equal("Cumberland", regions[0].SubregionName)
}

func (s *SessionSuite) TestPositionErrorNotifiesOnce() {
	req := s.waitFor(TypeGeolocate, 1)[0].Data.(geoloc.GeolocateRequest)
	s.Require().NoError(s.s.Handle(s.ctx, raw(TypePositionError, PositionErrorPayload{ID: req.ID, Code: 1, Message: "denied"})))

	msgs := s.waitFor(TypeMessage, 1)
	s.Equal(MessagePayload{Kind: "permission_denied", Text: "Error: Location not provided"}, msgs[0].Data)

	s.Require().NoError(s.s.Handle(s.ctx, raw(TypeBasemap, BasemapPayload{Name: "streets"})))
	s.waitFor(TypeMapLoaded, 2)
	s.Require().NoError(s.s.Controller().Flush(s.ctx))
	s.Never(func() bool { return len(s.out.ofType(TypeMessage)) > 1 }, 100*time.Millisecond, 10*time.Millisecond)
	s.Empty(s.out.ofType(TypeUserRegion))
}

func (s *SessionSuite) TestControlMessagesReachLayer() {
	s.waitFor(TypeMapLoaded, 1)
	s.Require().NoError(s.s.Handle(s.ctx, raw(TypeOpacity, OpacityPayload{Value: 0.35})))
	s.Require().NoError(s.s.Handle(s.ctx, raw(TypePopup, PopupPayload{Enabled: false})))
	s.Require().NoError(s.s.Handle(s.ctx, raw(TypeOutline, renderer.RGBA(1, 2, 3, 1))))

	s.Eventually(func() bool {
		return s.layer.Opacity() == 0.35 && !s.layer.PopupEnabled() && s.layer.Renderer().Default.Outline == renderer.RGBA(1, 2, 3, 1)
	}, 2*time.Second, 5*time.Millisecond)

	layerMsgs := s.out.ofType(TypeLayer)
	s.NotEmpty(layerMsgs)
}

func (s *SessionSuite) TestPointerAndSelect() {
	s.waitFor(TypeMapLoaded, 1)
	s.Require().NoError(s.s.Handle(s.ctx, raw(TypePointer, PointerPayload{Kind: "click", X: 1, Y: 2})))
	panel := s.waitFor(TypePanel, 1)[0].Data.(dataset.RegionAttributes)
	s.Equal("Cumberland", panel.SubregionName)

	s.Require().NoError(s.s.Handle(s.ctx, raw(TypeSelect, SelectPayload{Name: "Pittwater"})))
	panels := s.waitFor(TypePanel, 2)
	s.Equal("Pittwater", panels[1].Data.(dataset.RegionAttributes).SubregionName)

	s.Require().NoError(s.s.Handle(s.ctx, raw(TypeSelect, SelectPayload{Name: "Nowhere"})))
	s.waitFor(TypeError, 1)

	s.Error(s.s.Handle(s.ctx, Envelope{Type: "teleport"}))
}

package geoloc

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/paulmach/orb"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/suite"

	"subregion-map/internal/engine"
	"subregion-map/internal/engine/enginetest"
	"subregion-map/internal/logger"
	"subregion-map/internal/mapstate"
	"subregion-map/internal/metrics"
	"subregion-map/internal/renderer"
)

type stubLocator struct {
	calls atomic.Int32
	pos   Position
	err   error
	wait  chan struct{}
}

func (l *stubLocator) CurrentPosition(ctx context.Context, _ Options) (Position, error) {
	l.calls.Add(1)
	if l.wait != nil {
		select {
		case <-l.wait:
		case <-ctx.Done():
			return Position{}, ctx.Err()
		}
	}
	return l.pos, l.err
}

type note struct {
	kind ErrorKind
	text string
}

type recordingNotifier struct {
	mu    sync.Mutex
	notes []note
}

func (n *recordingNotifier) Notify(kind ErrorKind, text string) {
	n.mu.Lock()
	n.notes = append(n.notes, note{kind, text})
	n.mu.Unlock()
}

func (n *recordingNotifier) all() []note {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]note(nil), n.notes...)
}

var home = engine.Coordinate{Lon: 150.5, Lat: -33.5}

func regionGraphic(name string) engine.Graphic {
	return engine.Graphic{
		ID:         name,
		LayerID:    "subregions",
		Geometry:   orb.Polygon{{{150, -34}, {151, -34}, {151, -33}, {150, -33}, {150, -34}}},
		Attributes: engine.Attributes{"SUB_NAME_7": name, "REG_NAME_7": "Sydney Basin", "STA_CODE": "NSW"},
	}
}

func markerGraphic() engine.Graphic {
	return engine.Graphic{ID: MarkerID, LayerID: engine.GraphicsLayerID, Geometry: home.Point()}
}

type ResolverSuite struct {
	suite.Suite
	ctx      context.Context
	eng      *enginetest.Engine
	layer    *enginetest.Layer
	ctl      *mapstate.Controller
	view     *enginetest.View
	locator  *stubLocator
	notifier *recordingNotifier
	r        *Resolver
}

func TestResolverSuite(t *testing.T) {
	suite.Run(t, new(ResolverSuite))
}

func (s *ResolverSuite) SetupTest() {
	s.ctx = context.Background()
	s.eng = enginetest.New()
	s.layer = enginetest.NewLayer("subregions", true)
	s.ctl = mapstate.New(s.eng, s.layer, mapstate.Options{Logger: logger.Discard()})
	s.Require().NoError(s.ctl.Initialize(s.ctx, []string{"topo"}, "topo", 1))
	s.Require().Eventually(func() bool {
		snap, err := s.ctl.Snapshot(s.ctx)
		return err == nil && snap.Ready
	}, time.Second, 5*time.Millisecond)
	s.view = s.eng.View
	s.locator = &stubLocator{pos: Position{Coordinate: home, Accuracy: 30}}
	s.notifier = &recordingNotifier{}
	s.r = NewResolver(s.ctl, s.locator, s.notifier, ResolverOptions{Logger: logger.Discard()})
}

func (s *ResolverSuite) TearDownTest() {
	s.ctl.Close()
}

func (s *ResolverSuite) hits(gs ...engine.Graphic) {
	s.view.HitFunc = func(context.Context, engine.ScreenPoint) ([]engine.Graphic, error) { return gs, nil }
}

func (s *ResolverSuite) TestResolvesRegionBelowMarkerOnce() {
	s.hits(markerGraphic(), regionGraphic("Cumberland"))

	region, err := s.r.IdentifyUserRegion(s.ctx)
	s.Require().NoError(err)
	s.Require().NotNil(region)
	s.Equal("Cumberland", region.SubregionName)
	state, kind := s.r.State()
	s.Equal(Resolved, state)
	s.Equal(KindNone, kind)
	s.Equal(1, s.view.HitCount())

	again, err := s.r.IdentifyUserRegion(s.ctx)
	s.Require().NoError(err)
	s.Equal(region, again)
	s.Equal(1, s.view.HitCount())
	s.Equal(int32(1), s.locator.calls.Load())

	r, ok := s.layer.Renderer().RuleFor(renderer.SlotUser)
	s.Require().True(ok)
	s.Equal("Cumberland", r.Value)

	fix, ok := s.r.Fix()
	s.Require().True(ok)
	s.True(fix.Resolved)
	s.Equal(home, fix.Coordinate)
	s.Equal(engine.ScreenPoint{X: home.Lon, Y: home.Lat}, fix.ScreenPoint)
	s.Require().NotNil(fix.Region)

	gs := s.view.Graphics()
	s.Require().Len(gs, 1)
	s.Equal(MarkerID, gs[0].ID)
	s.Equal(home, s.view.Viewport().Center)
	s.Empty(s.notifier.all())
}

func (s *ResolverSuite) TestTimeoutFailsWithOneMessage() {
	s.locator.err = &PositionError{Kind: Timeout, Message: "TIMEOUT"}

	err := s.r.Start(s.ctx)
	s.Require().Error(err)
	state, kind := s.r.State()
	s.Equal(Failed, state)
	s.Equal(Timeout, kind)

	_, err = s.r.IdentifyUserRegion(s.ctx)
	s.Equal(Timeout, KindOf(err))
	s.Require().NoError(s.r.Start(s.ctx))

	notes := s.notifier.all()
	s.Require().Len(notes, 1)
	s.Equal(Timeout, notes[0].kind)
	s.Equal("Timeout Error: Could not obtain location information", notes[0].text)
	s.Zero(s.view.HitCount())
	s.Nil(s.r.UserRegion())
	_, ok := s.layer.Renderer().RuleFor(renderer.SlotUser)
	s.False(ok)
}

func (s *ResolverSuite) TestLocatorDeadlineIsTimeout() {
	s.locator.wait = make(chan struct{})
	s.r = NewResolver(s.ctl, s.locator, s.notifier, ResolverOptions{
		Geo:    Options{Timeout: 20 * time.Millisecond},
		Logger: logger.Discard(),
	})
	_, err := s.r.IdentifyUserRegion(s.ctx)
	s.Equal(Timeout, KindOf(err))
	notes := s.notifier.all()
	s.Require().Len(notes, 1)
	s.Equal(Timeout, notes[0].kind)
}

func (s *ResolverSuite) TestCancelledResolutionIsSilent() {
	s.locator.wait = make(chan struct{})
	failed := metrics.GeolocationTotal.WithLabelValues(Failed.String(), Unknown.String())
	before := testutil.ToFloat64(failed)

	ctx, cancel := context.WithCancel(s.ctx)
	done := make(chan error, 1)
	go func() { done <- s.r.Start(ctx) }()
	s.Require().Eventually(func() bool { return s.locator.calls.Load() == 1 }, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		s.ErrorIs(err, context.Canceled)
	case <-time.After(time.Second):
		s.FailNow("resolver did not return after cancel")
	}
	state, _ := s.r.State()
	s.Equal(Failed, state)
	s.Empty(s.notifier.all())
	s.Equal(before, testutil.ToFloat64(failed))
	s.Zero(s.view.HitCount())
}

func (s *ResolverSuite) TestSelectsByLayerIdentity() {
	s.Run("region on top", func() {
		s.hits(regionGraphic("Pittwater"))
		region, err := s.r.IdentifyUserRegion(s.ctx)
		s.Require().NoError(err)
		s.Require().NotNil(region)
		s.Equal("Pittwater", region.SubregionName)
	})

	s.Run("outside the dataset", func() {
		r := NewResolver(s.ctl, s.locator, s.notifier, ResolverOptions{Logger: logger.Discard()})
		s.hits(markerGraphic())
		region, err := r.IdentifyUserRegion(s.ctx)
		s.Require().NoError(err)
		s.Nil(region)
		state, _ := r.State()
		s.Equal(Resolved, state)
	})
}

func (s *ResolverSuite) TestResolvedReappliesCachedHighlight() {
	s.hits(markerGraphic(), regionGraphic("Cumberland"))
	_, err := s.r.IdentifyUserRegion(s.ctx)
	s.Require().NoError(err)

	s.Require().NoError(s.ctl.Highlight(s.ctx, mapstate.Request{Slot: renderer.SlotUser}))
	_, ok := s.layer.Renderer().RuleFor(renderer.SlotUser)
	s.Require().False(ok)

	_, err = s.r.IdentifyUserRegion(s.ctx)
	s.Require().NoError(err)
	r, ok := s.layer.Renderer().RuleFor(renderer.SlotUser)
	s.Require().True(ok)
	s.Equal("Cumberland", r.Value)
	s.Equal(1, s.view.HitCount())
}

func (s *ResolverSuite) TestConcurrentIdentifyWaitsForInflight() {
	s.locator.wait = make(chan struct{})
	s.hits(markerGraphic(), regionGraphic("Cumberland"))

	var wg sync.WaitGroup
	results := make([]string, 3)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			region, err := s.r.IdentifyUserRegion(s.ctx)
			if err == nil && region != nil {
				results[i] = region.SubregionName
			}
		}(i)
	}
	s.Eventually(func() bool { return s.locator.calls.Load() == 1 }, time.Second, 5*time.Millisecond)
	state, _ := s.r.State()
	s.Equal(Requesting, state)
	close(s.locator.wait)
	wg.Wait()

	s.Equal([]string{"Cumberland", "Cumberland", "Cumberland"}, results)
	s.Equal(int32(1), s.locator.calls.Load())
	s.Equal(1, s.view.HitCount())
}

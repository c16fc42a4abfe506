package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"subregion-map/internal/bus"
	"subregion-map/internal/dataset"
	"subregion-map/internal/engine"
	"subregion-map/internal/geoloc"
	"subregion-map/internal/hittest"
	"subregion-map/internal/logger"
	"subregion-map/internal/mapstate"
	"subregion-map/internal/metrics"
	"subregion-map/internal/renderer"
)

// Locator 模式
const (
	LocatorClient = "client"
	LocatorGeoIP  = "geoip"
)

// Config：会话装配参数，由入口从环境变量构建，所有会话共用
type Config struct {
	Engine         engine.Engine
	NewLayer       func(id string) engine.FeatureLayer
	Basemaps       []string
	DefaultBasemap string
	Viewport       engine.Viewport
	Opacity        float64
	Fields         dataset.FieldMap
	Geo            geoloc.Options
	Locator        string
	GeoIP          *geoloc.GeoIPDB
	Logger         *slog.Logger
}

// Sender：出站消息通道（websocket 连接或测试桩）
type Sender interface {
	Send(msg Outbound) error
}

// 文档注释：地图会话
// 背景：把控件总线、地图状态控制器、命中测试分发器与定位解析器装配到一个宿主 UI 连接上；入站消息转成总线信号或组件调用，组件输出转成出站消息。
// 约束：图层呈现属性的变化通过 Watch 推送给宿主 UI；会话关闭时停止全部组件。
type Session struct {
	ID string

	cfg      Config
	out      Sender
	log      *slog.Logger
	controls *bus.Controls
	ctl      *mapstate.Controller
	hits     *hittest.Dispatcher
	resolver *geoloc.Resolver
	client   *geoloc.ClientLocator

	ctx     context.Context
	cancel  context.CancelFunc
	mu      sync.Mutex
	closed  bool
	wg      sync.WaitGroup
	unwatch func()
	once    sync.Once
	listed  sync.Once
}

// New：装配并初始化会话；remoteAddr 供 GeoIP 定位使用
func New(ctx context.Context, id string, cfg Config, out Sender, remoteAddr string) (*Session, error) {
	log := logger.Or(cfg.Logger).With("session", id)
	sctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		ID:       id,
		cfg:      cfg,
		out:      out,
		log:      log,
		controls: bus.NewControls(),
		ctx:      sctx,
		cancel:   cancel,
	}
	layer := cfg.NewLayer(id)
	s.ctl = mapstate.New(cfg.Engine, layer, mapstate.Options{Viewport: cfg.Viewport, Logger: log})

	var locator geoloc.Locator
	if cfg.Locator == LocatorGeoIP && cfg.GeoIP != nil {
		locator = cfg.GeoIP.Locator(remoteAddr)
	} else {
		s.client = geoloc.NewClientLocator(func(req geoloc.GeolocateRequest) error {
			return s.send(TypeGeolocate, req)
		})
		locator = s.client
	}
	s.hits = hittest.New(s.ctl, s, hittest.Options{Fields: cfg.Fields, Logger: log})
	s.resolver = geoloc.NewResolver(s.ctl, locator, s, geoloc.ResolverOptions{Geo: cfg.Geo, Fields: cfg.Fields, Logger: log})

	s.ctl.Loaded().Subscribe(s.onMapLoaded)
	s.unwatch = layer.Watch(func(st engine.LayerState) {
		_ = s.send(TypeLayer, st)
	})
	s.ctl.Subscribe(s.controls)
	if err := s.ctl.Initialize(ctx, cfg.Basemaps, cfg.DefaultBasemap, cfg.Opacity); err != nil {
		s.Close()
		return nil, fmt.Errorf("session %s: %w", id, err)
	}
	log.Info("session_open", "locator", fmt.Sprintf("%T", locator))
	return s, nil
}

// onMapLoaded：通知宿主 UI 隐藏加载层，并识别（或重新应用）用户所在区域
func (s *Session) onMapLoaded(m mapstate.MapLoaded) {
	_ = s.send(TypeMapLoaded, MapLoadedPayload{Basemap: m.Basemap})
	s.listed.Do(func() { s.goRun(s.sendRegions) })
	s.goRun(func() {
		region, err := s.resolver.IdentifyUserRegion(s.ctx)
		if err != nil {
			return
		}
		fix, _ := s.resolver.Fix()
		_ = s.send(TypeUserRegion, UserRegionPayload{Region: region, Fix: fix})
	})
}

func (s *Session) sendRegions() {
	list, err := s.hits.List(s.ctx)
	if err != nil {
		s.log.Warn("session_list_error", "err", err)
		return
	}
	_ = s.send(TypeRegions, list)
}

func (s *Session) goRun(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn()
	}()
}

// Handle：处理一条入站消息
func (s *Session) Handle(ctx context.Context, env Envelope) error {
	metrics.WSMessagesTotal.WithLabelValues("in", env.Type).Inc()
	switch env.Type {
	case TypeBasemap:
		var p BasemapPayload
		if err := env.decode(&p); err != nil {
			return err
		}
		s.controls.Publish(bus.BasemapSelected{Name: p.Name})
	case TypeOpacity:
		var p OpacityPayload
		if err := env.decode(&p); err != nil {
			return err
		}
		s.controls.Publish(bus.OpacityChanged{Value: p.Value})
	case TypeOutline:
		var c renderer.Color
		if err := env.decode(&c); err != nil {
			return err
		}
		s.controls.Publish(bus.OutlineColorChanged{Color: c})
	case TypePopup:
		var p PopupPayload
		if err := env.decode(&p); err != nil {
			return err
		}
		s.controls.Publish(bus.PopupToggled{Enabled: p.Enabled})
	case TypePointer:
		var p PointerPayload
		if err := env.decode(&p); err != nil {
			return err
		}
		ev := hittest.PointerEvent{Kind: hittest.Move, Point: engine.ScreenPoint{X: p.X, Y: p.Y}}
		if p.Kind == "click" {
			ev.Kind = hittest.Click
		}
		s.goRun(func() {
			if err := s.hits.OnPointerEvent(s.ctx, ev); err != nil && s.ctx.Err() == nil {
				s.log.Warn("session_pointer_error", "err", err)
			}
		})
	case TypeSelect:
		var p SelectPayload
		if err := env.decode(&p); err != nil {
			return err
		}
		if _, err := s.hits.Select(ctx, p.Name); err != nil {
			if errors.Is(err, hittest.ErrRegionNotFound) {
				return s.send(TypeError, ErrorPayload{Message: err.Error()})
			}
			return err
		}
	case TypeViewport:
		var vp engine.Viewport
		if err := env.decode(&vp); err != nil {
			return err
		}
		return s.ctl.SetViewport(ctx, vp)
	case TypePosition:
		var p PositionPayload
		if err := env.decode(&p); err != nil {
			return err
		}
		if s.client == nil || !s.client.Deliver(p.ID, p.coordinate(), p.Accuracy) {
			s.log.Debug("session_position_unsolicited", "id", p.ID)
		}
	case TypePositionError:
		var p PositionErrorPayload
		if err := env.decode(&p); err != nil {
			return err
		}
		if s.client == nil || !s.client.Fail(p.ID, p.Code, p.Message) {
			s.log.Debug("session_position_error_unsolicited", "id", p.ID, "code", p.Code)
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownMessage, env.Type)
	}
	return nil
}

// ShowRegion：详情面板
func (s *Session) ShowRegion(attrs dataset.RegionAttributes) {
	_ = s.send(TypePanel, attrs)
}

// Notify：用户可见消息
func (s *Session) Notify(kind geoloc.ErrorKind, text string) {
	_ = s.send(TypeMessage, MessagePayload{Kind: kind.String(), Text: text})
}

func (s *Session) send(typ string, data any) error {
	metrics.WSMessagesTotal.WithLabelValues("out", typ).Inc()
	if err := s.out.Send(Outbound{Type: typ, Data: data}); err != nil {
		s.log.Debug("session_send_error", "type", typ, "err", err)
		return err
	}
	return nil
}

// Controller：会话的地图状态控制器
func (s *Session) Controller() *mapstate.Controller { return s.ctl }

func (s *Session) Resolver() *geoloc.Resolver { return s.resolver }

// Close：幂等；等待会话内后台任务退出
func (s *Session) Close() {
	s.once.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		s.cancel()
		s.controls.Close()
		s.ctl.Close()
		if s.unwatch != nil {
			s.unwatch()
		}
		s.wg.Wait()
		s.log.Info("session_close")
	})
}

package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	ControlSignalsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "regionmap_control_signals_total",
		Help: "Control signals applied by the map state controller",
	}, []string{"kind", "result"})
	BasemapSwitchDurationMs = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "regionmap_basemap_switch_duration_ms",
		Help:    "Basemap switch duration until view ready in milliseconds",
		Buckets: []float64{1, 5, 10, 20, 50, 100, 200, 500, 1000},
	})
	RendererSwapsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "regionmap_renderer_swaps_total",
		Help: "Renderer specs swapped into the thematic layer",
	})
	HighlightStaleTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "regionmap_highlight_stale_total",
		Help: "Highlight requests discarded because a newer one was applied",
	}, []string{"slot"})
	HitTestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "regionmap_hittests_total",
		Help: "Pointer hit-tests by outcome",
	}, []string{"outcome"})
	HitTestDurationMs = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "regionmap_hittest_duration_ms",
		Help:    "Hit-test duration in milliseconds",
		Buckets: []float64{1, 5, 10, 20, 50, 100, 200, 500, 1000},
	})
	GeolocationTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "regionmap_geolocation_total",
		Help: "Geolocation resolutions by final state and error kind",
	}, []string{"state", "kind"})
	SessionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "regionmap_sessions_active",
		Help: "Open map sessions",
	})
	WSMessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "regionmap_ws_messages_total",
		Help: "Websocket messages by direction and type",
	}, []string{"dir", "type"})
	RevgeoCacheHitsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "regionmap_revgeo_cache_hits_total",
		Help: "Spatial index cache hits by tier",
	}, []string{"tier"})
	RevgeoCacheMissesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "regionmap_revgeo_cache_misses_total",
		Help: "Spatial index cache misses",
	})
)

func init() {
	prometheus.MustRegister(ControlSignalsTotal)
	prometheus.MustRegister(BasemapSwitchDurationMs)
	prometheus.MustRegister(RendererSwapsTotal)
	prometheus.MustRegister(HighlightStaleTotal)
	prometheus.MustRegister(HitTestsTotal)
	prometheus.MustRegister(HitTestDurationMs)
	prometheus.MustRegister(GeolocationTotal)
	prometheus.MustRegister(SessionsActive)
	prometheus.MustRegister(WSMessagesTotal)
	prometheus.MustRegister(RevgeoCacheHitsTotal)
	prometheus.MustRegister(RevgeoCacheMissesTotal)
}

// 文档注释：返回 Prometheus 指标监听器
// 背景：统一暴露注册指标到 /metrics 路径，供 Prometheus 抓取；在主入口挂载。
func Handler() http.Handler { return promhttp.Handler() }

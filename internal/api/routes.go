// 包 api：集中注册 HTTP 路由以解耦主入口；REST 查询、会话升级、前端配置与静态文件
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"subregion-map/internal/dataset"
	"subregion-map/internal/geoloc"
	"subregion-map/internal/logger"
	"subregion-map/internal/metrics"
	"subregion-map/internal/revgeo"
	"subregion-map/internal/version"
)

// Check：健康检查项（数据库、缓存等），返回 nil 表示正常
type Check func(ctx context.Context) error

// 文档注释：路由依赖
// 背景：由入口装配；Index 随数据集刷新整体替换；Sessions 为 websocket 会话中心，Limit 为升级请求限流中间件，均可为空。
type Deps struct {
	Index          *revgeo.Live
	Fields         dataset.FieldMap
	Basemaps       []string
	DefaultBasemap string
	GeoIP          *geoloc.GeoIPDB
	Sessions       http.Handler
	SessionCount   func() int
	Limit          func(http.Handler) http.Handler
	Checks         map[string]Check
	APIBase        string
	UIDir          string
	DataSource     string
	Logger         *slog.Logger
}

type Handler struct {
	d   Deps
	log *slog.Logger
}

func New(d Deps) *Handler {
	if d.APIBase == "" {
		d.APIBase = "/api"
	}
	return &Handler{d: d, log: logger.Or(d.Logger)}
}

// Register：挂载 API 子路由到 APIBase
func (h *Handler) Register(r chi.Router) {
	r.Route(h.d.APIBase, func(api chi.Router) {
		api.Get("/basemaps", h.handleBasemaps)
		api.Get("/regions", h.handleRegions)
		api.Get("/regions/{name}", h.handleRegion)
		api.Get("/locate", h.handleLocate)
		api.Get("/healthz", h.handleHealth)
		api.Handle("/metrics", metrics.Handler())
	})
	if h.d.Sessions != nil {
		ws := h.d.Sessions
		if h.d.Limit != nil {
			ws = h.d.Limit(ws)
		}
		r.Handle("/ws", ws)
	}
	r.Get("/config.js", h.handleConfig)
	if h.d.UIDir != "" {
		r.Handle("/*", http.FileServer(http.Dir(h.d.UIDir)))
	}
}

// BuildRoutes：构建完整路由树
func BuildRoutes(d Deps) http.Handler {
	r := chi.NewRouter()
	New(d).Register(r)
	return r
}

func (h *Handler) handleBasemaps(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, basemapsResult{Basemaps: h.d.Basemaps, Default: h.d.DefaultBasemap})
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	res := healthResult{Status: "ok", Checks: map[string]string{}}
	if ix := h.d.Index.Load(); ix != nil {
		res.Regions = ix.Len()
	}
	if h.d.SessionCount != nil {
		res.Sessions = h.d.SessionCount()
	}
	code := http.StatusOK
	for name, check := range h.d.Checks {
		if err := check(ctx); err != nil {
			h.log.Warn("health_check_error", "check", name, "err", err)
			res.Checks[name] = err.Error()
			res.Status = "degraded"
			code = http.StatusServiceUnavailable
			continue
		}
		res.Checks[name] = "ok"
	}
	writeJSON(w, code, res)
}

// NOTE: 向前端暴露 API 基础路径与底图列表，避免硬编码
func (h *Handler) handleConfig(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("content-type", "application/javascript; charset=utf-8")
	w.Header().Set("cache-control", "no-store")
	basemaps, _ := json.Marshal(h.d.Basemaps)
	var b strings.Builder
	fmt.Fprintf(&b, "window.__API_BASE__='%s'\n", h.d.APIBase)
	fmt.Fprintf(&b, "window.__WS_PATH__='/ws'\n")
	fmt.Fprintf(&b, "window.__BASEMAPS__=%s\n", basemaps)
	fmt.Fprintf(&b, "window.__BASEMAP_DEFAULT__='%s'\n", h.d.DefaultBasemap)
	fmt.Fprintf(&b, "window.__DATA_SOURCE__='%s'\n", h.d.DataSource)
	fmt.Fprintf(&b, "window.__COMMIT_SHA__='%s'", version.Commit)
	_, _ = w.Write([]byte(b.String()))
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("content-type", "application/json; charset=utf-8")
	w.Header().Set("cache-control", "no-store")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, errorResult{Error: msg})
}

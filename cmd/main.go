// 程序入口：仅负责读取配置、初始化依赖并启动服务；路由注册在 internal/api，会话装配在 internal/session
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/paulmach/orb/geojson"
	"golang.org/x/sync/errgroup"

	"subregion-map/internal/api"
	"subregion-map/internal/dataset"
	"subregion-map/internal/engine"
	"subregion-map/internal/engine/local"
	"subregion-map/internal/geoloc"
	"subregion-map/internal/logger"
	"subregion-map/internal/middleware"
	"subregion-map/internal/migrate"
	"subregion-map/internal/revgeo"
	"subregion-map/internal/session"
	"subregion-map/internal/store"
	"subregion-map/internal/utils"
	"subregion-map/internal/version"
)

func main() {
	_ = godotenv.Load(".env")
	_ = godotenv.Load(filepath.Join("data", "env", ".env"))
	// 日志初始化
	l := logger.Setup()
	l.Debug("log_init_ok", "commit", version.Commit)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, l); err != nil {
		l.Error("fatal", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, l *slog.Logger) error {
	fields := dataset.FieldMapFromEnv()
	checks := map[string]api.Check{}

	// 数据集来源：文件或 PostgreSQL；加载失败直接退出
	source := utils.EnvString("DATASET_SOURCE", "file")
	var src dataset.Source
	switch source {
	case "postgres":
		db, err := utils.OpenPostgresFromEnv()
		if err != nil {
			return fmt.Errorf("open postgres: %w", err)
		}
		defer db.Close()
		if err := db.PingContext(ctx); err != nil {
			return fmt.Errorf("ping postgres: %w", err)
		}
		l.Info("db_ping_ok")
		if err := migrate.EnsureSchema(db); err != nil {
			return fmt.Errorf("schema: %w", err)
		}
		st := store.AttachDB(db, fields)
		if n, err := st.Count(ctx); err == nil {
			l.Info("db_regions", "count", n)
		}
		src = st
		checks["postgres"] = db.PingContext
	default:
		path := utils.EnvString("DATASET_PATH", filepath.Join("data", "regions", "subregions.geojson"))
		l.Debug("config_dataset_path", "path", path)
		src = dataset.FileSource{Path: path}
	}
	fc, err := src.Load(ctx)
	if err != nil {
		return fmt.Errorf("load dataset: %w", err)
	}

	// 点查询缓存：进程内 LRU，可选 Redis 二级缓存（按数据集版本隔离）；每次重建索引时新建
	ttl := time.Duration(utils.EnvInt("REVGEO_CACHE_TTL_S", 3600)) * time.Second
	rc := utils.OpenRedisFromEnv()
	if rc == nil {
		l.Info("redis_disabled")
	} else {
		defer rc.Close()
		if err := rc.Ping(ctx).Err(); err != nil {
			l.Error("redis_ping_error", "err", err)
			rc = nil
		} else {
			l.Info("redis_ping_ok")
		}
		checks["redis"] = func(ctx context.Context) error {
			if rc == nil {
				return errors.New("redis unavailable at startup")
			}
			return rc.Ping(ctx).Err()
		}
	}
	buildIndex := func(fc *geojson.FeatureCollection, version string) (*revgeo.Index, error) {
		var cache revgeo.Cache = revgeo.NewLRU(utils.EnvInt("REVGEO_CACHE_SIZE", 4096), ttl)
		if rc != nil {
			cache = revgeo.Tiered{L1: cache, L2: revgeo.NewRedisCache(rc, version, ttl)}
		}
		return revgeo.NewIndex(fc, fields.Subregion, revgeo.WithCache(cache))
	}
	first, err := buildIndex(fc, dataset.Version(fc))
	if err != nil {
		return fmt.Errorf("build index: %w", err)
	}
	live := revgeo.NewLive(first)
	l.Info("dataset_ready", "source", source, "regions", first.Len(), "version", dataset.Version(fc))

	// 定位：默认由浏览器上报；LOCATOR=geoip 时按访问者 IP 查询 mmdb
	var geoip *geoloc.GeoIPDB
	if p := os.Getenv("GEOIP_PATH"); p != "" {
		if geoip, err = geoloc.OpenGeoIP(p); err != nil {
			l.Error("geoip_open_error", "path", p, "err", err)
		} else {
			defer geoip.Close()
			l.Info("geoip_ready", "path", p)
		}
	}

	basemaps := utils.EnvList("BASEMAPS", []string{"topo", "streets", "satellite"})
	cfg := session.Config{
		Engine: local.New(basemaps...),
		NewLayer: func(string) engine.FeatureLayer {
			return local.NewLayer("subregions", live.Load())
		},
		Basemaps:       basemaps,
		DefaultBasemap: utils.EnvString("BASEMAP_DEFAULT", "streets"),
		Viewport: engine.Viewport{
			Center: engine.Coordinate{
				Lon: utils.EnvFloat("MAP_CENTER_LON", 0.1278),
				Lat: utils.EnvFloat("MAP_CENTER_LAT", 51.5074),
			},
			Zoom: utils.EnvFloat("MAP_ZOOM", 10),
		},
		Opacity: utils.EnvFloat("LAYER_OPACITY", 1),
		Fields:  fields,
		Geo: geoloc.Options{
			Timeout:      utils.EnvMillis("GEO_TIMEOUT_MS", 40*time.Second),
			MaximumAge:   utils.EnvMillis("GEO_MAX_AGE_MS", 560*time.Second),
			HighAccuracy: utils.EnvBool("GEO_HIGH_ACCURACY", false),
		},
		Locator: utils.EnvString("LOCATOR", session.LocatorClient),
		GeoIP:   geoip,
		Logger:  l,
	}
	hub := session.NewHub(cfg)

	apiBase := utils.EnvString("API_BASE", "/api")
	l.Debug("config_api_base", "base", apiBase)
	routes := api.BuildRoutes(api.Deps{
		Index:          live,
		Fields:         fields,
		Basemaps:       basemaps,
		DefaultBasemap: cfg.DefaultBasemap,
		GeoIP:          geoip,
		Sessions:       hub,
		SessionCount:   hub.Count,
		Limit:          middleware.FromEnv(),
		Checks:         checks,
		APIBase:        apiBase,
		UIDir:          utils.EnvString("UI_DIST", filepath.Join("ui", "dist")),
		DataSource:     source,
		Logger:         l,
	})

	addr := utils.EnvString("ADDR", ":8080")
	srv := &http.Server{
		Addr:              addr,
		Handler:           logger.AccessMiddleware(l)(routes),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		if utils.EnvBool("TLS_ENABLE", false) {
			cert := utils.EnvString("TLS_CERT_PATH", filepath.Join("data", "certs", "server.crt"))
			key := utils.EnvString("TLS_KEY_PATH", filepath.Join("data", "certs", "server.key"))
			if err := utils.EnsureSelfSignedCert(cert, key, "regionmap.local"); err != nil {
				return fmt.Errorf("tls cert: %w", err)
			}
			l.Info("listening_tls", "addr", addr, "cert", cert)
			err = srv.ListenAndServeTLS(cert, key)
		} else {
			l.Info("listening", "addr", addr)
			err = srv.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	if every := utils.EnvInt("DATASET_REFRESH_S", 0); every > 0 {
		r := dataset.NewRefresher(src, fc, time.Duration(every)*time.Second, func(next *geojson.FeatureCollection, version string) error {
			ix, err := buildIndex(next, version)
			if err != nil {
				return err
			}
			live.Store(ix)
			return nil
		})
		r.Logger = l
		g.Go(func() error { return r.Run(gctx) })
	}
	g.Go(func() error {
		<-gctx.Done()
		l.Info("shutdown_begin")
		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		// Shutdown 不处理已劫持的 websocket 连接，会话由 hub 单独关闭
		if err := hub.Shutdown(sctx); err != nil {
			l.Warn("hub_shutdown_error", "err", err)
		}
		return srv.Shutdown(sctx)
	})
	if err := g.Wait(); err != nil {
		return err
	}
	l.Info("shutdown_ok")
	return nil
}

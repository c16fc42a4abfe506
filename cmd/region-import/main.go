// 数据导入工具：读取 GeoJSON 区域数据集（本地文件或 URL）并批量写入 PostgreSQL
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"

	"subregion-map/internal/dataset"
	"subregion-map/internal/logger"
	"subregion-map/internal/migrate"
	"subregion-map/internal/store"
	"subregion-map/internal/utils"
)

func main() {
	_ = godotenv.Load(".env")
	_ = godotenv.Load(filepath.Join("data", "env", ".env"))
	src := flag.String("file", utils.EnvString("SRC_URL", filepath.Join("data", "regions", "subregions.geojson")), "GeoJSON file path or http(s) URL")
	batch := flag.Int("batch", 500, "features per transaction")
	only := flag.String("only", "", "upsert a single region by subregion name instead of importing all")
	list := flag.Bool("list", false, "print regions stored in the database and exit")
	flag.Parse()
	l := logger.Setup()
	fields := dataset.FieldMapFromEnv()

	ctx := context.Background()
	db, err := utils.OpenPostgresFromEnv()
	if err != nil {
		l.Error("db_open_error", "err", err)
		os.Exit(1)
	}
	defer db.Close()
	if err := migrate.EnsureSchema(db); err != nil {
		l.Error("schema_error", "err", err)
		os.Exit(1)
	}
	st := store.AttachDB(db, fields)

	// 仅列出已入库区域
	if *list {
		regions, err := st.ListRegions(ctx)
		if err != nil {
			l.Error("list_error", "err", err)
			os.Exit(1)
		}
		enc := json.NewEncoder(os.Stdout)
		for _, r := range regions {
			_ = enc.Encode(r)
		}
		l.Info("list_ok", "count", len(regions))
		return
	}

	fc, err := load(ctx, *src)
	if err != nil {
		l.Error("import_load_error", "src", *src, "err", err)
		os.Exit(1)
	}
	start := time.Now()
	if *only != "" {
		f, err := findFeature(fc, fields.Subregion, *only)
		if err != nil {
			l.Error("import_find_error", "name", *only, "err", err)
			os.Exit(1)
		}
		if err := st.UpsertRegion(ctx, f); err != nil {
			l.Error("import_upsert_error", "name", *only, "err", err)
			os.Exit(1)
		}
		l.Info("import_upsert_ok", "name", *only, "duration_ms", time.Since(start).Milliseconds())
		fmt.Println("upserted", *only)
		return
	}
	n, err := st.Import(ctx, fc, *batch)
	if err != nil {
		l.Error("import_error", "committed", n, "err", err)
		os.Exit(1)
	}
	l.Info("import_ok", "count", n, "version", dataset.Version(fc), "duration_ms", time.Since(start).Milliseconds())
	fmt.Println("imported", n)
}

// findFeature：按名称字段查找单个面要素
func findFeature(fc *geojson.FeatureCollection, field, name string) (*geojson.Feature, error) {
	for _, f := range fc.Features {
		if f == nil || f.Geometry == nil {
			continue
		}
		if v, _ := f.Properties[field].(string); strings.TrimSpace(v) != name {
			continue
		}
		switch f.Geometry.(type) {
		case orb.Polygon, orb.MultiPolygon:
			return f, nil
		}
		return nil, fmt.Errorf("region %q is not a polygon (%s)", name, f.Geometry.GeoJSONType())
	}
	return nil, fmt.Errorf("region %q not found in %s", name, field)
}

func load(ctx context.Context, src string) (*geojson.FeatureCollection, error) {
	if !strings.HasPrefix(src, "http://") && !strings.HasPrefix(src, "https://") {
		return dataset.LoadFile(src)
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src, nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("bad status %d", resp.StatusCode)
	}
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	fc, err := geojson.UnmarshalFeatureCollection(b)
	if err != nil {
		return nil, err
	}
	if len(fc.Features) == 0 {
		return nil, dataset.ErrNoFeatures
	}
	return fc, nil
}

// 包 store: 区域数据集的 PostgreSQL 访问层，提供要素加载与导入写入
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	_ "github.com/lib/pq"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"

	"subregion-map/internal/dataset"
	"subregion-map/internal/logger"
)

// Store: 数据库访问入口，持有连接池与字段映射
type Store struct {
	db     *sql.DB
	fields dataset.FieldMap
}

func AttachDB(db *sql.DB, fields dataset.FieldMap) *Store { return &Store{db: db, fields: fields} }

// Close: 关闭数据库连接
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

// 文档注释：加载全部区域为要素集合
// 背景：实现 dataset.Source；属性列保留原始字段，几何列为 GeoJSON；按名称排序保证加载顺序稳定。
// 约束：单条几何解析失败视为数据错误并中止，避免静默缺失区域。
func (s *Store) Load(ctx context.Context) (*geojson.FeatureCollection, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT sub_name, properties, geometry FROM _regions ORDER BY sub_name`)
	if err != nil {
		return nil, fmt.Errorf("query regions: %w", err)
	}
	defer rows.Close()
	fc := geojson.NewFeatureCollection()
	for rows.Next() {
		var name string
		var props, geom []byte
		if err := rows.Scan(&name, &props, &geom); err != nil {
			return nil, fmt.Errorf("scan region: %w", err)
		}
		g, err := geojson.UnmarshalGeometry(geom)
		if err != nil {
			return nil, fmt.Errorf("region %q geometry: %w", name, err)
		}
		f := geojson.NewFeature(g.Geometry())
		if len(props) > 0 {
			if err := json.Unmarshal(props, &f.Properties); err != nil {
				return nil, fmt.Errorf("region %q properties: %w", name, err)
			}
		}
		f.Properties[s.fields.Subregion] = name
		fc.Append(f)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(fc.Features) == 0 {
		return nil, dataset.ErrNoFeatures
	}
	logger.L().Debug("db_regions_loaded", "count", len(fc.Features))
	return fc, nil
}

const upsertRegionSQL = `INSERT INTO _regions(sub_name, reg_name, state, properties, geometry)
        VALUES($1,$2,$3,$4,$5)
        ON CONFLICT (sub_name) DO UPDATE SET reg_name=EXCLUDED.reg_name, state=EXCLUDED.state, properties=EXCLUDED.properties, geometry=EXCLUDED.geometry, updated_at=now()`

// regionRow: 要素转为写库参数；子区域名缺失视为数据错误
func (s *Store) regionRow(f *geojson.Feature) ([]any, error) {
	attrs := s.fields.Extract(f.Properties)
	if attrs.SubregionName == "" {
		return nil, fmt.Errorf("feature missing %s", s.fields.Subregion)
	}
	props, err := json.Marshal(f.Properties)
	if err != nil {
		return nil, err
	}
	geom, err := geojson.NewGeometry(f.Geometry).MarshalJSON()
	if err != nil {
		return nil, err
	}
	return []any{attrs.SubregionName, attrs.RegionName, attrs.State, string(props), string(geom)}, nil
}

// UpsertRegion: 按子区域名写入或覆盖一条区域
func (s *Store) UpsertRegion(ctx context.Context, f *geojson.Feature) error {
	args, err := s.regionRow(f)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, upsertRegionSQL, args...)
	return err
}

// 文档注释：批量导入要素集合
// 背景：事务内预编译写入，每 batch 条提交一次以降低锁与日志压力；非面要素跳过。
// 约束：某条写入失败时回滚当前批次并返回已提交条数。
func (s *Store) Import(ctx context.Context, fc *geojson.FeatureCollection, batch int) (int, error) {
	if batch <= 0 {
		batch = 500
	}
	var (
		tx        *sql.Tx
		stmt      *sql.Stmt
		committed int
		pending   int
	)
	begin := func() error {
		var err error
		if tx, err = s.db.BeginTx(ctx, nil); err != nil {
			return err
		}
		if stmt, err = tx.PrepareContext(ctx, upsertRegionSQL); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("prepare upsert: %w", err)
		}
		return nil
	}
	commit := func() error {
		stmt.Close()
		if err := tx.Commit(); err != nil {
			return err
		}
		committed += pending
		pending = 0
		return nil
	}
	if err := begin(); err != nil {
		return 0, err
	}
	for i, f := range fc.Features {
		if f == nil || f.Geometry == nil {
			continue
		}
		switch f.Geometry.(type) {
		case orb.Polygon, orb.MultiPolygon:
		default:
			logger.L().Debug("import_skip_geometry", "idx", i, "type", f.Geometry.GeoJSONType())
			continue
		}
		args, err := s.regionRow(f)
		if err == nil {
			_, err = stmt.ExecContext(ctx, args...)
		}
		if err != nil {
			_ = tx.Rollback()
			return committed, fmt.Errorf("feature %d: %w", i, err)
		}
		pending++
		if pending == batch {
			if err := commit(); err != nil {
				return committed, err
			}
			logger.L().Debug("import_batch_commit", "count", committed)
			if err := begin(); err != nil {
				return committed, err
			}
		}
	}
	if err := commit(); err != nil {
		return committed, err
	}
	return committed, nil
}

// ListRegions: 读取区域属性列表（不含几何）
func (s *Store) ListRegions(ctx context.Context) ([]dataset.RegionAttributes, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT sub_name, reg_name, state FROM _regions ORDER BY sub_name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []dataset.RegionAttributes
	for rows.Next() {
		var a dataset.RegionAttributes
		if err := rows.Scan(&a.SubregionName, &a.RegionName, &a.State); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// Count: 区域总数，用于启动自检
func (s *Store) Count(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(1) FROM _regions").Scan(&n)
	return n, err
}

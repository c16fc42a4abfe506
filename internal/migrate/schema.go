package migrate

import (
	"database/sql"

	"subregion-map/internal/logger"
)

// 背景：首次运行自动创建区域数据集表与索引，保障导入与加载
// 约束：使用 IF NOT EXISTS 避免与既有结构冲突；几何以 GeoJSON 文本存放，不依赖 PostGIS
func EnsureSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS _regions (
            id SERIAL PRIMARY KEY,
            sub_name TEXT NOT NULL,
            reg_name TEXT NOT NULL DEFAULT '',
            state TEXT NOT NULL DEFAULT '',
            properties JSONB NOT NULL DEFAULT '{}'::jsonb,
            geometry JSONB NOT NULL,
            updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
        )`,
		`CREATE UNIQUE INDEX IF NOT EXISTS uniq_region_sub_name ON _regions(sub_name)`,
		`CREATE INDEX IF NOT EXISTS idx_region_reg_name ON _regions(reg_name)`,
	}
	for i, s := range stmts {
		logger.L().Debug("schema_exec", "idx", i)
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	logger.L().Debug("schema_done")
	return nil
}

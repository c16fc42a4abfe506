package utils

import (
	"database/sql"
	"net/url"

	_ "github.com/lib/pq"
)

// 文档注释：从环境变量拼装 PostgreSQL DSN
// 背景：仅当 DATASET_SOURCE=postgres 或运行导入工具时需要数据库；密码做 URL 转义。
func BuildPostgresDSNFromEnv() string {
	u := url.URL{
		Scheme: "postgres",
		Host:   EnvString("PG_HOST", "localhost") + ":" + EnvString("PG_PORT", "5432"),
		Path:   "/" + EnvString("PG_DB", "regionmap"),
	}
	user := EnvString("PG_USER", "postgres")
	if pass := EnvString("PG_PASSWORD", ""); pass != "" {
		u.User = url.UserPassword(user, pass)
	} else {
		u.User = url.User(user)
	}
	q := url.Values{}
	q.Set("sslmode", EnvString("PG_SSLMODE", "disable"))
	u.RawQuery = q.Encode()
	return u.String()
}

func OpenPostgresFromEnv() (*sql.DB, error) {
	db, err := sql.Open("postgres", BuildPostgresDSNFromEnv())
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(EnvInt("PG_MAX_OPEN_CONNS", 10))
	db.SetMaxIdleConns(EnvInt("PG_MAX_IDLE_CONNS", 5))
	return db, nil
}

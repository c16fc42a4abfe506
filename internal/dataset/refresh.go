package dataset

import (
	"context"
	"log/slog"
	"time"

	"github.com/paulmach/orb/geojson"

	"subregion-map/internal/logger"
)

// 文档注释：数据集定时刷新
// 背景：导入工具更新数据库后，服务进程按固定间隔重新加载；内容摘要变化时回调 OnChange 以重建索引。
// 约束：加载或回调失败只记录日志，保留当前数据集，下一周期重试；Run 在 ctx 结束时返回。
type Refresher struct {
	Source   Source
	Interval time.Duration
	OnChange func(fc *geojson.FeatureCollection, version string) error
	Logger   *slog.Logger

	version string
}

// NewRefresher：current 为启动时已加载的数据集，用于初始版本
func NewRefresher(src Source, current *geojson.FeatureCollection, interval time.Duration, onChange func(*geojson.FeatureCollection, string) error) *Refresher {
	return &Refresher{Source: src, Interval: interval, OnChange: onChange, version: Version(current)}
}

func (r *Refresher) Version() string { return r.version }

// Check：执行一次加载与比对；返回是否发生了替换
func (r *Refresher) Check(ctx context.Context) (bool, error) {
	fc, err := r.Source.Load(ctx)
	if err != nil {
		return false, err
	}
	v := Version(fc)
	if v == r.version {
		return false, nil
	}
	if err := r.OnChange(fc, v); err != nil {
		return false, err
	}
	logger.Or(r.Logger).Info("dataset_refreshed", "from", r.version, "to", v, "features", len(fc.Features))
	r.version = v
	return true, nil
}

func (r *Refresher) Run(ctx context.Context) error {
	l := logger.Or(r.Logger)
	t := time.NewTicker(r.Interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if _, err := r.Check(ctx); err != nil && ctx.Err() == nil {
				l.Error("dataset_refresh_error", "err", err)
			}
		}
	}
}

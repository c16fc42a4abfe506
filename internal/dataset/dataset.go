// 包 dataset：区域数据集的加载与属性提取
package dataset

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"os"

	"github.com/paulmach/orb/geojson"

	"subregion-map/internal/logger"
)

var ErrNoFeatures = errors.New("dataset: no features")

// 文档注释：属性字段映射
// 背景：不同数据源的字段命名不同；默认值对应 IBRA7 子区域数据集。
type FieldMap struct {
	Subregion string
	Region    string
	State     string
}

func DefaultFieldMap() FieldMap {
	return FieldMap{Subregion: "SUB_NAME_7", Region: "REG_NAME_7", State: "STA_CODE"}
}

// FieldMapFromEnv：FIELD_SUBREGION / FIELD_REGION / FIELD_STATE 覆盖默认值
func FieldMapFromEnv() FieldMap {
	fm := DefaultFieldMap()
	if v := os.Getenv("FIELD_SUBREGION"); v != "" {
		fm.Subregion = v
	}
	if v := os.Getenv("FIELD_REGION"); v != "" {
		fm.Region = v
	}
	if v := os.Getenv("FIELD_STATE"); v != "" {
		fm.State = v
	}
	return fm
}

// RegionAttributes：详情面板展示的只读属性
type RegionAttributes struct {
	SubregionName string `json:"subregionName"`
	RegionName    string `json:"regionName"`
	State         string `json:"state"`
}

// Extract：从要素属性中按字段映射读取；缺失字段为空串
func (fm FieldMap) Extract(props map[string]any) RegionAttributes {
	return RegionAttributes{
		SubregionName: str(props, fm.Subregion),
		RegionName:    str(props, fm.Region),
		State:         str(props, fm.State),
	}
}

func str(m map[string]any, k string) string {
	switch v := m[k].(type) {
	case string:
		return v
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

// Source：数据集来源（文件或数据库）
type Source interface {
	Load(ctx context.Context) (*geojson.FeatureCollection, error)
}

// FileSource：本地 GeoJSON 文件
type FileSource struct {
	Path string
}

func (s FileSource) Load(ctx context.Context) (*geojson.FeatureCollection, error) {
	return LoadFile(s.Path)
}

// LoadFile：读取并解析 GeoJSON FeatureCollection
func LoadFile(path string) (*geojson.FeatureCollection, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read dataset %s: %w", path, err)
	}
	fc, err := geojson.UnmarshalFeatureCollection(b)
	if err != nil {
		return nil, fmt.Errorf("parse dataset %s: %w", path, err)
	}
	if len(fc.Features) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoFeatures, path)
	}
	logger.L().Debug("dataset_file_loaded", "path", path, "features", len(fc.Features))
	return fc, nil
}

// Version：数据集内容摘要，用作共享缓存键前缀
func Version(fc *geojson.FeatureCollection) string {
	b, err := fc.MarshalJSON()
	if err != nil {
		return "unknown"
	}
	sum := sha1.Sum(b)
	return hex.EncodeToString(sum[:6])
}

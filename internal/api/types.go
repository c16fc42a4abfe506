package api

import (
	"subregion-map/internal/dataset"
	"subregion-map/internal/engine"
)

// 文档注释：对外返回结构
// 约束：字段稳定；新增字段需评估前端依赖。

type basemapsResult struct {
	Basemaps []string `json:"basemaps"`
	Default  string   `json:"default"`
}

// regionResult：区域属性与包围盒（minLon, minLat, maxLon, maxLat）
type regionResult struct {
	dataset.RegionAttributes
	BBox   [4]float64        `json:"bbox"`
	Center engine.Coordinate `json:"center"`
}

type locateResult struct {
	Coordinate engine.Coordinate          `json:"coordinate"`
	Source     string                     `json:"source"`
	Accuracy   float64                    `json:"accuracy,omitempty"`
	Regions    []dataset.RegionAttributes `json:"regions"`
}

type healthResult struct {
	Status   string            `json:"status"`
	Regions  int               `json:"regions"`
	Sessions int               `json:"sessions"`
	Checks   map[string]string `json:"checks"`
}

type errorResult struct {
	Error string `json:"error"`
}

package api

import (
	"net/http"
	"sort"

	"github.com/go-chi/chi/v5"
	"github.com/paulmach/orb/geojson"

	"subregion-map/internal/dataset"
	"subregion-map/internal/engine"
	"subregion-map/internal/revgeo"
)

func (h *Handler) toResult(f revgeo.Feature) regionResult {
	c := f.Bound.Center()
	return regionResult{
		RegionAttributes: h.d.Fields.Extract(f.Properties),
		BBox:             [4]float64{f.Bound.Min.Lon(), f.Bound.Min.Lat(), f.Bound.Max.Lon(), f.Bound.Max.Lat()},
		Center:           engine.Coordinate{Lon: c.Lon(), Lat: c.Lat()},
	}
}

// handleRegions：全部区域属性，按子区域名排序；?state= 过滤
func (h *Handler) handleRegions(w http.ResponseWriter, r *http.Request) {
	ix := h.d.Index.Load()
	if ix == nil {
		writeError(w, http.StatusServiceUnavailable, "dataset not loaded")
		return
	}
	state := r.URL.Query().Get("state")
	out := make([]regionResult, 0, ix.Len())
	for _, f := range ix.All() {
		res := h.toResult(f)
		if state != "" && res.State != state {
			continue
		}
		out = append(out, res)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SubregionName < out[j].SubregionName })
	writeJSON(w, http.StatusOK, out)
}

// handleRegion：单个区域；?format=geojson 时返回带几何的 GeoJSON 要素
func (h *Handler) handleRegion(w http.ResponseWriter, r *http.Request) {
	ix := h.d.Index.Load()
	if ix == nil {
		writeError(w, http.StatusServiceUnavailable, "dataset not loaded")
		return
	}
	name := chi.URLParam(r, "name")
	f, ok := ix.Feature(name)
	if !ok {
		writeError(w, http.StatusNotFound, "region not found: "+name)
		return
	}
	if r.URL.Query().Get("format") == "geojson" {
		gf := geojson.NewFeature(f.Geometry)
		for k, v := range f.Properties {
			gf.Properties[k] = v
		}
		gf.BBox = geojson.NewBBox(f.Bound)
		w.Header().Set("content-type", "application/geo+json")
		b, err := gf.MarshalJSON()
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		_, _ = w.Write(b)
		return
	}
	writeJSON(w, http.StatusOK, h.toResult(f))
}

func (h *Handler) attributes(fs []revgeo.Feature) []dataset.RegionAttributes {
	out := make([]dataset.RegionAttributes, 0, len(fs))
	for _, f := range fs {
		out = append(out, h.d.Fields.Extract(f.Properties))
	}
	return out
}

package api

import (
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"subregion-map/internal/engine"
	"subregion-map/internal/geoloc"
	"subregion-map/internal/utils"
)

// 文档注释：坐标或 IP 所在区域查询
// 背景：优先 lon/lat 参数；否则按 ip 参数或访问者 IP 经 GeoIP 估算坐标，再走空间索引（带缓存）。
// 约束：未配置 GeoIP 且未给坐标时返回 400；坐标不在任何区域内时 regions 为空数组。
func (h *Handler) handleLocate(w http.ResponseWriter, r *http.Request) {
	ix := h.d.Index.Load()
	if ix == nil {
		writeError(w, http.StatusServiceUnavailable, "dataset not loaded")
		return
	}
	q := r.URL.Query()
	var res locateResult
	if q.Get("lon") != "" || q.Get("lat") != "" {
		lon, err1 := strconv.ParseFloat(q.Get("lon"), 64)
		lat, err2 := strconv.ParseFloat(q.Get("lat"), 64)
		if err1 != nil || err2 != nil || lon < -180 || lon > 180 || lat < -90 || lat > 90 {
			writeError(w, http.StatusBadRequest, "invalid lon/lat")
			return
		}
		res.Coordinate = engine.Coordinate{Lon: lon, Lat: lat}
		res.Source = "query"
	} else {
		if h.d.GeoIP == nil {
			writeError(w, http.StatusBadRequest, "lon/lat required")
			return
		}
		ip := q.Get("ip")
		if ip == "" {
			ip = utils.VisitorIP(r)
		}
		pos, err := h.d.GeoIP.Lookup(net.ParseIP(ip))
		if err != nil {
			var pe *geoloc.PositionError
			if errors.As(err, &pe) {
				writeError(w, http.StatusNotFound, pe.Message)
				return
			}
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		res.Coordinate = pos.Coordinate
		res.Accuracy = pos.Accuracy
		res.Source = "geoip"
	}
	t := time.Now()
	found := ix.Locate(r.Context(), res.Coordinate.Point())
	res.Regions = h.attributes(found)
	h.log.Debug("locate", "source", res.Source, "lon", res.Coordinate.Lon, "lat", res.Coordinate.Lat,
		"regions", len(found), "duration_ms", time.Since(t).Milliseconds())
	writeJSON(w, http.StatusOK, res)
}

package geoloc

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/oschwald/geoip2-golang"
	"github.com/oschwald/maxminddb-golang"

	"subregion-map/internal/engine"
	"subregion-map/internal/logger"
)

// 文档注释：IP 定位库
// 背景：City 类库走 geoip2 的结构化查询；其他 mmdb（如 ipinfo lite）按原始记录读取 location.latitude/longitude。
// 约束：只读，可被多个会话并发使用。
type GeoIPDB struct {
	city *geoip2.Reader
	raw  *maxminddb.Reader
}

// OpenGeoIP：按数据库类型选择读取方式
func OpenGeoIP(path string) (*GeoIPDB, error) {
	r, err := geoip2.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open geoip %s: %w", path, err)
	}
	dbType := r.Metadata().DatabaseType
	if strings.Contains(dbType, "City") {
		logger.L().Info("geoip_open_ok", "path", path, "type", dbType, "mode", "city")
		return &GeoIPDB{city: r}, nil
	}
	_ = r.Close()
	raw, err := maxminddb.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open mmdb %s: %w", path, err)
	}
	logger.L().Info("geoip_open_ok", "path", path, "type", dbType, "mode", "raw")
	return &GeoIPDB{raw: raw}, nil
}

type rawRecord struct {
	Location struct {
		Latitude       float64 `maxminddb:"latitude"`
		Longitude      float64 `maxminddb:"longitude"`
		AccuracyRadius uint16  `maxminddb:"accuracy_radius"`
	} `maxminddb:"location"`
}

// Lookup：IP 到坐标；库中无记录或坐标为零时返回 PositionUnavailable
func (db *GeoIPDB) Lookup(ip net.IP) (Position, error) {
	if ip == nil {
		return Position{}, &PositionError{Kind: PositionUnavailable, Message: "no client address"}
	}
	var lat, lon float64
	var radiusKm uint16
	switch {
	case db != nil && db.city != nil:
		rec, err := db.city.City(ip)
		if err != nil {
			return Position{}, &PositionError{Kind: Unknown, Message: err.Error()}
		}
		lat, lon, radiusKm = rec.Location.Latitude, rec.Location.Longitude, rec.Location.AccuracyRadius
	case db != nil && db.raw != nil:
		var rec rawRecord
		if err := db.raw.Lookup(ip, &rec); err != nil {
			return Position{}, &PositionError{Kind: Unknown, Message: err.Error()}
		}
		lat, lon, radiusKm = rec.Location.Latitude, rec.Location.Longitude, rec.Location.AccuracyRadius
	default:
		return Position{}, &PositionError{Kind: PositionUnavailable, Message: ErrNoLocator.Error()}
	}
	if lat == 0 && lon == 0 {
		return Position{}, &PositionError{Kind: PositionUnavailable, Message: "address not in database: " + ip.String()}
	}
	return Position{
		Coordinate: engine.Coordinate{Lon: lon, Lat: lat},
		Accuracy:   float64(radiusKm) * 1000,
		Timestamp:  time.Now(),
	}, nil
}

func (db *GeoIPDB) Close() error {
	if db == nil {
		return nil
	}
	if db.city != nil {
		return db.city.Close()
	}
	if db.raw != nil {
		return db.raw.Close()
	}
	return nil
}

// Locator：绑定某个客户端地址的定位器
func (db *GeoIPDB) Locator(addr string) *GeoIPLocator {
	return &GeoIPLocator{db: db, ip: net.ParseIP(strings.TrimSpace(addr))}
}

// GeoIPLocator：按会话来源 IP 定位；精度参数不适用
type GeoIPLocator struct {
	db *GeoIPDB
	ip net.IP
}

func (l *GeoIPLocator) CurrentPosition(ctx context.Context, _ Options) (Position, error) {
	if err := ctx.Err(); err != nil {
		return Position{}, err
	}
	return l.db.Lookup(l.ip)
}

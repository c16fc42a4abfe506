// 包 session：每个宿主 UI 连接一个会话；负责消息编解码、组件装配与 websocket 传输
package session

import (
	"encoding/json"
	"errors"
	"fmt"

	"subregion-map/internal/dataset"
	"subregion-map/internal/engine"
	"subregion-map/internal/geoloc"
)

var ErrUnknownMessage = errors.New("session: unknown message type")

// 入站消息类型
const (
	TypeBasemap       = "basemap"
	TypeOpacity       = "opacity"
	TypeOutline       = "outline"
	TypePopup         = "popup"
	TypePointer       = "pointer"
	TypeSelect        = "select"
	TypeViewport      = "viewport"
	TypePosition      = "position"
	TypePositionError = "position_error"
)

// 出站消息类型
const (
	TypeMapLoaded  = "map_loaded"
	TypeLayer      = "layer"
	TypePanel      = "panel"
	TypeMessage    = "message"
	TypeGeolocate  = "geolocate"
	TypeUserRegion = "user_region"
	TypeRegions    = "regions"
	TypeError      = "error"
)

// Envelope：入站消息，Data 按 Type 延迟解码
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Outbound：出站消息
type Outbound struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

type BasemapPayload struct {
	Name string `json:"name"`
}

type OpacityPayload struct {
	Value float64 `json:"value"`
}

type PopupPayload struct {
	Enabled bool `json:"enabled"`
}

// PointerPayload：kind 为 move 或 click，坐标为视图像素
type PointerPayload struct {
	Kind string  `json:"kind"`
	X    float64 `json:"x"`
	Y    float64 `json:"y"`
}

type SelectPayload struct {
	Name string `json:"name"`
}

type PositionPayload struct {
	ID       string  `json:"id"`
	Lon      float64 `json:"lon"`
	Lat      float64 `json:"lat"`
	Accuracy float64 `json:"accuracy"`
}

// PositionErrorPayload：code 取浏览器 GeolocationPositionError.code
type PositionErrorPayload struct {
	ID      string `json:"id"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type MessagePayload struct {
	Kind string `json:"kind"`
	Text string `json:"text"`
}

type UserRegionPayload struct {
	Region *dataset.RegionAttributes `json:"region"`
	Fix    geoloc.UserFix            `json:"fix"`
}

type ErrorPayload struct {
	Message string `json:"message"`
}

type MapLoadedPayload struct {
	Basemap string `json:"basemap"`
}

// Decode：解析外层消息并校验类型
func Decode(b []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode message: %w", err)
	}
	switch env.Type {
	case TypeBasemap, TypeOpacity, TypeOutline, TypePopup, TypePointer,
		TypeSelect, TypeViewport, TypePosition, TypePositionError:
		return env, nil
	}
	return Envelope{}, fmt.Errorf("%w: %q", ErrUnknownMessage, env.Type)
}

func (e Envelope) decode(v any) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("%s: missing data", e.Type)
	}
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("%s: %w", e.Type, err)
	}
	return nil
}

func (p PositionPayload) coordinate() engine.Coordinate {
	return engine.Coordinate{Lon: p.Lon, Lat: p.Lat}
}

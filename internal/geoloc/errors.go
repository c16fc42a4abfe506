// 包 geoloc：用户定位与所在区域识别（一次性解析并缓存）
package geoloc

import (
	"context"
	"errors"
	"time"

	"subregion-map/internal/engine"
)

var ErrNoLocator = errors.New("geoloc: no locator configured")

// ErrorKind：定位失败类别
type ErrorKind int

const (
	KindNone ErrorKind = iota
	PermissionDenied
	PositionUnavailable
	Timeout
	Unknown
)

func (k ErrorKind) String() string {
	switch k {
	case KindNone:
		return "none"
	case PermissionDenied:
		return "permission_denied"
	case PositionUnavailable:
		return "position_unavailable"
	case Timeout:
		return "timeout"
	}
	return "unknown"
}

// Message：按类别给出的用户可见提示
func Message(k ErrorKind) string {
	switch k {
	case PermissionDenied:
		return "Error: Location not provided"
	case PositionUnavailable:
		return "Current location is not available"
	case Timeout:
		return "Timeout Error: Could not obtain location information"
	}
	return "unknown error"
}

// KindFromCode：浏览器 GeolocationPositionError.code（1/2/3）到类别
func KindFromCode(code int) ErrorKind {
	switch code {
	case 1:
		return PermissionDenied
	case 2:
		return PositionUnavailable
	case 3:
		return Timeout
	}
	return Unknown
}

// PositionError：定位失败
type PositionError struct {
	Kind    ErrorKind
	Message string
}

func (e *PositionError) Error() string {
	if e.Message != "" {
		return "geoloc: " + e.Kind.String() + ": " + e.Message
	}
	return "geoloc: " + e.Kind.String()
}

// KindOf：任意错误归类；超时的 context 视为 Timeout
func KindOf(err error) ErrorKind {
	if err == nil {
		return KindNone
	}
	var pe *PositionError
	if errors.As(err, &pe) {
		return pe.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Timeout
	}
	return Unknown
}

// Options：透传给定位服务的参数
type Options struct {
	Timeout      time.Duration `json:"timeout"`
	MaximumAge   time.Duration `json:"maximumAge"`
	HighAccuracy bool          `json:"enableHighAccuracy"`
}

func DefaultOptions() Options {
	return Options{Timeout: 40 * time.Second, MaximumAge: 560 * time.Second}
}

// Position：一次定位结果；Accuracy 单位为米
type Position struct {
	Coordinate engine.Coordinate `json:"coordinate"`
	Accuracy   float64           `json:"accuracy"`
	Timestamp  time.Time         `json:"timestamp"`
}

// Locator：设备或网络定位服务
type Locator interface {
	CurrentPosition(ctx context.Context, opts Options) (Position, error)
}

// Notifier：用户可见消息（宿主 UI 弹窗）
type Notifier interface {
	Notify(kind ErrorKind, message string)
}

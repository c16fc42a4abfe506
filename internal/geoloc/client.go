package geoloc

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"subregion-map/internal/engine"
)

// GeolocateRequest：发给宿主 UI 的定位请求；浏览器据此调用 getCurrentPosition
type GeolocateRequest struct {
	ID           string `json:"id"`
	TimeoutMs    int64  `json:"timeout"`
	MaximumAgeMs int64  `json:"maximumAge"`
	HighAccuracy bool   `json:"enableHighAccuracy"`
}

type clientReply struct {
	pos Position
	err error
}

// 文档注释：浏览器定位
// 背景：通过会话向宿主 UI 发出 geolocate 请求，等待 position / position_error 回复；请求 ID 用于匹配回复。
// 约束：超时以 ctx 截止时间为准，映射为 Timeout；迟到的回复被丢弃。
type ClientLocator struct {
	send func(GeolocateRequest) error

	mu      sync.Mutex
	pending map[string]chan clientReply
}

func NewClientLocator(send func(GeolocateRequest) error) *ClientLocator {
	return &ClientLocator{send: send, pending: make(map[string]chan clientReply)}
}

func (c *ClientLocator) CurrentPosition(ctx context.Context, opts Options) (Position, error) {
	id := uuid.NewString()
	ch := make(chan clientReply, 1)
	c.mu.Lock()
	c.pending[id] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	req := GeolocateRequest{
		ID:           id,
		TimeoutMs:    opts.Timeout.Milliseconds(),
		MaximumAgeMs: opts.MaximumAge.Milliseconds(),
		HighAccuracy: opts.HighAccuracy,
	}
	if err := c.send(req); err != nil {
		return Position{}, &PositionError{Kind: PositionUnavailable, Message: err.Error()}
	}
	select {
	case rep := <-ch:
		return rep.pos, rep.err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return Position{}, &PositionError{Kind: Timeout, Message: "no reply from client"}
		}
		return Position{}, ctx.Err()
	}
}

// Deliver：宿主 UI 回复定位成功；id 为空时交给任一等待中的请求
func (c *ClientLocator) Deliver(id string, coord engine.Coordinate, accuracy float64) bool {
	return c.reply(id, clientReply{pos: Position{Coordinate: coord, Accuracy: accuracy, Timestamp: time.Now()}})
}

// Fail：宿主 UI 回复定位失败，code 为 GeolocationPositionError.code
func (c *ClientLocator) Fail(id string, code int, message string) bool {
	return c.reply(id, clientReply{err: &PositionError{Kind: KindFromCode(code), Message: message}})
}

func (c *ClientLocator) reply(id string, rep clientReply) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch, ok := c.pending[id]
	if !ok && id == "" {
		for k, v := range c.pending {
			id, ch, ok = k, v, true
			break
		}
	}
	if !ok {
		return false
	}
	delete(c.pending, id)
	ch <- rep
	return true
}

// inflight：等待回复的请求数
func (c *ClientLocator) inflight() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

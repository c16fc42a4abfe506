package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	readTimeout  = 60 * time.Second
	writeTimeout = 10 * time.Second
	pingInterval = 20 * time.Second
	maxMessage   = 64 << 10
)

var ErrConnClosed = errors.New("session: connection closed")

// 文档注释：websocket 连接封装
// 背景：读超时由 pong 回调续期；定时 ping 保活；所有写入共用一把锁，gorilla 连接不支持并发写。
type Conn struct {
	ws      *websocket.Conn
	writeMu sync.Mutex
	closed  bool
}

func NewConn(ws *websocket.Conn) *Conn {
	ws.SetReadLimit(maxMessage)
	_ = ws.SetReadDeadline(time.Now().Add(readTimeout))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(readTimeout))
	})
	return &Conn{ws: ws}
}

func (c *Conn) Send(msg Outbound) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.closed {
		return ErrConnClosed
	}
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.ws.WriteJSON(msg)
}

// ReadLoop：逐条读取并交给 handle；连接出错或 ctx 结束时返回
func (c *Conn) ReadLoop(ctx context.Context, handle func([]byte)) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		_, b, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return err
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(readTimeout))
		handle(b)
	}
}

// PingLoop：定时发送 ping；写失败即返回
func (c *Conn) PingLoop(ctx context.Context) error {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			c.writeMu.Lock()
			err := c.ws.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(5*time.Second))
			c.writeMu.Unlock()
			if err != nil {
				return err
			}
		}
	}
}

// Close：发送关闭帧后断开；可重复调用
func (c *Conn) Close() error {
	c.writeMu.Lock()
	if c.closed {
		c.writeMu.Unlock()
		return nil
	}
	c.closed = true
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	c.writeMu.Unlock()
	return c.ws.Close()
}

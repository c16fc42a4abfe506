package session

import (
	"context"
	"log/slog"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"subregion-map/internal/logger"
	"subregion-map/internal/metrics"
	"subregion-map/internal/utils"
)

// 文档注释：会话中心
// 背景：每个 websocket 升级请求创建一个会话（uuid 标识）；读循环与 ping 循环由 errgroup 管理，任一退出即关闭会话。
// 约束：Shutdown 之后拒绝新的升级请求（503），关闭全部连接并等待会话退出。
type Hub struct {
	cfg      Config
	upgrader websocket.Upgrader
	log      *slog.Logger

	mu       sync.Mutex
	sessions map[string]*Session
	conns    map[string]*Conn
	closed   bool
	wg       sync.WaitGroup
}

func NewHub(cfg Config) *Hub {
	return &Hub{
		cfg: cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		log:      logger.Or(cfg.Logger),
		sessions: make(map[string]*Session),
		conns:    make(map[string]*Conn),
	}
}

// ServeHTTP：升级连接并运行会话直到断开
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// wg.Add 与 closed 在同一把锁下，Shutdown 开始后不会再有新的 Add
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		h.log.Debug("ws_reject_shutdown", "ip", utils.VisitorIP(r))
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	h.wg.Add(1)
	h.mu.Unlock()
	defer h.wg.Done()

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("ws_upgrade_error", "err", err)
		return
	}

	id := uuid.NewString()
	conn := NewConn(ws)
	defer conn.Close()
	s, err := New(r.Context(), id, h.cfg, conn, utils.VisitorIP(r))
	if err != nil {
		h.log.Error("session_init_error", "session", id, "err", err)
		_ = conn.Send(Outbound{Type: TypeError, Data: ErrorPayload{Message: "map failed to load"}})
		return
	}
	defer s.Close()
	if !h.add(id, s, conn) {
		h.log.Debug("ws_closed_during_shutdown", "session", id)
		return
	}
	defer h.remove(id)

	base, cancel := context.WithCancel(context.Background())
	defer cancel()
	g, ctx := errgroup.WithContext(base)
	g.Go(func() error {
		defer cancel()
		defer conn.Close()
		return conn.ReadLoop(ctx, func(b []byte) {
			env, err := Decode(b)
			if err == nil {
				err = s.Handle(ctx, env)
			}
			if err != nil {
				s.log.Debug("ws_message_error", "err", err)
				_ = conn.Send(Outbound{Type: TypeError, Data: ErrorPayload{Message: err.Error()}})
			}
		})
	})
	g.Go(func() error {
		err := conn.PingLoop(ctx)
		_ = conn.Close()
		return err
	})
	if err := g.Wait(); err != nil {
		h.log.Debug("ws_closed", "session", id, "err", err)
	}
}

// add：Shutdown 已开始时不登记，返回 false
func (h *Hub) add(id string, s *Session, c *Conn) bool {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return false
	}
	h.sessions[id] = s
	h.conns[id] = c
	h.mu.Unlock()
	metrics.SessionsActive.Inc()
	return true
}

func (h *Hub) remove(id string) {
	h.mu.Lock()
	delete(h.sessions, id)
	delete(h.conns, id)
	h.mu.Unlock()
	metrics.SessionsActive.Dec()
}

// Get：按 ID 查找会话
func (h *Hub) Get(id string) (*Session, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	s, ok := h.sessions[id]
	return s, ok
}

func (h *Hub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions)
}

// Shutdown：关闭全部连接，等待会话退出或 ctx 结束
func (h *Hub) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	h.closed = true
	conns := make([]*Conn, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()
	for _, c := range conns {
		_ = c.Close()
	}
	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

package speech

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// connRegistry 跟踪正在使用的上游 WebSocket 连接，Cleanup 时统一关闭。
type connRegistry struct {
	mu     sync.Mutex
	conns  map[string]*websocket.Conn
	closed bool
}

func newConnRegistry() *connRegistry {
	return &connRegistry{conns: make(map[string]*websocket.Conn)}
}

// track registers conn under id. The returned release closes the connection
// and forgets it; calling it more than once is harmless.
func (r *connRegistry) track(id string, conn *websocket.Conn) (release func(), err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		_ = conn.Close()
		return nil, fmt.Errorf("connection registry closed")
	}
	if old, ok := r.conns[id]; ok {
		_ = old.Close()
	}
	r.conns[id] = conn

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			if r.conns[id] == conn {
				delete(r.conns, id)
			}
			r.mu.Unlock()
			_ = conn.Close()
		})
	}, nil
}

func (r *connRegistry) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

// closeAll closes every tracked connection and refuses new ones.
func (r *connRegistry) closeAll() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := len(r.conns)
	for id, conn := range r.conns {
		_ = conn.Close()
		delete(r.conns, id)
	}
	r.closed = true
	return n
}

// reopen allows tracking again after closeAll.
func (r *connRegistry) reopen() {
	r.mu.Lock()
	r.closed = false
	r.mu.Unlock()
}

// upstreamDialer 建立带鉴权头的 WebSocket 连接，并在 ctx 结束时强制断开。
type upstreamDialer struct {
	dialer   *websocket.Dialer
	registry *connRegistry
}

func newUpstreamDialer(registry *connRegistry, handshakeTimeout time.Duration) *upstreamDialer {
	if handshakeTimeout <= 0 {
		handshakeTimeout = 30 * time.Second
	}
	return &upstreamDialer{
		dialer:   &websocket.Dialer{HandshakeTimeout: handshakeTimeout},
		registry: registry,
	}
}

type upstreamConn struct {
	*websocket.Conn
	ConnectID string
	LogID     string
	release   func()
	stop      func() bool
}

// Release stops the ctx watcher and closes the connection.
func (c *upstreamConn) Release() {
	c.stop()
	c.release()
}

func (d *upstreamDialer) dial(ctx context.Context, url, appKey, accessKey, resourceID, connectID string) (*upstreamConn, error) {
	if connectID == "" {
		connectID = uuid.NewString()
	}

	header := http.Header{}
	header.Set("X-Api-App-Key", appKey)
	header.Set("X-Api-Access-Key", accessKey)
	header.Set("X-Api-Resource-Id", resourceID)
	header.Set("X-Api-Connect-Id", connectID)

	conn, resp, err := d.dialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket dial failed (status %d): %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("websocket dial failed: %w", err)
	}

	release, err := d.registry.track(connectID, conn)
	if err != nil {
		return nil, err
	}

	uc := &upstreamConn{
		Conn:      conn,
		ConnectID: connectID,
		release:   release,
		// 读循环阻塞在 ReadMessage 上，只能通过关闭连接让 ctx 生效
		stop: context.AfterFunc(ctx, release),
	}
	if resp != nil {
		uc.LogID = resp.Header.Get("X-Tt-Logid")
	}
	return uc, nil
}

package websocket

import (
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"im-sync/internal/config"
)

// Defaults used when the WEBSOCKET section leaves a value at zero.
const (
	defaultWriteWait      = 10 * time.Second
	defaultPongWait       = 60 * time.Second
	defaultMaxMessageSize = 512
)

// Client is a middleman between the websocket connection and the hub.
// UI 客户端只接收推送，读到的业务数据一律丢弃，读循环只用于处理 pong 和关闭。
type Client struct {
	hub *Hub

	// The websocket connection.
	conn *websocket.Conn

	// Buffered channel of outbound messages.
	send chan []byte

	remoteAddr string
}

type pumpTimings struct {
	writeWait  time.Duration
	pongWait   time.Duration
	pingPeriod time.Duration
	maxSize    int64
}

func timingsFrom(cfg config.WebSocketConfig) pumpTimings {
	t := pumpTimings{
		writeWait: time.Duration(cfg.WriteWaitSeconds) * time.Second,
		pongWait:  time.Duration(cfg.PongWaitSeconds) * time.Second,
		maxSize:   int64(cfg.MaxMessageSizeBytes),
	}
	if t.writeWait <= 0 {
		t.writeWait = defaultWriteWait
	}
	if t.pongWait <= 0 {
		t.pongWait = defaultPongWait
	}
	if t.maxSize <= 0 {
		t.maxSize = defaultMaxMessageSize
	}
	// Send pings to peer with this period. Must be less than pongWait.
	t.pingPeriod = time.Duration(cfg.PingPeriodSeconds) * time.Second
	if t.pingPeriod <= 0 || t.pingPeriod >= t.pongWait {
		t.pingPeriod = (t.pongWait * 9) / 10
	}
	return t
}

// readPump keeps the read side alive so control frames are processed.
func (c *Client) readPump(t pumpTimings) {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()
	c.conn.SetReadLimit(t.maxSize)
	c.conn.SetReadDeadline(time.Now().Add(t.pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(t.pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("WebSocket 错误 (客户端: %s): %v", c.remoteAddr, err)
			}
			return
		}
	}
}

// writePump pumps messages from the hub to the websocket connection.
func (c *Client) writePump(t pumpTimings) {
	ticker := time.NewTicker(t.pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(t.writeWait))
			if !ok {
				// The hub closed the channel.
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			// 每个事件单独一帧，客户端按 JSON 对象解析
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(t.writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// ServeWs 把 HTTP 连接升级为 websocket 并注册到 hub。认证由外层中间件完成。
func ServeWs(hub *Hub, w http.ResponseWriter, r *http.Request, wsCfg config.WebSocketConfig) {
	t := timingsFrom(wsCfg)
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			return true
		},
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Println("ServeWs - Upgrade失败:", err)
		return
	}
	client := &Client{
		hub:        hub,
		conn:       conn,
		send:       make(chan []byte, 64),
		remoteAddr: r.RemoteAddr,
	}
	select {
	case hub.register <- client:
	case <-hub.done:
		conn.Close()
		return
	}

	go client.writePump(t)
	go client.readPump(t)
}

package websocket

import (
	"context"
	"encoding/json"
	"log"
	"sync/atomic"
	"time"

	"im-sync/internal/imtypes"
)

// Hub maintains the set of active UI clients and pushes change events to all of them.
// 所有连接属于同一个同步用户，所以不按 UserID 区分。
type Hub struct {
	clients map[*Client]struct{}

	// Outbound events, already filtered to what UI clients care about.
	broadcast chan imtypes.Event

	register   chan *Client
	unregister chan *Client

	// done is closed when Run returns.
	done chan struct{}

	connected atomic.Int64
}

// NewHub creates a new Hub.
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*Client]struct{}),
		broadcast:  make(chan imtypes.Event, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
	}
}

// ClientCount 返回当前已注册的连接数。
func (h *Hub) ClientCount() int {
	return int(h.connected.Load())
}

// NotifyMessages 在某个频道的消息列表重新发布后调用，可作为 messagestore 的 OnChange。
func (h *Hub) NotifyMessages(channelKey string) {
	h.Broadcast(imtypes.Event{Type: imtypes.MessagesChangedEvent, ChannelKey: channelKey})
}

// NotifyChannels 在频道集合被替换后调用，可作为 directory 的 OnChange。
func (h *Hub) NotifyChannels() {
	h.Broadcast(imtypes.Event{Type: imtypes.ChannelsChangedEvent})
}

// Broadcast queues an event without blocking the caller.
// 调用方是 store 的 actor，不能被慢客户端拖住。
func (h *Hub) Broadcast(ev imtypes.Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	select {
	case h.broadcast <- ev:
	default:
		log.Printf("警告: Hub broadcast channel is full. Dropping %s event for %q", ev.Type, ev.ChannelKey)
	}
}

// Run starts the hub loop and returns when ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	log.Println("WebSocket Hub Run loop started.")
	defer func() {
		close(h.done)
		for client := range h.clients {
			close(client.send)
			delete(h.clients, client)
		}
		h.connected.Store(0)
		log.Println("WebSocket Hub Run loop stopped.")
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case client := <-h.register:
			h.clients[client] = struct{}{}
			h.connected.Store(int64(len(h.clients)))
			log.Printf("客户端已注册: %s (当前 %d 个连接)", client.remoteAddr, len(h.clients))

		case client := <-h.unregister:
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
				h.connected.Store(int64(len(h.clients)))
				log.Printf("客户端已注销: %s", client.remoteAddr)
			}

		case ev := <-h.broadcast:
			payload, err := json.Marshal(ev)
			if err != nil {
				log.Printf("错误: 无法序列化推送事件: %v", err)
				continue
			}
			for client := range h.clients {
				select {
				case client.send <- payload:
				default:
					// If the send buffer is full, we assume the client is slow or disconnected.
					log.Printf("警告: 客户端 %s 的发送通道已满，移除客户端。", client.remoteAddr)
					close(client.send)
					delete(h.clients, client)
				}
			}
			h.connected.Store(int64(len(h.clients)))
		}
	}
}

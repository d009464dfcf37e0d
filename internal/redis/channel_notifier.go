// Package redis 提供基于 go-redis 的令牌黑名单与频道集合变更通知。
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"im-sync/internal/config"
	"im-sync/internal/imtypes"
)

// NewClient 根据配置创建客户端并检查连通性。
func NewClient(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("连接 Redis %s 失败: %w", cfg.Addr, err)
	}
	return client, nil
}

// ChannelNotifier 通过 pub/sub 通知某个用户的频道集合发生了变化。
// 通知只是失效信号，订阅方收到后重新查询完整集合。
type ChannelNotifier struct {
	client *redis.Client
	prefix string
}

func NewChannelNotifier(client *redis.Client, prefix string) *ChannelNotifier {
	if prefix == "" {
		prefix = "im:user-channels:"
	}
	return &ChannelNotifier{client: client, prefix: prefix}
}

func (n *ChannelNotifier) topic(userID string) string {
	return n.prefix + userID
}

// Publish 发送一条通知。
func (n *ChannelNotifier) Publish(ctx context.Context, notice imtypes.ChannelNotice) error {
	if notice.At.IsZero() {
		notice.At = time.Now().UTC()
	}
	payload, err := json.Marshal(notice)
	if err != nil {
		return fmt.Errorf("marshal channel notice: %w", err)
	}
	if err := n.client.Publish(ctx, n.topic(notice.UserID), payload).Err(); err != nil {
		return fmt.Errorf("publish channel notice for %s: %w", notice.UserID, err)
	}
	return nil
}

// Subscribe 阻塞直到 ctx 取消，每收到一条通知调用一次 handler。
// ready 在订阅确认后被调用，调用方可以在此之后读取初始状态而不会漏掉通知。
func (n *ChannelNotifier) Subscribe(ctx context.Context, userID string, ready func(), handler func(imtypes.ChannelNotice)) error {
	sub := n.client.Subscribe(ctx, n.topic(userID))
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", n.topic(userID), err)
	}
	if ready != nil {
		ready()
	}

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return fmt.Errorf("channel notice subscription for %s closed", userID)
			}
			var notice imtypes.ChannelNotice
			if err := json.Unmarshal([]byte(msg.Payload), &notice); err != nil {
				log.Printf("[redis] 无法解析频道通知: %v, 已跳过", err)
				continue
			}
			handler(notice)
		}
	}
}

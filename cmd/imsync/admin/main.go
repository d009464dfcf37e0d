package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"gorm.io/gorm"

	"im-sync/internal/auth"
	"im-sync/internal/config"
	appRedis "im-sync/internal/redis"
	"im-sync/internal/services"
	"im-sync/internal/storage"
)

func usage() {
	fmt.Println("使用方法:")
	fmt.Println("  ./admin list-members <channelID>      - 列出已写入频道引用的成员")
	fmt.Println("  ./admin show-channel <channelID>      - 显示频道信息")
	fmt.Println("  ./admin repair-references <channelID> - 为缺少引用的成员补写频道引用")
	fmt.Println("  ./admin issue-token <userID>          - 签发本地 API 令牌")
	fmt.Println("  ./admin revoke-token <token>          - 吊销一个令牌")
}

func main() {
	// 简单命令行参数解析
	if len(os.Args) < 3 {
		usage()
		os.Exit(1)
	}
	_ = godotenv.Load()

	cfg, err := config.LoadConfig(os.Getenv("IM_SYNC_CONFIG"))
	if err != nil {
		log.Fatalf("无法加载配置: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	cmd, arg := os.Args[1], os.Args[2]
	switch cmd {
	case "issue-token":
		issueToken(cfg.Auth, arg)
		return
	case "revoke-token":
		revokeToken(ctx, cfg, arg)
		return
	}

	db := openDB(cfg.Database)
	channelRepo := storage.NewGormChannelRepository(db)

	// 执行指定的命令
	switch cmd {
	case "list-members":
		listMembers(ctx, channelRepo, arg)
	case "show-channel":
		showChannel(ctx, channelRepo, arg)
	case "repair-references":
		repairReferences(ctx, cfg, channelRepo, arg)
	default:
		usage()
		log.Fatalf("未知命令: %s", cmd)
	}
}

// openDB 通过 lib/pq 打开连接，再交给 gorm。
func openDB(cfg config.DatabaseConfig) *gorm.DB {
	dsn, err := storage.DSN(cfg)
	if err != nil {
		log.Fatalf("数据库配置无效: %v", err)
	}
	sqlDB, err := sql.Open("postgres", dsn)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	if err := sqlDB.Ping(); err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	db, err := storage.OpenWithConn(sqlDB)
	if err != nil {
		log.Fatalf("Failed to create GORM instance: %v", err)
	}
	return db
}

func listMembers(ctx context.Context, repo storage.ChannelRepository, channelID string) {
	members, err := repo.ListMembers(ctx, channelID)
	if err != nil {
		log.Fatalf("获取成员失败: %v", err)
	}
	fmt.Printf("频道 %s 的引用成员 (%d 人):\n", channelID, len(members))
	fmt.Println("--------------------------------------")
	for i, m := range members {
		fmt.Printf("#%d 用户ID: %s\n", i+1, m)
	}
}

func showChannel(ctx context.Context, repo storage.ChannelRepository, channelID string) {
	ch, err := repo.GetByID(ctx, channelID)
	if err != nil {
		log.Fatalf("查找频道失败: %v", err)
	}
	fmt.Printf("频道 %s 信息:\n", ch.ID)
	fmt.Println("--------------------------------------")
	fmt.Printf("类型: %s\n", ch.Type)
	fmt.Printf("成员: %v\n", ch.MemberIDs)
	if ch.LastActivity != nil {
		fmt.Printf("最近活动: %s\n", ch.LastActivity.Format("2006-01-02 15:04:05"))
	}
	if ch.LastMessage != nil {
		fmt.Printf("最后一条消息: [%s] %s\n", ch.LastMessage.SenderID, ch.LastMessage.Text)
	}
}

// repairReferences 补写创建频道时写入失败的成员引用。能连上 Redis 时同时通知成员刷新频道列表。
func repairReferences(ctx context.Context, cfg config.Config, repo storage.ChannelRepository, channelID string) {
	ch, err := repo.GetByID(ctx, channelID)
	if err != nil {
		log.Fatalf("查找频道失败: %v", err)
	}
	existing, err := repo.ListMembers(ctx, channelID)
	if err != nil {
		log.Fatalf("获取成员失败: %v", err)
	}
	have := make(map[string]bool, len(existing))
	for _, m := range existing {
		have[m] = true
	}

	var notices services.ChannelNotices
	if client, err := appRedis.NewClient(ctx, cfg.Redis); err != nil {
		log.Printf("警告: 无法连接 Redis，成员不会收到刷新通知: %v", err)
	} else {
		defer client.Close()
		notices = appRedis.NewChannelNotifier(client, cfg.Redis.ChannelPrefix)
	}
	backend := services.NewChannelService(repo, notices)

	repaired := 0
	for _, userID := range ch.MemberIDs {
		if have[userID] {
			continue
		}
		if err := backend.AddChannelReference(ctx, userID, channelID); err != nil {
			fmt.Printf("补写用户 %s 的引用失败: %v\n", userID, err)
			continue
		}
		fmt.Printf("已补写用户 %s 的引用\n", userID)
		repaired++
	}
	fmt.Printf("频道 %s: %d 个成员，补写 %d 个引用\n", channelID, len(ch.MemberIDs), repaired)
}

func issueToken(authCfg config.AuthConfig, userID string) {
	token, err := auth.GenerateToken(userID, authCfg)
	if err != nil {
		log.Fatalf("签发令牌失败: %v", err)
	}
	fmt.Println(token)
}

func revokeToken(ctx context.Context, cfg config.Config, token string) {
	claims, err := auth.ValidateToken(ctx, token, cfg.Auth.JWTSecretKey, nil)
	if err != nil {
		log.Fatalf("令牌无效，无需吊销: %v", err)
	}
	client, err := appRedis.NewClient(ctx, cfg.Redis)
	if err != nil {
		log.Fatalf("无法连接到 Redis: %v", err)
	}
	defer client.Close()

	expiresAt := time.Now().Add(cfg.Auth.JWTExpiry)
	if claims.ExpiresAt != nil {
		expiresAt = claims.ExpiresAt.Time
	}
	blacklist := appRedis.NewRedisTokenBlacklist(client)
	if err := blacklist.Add(ctx, claims.ID, expiresAt); err != nil {
		log.Fatalf("吊销令牌失败: %v", err)
	}
	fmt.Printf("已吊销用户 %s 的令牌 (jti=%s)\n", claims.UserID, claims.ID)
}

package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"im-sync/internal/cleanup"
	"im-sync/internal/composer"
	"im-sync/internal/config"
	"im-sync/internal/directory"
	"im-sync/internal/handlers/syncapi"
	appKafka "im-sync/internal/kafka"
	"im-sync/internal/messagestore"
	"im-sync/internal/middleware"
	appRedis "im-sync/internal/redis"
	"im-sync/internal/services"
	"im-sync/internal/storage"
	ws "im-sync/internal/websocket"
)

func main() {
	configPath := flag.String("config", "", "path to config file (default ./config/config.yaml)")
	flag.Parse()

	// 0. .env 只在本地开发时存在
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Printf("警告: 读取 .env 失败: %v", err)
	}

	// 1. 加载配置
	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("无法加载配置: %v", err)
	}
	if cfg.Sync.UserID == "" {
		log.Fatal("SYNC.USER_ID 未配置，无法确定要同步的用户")
	}
	log.Printf("%s %s 配置加载成功，同步用户: %s", cfg.AppName, cfg.AppVersion, cfg.Sync.UserID)

	// 2. 初始化数据库连接
	db, err := storage.InitDB(cfg.Database)
	if err != nil {
		log.Fatalf("无法初始化数据库: %v", err)
	}
	if err := storage.AutoMigrateTables(db); err != nil {
		log.Printf("警告：数据库表迁移可能失败: %v", err)
	}
	log.Println("数据库连接成功。")

	rootCtx, cancelRoot := context.WithCancel(context.Background())
	defer cancelRoot()

	// 3. 初始化 Redis Client：频道通知与令牌黑名单
	redisClient, err := appRedis.NewClient(rootCtx, cfg.Redis)
	if err != nil {
		log.Fatalf("无法连接到 Redis: %v", err)
	}
	defer redisClient.Close()
	notifier := appRedis.NewChannelNotifier(redisClient, cfg.Redis.ChannelPrefix)
	tokenBlacklist := appRedis.NewRedisTokenBlacklist(redisClient)
	log.Println("成功连接到 Redis")

	// 4. 初始化 Kafka：变更流生产者与按需创建的消费者
	kfkProducer, err := appKafka.NewConfluentKafkaProducer(cfg.Kafka)
	if err != nil {
		log.Fatalf("无法创建 Kafka 生产者: %v", err)
	}
	defer kfkProducer.Close()
	changeFeed := appKafka.NewChangeFeed(kfkProducer, cfg.Kafka.ChangeFeedTopic)
	kfkConsumer := appKafka.NewConfluentKafkaConsumer(cfg.Kafka)
	log.Printf("Kafka 初始化成功，变更流 topic: %s", changeFeed.Topic())

	// 5. 初始化 Repositories 与后端
	msgRepo := storage.NewGormMessageRepository(db)
	channelRepo := storage.NewGormChannelRepository(db)
	messageBackend := services.NewMessageService(msgRepo, channelRepo, changeFeed, kfkConsumer, notifier, cfg.Kafka)
	channelBackend := services.NewChannelService(channelRepo, notifier)

	files, err := storage.NewLocalStorageService(cfg.Storage)
	if err != nil {
		log.Fatalf("无法初始化本地存储服务: %v", err)
	}

	// 6. 同步核心
	hub := ws.NewHub()
	go hub.Run(rootCtx)

	queue := cleanup.NewQueue(cfg.Sync.CleanupWorkers, cfg.Sync.CleanupQueueSize, cfg.Sync.CleanupTimeout)
	dir := directory.New(channelBackend, directory.Options{OnChange: hub.NotifyChannels})
	store := messagestore.New(messageBackend, files, queue, messagestore.Options{
		PageSize: cfg.Sync.PageSize,
		Previews: dir,
		OnChange: hub.NotifyMessages,
	})
	comp := composer.New(store, dir, messageBackend, files, queue)

	if err := dir.Listen(cfg.Sync.UserID); err != nil {
		log.Fatalf("无法监听用户 %s 的频道: %v", cfg.Sync.UserID, err)
	}

	// 7. 设置 HTTP 路由
	r := mux.NewRouter()
	authMW := func(next http.Handler) http.Handler {
		return middleware.AuthMiddleware(next, cfg.Auth, tokenBlacklist, cfg.Sync.UserID)
	}

	apiRouter := r.PathPrefix("/api/v1").Subrouter()
	apiRouter.Use(authMW)
	syncapi.NewHandler(store, dir, comp, cfg.Sync.UserID, cfg.Storage.MaxFileSizeMB, cfg.Sync.SendTimeout).Register(apiRouter)

	r.Handle(cfg.Server.WebSocketPath, authMW(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		ws.ServeWs(hub, w, req, cfg.WebSocket)
	}))).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	// 静态文件服务路由 - 用于访问上传的附件
	staticPath := strings.TrimSuffix(cfg.Storage.BaseURL, "/") + "/"
	r.PathPrefix(staticPath).Handler(http.StripPrefix(staticPath, http.FileServer(http.Dir(cfg.Storage.LocalPath))))
	log.Printf("提供静态文件服务于 %s -> %s", staticPath, cfg.Storage.LocalPath)

	// 8. 启动 HTTP 服务器并实现优雅关闭
	corsOptions := []handlers.CORSOption{
		handlers.AllowedOrigins(cfg.API.CORS.AllowedOrigins),
		handlers.AllowedMethods(cfg.API.CORS.AllowedMethods),
		handlers.AllowedHeaders(cfg.API.CORS.AllowedHeaders),
		handlers.ExposedHeaders(cfg.API.CORS.ExposedHeaders),
		handlers.MaxAge(cfg.API.CORS.MaxAge),
	}
	if cfg.API.CORS.AllowCredentials {
		corsOptions = append(corsOptions, handlers.AllowCredentials())
	}

	srv := &http.Server{
		Addr:           cfg.Server.Addr(),
		Handler:        handlers.CORS(corsOptions...)(r),
		ReadTimeout:    cfg.Server.ReadTimeout,
		WriteTimeout:   cfg.Server.WriteTimeout,
		MaxHeaderBytes: cfg.Server.MaxHeaderBytes,
		IdleTimeout:    time.Second * 60,
	}

	go func() {
		log.Printf("im-sync 服务启动于 %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("im-sync 服务启动失败: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("收到关闭信号，正在关闭 im-sync...")

	ctxShutdown, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := srv.Shutdown(ctxShutdown); err != nil {
		log.Printf("HTTP 服务器强制关闭: %v", err)
	}

	// 先停订阅，再等清理任务跑完
	dir.Stop()
	store.Close()
	queue.Close()
	cancelRoot()

	log.Println("im-sync 已成功关闭")
}

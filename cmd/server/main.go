// Package main 是上传服务端的入口点。
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"resumable-upload-go/internal/chunkstore"
	"resumable-upload-go/internal/config"
	"resumable-upload-go/internal/handler"
	"resumable-upload-go/internal/pipeline"
	"resumable-upload-go/internal/repository"
	"resumable-upload-go/internal/service"
	"resumable-upload-go/pkg/database"
	"resumable-upload-go/pkg/kafka"
	"resumable-upload-go/pkg/log"
	"resumable-upload-go/pkg/storage"
)

func main() {
	// 1. 初始化配置
	config.Init("./configs/config.yaml")
	cfg := config.Conf

	// 2. 初始化日志记录器
	log.Init(cfg.Log.Level, cfg.Log.Format, cfg.Log.OutputPath)
	defer log.Sync() // 确保在程序退出时刷新所有缓冲的日志条目
	log.Info("日志记录器初始化成功")

	// 3. 初始化本地磁盘布局
	store, err := chunkstore.New(cfg.Storage.PublicDir, cfg.Storage.TempDir, cfg.Storage.ChunkSize)
	if err != nil {
		log.Fatal("初始化存储目录失败", err)
	}

	// 4. 初始化可选依赖：数据库、Redis、MinIO、Kafka，未配置时使用本地实现
	artifactRepo := repository.NewNopArtifactRepository()
	if cfg.Database.MySQL.DSN != "" {
		database.InitMySQL(cfg.Database.MySQL.DSN)
		artifactRepo = repository.NewArtifactRepository(database.DB)
	}

	activityRepo := repository.NewFSActivityRepository(store)
	if cfg.Database.Redis.Addr != "" {
		database.InitRedis(cfg.Database.Redis.Addr, cfg.Database.Redis.Password, cfg.Database.Redis.DB)
		activityRepo = repository.NewRedisActivityRepository(database.RDB)
	}

	publisher := service.NewNopPublisher()
	var producer *kafka.Producer
	if cfg.Kafka.Brokers != "" {
		producer = kafka.NewProducer(cfg.Kafka)
		publisher = producer
	}

	// 5. 初始化 Service
	uploadService := service.NewUploadService(store, artifactRepo, activityRepo, publisher)

	bgCtx, cancelBg := context.WithCancel(context.Background())
	defer cancelBg()

	// 6. 启动后台任务：临时目录清理、初始化导入、归档消费者
	go service.RunJanitor(bgCtx, uploadService, cfg.Storage.JanitorInterval, cfg.Storage.StaleAfter)

	if cfg.Storage.SeedDir != "" {
		go func() {
			if _, err := service.ImportSeedFiles(bgCtx, uploadService, cfg.Storage.SeedDir, cfg.Storage.ChunkSize); err != nil {
				log.Warnf("初始化导入中断: %v", err)
			}
		}()
	}

	if cfg.Kafka.Brokers != "" && cfg.MinIO.Endpoint != "" {
		storage.InitMinIO(cfg.MinIO)
		archiver := pipeline.NewArchiver(store, storage.MinioClient, cfg.MinIO.BucketName, artifactRepo)
		go kafka.StartConsumer(bgCtx, cfg.Kafka, archiver)
	}

	// 7. 设置 Gin 模式并创建路由引擎
	gin.SetMode(cfg.Server.Mode)
	r := handler.NewRouter(uploadService, store.PublicDir(), cfg.Server.AllowOrigins)

	// 启动 HTTP 服务器并实现优雅停机
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.Server.Port),
		Handler: r,
	}

	go func() {
		log.Infof("服务启动于 %s, chunk_size: %d", srv.Addr, cfg.Storage.ChunkSize)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("HTTP 服务监听失败: %s\n", err)
		}
	}()

	// 等待中断信号以实现优雅停机
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("接收到停机信号，正在关闭服务...")

	// 设置一个5秒的超时上下文
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// 关闭 HTTP 服务器
	if err := srv.Shutdown(ctx); err != nil {
		log.Fatalf("HTTP 服务器关闭失败: %v", err)
	}

	// 停止后台任务，未提交的 Kafka 消息会在下次启动后重新投递
	cancelBg()
	if producer != nil {
		if err := producer.Close(); err != nil {
			log.Error("关闭 Kafka 生产者失败", err)
		}
	}
	log.Info("服务已优雅关闭")
}

// Package kafka 提供了与 Kafka 消息队列交互的功能。
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/segmentio/kafka-go"
	"resumable-upload-go/internal/config"
	"resumable-upload-go/pkg/log"
	"resumable-upload-go/pkg/tasks"
)

// maxAttempts 是单条消息处理失败后提交 offset 之前的最大尝试次数。
const maxAttempts = 3

// TaskProcessor defines the interface for any service that can process a merged artifact.
// This decouples the Kafka consumer from the concrete pipeline implementation.
type TaskProcessor interface {
	Process(ctx context.Context, task tasks.ArtifactMergedTask) error
}

// Producer 发送合并完成事件。
type Producer struct {
	writer *kafka.Writer
}

// NewProducer 初始化 Kafka 生产者。
func NewProducer(cfg config.KafkaConfig) *Producer {
	p := &Producer{
		writer: &kafka.Writer{
			Addr:     kafka.TCP(strings.Split(cfg.Brokers, ",")...),
			Topic:    cfg.Topic,
			Balancer: &kafka.LeastBytes{},
		},
	}
	log.Info("Kafka 生产者初始化成功")
	return p
}

// PublishArtifactMerged 发送一个合并完成事件，contentId 作为消息 key。
func (p *Producer) PublishArtifactMerged(ctx context.Context, task tasks.ArtifactMergedTask) error {
	taskBytes, err := json.Marshal(task)
	if err != nil {
		return err
	}
	return p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(task.ContentID),
		Value: taskBytes,
	})
}

// Close 关闭生产者。
func (p *Producer) Close() error {
	return p.writer.Close()
}

// StartConsumer 启动一个 Kafka 消费者来处理合并完成事件，ctx 取消时退出。
func StartConsumer(ctx context.Context, cfg config.KafkaConfig, processor TaskProcessor) {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  strings.Split(cfg.Brokers, ","),
		Topic:    cfg.Topic,
		GroupID:  cfg.GroupID,
		MinBytes: 1,
		MaxBytes: 10e6, // 10MB
	})
	defer func() {
		if err := r.Close(); err != nil {
			log.Errorf("关闭 Kafka 消费者失败: %v", err)
		}
	}()

	log.Infof("Kafka 消费者已启动，正在监听主题 '%s'", cfg.Topic)

	for {
		m, err := r.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				log.Info("Kafka 消费者已停止")
				return
			}
			log.Error("从 Kafka 读取消息失败", err)
			return
		}

		var task tasks.ArtifactMergedTask
		if err := json.Unmarshal(m.Value, &task); err != nil {
			log.Errorf("无法解析 Kafka 消息: %v, value: %s", err, string(m.Value))
			// 消息格式错误，直接提交，避免阻塞队列
			commit(ctx, r, m)
			continue
		}

		log.Infof("开始处理合并事件: contentId=%s, size=%d", task.ContentID, task.Size)
		for attempt := 1; attempt <= maxAttempts; attempt++ {
			err = processor.Process(ctx, task)
			if err == nil || ctx.Err() != nil {
				break
			}
			log.Errorf("处理合并事件失败(第 %d 次): contentId=%s, error: %v", attempt, task.ContentID, err)
		}
		if ctx.Err() != nil {
			// 未提交的消息会在下次启动后重新投递
			return
		}
		if err != nil {
			log.Errorf("合并事件多次失败(>=%d)，提交 offset 终止重试: contentId=%s", maxAttempts, task.ContentID)
		}
		commit(ctx, r, m)
	}
}

func commit(ctx context.Context, r *kafka.Reader, m kafka.Message) {
	if err := r.CommitMessages(ctx, m); err != nil {
		log.Errorf("提交 Kafka 消息 offset 失败: %v", err)
	}
}

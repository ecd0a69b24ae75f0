// Package service 包含了应用的业务逻辑层。
package service

import (
	"context"
	"io"
	"time"

	"resumable-upload-go/internal/chunkstore"
	"resumable-upload-go/internal/model"
	"resumable-upload-go/internal/repository"
	"resumable-upload-go/pkg/log"
	"resumable-upload-go/pkg/tasks"
)

// EventPublisher 发送合并完成事件，*kafka.Producer 满足该接口。
type EventPublisher interface {
	PublishArtifactMerged(ctx context.Context, task tasks.ArtifactMergedTask) error
}

type nopPublisher struct{}

func (nopPublisher) PublishArtifactMerged(context.Context, tasks.ArtifactMergedTask) error { return nil }

// NewNopPublisher 返回一个丢弃所有事件的 EventPublisher，用于未配置 Kafka 的部署。
func NewNopPublisher() EventPublisher { return nopPublisher{} }

// UploadService 接口定义了分片上传协议在服务端的三个操作以及临时目录清理。
type UploadService interface {
	Verify(ctx context.Context, contentID string) (*model.VerifyResult, error)
	UploadChunk(ctx context.Context, contentID, chunkName string, start int64, body io.Reader) (int64, error)
	MergeChunks(ctx context.Context, contentID string) (chunkstore.MergeResult, error)
	CleanupStale(ctx context.Context, staleAfter time.Duration) (int, error)
}

type uploadService struct {
	store        *chunkstore.Store
	reassembler  *chunkstore.Reassembler
	artifactRepo repository.ArtifactRepository
	activityRepo repository.ActivityRepository
	publisher    EventPublisher
	now          func() time.Time
}

// NewUploadService 创建一个新的 UploadService 实例。
// 服务端不对同一 contentId 的请求加锁：同一分片的并发写入、合并与上传的竞争都以最后落盘者为准。
func NewUploadService(store *chunkstore.Store, artifactRepo repository.ArtifactRepository, activityRepo repository.ActivityRepository, publisher EventPublisher) UploadService {
	return &uploadService{
		store:        store,
		reassembler:  chunkstore.NewReassembler(store),
		artifactRepo: artifactRepo,
		activityRepo: activityRepo,
		publisher:    publisher,
		now:          time.Now,
	}
}

// Verify 检查文件是否已存在（秒传），否则返回已落盘的分片清单（续传）。
// 无副作用，可重复调用。
func (s *uploadService) Verify(ctx context.Context, contentID string) (*model.VerifyResult, error) {
	exists, err := s.store.ArtifactExists(contentID)
	if err != nil {
		log.Errorf("[Verify] 检查文件是否存在失败, contentId: %s, error: %v", contentID, err)
		return nil, err
	}
	if exists {
		log.Infof("[Verify] 文件已存在，秒传。contentId: %s", contentID)
		return &model.VerifyResult{Exists: true}, nil
	}

	chunks, err := s.store.Inventory(contentID)
	if err != nil {
		log.Errorf("[Verify] 读取分片清单失败, contentId: %s, error: %v", contentID, err)
		return nil, err
	}
	if chunks == nil {
		chunks = []model.ChunkRecord{}
	}
	log.Infof("[Verify] 文件不存在，已落盘分片数: %d。contentId: %s", len(chunks), contentID)
	return &model.VerifyResult{Exists: false, Chunks: chunks}, nil
}

// UploadChunk 从 start 偏移处写入一个分片的数据。
// 写入失败时已落盘的字节不会回滚，客户端可以按 Verify 返回的大小续传。
func (s *uploadService) UploadChunk(ctx context.Context, contentID, chunkName string, start int64, body io.Reader) (int64, error) {
	written, err := s.store.WriteChunk(ctx, contentID, chunkName, start, body)
	if written > 0 {
		if touchErr := s.activityRepo.Touch(context.WithoutCancel(ctx), contentID, s.now()); touchErr != nil {
			log.Warnf("[UploadChunk] 记录上传活动失败, contentId: %s, error: %v", contentID, touchErr)
		}
	}
	if err != nil {
		log.Errorf("[UploadChunk] 分片写入失败, chunk: %s, start: %d, written: %d, error: %v", chunkName, start, written, err)
		return written, err
	}
	log.Infof("[UploadChunk] 分片写入成功, chunk: %s, start: %d, written: %d", chunkName, start, written)
	return written, nil
}

// MergeChunks 按序号合并所有分片，记录目录并发送合并完成事件。
func (s *uploadService) MergeChunks(ctx context.Context, contentID string) (chunkstore.MergeResult, error) {
	log.Infof("[MergeChunks] 开始合并文件分片, contentId: %s", contentID)
	result, err := s.reassembler.Merge(ctx, contentID)
	if err != nil {
		log.Errorf("[MergeChunks] 合并失败, contentId: %s, error: %v", contentID, err)
		return chunkstore.MergeResult{}, err
	}
	log.Infof("[MergeChunks] 合并成功, contentId: %s, size: %d, chunks: %d", contentID, result.Size, result.ChunkCount)

	// 以下步骤失败不影响合并结果，public/ 下的文件才是唯一依据
	bgCtx := context.WithoutCancel(ctx)
	if err := s.activityRepo.Forget(bgCtx, contentID); err != nil {
		log.Warnf("[MergeChunks] 删除上传活动记录失败, contentId: %s, error: %v", contentID, err)
	}

	mergedAt := s.now()
	record := &model.ArtifactRecord{
		ContentID:  contentID,
		Size:       result.Size,
		ChunkCount: result.ChunkCount,
		MergedAt:   mergedAt,
	}
	if err := s.artifactRepo.SaveArtifact(record); err != nil {
		log.Warnf("[MergeChunks] 保存文件目录记录失败, contentId: %s, error: %v", contentID, err)
	}

	task := tasks.ArtifactMergedTask{
		ContentID:  contentID,
		Size:       result.Size,
		ChunkCount: result.ChunkCount,
		MergedAt:   mergedAt,
	}
	if err := s.publisher.PublishArtifactMerged(bgCtx, task); err != nil {
		log.Errorf("[MergeChunks] 发送合并完成事件失败, contentId: %s, error: %v", contentID, err)
	}
	return result, nil
}

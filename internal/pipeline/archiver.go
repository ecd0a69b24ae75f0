// Package pipeline 定义了合并完成之后的后台处理流程。
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"path/filepath"
	"time"

	"github.com/minio/minio-go/v7"
	"resumable-upload-go/internal/chunkstore"
	"resumable-upload-go/internal/repository"
	"resumable-upload-go/pkg/log"
	"resumable-upload-go/pkg/tasks"
)

// ObjectUploader 是归档所需的对象存储能力，*minio.Client 满足该接口。
type ObjectUploader interface {
	FPutObject(ctx context.Context, bucketName, objectName, filePath string, opts minio.PutObjectOptions) (minio.UploadInfo, error)
}

// Archiver 把 public/ 下合并完成的文件复制到对象存储，并在目录中记录归档位置。
type Archiver struct {
	store        *chunkstore.Store
	uploader     ObjectUploader
	bucketName   string
	artifactRepo repository.ArtifactRepository
	now          func() time.Time
}

// NewArchiver 创建一个新的 Archiver 实例。
func NewArchiver(store *chunkstore.Store, uploader ObjectUploader, bucketName string, artifactRepo repository.ArtifactRepository) *Archiver {
	return &Archiver{
		store:        store,
		uploader:     uploader,
		bucketName:   bucketName,
		artifactRepo: artifactRepo,
		now:          time.Now,
	}
}

// ObjectKey 返回 contentId 在存储桶中的对象名。
func ObjectKey(contentID string) string {
	return "artifacts/" + contentID
}

// Process 处理一个合并完成事件。
func (a *Archiver) Process(ctx context.Context, task tasks.ArtifactMergedTask) error {
	log.Infof("[Archiver] 开始归档, contentId: %s, size: %d", task.ContentID, task.Size)

	exists, err := a.store.ArtifactExists(task.ContentID)
	if err != nil {
		return fmt.Errorf("检查文件失败: %w", err)
	}
	if !exists {
		// 文件已被删除或事件来自其他节点，无需重试
		log.Warnf("[Archiver] 文件不存在，跳过归档, contentId: %s", task.ContentID)
		return nil
	}

	objectKey := ObjectKey(task.ContentID)
	contentType := mime.TypeByExtension(filepath.Ext(task.ContentID))
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	info, err := a.uploader.FPutObject(ctx, a.bucketName, objectKey, a.store.ArtifactPath(task.ContentID), minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		log.Errorf("[Archiver] 上传到对象存储失败, object: %s, error: %v", objectKey, err)
		return fmt.Errorf("上传到对象存储失败: %w", err)
	}

	if err := a.artifactRepo.MarkArchived(task.ContentID, objectKey, a.now()); err != nil && !errors.Is(err, repository.ErrArtifactNotFound) {
		return fmt.Errorf("更新归档记录失败: %w", err)
	}
	log.Infow("[Archiver] 归档完成", "contentId", task.ContentID, "object", objectKey, "size", info.Size)
	return nil
}

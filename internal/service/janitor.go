package service

import (
	"context"
	"time"

	"resumable-upload-go/internal/chunkstore"
	"resumable-upload-go/pkg/log"
)

// CleanupStale 删除 staleAfter 时间内没有写入的临时目录，返回删除的数量。
// 被放弃的上传不会再被合并，它们的分片只能由这里回收。
func (s *uploadService) CleanupStale(ctx context.Context, staleAfter time.Duration) (int, error) {
	cutoff := s.now().Add(-staleAfter)
	ids, err := s.activityRepo.StaleBefore(ctx, cutoff)
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, contentID := range ids {
		if err := chunkstore.ValidateContentID(contentID); err != nil {
			log.Warnf("[CleanupStale] 跳过非法 contentId: %q", contentID)
			continue
		}
		if err := s.store.RemoveTemp(contentID); err != nil {
			log.Errorf("[CleanupStale] 删除临时目录失败, contentId: %s, error: %v", contentID, err)
			continue
		}
		if err := s.activityRepo.Forget(ctx, contentID); err != nil {
			log.Warnf("[CleanupStale] 删除上传活动记录失败, contentId: %s, error: %v", contentID, err)
		}
		removed++
	}
	if removed > 0 {
		log.Infof("[CleanupStale] 已清理 %d 个过期临时目录", removed)
	}
	return removed, nil
}

// RunJanitor 每隔 interval 调用一次 CleanupStale，直到 ctx 被取消。
func RunJanitor(ctx context.Context, svc UploadService, interval, staleAfter time.Duration) {
	if interval <= 0 || staleAfter <= 0 {
		log.Info("[Janitor] 未启用临时目录清理")
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := svc.CleanupStale(ctx, staleAfter); err != nil {
				log.Error("[Janitor] 清理临时目录失败", err)
			}
		}
	}
}

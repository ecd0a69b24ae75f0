package repository

import (
	"context"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"resumable-upload-go/internal/chunkstore"
)

// activityKey 是记录每个 contentId 最后写入时间的有序集合。
const activityKey = "upload:activity"

// ActivityRepository 记录临时目录的最近活动时间，供清理任务找出被放弃的上传。
// 它只是提示信息，不参与任何并发控制。
type ActivityRepository interface {
	Touch(ctx context.Context, contentID string, at time.Time) error
	Forget(ctx context.Context, contentID string) error
	StaleBefore(ctx context.Context, cutoff time.Time) ([]string, error)
}

// redisActivityRepository 用 Redis ZSET 记录活动时间，score 为 unix 秒。
type redisActivityRepository struct {
	redisClient *redis.Client
}

// NewRedisActivityRepository 创建一个基于 Redis 的 ActivityRepository。
func NewRedisActivityRepository(redisClient *redis.Client) ActivityRepository {
	return &redisActivityRepository{redisClient: redisClient}
}

// Touch 更新 contentId 的最后写入时间。
func (r *redisActivityRepository) Touch(ctx context.Context, contentID string, at time.Time) error {
	return r.redisClient.ZAdd(ctx, activityKey, &redis.Z{Score: float64(at.Unix()), Member: contentID}).Err()
}

// Forget 在合并或清理后移除 contentId。
func (r *redisActivityRepository) Forget(ctx context.Context, contentID string) error {
	return r.redisClient.ZRem(ctx, activityKey, contentID).Err()
}

// StaleBefore 返回最后写入时间早于 cutoff 的 contentId。
func (r *redisActivityRepository) StaleBefore(ctx context.Context, cutoff time.Time) ([]string, error) {
	return r.redisClient.ZRangeByScore(ctx, activityKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatInt(cutoff.Unix(), 10),
	}).Result()
}

// fsActivityRepository 在未配置 Redis 时使用，直接读取临时目录的修改时间。
type fsActivityRepository struct {
	store *chunkstore.Store
}

// NewFSActivityRepository 创建一个基于文件修改时间的 ActivityRepository。
func NewFSActivityRepository(store *chunkstore.Store) ActivityRepository {
	return &fsActivityRepository{store: store}
}

// Touch 无需记录，写分片本身会更新文件修改时间。
func (r *fsActivityRepository) Touch(context.Context, string, time.Time) error { return nil }

func (r *fsActivityRepository) Forget(context.Context, string) error { return nil }

func (r *fsActivityRepository) StaleBefore(_ context.Context, cutoff time.Time) ([]string, error) {
	areas, err := r.store.TempAreas()
	if err != nil {
		return nil, err
	}
	var stale []string
	for _, area := range areas {
		if area.ModTime.Before(cutoff) {
			stale = append(stale, area.ContentID)
		}
	}
	return stale, nil
}

// Package repository 定义了与数据库、缓存进行数据交换的接口和实现。
package repository

import (
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"resumable-upload-go/internal/model"
)

// ArtifactRepository 接口定义了合并完成的文件目录的持久化操作。
type ArtifactRepository interface {
	SaveArtifact(record *model.ArtifactRecord) error
	GetArtifact(contentID string) (*model.ArtifactRecord, error)
	MarkArchived(contentID, objectKey string, archivedAt time.Time) error
}

// ErrArtifactNotFound 表示目录中没有该 contentId 的记录。
var ErrArtifactNotFound = errors.New("artifact record not found")

// artifactRepository 是 ArtifactRepository 接口的 GORM 实现。
type artifactRepository struct {
	db *gorm.DB
}

// NewArtifactRepository 创建一个新的 ArtifactRepository 实例。
func NewArtifactRepository(db *gorm.DB) ArtifactRepository {
	return &artifactRepository{db: db}
}

// SaveArtifact 插入或覆盖一条记录。同一 contentId 重复合并时以最后一次为准。
func (r *artifactRepository) SaveArtifact(record *model.ArtifactRecord) error {
	return r.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "content_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"size", "chunk_count", "merged_at"}),
	}).Create(record).Error
}

// GetArtifact 根据 contentId 检索记录。
func (r *artifactRepository) GetArtifact(contentID string) (*model.ArtifactRecord, error) {
	var record model.ArtifactRecord
	err := r.db.Where("content_id = ?", contentID).First(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrArtifactNotFound
	}
	if err != nil {
		return nil, err
	}
	return &record, nil
}

// MarkArchived 记录文件已被归档到对象存储。
func (r *artifactRepository) MarkArchived(contentID, objectKey string, archivedAt time.Time) error {
	return r.db.Model(&model.ArtifactRecord{}).
		Where("content_id = ?", contentID).
		Updates(map[string]interface{}{"object_key": objectKey, "archived_at": archivedAt}).Error
}

// nopArtifactRepository 在未配置 MySQL 时使用。
type nopArtifactRepository struct{}

// NewNopArtifactRepository 返回一个丢弃所有写入的 ArtifactRepository。
func NewNopArtifactRepository() ArtifactRepository { return nopArtifactRepository{} }

func (nopArtifactRepository) SaveArtifact(*model.ArtifactRecord) error { return nil }

func (nopArtifactRepository) GetArtifact(string) (*model.ArtifactRecord, error) {
	return nil, ErrArtifactNotFound
}

func (nopArtifactRepository) MarkArchived(string, string, time.Time) error { return nil }

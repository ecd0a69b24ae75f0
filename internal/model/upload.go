// Package model 定义了服务端的数据结构以及与数据库表对应的 Go 结构体。
package model

import "time"

// ChunkRecord 描述临时目录中一个分片文件当前已落盘的字节数。
// Size 可能小于分片的完整长度（上一次上传在分片中途被中断）。
type ChunkRecord struct {
	ChunkFileName string `json:"chunkFileName"`
	Size          int64  `json:"size"`
}

// VerifyResult 是 verify 操作的结果。
type VerifyResult struct {
	Exists bool
	Chunks []ChunkRecord
}

// ArtifactRecord 定义了 artifact 表的 ORM 模型。
// 它是合并完成的文件的目录，磁盘上的 public/{contentId} 仍是判断秒传的唯一依据。
type ArtifactRecord struct {
	ID         uint       `gorm:"primaryKey;autoIncrement" json:"id"`
	ContentID  string     `gorm:"type:varchar(255);uniqueIndex;not null" json:"contentId"`
	Size       int64      `gorm:"not null" json:"size"`
	ChunkCount int        `gorm:"not null" json:"chunkCount"`
	MergedAt   time.Time  `gorm:"not null" json:"mergedAt"`
	ObjectKey  string     `gorm:"type:varchar(255)" json:"objectKey"`
	ArchivedAt *time.Time `gorm:"default:null" json:"archivedAt"`
}

// TableName 指定了此模型在数据库中对应的表名。
func (ArtifactRecord) TableName() string {
	return "artifact"
}

// Package tasks defines the structure for tasks that are sent to Kafka.
package tasks

import "time"

// ArtifactMergedTask is published after a content id has been reassembled into public/.
type ArtifactMergedTask struct {
	ContentID  string    `json:"content_id"`
	Size       int64     `json:"size"`
	ChunkCount int       `json:"chunk_count"`
	MergedAt   time.Time `json:"merged_at"`
}

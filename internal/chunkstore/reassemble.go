package chunkstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"golang.org/x/sync/errgroup"
)

// MergeResult 描述一次合并的结果。
type MergeResult struct {
	ContentID  string
	Size       int64
	ChunkCount int
}

// Reassembler 把 contentId 的全部分片按序号合并为最终文件。
type Reassembler struct {
	store *Store
}

// NewReassembler 创建一个基于 store 的 Reassembler。
func NewReassembler(store *Store) *Reassembler {
	return &Reassembler{store: store}
}

type chunkFile struct {
	name  string
	index int
}

// Merge 合并所有分片并删除临时目录。
//
// 每个分片写入目标文件的 index*chunkSize 偏移处，因此各分片可以并发写入。
// 这要求除最后一个分片外所有分片都恰好是 chunkSize 字节；缺失或不完整的分片会在结果中留下空洞，这里不做检测。
// 合并先写入 public 目录下的隐藏文件，完成后再重命名，避免半成品被当成已存在的文件。
func (r *Reassembler) Merge(ctx context.Context, contentID string) (MergeResult, error) {
	if err := ValidateContentID(contentID); err != nil {
		return MergeResult{}, err
	}

	chunkDir := r.store.TempPath(contentID)
	entries, err := os.ReadDir(chunkDir)
	if errors.Is(err, os.ErrNotExist) {
		return MergeResult{}, fmt.Errorf("%w: %s", ErrTempAreaNotFound, contentID)
	}
	if err != nil {
		return MergeResult{}, fmt.Errorf("%w: read temp area %s: %v", ErrIO, contentID, err)
	}

	chunks := make([]chunkFile, 0, len(entries))
	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}
		index, err := ChunkIndex(entry.Name())
		if err != nil {
			return MergeResult{}, err
		}
		chunks = append(chunks, chunkFile{name: entry.Name(), index: index})
	}
	// 文件名的字典序不是合并顺序: x-10 < x-2
	sort.Slice(chunks, func(i, j int) bool { return chunks[i].index < chunks[j].index })

	partialPath := filepath.Join(r.store.PublicDir(), "."+contentID+".partial")
	dst, err := os.OpenFile(partialPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return MergeResult{}, fmt.Errorf("%w: create %s: %v", ErrIO, partialPath, err)
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, chunk := range chunks {
		chunk := chunk
		g.Go(func() error {
			src, err := os.Open(filepath.Join(chunkDir, chunk.name))
			if err != nil {
				return fmt.Errorf("%w: open chunk %s: %v", ErrIO, chunk.name, err)
			}
			defer src.Close()

			offset := int64(chunk.index) * r.store.ChunkSize()
			if _, err := io.Copy(io.NewOffsetWriter(dst, offset), &contextReader{ctx: gctx, r: src}); err != nil {
				return fmt.Errorf("%w: copy chunk %s at offset %d: %v", ErrIO, chunk.name, offset, err)
			}
			return nil
		})
	}

	err = g.Wait()
	if closeErr := dst.Close(); err == nil && closeErr != nil {
		err = fmt.Errorf("%w: close %s: %v", ErrIO, partialPath, closeErr)
	}
	if err != nil {
		_ = os.Remove(partialPath)
		return MergeResult{}, err
	}

	info, err := os.Stat(partialPath)
	if err != nil {
		return MergeResult{}, fmt.Errorf("%w: stat %s: %v", ErrIO, partialPath, err)
	}
	if err := os.Rename(partialPath, r.store.ArtifactPath(contentID)); err != nil {
		_ = os.Remove(partialPath)
		return MergeResult{}, fmt.Errorf("%w: publish %s: %v", ErrIO, contentID, err)
	}
	if err := r.store.RemoveTemp(contentID); err != nil {
		return MergeResult{}, err
	}

	return MergeResult{ContentID: contentID, Size: info.Size(), ChunkCount: len(chunks)}, nil
}

package service

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"resumable-upload-go/pkg/log"
	"resumable-upload-go/pkg/uploader"
)

// ImportSeedFiles 扫描目录下的文件并通过标准的 verify -> upload -> merge 流程导入（幂等）。
// 已经存在的文件直接跳过，返回本次新导入的文件数。
func ImportSeedFiles(ctx context.Context, svc UploadService, dir string, chunkSize int64) (int, error) {
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		log.Infof("[ImportSeedFiles] 目录 '%s' 不存在或不可用，跳过初始化导入", dir)
		return 0, nil
	}

	imported := 0
	walkErr := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() || !d.Type().IsRegular() {
			return nil
		}

		ok, err := importSeedFile(ctx, svc, path, chunkSize)
		if err != nil {
			log.Warnf("[ImportSeedFiles] 导入失败: %s, err=%v", path, err)
			return nil
		}
		if ok {
			imported++
		}
		return nil
	})
	if walkErr != nil {
		return imported, walkErr
	}
	if imported > 0 {
		log.Infof("[ImportSeedFiles] 导入完成, 新文件数: %d", imported)
	}
	return imported, nil
}

func importSeedFile(ctx context.Context, svc UploadService, path string, chunkSize int64) (bool, error) {
	f, err := uploader.OpenFile(path)
	if err != nil {
		return false, err
	}
	defer f.Close()
	if f.Size() == 0 {
		log.Infof("[ImportSeedFiles] 空文件跳过: %s", path)
		return false, nil
	}

	contentID, err := uploader.ContentID(ctx, io.NewSectionReader(f, 0, f.Size()), f.Name())
	if err != nil {
		return false, err
	}

	// 幂等检查：已完成则跳过，已有部分分片则续传
	result, err := svc.Verify(ctx, contentID)
	if err != nil {
		return false, err
	}
	if result.Exists {
		log.Infof("[ImportSeedFiles] 已存在，跳过: %s (contentId=%s)", f.Name(), contentID)
		return false, nil
	}
	persisted := make(map[string]int64, len(result.Chunks))
	for _, c := range result.Chunks {
		persisted[c.ChunkFileName] = c.Size
	}

	chunks, err := uploader.Split(contentID, f.Size(), chunkSize)
	if err != nil {
		return false, err
	}
	for _, c := range chunks {
		offset := persisted[c.Name]
		if offset >= c.Len() {
			continue
		}
		if _, err := svc.UploadChunk(ctx, contentID, c.Name, offset, c.Section(f, offset)); err != nil {
			return false, fmt.Errorf("上传分片 %s 失败: %w", c.Name, err)
		}
	}

	if _, err := svc.MergeChunks(ctx, contentID); err != nil {
		return false, fmt.Errorf("合并失败: %w", err)
	}
	log.Infof("[ImportSeedFiles] 导入完成: %s (contentId=%s)", f.Name(), contentID)
	return true, nil
}

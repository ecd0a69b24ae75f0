// Package chunkstore 负责服务端分片文件在本地磁盘上的持久化与合并。
//
// 磁盘布局：
//
//	{public}/{contentId}                 合并完成的文件
//	{temp}/{contentId}/{contentId}-{i}   上传中的分片文件，合并后删除
package chunkstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"resumable-upload-go/internal/model"
)

var (
	// ErrIO 表示磁盘读写失败。
	ErrIO = errors.New("chunkstore: io error")
	// ErrInvalidContentID 表示 contentId 不能安全地映射为文件名。
	ErrInvalidContentID = errors.New("chunkstore: invalid content id")
	// ErrInvalidChunkName 表示分片名不是 "{contentId}-{index}" 的形式。
	ErrInvalidChunkName = errors.New("chunkstore: invalid chunk name")
	// ErrInvalidOffset 表示写入起始偏移为负数。
	ErrInvalidOffset = errors.New("chunkstore: invalid start offset")
	// ErrTempAreaNotFound 表示该 contentId 没有任何已上传的分片。
	ErrTempAreaNotFound = errors.New("chunkstore: temp area not found")
)

// Store 管理 public 与 temp 两个目录。
// 它不对同一 contentId 的并发请求加锁，同一分片的并发写入以最后落盘者为准。
type Store struct {
	publicDir string
	tempDir   string
	chunkSize int64
}

// TempArea 是一个尚未合并的上传临时目录。
type TempArea struct {
	ContentID string
	ModTime   time.Time
}

// New 创建 Store，并确保 public 与 temp 目录存在。
func New(publicDir, tempDir string, chunkSize int64) (*Store, error) {
	if chunkSize <= 0 {
		return nil, fmt.Errorf("chunkstore: chunk size must be positive, got %d", chunkSize)
	}
	for _, dir := range []string{publicDir, tempDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("%w: create %s: %v", ErrIO, dir, err)
		}
	}
	return &Store{publicDir: publicDir, tempDir: tempDir, chunkSize: chunkSize}, nil
}

// ChunkSize 返回合并时使用的固定分片大小。
func (s *Store) ChunkSize() int64 { return s.chunkSize }

// PublicDir 返回合并后文件所在目录。
func (s *Store) PublicDir() string { return s.publicDir }

// ArtifactPath 返回 contentId 对应的最终文件路径。
func (s *Store) ArtifactPath(contentID string) string {
	return filepath.Join(s.publicDir, contentID)
}

// TempPath 返回 contentId 对应的临时目录。
func (s *Store) TempPath(contentID string) string {
	return filepath.Join(s.tempDir, contentID)
}

// ValidateContentID 拒绝任何可能逃逸出存储目录的 contentId。
// 以 "." 开头的名字保留给合并过程中的临时文件。
func ValidateContentID(contentID string) error {
	if contentID == "" || strings.HasPrefix(contentID, ".") || strings.ContainsAny(contentID, `/\`) || strings.ContainsRune(contentID, 0) {
		return fmt.Errorf("%w: %q", ErrInvalidContentID, contentID)
	}
	return nil
}

// ChunkIndex 解析分片名最后一个 "-" 之后的数字序号。
func ChunkIndex(chunkName string) (int, error) {
	pos := strings.LastIndexByte(chunkName, '-')
	if pos < 0 || pos == len(chunkName)-1 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidChunkName, chunkName)
	}
	suffix := chunkName[pos+1:]
	for i := 0; i < len(suffix); i++ {
		if suffix[i] < '0' || suffix[i] > '9' {
			return 0, fmt.Errorf("%w: %q", ErrInvalidChunkName, chunkName)
		}
	}
	index, err := strconv.Atoi(suffix)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidChunkName, chunkName)
	}
	return index, nil
}

func validateChunkName(contentID, chunkName string) error {
	if !strings.HasPrefix(chunkName, contentID+"-") || strings.ContainsAny(chunkName, `/\`) {
		return fmt.Errorf("%w: %q does not belong to %q", ErrInvalidChunkName, chunkName, contentID)
	}
	_, err := ChunkIndex(chunkName)
	return err
}

// ArtifactExists 判断合并完成的文件是否已经存在。
func (s *Store) ArtifactExists(contentID string) (bool, error) {
	if err := ValidateContentID(contentID); err != nil {
		return false, err
	}
	info, err := os.Stat(s.ArtifactPath(contentID))
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("%w: stat artifact %s: %v", ErrIO, contentID, err)
	}
	return info.Mode().IsRegular(), nil
}

// TempExists 判断 contentId 的临时目录是否存在。
func (s *Store) TempExists(contentID string) (bool, error) {
	if err := ValidateContentID(contentID); err != nil {
		return false, err
	}
	info, err := os.Stat(s.TempPath(contentID))
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("%w: stat temp area %s: %v", ErrIO, contentID, err)
	}
	return info.IsDir(), nil
}

// Inventory 列出临时目录中已落盘的分片及其大小，按文件名排序。
// 临时目录不存在时返回 nil。
func (s *Store) Inventory(contentID string) ([]model.ChunkRecord, error) {
	if err := ValidateContentID(contentID); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(s.TempPath(contentID))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: read temp area %s: %v", ErrIO, contentID, err)
	}

	records := make([]model.ChunkRecord, 0, len(entries))
	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			return nil, fmt.Errorf("%w: stat chunk %s: %v", ErrIO, entry.Name(), err)
		}
		records = append(records, model.ChunkRecord{ChunkFileName: entry.Name(), Size: info.Size()})
	}
	return records, nil
}

// WriteChunk 把 r 中的数据写入分片文件，从 start 偏移开始。
//
// 调用方保证 start 等于该分片上一次已落盘的大小；服务端不校验，偏移不一致会覆盖或留下空洞。
// 请求中途断开时，已经写入的字节保留在磁盘上，供下一次续传。
func (s *Store) WriteChunk(ctx context.Context, contentID, chunkName string, start int64, r io.Reader) (int64, error) {
	if err := ValidateContentID(contentID); err != nil {
		return 0, err
	}
	if err := validateChunkName(contentID, chunkName); err != nil {
		return 0, err
	}
	if start < 0 {
		return 0, fmt.Errorf("%w: %d", ErrInvalidOffset, start)
	}

	dir := s.TempPath(contentID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return 0, fmt.Errorf("%w: create temp area %s: %v", ErrIO, contentID, err)
	}

	f, err := os.OpenFile(filepath.Join(dir, chunkName), os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return 0, fmt.Errorf("%w: open chunk %s: %v", ErrIO, chunkName, err)
	}
	if _, err := f.Seek(start, io.SeekStart); err != nil {
		_ = f.Close()
		return 0, fmt.Errorf("%w: seek chunk %s to %d: %v", ErrIO, chunkName, start, err)
	}

	written, copyErr := io.Copy(f, &contextReader{ctx: ctx, r: r})
	closeErr := f.Close()
	if copyErr != nil {
		return written, fmt.Errorf("%w: write chunk %s after %d bytes: %v", ErrIO, chunkName, written, copyErr)
	}
	if closeErr != nil {
		return written, fmt.Errorf("%w: close chunk %s: %v", ErrIO, chunkName, closeErr)
	}
	return written, nil
}

// RemoveTemp 递归删除 contentId 的临时目录。
func (s *Store) RemoveTemp(contentID string) error {
	if err := ValidateContentID(contentID); err != nil {
		return err
	}
	if err := os.RemoveAll(s.TempPath(contentID)); err != nil {
		return fmt.Errorf("%w: remove temp area %s: %v", ErrIO, contentID, err)
	}
	return nil
}

// TempAreas 列出所有临时目录，ModTime 取目录内最新分片的修改时间。
func (s *Store) TempAreas() ([]TempArea, error) {
	entries, err := os.ReadDir(s.tempDir)
	if err != nil {
		return nil, fmt.Errorf("%w: read temp dir: %v", ErrIO, err)
	}

	areas := make([]TempArea, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		latest := info.ModTime()
		chunks, err := os.ReadDir(filepath.Join(s.tempDir, entry.Name()))
		if err == nil {
			for _, chunk := range chunks {
				if ci, err := chunk.Info(); err == nil && ci.ModTime().After(latest) {
					latest = ci.ModTime()
				}
			}
		}
		areas = append(areas, TempArea{ContentID: entry.Name(), ModTime: latest})
	}
	return areas, nil
}

// contextReader 在每次 Read 之前检查 ctx，使请求取消后尽快停止写盘。
type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *contextReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}

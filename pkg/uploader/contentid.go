package uploader

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
)

// ContentID 计算 hex(SHA-256(content)) + "." + 扩展名。
// 内容相同的文件无论文件名如何都得到相同的 id；没有扩展名的文件只返回哈希。
func ContentID(ctx context.Context, r io.Reader, name string) (string, error) {
	h := sha256.New()
	if _, err := io.Copy(h, &contextReader{ctx: ctx, r: r}); err != nil {
		if errors.Is(ctx.Err(), context.Canceled) {
			return "", fmt.Errorf("%w: hashing %s: %v", ErrCancelled, name, ctx.Err())
		}
		if ctx.Err() != nil {
			return "", fmt.Errorf("hashing %s: %w", name, ctx.Err())
		}
		return "", fmt.Errorf("%w: hashing %s: %v", ErrIO, name, err)
	}
	sum := hex.EncodeToString(h.Sum(nil))
	if ext := Extension(name); ext != "" {
		return sum + "." + ext, nil
	}
	return sum, nil
}

// ContentIDResult 是 ContentIDAsync 的结果。
type ContentIDResult struct {
	ID  string
	Err error
}

// ContentIDAsync 在独立的 goroutine 中计算 ContentID，哈希是 CPU 密集的阻塞操作。
// 返回的 channel 恰好收到一个结果。
func ContentIDAsync(ctx context.Context, r io.Reader, name string) <-chan ContentIDResult {
	ch := make(chan ContentIDResult, 1)
	go func() {
		id, err := ContentID(ctx, r, name)
		ch <- ContentIDResult{ID: id, Err: err}
	}()
	return ch
}

// Extension 返回文件名最后一个 "." 之后的部分，不含 "."。
func Extension(name string) string {
	base := filepath.Base(name)
	pos := strings.LastIndexByte(base, '.')
	if pos <= 0 || pos == len(base)-1 {
		return ""
	}
	return base[pos+1:]
}

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

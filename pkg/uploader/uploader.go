// Package uploader 实现了分片上传协议的客户端：计算内容指纹、切片、并发上传、断点续传与合并。
package uploader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"golang.org/x/sync/errgroup"
	"resumable-upload-go/pkg/log"
)

const (
	// DefaultChunkSize 与服务端默认值保持一致 (100MB)。
	DefaultChunkSize = 100 * 1024 * 1024
	// DefaultMaxAttempts 是整个上传流程的最大尝试次数。
	DefaultMaxAttempts = 3
	// DefaultMaxFileSize 是允许上传的最大文件 (2GB)。
	DefaultMaxFileSize = 2 * 1024 * 1024 * 1024
)

// Option 配置 Uploader。
type Option func(*Uploader)

// WithChunkSize 设置分片大小，必须与服务端一致。
func WithChunkSize(n int64) Option {
	return func(u *Uploader) { u.chunkSize = n }
}

// WithMaxAttempts 设置最大尝试次数。
func WithMaxAttempts(n int) Option {
	return func(u *Uploader) { u.maxAttempts = n }
}

// WithMaxFileSize 设置允许上传的最大文件，0 表示不限制。
func WithMaxFileSize(n int64) Option {
	return func(u *Uploader) { u.maxFileSize = n }
}

// WithObserver 注册一个状态订阅者，等同于 Subscribe。
func WithObserver(fn func(Snapshot)) Option {
	return func(u *Uploader) { u.observers = append(u.observers, fn) }
}

// Uploader 驱动 verify -> 上传缺失分片 -> merge 的流程。
// 同一时刻只有一个上传会话；Start 阻塞直到成功、暂停或失败。
type Uploader struct {
	transport   Transport
	chunkSize   int64
	maxAttempts int
	maxFileSize int64

	mu        sync.Mutex
	session   *session
	status    Status
	cancel    context.CancelFunc
	observers []func(Snapshot)
}

// New 创建一个 Uploader。
func New(transport Transport, opts ...Option) *Uploader {
	u := &Uploader{
		transport:   transport,
		chunkSize:   DefaultChunkSize,
		maxAttempts: DefaultMaxAttempts,
		maxFileSize: DefaultMaxFileSize,
	}
	for _, opt := range opts {
		opt(u)
	}
	if u.maxAttempts < 1 {
		u.maxAttempts = 1
	}
	return u
}

// Subscribe 注册一个订阅者，每次状态或进度变化时收到快照。回调可能来自多个 goroutine。
func (u *Uploader) Subscribe(fn func(Snapshot)) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.observers = append(u.observers, fn)
}

// Status 返回当前状态。
func (u *Uploader) Status() Status {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.status
}

// Progress 返回 chunkName -> 百分比 的副本。
func (u *Uploader) Progress() map[string]float64 {
	return u.Snapshot().Progress
}

// OverallProgress 返回各分片百分比的平均值。
func (u *Uploader) OverallProgress() float64 {
	return u.Snapshot().Overall
}

// Snapshot 返回当前状态的副本。
func (u *Uploader) Snapshot() Snapshot {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.session == nil {
		return Snapshot{Status: u.status, Progress: map[string]float64{}}
	}
	return u.session.snapshot(u.status)
}

// Pause 取消所有进行中的分片请求。已经写到服务端的字节保留，下次 Start 时从断点继续。
// 状态在 Start 返回时变为 Paused。
func (u *Uploader) Pause() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.status != StatusUploading || u.cancel == nil {
		return false
	}
	u.cancel()
	return true
}

// Reset 丢弃当前会话并回到 NotStarted。服务端的临时分片不会被删除。
func (u *Uploader) Reset() {
	u.mu.Lock()
	if u.cancel != nil {
		u.cancel()
		u.cancel = nil
	}
	u.session = nil
	u.status = StatusNotStarted
	snap := Snapshot{Status: StatusNotStarted, Progress: map[string]float64{}}
	observers := append([]func(Snapshot){}, u.observers...)
	u.mu.Unlock()

	for _, fn := range observers {
		fn(snap)
	}
}

// Start 上传 f，阻塞直到成功、暂停或失败。
// 暂停或失败后以同一个 File 值再次调用 Start 会复用已计算的 ContentID 并从服务端记录的偏移续传，
// 其他 File 一律重新计算 ContentID。
func (u *Uploader) Start(ctx context.Context, f File) error {
	if f == nil {
		return ErrNoFile
	}
	if f.Size() == 0 {
		return fmt.Errorf("%w: %s", ErrEmptyFile, f.Name())
	}
	if u.maxFileSize > 0 && f.Size() > u.maxFileSize {
		return fmt.Errorf("%w: %s is %d bytes, limit %d", ErrFileTooLarge, f.Name(), f.Size(), u.maxFileSize)
	}

	u.mu.Lock()
	if u.status == StatusUploading {
		u.mu.Unlock()
		return ErrAlreadyActive
	}
	sess := u.session
	if sess == nil || u.status == StatusSuccess || !sess.sameFile(f) {
		sess = newSession(f)
	}
	sess.file = f
	sess.attempts = 0
	sess.err = nil
	runCtx, cancel := context.WithCancel(ctx)
	u.session = sess
	u.cancel = cancel
	u.status = StatusUploading
	u.mu.Unlock()
	defer cancel()

	u.notify(sess)
	log.Infof("[Uploader] 开始上传, session: %s, file: %s, size: %d", sess.id, f.Name(), f.Size())

	err := u.run(runCtx, sess)

	var next Status
	switch {
	case err == nil:
		next = StatusSuccess
	case isCancelled(runCtx, err):
		next = StatusPaused
		err = fmt.Errorf("%w: %v", ErrCancelled, err)
	default:
		next = StatusFailed
	}

	u.mu.Lock()
	if u.session != sess {
		// 上传过程中被 Reset，不再修改状态
		u.mu.Unlock()
		return fmt.Errorf("%w: session reset", ErrCancelled)
	}
	sess.err = err
	u.cancel = nil
	u.mu.Unlock()

	u.transition(sess, next)
	switch next {
	case StatusSuccess:
		log.Infof("[Uploader] 上传成功, contentId: %s, deduplicated: %t", sess.contentID, sess.deduplicated)
	case StatusPaused:
		log.Infof("[Uploader] 上传已暂停, contentId: %s", sess.contentID)
	default:
		log.Errorf("[Uploader] 上传失败, contentId: %s, attempts: %d, error: %v", sess.contentID, sess.attempts, err)
	}
	return err
}

// run 计算 ContentID 并在尝试次数内重复整个 verify -> upload -> merge 流程。
func (u *Uploader) run(ctx context.Context, sess *session) error {
	if sess.contentID == "" {
		if err := u.prepare(ctx, sess); err != nil {
			return err
		}
	}

	var lastErr error
	for sess.attempts < u.maxAttempts {
		u.mu.Lock()
		sess.attempts++
		attempt := sess.attempts
		u.mu.Unlock()

		lastErr = u.attempt(ctx, sess)
		if lastErr == nil {
			return nil
		}
		if isCancelled(ctx, lastErr) {
			return lastErr
		}
		if ctx.Err() != nil {
			// 超时后重试没有意义
			return fmt.Errorf("upload failed after %d attempts: %w: %v", sess.attempts, ctx.Err(), lastErr)
		}
		if errors.Is(lastErr, ErrValidation) {
			break
		}
		log.Warnf("[Uploader] 第 %d/%d 次上传失败, contentId: %s, error: %v", attempt, u.maxAttempts, sess.contentID, lastErr)
	}
	return fmt.Errorf("upload failed after %d attempts: %w", sess.attempts, lastErr)
}

// prepare 在后台 goroutine 中计算 ContentID 并切片。
func (u *Uploader) prepare(ctx context.Context, sess *session) error {
	var res ContentIDResult
	select {
	case res = <-ContentIDAsync(ctx, io.NewSectionReader(sess.file, 0, sess.file.Size()), sess.file.Name()):
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.Canceled) {
			return fmt.Errorf("%w: %v", ErrCancelled, ctx.Err())
		}
		return fmt.Errorf("hashing %s: %w", sess.file.Name(), ctx.Err())
	}
	if res.Err != nil {
		return res.Err
	}

	chunks, err := Split(res.ID, sess.file.Size(), u.chunkSize)
	if err != nil {
		return err
	}

	u.mu.Lock()
	sess.contentID = res.ID
	sess.chunks = chunks
	for _, c := range chunks {
		sess.progress[c.Name] = 0
	}
	u.mu.Unlock()
	u.notify(sess)
	return nil
}

// attempt 执行一次完整的 verify -> 并发上传 -> merge。
func (u *Uploader) attempt(ctx context.Context, sess *session) error {
	verify, err := u.transport.Verify(ctx, sess.contentID)
	if err != nil {
		return err
	}
	if !verify.NeedUpload {
		u.mu.Lock()
		sess.deduplicated = true
		for _, c := range sess.chunks {
			sess.progress[c.Name] = 100
		}
		u.mu.Unlock()
		u.notify(sess)
		return nil
	}

	persisted := make(map[string]int64, len(verify.UploadedChunks))
	for _, r := range verify.UploadedChunks {
		persisted[r.ChunkFileName] = r.Size
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, c := range sess.chunks {
		c := c
		offset := persisted[c.Name]
		if offset >= c.Len() {
			u.setProgress(sess, c.Name, 100)
			continue
		}
		u.setProgress(sess, c.Name, percent(offset, c.Len()))

		g.Go(func() error {
			return u.transport.UploadChunk(gctx, sess.contentID, c.Name, offset, c.Section(sess.file, offset), c.Len()-offset, func(sent int64) {
				u.setProgress(sess, c.Name, percent(offset+sent, c.Len()))
			})
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	return u.transport.Merge(ctx, sess.contentID)
}

func (u *Uploader) setProgress(sess *session, chunkName string, p float64) {
	u.mu.Lock()
	if u.session != sess {
		u.mu.Unlock()
		return
	}
	sess.progress[chunkName] = p
	u.mu.Unlock()
	u.notify(sess)
}

func (u *Uploader) transition(sess *session, status Status) {
	u.mu.Lock()
	if u.session != sess {
		u.mu.Unlock()
		return
	}
	u.status = status
	u.mu.Unlock()
	u.notify(sess)
}

func (u *Uploader) notify(sess *session) {
	u.mu.Lock()
	if u.session != sess || len(u.observers) == 0 {
		u.mu.Unlock()
		return
	}
	snap := sess.snapshot(u.status)
	observers := append([]func(Snapshot){}, u.observers...)
	u.mu.Unlock()

	for _, fn := range observers {
		fn(snap)
	}
}

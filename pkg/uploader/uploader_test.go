package uploader

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memTransport 是内存中的服务端实现。
type memTransport struct {
	mu          sync.Mutex
	chunks      map[string][]byte
	merged      map[string][]byte
	verifyErrs  []error
	starts      map[string][]int64
	verifyCalls int
	uploadCalls int
	mergeCalls  int

	// failChunk 非空时，该分片的每次上传都返回 ErrNetwork。
	failChunk string

	// holdChunk 非空时，该分片的第一次上传写入 holdBytes 字节后阻塞到 ctx 结束。
	holdChunk string
	holdBytes int
	held      chan struct{}
}

func newMemTransport() *memTransport {
	return &memTransport{
		chunks: make(map[string][]byte),
		merged: make(map[string][]byte),
		starts: make(map[string][]int64),
		held:   make(chan struct{}),
	}
}

func (m *memTransport) Verify(_ context.Context, contentID string) (*VerifyResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.verifyCalls++
	if len(m.verifyErrs) > 0 {
		err := m.verifyErrs[0]
		m.verifyErrs = m.verifyErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	if _, ok := m.merged[contentID]; ok {
		return &VerifyResult{NeedUpload: false}, nil
	}
	res := &VerifyResult{NeedUpload: true}
	for name, data := range m.chunks {
		if strings.HasPrefix(name, contentID+"-") {
			res.UploadedChunks = append(res.UploadedChunks, ChunkRecord{ChunkFileName: name, Size: int64(len(data))})
		}
	}
	return res, nil
}

func (m *memTransport) UploadChunk(ctx context.Context, _ string, chunkName string, start int64, body io.Reader, length int64, progress func(sent int64)) error {
	m.mu.Lock()
	m.uploadCalls++
	m.starts[chunkName] = append(m.starts[chunkName], start)
	hold := chunkName == m.holdChunk
	if hold {
		m.holdChunk = ""
	}
	fail := chunkName == m.failChunk
	m.mu.Unlock()

	if fail {
		return fmt.Errorf("%w: connection reset", ErrNetwork)
	}

	if hold {
		part := make([]byte, m.holdBytes)
		if _, err := io.ReadFull(body, part); err != nil {
			return err
		}
		m.write(chunkName, start, part)
		progress(int64(len(part)))
		close(m.held)
		<-ctx.Done()
		return fmt.Errorf("%w: %v", ErrCancelled, ctx.Err())
	}

	data, err := io.ReadAll(body)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	if int64(len(data)) != length {
		return fmt.Errorf("%w: short body", ErrNetwork)
	}
	m.write(chunkName, start, data)
	if progress != nil {
		progress(int64(len(data)))
	}
	return nil
}

func (m *memTransport) write(chunkName string, start int64, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	buf := m.chunks[chunkName]
	m.chunks[chunkName] = append(buf[:start], data...)
}

func (m *memTransport) Merge(_ context.Context, contentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mergeCalls++

	var names []string
	for name := range m.chunks {
		if strings.HasPrefix(name, contentID+"-") {
			names = append(names, name)
		}
	}
	index := func(name string) int {
		i, _ := strconv.Atoi(name[strings.LastIndexByte(name, '-')+1:])
		return i
	}
	sort.Slice(names, func(i, j int) bool { return index(names[i]) < index(names[j]) })

	var out []byte
	for _, name := range names {
		out = append(out, m.chunks[name]...)
		delete(m.chunks, name)
	}
	m.merged[contentID] = out
	return nil
}

func testData(n int) []byte {
	data := make([]byte, n)
	for i := range data {
		data[i] = byte(i * 7)
	}
	return data
}

func contentIDOf(t *testing.T, data []byte, name string) string {
	t.Helper()
	id, err := ContentID(context.Background(), bytes.NewReader(data), name)
	require.NoError(t, err)
	return id
}

func TestUploader_success(t *testing.T) {
	data := testData(250)
	tr := newMemTransport()
	u := New(tr, WithChunkSize(100))

	err := u.Start(context.Background(), BytesFile("video.mp4", data))
	require.NoError(t, err)

	snap := u.Snapshot()
	assert.Equal(t, StatusSuccess, snap.Status)
	assert.Equal(t, contentIDOf(t, data, "video.mp4"), snap.ContentID)
	assert.Equal(t, 1, snap.Attempts)
	assert.False(t, snap.Deduplicated)
	assert.Len(t, snap.Progress, 3)
	assert.InDelta(t, 100, snap.Overall, 0.001)
	assert.Equal(t, data, tr.merged[snap.ContentID])
	assert.Equal(t, 3, tr.uploadCalls)
	assert.Equal(t, 1, tr.mergeCalls)
}

func TestUploader_deduplicated(t *testing.T) {
	data := testData(250)
	tr := newMemTransport()
	tr.merged[contentIDOf(t, data, "video.mp4")] = data
	u := New(tr, WithChunkSize(100))

	require.NoError(t, u.Start(context.Background(), BytesFile("copy-of-video.mp4", data)))

	snap := u.Snapshot()
	assert.Equal(t, StatusSuccess, snap.Status)
	assert.True(t, snap.Deduplicated)
	assert.Equal(t, 0, tr.uploadCalls)
	assert.Equal(t, 0, tr.mergeCalls)
	assert.InDelta(t, 100, u.OverallProgress(), 0.001)
}

func TestUploader_retriesExhausted(t *testing.T) {
	tr := newMemTransport()
	tr.verifyErrs = []error{ErrNetwork, ErrNetwork, ErrNetwork, ErrNetwork}
	u := New(tr, WithChunkSize(100))

	err := u.Start(context.Background(), BytesFile("a.bin", testData(10)))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNetwork))
	assert.Equal(t, StatusFailed, u.Status())
	assert.Equal(t, 3, tr.verifyCalls)
	assert.Equal(t, 3, u.Snapshot().Attempts)
	assert.Equal(t, err, u.Snapshot().Err)
}

func TestUploader_retryThenSuccess(t *testing.T) {
	data := testData(10)
	tr := newMemTransport()
	tr.verifyErrs = []error{ErrNetwork}
	u := New(tr, WithChunkSize(4))

	require.NoError(t, u.Start(context.Background(), BytesFile("a.bin", data)))
	assert.Equal(t, StatusSuccess, u.Status())
	assert.Equal(t, 2, u.Snapshot().Attempts)
	assert.Equal(t, data, tr.merged[u.Snapshot().ContentID])
}

func TestUploader_validationNotRetried(t *testing.T) {
	tr := newMemTransport()
	tr.verifyErrs = []error{fmt.Errorf("%w: bad id", ErrValidation)}
	u := New(tr)

	err := u.Start(context.Background(), BytesFile("a.bin", testData(10)))
	assert.True(t, errors.Is(err, ErrValidation))
	assert.Equal(t, StatusFailed, u.Status())
	assert.Equal(t, 1, tr.verifyCalls)
}

func (m *memTransport) calls() (verify, upload, merge int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.verifyCalls, m.uploadCalls, m.mergeCalls
}

func TestUploader_chunkFailureRetriesWholeUpload(t *testing.T) {
	data := testData(250)
	id := contentIDOf(t, data, "a.bin")
	tr := newMemTransport()
	tr.failChunk = id + "-1"
	u := New(tr, WithChunkSize(100))

	err := u.Start(context.Background(), BytesFile("a.bin", data))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNetwork)

	snap := u.Snapshot()
	assert.Equal(t, StatusFailed, snap.Status)
	assert.Equal(t, 3, snap.Attempts)
	assert.Len(t, tr.starts[id+"-1"], 3)
	// 其他分片第一次就成功了，之后的尝试按服务端记录跳过
	assert.Len(t, tr.starts[id+"-0"], 1)
	assert.Len(t, tr.starts[id+"-2"], 1)

	verify, upload, merge := tr.calls()
	assert.Equal(t, 3, verify)
	assert.Equal(t, 5, upload)
	assert.Equal(t, 0, merge)

	// 失败之后不再发出任何请求
	time.Sleep(50 * time.Millisecond)
	assert.False(t, u.Pause())
	assert.Equal(t, StatusFailed, u.Status())
	v2, u2, m2 := tr.calls()
	assert.Equal(t, []int{verify, upload, merge}, []int{v2, u2, m2})
}

func TestUploader_sameNameDifferentContentRehashes(t *testing.T) {
	first := bytes.Repeat([]byte("A"), 250)
	second := bytes.Repeat([]byte("B"), 250)
	tr := newMemTransport()
	tr.verifyErrs = []error{ErrNetwork, ErrNetwork, ErrNetwork}
	u := New(tr, WithChunkSize(100))

	require.Error(t, u.Start(context.Background(), BytesFile("a.bin", first)))
	assert.Equal(t, contentIDOf(t, first, "a.bin"), u.Snapshot().ContentID)

	require.NoError(t, u.Start(context.Background(), BytesFile("a.bin", second)))
	secondID := contentIDOf(t, second, "a.bin")
	assert.Equal(t, secondID, u.Snapshot().ContentID)
	assert.Equal(t, second, tr.merged[secondID])
	assert.NotContains(t, tr.merged, contentIDOf(t, first, "a.bin"))
}

func TestUploader_deadlineIsFailureNotPause(t *testing.T) {
	data := testData(250)
	id := contentIDOf(t, data, "a.bin")
	tr := newMemTransport()
	tr.holdChunk = id + "-1"
	tr.holdBytes = 10
	u := New(tr, WithChunkSize(100))

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	err := u.Start(ctx, BytesFile("a.bin", data))

	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.NotErrorIs(t, err, ErrCancelled)
	assert.Equal(t, StatusFailed, u.Status())
	verify, _, _ := tr.calls()
	assert.Equal(t, 1, verify)
}

func TestUploader_rejectsInput(t *testing.T) {
	tr := newMemTransport()
	u := New(tr, WithMaxFileSize(8))

	assert.ErrorIs(t, u.Start(context.Background(), nil), ErrNoFile)
	assert.ErrorIs(t, u.Start(context.Background(), BytesFile("empty.txt", nil)), ErrEmptyFile)
	assert.ErrorIs(t, u.Start(context.Background(), BytesFile("big.bin", testData(9))), ErrFileTooLarge)

	assert.Equal(t, StatusNotStarted, u.Status())
	assert.Equal(t, 0, tr.verifyCalls)
}

func TestUploader_resumesFromServerOffsets(t *testing.T) {
	data := testData(250)
	id := contentIDOf(t, data, "a.bin")
	tr := newMemTransport()
	tr.chunks[id+"-0"] = append([]byte{}, data[:100]...)
	tr.chunks[id+"-1"] = append([]byte{}, data[100:140]...)

	var mu sync.Mutex
	var seen []float64
	u := New(tr, WithChunkSize(100), WithObserver(func(s Snapshot) {
		mu.Lock()
		defer mu.Unlock()
		if p, ok := s.Progress[id+"-1"]; ok {
			seen = append(seen, p)
		}
	}))

	require.NoError(t, u.Start(context.Background(), BytesFile("a.bin", data)))

	assert.NotContains(t, tr.starts, id+"-0")
	assert.Equal(t, []int64{40}, tr.starts[id+"-1"])
	assert.Equal(t, []int64{0}, tr.starts[id+"-2"])
	assert.Equal(t, data, tr.merged[id])

	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, seen, float64(40))
}

func TestUploader_pauseAndResume(t *testing.T) {
	data := testData(250)
	id := contentIDOf(t, data, "a.bin")
	tr := newMemTransport()
	tr.holdChunk = id + "-1"
	tr.holdBytes = 30
	u := New(tr, WithChunkSize(100))
	f := BytesFile("a.bin", data)

	done := make(chan error, 1)
	go func() { done <- u.Start(context.Background(), f) }()

	select {
	case <-tr.held:
	case <-time.After(5 * time.Second):
		t.Fatal("upload never reached chunk 1")
	}
	assert.ErrorIs(t, u.Start(context.Background(), f), ErrAlreadyActive)
	assert.True(t, u.Pause())

	err := <-done
	assert.ErrorIs(t, err, ErrCancelled)
	assert.Equal(t, StatusPaused, u.Status())
	assert.Equal(t, id, u.Snapshot().ContentID)
	assert.False(t, u.Pause())

	require.NoError(t, u.Start(context.Background(), f))
	assert.Equal(t, StatusSuccess, u.Status())
	assert.Equal(t, []int64{0, 30}, tr.starts[id+"-1"])
	assert.Equal(t, data, tr.merged[id])
	assert.Equal(t, 1, u.Snapshot().Attempts)
}

func TestUploader_reset(t *testing.T) {
	tr := newMemTransport()
	tr.verifyErrs = []error{ErrNetwork, ErrNetwork, ErrNetwork}
	u := New(tr, WithChunkSize(4))
	f := BytesFile("a.bin", testData(10))

	require.Error(t, u.Start(context.Background(), f))
	failed := u.Snapshot()
	require.Equal(t, StatusFailed, failed.Status)

	u.Reset()
	assert.Equal(t, StatusNotStarted, u.Status())
	assert.Empty(t, u.Progress())
	assert.Zero(t, u.OverallProgress())

	require.NoError(t, u.Start(context.Background(), f))
	assert.NotEqual(t, failed.SessionID, u.Snapshot().SessionID)
	assert.Equal(t, failed.ContentID, u.Snapshot().ContentID)
}

func TestUploader_observerTransitions(t *testing.T) {
	tr := newMemTransport()
	var mu sync.Mutex
	var statuses []Status
	u := New(tr, WithChunkSize(4))
	u.Subscribe(func(s Snapshot) {
		mu.Lock()
		defer mu.Unlock()
		if len(statuses) == 0 || statuses[len(statuses)-1] != s.Status {
			statuses = append(statuses, s.Status)
		}
	})

	require.NoError(t, u.Start(context.Background(), BytesFile("a.bin", testData(10))))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []Status{StatusUploading, StatusSuccess}, statuses)
}

func TestSessionOverall(t *testing.T) {
	s := newSession(BytesFile("a.bin", testData(250)))
	assert.Zero(t, s.overall())

	s.progress["a.bin-0"] = 100
	s.progress["a.bin-1"] = 100
	s.progress["a.bin-2"] = 50
	assert.InDelta(t, 83.333, s.overall(), 0.001)
}

func TestStatusString(t *testing.T) {
	assert.Equal(t, "NOT_STARTED", StatusNotStarted.String())
	assert.Equal(t, "PAUSED", StatusPaused.String())
	assert.Equal(t, "UNKNOWN", Status(42).String())
}

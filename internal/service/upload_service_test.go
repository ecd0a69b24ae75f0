package service

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"resumable-upload-go/internal/chunkstore"
	"resumable-upload-go/internal/model"
	"resumable-upload-go/internal/repository"
	"resumable-upload-go/pkg/tasks"
)

const testID = "cafebabe.mp4"

type fakeArtifactRepo struct {
	mu      sync.Mutex
	records map[string]*model.ArtifactRecord
}

func (f *fakeArtifactRepo) SaveArtifact(record *model.ArtifactRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.records == nil {
		f.records = map[string]*model.ArtifactRecord{}
	}
	f.records[record.ContentID] = record
	return nil
}

func (f *fakeArtifactRepo) GetArtifact(contentID string) (*model.ArtifactRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if r, ok := f.records[contentID]; ok {
		return r, nil
	}
	return nil, repository.ErrArtifactNotFound
}

func (f *fakeArtifactRepo) MarkArchived(string, string, time.Time) error { return nil }

type fakePublisher struct {
	mu    sync.Mutex
	tasks []tasks.ArtifactMergedTask
	err   error
}

func (f *fakePublisher) PublishArtifactMerged(_ context.Context, task tasks.ArtifactMergedTask) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tasks = append(f.tasks, task)
	return f.err
}

type testEnv struct {
	store     *chunkstore.Store
	artifacts *fakeArtifactRepo
	publisher *fakePublisher
	svc       UploadService
}

func newTestEnv(t *testing.T, chunkSize int64) *testEnv {
	t.Helper()
	root := t.TempDir()
	store, err := chunkstore.New(filepath.Join(root, "public"), filepath.Join(root, "temp"), chunkSize)
	require.NoError(t, err)
	env := &testEnv{store: store, artifacts: &fakeArtifactRepo{}, publisher: &fakePublisher{}}
	env.svc = NewUploadService(store, env.artifacts, repository.NewFSActivityRepository(store), env.publisher)
	return env
}

func TestVerify_freshUpload(t *testing.T) {
	env := newTestEnv(t, 4)

	result, err := env.svc.Verify(context.Background(), testID)
	require.NoError(t, err)
	assert.False(t, result.Exists)
	assert.Empty(t, result.Chunks)
}

func TestVerify_idempotent(t *testing.T) {
	env := newTestEnv(t, 4)
	ctx := context.Background()
	_, err := env.svc.UploadChunk(ctx, testID, testID+"-0", 0, bytes.NewReader([]byte("ab")))
	require.NoError(t, err)

	first, err := env.svc.Verify(ctx, testID)
	require.NoError(t, err)
	second, err := env.svc.Verify(ctx, testID)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, []model.ChunkRecord{{ChunkFileName: testID + "-0", Size: 2}}, first.Chunks)
}

func TestMergeChunks_thenVerifyDeduplicates(t *testing.T) {
	env := newTestEnv(t, 4)
	ctx := context.Background()

	_, err := env.svc.UploadChunk(ctx, testID, testID+"-0", 0, bytes.NewReader([]byte("abcd")))
	require.NoError(t, err)
	_, err = env.svc.UploadChunk(ctx, testID, testID+"-1", 0, bytes.NewReader([]byte("ef")))
	require.NoError(t, err)

	result, err := env.svc.MergeChunks(ctx, testID)
	require.NoError(t, err)
	assert.EqualValues(t, 6, result.Size)
	assert.Equal(t, 2, result.ChunkCount)

	verify, err := env.svc.Verify(ctx, testID)
	require.NoError(t, err)
	assert.True(t, verify.Exists)
	assert.Empty(t, verify.Chunks)

	record, err := env.artifacts.GetArtifact(testID)
	require.NoError(t, err)
	assert.EqualValues(t, 6, record.Size)

	require.Len(t, env.publisher.tasks, 1)
	assert.Equal(t, testID, env.publisher.tasks[0].ContentID)
}

func TestMergeChunks_publishFailureDoesNotFailMerge(t *testing.T) {
	env := newTestEnv(t, 4)
	env.publisher.err = errors.New("broker down")
	ctx := context.Background()

	_, err := env.svc.UploadChunk(ctx, testID, testID+"-0", 0, bytes.NewReader([]byte("abc")))
	require.NoError(t, err)
	_, err = env.svc.MergeChunks(ctx, testID)
	require.NoError(t, err)
}

func TestMergeChunks_noTempArea(t *testing.T) {
	env := newTestEnv(t, 4)
	_, err := env.svc.MergeChunks(context.Background(), testID)
	assert.ErrorIs(t, err, chunkstore.ErrTempAreaNotFound)
	assert.Empty(t, env.publisher.tasks)
}

func TestCleanupStale(t *testing.T) {
	env := newTestEnv(t, 4)
	ctx := context.Background()

	_, err := env.svc.UploadChunk(ctx, "old.bin", "old.bin-0", 0, bytes.NewReader([]byte("x")))
	require.NoError(t, err)
	_, err = env.svc.UploadChunk(ctx, "new.bin", "new.bin-0", 0, bytes.NewReader([]byte("y")))
	require.NoError(t, err)

	past := time.Now().Add(-48 * time.Hour)
	require.NoError(t, os.Chtimes(filepath.Join(env.store.TempPath("old.bin"), "old.bin-0"), past, past))
	require.NoError(t, os.Chtimes(env.store.TempPath("old.bin"), past, past))

	removed, err := env.svc.CleanupStale(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	exists, err := env.store.TempExists("old.bin")
	require.NoError(t, err)
	assert.False(t, exists)
	exists, err = env.store.TempExists("new.bin")
	require.NoError(t, err)
	assert.True(t, exists)
}

package chunkstore

import (
	"bytes"
	"context"
	"fmt"
	"math/rand"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeChunks(t *testing.T, s *Store, contentID string, content []byte) int {
	t.Helper()
	size := s.ChunkSize()
	count := 0
	for start := int64(0); start < int64(len(content)); start += size {
		end := start + size
		if end > int64(len(content)) {
			end = int64(len(content))
		}
		name := fmt.Sprintf("%s-%d", contentID, count)
		_, err := s.WriteChunk(context.Background(), contentID, name, 0, bytes.NewReader(content[start:end]))
		require.NoError(t, err)
		count++
	}
	return count
}

func TestMerge_roundTrip(t *testing.T) {
	for _, tc := range []struct {
		size      int
		chunkSize int64
	}{
		{1, 4}, {4, 4}, {10, 4}, {25, 10}, {1000, 7},
	} {
		t.Run(fmt.Sprintf("%d/%d", tc.size, tc.chunkSize), func(t *testing.T) {
			s := newTestStore(t, tc.chunkSize)
			content := make([]byte, tc.size)
			rand.New(rand.NewSource(int64(tc.size))).Read(content)

			count := writeChunks(t, s, testID, content)

			result, err := NewReassembler(s).Merge(context.Background(), testID)
			require.NoError(t, err)
			assert.Equal(t, count, result.ChunkCount)
			assert.EqualValues(t, tc.size, result.Size)

			merged, err := os.ReadFile(s.ArtifactPath(testID))
			require.NoError(t, err)
			assert.Equal(t, content, merged)

			exists, err := s.TempExists(testID)
			require.NoError(t, err)
			assert.False(t, exists, "temp area should be removed after merge")

			exists, err = s.ArtifactExists(testID)
			require.NoError(t, err)
			assert.True(t, exists)
		})
	}
}

func TestMerge_numericOrder(t *testing.T) {
	s := newTestStore(t, 2)
	ctx := context.Background()

	// 11 个分片，写入顺序打乱，且 -10 在字典序上排在 -2 之前
	content := []byte("aabbccddeeffgghhiijjkk")
	for _, index := range []int{9, 10, 2, 0, 5, 1, 3, 8, 4, 7, 6} {
		name := fmt.Sprintf("%s-%d", testID, index)
		_, err := s.WriteChunk(ctx, testID, name, 0, bytes.NewReader(content[index*2:index*2+2]))
		require.NoError(t, err)
	}

	_, err := NewReassembler(s).Merge(ctx, testID)
	require.NoError(t, err)

	merged, err := os.ReadFile(s.ArtifactPath(testID))
	require.NoError(t, err)
	assert.Equal(t, string(content), string(merged))
}

func TestMerge_threeChunkScenario(t *testing.T) {
	// 250 单位 / 100 单位分片 => 100, 100, 50
	s := newTestStore(t, 100)
	content := bytes.Repeat([]byte{1, 2, 3, 4, 5}, 50)

	require.Equal(t, 3, writeChunks(t, s, testID, content))

	records, err := s.Inventory(testID)
	require.NoError(t, err)
	sizes := map[string]int64{}
	for _, r := range records {
		sizes[r.ChunkFileName] = r.Size
	}
	assert.Equal(t, map[string]int64{testID + "-0": 100, testID + "-1": 100, testID + "-2": 50}, sizes)

	result, err := NewReassembler(s).Merge(context.Background(), testID)
	require.NoError(t, err)
	assert.EqualValues(t, 250, result.Size)
}

func TestMerge_missingTempArea(t *testing.T) {
	s := newTestStore(t, 4)
	_, err := NewReassembler(s).Merge(context.Background(), testID)
	assert.ErrorIs(t, err, ErrTempAreaNotFound)

	exists, err := s.ArtifactExists(testID)
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestMerge_resumedChunkMatchesFreshUpload(t *testing.T) {
	ctx := context.Background()
	content := []byte("0123456789abcdefghij")

	fresh := newTestStore(t, 8)
	writeChunks(t, fresh, testID, content)
	_, err := NewReassembler(fresh).Merge(ctx, testID)
	require.NoError(t, err)

	resumed := newTestStore(t, 8)
	// 分片 1 先写入 k=3 字节，再从 k 续传剩余部分
	_, err = resumed.WriteChunk(ctx, testID, testID+"-0", 0, bytes.NewReader(content[0:8]))
	require.NoError(t, err)
	_, err = resumed.WriteChunk(ctx, testID, testID+"-1", 0, bytes.NewReader(content[8:11]))
	require.NoError(t, err)
	_, err = resumed.WriteChunk(ctx, testID, testID+"-1", 3, bytes.NewReader(content[11:16]))
	require.NoError(t, err)
	_, err = resumed.WriteChunk(ctx, testID, testID+"-2", 0, bytes.NewReader(content[16:]))
	require.NoError(t, err)
	_, err = NewReassembler(resumed).Merge(ctx, testID)
	require.NoError(t, err)

	a, err := os.ReadFile(fresh.ArtifactPath(testID))
	require.NoError(t, err)
	b, err := os.ReadFile(resumed.ArtifactPath(testID))
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Equal(t, content, b)
}

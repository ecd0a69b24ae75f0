package uploader

import (
	"fmt"
	"io"
)

// Chunk 是源文件中的一段 [Start, End) 字节区间。
type Chunk struct {
	Index int
	Start int64
	End   int64
	Name  string
}

// Len 返回分片长度。
func (c Chunk) Len() int64 { return c.End - c.Start }

// Section 返回分片中从 offset 开始的剩余字节，不会把整个文件读入内存。
func (c Chunk) Section(r io.ReaderAt, offset int64) *io.SectionReader {
	if offset < 0 {
		offset = 0
	}
	if offset > c.Len() {
		offset = c.Len()
	}
	return io.NewSectionReader(r, c.Start+offset, c.Len()-offset)
}

// ChunkName 返回 "{contentId}-{index}"。
func ChunkName(contentID string, index int) string {
	return fmt.Sprintf("%s-%d", contentID, index)
}

// Split 把 size 字节的文件切成 ceil(size/chunkSize) 个分片。
// 除最后一个分片外，每个分片都恰好 chunkSize 字节。
func Split(contentID string, size, chunkSize int64) ([]Chunk, error) {
	if size < 0 {
		return nil, fmt.Errorf("%w: negative size %d", ErrInvalidInput, size)
	}
	if chunkSize <= 0 {
		return nil, fmt.Errorf("%w: chunk size must be positive, got %d", ErrInvalidInput, chunkSize)
	}

	count := (size + chunkSize - 1) / chunkSize
	chunks := make([]Chunk, 0, count)
	for i := int64(0); i < count; i++ {
		start := i * chunkSize
		end := min(start+chunkSize, size)
		chunks = append(chunks, Chunk{
			Index: int(i),
			Start: start,
			End:   end,
			Name:  ChunkName(contentID, int(i)),
		})
	}
	return chunks, nil
}

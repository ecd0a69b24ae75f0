package uploader

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// File 是待上传的文件，只需要支持随机读取。
type File interface {
	io.ReaderAt
	Name() string
	Size() int64
}

type readerAtFile struct {
	io.ReaderAt
	name string
	size int64
}

func (f *readerAtFile) Name() string { return f.name }
func (f *readerAtFile) Size() int64  { return f.size }

// NewFile 用任意 io.ReaderAt 构造一个 File。
func NewFile(name string, r io.ReaderAt, size int64) File {
	return &readerAtFile{ReaderAt: r, name: name, size: size}
}

// BytesFile 用内存中的数据构造一个 File。
func BytesFile(name string, data []byte) File {
	return NewFile(name, bytes.NewReader(data), int64(len(data)))
}

// LocalFile 是磁盘上的文件，用完需要 Close。
type LocalFile struct {
	f    *os.File
	name string
	size int64
}

// OpenFile 打开本地文件。
func OpenFile(path string) (*LocalFile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIO, err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("%w: %v", ErrIO, err)
	}
	if !info.Mode().IsRegular() {
		_ = f.Close()
		return nil, fmt.Errorf("%w: %s is not a regular file", ErrValidation, path)
	}
	return &LocalFile{f: f, name: filepath.Base(path), size: info.Size()}, nil
}

func (l *LocalFile) ReadAt(p []byte, off int64) (int, error) { return l.f.ReadAt(p, off) }
func (l *LocalFile) Name() string                             { return l.name }
func (l *LocalFile) Size() int64                              { return l.size }
func (l *LocalFile) Close() error                             { return l.f.Close() }

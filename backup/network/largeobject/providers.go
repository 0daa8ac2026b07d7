package largeobject

import (
	"crypto/md5"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"os"
)

// ByteSource returns exact byte ranges of the (already prepared) upload file.
// Implementations must be safe for concurrent use and must never modify the file.
type ByteSource interface {
	ReadRange(offset int64, length int) ([]byte, error)
}

// ChunkHasher computes the content hash of a byte range.
type ChunkHasher interface {
	ComputeHash(src ByteSource, offset int64, length int) (string, error)
}

// FileByteSource reads ranges from a file on disk.
// Thread-safe for parallel part reads.
type FileByteSource struct {
	file *os.File
	size int64
}

// OpenFileByteSource opens the file at path for ranged reads.
func OpenFileByteSource(path string) (*FileByteSource, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open file: %w", err)
	}

	info, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("stat file: %w", err)
	}

	return &FileByteSource{file: file, size: info.Size()}, nil
}

// Size returns the size of the file when it was opened.
func (s *FileByteSource) Size() int64 {
	return s.size
}

// ReadRange reads length bytes starting at offset.
func (s *FileByteSource) ReadRange(offset int64, length int) ([]byte, error) {
	if offset < 0 || length < 0 || offset+int64(length) > s.size {
		return nil, fmt.Errorf("range [%d, %d) outside file of %d bytes", offset, offset+int64(length), s.size)
	}

	data := make([]byte, length)
	if _, err := io.ReadFull(io.NewSectionReader(s.file, offset, int64(length)), data); err != nil {
		return nil, fmt.Errorf("read range at %d: %w", offset, err)
	}
	return data, nil
}

// Close closes the underlying file.
func (s *FileByteSource) Close() error {
	if s.file != nil {
		return s.file.Close()
	}
	return nil
}

// BytesSource serves ranges from an in-memory buffer.
type BytesSource []byte

// ReadRange returns a copy of the requested range.
func (b BytesSource) ReadRange(offset int64, length int) ([]byte, error) {
	if offset < 0 || length < 0 || offset+int64(length) > int64(len(b)) {
		return nil, fmt.Errorf("range [%d, %d) outside buffer of %d bytes", offset, offset+int64(length), len(b))
	}
	data := make([]byte, length)
	copy(data, b[offset:offset+int64(length)])
	return data, nil
}

// HashFunc adapts a hash constructor into a ChunkHasher producing lowercase hex digests.
type HashFunc func() hash.Hash

// ComputeHash hashes the range of src.
func (f HashFunc) ComputeHash(src ByteSource, offset int64, length int) (string, error) {
	data, err := src.ReadRange(offset, length)
	if err != nil {
		return "", err
	}
	h := f()
	if _, err := h.Write(data); err != nil {
		return "", fmt.Errorf("hash range at %d: %w", offset, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

var (
	// SHA1Hasher hashes parts with SHA-1.
	SHA1Hasher ChunkHasher = HashFunc(sha1.New)
	// MD5Hasher hashes parts with MD5.
	MD5Hasher ChunkHasher = HashFunc(md5.New)
)

package fsio

// File helpers shared by both roles: streaming SHA-256, chunk-granular reads
// for the serving window, and chunk math.

import (
	"crypto/sha256"
	"io"
	"os"
)

// HashSize mirrors sha256.Size for callers that carry digests in arrays.
const HashSize = sha256.Size

// HashFile streams the file at path through SHA-256.
func HashFile(path string) ([HashSize]byte, error) {
	var digest [HashSize]byte
	f, err := os.Open(path)
	if err != nil {
		return digest, err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return digest, err
	}
	copy(digest[:], h.Sum(nil))
	return digest, nil
}

// ReadChunkAt reads up to chunkSize bytes at index×chunkSize. A short (or
// empty) result with last=true marks the final chunk of the file.
func ReadChunkAt(f *os.File, index uint64, chunkSize int) (chunk []byte, last bool, err error) {
	buf := make([]byte, chunkSize)
	n, err := f.ReadAt(buf, int64(index)*int64(chunkSize))
	if err == io.EOF {
		return buf[:n], true, nil
	}
	if err != nil {
		return nil, false, err
	}
	return buf[:n], false, nil
}

// ChunkCount returns how many chunks a file of size bytes occupies.
func ChunkCount(size uint64, chunkSize int) uint64 {
	if size == 0 {
		return 0
	}
	return (size + uint64(chunkSize) - 1) / uint64(chunkSize)
}

// Package filehash computes content fingerprints used as the equality key
// between source and destination files.
package filehash

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"os"

	"github.com/paulschiretz/pgl-mirror/pkg/pool"
)

// Hasher streams files through an MD5 digest in fixed-size blocks so files
// larger than memory can be fingerprinted. The zero value is not usable; use New.
type Hasher struct {
	buffers *pool.FixedBufferPool
}

// New returns a Hasher reading in pool.BlockSize blocks.
func New() *Hasher {
	return NewWithPool(pool.NewFixedBuffer(pool.BlockSize))
}

// NewWithPool returns a Hasher that borrows its read buffers from p.
func NewWithPool(p *pool.FixedBufferPool) *Hasher {
	return &Hasher{buffers: p}
}

// Sum returns the hex-encoded MD5 digest of the file at path. A file that
// vanishes or becomes unreadable mid-read yields an error; callers treat that
// as a skip for this entry.
func (h *Hasher) Sum(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("could not open %s for hashing: %w", path, err)
	}
	defer f.Close()

	sum, err := h.SumReader(f)
	if err != nil {
		return "", fmt.Errorf("could not hash %s: %w", path, err)
	}
	return sum, nil
}

// SumReader returns the hex-encoded MD5 digest of everything read from r.
func (h *Hasher) SumReader(r io.Reader) (string, error) {
	bufPtr := h.buffers.Get()
	defer h.buffers.Put(bufPtr)

	digest := md5.New()
	if _, err := io.CopyBuffer(digest, onlyReader{r}, *bufPtr); err != nil {
		return "", err
	}
	return hex.EncodeToString(digest.Sum(nil)), nil
}

// onlyReader hides WriterTo/ReaderFrom implementations so io.CopyBuffer
// actually uses the fixed-size block buffer.
type onlyReader struct {
	io.Reader
}

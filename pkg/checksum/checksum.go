// Package checksum computes SHA-256 digests of content as it streams into a
// storage backend, together with the number of bytes seen.
package checksum

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
)

// Digest is an io.Writer that hashes and counts everything written to it.
type Digest struct {
	h hash.Hash
	n int64
}

// NewDigest returns an empty SHA-256 digest
func NewDigest() *Digest {
	return &Digest{h: sha256.New()}
}

// Write implements io.Writer. It never fails.
func (d *Digest) Write(p []byte) (int, error) {
	d.h.Write(p)
	d.n += int64(len(p))
	return len(p), nil
}

// Tee returns a reader that feeds everything read from r into the digest.
func (d *Digest) Tee(r io.Reader) io.Reader {
	return io.TeeReader(r, d)
}

// Size is the number of bytes written so far
func (d *Digest) Size() int64 {
	return d.n
}

// Sum returns the hex encoded SHA-256 of the bytes written so far
func (d *Digest) Sum() string {
	return hex.EncodeToString(d.h.Sum(nil))
}

// CalculateSHA256 calculates the SHA256 checksum of data from a reader
func CalculateSHA256(reader io.Reader) (string, error) {
	d := NewDigest()
	if _, err := io.Copy(d, reader); err != nil {
		return "", fmt.Errorf("failed to calculate checksum: %w", err)
	}
	return d.Sum(), nil
}

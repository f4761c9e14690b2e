package fs

import (
	"encoding/hex"
	"io"
	"os"

	"github.com/zeebo/blake3"
)

// FileDigest returns the hex-encoded blake3 digest of a file's contents.
// It is used for artifacts whose producer didn't supply a digest of its own.
func FileDigest(filename string) (string, error) {
	f, err := os.Open(filename)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := blake3.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// BytesDigest returns the hex-encoded blake3 digest of some bytes.
func BytesDigest(b []byte) string {
	sum := blake3.Sum256(b)
	return hex.EncodeToString(sum[:])
}

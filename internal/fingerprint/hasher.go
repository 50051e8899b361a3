package fingerprint

import (
	"bytes"
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"os"
	"strings"
)

// chunkSize bounds how much of a file is held in memory while hashing.
const chunkSize = 4096

// DefaultAlgorithm is used when no algorithm is configured.
const DefaultAlgorithm = "sha256"

// Hasher computes hex-encoded content digests.
type Hasher struct {
	algorithm string
	factory   func() hash.Hash
}

// NewHasher returns a hasher for sha256, sha1, sha512 or md5. Empty selects sha256.
func NewHasher(algorithm string) (Hasher, error) {
	name := strings.ToLower(strings.TrimSpace(algorithm))
	if name == "" {
		name = DefaultAlgorithm
	}

	var factory func() hash.Hash
	switch name {
	case "sha256":
		factory = sha256.New
	case "sha1":
		factory = sha1.New
	case "sha512":
		factory = sha512.New
	case "md5":
		factory = md5.New
	default:
		return Hasher{}, fmt.Errorf("unsupported hash algorithm %q", algorithm)
	}
	return Hasher{algorithm: name, factory: factory}, nil
}

// SHA256 returns the default hasher.
func SHA256() Hasher {
	return Hasher{algorithm: "sha256", factory: sha256.New}
}

// Algorithm names the digest.
func (h Hasher) Algorithm() string {
	return h.algorithm
}

// HashReader digests r in fixed-size chunks.
func (h Hasher) HashReader(r io.Reader) (string, int64, error) {
	digest := h.factory()
	buf := make([]byte, chunkSize)
	n, err := io.CopyBuffer(digest, r, buf)
	if err != nil {
		return "", n, err
	}
	return hex.EncodeToString(digest.Sum(nil)), n, nil
}

// HashFile digests the file at path without reading it fully into memory.
func (h Hasher) HashFile(path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer file.Close()

	sum, _, err := h.HashReader(file)
	if err != nil {
		return "", fmt.Errorf("failed to hash %s: %w", path, err)
	}
	return sum, nil
}

// HashBytes digests an in-memory buffer.
func (h Hasher) HashBytes(data []byte) string {
	sum, _, _ := h.HashReader(bytes.NewReader(data))
	return sum
}

package codesign

import (
	"crypto/sha1"
	"crypto/sha256"
	"fmt"
	"hash"
	"io"
	"os"

	lru "github.com/hashicorp/golang-lru/v2"
)

// HashBlockSize is the read size used when digesting resource files.
const HashBlockSize = 65536

// DefaultDigestCacheSize is used when a caller asks for a cache without a
// size.
const DefaultDigestCacheSize = 4096

func newHasher(algo string) (hash.Hash, error) {
	switch algo {
	case "sha1":
		return sha1.New(), nil
	case "sha256":
		return sha256.New(), nil
	}
	return nil, fmt.Errorf("%w: %q", ErrHashTypeUnsupported, algo)
}

// FileDigest hashes the file at path with algo ("sha1" or "sha256").
func FileDigest(path, algo string) ([]byte, error) {
	h, err := newHasher(algo)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	buf := make([]byte, HashBlockSize)
	if _, err := io.CopyBuffer(h, f, buf); err != nil {
		return nil, err
	}
	return h.Sum(nil), nil
}

type digestKey struct {
	path    string
	modTime int64
	size    int64
	algo    string
}

// DigestCache remembers file digests across seal scans. Entries are keyed
// by modification time and size as well as path, so a changed file is
// hashed again.
type DigestCache struct {
	cache *lru.Cache[digestKey, []byte]
}

// NewDigestCache returns a cache holding at most size digests.
func NewDigestCache(size int) (*DigestCache, error) {
	if size <= 0 {
		size = DefaultDigestCacheSize
	}
	c, err := lru.New[digestKey, []byte](size)
	if err != nil {
		return nil, err
	}
	return &DigestCache{cache: c}, nil
}

// FileDigest returns the cached digest of path or computes and stores it.
// A nil cache computes every time.
func (c *DigestCache) FileDigest(path, algo string) ([]byte, error) {
	if c == nil {
		return FileDigest(path, algo)
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	key := digestKey{path: path, modTime: info.ModTime().UnixNano(), size: info.Size(), algo: algo}
	if d, ok := c.cache.Get(key); ok {
		return d, nil
	}
	d, err := FileDigest(path, algo)
	if err != nil {
		return nil, err
	}
	c.cache.Add(key, d)
	return d, nil
}

// Len returns the number of cached digests.
func (c *DigestCache) Len() int {
	if c == nil {
		return 0
	}
	return c.cache.Len()
}

// Purge drops every cached digest.
func (c *DigestCache) Purge() {
	if c != nil {
		c.cache.Purge()
	}
}

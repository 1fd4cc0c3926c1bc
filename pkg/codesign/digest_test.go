package codesign

import (
	"bytes"
	"crypto/sha1"
	"crypto/sha256"
	"errors"
	"os"
	"testing"
	"time"
)

func TestFileDigest(t *testing.T) {
	path := writeFile(t, t.TempDir(), "file.txt", "hello")

	got, err := FileDigest(path, "sha1")
	if err != nil {
		t.Fatalf("FileDigest failed: %v", err)
	}
	want1 := sha1.Sum([]byte("hello"))
	if !bytes.Equal(got, want1[:]) {
		t.Errorf("Expected %x, got %x", want1, got)
	}

	got, err = FileDigest(path, "sha256")
	if err != nil {
		t.Fatalf("FileDigest failed: %v", err)
	}
	want2 := sha256.Sum256([]byte("hello"))
	if !bytes.Equal(got, want2[:]) {
		t.Errorf("Expected %x, got %x", want2, got)
	}

	if _, err := FileDigest(path, "md5"); !errors.Is(err, ErrHashTypeUnsupported) {
		t.Errorf("Expected ErrHashTypeUnsupported, got %v", err)
	}
}

func TestDigestCache(t *testing.T) {
	path := writeFile(t, t.TempDir(), "file.txt", "hello")
	cache, err := NewDigestCache(16)
	if err != nil {
		t.Fatalf("NewDigestCache failed: %v", err)
	}

	first, err := cache.FileDigest(path, "sha1")
	if err != nil {
		t.Fatalf("FileDigest failed: %v", err)
	}
	if _, err := cache.FileDigest(path, "sha1"); err != nil {
		t.Fatal(err)
	}
	if cache.Len() != 1 {
		t.Errorf("Expected 1 cached digest, got %d", cache.Len())
	}
	if _, err := cache.FileDigest(path, "sha256"); err != nil {
		t.Fatal(err)
	}
	if cache.Len() != 2 {
		t.Errorf("Expected 2 cached digests, got %d", cache.Len())
	}

	if err := os.WriteFile(path, []byte("changed content"), 0644); err != nil {
		t.Fatal(err)
	}
	later := time.Now().Add(time.Minute)
	if err := os.Chtimes(path, later, later); err != nil {
		t.Fatal(err)
	}
	second, err := cache.FileDigest(path, "sha1")
	if err != nil {
		t.Fatal(err)
	}
	want := sha1.Sum([]byte("changed content"))
	if bytes.Equal(first, second) || !bytes.Equal(second, want[:]) {
		t.Error("Expected modified file to be hashed again")
	}

	cache.Purge()
	if cache.Len() != 0 {
		t.Errorf("Expected empty cache after purge, got %d", cache.Len())
	}
}

func TestDigestCache_Nil(t *testing.T) {
	path := writeFile(t, t.TempDir(), "file.txt", "hello")
	var cache *DigestCache
	got, err := cache.FileDigest(path, "sha1")
	if err != nil {
		t.Fatalf("FileDigest on nil cache failed: %v", err)
	}
	want := sha1.Sum([]byte("hello"))
	if !bytes.Equal(got, want[:]) {
		t.Errorf("Expected %x, got %x", want, got)
	}
	if cache.Len() != 0 {
		t.Errorf("Expected nil cache length 0, got %d", cache.Len())
	}
}

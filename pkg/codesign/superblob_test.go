package codesign

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"

	ctypes "github.com/blacktop/go-macho/pkg/codesign/types"
)

func TestParseSuperBlob_RoundTrip(t *testing.T) {
	data := buildTestSignature(t)

	sb, err := ParseSuperBlob(data)
	if err != nil {
		t.Fatalf("ParseSuperBlob failed: %v", err)
	}
	if len(sb.Entries) != 5 {
		t.Fatalf("Expected 5 entries, got %d", len(sb.Entries))
	}
	if int(sb.Length) != len(data) {
		t.Errorf("Expected length %d, got %d", len(data), sb.Length)
	}
	if !bytes.Equal(sb.Bytes(), data) {
		t.Error("Expected unmodified superblob to serialize byte for byte")
	}
}

// TestParseSuperBlob_IgnoresPadding verifies that zero padding after the
// declared length is dropped.
func TestParseSuperBlob_IgnoresPadding(t *testing.T) {
	data := buildTestSignature(t)
	padded := append(append([]byte(nil), data...), make([]byte, 512)...)

	sb, err := ParseSuperBlob(padded)
	if err != nil {
		t.Fatalf("ParseSuperBlob failed: %v", err)
	}
	if !bytes.Equal(sb.Bytes(), data) {
		t.Error("Expected padding to be dropped")
	}
}

func TestParseSuperBlob_Malformed(t *testing.T) {
	good := buildTestSignature(t)

	badMagic := append([]byte(nil), good...)
	binary.BigEndian.PutUint32(badMagic, 0xdeadbeef)

	longLength := append([]byte(nil), good...)
	binary.BigEndian.PutUint32(longLength[4:], uint32(len(good)+100))

	badOffset := append([]byte(nil), good...)
	binary.BigEndian.PutUint32(badOffset[superHeaderSize+4:], uint32(len(good)))

	tests := []struct {
		name string
		data []byte
	}{
		{"short", good[:8]},
		{"bad magic", badMagic},
		{"length past end", longLength},
		{"offset past end", badOffset},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseSuperBlob(tt.data)
			if !errors.Is(err, ErrMalformedContainer) {
				t.Errorf("Expected ErrMalformedContainer, got %v", err)
			}
		})
	}
}

func TestSuperBlob_GetBlob(t *testing.T) {
	sb, err := ParseSuperBlob(buildTestSignature(t))
	if err != nil {
		t.Fatalf("ParseSuperBlob failed: %v", err)
	}

	ents, err := sb.GetBlob(ctypes.MAGIC_EMBEDDED_ENTITLEMENTS)
	if err != nil {
		t.Fatalf("GetBlob failed: %v", err)
	}
	if string(ents.Data) != testEntitlements {
		t.Error("Expected entitlements body to match")
	}

	raw, err := sb.GetBlobData(ctypes.MAGIC_EMBEDDED_ENTITLEMENTS)
	if err != nil {
		t.Fatalf("GetBlobData failed: %v", err)
	}
	if got := binary.BigEndian.Uint32(raw[4:]); int(got) != len(testEntitlements)+8 {
		t.Errorf("Expected header length %d, got %d", len(testEntitlements)+8, got)
	}

	if n := len(sb.Blobs(ctypes.MAGIC_CODEDIRECTORY)); n != 2 {
		t.Errorf("Expected 2 code directories, got %d", n)
	}

	_, err = sb.GetBlob(ctypes.MAGIC_EMBEDDED_ENTITLEMENTS_DER)
	if !errors.Is(err, ErrBlobNotFound) {
		t.Errorf("Expected ErrBlobNotFound, got %v", err)
	}
	var notFound *BlobNotFoundError
	if !errors.As(err, &notFound) || notFound.Magic != ctypes.MAGIC_EMBEDDED_ENTITLEMENTS_DER {
		t.Errorf("Expected BlobNotFoundError carrying the magic, got %v", err)
	}
}

// TestSuperBlob_UpdateOffsets verifies that growing a blob shifts every
// later entry and the total length.
func TestSuperBlob_UpdateOffsets(t *testing.T) {
	sb, err := ParseSuperBlob(buildTestSignature(t))
	if err != nil {
		t.Fatalf("ParseSuperBlob failed: %v", err)
	}
	before := make([]uint32, len(sb.Entries))
	for i, e := range sb.Entries {
		before[i] = e.Offset
	}

	ents, _ := sb.GetBlob(ctypes.MAGIC_EMBEDDED_ENTITLEMENTS)
	ents.Data = append(ents.Data, make([]byte, 40)...)
	oldLength := sb.Length
	sb.UpdateOffsets()

	for i, e := range sb.Entries {
		want := before[i]
		if i > 2 {
			want += 40
		}
		if e.Offset != want {
			t.Errorf("Entry %d: expected offset %d, got %d", i, want, e.Offset)
		}
	}
	if sb.Length != oldLength+40 {
		t.Errorf("Expected length %d, got %d", oldLength+40, sb.Length)
	}

	reparsed, err := ParseSuperBlob(sb.Bytes())
	if err != nil {
		t.Fatalf("Reparse failed: %v", err)
	}
	got, _ := reparsed.GetBlob(ctypes.MAGIC_EMBEDDED_ENTITLEMENTS)
	if len(got.Data) != len(testEntitlements)+40 {
		t.Errorf("Expected grown entitlements of %d bytes, got %d", len(testEntitlements)+40, len(got.Data))
	}
}

func TestBlob_Bytes(t *testing.T) {
	b := &Blob{Magic: ctypes.MAGIC_EMBEDDED_ENTITLEMENTS, Data: []byte("abc")}
	out := b.Bytes()
	if len(out) != 11 || b.Len() != 11 {
		t.Fatalf("Expected 11 bytes, got %d", len(out))
	}
	if binary.BigEndian.Uint32(out) != uint32(ctypes.MAGIC_EMBEDDED_ENTITLEMENTS) {
		t.Errorf("Expected entitlements magic, got 0x%x", binary.BigEndian.Uint32(out))
	}
	if binary.BigEndian.Uint32(out[4:]) != 11 {
		t.Errorf("Expected length 11, got %d", binary.BigEndian.Uint32(out[4:]))
	}
}

package codesign

import (
	"bytes"
	"crypto/sha1"
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"testing"

	ctypes "github.com/blacktop/go-macho/pkg/codesign/types"
)

// buildMachOHeader returns a header followed by a source version command
// and an LC_CODE_SIGNATURE pointing at [dataOff, dataOff+dataSize).
func buildMachOHeader(magic uint32, headerSize int, dataOff, dataSize uint32) []byte {
	buf := make([]byte, headerSize+32)
	binary.LittleEndian.PutUint32(buf[0:], magic)
	binary.LittleEndian.PutUint32(buf[16:], 2)
	binary.LittleEndian.PutUint32(buf[20:], 32)

	cmd := buf[headerSize:]
	binary.LittleEndian.PutUint32(cmd[0:], 0x2a) // LC_SOURCE_VERSION
	binary.LittleEndian.PutUint32(cmd[4:], 16)
	binary.LittleEndian.PutUint32(cmd[16:], LC_CODE_SIGNATURE)
	binary.LittleEndian.PutUint32(cmd[20:], 16)
	binary.LittleEndian.PutUint32(cmd[24:], dataOff)
	binary.LittleEndian.PutUint32(cmd[28:], dataSize)
	return buf
}

func TestFindCodeSignatureOffset(t *testing.T) {
	tests := []struct {
		name       string
		magic      uint32
		headerSize int
	}{
		{"64-bit", 0xfeedfacf, 32},
		{"32-bit", 0xfeedface, 28},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data := buildMachOHeader(tt.magic, tt.headerSize, 0x4000, 0x1230)
			off, size, found := findCodeSignatureOffset(data)
			if !found {
				t.Fatal("Expected LC_CODE_SIGNATURE to be found")
			}
			if off != 0x4000 || size != 0x1230 {
				t.Errorf("Expected offset 0x4000 size 0x1230, got 0x%x 0x%x", off, size)
			}
		})
	}
}

func TestFindCodeSignatureOffset_NotFound(t *testing.T) {
	truncated := buildMachOHeader(0xfeedfacf, 32, 0x4000, 0x10)
	binary.LittleEndian.PutUint32(truncated[20:], 4096)

	noSig := buildMachOHeader(0xfeedfacf, 32, 0x4000, 0x10)
	binary.LittleEndian.PutUint32(noSig[32+16:], 0x2a)

	tests := []struct {
		name string
		data []byte
	}{
		{"short", make([]byte, 16)},
		{"bad magic", buildMachOHeader(0xdeadbeef, 32, 0, 0)},
		{"sizeofcmds past end", truncated},
		{"no signature command", noSig},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, _, found := findCodeSignatureOffset(tt.data); found {
				t.Error("Expected no code signature")
			}
		})
	}
}

func TestIsMachO(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		name    string
		content string
		want    bool
	}{
		{"thin64", "\xcf\xfa\xed\xfe rest", true},
		{"thin32", "\xce\xfa\xed\xfe rest", true},
		{"fat", "\xca\xfe\xba\xbe rest", true},
		{"text", "hello world", false},
		{"short", "ab", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeFile(t, dir, tt.name, tt.content)
			if got := IsMachO(path); got != tt.want {
				t.Errorf("Expected %v, got %v", tt.want, got)
			}
		})
	}
	if IsMachO(filepath.Join(dir, "missing")) {
		t.Error("Expected missing file not to be Mach-O")
	}
}

func TestIsFat(t *testing.T) {
	if !isFat([]byte{0xca, 0xfe, 0xba, 0xbe, 0, 0, 0, 2}) {
		t.Error("Expected fat magic to be detected")
	}
	if !isFat([]byte{0xca, 0xfe, 0xba, 0xbf, 0, 0, 0, 2}) {
		t.Error("Expected fat64 magic to be detected")
	}
	if isFat([]byte{0xcf, 0xfa, 0xed, 0xfe, 0, 0, 0, 0}) {
		t.Error("Expected thin file not to be fat")
	}
	if isFat([]byte{0xca, 0xfe}) {
		t.Error("Expected short input not to be fat")
	}
}

func TestResignMachO_NotMachO(t *testing.T) {
	data := []byte("this is not a Mach-O file, just some text padding it out")
	if _, err := ResignMachO(data, BundleApp{}, newFakeSigner(testNewCN, testNewTeam)); err == nil {
		t.Error("Expected error for non Mach-O input")
	}
	if _, err := ExtractSignature(data); err == nil {
		t.Error("Expected error extracting from non Mach-O input")
	}
}

const testSigOffset = 0x1000

// buildTestMachO returns a thin arm64 executable whose only load command
// is LC_CODE_SIGNATURE. The reserved region leaves room for the signature
// to grow.
func buildTestMachO(t *testing.T) []byte {
	t.Helper()
	sig := buildTestSignature(t)
	reserved := len(sig) + 1024
	data := make([]byte, testSigOffset+reserved)
	binary.LittleEndian.PutUint32(data[0:], 0xfeedfacf)
	binary.LittleEndian.PutUint32(data[4:], 0x0100000c) // CPU_TYPE_ARM64
	binary.LittleEndian.PutUint32(data[12:], 2)          // MH_EXECUTE
	binary.LittleEndian.PutUint32(data[16:], 1)
	binary.LittleEndian.PutUint32(data[20:], 16)
	binary.LittleEndian.PutUint32(data[32:], LC_CODE_SIGNATURE)
	binary.LittleEndian.PutUint32(data[36:], 16)
	binary.LittleEndian.PutUint32(data[40:], testSigOffset)
	binary.LittleEndian.PutUint32(data[44:], uint32(reserved))
	copy(data[testSigOffset:], sig)
	return data
}

func TestResignMachO(t *testing.T) {
	data := buildTestMachO(t)
	app := writeResignInputs(t)
	signer := newFakeSigner(testNewCN, testNewTeam)

	out, err := ResignMachO(data, app, signer)
	if err != nil {
		t.Fatalf("ResignMachO failed: %v", err)
	}
	if len(out) != len(data) {
		t.Errorf("Expected size %d, got %d", len(data), len(out))
	}
	if !bytes.Equal(out[:testSigOffset], data[:testSigOffset]) {
		t.Error("Expected bytes before the signature to be unchanged")
	}

	sig, err := ExtractSignature(out)
	if err != nil {
		t.Fatalf("ExtractSignature failed: %v", err)
	}
	c, err := NewCodesig(sig)
	if err != nil {
		t.Fatalf("Re-signed signature does not parse: %v", err)
	}
	cd, err := c.CodeDirectory()
	if err != nil {
		t.Fatal(err)
	}
	if cd.TeamID() != testNewTeam {
		t.Errorf("Expected team %s, got %s", testNewTeam, cd.TeamID())
	}
	seal, _ := os.ReadFile(app.Seal)
	sealSum := sha1.Sum(seal)
	if !bytes.Equal(cd.SlotHash(SlotResourceDir), sealSum[:]) {
		t.Error("Expected ResourceDir slot to hash the seal")
	}
	ents, err := c.GetBlob(ctypes.MAGIC_EMBEDDED_ENTITLEMENTS)
	if err != nil {
		t.Fatal(err)
	}
	entsSum := sha1.Sum(ents.Bytes())
	if !bytes.Equal(cd.SlotHash(SlotEntitlements), entsSum[:]) {
		t.Error("Expected Entitlements slot to hash the new entitlements")
	}

	again, err := ResignMachO(out, app, signer)
	if err != nil {
		t.Fatalf("Second ResignMachO failed: %v", err)
	}
	if !bytes.Equal(again, out) {
		t.Error("Expected second re-sign to give identical bytes")
	}
}

func TestSignMachO(t *testing.T) {
	data := buildTestMachO(t)
	app := writeResignInputs(t)
	path := filepath.Join(t.TempDir(), "Test")
	if err := os.WriteFile(path, data, 0755); err != nil {
		t.Fatal(err)
	}

	if err := SignMachO(path, app, newFakeSigner(testNewCN, testNewTeam)); err != nil {
		t.Fatalf("SignMachO failed: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Size() != int64(len(data)) {
		t.Errorf("Expected file size %d, got %d", len(data), info.Size())
	}
	if info.Mode().Perm() != 0755 {
		t.Errorf("Expected mode 0755, got %v", info.Mode().Perm())
	}
	want, err := ResignMachO(data, app, newFakeSigner(testNewCN, testNewTeam))
	if err != nil {
		t.Fatal(err)
	}
	got, _ := os.ReadFile(path)
	if !bytes.Equal(got, want) {
		t.Error("Expected file contents to match ResignMachO output")
	}
}

func TestResignMachO_SignatureTooLarge(t *testing.T) {
	data := buildTestMachO(t)
	sig := buildTestSignature(t)
	binary.LittleEndian.PutUint32(data[44:], uint32(len(sig)))

	_, err := ResignMachO(data, writeResignInputs(t), newFakeSigner(testNewCN, testNewTeam))
	if !errors.Is(err, ErrSignatureTooLarge) {
		t.Errorf("Expected ErrSignatureTooLarge, got %v", err)
	}
}

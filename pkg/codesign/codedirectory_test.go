package codesign

import (
	"bytes"
	"crypto/sha1"
	"errors"
	"testing"

	ctypes "github.com/blacktop/go-macho/pkg/codesign/types"
)

func TestCodeDirectory_Fields(t *testing.T) {
	cd, err := NewCodeDirectory(buildCodeDirectory(CS_HASHTYPE_SHA256, 5, 3, testIdentifier, testOldTeam))
	if err != nil {
		t.Fatalf("NewCodeDirectory failed: %v", err)
	}
	if cd.Identifier() != testIdentifier {
		t.Errorf("Expected identifier %s, got %s", testIdentifier, cd.Identifier())
	}
	if cd.TeamID() != testOldTeam {
		t.Errorf("Expected team %s, got %s", testOldTeam, cd.TeamID())
	}
	if cd.HashSize() != 32 || cd.HashType() != CS_HASHTYPE_SHA256 {
		t.Errorf("Expected SHA-256 with 32 byte hashes, got type %d size %d", cd.HashType(), cd.HashSize())
	}
	if cd.PageSize() != 4096 {
		t.Errorf("Expected page size 4096, got %d", cd.PageSize())
	}
	if cd.NSpecialSlots() != 5 || cd.NCodeSlots() != 3 {
		t.Errorf("Expected 5 special and 3 code slots, got %d and %d", cd.NSpecialSlots(), cd.NCodeSlots())
	}
}

func TestNewCodeDirectory_Rejects(t *testing.T) {
	if _, err := NewCodeDirectory(&Blob{Magic: ctypes.MAGIC_REQUIREMENTS, Data: make([]byte, 100)}); !errors.Is(err, ErrMalformedContainer) {
		t.Errorf("Expected ErrMalformedContainer for wrong magic, got %v", err)
	}
	if _, err := NewCodeDirectory(&Blob{Magic: ctypes.MAGIC_CODEDIRECTORY, Data: make([]byte, 10)}); !errors.Is(err, ErrMalformedContainer) {
		t.Errorf("Expected ErrMalformedContainer for short blob, got %v", err)
	}
}

// TestCodeDirectory_HasSlot verifies that directories with fewer special
// slots do not expose the higher ones.
func TestCodeDirectory_HasSlot(t *testing.T) {
	all := []CodeDirectorySlot{SlotInfo, SlotRequirements, SlotResourceDir, SlotApplication, SlotEntitlements}
	for n := 0; n <= 5; n++ {
		cd, err := NewCodeDirectory(buildCodeDirectory(CS_HASHTYPE_SHA1, n, 1, testIdentifier, ""))
		if err != nil {
			t.Fatalf("NewCodeDirectory(%d special) failed: %v", n, err)
		}
		for i, slot := range all {
			want := i < n
			if got := cd.HasSlot(slot); got != want {
				t.Errorf("%d special slots: expected HasSlot(%s)=%v, got %v", n, slot, want, got)
			}
		}
	}
}

func TestCodeDirectory_SetSlotHash(t *testing.T) {
	cd, err := NewCodeDirectory(buildCodeDirectory(CS_HASHTYPE_SHA1, 5, 3, testIdentifier, ""))
	if err != nil {
		t.Fatalf("NewCodeDirectory failed: %v", err)
	}
	codeBefore := cd.CodeHashes()

	digest := sha1.Sum([]byte("requirements"))
	if err := cd.SetSlotHash(SlotRequirements, digest[:]); err != nil {
		t.Fatalf("SetSlotHash failed: %v", err)
	}
	if !bytes.Equal(cd.SlotHash(SlotRequirements), digest[:]) {
		t.Errorf("Expected requirements slot %x, got %x", digest, cd.SlotHash(SlotRequirements))
	}
	if !bytes.Equal(cd.SlotHash(SlotInfo), make([]byte, 20)) {
		t.Error("Expected neighbouring Info slot to stay zero")
	}
	for i, h := range cd.CodeHashes() {
		if !bytes.Equal(h, codeBefore[i]) {
			t.Errorf("Expected code hash %d unchanged", i)
		}
	}

	short, _ := NewCodeDirectory(buildCodeDirectory(CS_HASHTYPE_SHA1, 2, 1, testIdentifier, ""))
	if err := short.SetSlotHash(SlotEntitlements, digest[:]); err == nil {
		t.Error("Expected error writing a slot the directory does not have")
	}
}

// TestCodeDirectory_SetTeamID covers in-place, growing, shrinking and
// inserted team identifiers.
func TestCodeDirectory_SetTeamID(t *testing.T) {
	tests := []struct {
		name    string
		oldTeam string
		newTeam string
	}{
		{"same length", testOldTeam, testNewTeam},
		{"longer", "SHORT", "MUCHLONGERTEAM"},
		{"shorter", "MUCHLONGERTEAM", "SHORT"},
		{"inserted", "", testNewTeam},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			blob := buildCodeDirectory(CS_HASHTYPE_SHA256, 5, 4, testIdentifier, tt.oldTeam)
			cd, err := NewCodeDirectory(blob)
			if err != nil {
				t.Fatalf("NewCodeDirectory failed: %v", err)
			}
			digest := make([]byte, 32)
			digest[0] = 0xaa
			if err := cd.SetSlotHash(SlotEntitlements, digest); err != nil {
				t.Fatal(err)
			}
			codeBefore := cd.CodeHashes()
			lenBefore := blob.Len()

			ok, err := cd.SetTeamID(tt.newTeam)
			if err != nil || !ok {
				t.Fatalf("SetTeamID failed: ok=%v err=%v", ok, err)
			}
			if cd.TeamID() != tt.newTeam {
				t.Errorf("Expected team %s, got %s", tt.newTeam, cd.TeamID())
			}
			if cd.Identifier() != testIdentifier {
				t.Errorf("Expected identifier %s, got %s", testIdentifier, cd.Identifier())
			}
			oldSize := 0
			if tt.oldTeam != "" {
				oldSize = len(tt.oldTeam) + 1
			}
			if want := lenBefore + len(tt.newTeam) + 1 - oldSize; blob.Len() != want {
				t.Errorf("Expected length %d, got %d", want, blob.Len())
			}
			if !bytes.Equal(cd.SlotHash(SlotEntitlements), digest) {
				t.Error("Expected entitlements slot to survive relayout")
			}
			for i, h := range cd.CodeHashes() {
				if !bytes.Equal(h, codeBefore[i]) {
					t.Errorf("Expected code hash %d unchanged", i)
				}
			}
			if _, err := NewCodeDirectory(blob); err != nil {
				t.Errorf("Expected relaid directory to validate, got %v", err)
			}
		})
	}
}

func TestCodeDirectory_SetTeamID_OldVersion(t *testing.T) {
	blob := buildCodeDirectory(CS_HASHTYPE_SHA1, 2, 1, testIdentifier, "")
	blob.Data[cdVersionOff-blobHeaderSize+2] = 0x01 // 0x20100
	blob.Data[cdVersionOff-blobHeaderSize+3] = 0x00
	cd, err := NewCodeDirectory(blob)
	if err != nil {
		t.Fatalf("NewCodeDirectory failed: %v", err)
	}
	before := blob.Bytes()
	ok, err := cd.SetTeamID(testNewTeam)
	if err != nil {
		t.Fatalf("SetTeamID failed: %v", err)
	}
	if ok {
		t.Error("Expected SetTeamID to report no team support")
	}
	if !bytes.Equal(blob.Bytes(), before) {
		t.Error("Expected directory to be unchanged")
	}
}

func TestCodeDirectory_CDHash(t *testing.T) {
	blob := buildCodeDirectory(CS_HASHTYPE_SHA1, 5, 2, testIdentifier, "")
	cd, _ := NewCodeDirectory(blob)
	want := sha1.Sum(blob.Bytes())
	if !bytes.Equal(cd.CDHash(), want[:]) {
		t.Errorf("Expected cdhash %x, got %x", want, cd.CDHash())
	}
}

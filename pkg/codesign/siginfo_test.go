package codesign

import (
	"bytes"
	"strings"
	"testing"

	ctypes "github.com/blacktop/go-macho/pkg/codesign/types"
	gop12 "software.sslmate.com/src/go-pkcs12"
)

func TestInspectSignature(t *testing.T) {
	info, err := InspectSignature(buildTestSignature(t))
	if err != nil {
		t.Fatalf("InspectSignature failed: %v", err)
	}
	if len(info.Blobs) != 5 {
		t.Errorf("Expected 5 blobs, got %d", len(info.Blobs))
	}
	if len(info.CodeDirectories) != 2 {
		t.Fatalf("Expected 2 code directories, got %d", len(info.CodeDirectories))
	}
	cd := info.CodeDirectories[0]
	if cd.Identifier != testIdentifier || cd.TeamID != testOldTeam {
		t.Errorf("Expected %s/%s, got %s/%s", testIdentifier, testOldTeam, cd.Identifier, cd.TeamID)
	}
	if len(cd.SpecialHashes) != 5 {
		t.Errorf("Expected 5 special hashes, got %d", len(cd.SpecialHashes))
	}
	if alt := info.CodeDirectories[1]; alt.Slot != ctypes.SlotType(0x1000) || alt.HashType != CS_HASHTYPE_SHA256 {
		t.Errorf("Expected SHA-256 alternate at 0x1000, got type %d at 0x%x", alt.HashType, uint32(alt.Slot))
	}
	if !strings.HasPrefix(info.Requirements, "designated => identifier ") {
		t.Errorf("Unexpected requirements %q", info.Requirements)
	}
	if info.Entitlements["get-task-allow"] != true {
		t.Errorf("Expected get-task-allow entitlement, got %v", info.Entitlements)
	}
	if info.SignerCN != "" || info.CMSLength != 0 {
		t.Errorf("Expected no signer for empty wrapper, got %q", info.SignerCN)
	}
}

// TestInspectSignature_Signer re-signs with a real identity and reads the
// signer back out of the CMS blob.
func TestInspectSignature_Signer(t *testing.T) {
	cert, key := newTestIdentity(t, testNewCN, testNewTeam)
	p12, err := gop12.Modern.Encode(key, cert, nil, "pw")
	if err != nil {
		t.Fatal(err)
	}
	signer, err := LoadPKCS12Signer(p12, "pw")
	if err != nil {
		t.Fatalf("LoadPKCS12Signer failed: %v", err)
	}
	c, err := NewCodesig(buildTestSignature(t))
	if err != nil {
		t.Fatal(err)
	}
	if err := c.Resign(writeResignInputs(t), signer); err != nil {
		t.Fatalf("Resign failed: %v", err)
	}

	info, err := InspectSignature(c.Bytes())
	if err != nil {
		t.Fatalf("InspectSignature failed: %v", err)
	}
	if info.SignerCN != testNewCN {
		t.Errorf("Expected signer %q, got %q", testNewCN, info.SignerCN)
	}
	if info.SignerTeamID != testNewTeam {
		t.Errorf("Expected signer team %s, got %s", testNewTeam, info.SignerTeamID)
	}
	if info.CMSLength == 0 {
		t.Error("Expected CMS length to be recorded")
	}
}

func TestPrintSignatureInfo(t *testing.T) {
	info, err := InspectSignature(buildTestSignature(t))
	if err != nil {
		t.Fatal(err)
	}
	info.Path = "Test.app/Test"

	var buf bytes.Buffer
	PrintSignatureInfo(info, &buf)
	out := buf.String()
	for _, want := range []string{
		"=== Test.app/Test ===",
		"Identifier: " + testIdentifier,
		"Team ID:    " + testOldTeam,
		"CodeDirectory: slot 0x1000",
		"Hash Type: SHA-256",
		"designated => identifier",
		"get-task-allow: true",
		"└─ CMS Signature",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("Expected output to contain %q\n%s", want, out)
		}
	}
}

func TestCompareSignatures(t *testing.T) {
	original, err := InspectSignature(buildTestSignature(t))
	if err != nil {
		t.Fatal(err)
	}
	same, _ := InspectSignature(buildTestSignature(t))
	if d := CompareSignatures(original, same); !d.Same() {
		t.Errorf("Expected identical signatures, got %v", d.Fields)
	}

	c, _ := NewCodesig(buildTestSignature(t))
	if err := c.Resign(writeResignInputs(t), newFakeSigner(testNewCN, testNewTeam)); err != nil {
		t.Fatal(err)
	}
	resigned, err := InspectSignature(c.Bytes())
	if err != nil {
		t.Fatal(err)
	}
	d := CompareSignatures(original, resigned)
	if d.Same() {
		t.Fatal("Expected differences after re-signing")
	}
	names := make(map[string]bool)
	for _, f := range d.Fields {
		names[f.Name] = true
	}
	for _, want := range []string{
		"CodeDirectory 0x0 team ID",
		"CodeDirectory 0x1000 team ID",
		"CodeDirectory 0x0 Requirements",
		"CodeDirectory 0x0 cdhash",
		"Requirements",
		"Entitlement get-task-allow",
		"Entitlement com.apple.developer.team-identifier",
	} {
		if !names[want] {
			t.Errorf("Expected difference %q", want)
		}
	}
	if names["Blob count"] {
		t.Error("Expected blob count to match")
	}
}

func TestPrintSignatureDiffs(t *testing.T) {
	diffs := []*SignatureDiff{
		{Path: "A"},
		{Path: "B", OnlyIn2: true},
		{Path: "C", Fields: []FieldDiff{{Name: "Signer", Value1: "old", Value2: "new"}}},
	}
	var buf bytes.Buffer
	if PrintSignatureDiffs(diffs, &buf) {
		t.Error("Expected differences to be reported")
	}
	out := buf.String()
	for _, want := range []string{"A: identical", "B: only in second", "  Signer\n    - old\n    + new"} {
		if !strings.Contains(out, want) {
			t.Errorf("Expected output to contain %q\n%s", want, out)
		}
	}

	buf.Reset()
	if !PrintSignatureDiffs(diffs[:1], &buf) {
		t.Error("Expected identical result")
	}
}

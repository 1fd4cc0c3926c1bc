package codesign

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/binary"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	ctypes "github.com/blacktop/go-macho/pkg/codesign/types"
)

const (
	testIdentifier = "com.example.app"
	testOldCN      = "Apple Development: Old Signer (OLD1234567)"
	testNewCN      = "Apple Development: Jane Appleseed (NEW7654321)"
	testOldTeam    = "OLDTEAM123"
	testNewTeam    = "NEWTEAM456"
	testCDHeader   = 88 // version 0x20400 header
)

// buildCodeDirectory returns a version 0x20400 CodeDirectory with
// nSpecial zeroed special slots and nCode code hashes filled with i+1.
func buildCodeDirectory(hashType uint8, nSpecial, nCode int, ident, team string) *Blob {
	hashSize := 20
	if hashType == CS_HASHTYPE_SHA256 {
		hashSize = 32
	}
	identOff := testCDHeader
	teamOff := 0
	strEnd := identOff + len(ident) + 1
	if team != "" {
		teamOff = strEnd
		strEnd += len(team) + 1
	}
	hashOff := strEnd + nSpecial*hashSize
	total := hashOff + nCode*hashSize

	buf := make([]byte, total)
	binary.BigEndian.PutUint32(buf[0:], uint32(ctypes.MAGIC_CODEDIRECTORY))
	binary.BigEndian.PutUint32(buf[4:], uint32(total))
	binary.BigEndian.PutUint32(buf[cdVersionOff:], CS_SUPPORTSEXECSEG)
	binary.BigEndian.PutUint32(buf[cdHashOffsetOff:], uint32(hashOff))
	binary.BigEndian.PutUint32(buf[cdIdentOffsetOff:], uint32(identOff))
	binary.BigEndian.PutUint32(buf[cdNSpecialSlotsOff:], uint32(nSpecial))
	binary.BigEndian.PutUint32(buf[cdNCodeSlotsOff:], uint32(nCode))
	binary.BigEndian.PutUint32(buf[cdCodeLimitOff:], uint32(nCode*4096))
	buf[cdHashSizeOff] = byte(hashSize)
	buf[cdHashTypeOff] = hashType
	buf[cdPageSizeOff] = 12
	binary.BigEndian.PutUint32(buf[cdTeamOffsetOff:], uint32(teamOff))
	copy(buf[identOff:], ident)
	if team != "" {
		copy(buf[teamOff:], team)
	}
	for i := 0; i < nCode; i++ {
		pos := hashOff + i*hashSize
		for j := 0; j < hashSize; j++ {
			buf[pos+j] = byte(i + 1)
		}
	}
	return &Blob{Magic: ctypes.MAGIC_CODEDIRECTORY, Data: buf[blobHeaderSize:]}
}

const testEntitlements = `<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">
<dict>
	<key>application-identifier</key>
	<string>OLDTEAM123.com.example.app</string>
	<key>get-task-allow</key>
	<true/>
</dict>
</plist>
`

// buildTestSignature assembles an embedded signature laid out the way
// codesign writes it: SHA-1 directory, requirements, entitlements, SHA-256
// alternate directory and the CMS wrapper.
func buildTestSignature(t *testing.T) []byte {
	t.Helper()
	reqs := NewRequirementsBlob(TypedRequirement{
		Type: DesignatedRequirementType,
		Expr: DesignatedRequirement(testIdentifier, testOldCN),
	})
	sb := &SuperBlob{
		Magic: ctypes.MAGIC_EMBEDDED_SIGNATURE,
		Entries: []*BlobEntry{
			{Type: ctypes.SlotType(0), Blob: buildCodeDirectory(CS_HASHTYPE_SHA1, 5, 3, testIdentifier, testOldTeam)},
			{Type: ctypes.SlotType(2), Blob: reqs},
			{Type: ctypes.SlotType(5), Blob: &Blob{Magic: ctypes.MAGIC_EMBEDDED_ENTITLEMENTS, Data: []byte(testEntitlements)}},
			{Type: ctypes.SlotType(0x1000), Blob: buildCodeDirectory(CS_HASHTYPE_SHA256, 5, 3, testIdentifier, testOldTeam)},
			{Type: ctypes.SlotType(0x10000), Blob: &Blob{Magic: ctypes.MAGIC_BLOBWRAPPER, Data: []byte{}}},
		},
	}
	sb.Entries[0].Offset = uint32(sb.headerLen())
	sb.UpdateOffsets()
	return sb.Bytes()
}

// fakeSigner returns a fixed signature so re-signing is deterministic.
type fakeSigner struct {
	cert   *x509.Certificate
	teamID string
	signed [][]byte
}

func (f *fakeSigner) Sign(data []byte) ([]byte, error) {
	f.signed = append(f.signed, append([]byte(nil), data...))
	sum := sha1.Sum(data)
	return append([]byte("fake-cms:"), sum[:]...), nil
}

func (f *fakeSigner) Certificate() *x509.Certificate { return f.cert }
func (f *fakeSigner) TeamID() string                 { return f.teamID }

func newFakeSigner(cn, teamID string) *fakeSigner {
	return &fakeSigner{
		cert:   &x509.Certificate{Subject: pkix.Name{CommonName: cn, OrganizationalUnit: []string{teamID}}},
		teamID: teamID,
	}
}

// newTestIdentity creates a self-signed RSA certificate whose subject
// carries a team ID the way Apple development certificates do.
func newTestIdentity(t *testing.T, cn, teamID string) (*x509.Certificate, crypto.Signer) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("Failed to generate key: %v", err)
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(time.Now().UnixNano()),
		Subject: pkix.Name{
			CommonName:         cn,
			OrganizationalUnit: []string{teamID},
			Organization:       []string{"Example Corp"},
		},
		NotBefore:   time.Now().Add(-time.Hour),
		NotAfter:    time.Now().Add(24 * time.Hour),
		KeyUsage:    x509.KeyUsageDigitalSignature,
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageCodeSigning},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("Failed to create certificate: %v", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("Failed to parse certificate: %v", err)
	}
	return cert, key
}

// writeFile creates path (and its parents) under dir with content.
func writeFile(t *testing.T, dir, path, content string) string {
	t.Helper()
	full := filepath.Join(dir, filepath.FromSlash(path))
	if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
		t.Fatalf("Failed to create directory: %v", err)
	}
	if err := os.WriteFile(full, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write %s: %v", path, err)
	}
	return full
}

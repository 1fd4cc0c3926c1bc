package codesign

import (
	"crypto/x509"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	ctypes "github.com/blacktop/go-macho/pkg/codesign/types"
)

// SignatureInfo is a read-only summary of an embedded signature.
type SignatureInfo struct {
	// Path is the binary the signature came from, relative to the
	// inspected bundle root when produced by InspectBundle.
	Path            string
	Length          int
	Blobs           []BlobSummary
	CodeDirectories []CodeDirectoryInfo
	Requirements    string
	Entitlements    map[string]interface{}
	SignerCN        string
	SignerTeamID    string
	CMSLength       int
}

// BlobSummary describes one index entry of the superblob.
type BlobSummary struct {
	Type   ctypes.SlotType
	Offset uint32
	Magic  ctypes.Magic
	Length int
}

// CodeDirectoryInfo holds the decoded header of one CodeDirectory.
type CodeDirectoryInfo struct {
	Slot          ctypes.SlotType
	Version       uint32
	Flags         uint32
	HashType      uint8
	Identifier    string
	TeamID        string
	PageSize      uint32
	CodeLimit     uint32
	NSpecialSlots uint32
	NCodeSlots    uint32
	SpecialHashes map[CodeDirectorySlot][]byte
	CDHash        []byte
}

// InspectFile reads a Mach-O file and summarizes its signature.
func InspectFile(path string) (*SignatureInfo, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read binary: %w", err)
	}
	sig, err := ExtractSignature(data)
	if err != nil {
		return nil, err
	}
	info, err := InspectSignature(sig)
	if err != nil {
		return nil, err
	}
	info.Path = path
	return info, nil
}

// InspectSignature decodes an embedded signature superblob. Blobs that do
// not decode are listed but otherwise left out of the summary.
func InspectSignature(data []byte) (*SignatureInfo, error) {
	sb, err := ParseSuperBlob(data)
	if err != nil {
		return nil, err
	}
	info := &SignatureInfo{Length: int(sb.Length)}
	for _, e := range sb.Entries {
		info.Blobs = append(info.Blobs, BlobSummary{
			Type:   e.Type,
			Offset: e.Offset,
			Magic:  e.Blob.Magic,
			Length: e.Blob.Len(),
		})

		switch e.Blob.Magic {
		case ctypes.MAGIC_CODEDIRECTORY:
			cd, err := NewCodeDirectory(e.Blob)
			if err != nil {
				return nil, err
			}
			info.CodeDirectories = append(info.CodeDirectories, codeDirectoryInfo(e.Type, cd))
		case ctypes.MAGIC_REQUIREMENTS:
			if reqs, err := ParseRequirements(e.Blob); err == nil {
				info.Requirements = reqs.String()
			}
		case ctypes.MAGIC_EMBEDDED_ENTITLEMENTS:
			if ents, err := ParseEntitlementsBlob(e.Blob); err == nil {
				info.Entitlements = ents
			}
		case ctypes.MAGIC_BLOBWRAPPER:
			info.CMSLength = len(e.Blob.Data)
			if cert, err := cmsSigner(e.Blob.Data); err == nil && cert != nil {
				info.SignerCN = cert.Subject.CommonName
				info.SignerTeamID = extractTeamID(cert)
			}
		}
	}
	return info, nil
}

func codeDirectoryInfo(slot ctypes.SlotType, cd *CodeDirectory) CodeDirectoryInfo {
	info := CodeDirectoryInfo{
		Slot:          slot,
		Version:       cd.Version(),
		Flags:         cd.Flags(),
		HashType:      cd.HashType(),
		Identifier:    cd.Identifier(),
		TeamID:        cd.TeamID(),
		PageSize:      cd.PageSize(),
		CodeLimit:     cd.CodeLimit(),
		NSpecialSlots: cd.NSpecialSlots(),
		NCodeSlots:    cd.NCodeSlots(),
		SpecialHashes: make(map[CodeDirectorySlot][]byte),
		CDHash:        cd.CDHash(),
	}
	for _, s := range []CodeDirectorySlot{SlotEntitlements, SlotApplication, SlotResourceDir, SlotRequirements, SlotInfo} {
		if cd.HasSlot(s) {
			info.SpecialHashes[s] = cd.SlotHash(s)
		}
	}
	return info
}

// cmsSigner returns the certificate that produced a CMS signature. The
// blob wrapper content is BER with indefinite lengths.
func cmsSigner(data []byte) (*x509.Certificate, error) {
	if len(data) == 0 {
		return nil, nil
	}
	p7, err := parseCMS(data)
	if err != nil {
		return nil, err
	}
	if cert := p7.GetOnlySigner(); cert != nil {
		return cert, nil
	}
	if len(p7.Signers) == 0 {
		return nil, nil
	}
	serial := p7.Signers[0].IssuerAndSerialNumber.SerialNumber
	for _, cert := range p7.Certificates {
		if cert.SerialNumber.Cmp(serial) == 0 {
			return cert, nil
		}
	}
	return nil, nil
}

// InspectBundle summarizes the main executable of bundlePath and, with
// recursive, every nested framework, plugin and test bundle.
func InspectBundle(bundlePath string, recursive bool) ([]*SignatureInfo, error) {
	bundles := []string{bundlePath}
	if recursive {
		nested, err := findNestedBundles(bundlePath)
		if err != nil {
			return nil, err
		}
		// outermost first for display
		for i := len(nested) - 1; i >= 0; i-- {
			bundles = append(bundles, nested[i])
		}
	}

	var infos []*SignatureInfo
	for _, b := range bundles {
		execPath, err := BundleExecutable(b)
		if err != nil {
			return nil, err
		}
		if _, err := os.Stat(execPath); os.IsNotExist(err) {
			continue
		}
		info, err := InspectFile(execPath)
		if err != nil {
			return nil, fmt.Errorf("failed to inspect %s: %w", b, err)
		}
		if rel, err := filepath.Rel(bundlePath, execPath); err == nil {
			info.Path = filepath.ToSlash(rel)
		}
		infos = append(infos, info)
	}
	return infos, nil
}

func magicName(m ctypes.Magic) string {
	switch m {
	case ctypes.MAGIC_CODEDIRECTORY:
		return "CodeDirectory"
	case ctypes.MAGIC_REQUIREMENTS:
		return "Requirements"
	case ctypes.MAGIC_EMBEDDED_ENTITLEMENTS:
		return "Entitlements"
	case ctypes.MAGIC_EMBEDDED_ENTITLEMENTS_DER:
		return "EntitlementsDER"
	case ctypes.MAGIC_BLOBWRAPPER:
		return "CMS Signature"
	}
	return fmt.Sprintf("Unknown (0x%08x)", uint32(m))
}

func hashTypeName(t uint8) string {
	switch t {
	case CS_HASHTYPE_SHA1:
		return "SHA-1"
	case CS_HASHTYPE_SHA256:
		return "SHA-256"
	case CS_HASHTYPE_SHA256_TRUNCATED:
		return "SHA-256 (truncated)"
	case CS_HASHTYPE_SHA384:
		return "SHA-384"
	}
	return fmt.Sprintf("unknown (%d)", t)
}

// PrintSignatureInfo writes a tree view of info.
func PrintSignatureInfo(info *SignatureInfo, w io.Writer) {
	if info.Path != "" {
		fprint(w, "\n=== %s ===\n", info.Path)
	}
	if len(info.CodeDirectories) > 0 {
		cd := info.CodeDirectories[0]
		fprint(w, "Identifier: %s\n", cd.Identifier)
		if cd.TeamID != "" {
			fprint(w, "Team ID:    %s\n", cd.TeamID)
		}
	}
	fprint(w, "SuperBlob: %d blobs, %d bytes\n", len(info.Blobs), info.Length)

	for i, b := range info.Blobs {
		branch, indent := "├─", "│   "
		if i == len(info.Blobs)-1 {
			branch, indent = "└─", "    "
		}
		fprint(w, "  %s %s: slot 0x%x, %d bytes\n", branch, magicName(b.Magic), uint32(b.Type), b.Length)

		switch b.Magic {
		case ctypes.MAGIC_CODEDIRECTORY:
			for _, cd := range info.CodeDirectories {
				if cd.Slot == b.Type {
					printCodeDirectory(w, cd, "  "+indent)
				}
			}
		case ctypes.MAGIC_REQUIREMENTS:
			for _, line := range strings.Split(info.Requirements, "\n") {
				if line != "" {
					fprint(w, "  %s%s\n", indent, line)
				}
			}
		case ctypes.MAGIC_EMBEDDED_ENTITLEMENTS:
			for _, k := range EntitlementKeys(info.Entitlements) {
				fprint(w, "  %s%s: %v\n", indent, k, info.Entitlements[k])
			}
		case ctypes.MAGIC_BLOBWRAPPER:
			if info.SignerCN != "" {
				fprint(w, "  %sSigner: %s\n", indent, info.SignerCN)
			}
			if info.SignerTeamID != "" {
				fprint(w, "  %sTeam ID: %s\n", indent, info.SignerTeamID)
			}
		}
	}
}

func printCodeDirectory(w io.Writer, cd CodeDirectoryInfo, prefix string) {
	fprint(w, "%sVersion: 0x%x\n", prefix, cd.Version)
	fprint(w, "%sFlags: 0x%x\n", prefix, cd.Flags)
	fprint(w, "%sHash Type: %s\n", prefix, hashTypeName(cd.HashType))
	fprint(w, "%sPage Size: %d\n", prefix, cd.PageSize)
	fprint(w, "%sCode Limit: %d\n", prefix, cd.CodeLimit)
	fprint(w, "%sCDHash: %s\n", prefix, hex.EncodeToString(cd.CDHash))
	fprint(w, "%sSpecial Slots: %d\n", prefix, cd.NSpecialSlots)
	for _, s := range []CodeDirectorySlot{SlotEntitlements, SlotApplication, SlotResourceDir, SlotRequirements, SlotInfo} {
		if h, ok := cd.SpecialHashes[s]; ok {
			fprint(w, "%s  %d (%s): %s\n", prefix, s.Offset(), s, shortHash(h))
		}
	}
	fprint(w, "%sCode Slots: %d\n", prefix, cd.NCodeSlots)
}

func shortHash(h []byte) string {
	s := hex.EncodeToString(h)
	if len(s) > 24 {
		return s[:24] + "..."
	}
	return s
}

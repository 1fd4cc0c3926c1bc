package codesign

import (
	"bytes"
	"crypto/sha1"
	"encoding/binary"
	"fmt"

	ctypes "github.com/blacktop/go-macho/pkg/codesign/types"
)

// CodeDirectory header field offsets, measured from the start of the blob
// (magic included).
const (
	cdVersionOff       = 8
	cdFlagsOff         = 12
	cdHashOffsetOff    = 16
	cdIdentOffsetOff   = 20
	cdNSpecialSlotsOff = 24
	cdNCodeSlotsOff    = 28
	cdCodeLimitOff     = 32
	cdHashSizeOff      = 36
	cdHashTypeOff      = 37
	cdPlatformOff      = 38
	cdPageSizeOff      = 39
	cdScatterOff       = 44
	cdTeamOffsetOff    = 48
	cdPreEncryptOff    = 92
	cdLinkageOff       = 100

	cdMinHeaderSize = 44
)

// CodeDirectory is a view over a CodeDirectory blob. Writes go straight to
// the underlying blob, so the owning superblob sees them.
type CodeDirectory struct {
	blob *Blob
}

// NewCodeDirectory validates b as a CodeDirectory and wraps it.
func NewCodeDirectory(b *Blob) (*CodeDirectory, error) {
	if b.Magic != ctypes.MAGIC_CODEDIRECTORY {
		return nil, malformed("blob magic 0x%08x is not a CodeDirectory", uint32(b.Magic))
	}
	if b.Len() < cdMinHeaderSize {
		return nil, malformed("CodeDirectory too short (%d bytes)", b.Len())
	}
	cd := &CodeDirectory{blob: b}
	if cd.HashSize() == 0 {
		return nil, malformed("CodeDirectory hash size is zero")
	}
	base := int64(cd.HashOffset()) - int64(cd.NSpecialSlots())*int64(cd.HashSize())
	end := int64(cd.HashOffset()) + int64(cd.NCodeSlots())*int64(cd.HashSize())
	if base < cdMinHeaderSize || end > int64(b.Len()) {
		return nil, malformed("CodeDirectory hash array [%d,%d) outside blob of %d bytes", base, end, b.Len())
	}
	return cd, nil
}

func (cd *CodeDirectory) u32(off int) uint32 {
	return binary.BigEndian.Uint32(cd.blob.Data[off-blobHeaderSize:])
}

func (cd *CodeDirectory) put32(off int, v uint32) {
	binary.BigEndian.PutUint32(cd.blob.Data[off-blobHeaderSize:], v)
}

func (cd *CodeDirectory) byteAt(off int) uint8 {
	return cd.blob.Data[off-blobHeaderSize]
}

// Blob returns the underlying blob.
func (cd *CodeDirectory) Blob() *Blob { return cd.blob }

func (cd *CodeDirectory) Version() uint32       { return cd.u32(cdVersionOff) }
func (cd *CodeDirectory) Flags() uint32         { return cd.u32(cdFlagsOff) }
func (cd *CodeDirectory) HashOffset() uint32    { return cd.u32(cdHashOffsetOff) }
func (cd *CodeDirectory) IdentOffset() uint32   { return cd.u32(cdIdentOffsetOff) }
func (cd *CodeDirectory) NSpecialSlots() uint32 { return cd.u32(cdNSpecialSlotsOff) }
func (cd *CodeDirectory) NCodeSlots() uint32    { return cd.u32(cdNCodeSlotsOff) }
func (cd *CodeDirectory) CodeLimit() uint32     { return cd.u32(cdCodeLimitOff) }
func (cd *CodeDirectory) HashSize() uint8       { return cd.byteAt(cdHashSizeOff) }
func (cd *CodeDirectory) HashType() uint8       { return cd.byteAt(cdHashTypeOff) }
func (cd *CodeDirectory) Platform() uint8       { return cd.byteAt(cdPlatformOff) }

// PageSize returns the code page size in bytes.
func (cd *CodeDirectory) PageSize() uint32 {
	if shift := cd.byteAt(cdPageSizeOff); shift != 0 {
		return 1 << shift
	}
	return 0
}

// TeamOffset returns the team identifier offset, or 0 when the directory
// predates team identifiers or carries none.
func (cd *CodeDirectory) TeamOffset() uint32 {
	if cd.Version() < CS_SUPPORTSTEAMID || cd.blob.Len() < cdTeamOffsetOff+4 {
		return 0
	}
	return cd.u32(cdTeamOffsetOff)
}

// Identifier returns the signing identifier string.
func (cd *CodeDirectory) Identifier() string {
	return cd.cString(cd.IdentOffset())
}

// TeamID returns the team identifier string, if any.
func (cd *CodeDirectory) TeamID() string {
	return cd.cString(cd.TeamOffset())
}

func (cd *CodeDirectory) cString(off uint32) string {
	if off < blobHeaderSize || int(off) >= cd.blob.Len() {
		return ""
	}
	s := cd.blob.Data[off-blobHeaderSize:]
	if i := bytes.IndexByte(s, 0); i >= 0 {
		s = s[:i]
	}
	return string(s)
}

// slotIndex maps a special slot to its position in the hash array, which
// starts at the lowest declared special slot.
func (cd *CodeDirectory) slotIndex(slot CodeDirectorySlot) int {
	return slot.Offset() + int(cd.NSpecialSlots())
}

// HasSlot reports whether the directory declares enough special slots to
// hold slot. Dylibs often declare only the Info and Requirements slots.
func (cd *CodeDirectory) HasSlot(slot CodeDirectorySlot) bool {
	return cd.slotIndex(slot) >= 0
}

func (cd *CodeDirectory) hashPos(index int) int {
	base := int(cd.HashOffset()) - int(cd.NSpecialSlots())*int(cd.HashSize())
	return base + index*int(cd.HashSize())
}

// SlotHash returns the hash stored for a special slot, or nil when the
// directory does not have that slot.
func (cd *CodeDirectory) SlotHash(slot CodeDirectorySlot) []byte {
	if !cd.HasSlot(slot) {
		return nil
	}
	pos := cd.hashPos(cd.slotIndex(slot)) - blobHeaderSize
	out := make([]byte, cd.HashSize())
	copy(out, cd.blob.Data[pos:])
	return out
}

// SetSlotHash writes digest into the hash array entry for slot. The digest
// is truncated to the directory's hash size.
func (cd *CodeDirectory) SetSlotHash(slot CodeDirectorySlot, digest []byte) error {
	if !cd.HasSlot(slot) {
		return fmt.Errorf("code directory has no %s slot", slot)
	}
	size := int(cd.HashSize())
	if len(digest) < size {
		return fmt.Errorf("digest of %d bytes is shorter than hash size %d", len(digest), size)
	}
	pos := cd.hashPos(cd.slotIndex(slot)) - blobHeaderSize
	copy(cd.blob.Data[pos:pos+size], digest[:size])
	return nil
}

// CodeHashes returns copies of the code page hashes.
func (cd *CodeDirectory) CodeHashes() [][]byte {
	size := int(cd.HashSize())
	hashes := make([][]byte, 0, cd.NCodeSlots())
	for i := 0; i < int(cd.NCodeSlots()); i++ {
		pos := int(cd.HashOffset()) + i*size - blobHeaderSize
		h := make([]byte, size)
		copy(h, cd.blob.Data[pos:pos+size])
		hashes = append(hashes, h)
	}
	return hashes
}

// CDHash returns the digest of the serialized directory under its own
// hash type, truncated to 20 bytes. Unknown hash types fall back to SHA-1.
func (cd *CodeDirectory) CDHash() []byte {
	h, err := hashForType(cd.HashType(), cd.blob.Bytes())
	if err != nil {
		sum := sha1.Sum(cd.blob.Bytes())
		return sum[:]
	}
	return h[:sha1.Size]
}

// SetTeamID stores teamID in the directory. It returns false without
// touching anything when the directory version has no team field. An ID
// of the same length is written in place; otherwise the string region is
// resized and every offset field that points past it is shifted, which
// leaves the hash array contents untouched.
func (cd *CodeDirectory) SetTeamID(teamID string) (bool, error) {
	if cd.Version() < CS_SUPPORTSTEAMID || cd.blob.Len() < cdTeamOffsetOff+4 {
		return false, nil
	}

	teamOff := cd.TeamOffset()
	var start, oldSize int
	if teamOff != 0 {
		start = int(teamOff)
		oldSize = len(cd.TeamID()) + 1
		if start+oldSize > cd.blob.Len() {
			return false, malformed("team identifier runs past end of CodeDirectory")
		}
	} else {
		if teamID == "" {
			return true, nil
		}
		// no team yet; place it right after the identifier string
		start = int(cd.IdentOffset()) + len(cd.Identifier()) + 1
	}

	var repl []byte
	if teamID != "" {
		repl = append([]byte(teamID), 0)
	}
	if len(repl) == oldSize {
		copy(cd.blob.Data[start-blobHeaderSize:], repl)
		return true, nil
	}

	delta := len(repl) - oldSize
	regionEnd := start + oldSize
	data := cd.blob.Data
	grown := make([]byte, 0, len(data)+delta)
	grown = append(grown, data[:start-blobHeaderSize]...)
	grown = append(grown, repl...)
	grown = append(grown, data[regionEnd-blobHeaderSize:]...)
	cd.blob.Data = grown

	shift := func(off int) {
		if cd.blob.Len() < off+4 {
			return
		}
		if v := cd.u32(off); v != 0 && int(v) >= regionEnd {
			cd.put32(off, uint32(int(v)+delta))
		}
	}
	shift(cdHashOffsetOff)
	shift(cdIdentOffsetOff)
	if cd.Version() >= CS_SUPPORTSSCATTER {
		shift(cdScatterOff)
	}
	if cd.Version() >= CS_SUPPORTSRUNTIME {
		shift(cdPreEncryptOff)
	}
	if cd.Version() >= CS_SUPPORTSLINKAGE {
		shift(cdLinkageOff)
	}

	if teamID == "" {
		cd.put32(cdTeamOffsetOff, 0)
	} else {
		cd.put32(cdTeamOffsetOff, uint32(start))
	}
	return true, nil
}

package codesign

import (
	"encoding/binary"

	ctypes "github.com/blacktop/go-macho/pkg/codesign/types"
)

// Code signature constants from Apple's cs_blobs.h that go-macho does not
// export with the names used here.
const (
	CS_HASHTYPE_SHA1             = 1
	CS_HASHTYPE_SHA256           = 2
	CS_HASHTYPE_SHA256_TRUNCATED = 3
	CS_HASHTYPE_SHA384           = 4

	CS_SUPPORTSSCATTER     = 0x20100
	CS_SUPPORTSTEAMID      = 0x20200
	CS_SUPPORTSCODELIMIT64 = 0x20300
	CS_SUPPORTSEXECSEG     = 0x20400
	CS_SUPPORTSRUNTIME     = 0x20500
	CS_SUPPORTSLINKAGE     = 0x20600

	LC_CODE_SIGNATURE = 0x1d

	blobHeaderSize  = 8  // magic + length
	superHeaderSize = 12 // magic + length + count
	indexEntrySize  = 8  // type + offset
)

// Blob is a single magic/length prefixed record. Data holds the body
// without the 8 byte header, so the serialized length is always
// len(Data)+8.
type Blob struct {
	Magic ctypes.Magic
	Data  []byte
}

// Len returns the serialized length of the blob.
func (b *Blob) Len() int {
	return blobHeaderSize + len(b.Data)
}

// Bytes serializes the blob with its header.
func (b *Blob) Bytes() []byte {
	out := make([]byte, b.Len())
	binary.BigEndian.PutUint32(out[0:], uint32(b.Magic))
	binary.BigEndian.PutUint32(out[4:], uint32(b.Len()))
	copy(out[blobHeaderSize:], b.Data)
	return out
}

// BlobEntry is one index slot of a superblob. Offset is relative to the
// start of the enclosing superblob.
type BlobEntry struct {
	Type   ctypes.SlotType
	Offset uint32
	Blob   *Blob
}

// SuperBlob is an indexed container of blobs. The embedded signature and
// the internal requirements vector share this layout.
type SuperBlob struct {
	Magic   ctypes.Magic
	Length  uint32
	Entries []*BlobEntry
}

// ParseSuperBlob decodes an embedded signature superblob. Bytes past the
// declared length are treated as LC_CODE_SIGNATURE padding and dropped.
func ParseSuperBlob(data []byte) (*SuperBlob, error) {
	return parseSuperBlob(data, ctypes.MAGIC_EMBEDDED_SIGNATURE)
}

func parseSuperBlob(data []byte, magic ctypes.Magic) (*SuperBlob, error) {
	if len(data) < superHeaderSize {
		return nil, malformed("superblob too short (%d bytes)", len(data))
	}

	var hdr ctypes.SbHeader
	hdr.Magic = ctypes.Magic(binary.BigEndian.Uint32(data[0:]))
	hdr.Length = binary.BigEndian.Uint32(data[4:])
	hdr.Count = binary.BigEndian.Uint32(data[8:])

	if hdr.Magic != magic {
		return nil, malformed("bad superblob magic 0x%08x, expected 0x%08x", uint32(hdr.Magic), uint32(magic))
	}
	if uint64(hdr.Length) > uint64(len(data)) {
		return nil, malformed("superblob length %d exceeds %d available bytes", hdr.Length, len(data))
	}
	indexEnd := uint64(superHeaderSize) + uint64(hdr.Count)*indexEntrySize
	if indexEnd > uint64(hdr.Length) {
		return nil, malformed("superblob index of %d entries exceeds length %d", hdr.Count, hdr.Length)
	}

	sb := &SuperBlob{
		Magic:   hdr.Magic,
		Length:  hdr.Length,
		Entries: make([]*BlobEntry, 0, hdr.Count),
	}
	body := data[:hdr.Length]
	for i := uint32(0); i < hdr.Count; i++ {
		pos := superHeaderSize + i*indexEntrySize
		idx := ctypes.BlobIndex{
			Type:   ctypes.SlotType(binary.BigEndian.Uint32(body[pos:])),
			Offset: binary.BigEndian.Uint32(body[pos+4:]),
		}
		if uint64(idx.Offset) < indexEnd || uint64(idx.Offset)+blobHeaderSize > uint64(len(body)) {
			return nil, malformed("blob %d offset %d out of range", i, idx.Offset)
		}
		var bh ctypes.BlobHeader
		bh.Magic = ctypes.Magic(binary.BigEndian.Uint32(body[idx.Offset:]))
		bh.Length = binary.BigEndian.Uint32(body[idx.Offset+4:])
		if bh.Length < blobHeaderSize || uint64(idx.Offset)+uint64(bh.Length) > uint64(len(body)) {
			return nil, malformed("blob %d (%s) length %d out of range", i, bh.Magic, bh.Length)
		}
		payload := make([]byte, bh.Length-blobHeaderSize)
		copy(payload, body[idx.Offset+blobHeaderSize:idx.Offset+bh.Length])
		sb.Entries = append(sb.Entries, &BlobEntry{
			Type:   idx.Type,
			Offset: idx.Offset,
			Blob:   &Blob{Magic: bh.Magic, Data: payload},
		})
	}
	return sb, nil
}

// Bytes serializes the superblob. Every blob is written at its recorded
// offset and gaps are zero filled, so an unmodified parse round-trips
// byte for byte.
func (s *SuperBlob) Bytes() []byte {
	size := uint64(s.Length)
	if hdr := uint64(s.headerLen()); size < hdr {
		size = hdr
	}
	for _, e := range s.Entries {
		if end := uint64(e.Offset) + uint64(e.Blob.Len()); end > size {
			size = end
		}
	}

	out := make([]byte, size)
	binary.BigEndian.PutUint32(out[0:], uint32(s.Magic))
	binary.BigEndian.PutUint32(out[4:], uint32(size))
	binary.BigEndian.PutUint32(out[8:], uint32(len(s.Entries)))
	for i, e := range s.Entries {
		pos := superHeaderSize + i*indexEntrySize
		binary.BigEndian.PutUint32(out[pos:], uint32(e.Type))
		binary.BigEndian.PutUint32(out[pos+4:], e.Offset)
		copy(out[e.Offset:], e.Blob.Bytes())
	}
	return out
}

func (s *SuperBlob) headerLen() int {
	return superHeaderSize + len(s.Entries)*indexEntrySize
}

// GetBlob returns the first blob carrying magic.
func (s *SuperBlob) GetBlob(magic ctypes.Magic) (*Blob, error) {
	for _, e := range s.Entries {
		if e.Blob.Magic == magic {
			return e.Blob, nil
		}
	}
	return nil, &BlobNotFoundError{Magic: magic}
}

// GetBlobData returns the serialized bytes (header included) of the first
// blob carrying magic.
func (s *SuperBlob) GetBlobData(magic ctypes.Magic) ([]byte, error) {
	b, err := s.GetBlob(magic)
	if err != nil {
		return nil, err
	}
	return b.Bytes(), nil
}

// Blobs returns every blob carrying magic, in index order.
func (s *SuperBlob) Blobs(magic ctypes.Magic) []*Blob {
	var blobs []*Blob
	for _, e := range s.Entries {
		if e.Blob.Magic == magic {
			blobs = append(blobs, e.Blob)
		}
	}
	return blobs
}

// UpdateOffsets lays the blobs out back to back starting at the first
// entry's original offset and recomputes the total length.
func (s *SuperBlob) UpdateOffsets() {
	if len(s.Entries) == 0 {
		s.Length = uint32(s.headerLen())
		return
	}
	offset := s.Entries[0].Offset
	for _, e := range s.Entries {
		e.Offset = offset
		offset += uint32(e.Blob.Len())
	}
	s.Length = offset
}

package codesign

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/blacktop/go-macho"
)

const (
	fatMagic   = 0xcafebabe
	fatMagic64 = 0xcafebabf
)

// machoSlice is one architecture inside a (possibly fat) Mach-O file.
type machoSlice struct {
	offset uint64
	size   uint64
}

// SignMachO re-signs the executable at path in place. Every slice of a fat
// file is re-signed. The file keeps its size and load commands.
func SignMachO(path string, app App, signer Signer, opts ...Option) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("failed to stat %s: %w", path, err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read file: %w", err)
	}
	signed, err := ResignMachO(data, app, signer, opts...)
	if err != nil {
		return fmt.Errorf("failed to sign %s: %w", path, err)
	}
	return os.WriteFile(path, signed, info.Mode().Perm())
}

// ResignMachO returns a copy of data with the signature of every slice
// replaced. A rebuilt signature must fit in the space the LC_CODE_SIGNATURE
// command reserves; the remainder is zero filled.
func ResignMachO(data []byte, app App, signer Signer, opts ...Option) ([]byte, error) {
	slices, err := machoSlices(data)
	if err != nil {
		return nil, err
	}
	out := append([]byte(nil), data...)
	for i, s := range slices {
		slice := data[s.offset : s.offset+s.size]
		sigOff, sigSize, err := locateSignature(slice)
		if err != nil {
			return nil, fmt.Errorf("slice %d: %w", i, err)
		}
		c, err := NewCodesig(slice[sigOff:sigOff+sigSize], opts...)
		if err != nil {
			return nil, fmt.Errorf("slice %d: failed to parse signature: %w", i, err)
		}
		if err := c.Resign(app, signer); err != nil {
			return nil, fmt.Errorf("slice %d: %w", i, err)
		}
		sig := c.Bytes()
		if uint64(len(sig)) > uint64(sigSize) {
			return nil, fmt.Errorf("slice %d: %w: %d bytes, %d reserved", i, ErrSignatureTooLarge, len(sig), sigSize)
		}
		region := out[s.offset+uint64(sigOff) : s.offset+uint64(sigOff)+uint64(sigSize)]
		n := copy(region, sig)
		for j := n; j < len(region); j++ {
			region[j] = 0
		}
	}
	return out, nil
}

// ExtractSignature returns the signature superblob of a thin file, or of
// the first slice of a fat file, exactly as it sits in the reserved region.
func ExtractSignature(data []byte) ([]byte, error) {
	slices, err := machoSlices(data)
	if err != nil {
		return nil, err
	}
	s := slices[0]
	slice := data[s.offset : s.offset+s.size]
	off, size, err := locateSignature(slice)
	if err != nil {
		return nil, err
	}
	return append([]byte(nil), slice[off:off+size]...), nil
}

func isFat(data []byte) bool {
	if len(data) < 8 {
		return false
	}
	magic := binary.BigEndian.Uint32(data)
	return magic == fatMagic || magic == fatMagic64
}

func machoSlices(data []byte) ([]machoSlice, error) {
	if !isFat(data) {
		return []machoSlice{{offset: 0, size: uint64(len(data))}}, nil
	}
	fat, err := macho.NewFatFile(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to parse fat binary: %w", err)
	}
	defer fat.Close()

	slices := make([]machoSlice, 0, len(fat.Arches))
	for i, arch := range fat.Arches {
		end := uint64(arch.Offset) + uint64(arch.Size)
		if end > uint64(len(data)) {
			return nil, fmt.Errorf("arch %d extends past end of file", i)
		}
		slices = append(slices, machoSlice{offset: uint64(arch.Offset), size: uint64(arch.Size)})
	}
	return slices, nil
}

// locateSignature finds the LC_CODE_SIGNATURE data region of a thin slice.
func locateSignature(slice []byte) (offset, size uint32, err error) {
	// go-macho chokes on some signature formats, so hand it a copy with the
	// signature region zeroed
	parse := append([]byte(nil), slice...)
	if off, sz, found := findCodeSignatureOffset(slice); found && off > 0 && off < uint32(len(slice)) {
		end := uint64(off) + uint64(sz)
		if end > uint64(len(parse)) {
			end = uint64(len(parse))
		}
		for i := uint64(off); i < end; i++ {
			parse[i] = 0
		}
	}

	m, err := macho.NewFile(bytes.NewReader(parse))
	if err != nil {
		return 0, 0, fmt.Errorf("failed to parse Mach-O: %w", err)
	}
	defer m.Close()

	for _, load := range m.Loads {
		if cs, ok := load.(*macho.CodeSignature); ok {
			if uint64(cs.Offset)+uint64(cs.Size) > uint64(len(slice)) {
				return 0, 0, malformed("LC_CODE_SIGNATURE region [%d,+%d) past end of slice", cs.Offset, cs.Size)
			}
			return cs.Offset, cs.Size, nil
		}
	}
	return 0, 0, ErrNotSigned
}

// findCodeSignatureOffset walks the load commands without full parsing.
func findCodeSignatureOffset(data []byte) (offset, size uint32, found bool) {
	if len(data) < 32 {
		return 0, 0, false
	}

	var headerSize uint32
	switch binary.LittleEndian.Uint32(data[:4]) {
	case 0xfeedfacf: // MH_MAGIC_64
		headerSize = 32
	case 0xfeedface: // MH_MAGIC
		headerSize = 28
	default:
		return 0, 0, false
	}
	ncmds := binary.LittleEndian.Uint32(data[16:20])
	sizeofcmds := binary.LittleEndian.Uint32(data[20:24])
	if uint64(len(data)) < uint64(headerSize)+uint64(sizeofcmds) {
		return 0, 0, false
	}

	end := uint64(headerSize) + uint64(sizeofcmds)
	cmdOffset := uint64(headerSize)
	for i := uint32(0); i < ncmds; i++ {
		if cmdOffset+8 > end {
			break
		}
		cmd := binary.LittleEndian.Uint32(data[cmdOffset:])
		cmdSize := binary.LittleEndian.Uint32(data[cmdOffset+4:])
		if cmd == LC_CODE_SIGNATURE && cmdSize >= 16 && cmdOffset+16 <= end {
			return binary.LittleEndian.Uint32(data[cmdOffset+8:]), binary.LittleEndian.Uint32(data[cmdOffset+12:]), true
		}
		if cmdSize < 8 {
			break
		}
		cmdOffset += uint64(cmdSize)
	}
	return 0, 0, false
}

// IsMachO reports whether path starts with a thin or fat Mach-O magic.
func IsMachO(path string) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()

	magic := make([]byte, 4)
	if _, err := io.ReadFull(f, magic); err != nil {
		return false
	}
	switch binary.LittleEndian.Uint32(magic) {
	case 0xfeedfacf, 0xfeedface:
		return true
	}
	switch binary.BigEndian.Uint32(magic) {
	case fatMagic, fatMagic64:
		return true
	}
	return false
}

package codesign

import (
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"fmt"
)

// CodeDirectorySlot names one of the special hash slots in front of the
// code page hashes.
type CodeDirectorySlot int

const (
	SlotEntitlements CodeDirectorySlot = iota
	SlotApplication
	SlotResourceDir
	SlotRequirements
	SlotInfo
)

// Offset returns the slot's negative distance from the first code hash.
func (s CodeDirectorySlot) Offset() int {
	switch s {
	case SlotEntitlements:
		return -5
	case SlotApplication:
		return -4
	case SlotResourceDir:
		return -3
	case SlotRequirements:
		return -2
	case SlotInfo:
		return -1
	}
	panic(fmt.Sprintf("codesign: unknown slot %d", int(s)))
}

func (s CodeDirectorySlot) String() string {
	switch s {
	case SlotEntitlements:
		return "Entitlements"
	case SlotApplication:
		return "Application"
	case SlotResourceDir:
		return "ResourceDir"
	case SlotRequirements:
		return "Requirements"
	case SlotInfo:
		return "Info"
	}
	return fmt.Sprintf("Slot(%d)", int(s))
}

// hashForType digests data with the algorithm a CodeDirectory declares.
func hashForType(hashType uint8, data []byte) ([]byte, error) {
	switch hashType {
	case CS_HASHTYPE_SHA1:
		h := sha1.Sum(data)
		return h[:], nil
	case CS_HASHTYPE_SHA256, CS_HASHTYPE_SHA256_TRUNCATED:
		h := sha256.Sum256(data)
		return h[:], nil
	case CS_HASHTYPE_SHA384:
		h := sha512.Sum384(data)
		return h[:], nil
	}
	return nil, fmt.Errorf("%w: code directory hash type %d", ErrHashTypeUnsupported, hashType)
}

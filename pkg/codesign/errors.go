package codesign

import (
	"errors"
	"fmt"

	ctypes "github.com/blacktop/go-macho/pkg/codesign/types"
)

var (
	// ErrMalformedContainer is returned when signature bytes do not follow the
	// magic/length/index layout of a superblob.
	ErrMalformedContainer = errors.New("malformed code signature container")
	// ErrBlobNotFound matches any *BlobNotFoundError.
	ErrBlobNotFound = errors.New("blob not found")
	// ErrRequirementsCNNotFound means the designated requirement has no signer
	// common name constraint. Resign treats it as a warning.
	ErrRequirementsCNNotFound = errors.New("signer common name not found in requirements")
	// ErrUnimplementedSlot is returned for CodeDirectory slots that have no
	// content policy (the Info slot).
	ErrUnimplementedSlot = errors.New("code directory slot not implemented")
	// ErrHashTypeUnsupported is returned for digest algorithms other than the
	// ones a CodeDirectory or seal can carry.
	ErrHashTypeUnsupported = errors.New("unsupported hash type")
	// ErrSignatureTooLarge is returned when a rebuilt signature no longer fits
	// in the space reserved by LC_CODE_SIGNATURE.
	ErrSignatureTooLarge = errors.New("signature does not fit in reserved space")
	// ErrNotSigned is returned for Mach-O files without LC_CODE_SIGNATURE.
	ErrNotSigned = errors.New("binary has no code signature")
)

// BlobNotFoundError reports a missing sub-blob by magic.
type BlobNotFoundError struct {
	Magic ctypes.Magic
}

func (e *BlobNotFoundError) Error() string {
	return fmt.Sprintf("blob %s (0x%08x) not found", e.Magic, uint32(e.Magic))
}

func (e *BlobNotFoundError) Is(target error) bool {
	return target == ErrBlobNotFound
}

func malformed(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrMalformedContainer, fmt.Sprintf(format, args...))
}

package codesign

import (
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"os"

	ctypes "github.com/blacktop/go-macho/pkg/codesign/types"
	"github.com/rs/zerolog"
)

// App supplies the bundle-level inputs of a re-sign.
type App interface {
	// EntitlementsPath is the entitlements plist to embed. Empty keeps the
	// existing entitlements blob.
	EntitlementsPath() string
	// SealPath is the CodeResources file hashed into the ResourceDir slot.
	SealPath() string
}

// SlotFilter lets the signable object veto filling individual special
// slots. An App that implements it is consulted by Resign.
type SlotFilter interface {
	ShouldFillSlot(slot CodeDirectorySlot) bool
}

// BundleApp is the plain App implementation.
type BundleApp struct {
	Entitlements string
	Seal         string
}

func (a BundleApp) EntitlementsPath() string { return a.Entitlements }
func (a BundleApp) SealPath() string         { return a.Seal }

// Option configures a Codesig.
type Option func(*Codesig)

// WithLogger routes step diagnostics to logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(c *Codesig) { c.log = logger }
}

// WithSlotFilter installs a filter for special slot filling.
func WithSlotFilter(f SlotFilter) Option {
	return func(c *Codesig) { c.filter = f }
}

// Codesig re-signs one embedded signature superblob.
type Codesig struct {
	sb     *SuperBlob
	log    zerolog.Logger
	filter SlotFilter
}

// NewCodesig parses data as an embedded signature superblob.
func NewCodesig(data []byte, opts ...Option) (*Codesig, error) {
	sb, err := ParseSuperBlob(data)
	if err != nil {
		return nil, err
	}
	c := &Codesig{sb: sb, log: zerolog.Nop()}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// SuperBlob returns the parsed container.
func (c *Codesig) SuperBlob() *SuperBlob { return c.sb }

// Bytes serializes the current state of the signature.
func (c *Codesig) Bytes() []byte { return c.sb.Bytes() }

// GetBlob returns the first blob carrying magic.
func (c *Codesig) GetBlob(magic ctypes.Magic) (*Blob, error) { return c.sb.GetBlob(magic) }

// GetBlobData returns the serialized bytes of the first blob carrying magic.
func (c *Codesig) GetBlobData(magic ctypes.Magic) ([]byte, error) { return c.sb.GetBlobData(magic) }

// CodeDirectory returns the primary CodeDirectory.
func (c *Codesig) CodeDirectory() (*CodeDirectory, error) {
	b, err := c.sb.GetBlob(ctypes.MAGIC_CODEDIRECTORY)
	if err != nil {
		return nil, err
	}
	return NewCodeDirectory(b)
}

// CodeDirectories returns the primary and every alternate CodeDirectory in
// index order.
func (c *Codesig) CodeDirectories() ([]*CodeDirectory, error) {
	blobs := c.sb.Blobs(ctypes.MAGIC_CODEDIRECTORY)
	if len(blobs) == 0 {
		return nil, &BlobNotFoundError{Magic: ctypes.MAGIC_CODEDIRECTORY}
	}
	cds := make([]*CodeDirectory, 0, len(blobs))
	for _, b := range blobs {
		cd, err := NewCodeDirectory(b)
		if err != nil {
			return nil, err
		}
		cds = append(cds, cd)
	}
	return cds, nil
}

// Resign replaces entitlements, requirements, special slot hashes, team
// identifier and CMS signature, then recomputes the blob layout.
func (c *Codesig) Resign(app App, signer Signer) error {
	if f, ok := app.(SlotFilter); ok && c.filter == nil {
		c.filter = f
	}
	if err := c.SetEntitlements(app.EntitlementsPath()); err != nil {
		return err
	}
	if err := c.SetRequirements(signer); err != nil {
		return err
	}
	if err := c.SetCodeDirectory(app.SealPath(), signer); err != nil {
		return err
	}
	if err := c.SetSignature(signer); err != nil {
		return err
	}
	c.UpdateOffsets()
	return nil
}

func digestHex(data []byte) string {
	h := sha1.Sum(data)
	return hex.EncodeToString(h[:])
}

// SetEntitlements replaces the entitlements blob body with the contents of
// path. Binaries without an entitlements blob (libraries) are left alone.
func (c *Codesig) SetEntitlements(path string) error {
	blob, err := c.sb.GetBlob(ctypes.MAGIC_EMBEDDED_ENTITLEMENTS)
	if errors.Is(err, ErrBlobNotFound) {
		c.log.Debug().Msg("no entitlements blob, skipping")
		return nil
	}
	if path == "" {
		c.log.Warn().Msg("no entitlements file given, keeping existing entitlements")
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read entitlements: %w", err)
	}
	if _, err := ParseEntitlementsXML(data); err != nil {
		c.log.Warn().Err(err).Str("path", path).Msg("entitlements file is not a plist, embedding as is")
	}
	if _, err := c.sb.GetBlob(ctypes.MAGIC_EMBEDDED_ENTITLEMENTS_DER); err == nil {
		c.log.Warn().Msg("DER entitlements blob is kept unchanged")
	}
	before := digestHex(blob.Bytes())
	blob.Data = data
	c.log.Debug().
		Str("before", before).
		Str("after", digestHex(blob.Bytes())).
		Int("length", blob.Len()).
		Msg("entitlements")
	return nil
}

// SetRequirements rewrites the signer common name in the designated
// requirement to the signer certificate's CN. A requirement without that
// constraint is logged and kept.
func (c *Codesig) SetRequirements(signer Signer) error {
	blob, err := c.sb.GetBlob(ctypes.MAGIC_REQUIREMENTS)
	if err != nil {
		return err
	}
	before := digestHex(blob.Bytes())

	cert := signer.Certificate()
	if cert == nil {
		return fmt.Errorf("signer has no certificate")
	}
	reqs, err := ParseRequirements(blob)
	if err != nil {
		return fmt.Errorf("failed to parse requirements: %w", err)
	}
	delta, err := reqs.ReplaceSignerCN(cert.Subject.CommonName)
	if errors.Is(err, ErrRequirementsCNNotFound) {
		c.log.Warn().Err(err).Str("requirements", reqs.String()).Msg("no signer CN rule found in requirements")
	} else if err != nil {
		return fmt.Errorf("failed to rewrite requirements: %w", err)
	}

	c.log.Debug().
		Str("before", before).
		Str("after", digestHex(blob.Bytes())).
		Int("delta", delta).
		Msg("requirements")
	return nil
}

// slotContents returns the bytes whose digest goes into slot. The second
// result is false when the slot has nothing to hash in this signature.
func (c *Codesig) slotContents(slot CodeDirectorySlot, sealPath string) ([]byte, bool, error) {
	switch slot {
	case SlotEntitlements:
		data, err := c.sb.GetBlobData(ctypes.MAGIC_EMBEDDED_ENTITLEMENTS)
		if errors.Is(err, ErrBlobNotFound) {
			return nil, false, nil
		}
		return data, err == nil, err
	case SlotApplication:
		// Not filled by SetCodeDirectory. Anyone hashing it gets the
		// digest of empty content.
		return []byte{}, true, nil
	case SlotResourceDir:
		if sealPath == "" {
			return nil, false, fmt.Errorf("code directory has a ResourceDir slot but no seal was given")
		}
		data, err := os.ReadFile(sealPath)
		if err != nil {
			return nil, false, fmt.Errorf("failed to read seal: %w", err)
		}
		return data, true, nil
	case SlotRequirements:
		data, err := c.sb.GetBlobData(ctypes.MAGIC_REQUIREMENTS)
		if errors.Is(err, ErrBlobNotFound) {
			return nil, false, nil
		}
		return data, err == nil, err
	case SlotInfo:
		return nil, false, fmt.Errorf("%w: %s", ErrUnimplementedSlot, slot)
	}
	return nil, false, fmt.Errorf("%w: %s", ErrUnimplementedSlot, slot)
}

// HasCodeDirectorySlot reports whether the primary CodeDirectory has slot.
func (c *Codesig) HasCodeDirectorySlot(slot CodeDirectorySlot) bool {
	cd, err := c.CodeDirectory()
	if err != nil {
		return false
	}
	return cd.HasSlot(slot)
}

func (c *Codesig) fillSlot(cd *CodeDirectory, slot CodeDirectorySlot, sealPath string) error {
	if !cd.HasSlot(slot) {
		return nil
	}
	if c.filter != nil && !c.filter.ShouldFillSlot(slot) {
		c.log.Debug().Stringer("slot", slot).Msg("slot filtered")
		return nil
	}
	data, ok, err := c.slotContents(slot, sealPath)
	if err != nil {
		return err
	}
	if !ok {
		c.log.Debug().Stringer("slot", slot).Msg("nothing to hash, slot left as is")
		return nil
	}
	digest, err := hashForType(cd.HashType(), data)
	if err != nil {
		return err
	}
	return cd.SetSlotHash(slot, digest)
}

// SetCodeDirectory refreshes the Entitlements, ResourceDir and Requirements
// slot hashes of every CodeDirectory and stores the signer's team ID.
func (c *Codesig) SetCodeDirectory(sealPath string, signer Signer) error {
	cds, err := c.CodeDirectories()
	if err != nil {
		return err
	}
	teamID := signer.TeamID()
	if teamID == "" {
		c.log.Warn().Msg("signer has no team ID, keeping existing team identifier")
	}
	for i, cd := range cds {
		for _, slot := range []CodeDirectorySlot{SlotEntitlements, SlotResourceDir, SlotRequirements} {
			if err := c.fillSlot(cd, slot, sealPath); err != nil {
				return fmt.Errorf("failed to fill %s slot: %w", slot, err)
			}
		}
		if teamID != "" {
			ok, err := cd.SetTeamID(teamID)
			if err != nil {
				return fmt.Errorf("failed to set team ID: %w", err)
			}
			if !ok {
				c.log.Debug().Uint32("version", cd.Version()).Msg("code directory predates team IDs")
			}
		}
		c.log.Debug().
			Int("index", i).
			Int("length", cd.Blob().Len()).
			Str("cdhash", hex.EncodeToString(cd.CDHash())).
			Msg("code directory")
	}
	return nil
}

// SetSignature signs the primary CodeDirectory and stores the CMS blob in
// the blob wrapper.
func (c *Codesig) SetSignature(signer Signer) error {
	wrapper, err := c.sb.GetBlob(ctypes.MAGIC_BLOBWRAPPER)
	if err != nil {
		return err
	}
	cds, err := c.CodeDirectories()
	if err != nil {
		return err
	}

	var sig []byte
	if ms, ok := signer.(CodeDirectorySigner); ok {
		all := make([][]byte, len(cds))
		for i, cd := range cds {
			all[i] = cd.Blob().Bytes()
		}
		sig, err = ms.SignCodeDirectories(all)
	} else {
		sig, err = signer.Sign(cds[0].Blob().Bytes())
	}
	if err != nil {
		return fmt.Errorf("failed to sign code directory: %w", err)
	}

	c.log.Debug().
		Int("old_length", len(wrapper.Data)).
		Int("new_length", len(sig)).
		Msg("signature")
	wrapper.Data = sig
	return nil
}

// UpdateOffsets recomputes the index after blob lengths changed.
func (c *Codesig) UpdateOffsets() {
	c.sb.UpdateOffsets()
}

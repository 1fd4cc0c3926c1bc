package codesign

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"io"
	"sort"
)

// fprint ignores write errors for CLI output.
func fprint(w io.Writer, format string, a ...interface{}) {
	_, _ = fmt.Fprintf(w, format, a...)
}

// FieldDiff is one compared value.
type FieldDiff struct {
	Name   string
	Value1 string
	Value2 string
}

// SignatureDiff lists the fields that differ between two signatures of
// the same binary.
type SignatureDiff struct {
	Path    string
	OnlyIn1 bool
	OnlyIn2 bool
	Fields  []FieldDiff
}

// Same reports whether no differences were found.
func (d *SignatureDiff) Same() bool {
	return !d.OnlyIn1 && !d.OnlyIn2 && len(d.Fields) == 0
}

type fieldCollector struct {
	fields []FieldDiff
}

func (c *fieldCollector) add(name, v1, v2 string) {
	if v1 != v2 {
		c.fields = append(c.fields, FieldDiff{Name: name, Value1: v1, Value2: v2})
	}
}

// CompareSignatures returns the differences between a and b. Code
// directories are paired by index slot.
func CompareSignatures(a, b *SignatureInfo) *SignatureDiff {
	var c fieldCollector
	c.add("Blob count", fmt.Sprint(len(a.Blobs)), fmt.Sprint(len(b.Blobs)))

	cds2 := make(map[uint32]CodeDirectoryInfo)
	for _, cd := range b.CodeDirectories {
		cds2[uint32(cd.Slot)] = cd
	}
	for _, cd1 := range a.CodeDirectories {
		prefix := fmt.Sprintf("CodeDirectory 0x%x ", uint32(cd1.Slot))
		cd2, ok := cds2[uint32(cd1.Slot)]
		if !ok {
			c.add(prefix, "present", "missing")
			continue
		}
		delete(cds2, uint32(cd1.Slot))
		compareCodeDirectory(&c, prefix, cd1, cd2)
	}
	for slot := range cds2 {
		c.add(fmt.Sprintf("CodeDirectory 0x%x ", slot), "missing", "present")
	}

	c.add("Requirements", a.Requirements, b.Requirements)
	compareEntitlements(&c, a.Entitlements, b.Entitlements)
	c.add("Signer", a.SignerCN, b.SignerCN)
	c.add("Signer team ID", a.SignerTeamID, b.SignerTeamID)

	return &SignatureDiff{Path: a.Path, Fields: c.fields}
}

func compareCodeDirectory(c *fieldCollector, prefix string, cd1, cd2 CodeDirectoryInfo) {
	c.add(prefix+"version", fmt.Sprintf("0x%x", cd1.Version), fmt.Sprintf("0x%x", cd2.Version))
	c.add(prefix+"flags", fmt.Sprintf("0x%x", cd1.Flags), fmt.Sprintf("0x%x", cd2.Flags))
	c.add(prefix+"hash type", hashTypeName(cd1.HashType), hashTypeName(cd2.HashType))
	c.add(prefix+"identifier", cd1.Identifier, cd2.Identifier)
	c.add(prefix+"team ID", cd1.TeamID, cd2.TeamID)
	c.add(prefix+"code slots", fmt.Sprint(cd1.NCodeSlots), fmt.Sprint(cd2.NCodeSlots))
	for _, s := range []CodeDirectorySlot{SlotEntitlements, SlotApplication, SlotResourceDir, SlotRequirements, SlotInfo} {
		h1, h2 := cd1.SpecialHashes[s], cd2.SpecialHashes[s]
		if !bytes.Equal(h1, h2) {
			c.add(prefix+s.String(), hex.EncodeToString(h1), hex.EncodeToString(h2))
		}
	}
	c.add(prefix+"cdhash", hex.EncodeToString(cd1.CDHash), hex.EncodeToString(cd2.CDHash))
}

func compareEntitlements(c *fieldCollector, e1, e2 map[string]interface{}) {
	keys := make(map[string]bool)
	for k := range e1 {
		keys[k] = true
	}
	for k := range e2 {
		keys[k] = true
	}
	sorted := make([]string, 0, len(keys))
	for k := range keys {
		sorted = append(sorted, k)
	}
	sort.Strings(sorted)

	for _, k := range sorted {
		v1, ok1 := e1[k]
		v2, ok2 := e2[k]
		s1, s2 := "<absent>", "<absent>"
		if ok1 {
			s1 = fmt.Sprintf("%v", v1)
		}
		if ok2 {
			s2 = fmt.Sprintf("%v", v2)
		}
		c.add("Entitlement "+k, s1, s2)
	}
}

// CompareBundles inspects two bundles and pairs their signatures by path
// relative to each bundle root.
func CompareBundles(path1, path2 string, recursive bool) ([]*SignatureDiff, error) {
	infos1, err := InspectBundle(path1, recursive)
	if err != nil {
		return nil, err
	}
	infos2, err := InspectBundle(path2, recursive)
	if err != nil {
		return nil, err
	}

	byPath := make(map[string]*SignatureInfo, len(infos2))
	for _, info := range infos2 {
		byPath[info.Path] = info
	}
	var diffs []*SignatureDiff
	for _, info := range infos1 {
		other, ok := byPath[info.Path]
		if !ok {
			diffs = append(diffs, &SignatureDiff{Path: info.Path, OnlyIn1: true})
			continue
		}
		delete(byPath, info.Path)
		diffs = append(diffs, CompareSignatures(info, other))
	}
	rest := make([]string, 0, len(byPath))
	for p := range byPath {
		rest = append(rest, p)
	}
	sort.Strings(rest)
	for _, p := range rest {
		diffs = append(diffs, &SignatureDiff{Path: p, OnlyIn2: true})
	}
	return diffs, nil
}

// PrintSignatureDiffs writes diffs to w and reports whether all matched.
func PrintSignatureDiffs(diffs []*SignatureDiff, w io.Writer) bool {
	same := true
	for _, d := range diffs {
		switch {
		case d.OnlyIn1:
			fprint(w, "%s: only in first\n", d.Path)
		case d.OnlyIn2:
			fprint(w, "%s: only in second\n", d.Path)
		case len(d.Fields) == 0:
			fprint(w, "%s: identical\n", d.Path)
			continue
		default:
			fprint(w, "%s:\n", d.Path)
			for _, f := range d.Fields {
				fprint(w, "  %s\n    - %s\n    + %s\n", f.Name, f.Value1, f.Value2)
			}
		}
		same = false
	}
	return same
}

package codesign

import (
	"encoding/asn1"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"

	ctypes "github.com/blacktop/go-macho/pkg/codesign/types"
)

// RequirementType is the index type of a requirement inside the
// Requirements blob.
type RequirementType uint32

const (
	HostRequirementType       RequirementType = 1
	GuestRequirementType      RequirementType = 2
	DesignatedRequirementType RequirementType = 3
	LibraryRequirementType    RequirementType = 4
	PluginRequirementType     RequirementType = 5
)

func (t RequirementType) String() string {
	switch t {
	case HostRequirementType:
		return "host"
	case GuestRequirementType:
		return "guest"
	case DesignatedRequirementType:
		return "designated"
	case LibraryRequirementType:
		return "library"
	case PluginRequirementType:
		return "plugin"
	}
	return fmt.Sprintf("type%d", uint32(t))
}

// exprForm is the only requirement kind this package understands.
const exprForm = 1

// appleDeveloperOID marks the Apple WWDR intermediate in designated
// requirements.
var appleDeveloperOID = asn1.ObjectIdentifier{1, 2, 840, 113635, 100, 6, 2, 1}

// signerCNPath is the walk from the root of the first requirement to the
// signer common name constraint, as emitted by Xcode for designated
// requirements: identifier and (anchor and (leaf[subject.CN] and ...)).
var signerCNPath = []string{"and.right", "and.right", "and.left"}

// FindSignerCNLiteral follows signerCNPath from root and returns the
// literal compared against the leaf certificate field. It does not check
// the field name, only the tree shape.
func FindSignerCNLiteral(root Expr) (*Literal, bool) {
	node := root
	for _, step := range signerCNPath {
		bin, ok := node.(*BinaryExpr)
		if !ok || bin.Op.base() != OpAnd {
			return nil, false
		}
		if step == "and.left" {
			node = bin.Left
		} else {
			node = bin.Right
		}
	}
	cert, ok := node.(*CertMatchExpr)
	if !ok || cert.Op.base() != OpCertField || cert.Match.Value == nil {
		return nil, false
	}
	return cert.Match.Value, true
}

// Requirement is one parsed requirement blob.
type Requirement struct {
	Kind uint32
	Expr Expr
	// Trailing holds bytes after the expression, kept for exact round
	// trips.
	Trailing []byte
}

// ParseRequirement decodes a requirement blob.
func ParseRequirement(b *Blob) (*Requirement, error) {
	if b.Magic != ctypes.MAGIC_REQUIREMENT {
		return nil, malformed("blob magic 0x%08x is not a requirement", uint32(b.Magic))
	}
	if len(b.Data) < 4 {
		return nil, malformed("requirement too short")
	}
	req := &Requirement{Kind: binary.BigEndian.Uint32(b.Data)}
	if req.Kind != exprForm {
		return nil, fmt.Errorf("unsupported requirement kind %d", req.Kind)
	}
	expr, rest, err := ParseExpr(b.Data[4:])
	if err != nil {
		return nil, fmt.Errorf("failed to parse requirement expression: %w", err)
	}
	req.Expr = expr
	if len(rest) > 0 {
		req.Trailing = append([]byte(nil), rest...)
	}
	return req, nil
}

// Blob serializes the requirement.
func (r *Requirement) Blob() *Blob {
	data := binary.BigEndian.AppendUint32(nil, r.Kind)
	data = r.Expr.appendTo(data)
	data = append(data, r.Trailing...)
	return &Blob{Magic: ctypes.MAGIC_REQUIREMENT, Data: data}
}

// Requirements is the internal requirements vector. It edits the blob it
// was parsed from.
type Requirements struct {
	blob *Blob
	sb   *SuperBlob
}

// ParseRequirements wraps a Requirements blob.
func ParseRequirements(b *Blob) (*Requirements, error) {
	if b.Magic != ctypes.MAGIC_REQUIREMENTS {
		return nil, malformed("blob magic 0x%08x is not a requirements vector", uint32(b.Magic))
	}
	sb, err := parseSuperBlob(b.Bytes(), ctypes.MAGIC_REQUIREMENTS)
	if err != nil {
		return nil, err
	}
	return &Requirements{blob: b, sb: sb}, nil
}

// Len returns the number of requirements.
func (r *Requirements) Len() int {
	return len(r.sb.Entries)
}

// Type returns the type of requirement i.
func (r *Requirements) Type(i int) RequirementType {
	return RequirementType(r.sb.Entries[i].Type)
}

// Requirement parses requirement i.
func (r *Requirements) Requirement(i int) (*Requirement, error) {
	return ParseRequirement(r.sb.Entries[i].Blob)
}

// ReplaceSignerCN swaps the signer common name in the first requirement
// and returns how many bytes the Requirements blob grew (or shrank). When
// the first requirement does not have the expected shape it returns
// ErrRequirementsCNNotFound and leaves everything unchanged.
func (r *Requirements) ReplaceSignerCN(cn string) (int, error) {
	if len(r.sb.Entries) == 0 {
		return 0, fmt.Errorf("%w: requirements vector is empty", ErrRequirementsCNNotFound)
	}
	first := r.sb.Entries[0]
	req, err := ParseRequirement(first.Blob)
	if err != nil {
		if errors.Is(err, ErrMalformedContainer) {
			return 0, err
		}
		return 0, fmt.Errorf("%w: %v", ErrRequirementsCNNotFound, err)
	}
	lit, ok := FindSignerCNLiteral(req.Expr)
	if !ok {
		return 0, ErrRequirementsCNNotFound
	}
	lit.Set([]byte(cn))

	rebuilt := req.Blob()
	delta := rebuilt.Len() - first.Blob.Len()
	first.Blob = rebuilt
	for _, e := range r.sb.Entries[1:] {
		e.Offset = uint32(int(e.Offset) + delta)
	}
	r.sb.Length = uint32(int(r.sb.Length) + delta)
	r.blob.Data = r.sb.Bytes()[blobHeaderSize:]
	return delta, nil
}

// String renders the vector one requirement per line in csreq syntax.
func (r *Requirements) String() string {
	var lines []string
	for i := range r.sb.Entries {
		text := "<unparsable>"
		if req, err := r.Requirement(i); err == nil {
			text = FormatExpr(req.Expr)
		}
		lines = append(lines, fmt.Sprintf("%s => %s", r.Type(i), text))
	}
	return strings.Join(lines, "\n")
}

// TypedRequirement pairs an expression with its requirement type.
type TypedRequirement struct {
	Type RequirementType
	Expr Expr
}

// NewRequirementsBlob packs requirements into a Requirements blob.
func NewRequirementsBlob(reqs ...TypedRequirement) *Blob {
	sb := &SuperBlob{Magic: ctypes.MAGIC_REQUIREMENTS}
	for _, tr := range reqs {
		req := &Requirement{Kind: exprForm, Expr: tr.Expr}
		sb.Entries = append(sb.Entries, &BlobEntry{Type: ctypes.SlotType(tr.Type), Blob: req.Blob()})
	}
	if len(sb.Entries) > 0 {
		sb.Entries[0].Offset = uint32(sb.headerLen())
	}
	sb.UpdateOffsets()
	return &Blob{Magic: sb.Magic, Data: sb.Bytes()[blobHeaderSize:]}
}

// DesignatedRequirement builds the requirement Xcode emits for App Store
// and development signing:
//
//	identifier "id" and anchor apple generic and
//	certificate leaf[subject.CN] = "cn" and
//	certificate 1[field.1.2.840.113635.100.6.2.1] exists
//
// With an empty signerCN only the identifier and anchor are kept.
func DesignatedRequirement(identifier, signerCN string) Expr {
	ident := &DataExpr{Op: OpIdent, Value: NewLiteral([]byte(identifier))}
	anchor := &ConstExpr{Op: OpAppleGenericAnchor}
	if signerCN == "" {
		return &BinaryExpr{Op: OpAnd, Left: ident, Right: anchor}
	}
	leafCN := &CertMatchExpr{
		Op:    OpCertField,
		Slot:  0,
		Field: NewLiteral([]byte("subject.CN")),
		Match: Match{Op: MatchEqual, Value: NewLiteral([]byte(signerCN))},
	}
	wwdr := &CertMatchExpr{
		Op:    OpCertGeneric,
		Slot:  1,
		Field: NewLiteral(encodeOID(appleDeveloperOID)),
		Match: Match{Op: MatchExists},
	}
	return &BinaryExpr{Op: OpAnd, Left: ident,
		Right: &BinaryExpr{Op: OpAnd, Left: anchor,
			Right: &BinaryExpr{Op: OpAnd, Left: leafCN, Right: wwdr}}}
}

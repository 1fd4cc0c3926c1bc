package codesign

import (
	"encoding/asn1"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"
	"unicode"
)

// Opcode is a requirement expression opcode word. The high byte carries
// flags for opcodes an evaluator may not know.
type Opcode uint32

// requirement.h
const (
	OpFalse Opcode = iota
	OpTrue
	OpIdent
	OpAppleAnchor
	OpAnchorHash
	OpInfoKeyValue
	OpAnd
	OpOr
	OpCDHash
	OpNot
	OpInfoKeyField
	OpCertField
	OpTrustedCert
	OpTrustedCerts
	OpCertGeneric
	OpAppleGenericAnchor
	OpEntitlementField
	OpCertPolicy
	OpNamedAnchor
	OpNamedCode
	OpPlatform
	OpNotarized
	OpCertFieldDate
	OpLegacyDevID

	// High byte carries evaluation flags, preserved on re-encode.
	opFlagMask Opcode = 0xff000000
)

func (op Opcode) base() Opcode { return op &^ opFlagMask }

// MatchOp selects how a field is compared in a match suffix.
type MatchOp uint32

const (
	MatchExists MatchOp = iota
	MatchEqual
	MatchContains
	MatchBeginsWith
	MatchEndsWith
	MatchLessThan
	MatchGreaterThan
	MatchLessEqual
	MatchGreaterEqual
	MatchOn
	MatchBefore
	MatchAfter
	MatchOnOrBefore
	MatchOnOrAfter
	MatchAbsent
)

func (m MatchOp) hasLiteral() bool {
	return m >= MatchEqual && m <= MatchGreaterEqual
}

func (m MatchOp) hasTimestamp() bool {
	return m >= MatchOn && m <= MatchOnOrAfter
}

const maxExprDepth = 256

// Literal is a length-prefixed byte string, padded to four bytes on the
// wire. Length is kept separately so a rewrite updates both explicitly.
type Literal struct {
	Length uint32
	Data   []byte
}

// NewLiteral returns a literal holding a copy of data.
func NewLiteral(data []byte) *Literal {
	l := &Literal{}
	l.Set(data)
	return l
}

// Set replaces the payload and its recorded length.
func (l *Literal) Set(data []byte) {
	l.Data = append([]byte(nil), data...)
	l.Length = uint32(len(l.Data))
}

func (l *Literal) appendTo(buf []byte) []byte {
	buf = binary.BigEndian.AppendUint32(buf, l.Length)
	body := make([]byte, align4(int(l.Length)))
	copy(body, l.Data)
	return append(buf, body...)
}

func align4(n int) int {
	return (n + 3) &^ 3
}

// Match is the comparison suffix of field expressions.
type Match struct {
	Op        MatchOp
	Value     *Literal
	Timestamp uint64
}

func (m *Match) appendTo(buf []byte) []byte {
	buf = binary.BigEndian.AppendUint32(buf, uint32(m.Op))
	switch {
	case m.Op.hasLiteral():
		buf = m.Value.appendTo(buf)
	case m.Op.hasTimestamp():
		buf = binary.BigEndian.AppendUint64(buf, m.Timestamp)
	}
	return buf
}

// Expr is a node of a parsed requirement expression.
type Expr interface {
	Opcode() Opcode
	appendTo(buf []byte) []byte
	format(w *strings.Builder, level syntaxLevel)
}

// ConstExpr is an opcode without operands (always, anchor apple, ...).
type ConstExpr struct {
	Op Opcode
}

// DataExpr is an opcode followed by one literal (identifier, cdhash,
// named anchor, named code).
type DataExpr struct {
	Op    Opcode
	Value *Literal
}

// InfoKeyValueExpr is the legacy info[key] = value form.
type InfoKeyValueExpr struct {
	Op         Opcode
	Key, Value *Literal
}

// AnchorHashExpr pins a certificate in the chain by hash.
type AnchorHashExpr struct {
	Op   Opcode
	Slot int32
	Hash *Literal
}

// BinaryExpr is an and/or of two operands.
type BinaryExpr struct {
	Op          Opcode
	Left, Right Expr
}

// NotExpr negates its operand.
type NotExpr struct {
	Op      Opcode
	Operand Expr
}

// FieldMatchExpr matches an Info.plist key or an entitlement.
type FieldMatchExpr struct {
	Op    Opcode
	Key   *Literal
	Match Match
}

// CertMatchExpr matches a field of a certificate in the signing chain:
// a named subject field, a generic or policy extension OID, or a date.
type CertMatchExpr struct {
	Op    Opcode
	Slot  int32
	Field *Literal
	Match Match
}

// TrustedCertExpr requires a chain certificate to be trusted.
type TrustedCertExpr struct {
	Op   Opcode
	Slot int32
}

// PlatformExpr requires a platform identifier.
type PlatformExpr struct {
	Op       Opcode
	Platform int32
}

func (e *ConstExpr) Opcode() Opcode        { return e.Op }
func (e *DataExpr) Opcode() Opcode         { return e.Op }
func (e *InfoKeyValueExpr) Opcode() Opcode { return e.Op }
func (e *AnchorHashExpr) Opcode() Opcode   { return e.Op }
func (e *BinaryExpr) Opcode() Opcode       { return e.Op }
func (e *NotExpr) Opcode() Opcode          { return e.Op }
func (e *FieldMatchExpr) Opcode() Opcode   { return e.Op }
func (e *CertMatchExpr) Opcode() Opcode    { return e.Op }
func (e *TrustedCertExpr) Opcode() Opcode  { return e.Op }
func (e *PlatformExpr) Opcode() Opcode     { return e.Op }

func appendOp(buf []byte, op Opcode) []byte {
	return binary.BigEndian.AppendUint32(buf, uint32(op))
}

func (e *ConstExpr) appendTo(buf []byte) []byte {
	return appendOp(buf, e.Op)
}

func (e *DataExpr) appendTo(buf []byte) []byte {
	return e.Value.appendTo(appendOp(buf, e.Op))
}

func (e *InfoKeyValueExpr) appendTo(buf []byte) []byte {
	buf = e.Key.appendTo(appendOp(buf, e.Op))
	return e.Value.appendTo(buf)
}

func (e *AnchorHashExpr) appendTo(buf []byte) []byte {
	buf = binary.BigEndian.AppendUint32(appendOp(buf, e.Op), uint32(e.Slot))
	return e.Hash.appendTo(buf)
}

func (e *BinaryExpr) appendTo(buf []byte) []byte {
	buf = e.Left.appendTo(appendOp(buf, e.Op))
	return e.Right.appendTo(buf)
}

func (e *NotExpr) appendTo(buf []byte) []byte {
	return e.Operand.appendTo(appendOp(buf, e.Op))
}

func (e *FieldMatchExpr) appendTo(buf []byte) []byte {
	buf = e.Key.appendTo(appendOp(buf, e.Op))
	return e.Match.appendTo(buf)
}

func (e *CertMatchExpr) appendTo(buf []byte) []byte {
	buf = binary.BigEndian.AppendUint32(appendOp(buf, e.Op), uint32(e.Slot))
	buf = e.Field.appendTo(buf)
	return e.Match.appendTo(buf)
}

func (e *TrustedCertExpr) appendTo(buf []byte) []byte {
	return binary.BigEndian.AppendUint32(appendOp(buf, e.Op), uint32(e.Slot))
}

func (e *PlatformExpr) appendTo(buf []byte) []byte {
	return binary.BigEndian.AppendUint32(appendOp(buf, e.Op), uint32(e.Platform))
}

// MarshalExpr serializes an expression tree.
func MarshalExpr(e Expr) []byte {
	return e.appendTo(nil)
}

// ParseExpr decodes one expression from data and returns the bytes that
// follow it.
func ParseExpr(data []byte) (Expr, []byte, error) {
	r := &exprReader{buf: data}
	e, err := r.expr(0)
	if err != nil {
		return nil, nil, err
	}
	return e, r.buf, nil
}

type exprReader struct {
	buf []byte
}

func (r *exprReader) u32() (uint32, error) {
	if len(r.buf) < 4 {
		return 0, io.ErrUnexpectedEOF
	}
	n := binary.BigEndian.Uint32(r.buf)
	r.buf = r.buf[4:]
	return n, nil
}

func (r *exprReader) i32() (int32, error) {
	n, err := r.u32()
	return int32(n), err
}

func (r *exprReader) literal() (*Literal, error) {
	n, err := r.u32()
	if err != nil {
		return nil, err
	}
	padded := uint64(align4(int(n)))
	if uint64(n) > uint64(len(r.buf)) || padded > uint64(len(r.buf)) {
		return nil, io.ErrUnexpectedEOF
	}
	l := &Literal{Length: n, Data: append([]byte(nil), r.buf[:n]...)}
	r.buf = r.buf[padded:]
	return l, nil
}

func (r *exprReader) match() (Match, error) {
	n, err := r.u32()
	if err != nil {
		return Match{}, err
	}
	m := Match{Op: MatchOp(n)}
	switch {
	case m.Op == MatchExists || m.Op == MatchAbsent:
	case m.Op.hasLiteral():
		if m.Value, err = r.literal(); err != nil {
			return Match{}, err
		}
	case m.Op.hasTimestamp():
		if len(r.buf) < 8 {
			return Match{}, io.ErrUnexpectedEOF
		}
		m.Timestamp = binary.BigEndian.Uint64(r.buf)
		r.buf = r.buf[8:]
	default:
		return Match{}, fmt.Errorf("unrecognized match opcode %d", n)
	}
	return m, nil
}

func (r *exprReader) expr(depth int) (Expr, error) {
	if depth > maxExprDepth {
		return nil, errors.New("requirement expression nested too deeply")
	}
	word, err := r.u32()
	if err != nil {
		return nil, err
	}
	op := Opcode(word)
	switch op.base() {
	case OpFalse, OpTrue, OpAppleAnchor, OpAppleGenericAnchor, OpTrustedCerts, OpNotarized, OpLegacyDevID:
		return &ConstExpr{Op: op}, nil
	case OpIdent, OpCDHash, OpNamedAnchor, OpNamedCode:
		v, err := r.literal()
		if err != nil {
			return nil, err
		}
		return &DataExpr{Op: op, Value: v}, nil
	case OpInfoKeyValue:
		k, err := r.literal()
		if err != nil {
			return nil, err
		}
		v, err := r.literal()
		if err != nil {
			return nil, err
		}
		return &InfoKeyValueExpr{Op: op, Key: k, Value: v}, nil
	case OpAnchorHash:
		slot, err := r.i32()
		if err != nil {
			return nil, err
		}
		h, err := r.literal()
		if err != nil {
			return nil, err
		}
		return &AnchorHashExpr{Op: op, Slot: slot, Hash: h}, nil
	case OpAnd, OpOr:
		left, err := r.expr(depth + 1)
		if err != nil {
			return nil, err
		}
		right, err := r.expr(depth + 1)
		if err != nil {
			return nil, err
		}
		return &BinaryExpr{Op: op, Left: left, Right: right}, nil
	case OpNot:
		operand, err := r.expr(depth + 1)
		if err != nil {
			return nil, err
		}
		return &NotExpr{Op: op, Operand: operand}, nil
	case OpInfoKeyField, OpEntitlementField:
		k, err := r.literal()
		if err != nil {
			return nil, err
		}
		m, err := r.match()
		if err != nil {
			return nil, err
		}
		return &FieldMatchExpr{Op: op, Key: k, Match: m}, nil
	case OpCertField, OpCertGeneric, OpCertPolicy, OpCertFieldDate:
		slot, err := r.i32()
		if err != nil {
			return nil, err
		}
		f, err := r.literal()
		if err != nil {
			return nil, err
		}
		m, err := r.match()
		if err != nil {
			return nil, err
		}
		return &CertMatchExpr{Op: op, Slot: slot, Field: f, Match: m}, nil
	case OpTrustedCert:
		slot, err := r.i32()
		if err != nil {
			return nil, err
		}
		return &TrustedCertExpr{Op: op, Slot: slot}, nil
	case OpPlatform:
		p, err := r.i32()
		if err != nil {
			return nil, err
		}
		return &PlatformExpr{Op: op, Platform: p}, nil
	}
	return nil, fmt.Errorf("unrecognized opcode %d", uint32(op.base()))
}

type syntaxLevel int

const (
	levelPrimary syntaxLevel = iota
	levelAnd
	levelOr
	levelTop
)

// FormatExpr renders e in the requirement language.
func FormatExpr(e Expr) string {
	var w strings.Builder
	e.format(&w, levelTop)
	return w.String()
}

func (e *ConstExpr) format(w *strings.Builder, _ syntaxLevel) {
	switch e.Op.base() {
	case OpFalse:
		w.WriteString("never")
	case OpTrue:
		w.WriteString("always")
	case OpAppleAnchor:
		w.WriteString("anchor apple")
	case OpAppleGenericAnchor:
		w.WriteString("anchor apple generic")
	case OpTrustedCerts:
		w.WriteString("anchor trusted")
	case OpNotarized:
		w.WriteString("notarized")
	case OpLegacyDevID:
		w.WriteString("legacy")
	}
}

func (e *DataExpr) format(w *strings.Builder, _ syntaxLevel) {
	switch e.Op.base() {
	case OpIdent:
		w.WriteString("identifier ")
		formatData(w, e.Value.Data, false)
	case OpCDHash:
		w.WriteString("cdhash ")
		fmt.Fprintf(w, "H\"%x\"", e.Value.Data)
	case OpNamedAnchor:
		w.WriteString("anchor apple ")
		formatData(w, e.Value.Data, false)
	case OpNamedCode:
		w.WriteByte('(')
		formatData(w, e.Value.Data, false)
		w.WriteByte(')')
	}
}

func (e *InfoKeyValueExpr) format(w *strings.Builder, _ syntaxLevel) {
	w.WriteString("info[")
	formatData(w, e.Key.Data, true)
	w.WriteString("] = ")
	formatData(w, e.Value.Data, false)
}

func (e *AnchorHashExpr) format(w *strings.Builder, _ syntaxLevel) {
	w.WriteString("certificate")
	formatCertSlot(w, e.Slot)
	fmt.Fprintf(w, " = H\"%x\"", e.Hash.Data)
}

func (e *BinaryExpr) format(w *strings.Builder, level syntaxLevel) {
	own, word := levelAnd, " and "
	if e.Op.base() == OpOr {
		own, word = levelOr, " or "
	}
	if level < own {
		w.WriteByte('(')
	}
	e.Left.format(w, own)
	w.WriteString(word)
	e.Right.format(w, own)
	if level < own {
		w.WriteByte(')')
	}
}

func (e *NotExpr) format(w *strings.Builder, _ syntaxLevel) {
	w.WriteString("! ")
	e.Operand.format(w, levelPrimary)
}

func (e *FieldMatchExpr) format(w *strings.Builder, _ syntaxLevel) {
	if e.Op.base() == OpEntitlementField {
		w.WriteString("entitlement[")
	} else {
		w.WriteString("info[")
	}
	formatData(w, e.Key.Data, true)
	w.WriteByte(']')
	e.Match.format(w)
}

func (e *CertMatchExpr) format(w *strings.Builder, _ syntaxLevel) {
	w.WriteString("certificate")
	formatCertSlot(w, e.Slot)
	switch e.Op.base() {
	case OpCertField:
		w.WriteByte('[')
		formatData(w, e.Field.Data, true)
	case OpCertGeneric:
		w.WriteString("[field.")
		w.WriteString(formatOID(e.Field.Data))
	case OpCertPolicy:
		w.WriteString("[policy.")
		w.WriteString(formatOID(e.Field.Data))
	case OpCertFieldDate:
		w.WriteString("[timestamp.")
		w.WriteString(formatOID(e.Field.Data))
	}
	w.WriteByte(']')
	e.Match.format(w)
}

func (e *TrustedCertExpr) format(w *strings.Builder, _ syntaxLevel) {
	w.WriteString("certificate")
	formatCertSlot(w, e.Slot)
	w.WriteString(" trusted")
}

func (e *PlatformExpr) format(w *strings.Builder, _ syntaxLevel) {
	fmt.Fprintf(w, "platform = %d", e.Platform)
}

func (m *Match) format(w *strings.Builder) {
	switch m.Op {
	case MatchExists:
		w.WriteString(" /* exists */")
	case MatchAbsent:
		w.WriteString(" absent ")
	case MatchEqual:
		w.WriteString(" = ")
		formatData(w, m.Value.Data, false)
	case MatchContains:
		w.WriteString(" ~ ")
		formatData(w, m.Value.Data, false)
	case MatchBeginsWith:
		w.WriteString(" = ")
		formatData(w, m.Value.Data, false)
		w.WriteByte('*')
	case MatchEndsWith:
		w.WriteString(" = *")
		formatData(w, m.Value.Data, false)
	case MatchLessThan:
		w.WriteString(" < ")
		formatData(w, m.Value.Data, false)
	case MatchGreaterThan:
		w.WriteString(" > ")
		formatData(w, m.Value.Data, false)
	case MatchLessEqual:
		w.WriteString(" <= ")
		formatData(w, m.Value.Data, false)
	case MatchGreaterEqual:
		w.WriteString(" >= ")
		formatData(w, m.Value.Data, false)
	case MatchOn:
		w.WriteString(" = ")
		formatTimestamp(w, m.Timestamp)
	case MatchBefore:
		w.WriteString(" < ")
		formatTimestamp(w, m.Timestamp)
	case MatchAfter:
		w.WriteString(" > ")
		formatTimestamp(w, m.Timestamp)
	case MatchOnOrBefore:
		w.WriteString(" <= ")
		formatTimestamp(w, m.Timestamp)
	case MatchOnOrAfter:
		w.WriteString(" >= ")
		formatTimestamp(w, m.Timestamp)
	}
}

func formatCertSlot(w *strings.Builder, slot int32) {
	switch slot {
	case 0:
		w.WriteString(" leaf")
	case -1:
		w.WriteString(" root")
	default:
		fmt.Fprintf(w, " %d", slot)
	}
}

// formatData writes v bare when it is a simple token, quoted when it is
// printable, and as hex otherwise.
func formatData(w *strings.Builder, v []byte, dotOK bool) {
	if len(v) == 0 {
		w.WriteString(`""`)
		return
	}
	simple, printable := true, true
scan:
	for i, c := range v {
		switch {
		case c == '.' && dotOK:
		case c >= '0' && c <= '9':
			if i == 0 {
				simple = false
			}
		case c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z':
		case c < 128 && unicode.IsGraphic(rune(c)):
			simple = false
		default:
			printable, simple = false, false
			break scan
		}
	}
	switch {
	case simple:
		w.Write(v)
	case printable:
		w.WriteByte('"')
		for _, c := range v {
			if c == '"' || c == '\\' {
				w.WriteByte('\\')
			}
			w.WriteByte(c)
		}
		w.WriteByte('"')
	default:
		fmt.Fprintf(w, "0x%x", v)
	}
}

// formatOID decodes the base-128 packed OID body used by certificate
// generic and policy matches.
func formatOID(buf []byte) string {
	var oid asn1.ObjectIdentifier
	for len(buf) > 0 {
		var n int
		for len(buf) > 0 {
			var c byte
			c, buf = buf[0], buf[1:]
			n |= int(c &^ 0x80)
			if c&0x80 == 0 {
				break
			}
			n <<= 7
		}
		if len(oid) == 0 {
			first := n / 40
			if first > 2 {
				first = 2
			}
			oid = append(oid, first, n-first*40)
		} else {
			oid = append(oid, n)
		}
	}
	return oid.String()
}

// encodeOID packs an OID into the base-128 form used in requirements.
func encodeOID(oid asn1.ObjectIdentifier) []byte {
	if len(oid) < 2 {
		return nil
	}
	var out []byte
	appendArc := func(n int) {
		var tmp [10]byte
		i := len(tmp) - 1
		tmp[i] = byte(n & 0x7f)
		for n >>= 7; n > 0; n >>= 7 {
			i--
			tmp[i] = byte(n&0x7f) | 0x80
		}
		out = append(out, tmp[i:]...)
	}
	appendArc(oid[0]*40 + oid[1])
	for _, arc := range oid[2:] {
		appendArc(arc)
	}
	return out
}

func formatTimestamp(w *strings.Builder, ts uint64) {
	epoch := int64(ts) + time.Date(2001, 1, 1, 0, 0, 0, 0, time.UTC).Unix()
	w.WriteString(time.Unix(epoch, 0).UTC().Format("<2006-01-02 15:04:05Z>"))
}

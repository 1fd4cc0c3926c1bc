package codesign

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
)

const plistHeader = `<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">
`

// MarshalPlist writes v as an XML property list in the layout Apple's
// tools produce for CodeResources: tab indentation, sorted keys, wrapped
// base64 data and reals without a fractional part when they are integral.
// Supported values are maps with string keys, slices, strings, bools,
// integers, floats and []byte.
func MarshalPlist(v interface{}) ([]byte, error) {
	w := &plistWriter{}
	w.buf.WriteString(plistHeader)
	if err := w.value(v); err != nil {
		return nil, err
	}
	w.buf.WriteString("</plist>\n")
	return w.buf.Bytes(), nil
}

type plistWriter struct {
	buf   bytes.Buffer
	level int
}

func (w *plistWriter) line(s string) {
	for i := 0; i < w.level; i++ {
		w.buf.WriteByte('\t')
	}
	w.buf.WriteString(s)
	w.buf.WriteByte('\n')
}

func (w *plistWriter) simple(tag, text string) {
	w.line("<" + tag + ">" + plistEscape(text) + "</" + tag + ">")
}

func (w *plistWriter) value(v interface{}) error {
	switch x := v.(type) {
	case map[string]interface{}:
		return w.dict(x)
	case []interface{}:
		return w.array(x)
	case [][]byte:
		items := make([]interface{}, len(x))
		for i := range x {
			items[i] = x[i]
		}
		return w.array(items)
	case []string:
		items := make([]interface{}, len(x))
		for i := range x {
			items[i] = x[i]
		}
		return w.array(items)
	case string:
		w.simple("string", x)
	case bool:
		if x {
			w.line("<true/>")
		} else {
			w.line("<false/>")
		}
	case int:
		w.simple("integer", strconv.FormatInt(int64(x), 10))
	case int64:
		w.simple("integer", strconv.FormatInt(x, 10))
	case uint64:
		w.simple("integer", strconv.FormatUint(x, 10))
	case float32:
		w.simple("real", formatReal(float64(x)))
	case float64:
		w.simple("real", formatReal(x))
	case []byte:
		w.data(x)
	default:
		return fmt.Errorf("unsupported plist value of type %T", v)
	}
	return nil
}

func (w *plistWriter) dict(d map[string]interface{}) error {
	if len(d) == 0 {
		w.line("<dict/>")
		return nil
	}
	keys := make([]string, 0, len(d))
	for k := range d {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	w.line("<dict>")
	w.level++
	for _, k := range keys {
		w.simple("key", k)
		if err := w.value(d[k]); err != nil {
			return fmt.Errorf("key %q: %w", k, err)
		}
	}
	w.level--
	w.line("</dict>")
	return nil
}

func (w *plistWriter) array(items []interface{}) error {
	if len(items) == 0 {
		w.line("<array/>")
		return nil
	}
	w.line("<array>")
	w.level++
	for _, item := range items {
		if err := w.value(item); err != nil {
			return err
		}
	}
	w.level--
	w.line("</array>")
	return nil
}

// data writes base64 lines at the element's own indentation, wrapped so a
// line plus its tabs (counted as eight columns) stays within 76 columns.
func (w *plistWriter) data(b []byte) {
	w.line("<data>")
	maxLine := 76 - 8*w.level
	if maxLine < 16 {
		maxLine = 16
	}
	chunk := maxLine / 4 * 3
	for len(b) > 0 {
		n := chunk
		if n > len(b) {
			n = len(b)
		}
		w.line(base64.StdEncoding.EncodeToString(b[:n]))
		b = b[n:]
	}
	w.line("</data>")
}

// formatReal prints integral values without a fractional part and others
// in shortest round-trip form, switching to exponent notation outside
// [1e-4, 1e16).
func formatReal(f float64) string {
	if f == math.Trunc(f) && !math.IsInf(f, 0) && math.Abs(f) < 1e18 {
		return strconv.FormatInt(int64(f), 10)
	}
	if a := math.Abs(f); a != 0 && (a < 1e-4 || a >= 1e16) {
		return strconv.FormatFloat(f, 'e', -1, 64)
	}
	return strconv.FormatFloat(f, 'f', -1, 64)
}

var plistEscaper = strings.NewReplacer(
	"\r\n", "\n",
	"\r", "\n",
	"&", "&amp;",
	"<", "&lt;",
	">", "&gt;",
)

func plistEscape(s string) string {
	return plistEscaper.Replace(s)
}

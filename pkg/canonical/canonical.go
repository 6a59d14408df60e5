// Package canonical turns JSON and URL-encoded payloads into one
// deterministic byte-stable string. The output feeds hash preimages, so
// every rule here is part of the wire protocol: two implementations that
// disagree on a single byte produce proofs that never match.
package canonical

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// ErrCanonicalize wraps every canonicalization failure.
var ErrCanonicalize = errors.New("canonicalization error")

// JSON parses raw JSON and returns its canonical form. Numbers are kept
// as decimal text throughout (never converted to float64), so values like
// 9007199254740993 survive intact.
func JSON(raw []byte) (string, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return "", fmt.Errorf("%w: %s", ErrCanonicalize, "malformed json")
	}
	if dec.More() {
		return "", fmt.Errorf("%w: %s", ErrCanonicalize, "trailing data after json value")
	}
	if _, err := dec.Token(); err != io.EOF {
		return "", fmt.Errorf("%w: %s", ErrCanonicalize, "trailing data after json value")
	}
	return Value(v)
}

// Value canonicalizes an already-parsed JSON tree: minified output,
// object keys in code-point order, arrays in original order, all strings
// NFC-normalized.
func Value(v any) (string, error) {
	var b strings.Builder
	if err := writeValue(&b, v); err != nil {
		return "", err
	}
	return b.String(), nil
}

func writeValue(b *strings.Builder, v any) error {
	switch x := v.(type) {
	case nil:
		b.WriteString("null")
	case bool:
		if x {
			b.WriteString("true")
		} else {
			b.WriteString("false")
		}
	case string:
		writeString(b, norm.NFC.String(x))
	case json.Number:
		s, err := canonNumber(x.String())
		if err != nil {
			return err
		}
		b.WriteString(s)
	case float64:
		return writeFloat(b, x)
	case float32:
		return writeFloat(b, float64(x))
	case int:
		b.WriteString(strconv.FormatInt(int64(x), 10))
	case int64:
		b.WriteString(strconv.FormatInt(x, 10))
	case uint64:
		b.WriteString(strconv.FormatUint(x, 10))
	case []any:
		b.WriteByte('[')
		for i, elem := range x {
			if i > 0 {
				b.WriteByte(',')
			}
			if err := writeValue(b, elem); err != nil {
				return err
			}
		}
		b.WriteByte(']')
	case map[string]any:
		return writeObject(b, x)
	default:
		return fmt.Errorf("%w: unsupported type %T", ErrCanonicalize, v)
	}
	return nil
}

func writeObject(b *strings.Builder, m map[string]any) error {
	keys := make([]string, 0, len(m))
	normed := make(map[string]any, len(m))
	for k, v := range m {
		nk := norm.NFC.String(k)
		// Distinct raw keys can normalize to the same NFC string; the
		// winner would then depend on map iteration order. Reject the
		// object instead of emitting nondeterministic output.
		if _, dup := normed[nk]; dup {
			return fmt.Errorf("%w: object keys collide after NFC normalization: %q", ErrCanonicalize, nk)
		}
		normed[nk] = v
		keys = append(keys, nk)
	}
	sort.Strings(keys)
	b.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		writeString(b, k)
		b.WriteByte(':')
		if err := writeValue(b, normed[k]); err != nil {
			return err
		}
	}
	b.WriteByte('}')
	return nil
}

func writeFloat(b *strings.Builder, f float64) error {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return fmt.Errorf("%w: non-finite number", ErrCanonicalize)
	}
	// Shortest round-trip decimal in 'f' form, then the shared number
	// normalizer so -0 and trailing zeros collapse the same way as for
	// numbers arriving as JSON text.
	s, err := canonNumber(strconv.FormatFloat(f, 'f', -1, 64))
	if err != nil {
		return err
	}
	b.WriteString(s)
	return nil
}

const hexDigits = "0123456789abcdef"

func writeString(b *strings.Builder, s string) {
	b.WriteByte('"')
	for _, r := range s {
		switch r {
		case '"':
			b.WriteString(`\"`)
		case '\\':
			b.WriteString(`\\`)
		case '\b':
			b.WriteString(`\b`)
		case '\f':
			b.WriteString(`\f`)
		case '\n':
			b.WriteString(`\n`)
		case '\r':
			b.WriteString(`\r`)
		case '\t':
			b.WriteString(`\t`)
		default:
			if r < 0x20 {
				b.WriteString(`\u00`)
				b.WriteByte(hexDigits[r>>4])
				b.WriteByte(hexDigits[r&0xf])
			} else {
				b.WriteRune(r)
			}
		}
	}
	b.WriteByte('"')
}

// maxExponent caps decimal exponent expansion. Wide enough for every
// float64 (|decimal exponent| <= 324) with slack for big integers.
const maxExponent = 512

// canonNumber rewrites a JSON number literal in canonical form: no
// exponent, no trailing fractional zeros, no leading integer zeros,
// -0 collapsed to 0. Integral values render without a decimal point.
func canonNumber(lit string) (string, error) {
	s := lit
	neg := false
	if strings.HasPrefix(s, "-") {
		neg = true
		s = s[1:]
	} else if strings.HasPrefix(s, "+") {
		s = s[1:]
	}

	mantissa := s
	exp := 0
	if i := strings.IndexAny(s, "eE"); i >= 0 {
		mantissa = s[:i]
		e, err := strconv.Atoi(s[i+1:])
		if err != nil {
			return "", fmt.Errorf("%w: bad number %q", ErrCanonicalize, lit)
		}
		// Plain-decimal rendering expands the exponent into literal
		// zeros; a tiny literal like 1e999999999 would otherwise demand
		// a gigabyte-scale allocation.
		if e > maxExponent || e < -maxExponent {
			return "", fmt.Errorf("%w: exponent out of range in %q", ErrCanonicalize, lit)
		}
		exp = e
	}

	intPart := mantissa
	fracPart := ""
	if i := strings.IndexByte(mantissa, '.'); i >= 0 {
		intPart = mantissa[:i]
		fracPart = mantissa[i+1:]
	}
	if intPart == "" && fracPart == "" {
		return "", fmt.Errorf("%w: bad number %q", ErrCanonicalize, lit)
	}
	for i := 0; i < len(intPart); i++ {
		if intPart[i] < '0' || intPart[i] > '9' {
			return "", fmt.Errorf("%w: bad number %q", ErrCanonicalize, lit)
		}
	}
	for i := 0; i < len(fracPart); i++ {
		if fracPart[i] < '0' || fracPart[i] > '9' {
			return "", fmt.Errorf("%w: bad number %q", ErrCanonicalize, lit)
		}
	}

	// All significant digits with the decimal point sitting after
	// pointPos of them.
	digits := intPart + fracPart
	pointPos := len(intPart) + exp

	// Trim leading zeros.
	for len(digits) > 0 && digits[0] == '0' {
		digits = digits[1:]
		pointPos--
	}
	// Trim trailing zeros (they only matter left of the point, where
	// pointPos accounting re-adds them below).
	for len(digits) > 0 && digits[len(digits)-1] == '0' {
		digits = digits[:len(digits)-1]
	}
	if digits == "" {
		return "0", nil
	}

	var b strings.Builder
	if neg {
		b.WriteByte('-')
	}
	switch {
	case pointPos >= len(digits):
		b.WriteString(digits)
		b.WriteString(strings.Repeat("0", pointPos-len(digits)))
	case pointPos <= 0:
		b.WriteString("0.")
		b.WriteString(strings.Repeat("0", -pointPos))
		b.WriteString(digits)
	default:
		b.WriteString(digits[:pointPos])
		b.WriteByte('.')
		b.WriteString(digits[pointPos:])
	}
	return b.String(), nil
}

// Form canonicalizes an application/x-www-form-urlencoded body: pairs
// decoded, NFC-normalized, stably sorted by key (values under the same
// key keep their original order) and re-encoded with %20 for space.
func Form(input string) (string, error) {
	if input == "" {
		return "", nil
	}
	type pair struct{ k, v string }
	var pairs []pair
	for _, seg := range strings.Split(input, "&") {
		if seg == "" {
			continue
		}
		rawKey := seg
		rawVal := ""
		if i := strings.IndexByte(seg, '='); i >= 0 {
			rawKey = seg[:i]
			rawVal = seg[i+1:]
		}
		k, err := url.QueryUnescape(rawKey)
		if err != nil {
			return "", fmt.Errorf("%w: bad form key %q", ErrCanonicalize, rawKey)
		}
		v, err := url.QueryUnescape(rawVal)
		if err != nil {
			return "", fmt.Errorf("%w: bad form value %q", ErrCanonicalize, rawVal)
		}
		pairs = append(pairs, pair{norm.NFC.String(k), norm.NFC.String(v)})
	}
	sort.SliceStable(pairs, func(i, j int) bool { return pairs[i].k < pairs[j].k })

	var b strings.Builder
	for i, p := range pairs {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(encodeComponent(p.k))
		b.WriteByte('=')
		b.WriteString(encodeComponent(p.v))
	}
	return b.String(), nil
}

func encodeComponent(s string) string {
	return strings.ReplaceAll(url.QueryEscape(s), "+", "%20")
}

// Binding normalizes a method and path into the exact "METHOD /path"
// string proofs are computed over. Query strings and fragments never
// participate in the binding.
func Binding(method, path string) string {
	m := strings.ToUpper(strings.TrimSpace(method))

	p := path
	if i := strings.IndexByte(p, '#'); i >= 0 {
		p = p[:i]
	}
	if i := strings.IndexByte(p, '?'); i >= 0 {
		p = p[:i]
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	for strings.Contains(p, "//") {
		p = strings.ReplaceAll(p, "//", "/")
	}
	if len(p) > 1 {
		p = strings.TrimSuffix(p, "/")
	}
	return m + " " + p
}

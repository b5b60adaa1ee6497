// Package canon implements the single canonical encoding used everywhere a
// hash or signature is computed, and on the wire (spec.md §6). The contract:
// for any value v, Encode(v) produces identical bytes on every conforming
// node, and Decode inverts it exactly. This is a JSON-like object encoding
// with keys sorted in code-point order, no whitespace, integers written as
// decimal without leading zeros, strings as raw bytes with backslash-escaping
// of control characters, the quote character, and the backslash itself
// (fixed-size byte arrays — public keys, hashes, signatures — are strings in
// this sense too, not necessarily valid UTF-8), null as the literal null, and
// arrays preserving order. Floats are rejected.
package canon

import (
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strconv"
)

// ErrFloatNotAllowed is returned when a value contains a floating point
// number anywhere in its structure. The canonical form has no representation
// for floats: every consensus-relevant quantity in this system is an
// integer or a fixed-size byte string.
var ErrFloatNotAllowed = errors.New("canon: floating point values are not allowed")

// Encode produces the canonical byte representation of v. v must be a
// struct, map, slice, array, string, integer, bool, nil, or any nesting of
// those. Pointers are dereferenced; nil pointers encode as null.
func Encode(v any) ([]byte, error) {
	var buf []byte
	buf, err := appendValue(buf, reflect.ValueOf(v))
	if err != nil {
		return nil, err
	}
	return buf, nil
}

// MustEncode panics if v cannot be canonically encoded. It exists for use
// in Hash() style methods where the encoding of a well-formed, already
// validated value cannot fail in practice.
func MustEncode(v any) []byte {
	b, err := Encode(v)
	if err != nil {
		panic(err)
	}
	return b
}

// Decode parses bytes produced by Encode into dst, which must be a non-nil
// pointer. This is the wire-format counterpart to Encode: spec.md's P2P
// framing carries canonically-encoded payloads directly, so anything
// received off the wire needs a way back into Go values.
func Decode(data []byte, dst any) error {
	rv := reflect.ValueOf(dst)
	if rv.Kind() != reflect.Pointer || rv.IsNil() {
		return fmt.Errorf("canon: Decode requires a non-nil pointer, got %T", dst)
	}

	d := &decoder{data: data}
	if err := d.decodeValue(rv.Elem()); err != nil {
		return err
	}
	d.skipSpace()
	if d.pos != len(d.data) {
		return fmt.Errorf("canon: %d trailing byte(s) after value", len(d.data)-d.pos)
	}
	return nil
}

type decoder struct {
	data []byte
	pos  int
}

func (d *decoder) skipSpace() {
	for d.pos < len(d.data) {
		switch d.data[d.pos] {
		case ' ', '\t', '\n', '\r':
			d.pos++
		default:
			return
		}
	}
}

func (d *decoder) peek() (byte, error) {
	d.skipSpace()
	if d.pos >= len(d.data) {
		return 0, fmt.Errorf("canon: unexpected end of input")
	}
	return d.data[d.pos], nil
}

func (d *decoder) expect(b byte) error {
	c, err := d.peek()
	if err != nil {
		return err
	}
	if c != b {
		return fmt.Errorf("canon: expected %q, got %q at offset %d", b, c, d.pos)
	}
	d.pos++
	return nil
}

func (d *decoder) literal(lit string) error {
	if d.pos+len(lit) > len(d.data) || string(d.data[d.pos:d.pos+len(lit)]) != lit {
		return fmt.Errorf("canon: expected literal %q at offset %d", lit, d.pos)
	}
	d.pos += len(lit)
	return nil
}

// decodeString reads one quoted string literal, reversing appendString's
// byte-level escaping. Bytes are copied through verbatim except for the
// handful of escape sequences appendString ever emits, so arbitrary binary
// payloads (public keys, hashes, signatures) round-trip exactly.
func (d *decoder) decodeString() (string, error) {
	if err := d.expect('"'); err != nil {
		return "", err
	}

	var out []byte
	for {
		if d.pos >= len(d.data) {
			return "", fmt.Errorf("canon: unterminated string")
		}
		c := d.data[d.pos]
		if c == '"' {
			d.pos++
			return string(out), nil
		}
		if c != '\\' {
			out = append(out, c)
			d.pos++
			continue
		}

		d.pos++
		if d.pos >= len(d.data) {
			return "", fmt.Errorf("canon: truncated escape sequence")
		}
		switch esc := d.data[d.pos]; esc {
		case '"':
			out = append(out, '"')
		case '\\':
			out = append(out, '\\')
		case 'n':
			out = append(out, '\n')
		case 'r':
			out = append(out, '\r')
		case 't':
			out = append(out, '\t')
		case 'u':
			if d.pos+4 >= len(d.data) {
				return "", fmt.Errorf("canon: truncated \\u escape")
			}
			n, err := strconv.ParseUint(string(d.data[d.pos+1:d.pos+5]), 16, 8)
			if err != nil {
				return "", fmt.Errorf("canon: invalid \\u escape: %w", err)
			}
			out = append(out, byte(n))
			d.pos += 4
		default:
			return "", fmt.Errorf("canon: invalid escape sequence \\%c", esc)
		}
		d.pos++
	}
}

func (d *decoder) decodeNumber() (string, error) {
	start := d.pos
	if d.pos < len(d.data) && d.data[d.pos] == '-' {
		d.pos++
	}
	for d.pos < len(d.data) && d.data[d.pos] >= '0' && d.data[d.pos] <= '9' {
		d.pos++
	}
	if d.pos == start {
		return "", fmt.Errorf("canon: expected number at offset %d", start)
	}
	return string(d.data[start:d.pos]), nil
}

// decodeValue dispatches on the next token and fills rv, which must be
// addressable (settable).
func (d *decoder) decodeValue(rv reflect.Value) error {
	c, err := d.peek()
	if err != nil {
		return err
	}

	if c == 'n' {
		if err := d.literal("null"); err != nil {
			return err
		}
		rv.Set(reflect.Zero(rv.Type()))
		return nil
	}

	switch rv.Kind() {
	case reflect.Pointer:
		if rv.IsNil() {
			rv.Set(reflect.New(rv.Type().Elem()))
		}
		return d.decodeValue(rv.Elem())

	case reflect.String:
		s, err := d.decodeString()
		if err != nil {
			return err
		}
		rv.SetString(s)
		return nil

	case reflect.Bool:
		switch c {
		case 't':
			if err := d.literal("true"); err != nil {
				return err
			}
			rv.SetBool(true)
		case 'f':
			if err := d.literal("false"); err != nil {
				return err
			}
			rv.SetBool(false)
		default:
			return fmt.Errorf("canon: expected bool at offset %d", d.pos)
		}
		return nil

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		tok, err := d.decodeNumber()
		if err != nil {
			return err
		}
		n, err := strconv.ParseInt(tok, 10, 64)
		if err != nil {
			return fmt.Errorf("canon: %w", err)
		}
		rv.SetInt(n)
		return nil

	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		tok, err := d.decodeNumber()
		if err != nil {
			return err
		}
		n, err := strconv.ParseUint(tok, 10, 64)
		if err != nil {
			return fmt.Errorf("canon: %w", err)
		}
		rv.SetUint(n)
		return nil

	case reflect.Slice:
		if rv.Type().Elem().Kind() == reflect.Uint8 {
			s, err := d.decodeString()
			if err != nil {
				return err
			}
			rv.SetBytes([]byte(s))
			return nil
		}
		return d.decodeArrayInto(rv, false)

	case reflect.Array:
		if rv.Type().Elem().Kind() == reflect.Uint8 {
			s, err := d.decodeString()
			if err != nil {
				return err
			}
			if len(s) != rv.Len() {
				return fmt.Errorf("canon: expected %d raw bytes, got %d", rv.Len(), len(s))
			}
			reflect.Copy(rv, reflect.ValueOf([]byte(s)))
			return nil
		}
		return d.decodeArrayInto(rv, true)

	case reflect.Struct:
		return d.decodeStruct(rv)

	case reflect.Map:
		return d.decodeMap(rv)

	default:
		return fmt.Errorf("canon: unsupported destination kind %s", rv.Kind())
	}
}

func (d *decoder) decodeArrayInto(rv reflect.Value, fixed bool) error {
	if err := d.expect('['); err != nil {
		return err
	}
	i := 0
	for {
		c, err := d.peek()
		if err != nil {
			return err
		}
		if c == ']' {
			d.pos++
			break
		}
		if i > 0 {
			if err := d.expect(','); err != nil {
				return err
			}
		}
		if fixed {
			if i >= rv.Len() {
				return fmt.Errorf("canon: array has more elements than destination capacity %d", rv.Len())
			}
			if err := d.decodeValue(rv.Index(i)); err != nil {
				return err
			}
		} else {
			elem := reflect.New(rv.Type().Elem()).Elem()
			if err := d.decodeValue(elem); err != nil {
				return err
			}
			rv.Set(reflect.Append(rv, elem))
		}
		i++
	}
	return nil
}

func (d *decoder) decodeStruct(rv reflect.Value) error {
	t := rv.Type()
	byName := make(map[string]reflect.Value, t.NumField())
	for i := 0; i < t.NumField(); i++ {
		sf := t.Field(i)
		if sf.PkgPath != "" {
			continue
		}
		name, _ := parseTag(sf)
		if name == "-" {
			continue
		}
		if name == "" {
			name = sf.Name
		}
		byName[name] = rv.Field(i)
	}

	if err := d.expect('{'); err != nil {
		return err
	}
	first := true
	for {
		c, err := d.peek()
		if err != nil {
			return err
		}
		if c == '}' {
			d.pos++
			break
		}
		if !first {
			if err := d.expect(','); err != nil {
				return err
			}
		}
		first = false

		key, err := d.decodeString()
		if err != nil {
			return err
		}
		if err := d.expect(':'); err != nil {
			return err
		}

		fv, ok := byName[key]
		if !ok {
			if err := d.skipValue(); err != nil {
				return err
			}
			continue
		}
		if err := d.decodeValue(fv); err != nil {
			return err
		}
	}
	return nil
}

func (d *decoder) decodeMap(rv reflect.Value) error {
	if rv.Type().Key().Kind() != reflect.String {
		return fmt.Errorf("canon: map keys must be strings, got %s", rv.Type().Key())
	}
	c, err := d.peek()
	if err != nil {
		return err
	}
	if c == 'n' {
		if err := d.literal("null"); err != nil {
			return err
		}
		rv.Set(reflect.Zero(rv.Type()))
		return nil
	}

	rv.Set(reflect.MakeMap(rv.Type()))
	if err := d.expect('{'); err != nil {
		return err
	}
	first := true
	for {
		c, err := d.peek()
		if err != nil {
			return err
		}
		if c == '}' {
			d.pos++
			break
		}
		if !first {
			if err := d.expect(','); err != nil {
				return err
			}
		}
		first = false

		key, err := d.decodeString()
		if err != nil {
			return err
		}
		if err := d.expect(':'); err != nil {
			return err
		}
		val := reflect.New(rv.Type().Elem()).Elem()
		if err := d.decodeValue(val); err != nil {
			return err
		}
		rv.SetMapIndex(reflect.ValueOf(key).Convert(rv.Type().Key()), val)
	}
	return nil
}

// skipValue advances past one value without decoding it, used to ignore
// unknown struct keys so forward-compatible messages don't fail to parse.
func (d *decoder) skipValue() error {
	c, err := d.peek()
	if err != nil {
		return err
	}
	switch c {
	case '"':
		_, err := d.decodeString()
		return err
	case '{':
		d.pos++
		first := true
		for {
			c, err := d.peek()
			if err != nil {
				return err
			}
			if c == '}' {
				d.pos++
				return nil
			}
			if !first {
				if err := d.expect(','); err != nil {
					return err
				}
			}
			first = false
			if _, err := d.decodeString(); err != nil {
				return err
			}
			if err := d.expect(':'); err != nil {
				return err
			}
			if err := d.skipValue(); err != nil {
				return err
			}
		}
	case '[':
		d.pos++
		first := true
		for {
			c, err := d.peek()
			if err != nil {
				return err
			}
			if c == ']' {
				d.pos++
				return nil
			}
			if !first {
				if err := d.expect(','); err != nil {
					return err
				}
			}
			first = false
			if err := d.skipValue(); err != nil {
				return err
			}
		}
	case 't':
		return d.literal("true")
	case 'f':
		return d.literal("false")
	case 'n':
		return d.literal("null")
	default:
		_, err := d.decodeNumber()
		return err
	}
}

func appendValue(buf []byte, rv reflect.Value) ([]byte, error) {
	if !rv.IsValid() {
		return append(buf, "null"...), nil
	}

	switch rv.Kind() {
	case reflect.Pointer, reflect.Interface:
		if rv.IsNil() {
			return append(buf, "null"...), nil
		}
		return appendValue(buf, rv.Elem())

	case reflect.String:
		return appendString(buf, rv.String()), nil

	case reflect.Bool:
		if rv.Bool() {
			return append(buf, "true"...), nil
		}
		return append(buf, "false"...), nil

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return strconv.AppendInt(buf, rv.Int(), 10), nil

	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return strconv.AppendUint(buf, rv.Uint(), 10), nil

	case reflect.Float32, reflect.Float64:
		return nil, ErrFloatNotAllowed

	case reflect.Slice:
		if rv.Type().Elem().Kind() == reflect.Uint8 {
			return appendString(buf, string(rv.Bytes())), nil
		}
		if rv.IsNil() {
			return append(buf, "null"...), nil
		}
		return appendArray(buf, rv)

	case reflect.Array:
		if rv.Type().Elem().Kind() == reflect.Uint8 {
			b := make([]byte, rv.Len())
			reflect.Copy(reflect.ValueOf(b), rv)
			return appendString(buf, string(b)), nil
		}
		return appendArray(buf, rv)

	case reflect.Struct:
		return appendStruct(buf, rv)

	case reflect.Map:
		return appendMap(buf, rv)

	default:
		return nil, fmt.Errorf("canon: unsupported kind %s", rv.Kind())
	}
}

func appendArray(buf []byte, rv reflect.Value) ([]byte, error) {
	buf = append(buf, '[')
	for i := 0; i < rv.Len(); i++ {
		if i > 0 {
			buf = append(buf, ',')
		}
		var err error
		buf, err = appendValue(buf, rv.Index(i))
		if err != nil {
			return nil, err
		}
	}
	buf = append(buf, ']')
	return buf, nil
}

// field describes one struct field destined for canonical encoding.
type field struct {
	name string
	val  reflect.Value
}

func appendStruct(buf []byte, rv reflect.Value) ([]byte, error) {
	t := rv.Type()

	var fields []field
	for i := 0; i < t.NumField(); i++ {
		sf := t.Field(i)
		if sf.PkgPath != "" {
			continue // unexported
		}

		name, opts := parseTag(sf)
		if name == "-" {
			continue
		}
		if name == "" {
			name = sf.Name
		}

		fv := rv.Field(i)
		if opts.omitempty && isEmptyValue(fv) {
			continue
		}

		fields = append(fields, field{name: name, val: fv})
	}

	sort.Slice(fields, func(i, j int) bool { return fields[i].name < fields[j].name })

	buf = append(buf, '{')
	for i, f := range fields {
		if i > 0 {
			buf = append(buf, ',')
		}
		buf = appendString(buf, f.name)
		buf = append(buf, ':')
		var err error
		buf, err = appendValue(buf, f.val)
		if err != nil {
			return nil, err
		}
	}
	buf = append(buf, '}')
	return buf, nil
}

func appendMap(buf []byte, rv reflect.Value) ([]byte, error) {
	if rv.IsNil() {
		return append(buf, "null"...), nil
	}
	if rv.Type().Key().Kind() != reflect.String {
		return nil, fmt.Errorf("canon: map keys must be strings, got %s", rv.Type().Key())
	}

	keys := rv.MapKeys()
	strKeys := make([]string, len(keys))
	for i, k := range keys {
		strKeys[i] = k.String()
	}
	sort.Strings(strKeys)

	buf = append(buf, '{')
	for i, k := range strKeys {
		if i > 0 {
			buf = append(buf, ',')
		}
		buf = appendString(buf, k)
		buf = append(buf, ':')
		var err error
		buf, err = appendValue(buf, rv.MapIndex(reflect.ValueOf(k).Convert(rv.Type().Key())))
		if err != nil {
			return nil, err
		}
	}
	buf = append(buf, '}')
	return buf, nil
}

const hexDigits = "0123456789abcdef"

// appendString writes s as a quoted string literal, escaping only the quote
// character, backslash, and control characters. Every other byte — including
// non-ASCII and non-UTF-8 bytes — passes through unchanged: fixed-size byte
// arrays (public keys, hashes, signatures) are routed through this same
// function, and they must round-trip exactly through Decode, which rules out
// delegating to encoding/json (it lossily replaces invalid UTF-8 with the
// Unicode replacement character).
func appendString(buf []byte, s string) []byte {
	buf = append(buf, '"')
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch c {
		case '"':
			buf = append(buf, '\\', '"')
		case '\\':
			buf = append(buf, '\\', '\\')
		case '\n':
			buf = append(buf, '\\', 'n')
		case '\r':
			buf = append(buf, '\\', 'r')
		case '\t':
			buf = append(buf, '\\', 't')
		default:
			if c < 0x20 {
				buf = append(buf, '\\', 'u', '0', '0', hexDigits[c>>4], hexDigits[c&0xF])
			} else {
				buf = append(buf, c)
			}
		}
	}
	return append(buf, '"')
}

type tagOptions struct {
	omitempty bool
}

func parseTag(sf reflect.StructField) (string, tagOptions) {
	tag := sf.Tag.Get("canon")
	if tag == "" {
		tag = sf.Tag.Get("json")
	}
	if tag == "" {
		return "", tagOptions{}
	}

	name := tag
	opts := tagOptions{}
	for i := 0; i < len(tag); i++ {
		if tag[i] == ',' {
			name = tag[:i]
			rest := tag[i+1:]
			if rest == "omitempty" {
				opts.omitempty = true
			}
			break
		}
	}
	return name, opts
}

func isEmptyValue(v reflect.Value) bool {
	switch v.Kind() {
	case reflect.Array, reflect.Map, reflect.Slice, reflect.String:
		return v.Len() == 0
	case reflect.Bool:
		return !v.Bool()
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return v.Int() == 0
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return v.Uint() == 0
	case reflect.Interface, reflect.Pointer:
		return v.IsNil()
	}
	return false
}

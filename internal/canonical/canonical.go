// Package canonical produces the deterministic byte encoding that every hash
// in the custody ledger is computed over.
//
// The output is a restricted form of JSON: object keys sorted by byte value,
// no insignificant whitespace, numbers as exact decimal text without exponent,
// and a single escape form for text. Two values that are semantically equal
// always encode to identical bytes, independent of map iteration order,
// platform or locale.
//
// Changing any rule here invalidates every hash previously computed over the
// encoding. Bump Version if that ever happens.
package canonical

import (
	"bytes"
	"crypto/sha256"
	"encoding"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"
)

// Version identifies the encoding rule set. It is recorded alongside
// persisted ledgers so that a rule change can be detected on load.
const Version = "c14n-json/v1"

// maxDepth bounds nesting so that pathological inputs fail instead of
// exhausting the stack.
const maxDepth = 512

// ErrSerialization is wrapped by every error returned from Marshal.
var ErrSerialization = errors.New("canonical: unsupported value")

// SerializationError reports where in the input value encoding failed.
type SerializationError struct {
	Path   string
	Reason string
}

func (e *SerializationError) Error() string {
	return fmt.Sprintf("canonical: %s at %s", e.Reason, e.Path)
}

func (e *SerializationError) Unwrap() error { return ErrSerialization }

var (
	timeType          = reflect.TypeOf(time.Time{})
	numberType        = reflect.TypeOf(json.Number(""))
	jsonMarshalerType = reflect.TypeOf((*json.Marshaler)(nil)).Elem()
	textMarshalerType = reflect.TypeOf((*encoding.TextMarshaler)(nil)).Elem()
)

// Marshal returns the canonical encoding of v.
func Marshal(v any) ([]byte, error) {
	e := &encoder{active: make(map[visit]struct{})}
	if err := e.encode(reflect.ValueOf(v), "$", 0); err != nil {
		return nil, err
	}
	return e.buf.Bytes(), nil
}

// Sum returns the lowercase hex SHA-256 digest of the canonical encoding of v.
func Sum(v any) (string, error) {
	b, err := Marshal(v)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// visit identifies a reference-typed value currently being encoded. A value
// seen again while it is still active is a cycle.
type visit struct {
	ptr uintptr
	typ reflect.Type
	n   int
}

type encoder struct {
	buf    bytes.Buffer
	active map[visit]struct{}
}

func (e *encoder) fail(path, reason string) error {
	return &SerializationError{Path: path, Reason: reason}
}

func (e *encoder) enter(v visit, path string) error {
	if _, ok := e.active[v]; ok {
		return e.fail(path, "cyclic structure")
	}
	e.active[v] = struct{}{}
	return nil
}

func (e *encoder) leave(v visit) { delete(e.active, v) }

func (e *encoder) encode(v reflect.Value, path string, depth int) error {
	if depth > maxDepth {
		return e.fail(path, "nesting exceeds maximum depth")
	}
	if !v.IsValid() {
		e.buf.WriteString("null")
		return nil
	}
	if v.Kind() == reflect.Interface {
		if v.IsNil() {
			e.buf.WriteString("null")
			return nil
		}
		return e.encode(v.Elem(), path, depth)
	}

	switch v.Type() {
	case timeType:
		t := v.Interface().(time.Time)
		return e.writeString(t.UTC().Format(time.RFC3339Nano), path)
	case numberType:
		return e.writeNumber(v.String(), path)
	}

	if v.Kind() == reflect.Pointer {
		if v.IsNil() {
			e.buf.WriteString("null")
			return nil
		}
		if v.Type().Elem() == timeType {
			return e.encode(v.Elem(), path, depth+1)
		}
	}
	if v.Type().Implements(jsonMarshalerType) {
		return e.encodeMarshaler(v, path, depth)
	}
	if v.Type().Implements(textMarshalerType) {
		text, err := v.Interface().(encoding.TextMarshaler).MarshalText()
		if err != nil {
			return e.fail(path, "text marshaler: "+err.Error())
		}
		return e.writeString(string(text), path)
	}

	switch v.Kind() {
	case reflect.Bool:
		if v.Bool() {
			e.buf.WriteString("true")
		} else {
			e.buf.WriteString("false")
		}
		return nil

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		e.buf.WriteString(strconv.FormatInt(v.Int(), 10))
		return nil

	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		e.buf.WriteString(strconv.FormatUint(v.Uint(), 10))
		return nil

	case reflect.Float32, reflect.Float64:
		f := v.Float()
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return e.fail(path, "non-finite number")
		}
		bits := 64
		if v.Kind() == reflect.Float32 {
			bits = 32
		}
		return e.writeNumber(strconv.FormatFloat(f, 'g', -1, bits), path)

	case reflect.String:
		return e.writeString(v.String(), path)

	case reflect.Slice:
		if v.Type().Elem().Kind() == reflect.Uint8 {
			return e.writeString(hex.EncodeToString(v.Bytes()), path)
		}
		if v.Len() > 0 {
			key := visit{ptr: v.Pointer(), typ: v.Type(), n: v.Len()}
			if err := e.enter(key, path); err != nil {
				return err
			}
			defer e.leave(key)
		}
		return e.encodeSequence(v, path, depth)

	case reflect.Array:
		if v.Type().Elem().Kind() == reflect.Uint8 {
			b := make([]byte, v.Len())
			reflect.Copy(reflect.ValueOf(b), v)
			return e.writeString(hex.EncodeToString(b), path)
		}
		return e.encodeSequence(v, path, depth)

	case reflect.Map:
		if v.Type().Key().Kind() != reflect.String {
			return e.fail(path, "map key type "+v.Type().Key().String()+" is not a string")
		}
		if v.Len() > 0 {
			key := visit{ptr: v.Pointer(), typ: v.Type()}
			if err := e.enter(key, path); err != nil {
				return err
			}
			defer e.leave(key)
		}
		return e.encodeMap(v, path, depth)

	case reflect.Struct:
		return e.encodeStruct(v, path, depth)

	case reflect.Pointer:
		key := visit{ptr: v.Pointer(), typ: v.Type()}
		if err := e.enter(key, path); err != nil {
			return err
		}
		defer e.leave(key)
		return e.encode(v.Elem(), path, depth+1)
	}

	return e.fail(path, "unsupported type "+v.Type().String())
}

func (e *encoder) encodeMarshaler(v reflect.Value, path string, depth int) error {
	raw, err := v.Interface().(json.Marshaler).MarshalJSON()
	if err != nil {
		return e.fail(path, "json marshaler: "+err.Error())
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var decoded any
	if err := dec.Decode(&decoded); err != nil {
		return e.fail(path, "json marshaler produced invalid JSON")
	}
	return e.encode(reflect.ValueOf(decoded), path, depth+1)
}

func (e *encoder) encodeSequence(v reflect.Value, path string, depth int) error {
	e.buf.WriteByte('[')
	for i := 0; i < v.Len(); i++ {
		if i > 0 {
			e.buf.WriteByte(',')
		}
		if err := e.encode(v.Index(i), path+"["+strconv.Itoa(i)+"]", depth+1); err != nil {
			return err
		}
	}
	e.buf.WriteByte(']')
	return nil
}

func (e *encoder) encodeMap(v reflect.Value, path string, depth int) error {
	keys := make([]string, 0, v.Len())
	values := make(map[string]reflect.Value, v.Len())
	iter := v.MapRange()
	for iter.Next() {
		k := iter.Key().String()
		keys = append(keys, k)
		values[k] = iter.Value()
	}
	sort.Strings(keys)

	e.buf.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			e.buf.WriteByte(',')
		}
		if err := e.writeString(k, path); err != nil {
			return err
		}
		e.buf.WriteByte(':')
		if err := e.encode(values[k], path+"."+k, depth+1); err != nil {
			return err
		}
	}
	e.buf.WriteByte('}')
	return nil
}

type field struct {
	name  string
	value reflect.Value
}

func (e *encoder) encodeStruct(v reflect.Value, path string, depth int) error {
	t := v.Type()
	fields := make([]field, 0, t.NumField())
	seen := make(map[string]bool, t.NumField())
	for i := 0; i < t.NumField(); i++ {
		sf := t.Field(i)
		if !sf.IsExported() {
			continue
		}
		tag := sf.Tag.Get("json")
		if tag == "-" {
			continue
		}
		name, opts, _ := strings.Cut(tag, ",")
		if name == "" {
			name = sf.Name
		}
		fv := v.Field(i)
		if hasOption(opts, "omitempty") && isEmptyValue(fv) {
			continue
		}
		if seen[name] {
			return e.fail(path, "duplicate field name "+strconv.Quote(name))
		}
		seen[name] = true
		fields = append(fields, field{name: name, value: fv})
	}
	sort.Slice(fields, func(i, j int) bool { return fields[i].name < fields[j].name })

	e.buf.WriteByte('{')
	for i, f := range fields {
		if i > 0 {
			e.buf.WriteByte(',')
		}
		if err := e.writeString(f.name, path); err != nil {
			return err
		}
		e.buf.WriteByte(':')
		if err := e.encode(f.value, path+"."+f.name, depth+1); err != nil {
			return err
		}
	}
	e.buf.WriteByte('}')
	return nil
}

func hasOption(opts, want string) bool {
	for opts != "" {
		var opt string
		opt, opts, _ = strings.Cut(opts, ",")
		if opt == want {
			return true
		}
	}
	return false
}

// isEmptyValue follows encoding/json's omitempty rules.
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
	case reflect.Float32, reflect.Float64:
		return v.Float() == 0
	case reflect.Interface, reflect.Pointer:
		return v.IsNil()
	}
	return false
}

func (e *encoder) writeString(s, path string) error {
	if !utf8.ValidString(s) {
		return e.fail(path, "text is not valid UTF-8")
	}
	e.buf.WriteByte('"')
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch c {
		case '"':
			e.buf.WriteString(`\"`)
		case '\\':
			e.buf.WriteString(`\\`)
		case '\b':
			e.buf.WriteString(`\b`)
		case '\f':
			e.buf.WriteString(`\f`)
		case '\n':
			e.buf.WriteString(`\n`)
		case '\r':
			e.buf.WriteString(`\r`)
		case '\t':
			e.buf.WriteString(`\t`)
		default:
			if c < 0x20 {
				fmt.Fprintf(&e.buf, `\u%04x`, c)
			} else {
				e.buf.WriteByte(c)
			}
		}
	}
	e.buf.WriteByte('"')
	return nil
}

func (e *encoder) writeNumber(s, path string) error {
	d, err := Decimal(s)
	if err != nil {
		return e.fail(path, err.Error())
	}
	e.buf.WriteString(d)
	return nil
}

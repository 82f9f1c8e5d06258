// Package bencode implements bencoding of data as defined in BEP 3.
//
// Values are a closed set of variants (String, Int, List and Dict) rather
// than interface{} so that every encodable shape is known at compile time.
package bencode

import (
	"sort"
	"time"
)

// Value is a bencodable value. It is implemented only by the types in this
// package.
type Value interface {
	appendTo(buf []byte) []byte
}

// String is a bencoded byte string. Its contents are written verbatim.
type String string

// Bytes returns a String holding a copy of b.
func Bytes(b []byte) String { return String(b) }

// Int is a bencoded integer.
type Int int64

// Uint converts an unsigned count into an Int.
func Uint(v uint64) Int { return Int(v) }

// Seconds converts a duration into an Int holding whole seconds.
func Seconds(d time.Duration) Int { return Int(d / time.Second) }

// List is a bencoded list. Items are encoded in order.
type List []Value

// Dict is a bencoded dictionary. Keys are emitted sorted by raw byte value
// regardless of insertion order.
type Dict map[string]Value

// NewDict allocates the memory for a Dict.
func NewDict() Dict {
	return make(Dict)
}

// sortedKeys returns the keys of d ordered bytewise, which is how Go compares
// strings.
func (d Dict) sortedKeys() []string {
	keys := make([]string, 0, len(d))
	for k := range d {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

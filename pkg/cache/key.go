package cache

import (
	"strconv"
	"strings"

	"golang.org/x/text/unicode/norm"

	"github.com/openfroyo/linkval/pkg/compiler"
)

// Key identifies a compiled validator. Keys that differ in any component,
// including the schema content hash, never share a cache entry.
type Key struct {
	SchemaID    string `json:"schema_id"`
	SchemaHash  string `json:"schema_hash"`
	ClassName   string `json:"class_name"`
	OptionsHash string `json:"options_hash"`
}

// NewKey builds a key. The class name is NFC-normalized so visually equal
// names map to one entry.
func NewKey(schemaID, schemaHash, className string, opts compiler.Options) Key {
	return Key{
		SchemaID:    schemaID,
		SchemaHash:  schemaHash,
		ClassName:   norm.NFC.String(className),
		OptionsHash: opts.Hash(),
	}
}

// String renders the key as "len:schema@len:hash/len:class#options". Each
// variable component carries its byte length, so separators inside a
// component cannot make two keys render alike.
func (k Key) String() string {
	var b strings.Builder
	b.Grow(len(k.SchemaID) + len(k.SchemaHash) + len(k.ClassName) + len(k.OptionsHash) + 16)
	writeField(&b, k.SchemaID)
	b.WriteByte('@')
	writeField(&b, k.SchemaHash)
	b.WriteByte('/')
	writeField(&b, k.ClassName)
	b.WriteByte('#')
	b.WriteString(k.OptionsHash)
	return b.String()
}

func writeField(b *strings.Builder, s string) {
	b.WriteString(strconv.Itoa(len(s)))
	b.WriteByte(':')
	b.WriteString(s)
}

// Short renders the key with an abbreviated hash for logs.
func (k Key) Short() string {
	hash := k.SchemaHash
	if len(hash) > 12 {
		hash = hash[:12]
	}
	return k.SchemaID + "@" + hash + "/" + k.ClassName
}

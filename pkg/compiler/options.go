package compiler

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"strings"
)

// Options are compile-time feature flags. They are part of every cache key,
// so validators compiled with different options never share an entry.
type Options uint32

const (
	// CompilePatterns compiles slot patterns into regular expressions.
	CompilePatterns Options = 1 << iota

	// OptimizeRanges emits numeric min/max checks.
	OptimizeRanges

	// CheckTypes emits value type checks for primitive ranges.
	CheckTypes

	// CachePermissibleValues emits enum membership checks backed by sets.
	CachePermissibleValues

	// FailFast stops validation at the first error.
	FailFast
)

// DefaultOptions enables every check and collects all issues.
const DefaultOptions = CompilePatterns | OptimizeRanges | CheckTypes | CachePermissibleValues

var optionNames = []struct {
	flag Options
	name string
}{
	{CompilePatterns, "patterns"},
	{OptimizeRanges, "ranges"},
	{CheckTypes, "types"},
	{CachePermissibleValues, "enums"},
	{FailFast, "failfast"},
}

// Has reports whether every flag in f is set.
func (o Options) Has(f Options) bool {
	return o&f == f
}

// String lists the set flags, e.g. "patterns|ranges".
func (o Options) String() string {
	var parts []string
	for _, n := range optionNames {
		if o.Has(n.flag) {
			parts = append(parts, n.name)
		}
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, "|")
}

// ParseOptions parses a "|" or "," separated list of flag names.
func ParseOptions(s string) (Options, bool) {
	var o Options
	for _, part := range strings.FieldsFunc(s, func(r rune) bool { return r == '|' || r == ',' }) {
		part = strings.TrimSpace(part)
		if part == "none" {
			continue
		}
		found := false
		for _, n := range optionNames {
			if n.name == part {
				o |= n.flag
				found = true
				break
			}
		}
		if !found {
			return 0, false
		}
	}
	return o, true
}

// Hash returns a short stable digest of the options for use in cache keys.
func (o Options) Hash() string {
	h := sha256.New()
	h.Write([]byte("linkval/options/v1"))
	h.Write([]byte{0})
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], uint32(o))
	h.Write(buf[:])
	return hex.EncodeToString(h.Sum(nil))[:16]
}

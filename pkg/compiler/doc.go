// Package compiler turns resolved classes into executable validators.
//
// Compile walks a class's effective slots and emits a flat list of
// instructions (required, multivalued, cardinality, type, object, pattern,
// range and enum checks) controlled by Options flags. The resulting
// Validator is immutable and safe to share; its Plan serializes to JSON so
// a persistent cache tier can store it, and Unmarshal rebuilds the
// compiled regular expressions and enum sets.
package compiler

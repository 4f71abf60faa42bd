package guard

import (
	"fmt"
	"unicode/utf8"

	"github.com/openfroyo/linkval/pkg/engine"
)

// Integer is the set of built-in integer types.
type Integer interface {
	~int | ~int8 | ~int16 | ~int32 | ~int64 |
		~uint | ~uint8 | ~uint16 | ~uint32 | ~uint64 | ~uintptr
}

// Sentinels for errors.Is.
var (
	ErrArithmetic  = &engine.EngineError{Class: engine.ErrorClassPermanent, Code: engine.ErrCodeArithmetic}
	ErrOutOfBounds = &engine.EngineError{Class: engine.ErrorClassPermanent, Code: engine.ErrCodeBounds}
	ErrInvalidUTF8 = &engine.EngineError{Class: engine.ErrorClassPermanent, Code: engine.ErrCodeValidation}
)

func arithmeticError(op string, a, b any) error {
	return engine.NewPermanentError(fmt.Sprintf("integer %s overflow: %v, %v", op, a, b), nil).
		WithCode(engine.ErrCodeArithmetic).
		WithOperation(op)
}

func boundsError(msg string) error {
	return engine.NewPermanentError(msg, nil).WithCode(engine.ErrCodeBounds)
}

// CheckedAdd returns a+b or an error on overflow.
func CheckedAdd[T Integer](a, b T) (T, error) {
	c := a + b
	if (c > a) != (b > 0) {
		return 0, arithmeticError("add", a, b)
	}
	return c, nil
}

// CheckedSub returns a-b or an error on overflow.
func CheckedSub[T Integer](a, b T) (T, error) {
	c := a - b
	if (c < a) != (b > 0) {
		return 0, arithmeticError("sub", a, b)
	}
	return c, nil
}

// CheckedMul returns a*b or an error on overflow.
func CheckedMul[T Integer](a, b T) (T, error) {
	if a == 0 || b == 0 {
		return 0, nil
	}
	c := a * b
	if c/b != a || (c < 0) != ((a < 0) != (b < 0)) {
		return 0, arithmeticError("mul", a, b)
	}
	return c, nil
}

// CheckedDiv returns a/b, failing on division by zero and on the single
// signed overflow case (min / -1).
func CheckedDiv[T Integer](a, b T) (T, error) {
	if b == 0 {
		return 0, engine.NewPermanentError("integer division by zero", nil).
			WithCode(engine.ErrCodeArithmetic).
			WithOperation("div")
	}
	if b < 0 && b+1 == 0 && a < 0 && a == -a {
		return 0, arithmeticError("div", a, b)
	}
	return a / b, nil
}

// CheckedConvert converts v to To, failing when the value does not survive
// the round trip or changes sign.
func CheckedConvert[To, From Integer](v From) (To, error) {
	c := To(v)
	if From(c) != v || (c < 0) != (v < 0) {
		return 0, engine.NewPermanentError(fmt.Sprintf("integer %v out of range for conversion", v), nil).
			WithCode(engine.ErrCodeArithmetic).
			WithOperation("convert")
	}
	return c, nil
}

// SafeIndex returns s[i] or an error when i is out of range.
func SafeIndex[T any](s []T, i int) (T, error) {
	if i < 0 || i >= len(s) {
		var zero T
		return zero, boundsError(fmt.Sprintf("index %d out of range [0,%d)", i, len(s)))
	}
	return s[i], nil
}

// SafeSlice returns s[start:end] or an error when the bounds are invalid.
func SafeSlice[T any](s []T, start, end int) ([]T, error) {
	if start < 0 || end < start || end > len(s) {
		return nil, boundsError(fmt.Sprintf("slice bounds [%d:%d] out of range for length %d", start, end, len(s)))
	}
	return s[start:end], nil
}

// SliceString returns s[start:end] when both offsets are in range and fall
// on rune boundaries.
func SliceString(s string, start, end int) (string, error) {
	if start < 0 || end < start || end > len(s) {
		return "", boundsError(fmt.Sprintf("string bounds [%d:%d] out of range for length %d", start, end, len(s)))
	}
	if start < len(s) && !utf8.RuneStart(s[start]) {
		return "", boundsError(fmt.Sprintf("offset %d is not a rune boundary", start))
	}
	if end < len(s) && !utf8.RuneStart(s[end]) {
		return "", boundsError(fmt.Sprintf("offset %d is not a rune boundary", end))
	}
	return s[start:end], nil
}

// ValidUTF8 converts b to a string, failing on malformed UTF-8 with the
// offset of the first invalid byte.
func ValidUTF8(b []byte) (string, error) {
	if utf8.Valid(b) {
		return string(b), nil
	}
	offset := 0
	for offset < len(b) {
		r, size := utf8.DecodeRune(b[offset:])
		if r == utf8.RuneError && size <= 1 {
			break
		}
		offset += size
	}
	return "", engine.NewPermanentError(fmt.Sprintf("invalid UTF-8 at byte %d", offset), nil).
		WithCode(engine.ErrCodeValidation)
}

package codec

import (
	"fmt"
	"math/big"
	"strings"
)

// Sequences and offsets are u64 on the wire but travel as decimal strings
// because JavaScript cannot represent values past 2^53 exactly. Comparison
// and canonicalization therefore use arbitrary-precision integers.

// IsSyntheticSequence reports whether seq is the reserved "unordered" value.
// Synthetic frames never participate in monotonicity checks.
func IsSyntheticSequence(seq string) bool {
	return CanonicalSequence(seq) == "0"
}

// CanonicalSequence strips leading zeros so "007" and "7" compare and
// dedupe identically. The input is not validated: leading zeros are stripped
// from any string, and an all-zero string becomes "0". ValidSequence gates
// inputs at protocol boundaries.
func CanonicalSequence(seq string) string {
	trimmed := strings.TrimLeft(seq, "0")
	if trimmed == "" {
		if seq == "" {
			return ""
		}
		return "0"
	}
	return trimmed
}

// ValidSequence reports whether seq is a non-negative decimal integer
// string. The empty string and anything with a sign, dot, or exponent is
// rejected.
func ValidSequence(seq string) bool {
	if seq == "" {
		return false
	}
	for _, r := range seq {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// CompareSequences returns -1, 0, or 1 for a < b, a == b, a > b. Both
// inputs must satisfy ValidSequence; an error is returned otherwise rather
// than guessing an ordering.
func CompareSequences(a, b string) (int, error) {
	if !ValidSequence(a) {
		return 0, fmt.Errorf("invalid sequence %q", a)
	}
	if !ValidSequence(b) {
		return 0, fmt.Errorf("invalid sequence %q", b)
	}
	ia, ok := new(big.Int).SetString(CanonicalSequence(a), 10)
	if !ok {
		return 0, fmt.Errorf("invalid sequence %q", a)
	}
	ib, ok := new(big.Int).SetString(CanonicalSequence(b), 10)
	if !ok {
		return 0, fmt.Errorf("invalid sequence %q", b)
	}
	return ia.Cmp(ib), nil
}

// NextSequence returns seq + 1 as a decimal string. Used when turning a
// committed cursor into a replay start position.
func NextSequence(seq string) (string, error) {
	i, ok := new(big.Int).SetString(CanonicalSequence(seq), 10)
	if !ok {
		return "", fmt.Errorf("invalid sequence %q", seq)
	}
	return i.Add(i, big.NewInt(1)).String(), nil
}

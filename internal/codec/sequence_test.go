package codec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanonicalSequence(t *testing.T) {
	cases := map[string]string{
		"0":      "0",
		"007":    "7",
		"000":    "0",
		"1":      "1",
		"120":    "120",
		"":       "",
		"999999": "999999",
	}
	for in, want := range cases {
		assert.Equal(t, want, CanonicalSequence(in), "input %q", in)
	}
}

func TestValidSequence(t *testing.T) {
	assert.True(t, ValidSequence("0"))
	assert.True(t, ValidSequence("18446744073709551615"))
	assert.True(t, ValidSequence("99999999999999999999999"))
	assert.False(t, ValidSequence(""))
	assert.False(t, ValidSequence("-1"))
	assert.False(t, ValidSequence("1.5"))
	assert.False(t, ValidSequence("1e3"))
	assert.False(t, ValidSequence("abc"))
}

func TestCompareSequencesBeyondFloat64(t *testing.T) {
	// Values past 2^53 must still compare exactly.
	cmp, err := CompareSequences("9007199254740993", "9007199254740992")
	require.NoError(t, err)
	assert.Equal(t, 1, cmp)

	cmp, err = CompareSequences("18446744073709551615", "18446744073709551614")
	require.NoError(t, err)
	assert.Equal(t, 1, cmp)

	cmp, err = CompareSequences("007", "7")
	require.NoError(t, err)
	assert.Equal(t, 0, cmp)

	cmp, err = CompareSequences("2", "10")
	require.NoError(t, err)
	assert.Equal(t, -1, cmp)
}

func TestCompareSequencesInvalid(t *testing.T) {
	_, err := CompareSequences("x", "1")
	assert.Error(t, err)
}

func TestNextSequence(t *testing.T) {
	next, err := NextSequence("18446744073709551615")
	require.NoError(t, err)
	assert.Equal(t, "18446744073709551616", next)

	next, err = NextSequence("0")
	require.NoError(t, err)
	assert.Equal(t, "1", next)
}

func TestIsSyntheticSequence(t *testing.T) {
	assert.True(t, IsSyntheticSequence("0"))
	assert.True(t, IsSyntheticSequence("000"))
	assert.False(t, IsSyntheticSequence("1"))
}

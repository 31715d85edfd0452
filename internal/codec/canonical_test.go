package codec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanonicalJSONSortsKeys(t *testing.T) {
	a, err := CanonicalizeRaw([]byte(`{"b":2,"a":1}`))
	require.NoError(t, err)
	b, err := CanonicalizeRaw([]byte(`{"a":1,"b":2}`))
	require.NoError(t, err)
	assert.Equal(t, string(a), string(b))
	assert.Equal(t, `{"a":1,"b":2}`, string(a))
}

func TestCanonicalJSONPreservesBigIntegers(t *testing.T) {
	// 2^63-1 does not fit a float64 exactly; canonical form must keep it
	// verbatim.
	out, err := CanonicalizeRaw([]byte(`{"n":9223372036854775807}`))
	require.NoError(t, err)
	assert.Equal(t, `{"n":9223372036854775807}`, string(out))
}

func TestCanonicalJSONSemanticEquality(t *testing.T) {
	x := []byte(`{"outer":{"z":[1,2,3],"a":"s"},"k":null}`)
	y := []byte(`{"k":null,"outer":{"a":"s","z":[1,2,3]}}`)

	cx, err := CanonicalizeRaw(x)
	require.NoError(t, err)
	cy, err := CanonicalizeRaw(y)
	require.NoError(t, err)
	assert.Equal(t, cx, cy)

	z := []byte(`{"k":null,"outer":{"a":"s","z":[1,2,4]}}`)
	cz, err := CanonicalizeRaw(z)
	require.NoError(t, err)
	assert.NotEqual(t, string(cx), string(cz))
}

func TestStateHashStable(t *testing.T) {
	h1, err := StateHashRaw([]byte(`{"b":2,"a":1}`))
	require.NoError(t, err)
	h2, err := StateHashRaw([]byte(`{"a":1, "b": 2}`))
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
	assert.Len(t, h1, 64)

	h3, err := StateHashRaw([]byte(`{"a":1,"b":3}`))
	require.NoError(t, err)
	assert.NotEqual(t, h1, h3)
}

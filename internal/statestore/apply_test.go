package statestore

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApplyPatchBasics(t *testing.T) {
	base := json.RawMessage(`{"a":1,"list":[1,2,3]}`)
	patch := json.RawMessage(`[
		{"op":"replace","path":"/a","value":2},
		{"op":"add","path":"/list/1","value":99},
		{"op":"remove","path":"/list/3"}
	]`)

	next, err := ApplyPatch(base, patch)
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":2,"list":[1,99,2]}`, string(next))

	// The base document is untouched.
	assert.JSONEq(t, `{"a":1,"list":[1,2,3]}`, string(base))
}

func TestApplyPatchArrayAppend(t *testing.T) {
	next, err := ApplyPatch(
		json.RawMessage(`{"list":[1]}`),
		json.RawMessage(`[{"op":"add","path":"/list/-","value":2}]`),
	)
	require.NoError(t, err)
	assert.JSONEq(t, `{"list":[1,2]}`, string(next))
}

func TestApplyPatchRejectsPrototypePollution(t *testing.T) {
	for _, seg := range []string{"__proto__", "constructor", "prototype"} {
		patch := json.RawMessage(`[{"op":"add","path":"/` + seg + `/x","value":1}]`)
		_, err := ApplyPatch(json.RawMessage(`{}`), patch)
		assert.Error(t, err, "segment %s must be rejected", seg)
	}

	// Also in "from" of a move.
	_, err := ApplyPatch(
		json.RawMessage(`{"a":1}`),
		json.RawMessage(`[{"op":"move","from":"/__proto__","path":"/b"}]`),
	)
	assert.Error(t, err)
}

func TestApplyPatchEscapedSegments(t *testing.T) {
	// "~0" unescapes to "~": an escaped key that is not a forbidden
	// segment passes the path check and the patch applies to it.
	next, err := ApplyPatch(
		json.RawMessage(`{"a~b":1}`),
		json.RawMessage(`[{"op":"replace","path":"/a~0b","value":2}]`),
	)
	require.NoError(t, err)
	assert.JSONEq(t, `{"a~b":2}`, string(next))
}

func TestApplyPatchMissingPathFails(t *testing.T) {
	_, err := ApplyPatch(
		json.RawMessage(`{"a":1}`),
		json.RawMessage(`[{"op":"replace","path":"/missing","value":2}]`),
	)
	assert.Error(t, err)
}

func TestApplyPatchTestOp(t *testing.T) {
	_, err := ApplyPatch(
		json.RawMessage(`{"a":1}`),
		json.RawMessage(`[{"op":"test","path":"/a","value":1}]`),
	)
	assert.NoError(t, err)

	_, err = ApplyPatch(
		json.RawMessage(`{"a":1}`),
		json.RawMessage(`[{"op":"test","path":"/a","value":5}]`),
	)
	assert.Error(t, err)
}

func TestApplyPatchNotAnArray(t *testing.T) {
	_, err := ApplyPatch(json.RawMessage(`{}`), json.RawMessage(`{"op":"add"}`))
	assert.Error(t, err)
}

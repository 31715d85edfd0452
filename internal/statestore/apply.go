package statestore

import (
	"encoding/json"
	"fmt"
	"strings"

	jsonpatch "github.com/evanphx/json-patch/v5"
)

// Path segments that poison prototype chains in downstream JS consumers.
// Patches touching them are rejected outright rather than sanitized.
var forbiddenSegments = map[string]struct{}{
	"__proto__":   {},
	"constructor": {},
	"prototype":   {},
}

type patchOp struct {
	Op   string `json:"op"`
	Path string `json:"path"`
	From string `json:"from,omitempty"`
}

// validatePatchPaths scans every op's path and from for forbidden
// segments. Runs before any application work, so a poisoned patch costs
// one decode, not a clone.
func validatePatchPaths(patch []byte) error {
	var ops []patchOp
	if err := json.Unmarshal(patch, &ops); err != nil {
		return fmt.Errorf("patch is not an operation list: %w", err)
	}
	for i, op := range ops {
		for _, ptr := range []string{op.Path, op.From} {
			if ptr == "" {
				continue
			}
			for _, seg := range strings.Split(ptr, "/") {
				// Unescape JSON-Pointer tokens before checking.
				seg = strings.ReplaceAll(seg, "~1", "/")
				seg = strings.ReplaceAll(seg, "~0", "~")
				if _, bad := forbiddenSegments[seg]; bad {
					return fmt.Errorf("op %d: forbidden path segment %q", i, seg)
				}
			}
		}
	}
	return nil
}

// ApplyPatch applies an RFC-6902 patch to a state document and returns the
// new document. The base is cloned exactly once (inside the patch library's
// document decode); array semantics follow the RFC.
func ApplyPatch(base json.RawMessage, patch json.RawMessage) (json.RawMessage, error) {
	if err := validatePatchPaths(patch); err != nil {
		return nil, err
	}
	decoded, err := jsonpatch.DecodePatch(patch)
	if err != nil {
		return nil, fmt.Errorf("decode patch: %w", err)
	}
	next, err := decoded.ApplyWithOptions(base, &jsonpatch.ApplyOptions{
		SupportNegativeIndices:   false,
		EnsurePathExistsOnAdd:    false,
		AllowMissingPathOnRemove: false,
	})
	if err != nil {
		return nil, fmt.Errorf("apply patch: %w", err)
	}
	return next, nil
}

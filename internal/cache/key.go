package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// Key is the composite cache key binding a step's result to the exact
// image, arguments, and external-tool version that produced it. Including
// the tool version means upgrading the tool can never silently serve
// stale results.
type Key struct {
	ImageFingerprint string         `json:"image_fingerprint"`
	StepID           string         `json:"step_id"`
	Args             map[string]any `json:"args,omitempty"`
	ToolVersion      string         `json:"tool_version"`
}

// Digest returns the canonical content address for this key: a sha256 over
// the JSON encoding. encoding/json sorts map keys, so equal argument maps
// always canonicalize identically regardless of insertion order.
func (k Key) Digest() string {
	data, err := json.Marshal(k)
	if err != nil {
		// Key fields are plain strings and JSON-safe maps; marshal cannot
		// fail for well-formed keys. Degrade to an unmistakably unique
		// digest rather than colliding.
		data = []byte(fmt.Sprintf("%#v", k))
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// String returns a short human-readable form for logging.
func (k Key) String() string {
	d := k.Digest()
	return fmt.Sprintf("%s@%s", k.StepID, d[:12])
}

package replay

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Namespace scopes all replay keys to one (topic, cluster, group) so a
// staging forwarder can never replay a production stream's frames.
func Namespace(topic, clusterID, consumerGroup string) string {
	sum := sha256.Sum256([]byte(topic + "|" + clusterID + "|" + consumerGroup))
	return hex.EncodeToString(sum[:8])
}

const maxKeyThreadIDLen = 100

// SanitizeThreadID makes a thread ID safe for KV keys. Characters outside
// the allowlist are hex-escaped; overlong IDs collapse to a bounded hash.
// The read path also tries the raw legacy key for data written before this
// scheme existed.
func SanitizeThreadID(threadID string) string {
	if threadID == "" {
		return "_empty"
	}
	var b strings.Builder
	clean := true
	for i := 0; i < len(threadID); i++ {
		c := threadID[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9',
			c == '.', c == '-', c == '_':
			b.WriteByte(c)
		default:
			clean = false
			b.WriteByte('~')
			b.WriteString(hex.EncodeToString([]byte{c}))
		}
	}
	out := b.String()
	if len(out) > maxKeyThreadIDLen {
		sum := sha256.Sum256([]byte(threadID))
		return "h~" + hex.EncodeToString(sum[:16])
	}
	if clean && out == threadID {
		return threadID
	}
	return out
}

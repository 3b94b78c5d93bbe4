package attendance

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Fingerprint condenses whatever ambient client signals are available
// (user agent, accepted languages, viewport, timezone) into one stable
// hash string. It is an anomaly signal for reviewers, never an
// authentication factor: it must not gate redemption.
func Fingerprint(signals ...string) string {
	var nonEmpty []string
	for _, s := range signals {
		if s = strings.TrimSpace(s); s != "" {
			nonEmpty = append(nonEmpty, s)
		}
	}
	if len(nonEmpty) == 0 {
		return "fp:unknown"
	}
	sum := sha256.Sum256([]byte(strings.Join(nonEmpty, "\n")))
	return "fp:" + hex.EncodeToString(sum[:16])
}

package attendance

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// NewToken returns a fresh high-entropy session token. Two UUIDs with the
// dashes stripped gives 64 hex characters, comfortably beyond brute-force
// range for a 15-minute window.
func NewToken() string {
	return strings.ReplaceAll(uuid.NewString()+uuid.NewString(), "-", "")
}

// DeriveCode maps a session token to its 6-digit fallback code so a
// student without a camera can type a short code instead of scanning.
// The code only needs to disambiguate among sessions open at the same
// instant, so a character-sum hash is enough; exactness is re-checked
// against open sessions during redemption.
func DeriveCode(token string) string {
	var sum uint64
	for _, r := range token {
		sum += uint64(r)
		sum *= 31
	}
	return fmt.Sprintf("%06d", sum%1000000)
}

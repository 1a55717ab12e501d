package sentinel

import (
	"encoding/hex"

	"github.com/zeebo/blake3"
)

// Fingerprint derives a stable node identifier from source-native
// coordinates.
//
// The parts are joined with a NUL separator and hashed, so re-running
// discovery against an unchanged source always yields the same identifier.
// Callers pass the node label first, then the natural-key components in a
// fixed order.
func Fingerprint(parts ...string) string {
	h := blake3.New()
	for i, p := range parts {
		if i != 0 {
			h.Write([]byte{0x00})
		}
		h.Write([]byte(p))
	}
	sum := h.Sum(nil)
	return hex.EncodeToString(sum[:16])
}

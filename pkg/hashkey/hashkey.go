// Package hashkey derives the opaque keys used for uploaded-file storage
// paths and pull secrets.
package hashkey

import (
	"crypto/md5" //nolint:gosec // Keys are opaque identifiers, not security material.
	"encoding/hex"
)

// Make returns the hex MD5 digest of seed.
func Make(seed string) string {
	sum := md5.Sum([]byte(seed)) //nolint:gosec
	return hex.EncodeToString(sum[:])
}

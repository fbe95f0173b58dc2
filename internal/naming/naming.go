// Package naming derives globally-unique control-plane resource names.
// Allocation never fails; uniqueness is enforced downstream by the control
// plane rejecting duplicate names.
package naming

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

// ForID derives a name from a reserved sequence id. Given the same id it
// always returns the same name, which is what makes a retried provisioning
// attempt reuse its remote resources instead of leaking new ones.
func ForID(prefix string, id uint64) string {
	return fmt.Sprintf("%s-%d", prefix, id)
}

// Random derives a name from 4 random bytes, for resources whose names must
// not be enumerable.
func Random(prefix string) string {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		// crypto/rand only fails when the platform entropy source is broken;
		// there is no useful recovery at this call depth.
		panic(fmt.Sprintf("naming: read random bytes: %v", err))
	}
	return fmt.Sprintf("%s-%s", prefix, hex.EncodeToString(b[:]))
}

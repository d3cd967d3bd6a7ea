// Package fingerprint produces stable content hashes for canonical
// query strings and query paths.
package fingerprint

import (
	"fmt"

	"github.com/cespare/xxhash/v2"
)

// Hash returns the fingerprint of a canonical request string: 32 hex
// characters from two independent xxhash64 passes. The result is
// deterministic across process restarts.
func Hash(request string) string {
	lo := xxhash.Sum64String(request)
	hi := xxhash.Sum64String("\x00" + request)
	return fmt.Sprintf("%016x%016x", hi, lo)
}

// HashPath returns the 16-hex-character hash of a query path. The path
// carries serialized field arguments in its segments, so it uniquely
// identifies the minimal query addressing the value at that path.
func HashPath(path string) string {
	return fmt.Sprintf("%016x", xxhash.Sum64String(path))
}

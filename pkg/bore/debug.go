package bore

import (
	"os"
)

// DebugEnabled controls whether or not verbose debug logging is enabled. It
// is set automatically based on the BORE_DEBUG environment variable.
var DebugEnabled bool

func init() {
	// Check whether or not debugging should be enabled.
	DebugEnabled = os.Getenv("BORE_DEBUG") == "1"
}

package large

import (
	"fmt"
	"os"
)

// Debug flag - set to true to enable verbose logging (compile-time toggle).
const debugAlloc = false

// Runtime debug flag for allocation logging - controlled by KMEM_LOG_ALLOC env var.
var logAlloc = os.Getenv("KMEM_LOG_ALLOC") != ""

func tracef(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "[LARGE] "+format+"\n", args...)
}

func debugLogf(format string, args ...any) {
	if debugAlloc {
		fmt.Fprintf(os.Stderr, "[LARGE] "+format+"\n", args...)
	}
}

package native

import (
	"fmt"
	"os"
)

// Runtime debug flag for allocation logging - controlled by KMEM_LOG_ALLOC env var.
var logAlloc = os.Getenv("KMEM_LOG_ALLOC") != ""

func tracef(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "[NATIVE] "+format+"\n", args...)
}

package page

import (
	"fmt"
	"os"
)

// Runtime trace flag for page leases - controlled by KMEM_LOG_ALLOC env var.
var logPages = os.Getenv("KMEM_LOG_ALLOC") != ""

func tracef(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "[PAGE] "+format+"\n", args...)
}

package gc

import (
	"fmt"
	"os"
)

// Runtime trace flag for collections - controlled by KMEM_LOG_ALLOC env var.
var logGC = os.Getenv("KMEM_LOG_ALLOC") != ""

func tracef(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "[GC] "+format+"\n", args...)
}

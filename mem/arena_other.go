//go:build !linux && !darwin

package mem

// mapArena falls back to a Go byte slice on platforms without the unix mmap path.
func mapArena(size int) ([]byte, bool, error) {
	return make([]byte, size), false, nil
}

func unmapArena(_ []byte, _ bool) error { return nil }

func discardPages(b []byte, _ bool) {
	clear(b)
}

//go:build linux || darwin

package mem

import "golang.org/x/sys/unix"

// mapArena reserves an anonymous private mapping. Fresh anonymous pages read
// as zero, which is the state the page allocator expects for Empty pages.
func mapArena(size int) ([]byte, bool, error) {
	data, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

func unmapArena(data []byte, mapped bool) error {
	if !mapped {
		return nil
	}
	return unix.Munmap(data)
}

// discardPages drops the physical backing of released pages. Failure only
// means the host keeps the pages resident, so the error is ignored.
func discardPages(b []byte, mapped bool) {
	if !mapped {
		clear(b)
		return
	}
	_ = unix.Madvise(b, unix.MADV_DONTNEED)
}

package vmm

// Mapper is the OS facade the VMM allocates through. The production
// implementation is internal/osmem over anonymous mmap; tests substitute a
// deterministic fake. All sizes are byte counts in whole pages.
type Mapper interface {
	// Map obtains an anonymous region, optionally near hint (non-binding;
	// hint 0 means anywhere). The caller compares the result against the
	// hint itself.
	Map(hint, size uintptr) (uintptr, error)

	// Unmap returns a region obtained via Map.
	Unmap(addr, size uintptr) error

	// Protect toggles a region between read-write and no-access.
	Protect(addr, size uintptr, writable bool) error

	// Advise marks a region's contents as disposable (advisory).
	Advise(addr, size uintptr) error

	// Zero clears a region's contents.
	Zero(addr, size uintptr) error

	// PageSize reports the mapping granularity.
	PageSize() uintptr
}

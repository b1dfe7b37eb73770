// Package vmm is the page-granularity virtual memory manager: the
// lowest-level allocator in the system, responsible for obtaining,
// tracking, recycling, and releasing address-space regions in page-size
// units. Higher-level allocators are built on top of it; this layer never
// calls back into them.
//
// # Structure
//
// The VMM keeps two independent data structures mutually consistent:
//
//   - the region map (vmm/region): a sorted interval map of every range
//     the process has obtained - owned, mapped-on-behalf, or foreign;
//   - the page cache (vmm/pagecache): tiered recycling lines holding
//     freed regions that have not yet been returned to the OS. Cached
//     regions live in gaps of the region map; they re-enter it on reuse.
//
// Alloc consults the cache first, then falls back to the OS mapping
// facility with a placement hint derived from the region map's lowest
// unused gap. A hint the kernel does not honor is reconciled: the mapping
// is recorded where it actually landed, overlapping foreign fragments are
// overruled, and the hint address is probed with a single-page mapping to
// tell a genuinely occupied range (marked foreign) from a transient miss
// (left untouched).
//
// # Lock ordering
//
// Page cache line locks order by ascending line index; the region map
// lock and the accounting lock are only ever taken with no line lock
// held. The cache hands evicted regions to a release callback after
// dropping its locks, so the unmap path may take the region map lock
// safely.
//
// # Errors
//
// Recoverable conditions (ignored hints, full cache lines, reload races)
// are handled silently. Contract violations and address-space exhaustion
// panic with diagnostics: this layer's callers have no meaningful recovery
// action, and a corrupted model would make every later decision unsafe.
package vmm

// Package region maintains the sorted interval map of every address range
// the process has obtained: which ranges we own, which we mapped on behalf
// of callers, and which are foreign (placed by something else, e.g. shared
// libraries).
//
// # Data model
//
// The map is a single sorted array of Fragments. Each Fragment is one
// maximal contiguous run of one kind. Two invariants hold at all times:
//
//   - Fragments are sorted by start address, and for every adjacent pair
//     End(i) <= Start(i+1).
//   - End(i) == Start(i+1) implies the two fragments have different kinds;
//     adjacent same-kind fragments are always coalesced into one.
//
// Violating either invariant means the map no longer describes the address
// space, which makes every later placement decision unsafe. Mutations that
// would break an invariant therefore panic with a full map dump rather than
// return an error - callers have no recovery action available.
//
// # Growth
//
// The backing array is pre-reserved generously at construction and only
// ever grows. Growth is guarded by a reentrancy flag, not a lock: the
// hazard is a single goroutine re-entering extend while already extending,
// not concurrent growth (the map mutex already serializes that).
//
// # Reload
//
// Reload would rebuild the map from the kernel's authoritative view of the
// address space. The flag protocol (loading/resized, deferred insertions,
// retry on mid-load growth) is implemented, but the load itself reports
// ErrReloadUnsupported; reconciliation semantics against live insertions
// remain unresolved upstream.
package region

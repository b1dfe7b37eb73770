package region

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/joshuapare/pagekit/pkg/types"
)

// Debug flag - set to true to re-verify invariants after every mutation
// (compile-time toggle).
const debugRegion = false

// bootstrapCap is the initial fragment capacity. Sized so that ordinary
// workloads never trigger extend at all; a process tracking more than a
// thousand distinct ranges is already deep into fragmentation territory.
const bootstrapCap = 1024

// Kind classifies a tracked address range.
type Kind uint8

const (
	// KindOwned is a range obtained by the allocator for its callers.
	KindOwned Kind = iota + 1
	// KindMapped is a raw mapping registered on behalf of outside code.
	KindMapped
	// KindForeign is a range something else occupies; we never touch it,
	// we only remember not to place allocations there.
	KindForeign
)

// Valid reports whether k is a recognized fragment kind. Checked once at
// the public API boundary; internal code trusts the discriminant.
func (k Kind) Valid() bool {
	return k >= KindOwned && k <= KindForeign
}

func (k Kind) String() string {
	switch k {
	case KindOwned:
		return "owned"
	case KindMapped:
		return "mapped"
	case KindForeign:
		return "foreign"
	default:
		return "invalid"
	}
}

// Fragment is one maximal contiguous range of one kind. End is exclusive.
type Fragment struct {
	Start   uintptr
	End     uintptr
	Kind    Kind
	Touched int64 // unix nanos of last insert/coalesce affecting this fragment
}

// Bytes returns the fragment length.
func (f Fragment) Bytes() uintptr {
	return f.End - f.Start
}

// Contains reports whether addr falls inside the fragment.
func (f Fragment) Contains(addr uintptr) bool {
	return addr >= f.Start && addr < f.End
}

// Map is the per-address-space interval map. All exported methods are safe
// for concurrent use; the map holds a single mutex distinct from any cache
// line lock (see the vmm package for the lock ordering contract).
type Map struct {
	mu    sync.Mutex
	frags []Fragment
	dir   types.Direction

	// gen is bumped whenever the map is wholly reloaded from the kernel's
	// authoritative view.
	gen uint64

	// Reload protocol flags. loading defers insertions arriving while a
	// reload rebuilds the array; extending guards against recursive
	// self-growth; resized tells an in-flight reload the array changed
	// under it and the reload must retry.
	loading   bool
	extending bool
	resized   bool

	// Insertions deferred while a reload is in progress.
	deferred []Fragment

	coalesces uint64
}

// New returns an empty map filling in the given direction.
func New(dir types.Direction) *Map {
	return &Map{
		frags: make([]Fragment, 0, bootstrapCap),
		dir:   dir,
	}
}

// Len returns the number of fragments.
func (m *Map) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.frags)
}

// Generation returns the reload generation counter.
func (m *Map) Generation() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.gen
}

// Coalesces returns the number of coalescing events performed.
func (m *Map) Coalesces() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.coalesces
}

// Fragments returns a snapshot copy of the fragment array.
func (m *Map) Fragments() []Fragment {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Fragment, len(m.frags))
	copy(out, m.frags)
	return out
}

// Lookup finds the fragment containing addr. On a miss it returns the
// index at which a fragment starting at addr would be inserted.
func (m *Map) Lookup(addr uintptr) (Fragment, int, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	idx, found := m.search(addr)
	if !found {
		return Fragment{}, idx, false
	}
	return m.frags[idx], idx, true
}

// search locates the fragment containing addr. Returns (index, true) on a
// hit, or (insertion index, false) on a miss. Caller holds mu.
func (m *Map) search(addr uintptr) (int, bool) {
	// First fragment ending beyond addr is the only candidate.
	i := sort.Search(len(m.frags), func(i int) bool {
		return m.frags[i].End > addr
	})
	if i < len(m.frags) && m.frags[i].Start <= addr {
		return i, true
	}
	return i, false
}

// Insert records a new range of the given kind, coalescing with
// boundary-sharing neighbors of the same kind. Overlap with any existing
// fragment is a contract violation: the caller claimed a range the map
// says is already taken.
func (m *Map) Insert(start, size uintptr, kind Kind) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if size == 0 || !kind.Valid() {
		m.throwf("insert: bad arguments start=%#x size=%d kind=%d", start, size, kind)
	}
	if m.loading {
		// A reload is rebuilding the array; apply once it settles.
		m.deferred = append(m.deferred, Fragment{Start: start, End: start + size, Kind: kind})
		return
	}
	m.insert(start, start+size, kind)
	if debugRegion {
		m.verify()
	}
}

// insert is the unlocked insertion/coalescing path. Caller holds mu.
func (m *Map) insert(start, end uintptr, kind Kind) {
	now := time.Now().UnixNano()

	// First fragment that could overlap or follow the new range.
	i := sort.Search(len(m.frags), func(i int) bool {
		return m.frags[i].End > start
	})
	if i < len(m.frags) && m.frags[i].Start < end {
		m.throwf("insert: [%#x,%#x) %s overlaps [%#x,%#x) %s",
			start, end, kind, m.frags[i].Start, m.frags[i].End, m.frags[i].Kind)
	}

	joinPrev := i > 0 && m.frags[i-1].End == start && m.frags[i-1].Kind == kind
	joinNext := i < len(m.frags) && m.frags[i].Start == end && m.frags[i].Kind == kind

	switch {
	case joinPrev && joinNext:
		// Bridges two fragments: widen the predecessor, drop the successor.
		m.frags[i-1].End = m.frags[i].End
		m.frags[i-1].Touched = now
		m.frags = append(m.frags[:i], m.frags[i+1:]...)
		m.coalesces += 2
	case joinPrev:
		m.frags[i-1].End = end
		m.frags[i-1].Touched = now
		m.coalesces++
	case joinNext:
		m.frags[i].Start = start
		m.frags[i].Touched = now
		m.coalesces++
	default:
		if len(m.frags) == cap(m.frags) {
			m.extend()
		}
		m.frags = append(m.frags, Fragment{})
		copy(m.frags[i+1:], m.frags[i:])
		m.frags[i] = Fragment{Start: start, End: end, Kind: kind, Touched: now}
	}
}

// Remove deletes the given range, which must be fully covered by a single
// fragment of the given kind. Removing a strict middle subrange truncates
// the fragment and re-inserts the trailing remainder so no information
// about the tail is lost.
func (m *Map) Remove(start, size uintptr, kind Kind) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if size == 0 || !kind.Valid() {
		m.throwf("remove: bad arguments start=%#x size=%d kind=%d", start, size, kind)
	}

	end := start + size
	i, found := m.search(start)
	if !found {
		m.throwf("remove: [%#x,%#x) not tracked", start, end)
	}
	f := &m.frags[i]
	if f.Kind != kind {
		m.throwf("remove: [%#x,%#x) expected %s, found %s", start, end, kind, f.Kind)
	}
	if f.End < end {
		m.throwf("remove: [%#x,%#x) exceeds fragment [%#x,%#x)", start, end, f.Start, f.End)
	}

	switch {
	case f.Start == start && f.End == end:
		m.frags = append(m.frags[:i], m.frags[i+1:]...)
	case f.Start == start:
		f.Start = end
	case f.End == end:
		f.End = start
	default:
		// Middle cut: truncate the head, re-insert the tail.
		tailEnd := f.End
		f.End = start
		m.insert(end, tailEnd, kind)
	}
	if debugRegion {
		m.verify()
	}
}

// Overrule forcibly removes or truncates Foreign fragments overlapping the
// given range. Called when the kernel has placed a new mapping somewhere we
// presumed occupied, i.e. our model of a foreign range was wrong. It never
// overrules an Owned or Mapped fragment; that would mean the kernel handed
// out a range we genuinely hold, which is a fatal double-allocation.
func (m *Map) Overrule(start, size uintptr) {
	if size == 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.overrule(start, start+size)
	if debugRegion {
		m.verify()
	}
}

// overrule is the unlocked foreign-displacement path. Caller holds mu.
func (m *Map) overrule(start, end uintptr) {
	i := sort.Search(len(m.frags), func(i int) bool {
		return m.frags[i].End > start
	})
	for i < len(m.frags) && m.frags[i].Start < end {
		f := &m.frags[i]
		if f.Kind != KindForeign {
			m.throwf("overrule: [%#x,%#x) would clobber %s fragment [%#x,%#x)",
				start, end, f.Kind, f.Start, f.End)
		}
		switch {
		case f.Start < start && f.End > end:
			// Overruled range is interior: split the foreign fragment.
			tailEnd := f.End
			f.End = start
			m.insert(end, tailEnd, KindForeign)
			i = len(m.frags) // done, nothing further can overlap
		case f.Start < start:
			f.End = start
			i++
		case f.End > end:
			f.Start = end
			i++
		default:
			m.frags = append(m.frags[:i], m.frags[i+1:]...)
		}
	}
}

// Claim records a new range of the given kind, first displacing any
// foreign fragments overlapping it. Displacement and insertion run under a
// single lock acquisition: a concurrent hint probe cannot mark the range
// foreign in between, which would turn a recoverable stale probe record
// into a fatal insert overlap.
func (m *Map) Claim(start, size uintptr, kind Kind) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if size == 0 || !kind.Valid() {
		m.throwf("claim: bad arguments start=%#x size=%d kind=%d", start, size, kind)
	}
	if m.loading {
		m.deferred = append(m.deferred, Fragment{Start: start, End: start + size, Kind: kind})
		return
	}
	m.overrule(start, start+size)
	m.insert(start, start+size, kind)
	if debugRegion {
		m.verify()
	}
}

// MarkForeign records a range as foreign if the map has nothing there yet.
// Used by the hint-probe path: the probe proves something occupies the
// range, but between the probe and this call another goroutine may have
// claimed it for a legitimate allocation, so an overlap is a no-op rather
// than a violation.
func (m *Map) MarkForeign(start, size uintptr) bool {
	if size == 0 {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	end := start + size
	i := sort.Search(len(m.frags), func(i int) bool {
		return m.frags[i].End > start
	})
	if i < len(m.frags) && m.frags[i].Start < end {
		return false
	}
	m.insert(start, end, KindForeign)
	if debugRegion {
		m.verify()
	}
	return true
}

// extend doubles the backing array's capacity. Guarded by the extending
// flag: a recursive re-entry (growth triggered while already growing)
// observes the flag and returns, at which point the outer call has already
// secured enough room. Caller holds mu.
func (m *Map) extend() {
	if m.extending {
		return
	}
	m.extending = true
	grown := make([]Fragment, len(m.frags), 2*cap(m.frags))
	copy(grown, m.frags)
	m.frags = grown
	if m.loading {
		// Tell the in-flight reload the array moved under it.
		m.resized = true
	}
	m.extending = false
}

// Pages returns the total page count of fragments of the given kind.
func (m *Map) Pages(kind Kind, pageSize uintptr) uintptr {
	m.mu.Lock()
	defer m.mu.Unlock()
	var total uintptr
	for _, f := range m.frags {
		if f.Kind == kind {
			total += f.Bytes() / pageSize
		}
	}
	return total
}

// LowestGap returns the start of the unused gap nearest the fill origin
// that can hold size bytes, for use as a placement hint. Returns 0 when
// the map is empty (let the kernel choose).
func (m *Map) LowestGap(size uintptr) uintptr {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.frags) == 0 {
		return 0
	}
	if m.dir == types.GrowsDown {
		// Fill origin is the high end: walk gaps downward. The hint is the
		// base at which a downward-growing mapping of this size would land.
		for i := len(m.frags) - 1; i > 0; i-- {
			if m.frags[i].Start-m.frags[i-1].End >= size {
				return m.frags[i].Start - size
			}
		}
		if m.frags[0].Start < size {
			// No room below the lowest fragment: let the kernel choose.
			return 0
		}
		return m.frags[0].Start - size
	}
	for i := 0; i+1 < len(m.frags); i++ {
		if m.frags[i+1].Start-m.frags[i].End >= size {
			return m.frags[i].End
		}
	}
	return m.frags[len(m.frags)-1].End
}

// CheckInvariants re-validates sortedness, non-overlap, and coalescing
// closure. Returns nil when the map is consistent. Mutations already throw
// on violations as they happen; this is the independent audit used by
// tests and the debug toggle.
func (m *Map) CheckInvariants() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.check()
}

func (m *Map) check() error {
	for i, f := range m.frags {
		if f.End <= f.Start {
			return fmt.Errorf("region: fragment %d [%#x,%#x) is empty or inverted", i, f.Start, f.End)
		}
		if !f.Kind.Valid() {
			return fmt.Errorf("region: fragment %d has invalid kind %d", i, f.Kind)
		}
		if i == 0 {
			continue
		}
		prev := m.frags[i-1]
		if prev.End > f.Start {
			return fmt.Errorf("region: fragments %d and %d overlap: [%#x,%#x) vs [%#x,%#x)",
				i-1, i, prev.Start, prev.End, f.Start, f.End)
		}
		if prev.End == f.Start && prev.Kind == f.Kind {
			return fmt.Errorf("region: fragments %d and %d are adjacent same-kind (%s) and uncoalesced",
				i-1, i, f.Kind)
		}
	}
	return nil
}

// verify throws on any invariant violation. Caller holds mu.
func (m *Map) verify() {
	if err := m.check(); err != nil {
		m.throwf("%v", err)
	}
}

// Dump writes a human-readable listing of every fragment.
func (m *Map) Dump(w io.Writer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fmt.Fprintf(w, "region map: %d fragments, gen %d, dir %s\n", len(m.frags), m.gen, m.dir)
	for i, f := range m.frags {
		fmt.Fprintf(w, "  [%3d] %#012x - %#012x  %8d bytes  %-7s touched %s\n",
			i, f.Start, f.End, f.Bytes(), f.Kind,
			time.Unix(0, f.Touched).Format(time.RFC3339))
	}
}

// throwf panics with diagnostics. Contract violations are never returned
// as errors: a corrupted map makes every subsequent allocation decision
// unsafe, and callers have no recovery action either.
func (m *Map) throwf(format string, args ...any) {
	var sb strings.Builder
	fmt.Fprintf(&sb, "region: "+format+"\n", args...)
	fmt.Fprintf(&sb, "region map: %d fragments, gen %d\n", len(m.frags), m.gen)
	for i, f := range m.frags {
		fmt.Fprintf(&sb, "  [%3d] %#012x - %#012x  %-7s\n", i, f.Start, f.End, f.Kind)
	}
	panic(sb.String())
}

package region

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/joshuapare/pagekit/pkg/types"
)

const page = uintptr(4096)

// Test_SortedNonOverlap verifies the core invariant: fragments stay sorted
// with End(i) <= Start(i+1) regardless of insertion order.
func Test_SortedNonOverlap(t *testing.T) {
	m := New(types.GrowsUp)

	m.Insert(0x30000, page, KindOwned)
	m.Insert(0x10000, page, KindOwned)
	m.Insert(0x20000, page, KindForeign)

	require.NoError(t, m.CheckInvariants())
	frags := m.Fragments()
	require.Len(t, frags, 3)
	require.Equal(t, uintptr(0x10000), frags[0].Start)
	require.Equal(t, uintptr(0x20000), frags[1].Start)
	require.Equal(t, uintptr(0x30000), frags[2].Start)
}

// Test_CoalescingClosure verifies that inserting a fragment adjacent to an
// existing same-kind fragment yields exactly one fragment spanning the
// union, never two.
func Test_CoalescingClosure(t *testing.T) {
	m := New(types.GrowsUp)

	m.Insert(0x10000, page, KindOwned)
	m.Insert(0x10000+page, page, KindOwned)

	frags := m.Fragments()
	require.Len(t, frags, 1)
	require.Equal(t, uintptr(0x10000), frags[0].Start)
	require.Equal(t, uintptr(0x10000)+2*page, frags[0].End)

	// Predecessor side.
	m.Insert(0x10000-page, page, KindOwned)
	frags = m.Fragments()
	require.Len(t, frags, 1)
	require.Equal(t, uintptr(0x10000)-page, frags[0].Start)

	require.NoError(t, m.CheckInvariants())
}

// Test_BridgeCoalesce verifies that filling the hole between two same-kind
// fragments compacts all three into one array entry.
func Test_BridgeCoalesce(t *testing.T) {
	m := New(types.GrowsUp)

	m.Insert(0x10000, page, KindOwned)
	m.Insert(0x10000+2*page, page, KindOwned)
	require.Equal(t, 2, m.Len())

	m.Insert(0x10000+page, page, KindOwned)
	frags := m.Fragments()
	require.Len(t, frags, 1)
	require.Equal(t, uintptr(0x10000), frags[0].Start)
	require.Equal(t, uintptr(0x10000)+3*page, frags[0].End)
}

// Test_DifferentKindsStaySeparate verifies that boundary-sharing fragments
// of different kinds are never merged.
func Test_DifferentKindsStaySeparate(t *testing.T) {
	m := New(types.GrowsUp)

	m.Insert(0x10000, page, KindOwned)
	m.Insert(0x10000+page, page, KindForeign)

	require.Equal(t, 2, m.Len())
	require.NoError(t, m.CheckInvariants())
}

// Test_InsertOverlapIsFatal verifies that claiming an already-tracked
// range panics instead of corrupting the map.
func Test_InsertOverlapIsFatal(t *testing.T) {
	m := New(types.GrowsUp)
	m.Insert(0x10000, 2*page, KindOwned)

	require.Panics(t, func() {
		m.Insert(0x10000+page, page, KindForeign)
	})
}

func Test_Lookup(t *testing.T) {
	m := New(types.GrowsUp)
	m.Insert(0x10000, 2*page, KindOwned)
	m.Insert(0x40000, page, KindMapped)

	f, _, ok := m.Lookup(0x10000 + page)
	require.True(t, ok)
	require.Equal(t, KindOwned, f.Kind)

	// Miss between the fragments reports the insertion index.
	_, idx, ok := m.Lookup(0x30000)
	require.False(t, ok)
	require.Equal(t, 1, idx)

	// Miss past the end.
	_, idx, ok = m.Lookup(0x50000)
	require.False(t, ok)
	require.Equal(t, 2, idx)
}

func Test_RemoveExact(t *testing.T) {
	m := New(types.GrowsUp)
	m.Insert(0x10000, 2*page, KindOwned)
	m.Remove(0x10000, 2*page, KindOwned)
	require.Equal(t, 0, m.Len())
}

func Test_RemoveLeading(t *testing.T) {
	m := New(types.GrowsUp)
	m.Insert(0x10000, 3*page, KindOwned)
	m.Remove(0x10000, page, KindOwned)

	frags := m.Fragments()
	require.Len(t, frags, 1)
	require.Equal(t, uintptr(0x10000)+page, frags[0].Start)
	require.Equal(t, uintptr(0x10000)+3*page, frags[0].End)
}

func Test_RemoveTrailing(t *testing.T) {
	m := New(types.GrowsUp)
	m.Insert(0x10000, 3*page, KindOwned)
	m.Remove(0x10000+2*page, page, KindOwned)

	frags := m.Fragments()
	require.Len(t, frags, 1)
	require.Equal(t, uintptr(0x10000), frags[0].Start)
	require.Equal(t, uintptr(0x10000)+2*page, frags[0].End)
}

// Test_RemoveMiddleSplits verifies that cutting a strict subrange out of
// the middle keeps the trailing remainder as its own fragment.
func Test_RemoveMiddleSplits(t *testing.T) {
	m := New(types.GrowsUp)
	m.Insert(0x10000, 4*page, KindOwned)
	m.Remove(0x10000+page, page, KindOwned)

	frags := m.Fragments()
	require.Len(t, frags, 2)
	require.Equal(t, uintptr(0x10000), frags[0].Start)
	require.Equal(t, uintptr(0x10000)+page, frags[0].End)
	require.Equal(t, uintptr(0x10000)+2*page, frags[1].Start)
	require.Equal(t, uintptr(0x10000)+4*page, frags[1].End)
	require.Equal(t, KindOwned, frags[1].Kind)
	require.NoError(t, m.CheckInvariants())
}

func Test_RemoveViolationsAreFatal(t *testing.T) {
	m := New(types.GrowsUp)
	m.Insert(0x10000, page, KindOwned)

	// Untracked address.
	require.Panics(t, func() { m.Remove(0x90000, page, KindOwned) })
	// Kind mismatch.
	require.Panics(t, func() { m.Remove(0x10000, page, KindMapped) })
	// Range exceeding the fragment.
	require.Panics(t, func() { m.Remove(0x10000, 2*page, KindOwned) })
}

// Test_Overrule verifies that foreign fragments are removed, truncated, or
// split to match OS reality, and that owned fragments are never touched.
func Test_Overrule(t *testing.T) {
	m := New(types.GrowsUp)
	m.Insert(0x10000, 4*page, KindForeign)

	// Interior overrule splits the foreign fragment.
	m.Overrule(0x10000+page, page)
	frags := m.Fragments()
	require.Len(t, frags, 2)
	require.Equal(t, KindForeign, frags[0].Kind)
	require.Equal(t, KindForeign, frags[1].Kind)
	require.Equal(t, uintptr(0x10000)+page, frags[0].End)
	require.Equal(t, uintptr(0x10000)+2*page, frags[1].Start)

	// Overrule spanning the rest removes both remainders.
	m.Overrule(0x10000, 4*page)
	require.Equal(t, 0, m.Len())

	// Overruling an owned fragment is a genuine double-allocation: fatal.
	m.Insert(0x20000, page, KindOwned)
	require.Panics(t, func() { m.Overrule(0x20000, page) })
}

// Test_Claim verifies that claiming a range displaces overlapping foreign
// fragments and records the new fragment in one step, so a foreign mark
// racing in just before the claim is recoverable rather than fatal.
func Test_Claim(t *testing.T) {
	m := New(types.GrowsUp)

	// A probe marked the range foreign; a claim of the same range must
	// displace the mark, not trip the overlap check.
	require.True(t, m.MarkForeign(0x10000, page))
	m.Claim(0x10000, 2*page, KindOwned)

	frags := m.Fragments()
	require.Len(t, frags, 1)
	require.Equal(t, KindOwned, frags[0].Kind)
	require.Equal(t, uintptr(0x10000), frags[0].Start)
	require.Equal(t, uintptr(0x10000)+2*page, frags[0].End)
	require.NoError(t, m.CheckInvariants())

	// Claiming over owned memory is still a genuine double-allocation.
	require.Panics(t, func() { m.Claim(0x10000, page, KindMapped) })
	require.Panics(t, func() { m.Claim(0x50000, 0, KindOwned) })
}

func Test_MarkForeign(t *testing.T) {
	m := New(types.GrowsUp)

	require.True(t, m.MarkForeign(0x10000, page))
	f, _, ok := m.Lookup(0x10000)
	require.True(t, ok)
	require.Equal(t, KindForeign, f.Kind)

	// Racing claim already there: no-op, no violation.
	m.Insert(0x20000, page, KindOwned)
	require.False(t, m.MarkForeign(0x20000, page))
	f, _, ok = m.Lookup(0x20000)
	require.True(t, ok)
	require.Equal(t, KindOwned, f.Kind)
}

func Test_LowestGapUp(t *testing.T) {
	m := New(types.GrowsUp)
	require.Equal(t, uintptr(0), m.LowestGap(page))

	m.Insert(0x10000, page, KindOwned)
	m.Insert(0x10000+3*page, page, KindOwned)

	// Interior two-page gap fits one page.
	require.Equal(t, uintptr(0x10000)+page, m.LowestGap(page))
	require.Equal(t, uintptr(0x10000)+page, m.LowestGap(2*page))
	// Too big for the interior gap: falls through to the tail.
	require.Equal(t, uintptr(0x10000)+4*page, m.LowestGap(3*page))
}

func Test_LowestGapDown(t *testing.T) {
	m := New(types.GrowsDown)
	m.Insert(0x10000, page, KindOwned)
	m.Insert(0x10000+3*page, page, KindOwned)

	// Fill origin is the high end; the hint is where a mapping of that
	// size would land inside the gap nearest the origin.
	require.Equal(t, uintptr(0x10000)+2*page, m.LowestGap(page))
	require.Equal(t, uintptr(0x10000)+page, m.LowestGap(2*page))
	// Tail gap (below the lowest fragment).
	require.Equal(t, uintptr(0x10000)-3*page, m.LowestGap(3*page))

	// No room below the lowest fragment: the hint must not wrap around.
	low := New(types.GrowsDown)
	low.Insert(2*page, page, KindOwned)
	require.Equal(t, uintptr(0), low.LowestGap(3*page))
}

// Test_ExtendGrowth pushes past the bootstrap capacity and verifies the
// array grows without losing order.
func Test_ExtendGrowth(t *testing.T) {
	m := New(types.GrowsUp)

	// Leave a hole between fragments so nothing coalesces.
	base := uintptr(0x100000)
	n := bootstrapCap + 100
	for i := 0; i < n; i++ {
		m.Insert(base+uintptr(i)*2*page, page, KindOwned)
	}
	require.Equal(t, n, m.Len())
	require.NoError(t, m.CheckInvariants())
}

func Test_PagesByKind(t *testing.T) {
	m := New(types.GrowsUp)
	m.Insert(0x10000, 3*page, KindOwned)
	m.Insert(0x20000, 2*page, KindMapped)
	m.Insert(0x30000, page, KindOwned)

	require.Equal(t, uintptr(4), m.Pages(KindOwned, page))
	require.Equal(t, uintptr(2), m.Pages(KindMapped, page))
	require.Equal(t, uintptr(0), m.Pages(KindForeign, page))
}

func Test_ReloadUnsupported(t *testing.T) {
	m := New(types.GrowsUp)
	m.Insert(0x10000, page, KindOwned)

	err := m.Reload()
	require.ErrorIs(t, err, ErrReloadUnsupported)
	// A failed reload must leave the map intact and the generation alone.
	require.Equal(t, uint64(0), m.Generation())
	require.Equal(t, 1, m.Len())
	require.NoError(t, m.CheckInvariants())
}

func Test_DumpListsFragments(t *testing.T) {
	m := New(types.GrowsUp)
	m.Insert(0x10000, page, KindOwned)
	m.Insert(0x30000, page, KindForeign)

	var sb strings.Builder
	m.Dump(&sb)
	out := sb.String()
	require.Contains(t, out, "2 fragments")
	require.Contains(t, out, "owned")
	require.Contains(t, out, "foreign")
}

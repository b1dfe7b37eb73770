package pagecache

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/joshuapare/pagekit/pkg/types"
)

const (
	// MaxPages is the catch-all line: regions of MaxPages pages or more
	// land there and are never promoted further.
	MaxPages = 16

	// defaultLineCap bounds the number of entries per line.
	defaultLineCap = 32

	defaultSoftTTL = 2 * time.Second
	defaultHardTTL = 10 * time.Second
)

// Config tunes a Cache. The zero value of any field falls back to the
// package default.
type Config struct {
	PageSize  uintptr
	Direction types.Direction

	// LineCapacity bounds each line's entry array.
	LineCapacity int

	// SoftTTL is the age past which an isolated entry (no address-
	// contiguous cached neighbor) is expired. HardTTL is the age past
	// which any entry is expired; contiguous entries get until HardTTL to
	// finish coalescing before being broken apart.
	SoftTTL time.Duration
	HardTTL time.Duration

	// Release receives every region leaving the cache other than by
	// reuse: capacity evictions, expiry, and Flush. It is always invoked
	// with no line lock held. Required.
	Release func(base, bytes uintptr)

	// Now is the clock; overridable for tests.
	Now func() time.Time
}

// Counters are the cache's free-running statistics. Loaded atomically;
// the snapshot is not a consistent cut across fields.
type Counters struct {
	Inserts     uint64
	Finds       uint64
	Hits        uint64
	Coalesces   uint64
	Promotions  uint64
	Splits      uint64
	Evictions   uint64
	Expirations uint64
	MergedFinds uint64
}

type entry struct {
	base       uintptr
	bytes      uintptr
	insertedAt time.Time
}

func (e entry) end() uintptr { return e.base + e.bytes }

type line struct {
	mu      sync.Mutex
	entries []entry // address-sorted ascending
}

type span struct {
	base  uintptr
	bytes uintptr
}

// Cache is the tiered recycling cache. Safe for concurrent use.
type Cache struct {
	pageSize uintptr
	dir      types.Direction
	lineCap  int
	softTTL  time.Duration
	hardTTL  time.Duration
	release  func(base, bytes uintptr)
	now      func() time.Time

	// lines[1..MaxPages]; index 0 unused so the line index equals the
	// page count it serves.
	lines [MaxPages + 1]line

	sweepMu sync.Mutex
	cursor  int

	inserts     atomic.Uint64
	finds       atomic.Uint64
	hits        atomic.Uint64
	coalesces   atomic.Uint64
	promotions  atomic.Uint64
	splits      atomic.Uint64
	evictions   atomic.Uint64
	expirations atomic.Uint64
	mergedFinds atomic.Uint64
}

// New builds a cache from cfg, applying defaults for zero fields.
func New(cfg Config) *Cache {
	c := &Cache{
		pageSize: cfg.PageSize,
		dir:      cfg.Direction,
		lineCap:  cfg.LineCapacity,
		softTTL:  cfg.SoftTTL,
		hardTTL:  cfg.HardTTL,
		release:  cfg.Release,
		now:      cfg.Now,
		cursor:   1,
	}
	if c.pageSize == 0 {
		c.pageSize = 4096
	}
	if c.dir == 0 {
		c.dir = types.GrowsUp
	}
	if c.lineCap == 0 {
		c.lineCap = defaultLineCap
	}
	if c.softTTL == 0 {
		c.softTTL = defaultSoftTTL
	}
	if c.hardTTL == 0 {
		c.hardTTL = defaultHardTTL
	}
	if c.now == nil {
		c.now = time.Now
	}
	return c
}

// Stats returns a snapshot of the cache counters.
func (c *Cache) Stats() Counters {
	return Counters{
		Inserts:     c.inserts.Load(),
		Finds:       c.finds.Load(),
		Hits:        c.hits.Load(),
		Coalesces:   c.coalesces.Load(),
		Promotions:  c.promotions.Load(),
		Splits:      c.splits.Load(),
		Evictions:   c.evictions.Load(),
		Expirations: c.expirations.Load(),
		MergedFinds: c.mergedFinds.Load(),
	}
}

// PageCount returns the number of pages currently parked in the cache.
func (c *Cache) PageCount() uintptr {
	var total uintptr
	for i := 1; i <= MaxPages; i++ {
		ln := &c.lines[i]
		ln.mu.Lock()
		for _, e := range ln.entries {
			total += e.bytes / c.pageSize
		}
		ln.mu.Unlock()
	}
	return total
}

// Insert parks a freed region of the given page count. Regions larger than
// the catch-all tier are split into MaxPages-page chunks plus a remainder,
// each inserted individually so every chunk runs the coalescing path.
func (c *Cache) Insert(base, pages uintptr) {
	c.inserts.Add(1)
	var released []span
	c.insert(base, pages, &released)
	c.releaseAll(released)
}

func (c *Cache) insert(base, pages uintptr, released *[]span) {
	if pages == 0 {
		return
	}
	if pages > MaxPages {
		c.splits.Add(1)
		for pages > MaxPages {
			c.insert(base, MaxPages, released)
			base += MaxPages * c.pageSize
			pages -= MaxPages
		}
		c.insert(base, pages, released)
		return
	}

	bytes := pages * c.pageSize
	idx := int(pages)
	ln := &c.lines[idx]
	ln.mu.Lock()

	if idx < MaxPages {
		// Look for address-adjacent entries in this line. A match on
		// either side removes the neighbor and promotes the union to the
		// larger line. Positions: all entries here have identical size,
		// so prev/next around the insertion point are the only candidates.
		i := sort.Search(len(ln.entries), func(i int) bool {
			return ln.entries[i].base >= base
		})
		start, end := base, base+bytes
		merged := false
		if i < len(ln.entries) && ln.entries[i].base == end {
			end = ln.entries[i].end()
			ln.entries = append(ln.entries[:i], ln.entries[i+1:]...)
			c.coalesces.Add(1)
			merged = true
		}
		if i > 0 && ln.entries[i-1].end() == start {
			start = ln.entries[i-1].base
			ln.entries = append(ln.entries[:i-1], ln.entries[i:]...)
			c.coalesces.Add(1)
			merged = true
		}
		if merged {
			ln.mu.Unlock()
			c.promotions.Add(1)
			c.insert(start, (end-start)/c.pageSize, released)
			return
		}
	}

	// Plain insertion. The catch-all is cached as-is: no coalescing, no
	// further promotion.
	if len(ln.entries) >= c.lineCap {
		c.evictTrailing(ln, released)
	}
	i := sort.Search(len(ln.entries), func(i int) bool {
		return ln.entries[i].base >= base
	})
	ln.entries = append(ln.entries, entry{})
	copy(ln.entries[i+1:], ln.entries[i:])
	ln.entries[i] = entry{base: base, bytes: bytes, insertedAt: c.now()}
	ln.mu.Unlock()
}

// evictTrailing removes the entry nearest the trailing edge of the growth
// direction (the entry furthest along the fill direction) and queues it
// for release. Caller holds ln.mu.
func (c *Cache) evictTrailing(ln *line, released *[]span) {
	if len(ln.entries) == 0 {
		return
	}
	c.evictions.Add(1)
	if c.dir == types.GrowsDown {
		// Fill runs downward; the trailing edge is the lowest address.
		e := ln.entries[0]
		ln.entries = ln.entries[1:]
		*released = append(*released, span{e.base, e.bytes})
		return
	}
	e := ln.entries[len(ln.entries)-1]
	ln.entries = ln.entries[:len(ln.entries)-1]
	*released = append(*released, span{e.base, e.bytes})
}

// Find locates a cached region of at least the requested page count and
// returns its base. hint bounds the search: entries positioned past the
// hint in the fill direction are not considered, keeping the live address
// range compact (hint 0 means unbounded). Unused edges of an oversized
// match are re-inserted as separate smaller chunks.
func (c *Cache) Find(pages, hint uintptr) (uintptr, bool) {
	c.finds.Add(1)
	var released []span
	base, ok := c.find(pages, hint, &released)
	c.releaseAll(released)
	if ok {
		c.hits.Add(1)
	}
	return base, ok
}

func (c *Cache) find(pages, hint uintptr, released *[]span) (uintptr, bool) {
	if pages == 0 {
		return 0, false
	}
	if pages >= MaxPages {
		return c.findLarge(pages, hint, released)
	}

	need := pages * c.pageSize

	// Exact line first.
	idx := int(pages)
	ln := &c.lines[idx]
	ln.mu.Lock()
	if i, ok := c.pick(ln, hint); ok {
		e := ln.entries[i]
		ln.entries = append(ln.entries[:i], ln.entries[i+1:]...)
		ln.mu.Unlock()
		return e.base, true
	}
	ln.mu.Unlock()

	// Fall back to larger lines. Lock them all in ascending order (the
	// package-wide two-lock rule) and pick the candidate whose split
	// leaves the requested subrange most central, i.e. the one maximizing
	// the smaller leftover edge so either edge stands the best chance of
	// being independently reusable.
	bestLine, bestIdx := -1, -1
	var bestEdge uintptr
	for li := idx + 1; li <= MaxPages; li++ {
		c.lines[li].mu.Lock()
	}
	for li := idx + 1; li <= MaxPages; li++ {
		for i, e := range c.lines[li].entries {
			if e.bytes < need {
				continue
			}
			if hint != 0 && c.dir.Past(e.base, hint) {
				continue
			}
			edge := (e.bytes - need) / 2
			if bestLine == -1 || edge > bestEdge ||
				(edge == bestEdge && c.dir.Before(e.base, c.lines[bestLine].entries[bestIdx].base)) {
				bestLine, bestIdx, bestEdge = li, i, edge
			}
		}
	}
	var got entry
	if bestLine != -1 {
		lnb := &c.lines[bestLine]
		got = lnb.entries[bestIdx]
		lnb.entries = append(lnb.entries[:bestIdx], lnb.entries[bestIdx+1:]...)
	}
	for li := MaxPages; li > idx; li-- {
		c.lines[li].mu.Unlock()
	}
	if bestLine == -1 {
		return 0, false
	}

	// Center the request in the match and park both leftover edges.
	leftoverPages := (got.bytes - need) / c.pageSize
	leftPages := leftoverPages / 2
	base := got.base + leftPages*c.pageSize
	c.insert(got.base, leftPages, released)
	c.insert(base+need, leftoverPages-leftPages, released)
	return base, true
}

// findLarge serves requests of MaxPages pages or more from the catch-all
// line, either from a single entry or by merging consecutive entries that
// are contiguous in memory.
func (c *Cache) findLarge(pages, hint uintptr, released *[]span) (uintptr, bool) {
	need := pages * c.pageSize
	ln := &c.lines[MaxPages]
	ln.mu.Lock()

	// Single-entry match first.
	for i, e := range ln.entries {
		if e.bytes < need {
			continue
		}
		if hint != 0 && c.dir.Past(e.base, hint) {
			continue
		}
		ln.entries = append(ln.entries[:i], ln.entries[i+1:]...)
		ln.mu.Unlock()
		c.insert(e.base+need, (e.bytes-need)/c.pageSize, released)
		return e.base, true
	}

	// Merge search: runs of address-contiguous entries.
	for i := 0; i < len(ln.entries); i++ {
		if hint != 0 && c.dir.Past(ln.entries[i].base, hint) {
			continue
		}
		total := ln.entries[i].bytes
		j := i
		for total < need && j+1 < len(ln.entries) && ln.entries[j+1].base == ln.entries[j].end() {
			j++
			total += ln.entries[j].bytes
		}
		if total < need {
			continue
		}
		base := ln.entries[i].base
		ln.entries = append(ln.entries[:i], ln.entries[j+1:]...)
		ln.mu.Unlock()
		c.mergedFinds.Add(1)
		c.insert(base+need, (total-need)/c.pageSize, released)
		return base, true
	}
	ln.mu.Unlock()
	return 0, false
}

// pick chooses the entry nearest the fill origin that the hint allows.
// Caller holds ln.mu.
func (c *Cache) pick(ln *line, hint uintptr) (int, bool) {
	if c.dir == types.GrowsDown {
		for i := len(ln.entries) - 1; i >= 0; i-- {
			if hint == 0 || !c.dir.Past(ln.entries[i].base, hint) {
				return i, true
			}
		}
		return 0, false
	}
	for i := range ln.entries {
		if hint == 0 || !c.dir.Past(ln.entries[i].base, hint) {
			return i, true
		}
	}
	return 0, false
}

// Flush releases every cached region to the release callback. Used by the
// leak checker and as the bounded space-reclamation step before an
// out-of-memory condition becomes fatal.
func (c *Cache) Flush() {
	var released []span
	for i := 1; i <= MaxPages; i++ {
		ln := &c.lines[i]
		ln.mu.Lock()
		for _, e := range ln.entries {
			released = append(released, span{e.base, e.bytes})
		}
		ln.entries = ln.entries[:0]
		ln.mu.Unlock()
	}
	c.releaseAll(released)
}

// releaseAll hands queued spans to the release callback with no lock held.
func (c *Cache) releaseAll(spans []span) {
	if c.release == nil {
		return
	}
	for _, s := range spans {
		c.release(s.base, s.bytes)
	}
}

// locate reports whether a region with the given base is cached anywhere.
// Test hook.
func (c *Cache) locate(base uintptr) bool {
	for i := 1; i <= MaxPages; i++ {
		ln := &c.lines[i]
		ln.mu.Lock()
		for _, e := range ln.entries {
			if e.base == base {
				ln.mu.Unlock()
				return true
			}
		}
		ln.mu.Unlock()
	}
	return false
}

package vmm

import (
	"fmt"
	"runtime"
	"sort"
	"sync"

	"github.com/joshuapare/pagekit/pkg/types"
	"github.com/joshuapare/pagekit/vmm/region"
)

// Usage is one accounting pool's running totals.
type Usage struct {
	Bytes int64
	Pages int64
	Live  int64 // live allocation count
}

// siteRecord is one live allocation. The call-site stack is captured only
// when tracking is enabled; the extent is always kept, because the live
// count depends on it.
type siteRecord struct {
	bytes uintptr
	class types.Class
	pcs   [4]uintptr
	n     int
}

// acct holds the dual user/core totals plus the live-allocation table.
// Guarded by its own mutex, taken last (never while a cache line or the
// region map lock is wanted afterwards).
type acct struct {
	mu       sync.Mutex
	user     Usage
	core     Usage
	tracking bool
	sites    map[uintptr]siteRecord
}

func (a *acct) init(track bool) {
	a.tracking = track
	a.sites = make(map[uintptr]siteRecord)
}

func (a *acct) add(class types.Class, bytes, pageSize, base uintptr) {
	a.mu.Lock()
	u := a.pool(class)
	u.Bytes += int64(bytes)
	u.Pages += int64(bytes / pageSize)
	u.Live++
	rec := siteRecord{bytes: bytes, class: class}
	if a.tracking {
		// Skip Callers, add, alloc, and the public wrapper.
		rec.n = runtime.Callers(4, rec.pcs[:])
	}
	a.sites[base] = rec
	a.mu.Unlock()
}

func (a *acct) sub(class types.Class, bytes, pageSize, addr uintptr) {
	a.mu.Lock()
	u := a.pool(class)
	u.Bytes -= int64(bytes)
	u.Pages -= int64(bytes / pageSize)
	a.carve(addr, addr+bytes, &u.Live)
	a.mu.Unlock()
}

// carve removes [start,end) from the live-allocation table. A partial free
// (a shrink suffix or the leading edge of a split) adjusts the owning
// record's extent without retiring it: an allocation stays live until its
// last byte is released. Caller holds mu.
func (a *acct) carve(start, end uintptr, live *int64) {
	for base, rec := range a.sites {
		recEnd := base + rec.bytes
		if end <= base || start >= recEnd {
			continue
		}
		switch {
		case start <= base && end >= recEnd:
			delete(a.sites, base)
			*live--
		case start <= base:
			// Leading cut: the record follows the live remainder.
			delete(a.sites, base)
			rec.bytes = recEnd - end
			a.sites[end] = rec
		case end >= recEnd:
			// Trailing cut (the shrink path).
			rec.bytes = start - base
			a.sites[base] = rec
		default:
			// Interior cut: one allocation becomes two live regions.
			head := rec
			head.bytes = start - base
			a.sites[base] = head
			tail := rec
			tail.bytes = recEnd - end
			a.sites[end] = tail
			*live++
		}
	}
}

func (a *acct) pool(class types.Class) *Usage {
	if class == types.ClassCore {
		return &a.core
	}
	return &a.user
}

func (a *acct) snapshot() (user, core Usage) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.user, a.core
}

// Leak describes one live allocation at leak-check time.
type Leak struct {
	Base  uintptr
	Bytes uintptr
	Class types.Class
	Site  string // empty unless tracking is enabled
}

// LeakReport is the shutdown accounting audit.
type LeakReport struct {
	// Mismatch is set when the owned page total in the region map does
	// not equal the user+core page totals. That is a bookkeeping bug in
	// this layer, not a caller leak, and is reported distinctly.
	Mismatch   bool
	OwnedPages int64
	User       Usage
	Core       Usage

	// Leaks lists live allocations (genuine caller leaks). Call sites are
	// resolved only when allocation tracking is on.
	Leaks []Leak
}

// Clean reports whether the audit found nothing wrong.
func (r LeakReport) Clean() bool {
	return !r.Mismatch && r.User.Live == 0 && r.Core.Live == 0
}

// CheckLeaks flushes the page cache and audits the books: the owned page
// count in the region map must equal the sum of the user and core pools,
// and a clean shutdown has no live allocations.
func (v *VMM) CheckLeaks() LeakReport {
	v.cache.Flush()

	user, core := v.acct.snapshot()
	owned := int64(v.regions.Pages(region.KindOwned, v.pageSize))
	rep := LeakReport{
		Mismatch:   owned != user.Pages+core.Pages,
		OwnedPages: owned,
		User:       user,
		Core:       core,
	}

	v.acct.mu.Lock()
	for base, rec := range v.acct.sites {
		rep.Leaks = append(rep.Leaks, Leak{
			Base:  base,
			Bytes: rec.bytes,
			Class: rec.class,
			Site:  formatSite(rec.pcs[:rec.n]),
		})
	}
	sort.Slice(rep.Leaks, func(i, j int) bool { return rep.Leaks[i].Base < rep.Leaks[j].Base })
	v.acct.mu.Unlock()
	return rep
}

// formatSite renders the outermost interesting frame of a recorded stack.
func formatSite(pcs []uintptr) string {
	if len(pcs) == 0 {
		return ""
	}
	frames := runtime.CallersFrames(pcs)
	f, _ := frames.Next()
	if f.Function == "" {
		return ""
	}
	return fmt.Sprintf("%s (%s:%d)", f.Function, f.File, f.Line)
}

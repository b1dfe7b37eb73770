package vmm

import (
	"fmt"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/joshuapare/pagekit/internal/osmem"
	"github.com/joshuapare/pagekit/pkg/types"
	"github.com/joshuapare/pagekit/vmm/pagecache"
	"github.com/joshuapare/pagekit/vmm/region"
)

// Runtime trace flag for allocation logging - controlled by the
// PAGEKIT_LOG_ALLOC env var.
var logAlloc = os.Getenv("PAGEKIT_LOG_ALLOC") != ""

const (
	// maxCacheablePages is the largest freed region offered to the page
	// cache; bigger regions go straight back to the OS. Set above the
	// cache's catch-all tier so oversized frees exercise the cache's
	// chunk-splitting path instead of bypassing it.
	maxCacheablePages = 4 * pagecache.MaxPages

	// maxReclaimAttempts bounds the flush-and-retry loop when a mandatory
	// mapping fails. Exhaustion after that is fatal.
	maxReclaimAttempts = 2
)

// Options configures a VMM. Zero fields take package defaults.
type Options struct {
	// Mapper is the OS facade. Nil selects the platform mapper.
	Mapper Mapper

	// Direction is the address-space fill direction. Zero means detect
	// (platform mapper) or assume upward growth (custom mapper).
	Direction types.Direction

	// CacheLineCapacity bounds each page cache line.
	CacheLineCapacity int

	// SoftTTL/HardTTL tune cache expiry; see pagecache.Config.
	SoftTTL time.Duration
	HardTTL time.Duration

	// TrackAllocations records the call site of every live allocation for
	// leak reports. Debugging aid; off by default.
	TrackAllocations bool
}

// VMM is the page-granularity allocator. All methods are safe for
// concurrent use.
type VMM struct {
	mapper   Mapper
	pageSize uintptr
	dir      types.Direction

	regions *region.Map
	cache   *pagecache.Cache

	acct acct

	cacheHits   atomic.Uint64
	cacheMisses atomic.Uint64
	hintHits    atomic.Uint64
	hintMisses  atomic.Uint64
	probes      atomic.Uint64
	reclaims    atomic.Uint64
}

// sysMapper adapts osmem to the Mapper interface.
type sysMapper struct{ osmem.Mapper }

// New builds a VMM from opts.
func New(opts Options) *VMM {
	m := opts.Mapper
	dir := opts.Direction
	if m == nil {
		m = sysMapper{}
		if dir == 0 {
			dir = types.GrowsUp
			if osmem.GrowsDown() {
				dir = types.GrowsDown
			}
		}
	}
	if dir == 0 {
		dir = types.GrowsUp
	}

	v := &VMM{
		mapper:   m,
		pageSize: m.PageSize(),
		dir:      dir,
		regions:  region.New(dir),
	}
	v.acct.init(opts.TrackAllocations)
	v.cache = pagecache.New(pagecache.Config{
		PageSize:     v.pageSize,
		Direction:    dir,
		LineCapacity: opts.CacheLineCapacity,
		SoftTTL:      opts.SoftTTL,
		HardTTL:      opts.HardTTL,
		Release:      v.freeToOS,
	})
	return v
}

// PageSize reports the allocation granularity.
func (v *VMM) PageSize() uintptr { return v.pageSize }

// Direction reports the address-space fill direction.
func (v *VMM) Direction() types.Direction { return v.dir }

// Alloc obtains size bytes (rounded up to a page multiple) of
// caller-visible memory.
func (v *VMM) Alloc(size uintptr) uintptr {
	return v.alloc(size, types.ClassUser, false)
}

// AllocZeroed is Alloc with the returned memory guaranteed zeroed.
func (v *VMM) AllocZeroed(size uintptr) uintptr {
	return v.alloc(size, types.ClassUser, true)
}

// Free returns an allocation obtained from Alloc or AllocZeroed. size must
// match the original request.
func (v *VMM) Free(addr, size uintptr) {
	v.free(addr, size, types.ClassUser)
}

// Shrink releases the trailing oldSize-newSize bytes of an allocation,
// keeping the leading newSize bytes live.
func (v *VMM) Shrink(addr, oldSize, newSize uintptr) {
	v.shrink(addr, oldSize, newSize, types.ClassUser)
}

// AllocCore, AllocZeroedCore, FreeCore and ShrinkCore are the
// internal-supply variants: identical behavior, separate accounting pool.
func (v *VMM) AllocCore(size uintptr) uintptr {
	return v.alloc(size, types.ClassCore, false)
}

func (v *VMM) AllocZeroedCore(size uintptr) uintptr {
	return v.alloc(size, types.ClassCore, true)
}

func (v *VMM) FreeCore(addr, size uintptr) {
	v.free(addr, size, types.ClassCore)
}

func (v *VMM) ShrinkCore(addr, oldSize, newSize uintptr) {
	v.shrink(addr, oldSize, newSize, types.ClassCore)
}

// alloc is the shared allocation path.
func (v *VMM) alloc(size uintptr, class types.Class, zero bool) uintptr {
	if size == 0 || !class.Valid() {
		v.throwf("alloc: bad arguments size=%d class=%d", size, class)
	}
	size = v.roundUp(size)
	pages := size / v.pageSize
	hint := v.regions.LowestGap(size)

	if base, ok := v.cache.Find(pages, hint); ok {
		v.cacheHits.Add(1)
		if logAlloc {
			fmt.Fprintf(os.Stderr, "[VMM] alloc %d pages: cache hit at %#x\n", pages, base)
		}
		// Undo the access protection applied on release, then put the
		// region back under ownership. Stale foreign marks from an old
		// mis-probe are displaced in the same step.
		if err := v.mapper.Protect(base, size, true); err != nil {
			v.throwf("alloc: cannot revalidate cached region [%#x,%#x): %v", base, base+size, err)
		}
		v.regions.Claim(base, size, region.KindOwned)
		if zero {
			if err := v.mapper.Zero(base, size); err != nil {
				v.throwf("alloc: cannot zero cached region [%#x,%#x): %v", base, base+size, err)
			}
		}
		v.acct.add(class, size, v.pageSize, base)
		return base
	}

	v.cacheMisses.Add(1)
	base := v.mapWithHint(hint, size)
	if logAlloc {
		fmt.Fprintf(os.Stderr, "[VMM] alloc %d pages: mapped at %#x (hint %#x)\n", pages, base, hint)
	}
	// Fresh anonymous mappings are zero-filled; no explicit clear needed.
	v.acct.add(class, size, v.pageSize, base)
	return base
}

// mapWithHint obtains a fresh mapping, reconciling the region map when the
// kernel ignores the placement hint, and flushing the cache for another
// try when address space runs short.
func (v *VMM) mapWithHint(hint, size uintptr) uintptr {
	var base uintptr
	for attempt := 0; ; attempt++ {
		b, err := v.mapper.Map(hint, size)
		if err == nil {
			base = b
			break
		}
		if attempt >= maxReclaimAttempts {
			v.throwf("alloc: out of address space mapping %d bytes (%d reclaim attempts): %v",
				size, attempt, err)
		}
		v.reclaims.Add(1)
		v.cache.Flush()
	}

	if hint != 0 && base != hint {
		v.hintMisses.Add(1)
		// The kernel placed us elsewhere: record reality, displacing any
		// foreign fragments our model had at the actual location, then
		// find out whether the hint was genuinely occupied.
		v.regions.Claim(base, size, region.KindOwned)
		v.probeHint(hint)
		return base
	}
	if hint != 0 {
		v.hintHits.Add(1)
	}
	v.regions.Claim(base, size, region.KindOwned)
	return base
}

// probeHint requests a single page at exactly the refused hint address to
// disambiguate a genuinely occupied range (marked foreign so later hints
// avoid it) from a transient miss (left untouched, so the address is not
// permanently blacklisted).
func (v *VMM) probeHint(hint uintptr) {
	v.probes.Add(1)
	p, err := v.mapper.Map(hint, v.pageSize)
	if err != nil {
		return // cannot tell; leave the model untouched
	}
	_ = v.mapper.Unmap(p, v.pageSize)
	if p == hint {
		return // transient: the address was actually free
	}
	if v.regions.MarkForeign(hint, v.pageSize) && logAlloc {
		fmt.Fprintf(os.Stderr, "[VMM] probe: %#x occupied, marked foreign\n", hint)
	}
}

// free is the shared deallocation path.
func (v *VMM) free(addr, size uintptr, class types.Class) {
	if size == 0 || !class.Valid() {
		v.throwf("free: bad arguments addr=%#x size=%d class=%d", addr, size, class)
	}
	size = v.roundUp(size)

	frag, _, ok := v.regions.Lookup(addr)
	if !ok {
		v.throwf("free: address %#x is not tracked", addr)
	}
	if frag.Kind != region.KindOwned {
		v.throwf("free: address %#x is %s, not owned", addr, frag.Kind)
	}
	if addr+size > frag.End {
		v.throwf("free: [%#x,%#x) exceeds owned fragment [%#x,%#x)",
			addr, addr+size, frag.Start, frag.End)
	}

	v.regions.Remove(addr, size, region.KindOwned)
	v.acct.sub(class, size, v.pageSize, addr)

	pages := size / v.pageSize
	if pages <= maxCacheablePages {
		// Invalidate contents (advisory) and protect against stray use
		// while the region sits in the cache.
		_ = v.mapper.Advise(addr, size)
		_ = v.mapper.Protect(addr, size, false)
		v.cache.Insert(addr, pages)
		return
	}
	v.freeToOS(addr, size)
}

// shrink frees the trailing suffix of an allocation via the free path.
func (v *VMM) shrink(addr, oldSize, newSize uintptr, class types.Class) {
	oldSize = v.roundUp(oldSize)
	newSize = v.roundUp(newSize)
	if newSize > oldSize {
		v.throwf("shrink: new size %d exceeds old size %d", newSize, oldSize)
	}
	if newSize == oldSize {
		return
	}
	if newSize == 0 {
		v.free(addr, oldSize, class)
		return
	}
	v.free(addr+newSize, oldSize-newSize, class)
}

// freeToOS is the forced-free path: it unmaps a region known to stand
// alone (cache evictions, expiry, oversized frees) without searching the
// region map - cached regions live outside it.
func (v *VMM) freeToOS(base, bytes uintptr) {
	if err := v.mapper.Unmap(base, bytes); err != nil {
		v.throwf("unmap [%#x,%#x) failed: %v", base, base+bytes, err)
	}
}

// SweepExpired runs one expiry step over the page cache; the periodic
// timer collaborator calls it on a fixed interval. StartSweeper wires that
// up with a time.Ticker.
func (v *VMM) SweepExpired() {
	v.cache.SweepOne()
}

// StartSweeper drives cache expiry every interval until the returned stop
// function is called.
func (v *VMM) StartSweeper(interval time.Duration) (stop func()) {
	ticker := time.NewTicker(interval)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-ticker.C:
				v.cache.SweepOne()
			case <-done:
				return
			}
		}
	}()
	return func() {
		ticker.Stop()
		close(done)
	}
}

// roundUp rounds size up to a whole page count.
func (v *VMM) roundUp(size uintptr) uintptr {
	return (size + v.pageSize - 1) &^ (v.pageSize - 1)
}

// throwf panics with diagnostics; see the package comment for why fatal
// conditions are never returned as errors.
func (v *VMM) throwf(format string, args ...any) {
	var sb strings.Builder
	fmt.Fprintf(&sb, "vmm: "+format+"\n", args...)
	v.writeStats(&sb)
	panic(sb.String())
}

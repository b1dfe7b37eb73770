package vmm

import (
	"fmt"
	"io"

	"github.com/joshuapare/pagekit/vmm/pagecache"
)

// Stats is a point-in-time snapshot of the VMM's counters. Individual
// fields are loaded atomically; the snapshot is not a consistent cut.
type Stats struct {
	PageSize uintptr

	User Usage
	Core Usage

	CacheHits   uint64
	CacheMisses uint64
	HintHits    uint64
	HintMisses  uint64
	Probes      uint64
	Reclaims    uint64

	Cache pagecache.Counters

	RegionFragments int
	RegionCoalesces uint64
	CachedPages     uintptr
}

// Stats returns a snapshot of aggregate statistics.
func (v *VMM) Stats() Stats {
	user, core := v.acct.snapshot()
	return Stats{
		PageSize:        v.pageSize,
		User:            user,
		Core:            core,
		CacheHits:       v.cacheHits.Load(),
		CacheMisses:     v.cacheMisses.Load(),
		HintHits:        v.hintHits.Load(),
		HintMisses:      v.hintMisses.Load(),
		Probes:          v.probes.Load(),
		Reclaims:        v.reclaims.Load(),
		Cache:           v.cache.Stats(),
		RegionFragments: v.regions.Len(),
		RegionCoalesces: v.regions.Coalesces(),
		CachedPages:     v.cache.PageCount(),
	}
}

// DumpRegions writes a listing of every tracked fragment.
func (v *VMM) DumpRegions(w io.Writer) {
	v.regions.Dump(w)
}

// DumpStats writes the aggregate statistics in a human-readable form.
func (v *VMM) DumpStats(w io.Writer) {
	v.writeStats(w)
}

func (v *VMM) writeStats(w io.Writer) {
	s := v.Stats()
	fmt.Fprintf(w, "vmm stats (page size %d, fill %s)\n", s.PageSize, v.dir)
	fmt.Fprintf(w, "  user:  %10d bytes %8d pages %6d live\n", s.User.Bytes, s.User.Pages, s.User.Live)
	fmt.Fprintf(w, "  core:  %10d bytes %8d pages %6d live\n", s.Core.Bytes, s.Core.Pages, s.Core.Live)
	fmt.Fprintf(w, "  cache: %d hits / %d misses, %d pages parked\n",
		s.CacheHits, s.CacheMisses, s.CachedPages)
	fmt.Fprintf(w, "         %d coalesces, %d promotions, %d splits, %d merged finds\n",
		s.Cache.Coalesces, s.Cache.Promotions, s.Cache.Splits, s.Cache.MergedFinds)
	fmt.Fprintf(w, "         %d evictions, %d expirations\n",
		s.Cache.Evictions, s.Cache.Expirations)
	fmt.Fprintf(w, "  hints: %d honored / %d missed, %d probes, %d reclaims\n",
		s.HintHits, s.HintMisses, s.Probes, s.Reclaims)
	fmt.Fprintf(w, "  map:   %d fragments, %d coalesces\n",
		s.RegionFragments, s.RegionCoalesces)
}

package vmm

import "github.com/joshuapare/pagekit/vmm/region"

// MapRaw obtains a raw OS mapping that bypasses the cache but not the
// bookkeeping: the result is registered as an externally-mapped (not
// owned) fragment, so placement hints and the shutdown audit keep seeing
// it. Unlike Alloc, failure is returned to the caller - code that wants a
// raw mapping has its own fallback options.
func (v *VMM) MapRaw(size uintptr) (uintptr, error) {
	size = v.roundUp(size)
	base, err := v.mapper.Map(0, size)
	if err != nil {
		return 0, err
	}
	v.regions.Claim(base, size, region.KindMapped)
	return base, nil
}

// UnmapRaw releases a mapping obtained from MapRaw.
func (v *VMM) UnmapRaw(addr, size uintptr) error {
	size = v.roundUp(size)
	v.regions.Remove(addr, size, region.KindMapped)
	return v.mapper.Unmap(addr, size)
}

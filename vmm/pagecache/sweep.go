package pagecache

// SweepOne expires aged entries from one line and advances the round-robin
// cursor; the periodic timer calls it once per tick so a full pass over the
// cache takes MaxPages ticks.
//
// Two thresholds apply. An entry older than the hard TTL is expired
// unconditionally. An entry older than the soft TTL is expired only if it
// has no address-contiguous cached neighbor: an entry still touching a
// larger identified region gets until the hard TTL to finish coalescing
// before being broken apart and returned to the OS. Expired entries are
// always released, never dropped silently.
func (c *Cache) SweepOne() {
	c.sweepMu.Lock()
	idx := c.cursor
	c.cursor++
	if c.cursor > MaxPages {
		c.cursor = 1
	}
	c.sweepMu.Unlock()

	now := c.now()
	var released []span

	ln := &c.lines[idx]
	ln.mu.Lock()
	// Decide first, filter second: the contiguity check reads neighbors,
	// so the array must not shift while decisions are being made.
	expire := make([]bool, len(ln.entries))
	for i, e := range ln.entries {
		age := now.Sub(e.insertedAt)
		expire[i] = age > c.hardTTL
		if !expire[i] && age > c.softTTL {
			contiguous := (i > 0 && ln.entries[i-1].end() == e.base) ||
				(i+1 < len(ln.entries) && e.end() == ln.entries[i+1].base)
			expire[i] = !contiguous
		}
	}
	kept := ln.entries[:0]
	for i, e := range ln.entries {
		if expire[i] {
			c.expirations.Add(1)
			released = append(released, span{e.base, e.bytes})
			continue
		}
		kept = append(kept, e)
	}
	ln.entries = kept
	ln.mu.Unlock()

	c.releaseAll(released)
}

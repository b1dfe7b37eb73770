// Package pagecache holds freed-but-not-yet-released regions in tiered
// recycling lines, one line per small page count plus a catch-all line for
// large counts.
//
// Lines 1..MaxPages-1 hold regions of exactly that many pages; the final
// line holds regions of MaxPages pages or more, each entry keeping its own
// size. Entries within a line are address-sorted. Freed neighbors coalesce
// on insertion and the union is promoted to the larger line, so repeated
// frees of adjacent regions climb the tiers until they reach the catch-all,
// where promotion stops - that caps the cost of chasing ever-larger runs.
//
// Every line is bounded: inserting into a full line evicts the entry
// nearest the trailing edge of the address-space growth direction, keeping
// the cached set compact around the fill origin. Evicted, expired, and
// flushed regions are handed to the release callback, which is always
// invoked after all line locks are dropped (the callback unmaps and may
// take the region-map lock; see the vmm package for the ordering contract).
//
// Each line has its own lock; no global lock serializes unrelated lines.
// When an operation needs several line locks at once (the cross-line search
// in Find), it acquires them in ascending line order.
package pagecache

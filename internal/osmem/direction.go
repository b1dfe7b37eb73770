package osmem

// GrowsDown reports whether the kernel hands out successive anonymous
// mappings at decreasing addresses. Detected empirically: two probe pages
// are mapped back to back and their placement compared. Both probes are
// unmapped before returning. Detection failure defaults to upward growth,
// which is correct for the platforms we run on.
func GrowsDown() bool {
	var m Mapper
	size := m.PageSize()

	a, err := m.Map(0, size)
	if err != nil {
		return false
	}
	b, err := m.Map(0, size)
	if err != nil {
		_ = m.Unmap(a, size)
		return false
	}
	down := b < a
	_ = m.Unmap(a, size)
	_ = m.Unmap(b, size)
	return down
}

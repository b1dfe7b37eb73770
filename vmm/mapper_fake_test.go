package vmm

import (
	"errors"
	"sync"
)

const testPage = uintptr(4096)

// fakeBase is where the fake address space starts handing out pages.
const fakeBase = uintptr(0x7f0000000000)

var errFakeOOM = errors.New("fake mapper: address space exhausted")

// fakeMapper is a deterministic in-memory model of the kernel's anonymous
// mapping facility. Pages are tracked individually so unmapping arbitrary
// subranges of earlier mappings (cache splits, coalesced evictions) works
// the same way it does for real mmap/munmap.
type fakeMapper struct {
	mu     sync.Mutex
	mapped map[uintptr]bool // page base -> mapped
	next   uintptr

	// refusals[addr] > 0 makes the next n mapping attempts at addr land
	// elsewhere, simulating a range occupied by something we don't track.
	// A negative count refuses forever.
	refusals map[uintptr]int

	// failures forces the next n Map calls to fail outright.
	failures int

	zeroCalls    int
	adviseCalls  int
	protectCalls int
}

func newFakeMapper() *fakeMapper {
	return &fakeMapper{
		mapped:   make(map[uintptr]bool),
		next:     fakeBase,
		refusals: make(map[uintptr]int),
	}
}

func (m *fakeMapper) refuse(addr uintptr, times int) {
	m.mu.Lock()
	m.refusals[addr] = times
	m.mu.Unlock()
}

func (m *fakeMapper) isMapped(addr uintptr) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mapped[addr]
}

func (m *fakeMapper) rangeFree(base, size uintptr) bool {
	for p := base; p < base+size; p += testPage {
		if m.mapped[p] {
			return false
		}
	}
	return true
}

func (m *fakeMapper) claim(base, size uintptr) {
	for p := base; p < base+size; p += testPage {
		m.mapped[p] = true
	}
}

func (m *fakeMapper) Map(hint, size uintptr) (uintptr, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.failures > 0 {
		m.failures--
		return 0, errFakeOOM
	}

	// refused remembers a hint whose refusal count was consumed by this
	// call, so the fallback scan cannot hand back the very address it was
	// told to refuse.
	var refused uintptr
	if hint != 0 && m.rangeFree(hint, size) {
		if n := m.refusals[hint]; n != 0 {
			if n > 0 {
				m.refusals[hint] = n - 1
			}
			refused = hint
		} else {
			m.claim(hint, size)
			if hint+size > m.next {
				m.next = hint + size
			}
			return hint, nil
		}
	}

	// Place at the next free run past the high-water mark.
	for base := m.next; ; base += testPage {
		if base == refused || m.refusals[base] != 0 || !m.rangeFree(base, size) {
			continue
		}
		m.claim(base, size)
		if base+size > m.next {
			m.next = base + size
		}
		return base, nil
	}
}

func (m *fakeMapper) Unmap(addr, size uintptr) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for p := addr; p < addr+size; p += testPage {
		if !m.mapped[p] {
			return errors.New("fake mapper: unmap of unmapped page")
		}
		delete(m.mapped, p)
	}
	return nil
}

func (m *fakeMapper) Protect(addr, size uintptr, writable bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.allMapped(addr, size) {
		return errors.New("fake mapper: protect of unmapped range")
	}
	m.protectCalls++
	return nil
}

func (m *fakeMapper) Advise(addr, size uintptr) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.allMapped(addr, size) {
		return errors.New("fake mapper: advise of unmapped range")
	}
	m.adviseCalls++
	return nil
}

func (m *fakeMapper) Zero(addr, size uintptr) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.allMapped(addr, size) {
		return errors.New("fake mapper: zero of unmapped range")
	}
	m.zeroCalls++
	return nil
}

func (m *fakeMapper) allMapped(addr, size uintptr) bool {
	for p := addr; p < addr+size; p += testPage {
		if !m.mapped[p] {
			return false
		}
	}
	return true
}

func (m *fakeMapper) PageSize() uintptr { return testPage }

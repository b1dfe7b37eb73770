package region

import "errors"

var (
	// ErrReloadUnsupported indicates the OS-authoritative reload path is
	// not implemented. The flag protocol around it is live; the
	// reconciliation semantics of replaying racing insertions into a
	// freshly loaded map are not settled, so the load itself is disabled.
	ErrReloadUnsupported = errors.New("region: reload from OS view not supported")

	// ErrReloadBusy indicates a reload is already in progress.
	ErrReloadBusy = errors.New("region: reload already in progress")
)

// Reload rebuilds the map from the kernel's authoritative view of the
// address space, retrying if the backing array grew mid-load. Insertions
// arriving while the reload runs are deferred and applied afterwards.
//
// State machine: Idle -> Loading -> {Idle on success, Loading again if the
// array was resized mid-load}. The actual load is unsupported; Reload
// exists so the protocol stays exercised and safe.
func (m *Map) Reload() error {
	m.mu.Lock()
	if m.loading {
		m.mu.Unlock()
		return ErrReloadBusy
	}
	m.loading = true
	m.resized = false
	m.mu.Unlock()

	var err error
	for {
		err = m.loadFromOS()

		m.mu.Lock()
		if err == nil && m.resized {
			// The array grew under the load; the loaded view may be
			// stale. Retry with the flag cleared.
			m.resized = false
			m.mu.Unlock()
			continue
		}
		break
	}

	// Still holding mu from the loop exit.
	if err == nil {
		m.gen++
	}
	deferred := m.deferred
	m.deferred = nil
	m.loading = false
	for _, f := range deferred {
		m.insert(f.Start, f.End, f.Kind)
	}
	m.mu.Unlock()
	return err
}

// loadFromOS would parse the kernel's memory map listing and rebuild the
// fragment array. Disabled pending the reconciliation question above.
func (m *Map) loadFromOS() error {
	return ErrReloadUnsupported
}

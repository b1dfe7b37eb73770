//go:build !unix

package osmem

import "errors"

// ErrUnsupported is returned on platforms without an anonymous-mapping facility.
var ErrUnsupported = errors.New("osmem: anonymous mappings not supported on this platform")

// Mapper is a stub on non-unix platforms; every operation fails.
type Mapper struct{}

func (Mapper) Map(hint, size uintptr) (uintptr, error)           { return 0, ErrUnsupported }
func (Mapper) Unmap(addr, size uintptr) error                    { return ErrUnsupported }
func (Mapper) Protect(addr, size uintptr, writable bool) error   { return ErrUnsupported }
func (Mapper) Advise(addr, size uintptr) error                   { return ErrUnsupported }
func (Mapper) Zero(addr, size uintptr) error                     { return ErrUnsupported }
func (Mapper) PageSize() uintptr                                 { return 4096 }

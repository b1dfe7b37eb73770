// Package types holds the small shared vocabulary of the pagekit modules:
// the address-space growth direction and the allocation class used by the
// accounting layer. Kept dependency-free so every package can import it.
package types

// Direction is the address-space fill direction: the order in which the
// kernel hands out successive anonymous mappings. All address comparisons
// that care about "lower" vs "higher" in the fill sense go through this
// type instead of raw pointer comparisons.
type Direction int8

const (
	// GrowsUp means successive mappings appear at increasing addresses.
	GrowsUp Direction = 1
	// GrowsDown means successive mappings appear at decreasing addresses.
	GrowsDown Direction = -1
)

// Before reports whether a is closer to the fill origin than b.
func (d Direction) Before(a, b uintptr) bool {
	if d == GrowsDown {
		return a > b
	}
	return a < b
}

// Past reports whether a lies strictly beyond b in the fill direction.
func (d Direction) Past(a, b uintptr) bool {
	if d == GrowsDown {
		return a < b
	}
	return a > b
}

func (d Direction) String() string {
	if d == GrowsDown {
		return "down"
	}
	return "up"
}

// Class tags an allocation as caller-visible or internal-supply memory.
// The two pools are accounted separately so leak detection can tell a
// caller leak from internal bookkeeping drift.
type Class uint8

const (
	// ClassUser is memory handed directly to callers.
	ClassUser Class = 1
	// ClassCore is memory consumed internally by higher allocators.
	ClassCore Class = 2
)

// Valid reports whether c is a recognized allocation class.
func (c Class) Valid() bool {
	return c == ClassUser || c == ClassCore
}

func (c Class) String() string {
	switch c {
	case ClassUser:
		return "user"
	case ClassCore:
		return "core"
	default:
		return "invalid"
	}
}

package packet

// MaxValueSize is the BEP44 bound on a mutable item's value.
const MaxValueSize = 1000

// DefaultMinimumTTL and DefaultMaximumTTL clamp the effective TTL of a
// cached packet regardless of what its records advertise.
const (
	DefaultMinimumTTL uint32 = 30
	DefaultMaximumTTL uint32 = 24 * 60 * 60
)

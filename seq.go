package sliq

// seqLessThan compares two sequence numbers with wrap-around handling.
// Uses RFC 1982 serial number arithmetic: a < b iff (a - b) interpreted as
// signed is negative, so seqLessThan(0xFFFFFFFE, 0x00000001) is true.
func seqLessThan(a, b uint32) bool {
	return int32(a-b) < 0
}

// seqLessThanOrEqual returns true if a <= b in sequence number space.
func seqLessThanOrEqual(a, b uint32) bool {
	return a == b || seqLessThan(a, b)
}

// seqGreaterThan returns true if a > b in sequence number space.
func seqGreaterThan(a, b uint32) bool {
	return int32(a-b) > 0
}

// seqGreaterThanOrEqual returns true if a >= b in sequence number space.
func seqGreaterThanOrEqual(a, b uint32) bool {
	return a == b || seqGreaterThan(a, b)
}

// seqDiff returns how many sequence numbers b is ahead of a.
func seqDiff(a, b uint32) uint32 {
	return b - a
}

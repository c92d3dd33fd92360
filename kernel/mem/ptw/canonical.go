package ptw

// HigherHalfMin is the lowest virtual address belonging to the higher half:
// bits 47..63 all set. A canonical address has those bits either all clear
// (lower half) or all set (higher half) to match bit 47 sign-extended.
const HigherHalfMin = uintptr(0xFFFF_8000_0000_0000)

// IsCanonical reports whether v is a canonical amd64 virtual address.
func IsCanonical(v uintptr) bool {
	masked := v & HigherHalfMin
	return masked == 0 || masked == HigherHalfMin
}

// sameHalf reports whether both ends of [start, end) fall in the same half
// of the address space. end is exclusive, so the last byte actually touched
// is end-1.
func sameHalf(start, end uint64) bool {
	mask := uint64(HigherHalfMin)
	return start&mask == (end-1)&mask
}

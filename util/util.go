// Package util collects the small numeric helpers shared across the
// security monitor's memory- and address-arithmetic packages. Adapted
// from biscuit's util.Min/Roundup/Rounddown/Aligned generics; the
// byte-level Readn/Writen helpers from the same file are not carried
// over, since every wire read/write in this module goes through
// explicit little-endian loops over region-checked addresses rather
// than unchecked unsafe.Pointer casts. Biscuit's Roundup (round a size
// up to the next block) has no call site in this domain — nothing here
// rounds a request up, only checks whether an address or length already
// sits on a page boundary — so it was dropped rather than kept unused.
package util

// Int is satisfied by all built-in integer types.
type Int interface {
	~int | ~int8 | ~int16 | ~int32 | ~int64 |
		~uint | ~uint8 | ~uint16 | ~uint32 | ~uint64 | ~uintptr
}

// Min returns the smaller of a and b.
func Min[T Int](a, b T) T {
	if a < b {
		return a
	}
	return b
}

// Rounddown aligns v down to the nearest multiple of b.
func Rounddown[T Int](v, b T) T {
	return v - (v % b)
}

// Aligned reports whether v is an exact multiple of b.
func Aligned[T Int](v, b T) bool {
	return Rounddown(v, b) == v
}

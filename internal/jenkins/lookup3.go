// Package jenkins implements Bob Jenkins' lookup3 hash functions.
//
// CASC uses hashlittle to guard index headers and hashlittle2 to derive
// 64-bit file name hashes in ROOT manifests.
package jenkins

import "encoding/binary"

const initial = 0xdeadbeef

// HashLittle returns the 32-bit lookup3 hash of data seeded with seed.
func HashLittle(data []byte, seed uint32) uint32 {
	c, _ := HashLittle2(data, seed, 0)
	return c
}

// HashLittle2 returns the two 32-bit lookup3 hashes of data.
//
// pc and pb seed the primary and secondary hash respectively; the results
// are returned in the same order.
func HashLittle2(data []byte, pc, pb uint32) (uint32, uint32) {
	a := initial + uint32(len(data)) + pc //nolint:gosec // lookup3 wraps on overflow
	b, c := a, a
	c += pb

	for len(data) > 12 {
		a += binary.LittleEndian.Uint32(data[0:4])
		b += binary.LittleEndian.Uint32(data[4:8])
		c += binary.LittleEndian.Uint32(data[8:12])
		a, b, c = mix(a, b, c)
		data = data[12:]
	}
	if len(data) == 0 {
		return c, b
	}

	// The tail is added as zero-padded little-endian words.
	var tail [12]byte
	copy(tail[:], data)
	a += binary.LittleEndian.Uint32(tail[0:4])
	b += binary.LittleEndian.Uint32(tail[4:8])
	c += binary.LittleEndian.Uint32(tail[8:12])
	_, b, c = final(a, b, c)
	return c, b
}

func rot(x uint32, k uint) uint32 {
	return x<<k | x>>(32-k)
}

func mix(a, b, c uint32) (uint32, uint32, uint32) {
	a -= c
	a ^= rot(c, 4)
	c += b
	b -= a
	b ^= rot(a, 6)
	a += c
	c -= b
	c ^= rot(b, 8)
	b += a
	a -= c
	a ^= rot(c, 16)
	c += b
	b -= a
	b ^= rot(a, 19)
	a += c
	c -= b
	c ^= rot(b, 4)
	b += a
	return a, b, c
}

func final(a, b, c uint32) (uint32, uint32, uint32) {
	c ^= b
	c -= rot(b, 14)
	a ^= c
	a -= rot(c, 11)
	b ^= a
	b -= rot(a, 25)
	c ^= b
	c -= rot(b, 16)
	a ^= c
	a -= rot(c, 4)
	b ^= a
	b -= rot(a, 14)
	c ^= b
	c -= rot(b, 24)
	return a, b, c
}

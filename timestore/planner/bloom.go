package planner

import (
	"fmt"
	"hash/fnv"

	"github.com/corestratum/dataplatform/timestore/types"
)

// DefaultBloomBits and DefaultBloomHashes size a bloom filter for roughly
// one indexed column's worth of rows in a single partition (spec.md §4.7
// step 6 "bloom filters per configured column").
const (
	DefaultBloomBits   uint64 = 1 << 16
	DefaultBloomHashes        = 4
)

// BuildBloomFilter constructs a bloom filter over column's values.
func BuildBloomFilter(column string, values []interface{}, numBits uint64, numHashes int) types.BloomFilter {
	if numBits == 0 {
		numBits = DefaultBloomBits
	}
	if numHashes == 0 {
		numHashes = DefaultBloomHashes
	}
	bf := types.BloomFilter{
		Column:    column,
		Bits:      make([]byte, (numBits+7)/8),
		NumHashes: numHashes,
		NumBits:   numBits,
	}
	for _, v := range values {
		for _, pos := range bitPositions(v, numBits, numHashes) {
			bf.Bits[pos/8] |= 1 << (pos % 8)
		}
	}
	return bf
}

// MayContain reports whether value could be present in bf. false is a
// definitive exclusion (spec.md §4.8 step 4); true means "maybe".
func MayContain(bf types.BloomFilter, value interface{}) bool {
	if len(bf.Bits) == 0 {
		return true
	}
	for _, pos := range bitPositions(value, bf.NumBits, bf.NumHashes) {
		if bf.Bits[pos/8]&(1<<(pos%8)) == 0 {
			return false
		}
	}
	return true
}

// bitPositions derives numHashes independent bit positions for value via
// double hashing (Kirsch-Mitzenmacher): h1 + i*h2 mod numBits.
func bitPositions(value interface{}, numBits uint64, numHashes int) []uint64 {
	h1 := fnv.New64a()
	_, _ = h1.Write([]byte(fmt.Sprint(value)))
	sum1 := h1.Sum64()

	h2 := fnv.New64()
	_, _ = h2.Write([]byte(fmt.Sprint(value)))
	sum2 := h2.Sum64()

	out := make([]uint64, numHashes)
	for i := 0; i < numHashes; i++ {
		out[i] = (sum1 + uint64(i)*sum2) % numBits
	}
	return out
}

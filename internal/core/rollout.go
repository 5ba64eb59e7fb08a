package core

import (
	"crypto/sha256"
	"encoding/binary"
	"math"
)

// BucketCount is the size of the rollout bucket space. Percentages are
// compared in basis points against this space, giving 0.01% granularity.
const BucketCount = 10000

// Bucket deterministically assigns a stable identifier to a rollout bucket in
// [0, BucketCount). The assignment is a pure function of the salt, the flag
// key, and the hex rendering of the stable ID: the first four bytes of
// SHA-256(salt + ":" + flagKey + ":" + stableIDHex), read big-endian, modulo
// BucketCount. It is bit-for-bit reproducible across processes and time.
//
// Changing the salt is the only sanctioned way to redistribute assignments.
func Bucket(salt, flagKey, stableIDHex string) uint32 {
	sum := sha256.Sum256([]byte(salt + ":" + flagKey + ":" + stableIDHex))
	return binary.BigEndian.Uint32(sum[:4]) % BucketCount
}

// InRollout reports whether a bucket is admitted by a rollout percentage.
// The comparison is against a fixed bucket value, so raising the percentage
// only ever adds subjects to the admitted set, never removes them.
func InRollout(bucket uint32, percent float64) bool {
	return bucket < basisPoints(percent)
}

func basisPoints(percent float64) uint32 {
	if percent <= 0 || math.IsNaN(percent) {
		return 0
	}
	if percent >= 100 {
		return BucketCount
	}
	return uint32(math.Round(percent * 100))
}

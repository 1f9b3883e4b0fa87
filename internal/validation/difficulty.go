package validation

import "github.com/btcsuite/btcd/chaincfg/chainhash"

// HashSize is the length of a double SHA-256 digest.
const HashSize = chainhash.HashSize

// Difficulty scores a hash: the count of leading zero nibbles, and a secondary number read
// from the nibbles that follow. A lower DifficultyNumber is harder.
type Difficulty struct {
	LeadingZeroes    int
	DifficultyNumber int64
}

// Score computes the Difficulty of a 32-byte hash. Other lengths score zero.
//
// Each zero byte counts two nibbles. At the first non-zero byte c:
// if its high nibble is zero, one more nibble is counted and the number is the next 16 bits
// starting at the low nibble of c; otherwise the number is c followed by the next byte.
// An all-zero hash scores 32 leading zeroes and number 0.
func Score(hash []byte) Difficulty {
	if len(hash) != HashSize {
		return Difficulty{}
	}

	at := func(i int) int64 {
		if i < len(hash) {
			return int64(hash[i])
		}
		return 0
	}

	zeroes := 0
	for i, c := range hash {
		if c == 0 {
			zeroes += 2
			continue
		}
		if c&0xf0 == 0 {
			return Difficulty{
				LeadingZeroes:    zeroes + 1,
				DifficultyNumber: int64(c)*4096 + at(i+1)*16 + at(i+2)/16,
			}
		}
		return Difficulty{
			LeadingZeroes:    zeroes,
			DifficultyNumber: int64(c)*256 + at(i+1),
		}
	}
	return Difficulty{LeadingZeroes: 32}
}

// Beats reports whether d meets the puzzle target: more leading zeroes than required, or
// the same count with a strictly lower difficulty number.
func (d Difficulty) Beats(leadingZeroes int, difficultyNumber int64) bool {
	if d.LeadingZeroes != leadingZeroes {
		return d.LeadingZeroes > leadingZeroes
	}
	return d.DifficultyNumber < difficultyNumber
}

// DoubleSHA256 hashes data twice with SHA-256.
func DoubleSHA256(data []byte) []byte {
	return chainhash.DoubleHashB(data)
}

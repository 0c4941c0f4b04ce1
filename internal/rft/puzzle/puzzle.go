package puzzle

// Cryptographic client puzzle gating connection admission. The sender derives
// hash1 = SHA256(nonce || filename || secret), zeroes its low difficulty bits
// and publishes the masked value together with hash2 = SHA256(hash1). The
// receiver brute-forces the masked bits until SHA256(candidate) == hash2 and
// returns the candidate; the sender verifies by recomputing hash1 from its
// secret, so no per-handshake state is kept.
//
// The 32-byte hash is treated as a 256-bit big-endian integer: its low bits
// live at the tail of the array.

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
)

// HashSize is the digest size used throughout the handshake.
const HashSize = sha256.Size

// MaxDifficulty bounds the brute-force space to something a receiver can
// search in-process.
const MaxDifficulty = 24

// hash1 computes SHA256(nonce || filename || secret) with the nonce in
// little-endian wire order.
func hash1(nonce uint32, filename string, secret []byte) [HashSize]byte {
	h := sha256.New()
	var n [4]byte
	binary.LittleEndian.PutUint32(n[:], nonce)
	h.Write(n[:])
	h.Write([]byte(filename))
	h.Write(secret)
	var out [HashSize]byte
	copy(out[:], h.Sum(nil))
	return out
}

// maskLowBits zeroes the low n bits of h viewed as a big-endian integer.
func maskLowBits(h [HashSize]byte, n uint8) [HashSize]byte {
	for i := uint8(0); i < n; i++ {
		h[HashSize-1-int(i)/8] &^= 1 << (i % 8)
	}
	return h
}

// orCounter ORs the counter value into the low bits of h.
func orCounter(h [HashSize]byte, v uint32) [HashSize]byte {
	for i := 0; i < 4; i++ {
		h[HashSize-1-i] |= byte(v >> (8 * i))
	}
	return h
}

// Issue builds the puzzle for a file request: the masked hash1 and the
// brute-force target hash2.
func Issue(nonce uint32, filename string, secret []byte, difficulty uint8) (masked, target [HashSize]byte) {
	h1 := hash1(nonce, filename, secret)
	masked = maskLowBits(h1, difficulty)
	target = sha256.Sum256(h1[:])
	return masked, target
}

// Solve recovers hash1 from the masked value by iterating the low difficulty
// bits until the candidate hashes to target. CPU-bound; run it on a worker,
// never on the reactor.
func Solve(masked, target [HashSize]byte, difficulty uint8) ([HashSize]byte, error) {
	if difficulty > MaxDifficulty {
		return [HashSize]byte{}, fmt.Errorf("difficulty %d exceeds maximum %d", difficulty, MaxDifficulty)
	}
	space := uint64(1) << difficulty
	for i := uint64(0); i < space; i++ {
		candidate := orCounter(masked, uint32(i))
		if sha256.Sum256(candidate[:]) == target {
			return candidate, nil
		}
	}
	return [HashSize]byte{}, fmt.Errorf("no solution within 2^%d candidates", difficulty)
}

// Verify checks a returned solution against the sender's secret. The mask and
// hash2 steps are the receiver's work; the sender only recomputes hash1.
func Verify(candidate [HashSize]byte, nonce uint32, filename string, secret []byte) bool {
	return candidate == hash1(nonce, filename, secret)
}

// internal/seal/seal.go
package seal

import (
	"crypto/des"
	"encoding/binary"
	"time"
)

// Request is one seal transaction: price and point of sale in time.
// Not retained after the result is produced.
type Request struct {
	PriceCents uint32
	Timestamp  time.Time
}

// Result is a computed fiscal seal. Immutable once produced.
// Counter is the value consumed by this seal (post-increment on the card).
type Result struct {
	MAC     [8]byte
	Serial  string
	Counter uint32
}

// ChallengeSize is the fixed size of the on-wire seal challenge.
const ChallengeSize = 22

// challenge layout version, fixed by the card application.
var challengeVersion = [2]byte{0x00, 0x01}

// Challenge builds the canonical challenge bytes sent to the card:
//
//	version(2) | serial(8) | datetime(8, BCD) | price(4, big-endian cents)
//
// Field order, price precision (cents) and timestamp encoding (UTC, second
// precision) are fixed so the same logical transaction always serializes
// identically. Pure, no IO.
func Challenge(serial [8]byte, req Request) [ChallengeSize]byte {
	var out [ChallengeSize]byte
	copy(out[0:2], challengeVersion[:])
	copy(out[2:10], serial[:])
	ts := packTimestamp(req.Timestamp)
	copy(out[10:18], ts[:])
	binary.BigEndian.PutUint32(out[18:22], req.PriceCents)
	return out
}

// Canonicalize returns the full MAC input: the challenge with the consumed
// counter value appended big-endian. The card binds the counter on-chip; the
// software engine makes the binding explicit here.
func Canonicalize(serial [8]byte, counter uint32, req Request) []byte {
	ch := Challenge(serial, req)
	out := make([]byte, 0, ChallengeSize+4)
	out = append(out, ch[:]...)
	out = binary.BigEndian.AppendUint32(out, counter)
	return out
}

// packTimestamp encodes UTC "yyyyMMddHHmmss" as 16 BCD digits
// (two trailing filler zeros) into 8 bytes.
func packTimestamp(t time.Time) [8]byte {
	s := t.UTC().Format("20060102150405") + "00"

	var out [8]byte
	for i := 0; i < 8; i++ {
		out[i] = (s[2*i]-'0')<<4 | (s[2*i+1] - '0')
	}
	return out
}

// Compute derives the seal MAC from key material and canonicalized input
// using the ISO 9797-1 retail MAC (DES-CBC chain, 3DES final block,
// zero padding). Deterministic; any failure is terminal for the attempt.
func Compute(key [16]byte, data []byte) [8]byte {
	c1, err := des.NewCipher(key[0:8])
	if err != nil {
		panic("seal: des key size") // unreachable, key size is fixed
	}
	c2, err := des.NewCipher(key[8:16])
	if err != nil {
		panic("seal: des key size")
	}

	padded := make([]byte, ((len(data)+7)/8)*8)
	copy(padded, data)

	var mac [8]byte
	block := make([]byte, 8)
	for i := 0; i < len(padded); i += 8 {
		xorBytes(block, mac[:], padded[i:i+8])
		c1.Encrypt(mac[:], block)
	}

	// Final transform: D(k2) then E(k1).
	c2.Decrypt(mac[:], mac[:])
	c1.Encrypt(mac[:], mac[:])
	return mac
}

func xorBytes(dst, a, b []byte) {
	for i := range dst {
		dst[i] = a[i] ^ b[i]
	}
}

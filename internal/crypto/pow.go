package crypto

import (
	"context"
	"encoding/binary"
	"errors"
)

const powPrefix = "intercomswap:v1:pow|"

// MaxPoWBits caps difficulty so a misconfigured peer cannot demand unbounded work.
const MaxPoWBits = 32

var ErrPoWExhausted = errors.New("pow search exhausted")

// PoWCheck reports whether sha3(prefix|subject|le64(nonce)) starts with powBits zero bits.
func PoWCheck(subject []byte, powNonce uint64, powBits uint8) bool {
	if powBits == 0 {
		return true
	}
	if len(subject) == 0 || powBits > MaxPoWBits {
		return false
	}
	return leadingZeroBits(powDigest(subject, powNonce), powBits)
}

// PoWSolve searches nonces from zero. It checks ctx every 4096 attempts.
func PoWSolve(ctx context.Context, subject []byte, powBits uint8) (uint64, error) {
	if powBits > MaxPoWBits {
		return 0, ErrPoWExhausted
	}
	for nonce := uint64(0); nonce < ^uint64(0); nonce++ {
		if nonce&0xfff == 0 && ctx != nil {
			if err := ctx.Err(); err != nil {
				return 0, err
			}
		}
		if PoWCheck(subject, nonce, powBits) {
			return nonce, nil
		}
	}
	return 0, ErrPoWExhausted
}

func powDigest(subject []byte, powNonce uint64) []byte {
	buf := make([]byte, 0, len(powPrefix)+len(subject)+8)
	buf = append(buf, powPrefix...)
	buf = append(buf, subject...)
	var nonce [8]byte
	binary.LittleEndian.PutUint64(nonce[:], powNonce)
	buf = append(buf, nonce[:]...)
	return SHA3_256(buf)
}

func leadingZeroBits(digest []byte, bits uint8) bool {
	full := int(bits / 8)
	rem := int(bits % 8)
	if full > len(digest) || (rem > 0 && full >= len(digest)) {
		return false
	}
	for i := 0; i < full; i++ {
		if digest[i] != 0 {
			return false
		}
	}
	if rem == 0 {
		return true
	}
	mask := byte(0xff << (8 - rem))
	return digest[full]&mask == 0
}

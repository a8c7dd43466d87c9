// internal/crypto/crypto.go
package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/sha3"
)

// -----------------------------------------------------------------------------
// Identity: ed25519 signing keys, hex encoded on disk and on the wire.
// Content hashes are sha256; proof-of-work uses sha3-256.
// -----------------------------------------------------------------------------

const (
	PubKeyHexLen = ed25519.PublicKeySize * 2
	SigHexLen    = ed25519.SignatureSize * 2
)

var (
	ErrBadPubKey = errors.New("bad public key")
	ErrBadSig    = errors.New("bad signature encoding")
)

// -----------------------------------------------------------------------------
// Hashes
// -----------------------------------------------------------------------------

func SHA3_256(msg []byte) []byte {
	sum := sha3.Sum256(msg)
	return sum[:]
}

func SHA256(msg []byte) []byte {
	sum := sha256.Sum256(msg)
	return sum[:]
}

// SHA256Hex returns the lowercase hex sha256 digest of msg.
func SHA256Hex(msg []byte) string {
	sum := sha256.Sum256(msg)
	return hex.EncodeToString(sum[:])
}

// -----------------------------------------------------------------------------
// Keys
// -----------------------------------------------------------------------------

type Keypair struct {
	Pub  ed25519.PublicKey
	Priv ed25519.PrivateKey
}

func GenKeypair() (*Keypair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	return &Keypair{Pub: pub, Priv: priv}, nil
}

// PubHex is the canonical identity string of the key (64 lowercase hex chars).
func (k *Keypair) PubHex() string {
	if k == nil {
		return ""
	}
	return hex.EncodeToString(k.Pub)
}

func (k *Keypair) Sign(msg []byte) []byte {
	return ed25519.Sign(k.Priv, msg)
}

func (k *Keypair) SignHex(msg []byte) string {
	return hex.EncodeToString(k.Sign(msg))
}

// ParsePubKeyHex accepts exactly 64 hex chars, any case.
func ParsePubKeyHex(s string) (ed25519.PublicKey, error) {
	s = strings.TrimSpace(s)
	if len(s) != PubKeyHexLen {
		return nil, fmt.Errorf("%w: want %d hex chars, got %d", ErrBadPubKey, PubKeyHexLen, len(s))
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadPubKey, err)
	}
	return ed25519.PublicKey(b), nil
}

// NormalizePubKeyHex lowercases and validates a hex public key.
func NormalizePubKeyHex(s string) (string, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if _, err := ParsePubKeyHex(s); err != nil {
		return "", err
	}
	return s, nil
}

func Verify(pub ed25519.PublicKey, msg, sig []byte) bool {
	if len(pub) != ed25519.PublicKeySize || len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(pub, msg, sig)
}

// VerifyHex checks a hex signature made by a hex public key.
func VerifyHex(pubHex string, msg []byte, sigHex string) (bool, error) {
	pub, err := ParsePubKeyHex(pubHex)
	if err != nil {
		return false, err
	}
	if len(sigHex) != SigHexLen {
		return false, fmt.Errorf("%w: want %d hex chars, got %d", ErrBadSig, SigHexLen, len(sigHex))
	}
	sig, err := hex.DecodeString(sigHex)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrBadSig, err)
	}
	return ed25519.Verify(pub, msg, sig), nil
}

// -----------------------------------------------------------------------------
// Key files
// -----------------------------------------------------------------------------

func SaveKeypair(dir string, kp *Keypair) error {
	if kp == nil || len(kp.Pub) == 0 || len(kp.Priv) == 0 {
		return errors.New("empty key")
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(dir, "pub.hex"), []byte(hex.EncodeToString(kp.Pub)), 0600); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, "priv.hex"), []byte(hex.EncodeToString(kp.Priv)), 0600)
}

func LoadKeypair(dir string) (*Keypair, error) {
	privHex, err := os.ReadFile(filepath.Join(dir, "priv.hex"))
	if err != nil {
		return nil, err
	}
	priv, err := hex.DecodeString(strings.TrimSpace(string(privHex)))
	if err != nil || len(priv) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("bad priv.hex")
	}
	pubHex, err := os.ReadFile(filepath.Join(dir, "pub.hex"))
	if err != nil {
		return nil, err
	}
	pub, err := hex.DecodeString(strings.TrimSpace(string(pubHex)))
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("bad pub.hex")
	}
	kp := &Keypair{Pub: ed25519.PublicKey(pub), Priv: ed25519.PrivateKey(priv)}
	derived := kp.Priv.Public().(ed25519.PublicKey)
	if !derived.Equal(kp.Pub) {
		return nil, fmt.Errorf("pub.hex does not match priv.hex")
	}
	return kp, nil
}

// LoadOrCreateKeypair loads the keypair stored in dir, generating one on first use.
func LoadOrCreateKeypair(dir string) (*Keypair, error) {
	kp, err := LoadKeypair(dir)
	if err == nil {
		return kp, nil
	}
	if !os.IsNotExist(err) {
		return nil, err
	}
	kp, err = GenKeypair()
	if err != nil {
		return nil, err
	}
	if err := SaveKeypair(dir, kp); err != nil {
		return nil, err
	}
	return kp, nil
}

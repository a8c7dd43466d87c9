// Package solana describes the escrow state the swap core reads from the
// Solana collaborator. Creating, claiming and refunding escrows is done
// elsewhere.
package solana

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/btcsuite/btcd/btcutil/base58"

	"intercomswap/internal/proto"
)

const AddressLen = 32

var (
	ErrBadAddress     = errors.New("bad solana address")
	ErrEscrowNotFound = errors.New("escrow not found")
)

type EscrowState struct {
	PaymentHashHex  string `json:"payment_hash_hex"`
	ProgramID       string `json:"program_id"`
	EscrowPDA       string `json:"escrow_pda,omitempty"`
	VaultATA        string `json:"vault_ata,omitempty"`
	Mint            string `json:"mint"`
	Amount          string `json:"amount"`
	Recipient       string `json:"recipient"`
	Refund          string `json:"refund"`
	RefundAfterUnix int64  `json:"refund_after_unix"`
	TxSig           string `json:"tx_sig,omitempty"`
}

type EscrowReader interface {
	ReadEscrow(ctx context.Context, paymentHashHex string) (EscrowState, error)
}

func FromBody(b proto.SolEscrowCreatedBody) EscrowState {
	return EscrowState{
		PaymentHashHex:  strings.ToLower(b.PaymentHashHex),
		ProgramID:       b.ProgramID,
		EscrowPDA:       b.EscrowPDA,
		VaultATA:        b.VaultATA,
		Mint:            b.Mint,
		Amount:          b.Amount,
		Recipient:       b.Recipient,
		Refund:          b.Refund,
		RefundAfterUnix: b.RefundAfterUnix,
		TxSig:           b.TxSig,
	}
}

// ValidateAddress checks s is base58 for a 32-byte key.
func ValidateAddress(s string) error {
	if s == "" {
		return fmt.Errorf("%w: empty", ErrBadAddress)
	}
	raw := base58.Decode(s)
	if len(raw) != AddressLen {
		return fmt.Errorf("%w: %q decodes to %d bytes", ErrBadAddress, s, len(raw))
	}
	return nil
}

// ParseAmount parses a base-unit token amount.
func ParseAmount(s string) (uint64, error) {
	v, err := strconv.ParseUint(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("bad amount %q: %w", s, err)
	}
	return v, nil
}

// MemoryReader serves escrow state reported by counterparties, keyed by
// payment hash. Later reports replace earlier ones.
type MemoryReader struct {
	mu     sync.RWMutex
	states map[string]EscrowState
}

func NewMemoryReader() *MemoryReader {
	return &MemoryReader{states: make(map[string]EscrowState)}
}

func (r *MemoryReader) Put(s EscrowState) {
	r.mu.Lock()
	r.states[strings.ToLower(s.PaymentHashHex)] = s
	r.mu.Unlock()
}

func (r *MemoryReader) ReadEscrow(_ context.Context, paymentHashHex string) (EscrowState, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.states[strings.ToLower(paymentHashHex)]
	if !ok {
		return EscrowState{}, fmt.Errorf("%w: %s", ErrEscrowNotFound, paymentHashHex)
	}
	return s, nil
}

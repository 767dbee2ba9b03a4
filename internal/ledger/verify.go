package ledger

import (
	"errors"
	"fmt"

	"stageci/internal/security"
)

// ErrChainBroken wraps every verification failure.
var ErrChainBroken = errors.New("ledger chain broken")

// Verify re-computes each record hash, link and signature to detect
// tampering. Every record must be signed by trustedKey, the hex public
// key of the server that owns the ledger.
func (l *Ledger) Verify(trustedKey string) error {
	if trustedKey == "" {
		return errors.New("verify ledger: no trusted public key")
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	for i, r := range l.records {
		if r.Index != i {
			return fmt.Errorf("%w: index mismatch: expected %d got %d", ErrChainBroken, i, r.Index)
		}

		h, err := r.ComputeHash()
		if err != nil {
			return fmt.Errorf("compute hash for index %d: %w", r.Index, err)
		}
		if h != r.Hash {
			return fmt.Errorf("%w: hash mismatch at index %d", ErrChainBroken, r.Index)
		}

		if i > 0 && r.PrevHash != l.records[i-1].Hash {
			return fmt.Errorf("%w: prev hash mismatch at index %d", ErrChainBroken, r.Index)
		}

		if r.PubKey != trustedKey {
			return fmt.Errorf("%w: untrusted signing key at index %d", ErrChainBroken, r.Index)
		}
		ok, err := security.VerifySignatureFromHex(trustedKey, []byte(r.Hash), r.Signature)
		if err != nil {
			return fmt.Errorf("%w: bad signature encoding at index %d: %v", ErrChainBroken, r.Index, err)
		}
		if !ok {
			return fmt.Errorf("%w: signature mismatch at index %d", ErrChainBroken, r.Index)
		}
	}
	return nil
}

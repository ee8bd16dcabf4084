package models

import (
	"errors"
	"fmt"

	"github.com/gagliardetto/solana-go"
)

// SubscriptionFilter selects the accounts the ingestion subscriber receives.
// It is created once per session and never mutated.
type SubscriptionFilter struct {
	Address string
	// ProgramID, when set, subscribes to every account owned by the program and keeps those matching Address.
	ProgramID string
	// IncludeTransactions also subscribes to transactions mentioning Address.
	IncludeTransactions bool
}

// Validate checks that the filter names valid base58 public keys.
func (f SubscriptionFilter) Validate() error {
	if f.Address == "" && f.ProgramID == "" {
		return errors.New("filter requires an address or a program id")
	}
	if f.Address != "" {
		if _, err := solana.PublicKeyFromBase58(f.Address); err != nil {
			return fmt.Errorf("invalid address %q: %w", f.Address, err)
		}
	}
	if f.ProgramID != "" {
		if _, err := solana.PublicKeyFromBase58(f.ProgramID); err != nil {
			return fmt.Errorf("invalid program id %q: %w", f.ProgramID, err)
		}
	}
	return nil
}

// Matches reports whether an account update passes the filter.
func (f SubscriptionFilter) Matches(u *AccountUpdate) bool {
	if u == nil {
		return false
	}
	if f.Address != "" && u.Address != f.Address {
		return false
	}
	if f.ProgramID != "" && u.Owner != "" && u.Owner != f.ProgramID {
		return false
	}
	return true
}

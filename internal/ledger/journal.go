package ledger

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// EntryKind labels the direction of a boundary transfer.
type EntryKind int32

const (
	// EntryCollect pulls collateral from a wallet into the vault.
	EntryCollect EntryKind = iota
	// EntryPayout pays collateral from the vault to a wallet.
	EntryPayout
)

func (k EntryKind) String() string {
	switch k {
	case EntryCollect:
		return "collect"
	case EntryPayout:
		return "payout"
	default:
		return "unknown"
	}
}

// Entry is a single double-entry journal record. The amount is always
// positive and moves from the credit account to the debit account.
type Entry struct {
	ID     uuid.UUID
	Kind   EntryKind
	Debit  Account
	Credit Account
	Amount decimal.Decimal
	At     time.Time
}

// Validate rejects malformed entries before they reach the books.
func (e Entry) Validate() error {
	if !e.Amount.IsPositive() {
		return fmt.Errorf("ledger: entry %s has non-positive amount %s", e.ID, e.Amount)
	}
	if e.Debit == e.Credit {
		return fmt.Errorf("ledger: entry %s has same debit and credit account %s", e.ID, e.Debit)
	}
	return nil
}

package ledger

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// Ledger maintains in-memory account balances and the journal of
// boundary transfers. It satisfies engine.FundsTransfer.
//
// Debits increase a balance, credits decrease it, so wallet accounts
// run negative as funds flow into the vault; the sum over all accounts
// is always zero.
type Ledger struct {
	mu       sync.Mutex
	balances map[Account]decimal.Decimal
	entries  []Entry
	log      zerolog.Logger
}

func New(log zerolog.Logger) *Ledger {
	return &Ledger{
		balances: make(map[Account]decimal.Decimal),
		log:      log,
	}
}

// Collect pulls amount from owner's wallet into the vault.
func (l *Ledger) Collect(owner string, amount decimal.Decimal) error {
	return l.apply(Entry{
		ID:     uuid.New(),
		Kind:   EntryCollect,
		Debit:  AccountVault,
		Credit: WalletAccount(owner),
		Amount: amount,
		At:     time.Now().UTC(),
	})
}

// Send pays amount from the vault to owner's wallet. The vault can
// never be overdrawn: a payout exceeding its balance is refused.
func (l *Ledger) Send(owner string, amount decimal.Decimal) error {
	return l.apply(Entry{
		ID:     uuid.New(),
		Kind:   EntryPayout,
		Debit:  WalletAccount(owner),
		Credit: AccountVault,
		Amount: amount,
		At:     time.Now().UTC(),
	})
}

func (l *Ledger) apply(e Entry) error {
	if err := e.Validate(); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if e.Credit == AccountVault && e.Amount.GreaterThan(l.balances[AccountVault]) {
		return fmt.Errorf("ledger: payout %s exceeds vault balance %s", e.Amount, l.balances[AccountVault])
	}

	l.balances[e.Debit] = l.balances[e.Debit].Add(e.Amount)
	l.balances[e.Credit] = l.balances[e.Credit].Sub(e.Amount)
	l.entries = append(l.entries, e)

	l.log.Debug().
		Str("kind", e.Kind.String()).
		Str("debit", string(e.Debit)).
		Str("credit", string(e.Credit)).
		Str("amount", e.Amount.String()).
		Msg("ledger entry applied")
	return nil
}

// Balance returns the current balance of one account.
func (l *Ledger) Balance(acct Account) decimal.Decimal {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balances[acct]
}

// GlobalBalance sums every account. Anything other than zero means the
// books are corrupt.
func (l *Ledger) GlobalBalance() decimal.Decimal {
	l.mu.Lock()
	defer l.mu.Unlock()

	total := decimal.Zero
	for _, b := range l.balances {
		total = total.Add(b)
	}
	return total
}

// Entries returns a copy of the most recent n journal entries, oldest
// first. n <= 0 returns everything.
func (l *Ledger) Entries(n int) []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()

	if n <= 0 || n > len(l.entries) {
		n = len(l.entries)
	}
	out := make([]Entry, n)
	copy(out, l.entries[len(l.entries)-n:])
	return out
}

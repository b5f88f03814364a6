package ledger_test

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"PerpSettle/internal/ledger"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func TestCollectMovesWalletToVault(t *testing.T) {
	l := ledger.New(zerolog.Nop())

	if err := l.Collect("alice", dec("100")); err != nil {
		t.Fatalf("collect: %v", err)
	}

	if got := l.Balance(ledger.AccountVault); !got.Equal(dec("100")) {
		t.Errorf("vault balance: got %s, want 100", got)
	}
	if got := l.Balance(ledger.WalletAccount("alice")); !got.Equal(dec("-100")) {
		t.Errorf("wallet balance: got %s, want -100", got)
	}
}

func TestSendPaysOutOfVault(t *testing.T) {
	l := ledger.New(zerolog.Nop())

	if err := l.Collect("alice", dec("100")); err != nil {
		t.Fatalf("collect: %v", err)
	}
	if err := l.Send("bob", dec("40")); err != nil {
		t.Fatalf("send: %v", err)
	}

	if got := l.Balance(ledger.AccountVault); !got.Equal(dec("60")) {
		t.Errorf("vault balance: got %s, want 60", got)
	}
	if got := l.Balance(ledger.WalletAccount("bob")); !got.Equal(dec("40")) {
		t.Errorf("bob wallet: got %s, want 40", got)
	}
}

func TestSendRefusesVaultOverdraw(t *testing.T) {
	l := ledger.New(zerolog.Nop())

	if err := l.Collect("alice", dec("10")); err != nil {
		t.Fatalf("collect: %v", err)
	}
	if err := l.Send("alice", dec("10.01")); err == nil {
		t.Fatal("expected overdraw to be refused")
	}

	// Refused payout must leave the books untouched.
	if got := l.Balance(ledger.AccountVault); !got.Equal(dec("10")) {
		t.Errorf("vault balance: got %s, want 10", got)
	}
	if len(l.Entries(0)) != 1 {
		t.Errorf("entries: got %d, want 1", len(l.Entries(0)))
	}
}

func TestGlobalBalanceIsZeroSum(t *testing.T) {
	l := ledger.New(zerolog.Nop())

	for _, step := range []struct {
		owner  string
		amount string
		payout bool
	}{
		{"alice", "100", false},
		{"bob", "250.5", false},
		{"alice", "30.25", true},
		{"carol", "0.0001", false},
		{"bob", "120", true},
	} {
		var err error
		if step.payout {
			err = l.Send(step.owner, dec(step.amount))
		} else {
			err = l.Collect(step.owner, dec(step.amount))
		}
		if err != nil {
			t.Fatalf("step %+v: %v", step, err)
		}
	}

	if got := l.GlobalBalance(); !got.IsZero() {
		t.Errorf("global balance: got %s, want 0", got)
	}
}

func TestCollectRejectsNonPositiveAmount(t *testing.T) {
	l := ledger.New(zerolog.Nop())

	if err := l.Collect("alice", decimal.Zero); err == nil {
		t.Error("expected zero collect to fail")
	}
	if err := l.Collect("alice", dec("-5")); err == nil {
		t.Error("expected negative collect to fail")
	}
	if len(l.Entries(0)) != 0 {
		t.Errorf("entries: got %d, want 0", len(l.Entries(0)))
	}
}

func TestEntryValidate(t *testing.T) {
	e := ledger.Entry{
		ID:     uuid.New(),
		Kind:   ledger.EntryCollect,
		Debit:  ledger.AccountVault,
		Credit: ledger.AccountVault,
		Amount: dec("1"),
		At:     time.Now(),
	}
	if err := e.Validate(); err == nil {
		t.Error("expected self-transfer to fail validation")
	}
}

func TestEntriesReturnsMostRecent(t *testing.T) {
	l := ledger.New(zerolog.Nop())

	for i := 0; i < 5; i++ {
		if err := l.Collect("alice", dec("1")); err != nil {
			t.Fatalf("collect %d: %v", i, err)
		}
	}

	got := l.Entries(2)
	if len(got) != 2 {
		t.Fatalf("entries: got %d, want 2", len(got))
	}
	for _, e := range got {
		if e.Kind != ledger.EntryCollect {
			t.Errorf("kind: got %s, want collect", e.Kind)
		}
	}
}

// Package ledger records every collateral movement across the protocol
// boundary as a double-entry journal. The engine drives it through the
// FundsTransfer interface: deposits and fee collections debit the
// protocol vault against the trader's wallet, payouts reverse the flow.
// The ledger is zero-sum by construction.
package ledger

import "fmt"

// Account identifies one side of a transfer. Wallet accounts represent
// external holders; the vault account holds everything the protocol has
// collected and not yet paid out.
type Account string

// AccountVault is the protocol's pooled collateral account.
const AccountVault Account = "protocol:vault"

// WalletAccount is the external wallet boundary account for an owner.
func WalletAccount(owner string) Account {
	return Account(fmt.Sprintf("wallet:%s", owner))
}

package ledger

import (
	"fmt"
	"sort"
)

// BalanceTracker maintains in-memory account balances
type BalanceTracker struct {
	balances map[AccountKey]int64
}

func NewBalanceTracker() *BalanceTracker {
	return &BalanceTracker{
		balances: make(map[AccountKey]int64),
	}
}

// ApplyJournal applies a single journal entry to balances
func (bt *BalanceTracker) ApplyJournal(j Journal) {
	bt.balances[j.DebitAccount] += j.Amount
	bt.balances[j.CreditAccount] -= j.Amount
}

// ApplyBatch applies all journals in a batch
func (bt *BalanceTracker) ApplyBatch(batch *Batch) error {
	if err := batch.Validate(); err != nil {
		return fmt.Errorf("invalid batch: %w", err)
	}

	for _, j := range batch.Journals {
		bt.ApplyJournal(j)
	}

	return nil
}

// RevertBatch undoes a batch applied by ApplyBatch.
func (bt *BalanceTracker) RevertBatch(batch *Batch) {
	for i := len(batch.Journals) - 1; i >= 0; i-- {
		j := batch.Journals[i]
		bt.balances[j.DebitAccount] -= j.Amount
		bt.balances[j.CreditAccount] += j.Amount
	}
}

// GetBalance returns the current balance for an account
func (bt *BalanceTracker) GetBalance(key AccountKey) int64 {
	return bt.balances[key]
}

// CurveReserve is the reserve held by the curve.
func (bt *BalanceTracker) CurveReserve(reserveAsset string) int64 {
	return bt.GetBalance(NewSystemAccountKey(SubTypeCurveReserve, reserveAsset))
}

// PresaleEscrow is the reserve held for presales.
func (bt *BalanceTracker) PresaleEscrow(reserveAsset string) int64 {
	return bt.GetBalance(NewSystemAccountKey(SubTypePresaleEscrow, reserveAsset))
}

// Issued is the number of tokens of a curve asset minted and not burned.
func (bt *BalanceTracker) Issued(asset string) int64 {
	return -bt.GetBalance(NewSystemAccountKey(SubTypeIssuance, asset))
}

func (bt *BalanceTracker) StakingCustody(asset string) int64 {
	return bt.GetBalance(NewSystemAccountKey(SubTypeStakingCustody, asset))
}

func (bt *BalanceTracker) RewardPool(rewardAsset string) int64 {
	return bt.GetBalance(NewSystemAccountKey(SubTypeRewardPool, rewardAsset))
}

// ComputeGlobalBalance sums all account balances per asset (should be 0 for
// a zero-sum ledger)
func (bt *BalanceTracker) ComputeGlobalBalance() map[string]int64 {
	totals := make(map[string]int64)

	for key, balance := range bt.balances {
		totals[key.Asset] += balance
	}

	return totals
}

// ValidateNonNegative checks that a specific account balance is >= 0
func (bt *BalanceTracker) ValidateNonNegative(key AccountKey) error {
	balance := bt.GetBalance(key)
	if balance < 0 {
		return fmt.Errorf("account %s has negative balance: %d", key.AccountPath(), balance)
	}
	return nil
}

// Snapshot returns all non-zero balances keyed by account path.
func (bt *BalanceTracker) Snapshot() map[string]int64 {
	snapshot := make(map[string]int64, len(bt.balances))
	for k, v := range bt.balances {
		if v != 0 {
			snapshot[k.AccountPath()] = v
		}
	}
	return snapshot
}

// Restore replaces all balances from a Snapshot.
func (bt *BalanceTracker) Restore(snapshot map[string]int64) error {
	balances := make(map[AccountKey]int64, len(snapshot))
	for path, v := range snapshot {
		k, err := ParseAccountPath(path)
		if err != nil {
			return err
		}
		balances[k] = v
	}
	bt.balances = balances
	return nil
}

// AccountBalance is one row of a sorted balance listing.
type AccountBalance struct {
	Account string `json:"account"`
	Balance int64  `json:"balance"`
}

// Sorted lists non-zero balances ordered by account path, for hashing and
// display.
func (bt *BalanceTracker) Sorted() []AccountBalance {
	snap := bt.Snapshot()
	out := make([]AccountBalance, 0, len(snap))
	for path, v := range snap {
		out = append(out, AccountBalance{Account: path, Balance: v})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Account < out[j].Account })
	return out
}

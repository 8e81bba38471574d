package governance_test

import (
	"PerpCurve/internal/governance"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// Pool voting power, pool balances and group totals must always agree with
// the per-voter records, whatever mix of stakes and withdrawals happened.
func TestProperty_ReconcileAfterRandomStakes(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	owners := []string{"alice", "bob", "carol"}

	properties.Property("state reconciles", prop.ForAll(
		func(amounts []int64, splits []int64, withdrawMask []bool) bool {
			e := newTestGovernance(t, governance.DefaultParams(), "a1", "a2")
			for i, amt := range amounts {
				owner := owners[i%len(owners)]
				split := int64(50)
				if i < len(splits) {
					split = splits[i]
				}
				_, err := e.Deposit(governance.DepositRequest{
					Owner:       owner,
					Asset:       "a0",
					Amount:      amt,
					TermDays:    30,
					GroupKey:    "g1",
					Percentages: map[string]int64{"a0": split, "a1": 100 - split},
				}, t0)
				if err != nil {
					return false
				}
				if err := e.Reconcile(); err != nil {
					t.Logf("after deposit %d: %v", i, err)
					return false
				}
			}
			for i, owner := range owners {
				if i >= len(withdrawMask) || !withdrawMask[i] {
					continue
				}
				s, err := e.Stake(owner, "a0")
				if err != nil || s == nil {
					continue
				}
				if _, err := e.Withdraw(governance.WithdrawRequest{Owner: owner, Asset: "a0", Amount: s.Amount/2 + 1}, t0+31*day); err != nil {
					return false
				}
				if err := e.Reconcile(); err != nil {
					t.Logf("after withdraw %s: %v", owner, err)
					return false
				}
			}
			return true
		},
		gen.SliceOfN(6, gen.Int64Range(1, 1_000_000_000)),
		gen.SliceOfN(6, gen.Int64Range(0, 100)),
		gen.SliceOfN(3, gen.Bool()),
	))

	properties.TestingRun(t)
}

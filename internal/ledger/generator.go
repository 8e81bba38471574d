package ledger

import (
	"PerpCurve/internal/curve"
	"PerpCurve/internal/governance"
	"fmt"
	"strconv"

	"github.com/google/uuid"
)

// journalNamespace seeds deterministic batch and journal ids so a replay
// produces the same journals as the original run.
var journalNamespace = uuid.MustParse("6f1c1b7e-3f7a-5d2a-9a43-2b8e7c1d0e55")

// JournalGenerator creates balanced journal batches from committed domain
// results. It never reads balances; pre-checks belong to the engines.
type JournalGenerator struct {
	reserveAsset string
}

func NewJournalGenerator(reserveAsset string) *JournalGenerator {
	return &JournalGenerator{reserveAsset: reserveAsset}
}

// BatchBuilder accumulates the journals of one event.
type BatchBuilder struct {
	batch *Batch
}

// Begin starts a batch for the event identified by eventRef and sequence.
func (jg *JournalGenerator) Begin(eventRef string, sequence, timestamp int64) *BatchBuilder {
	id := uuid.NewSHA1(journalNamespace, []byte(eventRef+"/"+strconv.FormatInt(sequence, 10)))
	return &BatchBuilder{batch: &Batch{
		BatchID:   id,
		EventRef:  eventRef,
		Sequence:  sequence,
		Timestamp: timestamp,
	}}
}

// Transfer moves amount of asset from credit to debit. Zero amounts are
// skipped so callers can pass optional legs unconditionally.
func (b *BatchBuilder) Transfer(jt JournalType, debit, credit AccountKey, asset string, amount int64) *BatchBuilder {
	if amount <= 0 {
		return b
	}
	idx := len(b.batch.Journals)
	b.batch.Journals = append(b.batch.Journals, Journal{
		JournalID:     uuid.NewSHA1(b.batch.BatchID, []byte(strconv.Itoa(idx))),
		BatchID:       b.batch.BatchID,
		EventRef:      b.batch.EventRef,
		Sequence:      b.batch.Sequence,
		DebitAccount:  debit,
		CreditAccount: credit,
		Asset:         asset,
		Amount:        amount,
		JournalType:   jt,
		Timestamp:     b.batch.Timestamp,
	})
	return b
}

// Build returns the batch, or nil when the event moved no funds.
func (b *BatchBuilder) Build() *Batch {
	if len(b.batch.Journals) == 0 {
		return nil
	}
	return b.batch
}

func (jg *JournalGenerator) wallet(asset string) AccountKey {
	return NewExternalAccountKey(asset)
}

// Buy: wallet → curve reserve in the reserve asset, issuance → wallet in
// the bought asset. Fee and tax stay in the reserve.
func (jg *JournalGenerator) Buy(b *BatchBuilder, t *curve.Trade) {
	r := jg.reserveAsset
	b.Transfer(JournalTypeCurveBuy, NewSystemAccountKey(SubTypeCurveReserve, r), jg.wallet(r), r, t.ReserveIn)
	b.Transfer(JournalTypeMint, jg.wallet(t.Asset), NewSystemAccountKey(SubTypeIssuance, t.Asset), t.Asset, t.TokensOut)
}

// Sell burns the tokens and pays the net reserve out of the curve.
func (jg *JournalGenerator) Sell(b *BatchBuilder, t *curve.Trade) {
	r := jg.reserveAsset
	b.Transfer(JournalTypeBurn, NewSystemAccountKey(SubTypeIssuance, t.Asset), jg.wallet(t.Asset), t.Asset, t.TokensIn)
	b.Transfer(JournalTypeCurveSell, jg.wallet(r), NewSystemAccountKey(SubTypeCurveReserve, r), r, t.ReserveOut)
}

// Trade journals either side of an exchange.
func (jg *JournalGenerator) Trade(b *BatchBuilder, t *curve.Trade) {
	if t.Buy {
		jg.Buy(b, t)
	} else {
		jg.Sell(b, t)
	}
}

func (jg *JournalGenerator) PresaleContribution(b *BatchBuilder, amount int64) {
	r := jg.reserveAsset
	b.Transfer(JournalTypePresaleContribution, NewSystemAccountKey(SubTypePresaleEscrow, r), jg.wallet(r), r, amount)
}

func (jg *JournalGenerator) PresaleRefund(b *BatchBuilder, amount int64) {
	r := jg.reserveAsset
	b.Transfer(JournalTypePresaleRefund, jg.wallet(r), NewSystemAccountKey(SubTypePresaleEscrow, r), r, amount)
}

// PresaleClaim folds the escrow into the curve when the claim finalized the
// presale, then mints the claimed tokens or refunds a tokenless
// contribution.
func (jg *JournalGenerator) PresaleClaim(b *BatchBuilder, c *curve.ClaimResult) {
	r := jg.reserveAsset
	escrow := NewSystemAccountKey(SubTypePresaleEscrow, r)
	if c.Listed {
		b.Transfer(JournalTypePresaleFold, NewSystemAccountKey(SubTypeCurveReserve, r), escrow, r, c.Folded)
	}
	b.Transfer(JournalTypeMint, jg.wallet(c.Asset), NewSystemAccountKey(SubTypeIssuance, c.Asset), c.Asset, c.Tokens)
	b.Transfer(JournalTypePresaleRefund, jg.wallet(r), escrow, r, c.Refund)
}

func (jg *JournalGenerator) StakeDeposit(b *BatchBuilder, asset string, amount int64) {
	b.Transfer(JournalTypeStakeDeposit, NewSystemAccountKey(SubTypeStakingCustody, asset), jg.wallet(asset), asset, amount)
}

// StakeWithdraw returns the stake and any reward harvested with it.
func (jg *JournalGenerator) StakeWithdraw(b *BatchBuilder, w *governance.WithdrawResult) {
	b.Transfer(JournalTypeStakeWithdraw, jg.wallet(w.Asset), NewSystemAccountKey(SubTypeStakingCustody, w.Asset), w.Asset, w.Amount)
	if w.RewardAsset != "" {
		jg.Harvest(b, w.RewardAsset, w.Reward)
	}
}

func (jg *JournalGenerator) RewardEmission(b *BatchBuilder, rewardAsset string, amount int64) {
	b.Transfer(JournalTypeRewardEmission, NewSystemAccountKey(SubTypeRewardPool, rewardAsset), jg.wallet(rewardAsset), rewardAsset, amount)
}

func (jg *JournalGenerator) Harvest(b *BatchBuilder, rewardAsset string, amount int64) {
	b.Transfer(JournalTypeRewardHarvest, jg.wallet(rewardAsset), NewSystemAccountKey(SubTypeRewardPool, rewardAsset), rewardAsset, amount)
}

// String is used in log lines.
func (b *Batch) String() string {
	return fmt.Sprintf("batch %s (%s, %d journals)", b.BatchID, b.EventRef, len(b.Journals))
}

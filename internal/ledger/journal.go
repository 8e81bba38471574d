package ledger

import (
	"fmt"

	"github.com/google/uuid"
)

// JournalType represents the purpose of a journal entry
type JournalType int32

const (
	JournalTypeCurveBuy JournalType = iota
	JournalTypeCurveSell
	JournalTypeMint
	JournalTypeBurn
	JournalTypePresaleContribution
	JournalTypePresaleRefund
	JournalTypePresaleFold
	JournalTypeStakeDeposit
	JournalTypeStakeWithdraw
	JournalTypeRewardEmission
	JournalTypeRewardHarvest
)

func (t JournalType) String() string {
	switch t {
	case JournalTypeCurveBuy:
		return "curve_buy"
	case JournalTypeCurveSell:
		return "curve_sell"
	case JournalTypeMint:
		return "mint"
	case JournalTypeBurn:
		return "burn"
	case JournalTypePresaleContribution:
		return "presale_contribution"
	case JournalTypePresaleRefund:
		return "presale_refund"
	case JournalTypePresaleFold:
		return "presale_fold"
	case JournalTypeStakeDeposit:
		return "stake_deposit"
	case JournalTypeStakeWithdraw:
		return "stake_withdraw"
	case JournalTypeRewardEmission:
		return "reward_emission"
	case JournalTypeRewardHarvest:
		return "reward_harvest"
	default:
		return "unknown"
	}
}

// Journal represents a single double-entry journal entry
type Journal struct {
	JournalID     uuid.UUID
	BatchID       uuid.UUID
	EventRef      string     // Trigger id of the source request
	Sequence      int64      // Core sequence of the source event
	DebitAccount  AccountKey // Balance increases
	CreditAccount AccountKey // Balance decreases
	Asset         string
	Amount        int64 // Always positive
	JournalType   JournalType
	Timestamp     int64 // Request timestamp, unix seconds
}

// Batch represents a balanced set of journal entries
type Batch struct {
	BatchID   uuid.UUID
	EventRef  string
	Sequence  int64
	Timestamp int64
	Journals  []Journal
}

// Validate ensures the batch is well-formed. Every entry moves one positive
// amount from its credit to its debit account, so each entry is balanced on
// its own.
func (b *Batch) Validate() error {
	if len(b.Journals) == 0 {
		return fmt.Errorf("batch %s is empty", b.BatchID)
	}

	for _, j := range b.Journals {
		if j.Amount <= 0 {
			return fmt.Errorf("journal %s has non-positive amount: %d", j.JournalID, j.Amount)
		}
		if j.BatchID != b.BatchID {
			return fmt.Errorf("journal %s has mismatched batch_id", j.JournalID)
		}
		if j.DebitAccount == j.CreditAccount {
			return fmt.Errorf("journal %s has same debit and credit account", j.JournalID)
		}
		if j.DebitAccount.Asset != j.Asset || j.CreditAccount.Asset != j.Asset {
			return fmt.Errorf("journal %s mixes assets", j.JournalID)
		}
	}

	return nil
}

package query

import (
	"PerpCurve/internal/apperr"
	"PerpCurve/internal/core"
	"PerpCurve/internal/curve"
	"PerpCurve/internal/governance"
	"PerpCurve/internal/observability"
	"PerpCurve/internal/projection"
	"context"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// Reader runs a read-only function on the core goroutine. core.Runner
// implements it.
type Reader interface {
	Read(ctx context.Context, fn func(*core.DeterministicCore)) error
}

// QueryService answers read-only queries. Computed views (prices, quotes,
// rewards) are evaluated on the core between events; cached views
// (balances, responses) come from the Redis projection; journal history and
// the hash chain come from the Postgres event log. Every response carries
// as_of_sequence.
type QueryService struct {
	core    Reader
	store   *projection.Store
	db      *sql.DB
	metrics *observability.Metrics
	now     func() int64
}

func NewQueryService(reader Reader, store *projection.Store, db *sql.DB, metrics *observability.Metrics) *QueryService {
	return &QueryService{
		core:    reader,
		store:   store,
		db:      db,
		metrics: metrics,
		now:     func() int64 { return time.Now().Unix() },
	}
}

// WithClock overrides the clock used when a query does not pass a time.
func (qs *QueryService) WithClock(now func() int64) *QueryService {
	qs.now = now
	return qs
}

func (qs *QueryService) at(ts int64) int64 {
	if ts > 0 {
		return ts
	}
	return qs.now()
}

// read runs fn on the core and records query metrics.
func (qs *QueryService) read(ctx context.Context, name string, fn func(c *core.DeterministicCore) error) error {
	start := time.Now()
	var fnErr error
	err := qs.core.Read(ctx, func(c *core.DeterministicCore) {
		fnErr = fn(c)
	})
	if err == nil {
		err = fnErr
	}
	qs.observe(name, start, err)
	return err
}

func (qs *QueryService) observe(name string, start time.Time, err error) {
	if qs.metrics == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	qs.metrics.QueryRequests.WithLabelValues(name, outcome).Inc()
	qs.metrics.QueryDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
}

func asOf(c *core.DeterministicCore) int64 {
	return c.GetSequence() - 1
}

// GetPrice returns the marginal price of a live asset. With adjust set the
// price includes smoothing up to at without committing it.
func (qs *QueryService) GetPrice(ctx context.Context, asset string, adjust bool, at int64) (*PriceResponse, error) {
	now := qs.at(at)
	var resp *PriceResponse
	err := qs.read(ctx, "get_price", func(c *core.DeterministicCore) error {
		price, err := c.Curve().Price(asset, adjust, now)
		if err != nil {
			return err
		}
		resp = &PriceResponse{Asset: asset, Price: price, Adjusted: adjust, At: now, AsOfSequence: asOf(c)}
		if target, ok := c.Curve().TargetPrice(asset); ok {
			resp.TargetPrice = target
		}
		return nil
	})
	return resp, err
}

// GetAuctionPrice returns the current price of an auction presale.
func (qs *QueryService) GetAuctionPrice(ctx context.Context, asset string, at int64) (*AuctionPriceResponse, error) {
	now := qs.at(at)
	var resp *AuctionPriceResponse
	err := qs.read(ctx, "get_auction_price", func(c *core.DeterministicCore) error {
		price, err := c.Curve().AuctionPrice(asset, now)
		if err != nil {
			return err
		}
		resp = &AuctionPriceResponse{Asset: asset, Price: price, At: now, AsOfSequence: asOf(c)}
		return nil
	})
	return resp, err
}

// GetExchangeResult quotes an exchange without committing it. A positive
// deltaReserve buys with that much reserve; a positive deltaTokens sells
// that many tokens. Exactly one must be set.
func (qs *QueryService) GetExchangeResult(ctx context.Context, asset string, deltaTokens, deltaReserve, at int64) (*ExchangeResultResponse, error) {
	now := qs.at(at)
	req := curve.ExchangeRequest{Asset: asset}
	switch {
	case deltaReserve > 0 && deltaTokens == 0:
		req.ReserveIn = deltaReserve
	case deltaTokens > 0 && deltaReserve == 0:
		req.TokensIn = deltaTokens
	default:
		return nil, apperr.Validation("exactly one of delta_tokens or delta_reserve must be positive")
	}

	var resp *ExchangeResultResponse
	err := qs.read(ctx, "get_exchange_result", func(c *core.DeterministicCore) error {
		t, err := c.Curve().Quote(req, now)
		if err != nil {
			return err
		}
		resp = &ExchangeResultResponse{
			Asset:        asset,
			DeltaS:       t.DeltaSupply(),
			DeltaR:       t.ReserveIn - t.ReserveOut,
			Fee:          t.Fee,
			ArbProfitTax: t.ArbProfitTax,
			NewSupply:    t.NewSupply,
			NewReserve:   t.NewReserve,
			NewCoef:      t.NewCoef,
			Price:        t.Price,
			TargetPrice:  t.TargetPrice,
			AsOfSequence: asOf(c),
		}
		return nil
	})
	return resp, err
}

// GetRewards returns what user could harvest from their stake in asset.
func (qs *QueryService) GetRewards(ctx context.Context, user, asset string) (*RewardsResponse, error) {
	var resp *RewardsResponse
	err := qs.read(ctx, "get_rewards", func(c *core.DeterministicCore) error {
		if !c.Curve().Exists(asset) {
			return apperr.Validation("unknown asset %s", asset)
		}
		resp = &RewardsResponse{
			User:         user,
			Asset:        asset,
			Rewards:      c.Governance().PendingRewards(user, asset),
			AsOfSequence: asOf(c),
		}
		return nil
	})
	return resp, err
}

// GetStake returns a staker's position including pending rewards.
func (qs *QueryService) GetStake(ctx context.Context, user, asset string) (*StakeResponse, error) {
	var resp *StakeResponse
	err := qs.read(ctx, "get_stake", func(c *core.DeterministicCore) error {
		view, err := c.Governance().Stake(user, asset)
		if err != nil {
			return err
		}
		resp = &StakeResponse{StakeView: *view, AsOfSequence: asOf(c)}
		return nil
	})
	return resp, err
}

// GetVoteGroups returns the vote groups and their per-asset totals.
func (qs *QueryService) GetVoteGroups(ctx context.Context) (*VoteGroupsResponse, error) {
	var resp *VoteGroupsResponse
	err := qs.read(ctx, "get_vote_groups", func(c *core.DeterministicCore) error {
		gov := c.Governance()
		groups := gov.Groups()
		resp = &VoteGroupsResponse{
			Groups:       make([]governance.VoteGroup, 0, len(groups)),
			TotalVP:      gov.TotalVP(),
			AllocatedVP:  gov.AllocatedVP(),
			AsOfSequence: asOf(c),
		}
		for _, g := range groups {
			cp := governance.VoteGroup{
				Key:     g.Key,
				Members: append([]string(nil), g.Members...),
				Totals:  make(map[string]decimal.Decimal, len(g.Totals)),
				Total:   g.Total,
			}
			for asset, total := range g.Totals {
				cp.Totals[asset] = total
			}
			resp.Groups = append(resp.Groups, cp)
		}
		return nil
	})
	return resp, err
}

// GetAsset serves the cached asset snapshot when the projection has one,
// else reads the asset from the core.
func (qs *QueryService) GetAsset(ctx context.Context, asset string) (*AssetResponse, error) {
	if qs.store != nil {
		start := time.Now()
		snap, err := qs.store.Asset(ctx, asset)
		if err == nil {
			qs.observe("get_asset", start, nil)
			return &AssetResponse{AssetSnapshot: *snap, Cached: true}, nil
		}
		if !errors.Is(err, projection.ErrNotFound) {
			qs.observe("get_asset", start, err)
			return nil, err
		}
	}

	now := qs.now()
	var resp *AssetResponse
	err := qs.read(ctx, "get_asset", func(c *core.DeterministicCore) error {
		snap, err := assetSnapshot(c, asset, now)
		if err != nil {
			return err
		}
		resp = &AssetResponse{AssetSnapshot: snap}
		return nil
	})
	return resp, err
}

func assetSnapshot(c *core.DeterministicCore, asset string, now int64) (projection.AssetSnapshot, error) {
	view, err := c.Curve().View(asset)
	if err != nil {
		return projection.AssetSnapshot{}, err
	}
	if view.State == curve.StatePresale {
		if p, err := c.Curve().AuctionPrice(asset, now); err == nil {
			view.Price = p
		}
	}
	return projection.NewAssetSnapshot(view, asOf(c)), nil
}

// AssetSnapshots reads all assets from the core. It implements
// projection.AssetSource.
func (qs *QueryService) AssetSnapshots(ctx context.Context) ([]projection.AssetSnapshot, int64, error) {
	now := qs.now()
	var (
		snaps []projection.AssetSnapshot
		seq   int64
	)
	err := qs.core.Read(ctx, func(c *core.DeterministicCore) {
		seq = asOf(c)
		for _, id := range c.Curve().Assets() {
			if s, err := assetSnapshot(c, id, now); err == nil {
				snaps = append(snaps, s)
			}
		}
	})
	return snaps, seq, err
}

// ProjectionState reads everything needed to rebuild the projection in one
// consistent step.
func (qs *QueryService) ProjectionState(ctx context.Context) (int64, map[string]int64, []projection.AssetSnapshot, error) {
	now := qs.now()
	var (
		seq      int64
		balances map[string]int64
		snaps    []projection.AssetSnapshot
	)
	err := qs.core.Read(ctx, func(c *core.DeterministicCore) {
		seq = asOf(c)
		balances = c.Balances().Snapshot()
		for _, id := range c.Curve().Assets() {
			if s, err := assetSnapshot(c, id, now); err == nil {
				snaps = append(snaps, s)
			}
		}
	})
	return seq, balances, snaps, err
}

// GetBalances returns the projected custody balances.
func (qs *QueryService) GetBalances(ctx context.Context) (*BalancesResponse, error) {
	if qs.store == nil {
		return nil, fmt.Errorf("projection store not configured")
	}
	start := time.Now()
	seq, err := qs.store.Watermark(ctx)
	if err == nil {
		var balances map[string]int64
		balances, err = qs.store.Balances(ctx)
		if err == nil {
			qs.observe("get_balances", start, nil)
			return &BalancesResponse{Balances: balances, AsOfSequence: seq}, nil
		}
	}
	qs.observe("get_balances", start, err)
	return nil, err
}

// GetResponses returns recent responses for an address.
func (qs *QueryService) GetResponses(ctx context.Context, address string, limit int) (*ResponsesResponse, error) {
	if qs.store == nil {
		return nil, fmt.Errorf("projection store not configured")
	}
	start := time.Now()
	seq, err := qs.store.Watermark(ctx)
	if err != nil {
		qs.observe("get_responses", start, err)
		return nil, err
	}
	resps, err := qs.store.Responses(ctx, address, limit)
	qs.observe("get_responses", start, err)
	if err != nil {
		return nil, err
	}
	return &ResponsesResponse{Address: address, Responses: resps, AsOfSequence: seq}, nil
}

// GetJournalHistory returns journal entries touching an account path, newest
// first, paginated by sequence.
func (qs *QueryService) GetJournalHistory(
	ctx context.Context,
	account string,
	limit int,
	afterSequence *int64,
) ([]JournalHistoryEntry, error) {
	if qs.db == nil {
		return nil, fmt.Errorf("event log not configured")
	}
	start := time.Now()

	query := `
		SELECT journal_id, batch_id, event_ref, sequence,
		       debit_account, credit_account, asset, amount, journal_type, event_time
		FROM event_log.journal
		WHERE (debit_account = $1 OR credit_account = $1)
	`
	args := []any{account}
	argIdx := 2

	if afterSequence != nil {
		query += fmt.Sprintf(" AND sequence < $%d", argIdx)
		args = append(args, *afterSequence)
		argIdx++
	}

	query += " ORDER BY sequence DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, limit)

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		qs.observe("get_journal_history", start, err)
		return nil, err
	}
	defer rows.Close()

	var entries []JournalHistoryEntry
	for rows.Next() {
		var (
			e  JournalHistoryEntry
			ts time.Time
		)
		if err := rows.Scan(
			&e.JournalID, &e.BatchID, &e.EventRef, &e.Sequence,
			&e.DebitAccount, &e.CreditAccount, &e.Asset, &e.Amount,
			&e.JournalType, &ts,
		); err != nil {
			qs.observe("get_journal_history", start, err)
			return nil, err
		}
		e.Timestamp = ts.Unix()
		entries = append(entries, e)
	}

	err = rows.Err()
	qs.observe("get_journal_history", start, err)
	return entries, err
}

// --- Admin APIs ---

// VerifyIntegrity checks the persisted hash chain, the custody ledger's
// zero-sum property and the engines' own invariants.
func (qs *QueryService) VerifyIntegrity(ctx context.Context) (*IntegrityReport, error) {
	report := &IntegrityReport{}

	if qs.db != nil {
		rows, err := qs.db.QueryContext(ctx, `
			SELECT e1.sequence
			FROM event_log.events e1
			JOIN event_log.events e2 ON e2.sequence = e1.sequence - 1
			WHERE e1.prev_hash != e2.state_hash
			ORDER BY e1.sequence
			LIMIT 10
		`)
		if err != nil {
			return nil, err
		}
		defer rows.Close()

		for rows.Next() {
			var seq int64
			if err := rows.Scan(&seq); err != nil {
				return nil, err
			}
			report.HashChainBreaks = append(report.HashChainBreaks, seq)
		}
		if err := rows.Err(); err != nil {
			return nil, err
		}
	}

	err := qs.core.Read(ctx, func(c *core.DeterministicCore) {
		report.AsOfSequence = asOf(c)
		for asset, total := range c.Balances().ComputeGlobalBalance() {
			if total != 0 {
				report.UnbalancedAssets = append(report.UnbalancedAssets, UnbalancedAsset{Asset: asset, Imbalance: total})
			}
		}
		if err := c.Curve().CheckInvariant(); err != nil {
			report.InvariantError = err.Error()
		} else if err := c.Governance().Reconcile(); err != nil {
			report.InvariantError = err.Error()
		}
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(report.UnbalancedAssets, func(i, j int) bool {
		return report.UnbalancedAssets[i].Asset < report.UnbalancedAssets[j].Asset
	})

	report.IsHealthy = len(report.HashChainBreaks) == 0 &&
		len(report.UnbalancedAssets) == 0 &&
		report.InvariantError == ""
	return report, nil
}

// GetEventLogInfo reports the core head against the persisted and projected
// watermarks.
func (qs *QueryService) GetEventLogInfo(ctx context.Context) (*EventLogInfo, error) {
	info := &EventLogInfo{PersistedSequence: -1, ProjectedSequence: -1}
	err := qs.core.Read(ctx, func(c *core.DeterministicCore) {
		info.CoreSequence = asOf(c)
		tip := c.GetStateHash()
		info.StateHash = hex.EncodeToString(tip[:])
	})
	if err != nil {
		return nil, err
	}

	if qs.db != nil {
		var seq sql.NullInt64
		if err := qs.db.QueryRowContext(ctx, `SELECT MAX(sequence) FROM event_log.events`).Scan(&seq); err != nil {
			return nil, fmt.Errorf("persisted sequence: %w", err)
		}
		info.PersistedSequence = 0
		if seq.Valid {
			info.PersistedSequence = seq.Int64
		}
	}
	if qs.store != nil {
		seq, err := qs.store.Watermark(ctx)
		if err != nil {
			return nil, fmt.Errorf("projection watermark: %w", err)
		}
		info.ProjectedSequence = seq
	}
	return info, nil
}

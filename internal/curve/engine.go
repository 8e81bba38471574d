package curve

import (
	"PerpCurve/internal/apperr"
	"PerpCurve/internal/feed"
	"fmt"

	"github.com/shopspring/decimal"
)

// BaseAssetID is the id of the governance asset created with the curve.
const BaseAssetID = "a0"

// Engine owns the reserve invariant and all per-asset state. It is driven by
// a single goroutine and holds no locks.
type Engine struct {
	state *State
	feeds feed.Source
}

// NewEngine creates a curve holding only the base asset.
func NewEngine(params Params, feeds feed.Source, genesis int64) (*Engine, error) {
	if err := params.Validate(); err != nil {
		return nil, fmt.Errorf("curve params: %w", err)
	}
	st := &State{
		Coef:   params.InitialCoef,
		Assets: make(map[string]*AssetEntry),
		Params: params,
	}
	st.Assets[BaseAssetID] = &AssetEntry{
		ID:             BaseAssetID,
		Symbol:         params.BaseSymbol,
		A:              params.BaseCoefficient,
		State:          StateLive,
		LastAdjustedAt: genesis,
	}
	st.Order = []string{BaseAssetID}
	st.NextIndex = 1
	return &Engine{state: st, feeds: feeds}, nil
}

// Restore replaces the engine state, e.g. from a snapshot.
func (e *Engine) Restore(st *State) error {
	if st == nil || st.Assets == nil {
		return fmt.Errorf("empty curve state")
	}
	if err := st.CheckInvariant(); err != nil {
		return fmt.Errorf("restored curve state: %w", err)
	}
	e.state = st
	return nil
}

// State exposes the live state for snapshotting. Callers must not mutate it.
func (e *Engine) State() *State {
	return e.state
}

func (e *Engine) Params() Params {
	return e.state.Params
}

func (e *Engine) ReserveAsset() string {
	return e.state.Params.ReserveAsset
}

func (e *Engine) BaseAsset() string {
	return BaseAssetID
}

func (e *Engine) Reserve() int64 {
	return e.state.Reserve
}

func (e *Engine) Coef() decimal.Decimal {
	return e.state.Coef
}

// IsLive reports whether asset is tradable on the curve.
func (e *Engine) IsLive(asset string) bool {
	a, ok := e.state.Assets[asset]
	return ok && a.IsLive()
}

// Exists reports whether the asset was ever listed.
func (e *Engine) Exists(asset string) bool {
	_, ok := e.state.Assets[asset]
	return ok
}

// Assets returns asset ids in listing order.
func (e *Engine) Assets() []string {
	return append([]string(nil), e.state.Order...)
}

func (e *Engine) Supply(asset string) int64 {
	if a, ok := e.state.Assets[asset]; ok {
		return a.Supply
	}
	return 0
}

func (e *Engine) Circulating(asset string) int64 {
	return e.state.Circulating(asset)
}

func (e *Engine) EscrowBalance() int64 {
	return e.state.EscrowBalance()
}

func (e *Engine) CheckInvariant() error {
	return e.state.CheckInvariant()
}

// commit runs fn against a smoothed copy of the state and swaps it in only
// if fn succeeds and the invariant holds.
func (e *Engine) commit(now int64, fn func(st *State) error) error {
	st := e.state.clone()
	st.smooth(now, e.feeds)
	if err := fn(st); err != nil {
		return err
	}
	if err := st.CheckInvariant(); err != nil {
		return err
	}
	e.state = st
	return nil
}

// Quote solves an exchange without committing it. Exchange with the same
// pre-state and timestamp yields the identical Trade.
func (e *Engine) Quote(req ExchangeRequest, now int64) (*Trade, error) {
	st := e.state.clone()
	st.smooth(now, e.feeds)
	t, err := plan(st, e.feeds, req)
	if err != nil {
		return nil, err
	}
	apply(st, t)
	if err := st.CheckInvariant(); err != nil {
		return nil, err
	}
	return t, nil
}

// Exchange buys (ReserveIn) or sells (TokensIn) an asset against the curve.
func (e *Engine) Exchange(req ExchangeRequest, now int64) (*Trade, error) {
	var trade *Trade
	err := e.commit(now, func(st *State) error {
		t, err := plan(st, e.feeds, req)
		if err != nil {
			return err
		}
		apply(st, t)
		trade = t
		return nil
	})
	if err != nil {
		return nil, err
	}
	return trade, nil
}

// Price returns the marginal price of asset in reserve units per token. With
// adjust set the price reflects smoothing as of now without committing it.
func (e *Engine) Price(asset string, adjust bool, now int64) (decimal.Decimal, error) {
	st := e.state
	if adjust {
		st = st.clone()
		st.smooth(now, e.feeds)
	}
	a, err := st.asset(asset)
	if err != nil {
		return decimal.Zero, err
	}
	if !a.IsLive() {
		return decimal.Zero, apperr.Validation("asset %s is in presale", asset)
	}
	return st.marginalPrice(asset), nil
}

// TargetPrice returns the feed-derived price the asset tracks.
func (e *Engine) TargetPrice(asset string) (decimal.Decimal, bool) {
	a, ok := e.state.Assets[asset]
	if !ok || a.Feed == nil {
		return decimal.Zero, false
	}
	return a.Feed.Resolve(e.feeds)
}

// AuctionPrice returns the current price of an auction presale.
func (e *Engine) AuctionPrice(asset string, now int64) (decimal.Decimal, error) {
	a, err := e.state.asset(asset)
	if err != nil {
		return decimal.Zero, err
	}
	if a.Presale == nil || a.Presale.Auction == nil {
		return decimal.Zero, apperr.Validation("asset %s has no auction", asset)
	}
	return a.Presale.auctionPrice(now)
}

// Contribute escrows reserve into an open presale.
func (e *Engine) Contribute(user, asset string, reserveIn, now int64) (*ContributionResult, error) {
	return e.state.contribute(user, asset, reserveIn, now)
}

// RefundPresale returns part of a contribution while the presale is open.
func (e *Engine) RefundPresale(user, asset string, amount, now int64) (int64, error) {
	return e.state.refund(user, asset, amount, now)
}

// Claim pays out a contributor's presale tokens, finalizing the presale on
// the first claim after it closes.
func (e *Engine) Claim(user, asset string, now int64) (*ClaimResult, error) {
	a, err := e.state.asset(asset)
	if err != nil {
		return nil, err
	}
	if a.Presale != nil && a.Presale.Finalized {
		return e.state.claim(user, asset, now, e.feeds)
	}
	// Finalization touches the curve; run it on a copy so a failure leaves
	// nothing behind.
	var res *ClaimResult
	err = e.commitWithPresale(asset, now, func(st *State) error {
		r, err := st.claim(user, asset, now, e.feeds)
		res = r
		return err
	})
	return res, err
}

// commitWithPresale is commit with a private copy of one presale record.
func (e *Engine) commitWithPresale(asset string, now int64, fn func(st *State) error) error {
	st := e.state.clone()
	if a := st.Assets[asset]; a != nil && a.Presale != nil {
		p := *a.Presale
		p.Contributions = make(map[string]*Contribution, len(a.Presale.Contributions))
		for k, c := range a.Presale.Contributions {
			cp := *c
			p.Contributions[k] = &cp
		}
		a.Presale = &p
	}
	if err := fn(st); err != nil {
		return err
	}
	if err := st.CheckInvariant(); err != nil {
		return err
	}
	e.state = st
	return nil
}

// ListingRequest describes a governance-approved new asset. Exactly one of
// Feed or Auction is set.
type ListingRequest struct {
	Symbol    string
	Feed      *feed.Ref
	Auction   *AuctionTerms
	MaxTokens int64
}

// AddAsset opens a presale for a new asset and returns its id.
func (e *Engine) AddAsset(req ListingRequest, now int64) (string, error) {
	st := e.state
	if req.Symbol == "" {
		return "", apperr.Validation("symbol required")
	}
	for _, id := range st.Order {
		if st.Assets[id].Symbol == req.Symbol {
			return "", apperr.Validation("symbol %s already listed as %s", req.Symbol, id)
		}
	}
	if (req.Feed == nil) == (req.Auction == nil) {
		return "", apperr.Validation("listing needs exactly one of feed or auction")
	}
	if req.Feed != nil {
		if err := req.Feed.Validate(); err != nil {
			return "", err
		}
	}
	if req.MaxTokens < 0 {
		return "", apperr.Validation("max_tokens must be non-negative")
	}
	var auction *AuctionTerms
	if req.Auction != nil {
		if req.Auction.InitialPrice.Sign() <= 0 {
			return "", apperr.Validation("initial auction price must be positive")
		}
		if req.MaxTokens == 0 {
			return "", apperr.Validation("auction needs max_tokens")
		}
		terms := *req.Auction
		if terms.HalvingPeriod <= 0 {
			terms.HalvingPeriod = st.Params.AuctionHalvingPeriod
		}
		auction = &terms
	}

	id := fmt.Sprintf("a%d", st.NextIndex)
	st.NextIndex++
	st.Assets[id] = &AssetEntry{
		ID:     id,
		Symbol: req.Symbol,
		A:      st.Params.BaseCoefficient,
		Feed:   req.Feed,
		State:  StatePresale,
		Presale: &PresaleRecord{
			OpenedAt:      now,
			ClosesAt:      now + st.Params.PresalePeriod,
			MaxTokens:     req.MaxTokens,
			Auction:       auction,
			Contributions: make(map[string]*Contribution),
		},
		LastAdjustedAt: now,
	}
	st.Order = append(st.Order, id)
	return id, nil
}

// SetFeed rebinds an asset to a different feed. Pending smoothing is
// settled against the old feed first.
func (e *Engine) SetFeed(asset string, ref feed.Ref, now int64) error {
	if err := ref.Validate(); err != nil {
		return err
	}
	a, err := e.state.asset(asset)
	if err != nil {
		return err
	}
	if a.Feed == nil {
		return apperr.Validation("asset %s does not track a feed", asset)
	}
	return e.commit(now, func(st *State) error {
		r := ref
		st.Assets[asset].Feed = &r
		return nil
	})
}

// ValidateParam checks a governed parameter value without applying it.
func (e *Engine) ValidateParam(name, value string) error {
	return e.state.Params.ValidateParam(name, value)
}

// SetParam applies a governed parameter change.
func (e *Engine) SetParam(name, value string, now int64) error {
	if err := e.state.Params.ValidateParam(name, value); err != nil {
		return err
	}
	return e.commit(now, func(st *State) error {
		return st.Params.Set(name, value)
	})
}

// AssetView is a read-only summary of one asset.
type AssetView struct {
	ID          string          `json:"id"`
	Symbol      string          `json:"symbol"`
	State       ListingState    `json:"state"`
	Supply      int64           `json:"supply"`
	A           decimal.Decimal `json:"a"`
	Feed        string          `json:"feed,omitempty"`
	Price       decimal.Decimal `json:"price"`
	TargetPrice decimal.Decimal `json:"target_price"`
	ClosesAt    int64           `json:"closes_at,omitempty"`
	Collected   int64           `json:"collected,omitempty"`
	Sold        int64           `json:"sold,omitempty"`
	MaxTokens   int64           `json:"max_tokens,omitempty"`
}

// View summarizes an asset as of the committed state.
func (e *Engine) View(asset string) (*AssetView, error) {
	a, err := e.state.asset(asset)
	if err != nil {
		return nil, err
	}
	v := &AssetView{
		ID:     a.ID,
		Symbol: a.Symbol,
		State:  a.State,
		Supply: a.Supply,
		A:      a.A,
	}
	if a.Feed != nil {
		v.Feed = a.Feed.String()
		v.TargetPrice, _ = a.Feed.Resolve(e.feeds)
	}
	if a.IsLive() {
		v.Price = e.state.marginalPrice(a.ID)
	}
	if p := a.Presale; p != nil && !p.Finalized {
		v.ClosesAt = p.ClosesAt
		v.Collected = p.Collected
		v.Sold = p.Sold
		v.MaxTokens = p.MaxTokens
	}
	return v, nil
}

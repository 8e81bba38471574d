package curve

import (
	"PerpCurve/internal/apperr"
	"PerpCurve/internal/feed"
	fpmath "PerpCurve/internal/math"
	"sort"

	"github.com/shopspring/decimal"
)

// AuctionTerms configure a descending-price pre-listing auction.
type AuctionTerms struct {
	InitialPrice  decimal.Decimal `json:"initial_price"`
	HalvingPeriod int64           `json:"halving_period"`
}

// Contribution is one address's stake in a presale. Tokens are fixed at
// contribution time for auctions and at finalization for feed presales.
type Contribution struct {
	Reserve int64 `json:"reserve"`
	Tokens  int64 `json:"tokens"`
	Claimed bool  `json:"claimed"`
}

// PresaleRecord tracks an asset from listing until every contributor has
// claimed.
type PresaleRecord struct {
	OpenedAt      int64                    `json:"opened_at"`
	ClosesAt      int64                    `json:"closes_at"`
	Collected     int64                    `json:"collected"`
	Escrow        int64                    `json:"escrow"`
	MaxTokens     int64                    `json:"max_tokens"`
	Sold          int64                    `json:"sold"`
	Auction       *AuctionTerms            `json:"auction,omitempty"`
	Contributions map[string]*Contribution `json:"contributions"`
	Finalized     bool                     `json:"finalized"`
	FinalPrice    decimal.Decimal          `json:"final_price"`
	Folded        int64                    `json:"folded"`
}

// closed reports whether the presale stopped taking contributions.
func (p *PresaleRecord) closed(now int64) bool {
	if p.Finalized || now >= p.ClosesAt {
		return true
	}
	return p.Auction != nil && p.MaxTokens > 0 && p.Sold >= p.MaxTokens
}

func (p *PresaleRecord) unclaimedTokens() int64 {
	var total int64
	for _, c := range p.Contributions {
		if !c.Claimed {
			total += c.Tokens
		}
	}
	return total
}

func (p *PresaleRecord) sortedContributors() []string {
	out := make([]string, 0, len(p.Contributions))
	for addr := range p.Contributions {
		out = append(out, addr)
	}
	sort.Strings(out)
	return out
}

// auctionPrice evaluates initial·2^(−elapsed/halving).
func (p *PresaleRecord) auctionPrice(now int64) (decimal.Decimal, error) {
	return fpmath.HalvingDecay(p.Auction.InitialPrice, now-p.OpenedAt, p.Auction.HalvingPeriod)
}

// ContributionResult describes an accepted presale contribution.
type ContributionResult struct {
	Asset   string          `json:"asset"`
	Reserve int64           `json:"reserve"`
	Tokens  int64           `json:"tokens"`
	Price   decimal.Decimal `json:"price"`
}

func (s *State) openPresale(id string, now int64) (*AssetEntry, *PresaleRecord, error) {
	a, err := s.asset(id)
	if err != nil {
		return nil, nil, err
	}
	if a.State != StatePresale || a.Presale == nil {
		return nil, nil, apperr.Validation("asset %s is not in presale", id)
	}
	if a.Presale.closed(now) {
		return nil, nil, apperr.Validation("presale of %s is closed", id)
	}
	return a, a.Presale, nil
}

func (s *State) contribute(user, id string, reserveIn, now int64) (*ContributionResult, error) {
	if reserveIn <= 0 {
		return nil, apperr.Validation("contribution must be positive")
	}
	_, p, err := s.openPresale(id, now)
	if err != nil {
		return nil, err
	}

	res := &ContributionResult{Asset: id, Reserve: reserveIn}
	if p.Auction != nil {
		price, err := p.auctionPrice(now)
		if err != nil {
			return nil, apperr.Validation("auction price: %v", err)
		}
		tokens, err := fpmath.FloorInt64(decimal.NewFromInt(reserveIn).Div(price))
		if err != nil {
			return nil, apperr.Validation("token amount overflow")
		}
		if tokens <= 0 {
			return nil, apperr.Validation("contribution %d buys no tokens at price %s", reserveIn, price)
		}
		if p.MaxTokens > 0 && p.Sold+tokens > p.MaxTokens {
			return nil, apperr.Capacity("auction of %s has %d tokens left, contribution needs %d", id, p.MaxTokens-p.Sold, tokens)
		}
		res.Tokens = tokens
		res.Price = price
	}

	c, ok := p.Contributions[user]
	if !ok {
		c = &Contribution{}
		p.Contributions[user] = c
	}
	c.Reserve += reserveIn
	c.Tokens += res.Tokens
	p.Collected += reserveIn
	p.Escrow += reserveIn
	p.Sold += res.Tokens
	return res, nil
}

// refund withdraws part of a contribution while the presale is open. Auction
// tokens shrink in proportion to the remaining reserve.
func (s *State) refund(user, id string, amount, now int64) (int64, error) {
	if amount <= 0 {
		return 0, apperr.Validation("withdraw amount must be positive")
	}
	_, p, err := s.openPresale(id, now)
	if err != nil {
		return 0, err
	}
	c, ok := p.Contributions[user]
	if !ok {
		return 0, apperr.Validation("no contribution from %s", user)
	}
	if amount > c.Reserve {
		return 0, apperr.Validation("withdraw amount %d exceeds contribution %d", amount, c.Reserve)
	}

	remainingTokens := int64(0)
	if c.Tokens > 0 {
		remainingTokens, err = fpmath.MulDivInt64(c.Tokens, c.Reserve-amount, c.Reserve, fpmath.RoundDown)
		if err != nil {
			return 0, apperr.Validation("token amount overflow")
		}
	}
	p.Sold -= c.Tokens - remainingTokens
	c.Tokens = remainingTokens
	c.Reserve -= amount
	p.Collected -= amount
	p.Escrow -= amount
	if c.Reserve == 0 {
		delete(p.Contributions, user)
	}
	return amount, nil
}

// ClaimResult describes a presale claim: minted tokens, plus a reserve refund
// for contributions too small to buy a token.
type ClaimResult struct {
	Asset  string `json:"asset"`
	Tokens int64  `json:"tokens"`
	Refund int64  `json:"refund"`
	// Listed is set when this claim finalized the presale; Folded is then
	// the escrowed reserve that moved into the curve.
	Listed bool  `json:"listed"`
	Folded int64 `json:"folded,omitempty"`
}

func (s *State) claim(user, id string, now int64, feeds feed.Source) (*ClaimResult, error) {
	a, err := s.asset(id)
	if err != nil {
		return nil, err
	}
	p := a.Presale
	if p == nil {
		return nil, apperr.Validation("asset %s had no presale", id)
	}
	if !p.closed(now) {
		return nil, apperr.NotYetClaimable("presale of %s closes at %d", id, p.ClosesAt)
	}
	c, ok := p.Contributions[user]
	if !ok {
		return nil, apperr.Validation("no contribution from %s", user)
	}
	if c.Claimed {
		return nil, apperr.Validation("already claimed")
	}

	res := &ClaimResult{Asset: id}
	if !p.Finalized {
		if err := s.finalize(a, now, feeds); err != nil {
			return nil, err
		}
		res.Listed = true
		res.Folded = p.Folded
	}

	c.Claimed = true
	res.Tokens = c.Tokens
	if c.Tokens == 0 {
		res.Refund = c.Reserve
		p.Escrow -= c.Reserve
	}
	return res, nil
}

// finalize fixes token amounts and folds the presale into the curve so that
// existing prices are unchanged: the new asset gets x = a·S² = R·Σ/r.
func (s *State) finalize(a *AssetEntry, now int64, feeds feed.Source) error {
	p := a.Presale
	if p.Auction == nil {
		price, ok := decimal.Zero, false
		if a.Feed != nil {
			price, ok = a.Feed.Resolve(feeds)
		}
		if !ok {
			return apperr.Validation("no feed price for %s, presale cannot be finalized", a.ID)
		}
		p.FinalPrice = price
		for _, addr := range p.sortedContributors() {
			c := p.Contributions[addr]
			tokens, err := fpmath.FloorInt64(decimal.NewFromInt(c.Reserve).Div(price))
			if err != nil {
				return apperr.Validation("token amount overflow")
			}
			c.Tokens = tokens
		}
	}

	var foldReserve, foldTokens int64
	for _, addr := range p.sortedContributors() {
		c := p.Contributions[addr]
		if c.Tokens > 0 {
			foldReserve += c.Reserve
			foldTokens += c.Tokens
		}
	}
	if p.Auction != nil && foldTokens > 0 {
		p.FinalPrice = fpmath.Div(decimal.NewFromInt(foldReserve), decimal.NewFromInt(foldTokens))
	}

	s.smooth(now, feeds)

	coefA := s.Params.BaseCoefficient
	sig := s.sigma("")
	if foldTokens > 0 && s.Reserve > 0 && sig.Sign() > 0 {
		x := fpmath.Div(decimal.NewFromInt(foldReserve).Mul(sig), decimal.NewFromInt(s.Reserve))
		tok := decimal.NewFromInt(foldTokens)
		if v := fpmath.Div(x, tok.Mul(tok)); v.Sign() > 0 {
			coefA = v
		}
	}

	a.A = coefA
	a.Supply = foldTokens
	a.State = StateLive
	a.LastAdjustedAt = now
	p.Finalized = true
	p.Folded = foldReserve
	p.Escrow -= foldReserve
	s.Reserve += foldReserve
	s.refit()
	return nil
}

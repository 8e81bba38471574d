package core

import (
	"PerpCurve/internal/apperr"
	"PerpCurve/internal/curve"
	"PerpCurve/internal/event"
	"PerpCurve/internal/feed"
	"PerpCurve/internal/governance"
	"sort"
	"strconv"

	"github.com/shopspring/decimal"
)

func attachment(h *event.Header) (*event.Attachment, error) {
	if h.Attached == nil || h.Attached.Amount <= 0 || h.Attached.Asset == "" {
		return nil, apperr.Validation("request needs an attached amount")
	}
	return h.Attached, nil
}

// --- Curve ---

func (c *DeterministicCore) handleExchange(e *event.Exchange, tx *transition) error {
	att, err := attachment(&e.Header)
	if err != nil {
		return err
	}
	reserveAsset := c.curve.ReserveAsset()
	req := curve.ExchangeRequest{Asset: e.Asset}
	switch {
	case att.Asset == reserveAsset:
		req.ReserveIn = att.Amount
	case e.Asset == "" || att.Asset == e.Asset:
		req.Asset = att.Asset
		req.TokensIn = att.Amount
	default:
		return apperr.Validation("attached %s does not match asset %s", att.Asset, e.Asset)
	}

	t, err := c.curve.Exchange(req, tx.now)
	if err != nil {
		return err
	}
	tx.consumed = true
	c.journalGen.Trade(tx.batch, t)

	tx.resp.Set("asset", t.Asset)
	tx.resp.Set("delta_s", strconv.FormatInt(t.DeltaSupply(), 10))
	tx.resp.Set("fee", strconv.FormatInt(t.Fee, 10))
	tx.resp.Set("arb_profit_tax", strconv.FormatInt(t.ArbProfitTax, 10))
	tx.resp.Set("price", t.Price.String())
	if t.Buy {
		tx.resp.Pay(e.Sender, t.Asset, t.TokensOut)
	} else {
		tx.resp.Pay(e.Sender, reserveAsset, t.ReserveOut)
	}

	if c.metrics != nil {
		c.metrics.CurveFeesTotal.Add(float64(t.Fee))
		c.metrics.CurveArbTaxTotal.Add(float64(t.ArbProfitTax))
	}
	return nil
}

func (c *DeterministicCore) handlePresaleContribute(e *event.PresaleContribute, tx *transition) error {
	att, err := attachment(&e.Header)
	if err != nil {
		return err
	}
	if att.Asset != c.curve.ReserveAsset() {
		return apperr.Validation("presale contributions are paid in %s", c.curve.ReserveAsset())
	}
	res, err := c.curve.Contribute(e.Sender, e.Asset, att.Amount, tx.now)
	if err != nil {
		return err
	}
	tx.consumed = true
	c.journalGen.PresaleContribution(tx.batch, res.Reserve)

	tx.resp.Set("asset", res.Asset)
	tx.resp.Set("contributed", strconv.FormatInt(res.Reserve, 10))
	if res.Tokens > 0 {
		tx.resp.Set("tokens", strconv.FormatInt(res.Tokens, 10))
		tx.resp.Set("price", res.Price.String())
	}
	return nil
}

func (c *DeterministicCore) handlePresaleWithdraw(e *event.PresaleWithdraw, tx *transition) error {
	refunded, err := c.curve.RefundPresale(e.Sender, e.Asset, e.Amount, tx.now)
	if err != nil {
		return err
	}
	c.journalGen.PresaleRefund(tx.batch, refunded)
	tx.resp.Set("refunded", strconv.FormatInt(refunded, 10))
	tx.resp.Pay(e.Sender, c.curve.ReserveAsset(), refunded)
	return nil
}

func (c *DeterministicCore) handlePresaleClaim(e *event.PresaleClaim, tx *transition) error {
	res, err := c.curve.Claim(e.Sender, e.Asset, tx.now)
	if err != nil {
		return err
	}
	c.journalGen.PresaleClaim(tx.batch, res)

	tx.resp.Set("asset", res.Asset)
	tx.resp.Set("tokens", strconv.FormatInt(res.Tokens, 10))
	if res.Listed {
		tx.resp.Set("listed", "true")
		c.log.Info().Str("asset", res.Asset).Int64("folded", res.Folded).Msg("presale finalized")
	}
	tx.resp.Pay(e.Sender, res.Asset, res.Tokens)
	tx.resp.Pay(e.Sender, c.curve.ReserveAsset(), res.Refund)
	return nil
}

// --- Governance ---

func (c *DeterministicCore) handleStakeDeposit(e *event.StakeDeposit, tx *transition) error {
	att, err := attachment(&e.Header)
	if err != nil {
		return err
	}
	res, err := c.gov.Deposit(governance.DepositRequest{
		Owner:       e.Sender,
		Asset:       att.Asset,
		Amount:      att.Amount,
		TermDays:    e.TermDays,
		GroupKey:    e.GroupKey,
		Percentages: e.Percentages,
	}, tx.now)
	if err != nil {
		return err
	}
	tx.consumed = true
	c.journalGen.StakeDeposit(tx.batch, res.Asset, res.Staked)

	tx.resp.Set("asset", res.Asset)
	tx.resp.Set("staked", strconv.FormatInt(res.Staked, 10))
	if res.LockedUntil > 0 {
		tx.resp.Set("locked_until", strconv.FormatInt(res.LockedUntil, 10))
		tx.resp.Set("added_vp", res.AddedVP.String())
	}
	return nil
}

func (c *DeterministicCore) handleVoteValue(e *event.VoteValue, tx *transition) error {
	res, err := c.gov.VoteValue(e.Sender, e.Name, e.Params, e.Value)
	if err != nil {
		return err
	}
	setVoteFields(tx, res)
	if res.Decision == nil {
		return nil
	}

	d := res.Decision
	c.log.Info().
		Str("proposal", d.Proposal).
		Str("value", d.Value).
		Str("action", d.Action.String()).
		Msg("governance decision")

	switch d.Action {
	case governance.ActionListFeedAsset:
		tx.followUp(&event.ListAsset{
			FollowUp: tx.next(),
			Proposal: d.Proposal,
			Symbol:   d.Params["symbol"],
			Feed:     d.Params["feed_name"] + "*" + d.Params["multiplier"],
		})
	case governance.ActionListAuctionAsset:
		price, err := decimal.NewFromString(d.Params["initial_auction_price"])
		if err != nil {
			return apperr.Invariant("decision %s: bad auction price: %v", d.Proposal, err)
		}
		maxTokens, err := strconv.ParseInt(d.Params["max_tokens"], 10, 64)
		if err != nil {
			return apperr.Invariant("decision %s: bad max_tokens: %v", d.Proposal, err)
		}
		tx.followUp(&event.ListAsset{
			FollowUp:     tx.next(),
			Proposal:     d.Proposal,
			Symbol:       d.Params["symbol"],
			InitialPrice: price,
			MaxTokens:    maxTokens,
		})
	case governance.ActionChangeFeed:
		tx.followUp(&event.ChangeFeed{
			FollowUp: tx.next(),
			Asset:    d.Params["asset"],
			Feed:     d.Value,
		})
	case governance.ActionSetCurveParam:
		tx.followUp(&event.SetCurveParam{
			FollowUp: tx.next(),
			Name:     d.Name,
			Value:    d.Value,
		})
	}
	return nil
}

func (c *DeterministicCore) handleVoteRewardAsset(e *event.VoteRewardAsset, tx *transition) error {
	res, err := c.gov.VoteRewardAsset(e.Sender, e.RewardAsset, e.Whitelist)
	if err != nil {
		return err
	}
	setVoteFields(tx, res)
	return nil
}

func setVoteFields(tx *transition, res *governance.VoteResult) {
	tx.resp.Set("proposal", res.Proposal)
	tx.resp.Set("leader", res.Leader)
	tx.resp.Set("support", res.Support.String())
	if res.Switched {
		tx.resp.Set("switched", "true")
	}
	if res.Message != "" {
		tx.resp.Set("message", res.Message)
	}
}

func (c *DeterministicCore) handleVoteShares(e *event.VoteShares, tx *transition) error {
	shares, err := c.gov.VoteShares(e.Sender, e.GroupKey1, e.GroupKey2, e.Changes)
	if err != nil {
		return err
	}
	assets := make([]string, 0, len(shares))
	for asset := range shares {
		assets = append(assets, asset)
	}
	sort.Strings(assets)
	for _, asset := range assets {
		tx.resp.Set("vp:"+asset, shares[asset].String())
	}
	return nil
}

func (c *DeterministicCore) handleStakeWithdraw(e *event.StakeWithdraw, tx *transition) error {
	res, err := c.gov.Withdraw(governance.WithdrawRequest{
		Owner:       e.Sender,
		Asset:       e.Asset,
		Amount:      e.Amount,
		RewardAsset: e.RewardAsset,
	}, tx.now)
	if err != nil {
		return err
	}
	c.journalGen.StakeWithdraw(tx.batch, res)

	tx.resp.Set("asset", res.Asset)
	tx.resp.Set("withdrawn", strconv.FormatInt(res.Amount, 10))
	tx.resp.Pay(e.Sender, res.Asset, res.Amount)
	if res.RewardAsset != "" {
		tx.resp.Set("reward", strconv.FormatInt(res.Reward, 10))
		tx.resp.Pay(e.Sender, res.RewardAsset, res.Reward)
		c.observeHarvest(res.RewardAsset, res.Reward)
	}
	return nil
}

func (c *DeterministicCore) handleHarvestRewards(e *event.HarvestRewards, tx *transition) error {
	amount, err := c.gov.Harvest(e.Sender, e.Asset, e.RewardAsset)
	if err != nil {
		return err
	}
	c.journalGen.Harvest(tx.batch, e.RewardAsset, amount)
	tx.resp.Set("reward", strconv.FormatInt(amount, 10))
	tx.resp.Pay(e.Sender, e.RewardAsset, amount)
	c.observeHarvest(e.RewardAsset, amount)
	return nil
}

func (c *DeterministicCore) observeHarvest(rewardAsset string, amount int64) {
	if c.metrics != nil && amount > 0 {
		c.metrics.RewardHarvested.WithLabelValues(rewardAsset).Add(float64(amount))
	}
}

func (c *DeterministicCore) handleRewardEmission(e *event.RewardEmission, tx *transition) error {
	att, err := attachment(&e.Header)
	if err != nil {
		return err
	}
	streamID, err := c.gov.ReceiveEmission(att.Asset, att.Amount)
	if err != nil {
		return err
	}
	tx.consumed = true
	c.journalGen.RewardEmission(tx.batch, att.Asset, att.Amount)
	tx.resp.Set("stream", streamID)
	if c.metrics != nil {
		c.metrics.RewardEmissions.WithLabelValues(att.Asset).Add(float64(att.Amount))
	}
	return nil
}

// --- Oracle ---

func (c *DeterministicCore) handleFeedPriceUpdate(e *event.FeedPriceUpdate, tx *transition) error {
	fresh, err := c.feeds.Update(e.FeedName, e.Price, e.Sequence, e.Timestamp)
	if err != nil {
		return err
	}
	if !fresh {
		tx.resp.Duplicate = true
	}
	tx.resp.Set("feed", e.FeedName)
	tx.resp.Set("price", e.Price.String())
	return nil
}

// --- Follow-ups ---

func (c *DeterministicCore) handleListAsset(e *event.ListAsset, tx *transition) error {
	req := curve.ListingRequest{Symbol: e.Symbol, MaxTokens: e.MaxTokens}
	if e.Feed != "" {
		ref, err := feed.ParseRef(e.Feed)
		if err != nil {
			return err
		}
		req.Feed = &ref
	} else {
		req.Auction = &curve.AuctionTerms{InitialPrice: e.InitialPrice}
	}
	id, err := c.curve.AddAsset(req, tx.now)
	if err != nil {
		return err
	}
	tx.resp.Set("asset", id)
	tx.resp.Set("symbol", e.Symbol)
	c.log.Info().Str("asset", id).Str("symbol", e.Symbol).Msg("presale opened")

	tx.followUp(&event.AssetListed{FollowUp: tx.next(), Asset: id})
	return nil
}

func (c *DeterministicCore) handleAssetListed(e *event.AssetListed, tx *transition) error {
	group, err := c.gov.AssignAsset(e.Asset)
	if err != nil {
		return err
	}
	tx.resp.Set("asset", e.Asset)
	tx.resp.Set("group", group)
	return nil
}

func (c *DeterministicCore) handleChangeFeed(e *event.ChangeFeed, tx *transition) error {
	ref, err := feed.ParseRef(e.Feed)
	if err != nil {
		return err
	}
	if err := c.curve.SetFeed(e.Asset, ref, tx.now); err != nil {
		return err
	}
	tx.resp.Set("asset", e.Asset)
	tx.resp.Set("feed", ref.String())
	return nil
}

func (c *DeterministicCore) handleSetCurveParam(e *event.SetCurveParam, tx *transition) error {
	if err := c.curve.SetParam(e.Name, e.Value, tx.now); err != nil {
		return err
	}
	tx.resp.Set(e.Name, e.Value)
	return nil
}

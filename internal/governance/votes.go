package governance

import (
	"PerpCurve/internal/apperr"
	"PerpCurve/internal/feed"
	"strconv"

	"github.com/shopspring/decimal"
)

// Proposal names accepted by VoteValue besides the curve parameters.
const (
	ProposalAddFeedAsset = "add_price_aa"
	ProposalAddAuction   = "add_preipo"
	ProposalChangeFeed   = "change_price_aa"

	rewardAssetPrefix = "reward_asset:"

	valueYes       = "yes"
	valueNo        = "no"
	valueWhitelist = "whitelist"
	valueBlacklist = "blacklist"
)

// Action is what the curve must do after a committed decision.
type Action int

const (
	ActionNone Action = iota
	ActionListFeedAsset
	ActionListAuctionAsset
	ActionChangeFeed
	ActionSetCurveParam
)

func (a Action) String() string {
	switch a {
	case ActionListFeedAsset:
		return "list_feed_asset"
	case ActionListAuctionAsset:
		return "list_auction_asset"
	case ActionChangeFeed:
		return "change_feed"
	case ActionSetCurveParam:
		return "set_curve_param"
	default:
		return "none"
	}
}

// Decision is a committed leader switch. Governance state is already
// updated; the curve side runs later as a separate transition.
type Decision struct {
	Proposal string            `json:"proposal"`
	Name     string            `json:"name"`
	Value    string            `json:"value"`
	Params   map[string]string `json:"params,omitempty"`
	Action   Action            `json:"action"`
}

// VoteResult reports the state of a proposal after a vote.
type VoteResult struct {
	Proposal string          `json:"proposal"`
	Leader   string          `json:"leader"`
	Support  decimal.Decimal `json:"support"`
	Switched bool            `json:"switched"`
	Message  string          `json:"message,omitempty"`
	Decision *Decision       `json:"decision,omitempty"`
}

// proposalKey validates a vote and returns the key of the proposal it
// belongs to.
func (e *Engine) proposalKey(name string, params map[string]string, value string) (string, map[string]string, string, error) {
	switch name {
	case ProposalAddFeedAsset:
		symbol := params["symbol"]
		if symbol == "" {
			return "", nil, "", apperr.Validation("symbol required")
		}
		mult := params["multiplier"]
		if mult == "" {
			mult = "1"
		}
		ref, err := feed.ParseRef(params["feed_name"] + "*" + mult)
		if err != nil {
			return "", nil, "", err
		}
		if err := yesNo(value); err != nil {
			return "", nil, "", err
		}
		norm := map[string]string{"symbol": symbol, "feed_name": ref.Name, "multiplier": ref.Multiplier.String()}
		return name + ":" + ref.String() + ":" + symbol, norm, value, nil

	case ProposalAddAuction:
		symbol := params["symbol"]
		if symbol == "" {
			return "", nil, "", apperr.Validation("symbol required")
		}
		price, err := decimal.NewFromString(params["initial_auction_price"])
		if err != nil || price.Sign() <= 0 {
			return "", nil, "", apperr.Validation("initial_auction_price must be a positive number")
		}
		maxTokens, err := strconv.ParseInt(params["max_tokens"], 10, 64)
		if err != nil || maxTokens <= 0 {
			return "", nil, "", apperr.Validation("max_tokens must be a positive integer")
		}
		if err := yesNo(value); err != nil {
			return "", nil, "", err
		}
		norm := map[string]string{
			"symbol":                symbol,
			"initial_auction_price": price.String(),
			"max_tokens":            strconv.FormatInt(maxTokens, 10),
		}
		return name + ":" + symbol + ":" + norm["initial_auction_price"] + ":" + norm["max_tokens"], norm, value, nil

	case ProposalChangeFeed:
		asset := params["asset"]
		if asset == "" || asset == e.assets.BaseAsset() || !e.assets.Exists(asset) {
			return "", nil, "", apperr.Validation("asset %q cannot change feed", asset)
		}
		ref, err := feed.ParseRef(value)
		if err != nil {
			return "", nil, "", err
		}
		return name + ":" + asset, map[string]string{"asset": asset}, ref.String(), nil

	default:
		if err := e.assets.ValidateParam(name, value); err != nil {
			return "", nil, "", err
		}
		// "0.003" and "0.0030" are the same vote
		return name, nil, decimal.RequireFromString(value).String(), nil
	}
}

func yesNo(value string) error {
	if value != valueYes && value != valueNo {
		return apperr.Validation("value must be %q or %q", valueYes, valueNo)
	}
	return nil
}

// VoteValue casts the owner's full voting power for value on a proposal.
func (e *Engine) VoteValue(owner, name string, params map[string]string, value string) (*VoteResult, error) {
	voter, err := e.votingVoter(owner)
	if err != nil {
		return nil, err
	}
	key, norm, value, err := e.proposalKey(name, params, value)
	if err != nil {
		return nil, err
	}
	if p, ok := e.state.Proposals[key]; ok && p.Executed {
		return nil, apperr.Validation("proposal %s was already executed", key)
	}

	p := e.castVote(voter, key, name, norm, value)
	res := e.evaluate(p)
	if res.Switched {
		res.Decision = decisionFor(p)
		if res.Decision != nil && (p.Name == ProposalAddFeedAsset || p.Name == ProposalAddAuction) {
			p.Executed = true
		}
	}
	return res, nil
}

// VoteRewardAsset votes to whitelist or blacklist a reward asset. A
// committed switch is applied to the distributor immediately.
func (e *Engine) VoteRewardAsset(owner, rewardAsset string, whitelist bool) (*VoteResult, error) {
	if rewardAsset == "" {
		return nil, apperr.Validation("reward_asset required")
	}
	voter, err := e.votingVoter(owner)
	if err != nil {
		return nil, err
	}
	value := valueBlacklist
	if whitelist {
		value = valueWhitelist
	}
	p := e.castVote(voter, rewardAssetPrefix+rewardAsset, "reward_asset", map[string]string{"reward_asset": rewardAsset}, value)
	res := e.evaluate(p)
	if res.Switched {
		if p.Leader == valueWhitelist {
			e.rewards.Whitelist(rewardAsset)
			res.Message = "whitelisted"
		} else {
			e.rewards.Blacklist(rewardAsset)
			res.Message = "blacklisted"
		}
	}
	return res, nil
}

func (e *Engine) votingVoter(owner string) (*Voter, error) {
	voter, ok := e.state.Voters[owner]
	if !ok || voter.NormalizedVP.Sign() <= 0 {
		return nil, apperr.Validation("%s has no voting power", owner)
	}
	return voter, nil
}

// castVote moves the voter's weight onto value.
func (e *Engine) castVote(voter *Voter, key, name string, params map[string]string, value string) *Proposal {
	p, ok := e.state.Proposals[key]
	if !ok {
		p = &Proposal{
			Key:     key,
			Name:    name,
			Params:  params,
			Support: make(map[string]decimal.Decimal),
		}
		e.state.Proposals[key] = p
	}
	if prev, had := voter.Votes[key]; had {
		left := p.Support[prev].Sub(voter.NormalizedVP)
		if left.IsZero() {
			delete(p.Support, prev)
		} else {
			p.Support[prev] = left
		}
	}
	p.Support[value] = p.Support[value].Add(voter.NormalizedVP)
	voter.Votes[key] = value
	return p
}

// evaluate switches the leader to the best-supported value when its lead
// over the current leader exceeds the minimum margin of total voting power.
func (e *Engine) evaluate(p *Proposal) *VoteResult {
	best, bestSupport := p.Leader, p.Support[p.Leader]
	for _, v := range sortedKeys(p.Support) {
		if p.Support[v].GreaterThan(bestSupport) {
			best, bestSupport = v, p.Support[v]
		}
	}
	res := &VoteResult{Proposal: p.Key, Leader: p.Leader, Support: p.Support[p.Leader]}
	if best == p.Leader {
		return res
	}
	margin := e.state.TotalVP.Mul(e.state.Params.MinLeadFraction)
	if bestSupport.Sub(p.Support[p.Leader]).LessThanOrEqual(margin) {
		return res
	}
	p.Leader = best
	res.Leader = best
	res.Support = bestSupport
	res.Switched = true
	return res
}

func decisionFor(p *Proposal) *Decision {
	d := &Decision{Proposal: p.Key, Name: p.Name, Value: p.Leader, Params: p.Params}
	switch p.Name {
	case ProposalAddFeedAsset:
		if p.Leader != valueYes {
			return nil
		}
		d.Action = ActionListFeedAsset
	case ProposalAddAuction:
		if p.Leader != valueYes {
			return nil
		}
		d.Action = ActionListAuctionAsset
	case ProposalChangeFeed:
		d.Action = ActionChangeFeed
	default:
		d.Action = ActionSetCurveParam
	}
	return d
}

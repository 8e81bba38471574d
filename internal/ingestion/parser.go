package ingestion

import (
	"PerpCurve/internal/event"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"
)

// Message kinds carried on the inbound subjects.
const (
	KindRequest = "request"
	KindFeed    = "feed"
)

// ParseRawEvent converts a RawEvent into a typed event.Event. The ingestion
// shell validates and parses; the core only ever sees typed events.
func ParseRawEvent(raw RawEvent) (event.Event, error) {
	switch raw.Kind {
	case KindRequest:
		return ParseRequest(raw.Data)
	case KindFeed:
		return ParseFeedUpdate(raw.Data)
	default:
		return nil, fmt.Errorf("unknown message kind: %s", raw.Kind)
	}
}

// ParseRequest classifies a request envelope by target and by the flags in
// its data object:
//
//	{"trigger_id", "sender", "timestamp", "sequence", "target",
//	 "attached": {"asset", "amount"}, "data": {...}}
func ParseRequest(data []byte) (event.Event, error) {
	if !gjson.ValidBytes(data) {
		return nil, fmt.Errorf("parse request: invalid JSON")
	}
	root := gjson.ParseBytes(data)

	h, err := parseHeader(root)
	if err != nil {
		return nil, err
	}

	body := root.Get("data")
	switch target := root.Get("target").String(); target {
	case event.TargetCurve:
		return parseCurveRequest(h, body)
	case event.TargetGovernance:
		return parseGovernanceRequest(h, body)
	default:
		return nil, fmt.Errorf("parse request %s: unknown target %q", h.TriggerID, target)
	}
}

func parseHeader(root gjson.Result) (event.Header, error) {
	fields := gjson.GetMany(root.Raw, "trigger_id", "sender", "timestamp", "sequence")
	h := event.Header{
		TriggerID: fields[0].String(),
		Sender:    fields[1].String(),
		Timestamp: fields[2].Int(),
		Sequence:  fields[3].Int(),
	}
	if h.TriggerID == "" {
		return h, fmt.Errorf("parse request: trigger_id required")
	}
	if h.Sender == "" {
		return h, fmt.Errorf("parse request %s: sender required", h.TriggerID)
	}
	if h.Sequence <= 0 {
		return h, fmt.Errorf("parse request %s: sequence must be positive", h.TriggerID)
	}
	if att := root.Get("attached"); att.Exists() {
		asset, amount := att.Get("asset").String(), att.Get("amount").Int()
		if asset == "" || amount <= 0 {
			return h, fmt.Errorf("parse request %s: attached needs asset and a positive amount", h.TriggerID)
		}
		h.Attached = &event.Attachment{Asset: asset, Amount: amount}
	}
	return h, nil
}

func flag(body gjson.Result, name string) bool {
	v := body.Get(name)
	return v.Exists() && (v.Int() == 1 || v.Bool())
}

func parseCurveRequest(h event.Header, body gjson.Result) (event.Event, error) {
	asset := body.Get("asset").String()
	switch {
	case flag(body, "presale") && body.Get("withdraw_amount").Exists():
		return &event.PresaleWithdraw{Header: h, Asset: asset, Amount: body.Get("withdraw_amount").Int()}, nil
	case flag(body, "presale"):
		return &event.PresaleContribute{Header: h, Asset: asset}, nil
	case flag(body, "claim"):
		return &event.PresaleClaim{Header: h, Asset: asset}, nil
	default:
		return &event.Exchange{Header: h, Asset: asset}, nil
	}
}

func parseGovernanceRequest(h event.Header, body gjson.Result) (event.Event, error) {
	switch {
	case flag(body, "deposit"):
		pcts := make(map[string]int64)
		body.Get("percentages").ForEach(func(k, v gjson.Result) bool {
			pcts[k.String()] = v.Int()
			return true
		})
		if len(pcts) == 0 {
			pcts = nil
		}
		return &event.StakeDeposit{
			Header:      h,
			TermDays:    body.Get("term").Int(),
			GroupKey:    body.Get("voted_group_key").String(),
			Percentages: pcts,
		}, nil

	case flag(body, "vote_value"):
		params := make(map[string]string)
		body.ForEach(func(k, v gjson.Result) bool {
			switch k.String() {
			case "vote_value", "name", "value":
			default:
				params[k.String()] = scalar(v)
			}
			return true
		})
		name, value := body.Get("name").String(), scalar(body.Get("value"))
		// change_price_aa names the new feed in its params; the vote value
		// is the feed ref itself.
		if name == "change_price_aa" && value == "" && params["feed_name"] != "" {
			value = params["feed_name"]
			if m := params["multiplier"]; m != "" {
				value += "*" + m
			}
			delete(params, "feed_name")
			delete(params, "multiplier")
		}
		if len(params) == 0 {
			params = nil
		}
		return &event.VoteValue{Header: h, Name: name, Value: value, Params: params}, nil

	case flag(body, "vote_whitelist"), flag(body, "vote_blacklist"):
		return &event.VoteRewardAsset{
			Header:      h,
			RewardAsset: body.Get("reward_asset").String(),
			Whitelist:   flag(body, "vote_whitelist"),
		}, nil

	case flag(body, "vote_shares"):
		changes := make(map[string]decimal.Decimal)
		var bad []string
		body.Get("changes").ForEach(func(k, v gjson.Result) bool {
			d, err := decimal.NewFromString(scalar(v))
			if err != nil {
				bad = append(bad, k.String())
				return true
			}
			changes[k.String()] = d
			return true
		})
		if len(bad) > 0 {
			sort.Strings(bad)
			return nil, fmt.Errorf("parse request %s: bad share changes for %v", h.TriggerID, bad)
		}
		return &event.VoteShares{
			Header:    h,
			GroupKey1: body.Get("group_key1").String(),
			GroupKey2: body.Get("group_key2").String(),
			Changes:   changes,
		}, nil

	case flag(body, "withdraw"):
		return &event.StakeWithdraw{
			Header:      h,
			Asset:       body.Get("perp_asset").String(),
			Amount:      body.Get("amount").Int(),
			RewardAsset: body.Get("reward_asset").String(),
		}, nil

	case flag(body, "withdraw_rewards"):
		return &event.HarvestRewards{
			Header:      h,
			Asset:       body.Get("perp_asset").String(),
			RewardAsset: body.Get("reward_asset").String(),
		}, nil

	case h.Attached != nil && isEmpty(body):
		return &event.RewardEmission{Header: h}, nil

	default:
		return nil, fmt.Errorf("parse request %s: unrecognized governance request", h.TriggerID)
	}
}

func isEmpty(body gjson.Result) bool {
	if !body.Exists() || body.Type == gjson.Null {
		return true
	}
	empty := true
	body.ForEach(func(_, _ gjson.Result) bool {
		empty = false
		return false
	})
	return empty
}

// scalar returns a JSON scalar as text. Numbers keep their literal form so
// decimals do not pass through float64.
func scalar(v gjson.Result) string {
	if v.Type == gjson.Number {
		return v.Raw
	}
	return v.String()
}

// ParseFeedUpdate parses {"feed_name", "price", "sequence", "timestamp"}.
func ParseFeedUpdate(data []byte) (*event.FeedPriceUpdate, error) {
	if !gjson.ValidBytes(data) {
		return nil, fmt.Errorf("parse feed update: invalid JSON")
	}
	fields := gjson.GetManyBytes(data, "feed_name", "price", "sequence", "timestamp")
	name := fields[0].String()
	if name == "" {
		return nil, fmt.Errorf("parse feed update: feed_name required")
	}
	price, err := decimal.NewFromString(scalar(fields[1]))
	if err != nil {
		return nil, fmt.Errorf("parse feed update %s: price: %w", name, err)
	}
	seq := fields[2].Int()
	if seq <= 0 {
		return nil, fmt.Errorf("parse feed update %s: sequence must be positive", name)
	}
	return &event.FeedPriceUpdate{
		FeedName:  name,
		Price:     price,
		Sequence:  seq,
		Timestamp: fields[3].Int(),
	}, nil
}

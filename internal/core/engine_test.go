package core_test

import (
	"PerpCurve/internal/core"
	"PerpCurve/internal/curve"
	"PerpCurve/internal/event"
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

const (
	t0  = int64(1_700_000_000)
	day = int64(24 * 3600)
)

// --- Test helpers ---

func testConfig() core.Config {
	cfg := core.DefaultConfig()
	cfg.Genesis = t0
	cfg.IdempotencyCapacity = 1024
	return cfg
}

// newTestCore creates a DeterministicCore with buffered channels and no DB checker.
func newTestCore(t *testing.T) (*core.DeterministicCore, chan core.CoreOutput, chan core.CoreOutput) {
	t.Helper()
	persistChan := make(chan core.CoreOutput, 1024)
	projChan := make(chan core.CoreOutput, 1024)
	c, err := core.NewDeterministicCore(testConfig(), persistChan, projChan, nil, nil, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewDeterministicCore: %v", err)
	}
	return c, persistChan, projChan
}

func header(trigger, sender string, seq, ts int64, asset string, amount int64) event.Header {
	h := event.Header{TriggerID: trigger, Sender: sender, Sequence: seq, Timestamp: ts}
	if amount > 0 {
		h.Attached = &event.Attachment{Asset: asset, Amount: amount}
	}
	return h
}

func mustBuy(trigger, sender string, seq, ts, reserve int64) *event.Exchange {
	return &event.Exchange{
		Header: header(trigger, sender, seq, ts, "base", reserve),
		Asset:  curve.BaseAssetID,
	}
}

func mustProcess(t *testing.T, c *core.DeterministicCore, evt event.Event) *event.Response {
	t.Helper()
	resp, err := c.ProcessEvent(evt)
	if err != nil {
		t.Fatalf("ProcessEvent %s: %v", evt.IdempotencyKey(), err)
	}
	return resp
}

func mustOK(t *testing.T, c *core.DeterministicCore, evt event.Event) *event.Response {
	t.Helper()
	resp := mustProcess(t, c, evt)
	if !resp.OK {
		t.Fatalf("%s rejected: %s (%s)", evt.IdempotencyKey(), resp.Error, resp.ErrorKind)
	}
	return resp
}

func payout(resp *event.Response, asset string) int64 {
	var total int64
	for _, p := range resp.Payouts {
		if p.Asset == asset {
			total += p.Amount
		}
	}
	return total
}

func drainOutputs(ch chan core.CoreOutput) []core.CoreOutput {
	var outputs []core.CoreOutput
	for {
		select {
		case o := <-ch:
			outputs = append(outputs, o)
		default:
			return outputs
		}
	}
}

// listingScenario buys and stakes the base asset, votes in a BTC feed asset
// and runs its presale to a claim.
func listingScenario() []event.Event {
	voteAt := t0 + day
	return []event.Event{
		mustBuy("buy-1", "alice", 1, t0, 1_000_000_000),
		&event.StakeDeposit{
			Header:   header("stake-1", "alice", 2, t0, curve.BaseAssetID, 500_000_000),
			TermDays: 360,
		},
		&event.FeedPriceUpdate{FeedName: "BTC_USD", Price: decimal.NewFromInt(20000), Sequence: 1, Timestamp: t0},
		&event.VoteValue{
			Header: header("vote-1", "alice", 3, voteAt, "", 0),
			Name:   "add_price_aa",
			Value:  "yes",
			Params: map[string]string{"feed_name": "BTC_USD", "multiplier": "0.0001", "symbol": "BTC"},
		},
		&event.PresaleContribute{
			Header: header("contrib-1", "bob", 1, voteAt+day, "base", 500_000_000),
			Asset:  "a1",
		},
		&event.PresaleClaim{
			Header: header("claim-1", "bob", 2, voteAt+15*day, "", 0),
			Asset:  "a1",
		},
	}
}

// ============================================================================
// Test: Exchange
// ============================================================================

func TestExchange_BuyMintsAndPaysOut(t *testing.T) {
	c, persistCh, _ := newTestCore(t)

	resp := mustOK(t, c, mustBuy("buy-1", "alice", 1, t0, 1_000_000_000))

	tokens := payout(resp, curve.BaseAssetID)
	if tokens <= 0 {
		t.Fatalf("expected base asset payout, got %+v", resp.Payouts)
	}
	if resp.Fields["delta_s"] != strconv.FormatInt(tokens, 10) {
		t.Errorf("delta_s: got %s, want %d", resp.Fields["delta_s"], tokens)
	}
	if got := c.Balances().CurveReserve("base"); got != 1_000_000_000 {
		t.Errorf("curve reserve balance: got %d, want %d", got, 1_000_000_000)
	}
	if got := c.Balances().Issued(curve.BaseAssetID); got != tokens {
		t.Errorf("issued: got %d, want %d", got, tokens)
	}

	outputs := drainOutputs(persistCh)
	if len(outputs) != 1 {
		t.Fatalf("expected 1 persist output, got %d", len(outputs))
	}
	env := outputs[0].Envelope
	if env.Sequence != 1 || env.Rejected || env.Derived {
		t.Errorf("unexpected envelope: %+v", env)
	}
	if env.PrevHash != core.GenesisHash() {
		t.Error("first envelope should chain from the genesis hash")
	}
	if outputs[0].Batch == nil || len(outputs[0].Batch.Journals) != 2 {
		t.Errorf("expected 2 journals, got %+v", outputs[0].Batch)
	}
}

func TestExchange_SellPaysReserve(t *testing.T) {
	c, _, _ := newTestCore(t)
	resp := mustOK(t, c, mustBuy("buy-1", "alice", 1, t0, 1_000_000_000))
	tokens := payout(resp, curve.BaseAssetID)

	sell := mustOK(t, c, &event.Exchange{
		Header: header("sell-1", "alice", 2, t0+60, curve.BaseAssetID, tokens/2),
	})
	if payout(sell, "base") <= 0 {
		t.Fatalf("expected reserve payout, got %+v", sell.Payouts)
	}
	if got, want := c.Balances().CurveReserve("base"), c.Curve().Reserve(); got != want {
		t.Errorf("curve reserve: got %d, want %d", got, want)
	}
	if got, want := c.Balances().Issued(curve.BaseAssetID), tokens-tokens/2; got != want {
		t.Errorf("issued: got %d, want %d", got, want)
	}
}

// ============================================================================
// Test: Rejections
// ============================================================================

func TestRejectedRequest_IsRecordedAndRefunded(t *testing.T) {
	c, persistCh, _ := newTestCore(t)

	resp := mustProcess(t, c, &event.Exchange{
		Header: header("bad-1", "bob", 1, t0, "usdc", 42),
		Asset:  curve.BaseAssetID,
	})
	if resp.OK {
		t.Fatal("expected rejection")
	}
	if resp.ErrorKind != "ValidationError" {
		t.Errorf("error kind: got %s, want ValidationError", resp.ErrorKind)
	}
	if got := payout(resp, "usdc"); got != 42 {
		t.Errorf("refund: got %d, want %d", got, 42)
	}

	outputs := drainOutputs(persistCh)
	if len(outputs) != 1 {
		t.Fatalf("expected 1 persist output, got %d", len(outputs))
	}
	if !outputs[0].Envelope.Rejected || outputs[0].Batch != nil {
		t.Errorf("rejected transition should be recorded without journals: %+v", outputs[0].Envelope)
	}

	// the sender's sequence was consumed
	mustOK(t, c, mustBuy("buy-1", "bob", 2, t0, 1_000))
}

func TestClaimBeforeClose_NotYetClaimable(t *testing.T) {
	c, _, _ := newTestCore(t)
	events := listingScenario()
	for _, evt := range events[:5] {
		mustOK(t, c, evt)
	}
	resp := mustProcess(t, c, &event.PresaleClaim{
		Header: header("early", "bob", 2, t0+3*day, "", 0),
		Asset:  "a1",
	})
	if resp.OK || resp.ErrorKind != "NotYetClaimable" {
		t.Errorf("got ok=%v kind=%s, want NotYetClaimable", resp.OK, resp.ErrorKind)
	}
}

func TestFollowUpFromOutside_Unauthorized(t *testing.T) {
	c, persistCh, _ := newTestCore(t)

	resp := mustProcess(t, c, &event.SetCurveParam{
		FollowUp: event.FollowUp{Cause: "forged", Timestamp: t0},
		Name:     "swap_fee",
		Value:    "0",
	})
	if resp.OK || resp.ErrorKind != "Unauthorized" {
		t.Errorf("got ok=%v kind=%s, want Unauthorized", resp.OK, resp.ErrorKind)
	}
	if len(drainOutputs(persistCh)) != 0 {
		t.Error("forged follow-up must not be committed")
	}
	if !c.Curve().Params().SwapFee.Equal(decimal.RequireFromString("0.003")) {
		t.Errorf("swap fee changed to %s", c.Curve().Params().SwapFee)
	}
}

// ============================================================================
// Test: Idempotency & Sequencing
// ============================================================================

func TestIdempotency_DuplicateIgnored(t *testing.T) {
	c, persistCh, _ := newTestCore(t)
	evt := mustBuy("buy-1", "alice", 1, t0, 1_000_000)

	mustOK(t, c, evt)
	reserve := c.Curve().Reserve()

	resp := mustProcess(t, c, evt)
	if !resp.Duplicate {
		t.Error("expected duplicate response")
	}
	if c.Curve().Reserve() != reserve {
		t.Errorf("reserve changed on duplicate: got %d, want %d", c.Curve().Reserve(), reserve)
	}
	if n := len(drainOutputs(persistCh)); n != 1 {
		t.Errorf("expected 1 persist output, got %d", n)
	}
}

func TestSequenceValidation_GapDetected(t *testing.T) {
	c, persistCh, _ := newTestCore(t)

	if _, err := c.ProcessEvent(mustBuy("buy-2", "alice", 2, t0, 1_000)); err == nil {
		t.Fatal("expected sequence gap error")
	}
	if c.GetSequence() != 1 {
		t.Errorf("sequence advanced on gap: got %d, want 1", c.GetSequence())
	}
	if len(drainOutputs(persistCh)) != 0 {
		t.Error("nothing should be emitted on a gap")
	}

	// the gap can be filled and the event redelivered
	mustOK(t, c, mustBuy("buy-1", "alice", 1, t0, 1_000))
	mustOK(t, c, mustBuy("buy-2", "alice", 2, t0, 1_000))
}

func TestFeedPriceUpdate_StaleIsDuplicate(t *testing.T) {
	c, persistCh, _ := newTestCore(t)

	mustOK(t, c, &event.FeedPriceUpdate{FeedName: "BTC_USD", Price: decimal.NewFromInt(20000), Sequence: 5, Timestamp: t0})
	resp := mustProcess(t, c, &event.FeedPriceUpdate{FeedName: "BTC_USD", Price: decimal.NewFromInt(1), Sequence: 3, Timestamp: t0})
	if !resp.Duplicate {
		t.Error("stale update should be reported as duplicate")
	}
	if p, _ := c.Feeds().Price("BTC_USD"); !p.Equal(decimal.NewFromInt(20000)) {
		t.Errorf("price: got %s, want 20000", p)
	}
	if n := len(drainOutputs(persistCh)); n != 1 {
		t.Errorf("expected 1 persist output, got %d", n)
	}
}

// ============================================================================
// Test: Governance listing runs follow-ups
// ============================================================================

func TestGovernanceListing_RunsFollowUps(t *testing.T) {
	c, persistCh, _ := newTestCore(t)
	events := listingScenario()

	for _, evt := range events[:3] {
		mustOK(t, c, evt)
	}
	drainOutputs(persistCh)

	vote := mustOK(t, c, events[3])
	if vote.Fields["switched"] != "true" {
		t.Fatalf("vote did not switch the leader: %+v", vote.Fields)
	}
	outputs := drainOutputs(persistCh)
	if len(outputs) != 3 {
		t.Fatalf("expected vote plus 2 follow-ups, got %d", len(outputs))
	}
	listing, listed := outputs[1].Envelope, outputs[2].Envelope
	if listing.EventType != event.EventTypeListAsset || !listing.Derived || listing.Cause != "vote-1" {
		t.Errorf("unexpected listing envelope: %+v", listing)
	}
	if listed.EventType != event.EventTypeAssetListed || listed.Cause != "vote-1#0" {
		t.Errorf("unexpected asset-listed envelope: %+v", listed)
	}
	if outputs[1].Response.Fields["asset"] != "a1" || outputs[2].Response.Fields["group"] == "" {
		t.Errorf("follow-up responses: %+v / %+v", outputs[1].Response.Fields, outputs[2].Response.Fields)
	}
	if !c.Curve().Exists("a1") || c.Curve().IsLive("a1") {
		t.Error("a1 should exist in presale")
	}

	mustOK(t, c, events[4])
	if got := c.Balances().PresaleEscrow("base"); got != 500_000_000 {
		t.Errorf("escrow: got %d, want %d", got, 500_000_000)
	}

	claim := mustOK(t, c, events[5])
	// 20000 * 0.0001 = 2 per token
	if got := payout(claim, "a1"); got != 250_000_000 {
		t.Errorf("claimed tokens: got %d, want %d", got, 250_000_000)
	}
	if claim.Fields["listed"] != "true" {
		t.Error("first claim should finalize the presale")
	}
	if got := c.Balances().PresaleEscrow("base"); got != 0 {
		t.Errorf("escrow after fold: got %d, want 0", got)
	}
	if got, want := c.Balances().CurveReserve("base"), c.Curve().Reserve(); got != want {
		t.Errorf("curve reserve: got %d, want %d", got, want)
	}
	if !c.Curve().IsLive("a1") {
		t.Error("a1 should be live after the first claim")
	}
}

// ============================================================================
// Test: Rewards
// ============================================================================

func TestRewards_EmitAndHarvest(t *testing.T) {
	c, _, _ := newTestCore(t)
	mustOK(t, c, mustBuy("buy-1", "alice", 1, t0, 1_000_000_000))
	mustOK(t, c, &event.StakeDeposit{
		Header:      header("stake-1", "alice", 2, t0, curve.BaseAssetID, 500_000_000),
		TermDays:    360,
		Percentages: map[string]int64{curve.BaseAssetID: 100},
	})
	vote := mustOK(t, c, &event.VoteRewardAsset{
		Header:      header("wl-1", "alice", 3, t0, "", 0),
		RewardAsset: "usdc",
		Whitelist:   true,
	})
	if vote.Fields["message"] != "whitelisted" {
		t.Fatalf("whitelist vote: %+v", vote.Fields)
	}
	mustOK(t, c, &event.RewardEmission{Header: header("emit-1", "treasury", 1, t0+day, "usdc", 1_000_000)})
	if got := c.Balances().RewardPool("usdc"); got != 1_000_000 {
		t.Errorf("reward pool: got %d, want %d", got, 1_000_000)
	}

	harvest := mustOK(t, c, &event.HarvestRewards{
		Header:      header("harvest-1", "alice", 4, t0+day, "", 0),
		Asset:       curve.BaseAssetID,
		RewardAsset: "usdc",
	})
	got := payout(harvest, "usdc")
	if got < 999_999 || got > 1_000_000 {
		t.Errorf("harvested: got %d, want ~%d", got, 1_000_000)
	}
	if c.Balances().RewardPool("usdc") != 1_000_000-got {
		t.Errorf("reward pool after harvest: got %d", c.Balances().RewardPool("usdc"))
	}

	locked := mustProcess(t, c, &event.StakeWithdraw{
		Header: header("wd-1", "alice", 5, t0+2*day, "", 0),
		Asset:  curve.BaseAssetID,
	})
	if locked.OK || locked.ErrorKind != "NotYetWithdrawable" {
		t.Errorf("got ok=%v kind=%s, want NotYetWithdrawable", locked.OK, locked.ErrorKind)
	}
}

// ============================================================================
// Test: State hash chain, replay and snapshots
// ============================================================================

func TestStateHashChain_Deterministic(t *testing.T) {
	c1, _, _ := newTestCore(t)
	c2, _, _ := newTestCore(t)

	for _, evt := range listingScenario() {
		r1 := mustProcess(t, c1, evt)
		r2 := mustProcess(t, c2, evt)
		if r1.OK != r2.OK {
			t.Fatalf("%s: divergent outcomes", evt.IdempotencyKey())
		}
		if c1.GetStateHash() != c2.GetStateHash() {
			t.Fatalf("state hash diverged after %s", evt.IdempotencyKey())
		}
	}
	if c1.GetStateHash() == core.GenesisHash() {
		t.Error("state hash should have moved from genesis")
	}
}

func TestReplay_RebuildsSameChain(t *testing.T) {
	c1, persistCh, _ := newTestCore(t)
	for _, evt := range listingScenario() {
		mustProcess(t, c1, evt)
	}
	var envelopes []*event.EventEnvelope
	for _, o := range drainOutputs(persistCh) {
		envelopes = append(envelopes, o.Envelope)
	}

	c2, persist2, _ := newTestCore(t)
	n, err := c2.Replay(envelopes)
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if n != len(envelopes) {
		t.Errorf("replayed: got %d, want %d", n, len(envelopes))
	}
	if c2.GetStateHash() != c1.GetStateHash() || c2.GetSequence() != c1.GetSequence() {
		t.Error("replayed core diverged from the original")
	}
	if len(drainOutputs(persist2)) != 0 {
		t.Error("replay must not re-persist events")
	}
}

func TestReplay_DetectsTampering(t *testing.T) {
	c1, persistCh, _ := newTestCore(t)
	for _, evt := range listingScenario()[:3] {
		mustProcess(t, c1, evt)
	}
	var envelopes []*event.EventEnvelope
	for _, o := range drainOutputs(persistCh) {
		envelopes = append(envelopes, o.Envelope)
	}
	envelopes[1].StateHash[0] ^= 0xff

	c2, _, _ := newTestCore(t)
	if _, err := c2.Replay(envelopes); err == nil {
		t.Fatal("expected hash mismatch")
	}
}

func TestSnapshot_RestoreThenContinue(t *testing.T) {
	c1, _, _ := newTestCore(t)
	events := listingScenario()
	for _, evt := range events[:5] {
		mustProcess(t, c1, evt)
	}

	_, data, err := c1.EncodeSnapshot()
	if err != nil {
		t.Fatalf("EncodeSnapshot: %v", err)
	}
	snap, err := core.DecodeSnapshot(data)
	if err != nil {
		t.Fatalf("DecodeSnapshot: %v", err)
	}

	c2, _, _ := newTestCore(t)
	if err := c2.RestoreFromSnapshot(snap); err != nil {
		t.Fatalf("RestoreFromSnapshot: %v", err)
	}
	if c2.GetStateHash() != c1.GetStateHash() || c2.GetSequence() != c1.GetSequence() {
		t.Fatal("restored core does not match")
	}

	mustOK(t, c1, events[5])
	mustOK(t, c2, events[5])
	if c2.GetStateHash() != c1.GetStateHash() {
		t.Error("state hash diverged after restore")
	}

	// the LRU came back with the snapshot
	if resp := mustProcess(t, c2, events[0]); !resp.Duplicate {
		t.Error("pre-snapshot event should be a duplicate")
	}
}

// ============================================================================
// Test: Channels and runner
// ============================================================================

func TestProjectionChannel_DropsOnFull(t *testing.T) {
	persistCh := make(chan core.CoreOutput, 1024)
	projCh := make(chan core.CoreOutput, 1)
	c, err := core.NewDeterministicCore(testConfig(), persistCh, projCh, nil, nil, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewDeterministicCore: %v", err)
	}

	for i := int64(1); i <= 5; i++ {
		mustOK(t, c, mustBuy("buy-"+strconv.FormatInt(i, 10), "alice", i, t0, 100_000))
	}

	if n := len(drainOutputs(persistCh)); n != 5 {
		t.Errorf("expected 5 persist outputs, got %d", n)
	}
	if n := len(drainOutputs(projCh)); n != 1 {
		t.Errorf("expected 1 projection output, got %d", n)
	}
}

func TestRunner_SubmitAndRead(t *testing.T) {
	c, _, _ := newTestCore(t)
	r := core.NewRunner(c, 16)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	resp, err := r.Submit(ctx, mustBuy("buy-1", "alice", 1, t0, 1_000_000))
	if err != nil || !resp.OK {
		t.Fatalf("Submit: resp=%+v err=%v", resp, err)
	}

	var reserve int64
	if err := r.Read(ctx, func(c *core.DeterministicCore) { reserve = c.Curve().Reserve() }); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if reserve != 1_000_000 {
		t.Errorf("reserve: got %d, want %d", reserve, 1_000_000)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("runner did not stop")
	}
	if _, err := r.Submit(context.Background(), mustBuy("buy-2", "alice", 2, t0, 1)); err != core.ErrRunnerStopped {
		t.Errorf("got %v, want ErrRunnerStopped", err)
	}
}

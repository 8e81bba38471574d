package core

import (
	"PerpCurve/internal/apperr"
	"PerpCurve/internal/curve"
	"PerpCurve/internal/event"
	"PerpCurve/internal/feed"
	"PerpCurve/internal/governance"
	"PerpCurve/internal/ledger"
	"PerpCurve/internal/observability"
	"PerpCurve/internal/rewards"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"
)

// Config seeds the engines at genesis.
type Config struct {
	Curve               curve.Params
	Governance          governance.Params
	Genesis             int64
	IdempotencyCapacity int
}

func DefaultConfig() Config {
	return Config{
		Curve:               curve.DefaultParams(),
		Governance:          governance.DefaultParams(),
		Genesis:             1657843200,
		IdempotencyCapacity: 1_000_000,
	}
}

// DeterministicCore is the single-threaded event processor. Every input is
// one transition: validated, applied to the engines and the custody ledger,
// hashed into the chain and handed to persistence and projections.
type DeterministicCore struct {
	sequence          int64
	hasher            *StateHasher
	feeds             *feed.Registry
	curve             *curve.Engine
	gov               *governance.Engine
	balanceTracker    *ledger.BalanceTracker
	journalGen        *ledger.JournalGenerator
	validator         *ledger.InvariantValidator
	idempotency       *IdempotencyChecker
	sequenceValidator *SequenceValidator
	metrics           *observability.Metrics
	log               zerolog.Logger

	// replaying disables dedup and persistence while rebuilding from the log
	replaying bool
	// follow-ups requested by the transition being committed
	pendingFollowUps []event.Event
	// expected chain hashes while replaying
	replayHashes map[int64][32]byte

	persistChan    chan<- CoreOutput
	projectionChan chan<- CoreOutput
}

type CoreOutput struct {
	Envelope *event.EventEnvelope
	Batch    *ledger.Batch
	Response *event.Response
}

func NewDeterministicCore(
	cfg Config,
	persistChan, projectionChan chan<- CoreOutput,
	dbChecker DBIdempotencyChecker,
	metrics *observability.Metrics,
	log zerolog.Logger,
) (*DeterministicCore, error) {
	feeds := feed.NewRegistry()
	curveEngine, err := curve.NewEngine(cfg.Curve, feeds, cfg.Genesis)
	if err != nil {
		return nil, err
	}
	gov, err := governance.NewEngine(cfg.Governance, curveEngine, rewards.NewDistributor())
	if err != nil {
		return nil, err
	}
	balanceTracker := ledger.NewBalanceTracker()

	c := &DeterministicCore{
		sequence:          1,
		hasher:            NewStateHasher(),
		feeds:             feeds,
		curve:             curveEngine,
		gov:               gov,
		balanceTracker:    balanceTracker,
		journalGen:        ledger.NewJournalGenerator(cfg.Curve.ReserveAsset),
		validator:         ledger.NewInvariantValidator(balanceTracker),
		idempotency:       NewIdempotencyChecker(cfg.IdempotencyCapacity, dbChecker),
		sequenceValidator: NewSequenceValidator(),
		metrics:           metrics,
		log:               log,
		persistChan:       persistChan,
		projectionChan:    projectionChan,
	}
	if metrics != nil {
		c.idempotency.onDuplicate = func(eventType, tier string) {
			metrics.IdempotencyDuplicates.WithLabelValues(eventType, tier).Inc()
		}
		c.sequenceValidator.onGap = func(p string) { metrics.EventSequenceGap.WithLabelValues(p).Inc() }
		c.sequenceValidator.onOutOfOrder = func(p string) { metrics.EventOutOfOrder.WithLabelValues(p).Inc() }
	}
	return c, nil
}

// transition collects the effects of one handler run. Nothing in it is
// applied until the handler succeeds.
type transition struct {
	key       string
	now       int64
	batch     *ledger.BatchBuilder
	resp      *event.Response
	consumed  bool
	followUps []event.Event
}

// next returns the header of the transition's next follow-up.
func (tx *transition) next() event.FollowUp {
	return event.FollowUp{Cause: tx.key, Index: len(tx.followUps), Timestamp: tx.now}
}

func (tx *transition) followUp(evt event.Event) {
	tx.followUps = append(tx.followUps, evt)
}

// ProcessEvent is the main processing pipeline for inputs from outside the
// core. Pipeline errors (sequence gaps, out-of-order delivery) leave no trace
// and the input may be redelivered; domain rejections are committed as
// rejected transitions and reported in the response.
func (c *DeterministicCore) ProcessEvent(evt event.Event) (*event.Response, error) {
	et := evt.EventType()
	key := evt.IdempotencyKey()

	if et.IsFollowUp() {
		resp := newResponse(evt)
		reject(resp, evt, apperr.Unauthorized("%s can only be issued by the core", et))
		c.countRejected(et, apperr.KindUnauthorized.String())
		return resp, nil
	}

	// Step 1: Idempotency check (two-tier)
	isDuplicate := !c.replaying && c.idempotency.IsDuplicate(et.String(), key)

	// Step 2: Sequence validation
	partition := evt.Partition()
	if f, ok := evt.(*event.FeedPriceUpdate); ok {
		if isDuplicate || !c.sequenceValidator.ValidateFeedSequence(partition, f.Sequence) {
			c.countRejected(et, "stale")
			return duplicateResponse(evt), nil
		}
	} else if err := c.sequenceValidator.ValidateSequence(partition, evt.SourceSequence(), isDuplicate); err != nil {
		c.countRejected(et, "sequence")
		return nil, fmt.Errorf("sequence validation failed: %w", err)
	}

	if isDuplicate {
		c.countRejected(et, "duplicate")
		return duplicateResponse(evt), nil
	}

	out, err := c.commit(evt)
	if err != nil {
		return nil, err
	}
	c.sequenceValidator.Advance(partition, evt.SourceSequence())
	c.idempotency.MarkProcessed(et.String(), key)

	// Follow-ups run after the initiator commits, first in first out.
	queue := c.pendingFollowUps
	c.pendingFollowUps = nil
	for len(queue) > 0 {
		next := queue[0]
		queue = queue[1:]
		if _, err := c.commit(next); err != nil {
			return nil, err
		}
		queue = append(queue, c.pendingFollowUps...)
		c.pendingFollowUps = nil
	}

	return out.Response, nil
}

// commit runs one transition end to end.
func (c *DeterministicCore) commit(evt event.Event) (*CoreOutput, error) {
	start := time.Now()
	et := evt.EventType()
	var cause string
	if o, ok := evt.(interface{ Origin() *event.FollowUp }); ok {
		cause = o.Origin().Cause
	}

	payload, err := event.Encode(evt)
	if err != nil {
		return nil, err
	}

	// Step 3: Dispatch against the engines
	tx := &transition{
		key:   evt.IdempotencyKey(),
		now:   evt.Time(),
		batch: c.journalGen.Begin(evt.IdempotencyKey(), c.sequence, evt.Time()),
		resp:  newResponse(evt),
	}
	tx.resp.Sequence = c.sequence
	var batch *ledger.Batch
	if herr := c.dispatchEvent(evt, tx); herr != nil {
		tx = &transition{resp: newResponse(evt)}
		tx.resp.Sequence = c.sequence
		reject(tx.resp, evt, herr)
		c.countRejected(et, apperr.KindOf(herr).String())
		c.logRejection(evt, cause, herr)
	} else {
		tx.resp.OK = true
		if !tx.consumed {
			refundAttachment(tx.resp, evt)
		}
		batch = tx.batch.Build()
	}

	// Step 4: Apply custody journals
	if batch != nil {
		if err := c.validator.ValidateBatchBalance(batch); err != nil {
			panic(fmt.Sprintf("FATAL: unbalanced batch: %v", err))
		}
		if err := c.balanceTracker.ApplyBatch(batch); err != nil {
			return nil, fmt.Errorf("apply batch failed: %w", err)
		}
		if c.metrics != nil {
			for _, j := range batch.Journals {
				c.metrics.CoreJournals.WithLabelValues(j.JournalType.String()).Inc()
			}
		}
	}

	// Step 5: Post-checks
	if tx.resp.OK {
		if err := c.postCheckInvariants(); err != nil {
			panic(fmt.Sprintf("FATAL: invariant violated after %s %s: %v", et, evt.IdempotencyKey(), err))
		}
	}

	// Step 6: Hash chain
	stateDigest := c.computeStateDigest(et, payload, tx.resp, batch)
	prevHash := c.hasher.GetPrevHash()
	stateHash := c.hasher.ComputeHash(c.sequence, stateDigest)
	if want, ok := c.replayHashes[c.sequence]; ok && want != stateHash {
		return nil, fmt.Errorf("state hash mismatch at sequence %d", c.sequence)
	}

	envelope := &event.EventEnvelope{
		Sequence:       c.sequence,
		IdempotencyKey: evt.IdempotencyKey(),
		EventType:      et,
		Partition:      evt.Partition(),
		Timestamp:      evt.Time(),
		SourceSequence: evt.SourceSequence(),
		Payload:        payload,
		Rejected:       !tx.resp.OK,
		ErrorKind:      tx.resp.ErrorKind,
		Derived:        cause != "",
		Cause:          cause,
		StateHash:      stateHash,
		PrevHash:       prevHash,
	}
	output := &CoreOutput{Envelope: envelope, Batch: batch, Response: tx.resp}
	c.sequence++
	c.pendingFollowUps = append(c.pendingFollowUps, tx.followUps...)

	// Step 7: Emit. Persistence is a blocking send (backpressure); the
	// projection channel drops when full and projections rebuild from the
	// log.
	if !c.replaying && c.persistChan != nil {
		c.persistChan <- *output
	}
	if c.projectionChan != nil {
		select {
		case c.projectionChan <- *output:
		default:
			if c.metrics != nil {
				c.metrics.ProjectionDrops.WithLabelValues("projection").Inc()
			}
		}
	}

	if c.metrics != nil {
		if tx.resp.OK {
			c.metrics.CoreEventsApplied.WithLabelValues(et.String()).Inc()
		}
		if cause != "" {
			outcome := "ok"
			if !tx.resp.OK {
				outcome = "rejected"
			}
			c.metrics.CoreFollowUps.WithLabelValues(et.String(), outcome).Inc()
		}
		c.metrics.CoreEventDuration.WithLabelValues(et.String()).Observe(time.Since(start).Seconds())
		c.metrics.CoreSequence.Set(float64(c.sequence))
		c.metrics.DedupLRUSize.Set(float64(c.idempotency.lru.Size()))
		c.metrics.CurveReserve.Set(float64(c.curve.Reserve()))
		c.metrics.CurveCoefficient.Set(c.curve.Coef().InexactFloat64())
		c.metrics.GovernanceTotalVP.Set(c.gov.TotalVP().InexactFloat64())
	}
	return output, nil
}

func (c *DeterministicCore) dispatchEvent(evt event.Event, tx *transition) error {
	switch e := evt.(type) {
	case *event.Exchange:
		return c.handleExchange(e, tx)
	case *event.PresaleContribute:
		return c.handlePresaleContribute(e, tx)
	case *event.PresaleWithdraw:
		return c.handlePresaleWithdraw(e, tx)
	case *event.PresaleClaim:
		return c.handlePresaleClaim(e, tx)
	case *event.StakeDeposit:
		return c.handleStakeDeposit(e, tx)
	case *event.VoteValue:
		return c.handleVoteValue(e, tx)
	case *event.VoteRewardAsset:
		return c.handleVoteRewardAsset(e, tx)
	case *event.VoteShares:
		return c.handleVoteShares(e, tx)
	case *event.StakeWithdraw:
		return c.handleStakeWithdraw(e, tx)
	case *event.HarvestRewards:
		return c.handleHarvestRewards(e, tx)
	case *event.RewardEmission:
		return c.handleRewardEmission(e, tx)
	case *event.FeedPriceUpdate:
		return c.handleFeedPriceUpdate(e, tx)
	case *event.ListAsset:
		return c.handleListAsset(e, tx)
	case *event.AssetListed:
		return c.handleAssetListed(e, tx)
	case *event.ChangeFeed:
		return c.handleChangeFeed(e, tx)
	case *event.SetCurveParam:
		return c.handleSetCurveParam(e, tx)
	default:
		return apperr.Validation("unknown event type: %T", evt)
	}
}

// computeStateDigest creates canonical bytes for the state hash: the input,
// its outcome, the balances it touched and the curve and governance totals.
func (c *DeterministicCore) computeStateDigest(et event.EventType, payload []byte, resp *event.Response, batch *ledger.Batch) []byte {
	digest := make([]byte, 0, len(payload)+256)
	digest = appendInt64LE(digest, int64(et))
	digest = appendBytes(digest, payload)
	if resp.OK {
		digest = append(digest, 1)
	} else {
		digest = append(digest, 0)
		digest = appendBytes(digest, []byte(resp.ErrorKind))
	}

	affected := make(map[ledger.AccountKey]bool)
	if batch != nil {
		for _, j := range batch.Journals {
			affected[j.DebitAccount] = true
			affected[j.CreditAccount] = true
		}
	}
	accounts := make([]ledger.AccountKey, 0, len(affected))
	for key := range affected {
		accounts = append(accounts, key)
	}
	sort.Slice(accounts, func(i, j int) bool {
		return accounts[i].AccountPath() < accounts[j].AccountPath()
	})
	for _, key := range accounts {
		digest = appendBytes(digest, []byte(key.AccountPath()))
		digest = appendInt64LE(digest, c.balanceTracker.GetBalance(key))
	}

	digest = appendInt64LE(digest, c.curve.Reserve())
	digest = appendBytes(digest, []byte(c.curve.Coef().String()))
	digest = appendBytes(digest, []byte(c.gov.TotalVP().String()))
	return digest
}

func appendBytes(buf, b []byte) []byte {
	buf = appendInt64LE(buf, int64(len(b)))
	return append(buf, b...)
}

func appendInt64LE(buf []byte, v int64) []byte {
	return append(buf,
		byte(v),
		byte(v>>8),
		byte(v>>16),
		byte(v>>24),
		byte(v>>32),
		byte(v>>40),
		byte(v>>48),
		byte(v>>56),
	)
}

// postCheckInvariants cross-checks the custody ledger against the engines.
func (c *DeterministicCore) postCheckInvariants() error {
	reserveAsset := c.curve.ReserveAsset()
	if err := c.curve.CheckInvariant(); err != nil {
		return err
	}
	if err := c.validator.ValidateCurveReserve(reserveAsset, c.curve.Reserve()); err != nil {
		return err
	}
	if err := c.validator.ValidatePresaleEscrow(reserveAsset, c.curve.EscrowBalance()); err != nil {
		return err
	}
	for _, asset := range c.curve.Assets() {
		if err := c.validator.ValidateIssuance(asset, c.curve.Circulating(asset)); err != nil {
			return err
		}
		if err := c.validator.ValidateStakingCustody(asset, c.gov.PoolBalance(asset)); err != nil {
			return err
		}
	}
	for _, s := range c.gov.Rewards().Streams() {
		if err := c.validator.ValidateRewardPool(s.RewardAsset); err != nil {
			return err
		}
	}
	if err := c.gov.Reconcile(); err != nil {
		return err
	}
	return c.validator.ValidateGlobalBalance()
}

func newResponse(evt event.Event) *event.Response {
	resp := &event.Response{
		TriggerID: evt.IdempotencyKey(),
		Target:    evt.EventType().Target(),
	}
	if r, ok := evt.(interface{ Request() *event.Header }); ok {
		resp.Sender = r.Request().Sender
	}
	return resp
}

func duplicateResponse(evt event.Event) *event.Response {
	resp := newResponse(evt)
	resp.OK = true
	resp.Duplicate = true
	return resp
}

// reject fills a rejection and returns the attached value.
func reject(resp *event.Response, evt event.Event, err error) {
	resp.OK = false
	resp.Error = err.Error()
	var ae *apperr.Error
	if errors.As(err, &ae) {
		resp.ErrorKind = ae.Kind.String()
	} else {
		resp.ErrorKind = apperr.KindUnknown.String()
	}
	refundAttachment(resp, evt)
}

func refundAttachment(resp *event.Response, evt event.Event) {
	r, ok := evt.(interface{ Request() *event.Header })
	if !ok {
		return
	}
	h := r.Request()
	if h.Attached != nil {
		resp.Pay(h.Sender, h.Attached.Asset, h.Attached.Amount)
	}
}

func (c *DeterministicCore) countRejected(et event.EventType, reason string) {
	if c.metrics != nil {
		c.metrics.CoreEventsRejected.WithLabelValues(et.String(), reason).Inc()
	}
}

func (c *DeterministicCore) logRejection(evt event.Event, cause string, err error) {
	if cause != "" {
		c.log.Warn().
			Str("event_type", evt.EventType().String()).
			Str("cause", cause).
			Err(err).
			Msg("follow-up rejected")
		return
	}
	c.log.Debug().
		Str("event_type", evt.EventType().String()).
		Str("trigger_id", evt.IdempotencyKey()).
		Err(err).
		Msg("request rejected")
}

// --- Accessors for the runner's read path ---

func (c *DeterministicCore) Curve() *curve.Engine { return c.curve }

func (c *DeterministicCore) Governance() *governance.Engine { return c.gov }

func (c *DeterministicCore) Feeds() *feed.Registry { return c.feeds }

func (c *DeterministicCore) Balances() *ledger.BalanceTracker { return c.balanceTracker }

// GetSequence returns the next sequence to assign.
func (c *DeterministicCore) GetSequence() int64 {
	return c.sequence
}

// GetStateHash returns the current state hash (chain tip).
func (c *DeterministicCore) GetStateHash() [32]byte {
	return c.hasher.GetPrevHash()
}

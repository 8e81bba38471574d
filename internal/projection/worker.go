package projection

import (
	"PerpCurve/internal/curve"
	"PerpCurve/internal/event"
	"PerpCurve/internal/ledger"
	"context"
	"fmt"

	"github.com/rs/zerolog"
)

// Output is the data the projection needs from one committed transition.
// The orchestrator bridges core.CoreOutput into it with NewOutput.
type Output struct {
	Sequence  int64
	EventType string
	Rejected  bool
	Timestamp int64
	Journals  []JournalEntry
	Response  *event.Response

	// RefreshAssets is set when the transition may have moved curve state.
	RefreshAssets bool
}

// JournalEntry is a simplified journal for projection consumption.
type JournalEntry struct {
	DebitAccount  string
	CreditAccount string
	Asset         string
	Amount        int64
}

func NewOutput(env *event.EventEnvelope, batch *ledger.Batch, resp *event.Response) Output {
	out := Output{
		Sequence:  env.Sequence,
		EventType: env.EventType.String(),
		Rejected:  env.Rejected,
		Timestamp: env.Timestamp,
		Response:  resp,
	}
	if batch != nil {
		for _, j := range batch.Journals {
			out.Journals = append(out.Journals, JournalEntry{
				DebitAccount:  j.DebitAccount.AccountPath(),
				CreditAccount: j.CreditAccount.AccountPath(),
				Asset:         j.Asset,
				Amount:        j.Amount,
			})
		}
	}
	if !env.Rejected {
		switch env.EventType.Target() {
		case event.TargetCurve, event.TargetFeed, event.TargetSaga:
			out.RefreshAssets = true
		}
	}
	return out
}

// AssetSource reads consistent asset snapshots from the core.
type AssetSource interface {
	AssetSnapshots(ctx context.Context) ([]AssetSnapshot, int64, error)
}

// NewAssetSnapshot converts a curve view taken at sequence.
func NewAssetSnapshot(v *curve.AssetView, sequence int64) AssetSnapshot {
	s := AssetSnapshot{
		ID:        v.ID,
		Symbol:    v.Symbol,
		State:     string(v.State),
		Supply:    v.Supply,
		A:         v.A.String(),
		Price:     v.Price.String(),
		Feed:      v.Feed,
		ClosesAt:  v.ClosesAt,
		Collected: v.Collected,
		Sequence:  sequence,
	}
	if !v.TargetPrice.IsZero() {
		s.TargetPrice = v.TargetPrice.String()
	}
	return s
}

// Worker applies committed transitions to the Redis read models. The
// projection channel is non-blocking on the core side; a lagging or failed
// projection is rebuilt from core state with Store.Reset.
type Worker struct {
	store     *Store
	inputChan <-chan Output
	assets    AssetSource
	log       zerolog.Logger
	lastSeq   int64
}

func NewWorker(store *Store, inputChan <-chan Output, assets AssetSource, log zerolog.Logger) *Worker {
	return &Worker{
		store:     store,
		inputChan: inputChan,
		assets:    assets,
		log:       log,
	}
}

// Run starts the projection loop. Blocks until ctx is cancelled or the
// input closes.
func (w *Worker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case output, ok := <-w.inputChan:
			if !ok {
				return nil
			}
			w.process(ctx, output)
		}
	}
}

func (w *Worker) process(ctx context.Context, output Output) {
	if w.lastSeq != 0 && output.Sequence != w.lastSeq+1 {
		// Drops on the core side leave gaps; the balances hash is stale
		// until the next Reset.
		w.log.Warn().Int64("expected", w.lastSeq+1).Int64("got", output.Sequence).Msg("projection gap")
	}
	w.lastSeq = output.Sequence

	if err := w.store.Apply(ctx, output); err != nil {
		w.log.Warn().Int64("sequence", output.Sequence).Err(err).Msg("projection update failed")
		return
	}

	if output.RefreshAssets && w.assets != nil {
		snaps, _, err := w.assets.AssetSnapshots(ctx)
		if err != nil {
			w.log.Warn().Int64("sequence", output.Sequence).Err(err).Msg("asset refresh failed")
			return
		}
		if err := w.store.PutAssets(ctx, snaps); err != nil {
			w.log.Warn().Int64("sequence", output.Sequence).Err(err).Msg("asset projection failed")
		}
	}
}

// StateSource reads balances and assets from the core in one step.
type StateSource interface {
	ProjectionState(ctx context.Context) (int64, map[string]int64, []AssetSnapshot, error)
}

// Rebuilder replaces the projection with the core's current state. It runs
// at startup and on the admin RebuildProjections call.
type Rebuilder struct {
	store  *Store
	source StateSource
	log    zerolog.Logger
}

func NewRebuilder(store *Store, source StateSource, log zerolog.Logger) *Rebuilder {
	return &Rebuilder{store: store, source: source, log: log}
}

// RebuildProjections returns the sequence the projection was rebuilt at.
func (r *Rebuilder) RebuildProjections(ctx context.Context) (int64, error) {
	seq, balances, snaps, err := r.source.ProjectionState(ctx)
	if err != nil {
		return 0, fmt.Errorf("read core state: %w", err)
	}
	if err := r.store.Reset(ctx, seq, balances, snaps); err != nil {
		return 0, fmt.Errorf("reset projection: %w", err)
	}
	r.log.Info().Int64("sequence", seq).Int("assets", len(snaps)).Msg("projection rebuilt")
	return seq, nil
}

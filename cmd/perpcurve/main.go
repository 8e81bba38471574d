package main

import (
	"PerpCurve/internal/config"
	"PerpCurve/internal/core"
	"PerpCurve/internal/event"
	"PerpCurve/internal/ingestion"
	"PerpCurve/internal/observability"
	"PerpCurve/internal/persistence"
	"PerpCurve/internal/projection"
	"PerpCurve/internal/query"
	"PerpCurve/internal/scheduler"
	"PerpCurve/internal/server"
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const replayBatchSize = 1000

func main() {
	cfg, err := config.Load(config.Path())
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	level := observability.ParseLogLevel(cfg.LogLevel)
	logger := func(component string) zerolog.Logger {
		return observability.NewLoggerTo(os.Stdout, component, level)
	}
	log := logger("main")
	log.Info().Msg("PerpCurve starting")

	if os.Getenv("GOGC") == "" {
		log.Warn().Msg("GOGC not set, recommend GOGC=400 for production")
	}

	// --- Context with graceful shutdown ---
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// --- Observability ---
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := observability.NewMetrics(reg)
	healthChecker := observability.NewHealthChecker()

	// --- Postgres ---
	db, err := sql.Open("postgres", cfg.Postgres.DSN)
	if err != nil {
		log.Fatal().Err(err).Msg("postgres open")
	}
	defer db.Close()

	db.SetMaxOpenConns(cfg.Postgres.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Postgres.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.Postgres.ConnLifetime)

	if err := db.PingContext(ctx); err != nil {
		log.Fatal().Err(err).Msg("postgres ping")
	}
	log.Info().Msg("postgres connected")

	if err := persistence.NewMigrator(db, cfg.Postgres.MigrationsDir, logger("migrate")).Up(); err != nil {
		log.Fatal().Err(err).Msg("run migrations")
	}

	snapMgr := persistence.NewSnapshotManager(db)
	dbChecker := persistence.NewPostgresIdempotencyChecker(db)

	// --- Channels ---
	// persist blocks the core (backpressure), projection drops
	persistCoreChan := make(chan core.CoreOutput, cfg.Pipeline.PersistChanSize)
	projectionCoreChan := make(chan core.CoreOutput, cfg.Pipeline.ProjectionChanSize)
	persistWorkerChan := make(chan persistence.CoreOutput, cfg.Pipeline.PersistChanSize)
	projectionWorkerChan := make(chan projection.Output, cfg.Pipeline.ProjectionChanSize)
	publishChan := make(chan ingestion.PublishableEvent, cfg.Pipeline.PublishChanSize)

	// --- Recovery: snapshot + replay ---
	newCore := func() (*core.DeterministicCore, error) {
		return core.NewDeterministicCore(cfg.CoreConfig(), persistCoreChan, projectionCoreChan, dbChecker, metrics, logger("core"))
	}
	deterministicCore, snap, err := recoverCore(ctx, snapMgr, newCore, log)
	if err != nil {
		log.Fatal().Err(err).Msg("recovery failed")
	}
	// replayed transitions are covered by the projection rebuild below
	discardPending(projectionCoreChan)
	headSequence := deterministicCore.GetSequence() - 1

	runner := core.NewRunner(deterministicCore, cfg.Pipeline.CoreQueueSize)
	coreCtx, stopCore := context.WithCancel(ctx)
	defer stopCore()
	coreDone := make(chan struct{})
	go func() {
		defer close(coreDone)
		_ = runner.Run(coreCtx)
	}()

	// --- Redis projection ---
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer redisClient.Close()
	store := projection.NewStore(redisClient, cfg.Redis.Prefix, cfg.Redis.MaxResponses)

	queryService := query.NewQueryService(runner, store, db, metrics)
	rebuilder := projection.NewRebuilder(store, queryService, logger("projection"))
	if _, err := rebuilder.RebuildProjections(ctx); err != nil {
		// queries fall back to the core until the next rebuild
		log.Warn().Err(err).Msg("initial projection rebuild failed")
	}

	// --- NATS ---
	nc, js, err := ingestion.ConnectNATS(cfg.NATS.URL, logger("nats"))
	if err != nil {
		log.Fatal().Err(err).Msg("nats connect")
	}
	defer nc.Close()

	if err := ingestion.EnsureStreams(ctx, js, logger("nats")); err != nil {
		log.Fatal().Err(err).Msg("ensure NATS streams")
	}

	rawEventChan := make(chan ingestion.RawEvent, cfg.Pipeline.IngestChanSize)
	natsSubscriber := ingestion.NewNATSSubscriber(js, rawEventChan, logger("nats"))
	if err := natsSubscriber.Subscribe(ctx, ingestion.DefaultSubjects()); err != nil {
		log.Fatal().Err(err).Msg("nats subscribe")
	}

	// --- Snapshots ---
	snapshotter := scheduler.NewSnapshotter(runner, snapMgr, cfg.CoreConfig(), cfg.Snapshot.MinEvents, metrics, logger("snapshot"))
	if snap != nil {
		snapshotter.SetLastSequence(snap.Sequence)
	}
	sched := scheduler.New(snapshotter, cfg.Snapshot.Timeout, logger("scheduler"))
	if err := sched.RegisterSnapshots(cfg.Snapshot.Cron); err != nil {
		log.Fatal().Err(err).Msg("register snapshot job")
	}

	// --- gRPC + HTTP gateway ---
	svc := &server.Service{
		Query:       queryService,
		Ingest:      ingestion.NewGRPCIngestService(runner),
		Snapshots:   snapshotter,
		Projections: rebuilder,
		Log:         logger("server"),
	}
	grpcServer, err := server.NewGRPCServer(cfg.Server.GRPCAddr, cfg.Server.HTTPAddr, &server.ServerDeps{
		Service:       svc,
		HealthChecker: healthChecker,
		Gatherer:      reg,
		Log:           logger("server"),
	})
	if err != nil {
		log.Fatal().Err(err).Msg("build server")
	}

	healthChecker.Register("postgres", db.PingContext)
	healthChecker.Register("redis", store.Ping)
	healthChecker.Register("nats", func(context.Context) error {
		if !nc.IsConnected() {
			return errors.New("nats disconnected")
		}
		return nil
	})

	// --- Start goroutines ---
	errChan := make(chan error, 10)
	var workers sync.WaitGroup

	// 1. Persistence worker
	persistWorker := persistence.NewPersistenceWorker(db, persistWorkerChan,
		cfg.Pipeline.PersistBatchSize, cfg.Pipeline.PersistFlushTimeout, metrics, logger("persistence"))
	workers.Add(1)
	go func() {
		defer workers.Done()
		if err := persistWorker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			errChan <- fmt.Errorf("persistence worker: %w", err)
		}
	}()

	// 2. Projection worker
	projWorker := projection.NewWorker(store, projectionWorkerChan, queryService, logger("projection"))
	workers.Add(1)
	go func() {
		defer workers.Done()
		_ = projWorker.Run(ctx)
	}()

	// 3. Outbound publisher
	outboundPublisher := ingestion.NewOutboundPublisher(js, publishChan, logger("publisher"))
	workers.Add(1)
	go func() {
		defer workers.Done()
		_ = outboundPublisher.Run(ctx)
	}()

	// 4. Core output bridges
	workers.Add(2)
	go func() {
		defer workers.Done()
		bridgePersist(persistCoreChan, persistWorkerChan, publishChan, metrics)
	}()
	go func() {
		defer workers.Done()
		bridgeProjection(projectionCoreChan, projectionWorkerChan, metrics)
	}()

	// 5. NATS -> core ingestion loop
	ingestLoop := ingestion.NewLoop(rawEventChan, runner, metrics, logger("ingest"))
	go func() {
		_ = ingestLoop.Run(coreCtx)
	}()

	// 6. gRPC server
	go func() {
		if err := grpcServer.StartGRPC(ctx); err != nil {
			errChan <- fmt.Errorf("grpc server: %w", err)
		}
	}()

	// 7. HTTP gateway
	go func() {
		if err := grpcServer.StartHTTPGateway(ctx); err != nil {
			errChan <- fmt.Errorf("http gateway: %w", err)
		}
	}()

	// 8. Periodic snapshots
	sched.Start()

	healthChecker.SetReady(true)
	grpcServer.SetServing(true)

	log.Info().
		Int64("sequence", headSequence).
		Str("grpc", cfg.Server.GRPCAddr).
		Str("http", cfg.Server.HTTPAddr).
		Msg("PerpCurve ready")

	// --- Wait for shutdown signal ---
	select {
	case sig := <-sigChan:
		log.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-errChan:
		log.Error().Err(err).Msg("goroutine failed, shutting down")
	}

	// --- Graceful shutdown ---
	// stop intake, snapshot, stop the core, drain the pipeline, then exit
	healthChecker.SetReady(false)
	grpcServer.SetServing(false)
	natsSubscriber.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	sched.Stop(shutdownCtx)

	if seq, err := snapshotter.TakeSnapshot(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("final snapshot failed")
	} else if seq > 0 {
		log.Info().Int64("sequence", seq).Msg("final snapshot saved")
	}

	stopCore()
	<-coreDone
	close(persistCoreChan)
	close(projectionCoreChan)

	drained := make(chan struct{})
	go func() {
		workers.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-shutdownCtx.Done():
		log.Warn().Msg("pipeline did not drain before the shutdown deadline")
	}
	cancel()

	log.Info().Msg("PerpCurve shutdown complete")
}

// recoverCore restores the latest snapshot and replays the log after it. A
// snapshot that fails to restore is skipped and the log is replayed from
// the start.
func recoverCore(
	ctx context.Context,
	snapMgr *persistence.SnapshotManager,
	newCore func() (*core.DeterministicCore, error),
	log zerolog.Logger,
) (*core.DeterministicCore, *persistence.SnapshotRecord, error) {
	c, err := newCore()
	if err != nil {
		return nil, nil, err
	}

	snap, err := snapMgr.LoadLatestSnapshot(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("failed to load snapshot")
		snap = nil
	}
	if snap != nil {
		if err := restoreSnapshot(c, snap); err != nil {
			log.Error().Err(err).Int64("sequence", snap.Sequence).Msg("snapshot restore failed, cold start")
			snap = nil
			if c, err = newCore(); err != nil {
				return nil, nil, err
			}
		} else {
			log.Info().Int64("sequence", snap.Sequence).Msg("loaded snapshot")
		}
	} else {
		log.Info().Msg("no snapshot found, cold start")
	}

	replayed := 0
	for {
		rows, err := snapMgr.LoadEventsFrom(ctx, c.GetSequence(), replayBatchSize)
		if err != nil {
			return nil, nil, fmt.Errorf("load events: %w", err)
		}
		if len(rows) == 0 {
			break
		}
		envs := make([]*event.EventEnvelope, 0, len(rows))
		for _, row := range rows {
			env, err := row.Envelope()
			if err != nil {
				return nil, nil, fmt.Errorf("decode event %d: %w", row.Sequence, err)
			}
			envs = append(envs, env)
		}
		n, err := c.Replay(envs)
		replayed += n
		if err != nil {
			return nil, nil, err
		}
		if len(rows) < replayBatchSize {
			break
		}
	}
	if replayed > 0 {
		log.Info().Int("events", replayed).Int64("sequence", c.GetSequence()-1).Msg("replayed event log")
	}

	if snap != nil && replayed == 0 {
		tip := c.GetStateHash()
		if !bytes.Equal(tip[:], snap.StateHash) {
			return nil, nil, fmt.Errorf("state hash mismatch after restore: expected %x, got %x", snap.StateHash, tip)
		}
		if !snap.Verified {
			if err := snapMgr.MarkVerified(ctx, snap.Sequence); err != nil {
				log.Warn().Err(err).Msg("mark snapshot verified")
			}
		}
		log.Info().Msg("state hash verified after snapshot restore")
	}
	return c, snap, nil
}

func restoreSnapshot(c *core.DeterministicCore, snap *persistence.SnapshotRecord) error {
	state, err := core.DecodeSnapshot(snap.Data)
	if err != nil {
		return err
	}
	if state.Sequence != snap.Sequence {
		return fmt.Errorf("snapshot row %d holds state at %d", snap.Sequence, state.Sequence)
	}
	return c.RestoreFromSnapshot(state)
}

// bridgePersist converts core outputs for the persistence worker and the
// outbound publisher. It returns when in closes and then closes both
// outputs.
func bridgePersist(
	in <-chan core.CoreOutput,
	persistOut chan<- persistence.CoreOutput,
	publishOut chan<- ingestion.PublishableEvent,
	metrics *observability.Metrics,
) {
	defer close(persistOut)
	defer close(publishOut)
	for output := range in {
		persistOut <- persistence.NewCoreOutput(output.Envelope, output.Batch)

		select {
		case publishOut <- ingestion.NewPublishableEvent(output.Envelope, output.Response):
		default:
			metrics.PublishDrops.Inc()
		}
	}
}

func discardPending(ch <-chan core.CoreOutput) {
	for {
		select {
		case <-ch:
		default:
			return
		}
	}
}

func bridgeProjection(
	in <-chan core.CoreOutput,
	out chan<- projection.Output,
	metrics *observability.Metrics,
) {
	defer close(out)
	for output := range in {
		select {
		case out <- projection.NewOutput(output.Envelope, output.Batch, output.Response):
		default:
			metrics.ProjectionDrops.WithLabelValues("worker").Inc()
		}
	}
}

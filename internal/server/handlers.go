package server

import (
	"PerpCurve/internal/apperr"
	"PerpCurve/internal/core"
	"PerpCurve/internal/event"
	"PerpCurve/internal/ingestion"
	"PerpCurve/internal/projection"
	"PerpCurve/internal/query"
	"context"
	"errors"

	"github.com/rs/zerolog"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	defaultResponsesLimit = 20
	defaultJournalLimit   = 100
	maxJournalLimit       = 1000
)

// SnapshotTaker takes an on-demand snapshot. scheduler.Snapshotter
// implements it.
type SnapshotTaker interface {
	TakeSnapshot(ctx context.Context) (int64, error)
}

// ProjectionRebuilder rebuilds the read models. projection.Rebuilder
// implements it.
type ProjectionRebuilder interface {
	RebuildProjections(ctx context.Context) (int64, error)
}

// Service implements PerpCurveServer on top of the ingest, query and admin
// components. Snapshots and Projections may be nil.
type Service struct {
	Query       *query.QueryService
	Ingest      *ingestion.GRPCIngestService
	Snapshots   SnapshotTaker
	Projections ProjectionRebuilder
	Log         zerolog.Logger
}

var _ PerpCurveServer = (*Service)(nil)

func (s *Service) Submit(ctx context.Context, in *SubmitRequest) (*event.Response, error) {
	if len(in.Request) == 0 {
		return nil, status.Error(codes.InvalidArgument, "request required")
	}
	resp, err := s.Ingest.Submit(ctx, in.Request)
	return resp, toStatus(err)
}

func (s *Service) InjectFeedPrice(ctx context.Context, in *InjectFeedPriceRequest) (*event.Response, error) {
	resp, err := s.Ingest.InjectFeedPrice(ctx, in.FeedName, in.Price, in.Sequence, in.Timestamp)
	return resp, toStatus(err)
}

func (s *Service) GetPrice(ctx context.Context, in *GetPriceRequest) (*query.PriceResponse, error) {
	resp, err := s.Query.GetPrice(ctx, in.Asset, in.Adjust, in.At)
	return resp, toStatus(err)
}

func (s *Service) GetAuctionPrice(ctx context.Context, in *GetAuctionPriceRequest) (*query.AuctionPriceResponse, error) {
	resp, err := s.Query.GetAuctionPrice(ctx, in.Asset, in.At)
	return resp, toStatus(err)
}

func (s *Service) GetExchangeResult(ctx context.Context, in *GetExchangeResultRequest) (*query.ExchangeResultResponse, error) {
	resp, err := s.Query.GetExchangeResult(ctx, in.Asset, in.DeltaTokens, in.DeltaReserve, in.At)
	return resp, toStatus(err)
}

func (s *Service) GetRewards(ctx context.Context, in *GetRewardsRequest) (*query.RewardsResponse, error) {
	resp, err := s.Query.GetRewards(ctx, in.User, in.Asset)
	return resp, toStatus(err)
}

func (s *Service) GetStake(ctx context.Context, in *GetStakeRequest) (*query.StakeResponse, error) {
	resp, err := s.Query.GetStake(ctx, in.User, in.Asset)
	return resp, toStatus(err)
}

func (s *Service) GetVoteGroups(ctx context.Context, _ *Empty) (*query.VoteGroupsResponse, error) {
	resp, err := s.Query.GetVoteGroups(ctx)
	return resp, toStatus(err)
}

func (s *Service) GetAsset(ctx context.Context, in *GetAssetRequest) (*query.AssetResponse, error) {
	resp, err := s.Query.GetAsset(ctx, in.Asset)
	return resp, toStatus(err)
}

func (s *Service) GetBalances(ctx context.Context, _ *Empty) (*query.BalancesResponse, error) {
	resp, err := s.Query.GetBalances(ctx)
	return resp, toStatus(err)
}

func (s *Service) GetResponses(ctx context.Context, in *GetResponsesRequest) (*query.ResponsesResponse, error) {
	if in.Address == "" {
		return nil, status.Error(codes.InvalidArgument, "address required")
	}
	limit := in.Limit
	if limit <= 0 {
		limit = defaultResponsesLimit
	}
	resp, err := s.Query.GetResponses(ctx, in.Address, limit)
	return resp, toStatus(err)
}

func (s *Service) ListJournals(ctx context.Context, in *ListJournalsRequest) (*ListJournalsResponse, error) {
	if in.Account == "" {
		return nil, status.Error(codes.InvalidArgument, "account required")
	}
	limit := in.Limit
	if limit <= 0 {
		limit = defaultJournalLimit
	}
	if limit > maxJournalLimit {
		limit = maxJournalLimit
	}
	entries, err := s.Query.GetJournalHistory(ctx, in.Account, limit, in.AfterSequence)
	if err != nil {
		return nil, toStatus(err)
	}
	return &ListJournalsResponse{Entries: entries}, nil
}

func (s *Service) VerifyIntegrity(ctx context.Context, _ *Empty) (*query.IntegrityReport, error) {
	report, err := s.Query.VerifyIntegrity(ctx)
	if err != nil {
		return nil, toStatus(err)
	}
	if !report.IsHealthy {
		s.Log.Warn().
			Ints64("hash_chain_breaks", report.HashChainBreaks).
			Int("unbalanced_assets", len(report.UnbalancedAssets)).
			Str("invariant_error", report.InvariantError).
			Msg("integrity check failed")
	}
	return report, nil
}

func (s *Service) TakeSnapshot(ctx context.Context, _ *Empty) (*SnapshotResponse, error) {
	if s.Snapshots == nil {
		return nil, status.Error(codes.Unimplemented, "snapshots not configured")
	}
	seq, err := s.Snapshots.TakeSnapshot(ctx)
	if err != nil {
		return nil, toStatus(err)
	}
	return &SnapshotResponse{Sequence: seq}, nil
}

func (s *Service) RebuildProjections(ctx context.Context, _ *Empty) (*RebuildProjectionsResponse, error) {
	if s.Projections == nil {
		return nil, status.Error(codes.Unimplemented, "projections not configured")
	}
	seq, err := s.Projections.RebuildProjections(ctx)
	if err != nil {
		return nil, toStatus(err)
	}
	return &RebuildProjectionsResponse{Sequence: seq}, nil
}

func (s *Service) GetEventLogInfo(ctx context.Context, _ *Empty) (*query.EventLogInfo, error) {
	info, err := s.Query.GetEventLogInfo(ctx)
	return info, toStatus(err)
}

// toStatus maps domain errors onto gRPC codes.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	switch {
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	case errors.Is(err, core.ErrRunnerStopped):
		return status.Error(codes.Unavailable, err.Error())
	case errors.Is(err, projection.ErrNotFound):
		return status.Error(codes.NotFound, err.Error())
	}
	switch apperr.KindOf(err) {
	case apperr.KindValidation:
		return status.Error(codes.InvalidArgument, err.Error())
	case apperr.KindNotYetClaimable, apperr.KindNotYetWithdrawable, apperr.KindInvariantViolation:
		return status.Error(codes.FailedPrecondition, err.Error())
	case apperr.KindCapacityExceeded:
		return status.Error(codes.ResourceExhausted, err.Error())
	case apperr.KindUnauthorized:
		return status.Error(codes.PermissionDenied, err.Error())
	}
	return status.Error(codes.Internal, err.Error())
}

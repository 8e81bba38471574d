package server

import (
	"PerpCurve/internal/event"
	"PerpCurve/internal/query"
	"context"
	"encoding/json"

	"github.com/shopspring/decimal"
	"google.golang.org/grpc"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "perpcurve.v1.PerpCurve"

// --- Messages ---

type Empty struct{}

// SubmitRequest carries one request envelope in the inbound wire format.
type SubmitRequest struct {
	Request json.RawMessage `json:"request"`
}

type InjectFeedPriceRequest struct {
	FeedName  string          `json:"feed_name"`
	Price     decimal.Decimal `json:"price"`
	Sequence  int64           `json:"sequence"`
	Timestamp int64           `json:"timestamp"`
}

type GetPriceRequest struct {
	Asset  string `json:"asset"`
	Adjust bool   `json:"adjust"`
	At     int64  `json:"at,omitempty"`
}

type GetAuctionPriceRequest struct {
	Asset string `json:"asset"`
	At    int64  `json:"at,omitempty"`
}

type GetExchangeResultRequest struct {
	Asset        string `json:"asset"`
	DeltaTokens  int64  `json:"delta_tokens"`
	DeltaReserve int64  `json:"delta_reserve"`
	At           int64  `json:"at,omitempty"`
}

type GetRewardsRequest struct {
	User  string `json:"user"`
	Asset string `json:"asset"`
}

type GetStakeRequest struct {
	User  string `json:"user"`
	Asset string `json:"asset"`
}

type GetAssetRequest struct {
	Asset string `json:"asset"`
}

type GetResponsesRequest struct {
	Address string `json:"address"`
	Limit   int    `json:"limit"`
}

type ListJournalsRequest struct {
	Account       string `json:"account"`
	Limit         int    `json:"limit"`
	AfterSequence *int64 `json:"after_sequence,omitempty"`
}

type ListJournalsResponse struct {
	Entries []query.JournalHistoryEntry `json:"entries"`
}

// SnapshotResponse reports the snapshot sequence; 0 means nothing new was
// committed since the last snapshot.
type SnapshotResponse struct {
	Sequence int64 `json:"sequence"`
}

type RebuildProjectionsResponse struct {
	Sequence int64 `json:"sequence"`
}

// PerpCurveServer is the request, query and admin surface.
type PerpCurveServer interface {
	// ingest
	Submit(context.Context, *SubmitRequest) (*event.Response, error)
	InjectFeedPrice(context.Context, *InjectFeedPriceRequest) (*event.Response, error)

	// computed queries
	GetPrice(context.Context, *GetPriceRequest) (*query.PriceResponse, error)
	GetAuctionPrice(context.Context, *GetAuctionPriceRequest) (*query.AuctionPriceResponse, error)
	GetExchangeResult(context.Context, *GetExchangeResultRequest) (*query.ExchangeResultResponse, error)
	GetRewards(context.Context, *GetRewardsRequest) (*query.RewardsResponse, error)
	GetStake(context.Context, *GetStakeRequest) (*query.StakeResponse, error)
	GetVoteGroups(context.Context, *Empty) (*query.VoteGroupsResponse, error)
	GetAsset(context.Context, *GetAssetRequest) (*query.AssetResponse, error)

	// projections and event log
	GetBalances(context.Context, *Empty) (*query.BalancesResponse, error)
	GetResponses(context.Context, *GetResponsesRequest) (*query.ResponsesResponse, error)
	ListJournals(context.Context, *ListJournalsRequest) (*ListJournalsResponse, error)

	// admin
	VerifyIntegrity(context.Context, *Empty) (*query.IntegrityReport, error)
	TakeSnapshot(context.Context, *Empty) (*SnapshotResponse, error)
	RebuildProjections(context.Context, *Empty) (*RebuildProjectionsResponse, error)
	GetEventLogInfo(context.Context, *Empty) (*query.EventLogInfo, error)
}

// ServiceDesc describes PerpCurveServer to grpc.Server. Messages travel
// with the JSON codec.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*PerpCurveServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("Submit", PerpCurveServer.Submit),
		unary("InjectFeedPrice", PerpCurveServer.InjectFeedPrice),
		unary("GetPrice", PerpCurveServer.GetPrice),
		unary("GetAuctionPrice", PerpCurveServer.GetAuctionPrice),
		unary("GetExchangeResult", PerpCurveServer.GetExchangeResult),
		unary("GetRewards", PerpCurveServer.GetRewards),
		unary("GetStake", PerpCurveServer.GetStake),
		unary("GetVoteGroups", PerpCurveServer.GetVoteGroups),
		unary("GetAsset", PerpCurveServer.GetAsset),
		unary("GetBalances", PerpCurveServer.GetBalances),
		unary("GetResponses", PerpCurveServer.GetResponses),
		unary("ListJournals", PerpCurveServer.ListJournals),
		unary("VerifyIntegrity", PerpCurveServer.VerifyIntegrity),
		unary("TakeSnapshot", PerpCurveServer.TakeSnapshot),
		unary("RebuildProjections", PerpCurveServer.RebuildProjections),
		unary("GetEventLogInfo", PerpCurveServer.GetEventLogInfo),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "perpcurve/v1/perpcurve.proto",
}

// RegisterPerpCurveServer registers srv on s.
func RegisterPerpCurveServer(s grpc.ServiceRegistrar, srv PerpCurveServer) {
	s.RegisterService(&ServiceDesc, srv)
}

func fullMethod(name string) string {
	return "/" + ServiceName + "/" + name
}

func unary[Req, Resp any](name string, call func(PerpCurveServer, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			s := srv.(PerpCurveServer)
			if interceptor == nil {
				return call(s, ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod(name)}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return call(s, ctx, req.(*Req))
			})
		},
	}
}

// Client calls a PerpCurve server with the JSON codec.
type Client struct {
	cc grpc.ClientConnInterface
}

func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

func invoke[Resp any](ctx context.Context, c *Client, name string, in any, opts ...grpc.CallOption) (*Resp, error) {
	out := new(Resp)
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
	if err := c.cc.Invoke(ctx, fullMethod(name), in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) Submit(ctx context.Context, in *SubmitRequest, opts ...grpc.CallOption) (*event.Response, error) {
	return invoke[event.Response](ctx, c, "Submit", in, opts...)
}

func (c *Client) InjectFeedPrice(ctx context.Context, in *InjectFeedPriceRequest, opts ...grpc.CallOption) (*event.Response, error) {
	return invoke[event.Response](ctx, c, "InjectFeedPrice", in, opts...)
}

func (c *Client) GetPrice(ctx context.Context, in *GetPriceRequest, opts ...grpc.CallOption) (*query.PriceResponse, error) {
	return invoke[query.PriceResponse](ctx, c, "GetPrice", in, opts...)
}

func (c *Client) GetExchangeResult(ctx context.Context, in *GetExchangeResultRequest, opts ...grpc.CallOption) (*query.ExchangeResultResponse, error) {
	return invoke[query.ExchangeResultResponse](ctx, c, "GetExchangeResult", in, opts...)
}

func (c *Client) GetEventLogInfo(ctx context.Context, opts ...grpc.CallOption) (*query.EventLogInfo, error) {
	return invoke[query.EventLogInfo](ctx, c, "GetEventLogInfo", &Empty{}, opts...)
}

func (c *Client) TakeSnapshot(ctx context.Context, opts ...grpc.CallOption) (*SnapshotResponse, error) {
	return invoke[SnapshotResponse](ctx, c, "TakeSnapshot", &Empty{}, opts...)
}

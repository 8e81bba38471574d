package server

import (
	"PerpCurve/internal/observability"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const maxRequestBody = 1 << 20

type route struct {
	method  string
	pattern string
	handler runtime.HandlerFunc
}

type gateway struct {
	svc       PerpCurveServer
	marshaler runtime.Marshaler
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// NewGatewayHandler serves the JSON routes in-process against svc, plus
// /healthz, /readyz and /metrics.
func NewGatewayHandler(svc PerpCurveServer, hc *observability.HealthChecker, gatherer prometheus.Gatherer) (http.Handler, error) {
	g := &gateway{svc: svc, marshaler: &runtime.JSONBuiltin{}}

	mux := runtime.NewServeMux()
	for _, rt := range g.routes() {
		if err := mux.HandlePath(rt.method, rt.pattern, rt.handler); err != nil {
			return nil, fmt.Errorf("register %s %s: %w", rt.method, rt.pattern, err)
		}
	}

	httpMux := http.NewServeMux()
	if hc != nil {
		httpMux.HandleFunc("/healthz", hc.LivenessHandler)
		httpMux.HandleFunc("/readyz", hc.ReadinessHandler)
	} else {
		httpMux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusOK)
			fmt.Fprint(w, `{"status":"ok"}`)
		})
	}
	if gatherer != nil {
		httpMux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}
	httpMux.Handle("/", mux)
	return httpMux, nil
}

func (g *gateway) routes() []route {
	return []route{
		// ingest
		{http.MethodPost, "/v1/requests", g.submit},
		{http.MethodPost, "/v1/feeds", g.injectFeedPrice},

		// computed queries
		{http.MethodGet, "/v1/assets/{asset}/price", g.getPrice},
		{http.MethodGet, "/v1/assets/{asset}/auction_price", g.getAuctionPrice},
		{http.MethodGet, "/v1/assets/{asset}/exchange_result", g.getExchangeResult},
		{http.MethodGet, "/v1/assets/{asset}", g.getAsset},
		{http.MethodGet, "/v1/users/{user}/rewards/{asset}", g.getRewards},
		{http.MethodGet, "/v1/users/{user}/stakes/{asset}", g.getStake},
		{http.MethodGet, "/v1/vote_groups", g.getVoteGroups},

		// projections and event log
		{http.MethodGet, "/v1/balances", g.getBalances},
		{http.MethodGet, "/v1/users/{user}/responses", g.getResponses},
		{http.MethodGet, "/v1/journals", g.listJournals},

		// admin
		{http.MethodGet, "/v1/admin/integrity", g.verifyIntegrity},
		{http.MethodPost, "/v1/admin/snapshots", g.takeSnapshot},
		{http.MethodPost, "/v1/admin/projections/rebuild", g.rebuildProjections},
		{http.MethodGet, "/v1/admin/event_log", g.getEventLogInfo},
	}
}

func (g *gateway) submit(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBody))
	if err != nil {
		g.writeError(w, status.Errorf(codes.InvalidArgument, "read body: %v", err))
		return
	}
	g.reply(w, r, func(ctx context.Context) (any, error) {
		return g.svc.Submit(ctx, &SubmitRequest{Request: body})
	})
}

func (g *gateway) injectFeedPrice(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	var in InjectFeedPriceRequest
	if err := g.marshaler.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&in); err != nil {
		g.writeError(w, status.Errorf(codes.InvalidArgument, "decode body: %v", err))
		return
	}
	g.reply(w, r, func(ctx context.Context) (any, error) {
		return g.svc.InjectFeedPrice(ctx, &in)
	})
}

func (g *gateway) getPrice(w http.ResponseWriter, r *http.Request, p map[string]string) {
	in := &GetPriceRequest{Asset: p["asset"]}
	q := params{r: r}
	in.Adjust = q.bool("adjust")
	in.At = q.int64("at")
	if q.err != nil {
		g.writeError(w, q.err)
		return
	}
	g.reply(w, r, func(ctx context.Context) (any, error) { return g.svc.GetPrice(ctx, in) })
}

func (g *gateway) getAuctionPrice(w http.ResponseWriter, r *http.Request, p map[string]string) {
	q := params{r: r}
	in := &GetAuctionPriceRequest{Asset: p["asset"], At: q.int64("at")}
	if q.err != nil {
		g.writeError(w, q.err)
		return
	}
	g.reply(w, r, func(ctx context.Context) (any, error) { return g.svc.GetAuctionPrice(ctx, in) })
}

func (g *gateway) getExchangeResult(w http.ResponseWriter, r *http.Request, p map[string]string) {
	q := params{r: r}
	in := &GetExchangeResultRequest{
		Asset:        p["asset"],
		DeltaTokens:  q.int64("delta_tokens"),
		DeltaReserve: q.int64("delta_reserve"),
		At:           q.int64("at"),
	}
	if q.err != nil {
		g.writeError(w, q.err)
		return
	}
	g.reply(w, r, func(ctx context.Context) (any, error) { return g.svc.GetExchangeResult(ctx, in) })
}

func (g *gateway) getAsset(w http.ResponseWriter, r *http.Request, p map[string]string) {
	in := &GetAssetRequest{Asset: p["asset"]}
	g.reply(w, r, func(ctx context.Context) (any, error) { return g.svc.GetAsset(ctx, in) })
}

func (g *gateway) getRewards(w http.ResponseWriter, r *http.Request, p map[string]string) {
	in := &GetRewardsRequest{User: p["user"], Asset: p["asset"]}
	g.reply(w, r, func(ctx context.Context) (any, error) { return g.svc.GetRewards(ctx, in) })
}

func (g *gateway) getStake(w http.ResponseWriter, r *http.Request, p map[string]string) {
	in := &GetStakeRequest{User: p["user"], Asset: p["asset"]}
	g.reply(w, r, func(ctx context.Context) (any, error) { return g.svc.GetStake(ctx, in) })
}

func (g *gateway) getVoteGroups(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	g.reply(w, r, func(ctx context.Context) (any, error) { return g.svc.GetVoteGroups(ctx, &Empty{}) })
}

func (g *gateway) getBalances(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	g.reply(w, r, func(ctx context.Context) (any, error) { return g.svc.GetBalances(ctx, &Empty{}) })
}

func (g *gateway) getResponses(w http.ResponseWriter, r *http.Request, p map[string]string) {
	q := params{r: r}
	in := &GetResponsesRequest{Address: p["user"], Limit: int(q.int64("limit"))}
	if q.err != nil {
		g.writeError(w, q.err)
		return
	}
	g.reply(w, r, func(ctx context.Context) (any, error) { return g.svc.GetResponses(ctx, in) })
}

func (g *gateway) listJournals(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	q := params{r: r}
	in := &ListJournalsRequest{
		Account: r.URL.Query().Get("account"),
		Limit:   int(q.int64("limit")),
	}
	if r.URL.Query().Has("after_sequence") {
		after := q.int64("after_sequence")
		in.AfterSequence = &after
	}
	if q.err != nil {
		g.writeError(w, q.err)
		return
	}
	g.reply(w, r, func(ctx context.Context) (any, error) { return g.svc.ListJournals(ctx, in) })
}

func (g *gateway) verifyIntegrity(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	g.reply(w, r, func(ctx context.Context) (any, error) { return g.svc.VerifyIntegrity(ctx, &Empty{}) })
}

func (g *gateway) takeSnapshot(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	g.reply(w, r, func(ctx context.Context) (any, error) { return g.svc.TakeSnapshot(ctx, &Empty{}) })
}

func (g *gateway) rebuildProjections(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	g.reply(w, r, func(ctx context.Context) (any, error) { return g.svc.RebuildProjections(ctx, &Empty{}) })
}

func (g *gateway) getEventLogInfo(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	g.reply(w, r, func(ctx context.Context) (any, error) { return g.svc.GetEventLogInfo(ctx, &Empty{}) })
}

// reply runs call and writes its result or its error.
func (g *gateway) reply(w http.ResponseWriter, r *http.Request, call func(ctx context.Context) (any, error)) {
	resp, err := call(r.Context())
	if err != nil {
		g.writeError(w, err)
		return
	}
	g.write(w, http.StatusOK, resp)
}

func (g *gateway) writeError(w http.ResponseWriter, err error) {
	st := status.Convert(toStatus(err))
	g.write(w, runtime.HTTPStatusFromCode(st.Code()), errorBody{Code: st.Code().String(), Message: st.Message()})
}

func (g *gateway) write(w http.ResponseWriter, code int, v any) {
	buf, err := g.marshaler.Marshal(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", g.marshaler.ContentType(v))
	w.WriteHeader(code)
	_, _ = w.Write(buf)
}

// params reads query parameters, keeping the first parse error.
type params struct {
	r   *http.Request
	err error
}

func (p *params) int64(name string) int64 {
	raw := p.r.URL.Query().Get(name)
	if raw == "" || p.err != nil {
		return 0
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		p.err = status.Errorf(codes.InvalidArgument, "%s: %v", name, err)
	}
	return v
}

func (p *params) bool(name string) bool {
	raw := p.r.URL.Query().Get(name)
	if raw == "" || p.err != nil {
		return false
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		p.err = status.Errorf(codes.InvalidArgument, "%s: %v", name, err)
	}
	return v
}

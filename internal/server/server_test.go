package server_test

import (
	"PerpCurve/internal/core"
	"PerpCurve/internal/ingestion"
	"PerpCurve/internal/observability"
	"PerpCurve/internal/query"
	"PerpCurve/internal/server"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
)

const t0 = int64(1_700_000_000)

const buyRequest = `{"trigger_id":"b1","sender":"alice","timestamp":1700000000,"sequence":1,
	"target":"curve","attached":{"asset":"base","amount":1000000000},"data":{"asset":"a0"}}`

type fakeSnapshots struct{ seq int64 }

func (f fakeSnapshots) TakeSnapshot(context.Context) (int64, error) { return f.seq, nil }

func newTestRunner(t *testing.T) *core.Runner {
	t.Helper()
	cfg := core.DefaultConfig()
	cfg.Genesis = t0
	cfg.IdempotencyCapacity = 64
	c, err := core.NewDeterministicCore(cfg, nil, nil, nil, nil, zerolog.Nop())
	require.NoError(t, err)

	runner := core.NewRunner(c, 8)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = runner.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return runner
}

func newTestService(t *testing.T, metrics *observability.Metrics) *server.Service {
	t.Helper()
	r := newTestRunner(t)
	return &server.Service{
		Query:  query.NewQueryService(r, nil, nil, metrics).WithClock(func() int64 { return t0 + 60 }),
		Ingest: ingestion.NewGRPCIngestService(r),
		Log:    zerolog.Nop(),
	}
}

func newTestGateway(t *testing.T, svc *server.Service, hc *observability.HealthChecker, reg *prometheus.Registry) *httptest.Server {
	t.Helper()
	var gatherer prometheus.Gatherer
	if reg != nil {
		gatherer = reg
	}
	h, err := server.NewGatewayHandler(svc, hc, gatherer)
	require.NoError(t, err)
	ts := httptest.NewServer(h)
	t.Cleanup(ts.Close)
	return ts
}

func do(t *testing.T, method, url, body string) (int, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	out := map[string]any{}
	if len(raw) > 0 && raw[0] == '{' {
		require.NoError(t, json.Unmarshal(raw, &out), string(raw))
	}
	return resp.StatusCode, out
}

// ============================================================================
// Test: HTTP gateway
// ============================================================================

func TestGateway_SubmitThenQuery(t *testing.T) {
	ts := newTestGateway(t, newTestService(t, nil), nil, nil)

	code, body := do(t, http.MethodPost, ts.URL+"/v1/requests", buyRequest)
	require.Equal(t, http.StatusOK, code, body)
	assert.Equal(t, true, body["ok"])
	assert.Equal(t, "b1", body["trigger_id"])

	code, body = do(t, http.MethodGet, ts.URL+"/v1/assets/a0/price?adjust=false", "")
	require.Equal(t, http.StatusOK, code, body)
	assert.Equal(t, float64(1), body["as_of_sequence"])
	assert.Equal(t, float64(t0+60), body["at"])

	code, body = do(t, http.MethodGet, ts.URL+"/v1/assets/a0/exchange_result?delta_reserve=1000000", "")
	require.Equal(t, http.StatusOK, code, body)
	assert.Greater(t, body["delta_s"], float64(0))

	code, body = do(t, http.MethodGet, ts.URL+"/v1/assets/a0", "")
	require.Equal(t, http.StatusOK, code, body)
	assert.Equal(t, "a0", body["id"])
}

func TestGateway_ErrorsMapToHTTPStatus(t *testing.T) {
	ts := newTestGateway(t, newTestService(t, nil), nil, nil)

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		want   int
		code   string
	}{
		{"malformed request", http.MethodPost, "/v1/requests", `{"sender":"alice"}`, http.StatusBadRequest, "InvalidArgument"},
		{"no direction", http.MethodGet, "/v1/assets/a0/exchange_result", "", http.StatusBadRequest, "InvalidArgument"},
		{"bad query param", http.MethodGet, "/v1/assets/a0/price?at=soon", "", http.StatusBadRequest, "InvalidArgument"},
		{"no stake", http.MethodGet, "/v1/users/alice/stakes/a0", "", http.StatusBadRequest, "InvalidArgument"},
		{"bad feed price", http.MethodPost, "/v1/feeds", `{"feed_name":"BTC_USD","price":"0","sequence":1}`, http.StatusBadRequest, "InvalidArgument"},
		{"journals need an account", http.MethodGet, "/v1/journals", "", http.StatusBadRequest, "InvalidArgument"},
		{"snapshots unconfigured", http.MethodPost, "/v1/admin/snapshots", "", http.StatusNotImplemented, "Unimplemented"},
		{"projections unconfigured", http.MethodPost, "/v1/admin/projections/rebuild", "", http.StatusNotImplemented, "Unimplemented"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, body := do(t, tt.method, ts.URL+tt.path, tt.body)
			assert.Equal(t, tt.want, code, body)
			assert.Equal(t, tt.code, body["code"])
		})
	}

	code, _ := do(t, http.MethodGet, ts.URL+"/v2/nothing", "")
	assert.Equal(t, http.StatusNotFound, code)
}

func TestGateway_Admin(t *testing.T) {
	svc := newTestService(t, nil)
	svc.Snapshots = fakeSnapshots{seq: 5}
	ts := newTestGateway(t, svc, nil, nil)

	code, body := do(t, http.MethodPost, ts.URL+"/v1/requests", buyRequest)
	require.Equal(t, http.StatusOK, code, body)

	code, body = do(t, http.MethodPost, ts.URL+"/v1/admin/snapshots", "")
	require.Equal(t, http.StatusOK, code, body)
	assert.Equal(t, float64(5), body["sequence"])

	code, body = do(t, http.MethodGet, ts.URL+"/v1/admin/integrity", "")
	require.Equal(t, http.StatusOK, code, body)
	assert.Equal(t, true, body["is_healthy"])

	code, body = do(t, http.MethodGet, ts.URL+"/v1/admin/event_log", "")
	require.Equal(t, http.StatusOK, code, body)
	assert.Equal(t, float64(1), body["core_sequence"])
	assert.Equal(t, float64(-1), body["persisted_sequence"])
}

func TestGateway_HealthAndMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := observability.NewMetrics(reg)
	hc := observability.NewHealthChecker()
	ts := newTestGateway(t, newTestService(t, metrics), hc, reg)

	code, _ := do(t, http.MethodGet, ts.URL+"/healthz", "")
	assert.Equal(t, http.StatusOK, code)

	code, _ = do(t, http.MethodGet, ts.URL+"/readyz", "")
	assert.Equal(t, http.StatusServiceUnavailable, code)
	hc.SetReady(true)
	code, _ = do(t, http.MethodGet, ts.URL+"/readyz", "")
	assert.Equal(t, http.StatusOK, code)

	code, _ = do(t, http.MethodGet, ts.URL+"/v1/vote_groups", "")
	require.Equal(t, http.StatusOK, code)

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `perpcurve_query_requests_total{method="get_vote_groups",status="ok"} 1`)
}

// ============================================================================
// Test: gRPC
// ============================================================================

func newTestClient(t *testing.T, svc *server.Service) (*server.Client, *grpc.ClientConn, *server.GRPCServer) {
	t.Helper()
	srv, err := server.NewGRPCServer("", "", &server.ServerDeps{Service: svc, Log: zerolog.Nop()})
	require.NoError(t, err)

	lis := bufconn.Listen(1 << 20)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = srv.ServeGRPC(ctx, lis)
	}()

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = conn.Close()
		cancel()
		<-done
	})
	return server.NewClient(conn), conn, srv
}

func TestGRPC_SubmitAndQuery(t *testing.T) {
	client, _, _ := newTestClient(t, newTestService(t, nil))
	ctx := context.Background()

	resp, err := client.Submit(ctx, &server.SubmitRequest{Request: json.RawMessage(buyRequest)})
	require.NoError(t, err)
	assert.True(t, resp.OK, resp.Error)

	// redelivery is answered as a duplicate
	resp, err = client.Submit(ctx, &server.SubmitRequest{Request: json.RawMessage(buyRequest)})
	require.NoError(t, err)
	assert.True(t, resp.Duplicate)

	price, err := client.GetPrice(ctx, &server.GetPriceRequest{Asset: "a0"})
	require.NoError(t, err)
	assert.True(t, price.Price.IsPositive())
	assert.Equal(t, int64(1), price.AsOfSequence)

	info, err := client.GetEventLogInfo(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), info.CoreSequence)

	_, err = client.GetExchangeResult(ctx, &server.GetExchangeResultRequest{Asset: "a0"})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	_, err = client.TakeSnapshot(ctx)
	assert.Equal(t, codes.Unimplemented, status.Code(err))
}

func TestGRPC_InjectFeedPrice(t *testing.T) {
	client, _, _ := newTestClient(t, newTestService(t, nil))

	_, err := client.InjectFeedPrice(context.Background(), &server.InjectFeedPriceRequest{FeedName: "BTC_USD", Sequence: 1})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestGRPC_HealthFollowsServing(t *testing.T) {
	_, conn, srv := newTestClient(t, newTestService(t, nil))
	health := healthpb.NewHealthClient(conn)
	ctx := context.Background()

	resp, err := health.Check(ctx, &healthpb.HealthCheckRequest{Service: server.ServiceName})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, resp.GetStatus())

	srv.SetServing(true)
	resp, err = health.Check(ctx, &healthpb.HealthCheckRequest{Service: server.ServiceName})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.GetStatus())
}

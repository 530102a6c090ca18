package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Prometheus-X-association/dataspace-connector-sub000/pkg/exchange"
	"github.com/Prometheus-X-association/dataspace-connector-sub000/pkg/flow"
	"github.com/Prometheus-X-association/dataspace-connector-sub000/pkg/metrics"
	"github.com/Prometheus-X-association/dataspace-connector-sub000/pkg/models"
	"github.com/Prometheus-X-association/dataspace-connector-sub000/pkg/ratelimit"
	"github.com/Prometheus-X-association/dataspace-connector-sub000/pkg/stream"
)

type handlerStore struct {
	mu   sync.Mutex
	recs map[string]models.ExchangeRecord
}

func newHandlerStore() *handlerStore {
	return &handlerStore{recs: map[string]models.ExchangeRecord{}}
}

func (s *handlerStore) Get(ctx context.Context, id string) (models.ExchangeRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.recs[id]
	if !ok {
		return models.ExchangeRecord{}, exchange.ErrNotFound
	}
	return rec, nil
}

func (s *handlerStore) GetByProviderExchangeID(ctx context.Context, providerID string) (models.ExchangeRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range s.recs {
		if rec.ProviderExchangeID == providerID {
			return rec, nil
		}
	}
	return models.ExchangeRecord{}, exchange.ErrNotFound
}

func (s *handlerStore) GetByConsumerExchangeID(ctx context.Context, consumerID string) (models.ExchangeRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range s.recs {
		if rec.ConsumerExchangeID == consumerID {
			return rec, nil
		}
	}
	return models.ExchangeRecord{}, exchange.ErrNotFound
}

func (s *handlerStore) Create(ctx context.Context, rec *models.ExchangeRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recs[rec.ID] = *rec
	return nil
}

func (s *handlerStore) Update(ctx context.Context, rec *models.ExchangeRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.recs[rec.ID]; !ok {
		return exchange.ErrNotFound
	}
	s.recs[rec.ID] = *rec
	return nil
}

func newTestServer(t *testing.T) (*Server, *handlerStore) {
	t.Helper()
	st := newHandlerStore()
	hub := stream.NewHub()
	reg := metrics.NewRegistry()
	exchanges := &exchange.Service{
		Store:      st,
		Client:     &http.Client{Timeout: 2 * time.Second},
		Hub:        hubNotifier{hub: hub, metrics: reg},
		RetryDelay: time.Millisecond,
	}
	s := &Server{
		Exchanges:    exchanges,
		Flow:         &flow.Flow{Exchanges: exchanges, RetryDelay: time.Millisecond},
		Events:       hub,
		Metrics:      reg,
		AuthMode:     "off",
		SelfEndpoint: "http://consumer.test",
		WaitDeadline: 300 * time.Millisecond,
	}
	return s, st
}

func doJSON(t *testing.T, handler http.Handler, method, target string, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var reader *bytes.Reader
	if body == "" {
		reader = bytes.NewReader(nil)
	} else {
		reader = bytes.NewReader([]byte(body))
	}
	req := httptest.NewRequest(method, target, reader)
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	var decoded map[string]any
	if rr.Body.Len() > 0 {
		if err := json.Unmarshal(rr.Body.Bytes(), &decoded); err != nil {
			t.Fatalf("%s %s: invalid response json %q: %v", method, target, rr.Body.String(), err)
		}
	}
	return rr, decoded
}

func exchangeID(t *testing.T, envelope map[string]any) string {
	t.Helper()
	de, ok := envelope["dataExchange"].(map[string]any)
	if !ok {
		t.Fatalf("no dataExchange in envelope: %v", envelope)
	}
	id, _ := de["id"].(string)
	if id == "" {
		t.Fatalf("no exchange id in envelope: %v", envelope)
	}
	return id
}

func exchangeStatus(envelope map[string]any) string {
	de, _ := envelope["dataExchange"].(map[string]any)
	status, _ := de["status"].(string)
	return status
}

func TestCreateExchangeHandler(t *testing.T) {
	s, st := newTestServer(t)
	router := s.routes()

	rr, envelope := doJSON(t, router, http.MethodPost, "/dataexchanges", `{
		"contract": "https://contracts.test/c1",
		"providerEndpoint": "https://provider.test",
		"consumerEndpoint": "https://consumer.test",
		"resources": [{"serviceOffering": "off-1", "resource": "https://catalog.test/res-1"}]
	}`)
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rr.Code, rr.Body.String())
	}
	if success, _ := envelope["success"].(bool); !success {
		t.Fatalf("expected success envelope: %v", envelope)
	}
	id := exchangeID(t, envelope)
	rec, err := st.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("created record not persisted: %v", err)
	}
	if rec.Status != exchange.Pending {
		t.Fatalf("new record must be PENDING, got %s", rec.Status)
	}
}

func TestCreateExchangeHandlerRejectsMissingContract(t *testing.T) {
	s, _ := newTestServer(t)
	rr, _ := doJSON(t, s.routes(), http.MethodPost, "/dataexchanges", `{
		"resources": [{"serviceOffering": "off-1", "resource": "https://catalog.test/res-1"}]
	}`)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
}

func TestGetExchangeNotFound(t *testing.T) {
	s, _ := newTestServer(t)
	rr, _ := doJSON(t, s.routes(), http.MethodGet, "/dataexchanges/ghost", "")
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
}

func seedExchange(t *testing.T, st *handlerStore, rec models.ExchangeRecord) models.ExchangeRecord {
	t.Helper()
	if rec.ID == "" {
		rec.ID = "ex-1"
	}
	if rec.Status == "" {
		rec.Status = exchange.Pending
	}
	if err := st.Create(context.Background(), &rec); err != nil {
		t.Fatalf("seed: %v", err)
	}
	return rec
}

func TestUpdateExchangeAppliesPeerStatus(t *testing.T) {
	s, st := newTestServer(t)
	rec := seedExchange(t, st, models.ExchangeRecord{})

	rr, envelope := doJSON(t, s.routes(), http.MethodPut, "/dataexchanges/"+rec.ID,
		`{"status": "EXPORT_SUCCESS", "payload": "exported", "origin": "provider"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if got := exchangeStatus(envelope); got != exchange.ExportSuccess {
		t.Fatalf("expected EXPORT_SUCCESS, got %s", got)
	}
}

func TestUpdateExchangeAppliesPeerChain(t *testing.T) {
	s, st := newTestServer(t)
	rec := seedExchange(t, st, models.ExchangeRecord{
		ServiceChain: &models.ServiceChain{ID: "chain-1", Services: []models.ChainService{{Service: "svc-a"}}},
	})

	rr, _ := doJSON(t, s.routes(), http.MethodPut, "/dataexchanges/"+rec.ID,
		`{"serviceChain": {"id": "chain-1", "services": [{"service": "svc-a", "completed": true}]}}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	got, _ := st.Get(context.Background(), rec.ID)
	if !got.ServiceChain.Services[0].Completed {
		t.Fatal("peer chain snapshot not applied")
	}
}

func TestUpdateExchangeRequiresStatusOrChain(t *testing.T) {
	s, st := newTestServer(t)
	rec := seedExchange(t, st, models.ExchangeRecord{})
	rr, _ := doJSON(t, s.routes(), http.MethodPut, "/dataexchanges/"+rec.ID, `{"payload": "nothing else"}`)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
}

func TestSettleExchangeErrorByOrigin(t *testing.T) {
	s, st := newTestServer(t)
	rec := seedExchange(t, st, models.ExchangeRecord{})

	rr, envelope := doJSON(t, s.routes(), http.MethodPut, "/dataexchanges/"+rec.ID+"/error",
		`{"origin": "provider", "payload": "upstream down"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if got := exchangeStatus(envelope); got != exchange.ProviderExportError {
		t.Fatalf("expected PROVIDER_EXPORT_ERROR, got %s", got)
	}
}

func TestSettleExchangeSuccessByOrigin(t *testing.T) {
	s, st := newTestServer(t)
	rec := seedExchange(t, st, models.ExchangeRecord{})

	rr, envelope := doJSON(t, s.routes(), http.MethodPut, "/dataexchanges/"+rec.ID+"/success",
		`{"origin": "consumer"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if got := exchangeStatus(envelope); got != exchange.ImportSuccess {
		t.Fatalf("expected IMPORT_SUCCESS, got %s", got)
	}
}

func TestSettleExchangeConflictOnTerminalRecord(t *testing.T) {
	s, st := newTestServer(t)
	rec := seedExchange(t, st, models.ExchangeRecord{Status: exchange.ProviderExportError})

	rr, _ := doJSON(t, s.routes(), http.MethodPut, "/dataexchanges/"+rec.ID+"/success",
		`{"origin": "consumer"}`)
	if rr.Code != http.StatusConflict {
		t.Fatalf("expected 409 for a settled record, got %d", rr.Code)
	}
}

func TestCompleteChainHopSettlesWhenDone(t *testing.T) {
	s, st := newTestServer(t)
	rec := seedExchange(t, st, models.ExchangeRecord{
		ServiceChain: &models.ServiceChain{ID: "chain-1", Services: []models.ChainService{
			{Service: "svc-a"},
			{Service: "svc-b"},
		}},
	})
	router := s.routes()

	rr, envelope := doJSON(t, router, http.MethodPut, "/dataexchanges/"+rec.ID+"/servicechains/svc-a", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("first hop: expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if got := exchangeStatus(envelope); got != exchange.Pending {
		t.Fatalf("partial chain must stay PENDING, got %s", got)
	}

	rr, envelope = doJSON(t, router, http.MethodPut, "/dataexchanges/"+rec.ID+"/servicechains/svc-b", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("final hop: expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if got := exchangeStatus(envelope); got != exchange.ImportSuccess {
		t.Fatalf("completed chain must settle IMPORT_SUCCESS, got %s", got)
	}
}

func TestCompleteChainHopUnknownService(t *testing.T) {
	s, st := newTestServer(t)
	rec := seedExchange(t, st, models.ExchangeRecord{
		ServiceChain: &models.ServiceChain{ID: "chain-1", Services: []models.ChainService{{Service: "svc-a"}}},
	})
	rr, _ := doJSON(t, s.routes(), http.MethodPut, "/dataexchanges/"+rec.ID+"/servicechains/svc-ghost", "")
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown chain service, got %d", rr.Code)
	}
}

func TestProviderExportHandlerValidation(t *testing.T) {
	s, _ := newTestServer(t)
	router := s.routes()

	rr, _ := doJSON(t, router, http.MethodPost, "/provider/export", `{}`)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without an exchange reference, got %d", rr.Code)
	}
	rr, _ = doJSON(t, router, http.MethodPost, "/provider/export", `{"consumerDataExchange": "ghost"}`)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown exchange, got %d", rr.Code)
	}
}

func TestProviderImportHandlerRequiresID(t *testing.T) {
	s, _ := newTestServer(t)
	rr, _ := doJSON(t, s.routes(), http.MethodPost, "/provider/import", `{"data": {"k": "v"}}`)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
}

func TestConsumerImportHandlerRequiresID(t *testing.T) {
	s, _ := newTestServer(t)
	rr, _ := doJSON(t, s.routes(), http.MethodPost, "/consumer/import", `{"data": {"k": "v"}}`)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
}

func TestConsumerExchangeRequiresProviderEndpoint(t *testing.T) {
	s, _ := newTestServer(t)
	rr, _ := doJSON(t, s.routes(), http.MethodPost, "/consumer/exchange", `{
		"contract": "https://contracts.test/c1",
		"resources": [{"serviceOffering": "off-1", "resource": "https://catalog.test/res-1"}]
	}`)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
}

func TestConsumerExchangeMirrorFailure(t *testing.T) {
	s, st := newTestServer(t)
	rr, envelope := doJSON(t, s.routes(), http.MethodPost, "/consumer/exchange", `{
		"providerEndpoint": "http://127.0.0.1:1",
		"contract": "https://contracts.test/c1",
		"resources": [{"serviceOffering": "off-1", "resource": "https://catalog.test/res-1"}]
	}`)
	if rr.Code != http.StatusBadGateway {
		t.Fatalf("expected 502 when the provider cannot be mirrored, got %d", rr.Code)
	}
	if success, _ := envelope["success"].(bool); success {
		t.Fatal("mirror failure must not report success")
	}
	id := exchangeID(t, envelope)
	rec, err := st.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("record missing after mirror failure: %v", err)
	}
	if rec.Status != exchange.UndefinedError {
		t.Fatalf("expected UNDEFINED_ERROR, got %s", rec.Status)
	}
}

func TestConsumerExchangeWaitsForTerminalStatus(t *testing.T) {
	s, _ := newTestServer(t)

	// Stand-in provider: accepts the mirror, acks the export trigger and
	// settles the consumer-side record asynchronously, the way a real peer
	// would by calling back.
	provider := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/dataexchanges":
			var proj models.MirrorProjection
			_ = json.NewDecoder(r.Body).Decode(&proj)
			consumerID := proj.ConsumerExchangeID
			go func() {
				time.Sleep(30 * time.Millisecond)
				_, _ = s.Exchanges.UpdateStatusLocal(context.Background(), consumerID,
					exchange.ImportSuccess, "", exchange.OriginConsumer)
			}()
			rw.WriteHeader(http.StatusCreated)
			_, _ = fmt.Fprint(rw, `{"success": true, "dataExchange": {"id": "prov-1"}}`)
		default:
			rw.WriteHeader(http.StatusOK)
		}
	}))
	defer provider.Close()

	rr, envelope := doJSON(t, s.routes(), http.MethodPost, "/consumer/exchange", fmt.Sprintf(`{
		"providerEndpoint": %q,
		"contract": "https://contracts.test/c1",
		"resources": [{"serviceOffering": "off-1", "resource": "https://catalog.test/res-1"}]
	}`, provider.URL))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if timedOut, _ := envelope["timedOut"].(bool); timedOut {
		t.Fatalf("exchange settled before the deadline must not report timedOut: %v", envelope)
	}
	if got := exchangeStatus(envelope); got != exchange.ImportSuccess {
		t.Fatalf("expected IMPORT_SUCCESS, got %s", got)
	}
}

func TestConsumerExchangeSettledDuringTrigger(t *testing.T) {
	s, _ := newTestServer(t)

	// The peer finishes the whole round trip synchronously inside the
	// export trigger; the settle lands before the trigger call returns.
	var mu sync.Mutex
	var consumerID string
	provider := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/dataexchanges":
			var proj models.MirrorProjection
			_ = json.NewDecoder(r.Body).Decode(&proj)
			mu.Lock()
			consumerID = proj.ConsumerExchangeID
			mu.Unlock()
			rw.WriteHeader(http.StatusCreated)
			_, _ = fmt.Fprint(rw, `{"success": true, "dataExchange": {"id": "prov-1"}}`)
		case r.Method == http.MethodPost && r.URL.Path == "/provider/export":
			mu.Lock()
			id := consumerID
			mu.Unlock()
			if _, err := s.Exchanges.UpdateStatusLocal(context.Background(), id,
				exchange.ImportSuccess, "", exchange.OriginConsumer); err != nil {
				t.Errorf("settle during trigger: %v", err)
			}
			rw.WriteHeader(http.StatusOK)
		default:
			rw.WriteHeader(http.StatusOK)
		}
	}))
	defer provider.Close()

	rr, envelope := doJSON(t, s.routes(), http.MethodPost, "/consumer/exchange", fmt.Sprintf(`{
		"providerEndpoint": %q,
		"contract": "https://contracts.test/c1",
		"resources": [{"serviceOffering": "off-1", "resource": "https://catalog.test/res-1"}]
	}`, provider.URL))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if timedOut, _ := envelope["timedOut"].(bool); timedOut {
		t.Fatalf("a settle during the trigger must not be missed: %v", envelope)
	}
	if got := exchangeStatus(envelope); got != exchange.ImportSuccess {
		t.Fatalf("expected IMPORT_SUCCESS, got %s", got)
	}
}

func TestConsumerExchangeReportsTimeout(t *testing.T) {
	s, _ := newTestServer(t)
	s.WaitDeadline = 50 * time.Millisecond

	provider := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost && r.URL.Path == "/dataexchanges" {
			rw.WriteHeader(http.StatusCreated)
			_, _ = fmt.Fprint(rw, `{"success": true, "dataExchange": {"id": "prov-1"}}`)
			return
		}
		rw.WriteHeader(http.StatusOK)
	}))
	defer provider.Close()

	rr, envelope := doJSON(t, s.routes(), http.MethodPost, "/consumer/exchange", fmt.Sprintf(`{
		"providerEndpoint": %q,
		"contract": "https://contracts.test/c1",
		"resources": [{"serviceOffering": "off-1", "resource": "https://catalog.test/res-1"}]
	}`, provider.URL))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if timedOut, _ := envelope["timedOut"].(bool); !timedOut {
		t.Fatalf("deadline hit must report timedOut: %v", envelope)
	}
	if got := exchangeStatus(envelope); got != exchange.Pending {
		t.Fatalf("timed-out record stays PENDING, got %s", got)
	}
}

func TestRateLimitMiddleware(t *testing.T) {
	s, _ := newTestServer(t)
	s.RateLimitEnabled = true
	s.RateLimitPerWindow = 1
	s.RateLimiter = ratelimit.NewInMemory(time.Minute)
	router := s.routes()

	first := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	first.RemoteAddr = "10.0.0.1:5000"
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, first)
	if rr.Code != http.StatusOK {
		t.Fatalf("first request: expected 200, got %d", rr.Code)
	}

	second := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	second.RemoteAddr = "10.0.0.1:5000"
	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, second)
	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("second request: expected 429, got %d", rr.Code)
	}
	if rr.Header().Get("Retry-After") == "" {
		t.Fatal("429 must carry Retry-After")
	}
}

func TestMetricsMiddlewareObserves(t *testing.T) {
	s, _ := newTestServer(t)
	handler := s.metricsMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	req := httptest.NewRequest(http.MethodGet, "/brew", nil)
	handler.ServeHTTP(httptest.NewRecorder(), req)

	snap := s.Metrics.Snapshot()
	stat, ok := snap.Endpoints["GET /brew"]
	if !ok {
		t.Fatalf("endpoint not observed: %v", snap.Endpoints)
	}
	if stat.Count != 1 || stat.LastStatusCode != http.StatusTeapot || stat.ErrorCount != 1 {
		t.Fatalf("unexpected endpoint stat: %+v", stat)
	}
}

func TestHealthz(t *testing.T) {
	s, _ := newTestServer(t)
	rr, body := doJSON(t, s.routes(), http.MethodGet, "/healthz", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if body["status"] != "ok" {
		t.Fatalf("unexpected health body: %v", body)
	}
}

func TestOriginOr(t *testing.T) {
	if originOr("consumer") != exchange.OriginConsumer {
		t.Fatal("consumer origin not recognized")
	}
	if originOr("CONSUMER") != exchange.OriginConsumer {
		t.Fatal("origin matching must be case-insensitive")
	}
	for _, raw := range []string{"", "provider", "garbage"} {
		if originOr(raw) != exchange.OriginProvider {
			t.Fatalf("%q must default to provider origin", raw)
		}
	}
}

func TestWsOriginPatterns(t *testing.T) {
	if got := wsOriginPatterns(""); got != nil {
		t.Fatalf("empty config must yield nil, got %v", got)
	}
	got := wsOriginPatterns(" a.example.com , ,b.example.com ")
	if len(got) != 2 || got[0] != "a.example.com" || got[1] != "b.example.com" {
		t.Fatalf("unexpected patterns: %v", got)
	}
}

func TestIsProductionLikeEnv(t *testing.T) {
	for _, name := range []string{"prod", "Production", " STAGING ", "stage"} {
		if !isProductionLikeEnv(name) {
			t.Fatalf("%q should be production-like", name)
		}
	}
	for _, name := range []string{"", "dev", "local", "test"} {
		if isProductionLikeEnv(name) {
			t.Fatalf("%q should not be production-like", name)
		}
	}
}

func TestSplitList(t *testing.T) {
	if got := splitList(""); got != nil {
		t.Fatalf("empty input must yield nil, got %v", got)
	}
	got := splitList("a, b ,,c")
	if len(got) != 3 || got[0] != "a" || got[1] != "b" || got[2] != "c" {
		t.Fatalf("unexpected list: %v", got)
	}
}

func TestParseOperandConfig(t *testing.T) {
	if cfg := parseOperandConfig(""); cfg != nil {
		t.Fatalf("empty config must yield nil, got %v", cfg)
	}
	if cfg := parseOperandConfig("{not json"); cfg != nil {
		t.Fatalf("broken config must be ignored, got %v", cfg)
	}
	cfg := parseOperandConfig(`{"usageCount": {"url": "https://billing.test/u", "remoteValue": "count"}}`)
	ep, ok := cfg["usageCount"]
	if !ok || ep.URL != "https://billing.test/u" || ep.RemoteValue != "count" {
		t.Fatalf("unexpected config: %+v", cfg)
	}
}

func TestEnvHelpers(t *testing.T) {
	t.Setenv("CONNECTOR_TEST_STR", "value")
	if env("CONNECTOR_TEST_STR", "def") != "value" {
		t.Fatal("set variable not read")
	}
	if env("CONNECTOR_TEST_MISSING", "def") != "def" {
		t.Fatal("default not applied")
	}
	t.Setenv("CONNECTOR_TEST_INT", "17")
	if envInt("CONNECTOR_TEST_INT", 3) != 17 {
		t.Fatal("int variable not parsed")
	}
	t.Setenv("CONNECTOR_TEST_BAD_INT", "seventeen")
	if envInt("CONNECTOR_TEST_BAD_INT", 3) != 3 {
		t.Fatal("unparseable int must fall back to default")
	}
	if envDurationSec("CONNECTOR_TEST_MISSING", 5) != 5*time.Second {
		t.Fatal("duration default not applied")
	}
}

func TestWriteExchangeErrorMapping(t *testing.T) {
	s, _ := newTestServer(t)
	cases := []struct {
		err  error
		want int
	}{
		{exchange.ErrNotFound, http.StatusNotFound},
		{exchange.ErrInvalidTransition, http.StatusConflict},
		{exchange.ErrUnknownStatus, http.StatusConflict},
		{exchange.ErrMissingField, http.StatusBadRequest},
		{exchange.ErrChainSync, http.StatusBadRequest},
		{fmt.Errorf("wrapped: %w", exchange.ErrNotFound), http.StatusNotFound},
		{fmt.Errorf("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		rr := httptest.NewRecorder()
		s.writeExchangeError(rr, tc.err)
		if rr.Code != tc.want {
			t.Fatalf("%v: expected %d, got %d", tc.err, tc.want, rr.Code)
		}
		if !strings.Contains(rr.Header().Get("Content-Type"), "application/json") {
			t.Fatalf("%v: error responses must be json", tc.err)
		}
	}
}

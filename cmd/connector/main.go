package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/Prometheus-X-association/dataspace-connector-sub000/pkg/audit"
	"github.com/Prometheus-X-association/dataspace-connector-sub000/pkg/auth"
	"github.com/Prometheus-X-association/dataspace-connector-sub000/pkg/catalog"
	"github.com/Prometheus-X-association/dataspace-connector-sub000/pkg/contract"
	"github.com/Prometheus-X-association/dataspace-connector-sub000/pkg/exchange"
	"github.com/Prometheus-X-association/dataspace-connector-sub000/pkg/flow"
	"github.com/Prometheus-X-association/dataspace-connector-sub000/pkg/httpx"
	"github.com/Prometheus-X-association/dataspace-connector-sub000/pkg/leftoperand"
	"github.com/Prometheus-X-association/dataspace-connector-sub000/pkg/metrics"
	"github.com/Prometheus-X-association/dataspace-connector-sub000/pkg/models"
	"github.com/Prometheus-X-association/dataspace-connector-sub000/pkg/pep"
	"github.com/Prometheus-X-association/dataspace-connector-sub000/pkg/ratelimit"
	"github.com/Prometheus-X-association/dataspace-connector-sub000/pkg/representation"
	"github.com/Prometheus-X-association/dataspace-connector-sub000/pkg/statebus"
	"github.com/Prometheus-X-association/dataspace-connector-sub000/pkg/store"
	"github.com/Prometheus-X-association/dataspace-connector-sub000/pkg/stream"
	"github.com/Prometheus-X-association/dataspace-connector-sub000/pkg/telemetry"
)

// Server threads every setting and collaborator explicitly; there is no
// global configuration object.
type Server struct {
	Exchanges           *exchange.Service
	Flow                *flow.Flow
	Audit               *audit.Writer
	Cache               store.Cache
	Events              *stream.Hub
	Metrics             *metrics.Registry
	RateLimiter         ratelimit.Limiter
	RateLimitEnabled    bool
	RateLimitPerWindow  int
	AuthMode            string
	AuthSecret          string
	SelfEndpoint        string
	WaitDeadline        time.Duration
	MaxRequestBodyBytes int64
}

type initTelemetryFunc func(ctx context.Context, serviceName string) (func(context.Context) error, error)
type openDBFunc func(ctx context.Context) (*pgxpool.Pool, error)
type openRedisFunc func(ctx context.Context) (*redis.Client, error)
type listenFunc func(server *http.Server) error

var (
	logFatalf       = log.Fatalf
	initTelemetryFn = initTelemetryFunc(telemetry.Init)
	openDBFn        = openDBFunc(store.NewPostgresPool)
	openRedisFn     = openRedisFunc(store.NewRedis)
	listenFn        = listenFunc(func(server *http.Server) error { return server.ListenAndServe() })
)

func main() {
	if err := runConnector(initTelemetryFn, openDBFn, openRedisFn, listenFn); err != nil {
		logFatalf("connector: %v", err)
	}
}

func runConnector(initTelemetry initTelemetryFunc, openDB openDBFunc, openRedis openRedisFunc, listen listenFunc) error {
	ctx := context.Background()
	shutdown, err := initTelemetry(ctx, "connector")
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	defer func() { _ = shutdown(context.Background()) }()

	pool, err := openDB(ctx)
	if err != nil {
		return fmt.Errorf("db: %w", err)
	}
	defer pool.Close()

	redisClient, err := openRedis(ctx)
	if err != nil {
		log.Printf("redis unavailable, falling back to in-memory cache/limits: %v", err)
		redisClient = nil
	}
	if redisClient != nil {
		defer redisClient.Close()
	}
	cache := store.NewCache(ctx, redisClient)

	httpClient := telemetry.InstrumentClient(&http.Client{
		Timeout: time.Millisecond * time.Duration(envInt("UPSTREAM_TIMEOUT_MS", 10000)),
	})
	retries := envInt("UPSTREAM_RETRIES", 1)
	retryDelay := time.Millisecond * time.Duration(envInt("UPSTREAM_RETRY_DELAY_MS", 100))

	hub := stream.NewHub()
	reg := metrics.NewRegistry()

	var bus exchange.Publisher
	if brokers := splitList(env("KAFKA_BROKERS", "")); len(brokers) > 0 {
		topic := env("KAFKA_STATUS_TOPIC", "exchange-status")
		publisher, err := statebus.NewKafkaPublisher(statebus.KafkaConfig{
			Brokers: brokers,
			Topic:   topic,
		})
		if err != nil {
			return fmt.Errorf("kafka: %w", err)
		}
		defer publisher.Close()
		bus = publisher

		// With a group id, this replica also follows the topic so its
		// stream subscribers see transitions applied by other replicas.
		if groupID := env("KAFKA_GROUP_ID", ""); groupID != "" {
			consumer, err := statebus.NewKafkaConsumer(statebus.KafkaConfig{
				Brokers: brokers,
				Topic:   topic,
				GroupID: groupID,
			})
			if err != nil {
				return fmt.Errorf("kafka: %w", err)
			}
			defer consumer.Close()
			go followStatusTopic(ctx, consumer, hub)
		}
	}

	auditWriter := &audit.Writer{DB: pool}
	exchanges := &exchange.Service{
		Store:      &store.ExchangeStore{DB: pool},
		Client:     httpClient,
		Audit:      auditWriter,
		Hub:        hubNotifier{hub: hub, metrics: reg},
		Bus:        bus,
		Retries:    retries,
		RetryDelay: retryDelay,
	}

	operands := leftoperand.New(parseOperandConfig(env("LEFT_OPERAND_CONFIG", "")), httpClient, retries, retryDelay)
	fetcher := &representation.Fetcher{
		Client:      httpClient,
		Credentials: &store.CredentialStore{DB: pool},
		Metrics:     reg,
		Retries:     retries,
		RetryDelay:  retryDelay,
	}
	if userDirURL := env("USER_DIRECTORY_URL", ""); userDirURL != "" {
		fetcher.Users = &representation.HTTPUserDirectory{
			Client:     httpClient,
			BaseURL:    userDirURL,
			Retries:    retries,
			RetryDelay: retryDelay,
		}
	}

	f := &flow.Flow{
		Exchanges: exchanges,
		Catalog:   &catalog.Client{HTTP: httpClient, Retries: retries, RetryDelay: retryDelay},
		Contracts: &contract.Client{
			HTTP:       httpClient,
			ConsentURL: env("CONSENT_URL", ""),
			Retries:    retries,
			RetryDelay: retryDelay,
		},
		PDP: &pep.PDP{
			Engine:     pep.RuleEngine{},
			Facts:      operands,
			Client:     httpClient,
			Retries:    retries,
			RetryDelay: retryDelay,
		},
		Fetcher:      fetcher,
		Operands:     operands,
		Metrics:      reg,
		SelfEndpoint: env("SELF_ENDPOINT", "http://localhost:8080"),
		Retries:      retries,
		RetryDelay:   retryDelay,
	}
	if runnerURL := env("CHAIN_RUNNER_URL", ""); runnerURL != "" {
		f.Runner = httpRunner{client: httpClient, url: runnerURL, retries: retries, retryDelay: retryDelay}
	}

	s := &Server{
		Exchanges:           exchanges,
		Flow:                f,
		Audit:               auditWriter,
		Cache:               cache,
		Events:              hub,
		Metrics:             reg,
		RateLimitEnabled:    env("RATE_LIMIT_ENABLED", "true") == "true",
		RateLimitPerWindow:  envInt("RATE_LIMIT_PER_MINUTE", 240),
		AuthMode:            env("AUTH_MODE", "off"),
		AuthSecret:          env("OIDC_HS256_SECRET", ""),
		SelfEndpoint:        f.SelfEndpoint,
		WaitDeadline:        envDurationSec("EXCHANGE_WAIT_DEADLINE_SEC", 30),
		MaxRequestBodyBytes: int64(envInt("MAX_REQUEST_BODY_BYTES", 16<<20)),
	}
	if strings.EqualFold(s.AuthMode, "off") && isProductionLikeEnv(env("ENVIRONMENT", env("APP_ENV", ""))) {
		return errors.New("AUTH_MODE=off is forbidden in production-like environments")
	}
	if s.RateLimitEnabled {
		window := envDurationSec("RATE_LIMIT_WINDOW_SEC", 60)
		if redisClient != nil {
			s.RateLimiter = ratelimit.NewRedis(redisClient, window)
		} else {
			s.RateLimiter = ratelimit.NewInMemory(window)
		}
	}

	addr := env("ADDR", ":8080")
	log.Printf("connector listening on %s", addr)
	server := &http.Server{
		Addr:              addr,
		Handler:           s.routes(),
		ReadHeaderTimeout: envDurationSec("HTTP_READ_HEADER_TIMEOUT_SEC", 5),
		ReadTimeout:       envDurationSec("HTTP_READ_TIMEOUT_SEC", 60),
		WriteTimeout:      envDurationSec("HTTP_WRITE_TIMEOUT_SEC", 60),
		IdleTimeout:       envDurationSec("HTTP_IDLE_TIMEOUT_SEC", 120),
	}
	if listen == nil {
		return errors.New("listen function required")
	}
	return listen(server)
}

func (s *Server) routes() *chi.Mux {
	r := chi.NewRouter()
	r.Use(httpx.CORSMiddleware(env("CORS_ALLOWED_ORIGINS", "")))
	r.Use(httpx.SecurityHeadersMiddleware)
	r.Use(s.metricsMiddleware)
	r.Use(telemetry.HTTPMiddleware("connector"))
	r.Use(s.limitRequestBodyMiddleware)
	r.Use(s.rateLimitMiddleware)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, 200, map[string]string{"status": "ok", "service": "connector"})
	})

	// Cross-connector surface: peers authenticate at the network layer,
	// not with this connector's bearer tokens.
	r.Post("/dataexchanges", s.handleCreateExchange)
	r.Get("/dataexchanges/{id}", s.handleGetExchange)
	r.Put("/dataexchanges/{id}", s.handleUpdateExchange)
	r.Put("/dataexchanges/{id}/error", s.handleExchangeError)
	r.Put("/dataexchanges/{id}/success", s.handleExchangeSuccess)
	r.Put("/dataexchanges/{id}/servicechains/{index}", s.handleCompleteChainHop)
	r.Post("/provider/export", s.handleProviderExport)
	r.Post("/provider/import", s.handleProviderImport)
	r.Post("/consumer/import", s.handleConsumerImport)
	r.Post("/consumer/exchange", s.handleConsumerExchange)

	// Operator surface.
	r.Group(func(r chi.Router) {
		r.Use(auth.Middleware(
			s.AuthMode,
			s.AuthSecret,
			auth.WithJWKS(env("OIDC_JWKS_URL", "")),
			auth.WithIssuer(env("OIDC_ISSUER", "")),
			auth.WithAudience(env("OIDC_AUDIENCE", "")),
		))
		r.Get("/metrics", s.Metrics.Handler())
		r.Get("/metrics/prometheus", s.Metrics.PrometheusHandler())
		r.Get("/v1/stream", s.streamEvents)
		r.Get("/v1/dataexchanges/{id}/audit", s.handleAuditTrail)
	})
	return r
}

// hubNotifier fans a status transition out to in-process subscribers and
// the metrics registry.
type hubNotifier struct {
	hub     *stream.Hub
	metrics *metrics.Registry
}

func (n hubNotifier) NotifyStatus(evt models.StatusEvent) {
	if n.hub != nil {
		n.hub.Publish(stream.NewStatusEvent(evt))
	}
	if n.metrics != nil {
		n.metrics.IncExchangeStatus(evt.Status)
	}
}

// followStatusTopic republishes bus transitions into the local hub.
func followStatusTopic(ctx context.Context, consumer statebus.Consumer, hub *stream.Hub) {
	for {
		msg, err := consumer.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Printf("status bus read: %v", err)
			time.Sleep(time.Second)
			continue
		}
		evt, err := statebus.DecodeStatus(msg)
		if err != nil {
			log.Printf("status bus decode: %v", err)
			continue
		}
		hub.Publish(stream.NewStatusEvent(evt))
	}
}

// httpRunner hands a service chain to the external node engine.
type httpRunner struct {
	client     *http.Client
	url        string
	retries    int
	retryDelay time.Duration
}

func (r httpRunner) Run(ctx context.Context, rec models.ExchangeRecord, data []byte) error {
	body, err := json.Marshal(map[string]any{
		"dataExchangeId": rec.ID,
		"serviceChain":   rec.ServiceChain,
		"data":           data,
	})
	if err != nil {
		return err
	}
	status, _, err := httpx.RequestJSON(ctx, r.client, http.MethodPost, r.url, body, nil, r.retries, r.retryDelay)
	if err != nil {
		return fmt.Errorf("chain runner %s: %w", r.url, err)
	}
	if status < 200 || status >= 300 {
		return fmt.Errorf("chain runner %s returned %d", r.url, status)
	}
	return nil
}

func parseOperandConfig(raw string) leftoperand.Config {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	var cfg leftoperand.Config
	if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
		log.Printf("invalid LEFT_OPERAND_CONFIG, ignoring: %v", err)
		return nil
	}
	return cfg
}

func (s *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: 200}
		next.ServeHTTP(rec, r)
		if s.Metrics != nil {
			key := r.Method + " " + r.URL.Path
			s.Metrics.Observe(key, rec.status, time.Since(start))
			s.Metrics.ObserveLatency(key, time.Since(start))
		}
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (s *Server) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.RateLimitEnabled || s.RateLimiter == nil {
			next.ServeHTTP(w, r)
			return
		}
		decision := s.RateLimiter.Allow("ip:"+r.RemoteAddr, s.RateLimitPerWindow)
		if !decision.Allowed {
			w.Header().Set("Retry-After", strconv.FormatInt(int64(time.Until(decision.ResetAt).Seconds())+1, 10))
			httpx.Error(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) limitRequestBodyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.MaxRequestBodyBytes > 0 && r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, s.MaxRequestBodyBytes)
		}
		next.ServeHTTP(w, r)
	})
}

func isProductionLikeEnv(name string) bool {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "prod", "production", "staging", "stage":
		return true
	default:
		return false
	}
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func env(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func envInt(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func envDurationSec(k string, def int) time.Duration {
	return time.Second * time.Duration(envInt(k, def))
}

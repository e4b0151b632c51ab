package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"

	"paywarp/pkg/audit"
	"paywarp/pkg/auth"
	"paywarp/pkg/executor"
	"paywarp/pkg/hardening"
	"paywarp/pkg/httpx"
	"paywarp/pkg/ledger"
	"paywarp/pkg/metrics"
	"paywarp/pkg/ratelimit"
	"paywarp/pkg/registry"
	"paywarp/pkg/signer"
	"paywarp/pkg/statebus"
	"paywarp/pkg/store"
	"paywarp/pkg/stream"
	"paywarp/pkg/telemetry"
	"paywarp/pkg/wallet"
)

type Server struct {
	Registry            *registry.Registry
	Gateway             *executor.Gateway
	Ledger              *ledger.Log
	Cache               store.Cache
	Metrics             *metrics.Registry
	Events              *stream.Hub
	Bus                 statebus.Publisher
	RateLimiter         ratelimit.Limiter
	RateLimitEnabled    bool
	RateLimitPerMinute  int
	AuthMode            string
	AuthSecret          string
	IdempotencyTTL      time.Duration
	MaxRequestBodyBytes int64
}

// Testable variables for main()
var (
	logFatalf       = log.Fatalf
	initTelemetryFn = telemetry.Init
	listenFn        func(*http.Server) error
)

func main() {
	if err := run(initTelemetryFn, listenFn); err != nil {
		logFatalf("sessiond: %v", err)
	}
}

func run(
	initTelemetry func(context.Context, string) (func(context.Context) error, error),
	listen func(*http.Server) error,
) error {
	if initTelemetry == nil {
		initTelemetry = telemetry.Init
	}
	if listen == nil {
		listen = func(server *http.Server) error { return server.ListenAndServe() }
	}

	ctx := context.Background()
	shutdown, err := initTelemetry(ctx, "sessiond")
	if err != nil {
		return err
	}
	defer func() { _ = shutdown(context.Background()) }()

	runtimeEnv := env("ENVIRONMENT", env("APP_ENV", ""))
	s := &Server{
		AuthMode:            env("AUTH_MODE", "oidc_hs256"),
		AuthSecret:          env("OIDC_HS256_SECRET", ""),
		RateLimitEnabled:    env("RATE_LIMIT_ENABLED", "true") == "true",
		RateLimitPerMinute:  envInt("RATE_LIMIT_PER_MINUTE", 60),
		IdempotencyTTL:      envDurationSec("IDEMPOTENCY_TTL_SEC", 600),
		MaxRequestBodyBytes: int64(envInt("MAX_REQUEST_BODY_BYTES", 1<<20)),
	}
	if strings.EqualFold(s.AuthMode, "off") {
		if env("ALLOW_INSECURE_AUTH_OFF", "false") != "true" {
			return errors.New("AUTH_MODE=off is disabled unless ALLOW_INSECURE_AUTH_OFF=true")
		}
		if isProductionLikeEnv(runtimeEnv) {
			return errors.New("AUTH_MODE=off is forbidden in production-like environments")
		}
	}
	if err := hardening.ValidateProduction(hardening.Options{
		Service:               "sessiond",
		Environment:           runtimeEnv,
		StrictProdSecurity:    env("STRICT_PROD_SECURITY", "true"),
		DatabaseRequireTLS:    env("DATABASE_REQUIRE_TLS", ""),
		RedisAddr:             env("REDIS_ADDR", ""),
		RedisRequireTLS:       env("REDIS_REQUIRE_TLS", ""),
		RedisTLSInsecure:      env("REDIS_TLS_INSECURE", ""),
		RedisAllowInsecureTLS: env("REDIS_ALLOW_INSECURE_TLS", ""),
		CORSAllowedOrigins:    env("CORS_ALLOWED_ORIGINS", ""),
		RequiredServiceSecrets: []hardening.EnvRequirement{
			{Name: "RELAYER_URL", Value: env("RELAYER_URL", "")},
		},
	}); err != nil {
		return err
	}
	if s.MaxRequestBodyBytes <= 0 {
		s.MaxRequestBodyBytes = 1 << 20
	}

	var redisClient *redis.Client
	if env("REDIS_ADDR", "") != "" {
		redisClient, err = store.NewRedis(ctx)
		if err != nil {
			log.Printf("redis unavailable, using in-memory fallbacks: %v", err)
			redisClient = nil
		}
	}
	s.Cache = store.NewCache(ctx, redisClient)
	rateWindow := time.Minute
	if redisClient != nil {
		s.RateLimiter = ratelimit.NewRedis(redisClient, rateWindow)
	} else {
		s.RateLimiter = ratelimit.NewInMemory(rateWindow)
	}

	s.Registry = registry.New(wallet.EphemeralProvider{})
	s.Ledger = ledger.NewLog()
	s.Metrics = metrics.NewRegistry()
	s.Events = stream.NewHub()

	s.Bus = statebus.NopPublisher{}
	if brokers := env("KAFKA_BROKERS", ""); brokers != "" {
		pub, err := statebus.NewKafkaPublisher(statebus.KafkaConfig{
			Brokers: strings.Split(brokers, ","),
			Topic:   env("KAFKA_TOPIC", "sessionkey.events"),
		})
		if err != nil {
			return err
		}
		defer func() { _ = pub.Close() }()
		s.Bus = pub
	}

	relayer := signer.NewHTTPSigner(env("RELAYER_URL", ""), envDurationSec("RELAYER_TIMEOUT_SEC", 10))
	relayer.AuthHeader = env("RELAYER_AUTH_HEADER", "")
	relayer.AuthToken = env("RELAYER_AUTH_TOKEN", "")
	relayer.Retries = envInt("RELAYER_RETRIES", 0)
	relayer.HTTPClient = telemetry.InstrumentClient(relayer.HTTPClient)

	gateway := &executor.Gateway{
		Registry: s.Registry,
		Ledger:   s.Ledger,
		Signer:   relayer,
		Events:   s.Events,
		Bus:      s.Bus,
	}
	if env("DATABASE_URL", "") != "" || env("DATABASE_HOST", "") != "" {
		pool, err := store.NewPostgresPool(ctx)
		if err != nil {
			return err
		}
		defer pool.Close()
		gateway.Archive = &ledger.ArchiveWriter{DB: pool}
		gateway.Audit = &audit.Writer{
			DB:       pool,
			HashSalt: []byte(env("AUDIT_HASH_SALT", "")),
			Redact:   env("AUDIT_REDACT", "true") == "true",
		}
	}
	s.Gateway = gateway

	r := chi.NewRouter()
	r.Use(httpx.CORSMiddleware(env("CORS_ALLOWED_ORIGINS", "")))
	r.Use(httpx.SecurityHeadersMiddleware)
	r.Use(telemetry.HTTPMiddleware("sessiond"))
	r.Use(s.limitRequestBodyMiddleware)
	r.Use(s.metricsMiddleware)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, 200, map[string]string{"status": "ok", "service": "sessiond"})
	})
	r.Get("/metricsz", s.Metrics.Handler())

	authRouter := chi.NewRouter()
	authTimeout := time.Millisecond * time.Duration(envInt("AUTH_TIMEOUT_MS", 5000))
	authRouter.Use(auth.Middleware(
		s.AuthMode,
		s.AuthSecret,
		auth.WithJWKS(env("OIDC_JWKS_URL", "")),
		auth.WithIssuer(env("OIDC_ISSUER", "")),
		auth.WithAudience(env("OIDC_AUDIENCE", "")),
		auth.WithTimeout(authTimeout),
	))
	authRouter.Post("/v1/sessionkeys", s.createSessionKey)
	authRouter.Get("/v1/sessionkeys", s.listSessionKeys)
	authRouter.Get("/v1/sessionkeys/{id}", s.getSessionKey)
	authRouter.Get("/v1/sessionkeys/{id}/limits", s.sessionKeyLimits)
	authRouter.Get("/v1/sessionkeys/{id}/usage", s.sessionKeyUsage)
	authRouter.Delete("/v1/sessionkeys/{id}", s.revokeSessionKey)
	authRouter.Post("/v1/sessionkeys/emergency-revoke", s.emergencyRevoke)
	authRouter.Post("/v1/execute", s.execute)
	authRouter.Post("/v1/cleanup", s.withRoles(s.cleanupExpired, "operator"))
	authRouter.Get("/v1/events", s.streamEvents)
	r.Mount("/", authRouter)

	addr := env("ADDR", ":8086")
	log.Printf("sessiond listening on %s", addr)
	server := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: envDurationSec("HTTP_READ_HEADER_TIMEOUT_SEC", 5),
		ReadTimeout:       envDurationSec("HTTP_READ_TIMEOUT_SEC", 15),
		WriteTimeout:      envDurationSec("HTTP_WRITE_TIMEOUT_SEC", 30),
		IdleTimeout:       envDurationSec("HTTP_IDLE_TIMEOUT_SEC", 120),
	}
	return listen(server)
}

func env(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func envInt(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envDurationSec(k string, def int) time.Duration {
	return time.Second * time.Duration(envInt(k, def))
}

func isProductionLikeEnv(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "prod", "production", "staging", "stage":
		return true
	default:
		return false
	}
}

package store

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Seams for tests: the pool constructor and the retry clock.
var (
	pgNewPool        = pgxpool.NewWithConfig
	pgSleep          = time.Sleep
	pgConnectRetries = 30
	pgRetryDelay     = 2 * time.Second
	pgPingTimeout    = 2 * time.Second
)

// NewPostgresPool connects using DATABASE_URL, or a DSN assembled from
// the individual DATABASE_* variables when the URL is absent. Startup
// races the database in containerized deployments, so connection and
// ping failures are retried for a while before giving up.
func NewPostgresPool(ctx context.Context) (*pgxpool.Pool, error) {
	dsn, err := postgresDSN()
	if err != nil {
		return nil, err
	}
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	cfg.MaxConns = 10
	cfg.MinConns = 1
	cfg.MaxConnIdleTime = 5 * time.Minute
	applyTenantParams(cfg)

	var lastErr error
	for attempt := 0; attempt < pgConnectRetries; attempt++ {
		pool, err := pgNewPool(ctx, cfg)
		if err == nil {
			pingCtx, cancel := context.WithTimeout(ctx, pgPingTimeout)
			err = pool.Ping(pingCtx)
			cancel()
			if err == nil {
				return pool, nil
			}
			pool.Close()
		}
		lastErr = err
		pgSleep(pgRetryDelay)
	}
	return nil, fmt.Errorf("postgres unreachable after %d attempts: %w", pgConnectRetries, lastErr)
}

// Row-level security scoping: the tenant identifiers ride along as
// connection runtime parameters so policies can reference them.
func applyTenantParams(cfg *pgxpool.Config) {
	if cfg.ConnConfig.RuntimeParams == nil {
		cfg.ConnConfig.RuntimeParams = map[string]string{}
	}
	if v := strings.TrimSpace(os.Getenv("DB_TENANT_SCOPE")); v != "" {
		cfg.ConnConfig.RuntimeParams["app.current_tenant_scope"] = v
	}
	if v := strings.TrimSpace(os.Getenv("DB_TENANT_STATIC")); v != "" {
		cfg.ConnConfig.RuntimeParams["app.current_tenant"] = v
	}
}

func postgresDSN() (string, error) {
	requireTLS := envTrue("DATABASE_REQUIRE_TLS")
	if raw := strings.TrimSpace(os.Getenv("DATABASE_URL")); raw != "" {
		if requireTLS {
			if err := checkDSNTLS(raw); err != nil {
				return "", err
			}
		}
		return raw, nil
	}
	sslmode := envDefault("DATABASE_SSLMODE", "disable")
	if requireTLS && !secureSSLMode(sslmode) {
		return "", fmt.Errorf("DATABASE_REQUIRE_TLS=true but DATABASE_SSLMODE=%q is insecure", sslmode)
	}
	port := envDefault("DATABASE_PORT", "5432")
	if _, err := strconv.Atoi(port); err != nil {
		port = "5432"
	}
	dsn := &url.URL{
		Scheme: "postgres",
		Host:   envDefault("DATABASE_HOST", "localhost") + ":" + port,
		Path:   "/" + envDefault("DATABASE_NAME", "paywarp"),
	}
	user := envDefault("DATABASE_USER", "paywarp")
	if password := os.Getenv("POSTGRES_PASSWORD"); password != "" {
		dsn.User = url.UserPassword(user, password)
	} else {
		dsn.User = url.User(user)
	}
	q := url.Values{}
	q.Set("sslmode", sslmode)
	dsn.RawQuery = q.Encode()
	return dsn.String(), nil
}

func checkDSNTLS(rawURL string) error {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid DATABASE_URL: %w", err)
	}
	sslmode := strings.ToLower(strings.TrimSpace(parsed.Query().Get("sslmode")))
	if sslmode == "" {
		return fmt.Errorf("DATABASE_REQUIRE_TLS=true requires an explicit sslmode in DATABASE_URL")
	}
	if !secureSSLMode(sslmode) {
		return fmt.Errorf("DATABASE_REQUIRE_TLS=true but DATABASE_URL sslmode=%q is insecure", sslmode)
	}
	return nil
}

func secureSSLMode(sslmode string) bool {
	switch strings.ToLower(strings.TrimSpace(sslmode)) {
	case "require", "verify-ca", "verify-full":
		return true
	}
	return false
}

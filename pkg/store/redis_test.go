package store

import (
	"context"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
)

func TestNewRedisConnects(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis run: %v", err)
	}
	defer mr.Close()
	t.Setenv("REDIS_ADDR", mr.Addr())
	t.Setenv("REDIS_TLS", "")
	t.Setenv("REDIS_REQUIRE_TLS", "")

	client, err := NewRedis(context.Background())
	if err != nil {
		t.Fatalf("new redis: %v", err)
	}
	defer client.Close()
	if err := client.Ping(context.Background()).Err(); err != nil {
		t.Fatalf("ping: %v", err)
	}
}

func TestNewRedisRequireTLSWithoutTLS(t *testing.T) {
	t.Setenv("REDIS_ADDR", "localhost:6379")
	t.Setenv("REDIS_TLS", "")
	t.Setenv("REDIS_REQUIRE_TLS", "true")

	if _, err := NewRedis(context.Background()); err == nil {
		t.Fatal("expected error when TLS is required but not enabled")
	}
}

func TestNewRedisUnreachable(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis run: %v", err)
	}
	addr := mr.Addr()
	mr.Close()
	t.Setenv("REDIS_ADDR", addr)
	t.Setenv("REDIS_TLS", "")
	t.Setenv("REDIS_REQUIRE_TLS", "")

	if _, err := NewRedis(context.Background()); err == nil {
		t.Fatal("expected ping failure against a closed server")
	}
}

func TestRedisTLSConfigInsecureNeedsOptIn(t *testing.T) {
	t.Setenv("REDIS_TLS_INSECURE", "true")
	t.Setenv("REDIS_ALLOW_INSECURE_TLS", "")
	t.Setenv("REDIS_TLS_SERVER_NAME", "")
	t.Setenv("REDIS_TLS_CA_CERT_FILE", "")
	t.Setenv("REDIS_TLS_CERT_FILE", "")
	t.Setenv("REDIS_TLS_KEY_FILE", "")

	if _, err := redisTLSConfig("redis.internal:6380"); err == nil {
		t.Fatal("expected insecure TLS to require the explicit allow flag")
	}

	t.Setenv("REDIS_ALLOW_INSECURE_TLS", "true")
	cfg, err := redisTLSConfig("redis.internal:6380")
	if err != nil {
		t.Fatalf("tls config: %v", err)
	}
	if !cfg.InsecureSkipVerify {
		t.Fatal("expected InsecureSkipVerify once both flags are set")
	}
}

func TestRedisTLSConfigServerName(t *testing.T) {
	t.Setenv("REDIS_TLS_INSECURE", "")
	t.Setenv("REDIS_TLS_SERVER_NAME", "")
	t.Setenv("REDIS_TLS_CA_CERT_FILE", "")
	t.Setenv("REDIS_TLS_CERT_FILE", "")
	t.Setenv("REDIS_TLS_KEY_FILE", "")

	cfg, err := redisTLSConfig("cache.prod.example.com:6380")
	if err != nil {
		t.Fatalf("tls config: %v", err)
	}
	if cfg.ServerName != "cache.prod.example.com" {
		t.Fatalf("expected server name from addr, got %q", cfg.ServerName)
	}

	t.Setenv("REDIS_TLS_SERVER_NAME", "override.example.com")
	cfg, err = redisTLSConfig("cache.prod.example.com:6380")
	if err != nil {
		t.Fatalf("tls config: %v", err)
	}
	if cfg.ServerName != "override.example.com" {
		t.Fatalf("expected explicit server name to win, got %q", cfg.ServerName)
	}
}

func TestRedisTLSConfigKeypairMustBePaired(t *testing.T) {
	t.Setenv("REDIS_TLS_INSECURE", "")
	t.Setenv("REDIS_TLS_SERVER_NAME", "")
	t.Setenv("REDIS_TLS_CA_CERT_FILE", "")
	t.Setenv("REDIS_TLS_CERT_FILE", "/etc/redis/client.crt")
	t.Setenv("REDIS_TLS_KEY_FILE", "")

	_, err := redisTLSConfig("localhost:6380")
	if err == nil || !strings.Contains(err.Error(), "set together") {
		t.Fatalf("expected paired keypair error, got %v", err)
	}
}

package store

import (
	"context"
	"strings"
	"testing"
)

func TestLoadRedisTLSConfigFromEnv(t *testing.T) {
	t.Setenv("REDIS_TLS", "true")
	t.Setenv("REDIS_TLS_INSECURE", "true")
	t.Setenv("REDIS_ALLOW_INSECURE_TLS", "true")
	t.Setenv("REDIS_TLS_SERVER_NAME", "redis.internal")
	t.Setenv("REDIS_TLS_CA_CERT_FILE", "")
	t.Setenv("REDIS_TLS_CERT_FILE", "")
	t.Setenv("REDIS_TLS_KEY_FILE", "")

	cfg, err := loadRedisTLSConfigFromEnv()
	if err != nil {
		t.Fatalf("unexpected tls config error: %v", err)
	}
	if cfg == nil {
		t.Fatal("expected tls config")
	}
	if !cfg.InsecureSkipVerify {
		t.Fatal("expected insecure skip verify to be set")
	}
	if cfg.ServerName != "redis.internal" {
		t.Fatalf("expected server name redis.internal, got %q", cfg.ServerName)
	}
}

func TestLoadRedisTLSConfigFromEnvInsecureGuard(t *testing.T) {
	t.Setenv("REDIS_TLS", "true")
	t.Setenv("REDIS_TLS_INSECURE", "true")
	t.Setenv("REDIS_ALLOW_INSECURE_TLS", "false")
	if _, err := loadRedisTLSConfigFromEnv(); err == nil {
		t.Fatal("expected insecure tls guard error")
	}
}

func TestLoadRedisTLSConfigFromEnvErrors(t *testing.T) {
	t.Setenv("REDIS_TLS", "true")
	t.Setenv("REDIS_TLS_CERT_FILE", "/tmp/non-existent-cert.pem")
	t.Setenv("REDIS_TLS_KEY_FILE", "")
	if _, err := loadRedisTLSConfigFromEnv(); err == nil {
		t.Fatal("expected cert/key mismatch error")
	}

	t.Setenv("REDIS_TLS_CERT_FILE", "")
	t.Setenv("REDIS_TLS_KEY_FILE", "")
	t.Setenv("REDIS_TLS_CA_CERT_FILE", "/tmp/non-existent-ca.pem")
	if _, err := loadRedisTLSConfigFromEnv(); err == nil {
		t.Fatal("expected missing CA file error")
	}
}

func TestRedisOptionsFromEnv(t *testing.T) {
	t.Setenv("REDIS_ADDR", "redis.internal:6380")
	t.Setenv("REDIS_DB", "3")
	t.Setenv("REDIS_POOL_SIZE", "15")
	t.Setenv("REDIS_TLS", "false")
	t.Setenv("REDIS_REQUIRE_TLS", "false")

	opts, err := redisOptionsFromEnv()
	if err != nil {
		t.Fatalf("unexpected options error: %v", err)
	}
	if opts.Addr != "redis.internal:6380" || opts.DB != 3 || opts.PoolSize != 15 {
		t.Fatalf("opts=%+v", opts)
	}
	if opts.TLSConfig != nil {
		t.Fatal("expected no tls config when REDIS_TLS=false")
	}
}

func TestNewRedisRejectsInsecureWhenRequired(t *testing.T) {
	t.Setenv("REDIS_ADDR", "127.0.0.1:1")
	t.Setenv("REDIS_REQUIRE_TLS", "true")
	t.Setenv("REDIS_TLS", "false")
	client, err := NewRedis(context.Background())
	if err == nil {
		if client != nil {
			client.Close()
		}
		t.Fatal("expected tls requirement error")
	}
	if !strings.Contains(err.Error(), "REDIS_REQUIRE_TLS") {
		t.Fatalf("expected REDIS_REQUIRE_TLS error, got %v", err)
	}
}

func TestValidatePostgresTLS(t *testing.T) {
	t.Setenv("DATABASE_REQUIRE_TLS", "true")
	if err := validatePostgresTLS("postgres://u:p@db:5432/sangkuriang?sslmode=disable"); err == nil {
		t.Fatal("expected insecure sslmode rejection")
	}
	if err := validatePostgresTLS("postgres://u:p@db:5432/sangkuriang?sslmode=verify-full"); err != nil {
		t.Fatalf("expected verify-full to pass, got %v", err)
	}
	if err := validatePostgresTLS("postgres://u:p@db:5432/sangkuriang"); err == nil {
		t.Fatal("expected missing sslmode rejection")
	}
}

func TestEnvIntFallback(t *testing.T) {
	t.Setenv("DATABASE_MAX_CONNS", "not-int")
	if got := envInt("DATABASE_MAX_CONNS", 10); got != 10 {
		t.Fatalf("expected fallback 10, got %d", got)
	}
	t.Setenv("DATABASE_MAX_CONNS", "25")
	if got := envInt("DATABASE_MAX_CONNS", 10); got != 25 {
		t.Fatalf("expected 25, got %d", got)
	}
}

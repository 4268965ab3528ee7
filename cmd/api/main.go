package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"signet.org/internal/audit"
	"signet.org/internal/consent"
	"signet.org/internal/httpapi"
	"signet.org/internal/obs"
	"signet.org/internal/ratelimit"
	"signet.org/internal/record"
	"signet.org/internal/secrets"
	"signet.org/internal/signing"
	"signet.org/internal/token"
)

var version = "0.3.1"

func main() {
	_ = godotenv.Load()
	obs.Init()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	dsn := os.Getenv("SIGNET_PG_DSN")
	if dsn == "" {
		log.Fatal("missing SIGNET_PG_DSN")
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)

	// Signing secret: read from config_params, generated on first startup.
	secretStore := secrets.NewPGStore(db)
	signingSecret, err := secrets.EnsureSigningSecret(ctx, secretStore)
	if err != nil {
		log.Fatalf("signing secret: %v", err)
	}
	keyring, err := token.NewKeyring(signingSecret, retiredKeys()...)
	if err != nil {
		log.Fatalf("keyring: %v", err)
	}

	// Rate limiter: shared Redis counters when configured, otherwise a
	// per-process fallback that still bounds abuse on a single node.
	var (
		limiter   ratelimit.Limiter
		redisPing func(context.Context) error
	)
	if addr := os.Getenv("SIGNET_REDIS_ADDR"); addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: os.Getenv("SIGNET_REDIS_PASSWORD"),
		})
		limiter = ratelimit.NewRedis(client)
		redisPing = func(ctx context.Context) error { return client.Ping(ctx).Err() }
	} else {
		obs.Warn("redis not configured, using in-process rate limiter", nil)
		limiter = ratelimit.NewMemory()
	}

	auditor := audit.NewFallback(audit.NewPGRecorder(db))
	records := record.NewPGStore(db)

	origin := os.Getenv("SIGNET_PUBLIC_ORIGIN")
	rateLimit, rateWindow := ratePolicy()

	if raw := os.Getenv("SIGNET_TRUSTED_PROXIES"); raw != "" {
		if err := httpapi.SetTrustedProxies(splitAndTrim(raw)); err != nil {
			log.Fatalf("invalid SIGNET_TRUSTED_PROXIES: %v", err)
		}
	}

	signer := signing.NewService(token.NewCodec(keyring), limiter, records, auditor,
		signing.WithOrigin(origin),
		signing.WithRatePolicy(rateLimit, rateWindow))

	api := httpapi.New(signer, audit.NewPGRecorder(db), consent.NewPGStore(db),
		httpapi.ReadyProbe{DB: db, Redis: redisPing}, version,
		httpapi.WithOrigin(origin),
		httpapi.WithRetryAfter(rateWindow),
		httpapi.WithPolicyVersion(os.Getenv("SIGNET_POLICY_VERSION")))

	addr := os.Getenv("SIGNET_HTTP_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	log.Printf("Starting signet-api %s on %s", version, srv.Addr)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Println("Shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	_ = srv.Shutdown(shutdownCtx)
	_ = db.Close()
	log.Println("Stopped")
}

// retiredKeys returns verify-only keys for rotation, comma-separated hex in
// SIGNET_RETIRED_SECRETS. Invalid entries are skipped with a warning.
func retiredKeys() [][]byte {
	raw := os.Getenv("SIGNET_RETIRED_SECRETS")
	if raw == "" {
		return nil
	}
	var keys [][]byte
	for _, part := range splitAndTrim(raw) {
		key, err := secrets.DecodeSecret(part)
		if err != nil {
			obs.Warn("skipping invalid retired secret", map[string]any{"error": err.Error()})
			continue
		}
		keys = append(keys, key)
	}
	return keys
}

func ratePolicy() (int, time.Duration) {
	limit := ratelimit.DefaultLimit
	window := ratelimit.DefaultWindow
	if v := os.Getenv("SIGNET_RATE_LIMIT"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			log.Fatalf("invalid SIGNET_RATE_LIMIT %q", v)
		}
		limit = n
	}
	if v := os.Getenv("SIGNET_RATE_WINDOW"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			log.Fatalf("invalid SIGNET_RATE_WINDOW %q", v)
		}
		window = d
	}
	return limit, window
}

func splitAndTrim(raw string) []string {
	var out []string
	for _, p := range strings.Split(raw, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

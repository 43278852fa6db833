package main

import (
	"context"
	"database/sql"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/loa-finn/gateway/internal/admission"
	"github.com/loa-finn/gateway/internal/apikey"
	"github.com/loa-finn/gateway/internal/authn"
	"github.com/loa-finn/gateway/internal/config"
	"github.com/loa-finn/gateway/internal/httpapi"
	"github.com/loa-finn/gateway/internal/jwks"
	"github.com/loa-finn/gateway/internal/payment"
	"github.com/loa-finn/gateway/internal/pool"
	"github.com/loa-finn/gateway/internal/ratelimit"
	"github.com/loa-finn/gateway/internal/reconcile"
	"github.com/loa-finn/gateway/internal/sandbox"
	"github.com/loa-finn/gateway/internal/scheduler"
	"github.com/loa-finn/gateway/internal/store"
)

func main() {
	// Local .env loading, same convention as the teacher's other cmd/
	// entrypoints. A missing file is expected in production, where
	// config instead comes from CONFIG_PATH and real env vars.
	if err := godotenv.Load(); err != nil {
		slog.Debug("gateway: no .env file loaded", "error", err)
	}

	cfg := config.Get()

	st := newStore(cfg)
	defer st.Close()

	db, err := sql.Open("postgres", cfg.Database.DSN)
	if err != nil {
		log.Fatalf("gateway: opening database: %v", err)
	}
	defer db.Close()

	jwksMgr := jwks.New(jwks.NewHTTPFetcher(cfg.JWKS.URL, time.Duration(cfg.JWKS.FetchTimeoutMs)*time.Millisecond), jwks.Config{
		StaleThreshold:    time.Duration(cfg.JWKS.StaleThresholdMs) * time.Millisecond,
		MaxStaleness:      time.Duration(cfg.JWKS.MaxStalenessMs) * time.Millisecond,
		MinRefreshGap:     time.Duration(cfg.JWKS.MinRefreshGapMs) * time.Millisecond,
		CircuitOpenPeriod: time.Duration(cfg.JWKS.CircuitOpenMs) * time.Millisecond,
		MaxConsecutiveErr: cfg.JWKS.MaxConsecutiveErr,
	})

	validator := authn.New(jwksMgr, st, authn.Config{
		IssuerAllowlist: cfg.JWT.IssuerAllowlist,
		ClockSkew:       time.Duration(cfg.JWT.ClockSkewSec) * time.Second,
		ReplayTTL:       time.Duration(cfg.JWT.ReplayTTLSec) * time.Second,
		S2SMaxLife:      time.Duration(cfg.JWT.S2SMaxLifeSec) * time.Second,
	})

	tiers := make(map[string]ratelimit.Tier, len(cfg.RateLimit.Tiers))
	for name, t := range cfg.RateLimit.Tiers {
		tiers[name] = ratelimit.Tier{MaxRequests: t.MaxRequests, Window: time.Duration(t.WindowMs) * time.Millisecond}
	}
	limiter := ratelimit.New(st, tiers)

	keys := apikey.NewManager(db, st, cfg.APIKey.Pepper, time.Duration(cfg.APIKey.CacheTTLSec)*time.Second, apikey.Argon2Params{
		Time: cfg.APIKey.Argon2Time, Memory: cfg.APIKey.Argon2Memory, Threads: cfg.APIKey.Argon2Threads, KeyLen: 32,
	})

	receiptVerifier := &payment.StubReceiptVerifier{ChallengeSecret: cfg.Payment.ChallengeSecret, MinConfirmations: 1}
	decider := payment.NewDecider(cfg.Payment.FreeEndpoints, keys, limiter, receiptVerifier, cfg.Payment.ChallengeSecret, payment.ChallengeConfig{
		AmountMicro: cfg.Payment.AmountMicro,
		Recipient:   cfg.Payment.Recipient,
		ChainID:     cfg.Payment.ChainID,
		TokenID:     cfg.Payment.TokenID,
		TTL:         time.Duration(cfg.Payment.ChallengeTTLSec) * time.Second,
	})

	p := pool.New(pool.Config{
		InteractiveWorkers:  cfg.Pool.InteractiveWorkers,
		QueueDepth:          cfg.Pool.QueueDepth,
		HardTimeout:         time.Duration(cfg.Pool.HardTimeoutMs) * time.Millisecond,
		ShutdownDeadline:    time.Duration(cfg.Pool.ShutdownDeadlineMs) * time.Millisecond,
		FairnessThresholdPc: cfg.Pool.FairnessThresholdPc,
		Backend:             poolBackend(cfg),
	})
	for _, c := range p.Registry() {
		if err := prometheus.Register(c); err != nil {
			slog.Warn("gateway: pool metric already registered", "error", err)
		}
	}

	executor := sandbox.NewExecutor(sandboxPolicy(cfg), p, st, log.New(log.Writer(), "[sandbox] ", log.LstdFlags), newAttestor(cfg))

	breakers := scheduler.NewManager(scheduler.DefaultConfig("reconcile"))
	upstream := reconcile.NewHTTPUpstream(cfg.Reconcile.UpstreamURL, nil)
	reconcileCfg := reconcile.Config{
		PollInterval:        time.Duration(cfg.Reconcile.PollIntervalMs) * time.Millisecond,
		DriftThresholdMicro: cfg.Reconcile.DriftThresholdMic,
		HeadroomPercent:     cfg.Reconcile.HeadroomPercent,
		FailOpenAbsCapMicro: cfg.Reconcile.HeadroomAbsCapMic,
		FailOpenMaxDuration: time.Duration(cfg.Reconcile.FailOpenMaxMs) * time.Millisecond,
		UpstreamTimeout:     time.Duration(cfg.Reconcile.UpstreamTimeoutMs) * time.Millisecond,
	}
	recon := reconcile.NewRegistry(reconcileCfg, upstream, func(tenantID string, from, to reconcile.State) {
		slog.Warn("reconcile: state transition", "tenant_id", tenantID, "from", from, "to", to)
	})

	sched := scheduler.New(breakers, log.New(log.Writer(), "[scheduler] ", log.LstdFlags))
	sched.Register(scheduler.Task{
		Name:     "budget-reconcile",
		Interval: reconcileCfg.PollInterval,
		JitterPc: 20,
		Run: func(ctx context.Context) error {
			var firstErr error
			for _, tenantID := range recon.TenantIDs() {
				if err := recon.Get(tenantID).Poll(ctx); err != nil && firstErr == nil {
					firstErr = err
				}
			}
			return firstErr
		},
	})

	orchestrator := admission.NewOrchestrator(validator, decider, limiter, keys, log.New(log.Writer(), "[admission] ", log.LstdFlags),
		func(tenantID string, microUnits int64) {
			recon.Get(tenantID).RecordLocalSpend(microUnits)
		})

	server := httpapi.NewServer(orchestrator, executor, keys, jwksMgr, recon, log.New(log.Writer(), "[httpapi] ", log.LstdFlags))
	router := server.Router()
	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	httpSrv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeoutSec) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeoutSec) * time.Second,
	}

	schedCtx, schedCancel := context.WithCancel(context.Background())
	sched.Start(schedCtx)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		slog.Info("gateway: received shutdown signal")

		schedCancel()
		sched.Stop()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.Server.ShutdownSec)*time.Second)
		defer cancel()

		if err := p.Shutdown(shutdownCtx); err != nil {
			slog.Error("gateway: pool shutdown error", "error", err)
		}
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			slog.Error("gateway: http server shutdown error", "error", err)
		}
	}()

	slog.Info("gateway starting", "port", cfg.Server.Port, "env", cfg.Server.Env)
	if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("gateway: server failed: %v", err)
	}
	slog.Info("gateway stopped")
}

// newStore connects to Redis when enabled, falling back to the
// in-process store so a single instance can still run without one —
// never the production path once more than one gateway instance exists.
func newStore(cfg *config.Config) store.Store {
	if !cfg.Redis.Enabled {
		slog.Warn("gateway: redis disabled, using in-process store fallback")
		return store.NewMemoryStore()
	}
	rs, err := store.NewRedisStore(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		slog.Warn("gateway: redis connection failed, using in-process store fallback", "error", err)
		return store.NewMemoryStore()
	}
	return rs
}

// poolBackend selects os/exec (the default) or, when an image is
// configured, a throwaway-Docker-container backend for stronger process
// isolation. See internal/pool/backend.go.
func poolBackend(cfg *config.Config) pool.Backend {
	if cfg.Pool.ContainerImage == "" {
		return nil
	}
	return &pool.DockerBackend{Image: cfg.Pool.ContainerImage, Runtime: cfg.Pool.ContainerRuntime}
}

// newAttestor connects to the configured SPIRE agent, if any. A missing
// agent is logged and treated as attestation-disabled rather than fatal,
// since most deployments run without one.
func newAttestor(cfg *config.Config) *sandbox.Attestor {
	if cfg.Sandbox.SpiffeSocketPath == "" {
		return nil
	}
	a, err := sandbox.NewAttestor(cfg.Sandbox.SpiffeSocketPath)
	if err != nil {
		slog.Warn("gateway: spiffe attestation disabled", "error", err)
		return nil
	}
	return a
}

func sandboxPolicy(cfg *config.Config) *sandbox.Policy {
	readOnly := make(map[string]bool, len(cfg.Sandbox.ReadOnlyBins))
	for _, b := range cfg.Sandbox.ReadOnlyBins {
		readOnly[b] = true
	}

	commands := map[string]sandbox.CommandPolicy{
		"model-invoke": {
			Binary:         "model-invoke",
			ReadOnly:       readOnly["model-invoke"],
			MaxOutputBytes: 1 << 20,
			DefaultTimeout: 10_000,
		},
		"cat": {
			Binary:         "cat",
			IsFileCommand:  true,
			ReadOnly:       true,
			MaxOutputBytes: 1 << 20,
			DefaultTimeout: 5_000,
		},
		"git": {
			Binary:         "git",
			Subcommands:    []string{"status", "diff", "log"},
			DeniedFlags:    []string{"--exec", "-c"},
			ReadOnly:       true,
			MaxOutputBytes: 1 << 20,
			DefaultTimeout: 5_000,
		},
	}

	return &sandbox.Policy{
		Enabled:  cfg.Sandbox.Enabled,
		JailRoot: cfg.Sandbox.JailRoot,
		Commands: commands,
		Env:      map[string]string{"PATH": "/usr/bin:/bin"},
	}
}

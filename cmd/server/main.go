package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tkivisto/gatehouse/internal/admin"
	"github.com/tkivisto/gatehouse/internal/admission"
	"github.com/tkivisto/gatehouse/internal/applicant"
	"github.com/tkivisto/gatehouse/internal/config"
	"github.com/tkivisto/gatehouse/internal/events"
	"github.com/tkivisto/gatehouse/internal/httpapi"
	"github.com/tkivisto/gatehouse/internal/invite"
	"github.com/tkivisto/gatehouse/internal/notify"
	"github.com/tkivisto/gatehouse/internal/referral"
	"github.com/tkivisto/gatehouse/internal/securelog"
	"github.com/tkivisto/gatehouse/internal/securestore"
	"github.com/tkivisto/gatehouse/internal/storage"
	"github.com/tkivisto/gatehouse/internal/waitlist"
)

func main() {
	if err := run(); err != nil {
		securelog.Error("server.run", err)
		log.Printf("fatal: server error")
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadFromEnv()
	if err != nil {
		return fmt.Errorf("config load failed: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config invalid: %w", err)
	}

	vault, err := securestore.NewVault(cfg.MasterKey)
	if err != nil {
		return fmt.Errorf("init vault: %w", err)
	}

	storeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	store, err := storage.NewPostgresStore(storeCtx, cfg.DBURL, vault)
	if err != nil {
		return fmt.Errorf("init store: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return serve(ctx, cfg, store)
}

func serve(ctx context.Context, cfg config.Config, store storage.Store) error {
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = store.Close(closeCtx)
	}()

	migrateCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := store.Migrate(migrateCtx); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	seedCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	// Seeds only on first boot; later admin changes stay authoritative.
	if err := store.SeedAdmissionConfig(seedCtx, admission.Config{Cap: cfg.Cap, PublicAdmission: cfg.PublicAdmission}); err != nil {
		return fmt.Errorf("seed admission config: %w", err)
	}

	hub := events.NewHub(cfg.AdminToken)
	go hub.Run(ctx)

	notifier := notify.Multi{notify.NewLogNotifier(), hub}
	intake := applicant.NewIntake(store.Applicants())
	ranker := waitlist.NewRanker(store.Queue())
	gate := admission.NewGate(store.Admissions(), ranker, notifier)
	invites := invite.NewManager(store.Invites())
	referrals := referral.NewLedger(store.Referrals(), invites, invites)
	adminService := admin.NewService(gate, store.Applicants(), store.Admissions(), notifier, hub)
	api := httpapi.NewHandler(intake, gate, ranker, invites, referrals, adminService, cfg.AdminToken, cfg.WeeklyAdmissions)

	mux := http.NewServeMux()
	mux.HandleFunc("/health", healthHandler)
	mux.HandleFunc("/admin/events", hub.HandleWS)
	api.Register(mux)

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if cfg.TLSCertPath != "" && cfg.TLSKeyPath != "" {
			log.Printf("listening with TLS on %s", cfg.ListenAddr)
			errCh <- srv.ListenAndServeTLS(cfg.TLSCertPath, cfg.TLSKeyPath)
			return
		}

		log.Printf("listening on %s", cfg.ListenAddr)
		errCh <- srv.ListenAndServe()
	}()

	var err error
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		err = <-errCh
	case err = <-errCh:
	}

	if err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server failed: %w", err)
	}
	return nil
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

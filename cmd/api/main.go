package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"tessera.org/internal/audit"
	"tessera.org/internal/auth"
	"tessera.org/internal/httpapi"
	"tessera.org/internal/obs"
	"tessera.org/internal/policy"
	"tessera.org/internal/ratelimit"
	"tessera.org/internal/shadow"
	"tessera.org/internal/vault"
)

var version = "0.3.0"

func main() {
	obs.Init()
	obs.InitBuildInfo(version, os.Getenv("TESSERA_COMMIT"))

	secret := os.Getenv("TESSERA_AUTH_SECRET")
	if secret == "" {
		log.Fatal("TESSERA_AUTH_SECRET is required")
	}

	var (
		store      vault.Store
		eventStore audit.EventStore
		probe      httpapi.ReadyProbe
	)
	if dsn := os.Getenv("TESSERA_PG_DSN"); dsn != "" {
		pg, err := vault.Open(dsn)
		if err != nil {
			log.Fatalf("open db: %v", err)
		}
		defer pg.Close()
		store = pg
		eventStore = audit.NewPGStore(pg.DB())
		probe = httpapi.ReadyProbe{DB: pg.DB()}
	} else {
		log.Print("TESSERA_PG_DSN not set, using in-memory vault")
		store = vault.NewInMemory()
		eventStore = audit.NewMemoryStore()
	}

	registry := audit.NewRegistry()
	audit.RegisterIdentityFamilies(registry, store)
	dispatcher := audit.NewDispatcher(eventStore, registry)
	if gaps := dispatcher.FindUnaudited(context.Background(), audit.GovernedFamilies(), true); len(gaps) > 0 {
		log.Printf("audit coverage gaps self-registered: %v", gaps)
	}
	audited := audit.NewStoreInterceptor(store, dispatcher)

	policies := policy.NewResolver(audited)
	limiter := ratelimit.New(audited, policies)

	validator, err := auth.NewService(audited, limiter, policies, secret)
	if err != nil {
		log.Fatalf("auth service: %v", err)
	}

	var serving shadow.Validator = validator
	if os.Getenv("TESSERA_SHADOW_VALIDATION") == "1" {
		// Migration mode: serve the lenient baseline, compare against
		// the enforcing path, and record the deltas.
		baseline, err := auth.NewService(audited, limiter, policies, secret,
			auth.WithTenantEnforcement(false))
		if err != nil {
			log.Fatalf("baseline validator: %v", err)
		}
		enhanced, err := auth.NewService(audited, limiter, policies, secret,
			auth.WithAutoExtend(30*time.Minute))
		if err != nil {
			log.Fatalf("enhanced validator: %v", err)
		}
		serving = shadow.NewHarness(baseline, enhanced, shadow.LogRecorder{})
	}

	api := httpapi.New(serving, validator, limiter, probe, version)

	srv := &http.Server{
		Addr:              ":8080",
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	log.Printf("Starting tessera-api %s on %s", version, srv.Addr)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Println("Shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_ = srv.Shutdown(ctx)
	log.Println("Stopped")
}

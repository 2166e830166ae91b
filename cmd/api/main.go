package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"grantledger.org/internal/acl"
	"grantledger.org/internal/events"
	"grantledger.org/internal/httpapi"
	"grantledger.org/internal/obs"
	"grantledger.org/internal/roles"
	"grantledger.org/internal/store/pg"
)

var version = "0.3.0"

func main() {
	obs.Init()
	obs.InitBuildInfo(version, os.Getenv("GRANTLEDGER_COMMIT"))

	stream := events.NewStream()

	var (
		svc       acl.Service
		roleStore roles.Store
		probe     httpapi.ReadyProbe
	)
	if dsn := os.Getenv("GRANTLEDGER_PG_DSN"); dsn != "" {
		store, err := pg.Open(dsn, stream)
		if err != nil {
			log.Fatalf("open db: %v", err)
		}
		defer store.Close()
		svc = store
		roleStore = store
		probe = httpapi.ReadyProbe{DB: store.DB()}
	} else {
		svc = acl.NewInMemory(stream)
		roleStore = roles.NewMemory()
	}

	creator := os.Getenv("GRANTLEDGER_ROLE_CREATOR")
	if creator == "" {
		creator = "root"
	}
	registry := roles.NewRegistry(roleStore, creator, stream)

	api := httpapi.New(svc, registry, stream, probe, httpapi.Config{
		Version:     version,
		Credentials: parseCredentials(os.Getenv("GRANTLEDGER_API_CREDENTIALS")),
	})

	addr := os.Getenv("GRANTLEDGER_HTTP_ADDR")
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

	log.Printf("Starting grantledger-api %s on %s", version, srv.Addr)

	// graceful shutdown
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

// parseCredentials reads "principal:bcrypt-hash" pairs separated by commas.
func parseCredentials(raw string) map[string]string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	creds := make(map[string]string)
	for _, pair := range strings.Split(raw, ",") {
		principal, hash, ok := strings.Cut(strings.TrimSpace(pair), ":")
		if !ok || principal == "" || hash == "" {
			log.Fatalf("malformed GRANTLEDGER_API_CREDENTIALS entry %q", pair)
		}
		creds[principal] = hash
	}
	return creds
}

// docker-provider runs jobs as Docker containers and hosts collections on a
// local directory tree, reporting back to compute-service through callbacks.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"os/user"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"gopkg.in/yaml.v3"

	"computeplane/internal/config"
	"computeplane/internal/provider"
	"computeplane/internal/provider/docker"
	"computeplane/internal/provider/identity"
	"computeplane/internal/provider/posix"
	"computeplane/internal/provider/rpc"
	"computeplane/pkg/callback"
)

// remoteUserHeader carries the local account authenticated by the provider's
// login proxy when a connection ticket is redeemed.
const remoteUserHeader = "X-Remote-User"

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	if err := run(); err != nil {
		slog.Error("Provider failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	ctx := context.Background()

	providerID := config.GetEnv("PROVIDER_ID", "docker")
	port := config.GetEnv("PORT", "8081")
	publicURL := config.GetEnv("PUBLIC_URL", "http://localhost:"+port)
	token := config.GetSecretFile(config.GetEnv("PROVIDER_TOKEN_FILE", ""))

	products, err := loadProducts(config.GetEnv("PRODUCTS_FILE", "products.yaml"))
	if err != nil {
		return err
	}

	mapper := identity.NewStatic()
	if path := config.GetEnv("IDENTITY_FILE", ""); path != "" {
		if mapper, err = identity.LoadFile(path); err != nil {
			return err
		}
	}
	tickets := identity.NewTickets(publicURL, config.GetDurationEnv("CONNECT_TICKET_TTL", 15*time.Minute), mapper)

	reporter, err := callback.NewClient(callback.Config{
		BaseURL:    config.GetEnv("COMPUTE_SERVICE_URL", "http://localhost:8080"),
		ProviderID: providerID,
		Secret:     config.GetSecretFile(config.GetEnv("CALLBACK_SECRET_FILE", "")),
	})
	if err != nil {
		return err
	}

	storage, err := posix.New(posix.Config{
		Root:  config.GetEnv("STORAGE_ROOT", "/var/lib/computeplane/"+providerID),
		Chown: config.GetBoolEnv("STORAGE_CHOWN", false),
	})
	if err != nil {
		return err
	}
	collections, files := storage.Plugins()

	// Adopts containers left running by a previous process
	compute, err := docker.New(ctx, docker.LoadConfigFromEnv(), reporter)
	if err != nil {
		return err
	}
	defer func() {
		if err := compute.Close(); err != nil {
			slog.Warn("Docker client close error", "error", err)
		}
	}()
	slog.Info("Connected to Docker daemon")

	server := rpc.NewServer(providerID, token, provider.Plugins{
		Products:    products,
		Compute:     compute,
		Collections: collections,
		Files:       files,
		Allocations: provider.DefaultAllocations{},
		Identity:    mapper,
		Connection:  tickets,
	})
	if token == "" {
		slog.Warn("Provider authentication disabled - no PROVIDER_TOKEN_FILE configured")
	}

	r := chi.NewRouter()
	r.Get("/livez", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if err := compute.Ready(r.Context()); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	r.Get("/connect", connectHandler(tickets))
	r.Handle("/ucloud/*", server.Handler())

	httpServer := &http.Server{
		Addr:        ":" + port,
		Handler:     r,
		ReadTimeout: 10 * time.Minute,
		IdleTimeout: 60 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		slog.Info("Starting provider server", "provider", providerID, "port", port, "products", len(products))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		slog.Info("Received shutdown signal", "signal", sig)
	case err := <-serverErr:
		slog.Error("Server failed to start", "error", err)
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 25*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("Provider server shutdown error", "error", err)
	}

	// Containers keep running; the next process adopts them.
	slog.Info("Shutdown complete")
	return nil
}

type productsFile struct {
	Products []provider.Product `yaml:"products"`
}

func loadProducts(path string) (provider.StaticProducts, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read products file: %w", err)
	}
	var file productsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse products file: %w", err)
	}
	for i, p := range file.Products {
		if p.ID == "" {
			return nil, fmt.Errorf("product %d: id is required", i)
		}
	}
	return file.Products, nil
}

// connectHandler redeems a connection ticket for the local account named by
// the login proxy.
func connectHandler(tickets *identity.Tickets) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := r.Header.Get(remoteUserHeader)
		if name == "" {
			http.Error(w, "not logged in", http.StatusUnauthorized)
			return
		}
		account, err := user.Lookup(name)
		if err != nil {
			http.Error(w, "unknown local user", http.StatusForbidden)
			return
		}
		uid, errUID := strconv.Atoi(account.Uid)
		gid, errGID := strconv.Atoi(account.Gid)
		if errUID != nil || errGID != nil {
			http.Error(w, "local account has no numeric ids", http.StatusForbidden)
			return
		}
		username, err := tickets.Complete(r.URL.Query().Get("ticket"), provider.LocalIdentity{Name: name, UID: uid, GID: gid})
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		slog.Info("Connected user", "username", username, "local", name)
		fmt.Fprintf(w, "Connected %s to local account %s\n", username, name)
	}
}

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/ilyakaznacheev/cleanenv"

	"github.com/tendant/simple-storage/pkg/simplestorage"
	"github.com/tendant/simple-storage/pkg/simplestorage/api"
	"github.com/tendant/simple-storage/pkg/simplestorage/config"
)

type ServerConfig struct {
	Port            string        `env:"PORT" env-default:"8080"`
	Environment     string        `env:"ENVIRONMENT" env-default:"development"`
	ConfigFile      string        `env:"STORAGE_CONFIG_FILE"`
	DotEnv          string        `env:"DOTENV_PATH" env-default:".env"`
	MaxUploadBytes  int64         `env:"MAX_UPLOAD_BYTES" env-default:"67108864"`
	RequestTimeout  time.Duration `env:"REQUEST_TIMEOUT" env-default:"60s"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" env-default:"10s"`
}

func main() {
	var serverConfig ServerConfig
	if err := cleanenv.ReadEnv(&serverConfig); err != nil {
		slog.Error("Failed to read configuration", "err", err)
		os.Exit(1)
	}

	// File settings first, environment overrides on top.
	storageConfig, err := config.Load(
		config.WithDotEnv(serverConfig.DotEnv),
		config.WithOptionalFile(serverConfig.ConfigFile),
		config.WithEnv(""),
	)
	if err != nil {
		slog.Error("Failed to load storage configuration", "err", err)
		os.Exit(1)
	}

	logger := config.NewLogger(storageConfig.Log)
	slog.SetDefault(logger)
	storageConfig.Logger = logger

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	svc, err := storageConfig.Open(ctx)
	if err != nil {
		slog.Error("Failed to initialize storage backend", "backend", storageConfig.Backend, "err", err)
		os.Exit(1)
	}
	defer svc.Close()

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%s", serverConfig.Port),
		Handler:           newRouter(svc, serverConfig, logger),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		slog.Info("Simple Storage Server starting", "port", serverConfig.Port, "env", serverConfig.Environment, "backend", svc.Name())
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server error", "err", err)
			stop()
		}
	}()

	<-ctx.Done()
	slog.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), serverConfig.ShutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "err", err)
	}

	slog.Info("Server exiting")
}

func newRouter(svc simplestorage.Service, serverConfig ServerConfig, logger *slog.Logger) http.Handler {
	handler := api.NewBlobHandler(svc,
		api.WithLogger(logger),
		api.WithMaxUploadBytes(serverConfig.MaxUploadBytes),
	)

	r := chi.NewRouter()

	// CORS for development
	if serverConfig.Environment == "development" {
		r.Use(func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Access-Control-Allow-Origin", "*")
				w.Header().Set("Access-Control-Allow-Methods", "GET, HEAD, PUT, DELETE, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-Request-ID, X-Meta-*")

				if r.Method == http.MethodOptions {
					w.WriteHeader(http.StatusOK)
					return
				}

				next.ServeHTTP(w, r)
			})
		})
	}

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		render.JSON(w, r, map[string]string{
			"status":  "ok",
			"backend": svc.Name(),
		})
	})

	r.Mount("/api/v1", api.NewRouter(handler, serverConfig.RequestTimeout))
	return r
}

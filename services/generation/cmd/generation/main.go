package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"logogen/internal/util"
	"logogen/services/generation/internal/config"
	"logogen/services/generation/internal/server"
)

func main() {
	// A missing .env is normal outside local development.
	_ = godotenv.Load()

	cfg, err := config.Load(config.ConfigPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	logger := util.InitLogger("generation", cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	deps, err := wire(ctx, cfg)
	if err != nil {
		log.Fatalf("failed to init dependencies: %v", err)
	}
	defer deps.Close()

	httpServer, err := server.New(server.Config{
		App:            deps.App,
		Limiter:        deps.Limiter,
		Queue:          deps.Inspector,
		Admin:          deps.Admin,
		TrustedProxies: deps.TrustedProxies,
		CORSOrigins:    cfg.CORSOrigins,
		KeepAlive:      time.Duration(cfg.SSEKeepAliveSeconds) * time.Second,
	})
	if err != nil {
		log.Fatalf("failed to init server: %v", err)
	}

	addr := ":" + cfg.Port
	srv := newHTTPServer(addr, httpServer.Router())

	g, gctx := errgroup.WithContext(ctx)
	deps.Scheduler.Start(gctx, cfg.QueueConcurrency, deps.App.HandleTask)
	g.Go(func() error {
		slog.Info("generation server listening", "addr", addr,
			"store", cfg.StoreBackend, "notify", cfg.NotifyBackend, "queue", cfg.QueueBackend)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	if err := g.Wait(); err != nil {
		logger.Error("server error", "err", err)
	}
	deps.Drain()
	slog.Info("generation server stopped")
}

// newHTTPServer cancels every request context as soon as Shutdown begins, so
// open event streams end instead of holding shutdown until its deadline.
func newHTTPServer(addr string, handler http.Handler) *http.Server {
	base, cancel := context.WithCancel(context.Background())
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		// No WriteTimeout: event streams stay open until the job finishes.
		IdleTimeout: 60 * time.Second,
		BaseContext: func(net.Listener) context.Context { return base },
	}
	srv.RegisterOnShutdown(cancel)
	return srv
}

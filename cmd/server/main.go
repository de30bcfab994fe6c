package main

import (
	"context"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/wumeng-games/netplay-backend/internal/httpapi"
	"github.com/wumeng-games/netplay-backend/internal/server"
)

func main() {
	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatal(err)
	}
	defer func() { _ = logger.Sync() }()

	cfg := server.Config{
		Host:    envOr("ADDR", "0.0.0.0"),
		Port:    envInt("PORT", server.DefaultPort),
		Version: envOr("VERSION", "1.0.0"),
	}
	httpAddr := envOr("HTTP_ADDR", ":8080")

	srv := server.New(cfg, logger)
	if err := srv.Start(); err != nil {
		logger.Fatal("start session server", zap.Error(err))
	}
	logger.Info("reachable for LAN play",
		zap.String("local_ip", localIP()),
		zap.Int("port", cfg.Port))

	debug := &http.Server{Addr: httpAddr, Handler: httpapi.SetupRoutes(srv)}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("debug http listening", zap.String("addr", httpAddr))
		if err := debug.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = debug.Shutdown(shutCtx)
		srv.Stop()
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Fatal("server exited", zap.Error(err))
	}
	logger.Info("server stopped")
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

// localIP finds the address other players on the LAN should dial. The UDP
// "connection" never sends anything.
func localIP() string {
	c, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "127.0.0.1"
	}
	defer c.Close()
	return c.LocalAddr().(*net.UDPAddr).IP.String()
}

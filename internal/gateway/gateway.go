// Package gateway exposes the Anthropic-compatible HTTP surface and
// routes requests to the native or legacy upstream.
package gateway

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"relay/internal/config"
	"relay/internal/credentials"
	"relay/internal/quota"
	"relay/internal/transcode"
	"relay/internal/upstream"
	"relay/internal/usage"
)

// Gateway holds the wired components behind the HTTP surface.
type Gateway struct {
	cfg    *config.Config
	store  *credentials.Store
	ledger *quota.Ledger

	native *upstream.NativeClient
	legacy *upstream.LegacyClient

	legacyModels *transcode.ModelMapper
	nativeModels *transcode.ModelMapper

	usage *usage.Store

	server *http.Server
}

// Options carries the dependencies New needs beyond configuration.
type Options struct {
	Store  *credentials.Store
	Ledger *quota.Ledger
	Native *upstream.NativeClient
	Legacy *upstream.LegacyClient
	Usage  *usage.Store
}

// New builds a gateway. Usage may be nil; accounting is then skipped.
func New(cfg *config.Config, opts Options) (*Gateway, error) {
	g := &Gateway{
		cfg:          cfg,
		store:        opts.Store,
		ledger:       opts.Ledger,
		native:       opts.Native,
		legacy:       opts.Legacy,
		legacyModels: transcode.NewLegacyModelMapper(),
		nativeModels: transcode.NewNativeModelMapper(),
		usage:        opts.Usage,
	}

	if cfg.ModelsFile != "" {
		if err := transcode.LoadModelOverrides(cfg.ModelsFile, g.legacyModels, g.nativeModels); err != nil {
			return nil, fmt.Errorf("failed to load model overrides: %w", err)
		}
	}
	return g, nil
}

// Handler builds the route table.
func (g *Gateway) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/v1/messages", g.handleMessages)
	mux.HandleFunc("/messages", g.handleMessages)
	mux.HandleFunc("/v1/messages/count_tokens", g.handleCountTokens)
	mux.HandleFunc("/v1/models", g.handleModels)
	mux.HandleFunc("/models", g.handleModels)
	mux.HandleFunc("/v1/quota", g.handleQuotaStatus)
	mux.HandleFunc("/v1/quota/reset", g.handleQuotaReset)
	mux.HandleFunc("/v1/usage", g.handleUsage)
	mux.HandleFunc("/api/event_logging/batch", g.handleEventLogging)
	mux.HandleFunc("/health", g.handleHealth)

	return g.corsMiddleware(mux)
}

// Start runs the HTTP server until ctx is cancelled, then drains.
func (g *Gateway) Start(ctx context.Context) error {
	g.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", g.cfg.Port),
		Handler: g.Handler(),
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("[Gateway] Listening on %s (mode: %s)", g.server.Addr, g.cfg.Mode)
		if err := g.server.ListenAndServe(); err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := g.server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown failed: %w", err)
	}
	log.Printf("[Gateway] Stopped")
	return nil
}

// corsMiddleware answers preflight requests and stamps CORS headers on
// every response.
func (g *Gateway) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Api-Key, anthropic-version")
		w.Header().Set("Access-Control-Max-Age", "86400")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// recordUsage writes accounting best-effort.
func (g *Gateway) recordUsage(rec usage.Record) {
	if g.usage == nil {
		return
	}
	g.usage.Add(rec)
}

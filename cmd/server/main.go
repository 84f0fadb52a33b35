package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cevdata/pdtmatch"
)

func main() {
	configPath := flag.String("config", "", "Path to config file (JSON or YAML)")
	addr := flag.String("addr", ":8080", "Listen address")
	flag.Parse()

	// Structured JSON logging.
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})))

	cfg := pdtmatch.DefaultConfig()
	if *configPath != "" {
		var err error
		cfg, err = pdtmatch.LoadConfig(*configPath)
		if err != nil {
			slog.Error("loading config", "error", err)
			os.Exit(1)
		}
	}

	// Override from environment variables.
	if v := os.Getenv("PDTMATCH_DATA_PATH"); v != "" {
		cfg.DataPath = v
	}
	if v := os.Getenv("PDTMATCH_DATA_URL"); v != "" {
		cfg.DataURL = v
	}
	if v := os.Getenv("PDTMATCH_AUDIT_DB_PATH"); v != "" {
		cfg.AuditDBPath = v
	}
	if v := os.Getenv("PDTMATCH_MEMORY_LIMIT"); v != "" {
		cfg.MemoryLimit = v
	}

	apiKey := os.Getenv("PDTMATCH_API_KEY")
	corsOrigins := os.Getenv("PDTMATCH_CORS_ORIGINS")

	engine, err := pdtmatch.New(cfg)
	if err != nil {
		slog.Error("creating engine", "error", err)
		os.Exit(1)
	}
	defer engine.Close()

	// Janitor: expire the idle dataset handle and stale sessions.
	janitorCtx, stopJanitor := context.WithCancel(context.Background())
	defer stopJanitor()
	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				engine.Sweep()
			case <-janitorCtx.Done():
				return
			}
		}
	}()

	h := newHandler(engine)
	mux := http.NewServeMux()

	mux.HandleFunc("GET /metadata", h.handleMetadata)
	mux.HandleFunc("GET /rows", h.handleRows)
	mux.HandleFunc("GET /departments/stats", h.handleDepartmentStats)
	mux.HandleFunc("GET /ranking", h.handleRanking)
	mux.HandleFunc("GET /ranking/{name}", h.handleRankOf)
	mux.HandleFunc("GET /recommendations/top", h.handleTopRecommendations)
	mux.HandleFunc("GET /recommendations/{code}/municipalities", h.handleRecommendationMunicipalities)
	mux.HandleFunc("GET /recommendations/{code}/paragraphs", h.handleParagraphMatches)
	mux.HandleFunc("GET /catalog/municipalities", h.handleMunicipalityCatalog)
	mux.HandleFunc("GET /catalog/departments", h.handleDepartmentCatalog)
	mux.HandleFunc("GET /catalog/recommendations", h.handleRecommendationCatalog)
	mux.HandleFunc("GET /export/xlsx", h.handleExportWorkbook)
	mux.HandleFunc("GET /export/csv", h.handleExportCSV)
	mux.HandleFunc("POST /sessions", h.handleStartSession)
	mux.HandleFunc("GET /health", h.handleHealth)
	mux.Handle("GET /metrics", metricsHandler())

	// Middleware chain: recovery -> cors -> auth -> session -> metrics -> logging -> mux
	var handler http.Handler = mux
	handler = logMiddleware(handler)
	handler = metricsMiddleware(handler)
	handler = sessionMiddleware(engine, handler)
	handler = authMiddleware(apiKey, handler)
	handler = corsMiddleware(corsOrigins, handler)
	handler = recoveryMiddleware(handler)

	srv := &http.Server{
		Addr:         *addr,
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // exports can be long
		IdleTimeout:  120 * time.Second,
	}

	// Graceful shutdown on SIGTERM/SIGINT.
	done := make(chan os.Signal, 1)
	signal.Notify(done, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		slog.Info("server starting", "addr", *addr, "data_path", cfg.DataPath)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	<-done
	slog.Info("shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("server shutdown error", "error", err)
	}

	slog.Info("server stopped")
}

package main

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/pantrykit/cyclecast/internal/api"
	"github.com/pantrykit/cyclecast/internal/clock"
	"github.com/pantrykit/cyclecast/internal/dedup"
	"github.com/pantrykit/cyclecast/internal/engine"
	"github.com/pantrykit/cyclecast/internal/metrics"
	"github.com/pantrykit/cyclecast/internal/prior"
	"github.com/pantrykit/cyclecast/internal/storage"
	pkgotel "github.com/pantrykit/cyclecast/pkg/otel"
)

type Server struct {
	processor  *engine.Processor
	feedback   *engine.FeedbackApplier
	reader     *engine.Reader
	reconciler *engine.Reconciler
	metrics    *metrics.Metrics
	limiter    *rate.Limiter
	clk        clock.Clock
	metricsAuth struct {
		enabled  bool
		user     string
		password string
	}
}

func main() {
	clk := clock.System{}

	// Category priors
	priors := prior.Canonical()
	if path := getEnv("PRIORS_PATH", ""); path != "" {
		loaded, err := prior.Load(path)
		if err != nil {
			log.Fatalf("Failed to load priors from %s: %v", path, err)
		}
		priors = loaded
		log.Printf("Loaded %d category priors from %s", priors.Len(), path)
	}

	// State + log store
	stateBackend := getEnv("STATE_BACKEND", "memory")
	var store storage.Store
	switch stateBackend {
	case "memory":
		var wal *storage.WALFile
		if walDir := getEnv("WAL_DIR", "data/wal"); walDir != "" {
			var err error
			wal, err = storage.NewWALFile(walDir, clk.Now())
			if err != nil {
				log.Fatalf("Failed to create WAL: %v", err)
			}
		}
		store = storage.NewMemory(wal)
	case "postgres":
		connStr := getEnv("POSTGRES_CONN", "")
		if connStr == "" {
			log.Fatal("POSTGRES_CONN is required when STATE_BACKEND=postgres")
		}
		pg, err := storage.NewPostgres(connStr)
		if err != nil {
			log.Fatalf("Failed to connect to Postgres: %v", err)
		}
		store = pg
	default:
		log.Fatalf("Unknown STATE_BACKEND: %s", stateBackend)
	}

	// State read cache
	if size := getEnvInt("STATE_CACHE_SIZE", 4096); size > 0 {
		cached, err := storage.NewCachedStore(store, size, 5*time.Minute)
		if err != nil {
			log.Fatalf("Failed to create state cache: %v", err)
		}
		store = cached
	}

	// Idempotency store
	dedupBackend := getEnv("DEDUP_BACKEND", "memory")
	var dedupStore dedup.Store
	var err error
	switch dedupBackend {
	case "memory":
		snapshotPath := getEnv("DEDUP_SNAPSHOT", "data/dedup.json")
		dedupStore = dedup.NewMemoryStore(snapshotPath)
	case "redis":
		redisAddr := getEnv("REDIS_ADDR", "localhost:6379")
		redisPass := getEnv("REDIS_PASSWORD", "")
		redisDB := getEnvInt("REDIS_DB", 0)
		dedupStore, err = dedup.NewRedisStore(redisAddr, redisPass, redisDB)
		if err != nil {
			log.Fatalf("Failed to create Redis dedup store: %v", err)
		}
	case "postgres":
		connStr := getEnv("POSTGRES_CONN", "")
		dedupStore, err = dedup.NewPostgresStore(connStr)
		if err != nil {
			log.Fatalf("Failed to create Postgres dedup store: %v", err)
		}
	default:
		log.Fatalf("Unknown DEDUP_BACKEND: %s", dedupBackend)
	}

	// Tracing
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var tracerShutdown func()
	if getEnv("OTEL_ENABLED", "") == "true" {
		cfg := pkgotel.DefaultConfig("cyclecast")
		cfg.CollectorEndpoint = getEnv("OTEL_COLLECTOR", cfg.CollectorEndpoint)
		tp, err := pkgotel.InitTracer(ctx, cfg)
		if err != nil {
			log.Fatalf("Failed to init tracing: %v", err)
		}
		tracerShutdown = func() {
			if err := pkgotel.Shutdown(context.Background(), tp); err != nil {
				log.Printf("Tracer shutdown error: %v", err)
			}
		}
	}

	// Metrics
	m := metrics.New()

	// Engine
	processor := engine.NewProcessor(store, dedupStore, priors, nil, m, clk, engine.Options{})
	processor.StartDeferredDrainer(ctx, 30*time.Second)

	reconciler := engine.NewReconciler(processor, float64(getEnvInt("RECONCILE_PAIRS_PER_SEC", 50)))
	reconciler.Start(ctx)

	// Rate limiter
	tokenRate := getEnvInt("TOKEN_RATE", 100)
	limiter := rate.NewLimiter(rate.Limit(tokenRate), tokenRate*2)

	srv := &Server{
		processor:  processor,
		feedback:   engine.NewFeedbackApplier(processor),
		reader:     engine.NewReader(processor),
		reconciler: reconciler,
		metrics:    m,
		limiter:    limiter,
		clk:        clk,
	}

	srv.metricsAuth.enabled = getEnv("METRICS_USER", "") != ""
	srv.metricsAuth.user = getEnv("METRICS_USER", "")
	srv.metricsAuth.password = getEnv("METRICS_PASS", "")

	// HTTP routes
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/events/submit", srv.handleSubmit)
	mux.HandleFunc("/v1/feedback", srv.handleFeedback)
	mux.HandleFunc("/v1/forecast", srv.handleForecast)
	mux.HandleFunc("/v1/reset", srv.handleReset)
	mux.HandleFunc("/v1/reconcile/run", srv.handleReconcile)
	mux.HandleFunc("/v1/inventory/refresh", srv.handleRefresh)
	mux.Handle("/metrics", srv.metricsHandler())
	mux.HandleFunc("/health", handleHealth)

	port := getEnv("PORT", "8080")
	httpServer := &http.Server{
		Addr:         ":" + port,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	go func() {
		log.Printf("Starting server on port %s", port)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	<-shutdown
	log.Println("Shutting down server...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server shutdown error: %v", err)
	}

	if err := store.Close(); err != nil {
		log.Printf("Error closing store: %v", err)
	}
	if err := dedupStore.Close(); err != nil {
		log.Printf("Error closing dedup store: %v", err)
	}
	if tracerShutdown != nil {
		tracerShutdown()
	}

	log.Println("Server stopped")
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.limiter.Allow() {
		w.Header().Set("Retry-After", "10")
		http.Error(w, "Too many requests", http.StatusTooManyRequests)
		return
	}

	var env api.Envelope
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&env); err != nil {
		respondRejection(w, engineReject(api.CodeInvalidEvent, "invalid JSON"))
		return
	}

	out, err := s.processor.SubmitEvent(r.Context(), &env)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, out)
}

func (s *Server) handleFeedback(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		HouseholdID    string `json:"household_id"`
		ProductID      string `json:"product_id"`
		Feedback       string `json:"feedback"`
		IdempotencyKey string `json:"idempotency_key"`
		Timestamp      string `json:"timestamp"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		respondRejection(w, engineReject(api.CodeInvalidEvent, "invalid JSON"))
		return
	}

	var ts time.Time
	if req.Timestamp != "" {
		var err error
		ts, err = clock.ParseTimestamp(req.Timestamp)
		if err != nil {
			respondRejection(w, engineReject(api.CodeInvalidEvent, "invalid timestamp"))
			return
		}
	}

	out, err := s.feedback.Apply(r.Context(), req.HouseholdID, req.ProductID, req.Feedback, req.IdempotencyKey, ts)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, out)
}

func (s *Server) handleForecast(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	household := r.URL.Query().Get("household_id")
	product := r.URL.Query().Get("product_id")

	var at time.Time
	if raw := r.URL.Query().Get("at"); raw != "" {
		var err error
		at, err = clock.ParseTimestamp(raw)
		if err != nil {
			respondRejection(w, engineReject(api.CodeInvalidEvent, "invalid at timestamp"))
			return
		}
	}

	multiplier := 0.0
	if raw := r.URL.Query().Get("multiplier"); raw != "" {
		var err error
		multiplier, err = strconv.ParseFloat(raw, 64)
		if err != nil || multiplier <= 0 {
			respondRejection(w, engineReject(api.CodeInvalidEvent, "invalid multiplier"))
			return
		}
	}

	fc, err := s.reader.Forecast(r.Context(), household, product, at, multiplier)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, fc)
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		HouseholdID string `json:"household_id"`
		ProductID   string `json:"product_id"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		respondRejection(w, engineReject(api.CodeInvalidEvent, "invalid JSON"))
		return
	}
	if req.HouseholdID == "" || req.ProductID == "" {
		respondRejection(w, engineReject(api.CodeInvalidEvent, "household_id and product_id are required"))
		return
	}

	out, err := s.processor.Reset(r.Context(), req.HouseholdID, req.ProductID)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, out)
}

func (s *Server) handleReconcile(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	report, err := s.reconciler.Run(r.Context(), s.clk.Now())
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, report)
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		HouseholdID string `json:"household_id"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil || req.HouseholdID == "" {
		respondRejection(w, engineReject(api.CodeInvalidEvent, "household_id is required"))
		return
	}

	n, err := s.reader.RefreshHousehold(r.Context(), req.HouseholdID)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]int{"refreshed": n})
}

func (s *Server) metricsHandler() http.Handler {
	handler := promhttp.Handler()

	if !s.metricsAuth.enabled {
		return handler
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != s.metricsAuth.user || pass != s.metricsAuth.password {
			w.Header().Set("WWW-Authenticate", `Basic realm="Metrics"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		handler.ServeHTTP(w, r)
	})
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

type rejectionBody struct {
	Code    api.RejectionCode `json:"code"`
	Message string            `json:"message"`
}

func engineReject(code api.RejectionCode, msg string) *engine.Rejection {
	return &engine.Rejection{Code: code, Msg: msg}
}

func respondError(w http.ResponseWriter, err error) {
	var rej *engine.Rejection
	if !errors.As(err, &rej) {
		rej = engineReject(api.CodeInternal, err.Error())
	}
	respondRejection(w, rej)
}

func respondRejection(w http.ResponseWriter, rej *engine.Rejection) {
	status := http.StatusInternalServerError
	switch rej.Code {
	case api.CodeInvalidEvent:
		status = http.StatusBadRequest
	case api.CodeStaleEvent, api.CodeConflict:
		status = http.StatusConflict
	case api.CodeUnknownEntity:
		status = http.StatusNotFound
	case api.CodeStorageFailure:
		status = http.StatusServiceUnavailable
	}
	respondJSON(w, status, rejectionBody{Code: rej.Code, Message: rej.Msg})
}

func respondJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

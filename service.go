package main

import (
	"context"
	"crypto/sha256"
	"embed"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"
)

//go:embed public
var publicFS embed.FS

const (
	defaultHistoryLimit = 100
	maxHistoryLimit     = 1000
)

// Server serves the live dashboard and its JSON API from the latest snapshot.
type Server struct {
	store      *SnapshotStore
	agg        *Aggregator
	cache      *Cache // nil disables view caching
	metrics    *Collector
	hub        *Hub
	history    HistoryStore // nil when history is disabled
	sourceName string
}

func NewServer(store *SnapshotStore, agg *Aggregator, cache *Cache, metrics *Collector, history HistoryStore, sourceName string) *Server {
	if metrics == nil {
		metrics = NewCollector()
	}
	s := &Server{
		store:      store,
		agg:        agg,
		cache:      cache,
		metrics:    metrics,
		history:    history,
		sourceName: sourceName,
	}
	s.hub = NewHub(store, s.renderMessage, metrics)
	return s
}

// Hub returns the websocket hub; its Run loop must be started by the caller.
func (s *Server) Hub() *Hub { return s.hub }

// view computes the dashboard for a filter, caching by snapshot content.
func (s *Server) view(ctx context.Context, snap *Snapshot, f Filter, bucket string) (*DashboardData, bool) {
	bucket = ParseBucket(bucket)
	if snap == nil || s.cache == nil {
		return s.agg.Build(snap, f, bucket), false
	}

	key := fmt.Sprintf("dashboard:%s:%s:%s", s.contentKey(snap), f.Key(), bucket)
	var cached DashboardData
	if s.cache.Get(ctx, key, &cached) {
		// the entry may have been written by another process for the same content
		cached.Version = snap.Version
		cached.FetchedAt = snap.FetchedAt
		return &cached, true
	}
	data := s.agg.Build(snap, f, bucket)
	if err := s.cache.Set(ctx, key, data, 0); err != nil {
		log.Printf("[CACHE] set %s failed: %v", key, err)
	}
	return data, false
}

// contentKey identifies everything a view depends on except the filter and bucket.
// Snapshot versions restart with each process and are not part of it.
func (s *Server) contentKey(snap *Snapshot) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s\x00%s\x00%s\x00%d\x00%s\x00%g\x00%s",
		snap.Status, snap.Hash, snap.Err, snap.Rejected, snap.FirstReject,
		s.agg.SegmentDistance, s.agg.Location)
	return hex.EncodeToString(h.Sum(nil)[:12])
}

// renderMessage is the hub's view function: one pushed message per client filter.
func (s *Server) renderMessage(ctx context.Context, snap *Snapshot, f Filter) ([]byte, error) {
	data, _ := s.view(ctx, snap, f, BucketDay)
	return json.Marshal(ServerMessage{Type: "dashboard", Data: data})
}

// Routes builds the HTTP handler.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", s.handleHealth)

	// Dashboard HTML page - serve on root
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		serveHTMLFile(w, r, "public/templates/dashboard.html")
	})
	mux.HandleFunc("/dashboard", func(w http.ResponseWriter, r *http.Request) {
		serveHTMLFile(w, r, "public/templates/dashboard.html")
	})

	mux.HandleFunc("/ws", s.hub.ServeWS)
	mux.HandleFunc("/api/dashboard", s.handleDashboard)
	mux.HandleFunc("/api/facets", s.handleFacets)
	mux.HandleFunc("/api/records", s.handleRecords)
	mux.HandleFunc("/api/history", s.handleHistory)
	mux.HandleFunc("/api/stats", s.metrics.Handler())
	mux.HandleFunc("/metrics", s.metrics.PrometheusHandler())

	return securityHeaders(mux)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := map[string]interface{}{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
		"source": s.sourceName,
	}
	if s.cache != nil {
		status["cache"] = s.cache.Backend()
	}
	if s.history != nil {
		status["history"] = s.history.Driver()
	}

	code := http.StatusOK
	snap := s.store.Latest()
	switch {
	case snap == nil:
		status["poll"] = string(StatusPending)
	case snap.Status == StatusError:
		status["status"] = "degraded"
		status["poll"] = string(snap.Status)
		status["error"] = snap.Err
		code = http.StatusServiceUnavailable
	default:
		status["poll"] = string(snap.Status)
		status["last_poll"] = snap.FetchedAt.UTC().Format(time.RFC3339)
		status["rows"] = len(snap.Observations)
	}
	writeJSON(w, code, status)
}

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	q := r.URL.Query()
	data, hit := s.view(r.Context(), s.store.Latest(), ParseFilter(q), q.Get("bucket"))
	if hit {
		w.Header().Set("X-Cache", "HIT")
	} else {
		w.Header().Set("X-Cache", "MISS")
	}
	w.Header().Set("Cache-Control", "no-cache")
	writeJSON(w, http.StatusOK, data)
}

func (s *Server) handleFacets(w http.ResponseWriter, r *http.Request) {
	var obs []Observation
	if snap := s.store.Latest(); snap != nil {
		obs = snap.Observations
	}
	writeJSON(w, http.StatusOK, BuildFacets(obs))
}

// handleRecords returns the filtered rows as JSON, or CSV with ?format=csv.
func (s *Server) handleRecords(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	obs := []Observation{}
	if snap := s.store.Latest(); snap != nil {
		obs = ParseFilter(q).Apply(snap.Observations)
	}
	if limit, err := strconv.Atoi(q.Get("limit")); err == nil && limit > 0 && limit < len(obs) {
		obs = obs[len(obs)-limit:]
	}

	if q.Get("format") == "csv" {
		w.Header().Set("Content-Type", "text/csv; charset=utf-8")
		w.Header().Set("Content-Disposition", `attachment; filename="traffic.csv"`)
		if err := WriteCSV(w, obs, true); err != nil {
			log.Printf("[HTTP] csv export failed: %v", err)
		}
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"columns": Columns,
		"count":   len(obs),
		"records": obs,
	})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		http.Error(w, "history disabled", http.StatusServiceUnavailable)
		return
	}
	limit := defaultHistoryLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = min(n, maxHistoryLimit)
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	entries, err := s.history.Recent(ctx, limit)
	if err != nil {
		log.Printf("[HISTORY] query failed: %v", err)
		http.Error(w, "failed to fetch history", http.StatusInternalServerError)
		return
	}
	if entries == nil {
		entries = []HistoryEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[HTTP] encode response failed: %v", err)
	}
}

func serveHTMLFile(w http.ResponseWriter, r *http.Request, filePath string) {
	content, err := publicFS.ReadFile(filePath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			http.NotFound(w, r)
			return
		}
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		log.Printf("Error reading embedded file %s: %v", filePath, err)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	_, _ = w.Write(content)
}

func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Minimal security headers (no cookies anyway)
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "no-referrer")
		next.ServeHTTP(w, r)
	})
}

// runServe wires the poll loop, its sinks and the HTTP server, and blocks until SIGINT/SIGTERM.
func runServe(cfg *Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg.logSummary()
	loc := cfg.Location()

	source, err := NewSource(ctx, *cfg)
	if err != nil {
		return err
	}
	if c, ok := source.(interface{ Close() }); ok {
		defer c.Close()
	}

	metrics := NewCollector()
	store := NewSnapshotStore()
	agg := NewAggregator(cfg.SegmentDistanceKM, loc)

	var cache *Cache
	if cfg.CacheEnabled {
		cache = NewCache(CacheConfig{
			RedisURL:    cfg.RedisURL,
			EnableRedis: cfg.EnableRedis,
			DefaultTTL:  cfg.CacheTTL,
		})
		defer cache.Close()
	}

	var history HistoryStore
	if cfg.HistoryEnabled {
		history, err = NewHistoryStore(ctx, cfg.HistoryDriver, cfg.HistoryDSN)
		if err != nil {
			return fmt.Errorf("history: %w", err)
		}
		defer history.Close()
	}

	srv := NewServer(store, agg, cache, metrics, history, source.Name())

	poller := NewPoller(PollerConfig{
		Interval:     cfg.PollInterval,
		ErrorBackoff: cfg.ErrorBackoff,
		FetchTimeout: cfg.FetchTimeout,
		Location:     loc,
		DateOrder:    cfg.DateOrder,
	}, source, store, metrics)
	poller.OnSnapshot(srv.Hub().Handle)

	if history != nil {
		poller.OnSnapshot(NewHistoryRecorder(history, agg).Handle)
		NewCleaner(CleanupConfig{
			Enabled:       true,
			CheckInterval: cfg.CleanupInterval,
			RetentionDays: cfg.HistoryRetentionDays,
		}, history).Start(ctx)
	}

	if cfg.KafkaEnabled {
		producer, err := NewSaramaProducer(cfg.KafkaBrokerList)
		if err != nil {
			// the dashboard works without the sink
			log.Printf("[KAFKA] disabled: %v", err)
		} else {
			pub := NewPublisher(producer, cfg.KafkaTopic, agg)
			defer pub.Close()
			poller.OnSnapshot(pub.Handle)
		}
	}

	if cfg.ArchiveEnabled {
		var uploader Uploader
		if cfg.ArchiveBucket != "" {
			u, err := NewS3Uploader(ctx, cfg.ArchiveRegion, cfg.ArchiveBucket)
			if err != nil {
				log.Printf("[ARCHIVE] upload disabled: %v", err)
			} else {
				uploader = u
			}
		}
		NewArchiver(ArchiveConfig{
			Enabled:  true,
			Interval: cfg.ArchiveInterval,
			Dir:      cfg.ArchiveDir,
		}, store, uploader).Start(ctx)
	}

	go srv.Hub().Run(ctx)
	go poller.Run(ctx)

	httpSrv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           srv.Routes(),
		ReadHeaderTimeout: 3 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Printf("traffic-service listening on %s", cfg.ListenAddr)
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	log.Println("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpSrv.Shutdown(shutdownCtx)
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		log.Fatal(err)
	}
}

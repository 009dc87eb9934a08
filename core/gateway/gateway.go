// Package gateway exposes the image delivery tier over HTTP.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/pixserve/pixserve/core/imaging"
	"github.com/pixserve/pixserve/core/infra/config"
	"github.com/pixserve/pixserve/core/infra/logging"
	infraMetrics "github.com/pixserve/pixserve/core/infra/metrics"
	"github.com/pixserve/pixserve/core/infra/redisutil"
	"github.com/pixserve/pixserve/core/ingest"
	"github.com/pixserve/pixserve/core/metadata"
	"github.com/pixserve/pixserve/core/origin"
	"github.com/pixserve/pixserve/core/persist"
	"github.com/pixserve/pixserve/core/resolver"
)

const (
	component    = "gateway"
	drainTimeout = 30 * time.Second

	headerFileName = "X-File-Name"
	headerScope    = "X-Scope"
)

type imageResolver interface {
	Resolve(ctx context.Context, key string, width *uint) (*resolver.Result, error)
}

type imageIngestor interface {
	Ingest(ctx context.Context, scope, filename string, data []byte) (string, error)
}

type server struct {
	resolver  imageResolver
	ingestor  imageIngestor
	metrics   infraMetrics.GatewayMetrics
	maxUpload int64
}

// Run wires the delivery tier together and serves HTTP until SIGINT/SIGTERM.
func Run(cfg *config.Config) error {
	rdb, err := redisutil.NewClient(cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("redis client: %w", err)
	}
	defer rdb.Close()

	store := metadata.NewRedisStore(rdb)
	client := origin.NewClient(cfg.B2APIURL, cfg.B2KeyID, cfg.B2KeySecret)
	creds := origin.NewCredentialCache(client, rdb, cfg.CredentialTTL)

	persister := persist.New(client, store,
		infraMetrics.NewPersistProm("pixserve"),
		cfg.Delivery.PersistQueueDepth, cfg.Delivery.PersistWorkers)

	s := &server{
		resolver: resolver.New(creds, store, client, persister,
			infraMetrics.NewResolverProm("pixserve")),
		ingestor:  ingest.New(creds, client, store, cfg.Delivery.Ladder),
		metrics:   infraMetrics.NewGatewayProm("pixserve"),
		maxUpload: cfg.Delivery.MaxUploadBytes,
	}

	go serveMetrics(cfg.MetricsAddr)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      120 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logging.Info(component, "listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logging.Info(component, "shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logging.Error(component, "http shutdown", "error", err)
	}
	// Let scheduled background persistence finish before the process exits.
	if err := persister.Drain(shutdownCtx); err != nil {
		logging.Error(component, "persister drain", "error", err)
	}
	return nil
}

func serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", infraMetrics.Handler())
	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	logging.Info(component, "metrics listening", "addr", addr+"/metrics")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logging.Error(component, "metrics server error", "error", err)
	}
}

func (s *server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("GET /images/{key...}", s.instrumented("/images/{key}", s.handleGetImage))
	mux.HandleFunc("POST /upload", s.instrumented("/upload", s.handleUpload))
	return mux
}

func (s *server) handleGetImage(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	if key == "" {
		http.Error(w, "missing image key", http.StatusBadRequest)
		return
	}
	reqID := uuid.NewString()

	var width *uint
	if raw := r.URL.Query().Get("width"); raw != "" {
		parsed, err := strconv.ParseUint(raw, 10, 32)
		if err != nil || parsed == 0 {
			http.Error(w, "invalid width", http.StatusBadRequest)
			return
		}
		w32 := uint(parsed)
		width = &w32
	}
	logging.Info(component, "image request", "req", reqID, "key", key, "width", widthLabel(width))

	res, err := s.resolver.Resolve(r.Context(), key, width)
	if err != nil {
		s.writeError(w, reqID, err, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", res.ContentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(res.Bytes)))
	_, _ = w.Write(res.Bytes)
}

func (s *server) handleUpload(w http.ResponseWriter, r *http.Request) {
	filename := r.Header.Get(headerFileName)
	scope := r.Header.Get(headerScope)
	if filename == "" || scope == "" {
		http.Error(w, "missing X-File-Name or X-Scope header", http.StatusBadRequest)
		return
	}
	reqID := uuid.NewString()

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.maxUpload))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, "upload too large", http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, "read body failed", http.StatusBadRequest)
		return
	}
	logging.Info(component, "upload request", "req", reqID, "scope", scope, "file", filename, "bytes", len(body))

	fileID, err := s.ingestor.Ingest(r.Context(), scope, filename, body)
	if err != nil {
		// A payload we cannot decode is the client's fault on this path.
		s.writeError(w, reqID, err, http.StatusUnprocessableEntity)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte(fileID))
}

// writeError maps the error taxonomy onto HTTP statuses. decodeStatus is the
// status for ErrDecode, which differs between the read and upload paths.
func (s *server) writeError(w http.ResponseWriter, reqID string, err error, decodeStatus int) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, origin.ErrAuth):
		status = http.StatusForbidden
	case errors.Is(err, metadata.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, origin.ErrUpstream):
		status = http.StatusBadGateway
	case errors.Is(err, imaging.ErrDecode):
		status = decodeStatus
	}
	logging.Error(component, "request failed", "req", reqID, "status", status, "error", err)
	http.Error(w, http.StatusText(status), status)
}

func (s *server) instrumented(route string, fn http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		fn(rec, r)
		if s.metrics != nil {
			s.metrics.ObserveRequest(r.Method, route, strconv.Itoa(rec.status), time.Since(start).Seconds())
		}
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func widthLabel(width *uint) string {
	if width == nil {
		return "orig"
	}
	return strconv.FormatUint(uint64(*width), 10)
}

package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/franckalain/plantdex/internal/enrich"
	"github.com/franckalain/plantdex/internal/logging"
	"github.com/franckalain/plantdex/internal/metrics"
	"github.com/franckalain/plantdex/internal/ml"
	"github.com/franckalain/plantdex/internal/models"
	"github.com/franckalain/plantdex/internal/resilience"
)

// HistoryReader lists the recent identifications.
type HistoryReader interface {
	List(ctx context.Context) ([]models.HistoryEntry, error)
}

// Deps are the collaborators of the server. Identifier, Enricher and History
// are required.
type Deps struct {
	Identifier ml.Identifier
	Enricher   *enrich.Orchestrator
	History    HistoryReader
	Executor   *resilience.Executor
	Metrics    *metrics.Metrics
	Logger     *slog.Logger
	Now        func() time.Time
}

// Options holds the transport settings.
type Options struct {
	Port            string
	StaticDir       string
	UploadTTL       time.Duration
	MaxUploadBytes  int64
	MaxUploads      int
	ShutdownTimeout time.Duration
}

type Server struct {
	opts       Options
	identifier ml.Identifier
	enricher   *enrich.Orchestrator
	history    HistoryReader
	executor   *resilience.Executor
	metrics    *metrics.Metrics
	logger     *slog.Logger
	now        func() time.Time

	uploadMu sync.Mutex
	uploads  *gocache.Cache // user photos by upload id
	clients  sync.Map
	handler  http.Handler
}

const uploadPrefix = "/uploads/"

// upload is a user photo kept long enough to serve as the last image fallback.
type upload struct {
	data     []byte
	mimeType string
}

func New(deps Deps, opts Options) (*Server, error) {
	if deps.Identifier == nil || deps.Enricher == nil || deps.History == nil {
		return nil, errors.New("server: identifier, enricher and history are required")
	}
	if opts.UploadTTL <= 0 {
		opts.UploadTTL = time.Hour
	}
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = 10 << 20
	}
	if opts.MaxUploads <= 0 {
		opts.MaxUploads = 100
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 10 * time.Second
	}
	if opts.StaticDir == "" {
		opts.StaticDir = "./static"
	}

	s := &Server{
		opts:       opts,
		identifier: deps.Identifier,
		enricher:   deps.Enricher,
		history:    deps.History,
		executor:   deps.Executor,
		metrics:    deps.Metrics,
		logger:     deps.Logger,
		now:        deps.Now,
		uploads:    gocache.New(opts.UploadTTL, opts.UploadTTL),
	}
	if s.logger == nil {
		s.logger = logging.Discard()
	}
	s.logger = s.logger.With("component", "server")
	if s.now == nil {
		s.now = time.Now
	}
	s.handler = s.routes()
	return s, nil
}

// Handler returns the HTTP handler serving every route.
func (s *Server) Handler() http.Handler {
	return s.handler
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /api/history", s.handleHistory)
	mux.HandleFunc("GET /uploads/{id}", s.handleUpload)
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics.Handler())
	}

	// Serve static files
	mux.Handle("/", http.FileServer(http.Dir(s.opts.StaticDir)))

	if s.metrics == nil {
		return mux
	}
	return s.metrics.Middleware(mux)
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:              ":" + s.opts.Port,
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("starting server", "port", s.opts.Port)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("listen: %w", err)
	case <-ctx.Done():
	}

	s.logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.opts.ShutdownTimeout)
	defer cancel()
	err := srv.Shutdown(shutdownCtx)
	s.closeClients()
	if err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

// closeClients closes every WebSocket connection; Shutdown does not track
// hijacked connections.
func (s *Server) closeClients() {
	s.clients.Range(func(_, value any) bool {
		value.(*client).conn.Close()
		return true
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	entries, err := s.history.List(r.Context())
	if err != nil {
		s.logger.Error("history lookup failed", "error", err)
		http.Error(w, "failed to retrieve history", http.StatusInternalServerError)
		return
	}
	if entries == nil {
		entries = []models.HistoryEntry{}
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(entries); err != nil {
		s.logger.Warn("history encode failed", "error", err)
	}
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	item, ok := s.uploads.Get(r.PathValue("id"))
	if !ok {
		http.NotFound(w, r)
		return
	}
	u := item.(upload)
	w.Header().Set("Content-Type", u.mimeType)
	w.Header().Set("Cache-Control", "private, max-age=3600")
	w.Write(u.data)
}

// storeUpload keeps the photo and returns the URL it is served at. Past
// MaxUploads, the photos closest to expiry are dropped first.
func (s *Server) storeUpload(id string, data []byte, mimeType string) string {
	s.uploadMu.Lock()
	defer s.uploadMu.Unlock()

	items := s.uploads.Items()
	for len(items) >= s.opts.MaxUploads {
		oldest, first := "", int64(0)
		for k, item := range items {
			if oldest == "" || item.Expiration < first {
				oldest, first = k, item.Expiration
			}
		}
		s.uploads.Delete(oldest)
		delete(items, oldest)
	}
	s.uploads.Set(id, upload{data: data, mimeType: mimeType}, gocache.DefaultExpiration)
	return uploadPrefix + id
}

// touchUploads restarts the TTL of the uploads referenced by rec, keeping the
// displayed record's photo servable.
func (s *Server) touchUploads(rec models.IdentificationRecord) {
	s.uploadMu.Lock()
	defer s.uploadMu.Unlock()

	for _, c := range rec.ImageCandidates {
		id, ok := strings.CutPrefix(c.URL, uploadPrefix)
		if c.SourceKind != models.SourceUpload || !ok {
			continue
		}
		if item, found := s.uploads.Get(id); found {
			s.uploads.Set(id, item, gocache.DefaultExpiration)
		}
	}
}

package http

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-chi/chi/v5"

	"layerdb/pkg/batch"
	"layerdb/pkg/dberrors"
	"layerdb/pkg/engine"
	"layerdb/pkg/keys"
	"layerdb/pkg/metrics"
	"layerdb/pkg/record"
)

const (
	contentTypeJSON        = "application/json"
	defaultHTTPPort        = "8080"
	defaultShutdownTimeout = time.Second * 5
	defaultScanLimit       = 100
	reservedPrefix         = ".ROOT"
)

type iEngine interface {
	SetValueParsed(k, value string) error
	GetRecord(key keys.Key) (record.Update, error)
	Delete(key keys.Key) error
	Write(b *batch.Batch) error
	ScanForward(r keys.Range) (*engine.Rows, error)
	ScanBackward(r keys.Range) (*engine.Rows, error)
	FlushWorkingSegment() error
	MergeAllSegments() error
	Stats() (engine.Stats, error)
	DebugDump(w io.Writer) error
}

// Server is the admin and key/value HTTP surface of one engine.
type Server struct {
	engine            iEngine
	metrics           *metrics.Registry
	httpServer        *http.Server
	readHeaderTimeout time.Duration
	URL               string
	addr              string
}

// NewServer creates a new server instance. reg may be nil.
func NewServer(e iEngine, reg *metrics.Registry, port string) *Server {
	if port == "" {
		port = defaultHTTPPort
	}
	return &Server{
		engine:            e,
		metrics:           reg,
		readHeaderTimeout: time.Second,
		URL:               "http://localhost:" + port,
		addr:              ":" + port,
	}
}

// WithReadHeaderTimeout overrides the default of one second.
func (s *Server) WithReadHeaderTimeout(d time.Duration) *Server {
	if d > 0 {
		s.readHeaderTimeout = d
	}
	return s
}

// Start starts the server
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:              s.addr,
		Handler:           s.createRouter(),
		ReadHeaderTimeout: s.readHeaderTimeout,
	}

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server error", "error", err)
		}
	}()

	slog.Info("HTTP server started", "addr", s.URL)
	return nil
}

// Stop stops the server
func (s *Server) Stop() error {
	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
		defer cancel()

		if err := s.httpServer.Shutdown(ctx); err != nil {
			return errors.Wrap(err, "failed to shutdown HTTP server")
		}
	}
	return nil
}

// createRouter builds chi router
func (s *Server) createRouter() http.Handler {
	r := chi.NewRouter()

	r.Get("/health", s.handleHealth)
	r.Get("/metrics", s.handleMetrics)

	r.Route("/api", func(r chi.Router) {
		r.Put("/kv", s.handlePut)
		r.Get("/kv", s.handleGet)
		r.Delete("/kv", s.handleDelete)
		r.Get("/scan", s.handleScan)
		r.Post("/batch", s.handleBatch)
	})

	r.Route("/admin", func(r chi.Router) {
		r.Post("/flush", s.handleFlush)
		r.Post("/merge", s.handleMerge)
		r.Get("/stats", s.handleStats)
		r.Get("/dump", s.handleDump)
	})

	return r
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Warn("Error encoding response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, dberrors.ErrKeyNotFound):
		status = http.StatusNotFound
	case errors.Is(err, dberrors.ErrInvalidArgument):
		status = http.StatusBadRequest
	case errors.Is(err, dberrors.ErrClosed):
		status = http.StatusServiceUnavailable
	case errors.Is(err, dberrors.ErrResourceExhausted):
		status = http.StatusInsufficientStorage
	}
	if status == http.StatusInternalServerError {
		slog.Error("request failed", "error", err)
	}
	s.writeJSON(w, status, NewErrorResponse(err.Error()))
}

// userKey parses a slash separated key and keeps clients out of the
// reserved namespace.
func userKey(raw string) (keys.Key, error) {
	if raw == "" {
		return keys.Key{}, errors.Wrap(dberrors.ErrInvalidArgument, "missing key")
	}
	if raw == reservedPrefix || strings.HasPrefix(raw, reservedPrefix+"/") {
		return keys.Key{}, errors.Wrapf(dberrors.ErrInvalidArgument, "key %q is reserved", raw)
	}
	return keys.Parse(raw), nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, NewOKResponse())
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	if s.metrics == nil {
		if _, err := w.Write([]byte("# layerdb metrics disabled\n")); err != nil {
			slog.Warn("Failed to write metrics response", "error", err)
		}
		return
	}
	// Refresh the gauges Stats maintains.
	_, _ = s.engine.Stats()
	if err := s.metrics.WriteText(w); err != nil {
		slog.Warn("Failed to write metrics response", "error", err)
	}
}

func (s *Server) handlePut(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("Failed to parse form"))
		return
	}

	raw := r.FormValue("key")
	if _, err := userKey(raw); err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.engine.SetValueParsed(raw, r.FormValue("value")); err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, NewSuccessResponse())
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	key, err := userKey(r.URL.Query().Get("key"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	u, err := s.engine.GetRecord(key)
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, NewValueResponse(string(u.Payload)))
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	key, err := userKey(r.URL.Query().Get("key"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.engine.Delete(key); err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, NewSuccessResponse())
}

// handleBatch applies every op of the JSON body in one atomic write.
func (s *Server) handleBatch(w http.ResponseWriter, r *http.Request) {
	var req BatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("Failed to parse batch"))
		return
	}
	b := batch.New()
	for i, op := range req.Ops {
		key, err := userKey(op.Key)
		if err != nil {
			s.writeError(w, errors.Wrapf(err, "op %d", i))
			return
		}
		switch op.Op {
		case "put":
			b.Put(key, record.WithString(op.Value))
		case "delete":
			b.Delete(key)
		default:
			s.writeError(w, errors.Wrapf(dberrors.ErrInvalidArgument, "op %d: unknown op %q", i, op.Op))
			return
		}
	}
	if err := s.engine.Write(b); err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, NewSuccessResponse())
}

// handleScan serves GET /api/scan?prefix=a/b&limit=10&reverse=true.
func (s *Server) handleScan(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	rng := keys.All()
	if p := q.Get("prefix"); p != "" {
		rng = keys.WithPrefix(keys.Parse(p))
	}
	limit := defaultScanLimit
	if l := q.Get("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil || n <= 0 {
			s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("limit must be a positive integer"))
			return
		}
		limit = n
	}

	scan := s.engine.ScanForward
	if q.Get("reverse") == "true" {
		scan = s.engine.ScanBackward
	}
	rows, err := scan(rng)
	if err != nil {
		s.writeError(w, err)
		return
	}
	defer rows.Close()

	out := make([]Row, 0, limit)
	for len(out) < limit && rows.Next() {
		out = append(out, Row{Key: rows.Key().String(), Value: string(rows.Update().Payload)})
	}
	if err := rows.Err(); err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, NewRowsResponse(out))
}

func (s *Server) handleFlush(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.FlushWorkingSegment(); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, NewSuccessResponse())
}

func (s *Server) handleMerge(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.MergeAllSegments(); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, NewSuccessResponse())
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	st, err := s.engine.Stats()
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, NewStatsResponse(st))
}

func (s *Server) handleDump(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	if err := s.engine.DebugDump(w); err != nil {
		slog.Warn("debug dump failed", "error", err)
	}
}

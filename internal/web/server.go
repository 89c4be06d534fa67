// Package web serves the HTTP surface: the calendar push endpoint and the
// research request, status and retry API.
package web

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/hpungsan/callbrief/internal/pipeline"
	"github.com/hpungsan/callbrief/internal/research"
	"github.com/hpungsan/callbrief/internal/webhook"
)

// Research is the pipeline surface the API exposes.
type Research interface {
	RequestAdHoc(ctx context.Context, campaignID string, prospects []research.Prospect) (research.Request, error)
	Status(ctx context.Context, subject research.Subject) (*pipeline.StatusView, error)
	Retry(ctx context.Context, subject research.Subject) (research.Request, error)
}

// Receiver accepts validated calendar pushes.
type Receiver interface {
	Receive(ctx context.Context, n *webhook.Notification) bool
}

// shutdownTimeout bounds how long in-flight requests may take to finish.
const shutdownTimeout = 5 * time.Second

// NewServer creates the HTTP server listening on addr.
func NewServer(addr string, res Research, rcv Receiver, log *zap.Logger) *http.Server {
	h := &Handlers{research: res, receiver: rcv, log: log.Named("http")}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /webhooks/google-calendar", h.HandleCalendarWebhook)
	mux.HandleFunc("POST /research", h.HandleRequest)
	mux.HandleFunc("GET /research/{kind}/{id}", h.HandleStatus)
	mux.HandleFunc("POST /research/{kind}/{id}/retry", h.HandleRetry)
	mux.HandleFunc("GET /healthz", h.HandleHealth)

	return &http.Server{
		Addr:              addr,
		Handler:           securityHeaders(accessLog(h.log, mux)),
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// securityHeaders adds security-related HTTP headers to all responses.
func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Security-Policy", "default-src 'self'; style-src 'self' 'unsafe-inline'")
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func accessLog(log *zap.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		log.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.status),
			zap.Duration("took", time.Since(start)))
	})
}

// Run serves srv until ctx is done, then shuts down gracefully.
func Run(ctx context.Context, srv *http.Server, log *zap.Logger) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	log.Info("http server listening", zap.String("addr", srv.Addr))
	if strings.HasPrefix(srv.Addr, "0.0.0.0") || strings.HasPrefix(srv.Addr, ":") || strings.Contains(srv.Addr, "[::]") {
		log.Warn("server is binding to all interfaces and may be accessible from the network")
	}

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		log.Info("shutting down http server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

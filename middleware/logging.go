package middleware

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/mnehpets/directserve/endpoint"
)

// RequestIDHeader carries the request id in both directions.
const RequestIDHeader = "X-Request-ID"

type requestIDKey struct{}

// RequestIDFromContext returns the id assigned by AccessLogProcessor.
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// AccessLogProcessor assigns each request an id and logs one line per
// request once the response is complete. An incoming X-Request-ID of
// reasonable length is kept.
type AccessLogProcessor struct {
	Logger *slog.Logger
}

// NewAccessLogProcessor returns a processor logging to l, or to
// slog.Default() when l is nil.
func NewAccessLogProcessor(l *slog.Logger) *AccessLogProcessor {
	if l == nil {
		l = slog.Default()
	}
	return &AccessLogProcessor{Logger: l}
}

// Process implements endpoint.Processor.
func (p *AccessLogProcessor) Process(w http.ResponseWriter, r *http.Request, next func(http.ResponseWriter, *http.Request) error) error {
	id := r.Header.Get(RequestIDHeader)
	if id == "" || len(id) > 128 {
		id = uuid.NewString()
	}
	w.Header().Set(RequestIDHeader, id)
	r = r.WithContext(context.WithValue(r.Context(), requestIDKey{}, id))

	rec := &statusRecorder{ResponseWriter: w}
	start := time.Now()
	err := next(rec, r)

	status := rec.status
	if err != nil && status == 0 {
		// The handler writes the error response after the chain returns.
		status = http.StatusInternalServerError
		if code := errorStatus(err); code != 0 {
			status = code
		}
	}
	if status == 0 {
		status = http.StatusOK
	}
	level := slog.LevelInfo
	if status >= 500 {
		level = slog.LevelError
	}
	p.Logger.Log(r.Context(), level, "http request",
		"request_id", id,
		"method", r.Method,
		"path", r.URL.Path,
		"status", status,
		"bytes", rec.bytes,
		"duration", time.Since(start),
	)
	return err
}

func errorStatus(err error) int {
	var ee *endpoint.EndpointError
	if errors.As(err, &ee) && ee.Status >= 100 {
		return ee.Status
	}
	return 0
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (s *statusRecorder) WriteHeader(code int) {
	if s.status == 0 {
		s.status = code
	}
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Write(b []byte) (int, error) {
	if s.status == 0 {
		s.status = http.StatusOK
	}
	n, err := s.ResponseWriter.Write(b)
	s.bytes += n
	return n, err
}

func (s *statusRecorder) Unwrap() http.ResponseWriter { return s.ResponseWriter }

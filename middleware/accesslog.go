package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/mnehpets/popauth/endpoint"
)

// AccessLogProcessor writes one structured log line per request once the
// rest of the chain has finished.
//
// Only the method, path (never the query string, which carries codes and
// state), status, duration and any attributes added with AddLogAttrs are
// logged.
type AccessLogProcessor struct {
	logger *slog.Logger
	now    func() time.Time
}

// NewAccessLogProcessor returns an AccessLogProcessor. A nil logger means
// slog.Default().
func NewAccessLogProcessor(logger *slog.Logger) *AccessLogProcessor {
	if logger == nil {
		logger = slog.Default()
	}
	return &AccessLogProcessor{logger: logger, now: time.Now}
}

type logAttrsKey struct{}

type logAttrs struct {
	attrs []slog.Attr
}

// AddLogAttrs attaches attributes to the access log line of the current
// request. It is a no-op outside an AccessLogProcessor chain.
func AddLogAttrs(ctx context.Context, attrs ...slog.Attr) {
	if la, ok := ctx.Value(logAttrsKey{}).(*logAttrs); ok {
		la.attrs = append(la.attrs, attrs...)
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
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
	return s.ResponseWriter.Write(b)
}

func (s *statusRecorder) Unwrap() http.ResponseWriter {
	return s.ResponseWriter
}

// Process implements endpoint.Processor.
func (p *AccessLogProcessor) Process(w http.ResponseWriter, r *http.Request, next func(http.ResponseWriter, *http.Request) error) error {
	start := p.now()
	la := &logAttrs{}
	rec := &statusRecorder{ResponseWriter: w}

	err := next(rec, r.WithContext(context.WithValue(r.Context(), logAttrsKey{}, la)))

	status := rec.status
	level := slog.LevelInfo
	if err != nil {
		// The endpoint handler writes the error response after the chain
		// returns, so derive its status the same way.
		status, _ = endpoint.StatusAndMessage(err)
	}
	if status == 0 {
		status = http.StatusOK
	}
	if status >= http.StatusInternalServerError {
		level = slog.LevelError
	}

	attrs := []slog.Attr{
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
		slog.Int("status", status),
		slog.Duration("duration", p.now().Sub(start)),
	}
	if err != nil {
		attrs = append(attrs, slog.String("error", err.Error()))
	}
	attrs = append(attrs, la.attrs...)
	p.logger.LogAttrs(r.Context(), level, "request", attrs...)
	return err
}

var _ endpoint.Processor = (*AccessLogProcessor)(nil)

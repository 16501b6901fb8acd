package middleware

import (
	"crypto/rand"
	"encoding/hex"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/mnehpets/zkauth/endpoint"
)

// RequestLogger attaches a request-scoped zerolog.Logger to the request
// context and logs one line per completed request. Endpoints and the error
// path reach the logger with zerolog.Ctx.
//
// Query strings are never logged; OAuth callbacks carry codes in them.
type RequestLogger struct {
	Logger zerolog.Logger
}

// NewRequestLogger returns a RequestLogger writing to logger.
func NewRequestLogger(logger zerolog.Logger) *RequestLogger {
	return &RequestLogger{Logger: logger}
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
func (l *RequestLogger) Process(w http.ResponseWriter, r *http.Request, next func(http.ResponseWriter, *http.Request) error) error {
	start := time.Now()
	log := l.Logger.With().
		Str("request_id", requestID()).
		Str("method", r.Method).
		Str("path", r.URL.Path).
		Logger()

	rec := &statusRecorder{ResponseWriter: w}
	err := next(rec, r.WithContext(log.WithContext(r.Context())))

	ev := log.Info()
	if err != nil {
		// The handler renders err after this returns.
		ev = log.Debug().Err(err)
	}
	ev.Int("status", rec.status).
		Dur("duration", time.Since(start)).
		Msg("request")
	return err
}

func requestID() string {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return "unknown"
	}
	return hex.EncodeToString(b)
}

var _ endpoint.Processor = (*RequestLogger)(nil)

// Package logging provides structured logging with zap.
package logging

import (
	"bufio"
	"context"
	"crypto/rand"
	"errors"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// RequestIDHeader carries the request ID in both directions.
const RequestIDHeader = "X-Request-ID"

type ctxKey int

const (
	loggerCtxKey ctxKey = iota
	requestIDCtxKey
)

var (
	current  atomic.Pointer[zap.Logger]
	fallback sync.Once
)

// Config holds logging configuration.
type Config struct {
	Level      string // debug, info, warn, error
	Format     string // json, console
	OutputPath string // stdout, stderr, or file path
}

// Init replaces the process logger. Unknown levels fall back to info.
func Init(cfg Config) error {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		level = zapcore.InfoLevel
	}

	zc := zap.NewProductionConfig()
	if cfg.Format == "console" {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	if cfg.OutputPath != "" {
		zc.OutputPaths = []string{cfg.OutputPath}
	}

	logger, err := zc.Build(zap.AddCallerSkip(1), zap.AddStacktrace(zapcore.ErrorLevel))
	if err != nil {
		return err
	}
	current.Store(logger)
	return nil
}

// Sync flushes any buffered log entries.
func Sync() error {
	if logger := current.Load(); logger != nil {
		return logger.Sync()
	}
	return nil
}

// L returns the process logger, building a production one if Init was never
// called. Its caller skip suits the package-level helpers.
func L() *zap.Logger {
	fallback.Do(func() {
		if current.Load() == nil {
			logger, _ := zap.NewProduction(zap.AddCallerSkip(1))
			current.CompareAndSwap(nil, logger)
		}
	})
	return current.Load()
}

// Named returns a child of the process logger for components that log
// through their own *zap.Logger.
func Named(name string) *zap.Logger {
	return L().WithOptions(zap.AddCallerSkip(-1)).Named(name)
}

// WithContext returns the request-scoped logger stored by Middleware, or a
// plain "http" logger when ctx has none.
func WithContext(ctx context.Context) *zap.Logger {
	if logger, ok := ctx.Value(loggerCtxKey).(*zap.Logger); ok {
		return logger
	}
	return Named("http")
}

// WithRequestID returns a context carrying id and a logger tagged with it.
func WithRequestID(ctx context.Context, id string) context.Context {
	logger := WithContext(ctx).With(zap.String("request_id", id))
	ctx = context.WithValue(ctx, loggerCtxKey, logger)
	return context.WithValue(ctx, requestIDCtxKey, id)
}

// GetRequestID returns the request ID from context.
func GetRequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDCtxKey).(string)
	return id
}

// Info logs an info message.
func Info(msg string, fields ...zap.Field) { L().Info(msg, fields...) }

// Warn logs a warning message.
func Warn(msg string, fields ...zap.Field) { L().Warn(msg, fields...) }

// Error logs an error message.
func Error(msg string, fields ...zap.Field) { L().Error(msg, fields...) }

// Fatal logs a fatal message and exits.
func Fatal(msg string, fields ...zap.Field) { L().Fatal(msg, fields...) }

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

func generateRequestID() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}

// statusRecorder remembers the status and byte count of a response.
type statusRecorder struct {
	http.ResponseWriter
	status int
	size   int64
}

func (rw *statusRecorder) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *statusRecorder) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.size += int64(n)
	return n, err
}

func (rw *statusRecorder) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *statusRecorder) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// Hijack lets websocket upgrades pass through the wrapper.
func (rw *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	return hj.Hijack()
}

// Middleware tags each request with an ID, stores a logger carrying it in
// the request context and logs the outcome.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		id := r.Header.Get(RequestIDHeader)
		if id == "" {
			id = generateRequestID()
		}
		w.Header().Set(RequestIDHeader, id)

		r = r.WithContext(WithRequestID(r.Context(), id))
		logger := WithContext(r.Context())
		rw := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rw, r)

		logger.Info("request completed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("remote_addr", r.RemoteAddr),
			zap.Int("status", rw.status),
			zap.Int64("size", rw.size),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

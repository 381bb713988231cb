package logger

import (
	"bytes"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/iurnickita/voucherd/internal/logger/config"
)

const (
	defaultLevel    = "info"
	requestIDHeader = "X-Request-ID"
	// тело длиннее в лог не пишется целиком
	maxLoggedBody = 2048
)

func NewZapLog(cfg config.Config) (*zap.Logger, error) {
	level := cfg.LogLevel
	if level == "" {
		level = defaultLevel
	}
	// преобразуем текстовый уровень логирования в zap.AtomicLevel
	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, err
	}
	// создаём новую конфигурацию логера
	zapcfg := zap.NewProductionConfig()
	zapcfg.Level = lvl
	zapcfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	zl, err := zapcfg.Build()
	if err != nil {
		return nil, err
	}
	return zl.With(zap.String("service", "voucherd")), nil
}

func truncate(body []byte) string {
	if len(body) > maxLoggedBody {
		return string(body[:maxLoggedBody]) + "..."
	}
	return string(body)
}

// middleware-логер для входящих HTTP-запросов.
func RequestLogMdlw(h http.HandlerFunc, zaplog *zap.Logger) http.HandlerFunc {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get(requestIDHeader)
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, requestID)
		reqlog := zaplog.With(zap.String("request_id", requestID))

		// request body
		bodyBytes, _ := io.ReadAll(r.Body)
		r.Body.Close() //  must close
		r.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))

		reqlog.Info("got incoming HTTP request",
			zap.String("path", r.URL.Path),
			zap.String("method", r.Method),
			zap.String("body", truncate(bodyBytes)),
		)

		wl := NewResponseWriterLogger(w)

		handlerStart := time.Now()
		h(wl, r)
		handlerDuration := time.Since(handlerStart)

		fields := []zap.Field{
			zap.Int("code", wl.statusCode),
			zap.String("body", truncate(wl.body.Bytes())),
			zap.Int("length", wl.length),
			zap.Duration("duration", handlerDuration),
		}
		switch {
		case wl.statusCode >= http.StatusInternalServerError:
			reqlog.Error("send HTTP response", fields...)
		case wl.statusCode >= http.StatusBadRequest:
			reqlog.Warn("send HTTP response", fields...)
		default:
			reqlog.Info("send HTTP response", fields...)
		}
	})
}

type responseWriterLogger struct {
	http.ResponseWriter
	statusCode int
	length     int
	body       bytes.Buffer
}

func NewResponseWriterLogger(w http.ResponseWriter) *responseWriterLogger {
	return &responseWriterLogger{ResponseWriter: w, statusCode: http.StatusOK}
}

func (wl *responseWriterLogger) WriteHeader(code int) {
	wl.statusCode = code
	wl.ResponseWriter.WriteHeader(code)
}

func (wl *responseWriterLogger) Write(b []byte) (n int, err error) {
	if wl.body.Len() < maxLoggedBody {
		wl.body.Write(b)
	}
	n, err = wl.ResponseWriter.Write(b)
	wl.length += n
	return
}

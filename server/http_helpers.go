package main

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/xid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/haasonsaas/warden/pkg/logging"
	"github.com/haasonsaas/warden/pkg/protocol"
)

const (
	requestIDContextKey     = "request_id"
	requestLoggerContextKey = "request_logger"
	requestIDHeader         = "X-Request-ID"
)

const tracerName = "github.com/haasonsaas/warden/server"

func withRequestContext(base zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		reqID := c.GetHeader(requestIDHeader)
		if _, err := xid.FromString(reqID); err != nil {
			reqID = xid.New().String()
		}
		c.Set(requestIDContextKey, reqID)
		c.Writer.Header().Set(requestIDHeader, reqID)

		logger := base.With().Str("request_id", reqID).Str("method", c.Request.Method).Str("path", c.FullPath()).Logger()
		c.Set(requestLoggerContextKey, logger)

		ctx := otel.GetTextMapPropagator().Extract(c.Request.Context(), propagation.HeaderCarrier(c.Request.Header))
		spanName := c.Request.Method + " " + c.FullPath()
		ctx, span := otel.Tracer(tracerName).Start(ctx, spanName, trace.WithSpanKind(trace.SpanKindServer))
		span.SetAttributes(
			attribute.String("http.method", c.Request.Method),
			attribute.String("http.route", c.FullPath()),
			attribute.String("request.id", reqID),
		)

		ctx = logging.WithRequestID(ctx, reqID)
		ctx = logger.WithContext(ctx)
		c.Request = c.Request.WithContext(ctx)

		c.Next()

		status := c.Writer.Status()
		span.SetAttributes(attribute.Int("http.status_code", status))
		if status >= 500 {
			span.SetStatus(codes.Error, http.StatusText(status))
		}
		span.End()
	}
}

func requestLogger(c *gin.Context, fallback zerolog.Logger) zerolog.Logger {
	if value, ok := c.Get(requestLoggerContextKey); ok {
		if logger, ok := value.(zerolog.Logger); ok {
			return logger
		}
	}
	return fallback
}

func requestID(c *gin.Context) string {
	if value, ok := c.Get(requestIDContextKey); ok {
		if id, ok := value.(string); ok {
			return id
		}
	}
	return ""
}

// respondError answers transport-level failures that never reach the
// executor, such as throttling or an oversized body.
func respondError(c *gin.Context, status int, message string, fallback zerolog.Logger) {
	logger := requestLogger(c, fallback)
	entry := logger.Warn()
	if status >= http.StatusInternalServerError {
		entry = logger.Error()
	}
	entry.Int("status", status).Msg(message)
	if span := trace.SpanFromContext(c.Request.Context()); span.IsRecording() {
		span.AddEvent("http.error", trace.WithAttributes(
			attribute.Int("http.status_code", status),
			attribute.String("error.message", message),
		))
		if status >= http.StatusInternalServerError {
			span.RecordError(errors.New(message))
		}
	}

	c.AbortWithStatusJSON(status, gin.H{
		"error":      message,
		"request_id": requestID(c),
	})
}

// statusFor maps an outcome code to the HTTP status the caller sees.
func statusFor(code protocol.Code) int {
	switch code {
	case protocol.CodeOK:
		return http.StatusOK
	case protocol.CodeInvalidSchema, protocol.CodeInvalidParameter, protocol.CodePolicyInvalid:
		return http.StatusBadRequest
	case protocol.CodeUnsupportedSignatureAlgorithm, protocol.CodeInvalidSignature,
		protocol.CodeDeviceIDMismatch, protocol.CodeRequestExpired, protocol.CodeRequestNotYetValid,
		protocol.CodeSessionRequired, protocol.CodePolicyUpdateInvalidSignature:
		return http.StatusUnauthorized
	case protocol.CodePolicyDeny, protocol.CodeCommandDisabled, protocol.CodePathNotAllowed:
		return http.StatusForbidden
	case protocol.CodePathNotFound, protocol.CodeSessionNotFound:
		return http.StatusNotFound
	case protocol.CodeNonceReplay, protocol.CodeCommandIDConflict, protocol.CodePolicyUpdateVersionRejected:
		return http.StatusConflict
	case protocol.CodeSessionExpired:
		return http.StatusGone
	case protocol.CodeCommandExecutionFailed:
		return http.StatusUnprocessableEntity
	case protocol.CodePolicyNotFound:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

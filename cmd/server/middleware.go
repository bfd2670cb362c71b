package main

import (
	"github.com/gin-gonic/gin"
	"github.com/segmentio/ksuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	cidpkg "github.com/Araujoacai/railtrack/internal/cid"
)

// cidMiddleware attaches a correlation id to every request. An inbound
// X-RT-CID header is preserved; otherwise a fresh KSUID is generated. The
// id is placed on the request context and echoed in the response header.
func cidMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(cidpkg.HeaderName)
		if id == "" {
			id = ksuid.New().String()
		}
		c.Request = c.Request.WithContext(cidpkg.With(c.Request.Context(), id))
		c.Writer.Header().Set(cidpkg.HeaderName, id)
		c.Next()
	}
}

// otelMiddleware records a server span per request with basic HTTP
// attributes plus the correlation id when present. With no tracer provider
// configured this is a no-op tracer and costs nothing.
func otelMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		tracer := otel.Tracer("railtrack/server")
		ctx, span := tracer.Start(c.Request.Context(), c.FullPath(),
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				attribute.String("http.method", c.Request.Method),
				attribute.String("http.target", c.Request.URL.Path),
			),
		)
		defer span.End()

		if id := cidpkg.From(ctx); id != "" {
			span.SetAttributes(attribute.String(cidpkg.AttributeName, id))
		}

		c.Request = c.Request.WithContext(ctx)
		c.Next()

		span.SetAttributes(attribute.Int("http.status_code", c.Writer.Status()))
	}
}

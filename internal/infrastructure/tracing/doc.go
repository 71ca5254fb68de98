/*
Package tracing provides lightweight request and lifecycle tracing.

Spans are logged through zap when finished. HTTP requests get a span from the
Gin middleware; the session manager opens spans around start and kill so a
slow spawn or a supersede that waited on a stubborn process shows up with its
duration and connection id.

# Usage

	tracer := tracing.New("terminal", logger)
	defer tracer.Close()

	router.Use(tracing.HTTPMiddleware(tracer))

	span, ctx := tracer.StartSpan(ctx, "session.start")
	span.SetTag("connection_id", connID)
	defer tracer.Finish(span)

Trace context travels in the X-Trace-ID and X-Span-ID headers.
*/
package tracing

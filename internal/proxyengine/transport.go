package proxyengine

import (
	"fmt"
	"net/http"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"

	tracing "github.com/soulteary/tracing-kit"
)

// tracingTransport instruments the upstream-fetch leg of the pipeline with
// a span and trace-context propagation. It performs exactly one attempt:
// transport errors are surfaced to the caller unretried, and every origin
// status is forwarded as received. Bounded retry exists only inside the
// file resolver's probe loop.
type tracingTransport struct {
	baseTransport http.RoundTripper
}

func newTracingTransport(base http.RoundTripper) *tracingTransport {
	return &tracingTransport{baseTransport: base}
}

func (rt *tracingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	spanCtx, span := tracing.StartSpan(req.Context(), "proxyengine.upstream.fetch")
	defer span.End()

	tracing.SetSpanAttributesFromMap(span, map[string]interface{}{
		"http.method": req.Method,
		"http.url":    req.URL.String(),
		"http.scheme": req.URL.Scheme,
		"http.host":   req.URL.Host,
		"http.target": req.URL.Path,
	})

	propagator := otel.GetTextMapPropagator()
	propagator.Inject(spanCtx, propagation.HeaderCarrier(req.Header))

	resp, err := rt.baseTransport.RoundTrip(req)
	if err != nil {
		tracing.RecordError(span, err)
		return nil, fmt.Errorf("upstream request failed: %w", err)
	}

	tracing.SetSpanAttributes(span, map[string]string{
		"http.status_code": fmt.Sprintf("%d", resp.StatusCode),
	})
	if resp.StatusCode >= 400 {
		tracing.SetSpanStatus(span, codes.Error, resp.Status)
	} else {
		tracing.SetSpanStatus(span, codes.Ok, "")
	}
	return resp, nil
}

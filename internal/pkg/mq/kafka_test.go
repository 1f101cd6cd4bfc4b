package mq

import (
	"context"
	"testing"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

func TestHeaderCarrier_SetGetOverwrite(t *testing.T) {
	var headers []kafka.Header
	c := NewHeaderCarrier(&headers)

	c.Set("traceparent", "a")
	c.Set("baggage", "b")
	c.Set("traceparent", "c")

	assert.Len(t, headers, 2)
	assert.Equal(t, "c", c.Get("traceparent"))
	assert.Equal(t, "b", c.Get("baggage"))
	assert.Equal(t, "", c.Get("missing"))
	assert.ElementsMatch(t, []string{"traceparent", "baggage"}, c.Keys())
}

func TestTraceContextRoundTrip(t *testing.T) {
	otel.SetTextMapPropagator(propagation.TraceContext{})

	traceID, _ := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	spanID, _ := trace.SpanIDFromHex("00f067aa0ba902b7")
	sc := trace.NewSpanContext(trace.SpanContextConfig{TraceID: traceID, SpanID: spanID, TraceFlags: trace.FlagsSampled})
	ctx := trace.ContextWithSpanContext(context.Background(), sc)

	var headers []kafka.Header
	otel.GetTextMapPropagator().Inject(ctx, NewHeaderCarrier(&headers))

	extracted := ExtractTraceContext(context.Background(), headers)
	got := trace.SpanContextFromContext(extracted)
	assert.True(t, got.IsValid())
	assert.Equal(t, traceID, got.TraceID())
}

func TestBroadcastGroupID_PerTopicAndNode(t *testing.T) {
	a := BroadcastGroupID("logic-audit-gateway", "logic-decisions", "n1")
	assert.Equal(t, "logic-audit-gateway.logic-decisions.n1", a)
	assert.NotEqual(t, a, BroadcastGroupID("logic-audit-gateway", "logic-script-changes", "n1"))
	assert.NotEqual(t, a, BroadcastGroupID("logic-audit-gateway", "logic-decisions", "n2"))
}

func TestNewBroadcastReader_StartsAtLatest(t *testing.T) {
	r := NewBroadcastReader([]string{"127.0.0.1:1"}, "logic-decisions", "g.logic-decisions.n1")
	defer r.Close()

	cfg := r.Config()
	assert.Equal(t, "g.logic-decisions.n1", cfg.GroupID)
	assert.Equal(t, kafka.LastOffset, cfg.StartOffset)
	assert.Zero(t, cfg.CommitInterval)
}

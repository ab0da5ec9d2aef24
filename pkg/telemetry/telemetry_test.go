package telemetry

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	tracesdk "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// swapTracer points the package at a recording tracer for one test.
func swapTracer(t *testing.T) *tracetest.SpanRecorder {
	recorder := tracetest.NewSpanRecorder()
	provider := tracesdk.NewTracerProvider(tracesdk.WithSpanProcessor(recorder))

	previous := tracer
	tracer = provider.Tracer(serviceName)
	t.Cleanup(func() { tracer = previous })

	return recorder
}

func TestParticipantSpansAreChildrenOfTheConference(t *testing.T) {
	recorder := swapTracer(t)

	conference := NewTelemetry(context.Background(), "conference")
	participant := conference.CreateChild("participant")
	participant.AddEvent("session accepted")
	participant.End()
	conference.End()

	spans := recorder.Ended()
	require.Len(t, spans, 2)

	assert.Equal(t, "participant", spans[0].Name())
	assert.Equal(t, "conference", spans[1].Name())
	assert.Equal(t, spans[1].SpanContext().SpanID(), spans[0].Parent().SpanID())

	require.Len(t, spans[0].Events(), 1)
	assert.Equal(t, "session accepted", spans[0].Events()[0].Name)
}

func TestFailMarksTheSpanFailed(t *testing.T) {
	recorder := swapTracer(t)

	span := NewTelemetry(context.Background(), "participant")
	span.Fail(errors.New("no bridge available"))
	span.End()

	spans := recorder.Ended()
	require.Len(t, spans, 1)

	assert.Equal(t, codes.Error, spans[0].Status().Code)
	assert.Equal(t, "no bridge available", spans[0].Status().Description)
	require.Len(t, spans[0].Events(), 1, "the error itself is recorded as an event")
}

package instrumentation

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func newRecordingTracer(t *testing.T) (*Instrumentation, *tracetest.SpanRecorder) {
	t.Helper()
	recorder := tracetest.NewSpanRecorder()
	inst, err := New(Config{
		Enabled:        true,
		TracerProvider: sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder)),
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { _ = inst.Shutdown(context.Background()) })
	return inst, recorder
}

func TestRecordError(t *testing.T) {
	inst, recorder := newRecordingTracer(t)

	_, span := inst.Tracer("server").Start(context.Background(), "test-span")
	RecordError(span, errors.New("test error"))
	span.End()

	ended := recorder.Ended()
	if len(ended) != 1 {
		t.Fatalf("ended spans = %d, want 1", len(ended))
	}
	if ended[0].Status().Code != codes.Error {
		t.Errorf("status = %v, want Error", ended[0].Status().Code)
	}

	// nil-safe
	RecordError(nil, errors.New("ignored"))
	RecordError(span, nil)
}

func TestSetSpanSuccess(t *testing.T) {
	inst, recorder := newRecordingTracer(t)

	_, span := inst.Tracer("server").Start(context.Background(), "test-span")
	SetSpanSuccess(span)
	span.End()

	if got := recorder.Ended()[0].Status().Code; got != codes.Ok {
		t.Errorf("status = %v, want Ok", got)
	}
	SetSpanSuccess(nil)
}

func TestSpanAttributeHelpers(t *testing.T) {
	inst, recorder := newRecordingTracer(t)

	_, span := inst.Tracer("server").Start(context.Background(), "test-span")
	AddOAuthFlowAttributes(span, "client-1", "urn:ietf:params:oauth:grant-type:token-exchange", "")
	AddBindingAttributes(span, true, false)
	AddStorageAttributes(span, "consume_pushed_request", "memory")
	span.End()

	attrs := map[attribute.Key]attribute.Value{}
	for _, kv := range recorder.Ended()[0].Attributes() {
		attrs[kv.Key] = kv.Value
	}

	if attrs[AttrClientID].AsString() != "client-1" {
		t.Errorf("%s = %q", AttrClientID, attrs[AttrClientID].AsString())
	}
	if _, ok := attrs[AttrScope]; ok {
		t.Errorf("empty scope should not be recorded")
	}
	if !attrs[AttrDPoPBound].AsBool() || attrs[AttrCertBound].AsBool() {
		t.Errorf("binding attributes = %v/%v", attrs[AttrDPoPBound], attrs[AttrCertBound])
	}
	if attrs[AttrStorageType].AsString() != "memory" {
		t.Errorf("%s = %q", AttrStorageType, attrs[AttrStorageType].AsString())
	}
}

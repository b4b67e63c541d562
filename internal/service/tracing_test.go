package service

import (
	"context"
	"testing"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/LeventeLantos/dispatcher/internal/model"
	"github.com/LeventeLantos/dispatcher/internal/repo"
)

func TestProcess_RecordsSendAttemptSpan(t *testing.T) {
	t.Parallel()

	spans := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(spans))
	defer func() { _ = tp.Shutdown(context.Background()) }()

	q := &stubQueue{}
	messages := repo.NewMemoryMessageRepo()
	p := NewProcessor(ProcessorDeps{
		Messages:    messages,
		DeadLetters: repo.NewMemoryDeadLetterRepo(),
		Queue:       q,
		Senders:     map[model.Channel]Sender{model.SMS: &scriptedSender{provider: "twilio", outcomes: []outcome{sent("SM1")}}},
		Tracer:      tp.Tracer("test"),
	}, ProcessorConfig{})
	d := NewDispatcher(messages, q, nil, nil, DefaultDispatcherConfig())

	ctx := context.Background()
	if _, err := d.Dispatch(ctx, smsRequest("")); err != nil {
		t.Fatalf("Dispatch() error: %v", err)
	}
	job, _ := q.Dequeue(ctx)
	if err := p.Process(ctx, job); err != nil {
		t.Fatalf("Process() error: %v", err)
	}

	ended := spans.Ended()
	if len(ended) != 1 || ended[0].Name() != "dispatcher.send_attempt" {
		t.Fatalf("expected one send_attempt span, got %d", len(ended))
	}

	attrs := map[string]string{}
	for _, kv := range ended[0].Attributes() {
		attrs[string(kv.Key)] = kv.Value.Emit()
	}
	if attrs["message.channel"] != "sms" || attrs["send.status"] != "sent" || attrs["message.attempts"] != "1" {
		t.Fatalf("unexpected span attributes: %v", attrs)
	}
}

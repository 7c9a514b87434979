package tracing

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
)

// Instrumentation scope names.
const (
	tracerName   = "github.com/rentshield/rentshield"
	dbTracerName = tracerName + "/db"
)

// Span attribute keys for ledger entities.
const (
	AttrPaymentID = attribute.Key("payment.id")
	AttrPolicyID  = attribute.Key("policy.id")
	AttrStatus    = attribute.Key("payment.status")
)

// DBOperation is the db.operation value of a repository span.
type DBOperation string

const (
	DBOperationQuery  DBOperation = "query"
	DBOperationInsert DBOperation = "insert"
	DBOperationUpdate DBOperation = "update"
	DBOperationDelete DBOperation = "delete"
	DBOperationExec   DBOperation = "exec"
)

// StartDBSpan starts a client span named "<operation> <table>" for one
// Postgres statement. Call the returned func with the statement's error:
//
//	ctx, end := tracing.StartDBSpan(ctx, "payments", tracing.DBOperationUpdate)
//	defer func() { end(err) }()
func StartDBSpan(ctx context.Context, table string, operation DBOperation) (context.Context, func(error)) {
	name := string(operation)
	attrs := []attribute.KeyValue{
		semconv.DBSystemPostgreSQL,
		semconv.DBOperation(string(operation)),
	}
	if table != "" {
		name += " " + table
		attrs = append(attrs, semconv.DBSQLTable(table))
	}

	ctx, span := otel.Tracer(dbTracerName).Start(ctx, name,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attrs...),
	)
	return ctx, ender(span)
}

// StartSpan starts an internal span for a service operation such as
// "payment.verify".
func StartSpan(ctx context.Context, name string) (context.Context, func(error)) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, name, trace.WithSpanKind(trace.SpanKindInternal))
	return ctx, ender(span)
}

// ender ends span, marking it failed when err is non-nil.
func ender(span trace.Span) func(error) {
	return func(err error) {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}
}

// AddEvent records a named event on the span in ctx.
func AddEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	trace.SpanFromContext(ctx).AddEvent(name, trace.WithAttributes(attrs...))
}

// SetAttributes sets attributes on the span in ctx.
func SetAttributes(ctx context.Context, attrs ...attribute.KeyValue) {
	trace.SpanFromContext(ctx).SetAttributes(attrs...)
}

// SetPayment tags the current span with the payment it is working on.
func SetPayment(ctx context.Context, paymentID, policyID string) {
	attrs := make([]attribute.KeyValue, 0, 2)
	if paymentID != "" {
		attrs = append(attrs, AttrPaymentID.String(paymentID))
	}
	if policyID != "" {
		attrs = append(attrs, AttrPolicyID.String(policyID))
	}
	trace.SpanFromContext(ctx).SetAttributes(attrs...)
}

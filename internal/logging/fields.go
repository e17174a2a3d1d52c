package logging

import "context"

// Field is one named value applied to a log Entry.
type Field interface {
	apply(entry *Entry)
}

type fieldFunc func(*Entry)

func (f fieldFunc) apply(entry *Entry) { f(entry) }

func Component(name string) Field {
	return fieldFunc(func(e *Entry) { e.Component = name })
}

func Stage(name string) Field {
	return fieldFunc(func(e *Entry) { e.Stage = name })
}

func EventID(id string) Field {
	return fieldFunc(func(e *Entry) { e.EventID = id })
}

func TenantID(id string) Field {
	return fieldFunc(func(e *Entry) { e.TenantID = id })
}

func InstrumentID(id string) Field {
	return fieldFunc(func(e *Entry) { e.InstrumentID = id })
}

func CorrelationID(id string) Field {
	return fieldFunc(func(e *Entry) { e.CorrelationID = id })
}

func DurationMs(ms float64) Field {
	return fieldFunc(func(e *Entry) { e.DurationMs = ms })
}

func Any(key string, value interface{}) Field {
	return fieldFunc(func(e *Entry) {
		if e.Extra == nil {
			e.Extra = make(map[string]interface{})
		}
		e.Extra[key] = value
	})
}

type contextKey string

const (
	ctxCorrelationID contextKey = "correlation_id"
	ctxTenantID      contextKey = "tenant_id"
	ctxInstrumentID  contextKey = "instrument_id"
)

// WithCorrelation attaches the correlation token and routing key to ctx
// so every downstream log call picks them up automatically.
func WithCorrelation(ctx context.Context, correlationID, tenantID, instrumentID string) context.Context {
	ctx = context.WithValue(ctx, ctxCorrelationID, correlationID)
	ctx = context.WithValue(ctx, ctxTenantID, tenantID)
	return context.WithValue(ctx, ctxInstrumentID, instrumentID)
}

func FieldsFromContext(ctx context.Context) []Field {
	var fields []Field
	if v, ok := ctx.Value(ctxCorrelationID).(string); ok && v != "" {
		fields = append(fields, CorrelationID(v))
	}
	if v, ok := ctx.Value(ctxTenantID).(string); ok && v != "" {
		fields = append(fields, TenantID(v))
	}
	if v, ok := ctx.Value(ctxInstrumentID).(string); ok && v != "" {
		fields = append(fields, InstrumentID(v))
	}
	return fields
}

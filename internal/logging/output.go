package logging

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"
)

// writeLog formats a message and routes it by severity:
// ERROR and FATAL go to stderr, everything else to stdout.
func (l *Logger) writeLog(level Level, msg string, fields map[string]interface{}) {
	line := fmt.Sprintf("[%s] [%s] %s: %s", timestamp(), levelNames[level], l.name, msg)

	if len(fields) > 0 {
		line += " |"
		for k, v := range fields {
			line += fmt.Sprintf(" %s=%v", k, v)
		}
	}

	if level >= ERROR {
		fmt.Fprintf(os.Stderr, "%s\n", line)
	} else {
		log.Println(line)
	}
}

func (l *Logger) logf(level Level, msg string, args ...interface{}) {
	l.writeLog(level, fmt.Sprintf(msg, args...), l.mergedFields(nil))
}

func (l *Logger) logFields(level Level, msg string, fields ...LogField) {
	l.writeLog(level, msg, l.mergedFields(fields))
}

// mergedFields combines context fields, the logger's persistent fields
// and call-site fields. Later sources win on key collisions.
func (l *Logger) mergedFields(callFields []LogField) map[string]interface{} {
	ctxFields := contextFields(l.ctx)
	if ctxFields == nil && len(l.fields) == 0 && len(callFields) == 0 {
		return nil
	}

	merged := make(map[string]interface{})
	for k, v := range ctxFields {
		merged[k] = v
	}
	for k, v := range l.fields {
		merged[k] = v
	}
	for _, f := range callFields {
		merged[f.Key] = f.Value
	}
	return merged
}

type contextKey string

const (
	traceIDKey contextKey = "trace_id"
	spanIDKey  contextKey = "span_id"
)

// TraceIDKey returns the context key under which a trace id is attached.
func TraceIDKey() interface{} { return traceIDKey }

// SpanIDKey returns the context key under which a span id is attached.
func SpanIDKey() interface{} { return spanIDKey }

func contextFields(ctx context.Context) map[string]interface{} {
	if ctx == nil {
		return nil
	}
	fields := make(map[string]interface{})
	if traceID := ctx.Value(traceIDKey); traceID != nil {
		fields["trace_id"] = traceID
	}
	if spanID := ctx.Value(spanIDKey); spanID != nil {
		fields["span_id"] = spanID
	}
	if len(fields) == 0 {
		return nil
	}
	return fields
}

// timestamp returns an RFC3339 timestamp. LOG_TIMESTAMP overrides the
// clock for deterministic test output.
func timestamp() string {
	if override := os.Getenv("LOG_TIMESTAMP"); override != "" {
		return override
	}
	return time.Now().Format(time.RFC3339)
}

package router

import (
	"context"
	"time"

	"github.com/jeeves-cluster-organization/broker/internal/logging"
	"github.com/jeeves-cluster-organization/broker/internal/observability"
)

// Middleware wraps each unicast send with Before/After hooks.
type Middleware interface {
	Before(ctx context.Context, msg Message) (Message, error)
	After(ctx context.Context, msg Message, result SendResult, err error) (SendResult, error)
}

// LoggingMiddleware logs every routed message.
type LoggingMiddleware struct {
	logger logging.Logger
}

// NewLoggingMiddleware constructs a LoggingMiddleware.
func NewLoggingMiddleware(logger logging.Logger) *LoggingMiddleware {
	if logger == nil {
		logger = logging.NoopLogger()
	}
	return &LoggingMiddleware{logger: logger}
}

func (m *LoggingMiddleware) Before(ctx context.Context, msg Message) (Message, error) {
	m.logger.Debug("router_send_started", "tenant", msg.Tenant, "protocol", msg.ProtocolName, "message", msg.ID)
	return msg, nil
}

func (m *LoggingMiddleware) After(ctx context.Context, msg Message, result SendResult, err error) (SendResult, error) {
	if err != nil {
		m.logger.Error("router_send_failed", "message", msg.ID, "error", err.Error())
	} else {
		m.logger.Debug("router_send_completed", "message", msg.ID, "outcome", string(result.Outcome))
	}
	return result, err
}

// MetricsMiddleware records router outcome counters; send duration is
// recorded by runChain.
type MetricsMiddleware struct{}

// NewMetricsMiddleware constructs a MetricsMiddleware.
func NewMetricsMiddleware() *MetricsMiddleware { return &MetricsMiddleware{} }

func (m *MetricsMiddleware) Before(ctx context.Context, msg Message) (Message, error) {
	return msg, nil
}

func (m *MetricsMiddleware) After(ctx context.Context, msg Message, result SendResult, err error) (SendResult, error) {
	outcome := string(result.Outcome)
	if err != nil && outcome == "" {
		outcome = "failed"
	}
	observability.MessagesRoutedTotal.WithLabelValues(msg.Tenant, outcome).Inc()
	return result, err
}

// runChain runs Before hooks in order, the send function, then After hooks in
// reverse order.
func runChain(ctx context.Context, mws []Middleware, msg Message, send func(context.Context, Message) (SendResult, error)) (SendResult, error) {
	start := time.Now()
	var err error
	for _, mw := range mws {
		msg, err = mw.Before(ctx, msg)
		if err != nil {
			return SendResult{}, err
		}
	}

	result, sendErr := send(ctx, msg)

	for i := len(mws) - 1; i >= 0; i-- {
		result, sendErr = mws[i].After(ctx, msg, result, sendErr)
	}
	observability.RouterDurationSeconds.WithLabelValues("send").Observe(time.Since(start).Seconds())
	return result, sendErr
}

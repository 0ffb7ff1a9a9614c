package backend

import (
	"context"

	"github.com/occigate/occigate/pkg/engine"
	"github.com/occigate/occigate/pkg/telemetry"
)

// Classifier maps a native error to a canonical kind. It returns false when
// the error is not recognized.
type Classifier func(err error) (engine.ErrorKind, bool)

// Caller is the boundary between an adapter and its native client. Every
// native call goes through Call or Exec so that failures are classified
// and observed the same way for all backends.
type Caller struct {
	deps     Deps
	classify Classifier
	logger   *telemetry.Logger
}

// NewCaller creates a caller for the adapter built from deps.
func NewCaller(deps Deps, classify Classifier) *Caller {
	if deps.Telemetry == nil {
		deps.Telemetry = telemetry.Nop()
	}
	logger := deps.Logger
	if logger == nil {
		logger = deps.Telemetry.Logger.WithBackend(deps.BackendType, deps.Subtype)
	}
	return &Caller{
		deps:     deps,
		classify: classify,
		logger:   logger.WithIdentity(deps.Credentials.Fingerprint()),
	}
}

// Logger returns the caller's logger.
func (c *Caller) Logger() *telemetry.Logger {
	return c.logger
}

// Waiter returns a convergence waiter configured from the backend options.
// Every poll is counted.
func (c *Caller) Waiter() engine.Waiter {
	w := engine.DefaultWaiter()
	if c.deps.Options.WaitStep > 0 {
		w.Step = c.deps.Options.WaitStep
	}
	if c.deps.Options.WaitTimeout > 0 {
		w.Timeout = c.deps.Options.WaitTimeout
	}
	if c.deps.Clock != nil {
		w.Clock = c.deps.Clock
	}
	w.OnPoll = func(int) {
		c.deps.Telemetry.Metrics.RecordWaiterPoll(c.deps.BackendType, c.deps.Subtype)
	}
	return w
}

// Call runs one native operation. fn finds the per-call logger in its
// context through telemetry.FromContext. A failure is classified with the
// caller's classifier, falling back to fallback, and logged at the level its
// kind implies.
func Call[T any](ctx context.Context, c *Caller, operation string, fallback engine.ErrorKind, fn func(ctx context.Context) (T, error)) (T, error) {
	backendType, subtype := c.deps.BackendType, c.deps.Subtype

	if c.deps.Options.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.deps.Options.Timeout)
		defer cancel()
	}

	logger := c.logger.WithField("operation", operation)
	ctx = logger.WithContext(ctx)

	ctx, span := c.deps.Telemetry.Tracer.StartNativeCallSpan(ctx, backendType, subtype, operation)
	defer span.End()

	timer := telemetry.NewTimer()
	result, err := fn(ctx)
	c.deps.Telemetry.Metrics.RecordNativeCall(backendType, subtype, operation, timer.Duration())

	if err != nil {
		classified := engine.Classify(err, c.classify, fallback, operation+" failed")
		kind := engine.KindOf(classified)
		c.deps.Telemetry.Metrics.RecordNativeError(backendType, subtype, operation, string(kind))
		telemetry.RecordError(span, classified)
		if id := telemetry.TraceID(ctx); id != "" {
			logger = logger.WithField("trace_id", id)
		}
		logger.WithError(classified).Log(engine.LogLevel(classified), "native call failed")
		var zero T
		return zero, classified
	}

	telemetry.RecordSuccess(span)
	logger.Trace("native call succeeded")
	return result, nil
}

// Exec is Call for operations without a result.
func Exec(ctx context.Context, c *Caller, operation string, fallback engine.ErrorKind, fn func(ctx context.Context) error) error {
	_, err := Call(ctx, c, operation, fallback, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// Wait polls until pred holds, inside a wait span. Timeouts are counted.
func Wait[T any](ctx context.Context, c *Caller, entityID string, poll func(ctx context.Context) (T, error), pred func(T) bool) (T, error) {
	ctx, span := c.deps.Telemetry.Tracer.StartWaitSpan(ctx, c.deps.BackendType, c.deps.Subtype, entityID)
	defer span.End()

	value, err := engine.WaitUntil(ctx, c.Waiter(), poll, pred)
	if err != nil {
		if engine.KindOf(err) == engine.KindTimeout {
			c.deps.Telemetry.Metrics.RecordWaiterTimeout(c.deps.BackendType, c.deps.Subtype)
		}
		telemetry.RecordError(span, err)
		c.logger.WithEntityID(entityID).WithError(err).Log(engine.LogLevel(err), "wait failed")
		return value, err
	}
	telemetry.RecordSuccess(span)
	return value, nil
}

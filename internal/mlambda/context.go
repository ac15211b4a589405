package mlambda

import (
	"context"
	"log/slog"
	"time"

	"github.com/aws-samples/go-custom-lambda-runtime/internal/mlambda/rlog"
)

// Context is handed to every handler invocation. It embeds a
// context.Context bound to the invocation's deadline (cancelled when
// the deadline passes or the parent is cancelled) plus the metadata and
// a request-scoped logger.
type Context struct {
	context.Context
	Metadata InvocationMetadata

	deadline time.Time
	logger   *slog.Logger
}

// NewContext derives a Context from a parent context and invocation
// metadata. The deadline on the returned Context is never later than
// md.Deadline(). The loop calls this once per /next result; it is also
// useful for unit-testing a handler outside of the loop.
func NewContext(parent context.Context, md InvocationMetadata, base *slog.Logger) (*Context, context.CancelFunc) {
	// Re-anchor the wall-clock deadline on time.Now so that it carries a
	// monotonic clock reading for TimeRemaining.
	deadline := time.Now().Add(time.Until(md.Deadline()))

	var ctx context.Context
	var cancel context.CancelFunc
	if deadline.IsZero() {
		ctx, cancel = context.WithCancel(parent)
	} else {
		ctx, cancel = context.WithDeadline(parent, deadline)
	}

	logger := base.With("request_id", md.RequestID)
	ctx = rlog.WithContext(ctx, logger)

	return &Context{
		Context:  ctx,
		Metadata: md,
		deadline: deadline,
		logger:   logger,
	}, cancel
}

// TimeRemaining is max(0, deadline - now). Handlers use this to
// self-limit; the loop itself never cancels a handler on deadline.
func (c *Context) TimeRemaining() time.Duration {
	if c.deadline.IsZero() {
		return 0
	}
	remaining := time.Until(c.deadline)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Logger returns the per-invocation logger, tagged with request_id.
func (c *Context) Logger() *slog.Logger {
	return c.logger
}

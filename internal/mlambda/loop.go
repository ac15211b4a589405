package mlambda

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/rotisserie/eris"
)

// HandlerFactory constructs the handler once, at cold start. It must
// return either a BufferedHandler or a StreamingHandler. If it returns
// an error, the loop POSTs init/error and the process must exit
// non-zero: this is the only fatal error kind in the whole system.
type HandlerFactory func() (any, error)

// Loop is the invocation loop / state machine: it orchestrates the
// Runtime API client, the handler, and the response writer, one
// invocation at a time, for the lifetime of the process.
//
// States: CONSTRUCTING_HANDLER -> READY -> FETCHING -> DISPATCHING ->
// REPORTING -> READY ... -> SHUTDOWN.
type Loop struct {
	client  *client
	config  Config
	logger  *slog.Logger
	factory HandlerFactory
}

// NewLoop constructs a Loop talking to the Runtime API at
// cfg.RuntimeAPIEndpoint.
func NewLoop(cfg Config, factory HandlerFactory, logger *slog.Logger) *Loop {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loop{
		client:  newClient(cfg.RuntimeAPIEndpoint),
		config:  cfg,
		logger:  logger,
		factory: factory,
	}
}

// Run executes CONSTRUCTING_HANDLER once, then FETCHING/DISPATCHING/
// REPORTING repeatedly until ctx is cancelled (graceful shutdown,
// typically driven by SIGINT/SIGTERM) or config.MaxInvocations is
// reached. The current invocation, if any, is always finished before
// Run returns.
//
// A non-nil error return means CONSTRUCTING_HANDLER failed; the caller
// is expected to exit the process with a non-zero status.
func (l *Loop) Run(ctx context.Context) error {
	handler, err := l.constructHandler()
	if err == nil {
		switch handler.(type) {
		case BufferedHandler, StreamingHandler:
		default:
			err = fmt.Errorf("handler factory returned unsupported handler type %T", handler)
		}
	}
	if err != nil {
		report := errorReportFor(err)
		if reportErr := l.client.reportInitError(ctx, report); reportErr != nil {
			l.logger.Error("failed to report init error", "error", reportErr)
		}
		return newRuntimeError(KindInit, err)
	}

	count := 0
	for {
		select {
		case <-ctx.Done():
			l.logger.Info("shutting down, no further invocations will be fetched")
			return nil
		default:
		}

		if err := l.doWork(ctx, handler); err != nil {
			return err
		}

		count++
		if l.config.MaxInvocations > 0 && count >= l.config.MaxInvocations {
			l.logger.Info("max invocations reached, shutting down", "count", count)
			return nil
		}
	}
}

func (l *Loop) constructHandler() (handler any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler factory panicked: %v", r)
		}
	}()
	return l.factory()
}

// doWork performs one FETCHING -> DISPATCHING -> REPORTING cycle.
func (l *Loop) doWork(parentCtx context.Context, handler any) error {
	inv, err := l.client.next(parentCtx)
	if err != nil {
		// client.next retries with no elapsed-time limit, so it only
		// returns an error once parentCtx is done. A cancelled context
		// ends the loop; anything else (an expired parent deadline) is
		// logged and followed by a short pause.
		if errors.Is(err, context.Canceled) {
			return nil
		}
		l.logger.Error("next invocation failed", "error", err)
		time.Sleep(100 * time.Millisecond)
		return nil
	}

	// A fetched invocation is always carried through to its terminal
	// POST, even if parentCtx is cancelled meanwhile (graceful shutdown).
	invParent := context.WithoutCancel(parentCtx)
	invCtx, cancel := NewContext(invParent, inv.Metadata, l.logger)
	defer cancel()

	switch h := handler.(type) {
	case BufferedHandler:
		return l.dispatchBuffered(invParent, invCtx, h, inv)
	case StreamingHandler:
		return l.dispatchStreaming(invParent, invCtx, h, inv)
	default:
		return fmt.Errorf("handler factory returned unsupported handler type %T", handler)
	}
}

func (l *Loop) dispatchBuffered(parentCtx context.Context, invCtx *Context, h BufferedHandler, inv *Invocation) error {
	result, err := l.invokeBuffered(invCtx, h, inv.Event)
	if err != nil {
		report := errorReportFor(err)
		if repErr := l.client.reportInvocationError(parentCtx, inv.Metadata.RequestID, report); repErr != nil {
			l.logger.Error("failed to report invocation error", "request_id", inv.Metadata.RequestID, "error", repErr)
		}
		return nil
	}

	if err := l.client.respond(parentCtx, inv.Metadata.RequestID, result); err != nil {
		l.logger.Error("failed to post response", "request_id", inv.Metadata.RequestID, "error", err)
	}
	return nil
}

func (l *Loop) invokeBuffered(ctx *Context, h BufferedHandler, event []byte) (result []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			report := panicReport(r)
			err = eris.Wrap(fmt.Errorf("%s", report.ErrorMessage), "handler panicked")
		}
	}()
	return h.Invoke(ctx, event)
}

// dispatchStreaming runs a StreamingHandler. The handler writes into a
// Writer backed by an io.Pipe; the loop peeks the first byte before
// deciding whether to POST /response (streaming) or /error, and
// converts any later handler error into report_error trailer framing
// instead of truncating an already-open stream.
func (l *Loop) dispatchStreaming(parentCtx context.Context, invCtx *Context, h StreamingHandler, inv *Invocation) error {
	w := NewWriter()

	go func() {
		defer func() {
			if r := recover(); r != nil {
				report := panicReport(r)
				_ = w.reportError(fmt.Errorf("%s: %s", report.ErrorType, report.ErrorMessage))
				return
			}
		}()

		err := h.Invoke(invCtx, w, inv.Event)
		if err != nil {
			if w.HasWrittenBytes() {
				_ = w.reportError(err)
			} else {
				_ = w.pw.CloseWithError(err)
			}
			return
		}
		// normal return: if the handler forgot to Finish, do it for
		// them so the pipe reader always reaches EOF. Unlike Finish,
		// this is a no-op (not a violation) when the handler already
		// finished itself, which is the common case.
		w.finishIfOpen()
	}()

	bufReader := bufio.NewReader(w.Reader())
	_, peekErr := bufReader.Peek(1)

	switch {
	case peekErr != nil && errors.Is(peekErr, io.EOF):
		// Clean finish with zero bytes written: per the resolved open
		// question, this is an empty /response, not a /error.
		if err := l.client.respond(parentCtx, inv.Metadata.RequestID, nil); err != nil {
			l.logger.Error("failed to post empty response", "request_id", inv.Metadata.RequestID, "error", err)
		}
		l.reportDeferredViolation(parentCtx, inv.Metadata.RequestID, w)
		return nil

	case peekErr != nil:
		// Handler errored before writing anything.
		report := errorReportFor(peekErr)
		if err := l.client.reportInvocationError(parentCtx, inv.Metadata.RequestID, report); err != nil {
			l.logger.Error("failed to report invocation error", "request_id", inv.Metadata.RequestID, "error", err)
		}
		l.reportDeferredViolation(parentCtx, inv.Metadata.RequestID, w)
		return nil

	default:
		// Bytes are flowing: stream them up, converting any later
		// handler error (or a double-Finish/reportError violation
		// recorded too late to reach the pipe itself) into a trailer
		// rather than truncating.
		tr := newTrailerReader(bufReader, w)
		if err := l.client.respondStreaming(parentCtx, inv.Metadata.RequestID, tr); err != nil {
			l.logger.Error("failed to post streaming response", "request_id", inv.Metadata.RequestID, "error", err)
		}
		return nil
	}
}

// reportDeferredViolation checks for a contract violation recorded
// after the writer had already finished (a double-Finish or a
// reportError called post-finish) in the two branches that don't run
// a trailerReader, and posts it as a best-effort /error so it is
// observable instead of silently discarded.
func (l *Loop) reportDeferredViolation(ctx context.Context, requestID string, w *Writer) {
	v := w.Violation()
	if v == nil {
		return
	}
	if err := l.client.reportInvocationError(ctx, requestID, errorReportFor(v)); err != nil {
		l.logger.Error("failed to report deferred contract violation", "request_id", requestID, "error", err)
	}
}

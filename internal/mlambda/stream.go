package mlambda

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
)

// StatusAndHeaders is the optional prelude emitted at most once per
// streaming invocation, before any body byte.
type StatusAndHeaders struct {
	StatusCode int               `json:"statusCode"`
	Headers    map[string]string `json:"headers,omitempty"`
}

// nulSeparator delimits the JSON prelude from the opaque body bytes on
// a streaming response, per the Runtime API's streaming framing.
var nulSeparator = make([]byte, 8)

type writerState int

const (
	stateFresh writerState = iota
	stateHeadersWritten
	stateBodyOpen
	stateFinished
)

// Writer is the per-invocation outbound body. It is created fresh for
// every invocation and obeys a linear state machine:
// Fresh -> HeadersWritten? -> BodyOpen* -> Finished.
//
// The handler writes into Writer; the loop reads the paired io.Reader
// and streams it as the HTTP body of the /response POST, bridging a
// Writer-shaped handler API to the Reader-shaped http.Client request
// body.
type Writer struct {
	mu         sync.Mutex
	state      writerState
	pw         *io.PipeWriter
	pr         *io.PipeReader
	wroteBytes bool
	violation  *RuntimeError
}

// NewWriter constructs a fresh Writer. The loop creates one per
// invocation; tests exercising a StreamingHandler in isolation (without
// going through the loop) can also construct one directly and drain
// Reader() themselves.
func NewWriter() *Writer {
	pr, pw := io.Pipe()
	return &Writer{pr: pr, pw: pw}
}

// Reader returns the read side of the pipe. The loop streams this as
// the HTTP body of the /response POST.
func (w *Writer) Reader() *io.PipeReader {
	return w.pr
}

// WriteStatusAndHeaders emits the JSON prelude followed by the 8 NUL
// byte separator. Valid only in Fresh state, and at most once per
// invocation.
func (w *Writer) WriteStatusAndHeaders(sh StatusAndHeaders) error {
	w.mu.Lock()
	if w.state != stateFresh {
		w.mu.Unlock()
		return newRuntimeError(KindContractViolation, errors.New("write_status_and_headers called more than once or after write"))
	}
	w.state = stateHeadersWritten
	w.wroteBytes = true
	w.mu.Unlock()

	body, err := json.Marshal(sh)
	if err != nil {
		return newRuntimeError(KindEncoding, err)
	}
	if _, err := w.pw.Write(body); err != nil {
		return err
	}
	if _, err := w.pw.Write(nulSeparator); err != nil {
		return err
	}
	return nil
}

// Write appends bytes to the outbound body. Valid in Fresh,
// HeadersWritten, or BodyOpen.
func (w *Writer) Write(p []byte) (int, error) {
	w.mu.Lock()
	if w.state == stateFinished {
		w.mu.Unlock()
		return 0, newRuntimeError(KindContractViolation, errors.New("write called after finish"))
	}
	w.state = stateBodyOpen
	w.wroteBytes = true
	w.mu.Unlock()

	return w.pw.Write(p)
}

// Finish closes the response. It must be called exactly once; a second
// call is a ContractViolation ("Runtime.DoubleFinish"). The pipe is
// already closed by the first call, so the violation can't retroactively
// change what the reader already saw; it is stashed instead so the loop
// can still report it (see Violation).
func (w *Writer) Finish() error {
	w.mu.Lock()
	if w.state == stateFinished {
		violation := newRuntimeError(KindContractViolation, errors.New("Runtime.DoubleFinish: finish called twice"))
		w.violation = violation
		w.mu.Unlock()
		return violation
	}
	w.state = stateFinished
	w.mu.Unlock()

	return w.pw.Close()
}

// finishIfOpen closes the pipe only if the writer hasn't already
// reached Finished state. The loop uses this to guarantee the reader
// reaches EOF when a handler returns without calling Finish itself;
// unlike Finish, calling it on an already-finished writer is not a
// contract violation, since nothing asked for a second close.
func (w *Writer) finishIfOpen() {
	w.mu.Lock()
	if w.state == stateFinished {
		w.mu.Unlock()
		return
	}
	w.state = stateFinished
	w.mu.Unlock()

	_ = w.pw.Close()
}

// WriteAndFinish atomically writes chunk and finishes the response.
func (w *Writer) WriteAndFinish(chunk []byte) error {
	if _, err := w.Write(chunk); err != nil {
		return err
	}
	return w.Finish()
}

// HasWrittenBytes reports whether any body byte (including a prelude)
// has been written yet. The loop uses this to decide whether a handler
// error becomes a /error POST or a trailer on an already-open stream.
func (w *Writer) HasWrittenBytes() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.wroteBytes || w.state == stateHeadersWritten
}

// reportError closes the stream with err attached so the reading side
// (wrapped in a trailerReader by the loop) can surface it as a trailing
// error instead of a truncated body. A call after the writer has
// already finished is itself a contract violation; it is stashed the
// same way Finish stashes a double-finish.
func (w *Writer) reportError(err error) error {
	w.mu.Lock()
	if w.state == stateFinished {
		violation := newRuntimeError(KindContractViolation, fmt.Errorf("report_error called after finish: %w", err))
		w.violation = violation
		w.mu.Unlock()
		return violation
	}
	w.state = stateFinished
	w.mu.Unlock()

	return w.pw.CloseWithError(err)
}

// Violation returns a contract violation recorded by a Finish or
// reportError call that arrived after the writer had already finished,
// or nil if none occurred. By the time such a call happens the pipe is
// already closed and the reader has already seen its outcome, so the
// loop checks this separately to still report the violation instead of
// letting it vanish with the discarded error return.
func (w *Writer) Violation() *RuntimeError {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.violation
}


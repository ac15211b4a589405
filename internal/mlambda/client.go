package mlambda

// https://docs.aws.amazon.com/lambda/latest/dg/runtimes-api.html

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const apiVersion = "2018-06-01"

const (
	headerAWSRequestID       = "Lambda-Runtime-Aws-Request-Id"
	headerDeadlineMS         = "Lambda-Runtime-Deadline-Ms"
	headerInvokedFunctionARN = "Lambda-Runtime-Invoked-Function-Arn"
	headerTraceID            = "Lambda-Runtime-Trace-Id"
	headerClientContext      = "X-Amz-Client-Context"
	headerCognitoIdentity    = "X-Amz-Cognito-Identity"

	trailerErrorType = "Lambda-Runtime-Function-Error-Type"
	trailerErrorBody = "Lambda-Runtime-Function-Error-Body"
)

// client is the Runtime API wire-protocol client. The /next call is a
// long poll with no client-side timeout; connections are reused via the
// default http.Transport's keep-alive pool.
type client struct {
	httpClient *http.Client
	endpoint   string
}

func newClient(endpoint string) *client {
	return &client{
		httpClient: &http.Client{Timeout: 0},
		endpoint:   endpoint,
	}
}

func (c *client) baseURL() string {
	return "http://" + c.endpoint + "/" + apiVersion + "/runtime/"
}

// next issues the long-polling GET invocation/next call, retrying
// transient transport and header faults with exponential backoff
// capped at 5s, per the resolved retry policy (see DESIGN.md).
func (c *client) next(ctx context.Context) (*Invocation, error) {
	b := backoff.NewExponentialBackOff()
	b.MaxInterval = 5 * time.Second
	b.MaxElapsedTime = 0 // unbounded: bounded only by ctx/SIGTERM

	op := func() (*Invocation, error) {
		i, err := c.nextOnce(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil, backoff.Permanent(err)
			}
			return nil, err // transient, retry
		}
		return i, nil
	}

	inv, err := backoff.RetryWithData(op, backoff.WithContext(b, ctx))
	if err != nil {
		return nil, newRuntimeError(KindTransport, err)
	}
	return inv, nil
}

func (c *client) nextOnce(ctx context.Context) (*Invocation, error) {
	url := c.baseURL() + "invocation/next"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("construct GET %s: %w", url, err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("GET %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return nil, fmt.Errorf("GET %s: unexpected status %d", url, resp.StatusCode)
	}

	md, err := parseInvocationMetadata(resp.Header)
	if err != nil {
		// Missing mandatory headers: transient server fault, never a
		// /error POST since there is no request_id to attach it to.
		return nil, fmt.Errorf("parse invocation headers: %w", err)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read invocation body: %w", err)
	}

	return &Invocation{Metadata: md, Event: body}, nil
}

func parseInvocationMetadata(h http.Header) (InvocationMetadata, error) {
	requestID := h.Get(headerAWSRequestID)
	if requestID == "" {
		return InvocationMetadata{}, errors.New("missing " + headerAWSRequestID)
	}

	deadlineStr := h.Get(headerDeadlineMS)
	if deadlineStr == "" {
		return InvocationMetadata{}, errors.New("missing " + headerDeadlineMS)
	}
	deadlineMS, err := strconv.ParseInt(deadlineStr, 10, 64)
	if err != nil {
		return InvocationMetadata{}, fmt.Errorf("invalid %s: %w", headerDeadlineMS, err)
	}

	arn := h.Get(headerInvokedFunctionARN)
	if arn == "" {
		return InvocationMetadata{}, errors.New("missing " + headerInvokedFunctionARN)
	}

	return InvocationMetadata{
		RequestID:          requestID,
		DeadlineMS:         deadlineMS,
		InvokedFunctionARN: arn,
		TraceID:            h.Get(headerTraceID),
		ClientContext:      h.Get(headerClientContext),
		CognitoIdentity:    h.Get(headerCognitoIdentity),
	}, nil
}

// respond POSTs a buffered response body to invocation/{id}/response.
func (c *client) respond(ctx context.Context, requestID string, body []byte) error {
	url := c.baseURL() + "invocation/" + requestID + "/response"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("construct POST %s: %w", url, err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("POST %s: %w", url, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusAccepted {
		return fmt.Errorf("POST %s: unexpected status %d", url, resp.StatusCode)
	}
	return nil
}

// respondStreaming POSTs a chunked response whose body is read from r,
// a *trailerReader wrapping a Writer's pipe so that a post-write
// handler error surfaces as a trailer instead of a raw transport
// failure.
func (c *client) respondStreaming(ctx context.Context, requestID string, r *trailerReader) error {
	url := c.baseURL() + "invocation/" + requestID + "/response"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, r)
	if err != nil {
		return fmt.Errorf("construct POST %s: %w", url, err)
	}
	req.Trailer = r.trailer
	req.TransferEncoding = []string{"chunked"}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("POST %s: %w", url, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusAccepted {
		return fmt.Errorf("POST %s: unexpected status %d", url, resp.StatusCode)
	}
	return nil
}

// reportInvocationError POSTs an ErrorReport to invocation/{id}/error.
func (c *client) reportInvocationError(ctx context.Context, requestID string, report ErrorReport) error {
	return c.postErrorReport(ctx, c.baseURL()+"invocation/"+requestID+"/error", report)
}

// reportInitError POSTs an ErrorReport to init/error. This is only
// called once, during CONSTRUCTING_HANDLER, and always precedes a
// non-zero process exit.
func (c *client) reportInitError(ctx context.Context, report ErrorReport) error {
	url := "http://" + c.endpoint + "/" + apiVersion + "/runtime/init/error"
	return c.postErrorReport(ctx, url, report)
}

func (c *client) postErrorReport(ctx context.Context, url string, report ErrorReport) error {
	body := marshalErrorReport(report)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("construct POST %s: %w", url, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(trailerErrorType, report.ErrorType)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("POST %s: %w", url, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusAccepted {
		return fmt.Errorf("POST %s: unexpected status %d", url, resp.StatusCode)
	}
	return nil
}

// trailerReader wraps a Writer's pipe reader, capturing the first
// error it sees from Read and, if it is an application-level failure
// (not a clean EOF), converting it into the Lambda-Runtime-Function-
// Error-Type/-Body trailer headers before signalling end-of-body. A
// clean EOF is also checked against the Writer for a contract
// violation recorded too late to affect the pipe itself (a Finish or
// reportError call made after the writer had already finished), so
// that misuse is never silently dropped on the floor.
//
// Grounded in ridgenative's errorCapturingReader.
type trailerReader struct {
	r       io.Reader
	w       *Writer
	trailer http.Header
	err     error
}

func newTrailerReader(r io.Reader, w *Writer) *trailerReader {
	return &trailerReader{r: r, w: w, trailer: http.Header{}}
}

func (t *trailerReader) Read(p []byte) (int, error) {
	if t.err != nil {
		return 0, t.err
	}

	n, err := t.r.Read(p)
	if err == nil {
		return n, nil
	}
	if err == io.EOF {
		if v := t.w.Violation(); v != nil {
			t.setTrailer(v)
		}
		t.err = io.EOF
		return n, io.EOF
	}

	// Any other error (including one set via Writer.reportError) is
	// surfaced as a trailer; the body is otherwise treated as complete.
	t.setTrailer(err)
	t.err = io.EOF
	return n, io.EOF
}

func (t *trailerReader) setTrailer(err error) {
	report := errorReportFor(err)
	t.trailer.Set(trailerErrorType, report.ErrorType)
	t.trailer.Set(trailerErrorBody, base64.StdEncoding.EncodeToString(marshalErrorReport(report)))
}
